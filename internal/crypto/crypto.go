package crypto

import (
	"crypto/ecdh"
	"crypto/rand"
	"encoding/hex"
	"errors"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/sha3"
)

// Suite: XChaCha20-Poly1305 seals broadcasts, SHA3-256 backs hashing and
// HKDF, X25519 agrees session keys, Ed25519 signs.
const (
	XKeySize   = chacha20poly1305.KeySize
	XNonceSize = chacha20poly1305.NonceSizeX
	NonceSize  = chacha20poly1305.NonceSize
)

var errDestroyed = errors.New("key agreement material destroyed")

func Hash(data []byte) []byte {
	sum := sha3.Sum256(data)
	return sum[:]
}

// RandomNonce returns NonceSize bytes from the system CSPRNG.
func RandomNonce() ([]byte, error) {
	n := make([]byte, NonceSize)
	if _, err := rand.Read(n); err != nil {
		return nil, err
	}
	return n, nil
}

// Fingerprint is a short hex label for a public key.
func Fingerprint(pub []byte) string {
	return hex.EncodeToString(Hash(pub)[:8])
}

// Ephemeral is an X25519 keypair for one session.
type Ephemeral struct {
	priv *ecdh.PrivateKey
	pub  []byte
}

func GenerateEphemeral() (*Ephemeral, error) {
	priv, err := ecdh.X25519().GenerateKey(rand.Reader)
	if err != nil {
		return nil, err
	}
	return &Ephemeral{priv: priv, pub: priv.PublicKey().Bytes()}, nil
}

func (e *Ephemeral) String() string   { return "Ephemeral{REDACTED}" }
func (e *Ephemeral) GoString() string { return "crypto.Ephemeral{REDACTED}" }

func (e *Ephemeral) alive() bool { return e != nil && e.priv != nil }

func (e *Ephemeral) Public() ([]byte, error) {
	if !e.alive() {
		return nil, errDestroyed
	}
	return append([]byte(nil), e.pub...), nil
}

func (e *Ephemeral) Shared(peerPub []byte) ([]byte, error) {
	if !e.alive() {
		return nil, errDestroyed
	}
	if len(peerPub) == 0 {
		return nil, errors.New("empty key material")
	}
	pub, err := ecdh.X25519().NewPublicKey(peerPub)
	if err != nil {
		return nil, err
	}
	return e.priv.ECDH(pub)
}

// Destroy drops the private key. Later calls fail with errDestroyed.
func (e *Ephemeral) Destroy() {
	if !e.alive() {
		return
	}
	clear(e.pub)
	e.priv = nil
}
