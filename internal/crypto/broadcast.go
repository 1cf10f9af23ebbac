package crypto

import (
	"crypto/cipher"
	"crypto/rand"
	"errors"
	"fmt"

	"golang.org/x/crypto/chacha20poly1305"
)

const (
	BroadcastContext     = ContextPrefix + "v1:broadcast"
	DefaultBroadcastSeed = "StateBeacon2024"
)

var (
	// ErrOpen covers every way an envelope can fail to open. Callers cannot
	// tell a forged envelope from noise.
	ErrOpen = errors.New("cannot open broadcast envelope")
	ErrSeal = errors.New("cannot seal broadcast envelope")
)

// BroadcastCipher seals and opens group broadcasts under a key every device
// derives from the same shared seed. It hides content and exact length from
// outside listeners only; any holder of the seed can read and forge.
type BroadcastCipher struct {
	aead cipher.AEAD
	aad  []byte
}

func NewBroadcastCipher(seed []byte) (*BroadcastCipher, error) {
	if len(seed) == 0 {
		return nil, errors.New("empty broadcast seed")
	}
	key, err := DeriveKeyE(seed, BroadcastContext, XKeySize)
	if err != nil {
		return nil, err
	}
	aead, err := chacha20poly1305.NewX(key)
	clear(key)
	if err != nil {
		return nil, err
	}
	return &BroadcastCipher{aead: aead, aad: []byte(BroadcastContext)}, nil
}

// MinEnvelopeSize is the smallest envelope OpenBroadcast can accept.
const MinEnvelopeSize = XNonceSize + padPrefix + chacha20poly1305.Overhead

// SealBroadcast pads plain to its size class and returns nonce||ciphertext.
func (c *BroadcastCipher) SealBroadcast(plain []byte) ([]byte, error) {
	return c.seal(plain, PaddedSize(len(plain)))
}

// SealStatePayload is SealBroadcast with the state payload size classes.
func (c *BroadcastCipher) SealStatePayload(plain []byte) ([]byte, error) {
	return c.seal(plain, StatePaddedSize(len(plain)))
}

func (c *BroadcastCipher) seal(plain []byte, size int) ([]byte, error) {
	padded, err := pad(plain, size)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSeal, err)
	}
	out := make([]byte, XNonceSize, XNonceSize+len(padded)+c.aead.Overhead())
	if _, err := rand.Read(out); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSeal, err)
	}
	return c.aead.Seal(out, out[:XNonceSize], padded, c.aad), nil
}

func (c *BroadcastCipher) OpenBroadcast(env []byte) ([]byte, error) {
	if len(env) < MinEnvelopeSize {
		return nil, ErrOpen
	}
	padded, err := c.aead.Open(nil, env[:XNonceSize], env[XNonceSize:], c.aad)
	if err != nil {
		return nil, ErrOpen
	}
	plain, err := unpad(padded)
	if err != nil {
		return nil, ErrOpen
	}
	return plain, nil
}
