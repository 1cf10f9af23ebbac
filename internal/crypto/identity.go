package crypto

import (
	"crypto/rand"
	"errors"

	"github.com/cloudflare/circl/sign/ed25519"
)

const (
	SigningSeedSize = ed25519.SeedSize
	SignatureSize   = ed25519.SignatureSize
)

// Identity is the device's key material. The X25519 half is fresh every
// session; the signing half may be restored from a persisted seed.
type Identity struct {
	agreement *Ephemeral
	signPub   ed25519.PublicKey
	signPriv  ed25519.PrivateKey
}

func NewIdentity() (*Identity, error) {
	seed := make([]byte, SigningSeedSize)
	if _, err := rand.Read(seed); err != nil {
		return nil, err
	}
	defer clear(seed)
	return NewIdentityFromSeed(seed)
}

func NewIdentityFromSeed(seed []byte) (*Identity, error) {
	if len(seed) != SigningSeedSize {
		return nil, errors.New("bad signing seed size")
	}
	agreement, err := GenerateEphemeral()
	if err != nil {
		return nil, err
	}
	priv := ed25519.NewKeyFromSeed(seed)
	return &Identity{
		agreement: agreement,
		signPub:   priv.Public().(ed25519.PublicKey),
		signPriv:  priv,
	}, nil
}

func (id *Identity) String() string {
	return "Identity{REDACTED}"
}

func (id *Identity) AgreementPublic() ([]byte, error) {
	return id.agreement.Public()
}

func (id *Identity) SharedSecret(peerPub []byte) ([]byte, error) {
	return id.agreement.Shared(peerPub)
}

func (id *Identity) SigningPublic() []byte {
	return append([]byte(nil), id.signPub...)
}

func (id *Identity) Sign(msg []byte) []byte {
	return ed25519.Sign(id.signPriv, msg)
}

// Destroy wipes the session agreement key. Signing stays usable.
func (id *Identity) Destroy() {
	id.agreement.Destroy()
}

// Verify reports whether sig is a valid Ed25519 signature of msg under the
// raw public key pub.
func Verify(pub, msg, sig []byte) bool {
	if len(pub) != ed25519.PublicKeySize || len(sig) != SignatureSize {
		return false
	}
	return ed25519.Verify(ed25519.PublicKey(pub), msg, sig)
}
