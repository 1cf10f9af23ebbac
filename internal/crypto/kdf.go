package crypto

import (
	"errors"
	"fmt"
	"io"
	"strings"

	"golang.org/x/crypto/hkdf"
	"golang.org/x/crypto/sha3"
)

// Every derivation context starts with this prefix so keys from this module
// never collide with keys another protocol derives from the same secret.
const ContextPrefix = "stately:"

const maxExpand = 255 * 32

var ErrContext = errors.New("kdf context missing domain prefix")

func Extract(salt, ikm []byte) ([]byte, error) {
	if len(ikm) == 0 {
		return nil, errors.New("empty key material")
	}
	return hkdf.Extract(sha3.New256, ikm, salt), nil
}

func Expand(prk, info []byte, n int) ([]byte, error) {
	if n <= 0 || n > maxExpand {
		return nil, fmt.Errorf("bad output length %d", n)
	}
	out := make([]byte, n)
	if _, err := io.ReadFull(hkdf.Expand(sha3.New256, prk, info), out); err != nil {
		return nil, err
	}
	return out, nil
}

// DeriveKeyE runs HKDF-SHA3-256 over ikm with an empty salt and context as info.
func DeriveKeyE(ikm []byte, context string, n int) ([]byte, error) {
	if !strings.HasPrefix(context, ContextPrefix) || len(context) == len(ContextPrefix) {
		return nil, fmt.Errorf("%w: %q", ErrContext, context)
	}
	prk, err := Extract(nil, ikm)
	if err != nil {
		return nil, err
	}
	return Expand(prk, []byte(context), n)
}
