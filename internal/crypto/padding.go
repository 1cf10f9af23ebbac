package crypto

import (
	"crypto/rand"
	"encoding/binary"
	"errors"
	"math/bits"
)

const (
	padPrefix   = 4
	padStep     = 2048
	minStatePad = 256
)

var padLadder = [...]int{256, 512, 1024, 2048}

var errPadding = errors.New("bad padding")

// PaddedSize is the size class for a general broadcast body of n bytes.
func PaddedSize(n int) int {
	total := n + padPrefix
	for _, size := range padLadder {
		if total <= size {
			return size
		}
	}
	return (total + padStep - 1) / padStep * padStep
}

// StatePaddedSize is the size class for a state payload: the next power of
// two, never below 256.
func StatePaddedSize(n int) int {
	total := n + padPrefix
	if total <= minStatePad {
		return minStatePad
	}
	return 1 << bits.Len(uint(total-1))
}

// pad lays out [len u32][data][random fill] in exactly size bytes.
func pad(data []byte, size int) ([]byte, error) {
	if size < len(data)+padPrefix || uint64(len(data)) > 0xFFFFFFFF {
		return nil, errPadding
	}
	out := make([]byte, size)
	binary.BigEndian.PutUint32(out[:padPrefix], uint32(len(data)))
	copy(out[padPrefix:], data)
	if _, err := rand.Read(out[padPrefix+len(data):]); err != nil {
		return nil, err
	}
	return out, nil
}

func unpad(buf []byte) ([]byte, error) {
	if len(buf) < padPrefix {
		return nil, errPadding
	}
	n := binary.BigEndian.Uint32(buf[:padPrefix])
	if uint64(n) > uint64(len(buf)-padPrefix) {
		return nil, errPadding
	}
	return buf[padPrefix : padPrefix+int(n)], nil
}
