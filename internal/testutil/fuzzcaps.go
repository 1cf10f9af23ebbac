package testutil

import (
	"testing"
	"time"
)

// Caps sit just above the largest input a device can produce.
const (
	// MaxPayloadFuzzBytes is a full JSON state payload.
	MaxPayloadFuzzBytes = 1<<16 - 1
	// MaxPacketFuzzBytes is the 21 byte packet header plus a full payload.
	MaxPacketFuzzBytes = 21 + MaxPayloadFuzzBytes
	// MaxEnvelopeFuzzBytes leaves room for padding, nonce and tag around a
	// full packet.
	MaxEnvelopeFuzzBytes = MaxPacketFuzzBytes + 4<<10

	FuzzTimeout = 100 * time.Millisecond
)

// CapBytes trims b to max bytes. max <= 0 leaves b whole.
func CapBytes(b []byte, max int) []byte {
	if max <= 0 || len(b) <= max {
		return b
	}
	return b[:max]
}

// Decode caps data and runs fn on it under FuzzTimeout.
func Decode(t testing.TB, data []byte, max int, fn func(data []byte)) {
	t.Helper()
	data = CapBytes(data, max)
	WithTimeout(t, FuzzTimeout, func() { fn(data) })
}

// WithTimeout fails t when fn has not returned after d.
func WithTimeout(t testing.TB, d time.Duration, fn func()) {
	t.Helper()
	if d <= 0 {
		d = FuzzTimeout
	}
	done := make(chan struct{})
	go func() {
		defer close(done)
		fn()
	}()
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-done:
	case <-timer.C:
		t.Fatalf("decode still running after %s", d)
	}
}
