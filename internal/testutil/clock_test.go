package testutil

import (
	"testing"
	"time"
)

func TestClockAdvance(t *testing.T) {
	c := NewClock()
	if !c.Now().Equal(Epoch) {
		t.Fatalf("expected epoch start")
	}
	if got := c.Advance(1500 * time.Millisecond); !got.Equal(Epoch.Add(1500 * time.Millisecond)) {
		t.Fatalf("unexpected advance result %v", got)
	}
	c.Set(Epoch)
	if !c.Now().Equal(Epoch) {
		t.Fatalf("set did not apply")
	}
}

func TestCapBytes(t *testing.T) {
	if len(CapBytes(make([]byte, 10), 4)) != 4 {
		t.Fatalf("expected cap")
	}
	if len(CapBytes(make([]byte, 10), 0)) != 10 {
		t.Fatalf("expected passthrough")
	}
}

func TestDecodeCapsInput(t *testing.T) {
	seen := -1
	Decode(t, make([]byte, MaxPacketFuzzBytes+100), MaxPacketFuzzBytes, func(data []byte) {
		seen = len(data)
	})
	if seen != MaxPacketFuzzBytes {
		t.Fatalf("expected capped input, got %d", seen)
	}
	if MaxEnvelopeFuzzBytes < MaxPacketFuzzBytes+2048+40 {
		t.Fatalf("envelope cap too small for a padded full packet")
	}
}
