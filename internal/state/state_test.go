package state

import (
	"errors"
	"testing"
	"time"
)

func TestParseKindRoundTrip(t *testing.T) {
	for _, k := range AllKinds() {
		got, err := ParseKind(k.Tag())
		if err != nil {
			t.Fatalf("ParseKind(%q) failed: %v", k.Tag(), err)
		}
		if got != k {
			t.Fatalf("ParseKind(%q)=%v want %v", k.Tag(), got, k)
		}
	}
}

func TestParseKindRejectsUnknown(t *testing.T) {
	for _, tag := range []string{"", "AVAILABLE", "online", "3"} {
		if _, err := ParseKind(tag); !errors.Is(err, ErrUnknownKind) {
			t.Fatalf("ParseKind(%q) expected ErrUnknownKind, got %v", tag, err)
		}
	}
}

func TestKindDisplay(t *testing.T) {
	cases := []struct {
		k     Kind
		glyph string
		label string
	}{
		{Sleeping, "💤", "Sleeping"},
		{SOS, "🆘", "SOS"},
		{RedCircle, "🔴", "Quiet"},
		{Available, "🟢", "Available"},
	}
	for _, tc := range cases {
		if tc.k.Glyph() != tc.glyph || tc.k.Label() != tc.label {
			t.Fatalf("%v: got %s %s want %s %s", tc.k, tc.k.Glyph(), tc.k.Label(), tc.glyph, tc.label)
		}
	}
	if !SOS.IsEmergency() || Busy.IsEmergency() {
		t.Fatalf("emergency detection wrong")
	}
	if Kind(0).Valid() || Kind(200).Valid() {
		t.Fatalf("expected out of range kinds invalid")
	}
}

func TestExpiredBoundary(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	fresh := New("Alice", Available, "p1", now.Add(-299*time.Second))
	stale := New("Alice", Available, "p1", now.Add(-301*time.Second))
	exact := New("Alice", Available, "p1", now.Add(-StateExpiry))
	if fresh.Expired(now) {
		t.Fatalf("299s old state should not be expired")
	}
	if !stale.Expired(now) {
		t.Fatalf("301s old state should be expired")
	}
	if exact.Expired(now) {
		t.Fatalf("state exactly at expiry should not be expired")
	}
}
