package relay

import (
	"sync"
	"testing"
	"time"

	"stately/internal/proto"
	"stately/internal/state"
)

func pkt(ttl uint8, ts time.Time) proto.Packet {
	return proto.Packet{Version: proto.Version, Type: proto.TypeStateUpdate, TTL: ttl, Timestamp: uint64(ts.UnixMilli())}
}

func TestShouldRelayDedup(t *testing.T) {
	g := NewGuard(Options{})
	now := time.Unix(1_700_000_000, 0)
	p := pkt(3, now)
	if !g.ShouldRelay(p, "alice") {
		t.Fatalf("first sighting should relay")
	}
	if g.ShouldRelay(p, "alice") {
		t.Fatalf("second sighting should not relay")
	}
	if g.ShouldRelay(p.Relayed(), "alice") {
		t.Fatalf("relayed copy shares the key and should not relay")
	}
	if !g.ShouldRelay(p, "bob") {
		t.Fatalf("different sender should relay")
	}
	if !g.ShouldRelay(pkt(3, now.Add(time.Millisecond)), "alice") {
		t.Fatalf("different timestamp should relay")
	}
}

func TestShouldRelayTTLZero(t *testing.T) {
	g := NewGuard(Options{})
	p := pkt(0, time.Unix(1_700_000_000, 0))
	if g.ShouldRelay(p, "alice") {
		t.Fatalf("ttl 0 must never relay")
	}
	if g.Len() != 0 {
		t.Fatalf("ttl 0 must not be recorded")
	}
}

func TestKeyIsStructural(t *testing.T) {
	g := NewGuard(Options{})
	// Flattened into one string these would both read "a12".
	if !g.ShouldRelay(proto.Packet{TTL: 1, Timestamp: 2}, "a1") {
		t.Fatalf("first key should relay")
	}
	if !g.ShouldRelay(proto.Packet{TTL: 1, Timestamp: 12}, "a") {
		t.Fatalf("distinct key should relay")
	}
}

func TestSweepWindow(t *testing.T) {
	g := NewGuard(Options{})
	now := time.Unix(1_700_000_000, 0)
	g.ShouldRelay(pkt(3, now.Add(-121*time.Second)), "old")
	g.ShouldRelay(pkt(3, now.Add(-119*time.Second)), "recent")
	g.ShouldRelay(pkt(3, now), "new")
	if n := g.Sweep(now); n != 1 {
		t.Fatalf("expected 1 swept, got %d", n)
	}
	if g.Len() != 2 {
		t.Fatalf("expected 2 remaining, got %d", g.Len())
	}
	if !g.ShouldRelay(pkt(3, now.Add(-121*time.Second)), "old") {
		t.Fatalf("swept key should be accepted again")
	}
}

func TestCapEvictsOldestInsertion(t *testing.T) {
	g := NewGuard(Options{Cap: 2})
	now := time.Unix(1_700_000_000, 0)
	g.ShouldRelay(pkt(3, now), "a")
	g.ShouldRelay(pkt(3, now), "b")
	g.ShouldRelay(pkt(3, now), "c")
	if g.Len() != 2 {
		t.Fatalf("expected cap to hold, got %d", g.Len())
	}
	if !g.ShouldRelay(pkt(3, now), "a") {
		t.Fatalf("evicted key should relay again")
	}
	if g.ShouldRelay(pkt(3, now), "c") {
		t.Fatalf("retained key should stay suppressed")
	}
}

func TestShouldRelayConcurrentSingleWinner(t *testing.T) {
	g := NewGuard(Options{})
	p := pkt(2, time.Unix(1_700_000_000, 0))
	var wg sync.WaitGroup
	var mu sync.Mutex
	wins := 0
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if g.ShouldRelay(p, state.PeerID("same")) {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	if wins != 1 {
		t.Fatalf("expected exactly one relay, got %d", wins)
	}
}
