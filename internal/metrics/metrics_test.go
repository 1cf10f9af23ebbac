package metrics

import (
	"io"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

func TestMetricsCounters(t *testing.T) {
	m := New()
	m.IncBroadcastSent()
	m.IncBroadcastSent()
	m.IncBroadcastThrottled()
	m.IncRelayed()
	m.IncDropMalformed()
	m.IncDropType()
	m.IncDropSelf()
	m.IncDropDuplicate()
	m.IncUpsertApplied()
	m.IncUpsertStale()
	m.AddSweptStates(3)
	m.AddSweptStates(-1)
	m.AddSweptRelay(2)
	m.SetNeighbors(4)
	m.SetKnownPeers(7)
	snap := m.Snapshot()
	if snap.Broadcast.Sent != 2 || snap.Broadcast.Throttled != 1 {
		t.Fatalf("unexpected broadcast counts: %+v", snap.Broadcast)
	}
	in := snap.Inbound
	if in.Relayed != 1 || in.DropMalformed != 1 || in.DropType != 1 || in.DropSelf != 1 || in.DropDuplicate != 1 {
		t.Fatalf("unexpected inbound counts: %+v", in)
	}
	if snap.Store.UpsertApplied != 1 || snap.Store.UpsertStale != 1 || snap.Store.SweptStates != 3 || snap.Store.SweptRelay != 2 {
		t.Fatalf("unexpected store counts: %+v", snap.Store)
	}
	if snap.Neighbors != 4 || snap.KnownPeers != 7 {
		t.Fatalf("expected gauges 4/7, got %d/%d", snap.Neighbors, snap.KnownPeers)
	}
}

func TestRecentRing(t *testing.T) {
	r := NewRecent(2)
	r.Add(PacketHeader{Sender: "a"})
	r.Add(PacketHeader{Sender: "b"})
	r.Add(PacketHeader{Sender: "c"})
	got := r.List()
	if len(got) != 2 || got[0].Sender != "b" || got[1].Sender != "c" {
		t.Fatalf("unexpected ring contents %+v", got)
	}
}

func TestWriteAndReadSnapshot(t *testing.T) {
	m := New()
	m.IncRelayed()
	m.Recent().Add(PacketHeader{Sender: "p1", TTL: 2, Timestamp: time.Unix(1_700_000_000, 0).UTC(), Action: "relayed"})
	path := filepath.Join(t.TempDir(), "metrics.json")
	if err := m.WriteSnapshot(path); err != nil {
		t.Fatalf("WriteSnapshot failed: %v", err)
	}
	snap, err := ReadSnapshot(path)
	if err != nil {
		t.Fatalf("ReadSnapshot failed: %v", err)
	}
	if snap.Inbound.Relayed != 1 || len(snap.Recent) != 1 || snap.Recent[0].Action != "relayed" {
		t.Fatalf("unexpected snapshot %+v", snap)
	}
	if err := m.WriteSnapshot(""); err != nil {
		t.Fatalf("empty path should be a no-op: %v", err)
	}
}

func TestPrometheusExposition(t *testing.T) {
	m := New()
	m.IncBroadcastSent()
	m.SetNeighbors(2)
	h, err := m.Handler()
	if err != nil {
		t.Fatalf("Handler failed: %v", err)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, _ := io.ReadAll(rec.Body)
	for _, want := range []string{"stately_broadcast_sent_total 1", "stately_neighbors 2", "stately_drop_malformed_total 0"} {
		if !strings.Contains(string(body), want) {
			t.Fatalf("missing %q in exposition:\n%s", want, body)
		}
	}
	if err := m.Register(prometheus.NewRegistry()); err != nil {
		t.Fatalf("Register on a fresh registry failed: %v", err)
	}
}
