package store

import (
	"fmt"
	"path/filepath"
	"sort"
	"testing"
	"time"

	"stately/internal/state"
)

func BenchmarkAppendJSONL(b *testing.B) {
	b.ReportAllocs()
	path := filepath.Join(b.TempDir(), "events.jsonl")
	rec := RecordOf(state.New("Bench", state.Busy, "bench001", time.Unix(1_700_000_000, 0)))

	lat := make([]int64, 0, b.N)
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		start := time.Now()
		if err := AppendJSONL(path, rec); err != nil {
			b.Fatalf("append failed: %v", err)
		}
		lat = append(lat, time.Since(start).Nanoseconds())
	}
	b.StopTimer()
	if len(lat) == 0 {
		return
	}
	sort.Slice(lat, func(i, j int) bool { return lat[i] < lat[j] })
	b.ReportMetric(float64(lat[(len(lat)*99)/100]), "p99-ns/op")
}

func BenchmarkSavePeersFull(b *testing.B) {
	b.ReportAllocs()
	path := filepath.Join(b.TempDir(), "peers.jsonl")
	now := time.Unix(1_700_000_000, 0)
	peers := make([]state.PeerState, state.MaxPeers)
	for i := range peers {
		peers[i] = state.New(fmt.Sprintf("Peer %d", i), state.Available, state.PeerID(fmt.Sprintf("p%07d", i)), now)
	}
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if err := SavePeers(path, peers); err != nil {
			b.Fatalf("save failed: %v", err)
		}
	}
}
