package metrics

import (
	"encoding/json"
	"os"
	"sync"
	"sync/atomic"
	"time"
)

// PacketHeader is a compact record of one inbound broadcast, kept for the
// status view.
type PacketHeader struct {
	Sender    string    `json:"sender"`
	TTL       uint8     `json:"ttl"`
	Timestamp time.Time `json:"timestamp"`
	Action    string    `json:"action"`
}

type Snapshot struct {
	GeneratedAt time.Time       `json:"generated_at"`
	Broadcast   BroadcastCounts `json:"broadcast"`
	Inbound     InboundCounts   `json:"inbound"`
	Store       StoreCounts     `json:"store"`
	Neighbors   int64           `json:"neighbors"`
	KnownPeers  int64           `json:"known_peers"`
	Recent      []PacketHeader  `json:"recent"`
}

type BroadcastCounts struct {
	Sent      uint64 `json:"sent"`
	Throttled uint64 `json:"throttled"`
	SendFail  uint64 `json:"send_fail"`
}

type InboundCounts struct {
	Relayed       uint64 `json:"relayed"`
	DropMalformed uint64 `json:"drop_malformed"`
	DropType      uint64 `json:"drop_type"`
	DropSelf      uint64 `json:"drop_self"`
	DropDuplicate uint64 `json:"drop_duplicate"`
}

type StoreCounts struct {
	UpsertApplied uint64 `json:"upsert_applied"`
	UpsertStale   uint64 `json:"upsert_stale"`
	SweptStates   uint64 `json:"swept_states"`
	SweptRelay    uint64 `json:"swept_relay"`
}

type Metrics struct {
	broadcastSent      atomic.Uint64
	broadcastThrottled atomic.Uint64
	sendFail           atomic.Uint64
	relayed            atomic.Uint64
	dropMalformed      atomic.Uint64
	dropType           atomic.Uint64
	dropSelf           atomic.Uint64
	dropDuplicate      atomic.Uint64
	upsertApplied      atomic.Uint64
	upsertStale        atomic.Uint64
	sweptStates        atomic.Uint64
	sweptRelay         atomic.Uint64
	neighbors          atomic.Int64
	knownPeers         atomic.Int64
	recent             *Recent
}

func New() *Metrics {
	return &Metrics{recent: NewRecent(64)}
}

func (m *Metrics) Recent() *Recent {
	return m.recent
}

func (m *Metrics) IncBroadcastSent()      { m.broadcastSent.Add(1) }
func (m *Metrics) IncBroadcastThrottled() { m.broadcastThrottled.Add(1) }
func (m *Metrics) IncSendFail()           { m.sendFail.Add(1) }
func (m *Metrics) IncRelayed()            { m.relayed.Add(1) }
func (m *Metrics) IncDropMalformed()      { m.dropMalformed.Add(1) }
func (m *Metrics) IncDropType()           { m.dropType.Add(1) }
func (m *Metrics) IncDropSelf()           { m.dropSelf.Add(1) }
func (m *Metrics) IncDropDuplicate()      { m.dropDuplicate.Add(1) }
func (m *Metrics) IncUpsertApplied()      { m.upsertApplied.Add(1) }
func (m *Metrics) IncUpsertStale()        { m.upsertStale.Add(1) }

func (m *Metrics) AddSweptStates(n int) {
	if n > 0 {
		m.sweptStates.Add(uint64(n))
	}
}

func (m *Metrics) AddSweptRelay(n int) {
	if n > 0 {
		m.sweptRelay.Add(uint64(n))
	}
}

func (m *Metrics) SetNeighbors(n int)  { m.neighbors.Store(int64(n)) }
func (m *Metrics) SetKnownPeers(n int) { m.knownPeers.Store(int64(n)) }

func (m *Metrics) Snapshot() Snapshot {
	recent := []PacketHeader{}
	if m.recent != nil {
		recent = m.recent.List()
	}
	return Snapshot{
		GeneratedAt: time.Now().UTC(),
		Broadcast: BroadcastCounts{
			Sent:      m.broadcastSent.Load(),
			Throttled: m.broadcastThrottled.Load(),
			SendFail:  m.sendFail.Load(),
		},
		Inbound: InboundCounts{
			Relayed:       m.relayed.Load(),
			DropMalformed: m.dropMalformed.Load(),
			DropType:      m.dropType.Load(),
			DropSelf:      m.dropSelf.Load(),
			DropDuplicate: m.dropDuplicate.Load(),
		},
		Store: StoreCounts{
			UpsertApplied: m.upsertApplied.Load(),
			UpsertStale:   m.upsertStale.Load(),
			SweptStates:   m.sweptStates.Load(),
			SweptRelay:    m.sweptRelay.Load(),
		},
		Neighbors:  m.neighbors.Load(),
		KnownPeers: m.knownPeers.Load(),
		Recent:     recent,
	}
}

func (m *Metrics) WriteSnapshot(path string) error {
	if path == "" {
		return nil
	}
	data, err := json.MarshalIndent(m.Snapshot(), "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0600)
}

func ReadSnapshot(path string) (Snapshot, error) {
	var snap Snapshot
	data, err := os.ReadFile(path)
	if err != nil {
		return snap, err
	}
	err = json.Unmarshal(data, &snap)
	return snap, err
}

// Recent is a fixed-size ring of the latest packet headers.
type Recent struct {
	mu   sync.Mutex
	cap  int
	list []PacketHeader
}

func NewRecent(capacity int) *Recent {
	if capacity <= 0 {
		capacity = 64
	}
	return &Recent{cap: capacity}
}

func (r *Recent) Add(h PacketHeader) {
	if r == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.list) >= r.cap {
		copy(r.list, r.list[1:])
		r.list[len(r.list)-1] = h
		return
	}
	r.list = append(r.list, h)
}

func (r *Recent) List() []PacketHeader {
	if r == nil {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]PacketHeader, len(r.list))
	copy(out, r.list)
	return out
}
