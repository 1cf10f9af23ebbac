package daemon

import (
	"sync/atomic"
	"time"

	"stately/internal/state"
	"stately/internal/store"
)

// Observer receives engine events. Calls happen on the goroutine that caused
// the event and must not block for long.
type Observer interface {
	PeerStateUpdated(ps state.PeerState)
	PeerSetChanged(ids []state.PeerID)
	NeighborConnected(handle string)
	NeighborDisconnected(handle string)
}

// NopObserver ignores everything. Embed it to implement part of Observer.
type NopObserver struct{}

func (NopObserver) PeerStateUpdated(state.PeerState) {}
func (NopObserver) PeerSetChanged([]state.PeerID)    {}
func (NopObserver) NeighborConnected(string)         {}
func (NopObserver) NeighborDisconnected(string)      {}

type EventKind uint8

const (
	EventPeerStateUpdated EventKind = iota + 1
	EventPeerSetChanged
	EventNeighborConnected
	EventNeighborDisconnected
)

func (k EventKind) String() string {
	switch k {
	case EventPeerStateUpdated:
		return "peer_state_updated"
	case EventPeerSetChanged:
		return "peer_set_changed"
	case EventNeighborConnected:
		return "neighbor_connected"
	case EventNeighborDisconnected:
		return "neighbor_disconnected"
	default:
		return "unknown"
	}
}

type Event struct {
	Kind     EventKind
	State    state.PeerState
	Peers    []state.PeerID
	Neighbor string
}

// ChannelObserver turns callbacks into Events on a buffered channel, in
// emission order. When the buffer is full the event is dropped and counted.
type ChannelObserver struct {
	ch      chan Event
	dropped atomic.Uint64
}

func NewChannelObserver(buffer int) *ChannelObserver {
	if buffer <= 0 {
		buffer = 64
	}
	return &ChannelObserver{ch: make(chan Event, buffer)}
}

func (o *ChannelObserver) Events() <-chan Event { return o.ch }

func (o *ChannelObserver) Dropped() uint64 { return o.dropped.Load() }

func (o *ChannelObserver) emit(ev Event) {
	select {
	case o.ch <- ev:
	default:
		o.dropped.Add(1)
	}
}

func (o *ChannelObserver) PeerStateUpdated(ps state.PeerState) {
	o.emit(Event{Kind: EventPeerStateUpdated, State: ps})
}

func (o *ChannelObserver) PeerSetChanged(ids []state.PeerID) {
	o.emit(Event{Kind: EventPeerSetChanged, Peers: ids})
}

func (o *ChannelObserver) NeighborConnected(h string) {
	o.emit(Event{Kind: EventNeighborConnected, Neighbor: h})
}

func (o *ChannelObserver) NeighborDisconnected(h string) {
	o.emit(Event{Kind: EventNeighborDisconnected, Neighbor: h})
}

// Observers fans every callback out in order.
type Observers []Observer

func (obs Observers) PeerStateUpdated(ps state.PeerState) {
	for _, o := range obs {
		o.PeerStateUpdated(ps)
	}
}

func (obs Observers) PeerSetChanged(ids []state.PeerID) {
	for _, o := range obs {
		o.PeerSetChanged(ids)
	}
}

func (obs Observers) NeighborConnected(h string) {
	for _, o := range obs {
		o.NeighborConnected(h)
	}
}

func (obs Observers) NeighborDisconnected(h string) {
	for _, o := range obs {
		o.NeighborDisconnected(h)
	}
}

type journalLine struct {
	At       time.Time         `json:"at"`
	Event    string            `json:"event"`
	State    *store.PeerRecord `json:"state,omitempty"`
	Peers    []state.PeerID    `json:"peers,omitempty"`
	Neighbor string            `json:"neighbor,omitempty"`
}

// JournalObserver appends every event to a JSON lines file.
type JournalObserver struct {
	Path string
	Now  func() time.Time
}

func (j JournalObserver) write(line journalLine) {
	if j.Path == "" {
		return
	}
	now := time.Now
	if j.Now != nil {
		now = j.Now
	}
	line.At = now().UTC()
	if err := store.AppendJSONL(j.Path, line); err != nil {
		debugf("journal write failed path=%s err=%v", j.Path, err)
	}
}

func (j JournalObserver) PeerStateUpdated(ps state.PeerState) {
	rec := store.RecordOf(ps)
	j.write(journalLine{Event: EventPeerStateUpdated.String(), State: &rec})
}

func (j JournalObserver) PeerSetChanged(ids []state.PeerID) {
	j.write(journalLine{Event: EventPeerSetChanged.String(), Peers: ids})
}

func (j JournalObserver) NeighborConnected(h string) {
	j.write(journalLine{Event: EventNeighborConnected.String(), Neighbor: h})
}

func (j JournalObserver) NeighborDisconnected(h string) {
	j.write(journalLine{Event: EventNeighborDisconnected.String(), Neighbor: h})
}
