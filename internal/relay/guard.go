package relay

import (
	"container/list"
	"sync"
	"time"

	"stately/internal/proto"
	"stately/internal/state"
)

const (
	DefaultWindow = state.RelayWindow
	DefaultCap    = 4096
)

// Key identifies one origin broadcast. It is compared structurally so no
// sender id can collide with another sender's timestamp.
type Key struct {
	Sender    state.PeerID
	Timestamp uint64
}

type Options struct {
	Window time.Duration
	Cap    int
}

// Guard remembers which broadcasts have already been relayed. Entries are
// kept in insertion order so the oldest can be dropped when Cap is reached.
type Guard struct {
	mu      sync.Mutex
	window  time.Duration
	cap     int
	entries map[Key]*list.Element
	order   *list.List
}

func NewGuard(opts Options) *Guard {
	if opts.Window <= 0 {
		opts.Window = DefaultWindow
	}
	if opts.Cap <= 0 {
		opts.Cap = DefaultCap
	}
	return &Guard{
		window:  opts.Window,
		cap:     opts.Cap,
		entries: make(map[Key]*list.Element),
		order:   list.New(),
	}
}

// ShouldRelay reports whether pkt is worth forwarding and records it. It
// returns false for exhausted TTLs and for broadcasts already seen.
func (g *Guard) ShouldRelay(pkt proto.Packet, sender state.PeerID) bool {
	if pkt.TTL == 0 {
		return false
	}
	key := Key{Sender: sender, Timestamp: pkt.Timestamp}
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, ok := g.entries[key]; ok {
		return false
	}
	g.entries[key] = g.order.PushFront(key)
	for len(g.entries) > g.cap {
		back := g.order.Back()
		if back == nil {
			break
		}
		delete(g.entries, back.Value.(Key))
		g.order.Remove(back)
	}
	return true
}

// Sweep drops keys whose packet timestamp is older than the window,
// measured from now.
func (g *Guard) Sweep(now time.Time) int {
	cutoff := now.Add(-g.window).UnixMilli()
	g.mu.Lock()
	defer g.mu.Unlock()
	removed := 0
	for el := g.order.Back(); el != nil; {
		prev := el.Prev()
		key := el.Value.(Key)
		if cutoff > 0 && key.Timestamp < uint64(cutoff) {
			delete(g.entries, key)
			g.order.Remove(el)
			removed++
		}
		el = prev
	}
	return removed
}

func (g *Guard) Len() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.entries)
}
