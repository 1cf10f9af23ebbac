package peer

import (
	"sort"
	"sync"
	"time"

	"stately/internal/state"
)

const (
	DefaultCap    = state.MaxPeers
	DefaultExpiry = state.StateExpiry
)

type Options struct {
	Cap    int
	Expiry time.Duration
	Now    func() time.Time
}

// Store keeps the latest observed state per peer id. A single mutex guards
// the map; callers only ever receive copies.
type Store struct {
	mu      sync.Mutex
	cap     int
	expiry  time.Duration
	now     func() time.Time
	entries map[state.PeerID]state.PeerState
}

func NewStore(opts Options) *Store {
	if opts.Cap <= 0 {
		opts.Cap = DefaultCap
	}
	if opts.Expiry <= 0 {
		opts.Expiry = DefaultExpiry
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Store{
		cap:     opts.Cap,
		expiry:  opts.Expiry,
		now:     opts.Now,
		entries: make(map[state.PeerID]state.PeerState),
	}
}

func (s *Store) expired(ps state.PeerState, now time.Time) bool {
	return now.Sub(ps.ObservedAt) > s.expiry
}

// Change describes what an Apply did to the store.
type Change struct {
	Applied bool
	Added   bool
	Evicted []state.PeerID
}

// Upsert stores ps when the peer is unknown or the stored observation is
// strictly older. Equal or older observations are rejected.
func (s *Store) Upsert(ps state.PeerState) bool {
	return s.Apply(ps).Applied
}

// Apply is Upsert that also reports membership changes.
func (s *Store) Apply(ps state.PeerState) Change {
	s.mu.Lock()
	defer s.mu.Unlock()
	if prev, ok := s.entries[ps.PeerID]; ok {
		if !prev.ObservedAt.Before(ps.ObservedAt) {
			return Change{}
		}
		s.entries[ps.PeerID] = ps
		return Change{Applied: true}
	}
	var evicted []state.PeerID
	if len(s.entries) >= s.cap {
		evicted = s.makeRoomLocked(s.now())
	}
	s.entries[ps.PeerID] = ps
	return Change{Applied: true, Added: true, Evicted: evicted}
}

func (s *Store) makeRoomLocked(now time.Time) []state.PeerID {
	var evicted []state.PeerID
	for id, ps := range s.entries {
		if s.expired(ps, now) {
			delete(s.entries, id)
			evicted = append(evicted, id)
		}
	}
	for len(s.entries) >= s.cap {
		var oldest state.PeerID
		var oldestAt time.Time
		first := true
		for id, ps := range s.entries {
			if first || ps.ObservedAt.Before(oldestAt) {
				oldest, oldestAt, first = id, ps.ObservedAt, false
			}
		}
		delete(s.entries, oldest)
		evicted = append(evicted, oldest)
	}
	return evicted
}

// Snapshot returns every non-expired state, newest first.
func (s *Store) Snapshot() []state.PeerState {
	now := s.now()
	s.mu.Lock()
	out := make([]state.PeerState, 0, len(s.entries))
	for _, ps := range s.entries {
		if !s.expired(ps, now) {
			out = append(out, ps)
		}
	}
	s.mu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].ObservedAt.Equal(out[j].ObservedAt) {
			return out[i].PeerID < out[j].PeerID
		}
		return out[i].ObservedAt.After(out[j].ObservedAt)
	})
	return out
}

func (s *Store) Get(id state.PeerID) (state.PeerState, bool) {
	now := s.now()
	s.mu.Lock()
	defer s.mu.Unlock()
	ps, ok := s.entries[id]
	if !ok || s.expired(ps, now) {
		return state.PeerState{}, false
	}
	return ps, true
}

func (s *Store) SweepExpired() int {
	now := s.now()
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := 0
	for id, ps := range s.entries {
		if s.expired(ps, now) {
			delete(s.entries, id)
			removed++
		}
	}
	return removed
}

// IDs lists every stored peer id, expired or not, in sorted order.
func (s *Store) IDs() []state.PeerID {
	s.mu.Lock()
	out := make([]state.PeerID, 0, len(s.entries))
	for id := range s.entries {
		out = append(out, id)
	}
	s.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}
