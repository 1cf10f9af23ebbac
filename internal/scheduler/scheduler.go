package scheduler

import (
	"sync"
	"time"

	"stately/internal/state"
)

type Options struct {
	Normal   time.Duration
	LowPower time.Duration
}

// Scheduler gates how often the local state is put on air. Periodic ticks
// go through TryBroadcast; an explicit local change uses ForceBroadcast,
// which always passes and restarts the interval.
type Scheduler struct {
	mu       sync.Mutex
	normal   time.Duration
	lowPower time.Duration
	last     time.Time
}

func New(opts Options) *Scheduler {
	if opts.Normal <= 0 {
		opts.Normal = state.NormalInterval
	}
	if opts.LowPower <= 0 {
		opts.LowPower = state.LowPowerInterval
	}
	return &Scheduler{normal: opts.Normal, lowPower: opts.LowPower}
}

func (s *Scheduler) Interval(lowPower bool) time.Duration {
	if lowPower {
		return s.lowPower
	}
	return s.normal
}

// TryBroadcast reports whether a broadcast may go out at now and, if so,
// records it.
func (s *Scheduler) TryBroadcast(now time.Time, lowPower bool) bool {
	required := s.Interval(lowPower)
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.last.IsZero() && now.Sub(s.last) < required {
		return false
	}
	s.last = now
	return true
}

func (s *Scheduler) ForceBroadcast(now time.Time) {
	s.mu.Lock()
	s.last = now
	s.mu.Unlock()
}

func (s *Scheduler) LastBroadcast() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.last
}
