package network

import "sync"

// slots counts holders per key up to max. A max of zero or less disables
// the cap.
type slots struct {
	mu    sync.Mutex
	max   int
	inUse map[string]int
}

func newSlots(max int) *slots {
	return &slots{max: max, inUse: make(map[string]int)}
}

func (s *slots) take(key string) bool {
	if s.max <= 0 {
		return true
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.inUse[key] >= s.max {
		return false
	}
	s.inUse[key]++
	return true
}

func (s *slots) give(key string) {
	if s.max <= 0 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.inUse[key] <= 1 {
		delete(s.inUse, key)
		return
	}
	s.inUse[key]--
}

func (s *slots) held(key string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inUse[key]
}

// ipLimiter caps inbound connections and concurrent streams per remote IP.
type ipLimiter struct {
	conns   *slots
	streams *slots
}

func newIPLimiter(maxConns, maxStreams int) *ipLimiter {
	return &ipLimiter{conns: newSlots(maxConns), streams: newSlots(maxStreams)}
}

func (l *ipLimiter) acquireConn(ip string) bool   { return l.conns.take(ip) }
func (l *ipLimiter) releaseConn(ip string)        { l.conns.give(ip) }
func (l *ipLimiter) acquireStream(ip string) bool { return l.streams.take(ip) }
func (l *ipLimiter) releaseStream(ip string)      { l.streams.give(ip) }
