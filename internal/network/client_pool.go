package network

import (
	"context"
	"crypto/tls"
	"errors"
	"sync"
	"time"

	quic "github.com/quic-go/quic-go"

	"stately/internal/debuglog"
)

const (
	clientMaxRetries  = 2
	clientBackoffBase = 100 * time.Millisecond
	clientBackoffMax  = 1 * time.Second
	clientConnIdle    = 30 * time.Second
)

var errNoAddr = errors.New("missing addr")

type dialFunc func(ctx context.Context, addr string) (*quic.Conn, error)

func quicDialer(tlsConf *tls.Config, quicConf *quic.Config) dialFunc {
	return func(ctx context.Context, addr string) (*quic.Conn, error) {
		return quic.DialAddr(ctx, addr, tlsConf, quicConf)
	}
}

// neighborConn is the outbound side of one neighbor link.
type neighborConn struct {
	conn     *quic.Conn
	lastUsed time.Time
	failures int
}

func (n *neighborConn) usable(now time.Time, idle time.Duration) bool {
	return n.conn != nil && n.conn.Context().Err() == nil && now.Sub(n.lastUsed) <= idle
}

// clientPool reuses one outbound QUIC connection per neighbor and tracks
// consecutive send failures for backoff.
type clientPool struct {
	dial dialFunc
	idle time.Duration

	mu    sync.Mutex
	links map[string]*neighborConn
}

func newClientPool(dial dialFunc, idle time.Duration) *clientPool {
	if idle <= 0 {
		idle = clientConnIdle
	}
	return &clientPool{dial: dial, idle: idle, links: make(map[string]*neighborConn)}
}

func (p *clientPool) link(addr string) *neighborConn {
	n := p.links[addr]
	if n == nil {
		n = &neighborConn{}
		p.links[addr] = n
	}
	return n
}

func (p *clientPool) get(ctx context.Context, addr string) (*quic.Conn, error) {
	if addr == "" {
		return nil, errNoAddr
	}
	now := time.Now()
	p.mu.Lock()
	n := p.link(addr)
	if n.usable(now, p.idle) {
		n.lastUsed = now
		conn := n.conn
		p.mu.Unlock()
		return conn, nil
	}
	stale := n.conn
	n.conn = nil
	p.mu.Unlock()
	if stale != nil {
		_ = stale.CloseWithError(0, "stale")
	}

	debuglog.Debugf("quic dial addr=%s", addr)
	conn, err := p.dial(ctx, addr)
	if err != nil {
		return nil, err
	}
	p.mu.Lock()
	n = p.link(addr)
	old := n.conn
	n.conn, n.lastUsed = conn, now
	p.mu.Unlock()
	if old != nil {
		_ = old.CloseWithError(0, "replaced")
	}
	return conn, nil
}

// drop closes conn if it is still the pooled connection for addr.
func (p *clientPool) drop(addr string, conn *quic.Conn, reason string) {
	if conn == nil {
		return
	}
	p.mu.Lock()
	if n := p.links[addr]; n != nil && n.conn == conn {
		n.conn = nil
	}
	p.mu.Unlock()
	_ = conn.CloseWithError(0, reason)
}

// close forgets addr, or every neighbor when addr is empty.
func (p *clientPool) close(addr string) {
	var victims []*quic.Conn
	p.mu.Lock()
	for a, n := range p.links {
		if addr != "" && a != addr {
			continue
		}
		if n.conn != nil {
			victims = append(victims, n.conn)
		}
		delete(p.links, a)
	}
	p.mu.Unlock()
	for _, c := range victims {
		_ = c.CloseWithError(0, "closed")
	}
}

func (p *clientPool) recordFailure(addr string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := p.link(addr)
	n.failures++
	return n.failures
}

func (p *clientPool) resetFailures(addr string) {
	p.mu.Lock()
	if n := p.links[addr]; n != nil {
		n.failures = 0
	}
	p.mu.Unlock()
}

func (p *clientPool) failureCount(addr string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	if n := p.links[addr]; n != nil {
		return n.failures
	}
	return 0
}

func backoffDelay(failures int) time.Duration {
	if failures <= 0 {
		return 0
	}
	d := clientBackoffBase << uint(min(failures-1, 10))
	return min(d, clientBackoffMax)
}

// backoffRetry sleeps for the failure's backoff and reports whether to try
// again.
func backoffRetry(ctx context.Context, failures int) bool {
	if failures <= 0 {
		return false
	}
	t := time.NewTimer(backoffDelay(failures))
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
