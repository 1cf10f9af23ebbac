package network

import (
	"context"
	"errors"
	"io"
	"net"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	quic "github.com/quic-go/quic-go"

	"stately/internal/debuglog"
	"stately/internal/proto"
)

const (
	maxIdleTimeout       = 30 * time.Second
	keepAlivePeriod      = 10 * time.Second
	handshakeIdleTimeout = 5 * time.Second
	streamReadTimeout    = 10 * time.Second
	defaultSendTimeout   = 5 * time.Second
	defaultMaxConnsPerIP = 8
	defaultMaxStreamsIP  = 64
)

type QUICOptions struct {
	ListenAddr      string
	SendTimeout     time.Duration
	MaxConnsPerIP   int
	MaxStreamsPerIP int
	// OnSendFailure is called after a neighbor send gives up.
	OnSendFailure   func(addr string, err error)
}

// QUICTransport links neighbors over QUIC. Each blob travels as one frame
// on its own stream; sends run on their own goroutines so SendToAll never
// waits for the network.
type QUICTransport struct {
	opts     QUICOptions
	pool     *clientPool
	limiter  *ipLimiter
	quicConf *quic.Config

	handler atomic.Pointer[handlerBox]

	mu        sync.Mutex
	listener  *quic.Listener
	neighbors map[string]struct{}

	sendFail atomic.Uint64
	wg       sync.WaitGroup
}

type handlerBox struct{ h Handler }

func NewQUICTransport(opts QUICOptions) (*QUICTransport, error) {
	if opts.SendTimeout <= 0 {
		opts.SendTimeout = defaultSendTimeout
	}
	if opts.MaxConnsPerIP == 0 {
		opts.MaxConnsPerIP = defaultMaxConnsPerIP
	}
	if opts.MaxStreamsPerIP == 0 {
		opts.MaxStreamsPerIP = defaultMaxStreamsIP
	}
	tlsConf, err := clientTLSConfig()
	if err != nil {
		return nil, err
	}
	quicConf := &quic.Config{
		MaxIdleTimeout:       maxIdleTimeout,
		KeepAlivePeriod:      keepAlivePeriod,
		HandshakeIdleTimeout: handshakeIdleTimeout,
	}
	return &QUICTransport{
		opts:      opts,
		pool:      newClientPool(quicDialer(tlsConf, quicConf), clientConnIdle),
		limiter:   newIPLimiter(opts.MaxConnsPerIP, opts.MaxStreamsPerIP),
		quicConf:  quicConf,
		neighbors: make(map[string]struct{}),
	}, nil
}

// Attach sets the receiver of inbound blobs and neighbor signals.
func (t *QUICTransport) Attach(h Handler) {
	t.handler.Store(&handlerBox{h: h})
}

func (t *QUICTransport) deliver(fn func(Handler)) {
	if box := t.handler.Load(); box != nil && box.h != nil {
		fn(box.h)
	}
}

// Listen binds the listener. Serve must be called to accept connections.
func (t *QUICTransport) Listen() error {
	serverConf, err := serverTLSConfig()
	if err != nil {
		return err
	}
	ln, err := quic.ListenAddr(t.opts.ListenAddr, serverConf, t.quicConf)
	if err != nil {
		return err
	}
	t.mu.Lock()
	t.listener = ln
	t.mu.Unlock()
	debuglog.Logf("quic listen ready addr=%s", ln.Addr())
	return nil
}

// Addr is the bound listen address, or "" before Listen.
func (t *QUICTransport) Addr() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.listener == nil {
		return ""
	}
	return t.listener.Addr().String()
}

// Serve accepts connections until ctx ends or the listener closes.
func (t *QUICTransport) Serve(ctx context.Context) error {
	t.mu.Lock()
	ln := t.listener
	t.mu.Unlock()
	if ln == nil {
		return errors.New("quic: serve before listen")
	}
	stop := context.AfterFunc(ctx, func() { _ = ln.Close() })
	defer stop()
	for {
		conn, err := ln.Accept(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}
		ip := hostOf(conn.RemoteAddr())
		if !t.limiter.acquireConn(ip) {
			debuglog.RateLimitedf("quic:conn_cap:"+ip, 10*time.Second, "quic conn cap ip=%s", ip)
			_ = conn.CloseWithError(0, "conn cap")
			continue
		}
		t.wg.Add(1)
		go func() {
			defer t.wg.Done()
			defer t.limiter.releaseConn(ip)
			t.serveConn(ctx, conn, ip)
		}()
	}
}

func (t *QUICTransport) serveConn(ctx context.Context, conn *quic.Conn, ip string) {
	from := conn.RemoteAddr().String()
	for {
		stream, err := conn.AcceptStream(ctx)
		if err != nil {
			debuglog.Debugf("quic accept stream ended from=%s err=%v", from, err)
			return
		}
		if !t.limiter.acquireStream(ip) {
			stream.CancelRead(0)
			_ = stream.Close()
			continue
		}
		go func(s *quic.Stream) {
			defer t.limiter.releaseStream(ip)
			defer s.Close()
			_ = s.SetReadDeadline(time.Now().Add(streamReadTimeout))
			for {
				blob, err := proto.ReadFrame(s)
				if err != nil {
					if !errors.Is(err, io.EOF) {
						debuglog.Debugf("quic read from=%s err=%v", from, err)
					}
					return
				}
				t.deliver(func(h Handler) { h.HandleBlob(blob, from) })
			}
		}(stream)
	}
}

// AddNeighbor starts sending to addr.
func (t *QUICTransport) AddNeighbor(addr string) {
	if addr == "" || addr == t.Addr() {
		return
	}
	t.mu.Lock()
	_, known := t.neighbors[addr]
	t.neighbors[addr] = struct{}{}
	t.mu.Unlock()
	if !known {
		t.deliver(func(h Handler) { h.NeighborConnected(addr) })
	}
}

func (t *QUICTransport) RemoveNeighbor(addr string) {
	t.mu.Lock()
	_, known := t.neighbors[addr]
	delete(t.neighbors, addr)
	t.mu.Unlock()
	if !known {
		return
	}
	t.pool.close(addr)
	t.deliver(func(h Handler) { h.NeighborDisconnected(addr) })
}

func (t *QUICTransport) Neighbors() []string {
	t.mu.Lock()
	out := make([]string, 0, len(t.neighbors))
	for a := range t.neighbors {
		out = append(out, a)
	}
	t.mu.Unlock()
	sort.Strings(out)
	return out
}

// SendToAll queues blob for every neighbor and returns immediately.
func (t *QUICTransport) SendToAll(blob []byte) error {
	frame := append([]byte(nil), blob...)
	for _, addr := range t.Neighbors() {
		t.wg.Add(1)
		go func(addr string) {
			defer t.wg.Done()
			ctx, cancel := context.WithTimeout(context.Background(), t.opts.SendTimeout)
			defer cancel()
			if err := t.send(ctx, addr, frame); err != nil {
				t.sendFail.Add(1)
				if t.opts.OnSendFailure != nil {
					t.opts.OnSendFailure(addr, err)
				}
				debuglog.RateLimitedf("quic:send:"+addr, 10*time.Second, "quic send failed addr=%s err=%v", addr, err)
			}
		}(addr)
	}
	return nil
}

// SendFailures counts sends that gave up after retries.
func (t *QUICTransport) SendFailures() uint64 {
	return t.sendFail.Load()
}

func (t *QUICTransport) send(ctx context.Context, addr string, blob []byte) error {
	var lastErr error
	for attempt := 0; attempt <= clientMaxRetries; attempt++ {
		if ctx.Err() != nil {
			break
		}
		conn, err := t.pool.get(ctx, addr)
		if err != nil {
			lastErr = err
			if !backoffRetry(ctx, t.pool.recordFailure(addr)) {
				break
			}
			continue
		}
		stream, err := conn.OpenStreamSync(ctx)
		if err != nil {
			lastErr = err
			t.pool.drop(addr, conn, "open stream failed")
			if !backoffRetry(ctx, t.pool.recordFailure(addr)) {
				break
			}
			continue
		}
		if deadline, ok := ctx.Deadline(); ok {
			_ = stream.SetWriteDeadline(deadline)
		}
		if err := proto.WriteFrame(stream, blob); err != nil {
			lastErr = err
			stream.CancelWrite(0)
			t.pool.drop(addr, conn, "write failed")
			if !backoffRetry(ctx, t.pool.recordFailure(addr)) {
				break
			}
			continue
		}
		_ = stream.Close()
		t.pool.resetFailures(addr)
		return nil
	}
	if lastErr == nil {
		lastErr = ctx.Err()
	}
	if lastErr == nil {
		lastErr = errors.New("send failed")
	}
	return lastErr
}

// Close stops the listener, drops outbound connections and waits for
// in-flight sends.
func (t *QUICTransport) Close() error {
	t.mu.Lock()
	ln := t.listener
	t.listener = nil
	t.mu.Unlock()
	var err error
	if ln != nil {
		err = ln.Close()
	}
	t.pool.close("")
	t.wg.Wait()
	return err
}

func hostOf(addr net.Addr) string {
	if addr == nil {
		return ""
	}
	host, _, err := net.SplitHostPort(addr.String())
	if err != nil {
		return addr.String()
	}
	return host
}
