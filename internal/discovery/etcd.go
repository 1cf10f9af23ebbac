// Package discovery finds QUIC neighbors through an etcd key prefix. Each
// node registers its listen address under a lease; every node watches the
// prefix and links to whoever appears.
package discovery

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"
	"go.uber.org/zap"

	"stately/internal/debuglog"
	"stately/internal/state"
)

const (
	DefaultPrefix = "/stately/nodes/"
	DefaultTTL    = 10
	dialTimeout   = 5 * time.Second
)

// Client is the subset of *clientv3.Client the registry uses.
type Client interface {
	clientv3.KV
	clientv3.Lease
	clientv3.Watcher
}

// Neighbors is the side that links and unlinks addresses, usually the
// QUIC transport.
type Neighbors interface {
	AddNeighbor(addr string)
	RemoveNeighbor(addr string)
}

func NewClient(endpoints []string) (*clientv3.Client, error) {
	return clientv3.New(clientv3.Config{
		Endpoints:   endpoints,
		DialTimeout: dialTimeout,
	})
}

type Options struct {
	Prefix string
	ID     state.PeerID
	Addr   string
	// TTL is the lease lifetime in seconds.
	TTL int64
}

type Registry struct {
	cli  Client
	opts Options
	log  *zap.SugaredLogger

	mu    sync.Mutex
	lease clientv3.LeaseID
	addrs map[string]string
}

func NewRegistry(cli Client, opts Options) (*Registry, error) {
	if cli == nil {
		return nil, errors.New("discovery: missing client")
	}
	if opts.ID == "" || opts.Addr == "" {
		return nil, errors.New("discovery: missing id or addr")
	}
	if opts.Prefix == "" {
		opts.Prefix = DefaultPrefix
	}
	if !strings.HasSuffix(opts.Prefix, "/") {
		opts.Prefix += "/"
	}
	if opts.TTL <= 0 {
		opts.TTL = DefaultTTL
	}
	return &Registry{
		cli:   cli,
		opts:  opts,
		log:   debuglog.Named("discovery").With("self", string(opts.ID)),
		addrs: make(map[string]string),
	}, nil
}

func (r *Registry) key() string {
	return r.opts.Prefix + string(r.opts.ID)
}

// Register publishes this node under a lease kept alive until ctx ends.
func (r *Registry) Register(ctx context.Context) error {
	lease, err := r.cli.Grant(ctx, r.opts.TTL)
	if err != nil {
		return err
	}
	if _, err := r.cli.Put(ctx, r.key(), r.opts.Addr, clientv3.WithLease(lease.ID)); err != nil {
		return err
	}
	ka, err := r.cli.KeepAlive(ctx, lease.ID)
	if err != nil {
		return err
	}
	r.mu.Lock()
	r.lease = lease.ID
	r.mu.Unlock()
	go func() {
		for range ka {
		}
		r.log.Debugw("keepalive ended", "lease", int64(lease.ID))
	}()
	r.log.Infow("registered", "key", r.key(), "addr", r.opts.Addr)
	return nil
}

// Sync links every registered node and then follows changes until ctx
// ends.
func (r *Registry) Sync(ctx context.Context, n Neighbors) error {
	resp, err := r.cli.Get(ctx, r.opts.Prefix, clientv3.WithPrefix())
	if err != nil {
		return err
	}
	for _, kv := range resp.Kvs {
		r.put(string(kv.Key), string(kv.Value), n)
	}
	wch := r.cli.Watch(ctx, r.opts.Prefix, clientv3.WithPrefix(), clientv3.WithRev(resp.Header.Revision+1))
	for wr := range wch {
		if err := wr.Err(); err != nil {
			return err
		}
		r.apply(wr.Events, n)
	}
	return ctx.Err()
}

func (r *Registry) apply(events []*clientv3.Event, n Neighbors) {
	for _, ev := range events {
		if ev.Kv == nil {
			continue
		}
		key := string(ev.Kv.Key)
		switch ev.Type {
		case clientv3.EventTypePut:
			r.put(key, string(ev.Kv.Value), n)
		case clientv3.EventTypeDelete:
			r.del(key, n)
		}
	}
}

func (r *Registry) put(key, addr string, n Neighbors) {
	if key == r.key() || addr == "" {
		return
	}
	r.mu.Lock()
	old, had := r.addrs[key]
	r.addrs[key] = addr
	r.mu.Unlock()
	if had && old == addr {
		return
	}
	if had {
		n.RemoveNeighbor(old)
	}
	r.log.Debugw("peer up", "key", key, "addr", addr)
	n.AddNeighbor(addr)
}

func (r *Registry) del(key string, n Neighbors) {
	r.mu.Lock()
	addr, had := r.addrs[key]
	delete(r.addrs, key)
	r.mu.Unlock()
	if !had {
		return
	}
	r.log.Debugw("peer down", "key", key, "addr", addr)
	n.RemoveNeighbor(addr)
}

// Known returns the addresses currently linked through discovery.
func (r *Registry) Known() map[string]string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]string, len(r.addrs))
	for k, v := range r.addrs {
		out[k] = v
	}
	return out
}

// Close revokes the lease so peers drop this node at once.
func (r *Registry) Close(ctx context.Context) error {
	r.mu.Lock()
	lease := r.lease
	r.lease = 0
	r.mu.Unlock()
	if lease == 0 {
		return nil
	}
	_, err := r.cli.Revoke(ctx, lease)
	return err
}
