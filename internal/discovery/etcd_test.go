package discovery

import (
	"sort"
	"testing"

	"go.etcd.io/etcd/api/v3/mvccpb"
	clientv3 "go.etcd.io/etcd/client/v3"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"stately/internal/debuglog"
)

type neighborLog struct {
	added   []string
	removed []string
}

func (l *neighborLog) AddNeighbor(a string)    { l.added = append(l.added, a) }
func (l *neighborLog) RemoveNeighbor(a string) { l.removed = append(l.removed, a) }

func putEvent(key, val string) *clientv3.Event {
	return &clientv3.Event{Type: clientv3.EventTypePut, Kv: &mvccpb.KeyValue{Key: []byte(key), Value: []byte(val)}}
}

func delEvent(key string) *clientv3.Event {
	return &clientv3.Event{Type: clientv3.EventTypeDelete, Kv: &mvccpb.KeyValue{Key: []byte(key)}}
}

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	r, err := NewRegistry(&clientv3.Client{}, Options{ID: "me", Addr: "10.0.0.1:7000", Prefix: "/stately/test"})
	if err != nil {
		t.Fatalf("registry: %v", err)
	}
	return r
}

func TestNewRegistryValidates(t *testing.T) {
	if _, err := NewRegistry(nil, Options{ID: "me", Addr: "x"}); err == nil {
		t.Fatalf("expected missing client error")
	}
	if _, err := NewRegistry(&clientv3.Client{}, Options{Addr: "x"}); err == nil {
		t.Fatalf("expected missing id error")
	}
	r := newTestRegistry(t)
	if r.key() != "/stately/test/me" || r.opts.TTL != DefaultTTL {
		t.Fatalf("unexpected defaults key=%s ttl=%d", r.key(), r.opts.TTL)
	}
}

func TestApplyEventsLinksPeers(t *testing.T) {
	r := newTestRegistry(t)
	log := &neighborLog{}
	r.apply([]*clientv3.Event{
		putEvent("/stately/test/me", "10.0.0.1:7000"),
		putEvent("/stately/test/b", "10.0.0.2:7000"),
		putEvent("/stately/test/c", "10.0.0.3:7000"),
		putEvent("/stately/test/b", "10.0.0.2:7000"),
	}, log)
	sort.Strings(log.added)
	if len(log.added) != 2 || log.added[0] != "10.0.0.2:7000" || log.added[1] != "10.0.0.3:7000" {
		t.Fatalf("unexpected adds %v", log.added)
	}

	r.apply([]*clientv3.Event{
		putEvent("/stately/test/b", "10.0.0.9:7000"),
		delEvent("/stately/test/c"),
		delEvent("/stately/test/unknown"),
	}, log)
	if len(log.removed) != 2 || log.removed[0] != "10.0.0.2:7000" || log.removed[1] != "10.0.0.3:7000" {
		t.Fatalf("unexpected removes %v", log.removed)
	}
	known := r.Known()
	if len(known) != 1 || known["/stately/test/b"] != "10.0.0.9:7000" {
		t.Fatalf("unexpected known %v", known)
	}
}

func TestPeerChangesLogged(t *testing.T) {
	core, logs := observer.New(zap.DebugLevel)
	debuglog.SetLogger(zap.New(core))
	t.Cleanup(func() { debuglog.SetLogger(nil) })

	r := newTestRegistry(t)
	r.apply([]*clientv3.Event{
		putEvent("/stately/test/b", "10.0.0.2:7000"),
		delEvent("/stately/test/b"),
	}, &neighborLog{})

	entries := logs.FilterMessage("peer up").All()
	if len(entries) != 1 || entries[0].LoggerName != "discovery" {
		t.Fatalf("unexpected peer up entries %+v", entries)
	}
	fields := entries[0].ContextMap()
	if fields["addr"] != "10.0.0.2:7000" || fields["self"] != "me" {
		t.Fatalf("unexpected fields %v", fields)
	}
	if logs.FilterMessage("peer down").Len() != 1 {
		t.Fatalf("expected one peer down entry")
	}
}
