package network

import (
	"errors"
	"sort"
	"sync"
)

var ErrUnknownNode = errors.New("unknown node")

// MemoryMesh is an in-process neighbor graph. Delivery is synchronous, so
// a blob sent by one node has been handled by every neighbor when
// SendToAll returns.
type MemoryMesh struct {
	mu    sync.Mutex
	nodes map[string]*MemoryTransport
	links map[string]map[string]struct{}
}

func NewMemoryMesh() *MemoryMesh {
	return &MemoryMesh{
		nodes: make(map[string]*MemoryTransport),
		links: make(map[string]map[string]struct{}),
	}
}

// Join adds a node under name, returning the existing transport if the
// name is taken.
func (m *MemoryMesh) Join(name string) *MemoryTransport {
	m.mu.Lock()
	defer m.mu.Unlock()
	if t, ok := m.nodes[name]; ok {
		return t
	}
	t := &MemoryTransport{mesh: m, name: name}
	m.nodes[name] = t
	m.links[name] = make(map[string]struct{})
	return t
}

// Link connects a and b in both directions and signals both handlers.
func (m *MemoryMesh) Link(a, b string) error {
	if a == b {
		return errors.New("self link")
	}
	m.mu.Lock()
	ta, okA := m.nodes[a]
	tb, okB := m.nodes[b]
	if !okA || !okB {
		m.mu.Unlock()
		return ErrUnknownNode
	}
	_, linked := m.links[a][b]
	m.links[a][b] = struct{}{}
	m.links[b][a] = struct{}{}
	m.mu.Unlock()
	if linked {
		return nil
	}
	if h := ta.current(); h != nil {
		h.NeighborConnected(b)
	}
	if h := tb.current(); h != nil {
		h.NeighborConnected(a)
	}
	return nil
}

func (m *MemoryMesh) Unlink(a, b string) {
	m.mu.Lock()
	_, linked := m.links[a][b]
	if linked {
		delete(m.links[a], b)
		delete(m.links[b], a)
	}
	ta, tb := m.nodes[a], m.nodes[b]
	m.mu.Unlock()
	if !linked {
		return
	}
	if h := ta.current(); h != nil {
		h.NeighborDisconnected(b)
	}
	if h := tb.current(); h != nil {
		h.NeighborDisconnected(a)
	}
}

func (m *MemoryMesh) neighborsOf(name string) []*MemoryTransport {
	m.mu.Lock()
	defer m.mu.Unlock()
	names := make([]string, 0, len(m.links[name]))
	for n := range m.links[name] {
		names = append(names, n)
	}
	sort.Strings(names)
	out := make([]*MemoryTransport, 0, len(names))
	for _, n := range names {
		out = append(out, m.nodes[n])
	}
	return out
}

type MemoryTransport struct {
	mesh *MemoryMesh
	name string

	mu      sync.Mutex
	handler Handler
	sent    int
}

func (t *MemoryTransport) Name() string { return t.name }

func (t *MemoryTransport) Attach(h Handler) {
	t.mu.Lock()
	t.handler = h
	t.mu.Unlock()
}

func (t *MemoryTransport) current() Handler {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.handler
}

// Sent counts SendToAll calls.
func (t *MemoryTransport) Sent() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.sent
}

func (t *MemoryTransport) SendToAll(blob []byte) error {
	t.mu.Lock()
	t.sent++
	t.mu.Unlock()
	for _, n := range t.mesh.neighborsOf(t.name) {
		h := n.current()
		if h == nil {
			continue
		}
		h.HandleBlob(append([]byte(nil), blob...), t.name)
	}
	return nil
}
