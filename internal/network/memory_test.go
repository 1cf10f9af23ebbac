package network

import (
	"bytes"
	"sync"
	"testing"
)

type recorder struct {
	mu    sync.Mutex
	blobs [][]byte
	froms []string
	up    []string
	down  []string
}

func (r *recorder) HandleBlob(blob []byte, from string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.blobs = append(r.blobs, blob)
	r.froms = append(r.froms, from)
}

func (r *recorder) NeighborConnected(h string) {
	r.mu.Lock()
	r.up = append(r.up, h)
	r.mu.Unlock()
}

func (r *recorder) NeighborDisconnected(h string) {
	r.mu.Lock()
	r.down = append(r.down, h)
	r.mu.Unlock()
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.blobs)
}

func TestMemoryMeshDeliversToNeighborsOnly(t *testing.T) {
	mesh := NewMemoryMesh()
	a, b, c := mesh.Join("a"), mesh.Join("b"), mesh.Join("c")
	ra, rb, rc := &recorder{}, &recorder{}, &recorder{}
	a.Attach(ra)
	b.Attach(rb)
	c.Attach(rc)
	if err := mesh.Link("a", "b"); err != nil {
		t.Fatalf("link: %v", err)
	}
	if err := a.SendToAll([]byte("hello")); err != nil {
		t.Fatalf("send: %v", err)
	}
	if rb.count() != 1 || rc.count() != 0 || ra.count() != 0 {
		t.Fatalf("unexpected delivery a=%d b=%d c=%d", ra.count(), rb.count(), rc.count())
	}
	if !bytes.Equal(rb.blobs[0], []byte("hello")) || rb.froms[0] != "a" {
		t.Fatalf("unexpected blob %q from %q", rb.blobs[0], rb.froms[0])
	}
	if a.Sent() != 1 {
		t.Fatalf("expected sent=1, got %d", a.Sent())
	}
}

func TestMemoryMeshCopiesBlob(t *testing.T) {
	mesh := NewMemoryMesh()
	a, b := mesh.Join("a"), mesh.Join("b")
	rb := &recorder{}
	b.Attach(rb)
	_ = mesh.Link("a", "b")
	blob := []byte{1, 2, 3}
	_ = a.SendToAll(blob)
	blob[0] = 9
	if rb.blobs[0][0] != 1 {
		t.Fatalf("receiver saw sender mutation")
	}
}

func TestMemoryMeshLinkSignals(t *testing.T) {
	mesh := NewMemoryMesh()
	a, b := mesh.Join("a"), mesh.Join("b")
	ra, rb := &recorder{}, &recorder{}
	a.Attach(ra)
	b.Attach(rb)
	_ = mesh.Link("a", "b")
	_ = mesh.Link("b", "a")
	if len(ra.up) != 1 || ra.up[0] != "b" || len(rb.up) != 1 || rb.up[0] != "a" {
		t.Fatalf("unexpected connect signals a=%v b=%v", ra.up, rb.up)
	}
	mesh.Unlink("a", "b")
	mesh.Unlink("a", "b")
	if len(ra.down) != 1 || len(rb.down) != 1 {
		t.Fatalf("unexpected disconnect signals a=%v b=%v", ra.down, rb.down)
	}
	_ = a.SendToAll([]byte("x"))
	if rb.count() != 0 {
		t.Fatalf("unlinked node received blob")
	}
}

func TestMemoryMeshRejectsUnknownAndSelf(t *testing.T) {
	mesh := NewMemoryMesh()
	mesh.Join("a")
	if err := mesh.Link("a", "a"); err == nil {
		t.Fatalf("expected self link error")
	}
	if err := mesh.Link("a", "zz"); err != ErrUnknownNode {
		t.Fatalf("expected ErrUnknownNode, got %v", err)
	}
	if mesh.Join("a") != mesh.Join("a") {
		t.Fatalf("join should be idempotent")
	}
}
