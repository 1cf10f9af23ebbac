package network

import (
	"context"
	"testing"
	"time"
)

func TestQUICLoopbackDelivers(t *testing.T) {
	srv, err := NewQUICTransport(QUICOptions{ListenAddr: "127.0.0.1:0"})
	if err != nil {
		t.Fatalf("server: %v", err)
	}
	rec := &recorder{}
	srv.Attach(rec)
	if err := srv.Listen(); err != nil {
		t.Skipf("udp listen unavailable: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	go func() { _ = srv.Serve(ctx) }()
	defer srv.Close()

	cli, err := NewQUICTransport(QUICOptions{SendTimeout: 3 * time.Second})
	if err != nil {
		t.Fatalf("client: %v", err)
	}
	defer cli.Close()
	cliRec := &recorder{}
	cli.Attach(cliRec)
	cli.AddNeighbor(srv.Addr())
	if len(cliRec.up) != 1 || cliRec.up[0] != srv.Addr() {
		t.Fatalf("expected neighbor connected signal, got %v", cliRec.up)
	}
	if err := cli.SendToAll([]byte("sealed-blob")); err != nil {
		t.Fatalf("send: %v", err)
	}
	for rec.count() == 0 {
		select {
		case <-ctx.Done():
			t.Fatalf("blob not delivered, send failures=%d", cli.SendFailures())
		case <-time.After(20 * time.Millisecond):
		}
	}
	rec.mu.Lock()
	got := string(rec.blobs[0])
	rec.mu.Unlock()
	if got != "sealed-blob" {
		t.Fatalf("unexpected blob %q", got)
	}
	cli.RemoveNeighbor(srv.Addr())
	if len(cli.Neighbors()) != 0 || len(cliRec.down) != 1 {
		t.Fatalf("expected neighbor removed")
	}
}

func TestServeBeforeListen(t *testing.T) {
	tr, err := NewQUICTransport(QUICOptions{})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if err := tr.Serve(context.Background()); err == nil {
		t.Fatalf("expected error")
	}
	if tr.Addr() != "" {
		t.Fatalf("expected empty addr")
	}
}
