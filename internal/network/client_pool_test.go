package network

import (
	"context"
	"errors"
	"testing"
	"time"

	quic "github.com/quic-go/quic-go"
)

func TestBackoffDelayCaps(t *testing.T) {
	cases := map[int]time.Duration{
		0:  0,
		1:  100 * time.Millisecond,
		2:  200 * time.Millisecond,
		3:  400 * time.Millisecond,
		4:  800 * time.Millisecond,
		5:  time.Second,
		40: time.Second,
	}
	for n, want := range cases {
		if got := backoffDelay(n); got != want {
			t.Fatalf("backoffDelay(%d)=%v want %v", n, got, want)
		}
	}
}

func TestBackoffRetryHonorsContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if backoffRetry(ctx, 3) {
		t.Fatalf("expected cancelled context to stop retry")
	}
	if backoffRetry(context.Background(), 0) {
		t.Fatalf("expected zero failures to skip retry")
	}
	if !backoffRetry(context.Background(), 1) {
		t.Fatalf("expected retry after first failure")
	}
}

func TestPoolFailureCounting(t *testing.T) {
	p := newClientPool(func(context.Context, string) (*quic.Conn, error) {
		return nil, errors.New("offline")
	}, 0)
	if p.recordFailure("x") != 1 || p.recordFailure("x") != 2 {
		t.Fatalf("unexpected failure counts")
	}
	if p.failureCount("x") != 2 {
		t.Fatalf("expected 2 failures")
	}
	p.resetFailures("x")
	if p.failureCount("x") != 0 {
		t.Fatalf("expected reset")
	}
	p.recordFailure("y")
	p.close("")
	if p.failureCount("y") != 0 {
		t.Fatalf("expected close to clear failures")
	}
	if _, err := p.get(context.Background(), ""); err != errNoAddr {
		t.Fatalf("expected errNoAddr, got %v", err)
	}
	if _, err := p.get(context.Background(), "10.0.0.1:7420"); err == nil || err.Error() != "offline" {
		t.Fatalf("expected dial error, got %v", err)
	}
}
