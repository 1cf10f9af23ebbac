package pprofutil

import (
	"context"
	"io"
	"net/http"
	"strings"
	"testing"
)

func TestIsLoopbackBind(t *testing.T) {
	cases := []struct {
		addr string
		ok   bool
	}{
		{addr: "127.0.0.1:6060", ok: true},
		{addr: "localhost:6060", ok: true},
		{addr: "[::1]:6060", ok: true},
		{addr: "0.0.0.0:6060", ok: false},
		{addr: "192.168.1.10:6060", ok: false},
		{addr: "bad-addr", ok: false},
	}
	for _, tc := range cases {
		if got := isLoopbackBind(tc.addr); got != tc.ok {
			t.Fatalf("isLoopbackBind(%q)=%v want %v", tc.addr, got, tc.ok)
		}
	}
}

func TestStartNothingToServe(t *testing.T) {
	srv, err := Start(Options{}, nil)
	if err != nil || srv != nil {
		t.Fatalf("expected no server, got %v %v", srv, err)
	}
}

func TestStartRejectsPublicBind(t *testing.T) {
	if _, err := Start(Options{Addr: "0.0.0.0:0", Profiles: true}, nil); err == nil {
		t.Fatalf("expected loopback error")
	}
}

func TestStartServesMetrics(t *testing.T) {
	h := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = io.WriteString(w, "stately_up 1\n")
	})
	var logs strings.Builder
	srv, err := Start(Options{Addr: "127.0.0.1:0", Metrics: h}, &logs)
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	defer srv.Close(context.Background())
	resp, err := http.Get("http://" + srv.Addr() + "/metrics")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(body), "stately_up 1") {
		t.Fatalf("unexpected body %q", body)
	}
	if !strings.Contains(logs.String(), "metrics enabled") {
		t.Fatalf("expected log line, got %q", logs.String())
	}
	resp2, err := http.Get("http://" + srv.Addr() + "/debug/pprof/")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	resp2.Body.Close()
	if resp2.StatusCode != http.StatusNotFound {
		t.Fatalf("pprof should be off, got %d", resp2.StatusCode)
	}
}

func TestOptionsFromEnv(t *testing.T) {
	t.Setenv("STATELY_PPROF", "1")
	t.Setenv("STATELY_PPROF_ADDR", " 127.0.0.1:7070 ")
	t.Setenv("STATELY_PPROF_ALLOW_PUBLIC", "")
	opts := OptionsFromEnv()
	if !opts.Profiles || opts.Addr != "127.0.0.1:7070" || opts.AllowPublic {
		t.Fatalf("unexpected options %+v", opts)
	}
}
