// Package pprofutil runs the loopback debug listener: pprof profiles and,
// when a handler is supplied, Prometheus metrics.
package pprofutil

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/pprof"
	"os"
	"strings"
	"time"
)

const defaultAddr = "127.0.0.1:6060"

type Options struct {
	Addr        string
	AllowPublic bool
	// Profiles mounts /debug/pprof/.
	Profiles bool
	// Metrics, if set, is served at /metrics.
	Metrics http.Handler
}

type Server struct {
	srv  *http.Server
	addr string
}

func (s *Server) Addr() string { return s.addr }

func (s *Server) Close(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

// OptionsFromEnv reads STATELY_PPROF, STATELY_PPROF_ADDR and
// STATELY_PPROF_ALLOW_PUBLIC.
func OptionsFromEnv() Options {
	return Options{
		Addr:        strings.TrimSpace(os.Getenv("STATELY_PPROF_ADDR")),
		AllowPublic: strings.TrimSpace(os.Getenv("STATELY_PPROF_ALLOW_PUBLIC")) == "1",
		Profiles:    strings.TrimSpace(os.Getenv("STATELY_PPROF")) == "1",
	}
}

func newMux(opts Options) *http.ServeMux {
	mux := http.NewServeMux()
	if opts.Profiles {
		mux.HandleFunc("/debug/pprof/", pprof.Index)
		mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
		mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
		mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
		mux.HandleFunc("/debug/pprof/trace", pprof.Trace)
	}
	if opts.Metrics != nil {
		mux.Handle("/metrics", opts.Metrics)
	}
	return mux
}

// Start listens on opts.Addr. It returns nil, nil when there is nothing to
// serve.
func Start(opts Options, logw io.Writer) (*Server, error) {
	if !opts.Profiles && opts.Metrics == nil {
		return nil, nil
	}
	addr := opts.Addr
	if addr == "" {
		addr = defaultAddr
	}
	if !opts.AllowPublic && !isLoopbackBind(addr) {
		return nil, fmt.Errorf("debug addr must be loopback unless STATELY_PPROF_ALLOW_PUBLIC=1: %s", addr)
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("debug listen failed: %w", err)
	}
	actual := ln.Addr().String()
	if logw != nil {
		if opts.Profiles {
			fmt.Fprintf(logw, "pprof enabled: http://%s/debug/pprof/\n", actual)
		}
		if opts.Metrics != nil {
			fmt.Fprintf(logw, "metrics enabled: http://%s/metrics\n", actual)
		}
	}
	srv := &http.Server{
		Addr:              actual,
		Handler:           newMux(opts),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		_ = srv.Serve(ln)
	}()
	return &Server{srv: srv, addr: actual}, nil
}

func isLoopbackBind(addr string) bool {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return false
	}
	host = strings.TrimSpace(host)
	if strings.EqualFold(host, "localhost") {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
