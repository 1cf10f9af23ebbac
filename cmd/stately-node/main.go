package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/fatih/color"

	"stately/internal/crypto"
	"stately/internal/daemon"
	"stately/internal/debuglog"
	"stately/internal/discovery"
	"stately/internal/metrics"
	"stately/internal/network"
	"stately/internal/node"
	"stately/internal/power"
	"stately/internal/pprofutil"
	"stately/internal/state"
	"stately/internal/store"
)

const (
	defaultListen = "0.0.0.0:7420"
	peersFile     = "peers.jsonl"
	metricsFile   = "metrics.json"
	eventsFile    = "events.jsonl"
)

var stdin io.Reader = os.Stdin

func main() {
	code := run(os.Args[1:], os.Stdout, os.Stderr)
	debuglog.Sync()
	os.Exit(code)
}

func run(args []string, stdout, stderr io.Writer) int {
	if len(args) == 0 || args[0] == "--help" || args[0] == "-h" {
		printUsage(stdout)
		return 0
	}
	switch args[0] {
	case "run":
		return runNode(args[1:], stdout, stderr)
	case "states":
		return runStates(args[1:], stdout, stderr)
	case "status":
		return runStatus(args[1:], stdout, stderr)
	case "peers":
		return runPeers(args[1:], stdout, stderr)
	case "name":
		return runName(args[1:], stdout, stderr)
	case "simulate":
		return runSimulate(args[1:], stdout, stderr)
	default:
		fmt.Fprintf(stderr, "unknown command: %s\n", args[0])
		printUsage(stderr)
		return 1
	}
}

func printUsage(w io.Writer) {
	fmt.Fprintln(w, "usage: stately-node <run|states|status|peers|name|simulate> [args]")
	fmt.Fprintln(w, "  run      [--listen <ip:port>] [--peer <ip:port>]... [--etcd <endpoints>] [--state <tag>]")
	fmt.Fprintln(w, "           [--low-power | --battery] [--metrics <ip:port>] [--journal] [--debug]")
	fmt.Fprintln(w, "  states")
	fmt.Fprintln(w, "  status")
	fmt.Fprintln(w, "  peers    [--all]")
	fmt.Fprintln(w, "  name     [<new name>]")
	fmt.Fprintln(w, "  simulate [--nodes 3] [--state sos]")
}

func homeDir() string {
	if h := strings.TrimSpace(os.Getenv("STATELY_HOME")); h != "" {
		return h
	}
	h, _ := os.UserHomeDir()
	return filepath.Join(h, ".stately")
}

func broadcastSeed() []byte {
	if s := os.Getenv("STATELY_BROADCAST_SEED"); s != "" {
		return []byte(s)
	}
	return []byte(crypto.DefaultBroadcastSeed)
}

type listFlag []string

func (l *listFlag) String() string { return strings.Join(*l, ",") }

func (l *listFlag) Set(v string) error {
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			*l = append(*l, part)
		}
	}
	return nil
}

func runNode(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("run", flag.ContinueOnError)
	fs.SetOutput(stderr)
	listen := fs.String("listen", defaultListen, "QUIC listen addr (host:port)")
	var peers, etcd listFlag
	fs.Var(&peers, "peer", "static neighbor addr, repeatable")
	fs.Var(&etcd, "etcd", "etcd endpoints for neighbor discovery, comma separated")
	advertise := fs.String("advertise", "", "addr registered in etcd (default: listen addr)")
	name := fs.String("name", "", "display name for this run")
	initial := fs.String("state", state.Available.Tag(), "initial state tag")
	lowPower := fs.Bool("low-power", false, "always use the low power interval")
	battery := fs.Bool("battery", false, "follow the battery level from sysfs")
	metricsAddr := fs.String("metrics", "", "serve Prometheus metrics on addr")
	journal := fs.Bool("journal", false, "append engine events to events.jsonl")
	repl := fs.Bool("repl", false, "read state commands from stdin")
	debug := fs.Bool("debug", false, "enable debug logging")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if *debug {
		_ = os.Setenv("STATELY_DEBUG", "1")
	}
	kind, err := state.ParseKind(*initial)
	if err != nil {
		fmt.Fprintf(stderr, "bad --state: %v\n", err)
		return 1
	}
	root := homeDir()
	self, err := node.NewNode(root, node.Options{Name: *name})
	if err != nil {
		fmt.Fprintf(stderr, "load node failed: %v\n", err)
		return 1
	}
	cipher, err := crypto.NewBroadcastCipher(broadcastSeed())
	if err != nil {
		fmt.Fprintf(stderr, "cipher: %v\n", err)
		return 1
	}
	m := metrics.New()
	onFail := func(string, error) { m.IncSendFail() }
	tr, err := network.NewQUICTransport(network.QUICOptions{ListenAddr: *listen, OnSendFailure: onFail})
	if err != nil {
		fmt.Fprintf(stderr, "transport: %v\n", err)
		return 1
	}
	var src daemon.PowerSource = power.Static(*lowPower)
	if *battery {
		src = power.NewBattery()
	}
	var obs daemon.Observer = daemon.NopObserver{}
	if *journal {
		obs = daemon.JournalObserver{Path: filepath.Join(root, eventsFile)}
	}
	engine, err := daemon.NewEngine(daemon.Options{
		Self:        self,
		Transport:   tr,
		Cipher:      cipher,
		Power:       src,
		Observer:    daemon.Observers{obs, consoleObserver{w: stdout}},
		Metrics:     m,
		InitialKind: kind,
		SnapshotDir: root,
	})
	if err != nil {
		fmt.Fprintf(stderr, "engine: %v\n", err)
		return 1
	}
	tr.Attach(engine)
	if err := tr.Listen(); err != nil {
		fmt.Fprintf(stderr, "listen failed: %v\n", err)
		return 1
	}
	defer tr.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	debugOpts := pprofutil.OptionsFromEnv()
	if *metricsAddr != "" {
		h, err := m.Handler()
		if err != nil {
			fmt.Fprintf(stderr, "metrics: %v\n", err)
			return 1
		}
		debugOpts.Metrics = h
		debugOpts.Addr = *metricsAddr
	}
	dbg, err := pprofutil.Start(debugOpts, stderr)
	if err != nil {
		fmt.Fprintf(stderr, "debug server: %v\n", err)
		return 1
	}
	if dbg != nil {
		defer dbg.Close(context.Background())
	}

	banner(stdout, self, tr.Addr(), src)
	go func() {
		if err := tr.Serve(ctx); err != nil && !errors.Is(err, context.Canceled) {
			debuglog.Warnf("quic serve stopped err=%v", err)
		}
	}()
	for _, p := range peers {
		tr.AddNeighbor(p)
	}
	if len(etcd) > 0 {
		addr := *advertise
		if addr == "" {
			addr = tr.Addr()
		}
		closeReg, err := startDiscovery(ctx, etcd, self.ID, addr, tr)
		if err != nil {
			fmt.Fprintf(stderr, "discovery: %v\n", err)
			return 1
		}
		defer closeReg()
	}
	if *repl {
		go readCommands(ctx, stdin, stdout, engine, stop)
	}
	if err := engine.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		fmt.Fprintf(stderr, "run failed: %v\n", err)
		return 1
	}
	return 0
}

func startDiscovery(ctx context.Context, endpoints []string, id state.PeerID, addr string, n discovery.Neighbors) (func(), error) {
	cli, err := discovery.NewClient(endpoints)
	if err != nil {
		return nil, err
	}
	reg, err := discovery.NewRegistry(cli, discovery.Options{ID: id, Addr: addr})
	if err != nil {
		_ = cli.Close()
		return nil, err
	}
	if err := reg.Register(ctx); err != nil {
		_ = cli.Close()
		return nil, err
	}
	go func() {
		if err := reg.Sync(ctx, n); err != nil && !errors.Is(err, context.Canceled) {
			debuglog.Warnf("discovery sync stopped err=%v", err)
		}
	}()
	return func() {
		rctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = reg.Close(rctx)
		_ = cli.Close()
	}, nil
}

func banner(w io.Writer, self *node.Node, addr string, src daemon.PowerSource) {
	bold := color.New(color.Bold).SprintFunc()
	dim := color.New(color.Faint).SprintFunc()
	mode := "normal"
	if src != nil && src.LowPower() {
		mode = "low power"
	}
	fmt.Fprintf(w, "%s %s\n", bold("stately"), dim("presence mesh"))
	fmt.Fprintf(w, "Node: %s (%s)\n", self.Name(), self.ID)
	fmt.Fprintf(w, "Key: %s\n", crypto.Fingerprint(self.Identity.SigningPublic()))
	fmt.Fprintf(w, "Listen: %s\n", addr)
	fmt.Fprintf(w, "Power: %s\n", mode)
	fmt.Fprintf(w, "READY addr=%s peer_id=%s\n", addr, self.ID)
}

func kindColor(k state.Kind) *color.Color {
	switch k {
	case state.SOS:
		return color.New(color.FgRed, color.Bold)
	case state.RedCircle, state.Busy:
		return color.New(color.FgYellow)
	case state.Available:
		return color.New(color.FgGreen)
	case state.Sleeping, state.Invisible:
		return color.New(color.Faint)
	default:
		return color.New(color.FgCyan)
	}
}

func formatState(ps state.PeerState, now time.Time) string {
	age := now.Sub(ps.ObservedAt).Truncate(time.Second)
	if age < 0 {
		age = 0
	}
	label := kindColor(ps.Kind).Sprintf("%s %s", ps.Kind.Glyph(), ps.Kind.Label())
	return fmt.Sprintf("%-8s %-16s %s  %s ago", ps.PeerID, ps.Name, label, age)
}

// consoleObserver prints peer updates as they arrive.
type consoleObserver struct {
	daemon.NopObserver
	w io.Writer
}

func (c consoleObserver) PeerStateUpdated(ps state.PeerState) {
	line := formatState(ps, time.Now())
	if ps.Kind.IsEmergency() {
		line = color.New(color.FgRed, color.Bold).Sprint("!! ") + line
	}
	fmt.Fprintln(c.w, line)
}

func readCommands(ctx context.Context, r io.Reader, w io.Writer, e *daemon.Engine, stop func()) {
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		if ctx.Err() != nil {
			return
		}
		if quit := handleCommand(sc.Text(), w, e); quit {
			stop()
			return
		}
	}
}

// handleCommand runs one REPL line and reports whether to quit.
func handleCommand(line string, w io.Writer, e *daemon.Engine) bool {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return false
	}
	var err error
	switch fields[0] {
	case "state":
		if len(fields) != 2 {
			fmt.Fprintln(w, "usage: state <tag>")
			return false
		}
		var k state.Kind
		if k, err = state.ParseKind(fields[1]); err == nil {
			err = e.UpdateMyState("", k)
		}
	case "name":
		if len(fields) < 2 {
			fmt.Fprintln(w, "usage: name <display name>")
			return false
		}
		err = e.UpdateMyState(strings.Join(fields[1:], " "), e.LocalState().Kind)
	case "sos":
		err = e.TriggerSOS()
	case "clear":
		err = e.ClearSOS()
	case "peers":
		now := time.Now()
		for _, ps := range e.Snapshot() {
			fmt.Fprintln(w, formatState(ps, now))
		}
	case "me":
		fmt.Fprintln(w, formatState(e.LocalState(), time.Now()))
	case "quit", "exit":
		return true
	default:
		fmt.Fprintf(w, "unknown command: %s\n", fields[0])
		return false
	}
	if err != nil {
		fmt.Fprintf(w, "error: %v\n", err)
	}
	return false
}

func runStates(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("states", flag.ContinueOnError)
	fs.SetOutput(stderr)
	if err := fs.Parse(args); err != nil {
		return 1
	}
	for _, k := range state.AllKinds() {
		fmt.Fprintf(stdout, "%-11s %s %-10s %s\n", k.Tag(), k.Glyph(), k.Label(), k.Description())
	}
	return 0
}

func runStatus(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("status", flag.ContinueOnError)
	fs.SetOutput(stderr)
	if err := fs.Parse(args); err != nil {
		return 1
	}
	root := homeDir()
	self, err := node.NewNode(root, node.Options{})
	if err != nil {
		fmt.Fprintf(stdout, "status: node unavailable: %v\n", err)
		return 1
	}
	fmt.Fprintf(stdout, "node: %s (%s)\n", self.Name(), self.ID)
	snap, err := metrics.ReadSnapshot(filepath.Join(root, metricsFile))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintln(stdout, "metrics: none yet")
			return 0
		}
		fmt.Fprintf(stderr, "metrics: %v\n", err)
		return 1
	}
	fmt.Fprintf(stdout, "snapshot: %s\n", snap.GeneratedAt.Format(time.RFC3339))
	fmt.Fprintf(stdout, "neighbors: %d known_peers: %d\n", snap.Neighbors, snap.KnownPeers)
	fmt.Fprintf(stdout, "broadcast: sent=%d throttled=%d send_fail=%d\n",
		snap.Broadcast.Sent, snap.Broadcast.Throttled, snap.Broadcast.SendFail)
	fmt.Fprintf(stdout, "inbound: relayed=%d drop_malformed=%d drop_type=%d drop_self=%d drop_duplicate=%d\n",
		snap.Inbound.Relayed, snap.Inbound.DropMalformed, snap.Inbound.DropType, snap.Inbound.DropSelf, snap.Inbound.DropDuplicate)
	fmt.Fprintf(stdout, "store: applied=%d stale=%d swept_states=%d swept_relay=%d\n",
		snap.Store.UpsertApplied, snap.Store.UpsertStale, snap.Store.SweptStates, snap.Store.SweptRelay)
	for _, h := range snap.Recent {
		fmt.Fprintf(stdout, "  %s sender=%s ttl=%d %s\n", h.Timestamp.Format(time.RFC3339), h.Sender, h.TTL, h.Action)
	}
	return 0
}

func runPeers(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("peers", flag.ContinueOnError)
	fs.SetOutput(stderr)
	all := fs.Bool("all", false, "include expired entries")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	peers, err := store.LoadPeers(filepath.Join(homeDir(), peersFile))
	if err != nil {
		fmt.Fprintf(stderr, "peers: %v\n", err)
		return 1
	}
	now := time.Now()
	shown := 0
	for _, ps := range peers {
		if !*all && ps.Expired(now) {
			continue
		}
		fmt.Fprintln(stdout, formatState(ps, now))
		shown++
	}
	if shown == 0 {
		fmt.Fprintln(stdout, "no peers")
	}
	return 0
}

func runName(args []string, stdout, stderr io.Writer) int {
	self, err := node.NewNode(homeDir(), node.Options{})
	if err != nil {
		fmt.Fprintf(stderr, "load node failed: %v\n", err)
		return 1
	}
	if len(args) > 0 {
		if err := self.SetName(strings.Join(args, " ")); err != nil {
			fmt.Fprintf(stderr, "set name: %v\n", err)
			return 1
		}
	}
	fmt.Fprintf(stdout, "%s %s\n", self.ID, self.Name())
	return 0
}

// runSimulate builds a line of in-memory nodes and shows how one state
// change travels down it.
func runSimulate(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("simulate", flag.ContinueOnError)
	fs.SetOutput(stderr)
	n := fs.Int("nodes", 3, "number of nodes in the line")
	tag := fs.String("state", state.SOS.Tag(), "state the first node switches to")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if *n < 2 {
		fmt.Fprintln(stderr, "--nodes must be at least 2")
		return 1
	}
	kind, err := state.ParseKind(*tag)
	if err != nil {
		fmt.Fprintf(stderr, "bad --state: %v\n", err)
		return 1
	}
	cipher, err := crypto.NewBroadcastCipher(broadcastSeed())
	if err != nil {
		fmt.Fprintf(stderr, "cipher: %v\n", err)
		return 1
	}
	mesh := network.NewMemoryMesh()
	engines := make([]*daemon.Engine, *n)
	for i := range engines {
		id := state.PeerID(fmt.Sprintf("sim%d", i))
		self, err := node.NewEphemeral(id, fmt.Sprintf("Node %d", i))
		if err != nil {
			fmt.Fprintf(stderr, "node: %v\n", err)
			return 1
		}
		tr := mesh.Join(string(id))
		e, err := daemon.NewEngine(daemon.Options{Self: self, Transport: tr, Cipher: cipher})
		if err != nil {
			fmt.Fprintf(stderr, "engine: %v\n", err)
			return 1
		}
		tr.Attach(e)
		engines[i] = e
		if i > 0 {
			_ = mesh.Link(fmt.Sprintf("sim%d", i-1), string(id))
		}
	}
	if err := engines[0].UpdateMyState("", kind); err != nil {
		fmt.Fprintf(stderr, "update: %v\n", err)
		return 1
	}
	origin := engines[0].LocalState().PeerID
	for i, e := range engines {
		ps, ok := e.Get(origin)
		switch {
		case i == 0:
			fmt.Fprintf(stdout, "hop 0: %s origin %s\n", e.LocalState().PeerID, e.LocalState().Kind.Tag())
		case ok:
			fmt.Fprintf(stdout, "hop %d: %s sees %s\n", i, e.LocalState().PeerID, ps.Kind.Tag())
		default:
			fmt.Fprintf(stdout, "hop %d: %s out of range\n", i, e.LocalState().PeerID)
		}
	}
	return 0
}
