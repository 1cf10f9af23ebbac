package daemon

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"stately/internal/crypto"
	"stately/internal/debuglog"
	"stately/internal/metrics"
	"stately/internal/node"
	"stately/internal/peer"
	"stately/internal/proto"
	"stately/internal/relay"
	"stately/internal/scheduler"
	"stately/internal/state"
	"stately/internal/store"
)

const (
	TickPeriod       = time.Second
	dropLogInterval  = 10 * time.Second
	peersSnapshot    = "peers.jsonl"
	metricsSnapshot  = "metrics.json"
	actionRelayed    = "relayed"
	actionNotRelayed = "not_relayed"
)

// Transport hands a sealed blob to every current neighbor. It must not
// block on the radio.
type Transport interface {
	SendToAll(blob []byte) error
}

// PowerSource reports whether the device should save energy.
type PowerSource interface {
	LowPower() bool
}

type Options struct {
	Self      *node.Node
	Transport Transport
	Cipher    *crypto.BroadcastCipher
	Power     PowerSource
	Observer  Observer
	Metrics   *metrics.Metrics
	Store     *peer.Store
	Guard     *relay.Guard
	Scheduler *scheduler.Scheduler
	Now       func() time.Time

	// InitialKind is the local state before the user picks one.
	InitialKind state.Kind
	// SnapshotDir, when set, receives peers.jsonl and metrics.json on every
	// store sweep and at shutdown. Peers found there are restored on start.
	SnapshotDir string
}

// Engine runs the presence protocol for one device.
type Engine struct {
	self        *node.Node
	transport   Transport
	cipher      *crypto.BroadcastCipher
	power       PowerSource
	observer    Observer
	metrics     *metrics.Metrics
	store       *peer.Store
	guard       *relay.Guard
	sched       *scheduler.Scheduler
	now         func() time.Time
	snapshotDir string

	// broadcastMu orders local changes and ticks so the gate and the
	// advertised state move together.
	broadcastMu sync.Mutex

	localMu sync.Mutex
	local   state.PeerState

	neighMu   sync.Mutex
	neighbors map[string]struct{}
}

type staticPower bool

func (p staticPower) LowPower() bool { return bool(p) }

func NewEngine(opts Options) (*Engine, error) {
	if opts.Self == nil {
		return nil, errors.New("engine: missing self node")
	}
	if opts.Transport == nil {
		return nil, errors.New("engine: missing transport")
	}
	if opts.Cipher == nil {
		return nil, errors.New("engine: missing cipher")
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Power == nil {
		opts.Power = staticPower(false)
	}
	if opts.Observer == nil {
		opts.Observer = NopObserver{}
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.New()
	}
	if opts.Store == nil {
		opts.Store = peer.NewStore(peer.Options{Now: opts.Now})
	}
	if opts.Guard == nil {
		opts.Guard = relay.NewGuard(relay.Options{})
	}
	if opts.Scheduler == nil {
		opts.Scheduler = scheduler.New(scheduler.Options{})
	}
	if !opts.InitialKind.Valid() {
		opts.InitialKind = state.Available
	}
	e := &Engine{
		self:        opts.Self,
		transport:   opts.Transport,
		cipher:      opts.Cipher,
		power:       opts.Power,
		observer:    opts.Observer,
		metrics:     opts.Metrics,
		store:       opts.Store,
		guard:       opts.Guard,
		sched:       opts.Scheduler,
		now:         opts.Now,
		snapshotDir: opts.SnapshotDir,
		local:       state.New(opts.Self.Name(), opts.InitialKind, opts.Self.ID, opts.Now()),
		neighbors:   make(map[string]struct{}),
	}
	e.restore()
	return e, nil
}

func (e *Engine) restore() {
	if e.snapshotDir == "" {
		return
	}
	peers, err := store.LoadPeers(filepath.Join(e.snapshotDir, peersSnapshot))
	if err != nil {
		debuglog.Warnf("engine: restore peers incomplete parsed=%d err=%v", len(peers), err)
	}
	now := e.now()
	restored := 0
	for _, ps := range peers {
		if ps.PeerID == e.self.ID || ps.Expired(now) {
			continue
		}
		if e.store.Upsert(ps) {
			restored++
		}
	}
	e.metrics.SetKnownPeers(e.store.Len())
	debugf("restored peers=%d", restored)
}

// LocalState returns the state this device currently advertises.
func (e *Engine) LocalState() state.PeerState {
	e.localMu.Lock()
	defer e.localMu.Unlock()
	return e.local
}

// LocalStateChanged adopts ps as the local state and broadcasts it at once,
// bypassing the interval gate. The gate restarts from this broadcast.
func (e *Engine) LocalStateChanged(ps state.PeerState) error {
	if !ps.Kind.Valid() {
		return fmt.Errorf("local state: %w", state.ErrUnknownKind)
	}
	e.broadcastMu.Lock()
	defer e.broadcastMu.Unlock()
	now := e.now()
	ps.PeerID = e.self.ID
	if ps.ObservedAt.IsZero() {
		ps.ObservedAt = now
	}
	pkt, err := proto.NewStatePacket(ps, e.self.ID, now)
	if err != nil {
		return err
	}
	if err := e.sendPacket(pkt); err != nil {
		return err
	}
	e.localMu.Lock()
	e.local = ps
	e.localMu.Unlock()
	e.sched.ForceBroadcast(now)
	e.metrics.IncBroadcastSent()
	debuglog.Debugf("broadcast local state=%s ttl=%d", ps.Kind.Tag(), pkt.TTL)
	return nil
}

// UpdateMyState sets the local kind and, if name is not empty, the display
// name.
func (e *Engine) UpdateMyState(name string, kind state.Kind) error {
	rename := name != "" && name != e.self.Name()
	if name == "" {
		name = e.LocalState().Name
	}
	if err := e.LocalStateChanged(state.New(name, kind, e.self.ID, e.now())); err != nil {
		return err
	}
	if rename {
		if err := e.self.SetName(name); err != nil {
			debuglog.Warnf("engine: persist name failed err=%v", err)
		}
	}
	return nil
}

func (e *Engine) TriggerSOS() error {
	return e.UpdateMyState("", state.SOS)
}

// ClearSOS returns to available if the local state is SOS.
func (e *Engine) ClearSOS() error {
	if !e.LocalState().Kind.IsEmergency() {
		return nil
	}
	return e.UpdateMyState("", state.Available)
}

// Tick re-broadcasts the local state when the interval gate allows it. The
// advertised observation time is refreshed so peers keep it alive.
func (e *Engine) Tick() (bool, error) {
	e.broadcastMu.Lock()
	defer e.broadcastMu.Unlock()
	now := e.now()
	if !e.sched.TryBroadcast(now, e.power.LowPower()) {
		e.metrics.IncBroadcastThrottled()
		return false, nil
	}
	e.localMu.Lock()
	e.local.ObservedAt = now
	ps := e.local
	e.localMu.Unlock()
	pkt, err := proto.NewStatePacket(ps, e.self.ID, now)
	if err != nil {
		return false, err
	}
	if err := e.sendPacket(pkt); err != nil {
		return false, err
	}
	e.metrics.IncBroadcastSent()
	return true, nil
}

// sendPacket encodes, seals and hands pkt to the transport. Transport
// failures are counted and logged only.
func (e *Engine) sendPacket(pkt proto.Packet) error {
	wire, err := proto.EncodePacket(pkt)
	if err != nil {
		return err
	}
	blob, err := e.cipher.SealBroadcast(wire)
	if err != nil {
		return err
	}
	if err := e.transport.SendToAll(blob); err != nil {
		e.metrics.IncSendFail()
		debuglog.RateLimitedf("send_fail", dropLogInterval, "send failed err=%v", err)
	}
	return nil
}

// HandleBlob processes one inbound blob from neighbor from. Nothing is
// returned: bad input is counted and dropped.
func (e *Engine) HandleBlob(blob []byte, from string) {
	wire, err := e.cipher.OpenBroadcast(blob)
	if err != nil {
		e.dropMalformed(from, err)
		return
	}
	pkt, err := proto.DecodePacket(wire)
	if err != nil {
		e.dropMalformed(from, err)
		return
	}
	if pkt.Type != proto.TypeStateUpdate {
		e.metrics.IncDropType()
		debuglog.RateLimitedf("drop:type", dropLogInterval, "drop type=0x%02x from=%s", pkt.Type, from)
		return
	}
	sender := pkt.Sender()
	if sender == e.self.ID {
		e.metrics.IncDropSelf()
		return
	}
	ps, err := proto.DecodeStatePayload(pkt.Payload, sender)
	if err != nil {
		e.dropMalformed(from, err)
		return
	}

	action := actionNotRelayed
	if e.guard.ShouldRelay(pkt, sender) {
		if err := e.sendPacket(pkt.Relayed()); err != nil {
			debuglog.Warnf("relay failed sender=%s err=%v", sender, err)
		} else {
			e.metrics.IncRelayed()
			action = actionRelayed
		}
	} else {
		e.metrics.IncDropDuplicate()
	}
	e.metrics.Recent().Add(metrics.PacketHeader{
		Sender:    string(sender),
		TTL:       pkt.TTL,
		Timestamp: pkt.Time().UTC(),
		Action:    action,
	})

	ch := e.store.Apply(ps)
	if !ch.Applied {
		e.metrics.IncUpsertStale()
		return
	}
	e.metrics.IncUpsertApplied()
	debuglog.Debugf("peer state sender=%s state=%s ttl=%d from=%s", sender, ps.Kind.Tag(), pkt.TTL, from)
	e.observer.PeerStateUpdated(ps)
	if ch.Added || len(ch.Evicted) > 0 {
		e.metrics.SetKnownPeers(e.store.Len())
		e.observer.PeerSetChanged(e.liveIDs())
	}
}

// liveIDs lists the peers a Snapshot would show, sorted by id.
func (e *Engine) liveIDs() []state.PeerID {
	snap := e.store.Snapshot()
	out := make([]state.PeerID, 0, len(snap))
	for _, ps := range snap {
		out = append(out, ps.PeerID)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func (e *Engine) dropMalformed(from string, err error) {
	e.metrics.IncDropMalformed()
	debuglog.RateLimitedf("drop:malformed", dropLogInterval, "drop malformed from=%s err=%v", from, err)
}

func (e *Engine) NeighborConnected(handle string) {
	e.neighMu.Lock()
	_, known := e.neighbors[handle]
	e.neighbors[handle] = struct{}{}
	n := len(e.neighbors)
	e.neighMu.Unlock()
	if known {
		return
	}
	e.metrics.SetNeighbors(n)
	debugf("neighbor connected handle=%s total=%d", handle, n)
	e.observer.NeighborConnected(handle)
}

func (e *Engine) NeighborDisconnected(handle string) {
	e.neighMu.Lock()
	_, known := e.neighbors[handle]
	delete(e.neighbors, handle)
	n := len(e.neighbors)
	e.neighMu.Unlock()
	if !known {
		return
	}
	e.metrics.SetNeighbors(n)
	debugf("neighbor disconnected handle=%s total=%d", handle, n)
	e.observer.NeighborDisconnected(handle)
}

func (e *Engine) Neighbors() []string {
	e.neighMu.Lock()
	out := make([]string, 0, len(e.neighbors))
	for h := range e.neighbors {
		out = append(out, h)
	}
	e.neighMu.Unlock()
	sort.Strings(out)
	return out
}

// SweepStore drops expired peer states.
func (e *Engine) SweepStore() int {
	n := e.store.SweepExpired()
	e.metrics.AddSweptStates(n)
	if n > 0 {
		e.metrics.SetKnownPeers(e.store.Len())
		e.observer.PeerSetChanged(e.liveIDs())
	}
	return n
}

func (e *Engine) SweepRelay() int {
	n := e.guard.Sweep(e.now())
	e.metrics.AddSweptRelay(n)
	return n
}

func (e *Engine) Snapshot() []state.PeerState {
	return e.store.Snapshot()
}

func (e *Engine) Get(id state.PeerID) (state.PeerState, bool) {
	return e.store.Get(id)
}

func (e *Engine) Metrics() *metrics.Metrics {
	return e.metrics
}

// WriteSnapshots persists the peer table and metrics under SnapshotDir.
func (e *Engine) WriteSnapshots() error {
	if e.snapshotDir == "" {
		return nil
	}
	if err := store.SavePeers(filepath.Join(e.snapshotDir, peersSnapshot), e.store.Snapshot()); err != nil {
		return err
	}
	return e.metrics.WriteSnapshot(filepath.Join(e.snapshotDir, metricsSnapshot))
}

// Run drives the engine until ctx ends. The gate is consulted every
// TickPeriod so power changes apply within a second.
func (e *Engine) Run(ctx context.Context) error {
	tick := time.NewTicker(TickPeriod)
	defer tick.Stop()
	storeSweep := time.NewTicker(state.StoreSweepPeriod)
	defer storeSweep.Stop()
	relaySweep := time.NewTicker(state.RelaySweepPeriod)
	defer relaySweep.Stop()

	if _, err := e.Tick(); err != nil {
		debuglog.Warnf("engine: initial broadcast failed err=%v", err)
	}
	for {
		select {
		case <-ctx.Done():
			if err := e.WriteSnapshots(); err != nil {
				debuglog.Warnf("engine: snapshot failed err=%v", err)
			}
			return ctx.Err()
		case <-tick.C:
			if _, err := e.Tick(); err != nil {
				debuglog.Warnf("engine: tick failed err=%v", err)
			}
		case <-storeSweep.C:
			if n := e.SweepStore(); n > 0 {
				debugf("store sweep removed=%d", n)
			}
			if err := e.WriteSnapshots(); err != nil {
				debuglog.Warnf("engine: snapshot failed err=%v", err)
			}
		case <-relaySweep.C:
			e.SweepRelay()
		}
	}
}

func debugf(format string, args ...any) {
	debuglog.Debugf("engine: "+format, args...)
}
