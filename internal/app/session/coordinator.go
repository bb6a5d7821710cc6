// Package session implements the coordinator that ties discovery, the wire
// protocol and ranging together.
//
// Every mutation of per-peer state (connection state, registry entry,
// ranging sample, boop queue) runs under one mutex. Side effects, meaning
// transport calls and host events, are appended to an ordered effect queue
// while the lock is held and run afterwards by a single drainer, so events
// for a peer reach subscribers in mutation order and subscribers may call
// back into the coordinator.
package session

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/boop-network/boop/internal/domain"
	"github.com/boop-network/boop/internal/infra/discovery"
	"github.com/boop-network/boop/internal/infra/metrics"
	"github.com/boop-network/boop/internal/infra/ranging"
	"github.com/boop-network/boop/internal/infra/scheduler"
)

// Config configures the coordinator.
type Config struct {
	Discovery    discovery.Config
	Thresholds   ranging.Thresholds
	Retry        scheduler.RetryConfig
	BoopInterval time.Duration // how often the boop queue is drained
	InputBuffer  int           // capacity of the Submit channel
	AutoBoop     bool          // enqueue a boop when a peer starts touching
}

// DefaultConfig returns the reference configuration.
func DefaultConfig() Config {
	return Config{
		Discovery:    discovery.DefaultConfig(),
		Thresholds:   ranging.DefaultThresholds(),
		Retry:        scheduler.DefaultRetryConfig(),
		BoopInterval: 250 * time.Millisecond,
		InputBuffer:  256,
		AutoBoop:     true,
	}
}

// peerState is the coordinator's record for one peer. Discovery data lives
// in the registry and samples in the fusion engine; both are only mutated
// while c.mu is held.
type peerState struct {
	conn      domain.ConnectionState
	handle    domain.TransportHandle // last handle seen outside discovery
	pending   bool                   // inbound ConnectionRequest awaiting accept/reject
	tokenSent bool
	tier      domain.ProximityTier
	touching  bool
}

// effect is a queued side effect: either an event for subscribers or a
// call into a collaborator.
type effect struct {
	event *domain.Event
	call  func()
}

// Coordinator is the top-level state machine.
type Coordinator struct {
	self      domain.PeerID
	cfg       Config
	transport domain.Transport
	ranger    domain.Ranging

	registry *discovery.Registry
	fusion   *ranging.Fusion
	boops    *scheduler.BoopQueue

	now func() time.Time

	mu      sync.Mutex
	peers   map[domain.PeerID]*peerState
	effects []effect
	stopped bool

	flushing atomic.Bool

	subMu   sync.RWMutex
	subs    map[int]func(domain.Event)
	nextSub int

	inputs    chan domain.Input
	done      chan struct{}
	startOnce sync.Once
	stopOnce  sync.Once
	started   atomic.Bool
	cancel    context.CancelFunc
	wg        sync.WaitGroup

	lastSweep atomic.Int64 // unix nanos of the last completed sweep
}

// New creates a coordinator for the local peer self. ranger may be nil when
// the device has no ranging hardware.
func New(self domain.PeerID, cfg Config, transport domain.Transport, ranger domain.Ranging) *Coordinator {
	if cfg.BoopInterval <= 0 {
		cfg.BoopInterval = DefaultConfig().BoopInterval
	}
	if cfg.InputBuffer <= 0 {
		cfg.InputBuffer = DefaultConfig().InputBuffer
	}

	c := &Coordinator{
		self:      self,
		cfg:       cfg,
		transport: transport,
		ranger:    ranger,
		fusion:    ranging.New(cfg.Thresholds),
		boops:     scheduler.NewBoopQueue(cfg.Retry),
		now:       time.Now,
		peers:     make(map[domain.PeerID]*peerState),
		subs:      make(map[int]func(domain.Event)),
		inputs:    make(chan domain.Input, cfg.InputBuffer),
		done:      make(chan struct{}),
	}
	// The registry only calls the listener from inside methods invoked
	// with c.mu held.
	c.registry = discovery.New(cfg.Discovery, c.emitLocked)
	c.fusion.SetAvailable(ranger != nil && ranger.Available())
	return c
}

// Self returns the local peer ID.
func (c *Coordinator) Self() domain.PeerID { return c.self }

// Registry exposes the discovery registry for read-only queries.
func (c *Coordinator) Registry() *discovery.Registry { return c.registry }

// Fusion exposes the ranging fusion engine for read-only queries.
func (c *Coordinator) Fusion() *ranging.Fusion { return c.fusion }

// ─── Lifecycle ──────────────────────────────────────────────────────────────

// ErrAlreadyStarted is returned by a second call to Start.
var ErrAlreadyStarted = errors.New("session: already started")

// Start starts the transport and launches the input loop, the staleness
// sweeper and the boop drainer. It returns once the transport is running.
func (c *Coordinator) Start(ctx context.Context) error {
	err := ErrAlreadyStarted
	c.startOnce.Do(func() {
		err = c.start(ctx)
	})
	return err
}

func (c *Coordinator) start(ctx context.Context) error {
	c.mu.Lock()
	stopped := c.stopped
	c.mu.Unlock()
	if stopped {
		return domain.ErrStopped
	}

	ctx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.lastSweep.Store(c.now().UnixNano())

	// The input loop must be running before the transport can deliver.
	c.wg.Add(3)
	go c.inputLoop(ctx)
	go c.sweepLoop(ctx)
	go c.boopLoop(ctx)

	if err := c.transport.Start(ctx, c.Submit); err != nil {
		cancel()
		c.wg.Wait()
		return fmt.Errorf("start transport: %w", err)
	}
	c.started.Store(true)

	log.Printf("[session] started as %s (ranging=%v)", c.self.Short(), c.fusion.Available())
	return nil
}

// Stop cancels the timers, clears the registry and tears down every
// ranging session. Safe to call more than once and without Start.
func (c *Coordinator) Stop() {
	c.stopOnce.Do(func() {
		close(c.done)
		if c.cancel != nil {
			c.cancel()
		}
		c.wg.Wait()

		c.mu.Lock()
		c.stopped = true
		c.registry.Clear()
		for _, id := range c.fusion.StopAll() {
			c.stopRangingLocked(id, false)
			c.emitLocked(domain.Event{Kind: domain.EventRangingStopped, Peer: id, At: c.now()})
		}
		c.boops.Clear()
		c.peers = make(map[domain.PeerID]*peerState)
		c.mu.Unlock()

		c.flush()
		metrics.PeersVisible.Set(0)
		metrics.ConnectionsActive.Set(0)
		metrics.RangingSessions.Set(0)
		metrics.BoopQueueDepth.Set(0)
		log.Printf("[session] stopped")
	})
}

// Running reports whether Start succeeded and Stop has not been called.
func (c *Coordinator) Running() bool {
	select {
	case <-c.done:
		return false
	default:
		return c.started.Load()
	}
}

// LastSweep returns when the staleness sweeper last ran.
func (c *Coordinator) LastSweep() time.Time {
	return time.Unix(0, c.lastSweep.Load())
}

func (c *Coordinator) inputLoop(ctx context.Context) {
	defer c.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case in := <-c.inputs:
			c.HandleInput(in)
		}
	}
}

func (c *Coordinator) sweepLoop(ctx context.Context) {
	defer c.wg.Done()
	ticker := time.NewTicker(c.registry.Config().SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.Sweep()
		}
	}
}

func (c *Coordinator) boopLoop(ctx context.Context) {
	defer c.wg.Done()
	ticker := time.NewTicker(c.cfg.BoopInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.ProcessBoops()
		}
	}
}

// Submit hands an input to the input loop. It blocks while the buffer is
// full and returns immediately once the coordinator is stopped. It is the
// sink passed to the transport.
func (c *Coordinator) Submit(in domain.Input) {
	select {
	case c.inputs <- in:
	case <-c.done:
	}
}

// ─── Events ─────────────────────────────────────────────────────────────────

// Subscribe registers fn for every host event. Events for one peer are
// delivered in mutation order; fn may call back into the coordinator.
// The returned function unsubscribes.
func (c *Coordinator) Subscribe(fn func(domain.Event)) (unsubscribe func()) {
	c.subMu.Lock()
	id := c.nextSub
	c.nextSub++
	c.subs[id] = fn
	c.subMu.Unlock()

	return func() {
		c.subMu.Lock()
		delete(c.subs, id)
		c.subMu.Unlock()
	}
}

// emitLocked queues an event. c.mu must be held.
func (c *Coordinator) emitLocked(e domain.Event) {
	if e.At.IsZero() {
		e.At = c.now()
	}
	c.effects = append(c.effects, effect{event: &e})
}

// callLocked queues a collaborator call. c.mu must be held.
func (c *Coordinator) callLocked(fn func()) {
	c.effects = append(c.effects, effect{call: fn})
}

// flush runs queued effects in order. Only one goroutine drains at a time;
// a nested or concurrent flush returns and leaves its effects to the
// active drainer.
func (c *Coordinator) flush() {
	for {
		if !c.flushing.CompareAndSwap(false, true) {
			return
		}
		for {
			c.mu.Lock()
			batch := c.effects
			c.effects = nil
			c.mu.Unlock()
			if len(batch) == 0 {
				break
			}
			for _, ef := range batch {
				if ef.call != nil {
					ef.call()
					continue
				}
				c.deliver(*ef.event)
			}
		}
		c.flushing.Store(false)

		c.mu.Lock()
		pending := len(c.effects) > 0
		c.mu.Unlock()
		if !pending {
			return
		}
	}
}

func (c *Coordinator) deliver(e domain.Event) {
	c.subMu.RLock()
	subs := make([]func(domain.Event), 0, len(c.subs))
	for _, fn := range c.subs {
		subs = append(subs, fn)
	}
	c.subMu.RUnlock()

	for _, fn := range subs {
		fn(e)
	}
}

// ─── Per-peer state ─────────────────────────────────────────────────────────

func (c *Coordinator) stateLocked(id domain.PeerID) *peerState {
	st, ok := c.peers[id]
	if !ok {
		st = &peerState{}
		c.peers[id] = st
	}
	return st
}

// handleLocked returns the transport handle for id, preferring the
// registry entry.
func (c *Coordinator) handleLocked(id domain.PeerID) (domain.TransportHandle, bool) {
	if p, ok := c.registry.Lookup(id); ok && p.Handle != nil {
		return p.Handle, true
	}
	if st, ok := c.peers[id]; ok && st.handle != nil {
		return st.handle, true
	}
	return nil, false
}

// setConnLocked transitions id and emits the matching event when the state
// actually changes.
func (c *Coordinator) setConnLocked(id domain.PeerID, next domain.ConnectionState) {
	st := c.stateLocked(id)
	prev := st.conn
	if prev == next {
		return
	}
	st.conn = next

	if prev.State == domain.StateConnected {
		metrics.ConnectionsActive.Dec()
	}
	switch next.State {
	case domain.StateConnected:
		metrics.ConnectionsActive.Inc()
		c.emitLocked(domain.Event{Kind: domain.EventConnected, Peer: id})
	case domain.StateDisconnected:
		st.tokenSent = false
		if prev.State == domain.StateConnected || prev.State == domain.StateConnecting {
			c.emitLocked(domain.Event{Kind: domain.EventDisconnected, Peer: id})
		}
	case domain.StateFailed:
		c.emitLocked(domain.Event{Kind: domain.EventConnectFailed, Peer: id, Reason: next.Reason})
	}
}

// stopRangingLocked ends the ranging session for id, if any. When
// fusionToo is false the fusion session has already been removed.
func (c *Coordinator) stopRangingLocked(id domain.PeerID, fusionToo bool) bool {
	if fusionToo && !c.fusion.SessionStop(id) {
		return false
	}
	if c.ranger != nil {
		ranger := c.ranger
		c.callLocked(func() { ranger.StopRanging(id) })
	}
	metrics.RangingSessions.Set(float64(len(c.fusion.Sessions())))
	if st, ok := c.peers[id]; ok {
		st.tier = domain.TierNone
		st.touching = false
	}
	return true
}

// dropPeerLocked forgets a peer that left discovery. A connected peer keeps
// its connection record until the transport reports the disconnect.
func (c *Coordinator) dropPeerLocked(id domain.PeerID) {
	if c.stopRangingLocked(id, true) {
		c.emitLocked(domain.Event{Kind: domain.EventRangingStopped, Peer: id})
	}
	c.boops.Remove(id)
	if st, ok := c.peers[id]; ok && !st.conn.IsConnected() {
		delete(c.peers, id)
	}
}
