package session

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/boop-network/boop/internal/domain"
	"github.com/boop-network/boop/internal/infra/wire"
)

// ─── Fakes ──────────────────────────────────────────────────────────────────

type call struct {
	op     string
	peer   domain.PeerID
	handle domain.TransportHandle
	data   []byte
}

type fakeTransport struct {
	mu       sync.Mutex
	calls    []call
	sink     domain.InputSink
	startErr error
	closed   bool
}

func (f *fakeTransport) record(c call) {
	f.mu.Lock()
	f.calls = append(f.calls, c)
	f.mu.Unlock()
}

func (f *fakeTransport) Start(_ context.Context, sink domain.InputSink) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.startErr != nil {
		return f.startErr
	}
	f.sink = sink
	return nil
}

func (f *fakeTransport) Connect(id domain.PeerID, h domain.TransportHandle) {
	f.record(call{op: "connect", peer: id, handle: h})
}

func (f *fakeTransport) Send(id domain.PeerID, h domain.TransportHandle, frame []byte) {
	f.record(call{op: "send", peer: id, handle: h, data: frame})
}

func (f *fakeTransport) ExchangeToken(id domain.PeerID, h domain.TransportHandle, token []byte) {
	f.record(call{op: "token", peer: id, handle: h, data: token})
}

func (f *fakeTransport) Disconnect(id domain.PeerID, h domain.TransportHandle) {
	f.record(call{op: "disconnect", peer: id, handle: h})
}

func (f *fakeTransport) Close() error {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
	return nil
}

func (f *fakeTransport) ops(op string) []call {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []call
	for _, c := range f.calls {
		if c.op == op {
			out = append(out, c)
		}
	}
	return out
}

// sent decodes every frame sent to peer.
func (f *fakeTransport) sent(t *testing.T, peer domain.PeerID) []wire.Message {
	t.Helper()
	var out []wire.Message
	for _, c := range f.ops("send") {
		if c.peer != peer {
			continue
		}
		m, err := wire.Decode(c.data)
		if err != nil {
			t.Fatalf("sent frame does not decode: %v", err)
		}
		out = append(out, m)
	}
	return out
}

type fakeRanger struct {
	mu        sync.Mutex
	available bool
	token     []byte
	startErr  error
	started   map[domain.PeerID]int
	stopped   map[domain.PeerID]int
}

func newFakeRanger() *fakeRanger {
	return &fakeRanger{
		available: true,
		token:     []byte("local-token"),
		started:   make(map[domain.PeerID]int),
		stopped:   make(map[domain.PeerID]int),
	}
}

func (r *fakeRanger) Available() bool      { return r.available }
func (r *fakeRanger) CurrentToken() []byte { return r.token }

func (r *fakeRanger) StartRanging(id domain.PeerID, _ []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.startErr != nil {
		return r.startErr
	}
	r.started[id]++
	return nil
}

func (r *fakeRanger) StopRanging(id domain.PeerID) {
	r.mu.Lock()
	r.stopped[id]++
	r.mu.Unlock()
}

func (r *fakeRanger) startCount(id domain.PeerID) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.started[id]
}

func (r *fakeRanger) stopCount(id domain.PeerID) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stopped[id]
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type eventLog struct {
	mu     sync.Mutex
	events []domain.Event
}

func (l *eventLog) add(e domain.Event) {
	l.mu.Lock()
	l.events = append(l.events, e)
	l.mu.Unlock()
}

func (l *eventLog) kinds(peer domain.PeerID) []domain.EventKind {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []domain.EventKind
	for _, e := range l.events {
		if e.Peer == peer {
			out = append(out, e.Kind)
		}
	}
	return out
}

func (l *eventLog) count(kind domain.EventKind, peer domain.PeerID) int {
	n := 0
	for _, k := range l.kinds(peer) {
		if k == kind {
			n++
		}
	}
	return n
}

func (l *eventLog) last(kind domain.EventKind) (domain.Event, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for i := len(l.events) - 1; i >= 0; i-- {
		if l.events[i].Kind == kind {
			return l.events[i], true
		}
	}
	return domain.Event{}, false
}

// ─── Harness ────────────────────────────────────────────────────────────────

type harness struct {
	c      *Coordinator
	tr     *fakeTransport
	ranger *fakeRanger
	clock  *fakeClock
	events *eventLog
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.Retry.BaseDelay = time.Second
	cfg.Retry.MaxDelay = 4 * time.Second
	return cfg
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	return newHarnessWith(t, testConfig(), newFakeRanger())
}

func newHarnessWith(t *testing.T, cfg Config, ranger *fakeRanger) *harness {
	t.Helper()
	h := &harness{
		tr:     &fakeTransport{},
		ranger: ranger,
		clock:  &fakeClock{now: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)},
		events: &eventLog{},
	}
	var r domain.Ranging
	if ranger != nil {
		r = ranger
	}
	h.c = New(domain.NewPeerID(), cfg, h.tr, r)
	h.c.now = h.clock.Now
	h.c.Subscribe(h.events.add)
	t.Cleanup(h.c.Stop)
	return h
}

// discover makes a peer visible with handle "h-<short id>".
func (h *harness) discover(id domain.PeerID) {
	h.c.HandleInput(domain.Input{Kind: domain.InputSighting, Peer: id, Handle: "h-" + id.Short(), RSSI: -40})
}

func (h *harness) connect(id domain.PeerID) {
	h.c.HandleInput(domain.Input{Kind: domain.InputConnected, Peer: id})
}

func (h *harness) deliver(t *testing.T, from domain.PeerID, typ wire.MessageType) {
	t.Helper()
	frame, err := wire.Encode(wire.Message{SenderID: from, Type: typ})
	if err != nil {
		t.Fatalf("Encode() error: %v", err)
	}
	h.c.HandleInput(domain.Input{Kind: domain.InputData, Peer: from, Data: frame})
}

func (h *harness) sample(id domain.PeerID, distance float64, dir *domain.Vector3) {
	h.c.HandleInput(domain.Input{
		Kind:   domain.InputRangingSample,
		Peer:   id,
		Sample: domain.RangingSample{Peer: id, Distance: distance, Direction: dir},
	})
}
