package session

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/boop-network/boop/internal/domain"
	"github.com/boop-network/boop/internal/infra/wire"
)

// ─── Connection State ───────────────────────────────────────────────────────

func TestRequestConnect_UnknownPeer(t *testing.T) {
	h := newHarness(t)
	err := h.c.RequestConnect(domain.NewPeerID())
	if !errors.Is(err, domain.ErrPeerNotFound) {
		t.Fatalf("err = %v, want ErrPeerNotFound", err)
	}
	if n := len(h.tr.ops("connect")); n != 0 {
		t.Errorf("transport connect called %d times", n)
	}
}

func TestRequestConnect_Lifecycle(t *testing.T) {
	h := newHarness(t)
	p := domain.NewPeerID()
	h.discover(p)

	if err := h.c.RequestConnect(p); err != nil {
		t.Fatalf("RequestConnect() error: %v", err)
	}
	if got := h.c.State(p).State; got != domain.StateConnecting {
		t.Fatalf("state = %s, want connecting", got)
	}
	calls := h.tr.ops("connect")
	if len(calls) != 1 || calls[0].handle != "h-"+p.Short() {
		t.Fatalf("connect calls = %+v", calls)
	}

	// Already connecting: no second transport call.
	h.c.RequestConnect(p)
	if n := len(h.tr.ops("connect")); n != 1 {
		t.Errorf("connect calls = %d, want 1", n)
	}

	h.connect(p)
	if !h.c.State(p).IsConnected() {
		t.Errorf("state = %s, want connected", h.c.State(p))
	}

	h.c.HandleInput(domain.Input{Kind: domain.InputDisconnected, Peer: p})
	if got := h.c.State(p).State; got != domain.StateDisconnected {
		t.Errorf("state = %s, want disconnected", got)
	}

	want := []domain.EventKind{domain.EventPeerDiscovered, domain.EventConnected, domain.EventDisconnected}
	got := h.events.kinds(p)
	// token exchange is not an event; ranging starts only on the remote token
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("events mismatch (-want +got):\n%s", diff)
	}
}

func TestConnectFailed_ThenReconnect(t *testing.T) {
	h := newHarness(t)
	p := domain.NewPeerID()
	h.discover(p)
	h.c.RequestConnect(p)
	h.c.HandleInput(domain.Input{Kind: domain.InputConnectFailed, Peer: p, Err: errors.New("timeout")})

	st := h.c.State(p)
	if st.State != domain.StateFailed || st.Reason != "timeout" {
		t.Fatalf("state = %s, want failed(timeout)", st)
	}
	if e, ok := h.events.last(domain.EventConnectFailed); !ok || e.Reason != "timeout" {
		t.Errorf("ConnectFailed event = %+v, %v", e, ok)
	}

	if err := h.c.RequestConnect(p); err != nil {
		t.Fatalf("RequestConnect() after failure: %v", err)
	}
	if got := h.c.State(p).State; got != domain.StateConnecting {
		t.Errorf("state = %s, want connecting", got)
	}
}

func TestSendFailed_Surfaced(t *testing.T) {
	h := newHarness(t)
	p := domain.NewPeerID()
	h.c.HandleInput(domain.Input{Kind: domain.InputSendFailed, Peer: p, Err: errors.New("link lost")})
	e, ok := h.events.last(domain.EventSendFailed)
	if !ok || e.Reason != "link lost" {
		t.Errorf("SendFailed event = %+v, %v", e, ok)
	}
}

// ─── Inbound Messages ───────────────────────────────────────────────────────

func TestInbound_ConnectionRequestAndAccept(t *testing.T) {
	h := newHarness(t)
	p := domain.NewPeerID()
	h.discover(p)
	h.deliver(t, p, wire.ConnectionRequest)

	if h.events.count(domain.EventConnectionRequestReceived, p) != 1 {
		t.Fatal("ConnectionRequestReceived not emitted")
	}
	if got := h.c.State(p).State; got != domain.StateDisconnected {
		t.Errorf("request must not change state, got %s", got)
	}
	v, _ := h.c.Peer(p)
	if !v.PendingRequest {
		t.Error("PendingRequest should be set")
	}

	if err := h.c.AcceptRequest(p); err != nil {
		t.Fatalf("AcceptRequest() error: %v", err)
	}
	msgs := h.tr.sent(t, p)
	if len(msgs) != 1 || msgs[0].Type != wire.ConnectionAccept || msgs[0].SenderID != h.c.Self() {
		t.Fatalf("sent = %+v", msgs)
	}
	v, _ = h.c.Peer(p)
	if v.PendingRequest {
		t.Error("PendingRequest should clear after accept")
	}
}

func TestRejectRequest_UnknownPeer(t *testing.T) {
	h := newHarness(t)
	if err := h.c.RejectRequest(domain.NewPeerID()); !errors.Is(err, domain.ErrPeerNotFound) {
		t.Errorf("err = %v, want ErrPeerNotFound", err)
	}
}

func TestInbound_Responses(t *testing.T) {
	h := newHarness(t)
	p := domain.NewPeerID()
	h.discover(p)

	h.deliver(t, p, wire.ConnectionAccept)
	e, _ := h.events.last(domain.EventConnectionResponseReceived)
	if !e.Accepted {
		t.Error("ConnectionAccept should surface Accepted=true")
	}
	h.deliver(t, p, wire.ConnectionReject)
	e, _ = h.events.last(domain.EventConnectionResponseReceived)
	if e.Accepted {
		t.Error("ConnectionReject should surface Accepted=false")
	}
	if got := h.c.State(p).State; got != domain.StateDisconnected {
		t.Errorf("responses must not change state, got %s", got)
	}
}

func TestInbound_Boop(t *testing.T) {
	h := newHarness(t)
	p := domain.NewPeerID()
	h.discover(p)
	h.deliver(t, p, wire.Boop)
	if h.events.count(domain.EventBoopReceived, p) != 1 {
		t.Error("BoopReceived not emitted")
	}
}

func TestInbound_DisconnectTearsDown(t *testing.T) {
	h := newHarness(t)
	p := domain.NewPeerID()
	h.discover(p)
	h.connect(p)
	h.c.HandleInput(domain.Input{Kind: domain.InputToken, Peer: p, Data: []byte("remote")})
	if !h.c.Fusion().HasSession(p) {
		t.Fatal("ranging session should be active")
	}

	h.deliver(t, p, wire.Disconnect)

	if n := len(h.tr.ops("disconnect")); n != 1 {
		t.Errorf("transport disconnect calls = %d, want 1", n)
	}
	if h.c.Fusion().HasSession(p) {
		t.Error("ranging session should be torn down")
	}
	if h.ranger.stopCount(p) != 1 {
		t.Errorf("StopRanging calls = %d, want 1", h.ranger.stopCount(p))
	}
	if h.events.count(domain.EventRangingStopped, p) != 1 || h.events.count(domain.EventDisconnected, p) != 1 {
		t.Errorf("events = %v", h.events.kinds(p))
	}

	// The transport's own disconnect callback must not double-report.
	h.c.HandleInput(domain.Input{Kind: domain.InputDisconnected, Peer: p})
	if h.events.count(domain.EventDisconnected, p) != 1 {
		t.Error("Disconnected emitted twice")
	}
}

func TestInbound_MalformedDropped(t *testing.T) {
	h := newHarness(t)
	p := domain.NewPeerID()
	h.discover(p)
	before := len(h.events.kinds(p))

	bad := [][]byte{
		{0x01, 0x02},
		append(p[:], 0x04, 0x00, 0x00),
		append(p[:], 0x06, 0x00, 0x0A, 1, 2, 3, 4, 5),
	}
	for _, b := range bad {
		h.c.HandleInput(domain.Input{Kind: domain.InputData, Peer: p, Data: b})
	}
	if got := len(h.events.kinds(p)); got != before {
		t.Errorf("malformed frames produced events: %v", h.events.kinds(p))
	}
}

func TestInbound_SenderMismatchDropped(t *testing.T) {
	h := newHarness(t)
	link, claimed := domain.NewPeerID(), domain.NewPeerID()
	frame, _ := wire.Encode(wire.Message{SenderID: claimed, Type: wire.Boop})
	h.c.HandleInput(domain.Input{Kind: domain.InputData, Peer: link, Data: frame})
	if _, ok := h.events.last(domain.EventBoopReceived); ok {
		t.Error("frame with mismatched sender should be dropped")
	}
}

func TestInbound_UndiscoveredSenderNotTracked(t *testing.T) {
	h := newHarness(t)
	for i := 0; i < 10; i++ {
		from := domain.NewPeerID()
		frame, _ := wire.Encode(wire.Message{SenderID: from, Type: wire.ConnectionRequest})
		h.c.HandleInput(domain.Input{Kind: domain.InputData, Data: frame})
		if h.events.count(domain.EventConnectionRequestReceived, from) != 1 {
			t.Fatal("request from undiscovered sender should still surface")
		}
	}
	h.c.mu.Lock()
	n := len(h.c.peers)
	h.c.mu.Unlock()
	if n != 0 {
		t.Errorf("tracked %d peers, want 0", n)
	}
}

// ─── Ranging ────────────────────────────────────────────────────────────────

func TestTokenExchange_Idempotent(t *testing.T) {
	h := newHarness(t)
	p := domain.NewPeerID()
	h.discover(p)
	h.connect(p)

	tokens := h.tr.ops("token")
	if len(tokens) != 1 || string(tokens[0].data) != "local-token" {
		t.Fatalf("token calls = %+v", tokens)
	}

	for i := 0; i < 3; i++ {
		h.c.HandleInput(domain.Input{Kind: domain.InputToken, Peer: p, Data: []byte("remote")})
	}
	if got := h.ranger.startCount(p); got != 1 {
		t.Errorf("StartRanging calls = %d, want 1", got)
	}
	if got := h.events.count(domain.EventRangingStarted, p); got != 1 {
		t.Errorf("RangingStarted = %d, want 1", got)
	}
	if n := len(h.tr.ops("token")); n != 1 {
		t.Errorf("local token sent %d times, want 1", n)
	}
}

func TestTokenExchange_RemoteFirstGetsReply(t *testing.T) {
	h := newHarness(t)
	p := domain.NewPeerID()
	h.discover(p)
	h.c.HandleInput(domain.Input{Kind: domain.InputToken, Peer: p, Data: []byte("remote")})

	if n := len(h.tr.ops("token")); n != 1 {
		t.Errorf("local token replies = %d, want 1", n)
	}
	if !h.c.Fusion().HasSession(p) {
		t.Error("session should start on the remote token")
	}
}

func TestTokenExchange_StartFailureClosesSession(t *testing.T) {
	r := newFakeRanger()
	r.startErr = errors.New("busy")
	h := newHarnessWith(t, testConfig(), r)
	p := domain.NewPeerID()
	h.discover(p)
	h.c.HandleInput(domain.Input{Kind: domain.InputToken, Peer: p, Data: []byte("remote")})

	if h.c.Fusion().HasSession(p) {
		t.Error("session should close when the hardware refuses")
	}
	want := []domain.EventKind{domain.EventPeerDiscovered, domain.EventRangingStarted, domain.EventRangingStopped}
	if diff := cmp.Diff(want, h.events.kinds(p)); diff != "" {
		t.Errorf("events mismatch (-want +got):\n%s", diff)
	}
}

func TestRangingUnavailable_Degrades(t *testing.T) {
	h := newHarnessWith(t, testConfig(), nil)
	p := domain.NewPeerID()
	h.discover(p)
	h.connect(p)
	h.c.HandleInput(domain.Input{Kind: domain.InputToken, Peer: p, Data: []byte("remote")})
	h.sample(p, 0.01, nil)

	if n := len(h.tr.ops("token")); n != 0 {
		t.Errorf("token sent without ranging: %d", n)
	}
	if h.c.Fusion().IsApproximatelyTouching(p) || h.c.Fusion().IsNearby(p) {
		t.Error("unavailable ranging must classify nothing as near")
	}
	// Messaging still works.
	h.deliver(t, p, wire.Boop)
	if h.events.count(domain.EventBoopReceived, p) != 1 {
		t.Error("messaging should work without ranging")
	}
}

func TestProximityChanged(t *testing.T) {
	h := newHarness(t)
	p := domain.NewPeerID()
	h.discover(p)

	h.sample(p, 0.3, &domain.Vector3{X: 1})
	h.sample(p, 0.3, &domain.Vector3{X: 1})
	h.sample(p, 0.05, &domain.Vector3{X: 1})
	h.sample(p, 0.9, nil)

	var tiers []domain.ProximityTier
	for _, e := range h.events.events {
		if e.Kind == domain.EventProximityChanged {
			tiers = append(tiers, e.Tier)
		}
	}
	want := []domain.ProximityTier{domain.TierPointingAt, domain.TierTouching, domain.TierNone}
	if diff := cmp.Diff(want, tiers); diff != "" {
		t.Errorf("tiers mismatch (-want +got):\n%s", diff)
	}
}

// ─── Sweep ──────────────────────────────────────────────────────────────────

func TestSweep_RemovesStaleAndStopsRanging(t *testing.T) {
	h := newHarness(t)
	p := domain.NewPeerID()
	h.discover(p)
	h.c.HandleInput(domain.Input{Kind: domain.InputToken, Peer: p, Data: []byte("remote")})
	h.c.Boop(p)

	h.clock.Advance(3 * time.Second)
	if removed := h.c.Sweep(); len(removed) != 0 {
		t.Fatalf("sweep at 3s removed %v", removed)
	}
	h.clock.Advance(3 * time.Second)
	removed := h.c.Sweep()
	if len(removed) != 1 || removed[0] != p {
		t.Fatalf("sweep at 6s removed %v", removed)
	}
	if h.c.Fusion().HasSession(p) || h.ranger.stopCount(p) != 1 {
		t.Error("ranging should stop for a removed peer")
	}
	if len(h.c.BoopQueue()) != 0 {
		t.Error("removed peer should leave the boop queue")
	}
	if h.events.count(domain.EventPeerRemoved, p) != 1 {
		t.Error("PeerRemoved not emitted")
	}
	if len(h.c.Sweep()) != 0 {
		t.Error("second sweep should be a no-op")
	}
}

func TestSighting_SelfIgnored(t *testing.T) {
	h := newHarness(t)
	h.discover(h.c.Self())
	if h.c.Registry().Len() != 0 {
		t.Error("own advertisement must not be registered")
	}
}

// ─── Events ─────────────────────────────────────────────────────────────────

func TestEvents_OrderPerPeer(t *testing.T) {
	h := newHarness(t)
	p := domain.NewPeerID()
	h.discover(p)
	h.c.RequestConnect(p)
	h.connect(p)
	h.deliver(t, p, wire.Boop)
	h.c.HandleInput(domain.Input{Kind: domain.InputDisconnected, Peer: p})
	h.clock.Advance(10 * time.Second)
	h.c.Sweep()

	want := []domain.EventKind{
		domain.EventPeerDiscovered,
		domain.EventConnected,
		domain.EventBoopReceived,
		domain.EventDisconnected,
		domain.EventPeerRemoved,
	}
	if diff := cmp.Diff(want, h.events.kinds(p)); diff != "" {
		t.Errorf("event order mismatch (-want +got):\n%s", diff)
	}
}

func TestEvents_ReentrantSubscriber(t *testing.T) {
	h := newHarness(t)
	h.c.Subscribe(func(e domain.Event) {
		if e.Kind == domain.EventConnectionRequestReceived {
			if err := h.c.AcceptRequest(e.Peer); err != nil {
				t.Errorf("AcceptRequest() from subscriber: %v", err)
			}
		}
	})
	p := domain.NewPeerID()
	h.discover(p)
	h.deliver(t, p, wire.ConnectionRequest)

	msgs := h.tr.sent(t, p)
	if len(msgs) != 1 || msgs[0].Type != wire.ConnectionAccept {
		t.Errorf("sent = %+v, want one ConnectionAccept", msgs)
	}
}

func TestEvents_Unsubscribe(t *testing.T) {
	h := newHarness(t)
	n := 0
	unsub := h.c.Subscribe(func(domain.Event) { n++ })
	h.discover(domain.NewPeerID())
	unsub()
	h.discover(domain.NewPeerID())
	if n != 1 {
		t.Errorf("subscriber saw %d events, want 1", n)
	}
}

// ─── Lifecycle ──────────────────────────────────────────────────────────────

func TestStop_Idempotent(t *testing.T) {
	h := newHarness(t)
	a, b := domain.NewPeerID(), domain.NewPeerID()
	h.discover(a)
	h.discover(b)
	h.c.HandleInput(domain.Input{Kind: domain.InputToken, Peer: a, Data: []byte("ra")})

	h.c.Stop()
	h.c.Stop()

	if h.c.Registry().Len() != 0 {
		t.Error("Stop() should clear the registry")
	}
	if h.c.Fusion().HasSession(a) || h.ranger.stopCount(a) != 1 {
		t.Errorf("ranging teardown: session=%v stops=%d", h.c.Fusion().HasSession(a), h.ranger.stopCount(a))
	}
	if err := h.c.RequestConnect(a); !errors.Is(err, domain.ErrStopped) {
		t.Errorf("RequestConnect() after Stop = %v, want ErrStopped", err)
	}
	if err := h.c.Boop(a); !errors.Is(err, domain.ErrStopped) {
		t.Errorf("Boop() after Stop = %v, want ErrStopped", err)
	}
	h.discover(domain.NewPeerID())
	if h.c.Registry().Len() != 0 {
		t.Error("inputs after Stop() should be ignored")
	}
}

func TestStartStop_Async(t *testing.T) {
	h := newHarness(t)
	seen := make(chan domain.Event, 16)
	h.c.Subscribe(func(e domain.Event) { seen <- e })

	if err := h.c.Start(context.Background()); err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	if err := h.c.Start(context.Background()); !errors.Is(err, ErrAlreadyStarted) {
		t.Errorf("second Start() = %v, want ErrAlreadyStarted", err)
	}
	if !h.c.Running() {
		t.Error("Running() should be true")
	}

	p := domain.NewPeerID()
	h.tr.sink(domain.Input{Kind: domain.InputSighting, Peer: p, Handle: "h"})

	select {
	case e := <-seen:
		if e.Kind != domain.EventPeerDiscovered || e.Peer != p {
			t.Errorf("event = %+v", e)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for PeerDiscovered")
	}

	h.c.Stop()
	if h.c.Running() {
		t.Error("Running() should be false after Stop()")
	}
	// Submit after Stop must not block.
	h.c.Submit(domain.Input{Kind: domain.InputSighting, Peer: p})
}

func TestStart_TransportError(t *testing.T) {
	h := newHarness(t)
	h.tr.startErr = errors.New("radio off")
	if err := h.c.Start(context.Background()); err == nil {
		t.Fatal("Start() should fail when the transport does")
	}
	if h.c.Running() {
		t.Error("Running() should be false")
	}
}

func TestStatus(t *testing.T) {
	h := newHarness(t)
	p := domain.NewPeerID()
	h.discover(p)
	h.connect(p)
	h.c.Boop(p)

	st := h.c.Status()
	if st.Self != h.c.Self() || st.PeersVisible != 1 || st.Connected != 1 || st.BoopQueue != 1 || !st.RangingEnabled {
		t.Errorf("Status() = %+v", st)
	}
	if len(h.c.Peers()) != 1 {
		t.Errorf("Peers() = %d, want 1", len(h.c.Peers()))
	}
	if _, err := h.c.Peer(domain.NewPeerID()); !errors.Is(err, domain.ErrPeerNotFound) {
		t.Errorf("Peer(unknown) err = %v", err)
	}
}
