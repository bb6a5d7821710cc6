package loopback

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/boop-network/boop/internal/domain"
)

type collector chan domain.Input

func (c collector) sink(in domain.Input) { c <- in }

// next waits for the next input of kind, skipping others.
func (c collector) next(t *testing.T, kind domain.InputKind) domain.Input {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case in := <-c:
			if in.Kind == kind {
				return in
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s", kind)
		}
	}
}

func slowOptions() Options {
	// Long intervals so tests drive advertising and ranging by hand.
	return Options{AdvertiseInterval: time.Hour, RangingInterval: time.Hour, Ranging: true}
}

func startNode(t *testing.T, m *Medium) (*Node, collector) {
	t.Helper()
	n := m.Join(domain.NewPeerID())
	c := make(collector, 64)
	if err := n.Start(context.Background(), c.sink); err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	t.Cleanup(func() { n.Close() })
	return n, c
}

func TestMedium_Sighting(t *testing.T) {
	m := NewMedium(slowOptions())
	a, _ := startNode(t, m)
	_, cb := startNode(t, m)

	a.AdvertiseNow()
	in := cb.next(t, domain.InputSighting)
	if in.Peer != a.ID() || in.Handle != a.ID().String() {
		t.Errorf("sighting = %+v", in)
	}
}

func TestMedium_ConnectSendDisconnect(t *testing.T) {
	m := NewMedium(slowOptions())
	a, ca := startNode(t, m)
	b, cb := startNode(t, m)

	// Send before connect fails asynchronously.
	a.Send(b.ID(), nil, []byte("x"))
	if in := ca.next(t, domain.InputSendFailed); !errors.Is(in.Err, domain.ErrNotConnected) {
		t.Errorf("SendFailed err = %v", in.Err)
	}

	a.Connect(b.ID(), nil)
	if in := ca.next(t, domain.InputConnected); in.Peer != b.ID() {
		t.Errorf("a connected to %s", in.Peer.Short())
	}
	if in := cb.next(t, domain.InputConnected); in.Peer != a.ID() {
		t.Errorf("b connected to %s", in.Peer.Short())
	}
	if !m.Connected(a.ID(), b.ID()) {
		t.Fatal("link should exist")
	}

	a.Send(b.ID(), nil, []byte("frame"))
	if in := cb.next(t, domain.InputData); string(in.Data) != "frame" || in.Peer != a.ID() {
		t.Errorf("data = %+v", in)
	}

	b.Disconnect(a.ID(), nil)
	ca.next(t, domain.InputDisconnected)
	cb.next(t, domain.InputDisconnected)
	if m.Connected(a.ID(), b.ID()) {
		t.Error("link should be gone")
	}
}

func TestMedium_ConnectUnknown(t *testing.T) {
	m := NewMedium(slowOptions())
	a, ca := startNode(t, m)
	a.Connect(domain.NewPeerID(), nil)
	if in := ca.next(t, domain.InputConnectFailed); !errors.Is(in.Err, domain.ErrPeerNotFound) {
		t.Errorf("err = %v", in.Err)
	}
}

func TestMedium_CloseDropsLinks(t *testing.T) {
	m := NewMedium(slowOptions())
	a, _ := startNode(t, m)
	b, cb := startNode(t, m)
	a.Connect(b.ID(), nil)
	cb.next(t, domain.InputConnected)

	a.Close()
	a.Close()
	if in := cb.next(t, domain.InputDisconnected); in.Peer != a.ID() {
		t.Errorf("disconnect from %s", in.Peer.Short())
	}
	if len(m.Nodes()) != 1 {
		t.Errorf("Nodes() = %d, want 1", len(m.Nodes()))
	}
}

func TestMedium_Ranging(t *testing.T) {
	m := NewMedium(slowOptions())
	a, ca := startNode(t, m)
	b, _ := startNode(t, m)
	m.SetPosition(a.ID(), domain.Vector3{})
	m.SetPosition(b.ID(), domain.Vector3{X: 0.05})

	if err := a.StartRanging(b.ID(), []byte("wrong")); err == nil {
		t.Error("StartRanging() should reject a foreign token")
	}
	if err := a.StartRanging(b.ID(), b.CurrentToken()); err != nil {
		t.Fatalf("StartRanging() error: %v", err)
	}
	a.MeasureNow()
	in := ca.next(t, domain.InputRangingSample)
	if in.Peer != b.ID() || in.Sample.Direction == nil {
		t.Fatalf("sample = %+v", in)
	}
	if d := in.Sample.Distance; d < 0.049 || d > 0.051 {
		t.Errorf("distance = %v, want 0.05", d)
	}
	if in.Sample.Direction.HorizontalAngle() != 0 {
		t.Errorf("direction = %+v, want +X", *in.Sample.Direction)
	}

	a.StopRanging(b.ID())
	if a.RangingWith(b.ID()) {
		t.Error("StopRanging() should end sampling")
	}
}

func TestMedium_RangingDisabled(t *testing.T) {
	opts := slowOptions()
	opts.Ranging = false
	m := NewMedium(opts)
	a, _ := startNode(t, m)
	if a.Available() || a.CurrentToken() != nil {
		t.Error("ranging should be unavailable")
	}
	if err := a.StartRanging(domain.NewPeerID(), nil); !errors.Is(err, domain.ErrRangingUnavailable) {
		t.Errorf("err = %v", err)
	}
}

func TestNode_StartTwice(t *testing.T) {
	m := NewMedium(slowOptions())
	a, _ := startNode(t, m)
	if err := a.Start(context.Background(), func(domain.Input) {}); err == nil {
		t.Error("second Start() should fail")
	}
}

func TestNode_FullInboxKeepsLifecycle(t *testing.T) {
	opts := slowOptions()
	opts.InboxSize = 1
	m := NewMedium(opts)
	n := m.Join(domain.NewPeerID())
	peer := domain.NewPeerID()

	// Nothing drains the inbox until Start, so it fills after one input.
	n.deliver(domain.Input{Kind: domain.InputSighting, Peer: peer})
	n.deliver(domain.Input{Kind: domain.InputSighting, Peer: peer})
	n.deliver(domain.Input{Kind: domain.InputConnected, Peer: peer})
	n.deliver(domain.Input{Kind: domain.InputRangingSample, Peer: peer})
	n.deliver(domain.Input{Kind: domain.InputDisconnected, Peer: peer})

	c := make(collector, 8)
	if err := n.Start(context.Background(), c.sink); err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	t.Cleanup(func() { n.Close() })

	want := []domain.InputKind{domain.InputSighting, domain.InputConnected, domain.InputDisconnected}
	for i, kind := range want {
		select {
		case in := <-c:
			if in.Kind != kind {
				t.Fatalf("input %d = %s, want %s", i, in.Kind, kind)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for %s", kind)
		}
	}
	select {
	case in := <-c:
		t.Errorf("unexpected input %s", in.Kind)
	case <-time.After(50 * time.Millisecond):
	}
}
