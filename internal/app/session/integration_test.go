package session

import (
	"context"
	"testing"
	"time"

	"github.com/boop-network/boop/internal/domain"
	"github.com/boop-network/boop/internal/infra/loopback"
	"github.com/boop-network/boop/internal/infra/wire"
)

func startOnMedium(t *testing.T, m *loopback.Medium, pos domain.Vector3) (*Coordinator, chan domain.Event) {
	t.Helper()
	id := domain.NewPeerID()
	node := m.Join(id)
	m.SetPosition(id, pos)

	cfg := DefaultConfig()
	cfg.BoopInterval = 20 * time.Millisecond
	c := New(id, cfg, node, node)
	events := make(chan domain.Event, 256)
	c.Subscribe(func(e domain.Event) {
		select {
		case events <- e:
		default:
		}
	})
	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	t.Cleanup(func() {
		c.Stop()
		node.Close()
	})
	return c, events
}

func waitFor(t *testing.T, events chan domain.Event, kind domain.EventKind, peer domain.PeerID) domain.Event {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case e := <-events:
			if e.Kind == kind && e.Peer == peer {
				return e
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s from %s", kind, peer.Short())
		}
	}
}

func TestIntegration_TouchToBoop(t *testing.T) {
	m := loopback.NewMedium(loopback.Options{
		AdvertiseInterval: 20 * time.Millisecond,
		RangingInterval:   20 * time.Millisecond,
		Ranging:           true,
	})
	a, aEvents := startOnMedium(t, m, domain.Vector3{})
	b, bEvents := startOnMedium(t, m, domain.Vector3{X: 0.05})

	waitFor(t, aEvents, domain.EventPeerDiscovered, b.Self())
	if err := a.RequestConnect(b.Self()); err != nil {
		t.Fatalf("RequestConnect() error: %v", err)
	}
	waitFor(t, aEvents, domain.EventConnected, b.Self())
	waitFor(t, aEvents, domain.EventRangingStarted, b.Self())

	// b sits 5cm straight ahead of a, so a's proximity reaches touching and
	// the boop queue fires on its own.
	waitFor(t, aEvents, domain.EventBoopSent, b.Self())
	waitFor(t, bEvents, domain.EventBoopReceived, a.Self())
}

func TestIntegration_RequestAcceptDisconnect(t *testing.T) {
	m := loopback.NewMedium(loopback.Options{
		AdvertiseInterval: 20 * time.Millisecond,
		RangingInterval:   time.Hour,
		Ranging:           false,
	})
	a, aEvents := startOnMedium(t, m, domain.Vector3{})
	b, bEvents := startOnMedium(t, m, domain.Vector3{X: 3})

	waitFor(t, aEvents, domain.EventPeerDiscovered, b.Self())
	waitFor(t, bEvents, domain.EventPeerDiscovered, a.Self())

	a.RequestConnect(b.Self())
	waitFor(t, aEvents, domain.EventConnected, b.Self())

	if err := a.SendMessage(b.Self(), wire.ConnectionRequest, nil); err != nil {
		t.Fatalf("SendMessage() error: %v", err)
	}
	waitFor(t, bEvents, domain.EventConnectionRequestReceived, a.Self())
	if err := b.AcceptRequest(a.Self()); err != nil {
		t.Fatalf("AcceptRequest() error: %v", err)
	}
	if e := waitFor(t, aEvents, domain.EventConnectionResponseReceived, b.Self()); !e.Accepted {
		t.Error("response should be an accept")
	}

	if err := a.Disconnect(b.Self()); err != nil {
		t.Fatalf("Disconnect() error: %v", err)
	}
	waitFor(t, bEvents, domain.EventDisconnected, a.Self())
}
