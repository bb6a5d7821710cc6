package sim

import (
	"context"
	"testing"
	"time"

	"github.com/boop-network/boop/internal/app/session"
	"github.com/boop-network/boop/internal/domain"
	"github.com/boop-network/boop/internal/infra/loopback"
	"github.com/boop-network/boop/internal/infra/wire"
)

func fastSwarm(t *testing.T) *Swarm {
	t.Helper()
	cfg := session.DefaultConfig()
	cfg.BoopInterval = 20 * time.Millisecond
	s := NewSwarm(loopback.Options{
		AdvertiseInterval: 20 * time.Millisecond,
		RangingInterval:   20 * time.Millisecond,
		Ranging:           true,
	}, cfg)
	t.Cleanup(s.Close)
	return s
}

func waitEvent(t *testing.T, events chan domain.Event, kind domain.EventKind, peer domain.PeerID) {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case e := <-events:
			if e.Kind == kind && e.Peer == peer {
				return
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s from %s", kind, peer.Short())
		}
	}
}

func TestSpawn(t *testing.T) {
	s := fastSwarm(t)
	peers, err := s.Spawn(context.Background(), 3, 1.0)
	if err != nil {
		t.Fatalf("Spawn() error: %v", err)
	}
	if len(peers) != 3 || len(s.Peers()) != 3 {
		t.Fatalf("got %d peers", len(s.Peers()))
	}
	for _, p := range peers {
		if !p.Coordinator.Running() {
			t.Errorf("peer %s not running", p.ID().Short())
		}
		pos := s.Medium.Position(p.ID())
		if d := pos.X*pos.X + pos.Y*pos.Y; d < 0.99 || d > 1.01 {
			t.Errorf("peer %s at %+v, want radius 1", p.ID().Short(), pos)
		}
	}
}

func TestAutoAccept(t *testing.T) {
	s := fastSwarm(t)
	me, err := s.Add(context.Background(), domain.NewPeerID(), domain.Vector3{})
	if err != nil {
		t.Fatal(err)
	}
	other, err := s.Add(context.Background(), domain.NewPeerID(), domain.Vector3{X: 2})
	if err != nil {
		t.Fatal(err)
	}

	events := make(chan domain.Event, 256)
	me.Coordinator.Subscribe(func(e domain.Event) {
		select {
		case events <- e:
		default:
		}
	})

	waitEvent(t, events, domain.EventPeerDiscovered, other.ID())
	if err := me.Coordinator.RequestConnect(other.ID()); err != nil {
		t.Fatal(err)
	}
	waitEvent(t, events, domain.EventConnected, other.ID())
	if err := me.Coordinator.SendMessage(other.ID(), wire.ConnectionRequest, nil); err != nil {
		t.Fatal(err)
	}
	waitEvent(t, events, domain.EventConnectionResponseReceived, other.ID())
}

func TestApproachTriggersBoop(t *testing.T) {
	s := fastSwarm(t)
	me, err := s.Add(context.Background(), domain.NewPeerID(), domain.Vector3{})
	if err != nil {
		t.Fatal(err)
	}
	other, err := s.Add(context.Background(), domain.NewPeerID(), domain.Vector3{X: 3})
	if err != nil {
		t.Fatal(err)
	}
	events := make(chan domain.Event, 256)
	me.Coordinator.Subscribe(func(e domain.Event) {
		select {
		case events <- e:
		default:
		}
	})

	waitEvent(t, events, domain.EventPeerDiscovered, other.ID())
	if err := me.Coordinator.RequestConnect(other.ID()); err != nil {
		t.Fatal(err)
	}
	waitEvent(t, events, domain.EventRangingStarted, other.ID())

	s.Approach(other.ID(), me.ID(), 0.05)
	waitEvent(t, events, domain.EventBoopSent, other.ID())
}

func TestClose(t *testing.T) {
	s := fastSwarm(t)
	peers, err := s.Spawn(context.Background(), 2, 0.5)
	if err != nil {
		t.Fatal(err)
	}
	s.Close()
	for _, p := range peers {
		if p.Coordinator.Running() {
			t.Errorf("peer %s still running", p.ID().Short())
		}
	}
	if len(s.Peers()) != 0 {
		t.Error("Peers() not empty after Close")
	}
	s.Close()
}
