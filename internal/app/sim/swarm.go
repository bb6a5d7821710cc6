// Package sim runs simulated peers on a loopback medium. Each peer has its
// own coordinator, accepts every connection request it receives and can be
// moved around so ranging produces proximity changes.
package sim

import (
	"context"
	"fmt"
	"log"
	"math"
	"sync"

	"github.com/boop-network/boop/internal/app/session"
	"github.com/boop-network/boop/internal/domain"
	"github.com/boop-network/boop/internal/infra/loopback"
)

// Peer is one simulated device.
type Peer struct {
	Node        *loopback.Node
	Coordinator *session.Coordinator
	unsubscribe func()
}

// ID returns the peer's ID.
func (p *Peer) ID() domain.PeerID { return p.Coordinator.Self() }

// Swarm is a set of simulated peers sharing one medium.
type Swarm struct {
	Medium *loopback.Medium
	cfg    session.Config

	mu    sync.Mutex
	peers []*Peer
}

// NewSwarm creates an empty swarm. Peers added later use cfg.
func NewSwarm(opts loopback.Options, cfg session.Config) *Swarm {
	return &Swarm{Medium: loopback.NewMedium(opts), cfg: cfg}
}

// Spawn adds n peers spread on a circle of radius meters around the origin
// and starts them.
func (s *Swarm) Spawn(ctx context.Context, n int, radius float64) ([]*Peer, error) {
	out := make([]*Peer, 0, n)
	for i := 0; i < n; i++ {
		angle := 2 * math.Pi * float64(i) / float64(n)
		pos := domain.Vector3{X: radius * math.Cos(angle), Y: radius * math.Sin(angle)}
		p, err := s.Add(ctx, domain.NewPeerID(), pos)
		if err != nil {
			return out, err
		}
		out = append(out, p)
	}
	return out, nil
}

// Add joins id at pos and starts its coordinator.
func (s *Swarm) Add(ctx context.Context, id domain.PeerID, pos domain.Vector3) (*Peer, error) {
	node := s.Medium.Join(id)
	s.Medium.SetPosition(id, pos)

	c := session.New(id, s.cfg, node, node)
	p := &Peer{Node: node, Coordinator: c}
	p.unsubscribe = c.Subscribe(func(e domain.Event) {
		if e.Kind != domain.EventConnectionRequestReceived {
			return
		}
		if err := c.AcceptRequest(e.Peer); err != nil {
			log.Printf("[sim] %s accept %s: %v", id.Short(), e.Peer.Short(), err)
		}
	})
	if err := c.Start(ctx); err != nil {
		p.unsubscribe()
		node.Close()
		return nil, fmt.Errorf("start sim peer %s: %w", id.Short(), err)
	}

	s.mu.Lock()
	s.peers = append(s.peers, p)
	s.mu.Unlock()
	return p, nil
}

// Peers returns the running simulated peers.
func (s *Swarm) Peers() []*Peer {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*Peer(nil), s.peers...)
}

// Move places id at pos.
func (s *Swarm) Move(id domain.PeerID, pos domain.Vector3) {
	s.Medium.SetPosition(id, pos)
}

// Approach puts id straight ahead of target at the given distance.
func (s *Swarm) Approach(id, target domain.PeerID, distance float64) {
	at := s.Medium.Position(target)
	s.Medium.SetPosition(id, domain.Vector3{X: at.X + distance, Y: at.Y, Z: at.Z})
}

// Close stops every simulated peer.
func (s *Swarm) Close() {
	s.mu.Lock()
	peers := s.peers
	s.peers = nil
	s.mu.Unlock()

	for _, p := range peers {
		p.unsubscribe()
		p.Coordinator.Stop()
		p.Node.Close()
	}
}
