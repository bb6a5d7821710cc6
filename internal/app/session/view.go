package session

import (
	"fmt"
	"sort"
	"time"

	"github.com/boop-network/boop/internal/domain"
)

// PeerView is a read-only snapshot of everything known about one peer.
type PeerView struct {
	ID             domain.PeerID          `json:"id"`
	Visible        bool                   `json:"visible"`
	LastSeen       time.Time              `json:"last_seen,omitempty"`
	RSSI           int                    `json:"rssi"`
	Connection     domain.ConnectionState `json:"connection"`
	PendingRequest bool                   `json:"pending_request"`
	Ranging        bool                   `json:"ranging"`
	Proximity      domain.Proximity       `json:"proximity"`
	Tier           domain.ProximityTier   `json:"tier"`
	BoopQueued     bool                   `json:"boop_queued"`
}

// Status summarizes the coordinator for the API and health checks.
type Status struct {
	Self            domain.PeerID `json:"self"`
	Running         bool          `json:"running"`
	PeersVisible    int           `json:"peers_visible"`
	Connected       int           `json:"connected"`
	RangingSessions int           `json:"ranging_sessions"`
	RangingEnabled  bool          `json:"ranging_enabled"`
	BoopQueue       int           `json:"boop_queue"`
	LastSweep       time.Time     `json:"last_sweep"`
}

// State returns the connection state of id. Unknown peers are Disconnected.
func (c *Coordinator) State(id domain.PeerID) domain.ConnectionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	if st, ok := c.peers[id]; ok {
		return st.conn
	}
	return domain.ConnectionState{}
}

// Peer returns a snapshot of id, or ErrPeerNotFound if nothing is known.
func (c *Coordinator) Peer(id domain.PeerID) (PeerView, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.viewLocked(id)
	if !ok {
		return PeerView{}, fmt.Errorf("peer %s: %w", id.Short(), domain.ErrPeerNotFound)
	}
	return v, nil
}

// Peers returns a snapshot of every visible or connected peer, most
// recently seen first.
func (c *Coordinator) Peers() []PeerView {
	c.mu.Lock()
	defer c.mu.Unlock()

	seen := make(map[domain.PeerID]bool)
	var out []PeerView
	for _, id := range c.registry.IDs() {
		seen[id] = true
		if v, ok := c.viewLocked(id); ok {
			out = append(out, v)
		}
	}
	for id := range c.peers {
		if seen[id] {
			continue
		}
		if v, ok := c.viewLocked(id); ok {
			out = append(out, v)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].LastSeen.After(out[j].LastSeen)
	})
	return out
}

func (c *Coordinator) viewLocked(id domain.PeerID) (PeerView, bool) {
	p, visible := c.registry.Lookup(id)
	st, known := c.peers[id]
	if !visible && !known {
		return PeerView{}, false
	}
	v := PeerView{
		ID:         id,
		Visible:    visible,
		Ranging:    c.fusion.HasSession(id),
		Proximity:  c.fusion.Classify(id),
		BoopQueued: c.boops.Contains(id),
	}
	v.Tier = v.Proximity.Tier()
	if visible {
		v.LastSeen = p.LastSeen
		v.RSSI = p.RSSI
	}
	if known {
		v.Connection = st.conn
		v.PendingRequest = st.pending
	}
	return v, true
}

// Status returns a summary snapshot.
func (c *Coordinator) Status() Status {
	c.mu.Lock()
	connected := 0
	for _, st := range c.peers {
		if st.conn.IsConnected() {
			connected++
		}
	}
	c.mu.Unlock()

	return Status{
		Self:            c.self,
		Running:         c.Running(),
		PeersVisible:    c.registry.Len(),
		Connected:       connected,
		RangingSessions: len(c.fusion.Sessions()),
		RangingEnabled:  c.fusion.Available(),
		BoopQueue:       c.boops.Len(),
		LastSweep:       c.LastSweep(),
	}
}
