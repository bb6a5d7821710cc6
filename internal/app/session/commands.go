package session

import (
	"fmt"
	"time"

	"github.com/boop-network/boop/internal/domain"
	"github.com/boop-network/boop/internal/infra/metrics"
	"github.com/boop-network/boop/internal/infra/wire"
)

// ─── Host Commands ──────────────────────────────────────────────────────────
// Commands never block on the transport: they queue the request and return.
// Completion or failure arrives later as an event.

// RequestConnect asks the transport to connect to a discovered peer and
// moves it to Connecting. Connecting or connected peers are left alone.
func (c *Coordinator) RequestConnect(id domain.PeerID) error {
	c.mu.Lock()
	err := c.requestConnectLocked(id)
	c.mu.Unlock()
	c.flush()
	return err
}

func (c *Coordinator) requestConnectLocked(id domain.PeerID) error {
	if c.stopped {
		return domain.ErrStopped
	}
	p, ok := c.registry.Lookup(id)
	if !ok {
		return fmt.Errorf("connect %s: %w", id.Short(), domain.ErrPeerNotFound)
	}
	st := c.stateLocked(id)
	switch st.conn.State {
	case domain.StateConnecting, domain.StateConnected:
		return nil
	}
	c.setConnLocked(id, domain.ConnectionState{State: domain.StateConnecting})
	metrics.ConnectAttempts.Inc()

	transport, handle := c.transport, p.Handle
	c.callLocked(func() { transport.Connect(id, handle) })
	return nil
}

// AcceptRequest answers a pending connection request with ConnectionAccept.
func (c *Coordinator) AcceptRequest(id domain.PeerID) error {
	return c.respond(id, wire.ConnectionAccept)
}

// RejectRequest answers a pending connection request with ConnectionReject.
func (c *Coordinator) RejectRequest(id domain.PeerID) error {
	return c.respond(id, wire.ConnectionReject)
}

func (c *Coordinator) respond(id domain.PeerID, t wire.MessageType) error {
	c.mu.Lock()
	err := c.sendLocked(id, t, nil, true)
	if err == nil {
		c.stateLocked(id).pending = false
	}
	c.mu.Unlock()
	c.flush()
	return err
}

// SendMessage sends an arbitrary message to a discovered peer.
func (c *Coordinator) SendMessage(id domain.PeerID, t wire.MessageType, payload []byte) error {
	c.mu.Lock()
	err := c.sendLocked(id, t, payload, true)
	c.mu.Unlock()
	c.flush()
	return err
}

// sendLocked encodes and queues a frame over id's transport handle. With
// requireDiscovered the peer must be in the registry.
func (c *Coordinator) sendLocked(id domain.PeerID, t wire.MessageType, payload []byte, requireDiscovered bool) error {
	if c.stopped {
		return domain.ErrStopped
	}
	if requireDiscovered && !c.registry.Contains(id) {
		return fmt.Errorf("send %s to %s: %w", t, id.Short(), domain.ErrPeerNotFound)
	}
	handle, ok := c.handleLocked(id)
	if !ok {
		return fmt.Errorf("send %s to %s: %w", t, id.Short(), domain.ErrPeerNotFound)
	}
	frame, err := wire.Encode(wire.Message{SenderID: c.self, Type: t, Payload: payload})
	if err != nil {
		return fmt.Errorf("send %s to %s: %w", t, id.Short(), err)
	}
	metrics.MessagesSent.WithLabelValues(t.String()).Inc()

	transport := c.transport
	c.callLocked(func() { transport.Send(id, handle, frame) })
	return nil
}

// Disconnect sends a Disconnect message, drops the transport link and tears
// down ranging for id.
func (c *Coordinator) Disconnect(id domain.PeerID) error {
	c.mu.Lock()
	err := c.disconnectLocked(id)
	c.mu.Unlock()
	c.flush()
	return err
}

func (c *Coordinator) disconnectLocked(id domain.PeerID) error {
	if c.stopped {
		return domain.ErrStopped
	}
	handle, ok := c.handleLocked(id)
	if !ok {
		return fmt.Errorf("disconnect %s: %w", id.Short(), domain.ErrPeerNotFound)
	}
	if st, ok := c.peers[id]; ok && st.conn.IsConnected() {
		_ = c.sendLocked(id, wire.Disconnect, nil, false)
	}
	transport := c.transport
	c.callLocked(func() { transport.Disconnect(id, handle) })
	c.onTransportDisconnectedLocked(id)
	return nil
}

// Boop queues a boop for a discovered peer, regardless of proximity.
func (c *Coordinator) Boop(id domain.PeerID) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stopped {
		return domain.ErrStopped
	}
	if !c.registry.Contains(id) {
		return fmt.Errorf("boop %s: %w", id.Short(), domain.ErrPeerNotFound)
	}
	c.boops.Enqueue(id, c.now())
	metrics.BoopQueueDepth.Set(float64(c.boops.Len()))
	return nil
}

// Sweep removes stale peers, stopping their ranging sessions and dropping
// them from the boop queue. Returns the removed IDs.
func (c *Coordinator) Sweep() []domain.PeerID {
	start := time.Now()
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return nil
	}
	now := c.now()
	removed := c.registry.Sweep(now)
	for _, id := range removed {
		c.dropPeerLocked(id)
	}
	c.mu.Unlock()

	c.lastSweep.Store(now.UnixNano())
	if len(removed) > 0 {
		metrics.PeersRemoved.Add(float64(len(removed)))
		metrics.PeersVisible.Set(float64(c.registry.Len()))
		metrics.BoopQueueDepth.Set(float64(c.boops.Len()))
	}
	metrics.SweepDuration.Observe(time.Since(start).Seconds())
	c.flush()
	return removed
}
