package session

import (
	"errors"
	"log"

	"github.com/boop-network/boop/internal/domain"
	"github.com/boop-network/boop/internal/infra/metrics"
	"github.com/boop-network/boop/internal/infra/wire"
)

// HandleInput applies one transport or ranging input synchronously. The
// input loop calls it for everything passed to Submit; tests call it
// directly. Inputs arriving after Stop are ignored.
func (c *Coordinator) HandleInput(in domain.Input) {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return
	}
	if in.At.IsZero() {
		in.At = c.now()
	}

	switch in.Kind {
	case domain.InputSighting:
		c.onSightingLocked(in)
	case domain.InputConnected:
		c.onConnectedLocked(in)
	case domain.InputConnectFailed:
		metrics.TransportFailures.WithLabelValues("connect").Inc()
		c.setConnLocked(in.Peer, domain.Failed(errReason(in.Err, "connect failed")))
	case domain.InputDisconnected:
		c.onTransportDisconnectedLocked(in.Peer)
	case domain.InputSendFailed:
		metrics.TransportFailures.WithLabelValues("send").Inc()
		c.emitLocked(domain.Event{Kind: domain.EventSendFailed, Peer: in.Peer, Reason: errReason(in.Err, "send failed"), At: in.At})
	case domain.InputData:
		c.onDataLocked(in)
	case domain.InputToken:
		c.onTokenLocked(in)
	case domain.InputRangingSample:
		c.onSampleLocked(in)
	default:
		log.Printf("[session] ignoring input of kind %d", in.Kind)
	}
	c.mu.Unlock()
	c.flush()
}

func errReason(err error, fallback string) string {
	if err == nil {
		return fallback
	}
	return err.Error()
}

func (c *Coordinator) onSightingLocked(in domain.Input) {
	if in.Peer == c.self || in.Peer.IsZero() {
		return
	}
	metrics.SightingsReceived.Inc()
	if c.registry.Sighting(in.Peer, in.Handle, in.RSSI, in.At) {
		c.stateLocked(in.Peer)
		metrics.PeersDiscovered.Inc()
		metrics.PeersVisible.Set(float64(c.registry.Len()))
	}
}

func (c *Coordinator) onConnectedLocked(in domain.Input) {
	st := c.stateLocked(in.Peer)
	if in.Handle != nil {
		st.handle = in.Handle
	}
	c.setConnLocked(in.Peer, domain.ConnectionState{State: domain.StateConnected})
	c.sendTokenLocked(in.Peer, st)
}

// sendTokenLocked writes the local discovery token to a connected peer
// once per connection.
func (c *Coordinator) sendTokenLocked(id domain.PeerID, st *peerState) {
	if st.tokenSent || c.ranger == nil || !c.fusion.Available() {
		return
	}
	handle, ok := c.handleLocked(id)
	if !ok {
		return
	}
	token := c.ranger.CurrentToken()
	if token == nil {
		return
	}
	st.tokenSent = true
	transport := c.transport
	c.callLocked(func() { transport.ExchangeToken(id, handle, token) })
}

func (c *Coordinator) onTransportDisconnectedLocked(id domain.PeerID) {
	if c.stopRangingLocked(id, true) {
		c.emitLocked(domain.Event{Kind: domain.EventRangingStopped, Peer: id})
	}
	c.setConnLocked(id, domain.ConnectionState{State: domain.StateDisconnected})
	if st, ok := c.peers[id]; ok {
		st.pending = false
		if !c.registry.Contains(id) {
			delete(c.peers, id)
		}
	}
}

// onDataLocked decodes one frame and dispatches by message type. Malformed
// frames are counted and dropped.
func (c *Coordinator) onDataLocked(in domain.Input) {
	msg, err := wire.Decode(in.Data)
	if err != nil {
		reason := dropReason(err)
		metrics.MessagesDropped.WithLabelValues(reason).Inc()
		log.Printf("[session] dropping frame from %s: %v", in.Peer.Short(), err)
		return
	}

	from := msg.SenderID
	if !in.Peer.IsZero() && in.Peer != from {
		metrics.MessagesDropped.WithLabelValues("sender_mismatch").Inc()
		log.Printf("[session] dropping frame: link peer %s, sender %s", in.Peer.Short(), from.Short())
		return
	}
	if from == c.self {
		metrics.MessagesDropped.WithLabelValues("self").Inc()
		return
	}
	metrics.MessagesReceived.WithLabelValues(msg.Type.String()).Inc()

	// Only discovered or already tracked peers get state; frames from
	// anyone else still surface as events.
	st, tracked := c.peers[from]
	if !tracked && c.registry.Contains(from) {
		st, tracked = c.stateLocked(from), true
	}
	if tracked && in.Handle != nil {
		st.handle = in.Handle
	}

	switch msg.Type {
	case wire.ConnectionRequest:
		if tracked {
			st.pending = true
		}
		c.emitLocked(domain.Event{Kind: domain.EventConnectionRequestReceived, Peer: from, At: in.At})
	case wire.ConnectionAccept, wire.ConnectionReject:
		c.emitLocked(domain.Event{
			Kind:     domain.EventConnectionResponseReceived,
			Peer:     from,
			Accepted: msg.Type == wire.ConnectionAccept,
			At:       in.At,
		})
	case wire.Disconnect:
		if handle, ok := c.handleLocked(from); ok {
			transport := c.transport
			c.callLocked(func() { transport.Disconnect(from, handle) })
		}
		c.onTransportDisconnectedLocked(from)
	case wire.Boop:
		metrics.BoopsReceived.Inc()
		c.emitLocked(domain.Event{Kind: domain.EventBoopReceived, Peer: from, At: in.At})
	}
}

func dropReason(err error) string {
	switch {
	case errors.Is(err, domain.ErrTooShort):
		return "too_short"
	case errors.Is(err, domain.ErrUnknownMessageType):
		return "unknown_type"
	case errors.Is(err, domain.ErrPayloadLengthMismatch):
		return "length_mismatch"
	case errors.Is(err, domain.ErrInvalidPeerID):
		return "invalid_peer_id"
	default:
		return "malformed"
	}
}

// onTokenLocked handles a remote discovery token. The first token for a
// peer opens a ranging session; later tokens only refresh it.
func (c *Coordinator) onTokenLocked(in domain.Input) {
	id := in.Peer
	if c.ranger == nil || !c.fusion.Available() {
		log.Printf("[session] ignoring token from %s: %v", id.Short(), domain.ErrRangingUnavailable)
		return
	}
	local := c.ranger.CurrentToken()
	if local == nil {
		log.Printf("[session] ignoring token from %s: %v", id.Short(), domain.ErrNoDiscoveryToken)
		return
	}
	if len(in.Data) == 0 {
		return
	}

	// Reply with ours if the peer spoke first.
	c.sendTokenLocked(id, c.stateLocked(id))

	if !c.fusion.SessionStart(id, local, in.Data) {
		return
	}
	metrics.RangingSessions.Set(float64(len(c.fusion.Sessions())))
	c.emitLocked(domain.Event{Kind: domain.EventRangingStarted, Peer: id, At: in.At})

	ranger := c.ranger
	remote := append([]byte(nil), in.Data...)
	c.callLocked(func() {
		if err := ranger.StartRanging(id, remote); err != nil {
			log.Printf("[session] start ranging %s: %v", id.Short(), err)
			c.rangingFailed(id)
		}
	})
}

// rangingFailed closes a session whose hardware start failed. Runs from the
// effect drainer, outside c.mu.
func (c *Coordinator) rangingFailed(id domain.PeerID) {
	c.mu.Lock()
	if c.fusion.SessionStop(id) {
		metrics.RangingSessions.Set(float64(len(c.fusion.Sessions())))
		if st, ok := c.peers[id]; ok {
			st.tier = domain.TierNone
			st.touching = false
		}
		c.emitLocked(domain.Event{Kind: domain.EventRangingStopped, Peer: id, Reason: "start failed"})
	}
	c.mu.Unlock()
	c.flush()
}

// onSampleLocked stores a ranging sample, reports tier changes and queues a
// boop on the rising edge of touching.
func (c *Coordinator) onSampleLocked(in domain.Input) {
	id := in.Peer
	if !c.fusion.Available() {
		return
	}
	metrics.RangingSamples.Inc()
	c.fusion.Update(id, in.Sample.Distance, in.Sample.Direction)

	prox := c.fusion.Classify(id)
	st := c.stateLocked(id)
	if tier := prox.Tier(); tier != st.tier {
		st.tier = tier
		metrics.ProximityTransitions.WithLabelValues(tier.String()).Inc()
		c.emitLocked(domain.Event{Kind: domain.EventProximityChanged, Peer: id, Tier: tier, At: in.At})
	}

	rising := prox.Touching && !st.touching
	st.touching = prox.Touching
	if rising && c.cfg.AutoBoop && c.registry.Contains(id) {
		if c.boops.Enqueue(id, in.At) {
			metrics.BoopQueueDepth.Set(float64(c.boops.Len()))
		}
	}
}
