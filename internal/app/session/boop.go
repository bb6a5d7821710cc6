package session

import (
	"log"

	"github.com/boop-network/boop/internal/domain"
	"github.com/boop-network/boop/internal/infra/metrics"
	"github.com/boop-network/boop/internal/infra/scheduler"
	"github.com/boop-network/boop/internal/infra/wire"
)

// ─── Boop Queue ─────────────────────────────────────────────────────────────

// ProcessBoops makes one pass over the boop queue. Each entry queued at the
// start of the pass is looked at once, in FIFO order:
//
//   - backoff not elapsed: put back untouched
//   - peer gone from discovery: BoopFailed
//   - connected: send a Boop message, BoopSent
//   - otherwise: request a connection and requeue with backoff, or
//     BoopFailed once the attempt budget is spent
//
// Returns the number of boops sent.
func (c *Coordinator) ProcessBoops() int {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return 0
	}
	now := c.now()
	sent := 0
	for n := c.boops.Len(); n > 0; n-- {
		e, ok := c.boops.Pop()
		if !ok {
			break
		}
		if !e.Ready(now) {
			c.boops.Defer(e)
			continue
		}
		if c.processBoopLocked(e) {
			sent++
		}
	}
	metrics.BoopQueueDepth.Set(float64(c.boops.Len()))
	c.mu.Unlock()
	c.flush()
	return sent
}

func (c *Coordinator) processBoopLocked(e scheduler.BoopEntry) bool {
	id := e.Peer
	now := c.now()

	if !c.registry.Contains(id) {
		c.boopFailedLocked(id, "peer not found")
		return false
	}

	st := c.stateLocked(id)
	if st.conn.IsConnected() {
		if err := c.sendLocked(id, wire.Boop, nil, true); err != nil {
			c.boopFailedLocked(id, err.Error())
			return false
		}
		c.boops.MarkSent()
		metrics.BoopsSent.Inc()
		c.emitLocked(domain.Event{Kind: domain.EventBoopSent, Peer: id, At: now})
		return true
	}

	if !c.boops.Retry(e, now) {
		c.boopFailedLocked(id, domain.ErrAttemptsExhausted.Error())
		return false
	}
	// A failed link is reset to Connecting by the retry; an in-flight
	// attempt is left to finish.
	if err := c.requestConnectLocked(id); err != nil {
		log.Printf("[session] boop %s: %v", id.Short(), err)
	}
	return false
}

func (c *Coordinator) boopFailedLocked(id domain.PeerID, reason string) {
	metrics.BoopsFailed.WithLabelValues(boopFailLabel(reason)).Inc()
	log.Printf("[session] boop %s failed: %s", id.Short(), reason)
	c.emitLocked(domain.Event{Kind: domain.EventBoopFailed, Peer: id, Reason: reason})
}

func boopFailLabel(reason string) string {
	switch reason {
	case domain.ErrAttemptsExhausted.Error():
		return "attempts_exhausted"
	case "peer not found":
		return "peer_not_found"
	default:
		return "send_error"
	}
}

// BoopQueue returns the peers waiting for a boop, head first.
func (c *Coordinator) BoopQueue() []scheduler.BoopEntry {
	return c.boops.Entries()
}

// BoopStats returns boop queue statistics.
func (c *Coordinator) BoopStats() scheduler.BoopStats {
	return c.boops.Stats()
}
