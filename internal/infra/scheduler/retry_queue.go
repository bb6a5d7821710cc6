// Package scheduler: retry_queue.go holds the boop queue.
// A FIFO of peers waiting for a boop, backed by the dsa ring deque so
// popping the head is O(1). Peers that are not yet connected are requeued
// with exponential backoff until MaxAttempts connect attempts have been made.
package scheduler

import (
	"sync"
	"time"

	"github.com/boop-network/boop/internal/domain"
	"github.com/boop-network/boop/internal/infra/dsa"
)

// ─── Retry Config ───────────────────────────────────────────────────────────

// RetryConfig configures boop retry behavior.
type RetryConfig struct {
	MaxAttempts int           `toml:"max_attempts"` // connect attempts before BoopFailed
	BaseDelay   time.Duration `toml:"-"`            // first backoff, doubles each attempt
	MaxDelay    time.Duration `toml:"-"`            // cap on backoff
}

// DefaultRetryConfig returns the reference retry defaults.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts: 3,
		BaseDelay:   250 * time.Millisecond,
		MaxDelay:    2 * time.Second,
	}
}

// Backoff returns the delay before the given attempt (1-based):
// BaseDelay * 2^(attempt-1), capped at MaxDelay.
func (c RetryConfig) Backoff(attempt int) time.Duration {
	if attempt < 1 || c.BaseDelay <= 0 {
		return 0
	}
	delay := c.BaseDelay
	for i := 1; i < attempt; i++ {
		delay *= 2
		if c.MaxDelay > 0 && delay > c.MaxDelay {
			return c.MaxDelay
		}
	}
	if c.MaxDelay > 0 && delay > c.MaxDelay {
		return c.MaxDelay
	}
	return delay
}

// ─── Boop Queue ─────────────────────────────────────────────────────────────

// BoopEntry tracks one queued boop.
type BoopEntry struct {
	Peer       domain.PeerID
	Attempts   int       // connect attempts made so far
	NotBefore  time.Time // earliest time this entry may be processed
	EnqueuedAt time.Time
}

// Ready reports whether the entry's backoff has elapsed.
func (e BoopEntry) Ready(now time.Time) bool {
	return !now.Before(e.NotBefore)
}

// BoopQueue is a deduplicated FIFO of peers to boop. A peer appears at
// most once. Safe for concurrent use.
type BoopQueue struct {
	mu     sync.Mutex
	config RetryConfig
	q      *dsa.Deque[BoopEntry]
	queued map[domain.PeerID]struct{}

	// Stats
	totalEnqueued  int64
	totalSent      int64
	totalRetries   int64
	totalExhausted int64
}

// NewBoopQueue creates an empty queue.
func NewBoopQueue(cfg RetryConfig) *BoopQueue {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultRetryConfig().MaxAttempts
	}
	return &BoopQueue{
		config: cfg,
		q:      dsa.NewDeque[BoopEntry](0),
		queued: make(map[domain.PeerID]struct{}),
	}
}

// Config returns the retry configuration.
func (bq *BoopQueue) Config() RetryConfig {
	return bq.config
}

// Enqueue appends peer at the tail. Returns false if it is already queued.
func (bq *BoopQueue) Enqueue(peer domain.PeerID, now time.Time) bool {
	bq.mu.Lock()
	defer bq.mu.Unlock()

	if _, ok := bq.queued[peer]; ok {
		return false
	}
	bq.queued[peer] = struct{}{}
	bq.q.PushBack(BoopEntry{Peer: peer, NotBefore: now, EnqueuedAt: now})
	bq.totalEnqueued++
	return true
}

// Pop removes and returns the head entry, ready or not.
func (bq *BoopQueue) Pop() (BoopEntry, bool) {
	bq.mu.Lock()
	defer bq.mu.Unlock()

	e, ok := bq.q.PopFront()
	if ok {
		delete(bq.queued, e.Peer)
	}
	return e, ok
}

// Defer puts an entry back at the tail without counting an attempt.
// Used for entries whose backoff has not elapsed.
func (bq *BoopQueue) Defer(e BoopEntry) {
	bq.mu.Lock()
	defer bq.mu.Unlock()
	if _, ok := bq.queued[e.Peer]; ok {
		return
	}
	bq.queued[e.Peer] = struct{}{}
	bq.q.PushBack(e)
}

// Retry records a connect attempt and requeues the entry with backoff.
// Returns false, without requeuing, once MaxAttempts has been reached.
func (bq *BoopQueue) Retry(e BoopEntry, now time.Time) bool {
	bq.mu.Lock()
	defer bq.mu.Unlock()

	if e.Attempts >= bq.config.MaxAttempts {
		bq.totalExhausted++
		return false
	}
	if _, ok := bq.queued[e.Peer]; ok {
		return true
	}
	e.Attempts++
	e.NotBefore = now.Add(bq.config.Backoff(e.Attempts))
	bq.queued[e.Peer] = struct{}{}
	bq.q.PushBack(e)
	bq.totalRetries++
	return true
}

// MarkSent counts a delivered boop.
func (bq *BoopQueue) MarkSent() {
	bq.mu.Lock()
	bq.totalSent++
	bq.mu.Unlock()
}

// Remove drops peer from the queue. Returns whether it was queued.
func (bq *BoopQueue) Remove(peer domain.PeerID) bool {
	bq.mu.Lock()
	defer bq.mu.Unlock()
	if _, ok := bq.queued[peer]; !ok {
		return false
	}
	delete(bq.queued, peer)
	bq.q.RemoveFunc(func(e BoopEntry) bool { return e.Peer == peer })
	return true
}

// Contains reports whether peer is queued.
func (bq *BoopQueue) Contains(peer domain.PeerID) bool {
	bq.mu.Lock()
	defer bq.mu.Unlock()
	_, ok := bq.queued[peer]
	return ok
}

// Len returns the number of queued peers.
func (bq *BoopQueue) Len() int {
	bq.mu.Lock()
	defer bq.mu.Unlock()
	return bq.q.Len()
}

// Entries returns a head-to-tail snapshot.
func (bq *BoopQueue) Entries() []BoopEntry {
	bq.mu.Lock()
	defer bq.mu.Unlock()
	return bq.q.Items()
}

// Clear empties the queue.
func (bq *BoopQueue) Clear() {
	bq.mu.Lock()
	defer bq.mu.Unlock()
	bq.q.Clear()
	bq.queued = make(map[domain.PeerID]struct{})
}

// BoopStats holds queue statistics.
type BoopStats struct {
	Pending        int   `json:"pending"`
	TotalEnqueued  int64 `json:"total_enqueued"`
	TotalSent      int64 `json:"total_sent"`
	TotalRetries   int64 `json:"total_retries"`
	TotalExhausted int64 `json:"total_exhausted"` // reached MaxAttempts
}

// Stats returns current queue statistics.
func (bq *BoopQueue) Stats() BoopStats {
	bq.mu.Lock()
	defer bq.mu.Unlock()
	return BoopStats{
		Pending:        bq.q.Len(),
		TotalEnqueued:  bq.totalEnqueued,
		TotalSent:      bq.totalSent,
		TotalRetries:   bq.totalRetries,
		TotalExhausted: bq.totalExhausted,
	}
}
