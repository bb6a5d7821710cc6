// Package history persists host events to the interaction journal.
//
// The recorder subscribes to the session coordinator and writes on its own
// goroutine, so a slow disk never stalls event delivery. When the buffer is
// full events are dropped and counted rather than blocking.
package history

import (
	"context"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/boop-network/boop/internal/domain"
	"github.com/boop-network/boop/internal/infra/metrics"
)

// Store is what the recorder writes to. Implemented by infra/sqlite.DB.
type Store interface {
	domain.HistoryStore
	TouchPeer(id domain.PeerID, rssi int, at time.Time) error
	CountBoop(id domain.PeerID, sent bool, at time.Time) error
}

// Recorder drains events into a Store.
type Recorder struct {
	store   Store
	events  chan domain.Event
	dropped atomic.Int64
	written atomic.Int64

	wg       sync.WaitGroup
	stopOnce sync.Once
	done     chan struct{}
}

// NewRecorder creates a recorder with the given buffer size.
func NewRecorder(store Store, buffer int) *Recorder {
	if buffer <= 0 {
		buffer = 256
	}
	return &Recorder{
		store:  store,
		events: make(chan domain.Event, buffer),
		done:   make(chan struct{}),
	}
}

// Observe is the subscriber callback. It never blocks.
func (r *Recorder) Observe(e domain.Event) {
	if !wanted(e.Kind) {
		return
	}
	select {
	case <-r.done:
		return
	default:
	}
	select {
	case r.events <- e:
	default:
		r.dropped.Add(1)
		metrics.HistoryWriteErrors.Inc()
	}
}

func wanted(k domain.EventKind) bool {
	return k.Recordable() || k == domain.EventPeerDiscovered
}

// Start launches the writer goroutine. It exits when ctx is cancelled or
// Stop is called, after writing what is already buffered.
func (r *Recorder) Start(ctx context.Context) {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		for {
			select {
			case e := <-r.events:
				r.write(e)
			case <-ctx.Done():
				r.drain()
				return
			case <-r.done:
				r.drain()
				return
			}
		}
	}()
}

// Stop flushes buffered events and waits for the writer to exit.
func (r *Recorder) Stop() {
	r.stopOnce.Do(func() { close(r.done) })
	r.wg.Wait()
}

func (r *Recorder) drain() {
	for {
		select {
		case e := <-r.events:
			r.write(e)
		default:
			return
		}
	}
}

func (r *Recorder) write(e domain.Event) {
	if err := r.Record(e); err != nil {
		metrics.HistoryWriteErrors.Inc()
		log.Printf("[history] write %s for %s: %v", e.Kind, e.Peer.Short(), err)
	}
}

// Record synchronously persists one event.
func (r *Recorder) Record(e domain.Event) error {
	switch e.Kind {
	case domain.EventPeerDiscovered:
		return r.store.TouchPeer(e.Peer, 0, e.At)
	case domain.EventBoopSent, domain.EventBoopReceived:
		if err := r.store.CountBoop(e.Peer, e.Kind == domain.EventBoopSent, e.At); err != nil {
			return err
		}
	}
	if !e.Kind.Recordable() {
		return nil
	}
	if _, err := r.store.InsertHistory(domain.HistoryFromEvent(e)); err != nil {
		return err
	}
	r.written.Add(1)
	return nil
}

// Stats reports how many entries were written and dropped.
func (r *Recorder) Stats() (written, dropped int64) {
	return r.written.Load(), r.dropped.Load()
}
