// Package discovery tracks peers currently visible to the discovery radio.
//
// The radio reports the same advertisement many times per second, so the
// registry deduplicates: PeerDiscovered fires once per appearance and repeat
// sightings only refresh LastSeen. Staleness is wall-clock driven; Sweep must
// be called on a fixed cadence regardless of sighting traffic.
package discovery

import (
	"sort"
	"sync"
	"time"

	"github.com/boop-network/boop/internal/domain"
)

const (
	DefaultStaleThreshold = 5 * time.Second
	DefaultSweepInterval  = 2 * time.Second
)

// Config configures the registry.
type Config struct {
	StaleThreshold time.Duration
	SweepInterval  time.Duration
}

// DefaultConfig returns the reference thresholds.
func DefaultConfig() Config {
	return Config{
		StaleThreshold: DefaultStaleThreshold,
		SweepInterval:  DefaultSweepInterval,
	}
}

// Listener receives PeerDiscovered and PeerRemoved synchronously, in
// mutation order. It must not call back into the registry.
type Listener func(domain.Event)

// Registry is the set of visible peers. Safe for concurrent use.
type Registry struct {
	mu       sync.RWMutex
	cfg      Config
	peers    map[domain.PeerID]*domain.DiscoveredPeer
	listener Listener
}

// New creates a registry. listener may be nil.
func New(cfg Config, listener Listener) *Registry {
	if cfg.StaleThreshold <= 0 {
		cfg.StaleThreshold = DefaultStaleThreshold
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = DefaultSweepInterval
	}
	return &Registry{
		cfg:      cfg,
		peers:    make(map[domain.PeerID]*domain.DiscoveredPeer),
		listener: listener,
	}
}

// Config returns the active thresholds.
func (r *Registry) Config() Config {
	return r.cfg
}

// Sighting inserts or refreshes a peer. It reports true, and emits
// PeerDiscovered, only when the peer was not already present.
func (r *Registry) Sighting(id domain.PeerID, handle domain.TransportHandle, rssi int, at time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if p, ok := r.peers[id]; ok {
		if at.After(p.LastSeen) {
			p.LastSeen = at
		}
		p.RSSI = rssi
		if handle != nil {
			p.Handle = handle
		}
		return false
	}

	r.peers[id] = &domain.DiscoveredPeer{ID: id, LastSeen: at, RSSI: rssi, Handle: handle}
	r.emit(domain.Event{Kind: domain.EventPeerDiscovered, Peer: id, At: at})
	return true
}

// Sweep removes every peer with now-LastSeen >= StaleThreshold and emits
// PeerRemoved for each. Removed IDs are returned in a stable order.
// Sweeping again without time passing is a no-op.
func (r *Registry) Sweep(now time.Time) []domain.PeerID {
	r.mu.Lock()
	defer r.mu.Unlock()

	var removed []domain.PeerID
	for id, p := range r.peers {
		if p.IsStale(now, r.cfg.StaleThreshold) {
			removed = append(removed, id)
		}
	}
	sortIDs(removed)
	for _, id := range removed {
		delete(r.peers, id)
		r.emit(domain.Event{Kind: domain.EventPeerRemoved, Peer: id, At: now})
	}
	return removed
}

// Remove drops a single peer, emitting PeerRemoved if it was present.
func (r *Registry) Remove(id domain.PeerID, now time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.peers[id]; !ok {
		return false
	}
	delete(r.peers, id)
	r.emit(domain.Event{Kind: domain.EventPeerRemoved, Peer: id, At: now})
	return true
}

// Clear drops every entry without emitting events. Used on subsystem stop.
func (r *Registry) Clear() []domain.PeerID {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := make([]domain.PeerID, 0, len(r.peers))
	for id := range r.peers {
		ids = append(ids, id)
	}
	sortIDs(ids)
	r.peers = make(map[domain.PeerID]*domain.DiscoveredPeer)
	return ids
}

// Lookup returns a copy of the entry for id.
func (r *Registry) Lookup(id domain.PeerID) (domain.DiscoveredPeer, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.peers[id]
	if !ok {
		return domain.DiscoveredPeer{}, false
	}
	return *p, true
}

// Contains reports whether id is currently visible.
func (r *Registry) Contains(id domain.PeerID) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.peers[id]
	return ok
}

// IDs returns the visible peer IDs, sorted.
func (r *Registry) IDs() []domain.PeerID {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]domain.PeerID, 0, len(r.peers))
	for id := range r.peers {
		ids = append(ids, id)
	}
	sortIDs(ids)
	return ids
}

// List returns copies of all entries, most recently seen first.
func (r *Registry) List() []domain.DiscoveredPeer {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]domain.DiscoveredPeer, 0, len(r.peers))
	for _, p := range r.peers {
		out = append(out, *p)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].LastSeen.After(out[j].LastSeen)
	})
	return out
}

// Len returns the number of visible peers.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.peers)
}

func (r *Registry) emit(e domain.Event) {
	if r.listener != nil {
		r.listener(e)
	}
}

func sortIDs(ids []domain.PeerID) {
	sort.Slice(ids, func(i, j int) bool {
		return ids[i].String() < ids[j].String()
	})
}
