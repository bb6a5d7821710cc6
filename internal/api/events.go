package api

import (
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/boop-network/boop/internal/domain"
)

// ─── Live Event Stream (/api/events) ────────────────────────────────────────

// sseHeartbeat keeps idle connections alive through proxies.
const sseHeartbeat = 15 * time.Second

type eventFilter struct {
	kinds map[domain.EventKind]bool
	peer  domain.PeerID
}

func (f eventFilter) match(e domain.Event) bool {
	if len(f.kinds) > 0 && !f.kinds[e.Kind] {
		return false
	}
	return f.peer.IsZero() || f.peer == e.Peer
}

type sseClient struct {
	ch     chan domain.Event
	filter eventFilter
}

// EventHub fans coordinator events out to Server-Sent Events clients.
// Slow clients lose events rather than stalling the coordinator.
type EventHub struct {
	mu      sync.RWMutex
	clients map[*sseClient]struct{}
	buffer  int
	dropped atomic.Int64
}

// NewEventHub creates a hub with a per-client buffer.
func NewEventHub(buffer int) *EventHub {
	if buffer <= 0 {
		buffer = 64
	}
	return &EventHub{clients: make(map[*sseClient]struct{}), buffer: buffer}
}

// Broadcast delivers e to every matching client. Never blocks.
func (h *EventHub) Broadcast(e domain.Event) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.clients {
		if !c.filter.match(e) {
			continue
		}
		select {
		case c.ch <- e:
		default:
			h.dropped.Add(1)
		}
	}
}

// Clients returns the number of connected stream clients.
func (h *EventHub) Clients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Dropped returns how many events were lost to slow clients.
func (h *EventHub) Dropped() int64 { return h.dropped.Load() }

func (h *EventHub) add(f eventFilter) *sseClient {
	c := &sseClient{ch: make(chan domain.Event, h.buffer), filter: f}
	h.mu.Lock()
	h.clients[c] = struct{}{}
	h.mu.Unlock()
	return c
}

func (h *EventHub) remove(c *sseClient) {
	h.mu.Lock()
	delete(h.clients, c)
	h.mu.Unlock()
}

// parseFilter reads ?kind=a,b and ?peer=ID.
func parseFilter(r *http.Request) (eventFilter, error) {
	var f eventFilter
	q := r.URL.Query()
	if raw := q.Get("kind"); raw != "" {
		f.kinds = make(map[domain.EventKind]bool)
		for _, name := range strings.Split(raw, ",") {
			k, ok := domain.ParseEventKind(strings.TrimSpace(name))
			if !ok {
				return f, fmt.Errorf("unknown event kind %q", name)
			}
			f.kinds[k] = true
		}
	}
	if raw := q.Get("peer"); raw != "" {
		id, err := domain.ParsePeerID(raw)
		if err != nil {
			return f, err
		}
		f.peer = id
	}
	return f, nil
}

// HandleSSE streams events as "event: <kind>\ndata: <json>\n\n".
func (h *EventHub) HandleSSE(w http.ResponseWriter, r *http.Request) {
	filter, err := parseFilter(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	c := h.add(filter)
	defer h.remove(c)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	fmt.Fprint(w, ": connected\n\n")
	flusher.Flush()

	heartbeat := time.NewTicker(sseHeartbeat)
	defer heartbeat.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-heartbeat.C:
			fmt.Fprint(w, ": ping\n\n")
			flusher.Flush()
		case e := <-c.ch:
			data, err := json.Marshal(e)
			if err != nil {
				log.Printf("[api] marshal event: %v", err)
				continue
			}
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", e.Kind, data)
			flusher.Flush()
		}
	}
}
