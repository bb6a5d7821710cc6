package api

import (
	"net/http"

	"github.com/boop-network/boop/internal/domain"
)

// ─── /api/peers ─────────────────────────────────────────────────────────────

func (s *Server) handleListPeers(w http.ResponseWriter, r *http.Request) {
	peers := s.node.Peers()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"self":  s.node.Self(),
		"peers": peers,
		"count": len(peers),
	})
}

func (s *Server) handleGetPeer(w http.ResponseWriter, r *http.Request) {
	id, ok := peerID(w, r)
	if !ok {
		return
	}
	view, err := s.node.Peer(id)
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, view)
}

// command adapts a coordinator action on one peer into a POST handler.
// The action is asynchronous at the radio level, so success is 202.
func (s *Server) command(action func(domain.PeerID) error, status string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := peerID(w, r)
		if !ok {
			return
		}
		if err := action(id); err != nil {
			writeError(w, statusFor(err), err.Error())
			return
		}
		writeJSON(w, http.StatusAccepted, map[string]interface{}{
			"peer":   id,
			"status": status,
		})
	}
}

// ─── /api/history ───────────────────────────────────────────────────────────

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	if s.history == nil {
		writeError(w, http.StatusNotFound, "history is disabled")
		return
	}
	limit, err := queryLimit(r, 100)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	var entries []domain.HistoryEntry
	if raw := r.URL.Query().Get("peer"); raw != "" {
		id, perr := domain.ParsePeerID(raw)
		if perr != nil {
			writeError(w, http.StatusBadRequest, perr.Error())
			return
		}
		entries, err = s.history.HistoryForPeer(id, limit)
	} else {
		entries, err = s.history.History(limit)
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeHistory(w, entries)
}

func (s *Server) handlePeerHistory(w http.ResponseWriter, r *http.Request) {
	if s.history == nil {
		writeError(w, http.StatusNotFound, "history is disabled")
		return
	}
	id, ok := peerID(w, r)
	if !ok {
		return
	}
	limit, err := queryLimit(r, 100)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	entries, err := s.history.HistoryForPeer(id, limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeHistory(w, entries)
}

func writeHistory(w http.ResponseWriter, entries []domain.HistoryEntry) {
	if entries == nil {
		entries = []domain.HistoryEntry{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"entries": entries,
		"count":   len(entries),
	})
}
