package domain

import "time"

// HistoryEntry is one persisted peer interaction (connect, boop, ...).
type HistoryEntry struct {
	ID     int64     `json:"id"`
	Peer   PeerID    `json:"peer"`
	Kind   EventKind `json:"kind"`
	Detail string    `json:"detail,omitempty"`
	At     time.Time `json:"at"`
}

// Recordable reports whether an event kind belongs in the history journal.
// Discovery churn and proximity changes are too frequent to persist.
func (k EventKind) Recordable() bool {
	switch k {
	case EventConnected, EventDisconnected, EventConnectFailed,
		EventConnectionRequestReceived, EventConnectionResponseReceived,
		EventBoopReceived, EventBoopSent, EventBoopFailed:
		return true
	default:
		return false
	}
}

// HistoryFromEvent converts an event to a journal entry.
func HistoryFromEvent(e Event) HistoryEntry {
	h := HistoryEntry{Peer: e.Peer, Kind: e.Kind, At: e.At, Detail: e.Reason}
	if e.Kind == EventConnectionResponseReceived {
		if e.Accepted {
			h.Detail = "accepted"
		} else {
			h.Detail = "rejected"
		}
	}
	return h
}
