// Package domain: host-facing events and transport inputs.
// Both are tagged variants: one struct with a Kind discriminator, carried
// through a single queue so ordering is explicit and easy to test.
package domain

import "time"

// EventKind discriminates Event.
type EventKind int

const (
	EventPeerDiscovered EventKind = iota + 1
	EventPeerRemoved
	EventConnected
	EventDisconnected
	EventConnectFailed
	EventSendFailed
	EventConnectionRequestReceived
	EventConnectionResponseReceived
	EventBoopReceived
	EventBoopSent
	EventBoopFailed
	EventRangingStarted
	EventRangingStopped
	EventProximityChanged
)

var eventNames = map[EventKind]string{
	EventPeerDiscovered:             "peer_discovered",
	EventPeerRemoved:                "peer_removed",
	EventConnected:                  "connected",
	EventDisconnected:               "disconnected",
	EventConnectFailed:              "connect_failed",
	EventSendFailed:                 "send_failed",
	EventConnectionRequestReceived:  "connection_request_received",
	EventConnectionResponseReceived: "connection_response_received",
	EventBoopReceived:               "boop_received",
	EventBoopSent:                   "boop_sent",
	EventBoopFailed:                 "boop_failed",
	EventRangingStarted:             "ranging_started",
	EventRangingStopped:             "ranging_stopped",
	EventProximityChanged:           "proximity_changed",
}

// String returns the snake_case event name used in the API and history.
func (k EventKind) String() string {
	if s, ok := eventNames[k]; ok {
		return s
	}
	return "unknown"
}

// MarshalText implements encoding.TextMarshaler.
func (k EventKind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// ParseEventKind maps a snake_case name back to its EventKind.
func ParseEventKind(s string) (EventKind, bool) {
	for k, name := range eventNames {
		if name == s {
			return k, true
		}
	}
	return 0, false
}

// Event is emitted by the core to its host (UI/application layer).
// Accepted is set for ConnectionResponseReceived, Reason for the failure
// kinds and Tier for ProximityChanged.
type Event struct {
	Kind     EventKind     `json:"kind"`
	Peer     PeerID        `json:"peer"`
	Accepted bool          `json:"accepted,omitempty"`
	Reason   string        `json:"reason,omitempty"`
	Tier     ProximityTier `json:"tier,omitempty"`
	At       time.Time     `json:"at"`
}

// InputKind discriminates Input.
type InputKind int

const (
	InputSighting InputKind = iota + 1
	InputConnected
	InputConnectFailed
	InputDisconnected
	InputSendFailed
	InputData
	InputToken
	InputRangingSample
)

// String returns a short name for logs.
func (k InputKind) String() string {
	switch k {
	case InputSighting:
		return "sighting"
	case InputConnected:
		return "connected"
	case InputConnectFailed:
		return "connect_failed"
	case InputDisconnected:
		return "disconnected"
	case InputSendFailed:
		return "send_failed"
	case InputData:
		return "data"
	case InputToken:
		return "token"
	case InputRangingSample:
		return "ranging_sample"
	default:
		return "unknown"
	}
}

// Input is everything the transport and ranging collaborators deliver to
// the core. Which fields are meaningful depends on Kind:
//
//	Sighting        Peer, Handle, RSSI, At
//	Connected       Peer
//	ConnectFailed   Peer, Err
//	Disconnected    Peer
//	SendFailed      Peer, Err
//	Data            Peer, Data (a raw wire frame)
//	Token           Peer, Data (the remote discovery token)
//	RangingSample   Peer, Sample
type Input struct {
	Kind   InputKind
	Peer   PeerID
	Handle TransportHandle
	RSSI   int
	At     time.Time
	Data   []byte
	Err    error
	Sample RangingSample
}
