package domain

// ConnState is the transport-level connection state of a peer.
type ConnState int

const (
	StateDisconnected ConnState = iota
	StateConnecting
	StateConnected
	StateFailed // terminal until an explicit reconnect
)

// String returns a human-readable state name.
func (s ConnState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// MarshalText implements encoding.TextMarshaler.
func (s ConnState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// ConnectionState pairs a ConnState with the failure reason for StateFailed.
type ConnectionState struct {
	State  ConnState `json:"state"`
	Reason string    `json:"reason,omitempty"`
}

// Failed builds a StateFailed connection state.
func Failed(reason string) ConnectionState {
	return ConnectionState{State: StateFailed, Reason: reason}
}

// IsConnected returns true if the transport link is up.
func (c ConnectionState) IsConnected() bool {
	return c.State == StateConnected
}

// String returns the state, with the reason for failures.
func (c ConnectionState) String() string {
	if c.State == StateFailed && c.Reason != "" {
		return "failed(" + c.Reason + ")"
	}
	return c.State.String()
}
