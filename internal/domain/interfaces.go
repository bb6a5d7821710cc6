package domain

import "context"

// ─── Collaborator Interfaces ────────────────────────────────────────────────
// The radio stack and ranging hardware are external. The core only talks to
// them through these narrow interfaces; infrastructure implements them.

// InputSink receives transport and ranging inputs.
type InputSink func(Input)

// Transport abstracts the discovery/connection radio (BLE, a LAN link, or
// the in-memory loopback medium).
//
// Connect, Send, ExchangeToken and Disconnect are asynchronous requests: they
// must not block, and they report completion or failure through the sink
// (InputConnected, InputConnectFailed, InputSendFailed, InputDisconnected).
// Implementations must not call the sink synchronously from these methods.
type Transport interface {
	// Start begins advertising and scanning. Sightings and inbound frames
	// are delivered to sink until ctx is cancelled or Close is called.
	Start(ctx context.Context, sink InputSink) error

	// Connect opens a transport-level connection to a discovered peer.
	Connect(id PeerID, handle TransportHandle)

	// Send writes one encoded wire frame to a peer.
	Send(id PeerID, handle TransportHandle, frame []byte)

	// ExchangeToken writes the local discovery token on the ranging-token channel.
	ExchangeToken(id PeerID, handle TransportHandle, token []byte)

	// Disconnect tears down the transport-level connection.
	Disconnect(id PeerID, handle TransportHandle)

	// Close releases all resources. Safe to call more than once.
	Close() error
}

// Ranging abstracts the fine-grained ranging hardware. Samples arrive
// through the transport sink as InputRangingSample.
type Ranging interface {
	// Available reports whether this device supports ranging at all.
	Available() bool

	// CurrentToken returns the local discovery token, or nil if none.
	CurrentToken() []byte

	// StartRanging begins measuring against a peer's discovery token.
	StartRanging(id PeerID, remoteToken []byte) error

	// StopRanging ends measurement for a peer. Unknown peers are ignored.
	StopRanging(id PeerID)
}

// HistoryStore persists the interaction journal.
// Implemented by infra/sqlite.DB.
type HistoryStore interface {
	InsertHistory(entry HistoryEntry) (int64, error)
	History(limit int) ([]HistoryEntry, error)
	HistoryForPeer(id PeerID, limit int) ([]HistoryEntry, error)
}
