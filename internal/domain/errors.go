package domain

import "errors"

// ─── Sentinel Errors ────────────────────────────────────────────────────────
// Domain errors are pure, with no infrastructure dependency.

var (
	// Wire decode errors. Malformed input is always dropped locally.
	ErrTooShort              = errors.New("frame shorter than 19-byte header")
	ErrInvalidPeerID         = errors.New("invalid peer id")
	ErrUnknownMessageType    = errors.New("unknown message type")
	ErrPayloadLengthMismatch = errors.New("payload shorter than declared length")

	// Wire encode precondition
	ErrPayloadTooLarge = errors.New("payload exceeds 65535 bytes")

	// Resource-not-found
	ErrPeerNotFound = errors.New("peer not found in discovery registry")
	ErrNotConnected = errors.New("peer is not connected")

	// Boop queue
	ErrAttemptsExhausted = errors.New("connection attempts exhausted")

	// Ranging
	ErrRangingUnavailable = errors.New("ranging unavailable on this device")
	ErrNoDiscoveryToken   = errors.New("no local discovery token")

	// Lifecycle
	ErrStopped       = errors.New("subsystem stopped")
	ErrTransportDown = errors.New("transport not started")
)
