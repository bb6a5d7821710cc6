// Package domain: peer identity and discovery types.
// A Peer is another device in radio range, identified by a stable 128-bit ID.
package domain

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// PeerIDSize is the encoded size of a PeerID on the wire.
const PeerIDSize = 16

// PeerID is an opaque 128-bit device identifier, stable per device.
// It is the join key across discovery, ranging and sessions.
type PeerID uuid.UUID

// NilPeer is the zero PeerID.
var NilPeer PeerID

// NewPeerID generates a random (v4) PeerID.
func NewPeerID() PeerID {
	return PeerID(uuid.New())
}

// ParsePeerID parses the canonical textual form of a PeerID.
func ParsePeerID(s string) (PeerID, error) {
	u, err := uuid.Parse(s)
	if err != nil {
		return NilPeer, fmt.Errorf("%w: %v", ErrInvalidPeerID, err)
	}
	return PeerID(u), nil
}

// PeerIDFromBytes reads a PeerID from exactly 16 raw bytes.
func PeerIDFromBytes(b []byte) (PeerID, error) {
	u, err := uuid.FromBytes(b)
	if err != nil {
		return NilPeer, fmt.Errorf("%w: %v", ErrInvalidPeerID, err)
	}
	return PeerID(u), nil
}

// String returns the canonical 36-character form.
func (p PeerID) String() string {
	return uuid.UUID(p).String()
}

// Short returns the first 8 hex characters, for log lines.
func (p PeerID) Short() string {
	return p.String()[:8]
}

// IsZero reports whether p is the nil identifier.
func (p PeerID) IsZero() bool {
	return p == NilPeer
}

// MarshalText implements encoding.TextMarshaler.
func (p PeerID) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (p *PeerID) UnmarshalText(b []byte) error {
	id, err := ParsePeerID(string(b))
	if err != nil {
		return err
	}
	*p = id
	return nil
}

// TransportHandle is an opaque back-reference to the transport's connection
// object for a peer. The core stores and returns it but never dereferences it.
type TransportHandle any

// DiscoveredPeer is a peer currently visible to the discovery radio.
type DiscoveredPeer struct {
	ID       PeerID          `json:"id"`
	LastSeen time.Time       `json:"last_seen"`
	RSSI     int             `json:"rssi"`
	Handle   TransportHandle `json:"-"`
}

// IsStale reports whether the peer has not been re-sighted within threshold.
func (p DiscoveredPeer) IsStale(now time.Time, threshold time.Duration) bool {
	return now.Sub(p.LastSeen) >= threshold
}
