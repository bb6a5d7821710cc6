// Package domain: ranging types.
// Ranging is fine-grained distance/direction measurement between two peers
// that have exchanged discovery tokens.
package domain

import "math"

// Vector3 is a unit-ish direction vector from the local device to a peer.
type Vector3 struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	Z float64 `json:"z"`
}

// HorizontalAngle returns |atan2(y, x)| in degrees.
func (v Vector3) HorizontalAngle() float64 {
	return math.Abs(math.Atan2(v.Y, v.X)) * 180 / math.Pi
}

// VerticalAngle returns |atan2(z, sqrt(x²+y²))| in degrees.
func (v Vector3) VerticalAngle() float64 {
	return math.Abs(math.Atan2(v.Z, math.Hypot(v.X, v.Y))) * 180 / math.Pi
}

// RangingSample is the latest measurement for a peer. A NaN distance means
// the ranging subsystem reported no distance; Direction is nil when the
// hardware could not resolve an angle.
type RangingSample struct {
	Peer      PeerID   `json:"peer"`
	Distance  float64  `json:"distance_m"`
	Direction *Vector3 `json:"direction,omitempty"`
}

// HasDistance reports whether a distance was measured.
func (s RangingSample) HasDistance() bool {
	return !math.IsNaN(s.Distance)
}

// ProximityTier is the strongest classification a sample earns.
type ProximityTier int

const (
	TierNone ProximityTier = iota
	TierNearby
	TierPointingAt
	TierTouching
)

// String returns a human-readable tier name.
func (t ProximityTier) String() string {
	switch t {
	case TierNearby:
		return "nearby"
	case TierPointingAt:
		return "pointing_at"
	case TierTouching:
		return "touching"
	default:
		return "none"
	}
}

// MarshalText implements encoding.TextMarshaler.
func (t ProximityTier) MarshalText() ([]byte, error) {
	return []byte(t.String()), nil
}

// Proximity holds the three tier memberships. They are evaluated
// independently and are not a strict hierarchy: a direction-less sample at
// 8cm is Touching and Nearby, while an aligned one must also pass the angle test.
type Proximity struct {
	Nearby     bool `json:"nearby"`
	PointingAt bool `json:"pointing_at"`
	Touching   bool `json:"touching"`
}

// Tier returns the strongest membership, Touching first.
func (p Proximity) Tier() ProximityTier {
	switch {
	case p.Touching:
		return TierTouching
	case p.PointingAt:
		return TierPointingAt
	case p.Nearby:
		return TierNearby
	default:
		return TierNone
	}
}
