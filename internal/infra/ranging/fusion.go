// Package ranging turns raw distance/direction samples into proximity tiers.
//
// Fusion stores the most recent sample per peer and classifies on demand.
// Classification is never cached: Classify always reads the latest sample.
// When ranging hardware is unavailable the whole engine degrades to
// "nothing is near" so discovery and messaging keep working.
package ranging

import (
	"bytes"
	"math"
	"sync"

	"github.com/boop-network/boop/internal/domain"
)

// Thresholds configures classification.
type Thresholds struct {
	TouchingDistance   float64 `toml:"touching_distance_m"`
	PointingMaxDist    float64 `toml:"pointing_max_distance_m"`
	MaxHorizontalAngle float64 `toml:"max_horizontal_angle_deg"`
	MaxVerticalAngle   float64 `toml:"max_vertical_angle_deg"`
}

// DefaultThresholds returns the reference tuning.
func DefaultThresholds() Thresholds {
	return Thresholds{
		TouchingDistance:   0.10,
		PointingMaxDist:    0.50,
		MaxHorizontalAngle: 15,
		MaxVerticalAngle:   10,
	}
}

// Classify evaluates a sample against t. A sample without a distance, or
// with a negative or infinite one, is in no tier. A missing direction satisfies the angle test for PointingAt and
// Touching; Nearby never looks at direction.
func (t Thresholds) Classify(s domain.RangingSample) domain.Proximity {
	if !s.HasDistance() || s.Distance < 0 || math.IsInf(s.Distance, 0) {
		return domain.Proximity{}
	}
	aligned := true
	if s.Direction != nil {
		aligned = s.Direction.HorizontalAngle() <= t.MaxHorizontalAngle &&
			s.Direction.VerticalAngle() <= t.MaxVerticalAngle
	}
	withinPointing := s.Distance <= t.PointingMaxDist
	return domain.Proximity{
		Nearby:     withinPointing,
		PointingAt: withinPointing && aligned,
		Touching:   s.Distance <= t.TouchingDistance && aligned,
	}
}

type session struct {
	localToken  []byte
	remoteToken []byte
}

// Fusion holds per-peer samples and ranging sessions. Safe for concurrent use.
type Fusion struct {
	mu        sync.RWMutex
	th        Thresholds
	available bool
	samples   map[domain.PeerID]domain.RangingSample
	sessions  map[domain.PeerID]*session
}

// New creates a fusion engine with ranging available.
func New(th Thresholds) *Fusion {
	return &Fusion{
		th:        th,
		available: true,
		samples:   make(map[domain.PeerID]domain.RangingSample),
		sessions:  make(map[domain.PeerID]*session),
	}
}

// Thresholds returns the active thresholds.
func (f *Fusion) Thresholds() Thresholds {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.th
}

// SetAvailable marks the ranging hardware as present or absent. Marking it
// unavailable drops all samples and sessions.
func (f *Fusion) SetAvailable(ok bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.available = ok
	if !ok {
		f.samples = make(map[domain.PeerID]domain.RangingSample)
		f.sessions = make(map[domain.PeerID]*session)
	}
}

// Available reports whether ranging is usable.
func (f *Fusion) Available() bool {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.available
}

// Update overwrites the stored sample for peer. Values are not validated;
// negative or absurd distances simply fail every tier. Updates with no
// active session are kept (last write wins).
func (f *Fusion) Update(peer domain.PeerID, distance float64, direction *domain.Vector3) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.available {
		return
	}
	var dir *domain.Vector3
	if direction != nil {
		d := *direction
		dir = &d
	}
	f.samples[peer] = domain.RangingSample{Peer: peer, Distance: distance, Direction: dir}
}

// Sample returns the latest stored sample for peer.
func (f *Fusion) Sample(peer domain.PeerID) (domain.RangingSample, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	s, ok := f.samples[peer]
	return s, ok
}

// Classify computes tier membership from the latest sample. No sample, or
// ranging unavailable, yields all false.
func (f *Fusion) Classify(peer domain.PeerID) domain.Proximity {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if !f.available {
		return domain.Proximity{}
	}
	s, ok := f.samples[peer]
	if !ok {
		return domain.Proximity{}
	}
	return f.th.Classify(s)
}

// IsNearby reports distance <= PointingMaxDist.
func (f *Fusion) IsNearby(peer domain.PeerID) bool { return f.Classify(peer).Nearby }

// IsPointingAt reports Nearby plus angle alignment.
func (f *Fusion) IsPointingAt(peer domain.PeerID) bool { return f.Classify(peer).PointingAt }

// IsApproximatelyTouching reports distance <= TouchingDistance plus angle alignment.
func (f *Fusion) IsApproximatelyTouching(peer domain.PeerID) bool { return f.Classify(peer).Touching }

// SessionStart opens a ranging session. It reports true only when a new
// session was created; a repeat call refreshes the stored tokens and
// returns false. Always false while ranging is unavailable.
func (f *Fusion) SessionStart(peer domain.PeerID, localToken, remoteToken []byte) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.available {
		return false
	}
	if s, ok := f.sessions[peer]; ok {
		if !bytes.Equal(s.remoteToken, remoteToken) {
			s.remoteToken = bytes.Clone(remoteToken)
		}
		s.localToken = bytes.Clone(localToken)
		return false
	}
	f.sessions[peer] = &session{
		localToken:  bytes.Clone(localToken),
		remoteToken: bytes.Clone(remoteToken),
	}
	return true
}

// SessionStop closes the session for peer and drops its sample. It reports
// whether a session was active. Safe to call repeatedly.
func (f *Fusion) SessionStop(peer domain.PeerID) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.samples, peer)
	if _, ok := f.sessions[peer]; !ok {
		return false
	}
	delete(f.sessions, peer)
	return true
}

// HasSession reports whether peer has an active session.
func (f *Fusion) HasSession(peer domain.PeerID) bool {
	f.mu.RLock()
	defer f.mu.RUnlock()
	_, ok := f.sessions[peer]
	return ok
}

// RemoteToken returns the token peer sent for its active session.
func (f *Fusion) RemoteToken(peer domain.PeerID) ([]byte, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	s, ok := f.sessions[peer]
	if !ok {
		return nil, false
	}
	return bytes.Clone(s.remoteToken), true
}

// Sessions returns the peers with an active session.
func (f *Fusion) Sessions() []domain.PeerID {
	f.mu.RLock()
	defer f.mu.RUnlock()
	out := make([]domain.PeerID, 0, len(f.sessions))
	for id := range f.sessions {
		out = append(out, id)
	}
	return out
}

// StopAll closes every session and returns the peers that were active.
func (f *Fusion) StopAll() []domain.PeerID {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]domain.PeerID, 0, len(f.sessions))
	for id := range f.sessions {
		out = append(out, id)
	}
	f.sessions = make(map[domain.PeerID]*session)
	f.samples = make(map[domain.PeerID]domain.RangingSample)
	return out
}
