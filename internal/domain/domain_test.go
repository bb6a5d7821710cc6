package domain

import (
	"encoding/json"
	"errors"
	"math"
	"testing"
	"time"
)

// ─── PeerID Tests ───────────────────────────────────────────────────────────

func TestPeerID_ParseRoundTrip(t *testing.T) {
	id := NewPeerID()
	got, err := ParsePeerID(id.String())
	if err != nil {
		t.Fatalf("ParsePeerID() error: %v", err)
	}
	if got != id {
		t.Errorf("ParsePeerID(%s) = %s", id, got)
	}
}

func TestPeerID_ParseInvalid(t *testing.T) {
	_, err := ParsePeerID("not-a-peer")
	if !errors.Is(err, ErrInvalidPeerID) {
		t.Errorf("err = %v, want ErrInvalidPeerID", err)
	}
}

func TestPeerIDFromBytes(t *testing.T) {
	raw := make([]byte, PeerIDSize)
	for i := range raw {
		raw[i] = byte(i)
	}
	id, err := PeerIDFromBytes(raw)
	if err != nil {
		t.Fatalf("PeerIDFromBytes() error: %v", err)
	}
	if id.String() != "00010203-0405-0607-0809-0a0b0c0d0e0f" {
		t.Errorf("String() = %s", id)
	}
	if _, err := PeerIDFromBytes(raw[:15]); !errors.Is(err, ErrInvalidPeerID) {
		t.Errorf("15 bytes: err = %v, want ErrInvalidPeerID", err)
	}
}

func TestPeerID_JSON(t *testing.T) {
	id := NewPeerID()
	b, err := json.Marshal(struct {
		ID PeerID `json:"id"`
	}{id})
	if err != nil {
		t.Fatalf("Marshal() error: %v", err)
	}
	var out struct {
		ID PeerID `json:"id"`
	}
	if err := json.Unmarshal(b, &out); err != nil {
		t.Fatalf("Unmarshal() error: %v", err)
	}
	if out.ID != id {
		t.Errorf("JSON round trip = %s, want %s", out.ID, id)
	}
}

func TestDiscoveredPeer_IsStale(t *testing.T) {
	t0 := time.Unix(1000, 0)
	p := DiscoveredPeer{ID: NewPeerID(), LastSeen: t0}
	if p.IsStale(t0.Add(4999*time.Millisecond), 5*time.Second) {
		t.Error("4.999s should not be stale")
	}
	if !p.IsStale(t0.Add(5*time.Second), 5*time.Second) {
		t.Error("exactly 5s should be stale")
	}
}

// ─── Connection Tests ───────────────────────────────────────────────────────

func TestConnectionState_String(t *testing.T) {
	tests := []struct {
		state ConnectionState
		want  string
	}{
		{ConnectionState{State: StateDisconnected}, "disconnected"},
		{ConnectionState{State: StateConnecting}, "connecting"},
		{ConnectionState{State: StateConnected}, "connected"},
		{Failed("timeout"), "failed(timeout)"},
		{ConnectionState{State: StateFailed}, "failed"},
	}
	for _, tt := range tests {
		if got := tt.state.String(); got != tt.want {
			t.Errorf("String() = %q, want %q", got, tt.want)
		}
	}
}

// ─── Ranging Tests ──────────────────────────────────────────────────────────

func TestVector3_Angles(t *testing.T) {
	tests := []struct {
		name  string
		v     Vector3
		horiz float64
		vert  float64
	}{
		{"aligned", Vector3{X: 1}, 0, 0},
		{"left 45", Vector3{X: 1, Y: 1}, 45, 0},
		{"right 45", Vector3{X: 1, Y: -1}, 45, 0},
		{"up 45", Vector3{X: 1, Z: 1}, 0, 45},
		{"behind", Vector3{X: -1}, 180, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.v.HorizontalAngle(); math.Abs(got-tt.horiz) > 1e-9 {
				t.Errorf("HorizontalAngle() = %v, want %v", got, tt.horiz)
			}
			if got := tt.v.VerticalAngle(); math.Abs(got-tt.vert) > 1e-9 {
				t.Errorf("VerticalAngle() = %v, want %v", got, tt.vert)
			}
		})
	}
}

func TestProximity_Tier(t *testing.T) {
	tests := []struct {
		p    Proximity
		want ProximityTier
	}{
		{Proximity{}, TierNone},
		{Proximity{Nearby: true}, TierNearby},
		{Proximity{Nearby: true, PointingAt: true}, TierPointingAt},
		{Proximity{Nearby: true, PointingAt: true, Touching: true}, TierTouching},
		{Proximity{Touching: true}, TierTouching},
	}
	for _, tt := range tests {
		t.Run(tt.want.String(), func(t *testing.T) {
			if got := tt.p.Tier(); got != tt.want {
				t.Errorf("Tier() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestRangingSample_HasDistance(t *testing.T) {
	if (RangingSample{Distance: math.NaN()}).HasDistance() {
		t.Error("NaN distance should report no distance")
	}
	if !(RangingSample{Distance: 0}).HasDistance() {
		t.Error("zero distance is a measurement")
	}
}

// ─── Event Tests ────────────────────────────────────────────────────────────

func TestEventKind_Names(t *testing.T) {
	seen := make(map[string]bool)
	for k := EventPeerDiscovered; k <= EventProximityChanged; k++ {
		name := k.String()
		if name == "unknown" {
			t.Errorf("EventKind(%d) has no name", k)
		}
		if seen[name] {
			t.Errorf("duplicate event name %q", name)
		}
		seen[name] = true

		back, ok := ParseEventKind(name)
		if !ok || back != k {
			t.Errorf("ParseEventKind(%q) = %v, %v", name, back, ok)
		}
	}
	if _, ok := ParseEventKind("nope"); ok {
		t.Error("ParseEventKind should reject unknown names")
	}
}

func TestHistoryFromEvent(t *testing.T) {
	id := NewPeerID()
	at := time.Unix(1700000000, 0)

	h := HistoryFromEvent(Event{Kind: EventConnectionResponseReceived, Peer: id, Accepted: true, At: at})
	if h.Detail != "accepted" || h.Peer != id || !h.At.Equal(at) {
		t.Errorf("accepted response = %+v", h)
	}
	h = HistoryFromEvent(Event{Kind: EventBoopFailed, Peer: id, Reason: "attempts exhausted"})
	if h.Detail != "attempts exhausted" {
		t.Errorf("Detail = %q", h.Detail)
	}
	if EventPeerDiscovered.Recordable() || !EventBoopSent.Recordable() {
		t.Error("Recordable() classification wrong")
	}
}
