package lanlink

import (
	"bytes"
	"errors"
	"io"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/boop-network/boop/internal/domain"
)

func TestFrame_StreamRoundTrip(t *testing.T) {
	sender := domain.NewPeerID()
	frames := []frame{
		{kind: kindBeacon, sender: sender, addr: "10.0.0.2:7420"},
		{kind: kindData, sender: sender, addr: "10.0.0.2:7420", body: []byte{0xB0, 0x0B}},
		{kind: kindDisconnect, sender: sender},
	}
	var buf bytes.Buffer
	for _, f := range frames {
		if err := writeFrame(&buf, f); err != nil {
			t.Fatalf("writeFrame(%s) error: %v", f.kind, err)
		}
	}
	for _, want := range frames {
		got, err := readFrame(&buf)
		if err != nil {
			t.Fatalf("readFrame() error: %v", err)
		}
		if diff := cmp.Diff(want, got, cmp.AllowUnexported(frame{})); diff != "" {
			t.Errorf("frame mismatch (-want +got):\n%s", diff)
		}
	}
	if _, err := readFrame(&buf); !errors.Is(err, io.EOF) {
		t.Errorf("trailing read err = %v, want EOF", err)
	}
}

func TestFrame_Malformed(t *testing.T) {
	id := domain.NewPeerID()
	valid, _ := frame{kind: kindConnect, sender: id, addr: "h:1"}.marshal()

	tests := []struct {
		name string
		raw  []byte
	}{
		{"empty", nil},
		{"short header", valid[:5]},
		{"unknown kind", append([]byte{0x7F}, valid[1:]...)},
		{"truncated addr", valid[:len(valid)-1]},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := unmarshalFrame(tc.raw); !errors.Is(err, errBadFrame) {
				t.Errorf("err = %v, want errBadFrame", err)
			}
		})
	}
}

func TestFrame_OversizedLength(t *testing.T) {
	r := bytes.NewReader([]byte{0xFF, 0xFF, 0xFF, 0xFF})
	if _, err := readFrame(r); !errors.Is(err, errBadFrame) {
		t.Errorf("err = %v", err)
	}
}

func TestFrame_LongAddress(t *testing.T) {
	f := frame{kind: kindBeacon, addr: string(bytes.Repeat([]byte("a"), 256))}
	if _, err := f.marshal(); !errors.Is(err, errBadFrame) {
		t.Errorf("err = %v", err)
	}
}

func TestBackoff(t *testing.T) {
	tests := []struct {
		attempt int
		want    string
	}{
		{1, "100ms"},
		{2, "200ms"},
		{3, "400ms"},
		{6, "1s"},
	}
	for _, tc := range tests {
		if got := backoff(tc.attempt).String(); got != tc.want {
			t.Errorf("backoff(%d) = %s, want %s", tc.attempt, got, tc.want)
		}
	}
}
