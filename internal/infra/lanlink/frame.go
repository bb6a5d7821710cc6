package lanlink

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/boop-network/boop/internal/domain"
)

// Link frames wrap everything the transport carries between two daemons.
// On a stream each frame is preceded by a 4-byte big-endian length.
//
//	[kind:1][sender:16][addrLen:1][addr:addrLen][body...]
//
// addr is the sender's advertised listen address; it becomes the
// transport handle on the receiving side.

type frameKind uint8

const (
	kindBeacon frameKind = iota + 1
	kindConnect
	kindData
	kindToken
	kindDisconnect
)

func (k frameKind) String() string {
	switch k {
	case kindBeacon:
		return "beacon"
	case kindConnect:
		return "connect"
	case kindData:
		return "data"
	case kindToken:
		return "token"
	case kindDisconnect:
		return "disconnect"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

const (
	frameHeader  = 1 + domain.PeerIDSize + 1
	maxFrameSize = 1 << 20
)

var errBadFrame = errors.New("lanlink: malformed frame")

type frame struct {
	kind   frameKind
	sender domain.PeerID
	addr   string
	body   []byte
}

func (f frame) marshal() ([]byte, error) {
	if len(f.addr) > 255 {
		return nil, fmt.Errorf("%w: address longer than 255 bytes", errBadFrame)
	}
	b := make([]byte, 0, frameHeader+len(f.addr)+len(f.body))
	b = append(b, byte(f.kind))
	b = append(b, f.sender[:]...)
	b = append(b, byte(len(f.addr)))
	b = append(b, f.addr...)
	b = append(b, f.body...)
	return b, nil
}

func unmarshalFrame(b []byte) (frame, error) {
	if len(b) < frameHeader {
		return frame{}, fmt.Errorf("%w: %d bytes", errBadFrame, len(b))
	}
	var f frame
	f.kind = frameKind(b[0])
	if f.kind < kindBeacon || f.kind > kindDisconnect {
		return frame{}, fmt.Errorf("%w: kind %d", errBadFrame, b[0])
	}
	id, err := domain.PeerIDFromBytes(b[1 : 1+domain.PeerIDSize])
	if err != nil {
		return frame{}, err
	}
	f.sender = id
	n := int(b[frameHeader-1])
	if len(b) < frameHeader+n {
		return frame{}, fmt.Errorf("%w: address truncated", errBadFrame)
	}
	f.addr = string(b[frameHeader : frameHeader+n])
	if rest := b[frameHeader+n:]; len(rest) > 0 {
		f.body = append([]byte(nil), rest...)
	}
	return f, nil
}

func writeFrame(w io.Writer, f frame) error {
	b, err := f.marshal()
	if err != nil {
		return err
	}
	if len(b) > maxFrameSize {
		return fmt.Errorf("%w: %d bytes", errBadFrame, len(b))
	}
	buf := make([]byte, 4+len(b))
	binary.BigEndian.PutUint32(buf, uint32(len(b)))
	copy(buf[4:], b)
	_, err = w.Write(buf)
	return err
}

func readFrame(r io.Reader) (frame, error) {
	var hdr [4]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return frame{}, err
	}
	n := binary.BigEndian.Uint32(hdr[:])
	if n > maxFrameSize {
		return frame{}, fmt.Errorf("%w: length %d", errBadFrame, n)
	}
	b := make([]byte, n)
	if _, err := io.ReadFull(r, b); err != nil {
		return frame{}, err
	}
	return unmarshalFrame(b)
}
