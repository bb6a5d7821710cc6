// Package wire implements the fixed-header binary peer message format.
//
// Layout (big-endian length):
//
//	SenderID (16) | Type (1) | PayloadLen (2) | Payload (0-65535)
//
// The header is always 19 bytes. Decode ignores bytes past the declared
// payload; a transport that coalesces writes gets the first frame only.
package wire

import (
	"encoding/binary"
	"fmt"

	"github.com/boop-network/boop/internal/domain"
)

const (
	// HeaderSize is SenderID + Type + PayloadLen.
	HeaderSize = domain.PeerIDSize + 1 + 2

	// MaxPayloadSize is the largest payload the 2-byte length can declare.
	MaxPayloadSize = 0xFFFF

	typeOffset   = domain.PeerIDSize
	lengthOffset = domain.PeerIDSize + 1
)

// MessageType is the one-byte message tag.
type MessageType uint8

// Tag 0x04 (text message) is retired and must stay unassigned.
const (
	ConnectionRequest MessageType = 0x01
	ConnectionAccept  MessageType = 0x02
	ConnectionReject  MessageType = 0x03
	Disconnect        MessageType = 0x05
	Boop              MessageType = 0x06
)

// Valid reports whether t is one of the five assigned tags.
func (t MessageType) Valid() bool {
	switch t {
	case ConnectionRequest, ConnectionAccept, ConnectionReject, Disconnect, Boop:
		return true
	default:
		return false
	}
}

// String returns a human-readable tag name.
func (t MessageType) String() string {
	switch t {
	case ConnectionRequest:
		return "connection_request"
	case ConnectionAccept:
		return "connection_accept"
	case ConnectionReject:
		return "connection_reject"
	case Disconnect:
		return "disconnect"
	case Boop:
		return "boop"
	default:
		return fmt.Sprintf("unknown(0x%02x)", uint8(t))
	}
}

// ParseMessageType maps a tag name back to its MessageType.
func ParseMessageType(s string) (MessageType, error) {
	for _, t := range []MessageType{ConnectionRequest, ConnectionAccept, ConnectionReject, Disconnect, Boop} {
		if t.String() == s {
			return t, nil
		}
	}
	return 0, fmt.Errorf("%w: %q", domain.ErrUnknownMessageType, s)
}

// Message is one decoded peer message.
type Message struct {
	SenderID domain.PeerID
	Type     MessageType
	Payload  []byte
}

// EncodedLen returns the exact encoded size of m.
func (m Message) EncodedLen() int {
	return HeaderSize + len(m.Payload)
}

// Encode serialises m. Payloads longer than MaxPayloadSize cannot be
// described by the length field; callers must reject them beforehand and
// Encode reports ErrPayloadTooLarge instead of truncating.
func Encode(m Message) ([]byte, error) {
	return Append(make([]byte, 0, m.EncodedLen()), m)
}

// Append encodes m onto dst.
func Append(dst []byte, m Message) ([]byte, error) {
	if len(m.Payload) > MaxPayloadSize {
		return dst, fmt.Errorf("%w: %d bytes", domain.ErrPayloadTooLarge, len(m.Payload))
	}
	dst = append(dst, m.SenderID[:]...)
	dst = append(dst, byte(m.Type))
	dst = binary.BigEndian.AppendUint16(dst, uint16(len(m.Payload)))
	return append(dst, m.Payload...), nil
}

// Decode parses one frame. Checks run in header order: length, identifier,
// type tag, then declared payload length. The returned payload is a copy.
func Decode(b []byte) (Message, error) {
	if len(b) < HeaderSize {
		return Message{}, fmt.Errorf("%w: got %d bytes", domain.ErrTooShort, len(b))
	}
	sender, err := domain.PeerIDFromBytes(b[:domain.PeerIDSize])
	if err != nil {
		return Message{}, err
	}
	t := MessageType(b[typeOffset])
	if !t.Valid() {
		return Message{}, fmt.Errorf("%w: 0x%02x", domain.ErrUnknownMessageType, uint8(t))
	}
	n := int(binary.BigEndian.Uint16(b[lengthOffset:HeaderSize]))
	if len(b) < HeaderSize+n {
		return Message{}, fmt.Errorf("%w: declared %d, have %d", domain.ErrPayloadLengthMismatch, n, len(b)-HeaderSize)
	}
	payload := make([]byte, n)
	copy(payload, b[HeaderSize:HeaderSize+n])
	return Message{SenderID: sender, Type: t, Payload: payload}, nil
}

// New builds a message with an empty payload.
func New(sender domain.PeerID, t MessageType) Message {
	return Message{SenderID: sender, Type: t, Payload: []byte{}}
}
