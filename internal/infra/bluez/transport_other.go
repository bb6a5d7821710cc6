//go:build !linux

package bluez

import (
	"context"

	"github.com/boop-network/boop/internal/domain"
)

// Transport is unavailable off Linux; New always fails.
type Transport struct{}

// New reports ErrUnsupported.
func New(domain.PeerID, Config) (*Transport, error) { return nil, ErrUnsupported }

func (*Transport) Start(context.Context, domain.InputSink) error { return ErrUnsupported }
func (*Transport) Connect(domain.PeerID, domain.TransportHandle) {}
func (*Transport) Send(domain.PeerID, domain.TransportHandle, []byte) {}
func (*Transport) ExchangeToken(domain.PeerID, domain.TransportHandle, []byte) {}
func (*Transport) Disconnect(domain.PeerID, domain.TransportHandle) {}
func (*Transport) Close() error { return nil }
func (*Transport) Running() bool { return false }
