// Package transport hands delivered messages to receivers. Adapters forward
// the wire message verbatim; they never inspect or modify it.
package transport

import (
	"context"
	"errors"

	"github.com/ocx/vecgate/internal/circuitbreaker"
	"github.com/ocx/vecgate/internal/vector"
)

var (
	ErrClosed       = errors.New("transport closed")
	ErrNoReceiver   = errors.New("receiver not connected")
	ErrBackpressure = errors.New("receiver buffer full")
)

// Transport delivers a signed message to its receiver.
type Transport interface {
	Send(ctx context.Context, m *vector.Message) error
	Name() string
	Close() error
}

// wire encodes m exactly as it leaves the gateway.
func wire(m *vector.Message) ([]byte, error) {
	return m.Encode()
}

// ============================================================================
// CIRCUIT BREAKER WRAPPER
// ============================================================================

type breakerTransport struct {
	inner Transport
	cb    *circuitbreaker.Breaker
}

// WithBreaker guards inner with cb so a failing backend is shed quickly.
// A nil cb uses the default config named after the transport.
func WithBreaker(inner Transport, cb *circuitbreaker.Breaker) Transport {
	if cb == nil {
		cb = circuitbreaker.New(circuitbreaker.DefaultConfig("transport-" + inner.Name()))
	}
	return &breakerTransport{inner: inner, cb: cb}
}

func (b *breakerTransport) Send(ctx context.Context, m *vector.Message) error {
	return b.cb.Execute(ctx, func(ctx context.Context) error {
		return b.inner.Send(ctx, m)
	})
}

func (b *breakerTransport) Name() string { return b.inner.Name() }
func (b *breakerTransport) Close() error { return b.inner.Close() }
