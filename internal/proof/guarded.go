package proof

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ocx/vecgate/internal/circuitbreaker"
	"github.com/ocx/vecgate/internal/core"
)

// DefaultTimeout bounds a single Generate or Verify call.
const DefaultTimeout = 2 * time.Second

var ErrProverTimeout = errors.New("prover timed out")

// GuardedProver wraps a backend with a per-call timeout and a circuit
// breaker. Every failure comes back as a *core.ProofError so callers block.
type GuardedProver struct {
	inner   Prover
	timeout time.Duration
	breaker *circuitbreaker.Breaker
}

// NewGuardedProver wraps inner. A nil breaker uses the default config.
func NewGuardedProver(inner Prover, timeout time.Duration, breaker *circuitbreaker.Breaker) *GuardedProver {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if breaker == nil {
		breaker = circuitbreaker.New(circuitbreaker.DefaultConfig("prover"))
	}
	return &GuardedProver{inner: inner, timeout: timeout, breaker: breaker}
}

// Breaker exposes the breaker for health reporting.
func (g *GuardedProver) Breaker() *circuitbreaker.Breaker { return g.breaker }

func (g *GuardedProver) Generate(ctx context.Context, st Statement, w Witness) (*Proof, error) {
	p, err := guard(ctx, g, func(ctx context.Context) (*Proof, error) {
		return g.inner.Generate(ctx, st, w)
	})
	if err != nil {
		return nil, &core.ProofError{Op: "generate", Err: err}
	}
	return p, nil
}

func (g *GuardedProver) Verify(ctx context.Context, p *Proof, st Statement) (bool, error) {
	ok, err := guard(ctx, g, func(ctx context.Context) (bool, error) {
		return g.inner.Verify(ctx, p, st)
	})
	if err != nil {
		return false, &core.ProofError{Op: "verify", Err: err}
	}
	return ok, nil
}

// guard runs fn under the breaker in its own goroutine so a backend that
// ignores its context still cannot hold the caller past the timeout.
func guard[T any](ctx context.Context, g *GuardedProver, fn func(context.Context) (T, error)) (T, error) {
	return circuitbreaker.Do(ctx, g.breaker, func(ctx context.Context) (T, error) {
		ctx, cancel := context.WithTimeout(ctx, g.timeout)
		defer cancel()

		type result struct {
			v   T
			err error
		}
		done := make(chan result, 1)
		go func() {
			v, err := fn(ctx)
			done <- result{v, err}
		}()

		select {
		case r := <-done:
			return r.v, r.err
		case <-ctx.Done():
			var zero T
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return zero, fmt.Errorf("%w after %s: %w", ErrProverTimeout, g.timeout, context.DeadlineExceeded)
			}
			return zero, ctx.Err()
		}
	})
}
