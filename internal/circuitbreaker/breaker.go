// Package circuitbreaker stops calls to a failing dependency (an external
// prover, a transport) so that callers fail fast instead of piling up.
package circuitbreaker

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

type State int

const (
	StateClosed   State = iota // calls pass through
	StateOpen                  // calls rejected until the cooldown elapses
	StateHalfOpen              // a limited number of trial calls admitted
)

var stateNames = [...]string{"closed", "open", "half_open"}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return "unknown"
	}
	return stateNames[s]
}

var (
	ErrCircuitOpen = errors.New("circuitbreaker: open")
	ErrTrialLimit  = errors.New("circuitbreaker: half-open trial limit reached")
)

// Config tunes a Breaker. Zero values fall back to DefaultConfig.
type Config struct {
	Name string

	// Threshold is the failure streak that opens a closed breaker.
	Threshold uint32

	// Cooldown is how long the breaker stays open before admitting trial calls.
	Cooldown time.Duration

	// Trials is both the number of calls admitted while half-open and the
	// success streak that closes the breaker again.
	Trials uint32

	// Window resets the closed-state tallies. Zero keeps them until the
	// next transition.
	Window time.Duration

	OnTransition func(name string, from, to State)
}

// DefaultConfig opens after 5 straight failures and retries after 30s.
func DefaultConfig(name string) *Config {
	return &Config{
		Name:      name,
		Threshold: 5,
		Cooldown:  30 * time.Second,
		Trials:    1,
		Window:    time.Minute,
		OnTransition: func(name string, from, to State) {
			slog.Warn("circuit breaker transition", "breaker", name, "from", from.String(), "to", to.String())
		},
	}
}

// Tally counts outcomes since the last transition or window reset.
type Tally struct {
	Calls         uint32
	Successes     uint32
	Failures      uint32
	SuccessStreak uint32
	FailureStreak uint32
}

func (t *Tally) record(ok bool) {
	if ok {
		t.Successes++
		t.SuccessStreak++
		t.FailureStreak = 0
		return
	}
	t.Failures++
	t.FailureStreak++
	t.SuccessStreak = 0
}

// Breaker guards one dependency. Outcomes reported after the breaker has
// moved on to a new epoch are discarded.
type Breaker struct {
	cfg Config
	now func() time.Time

	mu       sync.Mutex
	state    State
	epoch    uint64
	tally    Tally
	deadline time.Time
}

// New builds a breaker from cfg. A nil cfg uses DefaultConfig("default").
func New(cfg *Config) *Breaker {
	def := DefaultConfig("default")
	c := *def
	if cfg != nil {
		c = *cfg
		if c.Threshold == 0 {
			c.Threshold = def.Threshold
		}
		if c.Cooldown <= 0 {
			c.Cooldown = def.Cooldown
		}
		if c.Trials == 0 {
			c.Trials = def.Trials
		}
	}
	b := &Breaker{cfg: c, now: time.Now}
	b.resetEpoch(b.now())
	return b
}

func (b *Breaker) Name() string { return b.cfg.Name }

func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.advance(b.now())
	return b.state
}

// Tally returns a snapshot of the current epoch's counts.
func (b *Breaker) Tally() Tally {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.tally
}

// Execute runs fn if the breaker admits it and records the outcome. A call
// abandoned because the caller cancelled is not held against the dependency.
func (b *Breaker) Execute(ctx context.Context, fn func(context.Context) error) error {
	epoch, err := b.admit()
	if err != nil {
		return err
	}

	settled := false
	defer func() {
		if !settled {
			b.settle(epoch, false)
		}
	}()

	err = fn(ctx)
	settled = true
	if err != nil && errors.Is(err, context.Canceled) && ctx.Err() != nil {
		b.forfeit(epoch)
		return err
	}
	b.settle(epoch, err == nil)
	return err
}

// Do is Execute for functions that return a value.
func Do[T any](ctx context.Context, b *Breaker, fn func(context.Context) (T, error)) (T, error) {
	var out T
	err := b.Execute(ctx, func(ctx context.Context) error {
		var err error
		out, err = fn(ctx)
		return err
	})
	return out, err
}

func (b *Breaker) admit() (uint64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.advance(b.now())
	switch {
	case b.state == StateOpen:
		return 0, ErrCircuitOpen
	case b.state == StateHalfOpen && b.tally.Calls >= b.cfg.Trials:
		return 0, ErrTrialLimit
	}
	b.tally.Calls++
	return b.epoch, nil
}

// forfeit returns an admitted slot without recording an outcome.
func (b *Breaker) forfeit(epoch uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.advance(b.now())
	if epoch == b.epoch && b.tally.Calls > 0 {
		b.tally.Calls--
	}
}

func (b *Breaker) settle(epoch uint64, ok bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	b.advance(now)
	if epoch != b.epoch {
		return
	}
	b.tally.record(ok)

	switch b.state {
	case StateClosed:
		if b.tally.FailureStreak >= b.cfg.Threshold {
			b.transition(StateOpen, now)
		}
	case StateHalfOpen:
		if !ok {
			b.transition(StateOpen, now)
		} else if b.tally.SuccessStreak >= b.cfg.Trials {
			b.transition(StateClosed, now)
		}
	}
}

// advance applies time-driven changes: cooldown expiry and window resets.
func (b *Breaker) advance(now time.Time) {
	if b.deadline.IsZero() || now.Before(b.deadline) {
		return
	}
	if b.state == StateOpen {
		b.transition(StateHalfOpen, now)
		return
	}
	b.resetEpoch(now)
}

func (b *Breaker) transition(to State, now time.Time) {
	from := b.state
	if from == to {
		return
	}
	b.state = to
	b.resetEpoch(now)
	if b.cfg.OnTransition != nil {
		b.cfg.OnTransition(b.cfg.Name, from, to)
	}
}

func (b *Breaker) resetEpoch(now time.Time) {
	b.epoch++
	b.tally = Tally{}
	b.deadline = time.Time{}
	switch b.state {
	case StateOpen:
		b.deadline = now.Add(b.cfg.Cooldown)
	case StateClosed:
		if b.cfg.Window > 0 {
			b.deadline = now.Add(b.cfg.Window)
		}
	}
}
