// Package safety implements the convex safe region that every message vector
// must lie in, and the gradient steering used to pull unsafe vectors inside.
package safety

import (
	"errors"
	"fmt"
	"math"
	"sort"

	"github.com/ocx/vecgate/internal/core"
	"github.com/ocx/vecgate/internal/vector"
)

const (
	// DefaultMargin is the tolerance applied when a polytope does not set one.
	DefaultMargin = 0.1
	// DefaultStepSize is the distance moved along −a per steering iteration.
	DefaultStepSize = 0.1
)

var (
	ErrSteeringFailed    = errors.New("steering did not reach the safe region")
	ErrDimensionMismatch = errors.New("vector dimension does not match polytope")
)

// Constraint is the half-space a·x ≤ b.
type Constraint struct {
	A []float64 `yaml:"a" json:"a"`
	B float64   `yaml:"b" json:"b"`
}

// Violation is a constraint exceeded beyond the margin, with the signed
// excess a·x − b.
type Violation struct {
	Index     int     `json:"index"`
	Magnitude float64 `json:"magnitude"`
}

// Polytope is an immutable intersection of half-spaces. A polytope with no
// constraints is disabled and treats every vector as safe.
type Polytope struct {
	name        string
	dim         int
	constraints []Constraint
	margin      float64
	stepSize    float64
}

// Option customises a Polytope at construction.
type Option func(*Polytope)

// WithMargin overrides DefaultMargin.
func WithMargin(m float64) Option { return func(p *Polytope) { p.margin = m } }

// WithStepSize overrides DefaultStepSize.
func WithStepSize(s float64) Option { return func(p *Polytope) { p.stepSize = s } }

// WithName labels the polytope in logs and reload responses.
func WithName(n string) Option { return func(p *Polytope) { p.name = n } }

// New builds a polytope over dim-dimensional space. Constraint normals are
// copied so later mutation by the caller cannot change the snapshot.
func New(dim int, constraints []Constraint, opts ...Option) (*Polytope, error) {
	if dim <= 0 && len(constraints) > 0 {
		return nil, fmt.Errorf("invalid dimension %d", dim)
	}
	p := &Polytope{
		dim:         dim,
		constraints: make([]Constraint, len(constraints)),
		margin:      DefaultMargin,
		stepSize:    DefaultStepSize,
	}
	for i, c := range constraints {
		if len(c.A) != dim {
			return nil, fmt.Errorf("%w: constraint %d has %d dims, want %d", ErrDimensionMismatch, i, len(c.A), dim)
		}
		if vector.Norm(c.A) == 0 {
			return nil, fmt.Errorf("constraint %d has a zero normal", i)
		}
		p.constraints[i] = Constraint{A: vector.Clone(c.A), B: c.B}
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.margin < 0 {
		return nil, fmt.Errorf("negative margin %v", p.margin)
	}
	if p.stepSize <= 0 {
		return nil, fmt.Errorf("step size must be positive, got %v", p.stepSize)
	}
	return p, nil
}

// Disabled returns a polytope with no constraints.
func Disabled() *Polytope {
	p, _ := New(0, nil)
	p.name = "disabled"
	return p
}

func (p *Polytope) Name() string      { return p.name }
func (p *Polytope) Dimension() int    { return p.dim }
func (p *Polytope) Margin() float64   { return p.margin }
func (p *Polytope) Len() int          { return len(p.constraints) }
func (p *Polytope) IsDisabled() bool  { return len(p.constraints) == 0 }
func (p *Polytope) StepSize() float64 { return p.stepSize }

// Constraint returns a copy of constraint i.
func (p *Polytope) Constraint(i int) Constraint {
	c := p.constraints[i]
	return Constraint{A: vector.Clone(c.A), B: c.B}
}

func (p *Polytope) checkDim(v []float64) error {
	if p.IsDisabled() || len(v) == p.dim {
		return nil
	}
	return fmt.Errorf("%w: got %d, want %d", ErrDimensionMismatch, len(v), p.dim)
}

// IsSafe applies the polytope's own margin.
func (p *Polytope) IsSafe(v []float64) (bool, error) {
	return p.IsSafeWithin(v, p.margin)
}

// IsSafeWithin reports whether a·v − b ≤ margin for every constraint.
func (p *Polytope) IsSafeWithin(v []float64, margin float64) (bool, error) {
	if err := p.checkDim(v); err != nil {
		return false, err
	}
	for _, c := range p.constraints {
		if vector.Dot(c.A, v)-c.B > margin {
			return false, nil
		}
	}
	return true, nil
}

// Violations lists constraints exceeded beyond the margin, in constraint order.
func (p *Polytope) Violations(v []float64) ([]Violation, error) {
	if err := p.checkDim(v); err != nil {
		return nil, err
	}
	var out []Violation
	for i, c := range p.constraints {
		if excess := vector.Dot(c.A, v) - c.B; excess > p.margin {
			out = append(out, Violation{Index: i, Magnitude: excess})
		}
	}
	return out, nil
}

// Slack returns min over constraints of b − a·v: how far v sits inside the
// tightest half-space. Negative means outside. A disabled polytope reports
// +Inf.
func (p *Polytope) Slack(v []float64) (float64, error) {
	if err := p.checkDim(v); err != nil {
		return 0, err
	}
	slack := math.Inf(1)
	for _, c := range p.constraints {
		if s := c.B - vector.Dot(c.A, v); s < slack {
			slack = s
		}
	}
	return slack, nil
}

// SteeringError carries the violations left when the iteration budget ran out.
type SteeringError struct {
	Iterations int
	Remaining  []Violation
	Err        error
}

func (e *SteeringError) Error() string {
	if e.Err != nil && !errors.Is(e.Err, ErrSteeringFailed) {
		return fmt.Sprintf("steering failed after %d iterations: %v", e.Iterations, e.Err)
	}
	return fmt.Sprintf("steering failed after %d iterations: %d constraints still violated",
		e.Iterations, len(e.Remaining))
}

func (e *SteeringError) Unwrap() []error {
	if e.Err == nil {
		return []error{ErrSteeringFailed}
	}
	return []error{ErrSteeringFailed, e.Err}
}

// Code maps steering failure onto UNSAFE_VECTOR.
func (e *SteeringError) Code() core.Code { return core.CodeUnsafeVector }

// SteerToSafe moves v against the normal of its most violated constraint by
// the polytope step size, re-normalising after each step, until v is safe.
// It never runs more than maxIterations steps. The input is not modified.
func (p *Polytope) SteerToSafe(v []float64, maxIterations int) ([]float64, int, error) {
	if err := p.checkDim(v); err != nil {
		return nil, 0, err
	}
	cur, err := vector.Normalize(v)
	if err != nil {
		return nil, 0, &SteeringError{Err: err}
	}

	for it := 0; ; it++ {
		worst := p.mostViolated(cur)
		if worst < 0 {
			return cur, it, nil
		}
		if it >= maxIterations {
			remaining, _ := p.Violations(cur)
			return nil, it, &SteeringError{Iterations: it, Remaining: remaining}
		}

		a := p.constraints[worst].A
		norm := vector.Norm(a)
		next := make([]float64, len(cur))
		for i := range cur {
			next[i] = cur[i] - p.stepSize*a[i]/norm
		}
		n, err := vector.Normalize(next)
		if err != nil {
			return nil, it + 1, &SteeringError{Iterations: it + 1, Err: err}
		}
		cur = n
	}
}

// mostViolated returns the index of the constraint with the largest excess
// over the margin, or -1 when v is safe.
func (p *Polytope) mostViolated(v []float64) int {
	worst, worstExcess := -1, 0.0
	for i, c := range p.constraints {
		excess := vector.Dot(c.A, v) - c.B
		if excess > p.margin && (worst < 0 || excess > worstExcess) {
			worst, worstExcess = i, excess
		}
	}
	return worst
}

// SortByMagnitude orders violations from most to least severe.
func SortByMagnitude(vs []Violation) {
	sort.SliceStable(vs, func(i, j int) bool { return vs[i].Magnitude > vs[j].Magnitude })
}
