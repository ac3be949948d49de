package safety

import (
	"fmt"
	"math/rand"

	"github.com/ocx/vecgate/internal/vector"
)

// sphereSeed fixes the random facet normals so the same arguments always
// produce the same polytope.
const sphereSeed = 42

// SpherePolytope approximates the ball of the given radius with nFacets
// tangent half-spaces a·x ≤ radius. The first facets are the ±basis
// directions; any beyond 2·dim use seeded pseudo-random unit normals.
func SpherePolytope(dim int, radius float64, nFacets int, opts ...Option) (*Polytope, error) {
	if dim <= 0 {
		return nil, fmt.Errorf("invalid dimension %d", dim)
	}
	if radius <= 0 {
		return nil, fmt.Errorf("radius must be positive, got %v", radius)
	}
	if nFacets <= 0 {
		return nil, fmt.Errorf("facet count must be positive, got %d", nFacets)
	}

	constraints := make([]Constraint, 0, nFacets)
	for i := 0; i < dim && len(constraints) < nFacets; i++ {
		for _, sign := range []float64{1, -1} {
			if len(constraints) == nFacets {
				break
			}
			a := make([]float64, dim)
			a[i] = sign
			constraints = append(constraints, Constraint{A: a, B: radius})
		}
	}

	rng := rand.New(rand.NewSource(sphereSeed))
	for len(constraints) < nFacets {
		a := make([]float64, dim)
		for j := range a {
			a[j] = rng.NormFloat64()
		}
		unit, err := vector.Normalize(a)
		if err != nil {
			continue
		}
		constraints = append(constraints, Constraint{A: unit, B: radius})
	}

	opts = append([]Option{WithName(fmt.Sprintf("sphere-%d-%d", dim, nFacets))}, opts...)
	return New(dim, constraints, opts...)
}

// Bound is the closed interval allowed on one axis.
type Bound struct {
	Lo float64 `yaml:"lo" json:"lo"`
	Hi float64 `yaml:"hi" json:"hi"`
}

// BoxPolytope builds the 2·dim axis-aligned half-spaces x_i ≤ hi and
// −x_i ≤ −lo, in axis order.
func BoxPolytope(bounds []Bound, opts ...Option) (*Polytope, error) {
	dim := len(bounds)
	if dim == 0 {
		return nil, fmt.Errorf("box requires at least one bound")
	}
	constraints := make([]Constraint, 0, 2*dim)
	for i, b := range bounds {
		if b.Lo > b.Hi {
			return nil, fmt.Errorf("bound %d: lo %v exceeds hi %v", i, b.Lo, b.Hi)
		}
		upper := make([]float64, dim)
		upper[i] = 1
		lower := make([]float64, dim)
		lower[i] = -1
		constraints = append(constraints,
			Constraint{A: upper, B: b.Hi},
			Constraint{A: lower, B: -b.Lo},
		)
	}
	opts = append([]Option{WithName(fmt.Sprintf("box-%d", dim))}, opts...)
	return New(dim, constraints, opts...)
}

// UniformBox bounds every one of dim axes to [lo, hi].
func UniformBox(dim int, lo, hi float64, opts ...Option) (*Polytope, error) {
	bounds := make([]Bound, dim)
	for i := range bounds {
		bounds[i] = Bound{Lo: lo, Hi: hi}
	}
	return BoxPolytope(bounds, opts...)
}
