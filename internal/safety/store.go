package safety

import (
	"fmt"
	"log/slog"
	"os"
	"sync/atomic"

	"gopkg.in/yaml.v2"
)

// Set holds one polytope per vector dimension. It is never mutated after
// construction; reload builds a new Set.
type Set struct {
	byDim map[int]*Polytope
}

// NewSet indexes polytopes by dimension. Two polytopes for the same
// dimension is an error.
func NewSet(polytopes ...*Polytope) (*Set, error) {
	s := &Set{byDim: make(map[int]*Polytope, len(polytopes))}
	for _, p := range polytopes {
		if p.IsDisabled() {
			continue
		}
		if _, dup := s.byDim[p.Dimension()]; dup {
			return nil, fmt.Errorf("duplicate polytope for dimension %d", p.Dimension())
		}
		s.byDim[p.Dimension()] = p
	}
	return s, nil
}

// For returns the polytope guarding dim-dimensional vectors, or a disabled
// polytope when none is configured.
func (s *Set) For(dim int) *Polytope {
	if s == nil {
		return Disabled()
	}
	if p, ok := s.byDim[dim]; ok {
		return p
	}
	return Disabled()
}

// Len is the number of configured polytopes.
func (s *Set) Len() int {
	if s == nil {
		return 0
	}
	return len(s.byDim)
}

// Store publishes the active Set. Readers never block and always see a
// complete snapshot.
type Store struct {
	current atomic.Pointer[Set]
}

// NewStore creates a store holding set. A nil set disables every check.
func NewStore(set *Set) *Store {
	s := &Store{}
	if set == nil {
		set, _ = NewSet()
	}
	s.current.Store(set)
	return s
}

// Load returns the current snapshot.
func (s *Store) Load() *Set { return s.current.Load() }

// Swap installs set and returns the previous snapshot.
func (s *Store) Swap(set *Set) *Set {
	if set == nil {
		set, _ = NewSet()
	}
	return s.current.Swap(set)
}

// LoadFile parses a polytope document and swaps it in. On error the current
// snapshot is left in place.
func (s *Store) LoadFile(path string) (*Set, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read polytope file: %w", err)
	}
	set, err := ParseDocument(data)
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	s.Swap(set)
	slog.Info("polytopes loaded", "path", path, "count", set.Len())
	return set, nil
}

// ============================================================================
// DOCUMENT FORMAT
// ============================================================================

type document struct {
	Polytopes []polytopeSpec `yaml:"polytopes"`
}

type polytopeSpec struct {
	Name        string       `yaml:"name"`
	Kind        string       `yaml:"kind"` // explicit, sphere, box
	Dimension   int          `yaml:"dimension"`
	Margin      *float64     `yaml:"margin"`
	StepSize    *float64     `yaml:"step_size"`
	Radius      float64      `yaml:"radius"`
	Facets      int          `yaml:"facets"`
	Lo          *float64     `yaml:"lo"`
	Hi          *float64     `yaml:"hi"`
	Bounds      []Bound      `yaml:"bounds"`
	Constraints []Constraint `yaml:"constraints"`
}

// ParseDocument builds a Set from YAML. Unknown keys are rejected.
func ParseDocument(data []byte) (*Set, error) {
	var doc document
	if err := yaml.UnmarshalStrict(data, &doc); err != nil {
		return nil, err
	}
	polytopes := make([]*Polytope, 0, len(doc.Polytopes))
	for i, spec := range doc.Polytopes {
		p, err := spec.build()
		if err != nil {
			return nil, fmt.Errorf("polytope %d (%s): %w", i, spec.Name, err)
		}
		polytopes = append(polytopes, p)
	}
	return NewSet(polytopes...)
}

func (ps polytopeSpec) build() (*Polytope, error) {
	var opts []Option
	if ps.Margin != nil {
		opts = append(opts, WithMargin(*ps.Margin))
	}
	if ps.StepSize != nil {
		opts = append(opts, WithStepSize(*ps.StepSize))
	}
	if ps.Name != "" {
		opts = append(opts, WithName(ps.Name))
	}

	switch ps.Kind {
	case "", "explicit":
		return New(ps.Dimension, ps.Constraints, opts...)
	case "sphere":
		return SpherePolytope(ps.Dimension, ps.Radius, ps.Facets, opts...)
	case "box":
		if len(ps.Bounds) > 0 {
			if ps.Dimension != 0 && ps.Dimension != len(ps.Bounds) {
				return nil, fmt.Errorf("%w: %d bounds for dimension %d", ErrDimensionMismatch, len(ps.Bounds), ps.Dimension)
			}
			return BoxPolytope(ps.Bounds, opts...)
		}
		if ps.Lo == nil || ps.Hi == nil {
			return nil, fmt.Errorf("box requires bounds or lo/hi")
		}
		return UniformBox(ps.Dimension, *ps.Lo, *ps.Hi, opts...)
	default:
		return nil, fmt.Errorf("unknown polytope kind %q", ps.Kind)
	}
}
