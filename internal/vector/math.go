package vector

import (
	"errors"
	"math"
)

// ErrZeroVector is returned when a vector with zero L2 norm has to be
// normalised or compared by angle.
var ErrZeroVector = errors.New("vector has zero norm")

// Dot returns a·b. Callers are responsible for matching lengths.
func Dot(a, b []float64) float64 {
	var sum float64
	for i := range a {
		sum += a[i] * b[i]
	}
	return sum
}

// Norm returns the L2 norm of v.
func Norm(v []float64) float64 {
	return math.Sqrt(Dot(v, v))
}

// Normalize returns a unit-length copy of v.
func Normalize(v []float64) ([]float64, error) {
	n := Norm(v)
	if n == 0 || math.IsNaN(n) || math.IsInf(n, 0) {
		return nil, ErrZeroVector
	}
	out := make([]float64, len(v))
	for i, x := range v {
		out[i] = x / n
	}
	return out, nil
}

// Cosine returns the cosine similarity of a and b.
func Cosine(a, b []float64) (float64, error) {
	if len(a) != len(b) {
		return 0, ErrDimensionMismatch
	}
	na, nb := Norm(a), Norm(b)
	if na == 0 || nb == 0 {
		return 0, ErrZeroVector
	}
	c := Dot(a, b) / (na * nb)
	// Guard against rounding pushing |c| past 1.
	return math.Max(-1, math.Min(1, c)), nil
}

// IsUnit reports whether v has unit L2 norm within tol.
func IsUnit(v []float64, tol float64) bool {
	return math.Abs(Norm(v)-1) <= tol
}

// Clone returns a copy of v.
func Clone(v []float64) []float64 {
	out := make([]float64, len(v))
	copy(out, v)
	return out
}
