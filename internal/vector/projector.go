package vector

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"os"
	"sync"
)

var (
	ErrDimensionMismatch        = errors.New("dimension mismatch")
	ErrProjectorUnavailable     = errors.New("no projector for tier pair")
	ErrProjectorVersionMismatch = errors.New("projector fitted for a different encoding model")
)

// Projector is a pre-fit linear PCA projection y = W(x − μ) from one tier
// down to a smaller one. It is tied to the encoding model it was fitted on.
type Projector struct {
	SourceTier Tier
	TargetTier Tier
	Model      string
	Version    string

	mean       []float64
	components [][]float64 // TargetDim rows of SourceDim
}

// NewProjector validates the matrix shape against the tier dimensions.
func NewProjector(source, target Tier, model string, mean []float64, components [][]float64) (*Projector, error) {
	srcDim, err := source.Dimension()
	if err != nil {
		return nil, err
	}
	tgtDim, err := target.Dimension()
	if err != nil {
		return nil, err
	}
	if tgtDim >= srcDim {
		return nil, fmt.Errorf("%w: target tier %d is not smaller than source tier %d",
			ErrDimensionMismatch, target, source)
	}
	if model == "" {
		return nil, errors.New("projector requires an encoding model")
	}
	if mean == nil {
		mean = make([]float64, srcDim)
	}
	if len(mean) != srcDim {
		return nil, fmt.Errorf("%w: mean has %d dims, want %d", ErrDimensionMismatch, len(mean), srcDim)
	}
	if len(components) != tgtDim {
		return nil, fmt.Errorf("%w: %d components, want %d", ErrDimensionMismatch, len(components), tgtDim)
	}
	for i, row := range components {
		if len(row) != srcDim {
			return nil, fmt.Errorf("%w: component %d has %d dims, want %d", ErrDimensionMismatch, i, len(row), srcDim)
		}
	}

	p := &Projector{
		SourceTier: source,
		TargetTier: target,
		Model:      model,
		mean:       Clone(mean),
		components: make([][]float64, len(components)),
	}
	for i, row := range components {
		p.components[i] = Clone(row)
	}
	p.Version = p.fingerprint()
	return p, nil
}

// fingerprint derives a stable version string from the projector contents.
func (p *Projector) fingerprint() string {
	h := sha256.New()
	h.Write([]byte(p.Model))
	var buf [8]byte
	write := func(x float64) {
		binary.BigEndian.PutUint64(buf[:], math.Float64bits(x))
		h.Write(buf[:])
	}
	for _, x := range p.mean {
		write(x)
	}
	for _, row := range p.components {
		for _, x := range row {
			write(x)
		}
	}
	return fmt.Sprintf("pca-%d-%d-%s", p.SourceTier, p.TargetTier, hex.EncodeToString(h.Sum(nil)[:6]))
}

// Project maps v into the target tier and re-normalises. The caller's
// encoding model must match the one the projector was fitted on.
func (p *Projector) Project(v []float64, model string) ([]float64, error) {
	if model != p.Model {
		return nil, fmt.Errorf("%w: projector %s fitted on %q, message encoded with %q",
			ErrProjectorVersionMismatch, p.Version, p.Model, model)
	}
	if len(v) != len(p.mean) {
		return nil, fmt.Errorf("%w: input has %d dims, projector expects %d", ErrDimensionMismatch, len(v), len(p.mean))
	}
	centered := make([]float64, len(v))
	for i := range v {
		centered[i] = v[i] - p.mean[i]
	}
	out := make([]float64, len(p.components))
	for k, row := range p.components {
		out[k] = Dot(row, centered)
	}
	return Normalize(out)
}

// ProjectorFile is the stored form of a fitted projector.
type ProjectorFile struct {
	SourceTier Tier        `json:"source_tier"`
	TargetTier Tier        `json:"target_tier"`
	Model      string      `json:"model"`
	Mean       []float64   `json:"mean"`
	Components [][]float64 `json:"components"`
}

// LoadProjectorFile reads and validates a fitted projector.
func LoadProjectorFile(path string) (*Projector, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var f ProjectorFile
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("decode projector %s: %w", path, err)
	}
	p, err := NewProjector(f.SourceTier, f.TargetTier, f.Model, f.Mean, f.Components)
	if err != nil {
		return nil, fmt.Errorf("projector %s: %w", path, err)
	}
	return p, nil
}

type tierPair struct{ from, to Tier }

// ProjectorRegistry holds the projectors available to the encoder.
type ProjectorRegistry struct {
	mu         sync.RWMutex
	projectors map[tierPair]*Projector
}

// NewProjectorRegistry creates an empty registry.
func NewProjectorRegistry() *ProjectorRegistry {
	return &ProjectorRegistry{projectors: make(map[tierPair]*Projector)}
}

// Register installs p, replacing any projector for the same tier pair.
func (r *ProjectorRegistry) Register(p *Projector) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.projectors[tierPair{p.SourceTier, p.TargetTier}] = p
}

// Lookup returns the projector for a tier pair.
func (r *ProjectorRegistry) Lookup(from, to Tier) (*Projector, error) {
	if !from.Valid() {
		return nil, fmt.Errorf("%w: source tier %d", ErrDimensionMismatch, from)
	}
	if !to.Valid() {
		return nil, fmt.Errorf("%w: target tier %d", ErrDimensionMismatch, to)
	}
	r.mu.RLock()
	p, ok := r.projectors[tierPair{from, to}]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %d -> %d", ErrProjectorUnavailable, from, to)
	}
	return p, nil
}

// ============================================================================
// PCA FITTING
// ============================================================================

// FitPCA computes the mean and the top-k principal components of samples by
// power iteration, re-orthogonalising against earlier components each step.
// The seed fixes the starting vectors so fits are reproducible.
func FitPCA(samples [][]float64, k, iterations int, seed int64) ([]float64, [][]float64, error) {
	if len(samples) < 2 {
		return nil, nil, errors.New("need at least two samples")
	}
	dim := len(samples[0])
	if k <= 0 || k > dim {
		return nil, nil, fmt.Errorf("invalid component count %d for dimension %d", k, dim)
	}
	if iterations <= 0 {
		iterations = 100
	}

	mean := make([]float64, dim)
	for i, s := range samples {
		if len(s) != dim {
			return nil, nil, fmt.Errorf("%w: sample %d has %d dims, want %d", ErrDimensionMismatch, i, len(s), dim)
		}
		for j, x := range s {
			mean[j] += x
		}
	}
	for j := range mean {
		mean[j] /= float64(len(samples))
	}
	centered := make([][]float64, len(samples))
	for i, s := range samples {
		c := make([]float64, dim)
		for j := range s {
			c[j] = s[j] - mean[j]
		}
		centered[i] = c
	}

	rng := rand.New(rand.NewSource(seed))
	components := make([][]float64, 0, k)
	for c := 0; c < k; c++ {
		u := make([]float64, dim)
		for j := range u {
			u[j] = rng.NormFloat64()
		}
		for _, prev := range components {
			d := Dot(u, prev)
			for j := range u {
				u[j] -= d * prev[j]
			}
		}
		if n, err := Normalize(u); err == nil {
			u = n
		}
		for it := 0; it < iterations; it++ {
			next := make([]float64, dim)
			for _, s := range centered {
				proj := Dot(s, u)
				for j := range next {
					next[j] += proj * s[j]
				}
			}
			for _, prev := range components {
				d := Dot(next, prev)
				for j := range next {
					next[j] -= d * prev[j]
				}
			}
			n, err := Normalize(next)
			if err != nil {
				// Remaining variance is exhausted; keep the last direction.
				break
			}
			u = n
		}
		components = append(components, u)
	}
	return mean, components, nil
}
