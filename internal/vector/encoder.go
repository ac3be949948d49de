package vector

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"unicode"

	"github.com/ocx/vecgate/internal/core"
)

// Embedder is the external embedding-model runtime: text in, fixed-width
// vector out. Implementations need not normalise.
type Embedder interface {
	Embed(ctx context.Context, text string, dim int) ([]float64, error)
	Model() string
}

// Encoder produces L2-normalised tier vectors from text.
type Encoder struct {
	embedders map[Tier]Embedder
	registry  *ProjectorRegistry
}

// NewEncoder creates an encoder. Tiers without an embedder cannot be encoded
// directly but may still be reached by Compress.
func NewEncoder(embedders map[Tier]Embedder, registry *ProjectorRegistry) *Encoder {
	if registry == nil {
		registry = NewProjectorRegistry()
	}
	return &Encoder{embedders: embedders, registry: registry}
}

// Encoded is the output of Encode: the unit vector and the model that made it.
type Encoded struct {
	Vector []float64
	Tier   Tier
	Model  string
}

// Encode embeds text at the given tier.
func (e *Encoder) Encode(ctx context.Context, text string, tier Tier) (*Encoded, error) {
	dim, err := tier.Dimension()
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(text) == "" {
		return nil, core.NewValidationError("text", "empty")
	}
	emb, ok := e.embedders[tier]
	if !ok {
		return nil, fmt.Errorf("no embedder configured for tier %d", tier)
	}

	raw, err := emb.Embed(ctx, text, dim)
	if err != nil {
		return nil, fmt.Errorf("embed tier %d: %w", tier, err)
	}
	if len(raw) != dim {
		return nil, fmt.Errorf("%w: embedder %s returned %d dims, want %d",
			ErrDimensionMismatch, emb.Model(), len(raw), dim)
	}
	unit, err := Normalize(raw)
	if err != nil {
		return nil, fmt.Errorf("normalise tier %d embedding: %w", tier, err)
	}
	return &Encoded{Vector: unit, Tier: tier, Model: emb.Model()}, nil
}

// Compress projects v from sourceTier down to targetTier using the
// registered projector. model is the encoding_model recorded on the message.
func (e *Encoder) Compress(v []float64, sourceTier, targetTier Tier, model string) (*Encoded, string, error) {
	p, err := e.registry.Lookup(sourceTier, targetTier)
	if err != nil {
		return nil, "", err
	}
	out, err := p.Project(v, model)
	if err != nil {
		return nil, "", err
	}
	slog.Debug("compressed vector", "from", sourceTier, "to", targetTier, "projector", p.Version)
	return &Encoded{Vector: out, Tier: targetTier, Model: model}, p.Version, nil
}

// Registry exposes the projector registry for loading projectors at startup.
func (e *Encoder) Registry() *ProjectorRegistry { return e.registry }

// Model names the embedding model behind tier, or "" when the tier has none.
func (e *Encoder) Model(tier Tier) string {
	if emb, ok := e.embedders[tier]; ok {
		return emb.Model()
	}
	return ""
}

// FitProjector encodes corpus at the source tier and fits a PCA projector
// down to the target tier on the result.
func (e *Encoder) FitProjector(ctx context.Context, corpus []string, source, target Tier, iterations int, seed int64) (*Projector, error) {
	k, err := target.Dimension()
	if err != nil {
		return nil, err
	}
	samples := make([][]float64, 0, len(corpus))
	model := ""
	for i, text := range corpus {
		enc, err := e.Encode(ctx, text, source)
		if err != nil {
			return nil, fmt.Errorf("corpus line %d: %w", i+1, err)
		}
		model = enc.Model
		samples = append(samples, enc.Vector)
	}
	mean, components, err := FitPCA(samples, k, iterations, seed)
	if err != nil {
		return nil, err
	}
	return NewProjector(source, target, model, mean, components)
}

// ============================================================================
// HASH EMBEDDER
// ============================================================================

// HashEmbedder is a deterministic feature-hashing embedder. Each token and
// token bigram contributes ±1 to a hashed bucket. It stands in for a real
// model runtime in tests and local runs; similar texts share buckets.
type HashEmbedder struct {
	ModelName string
}

// NewHashEmbedder creates a hash embedder reporting the given model name.
func NewHashEmbedder(model string) *HashEmbedder {
	if model == "" {
		model = "hash-embedder-v1"
	}
	return &HashEmbedder{ModelName: model}
}

func (h *HashEmbedder) Model() string { return h.ModelName }

func (h *HashEmbedder) Embed(ctx context.Context, text string, dim int) ([]float64, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if dim <= 0 {
		return nil, fmt.Errorf("invalid dimension %d", dim)
	}
	tokens := tokenize(text)
	if len(tokens) == 0 {
		return nil, core.NewValidationError("text", "no tokens")
	}

	out := make([]float64, dim)
	add := func(feature string, weight float64) {
		sum := sha256.Sum256([]byte(h.ModelName + "\x00" + feature))
		idx := binary.BigEndian.Uint64(sum[:8]) % uint64(dim)
		sign := 1.0
		if sum[8]&1 == 1 {
			sign = -1.0
		}
		out[idx] += sign * weight
	}
	for i, tok := range tokens {
		add(tok, 1.0)
		if i > 0 {
			add(tokens[i-1]+" "+tok, 0.5)
		}
	}
	// Sublinear damping keeps long texts from saturating a few buckets.
	for i, x := range out {
		if x != 0 {
			out[i] = math.Copysign(math.Log1p(math.Abs(x)), x)
		}
	}
	return out, nil
}

func tokenize(text string) []string {
	return strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsNumber(r)
	})
}
