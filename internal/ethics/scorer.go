// Package ethics scores how well an action vector aligns with a weighted set
// of ethical principles encoded in the same embedding space.
package ethics

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"sync"

	"github.com/ocx/vecgate/internal/core"
	"github.com/ocx/vecgate/internal/vector"
)

// Framework tags the ethical tradition a principle comes from.
type Framework string

const (
	FrameworkUniversal     Framework = "universal"
	FrameworkUtilitarian   Framework = "utilitarian"
	FrameworkDeontological Framework = "deontological"
	FrameworkVirtue        Framework = "virtue"
)

// Valid reports whether f is a known framework.
func (f Framework) Valid() bool {
	switch f {
	case FrameworkUniversal, FrameworkUtilitarian, FrameworkDeontological, FrameworkVirtue:
		return true
	}
	return false
}

var ErrNoWeight = errors.New("total value weight must be positive")

// ValueVector is an encoded principle.
type ValueVector struct {
	Principle string    `json:"principle"`
	Framework Framework `json:"framework"`
	Tier      vector.Tier `json:"tier"`
	Model     string      `json:"model"`
	Vector    []float64   `json:"-"`
}

// WeightedValue pairs a value vector with its importance.
type WeightedValue struct {
	Value  ValueVector
	Weight float64
}

// ============================================================================
// SCORING
// ============================================================================

// AlignmentScore maps cosine similarity from [-1,1] onto [0,1].
func AlignmentScore(action, value []float64) (float64, error) {
	cos, err := vector.Cosine(action, value)
	if err != nil {
		return 0, err
	}
	score := (cos + 1) / 2
	return math.Max(0, math.Min(1, score)), nil
}

// AggregateAlignment is the weighted mean of per-value alignment scores.
func AggregateAlignment(action []float64, values []WeightedValue) (float64, error) {
	var sum, total float64
	for _, wv := range values {
		if wv.Weight < 0 {
			return 0, fmt.Errorf("principle %q has negative weight %v", wv.Value.Principle, wv.Weight)
		}
		if wv.Weight == 0 {
			continue
		}
		s, err := AlignmentScore(action, wv.Value.Vector)
		if err != nil {
			return 0, fmt.Errorf("score against %q: %w", wv.Value.Principle, err)
		}
		sum += wv.Weight * s
		total += wv.Weight
	}
	if total <= 0 {
		return 0, ErrNoWeight
	}
	return sum / total, nil
}

// Candidate is an action to rank.
type Candidate struct {
	ID     string
	Vector []float64
}

// Ranked is a candidate with its aggregate score.
type Ranked struct {
	Candidate
	Score float64
}

// Rank orders candidates by aggregate alignment, highest first. Equal
// scores keep their input order.
func Rank(candidates []Candidate, values []WeightedValue) ([]Ranked, error) {
	out := make([]Ranked, len(candidates))
	for i, c := range candidates {
		s, err := AggregateAlignment(c.Vector, values)
		if err != nil {
			return nil, fmt.Errorf("candidate %s: %w", c.ID, err)
		}
		out[i] = Ranked{Candidate: c, Score: s}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Score > out[j].Score })
	return out, nil
}

// ============================================================================
// THRESHOLDS
// ============================================================================

// RiskLevel selects how much alignment an action needs.
type RiskLevel string

const (
	RiskCritical RiskLevel = "critical"
	RiskStandard RiskLevel = "standard"
	RiskLow      RiskLevel = "low"
)

// Thresholds are the minimum aggregate scores per risk level.
type Thresholds struct {
	Critical float64 `yaml:"critical" json:"critical"`
	Standard float64 `yaml:"standard" json:"standard"`
	Low      float64 `yaml:"low" json:"low"`
}

// DefaultThresholds returns 0.7 / 0.5 / 0.3.
func DefaultThresholds() Thresholds {
	return Thresholds{Critical: 0.7, Standard: 0.5, Low: 0.3}
}

// For returns the threshold of a level. Unknown levels use Critical.
func (t Thresholds) For(level RiskLevel) float64 {
	switch level {
	case RiskLow:
		return t.Low
	case RiskStandard:
		return t.Standard
	default:
		return t.Critical
	}
}

// Validate checks the thresholds are ordered and inside [0,1].
func (t Thresholds) Validate() error {
	for _, v := range []float64{t.Critical, t.Standard, t.Low} {
		if v < 0 || v > 1 {
			return fmt.Errorf("threshold %v outside [0,1]", v)
		}
	}
	if t.Low > t.Standard || t.Standard > t.Critical {
		return errors.New("thresholds must satisfy low <= standard <= critical")
	}
	return nil
}

// AlignmentError is returned when an action scores below its threshold.
type AlignmentError struct {
	Score     float64
	Threshold float64
	Level     RiskLevel
}

func (e *AlignmentError) Error() string {
	return fmt.Sprintf("alignment %.3f below %s threshold %.2f", e.Score, e.Level, e.Threshold)
}

func (e *AlignmentError) Code() core.Code { return core.CodeLowAlignment }

// Check returns an *AlignmentError if score is below the level's threshold.
func (t Thresholds) Check(score float64, level RiskLevel) error {
	if level == "" {
		level = RiskStandard
	}
	th := t.For(level)
	if score < th {
		return &AlignmentError{Score: score, Threshold: th, Level: level}
	}
	return nil
}

// ============================================================================
// SCORER
// ============================================================================

// Principle is an unencoded value statement.
type Principle struct {
	Text      string    `yaml:"text" json:"text"`
	Framework Framework `yaml:"framework" json:"framework"`
	Weight    float64   `yaml:"weight" json:"weight"`
}

// DefaultPrinciples is the built-in universal value set.
func DefaultPrinciples() []Principle {
	return []Principle{
		{Text: "avoid causing harm to people or other agents", Framework: FrameworkUniversal, Weight: 1.0},
		{Text: "be honest and transparent about intent and actions", Framework: FrameworkUniversal, Weight: 1.0},
		{Text: "respect privacy and do not exfiltrate personal data", Framework: FrameworkDeontological, Weight: 0.8},
		{Text: "share resources fairly and do not hoard capacity", Framework: FrameworkUtilitarian, Weight: 0.6},
		{Text: "defer to human oversight when uncertain", Framework: FrameworkVirtue, Weight: 0.6},
	}
}

// Scorer encodes principles with the message encoder and caches the
// resulting value set per tier.
type Scorer struct {
	encoder    *vector.Encoder
	principles []Principle
	thresholds Thresholds

	mu     sync.Mutex
	values map[vector.Tier][]WeightedValue
}

// NewScorer creates a scorer. Nil principles means DefaultPrinciples.
func NewScorer(encoder *vector.Encoder, principles []Principle, thresholds Thresholds) (*Scorer, error) {
	if err := thresholds.Validate(); err != nil {
		return nil, err
	}
	if principles == nil {
		principles = DefaultPrinciples()
	}
	for _, p := range principles {
		if !p.Framework.Valid() {
			return nil, fmt.Errorf("principle %q: unknown framework %q", p.Text, p.Framework)
		}
	}
	return &Scorer{
		encoder:    encoder,
		principles: principles,
		thresholds: thresholds,
		values:     make(map[vector.Tier][]WeightedValue),
	}, nil
}

// Thresholds returns the configured thresholds.
func (s *Scorer) Thresholds() Thresholds { return s.thresholds }

// EncodeValue embeds one principle at tier.
func (s *Scorer) EncodeValue(ctx context.Context, principle string, framework Framework, tier vector.Tier) (ValueVector, error) {
	if !framework.Valid() {
		return ValueVector{}, fmt.Errorf("unknown framework %q", framework)
	}
	enc, err := s.encoder.Encode(ctx, principle, tier)
	if err != nil {
		return ValueVector{}, fmt.Errorf("encode principle %q: %w", principle, err)
	}
	return ValueVector{
		Principle: principle,
		Framework: framework,
		Tier:      tier,
		Model:     enc.Model,
		Vector:    enc.Vector,
	}, nil
}

// Values returns the weighted value set for tier, encoding it on first use.
func (s *Scorer) Values(ctx context.Context, tier vector.Tier) ([]WeightedValue, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if vs, ok := s.values[tier]; ok {
		return vs, nil
	}
	vs := make([]WeightedValue, 0, len(s.principles))
	for _, p := range s.principles {
		v, err := s.EncodeValue(ctx, p.Text, p.Framework, tier)
		if err != nil {
			return nil, err
		}
		vs = append(vs, WeightedValue{Value: v, Weight: p.Weight})
	}
	s.values[tier] = vs
	return vs, nil
}

// Model names the encoding model the value set for tier lives in. Installed
// values without a model fall back to the encoder's.
func (s *Scorer) Model(tier vector.Tier) string {
	s.mu.Lock()
	vs := s.values[tier]
	s.mu.Unlock()
	for _, v := range vs {
		if v.Value.Model != "" {
			return v.Value.Model
		}
	}
	if s.encoder == nil {
		return ""
	}
	return s.encoder.Model(tier)
}

// Install replaces the value set used for tier, for value vectors built
// outside the encoder.
func (s *Scorer) Install(tier vector.Tier, values []WeightedValue) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.values[tier] = values
}

// Score computes the aggregate alignment of action at tier and checks it
// against the level threshold. The score is returned even on failure.
func (s *Scorer) Score(ctx context.Context, action []float64, tier vector.Tier, level RiskLevel) (float64, error) {
	values, err := s.Values(ctx, tier)
	if err != nil {
		return 0, err
	}
	score, err := AggregateAlignment(action, values)
	if err != nil {
		return 0, err
	}
	return score, s.thresholds.Check(score, level)
}
