// Package vector defines the vector-encoded inter-agent message, the tiered
// text encoder and the cross-tier PCA projectors.
package vector

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"

	"github.com/ocx/vecgate/internal/core"
)

// Tier selects one of the fixed embedding dimensions.
type Tier int

const (
	TierFast     Tier = 1 // 384 dims
	TierBalanced Tier = 2 // 768 dims
	TierAccurate Tier = 3 // 1024 dims
)

var tierDimensions = map[Tier]int{
	TierFast:     384,
	TierBalanced: 768,
	TierAccurate: 1024,
}

// Dimension returns the fixed embedding width for t.
func (t Tier) Dimension() (int, error) {
	dim, ok := tierDimensions[t]
	if !ok {
		return 0, core.NewInvalidTierError(int(t))
	}
	return dim, nil
}

// Valid reports whether t is a known tier.
func (t Tier) Valid() bool {
	_, ok := tierDimensions[t]
	return ok
}

// unitTolerance bounds how far a non-raw vector may drift from unit length.
const unitTolerance = 1e-6

// Metadata accumulates the result of each pipeline stage.
type Metadata struct {
	EncodingModel    string  `json:"encoding_model"`
	SafetyVerified   bool    `json:"safety_verified"`
	PolicyCompliant  bool    `json:"policy_compliant"`
	AlignmentScore   float64 `json:"alignment_score"`
	ProofHash        string  `json:"proof_hash"`
	Raw              bool    `json:"raw,omitempty"`
	Steered          bool    `json:"steered,omitempty"`
	PolicyVerdict    string  `json:"policy_verdict,omitempty"`
	ProjectorVersion string  `json:"projector_version,omitempty"`
	Signature        string  `json:"signature,omitempty"`
}

// Message is the wire representation of an inter-agent message.
type Message struct {
	MessageID  string    `json:"message_id"`
	SenderID   string    `json:"sender_id"`
	ReceiverID string    `json:"receiver_id"`
	Vector     []float64 `json:"vector"`
	Tier       Tier      `json:"tier"`
	Timestamp  time.Time `json:"timestamp"`
	Metadata   Metadata  `json:"metadata"`
}

// NewMessage creates a message with a fresh UUID and the current UTC time.
func NewMessage(senderID, receiverID string, vec []float64, tier Tier, model string) *Message {
	return &Message{
		MessageID:  uuid.NewString(),
		SenderID:   senderID,
		ReceiverID: receiverID,
		Vector:     vec,
		Tier:       tier,
		Timestamp:  time.Now().UTC(),
		Metadata:   Metadata{EncodingModel: model},
	}
}

// Validate checks the structural invariants of m.
func (m *Message) Validate() error {
	if m == nil {
		return core.NewValidationError("message", "nil message")
	}
	if _, err := uuid.Parse(m.MessageID); err != nil {
		return core.NewValidationError("message_id", "not a UUID")
	}
	if m.SenderID == "" {
		return core.NewValidationError("sender_id", "required")
	}
	if m.ReceiverID == "" {
		return core.NewValidationError("receiver_id", "required")
	}
	dim, err := m.Tier.Dimension()
	if err != nil {
		return err
	}
	if len(m.Vector) != dim {
		return core.NewValidationError("vector",
			fmt.Sprintf("length %d does not match tier %d dimension %d", len(m.Vector), m.Tier, dim))
	}
	for i, x := range m.Vector {
		if math.IsNaN(x) || math.IsInf(x, 0) {
			return core.NewValidationError("vector", fmt.Sprintf("component %d is not finite", i))
		}
	}
	if !m.Metadata.Raw && !IsUnit(m.Vector, unitTolerance) {
		return core.NewValidationError("vector", "not L2-normalised and not marked raw")
	}
	if m.Metadata.EncodingModel == "" {
		return core.NewValidationError("metadata.encoding_model", "required")
	}
	return nil
}

// Clone returns a deep copy so pipeline stages never share vector storage.
func (m *Message) Clone() *Message {
	c := *m
	c.Vector = Clone(m.Vector)
	return &c
}

// Decode parses a wire message and validates it.
func Decode(data []byte) (*Message, error) {
	var m Message
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, &core.ValidationError{Field: "message", Reason: "invalid JSON", Err: err}
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return &m, nil
}

// Encode serialises m to its wire form.
func (m *Message) Encode() ([]byte, error) {
	if m == nil {
		return nil, errors.New("nil message")
	}
	return json.Marshal(m)
}
