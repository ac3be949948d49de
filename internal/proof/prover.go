// Package proof produces and checks compliance proofs and message
// signatures. A proof convinces a verifier that a compliance statement is
// true without revealing the private witness behind it.
package proof

import (
	"context"
	"encoding/hex"
	"errors"
	"time"

	"golang.org/x/crypto/sha3"

	"github.com/ocx/vecgate/internal/canonical"
)

var (
	ErrStatementMismatch = errors.New("witness does not support statement")
	ErrInvalidStatement  = errors.New("invalid statement")
)

// Statement is the public claim being proven.
type Statement struct {
	Compliant bool      `json:"compliant"`
	PolicyID  string    `json:"policy_id"`
	Timestamp time.Time `json:"timestamp"`
	MessageID string    `json:"message_id,omitempty"`
}

// Validate checks the statement is well formed.
func (s Statement) Validate() error {
	if s.PolicyID == "" {
		return errors.Join(ErrInvalidStatement, errors.New("policy_id required"))
	}
	if s.Timestamp.IsZero() {
		return errors.Join(ErrInvalidStatement, errors.New("timestamp required"))
	}
	return nil
}

// Witness is the private evidence behind a statement. It is committed to
// but never copied into a Statement or Proof.
type Witness struct {
	Compliant      bool              `json:"compliant"`
	AgentID        string            `json:"agent_id"`
	Usage          map[string]string `json:"usage,omitempty"`
	AlignmentScore float64           `json:"alignment_score"`
	SafetyMargin   float64           `json:"safety_margin"`
	PolicyVerdict  string            `json:"policy_verdict"`
}

// Blob is the backend-specific proof body. For the commitment backend the
// fields are hex SHA3-256 digests.
type Blob struct {
	Commitment string `json:"commitment"`
	Challenge  string `json:"challenge"`
	Response   string `json:"response"`
}

// Proof is the serialisable proof object.
type Proof struct {
	Backend         string    `json:"backend"`
	Statement       Statement `json:"statement"`
	Blob            Blob      `json:"proof_blob"`
	VerificationKey string    `json:"verification_key"`
}

// Hash is the hex SHA3-256 of the canonical proof, recorded as proof_hash.
func (p *Proof) Hash() (string, error) {
	b, err := canonical.JSON(p)
	if err != nil {
		return "", err
	}
	sum := sha3.Sum256(b)
	return hex.EncodeToString(sum[:]), nil
}

// Prover is implemented by every proof backend. Verify must be pure:
// repeated calls with the same inputs return the same result.
type Prover interface {
	Generate(ctx context.Context, st Statement, w Witness) (*Proof, error)
	Verify(ctx context.Context, p *Proof, st Statement) (bool, error)
}
