// Package pipeline runs each message through the safety, policy and ethics
// gates, proves and signs the outcome, records it on the audit trail and
// hands delivered messages to the transport.
package pipeline

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/ocx/vecgate/internal/audit"
	"github.com/ocx/vecgate/internal/core"
	"github.com/ocx/vecgate/internal/ethics"
	"github.com/ocx/vecgate/internal/policy"
	"github.com/ocx/vecgate/internal/proof"
	"github.com/ocx/vecgate/internal/vector"
)

// State is a stage of the per-message state machine.
type State string

const (
	StateCreated       State = "CREATED"
	StateEncoded       State = "ENCODED"
	StateSafetyChecked State = "SAFETY_CHECKED"
	StatePolicyChecked State = "POLICY_CHECKED"
	StateEthicsChecked State = "ETHICS_CHECKED"
	StateSignedLogged  State = "SIGNED_LOGGED"
	StateDelivered     State = "DELIVERED"
	StateRejected      State = "REJECTED"
)

// Terminal reports whether no further transition can happen.
func (s State) Terminal() bool {
	return s == StateDelivered || s == StateRejected
}

// Request is one message plus the out-of-band descriptors the gates need.
// Without a Message the pipeline encodes Text itself.
type Request struct {
	Message *vector.Message `json:"message"`

	Text       string      `json:"text,omitempty"`
	SenderID   string      `json:"sender_id,omitempty"`
	ReceiverID string      `json:"receiver_id,omitempty"`
	Tier       vector.Tier `json:"tier,omitempty"` // zero uses the pipeline default

	// TargetTier compresses the encoded text down to a smaller tier through
	// the registered projector.
	TargetTier vector.Tier `json:"target_tier,omitempty"`

	// Action describes the resources the sender consumes. AgentID defaults to
	// the message sender.
	Action policy.Action `json:"action"`

	// OverrideToken is an emergency override presented with the request.
	OverrideToken string `json:"override_token,omitempty"`

	// RiskLevel selects the alignment threshold; empty uses the resolver.
	RiskLevel ethics.RiskLevel `json:"risk_level,omitempty"`
}

// Rejection explains why a message stopped.
type Rejection struct {
	ErrCode core.Code `json:"code"`
	Stage   State     `json:"stage"`
	Reason  string    `json:"reason"`
	Detail  string    `json:"detail,omitempty"`
	Err     error     `json:"-"`
}

func (r *Rejection) Error() string {
	if r.Detail == "" {
		return fmt.Sprintf("%s at %s: %s", r.ErrCode, r.Stage, r.Reason)
	}
	return fmt.Sprintf("%s at %s: %s (%s)", r.ErrCode, r.Stage, r.Reason, r.Detail)
}

func (r *Rejection) Code() core.Code { return r.ErrCode }

// MarshalJSON writes "code" as the number and adds "code_name".
func (r *Rejection) MarshalJSON() ([]byte, error) {
	type plain Rejection
	return json.Marshal(struct {
		plain
		CodeName string `json:"code_name"`
	}{plain: plain(*r), CodeName: r.ErrCode.String()})
}

func (r *Rejection) Unwrap() error { return r.Err }

// Result is the complete outcome of Process.
type Result struct {
	MessageID string          `json:"message_id"`
	State     State           `json:"state"`
	Trace     []State         `json:"trace"`
	Message   *vector.Message `json:"message,omitempty"`

	// Gate outputs
	Steered    bool             `json:"steered,omitempty"`
	Decision   *policy.Decision `json:"policy_decision,omitempty"`
	Alignment  float64          `json:"alignment_score"`
	RiskLevel  ethics.RiskLevel `json:"risk_level,omitempty"`
	Proof      *proof.Proof     `json:"proof,omitempty"`
	AuditEntry *audit.Entry     `json:"audit_entry,omitempty"`

	Rejection *Rejection `json:"rejection,omitempty"`

	Timestamp  time.Time `json:"timestamp"`
	DurationMs int64     `json:"duration_ms"`
}

func (r *Result) advance(s State) {
	r.State = s
	r.Trace = append(r.Trace, s)
}

// Delivered reports whether the message reached its receiver.
func (r *Result) Delivered() bool { return r.State == StateDelivered }
