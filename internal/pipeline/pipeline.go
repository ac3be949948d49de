package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/ocx/vecgate/internal/audit"
	"github.com/ocx/vecgate/internal/core"
	"github.com/ocx/vecgate/internal/ethics"
	"github.com/ocx/vecgate/internal/identity"
	"github.com/ocx/vecgate/internal/metrics"
	"github.com/ocx/vecgate/internal/policy"
	"github.com/ocx/vecgate/internal/proof"
	"github.com/ocx/vecgate/internal/safety"
	"github.com/ocx/vecgate/internal/transport"
	"github.com/ocx/vecgate/internal/vector"
	"github.com/ocx/vecgate/internal/webhooks"
)

// DefaultMaxSteeringIterations caps steering when no option sets it.
const DefaultMaxSteeringIterations = 100

// unknownAgent is recorded when a rejected message carries no sender.
const unknownAgent = "unknown"

// Deps are the collaborators every pipeline needs. Encoder is only needed
// for text requests.
type Deps struct {
	Encoder   *vector.Encoder
	Polytopes *safety.Store
	Policies  *policy.Registry
	Enforcer  *policy.Enforcer
	Scorer    *ethics.Scorer
	Prover    proof.Prover
	Signer    proof.Signer
	Trail     *audit.Trail
	Transport transport.Transport
}

// Pipeline is safe for concurrent use. Gate snapshots are read without
// locking; the audit trail serialises appends.
type Pipeline struct {
	deps Deps

	validator   *identity.Validator
	metrics     *metrics.Metrics
	alerts      webhooks.Emitter
	maxSteering int
	defaultTier vector.Tier
	steering    func(agentID string) bool
	risk        func(agentID string) ethics.RiskLevel
	now         func() time.Time
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithValidator checks sender and receiver identities before the gates.
func WithValidator(v *identity.Validator) Option { return func(p *Pipeline) { p.validator = v } }

// WithMetrics records decisions and gate latencies.
func WithMetrics(m *metrics.Metrics) Option { return func(p *Pipeline) { p.metrics = m } }

// WithAlerts sends override grants and post-decision failures to e.
func WithAlerts(e webhooks.Emitter) Option { return func(p *Pipeline) { p.alerts = e } }

// WithSteering enables steering of unsafe vectors with an iteration cap.
// A nil resolver enables it for every sender.
func WithSteering(maxIterations int, enabled func(agentID string) bool) Option {
	return func(p *Pipeline) {
		p.maxSteering = maxIterations
		if enabled == nil {
			enabled = func(string) bool { return true }
		}
		p.steering = enabled
	}
}

// WithoutSteering rejects every unsafe vector outright.
func WithoutSteering() Option {
	return func(p *Pipeline) { p.steering = func(string) bool { return false } }
}

// WithRiskResolver chooses the alignment threshold per sender when the
// request does not carry one.
func WithRiskResolver(fn func(agentID string) ethics.RiskLevel) Option {
	return func(p *Pipeline) { p.risk = fn }
}

// WithDefaultTier sets the tier text requests are encoded at when they do
// not name one.
func WithDefaultTier(t vector.Tier) Option { return func(p *Pipeline) { p.defaultTier = t } }

// WithClock overrides the statement timestamp source.
func WithClock(now func() time.Time) Option { return func(p *Pipeline) { p.now = now } }

// New validates deps and builds a pipeline. Steering is on by default.
func New(deps Deps, opts ...Option) (*Pipeline, error) {
	var missing []string
	if deps.Polytopes == nil {
		missing = append(missing, "polytopes")
	}
	if deps.Policies == nil {
		missing = append(missing, "policies")
	}
	if deps.Scorer == nil {
		missing = append(missing, "scorer")
	}
	if deps.Prover == nil {
		missing = append(missing, "prover")
	}
	if deps.Signer == nil {
		missing = append(missing, "signer")
	}
	if deps.Trail == nil {
		missing = append(missing, "trail")
	}
	if deps.Transport == nil {
		missing = append(missing, "transport")
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("pipeline: missing dependencies: %s", strings.Join(missing, ", "))
	}
	if deps.Enforcer == nil {
		deps.Enforcer = policy.NewEnforcer(nil)
	}

	p := &Pipeline{
		deps:        deps,
		maxSteering: DefaultMaxSteeringIterations,
		defaultTier: vector.TierFast,
		steering:    func(string) bool { return true },
		risk:        func(string) ethics.RiskLevel { return ethics.RiskStandard },
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.maxSteering < 0 {
		return nil, fmt.Errorf("pipeline: negative steering budget %d", p.maxSteering)
	}
	return p, nil
}

// ProcessMessage runs m with no resource usage and no override.
func (p *Pipeline) ProcessMessage(ctx context.Context, m *vector.Message) (*Result, error) {
	return p.Process(ctx, Request{Message: m})
}

// Process runs one request to a terminal state. Gate failures come back as a
// REJECTED result with a nil error. A non-nil error is operational: the
// audit trail refused the entry or the transport failed after logging.
func (p *Pipeline) Process(ctx context.Context, req Request) (*Result, error) {
	start := time.Now()
	res := &Result{Timestamp: p.now().UTC()}
	res.advance(StateCreated)
	defer func() { res.DurationMs = time.Since(start).Milliseconds() }()

	var m *vector.Message
	switch {
	case req.Message != nil:
		m = req.Message.Clone()
	case req.Text != "":
		gate := time.Now()
		enc, err := p.encode(ctx, req)
		p.metrics.ObserveGate("encode", gate)
		m = enc
		if err != nil {
			res.Message, res.MessageID = m, m.MessageID
			return p.reject(ctx, res, agentOrUnknown(m.SenderID), core.CodeOf(err, core.CodeMalformedMessage),
				"encoding failed", err)
		}
	default:
		return p.reject(ctx, res, agentOrUnknown(req.SenderID), core.CodeMalformedMessage, "invalid message",
			core.NewValidationError("message", "either message or text is required"))
	}
	res.Message = m
	res.MessageID = m.MessageID
	sender := agentOrUnknown(m.SenderID)

	// Validate
	gate := time.Now()
	if err := p.validate(m); err != nil {
		p.metrics.ObserveGate("validate", gate)
		return p.reject(ctx, res, sender, core.CodeOf(err, core.CodeMalformedMessage), "invalid message", err)
	}
	p.metrics.ObserveGate("validate", gate)
	res.advance(StateEncoded)

	// Safety gate
	gate = time.Now()
	slack, err := p.checkSafety(res, m)
	p.metrics.ObserveGate("safety", gate)
	if err != nil {
		return p.reject(ctx, res, sender, core.CodeUnsafeVector, "vector outside safe region", err)
	}
	m.Metadata.SafetyVerified = true
	res.advance(StateSafetyChecked)

	// Policy gate
	gate = time.Now()
	decision, pol, err := p.checkPolicy(req, m)
	p.metrics.ObserveGate("policy", gate)
	res.Decision = decision
	if err != nil {
		return p.reject(ctx, res, sender, core.CodePolicyViolation, "policy check failed", err)
	}
	m.Metadata.PolicyCompliant = true
	m.Metadata.PolicyVerdict = string(decision.Verdict)
	if decision.Grant != nil {
		p.alert(webhooks.EventOverrideGranted, map[string]interface{}{
			"message_id": m.MessageID,
			"agent_id":   m.SenderID,
			"policy_id":  decision.PolicyID,
			"token_id":   decision.Grant.TokenID,
			"grantor":    decision.Grant.Grantor,
			"resources":  decision.Grant.Resources,
			"reason":     decision.Grant.Reason,
		})
	}
	res.advance(StatePolicyChecked)

	// Ethics gate
	gate = time.Now()
	level := req.RiskLevel
	if level == "" {
		level = p.risk(m.SenderID)
	}
	res.RiskLevel = level
	score, err := p.deps.Scorer.Score(ctx, m.Vector, m.Tier, level)
	p.metrics.ObserveGate("ethics", gate)
	res.Alignment = score
	m.Metadata.AlignmentScore = score
	if err == nil || isAlignmentError(err) {
		p.metrics.ObserveAlignment(score)
	}
	if err != nil {
		return p.reject(ctx, res, sender, core.CodeLowAlignment, "insufficient ethical alignment", err)
	}
	res.advance(StateEthicsChecked)

	// Prove and sign
	gate = time.Now()
	pr, err := p.prove(ctx, req, m, pol, decision, score, slack)
	p.metrics.ObserveGate("prove", gate)
	if err != nil {
		return p.reject(ctx, res, sender, core.CodeProofInvalid, "compliance proof failed", err)
	}
	res.Proof = pr

	gate = time.Now()
	sig, err := proof.SignMessage(p.deps.Signer, m)
	p.metrics.ObserveGate("sign", gate)
	if err != nil {
		return p.reject(ctx, res, sender, core.CodeProofInvalid, "signing failed",
			&core.ProofError{Op: "sign", Err: err})
	}
	m.Metadata.Signature = sig

	// Audit
	gate = time.Now()
	entry, err := p.deps.Trail.Log(ctx, audit.Record{
		AgentID:       sender,
		ActionSummary: p.summary(m, decision, score),
		Compliant:     true,
		MessageID:     m.MessageID,
		ProofHash:     m.Metadata.ProofHash,
	})
	p.metrics.ObserveGate("audit", gate)
	if err != nil {
		slog.Error("audit append failed, message withheld", "message_id", m.MessageID, "error", err)
		p.alert(webhooks.EventAuditFailed, map[string]interface{}{"message_id": m.MessageID, "error": err.Error()})
		return res, fmt.Errorf("pipeline: audit message %s: %w", m.MessageID, err)
	}
	res.AuditEntry = entry
	res.advance(StateSignedLogged)
	p.metrics.RecordDecision(true)

	// Deliver
	gate = time.Now()
	err = p.deps.Transport.Send(ctx, m)
	p.metrics.ObserveGate("deliver", gate)
	if err != nil {
		slog.Error("delivery failed after audit",
			"message_id", m.MessageID, "transport", p.deps.Transport.Name(), "error", err)
		p.alert(webhooks.EventDeliveryFailed, map[string]interface{}{
			"message_id":  m.MessageID,
			"receiver_id": m.ReceiverID,
			"audit_entry": entry.EntryID,
			"error":       err.Error(),
		})
		return res, fmt.Errorf("pipeline: deliver message %s: %w", m.MessageID, err)
	}
	res.advance(StateDelivered)
	return res, nil
}

// ============================================================================
// GATES
// ============================================================================

// encode builds the message for a text request. The message carries an ID
// even when encoding fails so that the rejection can be traced.
func (p *Pipeline) encode(ctx context.Context, req Request) (*vector.Message, error) {
	tier := req.Tier
	if tier == 0 {
		tier = p.defaultTier
	}
	m := vector.NewMessage(req.SenderID, req.ReceiverID, nil, tier, "")
	if p.deps.Encoder == nil {
		return m, core.NewValidationError("text", "no encoder configured")
	}
	enc, err := p.deps.Encoder.Encode(ctx, req.Text, tier)
	if err != nil {
		return m, err
	}
	m.Vector = enc.Vector
	m.Metadata.EncodingModel = enc.Model

	if req.TargetTier == 0 || req.TargetTier == tier {
		return m, nil
	}
	if !req.TargetTier.Valid() {
		return m, core.NewInvalidTierError(int(req.TargetTier))
	}
	out, version, err := p.deps.Encoder.Compress(enc.Vector, tier, req.TargetTier, enc.Model)
	if err != nil {
		return m, &core.ValidationError{Field: "target_tier", Reason: err.Error(), Err: err}
	}
	m.Vector = out.Vector
	m.Tier = out.Tier
	m.Metadata.ProjectorVersion = version
	return m, nil
}

func (p *Pipeline) validate(m *vector.Message) error {
	if err := m.Validate(); err != nil {
		return err
	}
	// Alignment against values from another embedding space is meaningless.
	if want := p.deps.Scorer.Model(m.Tier); want != "" && m.Metadata.EncodingModel != want {
		return core.NewValidationError("metadata.encoding_model",
			fmt.Sprintf("%q does not match scoring model %q", m.Metadata.EncodingModel, want))
	}
	if p.validator != nil {
		return p.validator.ValidateMessage(m)
	}
	return nil
}

// checkSafety returns the slack of the (possibly steered) vector.
func (p *Pipeline) checkSafety(res *Result, m *vector.Message) (float64, error) {
	poly := p.deps.Polytopes.Load().For(len(m.Vector))

	safe, err := poly.IsSafe(m.Vector)
	if err != nil {
		return 0, &core.SafetyViolation{Reason: "safety check failed", Err: err}
	}
	if !safe {
		violations, _ := poly.Violations(m.Vector)
		if !p.steering(m.SenderID) {
			return 0, &core.SafetyViolation{Reason: "unsafe vector, steering disabled", Violations: len(violations)}
		}
		steered, iterations, err := poly.SteerToSafe(m.Vector, p.maxSteering)
		p.metrics.RecordSteering(err == nil)
		if err != nil {
			var serr *safety.SteeringError
			remaining := len(violations)
			if errors.As(err, &serr) && serr.Remaining != nil {
				remaining = len(serr.Remaining)
			}
			return 0, &core.SafetyViolation{
				Reason:     fmt.Sprintf("steering failed within %d iterations", p.maxSteering),
				Violations: remaining,
				Err:        err,
			}
		}
		slog.Info("vector steered into safe region",
			"message_id", m.MessageID, "polytope", poly.Name(), "iterations", iterations,
			"violations", len(violations))
		m.Vector = steered
		m.Metadata.Steered = true
		res.Steered = true
	}

	slack, err := poly.Slack(m.Vector)
	if err != nil {
		return 0, &core.SafetyViolation{Reason: "safety check failed", Err: err}
	}
	return slack, nil
}

// checkPolicy returns the decision and the policy it was made against. Any
// error, including an evaluation failure, blocks.
func (p *Pipeline) checkPolicy(req Request, m *vector.Message) (*policy.Decision, *policy.Policy, error) {
	pol := p.deps.Policies.Active()
	if pol == nil {
		return nil, nil, &core.PolicyViolation{Reason: "no active policy"}
	}
	action := req.Action
	if action.AgentID == "" {
		action.AgentID = m.SenderID
	}
	decision, err := p.deps.Enforcer.Enforce(action, pol, req.OverrideToken)
	if err != nil {
		return nil, pol, &core.PolicyViolation{PolicyID: pol.ID, Reason: "policy could not be evaluated: " + err.Error()}
	}
	if err := decision.Err(); err != nil {
		return decision, pol, err
	}
	return decision, pol, nil
}

func (p *Pipeline) prove(ctx context.Context, req Request, m *vector.Message, pol *policy.Policy,
	decision *policy.Decision, score, slack float64) (*proof.Proof, error) {

	// +Inf (no polytope for this dimension) is not representable in JSON.
	if math.IsInf(slack, 1) {
		slack = 0
	}
	usage := make(map[string]string, len(req.Action.Usage))
	for name, q := range req.Action.Usage {
		usage[name] = q.String()
	}

	st := proof.Statement{
		Compliant: true,
		PolicyID:  pol.ID,
		Timestamp: p.now().UTC(),
		MessageID: m.MessageID,
	}
	w := proof.Witness{
		Compliant:      true,
		AgentID:        m.SenderID,
		Usage:          usage,
		AlignmentScore: score,
		SafetyMargin:   slack,
		PolicyVerdict:  string(decision.Verdict),
	}

	pr, err := p.deps.Prover.Generate(ctx, st, w)
	if err != nil {
		return nil, err
	}
	ok, err := p.deps.Prover.Verify(ctx, pr, st)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, &core.ProofError{Op: "verify", Err: errors.New("generated proof does not verify")}
	}
	hash, err := pr.Hash()
	if err != nil {
		return nil, &core.ProofError{Op: "hash", Err: err}
	}
	m.Metadata.ProofHash = hash
	return pr, nil
}

// ============================================================================
// REJECTION
// ============================================================================

// reject records the failure on the audit trail and returns the REJECTED
// result. The append ignores caller cancellation.
func (p *Pipeline) reject(ctx context.Context, res *Result, agentID string, code core.Code,
	reason string, cause error) (*Result, error) {

	stage := res.State
	rej := &Rejection{ErrCode: code, Stage: stage, Reason: reason, Err: cause}
	if cause != nil {
		rej.Detail = cause.Error()
	}
	res.Rejection = rej
	res.advance(StateRejected)

	p.metrics.RecordRejection(code.String())
	p.metrics.RecordDecision(false)

	summary := fmt.Sprintf("REJECTED %s after %s: %s", code, stage, reason)
	if rej.Detail != "" {
		summary += " (" + rej.Detail + ")"
	}
	// The override was consumed at the policy gate; record that it was spent.
	if d := res.Decision; d != nil && d.Grant != nil {
		summary += fmt.Sprintf(" policy=%s %s", d.Verdict, d.Grant.Summary())
	}
	entry, err := p.deps.Trail.Log(context.WithoutCancel(ctx), audit.Record{
		AgentID:       agentID,
		ActionSummary: summary,
		Compliant:     false,
		MessageID:     res.MessageID,
		RejectCode:    code.String(),
	})
	if err != nil {
		slog.Error("audit append failed for rejection",
			"message_id", res.MessageID, "code", code.String(), "error", err)
		p.alert(webhooks.EventAuditFailed, map[string]interface{}{"message_id": res.MessageID, "error": err.Error()})
		return res, fmt.Errorf("pipeline: audit rejection of %s: %w", res.MessageID, err)
	}
	res.AuditEntry = entry

	slog.Info("message rejected",
		"message_id", res.MessageID, "agent_id", agentID, "code", code.String(), "stage", string(stage))
	return res, nil
}

func (p *Pipeline) summary(m *vector.Message, d *policy.Decision, score float64) string {
	var b strings.Builder
	fmt.Fprintf(&b, "DELIVER %s -> %s tier=%d policy=%s alignment=%.3f",
		m.MessageID, m.ReceiverID, m.Tier, d.Summary(), score)
	if m.Metadata.Steered {
		b.WriteString(" steered")
	}
	return b.String()
}

func agentOrUnknown(id string) string {
	if id == "" {
		return unknownAgent
	}
	return id
}

func (p *Pipeline) alert(t webhooks.EventType, data map[string]interface{}) {
	if p.alerts != nil {
		p.alerts.Emit(t, data)
	}
}

func isAlignmentError(err error) bool {
	var aerr *ethics.AlignmentError
	return errors.As(err, &aerr)
}

// ============================================================================
// BATCH
// ============================================================================

// Outcome pairs a Result with its operational error.
type Outcome struct {
	Result *Result
	Err    error
}

// ProcessAll runs every request on its own goroutine and returns outcomes in
// request order. Only the audit trail orders messages relative to each other.
func (p *Pipeline) ProcessAll(ctx context.Context, reqs []Request) []Outcome {
	out := make([]Outcome, len(reqs))
	var wg sync.WaitGroup
	for i := range reqs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := p.Process(ctx, reqs[i])
			out[i] = Outcome{Result: res, Err: err}
		}(i)
	}
	wg.Wait()
	return out
}

// Stats counts outcomes by terminal state and rejection code.
type Stats struct {
	Delivered int            `json:"delivered"`
	Rejected  int            `json:"rejected"`
	Errors    int            `json:"errors"`
	ByCode    map[string]int `json:"by_code"`
}

// Summarize tallies outcomes.
func Summarize(outcomes []Outcome) Stats {
	st := Stats{ByCode: map[string]int{}}
	for _, o := range outcomes {
		switch {
		case o.Err != nil:
			st.Errors++
		case o.Result != nil && o.Result.Delivered():
			st.Delivered++
		case o.Result != nil && o.Result.Rejection != nil:
			st.Rejected++
			st.ByCode[o.Result.Rejection.ErrCode.String()]++
		}
	}
	return st
}

// Codes returns the rejection codes seen, sorted.
func (s Stats) Codes() []string {
	codes := make([]string, 0, len(s.ByCode))
	for c := range s.ByCode {
		codes = append(codes, c)
	}
	sort.Strings(codes)
	return codes
}
