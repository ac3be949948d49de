package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

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

const dim = 384

const cpuPolicy = `{"policyId":"resource-acquisition","version":"1.0",
  "limits":{"cpu_usage":{"max":"80%","enforce":true}},
  "prosocialConstraints":{"fairUseEnabled":true,"emergencyOverrideEnabled":false,"humanOversightRequired":false}}`

func basis(i int) []float64 {
	v := make([]float64, dim)
	v[i] = 1
	return v
}

type fixture struct {
	pipe      *Pipeline
	trail     *audit.Trail
	transport *transport.ChannelTransport
	inbox     <-chan []byte
	signer    proof.Signer
	metrics   *metrics.Metrics
	polytopes *safety.Store
	scorer    *ethics.Scorer
	policies  *policy.Registry
	encoder   *vector.Encoder
}

type fixtureOpts struct {
	prover  proof.Prover
	buffer  int
	options []Option
}

func newFixture(t *testing.T, fo fixtureOpts) *fixture {
	t.Helper()

	box, err := safety.UniformBox(dim, -1, 1, safety.WithName("unit-box"))
	require.NoError(t, err)
	set, err := safety.NewSet(box)
	require.NoError(t, err)
	polytopes := safety.NewStore(set)

	pol, err := policy.Load([]byte(cpuPolicy), policy.FormatJSON)
	require.NoError(t, err)
	policies := policy.NewRegistry()
	policies.Push(pol, "test", "initial")

	emb := vector.NewHashEmbedder("hash-v1")
	enc := vector.NewEncoder(map[vector.Tier]vector.Embedder{
		vector.TierFast:     emb,
		vector.TierBalanced: emb,
	}, vector.NewProjectorRegistry())
	scorer, err := ethics.NewScorer(enc, nil, ethics.DefaultThresholds())
	require.NoError(t, err)
	value := make([]float64, dim)
	value[0], value[1] = 0.8, 0.6
	scorer.Install(vector.TierFast, []ethics.WeightedValue{
		{Value: ethics.ValueVector{Principle: "cooperate", Framework: ethics.FrameworkVirtue, Vector: value}, Weight: 1},
	})

	prover := fo.prover
	if prover == nil {
		inner, err := proof.NewCommitmentProver(nil)
		require.NoError(t, err)
		prover = proof.NewGuardedProver(inner, time.Second, nil)
	}
	signer, err := proof.NewSigner(proof.AlgorithmEd25519)
	require.NoError(t, err)

	m := metrics.New(prometheus.NewRegistry())
	trail := audit.New(audit.WithLogger(log.New(io.Discard, "", 0)), audit.WithMetrics(m))

	buffer := fo.buffer
	if buffer == 0 {
		buffer = 16
	}
	ch := transport.NewChannelTransport(buffer)
	inbox := ch.Subscribe("")

	opts := append([]Option{WithMetrics(m)}, fo.options...)
	p, err := New(Deps{
		Encoder:   enc,
		Polytopes: polytopes,
		Policies:  policies,
		Scorer:    scorer,
		Prover:    prover,
		Signer:    signer,
		Trail:     trail,
		Transport: ch,
	}, opts...)
	require.NoError(t, err)

	return &fixture{
		pipe: p, trail: trail, transport: ch, inbox: inbox, signer: signer,
		metrics: m, polytopes: polytopes, scorer: scorer, policies: policies, encoder: enc,
	}
}

func cpuAction(usage string) policy.Action {
	q, _ := policy.ParseQuantity(usage)
	return policy.Action{Usage: map[string]policy.Quantity{"cpu_usage": q}}
}

func entries(t *testing.T, tr *audit.Trail) []audit.Entry {
	t.Helper()
	es, err := tr.Entries(context.Background())
	require.NoError(t, err)
	return es
}

func TestNew_RequiresDependencies(t *testing.T) {
	_, err := New(Deps{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "polytopes")
	assert.Contains(t, err.Error(), "transport")
}

func TestProcess_CompliantMessageIsDelivered(t *testing.T) {
	f := newFixture(t, fixtureOpts{})
	msg := vector.NewMessage("agent-a", "agent-b", basis(0), vector.TierFast, "hash-v1")

	res, err := f.pipe.Process(context.Background(), Request{Message: msg, Action: cpuAction("42%")})
	require.NoError(t, err)
	require.Nil(t, res.Rejection)

	assert.Equal(t, StateDelivered, res.State)
	assert.Equal(t, []State{StateCreated, StateEncoded, StateSafetyChecked, StatePolicyChecked,
		StateEthicsChecked, StateSignedLogged, StateDelivered}, res.Trace)
	assert.InDelta(t, 0.9, res.Alignment, 1e-9)
	assert.Equal(t, policy.VerdictAllow, res.Decision.Verdict)
	assert.Equal(t, ethics.RiskStandard, res.RiskLevel)

	md := res.Message.Metadata
	assert.True(t, md.SafetyVerified)
	assert.True(t, md.PolicyCompliant)
	assert.Equal(t, "ALLOW", md.PolicyVerdict)
	assert.InDelta(t, 0.9, md.AlignmentScore, 1e-9)
	assert.NotEmpty(t, md.ProofHash)
	assert.NotEmpty(t, md.Signature)
	assert.False(t, msg.Metadata.SafetyVerified, "caller's message is not mutated")

	ok, err := proof.VerifyMessage(f.signer, f.signer.PublicKey(), res.Message)
	require.NoError(t, err)
	assert.True(t, ok)

	es := entries(t, f.trail)
	require.Len(t, es, 1)
	assert.True(t, es[0].Compliant)
	assert.Equal(t, md.ProofHash, es[0].ProofHash)
	assert.Equal(t, msg.MessageID, es[0].MessageID)
	assert.Equal(t, "agent-a", es[0].AgentID)

	select {
	case raw := <-f.inbox:
		got, err := vector.Decode(raw)
		require.NoError(t, err)
		assert.Equal(t, msg.MessageID, got.MessageID)
		assert.Equal(t, md.ProofHash, got.Metadata.ProofHash)
	default:
		t.Fatal("message was not delivered")
	}

	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.Decisions.WithLabelValues("compliant")))
}

func TestProcess_UnsteerableVectorIsRejected(t *testing.T) {
	f := newFixture(t, fixtureOpts{})

	neg := make([]float64, dim)
	neg[0] = -1
	double := make([]float64, dim)
	double[0] = 2
	poly, err := safety.New(dim, []safety.Constraint{
		{A: basis(0), B: 0.2},
		{A: double, B: 0.5},
		{A: basis(1), B: 1},
		{A: basis(2), B: 1},
		{A: neg, B: 1},
	})
	require.NoError(t, err)
	set, err := safety.NewSet(poly)
	require.NoError(t, err)
	f.polytopes.Swap(set)

	msg := vector.NewMessage("agent-a", "agent-b", basis(0), vector.TierFast, "hash-v1")
	res, err := f.pipe.ProcessMessage(context.Background(), msg)
	require.NoError(t, err)

	assert.Equal(t, StateRejected, res.State)
	require.NotNil(t, res.Rejection)
	assert.Equal(t, core.CodeUnsafeVector, res.Rejection.ErrCode)
	assert.Equal(t, StateEncoded, res.Rejection.Stage)
	assert.Equal(t, core.CodeUnsafeVector, core.CodeOf(res.Rejection, 0))

	var sv *core.SafetyViolation
	require.True(t, errors.As(res.Rejection, &sv))
	assert.Equal(t, 2, sv.Violations)

	es := entries(t, f.trail)
	require.Len(t, es, 1)
	assert.False(t, es[0].Compliant)
	assert.Equal(t, "UNSAFE_VECTOR", es[0].RejectCode)
	assert.Empty(t, es[0].ProofHash)
	assert.Len(t, f.inbox, 0)
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.Steering.WithLabelValues("failed")))
}

func TestProcess_SteersRecoverableVector(t *testing.T) {
	f := newFixture(t, fixtureOpts{})

	// x0 <= 0.5 plus the default margin; (0.8, 0.6) starts 0.3 outside.
	poly, err := safety.New(dim, []safety.Constraint{{A: basis(0), B: 0.5}})
	require.NoError(t, err)
	set, err := safety.NewSet(poly)
	require.NoError(t, err)
	f.polytopes.Swap(set)

	v := make([]float64, dim)
	v[0], v[1] = 0.8, 0.6
	msg := vector.NewMessage("agent-a", "agent-b", v, vector.TierFast, "hash-v1")
	res, err := f.pipe.ProcessMessage(context.Background(), msg)
	require.NoError(t, err)
	require.Nil(t, res.Rejection)

	assert.True(t, res.Steered)
	assert.True(t, res.Message.Metadata.Steered)
	safe, err := poly.IsSafe(res.Message.Vector)
	require.NoError(t, err)
	assert.True(t, safe)
	assert.True(t, vector.IsUnit(res.Message.Vector, 1e-9))
}

func TestProcess_SteeringDisabledRejects(t *testing.T) {
	f := newFixture(t, fixtureOpts{options: []Option{WithoutSteering()}})
	poly, err := safety.New(dim, []safety.Constraint{{A: basis(0), B: 0.5}})
	require.NoError(t, err)
	set, err := safety.NewSet(poly)
	require.NoError(t, err)
	f.polytopes.Swap(set)

	res, err := f.pipe.ProcessMessage(context.Background(),
		vector.NewMessage("agent-a", "agent-b", basis(0), vector.TierFast, "hash-v1"))
	require.NoError(t, err)
	require.NotNil(t, res.Rejection)
	assert.Equal(t, core.CodeUnsafeVector, res.Rejection.ErrCode)
}

func TestProcess_PolicyBlock(t *testing.T) {
	f := newFixture(t, fixtureOpts{})
	msg := vector.NewMessage("agent-a", "agent-b", basis(0), vector.TierFast, "hash-v1")

	res, err := f.pipe.Process(context.Background(), Request{Message: msg, Action: cpuAction("95%")})
	require.NoError(t, err)
	require.NotNil(t, res.Rejection)
	assert.Equal(t, core.CodePolicyViolation, res.Rejection.ErrCode)
	assert.Equal(t, StateSafetyChecked, res.Rejection.Stage)
	assert.Equal(t, policy.VerdictBlock, res.Decision.Verdict)

	var pv *core.PolicyViolation
	require.True(t, errors.As(res.Rejection, &pv))
	assert.Equal(t, "resource-acquisition", pv.PolicyID)

	es := entries(t, f.trail)
	require.Len(t, es, 1)
	assert.Equal(t, "POLICY_VIOLATION", es[0].RejectCode)
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.Rejections.WithLabelValues("POLICY_VIOLATION")))
}

func TestProcess_NoActivePolicyBlocks(t *testing.T) {
	f := newFixture(t, fixtureOpts{})
	p, err := New(Deps{
		Polytopes: f.polytopes,
		Policies:  policy.NewRegistry(),
		Scorer:    f.scorer,
		Prover:    f.pipe.deps.Prover,
		Signer:    f.signer,
		Trail:     f.trail,
		Transport: f.transport,
	})
	require.NoError(t, err)

	res, err := p.ProcessMessage(context.Background(),
		vector.NewMessage("agent-a", "agent-b", basis(0), vector.TierFast, "hash-v1"))
	require.NoError(t, err)
	require.NotNil(t, res.Rejection)
	assert.Equal(t, core.CodePolicyViolation, res.Rejection.ErrCode)
}

func TestProcess_LowAlignment(t *testing.T) {
	f := newFixture(t, fixtureOpts{})
	away := make([]float64, dim)
	away[0], away[1] = -0.8, -0.6

	res, err := f.pipe.Process(context.Background(), Request{
		Message:   vector.NewMessage("agent-a", "agent-b", away, vector.TierFast, "hash-v1"),
		RiskLevel: ethics.RiskLow,
	})
	require.NoError(t, err)
	require.NotNil(t, res.Rejection)
	assert.Equal(t, core.CodeLowAlignment, res.Rejection.ErrCode)
	assert.Equal(t, StatePolicyChecked, res.Rejection.Stage)
	assert.InDelta(t, 0.0, res.Alignment, 1e-9)

	var aerr *ethics.AlignmentError
	require.True(t, errors.As(res.Rejection, &aerr))
	assert.Equal(t, ethics.RiskLow, aerr.Level)
}

func TestProcess_RiskResolverRaisesThreshold(t *testing.T) {
	// e1 scores 0.8 against the installed value, e2 scores 0.5.
	f := newFixture(t, fixtureOpts{options: []Option{
		WithRiskResolver(func(agentID string) ethics.RiskLevel {
			if agentID == "treasurer" {
				return ethics.RiskCritical
			}
			return ethics.RiskStandard
		}),
	}})

	res, err := f.pipe.ProcessMessage(context.Background(),
		vector.NewMessage("clerk", "agent-b", basis(1), vector.TierFast, "hash-v1"))
	require.NoError(t, err)
	assert.True(t, res.Delivered())

	res, err = f.pipe.ProcessMessage(context.Background(),
		vector.NewMessage("treasurer", "agent-b", basis(2), vector.TierFast, "hash-v1"))
	require.NoError(t, err)
	require.NotNil(t, res.Rejection)
	assert.Equal(t, core.CodeLowAlignment, res.Rejection.ErrCode)
	assert.Equal(t, ethics.RiskCritical, res.RiskLevel)
}

func TestProcess_MalformedMessage(t *testing.T) {
	f := newFixture(t, fixtureOpts{})

	bad := vector.NewMessage("agent-a", "agent-b", []float64{1, 0}, vector.TierFast, "hash-v1")
	res, err := f.pipe.ProcessMessage(context.Background(), bad)
	require.NoError(t, err)
	assert.Equal(t, core.CodeMalformedMessage, res.Rejection.ErrCode)
	assert.Equal(t, StateCreated, res.Rejection.Stage)

	res, err = f.pipe.ProcessMessage(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, core.CodeMalformedMessage, res.Rejection.ErrCode)

	badTier := vector.NewMessage("agent-a", "agent-b", basis(0), vector.Tier(9), "hash-v1")
	res, err = f.pipe.ProcessMessage(context.Background(), badTier)
	require.NoError(t, err)
	assert.Equal(t, core.CodeInvalidTier, res.Rejection.ErrCode)

	es := entries(t, f.trail)
	require.Len(t, es, 3)
	assert.Equal(t, "unknown", es[1].AgentID)
}

func TestProcess_IdentityValidation(t *testing.T) {
	v, err := identity.NewValidator("vecgate.local", true)
	require.NoError(t, err)
	f := newFixture(t, fixtureOpts{options: []Option{WithValidator(v)}})

	res, err := f.pipe.ProcessMessage(context.Background(),
		vector.NewMessage("agent-a", "agent-b", basis(0), vector.TierFast, "hash-v1"))
	require.NoError(t, err)
	require.NotNil(t, res.Rejection)
	assert.Equal(t, core.CodeMalformedMessage, res.Rejection.ErrCode)

	sender, err := identity.AgentID(v.TrustDomain(), "planner")
	require.NoError(t, err)
	receiver, err := identity.AgentID(v.TrustDomain(), "executor")
	require.NoError(t, err)
	res, err = f.pipe.ProcessMessage(context.Background(),
		vector.NewMessage(sender, receiver, basis(0), vector.TierFast, "hash-v1"))
	require.NoError(t, err)
	assert.True(t, res.Delivered())
}

type slowProver struct{ delay time.Duration }

func (s slowProver) Generate(ctx context.Context, st proof.Statement, w proof.Witness) (*proof.Proof, error) {
	time.Sleep(s.delay)
	return &proof.Proof{Statement: st}, nil
}

func (s slowProver) Verify(ctx context.Context, p *proof.Proof, st proof.Statement) (bool, error) {
	return true, nil
}

func TestProcess_ProverTimeoutFailsClosed(t *testing.T) {
	f := newFixture(t, fixtureOpts{
		prover: proof.NewGuardedProver(slowProver{delay: 200 * time.Millisecond}, 10*time.Millisecond, nil),
	})

	res, err := f.pipe.ProcessMessage(context.Background(),
		vector.NewMessage("agent-a", "agent-b", basis(0), vector.TierFast, "hash-v1"))
	require.NoError(t, err)
	require.NotNil(t, res.Rejection)
	assert.Equal(t, core.CodeProofInvalid, res.Rejection.ErrCode)
	assert.Equal(t, StateEthicsChecked, res.Rejection.Stage)
	assert.True(t, errors.Is(res.Rejection, proof.ErrProverTimeout))
	assert.Len(t, f.inbox, 0)
}

func TestProcess_CancelledContextIsStillAudited(t *testing.T) {
	f := newFixture(t, fixtureOpts{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	res, err := f.pipe.ProcessMessage(ctx,
		vector.NewMessage("agent-a", "agent-b", basis(0), vector.TierFast, "hash-v1"))
	require.NoError(t, err)
	require.NotNil(t, res.Rejection)
	assert.Equal(t, core.CodeProofInvalid, res.Rejection.ErrCode)

	es := entries(t, f.trail)
	require.Len(t, es, 1)
	assert.False(t, es[0].Compliant)
}

type recordingEmitter struct {
	mu     sync.Mutex
	events []webhooks.EventType
}

func (r *recordingEmitter) Emit(t webhooks.EventType, data map[string]interface{}) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, t)
}

func TestProcess_DeliveryFailureAfterAudit(t *testing.T) {
	alerts := &recordingEmitter{}
	f := newFixture(t, fixtureOpts{options: []Option{WithAlerts(alerts)}})
	f.transport.Unsubscribe("", f.inbox)

	res, err := f.pipe.ProcessMessage(context.Background(),
		vector.NewMessage("agent-a", "agent-b", basis(0), vector.TierFast, "hash-v1"))
	require.Error(t, err)
	assert.True(t, errors.Is(err, transport.ErrNoReceiver))
	assert.Equal(t, StateSignedLogged, res.State)
	assert.Len(t, entries(t, f.trail), 1, "no second entry for the delivery failure")
	assert.Equal(t, []webhooks.EventType{webhooks.EventDeliveryFailed}, alerts.events)
}

func TestProcess_ConcurrentSendersKeepChainIntact(t *testing.T) {
	const perSender = 1000
	f := newFixture(t, fixtureOpts{buffer: 2 * perSender})

	var wg sync.WaitGroup
	errs := make(chan error, 2*perSender)
	for _, sender := range []string{"agent-a", "agent-b"} {
		wg.Add(1)
		go func(sender string) {
			defer wg.Done()
			for i := 0; i < perSender; i++ {
				res, err := f.pipe.ProcessMessage(context.Background(),
					vector.NewMessage(sender, "sink", basis(0), vector.TierFast, "hash-v1"))
				if err != nil {
					errs <- err
					continue
				}
				if !res.Delivered() {
					errs <- fmt.Errorf("message %d from %s: %v", i, sender, res.Rejection)
				}
			}
		}(sender)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Error(err)
	}

	es := entries(t, f.trail)
	require.Len(t, es, 2*perSender)
	for i, e := range es {
		require.Equal(t, int64(i), e.EntryID)
	}
	ok, broken := audit.VerifyChainIntegrity(es)
	assert.True(t, ok, "chain broken at %d", broken)
	assert.NoError(t, f.trail.Verify(context.Background()))
	assert.Len(t, f.inbox, 2*perSender)
}

func TestProcessAll_PreservesOrderAndSummarizes(t *testing.T) {
	f := newFixture(t, fixtureOpts{})
	reqs := []Request{
		{Message: vector.NewMessage("a", "b", basis(0), vector.TierFast, "hash-v1"), Action: cpuAction("10%")},
		{Message: vector.NewMessage("a", "b", basis(0), vector.TierFast, "hash-v1"), Action: cpuAction("99%")},
		{Message: vector.NewMessage("a", "b", basis(1), vector.TierFast, "hash-v1")},
	}

	out := f.pipe.ProcessAll(context.Background(), reqs)
	require.Len(t, out, 3)
	for i, o := range out {
		require.NoError(t, o.Err)
		assert.Equal(t, reqs[i].Message.MessageID, o.Result.MessageID)
	}

	st := Summarize(out)
	assert.Equal(t, 2, st.Delivered)
	assert.Equal(t, 1, st.Rejected)
	assert.Equal(t, []string{"POLICY_VIOLATION"}, st.Codes())
}

// truncation keeps the first TierFast coordinates of a TierBalanced vector.
func truncation(t *testing.T, model string) *vector.Projector {
	t.Helper()
	comps := make([][]float64, 384)
	for i := range comps {
		row := make([]float64, 768)
		row[i] = 1
		comps[i] = row
	}
	p, err := vector.NewProjector(vector.TierBalanced, vector.TierFast, model, nil, comps)
	require.NoError(t, err)
	return p
}

const longText = "coordinate the delivery schedule with the warehouse team and confirm the pickup window before noon"

func TestProcess_TextIsEncoded(t *testing.T) {
	f := newFixture(t, fixtureOpts{})

	res, err := f.pipe.Process(context.Background(), Request{
		Text: longText, SenderID: "agent-a", ReceiverID: "agent-b", RiskLevel: ethics.RiskLow,
	})
	require.NoError(t, err)
	require.Nil(t, res.Rejection, "%v", res.Rejection)
	assert.True(t, res.Delivered())
	assert.Equal(t, []State{StateCreated, StateEncoded}, res.Trace[:2])
	assert.Equal(t, vector.TierFast, res.Message.Tier)
	assert.Equal(t, "hash-v1", res.Message.Metadata.EncodingModel)
	assert.Len(t, res.Message.Vector, dim)
}

func TestProcess_TextEncodingFailureIsAudited(t *testing.T) {
	f := newFixture(t, fixtureOpts{})

	res, err := f.pipe.Process(context.Background(), Request{
		Text: "hello", SenderID: "agent-a", ReceiverID: "agent-b", Tier: vector.Tier(9),
	})
	require.NoError(t, err)
	require.NotNil(t, res.Rejection)
	assert.Equal(t, core.CodeInvalidTier, res.Rejection.ErrCode)
	assert.Equal(t, StateCreated, res.Rejection.Stage)
	assert.NotEmpty(t, res.MessageID)

	res2, err := f.pipe.Process(context.Background(), Request{SenderID: "agent-a", ReceiverID: "agent-b"})
	require.NoError(t, err)
	assert.Equal(t, core.CodeMalformedMessage, res2.Rejection.ErrCode)

	es := entries(t, f.trail)
	require.Len(t, es, 2)
	assert.Equal(t, res.MessageID, es[0].MessageID)
	assert.Equal(t, "INVALID_TIER", es[0].RejectCode)
	assert.Equal(t, "agent-a", es[0].AgentID)
	assert.False(t, es[0].Compliant)
	assert.Equal(t, "MALFORMED_MESSAGE", es[1].RejectCode)
}

func TestProcess_TextWithoutEncoderIsRejected(t *testing.T) {
	f := newFixture(t, fixtureOpts{})
	p, err := New(Deps{
		Polytopes: f.polytopes,
		Policies:  f.policies,
		Scorer:    f.scorer,
		Prover:    f.pipe.deps.Prover,
		Signer:    f.signer,
		Trail:     f.trail,
		Transport: f.transport,
	})
	require.NoError(t, err)

	res, err := p.Process(context.Background(), Request{Text: "hello", SenderID: "a", ReceiverID: "b"})
	require.NoError(t, err)
	assert.Equal(t, core.CodeMalformedMessage, res.Rejection.ErrCode)
	assert.Contains(t, res.Rejection.Detail, "no encoder")
}

func TestProcess_EncodingModelMismatchIsMalformed(t *testing.T) {
	f := newFixture(t, fixtureOpts{})

	res, err := f.pipe.ProcessMessage(context.Background(),
		vector.NewMessage("agent-a", "agent-b", basis(0), vector.TierFast, "some-other-model-v9"))
	require.NoError(t, err)
	require.NotNil(t, res.Rejection)
	assert.Equal(t, core.CodeMalformedMessage, res.Rejection.ErrCode)
	assert.Equal(t, StateCreated, res.Rejection.Stage)
	assert.Contains(t, res.Rejection.Detail, "some-other-model-v9")
	assert.Contains(t, res.Rejection.Detail, "hash-v1")
	assert.Zero(t, res.Alignment)

	select {
	case <-f.inbox:
		t.Fatal("mismatched message was delivered")
	default:
	}
	es := entries(t, f.trail)
	require.Len(t, es, 1)
	assert.Equal(t, "MALFORMED_MESSAGE", es[0].RejectCode)
}

func TestProcess_TargetTierCompressesText(t *testing.T) {
	f := newFixture(t, fixtureOpts{})
	proj := truncation(t, "hash-v1")
	f.encoder.Registry().Register(proj)

	res, err := f.pipe.Process(context.Background(), Request{
		Text: longText, SenderID: "agent-a", ReceiverID: "agent-b",
		Tier: vector.TierBalanced, TargetTier: vector.TierFast, RiskLevel: ethics.RiskLow,
	})
	require.NoError(t, err)
	require.Nil(t, res.Rejection, "%v", res.Rejection)
	assert.Equal(t, vector.TierFast, res.Message.Tier)
	assert.Len(t, res.Message.Vector, dim)
	assert.Equal(t, proj.Version, res.Message.Metadata.ProjectorVersion)

	select {
	case raw := <-f.inbox:
		got, err := vector.Decode(raw)
		require.NoError(t, err)
		assert.Equal(t, proj.Version, got.Metadata.ProjectorVersion)
	default:
		t.Fatal("message was not delivered")
	}
}

func TestProcess_TargetTierRejectsStaleProjector(t *testing.T) {
	f := newFixture(t, fixtureOpts{})
	f.encoder.Registry().Register(truncation(t, "hash-v0"))

	res, err := f.pipe.Process(context.Background(), Request{
		Text: longText, SenderID: "agent-a", ReceiverID: "agent-b",
		Tier: vector.TierBalanced, TargetTier: vector.TierFast,
	})
	require.NoError(t, err)
	require.NotNil(t, res.Rejection)
	assert.Equal(t, core.CodeMalformedMessage, res.Rejection.ErrCode)
	assert.True(t, errors.Is(res.Rejection, vector.ErrProjectorVersionMismatch))

	res, err = f.pipe.Process(context.Background(), Request{
		Text: longText, SenderID: "agent-a", ReceiverID: "agent-b",
		Tier: vector.TierBalanced, TargetTier: vector.Tier(7),
	})
	require.NoError(t, err)
	assert.Equal(t, core.CodeInvalidTier, res.Rejection.ErrCode)
	assert.Len(t, entries(t, f.trail), 2)
}

func TestProcess_RejectionAfterOverrideRecordsGrant(t *testing.T) {
	f := newFixture(t, fixtureOpts{})
	pol, err := policy.Load([]byte(strings.Replace(cpuPolicy,
		`"emergencyOverrideEnabled":false`, `"emergencyOverrideEnabled":true`, 1)), policy.FormatJSON)
	require.NoError(t, err)
	policies := policy.NewRegistry()
	policies.Push(pol, "test", "override enabled")

	authority, err := policy.NewOverrideAuthority(policy.OverrideConfig{Secret: "0123456789abcdef0123"})
	require.NoError(t, err)
	token, claims, err := authority.Issue(policy.OverrideRequest{
		Grantor: "ops-lead", AgentID: "agent-a", PolicyID: pol.ID,
		Resources: []string{"cpu_usage"}, Reason: "incident response",
	})
	require.NoError(t, err)

	p, err := New(Deps{
		Polytopes: f.polytopes,
		Policies:  policies,
		Enforcer:  policy.NewEnforcer(authority),
		Scorer:    f.scorer,
		Prover:    f.pipe.deps.Prover,
		Signer:    f.signer,
		Trail:     f.trail,
		Transport: f.transport,
	})
	require.NoError(t, err)

	away := make([]float64, dim)
	away[0], away[1] = -0.8, -0.6
	res, err := p.Process(context.Background(), Request{
		Message:       vector.NewMessage("agent-a", "agent-b", away, vector.TierFast, "hash-v1"),
		Action:        cpuAction("95%"),
		OverrideToken: token,
		RiskLevel:     ethics.RiskLow,
	})
	require.NoError(t, err)
	require.NotNil(t, res.Rejection)
	assert.Equal(t, core.CodeLowAlignment, res.Rejection.ErrCode)
	require.NotNil(t, res.Decision.Grant)

	es := entries(t, f.trail)
	require.Len(t, es, 1)
	summary := es[0].ActionSummary
	assert.Contains(t, summary, "LOW_ALIGNMENT")
	assert.Contains(t, summary, "policy=ALLOW_WITH_OVERRIDE")
	assert.Contains(t, summary, "override="+claims.ID)
	assert.Contains(t, summary, "grantor=ops-lead")
}

func TestRejection_JSONCarriesNumericCodeAndName(t *testing.T) {
	data, err := json.Marshal(&Rejection{ErrCode: core.CodeInvalidTier, Stage: StateCreated, Reason: "encoding failed"})
	require.NoError(t, err)

	var out map[string]interface{}
	require.NoError(t, json.Unmarshal(data, &out))
	assert.Equal(t, 1004.0, out["code"])
	assert.Equal(t, "INVALID_TIER", out["code_name"])
	assert.Equal(t, "CREATED", out["stage"])
	assert.NotContains(t, out, "Err")
}
