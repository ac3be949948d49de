package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ocx/vecgate/internal/audit"
	"github.com/ocx/vecgate/internal/ethics"
	"github.com/ocx/vecgate/internal/metrics"
	"github.com/ocx/vecgate/internal/middleware"
	"github.com/ocx/vecgate/internal/pipeline"
	"github.com/ocx/vecgate/internal/policy"
	"github.com/ocx/vecgate/internal/proof"
	"github.com/ocx/vecgate/internal/safety"
	"github.com/ocx/vecgate/internal/transport"
	"github.com/ocx/vecgate/internal/vector"
)

const policyDoc = `{"policyId":"resource-acquisition","version":"%s",
  "limits":{"cpu_usage":{"max":"80%%","enforce":true}},
  "prosocialConstraints":{"fairUseEnabled":true,"emergencyOverrideEnabled":true,"humanOversightRequired":false}}`

const operatorToken = "operator-token-0123456789"

type harness struct {
	srv        *Server
	handler    http.Handler
	trail      *audit.Trail
	policyFile string
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	dir := t.TempDir()
	policyFile := filepath.Join(dir, "policy.json")
	require.NoError(t, os.WriteFile(policyFile, []byte(fmt.Sprintf(policyDoc, "1.0")), 0o600))

	policies := policy.NewRegistry()
	_, err := policies.LoadFile(policyFile, "test")
	require.NoError(t, err)

	emb := vector.NewHashEmbedder("hash-v1")
	enc := vector.NewEncoder(map[vector.Tier]vector.Embedder{
		vector.TierFast:     emb,
		vector.TierBalanced: emb,
	}, vector.NewProjectorRegistry())
	// Every threshold at zero: these tests exercise HTTP plumbing, not scoring.
	scorer, err := ethics.NewScorer(enc, nil, ethics.Thresholds{})
	require.NoError(t, err)

	inner, err := proof.NewCommitmentProver(nil)
	require.NoError(t, err)
	signer, err := proof.NewSigner(proof.AlgorithmEd25519)
	require.NoError(t, err)

	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	trail := audit.New(audit.WithLogger(log.New(io.Discard, "", 0)), audit.WithMetrics(m))
	ch := transport.NewChannelTransport(64)
	ch.Subscribe("")

	overrides, err := policy.NewOverrideAuthority(policy.OverrideConfig{Secret: "0123456789abcdef0123"})
	require.NoError(t, err)

	polytopes := safety.NewStore(nil)
	operators, err := middleware.NewOperatorAuth(map[string]string{"ops-lead": operatorToken})
	require.NoError(t, err)

	pipe, err := pipeline.New(pipeline.Deps{
		Encoder:   enc,
		Polytopes: polytopes,
		Policies:  policies,
		Enforcer:  policy.NewEnforcer(overrides),
		Scorer:    scorer,
		Prover:    proof.NewGuardedProver(inner, time.Second, nil),
		Signer:    signer,
		Trail:     trail,
		Transport: ch,
	}, pipeline.WithMetrics(m))
	require.NoError(t, err)

	srv := &Server{
		Pipeline:    pipe,
		Trail:       trail,
		Policies:    policies,
		Polytopes:   polytopes,
		Encoder:     enc,
		Overrides:   overrides,
		Operators:   operators,
		Gatherer:    reg,
		PolicyFile:  policyFile,
		DefaultTier: vector.TierFast,
	}
	return &harness{srv: srv, handler: srv.Router(), trail: trail, policyFile: policyFile}
}

func (h *harness) do(t *testing.T, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	return h.doAs(t, "", method, path, body)
}

// doAs sends the request with a bearer token when token is non-empty.
func (h *harness) doAs(t *testing.T, token, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		rd = bytes.NewReader(b)
	}
	req := httptest.NewRequest(method, path, rd)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	h.handler.ServeHTTP(rec, req)
	return rec
}

func (h *harness) auditLength() int64 {
	n, _ := h.trail.Head()
	return n
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var out map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return out
}

func TestSubmit_TextIsEncodedAndDelivered(t *testing.T) {
	h := newHarness(t)

	rec := h.do(t, http.MethodPost, "/v1/messages", map[string]interface{}{
		"text":        "share the quarterly report with finance",
		"sender_id":   "agent-a",
		"receiver_id": "agent-b",
		"action":      map[string]interface{}{"usage": map[string]string{"cpu_usage": "40%"}},
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	out := decode(t, rec)
	assert.Equal(t, "DELIVERED", out["state"])
	n, _ := h.trail.Head()
	assert.Equal(t, int64(1), n)
}

func TestSubmit_PolicyBlockIsForbidden(t *testing.T) {
	h := newHarness(t)

	rec := h.do(t, http.MethodPost, "/v1/messages", map[string]interface{}{
		"text":        "acquire more compute",
		"sender_id":   "agent-a",
		"receiver_id": "agent-b",
		"action":      map[string]interface{}{"usage": map[string]string{"cpu_usage": "95%"}},
	})
	require.Equal(t, http.StatusForbidden, rec.Code, rec.Body.String())

	out := decode(t, rec)
	rej := out["rejection"].(map[string]interface{})
	assert.Equal(t, 1002.0, rej["code"])
	assert.Equal(t, "POLICY_VIOLATION", rej["code_name"])
}

func TestSubmit_OverrideTokenAllowsBlockedAction(t *testing.T) {
	h := newHarness(t)

	rec := h.doAs(t, operatorToken, http.MethodPost, "/v1/overrides", map[string]interface{}{
		"agent_id":  "agent-a",
		"resources": []string{"cpu_usage"},
		"reason":    "incident response",
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	token := decode(t, rec)["token"].(string)

	rec = h.do(t, http.MethodPost, "/v1/messages", map[string]interface{}{
		"text":           "scale out the incident workers",
		"sender_id":      "agent-a",
		"receiver_id":    "agent-b",
		"override_token": token,
		"action":         map[string]interface{}{"usage": map[string]string{"cpu_usage": "95%"}},
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	dec := decode(t, rec)["policy_decision"].(map[string]interface{})
	assert.Equal(t, "ALLOW_WITH_OVERRIDE", dec["verdict"])
}

func TestIssueOverride_RequiresOperator(t *testing.T) {
	h := newHarness(t)
	body := map[string]interface{}{
		"grantor":   "someone-else",
		"agent_id":  "agent-a",
		"resources": []string{"cpu_usage"},
		"reason":    "incident response",
	}

	rec := h.do(t, http.MethodPost, "/v1/overrides", body)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	rec = h.doAs(t, "guessed-token-0123456789", http.MethodPost, "/v1/overrides", body)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	rec = h.doAs(t, "0123456789abcdef0123", http.MethodPost, "/v1/overrides", body)
	assert.Equal(t, http.StatusUnauthorized, rec.Code, "the signing secret is not an operator credential")

	rec = h.doAs(t, operatorToken, http.MethodPost, "/v1/overrides", body)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	out := decode(t, rec)
	assert.Equal(t, "ops-lead", out["grantor"], "grantor comes from the operator, not the body")

	claims, err := h.srv.Overrides.Verify(out["token"].(string))
	require.NoError(t, err)
	assert.Equal(t, "ops-lead", claims.Grantor)
}

func TestIssueOverride_NotRoutedWithoutOperators(t *testing.T) {
	h := newHarness(t)
	h.srv.Operators = nil
	handler := h.srv.Router()

	req := httptest.NewRequest(http.MethodPost, "/v1/overrides", bytes.NewBufferString(`{}`))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestSubmit_BadRequests(t *testing.T) {
	h := newHarness(t)

	rec := httptest.NewRecorder()
	h.handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/messages", bytes.NewBufferString("{")))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "MALFORMED_MESSAGE", decode(t, rec)["code_name"])

	rec = h.do(t, http.MethodPost, "/v1/messages", map[string]interface{}{"sender_id": "a"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	rej := decode(t, rec)["rejection"].(map[string]interface{})
	assert.Equal(t, 1005.0, rej["code"])

	rec = h.do(t, http.MethodPost, "/v1/messages", map[string]interface{}{
		"text": "hello", "sender_id": "a", "receiver_id": "b", "tier": 9,
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	out := decode(t, rec)
	assert.Equal(t, "REJECTED", out["state"])
	rej = out["rejection"].(map[string]interface{})
	assert.Equal(t, 1004.0, rej["code"])
	assert.Equal(t, "INVALID_TIER", rej["code_name"])

	assert.Equal(t, int64(2), h.auditLength(), "encoding failures are audited")
}

func TestSubmit_EncodingModelMismatch(t *testing.T) {
	h := newHarness(t)
	enc, err := h.srv.Encoder.Encode(context.Background(), "share the report", vector.TierFast)
	require.NoError(t, err)
	msg := vector.NewMessage("agent-a", "agent-b", enc.Vector, vector.TierFast, "some-other-model-v9")

	rec := h.do(t, http.MethodPost, "/v1/messages", map[string]interface{}{"message": msg})
	require.Equal(t, http.StatusBadRequest, rec.Code, rec.Body.String())
	rej := decode(t, rec)["rejection"].(map[string]interface{})
	assert.Equal(t, "MALFORMED_MESSAGE", rej["code_name"])
	assert.Contains(t, rej["detail"], "some-other-model-v9")
	assert.Equal(t, int64(1), h.auditLength())
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

func TestEncode_TargetTier(t *testing.T) {
	h := newHarness(t)
	proj := truncation(t, "hash-v1")
	h.srv.Encoder.Registry().Register(proj)

	rec := h.do(t, http.MethodPost, "/v1/encode", map[string]interface{}{"text": longText, "tier": 2})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Len(t, decode(t, rec)["vector"], 768)

	rec = h.do(t, http.MethodPost, "/v1/encode", map[string]interface{}{"text": longText, "tier": 2, "target_tier": 1})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	out := decode(t, rec)
	assert.Len(t, out["vector"], 384)
	assert.Equal(t, 1.0, out["tier"])
	assert.Equal(t, proj.Version, out["projector_version"])

	rec = h.do(t, http.MethodPost, "/v1/encode", map[string]interface{}{"text": longText, "tier": 2, "target_tier": 5})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "INVALID_TIER", decode(t, rec)["code_name"])

	rec = h.do(t, http.MethodPost, "/v1/encode", map[string]interface{}{"text": longText, "tier": 3, "target_tier": 1})
	assert.Equal(t, http.StatusBadRequest, rec.Code, "no embedder for tier 3 in this harness")
}

func TestEncode_StaleProjectorIsRefused(t *testing.T) {
	h := newHarness(t)
	h.srv.Encoder.Registry().Register(truncation(t, "hash-v0"))

	rec := h.do(t, http.MethodPost, "/v1/encode", map[string]interface{}{"text": longText, "tier": 2, "target_tier": 1})
	require.Equal(t, http.StatusBadRequest, rec.Code)
	out := decode(t, rec)
	assert.Equal(t, 1005.0, out["code"])
	assert.Contains(t, out["error"], vector.ErrProjectorVersionMismatch.Error())

	rec = h.do(t, http.MethodPost, "/v1/messages", map[string]interface{}{
		"text": longText, "sender_id": "a", "receiver_id": "b", "tier": 2, "target_tier": 1,
	})
	require.Equal(t, http.StatusBadRequest, rec.Code, rec.Body.String())
	rej := decode(t, rec)["rejection"].(map[string]interface{})
	assert.Contains(t, rej["detail"], vector.ErrProjectorVersionMismatch.Error())
	assert.Equal(t, int64(1), h.auditLength())
}

func TestSubmit_TargetTierRecordsProjectorVersion(t *testing.T) {
	h := newHarness(t)
	proj := truncation(t, "hash-v1")
	h.srv.Encoder.Registry().Register(proj)

	rec := h.do(t, http.MethodPost, "/v1/messages", map[string]interface{}{
		"text": longText, "sender_id": "a", "receiver_id": "b", "tier": 2, "target_tier": 1,
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	msg := decode(t, rec)["message"].(map[string]interface{})
	assert.Equal(t, 1.0, msg["tier"])
	assert.Equal(t, proj.Version, msg["metadata"].(map[string]interface{})["projector_version"])
}

func TestBatch(t *testing.T) {
	h := newHarness(t)
	item := func(usage string) map[string]interface{} {
		return map[string]interface{}{
			"text": "coordinate delivery", "sender_id": "a", "receiver_id": "b",
			"action": map[string]interface{}{"usage": map[string]string{"cpu_usage": usage}},
		}
	}
	rec := h.do(t, http.MethodPost, "/v1/messages/batch", []interface{}{item("10%"), item("99%"), item("20%")})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	summary := decode(t, rec)["summary"].(map[string]interface{})
	assert.Equal(t, 2.0, summary["delivered"])
	assert.Equal(t, 1.0, summary["rejected"])

	rec = h.do(t, http.MethodPost, "/v1/messages/batch", []interface{}{})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAuditEndpoints(t *testing.T) {
	h := newHarness(t)
	for i := 0; i < 3; i++ {
		_, err := h.trail.Log(context.Background(), audit.Record{AgentID: "a", ActionSummary: "x", Compliant: i != 1})
		require.NoError(t, err)
	}

	rec := h.do(t, http.MethodGet, "/v1/audit/verify", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, true, decode(t, rec)["valid"])

	rec = h.do(t, http.MethodGet, "/v1/audit/metrics?window=1h", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	stats := decode(t, rec)
	assert.Equal(t, 2.0, stats["compliant_count"])
	assert.InDelta(t, 2.0/3.0, stats["rate_over_window"].(float64), 1e-9)

	rec = h.do(t, http.MethodGet, "/v1/audit/metrics?window=bogus", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = h.do(t, http.MethodGet, "/v1/audit/entries?offset=1&limit=1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	page := decode(t, rec)
	assert.Equal(t, 3.0, page["total_entries"])
	assert.Len(t, page["entries"], 1)
}

func TestPolicyReloadAndRollback(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, os.WriteFile(h.policyFile, []byte(fmt.Sprintf(policyDoc, "2.0")), 0o600))

	rec := h.do(t, http.MethodPost, "/v1/policy/reload", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "2.0", h.srv.Policies.Active().Version)

	require.NoError(t, os.WriteFile(h.policyFile, []byte("{not json"), 0o600))
	rec = h.do(t, http.MethodPost, "/v1/policy/reload", nil)
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	assert.Equal(t, "2.0", h.srv.Policies.Active().Version, "failed reload keeps the active policy")

	rec = h.do(t, http.MethodPost, "/v1/policy/rollback/1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "1.0", h.srv.Policies.Active().Version)

	rec = h.do(t, http.MethodPost, "/v1/policy/rollback/9", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestPolytopeReloadRequiresFile(t *testing.T) {
	h := newHarness(t)
	rec := h.do(t, http.MethodPost, "/v1/polytope/reload", nil)
	assert.Equal(t, http.StatusPreconditionFailed, rec.Code)
}

func TestHealthAndMetrics(t *testing.T) {
	h := newHarness(t)

	rec := h.do(t, http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "healthy", decode(t, rec)["status"])

	h.do(t, http.MethodPost, "/v1/messages", map[string]interface{}{
		"text": "hello", "sender_id": "a", "receiver_id": "b",
	})
	rec = h.do(t, http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "vecgate_")
}

func TestRateLimitedSubmit(t *testing.T) {
	h := newHarness(t)
	h.srv.Limiter = middleware.NewRateLimiter(middleware.RateLimitConfig{MaxCallsPerMinute: 1})
	defer h.srv.Limiter.Stop()
	handler := h.srv.Router()

	body := `{"text":"hello","sender_id":"a","receiver_id":"b"}`
	for i, want := range []int{http.StatusOK, http.StatusTooManyRequests} {
		req := httptest.NewRequest(http.MethodPost, "/v1/messages", bytes.NewBufferString(body))
		req.Header.Set(middleware.AgentHeader, "a")
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		assert.Equal(t, want, rec.Code, "request %d", i)
	}
}
