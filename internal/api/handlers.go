package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"github.com/ocx/vecgate/internal/core"
	"github.com/ocx/vecgate/internal/ethics"
	"github.com/ocx/vecgate/internal/middleware"
	"github.com/ocx/vecgate/internal/pipeline"
	"github.com/ocx/vecgate/internal/policy"
	"github.com/ocx/vecgate/internal/vector"
)

// maxBatch bounds one /v1/messages/batch call.
const maxBatch = 1000

// ============================================================================
// MESSAGES
// ============================================================================

// SubmitRequest is either a complete vector message or text for the
// pipeline to encode.
type SubmitRequest struct {
	Message *vector.Message `json:"message,omitempty"`

	Text       string `json:"text,omitempty"`
	SenderID   string `json:"sender_id,omitempty"`
	ReceiverID string `json:"receiver_id,omitempty"`
	Tier       int    `json:"tier,omitempty"`
	TargetTier int    `json:"target_tier,omitempty"`

	Action        policy.Action    `json:"action"`
	OverrideToken string           `json:"override_token,omitempty"`
	RiskLevel     ethics.RiskLevel `json:"risk_level,omitempty"`
}

func (s *Server) toRequest(in SubmitRequest) pipeline.Request {
	tier := s.DefaultTier
	if in.Tier != 0 {
		tier = vector.Tier(in.Tier)
	}
	return pipeline.Request{
		Message:       in.Message,
		Text:          in.Text,
		SenderID:      in.SenderID,
		ReceiverID:    in.ReceiverID,
		Tier:          tier,
		TargetTier:    vector.Tier(in.TargetTier),
		Action:        in.Action,
		OverrideToken: in.OverrideToken,
		RiskLevel:     in.RiskLevel,
	}
}

// POST /v1/messages
func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var in SubmitRequest
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		writeJSON(w, http.StatusBadRequest, core.CodeMalformedMessage.Body("invalid request body"))
		return
	}
	if sender := r.Header.Get(middleware.AgentHeader); sender != "" && in.SenderID == "" {
		in.SenderID = sender
	}

	res, err := s.Pipeline.Process(r.Context(), s.toRequest(in))
	if err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]interface{}{
			"error":  err.Error(),
			"result": res,
		})
		return
	}
	writeJSON(w, statusOf(res), res)
}

func statusOf(res *pipeline.Result) int {
	if res.Delivered() {
		return http.StatusOK
	}
	if res.Rejection != nil {
		switch res.Rejection.ErrCode {
		case core.CodeMalformedMessage, core.CodeInvalidTier:
			return http.StatusBadRequest
		case core.CodePolicyViolation:
			return http.StatusForbidden
		default:
			return http.StatusUnprocessableEntity
		}
	}
	return http.StatusInternalServerError
}

// POST /v1/messages/batch
func (s *Server) handleBatch(w http.ResponseWriter, r *http.Request) {
	var in []SubmitRequest
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if len(in) == 0 || len(in) > maxBatch {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("batch size must be 1-%d", maxBatch))
		return
	}

	reqs := make([]pipeline.Request, len(in))
	for i, sr := range in {
		reqs[i] = s.toRequest(sr)
	}

	outcomes := s.Pipeline.ProcessAll(r.Context(), reqs)
	results := make([]interface{}, len(outcomes))
	for i, o := range outcomes {
		if o.Err != nil {
			results[i] = map[string]interface{}{"error": o.Err.Error(), "result": o.Result}
			continue
		}
		results[i] = o.Result
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"summary": pipeline.Summarize(outcomes),
		"results": results,
	})
}

// POST /v1/encode
func (s *Server) handleEncode(w http.ResponseWriter, r *http.Request) {
	var in struct {
		Text       string `json:"text"`
		Tier       int    `json:"tier"`
		TargetTier int    `json:"target_tier,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		writeJSON(w, http.StatusBadRequest, core.CodeMalformedMessage.Body("invalid request body"))
		return
	}
	tier := s.DefaultTier
	if in.Tier != 0 {
		tier = vector.Tier(in.Tier)
	}
	enc, err := s.Encoder.Encode(r.Context(), in.Text, tier)
	if err != nil {
		writeCodedError(w, err)
		return
	}

	out := map[string]interface{}{
		"vector":         enc.Vector,
		"tier":           enc.Tier,
		"encoding_model": enc.Model,
	}
	target := vector.Tier(in.TargetTier)
	if target != 0 && target != tier {
		if !target.Valid() {
			writeCodedError(w, core.NewInvalidTierError(in.TargetTier))
			return
		}
		small, version, err := s.Encoder.Compress(enc.Vector, tier, target, enc.Model)
		if err != nil {
			writeCodedError(w, err)
			return
		}
		out["vector"] = small.Vector
		out["tier"] = small.Tier
		out["projector_version"] = version
	}
	writeJSON(w, http.StatusOK, out)
}

// ============================================================================
// AUDIT
// ============================================================================

// GET /v1/audit/verify
func (s *Server) handleVerify(w http.ResponseWriter, r *http.Request) {
	n, head := s.Trail.Head()
	err := s.Trail.Verify(r.Context())

	var cerr *core.ChainIntegrityError
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"valid": true, "chain_length": n, "head": head,
		})
	case errors.As(err, &cerr):
		writeJSON(w, http.StatusConflict, map[string]interface{}{
			"valid":              false,
			"first_broken_index": cerr.FirstBrokenIndex,
			"reason":             cerr.Reason,
			"chain_length":       n,
		})
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

// GET /v1/audit/metrics?window=5m
func (s *Server) handleAuditMetrics(w http.ResponseWriter, r *http.Request) {
	window := s.MetricsWindow
	if window <= 0 {
		window = 5 * time.Minute
	}
	if q := r.URL.Query().Get("window"); q != "" {
		d, err := time.ParseDuration(q)
		if err != nil || d <= 0 {
			writeError(w, http.StatusBadRequest, "invalid window")
			return
		}
		window = d
	}
	writeJSON(w, http.StatusOK, s.Trail.ExportMetrics(window))
}

// GET /v1/audit/entries?offset=&limit=
func (s *Server) handleEntries(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	offset, _ := strconv.Atoi(q.Get("offset"))
	limit, _ := strconv.Atoi(q.Get("limit"))
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}

	entries, err := s.Trail.Entries(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to read audit entries")
		return
	}
	total := len(entries)
	if offset > total {
		offset = total
	}
	end := offset + limit
	if end > total {
		end = total
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"entries":       entries[offset:end],
		"total_entries": total,
		"limit":         limit,
		"offset":        offset,
	})
}

// ============================================================================
// POLICY, POLYTOPES AND AGENTS
// ============================================================================

// GET /v1/policy
func (s *Server) handlePolicy(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"active":          s.Policies.Active(),
		"active_revision": s.Policies.ActiveRevision(),
		"history":         s.Policies.History(),
	})
}

// POST /v1/policy/reload
func (s *Server) handlePolicyReload(w http.ResponseWriter, r *http.Request) {
	if s.PolicyFile == "" {
		writeError(w, http.StatusPreconditionFailed, "no policy file configured")
		return
	}
	rev, err := s.Policies.LoadFile(s.PolicyFile, "api")
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, rev)
}

// POST /v1/policy/rollback/{revision}
func (s *Server) handlePolicyRollback(w http.ResponseWriter, r *http.Request) {
	target, _ := strconv.Atoi(mux.Vars(r)["revision"])
	rev, err := s.Policies.Rollback(target)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, rev)
}

// POST /v1/overrides
//
// Operator only. The grantor is the authenticated operator; a grantor named
// in the body is ignored.
func (s *Server) handleIssueOverride(w http.ResponseWriter, r *http.Request) {
	grantor, ok := middleware.OperatorFrom(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "operator authentication required")
		return
	}
	var in struct {
		AgentID   string   `json:"agent_id"`
		Resources []string `json:"resources"`
		Reason    string   `json:"reason"`
		TTL       string   `json:"ttl,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	active := s.Policies.Active()
	if active == nil {
		writeError(w, http.StatusPreconditionFailed, "no active policy")
		return
	}
	var ttl time.Duration
	if in.TTL != "" {
		d, err := time.ParseDuration(in.TTL)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid ttl")
			return
		}
		ttl = d
	}

	token, claims, err := s.Overrides.Issue(policy.OverrideRequest{
		Grantor:   grantor,
		AgentID:   in.AgentID,
		PolicyID:  active.ID,
		Resources: in.Resources,
		Reason:    in.Reason,
		TTL:       ttl,
	})
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	slog.Info("override token issued",
		"token_id", claims.ID, "grantor", grantor, "agent_id", in.AgentID, "policy_id", active.ID)
	writeJSON(w, http.StatusCreated, map[string]interface{}{
		"token":      token,
		"token_id":   claims.ID,
		"grantor":    claims.Grantor,
		"expires_at": claims.ExpiresAt.Time,
	})
}

// POST /v1/polytope/reload
func (s *Server) handlePolytopeReload(w http.ResponseWriter, r *http.Request) {
	if s.PolytopeFile == "" {
		writeError(w, http.StatusPreconditionFailed, "no polytope file configured")
		return
	}
	set, err := s.Polytopes.LoadFile(s.PolytopeFile)
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"polytopes": set.Len()})
}

// POST /v1/agents/reload
func (s *Server) handleAgentsReload(w http.ResponseWriter, r *http.Request) {
	if err := s.Agents.Reload(); err != nil {
		writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "reloaded"})
}
