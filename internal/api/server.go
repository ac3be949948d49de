// Package api exposes the gateway over HTTP: message submission, audit
// verification and metrics, and hot reload of policy, polytopes and agent
// overrides.
package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ocx/vecgate/internal/audit"
	"github.com/ocx/vecgate/internal/config"
	"github.com/ocx/vecgate/internal/core"
	"github.com/ocx/vecgate/internal/middleware"
	"github.com/ocx/vecgate/internal/pipeline"
	"github.com/ocx/vecgate/internal/policy"
	"github.com/ocx/vecgate/internal/safety"
	"github.com/ocx/vecgate/internal/transport"
	"github.com/ocx/vecgate/internal/vector"
)

// Server holds the components the HTTP handlers reach into. Nil optional
// components disable their routes.
type Server struct {
	Pipeline  *pipeline.Pipeline
	Trail     *audit.Trail
	Policies  *policy.Registry
	Polytopes *safety.Store
	Encoder   *vector.Encoder

	// Optional. Override issuance needs both Overrides and Operators.
	Overrides *policy.OverrideAuthority
	Operators *middleware.OperatorAuth
	Agents    *config.Manager
	Gatherer  prometheus.Gatherer
	Limiter   *middleware.RateLimiter
	WebSocket *transport.WebSocketTransport

	PolicyFile    string
	PolytopeFile  string
	DefaultTier   vector.Tier
	MetricsWindow time.Duration
}

// Router builds the gorilla/mux router with logging and CORS applied.
func (s *Server) Router() http.Handler {
	r := mux.NewRouter()

	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	if s.Gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(s.Gatherer, promhttp.HandlerOpts{})).Methods(http.MethodGet)
	}
	if s.WebSocket != nil {
		r.HandleFunc("/ws", s.WebSocket.HandleWebSocket)
	}

	v1 := r.PathPrefix("/v1").Subrouter()

	messages := v1.PathPrefix("/messages").Subrouter()
	if s.Limiter != nil {
		messages.Use(s.Limiter.Middleware)
	}
	messages.HandleFunc("", s.handleSubmit).Methods(http.MethodPost)
	messages.HandleFunc("/batch", s.handleBatch).Methods(http.MethodPost)

	v1.HandleFunc("/encode", s.handleEncode).Methods(http.MethodPost)

	v1.HandleFunc("/audit/verify", s.handleVerify).Methods(http.MethodGet)
	v1.HandleFunc("/audit/metrics", s.handleAuditMetrics).Methods(http.MethodGet)
	v1.HandleFunc("/audit/entries", s.handleEntries).Methods(http.MethodGet)

	v1.HandleFunc("/policy", s.handlePolicy).Methods(http.MethodGet)
	v1.HandleFunc("/policy/reload", s.handlePolicyReload).Methods(http.MethodPost)
	v1.HandleFunc("/policy/rollback/{revision:[0-9]+}", s.handlePolicyRollback).Methods(http.MethodPost)
	if s.Overrides != nil && s.Operators != nil {
		v1.Handle("/overrides", s.Operators.Middleware(http.HandlerFunc(s.handleIssueOverride))).Methods(http.MethodPost)
	}

	v1.HandleFunc("/polytope/reload", s.handlePolytopeReload).Methods(http.MethodPost)
	if s.Agents != nil {
		v1.HandleFunc("/agents/reload", s.handleAgentsReload).Methods(http.MethodPost)
	}

	r.Use(middleware.CORS)
	r.Use(middleware.Logging)
	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	n, _ := s.Trail.Head()
	status := "healthy"
	code := http.StatusOK
	if s.Trail.Halted() {
		status = "audit_halted"
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, map[string]interface{}{
		"status":          status,
		"service":         "vecgate",
		"chain_length":    n,
		"policy_revision": s.Policies.ActiveRevision(),
		"polytopes":       s.Polytopes.Load().Len(),
	})
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}

// writeCodedError answers 400 with the sender-visible code of err.
func writeCodedError(w http.ResponseWriter, err error) {
	writeJSON(w, http.StatusBadRequest, core.CodeOf(err, core.CodeMalformedMessage).Body(err.Error()))
}
