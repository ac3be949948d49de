/*
SPIFFE Integration
Validates agent identities as SPIFFE IDs and provides mTLS from the
workload API for gateway listeners.
*/

package identity

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/spiffe/go-spiffe/v2/spiffeid"
	"github.com/spiffe/go-spiffe/v2/spiffetls/tlsconfig"
	"github.com/spiffe/go-spiffe/v2/workloadapi"

	"github.com/ocx/vecgate/internal/core"
	"github.com/ocx/vecgate/internal/vector"
)

// agentSegment is the path segment under which agent IDs live.
const agentSegment = "agent"

// Validator checks sender and receiver IDs. With Require unset any non-empty
// ID passes; IDs that look like SPIFFE IDs are still checked.
type Validator struct {
	trustDomain spiffeid.TrustDomain
	require     bool
}

// NewValidator creates a validator for trustDomain (e.g. "vecgate.example.org").
func NewValidator(trustDomain string, require bool) (*Validator, error) {
	td, err := spiffeid.TrustDomainFromString(trustDomain)
	if err != nil {
		return nil, fmt.Errorf("invalid trust domain %q: %w", trustDomain, err)
	}
	return &Validator{trustDomain: td, require: require}, nil
}

// TrustDomain returns the configured trust domain.
func (v *Validator) TrustDomain() string { return v.trustDomain.Name() }

// ValidateAgent checks one agent ID reported under field.
func (v *Validator) ValidateAgent(field, agentID string) error {
	if agentID == "" {
		return core.NewValidationError(field, "required")
	}
	if !v.require && !strings.HasPrefix(agentID, "spiffe://") {
		return nil
	}

	id, err := spiffeid.FromString(agentID)
	if err != nil {
		return &core.ValidationError{Field: field, Reason: "not a SPIFFE ID", Err: err}
	}
	if !id.MemberOf(v.trustDomain) {
		return core.NewValidationError(field,
			fmt.Sprintf("trust domain %s is not %s", id.TrustDomain().Name(), v.trustDomain.Name()))
	}
	if !strings.HasPrefix(id.Path(), "/"+agentSegment+"/") {
		return core.NewValidationError(field, "SPIFFE ID is not an agent ID")
	}
	return nil
}

// ValidateMessage checks both endpoints of m.
func (v *Validator) ValidateMessage(m *vector.Message) error {
	if err := v.ValidateAgent("sender_id", m.SenderID); err != nil {
		return err
	}
	return v.ValidateAgent("receiver_id", m.ReceiverID)
}

// AgentID builds the SPIFFE ID of an agent in trustDomain.
func AgentID(trustDomain, name string) (string, error) {
	td, err := spiffeid.TrustDomainFromString(trustDomain)
	if err != nil {
		return "", fmt.Errorf("invalid trust domain %q: %w", trustDomain, err)
	}
	id, err := spiffeid.FromSegments(td, agentSegment, name)
	if err != nil {
		return "", fmt.Errorf("invalid agent name %q: %w", name, err)
	}
	return id.String(), nil
}

// ============================================================================
// WORKLOAD API
// ============================================================================

// Source holds the gateway's own SVID from the SPIRE agent.
type Source struct {
	source *workloadapi.X509Source
}

// NewSource connects to the SPIRE agent at socketPath.
func NewSource(ctx context.Context, socketPath string) (*Source, error) {
	// Bounded so startup does not hang when the agent is unavailable.
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()

	source, err := workloadapi.NewX509Source(
		ctx,
		workloadapi.WithClientOptions(workloadapi.WithAddr(socketPath)),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to SPIRE: %w", err)
	}

	slog.Info("Connected to SPIRE agent", "socket_path", socketPath)
	return &Source{source: source}, nil
}

// ServerTLSConfig returns an mTLS server config that only admits peers from
// the validator's trust domain.
func (s *Source) ServerTLSConfig(v *Validator) *tls.Config {
	return tlsconfig.MTLSServerConfig(s.source, s.source, tlsconfig.AuthorizeMemberOf(v.trustDomain))
}

// ID returns the gateway's own SPIFFE ID.
func (s *Source) ID() (string, error) {
	svid, err := s.source.GetX509SVID()
	if err != nil {
		return "", fmt.Errorf("failed to get SVID: %w", err)
	}
	return svid.ID.String(), nil
}

func (s *Source) Close() error {
	return s.source.Close()
}
