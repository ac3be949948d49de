package policy

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// ============================================================================
// EMERGENCY OVERRIDE TOKENS
// A signed, expiring, single-use authorisation naming who granted it, for
// which agent, policy and resources, and why.
// ============================================================================

var (
	ErrOverrideDisabled = errors.New("policy does not allow emergency overrides")
	ErrOverrideConsumed = errors.New("override token already used")
	ErrOverrideRevoked  = errors.New("override token revoked")
	ErrOverrideScope    = errors.New("override token does not cover violated limits")
	ErrOverrideBinding  = errors.New("override token issued for a different agent or policy")
	ErrOverrideGrantor  = errors.New("override requires a human grantor distinct from the agent")
)

// OverrideClaims is the JWT body of an override token. Subject is the agent
// and ID the token ID.
type OverrideClaims struct {
	jwt.RegisteredClaims
	Grantor   string   `json:"grantor"`
	PolicyID  string   `json:"policy_id"`
	Resources []string `json:"resources"`
	Reason    string   `json:"reason"`
}

// OverrideRequest is what a grantor asks for.
type OverrideRequest struct {
	Grantor   string
	AgentID   string
	PolicyID  string
	Resources []string
	Reason    string
	TTL       time.Duration
}

// OverrideGrant is the verified, consumed authorisation attached to an
// ALLOW_WITH_OVERRIDE decision.
type OverrideGrant struct {
	TokenID   string    `json:"token_id"`
	Grantor   string    `json:"grantor"`
	AgentID   string    `json:"agent_id"`
	PolicyID  string    `json:"policy_id"`
	Resources []string  `json:"resources"`
	Reason    string    `json:"reason"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Summary is the audit form of the grant.
func (g *OverrideGrant) Summary() string {
	return fmt.Sprintf("override=%s grantor=%s resources=%s reason=%q",
		g.TokenID, g.Grantor, strings.Join(g.Resources, ","), g.Reason)
}

// OverrideConfig configures an OverrideAuthority.
type OverrideConfig struct {
	Secret     string
	Issuer     string
	DefaultTTL time.Duration
	MaxTTL     time.Duration
}

// OverrideAuthority issues and redeems override tokens. Redemption state
// (consumed and revoked token IDs) is kept in memory until the token expires.
type OverrideAuthority struct {
	mu         sync.Mutex
	secret     []byte
	issuer     string
	defaultTTL time.Duration
	maxTTL     time.Duration
	now        func() time.Time

	consumed map[string]time.Time // token ID → expiry
	revoked  map[string]time.Time // token ID → expiry
}

// NewOverrideAuthority creates an authority. The secret is required.
func NewOverrideAuthority(cfg OverrideConfig) (*OverrideAuthority, error) {
	if len(cfg.Secret) < 16 {
		return nil, errors.New("override secret must be at least 16 bytes")
	}
	if cfg.Issuer == "" {
		cfg.Issuer = "vecgate-override"
	}
	if cfg.DefaultTTL == 0 {
		cfg.DefaultTTL = 15 * time.Minute
	}
	if cfg.MaxTTL == 0 {
		cfg.MaxTTL = 4 * time.Hour
	}
	return &OverrideAuthority{
		secret:     []byte(cfg.Secret),
		issuer:     cfg.Issuer,
		defaultTTL: cfg.DefaultTTL,
		maxTTL:     cfg.MaxTTL,
		now:        time.Now,
		consumed:   make(map[string]time.Time),
		revoked:    make(map[string]time.Time),
	}, nil
}

// Issue signs a new override token.
func (a *OverrideAuthority) Issue(req OverrideRequest) (string, *OverrideClaims, error) {
	switch {
	case req.Grantor == "":
		return "", nil, errors.New("grantor is required")
	case req.AgentID == "":
		return "", nil, errors.New("agent is required")
	case req.PolicyID == "":
		return "", nil, errors.New("policy is required")
	case len(req.Resources) == 0:
		return "", nil, errors.New("at least one resource is required")
	case strings.TrimSpace(req.Reason) == "":
		return "", nil, errors.New("reason is required")
	}
	ttl := req.TTL
	if ttl <= 0 {
		ttl = a.defaultTTL
	}
	if ttl > a.maxTTL {
		return "", nil, fmt.Errorf("ttl %s exceeds maximum %s", ttl, a.maxTTL)
	}

	now := a.now().UTC()
	resources := append([]string(nil), req.Resources...)
	sort.Strings(resources)
	claims := &OverrideClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			Subject:   req.AgentID,
			Issuer:    a.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
		Grantor:   req.Grantor,
		PolicyID:  req.PolicyID,
		Resources: resources,
		Reason:    req.Reason,
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.secret)
	if err != nil {
		return "", nil, fmt.Errorf("sign override token: %w", err)
	}
	return signed, claims, nil
}

// Verify checks signature, issuer, expiry and revocation without consuming
// the token.
func (a *OverrideAuthority) Verify(token string) (*OverrideClaims, error) {
	claims := &OverrideClaims{}
	parsed, err := jwt.ParseWithClaims(token, claims,
		func(t *jwt.Token) (interface{}, error) { return a.secret, nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(a.issuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(a.now),
	)
	if err != nil {
		return nil, fmt.Errorf("invalid override token: %w", err)
	}
	if !parsed.Valid || claims.ID == "" {
		return nil, errors.New("invalid override token")
	}

	a.mu.Lock()
	_, revoked := a.revoked[claims.ID]
	a.mu.Unlock()
	if revoked {
		return nil, ErrOverrideRevoked
	}
	return claims, nil
}

// Authorize verifies token for agentID against p and the violated
// resources, then consumes it. A token is redeemable exactly once.
func (a *OverrideAuthority) Authorize(token, agentID string, p *Policy, violated []string) (*OverrideGrant, error) {
	if !p.Prosocial.EmergencyOverrideEnabled {
		return nil, ErrOverrideDisabled
	}
	claims, err := a.Verify(token)
	if err != nil {
		return nil, err
	}
	if claims.Subject != agentID || claims.PolicyID != p.ID {
		return nil, ErrOverrideBinding
	}
	if p.Prosocial.HumanOversightRequired && claims.Grantor == agentID {
		return nil, ErrOverrideGrantor
	}
	covered := make(map[string]bool, len(claims.Resources))
	for _, r := range claims.Resources {
		covered[r] = true
	}
	for _, r := range violated {
		if !covered[r] {
			return nil, fmt.Errorf("%w: %s", ErrOverrideScope, r)
		}
	}

	expiry := claims.ExpiresAt.Time
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, revoked := a.revoked[claims.ID]; revoked {
		return nil, ErrOverrideRevoked
	}
	if _, used := a.consumed[claims.ID]; used {
		return nil, ErrOverrideConsumed
	}
	a.consumed[claims.ID] = expiry

	return &OverrideGrant{
		TokenID:   claims.ID,
		Grantor:   claims.Grantor,
		AgentID:   claims.Subject,
		PolicyID:  claims.PolicyID,
		Resources: claims.Resources,
		Reason:    claims.Reason,
		ExpiresAt: expiry,
	}, nil
}

// Revoke invalidates a token ID until expiresAt.
func (a *OverrideAuthority) Revoke(tokenID string, expiresAt time.Time) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.revoked[tokenID] = expiresAt
}

// Sweep drops redemption records of tokens that have expired anyway.
// Returns the number of records removed.
func (a *OverrideAuthority) Sweep() int {
	now := a.now()
	a.mu.Lock()
	defer a.mu.Unlock()
	removed := 0
	for id, exp := range a.consumed {
		if now.After(exp) {
			delete(a.consumed, id)
			removed++
		}
	}
	for id, exp := range a.revoked {
		if now.After(exp) {
			delete(a.revoked, id)
			removed++
		}
	}
	return removed
}
