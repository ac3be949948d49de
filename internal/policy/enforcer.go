package policy

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/ocx/vecgate/internal/core"
)

// Verdict is the outcome of enforcing a policy against an action.
type Verdict string

const (
	VerdictAllow             Verdict = "ALLOW"
	VerdictAllowWithOverride Verdict = "ALLOW_WITH_OVERRIDE"
	VerdictWarn              Verdict = "WARN"
	VerdictBlock             Verdict = "BLOCK"
)

// Proceeds reports whether the action may continue down the pipeline.
func (v Verdict) Proceeds() bool { return v != VerdictBlock }

// Action describes what an agent wants to consume.
type Action struct {
	AgentID string              `json:"agent_id"`
	Usage   map[string]Quantity `json:"usage"`
}

// Violation is a limit the action exceeds.
type Violation struct {
	Resource string   `json:"resource"`
	Usage    Quantity `json:"usage"`
	Max      Quantity `json:"max"`
	Enforced bool     `json:"enforced"`
}

func (v Violation) String() string {
	return fmt.Sprintf("%s %s > %s", v.Resource, v.Usage, v.Max)
}

// Compliance is the result of CheckCompliance. Violations are sorted by
// resource name.
type Compliance struct {
	Compliant  bool        `json:"compliant"`
	Violations []Violation `json:"violations,omitempty"`
}

// Enforced returns only the violations of enforced limits.
func (c Compliance) Enforced() []Violation {
	var out []Violation
	for _, v := range c.Violations {
		if v.Enforced {
			out = append(out, v)
		}
	}
	return out
}

// CheckCompliance compares every limited resource the action uses against
// the policy. A resource the action does not report is not checked. Any
// unit mismatch is returned as an error and must be treated as a block.
func CheckCompliance(action Action, p *Policy) (Compliance, error) {
	if p == nil {
		return Compliance{}, errors.New("no policy loaded")
	}
	var violations []Violation
	for _, name := range p.Resources() {
		usage, ok := action.Usage[name]
		if !ok {
			continue
		}
		limit := p.Limits[name]
		over, err := usage.Exceeds(limit.Max)
		if err != nil {
			return Compliance{}, fmt.Errorf("resource %s: %w", name, err)
		}
		if over {
			violations = append(violations, Violation{
				Resource: name,
				Usage:    usage,
				Max:      limit.Max,
				Enforced: limit.Enforce,
			})
		}
	}
	sort.SliceStable(violations, func(i, j int) bool { return violations[i].Resource < violations[j].Resource })
	return Compliance{Compliant: len(violations) == 0, Violations: violations}, nil
}

// Decision is the full result of Enforce.
type Decision struct {
	Verdict    Verdict        `json:"verdict"`
	PolicyID   string         `json:"policy_id"`
	Compliance Compliance     `json:"compliance"`
	Grant      *OverrideGrant `json:"grant,omitempty"`
	Reason     string         `json:"reason,omitempty"`
}

// Err converts a BLOCK decision into a *core.PolicyViolation.
func (d *Decision) Err() error {
	if d.Verdict != VerdictBlock {
		return nil
	}
	limits := make([]string, 0, len(d.Compliance.Violations))
	for _, v := range d.Compliance.Enforced() {
		limits = append(limits, v.String())
	}
	return &core.PolicyViolation{PolicyID: d.PolicyID, Limits: limits, Reason: d.Reason}
}

// Summary is the short audit form of the decision.
func (d *Decision) Summary() string {
	var b strings.Builder
	b.WriteString(string(d.Verdict))
	if len(d.Compliance.Violations) > 0 {
		parts := make([]string, len(d.Compliance.Violations))
		for i, v := range d.Compliance.Violations {
			parts[i] = v.String()
		}
		b.WriteString(" [" + strings.Join(parts, "; ") + "]")
	}
	if d.Grant != nil {
		b.WriteString(" " + d.Grant.Summary())
	}
	return b.String()
}

// Enforcer turns compliance results into verdicts, consulting the override
// authority when an enforced limit is exceeded.
type Enforcer struct {
	authority *OverrideAuthority
}

// NewEnforcer creates an enforcer. A nil authority means overrides are never
// honoured.
func NewEnforcer(authority *OverrideAuthority) *Enforcer {
	return &Enforcer{authority: authority}
}

// Enforce decides the verdict for action. An error means the policy could
// not be evaluated; callers must block.
func (e *Enforcer) Enforce(action Action, p *Policy, overrideToken string) (*Decision, error) {
	compliance, err := CheckCompliance(action, p)
	if err != nil {
		return nil, err
	}
	d := &Decision{PolicyID: p.ID, Compliance: compliance}

	enforced := compliance.Enforced()
	switch {
	case compliance.Compliant:
		d.Verdict = VerdictAllow
		return d, nil
	case len(enforced) == 0:
		d.Verdict = VerdictWarn
		d.Reason = "advisory limits exceeded"
		slog.Warn("policy advisory limits exceeded",
			"agent_id", action.AgentID, "policy_id", p.ID, "violations", len(compliance.Violations))
		return d, nil
	}

	if overrideToken == "" {
		d.Verdict = VerdictBlock
		d.Reason = "enforced limit exceeded"
		return d, nil
	}
	if e.authority == nil {
		d.Verdict = VerdictBlock
		d.Reason = "override presented but no override authority configured"
		return d, nil
	}

	resources := make([]string, len(enforced))
	for i, v := range enforced {
		resources[i] = v.Resource
	}
	grant, err := e.authority.Authorize(overrideToken, action.AgentID, p, resources)
	if err != nil {
		d.Verdict = VerdictBlock
		d.Reason = "override rejected: " + err.Error()
		slog.Warn("policy override rejected", "agent_id", action.AgentID, "policy_id", p.ID, "error", err)
		return d, nil
	}

	d.Verdict = VerdictAllowWithOverride
	d.Grant = grant
	d.Reason = "emergency override"
	slog.Warn("POLICY OVERRIDE GRANTED",
		"agent_id", action.AgentID,
		"policy_id", p.ID,
		"token_id", grant.TokenID,
		"grantor", grant.Grantor,
		"resources", strings.Join(grant.Resources, ","),
		"reason", grant.Reason,
	)
	return d, nil
}
