package core

import (
	"errors"
	"fmt"
)

// Code is the numeric error code returned to a rejected sender.
type Code int

const (
	CodeUnsafeVector     Code = 1001
	CodePolicyViolation  Code = 1002
	CodeLowAlignment     Code = 1003
	CodeInvalidTier      Code = 1004
	CodeMalformedMessage Code = 1005
	CodeProofInvalid     Code = 1006
)

func (c Code) String() string {
	switch c {
	case CodeUnsafeVector:
		return "UNSAFE_VECTOR"
	case CodePolicyViolation:
		return "POLICY_VIOLATION"
	case CodeLowAlignment:
		return "LOW_ALIGNMENT"
	case CodeInvalidTier:
		return "INVALID_TIER"
	case CodeMalformedMessage:
		return "MALFORMED_MESSAGE"
	case CodeProofInvalid:
		return "PROOF_INVALID"
	default:
		return "UNKNOWN"
	}
}

// Body is the JSON error shape returned to a sender: the numeric code and
// its symbolic name side by side.
func (c Code) Body(msg string) map[string]interface{} {
	return map[string]interface{}{
		"error":     msg,
		"code":      int(c),
		"code_name": c.String(),
	}
}

// Coded is implemented by every error that maps onto a sender-visible code.
type Coded interface {
	error
	Code() Code
}

// CodeOf extracts the code from err, falling back to def when err carries none.
func CodeOf(err error, def Code) Code {
	var coded Coded
	if errors.As(err, &coded) {
		return coded.Code()
	}
	return def
}

// ============================================================================
// ERROR TAXONOMY
// ============================================================================

// ValidationError reports a malformed message, policy document or vector.
type ValidationError struct {
	Field  string
	Reason string
	code   Code
	Err    error
}

// NewValidationError builds a MALFORMED_MESSAGE validation error.
func NewValidationError(field, reason string) *ValidationError {
	return &ValidationError{Field: field, Reason: reason, code: CodeMalformedMessage}
}

// NewInvalidTierError builds the INVALID_TIER flavour of ValidationError.
func NewInvalidTierError(tier int) *ValidationError {
	return &ValidationError{
		Field:  "tier",
		Reason: fmt.Sprintf("tier %d is not one of 1, 2, 3", tier),
		code:   CodeInvalidTier,
	}
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "validation: " + e.Reason
	}
	return fmt.Sprintf("validation: %s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Code() Code {
	if e.code == 0 {
		return CodeMalformedMessage
	}
	return e.code
}

func (e *ValidationError) Unwrap() error { return e.Err }

// SafetyViolation reports a vector that could not be brought inside the
// safe region.
type SafetyViolation struct {
	Reason     string
	Violations int
	Err        error
}

func (e *SafetyViolation) Error() string {
	return fmt.Sprintf("safety violation: %s (%d constraints violated)", e.Reason, e.Violations)
}

func (e *SafetyViolation) Code() Code    { return CodeUnsafeVector }
func (e *SafetyViolation) Unwrap() error { return e.Err }

// PolicyViolation reports a blocked action together with the limits it broke.
type PolicyViolation struct {
	PolicyID string
	Limits   []string
	Reason   string
}

func (e *PolicyViolation) Error() string {
	return fmt.Sprintf("policy %s violated: %s (limits: %v)", e.PolicyID, e.Reason, e.Limits)
}

func (e *PolicyViolation) Code() Code { return CodePolicyViolation }

// ProofError reports a proof or signature that could not be produced or
// did not verify, including prover timeouts.
type ProofError struct {
	Op  string
	Err error
}

func (e *ProofError) Error() string {
	return fmt.Sprintf("proof %s: %v", e.Op, e.Err)
}

func (e *ProofError) Code() Code    { return CodeProofInvalid }
func (e *ProofError) Unwrap() error { return e.Err }

// ChainIntegrityError is operational rather than per-message: once raised the
// audit trail can no longer be trusted and dependent operations must stop.
type ChainIntegrityError struct {
	FirstBrokenIndex int
	Reason           string
}

func (e *ChainIntegrityError) Error() string {
	return fmt.Sprintf("audit chain integrity broken at index %d: %s", e.FirstBrokenIndex, e.Reason)
}
