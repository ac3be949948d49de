// Package audit implements the hash-chained, append-only decision log that
// records every pipeline outcome.
package audit

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/ocx/vecgate/internal/canonical"
)

// GenesisHash is the previous_hash of entry 0.
const GenesisHash = "0000000000000000000000000000000000000000000000000000000000000000"

// ============================================================================
// AUDIT ENTRY
// ============================================================================

// Entry is one immutable link of the audit chain.
type Entry struct {
	EntryID       int64     `json:"entry_id"`
	Timestamp     time.Time `json:"timestamp"`
	AgentID       string    `json:"agent_id"`
	ActionSummary string    `json:"action_summary"`
	Compliant     bool      `json:"compliant"`
	MessageID     string    `json:"message_id,omitempty"`
	ProofHash     string    `json:"proof_hash,omitempty"`
	RejectCode    string    `json:"reject_code,omitempty"`

	// Chain linkage
	PreviousHash string `json:"previous_hash"`
	CurrentHash  string `json:"current_hash,omitempty"`
}

// Record is the caller-supplied part of an entry.
type Record struct {
	AgentID       string
	ActionSummary string
	Compliant     bool
	MessageID     string
	ProofHash     string
	RejectCode    string
}

// ComputeHash returns SHA-256(previous_hash ‖ canonical(e without current_hash)).
func ComputeHash(e Entry) (string, error) {
	e.CurrentHash = ""
	body, err := canonical.JSON(e)
	if err != nil {
		return "", fmt.Errorf("audit: canonicalise entry %d: %w", e.EntryID, err)
	}
	h := sha256.New()
	h.Write([]byte(e.PreviousHash))
	h.Write(body)
	return hex.EncodeToString(h.Sum(nil)), nil
}

// normalizeTime drops the monotonic reading and sub-microsecond precision so
// an entry hashes identically after a round trip through any store.
func normalizeTime(t time.Time) time.Time {
	return t.UTC().Truncate(time.Microsecond)
}
