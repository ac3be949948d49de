package audit

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"sync"
	"time"

	"github.com/ocx/vecgate/internal/core"
	"github.com/ocx/vecgate/internal/metrics"
)

var (
	ErrTrailHalted   = errors.New("audit trail halted after integrity failure")
	ErrInvalidRecord = errors.New("invalid audit record")
)

// recentCapacity bounds the decisions kept for windowed rates.
const recentCapacity = 8192

type sample struct {
	at        time.Time
	compliant bool
}

// Trail is the single serialisation point of the gateway. Appends hold the
// write lock across hash computation, durable append and head advance.
type Trail struct {
	mu    sync.RWMutex
	store Store
	head  string
	next  int64

	halted *core.ChainIntegrityError

	compliant    int64
	nonCompliant int64
	recent       []sample
	recentPos    int

	metrics *metrics.Metrics
	logger  *log.Logger
	now     func() time.Time
	onHalt  func(*core.ChainIntegrityError)
}

// Option configures a Trail.
type Option func(*Trail)

// WithMetrics publishes chain length to m.
func WithMetrics(m *metrics.Metrics) Option { return func(t *Trail) { t.metrics = m } }

// WithLogger replaces the record logger.
func WithLogger(l *log.Logger) Option { return func(t *Trail) { t.logger = l } }

// WithClock overrides the timestamp source.
func WithClock(now func() time.Time) Option { return func(t *Trail) { t.now = now } }

// WithHaltHook is called once, outside the lock, when an integrity failure
// halts the trail.
func WithHaltHook(fn func(*core.ChainIntegrityError)) Option {
	return func(t *Trail) { t.onHalt = fn }
}

func newTrail(store Store, opts ...Option) *Trail {
	t := &Trail{
		store:  store,
		head:   GenesisHash,
		recent: make([]sample, 0, recentCapacity),
		logger: log.New(log.Writer(), "[AuditTrail] ", log.LstdFlags),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// New creates an empty trail backed by a MemoryStore.
func New(opts ...Option) *Trail {
	return newTrail(NewMemoryStore(), opts...)
}

// Open restores a trail from store. The stored chain is verified before
// the trail accepts appends; a broken chain is returned as
// *core.ChainIntegrityError.
func Open(ctx context.Context, store Store, opts ...Option) (*Trail, error) {
	t := newTrail(store, opts...)

	n, err := store.Len(ctx)
	if err != nil {
		return nil, fmt.Errorf("audit: read store length: %w", err)
	}
	entries, err := store.ReadRange(ctx, 0, n)
	if err != nil {
		return nil, fmt.Errorf("audit: read store: %w", err)
	}
	if ok, idx := VerifyChainIntegrity(entries); !ok {
		return nil, &core.ChainIntegrityError{FirstBrokenIndex: idx, Reason: "stored chain failed verification"}
	}
	if int64(len(entries)) != n {
		return nil, &core.ChainIntegrityError{FirstBrokenIndex: len(entries), Reason: "store length does not match entries read"}
	}

	for _, e := range entries {
		t.count(e)
	}
	if n > 0 {
		t.head = entries[n-1].CurrentHash
	}
	t.next = n
	t.metrics.SetChainLength(n)
	t.logger.Printf("restored %d entries, head %s", n, shortHash(t.head))
	return t, nil
}

// Log appends one decision and returns the sealed entry.
func (t *Trail) Log(ctx context.Context, r Record) (*Entry, error) {
	if r.AgentID == "" {
		return nil, fmt.Errorf("%w: agent_id required", ErrInvalidRecord)
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if t.halted != nil {
		return nil, fmt.Errorf("%w: %v", ErrTrailHalted, t.halted)
	}

	e := Entry{
		EntryID:       t.next,
		Timestamp:     normalizeTime(t.now()),
		AgentID:       r.AgentID,
		ActionSummary: r.ActionSummary,
		Compliant:     r.Compliant,
		MessageID:     r.MessageID,
		ProofHash:     r.ProofHash,
		RejectCode:    r.RejectCode,
		PreviousHash:  t.head,
	}
	hash, err := ComputeHash(e)
	if err != nil {
		return nil, err
	}
	e.CurrentHash = hash

	if err := t.store.Append(ctx, e); err != nil {
		return nil, fmt.Errorf("audit: append entry %d: %w", e.EntryID, err)
	}

	t.head = hash
	t.next++
	t.count(e)
	t.metrics.SetChainLength(t.next)

	t.logger.Printf("#%d %s compliant=%t %s", e.EntryID, e.AgentID, e.Compliant, shortHash(hash))
	return &e, nil
}

// count must be called with the write lock held (or before publication).
func (t *Trail) count(e Entry) {
	if e.Compliant {
		t.compliant++
	} else {
		t.nonCompliant++
	}
	s := sample{at: e.Timestamp, compliant: e.Compliant}
	if len(t.recent) < recentCapacity {
		t.recent = append(t.recent, s)
		return
	}
	t.recent[t.recentPos] = s
	t.recentPos = (t.recentPos + 1) % recentCapacity
}

// Verify checks the stored chain against the trusted in-memory head. A
// failure halts the trail and raises an operator alert.
func (t *Trail) Verify(ctx context.Context) error {
	t.mu.RLock()
	n, head := t.next, t.head
	halted := t.halted
	t.mu.RUnlock()

	if halted != nil {
		return halted
	}

	entries, err := t.store.ReadRange(ctx, 0, n)
	if err != nil {
		return fmt.Errorf("audit: read chain: %w", err)
	}

	var cerr *core.ChainIntegrityError
	switch ok, idx := VerifyChainIntegrity(entries); {
	case !ok:
		cerr = &core.ChainIntegrityError{FirstBrokenIndex: idx, Reason: "hash chain verification failed"}
	case int64(len(entries)) != n:
		cerr = &core.ChainIntegrityError{FirstBrokenIndex: len(entries), Reason: "entries missing from store"}
	case n > 0 && entries[n-1].CurrentHash != head:
		cerr = &core.ChainIntegrityError{FirstBrokenIndex: int(n - 1), Reason: "last entry does not match chain head"}
	}
	if cerr == nil {
		return nil
	}

	t.halt(cerr)
	return cerr
}

func (t *Trail) halt(cerr *core.ChainIntegrityError) {
	t.mu.Lock()
	first := t.halted == nil
	if first {
		t.halted = cerr
	}
	t.mu.Unlock()
	if !first {
		return
	}

	slog.Error("AUDIT CHAIN INTEGRITY BROKEN - trail halted",
		"first_broken_index", cerr.FirstBrokenIndex,
		"reason", cerr.Reason,
	)
	if t.onHalt != nil {
		t.onHalt(cerr)
	}
}

// Halted reports whether an integrity failure has stopped the trail.
func (t *Trail) Halted() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.halted != nil
}

// Head returns the number of entries and the current chain head hash.
func (t *Trail) Head() (int64, string) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.next, t.head
}

// Entries returns a snapshot of all entries from the store.
func (t *Trail) Entries(ctx context.Context) ([]Entry, error) {
	t.mu.RLock()
	n := t.next
	t.mu.RUnlock()
	return t.store.ReadRange(ctx, 0, n)
}

// ============================================================================
// METRICS EXPORT
// ============================================================================

// Stats is the exported summary of the trail.
type Stats struct {
	CompliantCount    int64         `json:"compliant_count"`
	NonCompliantCount int64         `json:"non_compliant_count"`
	RateOverWindow    float64       `json:"rate_over_window"`
	WindowSamples     int           `json:"window_samples"`
	Window            time.Duration `json:"window_ns"`
	ChainLength       int64         `json:"chain_length"`
	Halted            bool          `json:"halted"`
}

// ExportMetrics returns totals and the compliant fraction of decisions within
// window of now. An empty window reports a rate of 0.
func (t *Trail) ExportMetrics(window time.Duration) Stats {
	t.mu.RLock()
	defer t.mu.RUnlock()

	st := Stats{
		CompliantCount:    t.compliant,
		NonCompliantCount: t.nonCompliant,
		Window:            window,
		ChainLength:       t.next,
		Halted:            t.halted != nil,
	}

	cutoff := t.now().Add(-window)
	var ok int
	for _, s := range t.recent {
		if s.at.Before(cutoff) {
			continue
		}
		st.WindowSamples++
		if s.compliant {
			ok++
		}
	}
	if st.WindowSamples > 0 {
		st.RateOverWindow = float64(ok) / float64(st.WindowSamples)
	}
	return st
}

func shortHash(h string) string {
	if len(h) > 16 {
		return h[:16]
	}
	return h
}
