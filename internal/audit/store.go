package audit

import (
	"context"
	"fmt"
	"sync"
)

// Store is the durable append-only backing for a Trail. ReadRange returns
// entries with start <= entry_id < end in id order.
type Store interface {
	Append(ctx context.Context, e Entry) error
	ReadRange(ctx context.Context, start, end int64) ([]Entry, error)
	Len(ctx context.Context) (int64, error)
}

// MemoryStore keeps entries in process memory.
type MemoryStore struct {
	mu      sync.RWMutex
	entries []Entry
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: make([]Entry, 0, 1024)}
}

func (s *MemoryStore) Append(ctx context.Context, e Entry) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if e.EntryID != int64(len(s.entries)) {
		return fmt.Errorf("audit: append entry %d out of order (have %d)", e.EntryID, len(s.entries))
	}
	s.entries = append(s.entries, e)
	return nil
}

func (s *MemoryStore) ReadRange(ctx context.Context, start, end int64) ([]Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	n := int64(len(s.entries))
	if start < 0 {
		start = 0
	}
	if end > n {
		end = n
	}
	if start >= end {
		return []Entry{}, nil
	}
	out := make([]Entry, end-start)
	copy(out, s.entries[start:end])
	return out, nil
}

func (s *MemoryStore) Len(ctx context.Context) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return int64(len(s.entries)), nil
}
