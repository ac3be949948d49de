package policy

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

// Revision is one entry in the policy history.
type Revision struct {
	Revision  int       `json:"revision"`
	PolicyID  string    `json:"policy_id"`
	Version   string    `json:"version"`
	CreatedAt time.Time `json:"created_at"`
	CreatedBy string    `json:"created_by"`
	Reason    string    `json:"reason,omitempty"`
	Active    bool      `json:"active"`

	policy *Policy
}

// Policy returns the snapshot stored in this revision.
func (r *Revision) Policy() *Policy { return r.policy }

// Registry keeps every policy ever pushed and publishes the active one
// behind an atomic pointer so enforcement never takes a lock.
type Registry struct {
	mu        sync.Mutex
	revisions []*Revision
	active    atomic.Pointer[Policy]
	activeRev int
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{}
}

// Active returns the active policy, or nil before the first Push.
func (r *Registry) Active() *Policy { return r.active.Load() }

// Push records p as a new revision and makes it active.
func (r *Registry) Push(p *Policy, createdBy, reason string) *Revision {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, rev := range r.revisions {
		rev.Active = false
	}
	rev := &Revision{
		Revision:  len(r.revisions) + 1,
		PolicyID:  p.ID,
		Version:   p.Version,
		CreatedAt: time.Now().UTC(),
		CreatedBy: createdBy,
		Reason:    reason,
		Active:    true,
		policy:    p,
	}
	r.revisions = append(r.revisions, rev)
	r.activeRev = rev.Revision
	r.active.Store(p)
	return cloneRevision(rev)
}

// Rollback reactivates an earlier revision.
func (r *Registry) Rollback(target int) (*Revision, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(r.revisions) == 0 {
		return nil, fmt.Errorf("no policy revisions")
	}
	if target < 1 || target > len(r.revisions) {
		return nil, fmt.Errorf("invalid revision %d (range: 1-%d)", target, len(r.revisions))
	}
	for _, rev := range r.revisions {
		rev.Active = false
	}
	rev := r.revisions[target-1]
	rev.Active = true
	r.activeRev = target
	r.active.Store(rev.policy)
	return cloneRevision(rev), nil
}

// History returns copies of all revisions, oldest first.
func (r *Registry) History() []Revision {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Revision, len(r.revisions))
	for i, rev := range r.revisions {
		out[i] = *rev
	}
	return out
}

// ActiveRevision returns the number of the active revision, 0 if none.
func (r *Registry) ActiveRevision() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.activeRev
}

// LoadFile parses path and pushes it.
func (r *Registry) LoadFile(path, createdBy string) (*Revision, error) {
	p, err := LoadFile(path)
	if err != nil {
		return nil, err
	}
	return r.Push(p, createdBy, "loaded from "+path), nil
}

func cloneRevision(r *Revision) *Revision {
	c := *r
	return &c
}
