// Package engine defines the boundary the core calls into: the
// storage-engine side of two-phase commit (spec §6/§9). Engines are
// plugins registered by construction, reached only through the
// Capability interface — no inheritance chain, no tagged variant.
package engine

import (
	"context"
	"sync"

	"github.com/juju/errors"
)

// Capability is the per-engine boundary consumed by the 2PC log
// interface and by recovery.
type Capability interface {
	// Recover resolves a set of prepared-but-unresolved XIDs: the
	// engine commits those it prepared and finds in xids, and rolls
	// back those it prepared but does not find.
	Recover(ctx context.Context, xids map[uint64]struct{}) error

	// IsOrderedCommit reports whether this engine requires its
	// commit step to run in log-write order for sessionID.
	IsOrderedCommit(sessionID string) bool

	// CommitFast is the per-engine commit step whose relative
	// ordering across sessions must match log order when the engine
	// is ordered-commit capable.
	CommitFast(ctx context.Context, sessionID string) error
}

// Registry holds the {name, Capability} pairs registered at
// construction (spec §9's capability-record model, made concrete).
type Registry struct {
	mu      sync.RWMutex
	order   []string
	engines map[string]Capability
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{engines: make(map[string]Capability)}
}

// Register adds (or replaces) the engine under name.
func (r *Registry) Register(name string, cap Capability) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.engines[name]; !exists {
		r.order = append(r.order, name)
	}
	r.engines[name] = cap
}

// Get returns the engine registered under name.
func (r *Registry) Get(name string) (Capability, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.engines[name]
	return c, ok
}

// All returns every registered engine in registration order.
func (r *Registry) All() []Capability {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Capability, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, r.engines[name])
	}
	return out
}

// IsOrderedCommit reports whether any registered engine requires
// ticket-ordered commit for sessionID. A single session's transaction
// may span multiple engines; if any of them needs ordering, the whole
// commit takes the ordered path (spec §4.F).
func (r *Registry) IsOrderedCommit(sessionID string) bool {
	for _, c := range r.All() {
		if c.IsOrderedCommit(sessionID) {
			return true
		}
	}
	return false
}

// CommitFast runs every registered engine's commit_fast step for
// sessionID, in registration order, stopping at the first failure.
func (r *Registry) CommitFast(ctx context.Context, sessionID string) error {
	for _, c := range r.All() {
		if err := c.CommitFast(ctx, sessionID); err != nil {
			return errors.Annotatef(err, "engine commit_fast for session %s", sessionID)
		}
	}
	return nil
}

// Recover asks every registered engine to resolve xids (spec §4.H
// step 4: "ask each 2PC-capable engine to resolve the collected xid
// set"). Each engine only acts on XIDs it itself prepared; the core's
// job is solely to present the complete set. Recovery continues past
// a single engine's failure so the rest still get a chance to
// resolve, returning the first error encountered.
func (r *Registry) Recover(ctx context.Context, xids map[uint64]struct{}) error {
	var firstErr error
	for i, name := range r.namesLocked() {
		c := r.engineAt(i)
		if err := c.Recover(ctx, xids); err != nil && firstErr == nil {
			firstErr = errors.Annotatef(err, "engine %s recovery", name)
		}
	}
	return firstErr
}

func (r *Registry) namesLocked() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]string(nil), r.order...)
}

func (r *Registry) engineAt(i int) Capability {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.engines[r.order[i]]
}
