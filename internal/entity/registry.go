package entity

import (
	"sync"

	"github.com/tedge-io/tedge-agent/pkg/model"
)

// Registry tracks which entities this gateway currently knows about: the
// main device plus any child device or service that has announced itself
// on the entity-metadata channel (spec.md §3/§9). Grounded on the original
// implementation's xid_to_metadata lookup
// (original_source/crates/extensions/c8y_mapper_ext/src/operations/c8y_operations.rs,
// "C8yOperations.register": every incoming operation is resolved against
// that map before it is acted on) — this is the same idea at a much
// smaller scale, a set membership check rather than a full metadata store,
// since nothing else in this runtime's domain needs more than "have we
// seen this entity announce itself."
type Registry struct {
	mu    sync.RWMutex
	known map[string]struct{}
}

// NewRegistry returns a Registry seeded with seed (typically just the
// gateway's own main device; child devices are added later via Register
// as their entity-metadata messages are observed).
func NewRegistry(seed ...model.EntityID) *Registry {
	r := &Registry{known: make(map[string]struct{}, len(seed))}
	for _, id := range seed {
		r.Register(id)
	}
	return r
}

// Register marks id as known.
func (r *Registry) Register(id model.EntityID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.known[id.String()] = struct{}{}
}

// IsKnown reports whether id has been registered.
func (r *Registry) IsKnown(id model.EntityID) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.known[id.String()]
	return ok
}
