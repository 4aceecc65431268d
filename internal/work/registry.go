package work

import (
	"sort"
	"sync"
	"time"
)

// Registry holds the registered work types and tracks completions.
type Registry struct {
	mu    sync.RWMutex
	types map[string]*Type
	last  map[string]time.Time
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		types: make(map[string]*Type),
		last:  make(map[string]time.Time),
	}
}

// Register adds a work type. Re-registering an ID replaces it.
func (r *Registry) Register(t *Type) {
	r.mu.Lock()
	r.types[t.ID] = t
	r.mu.Unlock()
}

// Get returns a work type by ID, or nil.
func (r *Registry) Get(id string) *Type {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.types[id]
}

// ByPriority returns all types, highest priority first, ID as tiebreak.
func (r *Registry) ByPriority() []*Type {
	r.mu.RLock()
	out := make([]*Type, 0, len(r.types))
	for _, t := range r.types {
		out = append(out, t)
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority > out[j].Priority
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// MarkComplete records a successful run of the given type.
func (r *Registry) MarkComplete(id string, at time.Time) {
	r.mu.Lock()
	r.last[id] = at
	r.mu.Unlock()
}

// LastCompleted returns the last successful run time, zero if never.
func (r *Registry) LastCompleted(id string) time.Time {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.last[id]
}

// Due returns the interval-bearing types whose interval has elapsed since
// their last completion, highest priority first.
func (r *Registry) Due(now time.Time) []*Type {
	var due []*Type
	for _, t := range r.ByPriority() {
		if t.Interval <= 0 {
			continue
		}
		if now.Sub(r.LastCompleted(t.ID)) >= t.Interval {
			due = append(due, t)
		}
	}
	return due
}
