// Package registry provides the keyed listener registry shared by every
// coordinator layer.
//
// Entries are keyed by a caller-chosen id. Registering an id twice replaces
// the previous callback and keeps its original position. Removal is O(1) and
// iteration follows first-registration order.
package registry

import (
	"fmt"
	"log/slog"
	"sync"

	orderedmap "github.com/wk8/go-ordered-map/v2"
)

// Entry is one registered callback.
type Entry[F any] struct {
	ID string
	Fn F
}

// Registry is a concurrency-safe ordered map of callbacks.
type Registry[F any] struct {
	mu      sync.RWMutex
	entries *orderedmap.OrderedMap[string, F]
}

// New creates an empty Registry.
func New[F any]() *Registry[F] {
	return &Registry[F]{entries: orderedmap.New[string, F]()}
}

// Set stores fn under id and reports whether a previous callback was replaced.
func (r *Registry[F]) Set(id string, fn F) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, replaced := r.entries.Set(id, fn)
	return replaced
}

// Remove deletes id. Removing an unknown id is a no-op.
func (r *Registry[F]) Remove(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.entries.Delete(id)
	return ok
}

// Get returns the callback stored under id.
func (r *Registry[F]) Get(id string) (F, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.entries.Get(id)
}

// Len returns the number of registered callbacks.
func (r *Registry[F]) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.entries.Len()
}

// Entries returns a snapshot in registration order. Callbacks invoked from the
// snapshot may mutate the registry without deadlocking.
func (r *Registry[F]) Entries() []Entry[F] {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Entry[F], 0, r.entries.Len())
	for pair := r.entries.Oldest(); pair != nil; pair = pair.Next() {
		out = append(out, Entry[F]{ID: pair.Key, Fn: pair.Value})
	}
	return out
}

// Dispatch calls fn for every entry. A panic in fn propagates to the caller
// and stops the iteration.
func (r *Registry[F]) Dispatch(fn func(Entry[F])) {
	for _, e := range r.Entries() {
		fn(e)
	}
}

// DispatchIsolated calls fn for every entry, recovering panics and logging
// returned errors so one failing callback never hides the change from the
// others. It returns the number of failed callbacks.
func (r *Registry[F]) DispatchIsolated(scope string, fn func(Entry[F]) error) int {
	failed := 0
	for _, e := range r.Entries() {
		if err := safeCall(e, fn); err != nil {
			failed++
			slog.Error("listener failed",
				"scope", scope,
				"listener_id", e.ID,
				"error", err)
		}
	}
	return failed
}

func safeCall[F any](e Entry[F], fn func(Entry[F]) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return fn(e)
}
