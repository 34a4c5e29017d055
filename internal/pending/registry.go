// Package pending tracks in-flight calls by id and delivers their outcomes.
//
// A registry is pure bookkeeping: it never blocks, never panics, and treats
// completion of an unknown id as a no-op so duplicate or late replies from a
// worker are harmless.
package pending

import "sync"

// Outcome is the terminal result of a tracked call.
type Outcome[T any] struct {
	Value T
	Err   error
}

// Registry maps call ids to awaitable outcomes. The zero value is not usable;
// use NewRegistry.
type Registry[T any] struct {
	mu      sync.Mutex
	waiting map[string]chan Outcome[T]
}

// NewRegistry creates an empty registry.
func NewRegistry[T any]() *Registry[T] {
	return &Registry[T]{waiting: make(map[string]chan Outcome[T])}
}

// Add begins tracking id and returns a channel that receives exactly one
// outcome. Adding an id that is already tracked replaces the old entry; the
// displaced waiter never completes, so callers must generate unique ids.
func (r *Registry[T]) Add(id string) <-chan Outcome[T] {
	ch := make(chan Outcome[T], 1)
	r.mu.Lock()
	r.waiting[id] = ch
	r.mu.Unlock()
	return ch
}

// Resolve completes id with a value. Unknown ids are ignored.
func (r *Registry[T]) Resolve(id string, v T) {
	r.complete(id, Outcome[T]{Value: v})
}

// Reject completes id with an error. Unknown ids are ignored.
func (r *Registry[T]) Reject(id string, err error) {
	r.complete(id, Outcome[T]{Err: err})
}

func (r *Registry[T]) complete(id string, out Outcome[T]) {
	r.mu.Lock()
	ch, ok := r.waiting[id]
	if ok {
		delete(r.waiting, id)
	}
	r.mu.Unlock()
	if ok {
		ch <- out
	}
}

// Clear force-rejects every tracked call with err and empties the registry.
// Safe to call on an already-empty registry.
func (r *Registry[T]) Clear(err error) {
	r.mu.Lock()
	waiting := r.waiting
	r.waiting = make(map[string]chan Outcome[T])
	r.mu.Unlock()
	for _, ch := range waiting {
		ch <- Outcome[T]{Err: err}
	}
}

// Len reports the number of calls currently tracked.
func (r *Registry[T]) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.waiting)
}
