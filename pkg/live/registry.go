// Package live delivers "everything currently true" followed by
// incremental change notifications.
//
// A Subsystem owns a current set of records and a listener Registry.
// Subscribe reads the set once, hands it to the caller, then forwards
// every later notification that passes the same filter until the
// subscription is cancelled.
package live

import (
	"sync"
)

// Registry is a set of listeners safe for concurrent add, remove and
// publish from many requests.
type Registry[T any] struct {
	mu        sync.RWMutex
	next      uint64
	listeners map[uint64]func(T)
}

// NewRegistry creates an empty registry
func NewRegistry[T any]() *Registry[T] {
	return &Registry[T]{listeners: make(map[uint64]func(T))}
}

// Add registers fn and returns its removal function. Removal is idempotent:
// only the first call has an effect.
func (r *Registry[T]) Add(fn func(T)) (remove func()) {
	r.mu.Lock()
	id := r.next
	r.next++
	r.listeners[id] = fn
	r.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			r.mu.Lock()
			delete(r.listeners, id)
			r.mu.Unlock()
		})
	}
}

// Publish calls every listener registered at the time of the call.
// Listeners run on the caller's goroutine and must not block.
func (r *Registry[T]) Publish(v T) {
	r.mu.RLock()
	targets := make([]func(T), 0, len(r.listeners))
	for _, fn := range r.listeners {
		targets = append(targets, fn)
	}
	r.mu.RUnlock()

	for _, fn := range targets {
		fn(v)
	}
}

// Len returns the number of registered listeners
func (r *Registry[T]) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.listeners)
}
