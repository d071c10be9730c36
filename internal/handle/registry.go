// Package handle issues small integer handles for objects that must be
// recovered from a 64-bit work request id. A handle stays valid until it is
// released, after which the id may be handed out again.
package handle

import (
	"errors"
	"fmt"
	"sync"
)

// Handle errors.
var (
	ErrUnknownHandle = errors.New("unknown handle")
	ErrNilValue      = errors.New("cannot register nil value")
	ErrDuplicate     = errors.New("value is already registered")
)

// Registry maps handles to values. Handle 0 is never issued so a zero wr_id
// can always be recognised as unset.
type Registry[T comparable] struct {
	mu     sync.RWMutex
	values map[uint64]T
	ids    map[T]uint64
	free   []uint64
	next   uint64
}

// NewRegistry creates an empty registry.
func NewRegistry[T comparable]() *Registry[T] {
	return &Registry[T]{
		values: make(map[uint64]T),
		ids:    make(map[T]uint64),
	}
}

// Register stores v and returns its handle. A value holds at most one
// handle at a time.
func (r *Registry[T]) Register(v T) (uint64, error) {
	var zero T
	if v == zero {
		return 0, ErrNilValue
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if id, ok := r.ids[v]; ok {
		return 0, fmt.Errorf("%w as handle %d", ErrDuplicate, id)
	}

	var id uint64
	if n := len(r.free); n > 0 {
		id = r.free[n-1]
		r.free = r.free[:n-1]
	} else {
		r.next++
		id = r.next
	}

	r.values[id] = v
	r.ids[v] = id

	return id, nil
}

// Lookup returns the value for id.
func (r *Registry[T]) Lookup(id uint64) (T, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	v, ok := r.values[id]

	return v, ok
}

// Release frees id for reuse.
func (r *Registry[T]) Release(id uint64) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	v, ok := r.values[id]
	if !ok {
		return ErrUnknownHandle
	}

	delete(r.values, id)
	delete(r.ids, v)
	r.free = append(r.free, id)

	return nil
}

// Len returns the number of live handles.
func (r *Registry[T]) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return len(r.values)
}
