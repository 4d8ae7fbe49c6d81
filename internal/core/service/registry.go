package service

import (
	"errors"
	"sort"
	"sync"
)

var errInvalidated = errors.New("registry: invalidated before construction")

// Registry constructs an expensive value at most once per key.
//
// Construction happens lazily on first Get and outside the registry lock,
// so different keys initialise in parallel. A failed construction is not
// cached. Invalidate drops a value; the next Get builds a new one.
type Registry[T any] struct {
	mu      sync.RWMutex
	cells   map[string]*cell[T]
	factory func(key string) (T, error)
	release func(T)
}

type cell[T any] struct {
	once sync.Once
	val  T
	err  error
}

// NewRegistry creates a registry that builds values with factory.
func NewRegistry[T any](factory func(key string) (T, error)) *Registry[T] {
	return &Registry[T]{
		cells:   make(map[string]*cell[T]),
		factory: factory,
	}
}

// OnRelease sets a hook called with values dropped by Invalidate.
func (r *Registry[T]) OnRelease(fn func(T)) *Registry[T] {
	r.release = fn
	return r
}

// Get returns the value for key, building it if needed.
func (r *Registry[T]) Get(key string) (T, error) {
	c := r.cellFor(key)
	c.once.Do(func() {
		c.val, c.err = r.factory(key)
	})
	if c.err == errInvalidated {
		return r.Get(key)
	}
	if c.err != nil {
		r.mu.Lock()
		if r.cells[key] == c {
			delete(r.cells, key)
		}
		r.mu.Unlock()
		var zero T
		return zero, c.err
	}
	return c.val, nil
}

func (r *Registry[T]) cellFor(key string) *cell[T] {
	r.mu.RLock()
	c, ok := r.cells[key]
	r.mu.RUnlock()
	if ok {
		return c
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	// Double-check after acquiring write lock
	if c, ok := r.cells[key]; ok {
		return c
	}
	c = &cell[T]{}
	r.cells[key] = c
	return c
}

// Invalidate drops the value for key.
func (r *Registry[T]) Invalidate(key string) {
	r.mu.Lock()
	c, ok := r.cells[key]
	delete(r.cells, key)
	r.mu.Unlock()

	if !ok {
		return
	}
	// Blocks on an in-flight build; a cell nobody built yet is poisoned.
	c.once.Do(func() { c.err = errInvalidated })
	if c.err == nil && r.release != nil {
		r.release(c.val)
	}
}

// Refresh rebuilds the value for key.
func (r *Registry[T]) Refresh(key string) (T, error) {
	r.Invalidate(key)
	return r.Get(key)
}

// Keys returns the keys with a live or in-flight value.
func (r *Registry[T]) Keys() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	keys := make([]string, 0, len(r.cells))
	for k := range r.cells {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
