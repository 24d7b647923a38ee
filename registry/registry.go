// Package registry is the compile-time handler registry: a type-name to
// factory map built entirely from explicit RegisterHandler calls, with no
// runtime reflection-based DI container (spec §9 "Redesign flags").
package registry

import (
	"fmt"
	"sync"

	"github.com/minisource/evertask/model"
)

// Registry maps a handler type name to the factory that builds it, plus any
// HandlerConfig supplied at registration time.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]model.Factory
	configs   map[string]model.HandlerConfig
}

// New creates an empty Registry.
func New() *Registry {
	return &Registry{
		factories: make(map[string]model.Factory),
		configs:   make(map[string]model.HandlerConfig),
	}
}

// Register associates typeName with factory and an optional config. Calling
// Register twice for the same typeName replaces the previous entry; the
// engine does this only during setup, before Start, so no lock contention
// with live dispatch is expected in practice.
func (r *Registry) Register(typeName string, factory model.Factory, cfg model.HandlerConfig) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[typeName] = factory
	r.configs[typeName] = cfg
}

// Build creates a fresh Handler instance for typeName. ekind.ErrNoHandlerRegistered
// (wrapped by the caller with task context) is the caller's responsibility
// to produce; Build returns a plain bool alongside the handler so callers
// can decide how to wrap the miss.
func (r *Registry) Build(typeName string) (model.Handler, bool) {
	r.mu.RLock()
	factory, ok := r.factories[typeName]
	r.mu.RUnlock()
	if !ok {
		return nil, false
	}
	return factory(), true
}

// Config returns the HandlerConfig registered for typeName, if any.
func (r *Registry) Config(typeName string) (model.HandlerConfig, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	cfg, ok := r.configs[typeName]
	return cfg, ok
}

// Has reports whether typeName has a registered factory.
func (r *Registry) Has(typeName string) bool {
	r.mu.RLock()
	_, ok := r.factories[typeName]
	r.mu.RUnlock()
	return ok
}

// MustHas panics if typeName is unregistered. The engine does not call it;
// an unregistered type is reported at dispatch time instead.
func (r *Registry) MustHas(typeName string) {
	if !r.Has(typeName) {
		panic(fmt.Sprintf("evertask: no handler registered for type %q", typeName))
	}
}
