package config

import (
	"errors"
	"fmt"
	"sync"

	"github.com/quindar/pitchline/pkg/capture"
)

// ErrBackendNotRegistered is returned by [Registry.Create] when no factory
// has been registered under the requested backend name.
var ErrBackendNotRegistered = errors.New("config: capture backend not registered")

// SourceFactory constructs a capture source from its config section. The
// factory interprets SourceConfig.Options for backend-specific settings.
type SourceFactory func(SourceConfig) (capture.Source, error)

// Registry maps backend names to capture source factories. It is safe for
// concurrent use. Registration normally happens once at startup in main,
// which keeps hardware-coupled backends (and their cgo) out of the engine's
// dependency graph.
type Registry struct {
	mu       sync.RWMutex
	backends map[Backend]SourceFactory
}

// NewRegistry returns an empty, ready-to-use [Registry].
func NewRegistry() *Registry {
	return &Registry{
		backends: make(map[Backend]SourceFactory),
	}
}

// Register registers a capture source factory under name.
// Subsequent calls with the same name overwrite the previous registration.
func (r *Registry) Register(name Backend, factory SourceFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.backends[name] = factory
}

// Create instantiates the capture source selected by src.Backend.
// Returns [ErrBackendNotRegistered] if no factory has been registered for
// that name.
func (r *Registry) Create(src SourceConfig) (capture.Source, error) {
	r.mu.RLock()
	factory, ok := r.backends[src.Backend]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrBackendNotRegistered, src.Backend)
	}
	return factory(src)
}
