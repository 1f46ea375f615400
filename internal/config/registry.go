package config

import (
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/MrWong99/tonewire/pkg/audio"
	"github.com/MrWong99/tonewire/pkg/estimator"
	"github.com/MrWong99/tonewire/pkg/soundbank"
)

// ErrNotRegistered is returned by Create* methods when no factory has been
// registered under the requested component name.
var ErrNotRegistered = errors.New("config: component not registered")

// Registry maps component names to their constructor functions for each
// pluggable component kind. It is safe for concurrent use.
type Registry struct {
	mu         sync.RWMutex
	backends   map[string]func(ComponentEntry) (audio.Backend, error)
	estimators map[string]func(ComponentEntry) (estimator.Factory, error)
	loaders    map[string]func(ComponentEntry) (soundbank.Loader, error)
}

// NewRegistry returns an empty, ready-to-use [Registry].
func NewRegistry() *Registry {
	return &Registry{
		backends:   make(map[string]func(ComponentEntry) (audio.Backend, error)),
		estimators: make(map[string]func(ComponentEntry) (estimator.Factory, error)),
		loaders:    make(map[string]func(ComponentEntry) (soundbank.Loader, error)),
	}
}

// RegisterBackend registers an audio backend factory under name.
// Subsequent calls with the same name overwrite the previous registration.
func (r *Registry) RegisterBackend(name string, factory func(ComponentEntry) (audio.Backend, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.backends[name] = factory
}

// RegisterEstimator registers a pitch estimator factory under name. The
// [estimator.Factory] it returns is invoked by the capture engine once the
// input stream's actual sample rate is known.
func (r *Registry) RegisterEstimator(name string, factory func(ComponentEntry) (estimator.Factory, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.estimators[name] = factory
}

// RegisterLoader registers a sound bank loader factory under name.
func (r *Registry) RegisterLoader(name string, factory func(ComponentEntry) (soundbank.Loader, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.loaders[name] = factory
}

// CreateBackend instantiates an audio backend using the factory registered
// under entry.Name. Returns [ErrNotRegistered] if no factory has been
// registered for that name.
func (r *Registry) CreateBackend(entry ComponentEntry) (audio.Backend, error) {
	r.mu.RLock()
	factory, ok := r.backends[entry.Name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: backend/%q", ErrNotRegistered, entry.Name)
	}
	return factory(entry)
}

// CreateEstimator builds an estimator factory using the constructor
// registered under entry.Name.
func (r *Registry) CreateEstimator(entry ComponentEntry) (estimator.Factory, error) {
	r.mu.RLock()
	factory, ok := r.estimators[entry.Name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: estimator/%q", ErrNotRegistered, entry.Name)
	}
	return factory(entry)
}

// CreateLoader instantiates a sound bank loader using the factory registered
// under entry.Name.
func (r *Registry) CreateLoader(entry ComponentEntry) (soundbank.Loader, error) {
	r.mu.RLock()
	factory, ok := r.loaders[entry.Name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: loader/%q", ErrNotRegistered, entry.Name)
	}
	return factory(entry)
}

// BackendNames returns the names of all registered audio backends, sorted.
func (r *Registry) BackendNames() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.backends))
	for name := range r.backends {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}
