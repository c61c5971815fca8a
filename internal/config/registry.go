package config

import (
	"errors"
	"fmt"
	"sync"

	"github.com/liveproxy/duplexion/internal/upstream"
)

// ErrProviderNotRegistered is returned by [Registry.CreateUpstream] when no
// factory has been registered under the requested provider name.
var ErrProviderNotRegistered = errors.New("config: provider not registered")

// Registry maps upstream provider names ("gemini", "openairt", ...) to their
// constructor functions. It is safe for concurrent use.
type Registry struct {
	mu       sync.RWMutex
	upstream map[string]func(ProviderEntry) (upstream.Provider, error)
}

// NewRegistry returns an empty, ready-to-use [Registry].
func NewRegistry() *Registry {
	return &Registry{
		upstream: make(map[string]func(ProviderEntry) (upstream.Provider, error)),
	}
}

// RegisterUpstream registers an upstream provider factory under name.
// Subsequent calls with the same name overwrite the previous registration.
func (r *Registry) RegisterUpstream(name string, factory func(ProviderEntry) (upstream.Provider, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.upstream[name] = factory
}

// CreateUpstream instantiates the upstream provider using the factory
// registered under entry.Name. Returns [ErrProviderNotRegistered] if no
// factory has been registered for that name.
func (r *Registry) CreateUpstream(entry ProviderEntry) (upstream.Provider, error) {
	r.mu.RLock()
	factory, ok := r.upstream[entry.Name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: upstream/%q", ErrProviderNotRegistered, entry.Name)
	}
	return factory(entry)
}
