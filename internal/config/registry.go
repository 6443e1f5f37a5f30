package config

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/MrWong99/textenc/pkg/cache"
	"github.com/MrWong99/textenc/pkg/encoder"
)

// ErrNotRegistered is returned by Create* methods when no factory has been
// registered under the requested name.
var ErrNotRegistered = errors.New("config: factory not registered")

// EncoderFactory builds an encoder from its config entry.
type EncoderFactory func(ProviderEntry) (encoder.Provider, error)

// CacheFactory builds a cache backend for one namespace. ctx bounds any
// connection setup.
type CacheFactory func(ctx context.Context, cfg CacheConfig, ns cache.Namespace) (cache.Backend, error)

// Registry maps encoder and cache backend names to their constructors.
// It is safe for concurrent use.
type Registry struct {
	mu       sync.RWMutex
	encoders map[string]EncoderFactory
	caches   map[CacheBackend]CacheFactory
}

// NewRegistry returns an empty, ready-to-use [Registry].
func NewRegistry() *Registry {
	return &Registry{
		encoders: make(map[string]EncoderFactory),
		caches:   make(map[CacheBackend]CacheFactory),
	}
}

// RegisterEncoder registers an encoder factory under name.
// Subsequent calls with the same name overwrite the previous registration.
func (r *Registry) RegisterEncoder(name string, factory EncoderFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.encoders[name] = factory
}

// RegisterCache registers a cache backend factory under backend.
func (r *Registry) RegisterCache(backend CacheBackend, factory CacheFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.caches[backend] = factory
}

// CreateEncoder instantiates the encoder registered under entry.Name.
// Returns [ErrNotRegistered] if no factory has been registered for that name.
func (r *Registry) CreateEncoder(entry ProviderEntry) (encoder.Provider, error) {
	r.mu.RLock()
	factory, ok := r.encoders[entry.Name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: encoder/%q", ErrNotRegistered, entry.Name)
	}
	return factory(entry)
}

// CreateCache instantiates the backend registered under cfg.Backend.
func (r *Registry) CreateCache(ctx context.Context, cfg CacheConfig, ns cache.Namespace) (cache.Backend, error) {
	r.mu.RLock()
	factory, ok := r.caches[cfg.Backend]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: cache/%q", ErrNotRegistered, cfg.Backend)
	}
	return factory(ctx, cfg, ns)
}

// Encoders returns the registered encoder names, sorted.
func (r *Registry) Encoders() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.encoders))
	for name := range r.encoders {
		out = append(out, name)
	}
	slices.Sort(out)
	return out
}
