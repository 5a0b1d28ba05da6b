package config

import (
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/MrWong99/lingo/pkg/provider/s2s"
)

// ErrProviderNotRegistered is returned by [Registry.CreateS2S] when no
// factory has been registered under the requested provider name.
var ErrProviderNotRegistered = errors.New("config: provider not registered")

// Registry maps provider names to speech-to-speech constructor functions.
// It is safe for concurrent use.
type Registry struct {
	mu  sync.RWMutex
	s2s map[string]func(ProviderEntry) (s2s.Provider, error)
}

// NewRegistry returns an empty, ready-to-use [Registry].
func NewRegistry() *Registry {
	return &Registry{
		s2s: make(map[string]func(ProviderEntry) (s2s.Provider, error)),
	}
}

// RegisterS2S registers an S2S provider factory under name.
// Subsequent calls with the same name overwrite the previous registration.
func (r *Registry) RegisterS2S(name string, factory func(ProviderEntry) (s2s.Provider, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.s2s[name] = factory
}

// CreateS2S instantiates the S2S provider described by entry.
// Returns [ErrProviderNotRegistered] if entry.Name has no registered factory.
func (r *Registry) CreateS2S(entry ProviderEntry) (s2s.Provider, error) {
	r.mu.RLock()
	f, ok := r.s2s[entry.Name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("config: s2s provider %q: %w", entry.Name, ErrProviderNotRegistered)
	}
	return f(entry)
}

// Names returns the registered provider names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.s2s))
	for name := range r.s2s {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}
