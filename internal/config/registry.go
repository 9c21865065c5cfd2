package config

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/voxbridge/voxbridge/internal/admission"
	"github.com/voxbridge/voxbridge/internal/worker"
)

// ErrFactoryNotRegistered is returned by Create* methods when no factory has
// been registered under the requested name.
var ErrFactoryNotRegistered = errors.New("config: no factory registered")

// Registry maps subscription store backends and voice platforms to their
// constructor functions. The composition root registers the concrete
// factories; tests register scripted ones. It is safe for concurrent use.
type Registry struct {
	mu     sync.RWMutex
	stores map[Backend]func(context.Context, AdmissionConfig) (admission.Store, error)
	voice  map[string]func(DiscordConfig) (worker.DialerSource, error)
}

// NewRegistry returns an empty, ready-to-use [Registry].
func NewRegistry() *Registry {
	return &Registry{
		stores: make(map[Backend]func(context.Context, AdmissionConfig) (admission.Store, error)),
		voice:  make(map[string]func(DiscordConfig) (worker.DialerSource, error)),
	}
}

// RegisterStore registers a subscription store factory under backend.
// Subsequent calls with the same backend overwrite the previous registration.
func (r *Registry) RegisterStore(backend Backend, factory func(context.Context, AdmissionConfig) (admission.Store, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stores[backend] = factory
}

// RegisterVoice registers a voice platform factory under name.
func (r *Registry) RegisterVoice(name string, factory func(DiscordConfig) (worker.DialerSource, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.voice[name] = factory
}

// CreateStore instantiates the subscription store selected by cfg.Backend.
// Returns [ErrFactoryNotRegistered] if no factory has been registered for
// that backend.
func (r *Registry) CreateStore(ctx context.Context, cfg AdmissionConfig) (admission.Store, error) {
	r.mu.RLock()
	factory, ok := r.stores[cfg.Backend]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: store/%q", ErrFactoryNotRegistered, cfg.Backend)
	}
	return factory(ctx, cfg)
}

// CreateVoice instantiates the voice platform registered under name.
func (r *Registry) CreateVoice(name string, cfg DiscordConfig) (worker.DialerSource, error) {
	r.mu.RLock()
	factory, ok := r.voice[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: voice/%q", ErrFactoryNotRegistered, name)
	}
	return factory(cfg)
}
