package platform

import (
	"errors"
	"fmt"
	"sync"

	"github.com/GoogleCloudPlatform/microservices-demo/src/provisioningservice/pkg/model"
)

var (
	ErrAdapterExists = errors.New("adapter already registered")
	ErrAdapterNil    = errors.New("adapter is nil")
)

// Registry maps a platform tag to its adapter.
type Registry struct {
	mu    sync.RWMutex
	items map[model.Platform]Adapter
}

func NewRegistry() *Registry {
	return &Registry{items: make(map[model.Platform]Adapter)}
}

// Register adds an adapter for its own platform tag.
func (r *Registry) Register(a Adapter) error {
	if a == nil {
		return ErrAdapterNil
	}
	p := a.Platform()
	if !p.Valid() {
		return fmt.Errorf("%w: %q", ErrUnknownPlatform, p)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.items[p]; ok {
		return fmt.Errorf("%w: %s", ErrAdapterExists, p)
	}
	r.items[p] = a
	return nil
}

// Resolve returns the adapter for p. Tags outside the closed set, or without a
// configured adapter, fail with ErrUnknownPlatform.
func (r *Registry) Resolve(p model.Platform) (Adapter, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.items[p]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownPlatform, p)
	}
	return a, nil
}

// Validate checks that cfg names a registered platform and carries a valid bag.
func (r *Registry) Validate(cfg model.DesiredPlatformConfig) error {
	if cfg.Attrs == nil {
		return fmt.Errorf("%w: missing platform", ErrUnknownPlatform)
	}
	if _, err := r.Resolve(cfg.Platform()); err != nil {
		return err
	}
	return cfg.Attrs.Validate()
}

// Platforms lists registered tags in canonical order.
func (r *Registry) Platforms() []model.Platform {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]model.Platform, 0, len(r.items))
	for _, p := range model.Platforms {
		if _, ok := r.items[p]; ok {
			out = append(out, p)
		}
	}
	return out
}
