package connector

import (
	"context"
	"fmt"
	"sync"
)

// Factory constructs a connector instance from raw manifest configuration.
type Factory func(ctx context.Context, registry Registry, cfg map[string]any) (Connector, error)

// FactoryRegistry maintains connector factories keyed by venue type.
type FactoryRegistry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

// NewFactoryRegistry creates an empty connector factory registry.
func NewFactoryRegistry() *FactoryRegistry {
	return &FactoryRegistry{
		mu:        sync.RWMutex{},
		factories: make(map[string]Factory),
	}
}

// Register registers a connector factory for the given venue type.
func (r *FactoryRegistry) Register(venue string, factory Factory) {
	if factory == nil {
		panic("connector factory required")
	}
	r.mu.Lock()
	r.factories[venue] = factory
	r.mu.Unlock()
}

// Create instantiates the connector registered for the venue type.
func (r *FactoryRegistry) Create(ctx context.Context, venue string, registry Registry, cfg map[string]any) (Connector, error) {
	r.mu.RLock()
	factory, ok := r.factories[venue]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("connector venue %q not registered", venue)
	}
	instance, err := factory(ctx, registry, cfg)
	if err != nil {
		return nil, fmt.Errorf("instantiate connector %s: %w", venue, err)
	}
	return instance, nil
}

// Default is the process-wide registry venue packages register into.
var Default = NewFactoryRegistry()
