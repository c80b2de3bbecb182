package providers

import (
	"fmt"
	"sync"
)

// Factory constructs a provider on first use.
type Factory func() (Provider, error)

// Registry lazily instantiates providers by name and caches the singletons.
// Instances live until Close, which disposes all of them.
type Registry struct {
	mu        sync.Mutex
	factories map[string]Factory
	instances map[string]Provider
}

// NewRegistry creates a registry over the given factories.
func NewRegistry(factories map[string]Factory) *Registry {
	return &Registry{
		factories: factories,
		instances: make(map[string]Provider),
	}
}

// Get returns the singleton for name, constructing it on first use. A failed
// construction is not cached, so a transient error (e.g. credentials not yet
// available) is retried on the next request.
func (r *Registry) Get(name string) (Provider, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if p, ok := r.instances[name]; ok {
		return p, nil
	}

	factory, ok := r.factories[name]
	if !ok {
		return nil, fmt.Errorf("providers: unknown provider %q", name)
	}

	p, err := factory()
	if err != nil {
		return nil, fmt.Errorf("providers: init %s: %w", name, err)
	}
	r.instances[name] = p
	return p, nil
}

// Close disposes every instantiated provider. The first error wins; disposal
// continues regardless.
func (r *Registry) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	var first error
	for name, p := range r.instances {
		if err := p.Close(); err != nil && first == nil {
			first = fmt.Errorf("providers: close %s: %w", name, err)
		}
		delete(r.instances, name)
	}
	return first
}
