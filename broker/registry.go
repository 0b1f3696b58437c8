package broker

import (
	"fmt"
	"sync"
)

// Factory builds an adapter on first use.
type Factory func() (Adapter, error)

// Registry hands out one cached adapter per provider name, with
// construct-once semantics. Invalidate drops (and closes) an instance
// so the next Get rebuilds it, which is how config changes take
// effect.
type Registry struct {
	mu        sync.Mutex
	factories map[string]Factory
	instances map[string]Adapter
}

func NewRegistry() *Registry {
	return &Registry{
		factories: make(map[string]Factory),
		instances: make(map[string]Adapter),
	}
}

func (r *Registry) Register(name string, f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[name] = f
}

func (r *Registry) Get(name string) (Adapter, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if a, ok := r.instances[name]; ok {
		return a, nil
	}
	f, ok := r.factories[name]
	if !ok {
		return nil, fmt.Errorf("unknown adapter: %s", name)
	}
	a, err := f()
	if err != nil {
		return nil, fmt.Errorf("construct adapter %s: %w", name, err)
	}
	r.instances[name] = a
	return a, nil
}

// Providers lists every registered provider name.
func (r *Registry) Providers() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	names := make([]string, 0, len(r.factories))
	for name := range r.factories {
		names = append(names, name)
	}
	return names
}

func (r *Registry) Invalidate(name string) error {
	r.mu.Lock()
	a, ok := r.instances[name]
	delete(r.instances, name)
	r.mu.Unlock()
	if !ok {
		return nil
	}
	return a.Close()
}

func (r *Registry) Close() error {
	r.mu.Lock()
	instances := r.instances
	r.instances = make(map[string]Adapter)
	r.mu.Unlock()

	var firstErr error
	for _, a := range instances {
		if err := a.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
