package strategy

import (
	"fmt"
	"sort"
	"sync"
)

// Factory builds a configured strategy instance from a parameter set.
type Factory func(params map[string]float64) (Strategy, error)

// Registry maps strategy name@version to a factory. The set of strategies is
// closed at startup; bots reference entries by name and version.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

func key(name, version string) string { return name + "@" + version }

// NewRegistry returns a registry pre-loaded with all built-in strategies.
func NewRegistry() *Registry {
	r := &Registry{factories: make(map[string]Factory)}
	r.Register("bollinger", "1", NewBollinger)
	r.Register("momentum", "1", NewMomentum)
	return r
}

// Register adds a factory under name@version, replacing any previous entry.
func (r *Registry) Register(name, version string, factory Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[key(name, version)] = factory
}

// Lookup returns the factory for name@version.
func (r *Registry) Lookup(name, version string) (Factory, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	f, ok := r.factories[key(name, version)]
	if !ok {
		return nil, fmt.Errorf("strategy %s@%s is not registered", name, version)
	}
	return f, nil
}

// New builds a configured instance of name@version.
func (r *Registry) New(name, version string, params map[string]float64) (Strategy, error) {
	f, err := r.Lookup(name, version)
	if err != nil {
		return nil, err
	}
	return f(params)
}

// Names lists the registered name@version keys, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.factories))
	for k := range r.factories {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
