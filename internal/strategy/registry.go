package strategy

import (
	"errors"
	"fmt"
	"sort"
	"sync"
)

// ErrUnknownStrategy is returned for names with no registered factory.
var ErrUnknownStrategy = errors.New("unknown strategy")

// Factory builds a fresh strategy instance for one bot.
type Factory func(spec Spec) (Strategy, error)

// Registry maps strategy names to factories.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

// DefaultRegistry registers the built-in strategies and, when worker is
// non-nil, the remote one.
func DefaultRegistry(worker *WorkerClient) *Registry {
	r := NewRegistry()
	r.Register("ma_cross", NewMACross)
	r.Register("rsi", NewRSI)
	r.Register("momentum", NewMomentum)
	if worker != nil {
		r.Register("remote", func(spec Spec) (Strategy, error) { return NewRemote(spec, worker), nil })
	}
	return r
}

// Register adds or replaces a factory.
func (r *Registry) Register(name string, f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[name] = f
}

// Build instantiates the named strategy.
func (r *Registry) Build(name string, spec Spec) (Strategy, error) {
	r.mu.RLock()
	f, ok := r.factories[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownStrategy, name)
	}
	s, err := f(spec)
	if err != nil {
		return nil, fmt.Errorf("build %s for %s: %w", name, spec.BotID, err)
	}
	return s, nil
}

// Has reports whether name is registered.
func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.factories[name]
	return ok
}

// Names lists registered strategies in order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.factories))
	for n := range r.factories {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
