package resilience

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// ConfigFunc returns the breaker configuration for a dependency name,
// letting one registry carry differently tuned breakers (DNS trips
// faster than mailbox providers, for example).
type ConfigFunc func(name string) BreakerConfig

// Registry hands out one breaker per dependency name, creating them
// lazily on first use.
type Registry struct {
	mu        sync.RWMutex
	breakers  map[string]*Breaker
	configFor ConfigFunc
}

func NewRegistry(configFor ConfigFunc) *Registry {
	if configFor == nil {
		configFor = func(string) BreakerConfig { return BreakerConfig{} }
	}
	return &Registry{
		breakers:  make(map[string]*Breaker),
		configFor: configFor,
	}
}

// Get returns the breaker for name, creating it on first use.
func (r *Registry) Get(name string) *Breaker {
	r.mu.RLock()
	b, ok := r.breakers[name]
	r.mu.RUnlock()
	if ok {
		return b
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if b, ok := r.breakers[name]; ok {
		return b
	}
	b = NewBreaker(name, r.configFor(name))
	r.breakers[name] = b
	return b
}

// Execute runs fn under the named breaker.
func (r *Registry) Execute(ctx context.Context, name string, fn func(context.Context) error) error {
	return r.Get(name).Execute(ctx, fn)
}

// Stats snapshots every registered breaker, keyed by name.
func (r *Registry) Stats() map[string]BreakerStats {
	r.mu.RLock()
	breakers := make([]*Breaker, 0, len(r.breakers))
	for _, b := range r.breakers {
		breakers = append(breakers, b)
	}
	r.mu.RUnlock()

	out := make(map[string]BreakerStats, len(breakers))
	for _, b := range breakers {
		out[b.Name()] = b.Stats()
	}
	return out
}

// Names returns the registered breaker names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	names := make([]string, 0, len(r.breakers))
	for name := range r.breakers {
		names = append(names, name)
	}
	r.mu.RUnlock()
	sort.Strings(names)
	return names
}

// ResetAll returns every breaker to a fresh closed state.
func (r *Registry) ResetAll() {
	r.mu.RLock()
	breakers := make([]*Breaker, 0, len(r.breakers))
	for _, b := range r.breakers {
		breakers = append(breakers, b)
	}
	r.mu.RUnlock()
	for _, b := range breakers {
		b.Reset()
	}
}

// ForceOpen trips the named breaker. Unknown names are an error so ops
// typos don't silently no-op.
func (r *Registry) ForceOpen(name string) error {
	b, err := r.lookup(name)
	if err != nil {
		return err
	}
	b.ForceOpen()
	return nil
}

// ForceClose closes the named breaker.
func (r *Registry) ForceClose(name string) error {
	b, err := r.lookup(name)
	if err != nil {
		return err
	}
	b.ForceClose()
	return nil
}

// Reset resets the named breaker.
func (r *Registry) Reset(name string) error {
	b, err := r.lookup(name)
	if err != nil {
		return err
	}
	b.Reset()
	return nil
}

func (r *Registry) lookup(name string) (*Breaker, error) {
	r.mu.RLock()
	b, ok := r.breakers[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("no circuit breaker named %q", name)
	}
	return b, nil
}
