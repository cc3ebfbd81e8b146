package resilience

import (
	"sort"
	"sync"
)

// Registry tracks every manager so status can be reported in one place.
type Registry struct {
	mu       sync.RWMutex
	managers map[string]*Manager
	onChange []Listener
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{managers: make(map[string]*Manager)}
}

// OnChange registers a listener that is attached to every manager created
// afterwards.
func (r *Registry) OnChange(l Listener) {
	r.mu.Lock()
	r.onChange = append(r.onChange, l)
	r.mu.Unlock()
}

// New creates a manager and registers it under cfg.Endpoint.
func (r *Registry) New(cfg Config) *Manager {
	m := New(cfg)

	r.mu.Lock()
	defer r.mu.Unlock()
	for _, l := range r.onChange {
		m.OnChange(l)
	}
	r.managers[cfg.Endpoint] = m
	return m
}

// Get returns the manager for endpoint, if any.
func (r *Registry) Get(endpoint string) (*Manager, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.managers[endpoint]
	return m, ok
}

// Snapshot returns the state of every manager, sorted by endpoint.
func (r *Registry) Snapshot() []ConnectionState {
	r.mu.RLock()
	out := make([]ConnectionState, 0, len(r.managers))
	for _, m := range r.managers {
		out = append(out, m.State())
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Endpoint < out[j].Endpoint })
	return out
}

// StopAll stops every registered manager.
func (r *Registry) StopAll() {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, m := range r.managers {
		m.Stop()
	}
}
