package resource

import (
	"fmt"
	"sort"
	"sync"
)

// Registry maps definition names to their static configuration, so callers
// can address resources by name instead of carrying Definition values
// around.
type Registry struct {
	mu   sync.RWMutex
	defs map[string]Definition
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{defs: make(map[string]Definition)}
}

// Register adds a named definition. Re-registering a name is an error.
func (r *Registry) Register(name string, def Definition) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.defs[name]; ok {
		return fmt.Errorf("resource: definition %q already registered", name)
	}
	r.defs[name] = def
	return nil
}

// Lookup returns a registered definition by name.
func (r *Registry) Lookup(name string) (Definition, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	def, ok := r.defs[name]
	return def, ok
}

// Names returns the registered definition names.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.defs))
	for name := range r.defs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
