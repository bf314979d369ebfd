// Package adapters holds the backend adapter registry. Concrete adapters
// live in subpackages and are registered once by main; nothing here is a
// hidden singleton.
package adapters

import (
	"sync"

	"github.com/mconf/mcs-core/internal/core"
)

// Factory is the process-wide adapter registry, satisfying
// core.AdapterRegistry.
type Factory struct {
	mu       sync.RWMutex
	adapters map[string]core.Adapter
}

func NewFactory() *Factory {
	return &Factory{adapters: make(map[string]core.Adapter)}
}

// Register installs an adapter singleton under its own name.
func (f *Factory) Register(a core.Adapter) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.adapters[a.Name()] = a
}

// Get resolves an adapter by name.
func (f *Factory) Get(name string) (core.Adapter, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	a, ok := f.adapters[name]
	if !ok {
		return nil, core.NewErrorf(core.ErrAdapterNotFound, "adapter %q is not registered", name)
	}
	return a, nil
}

// Names lists the registered adapters.
func (f *Factory) Names() []string {
	f.mu.RLock()
	defer f.mu.RUnlock()
	out := make([]string, 0, len(f.adapters))
	for name := range f.adapters {
		out = append(out, name)
	}
	return out
}
