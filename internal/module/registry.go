package module

import (
	"sort"
	"sync"

	"github.com/dop251/goja"
)

// ModuleLoader fills module.exports for a native built-in.
type ModuleLoader func(vm *goja.Runtime, module *goja.Object)

// Registry holds the built-in modules a runtime can require by name.
// Built-ins are instantiated once per runtime, on first require.
type Registry struct {
	mu      sync.RWMutex
	native  map[string]ModuleLoader
	sources map[string]string
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		native:  make(map[string]ModuleLoader),
		sources: make(map[string]string),
	}
}

// RegisterNativeModule registers a built-in implemented in Go.
func (r *Registry) RegisterNativeModule(name string, loader ModuleLoader) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sources, name)
	r.native[name] = loader
}

// RegisterSource registers a built-in implemented as CommonJS source.
func (r *Registry) RegisterSource(name, src string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.native, name)
	r.sources[name] = src
}

// IsBuiltin reports whether name is a registered built-in.
func (r *Registry) IsBuiltin(name string) bool {
	if r == nil {
		return false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, native := r.native[name]
	_, source := r.sources[name]
	return native || source
}

// Names lists the registered built-ins.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.native)+len(r.sources))
	for name := range r.native {
		names = append(names, name)
	}
	for name := range r.sources {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (r *Registry) lookup(name string) (ModuleLoader, string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if loader, ok := r.native[name]; ok {
		return loader, "", true
	}
	src, ok := r.sources[name]
	return nil, src, ok
}
