package module

import (
	"sort"

	"github.com/dop251/goja"
)

// Cache maps resolved absolute paths to loaded modules. It holds at most one module
// per path and belongs to a single runtime.
type Cache struct {
	modules map[string]*Module

	// OnEvict is called for every module removed or replaced.
	OnEvict func(path string, m *Module)
}

// NewCache returns an empty cache.
func NewCache() *Cache {
	return &Cache{modules: make(map[string]*Module)}
}

// Get returns the module cached for path.
func (c *Cache) Get(path string) (*Module, bool) {
	m, ok := c.modules[path]
	return m, ok
}

// Put caches m under path, replacing any previous entry.
func (c *Cache) Put(path string, m *Module) {
	old, ok := c.modules[path]
	c.modules[path] = m
	if ok && old != m {
		c.evicted(path, old)
	}
}

// Invalidate removes the entry for path. It reports whether there was one.
// The next require of the path loads and evaluates the file again.
func (c *Cache) Invalidate(path string) bool {
	m, ok := c.modules[path]
	if !ok {
		return false
	}
	delete(c.modules, path)
	c.evicted(path, m)
	return true
}

// Clear removes every entry.
func (c *Cache) Clear() {
	old := c.modules
	c.modules = make(map[string]*Module)
	for _, path := range sortedKeys(old) {
		c.evicted(path, old[path])
	}
}

func (c *Cache) evicted(path string, m *Module) {
	if c.OnEvict != nil {
		c.OnEvict(path, m)
	}
}

// Contains reports whether m is cached under any path.
func (c *Cache) Contains(m *Module) bool {
	for _, cached := range c.modules {
		if cached == m {
			return true
		}
	}
	return false
}

// Keys returns the cached paths in sorted order.
func (c *Cache) Keys() []string {
	return sortedKeys(c.modules)
}

func sortedKeys(modules map[string]*Module) []string {
	keys := make([]string, 0, len(modules))
	for key := range modules {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

// Len returns the number of cached modules.
func (c *Cache) Len() int {
	return len(c.modules)
}

// cacheView is the script-visible require.cache. Deleting a key invalidates the entry.
type cacheView struct {
	loader *Loader
}

func (v *cacheView) Get(key string) goja.Value {
	if m, ok := v.loader.cache.Get(key); ok {
		return m.obj
	}
	return nil
}

// Set accepts only module objects created by this runtime.
func (v *cacheView) Set(key string, val goja.Value) bool {
	obj, ok := val.(*goja.Object)
	if !ok {
		return false
	}
	m, ok := v.loader.byObject[obj]
	if !ok {
		return false
	}
	v.loader.cache.Put(key, m)
	return true
}

func (v *cacheView) Has(key string) bool {
	_, ok := v.loader.cache.Get(key)
	return ok
}

func (v *cacheView) Delete(key string) bool {
	v.loader.cache.Invalidate(key)
	return true
}

func (v *cacheView) Keys() []string {
	return v.loader.cache.Keys()
}
