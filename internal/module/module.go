// Package module implements CommonJS modules for a goja runtime: specifier resolution,
// a per-runtime module cache, loading by file extension, and the require function.
package module

import (
	"path/filepath"
	"slices"

	"github.com/dop251/goja"
	lua "github.com/yuin/gopher-lua"
)

// RootName is the file name given to the implicit root module.
const RootName = "[root]"

// Module is one loaded script unit.
type Module struct {
	// Filename is the absolute path the module was loaded from. Built-ins use their name.
	Filename string

	dir     string
	loaded  bool
	exports goja.Value
	paths   []string
	parent  *Module

	obj     *goja.Object
	require *goja.Object

	// lua holds the state behind functions exported by a .lua module.
	lua *lua.LState
}

// Dirname is the directory relative specifiers are resolved against.
func (m *Module) Dirname() string {
	return m.dir
}

// Loaded reports whether evaluation finished successfully.
func (m *Module) Loaded() bool {
	return m.loaded
}

// Exports returns the current value of module.exports.
func (m *Module) Exports() goja.Value {
	return m.exports
}

// SetExports replaces module.exports.
func (m *Module) SetExports(v goja.Value) {
	m.exports = v
}

// Paths returns a copy of the module's search paths.
func (m *Module) Paths() []string {
	return slices.Clone(m.paths)
}

// AddPath appends dir to the module's search paths unless it is already present.
func (m *Module) AddPath(dir string) {
	if dir != "" && !slices.Contains(m.paths, dir) {
		m.paths = append(m.paths, dir)
	}
}

// Parent returns the module that first required this one.
func (m *Module) Parent() *Module {
	return m.parent
}

// Object returns the script-visible module object.
func (m *Module) Object() *goja.Object {
	return m.obj
}

// Require returns the module's require function.
func (m *Module) Require() *goja.Object {
	return m.require
}

// inheritPaths returns parent's paths followed by dir, without duplicates.
func inheritPaths(parent *Module, dir string) []string {
	var paths []string
	if parent != nil {
		paths = slices.Clone(parent.paths)
	}
	if !slices.Contains(paths, dir) {
		paths = append(paths, dir)
	}
	return paths
}

// bind creates the script-visible module object and require function for m.
func (l *Loader) bind(m *Module) {
	vm := l.vm
	obj := vm.NewObject()
	filename := vm.ToValue(m.Filename)
	obj.DefineDataProperty("id", filename, goja.FLAG_FALSE, goja.FLAG_FALSE, goja.FLAG_TRUE)
	obj.DefineDataProperty("filename", filename, goja.FLAG_FALSE, goja.FLAG_FALSE, goja.FLAG_TRUE)
	obj.DefineAccessorProperty("loaded", vm.ToValue(func(goja.FunctionCall) goja.Value {
		return vm.ToValue(m.loaded)
	}), nil, goja.FLAG_FALSE, goja.FLAG_TRUE)
	obj.DefineAccessorProperty("exports", vm.ToValue(func(goja.FunctionCall) goja.Value {
		return m.exports
	}), vm.ToValue(func(call goja.FunctionCall) goja.Value {
		m.exports = call.Argument(0)
		return goja.Undefined()
	}), goja.FLAG_FALSE, goja.FLAG_TRUE)
	obj.DefineAccessorProperty("parent", vm.ToValue(func(goja.FunctionCall) goja.Value {
		if m.parent == nil {
			return goja.Null()
		}
		return m.parent.obj
	}), nil, goja.FLAG_FALSE, goja.FLAG_FALSE)
	obj.DefineDataProperty("paths", vm.NewDynamicArray(&pathsArray{vm: vm, m: m}), goja.FLAG_FALSE, goja.FLAG_FALSE, goja.FLAG_TRUE)

	m.obj = obj
	m.require = l.newRequire(m)
	obj.DefineDataProperty("require", m.require, goja.FLAG_FALSE, goja.FLAG_FALSE, goja.FLAG_TRUE)
	obj.Set("clearRequireCache", func(goja.FunctionCall) goja.Value {
		l.cache.Clear()
		return goja.Undefined()
	})
	l.byObject[obj] = m
}

// pathsArray exposes Module.paths as a live script array.
type pathsArray struct {
	vm *goja.Runtime
	m  *Module
}

func (a *pathsArray) Len() int {
	return len(a.m.paths)
}

func (a *pathsArray) Get(idx int) goja.Value {
	if idx < 0 || idx >= len(a.m.paths) {
		return nil
	}
	return a.vm.ToValue(a.m.paths[idx])
}

func (a *pathsArray) Set(idx int, val goja.Value) bool {
	if idx < 0 || idx > len(a.m.paths) {
		return false
	}
	dir := filepath.Clean(val.String())
	if idx == len(a.m.paths) {
		a.m.paths = append(a.m.paths, dir)
	} else {
		a.m.paths[idx] = dir
	}
	return true
}

func (a *pathsArray) SetLen(n int) bool {
	if n < 0 {
		return false
	}
	if n <= len(a.m.paths) {
		a.m.paths = a.m.paths[:n]
		return true
	}
	for len(a.m.paths) < n {
		a.m.paths = append(a.m.paths, "")
	}
	return true
}
