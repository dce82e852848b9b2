package module

import (
	"bytes"
	"errors"
	"path/filepath"
	"sort"

	"github.com/dop251/goja"
	"github.com/zot/jsbridge/internal/config"
	"github.com/zot/jsbridge/internal/fsys"
)

const (
	wrapperHead = "(function (exports, require, module, __filename, __dirname) {"
	wrapperTail = "\n})"
)

var utf8BOM = []byte{0xEF, 0xBB, 0xBF}

// Extension evaluates the source of m and sets its exports.
type Extension func(m *Module, source []byte) error

// Options configures a Loader.
type Options struct {
	Config   *config.Config
	FS       fsys.FileSystem
	Registry *Registry

	// EvictOnError drops a module from the cache when its evaluation fails, so the
	// next require evaluates it again. Otherwise the half-loaded module stays cached.
	EvictOnError bool
	// LuaModules enables the .lua extension.
	LuaModules bool
	// OnLoad is called after a file module finishes loading.
	OnLoad func(m *Module)
}

// Loader loads modules into one goja runtime. It must only be used from the goroutine
// that owns the runtime.
type Loader struct {
	vm       *goja.Runtime
	cfg      *config.Config
	fs       fsys.FileSystem
	registry *Registry
	resolver *Resolver
	cache    *Cache

	evictOnError bool
	onLoad       func(m *Module)

	builtins   map[string]goja.Value
	extensions map[string]Extension
	extFuncs   map[string]goja.Value
	byObject   map[*goja.Object]*Module

	cacheObj *goja.Object
	extObj   *goja.Object
	parse    goja.Callable

	root     *Module
	main     *Module
	mainPath string
}

// NewLoader creates a loader for vm.
func NewLoader(vm *goja.Runtime, opts Options) *Loader {
	if opts.FS == nil {
		opts.FS = fsys.NewOS(nil)
	}
	if opts.Registry == nil {
		opts.Registry = NewRegistry()
	}
	l := &Loader{
		vm:           vm,
		cfg:          opts.Config,
		fs:           opts.FS,
		registry:     opts.Registry,
		cache:        NewCache(),
		evictOnError: opts.EvictOnError,
		onLoad:       opts.OnLoad,
		builtins:     make(map[string]goja.Value),
		extensions:   make(map[string]Extension),
		extFuncs:     make(map[string]goja.Value),
		byObject:     make(map[*goja.Object]*Module),
	}
	l.resolver = &Resolver{FS: opts.FS, Builtins: opts.Registry, Config: opts.Config}
	l.cache.OnEvict = l.evicted

	l.extensions[".js"] = l.evalJS
	l.extensions[".json"] = l.evalJSON
	if opts.LuaModules {
		l.extensions[".lua"] = l.evalLua
	}

	l.cacheObj = vm.NewDynamicObject(&cacheView{loader: l})
	l.extObj = vm.NewDynamicObject(&extensionsView{loader: l})
	if parse, ok := goja.AssertFunction(vm.Get("JSON").ToObject(vm).Get("parse")); ok {
		l.parse = parse
	}
	return l
}

// Cache returns the loader's module cache.
func (l *Loader) Cache() *Cache {
	return l.cache
}

// Resolver returns the loader's resolver.
func (l *Loader) Resolver() *Resolver {
	return l.resolver
}

// Registry returns the built-in registry.
func (l *Loader) Registry() *Registry {
	return l.registry
}

// Root returns the implicit root module, or nil before NewRoot.
func (l *Loader) Root() *Module {
	return l.root
}

// Main returns the module started by LoadMain.
func (l *Loader) Main() *Module {
	return l.main
}

// RegisterExtension installs a handler for files ending in ext.
func (l *Loader) RegisterExtension(ext string, handler Extension) {
	l.extensions[ext] = handler
	delete(l.extFuncs, ext)
}

// NewRoot creates the implicit root module whose require is the global require.
func (l *Loader) NewRoot(dir string, paths []string) *Module {
	m := &Module{
		Filename: filepath.Join(dir, RootName),
		dir:      dir,
		loaded:   true,
		exports:  l.vm.NewObject(),
	}
	for _, p := range paths {
		m.AddPath(p)
	}
	l.bind(m)
	l.root = m
	return m
}

// Resolve resolves spec as requested from m without raising.
func (l *Loader) Resolve(spec string, from *Module) (string, bool) {
	return l.resolver.Resolve(spec, from.dir, from.paths)
}

// Require resolves spec from the module from and returns its exports.
func (l *Loader) Require(spec string, from *Module) (goja.Value, error) {
	path, ok := l.Resolve(spec, from)
	if !ok {
		return nil, &NotFoundError{Specifier: spec, From: from.dir}
	}
	return l.Load(path, from)
}

// LoadMain loads path as the main module, making it require.main.
func (l *Loader) LoadMain(path string) (goja.Value, error) {
	l.mainPath = path
	defer func() { l.mainPath = "" }()
	return l.Load(path, l.root)
}

// Load returns the exports of the module at the resolved path, loading it on a cache
// miss. The module is cached before it is evaluated, so a circular require sees its
// partial exports.
func (l *Loader) Load(path string, parent *Module) (goja.Value, error) {
	if l.registry.IsBuiltin(path) {
		return l.builtin(path)
	}
	if m, ok := l.cache.Get(path); ok {
		return m.exports, nil
	}

	m := &Module{
		Filename: path,
		dir:      filepath.Dir(path),
		exports:  l.vm.NewObject(),
		parent:   parent,
		paths:    inheritPaths(parent, filepath.Dir(path)),
	}
	l.bind(m)
	if path == l.mainPath {
		l.main = m
	}
	l.cache.Put(path, m)
	l.cfg.Log(2, "module: loading %s", path)

	source, err := l.fs.ReadFile(path)
	if err != nil {
		l.cache.Invalidate(path)
		return nil, &LoadIOError{Path: path, Err: err}
	}
	if err := l.evaluate(m, bytes.TrimPrefix(source, utf8BOM)); err != nil {
		var parseErr *JSONParseError
		if l.evictOnError || errors.As(err, &parseErr) {
			l.cache.Invalidate(path)
		}
		l.cfg.Log(1, "module: %v", err)
		return nil, err
	}

	m.loaded = true
	if cached, ok := l.cache.Get(path); l.onLoad != nil && ok && cached == m {
		l.onLoad(m)
	}
	return m.exports, nil
}

// evaluate runs the extension handler for m's file type. Unknown types load as JavaScript.
func (l *Loader) evaluate(m *Module, source []byte) error {
	if handler, ok := l.extensions[filepath.Ext(m.Filename)]; ok {
		return handler(m, source)
	}
	if handler, ok := l.extensions[".js"]; ok {
		return handler(m, source)
	}
	return l.evalJS(m, source)
}

func (l *Loader) compile(m *Module, source []byte) (goja.Callable, error) {
	prg, err := goja.Compile(m.Filename, wrapperHead+string(source)+wrapperTail, false)
	if err != nil {
		return nil, &EvaluationError{Path: m.Filename, Err: err}
	}
	fn, err := l.vm.RunProgram(prg)
	if err != nil {
		return nil, &EvaluationError{Path: m.Filename, Err: err}
	}
	call, ok := goja.AssertFunction(fn)
	if !ok {
		return nil, &EvaluationError{Path: m.Filename, Err: errors.New("module wrapper is not a function")}
	}
	return call, nil
}

// evalJS runs CommonJS source inside the module wrapper with this bound to exports.
func (l *Loader) evalJS(m *Module, source []byte) error {
	call, err := l.compile(m, source)
	if err != nil {
		return err
	}
	vm := l.vm
	exports := m.exports
	if _, err := call(exports, exports, m.require, m.obj, vm.ToValue(m.Filename), vm.ToValue(m.dir)); err != nil {
		return &EvaluationError{Path: m.Filename, Err: err}
	}
	return nil
}

// evalJSON parses the file and makes the result the module's exports.
func (l *Loader) evalJSON(m *Module, source []byte) error {
	if l.parse == nil {
		return &JSONParseError{Path: m.Filename, Err: errors.New("JSON.parse is unavailable")}
	}
	v, err := l.parse(goja.Undefined(), l.vm.ToValue(string(source)))
	if err != nil {
		return &JSONParseError{Path: m.Filename, Err: err}
	}
	m.exports = v
	return nil
}

// builtin returns the runtime's instance of a built-in, creating it on first use.
func (l *Loader) builtin(name string) (goja.Value, error) {
	if v, ok := l.builtins[name]; ok {
		return v, nil
	}
	native, src, ok := l.registry.lookup(name)
	if !ok {
		return nil, &NotFoundError{Specifier: name}
	}

	dir := ""
	var paths []string
	if l.root != nil {
		dir = l.root.dir
		paths = l.root.paths
	}
	m := &Module{
		Filename: name,
		dir:      dir,
		exports:  l.vm.NewObject(),
		paths:    paths,
		parent:   l.root,
	}
	l.bind(m)
	l.builtins[name] = m.exports

	if native != nil {
		native(l.vm, m.obj)
	} else if err := l.evalJS(m, []byte(src)); err != nil {
		delete(l.builtins, name)
		return nil, err
	}
	m.loaded = true
	l.builtins[name] = m.exports
	l.cfg.Log(2, "module: instantiated built-in %s", name)
	return m.exports, nil
}

// evicted releases the bookkeeping for a module that left the cache. Scripts holding
// the module keep using it; it just cannot be put back into require.cache.
func (l *Loader) evicted(path string, m *Module) {
	l.cfg.Log(2, "module: evicted %s", path)
	if !l.cache.Contains(m) {
		delete(l.byObject, m.obj)
		if m.lua != nil {
			m.lua.Close()
			m.lua = nil
		}
	}
}

// Throwable converts a loader error into the value a native function should panic
// with. Errors thrown by the required script itself are rethrown unchanged.
func (l *Loader) Throwable(err error) any {
	switch err.(type) {
	case *NotFoundError, *LoadIOError, *JSONParseError:
		return l.goError(err)
	}
	var ex *goja.Exception
	if errors.As(err, &ex) {
		return ex
	}
	var interrupted *goja.InterruptedError
	if errors.As(err, &interrupted) {
		return interrupted
	}
	var syntax *goja.CompilerSyntaxError
	if errors.As(err, &syntax) {
		if ctor, ok := goja.AssertConstructor(l.vm.Get("SyntaxError")); ok {
			if obj, cerr := ctor(nil, l.vm.ToValue(syntax.Error())); cerr == nil {
				obj.Set("code", ErrorCode(err))
				return obj
			}
		}
	}
	return l.goError(err)
}

func (l *Loader) goError(err error) *goja.Object {
	obj := l.vm.NewGoError(err)
	obj.Set("code", ErrorCode(err))
	return obj
}

// newRequire builds the require function bound to m.
func (l *Loader) newRequire(m *Module) *goja.Object {
	vm := l.vm
	req := vm.ToValue(func(call goja.FunctionCall) goja.Value {
		spec := call.Argument(0)
		if _, ok := spec.Export().(string); !ok {
			panic(vm.NewTypeError("The \"id\" argument must be of type string"))
		}
		v, err := l.Require(spec.String(), m)
		if err != nil {
			panic(l.Throwable(err))
		}
		return v
	}).ToObject(vm)

	req.Set("resolve", func(call goja.FunctionCall) goja.Value {
		spec, ok := call.Argument(0).Export().(string)
		if !ok {
			return goja.Undefined()
		}
		path, ok := l.Resolve(spec, m)
		if !ok {
			return goja.Undefined()
		}
		return vm.ToValue(path)
	})
	req.DefineDataProperty("cache", l.cacheObj, goja.FLAG_FALSE, goja.FLAG_FALSE, goja.FLAG_TRUE)
	req.DefineDataProperty("extensions", l.extObj, goja.FLAG_FALSE, goja.FLAG_FALSE, goja.FLAG_TRUE)
	req.DefineAccessorProperty("main", vm.ToValue(func(goja.FunctionCall) goja.Value {
		if l.main == nil {
			return goja.Undefined()
		}
		return l.main.obj
	}), nil, goja.FLAG_FALSE, goja.FLAG_TRUE)
	return req
}

// extensionsView is the script-visible require.extensions.
// Scripts may install function (module, filename) handlers.
type extensionsView struct {
	loader *Loader
}

func (v *extensionsView) Get(key string) goja.Value {
	l := v.loader
	if fn, ok := l.extFuncs[key]; ok {
		return fn
	}
	handler, ok := l.extensions[key]
	if !ok {
		return nil
	}
	vm := l.vm
	fn := vm.ToValue(func(call goja.FunctionCall) goja.Value {
		obj, _ := call.Argument(0).(*goja.Object)
		m, ok := l.byObject[obj]
		if !ok {
			panic(vm.NewTypeError("extension handler requires a module object"))
		}
		filename := call.Argument(1).String()
		source, err := l.fs.ReadFile(filename)
		if err != nil {
			panic(l.Throwable(&LoadIOError{Path: filename, Err: err}))
		}
		if err := handler(m, bytes.TrimPrefix(source, utf8BOM)); err != nil {
			panic(l.Throwable(err))
		}
		return goja.Undefined()
	})
	l.extFuncs[key] = fn
	return fn
}

func (v *extensionsView) Set(key string, val goja.Value) bool {
	l := v.loader
	fn, ok := goja.AssertFunction(val)
	if !ok {
		return false
	}
	l.extensions[key] = func(m *Module, _ []byte) error {
		if _, err := fn(goja.Undefined(), m.obj, l.vm.ToValue(m.Filename)); err != nil {
			return &EvaluationError{Path: m.Filename, Err: err}
		}
		return nil
	}
	l.extFuncs[key] = val
	return true
}

func (v *extensionsView) Has(key string) bool {
	_, ok := v.loader.extensions[key]
	return ok
}

func (v *extensionsView) Delete(key string) bool {
	delete(v.loader.extensions, key)
	delete(v.loader.extFuncs, key)
	return true
}

func (v *extensionsView) Keys() []string {
	keys := make([]string, 0, len(v.loader.extensions))
	for key := range v.loader.extensions {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}
