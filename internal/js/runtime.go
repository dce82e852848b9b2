// Package js hosts a goja runtime with CommonJS modules, event emitters and the
// built-in modules. All script work for a Runtime runs on its executor goroutine.
package js

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	goruntime "runtime"
	"strings"
	"sync"

	"github.com/dop251/goja"
	"github.com/zot/jsbridge/internal/builtin"
	"github.com/zot/jsbridge/internal/config"
	"github.com/zot/jsbridge/internal/events"
	"github.com/zot/jsbridge/internal/fsys"
	"github.com/zot/jsbridge/internal/module"
)

// ErrClosed is returned for work submitted after Close.
var ErrClosed = errors.New("runtime closed")

// ModuleDidChange is posted to the event center when the hot loader drops a module.
const ModuleDidChange = "ModuleDidChange"

// WorkItem is a function queued on the executor.
type WorkItem struct {
	fn     func() (any, error)
	result chan WorkResult
}

// WorkResult is the outcome of a WorkItem.
type WorkResult struct {
	Value any
	Err   error
}

// ModuleInfo describes a cached module.
type ModuleInfo struct {
	Filename string `json:"filename"`
	Loaded   bool   `json:"loaded"`
	Parent   string `json:"parent,omitempty"`
}

// Runtime is one script context: a goja VM, its module cache and its event center.
type Runtime struct {
	cfg      *config.Config
	fs       fsys.FileSystem
	registry *module.Registry
	center   *events.EventCenter
	console  builtin.Output
	extra    []func(*module.Registry) // host built-ins, registered after the defaults

	vm        *goja.Runtime
	loader    *module.Loader
	stringify goja.Callable

	executorChan chan WorkItem
	done         chan struct{}
	closeOnce    sync.Once

	// loop callbacks queued by scripts, run in order on the executor
	loopMu    sync.Mutex
	loopQueue []func(*goja.Runtime)
	wake      chan struct{}

	pendingMu sync.Mutex
	pending   int
	waiters   []chan struct{}

	hot    *HotLoader
	timers *builtin.Timers
}

// Option configures a Runtime.
type Option func(*Runtime)

// WithFileSystem sets the filesystem scripts and the module loader use.
func WithFileSystem(f fsys.FileSystem) Option {
	return func(r *Runtime) { r.fs = f }
}

// WithBuiltin registers a native built-in module, replacing a default of the same name.
func WithBuiltin(name string, loader module.ModuleLoader) Option {
	return func(r *Runtime) {
		r.extra = append(r.extra, func(reg *module.Registry) { reg.RegisterNativeModule(name, loader) })
	}
}

// WithSource registers a built-in module implemented as CommonJS source.
func WithSource(name, src string) Option {
	return func(r *Runtime) {
		r.extra = append(r.extra, func(reg *module.Registry) { reg.RegisterSource(name, src) })
	}
}

// WithConsole sends console output to out instead of the logger.
func WithConsole(out builtin.Output) Option {
	return func(r *Runtime) { r.console = out }
}

// WithEventCenter shares center with the host instead of creating one.
func WithEventCenter(center *events.EventCenter) Option {
	return func(r *Runtime) { r.center = center }
}

// New creates a runtime for cfg and starts its executor. A nil cfg uses the defaults.
func New(cfg *config.Config, opts ...Option) (*Runtime, error) {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	r := &Runtime{
		cfg:          cfg,
		registry:     module.NewRegistry(),
		executorChan: make(chan WorkItem),
		done:         make(chan struct{}),
		wake:         make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.fs == nil {
		r.fs = fsys.FromConfig(cfg)
	}
	if r.center == nil {
		r.center = events.NewEventCenter()
	}
	if r.console == nil {
		r.console = builtin.LogOutput(cfg)
	}

	r.startExecutor()
	if _, err := r.execute(func() (any, error) { return nil, r.setup() }); err != nil {
		r.Close()
		return nil, err
	}

	if cfg.Watch.Enabled {
		hot, err := NewHotLoader(cfg, r)
		if err != nil {
			r.Close()
			return nil, err
		}
		r.hot = hot
		hot.Start()
	}
	return r, nil
}

// setup builds the VM and its globals. It runs on the executor.
func (r *Runtime) setup() error {
	cfg := r.cfg
	vm := goja.New()
	r.vm = vm

	builtin.Register(r.registry, builtin.Host{Config: cfg, FS: r.fs, Loop: r, Console: r.console})
	events.Register(r.registry, events.Options{
		Center:       r.center,
		MaxListeners: cfg.Context.MaxListeners,
		Warnf:        cfg.Logger().Warnf,
	})
	for _, register := range r.extra {
		register(r.registry)
	}

	r.loader = module.NewLoader(vm, module.Options{
		Config:       cfg,
		FS:           r.fs,
		Registry:     r.registry,
		EvictOnError: cfg.Context.EvictOnError,
		LuaModules:   cfg.Context.LuaModules,
		OnLoad:       r.moduleLoaded,
	})
	cache := r.loader.Cache()
	evicted := cache.OnEvict
	cache.OnEvict = func(path string, m *module.Module) {
		evicted(path, m)
		r.moduleEvicted(path)
	}

	dir, err := filepath.Abs(cfg.Context.Dir)
	if err != nil {
		return err
	}
	var paths []string
	for _, p := range cfg.SearchPaths() {
		if !filepath.IsAbs(p) {
			p = filepath.Join(dir, p)
		}
		paths = append(paths, p)
	}
	root := r.loader.NewRoot(dir, paths)
	global := vm.GlobalObject()
	global.Set("global", global)
	global.Set("root", global)
	global.Set("require", root.Require())
	global.Set("module", root.Object())
	console := builtin.NewConsole(vm, r.console)
	global.Set("console", console)
	global.Set("application", r.application(console))
	global.Set("system", r.system())
	r.timers = builtin.NewTimers(r)
	r.timers.Install(vm, global)

	ev, err := r.loader.Load(events.ModuleName, root)
	if err != nil {
		return err
	}
	global.Set("events", ev)

	if stringify, ok := goja.AssertFunction(vm.Get("JSON").ToObject(vm).Get("stringify")); ok {
		r.stringify = stringify
	}
	cfg.Log(1, "runtime: ready in %s (paths %v)", dir, paths)
	return nil
}

func (r *Runtime) application(console *goja.Object) *goja.Object {
	vm := r.vm
	app := r.cfg.Application
	locale := os.Getenv("LANG")
	if i := strings.IndexAny(locale, ".@"); i >= 0 {
		locale = locale[:i]
	}
	obj := vm.NewObject()
	obj.Set("name", app.Name)
	obj.Set("version", app.Version)
	obj.Set("build", app.Build)
	obj.Set("identifier", app.Identifier)
	obj.Set("locale", locale)
	if locale != "" {
		obj.Set("preferredLanguages", vm.NewArray(locale))
	} else {
		obj.Set("preferredLanguages", vm.NewArray())
	}
	obj.Set("console", console)
	return obj
}

func (r *Runtime) system() *goja.Object {
	obj := r.vm.NewObject()
	obj.Set("name", goruntime.GOOS)
	obj.Set("version", goruntime.Version())
	obj.Set("model", goruntime.GOARCH)
	return obj
}

func (r *Runtime) startExecutor() {
	go func() {
		for {
			select {
			case <-r.done:
				return
			case work := <-r.executorChan:
				result, err := r.protect(work.fn)
				work.result <- WorkResult{Value: result, Err: err}
			case <-r.wake:
				r.drainLoop()
			}
		}
	}()
}

// protect runs fn, turning a panic into an error.
func (r *Runtime) protect(fn func() (any, error)) (result any, err error) {
	defer func() {
		if p := recover(); p != nil {
			r.cfg.Log(0, "runtime: recovered panic: %v", p)
			err = panicError(p)
		}
	}()
	return fn()
}

func panicError(p any) error {
	switch v := p.(type) {
	case error:
		return v
	case goja.Value:
		return errors.New(v.String())
	default:
		return fmt.Errorf("%v", v)
	}
}

// execute queues fn on the executor and blocks until it completes.
func (r *Runtime) execute(fn func() (any, error)) (any, error) {
	select {
	case <-r.done:
		return nil, ErrClosed
	default:
	}
	result := make(chan WorkResult, 1)
	select {
	case r.executorChan <- WorkItem{fn: fn, result: result}:
	case <-r.done:
		return nil, ErrClosed
	}
	select {
	case res := <-result:
		return res.Value, res.Err
	case <-r.done:
		return nil, ErrClosed
	}
}

// Execute runs fn on the executor with the VM. fn may use goja values freely but must
// not return them.
func (r *Runtime) Execute(fn func(vm *goja.Runtime) (any, error)) (any, error) {
	return r.execute(func() (any, error) { return fn(r.vm) })
}

// RunOnLoop queues fn on the executor without waiting. It is safe to call from the
// executor itself.
func (r *Runtime) RunOnLoop(fn func(*goja.Runtime)) {
	r.addPending()
	r.loopMu.Lock()
	r.loopQueue = append(r.loopQueue, fn)
	r.loopMu.Unlock()
	select {
	case r.wake <- struct{}{}:
	default:
	}
}

// RunAsync runs work on a new goroutine and queues the callback it returns.
func (r *Runtime) RunAsync(work func() func(*goja.Runtime)) {
	r.addPending()
	go func() {
		defer r.donePending()
		if cb := work(); cb != nil {
			r.RunOnLoop(cb)
		}
	}()
}

func (r *Runtime) drainLoop() {
	for {
		r.loopMu.Lock()
		if len(r.loopQueue) == 0 {
			r.loopMu.Unlock()
			return
		}
		fn := r.loopQueue[0]
		r.loopQueue = r.loopQueue[1:]
		r.loopMu.Unlock()

		r.protect(func() (any, error) {
			fn(r.vm)
			return nil, nil
		})
		r.donePending()
	}
}

func (r *Runtime) addPending() {
	r.pendingMu.Lock()
	r.pending++
	r.pendingMu.Unlock()
}

func (r *Runtime) donePending() {
	r.pendingMu.Lock()
	defer r.pendingMu.Unlock()
	r.pending--
	if r.pending == 0 {
		for _, ch := range r.waiters {
			close(ch)
		}
		r.waiters = nil
	}
}

// Wait blocks until no asynchronous script work is pending.
func (r *Runtime) Wait(ctx context.Context) error {
	r.pendingMu.Lock()
	if r.pending == 0 {
		r.pendingMu.Unlock()
		return nil
	}
	ch := make(chan struct{})
	r.waiters = append(r.waiters, ch)
	r.pendingMu.Unlock()

	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-r.done:
		return ErrClosed
	}
}

// Close stops the hot loader and the executor. Pending callbacks are dropped.
func (r *Runtime) Close() error {
	var err error
	r.closeOnce.Do(func() {
		if r.hot != nil {
			err = r.hot.Stop()
		}
		if r.timers != nil {
			r.timers.Close()
		}
		close(r.done)
	})
	return err
}

// Config returns the runtime's configuration.
func (r *Runtime) Config() *config.Config {
	return r.cfg
}

// Center returns the runtime's event center. Posting from Go should go through
// PostNotification so listeners run on the executor.
func (r *Runtime) Center() *events.EventCenter {
	return r.center
}

// Loader returns the module loader. It may only be used on the executor.
func (r *Runtime) Loader() *module.Loader {
	return r.loader
}

// Eval evaluates code in the global scope and returns its result as plain Go data.
func (r *Runtime) Eval(code string) (any, error) {
	return r.execute(func() (any, error) {
		v, err := r.EvalDirect(code)
		if err != nil {
			return nil, err
		}
		return r.Export(v), nil
	})
}

// EvalDirect evaluates code on the calling goroutine, which must be the executor.
func (r *Runtime) EvalDirect(code string) (goja.Value, error) {
	return r.vm.RunScript("<eval>", code)
}

// Require requires spec from the root module and returns its exports as plain Go data.
func (r *Runtime) Require(spec string) (any, error) {
	return r.execute(func() (any, error) {
		v, err := r.RequireDirect(spec)
		if err != nil {
			return nil, err
		}
		return r.Export(v), nil
	})
}

// RequireDirect requires spec from the root module on the executor.
func (r *Runtime) RequireDirect(spec string) (goja.Value, error) {
	return r.loader.Require(spec, r.loader.Root())
}

// Resolve resolves spec from the root module.
func (r *Runtime) Resolve(spec string) (string, bool) {
	var path string
	var ok bool
	r.execute(func() (any, error) {
		path, ok = r.loader.Resolve(spec, r.loader.Root())
		return nil, nil
	})
	return path, ok
}

// RunMain loads spec as the main module, making it require.main.
func (r *Runtime) RunMain(spec string) (any, error) {
	return r.execute(func() (any, error) {
		if !module.IsRelative(spec) && !filepath.IsAbs(spec) {
			spec = "./" + filepath.ToSlash(spec)
		}
		path, ok := r.loader.Resolve(spec, r.loader.Root())
		if !ok {
			return nil, &module.NotFoundError{Specifier: spec, From: r.loader.Root().Dirname()}
		}
		v, err := r.loader.LoadMain(path)
		if err != nil {
			return nil, err
		}
		return r.Export(v), nil
	})
}

// Invalidate drops the cached module for path. It reports whether one was cached.
func (r *Runtime) Invalidate(path string) bool {
	v, _ := r.execute(func() (any, error) {
		return r.loader.Cache().Invalidate(path), nil
	})
	ok, _ := v.(bool)
	return ok
}

// ClearCache drops every cached module.
func (r *Runtime) ClearCache() {
	r.execute(func() (any, error) {
		r.loader.Cache().Clear()
		return nil, nil
	})
}

// Modules lists the cached modules in path order.
func (r *Runtime) Modules() []ModuleInfo {
	v, _ := r.execute(func() (any, error) {
		cache := r.loader.Cache()
		var infos []ModuleInfo
		for _, path := range cache.Keys() {
			m, _ := cache.Get(path)
			info := ModuleInfo{Filename: path, Loaded: m.Loaded()}
			if p := m.Parent(); p != nil {
				info.Parent = p.Filename
			}
			infos = append(infos, info)
		}
		return infos, nil
	})
	infos, _ := v.([]ModuleInfo)
	return infos
}

// PostNotification posts name to the event center on the executor.
func (r *Runtime) PostNotification(name string, object any, userInfo map[string]any) (bool, error) {
	v, err := r.execute(func() (any, error) {
		return r.center.Post(name, object, userInfo)
	})
	ok, _ := v.(bool)
	return ok, err
}

// Export converts v to JSON-compatible Go data. Functions and other values JSON cannot
// represent become their string form. It must run on the executor.
func (r *Runtime) Export(v goja.Value) any {
	if v == nil || goja.IsUndefined(v) || goja.IsNull(v) {
		return nil
	}
	if _, isFn := goja.AssertFunction(v); isFn || r.stringify == nil {
		return v.String()
	}
	s, err := r.stringify(goja.Undefined(), v)
	if err != nil || s == nil || goja.IsUndefined(s) {
		return v.String()
	}
	var out any
	if err := json.Unmarshal([]byte(s.String()), &out); err != nil {
		return v.String()
	}
	return out
}

func (r *Runtime) moduleLoaded(m *module.Module) {
	if r.hot != nil {
		r.hot.Track(m.Filename)
	}
}

func (r *Runtime) moduleEvicted(path string) {
	if r.hot != nil {
		r.hot.Untrack(path)
	}
}
