// Package builtin provides the native modules every runtime can require by name:
// util, console, fs and dispatch, plus the timer globals.
package builtin

import (
	"github.com/dop251/goja"
	"github.com/zot/jsbridge/internal/config"
	"github.com/zot/jsbridge/internal/fsys"
	"github.com/zot/jsbridge/internal/module"
)

// Loop schedules script work on the goroutine that owns a runtime.
type Loop interface {
	// RunOnLoop queues fn to run on the runtime's goroutine.
	RunOnLoop(fn func(vm *goja.Runtime))
	// RunAsync runs work on its own goroutine and queues the callback it returns.
	// A nil callback is skipped.
	RunAsync(work func() func(vm *goja.Runtime))
}

// Host is what the built-ins need from the runtime that registers them.
type Host struct {
	Config  *config.Config
	FS      fsys.FileSystem
	Loop    Loop
	Console Output
}

// Register installs util, console, fs and dispatch in reg.
func Register(reg *module.Registry, host Host) {
	if host.FS == nil {
		host.FS = fsys.NewOS(nil)
	}
	if host.Console == nil {
		host.Console = LogOutput(host.Config)
	}
	reg.RegisterNativeModule(UtilModuleName, RequireUtil)
	reg.RegisterNativeModule(ConsoleModuleName, RequireConsole(host.Console))
	reg.RegisterNativeModule(FSModuleName, RequireFS(host.FS, host.Loop))
	if host.Loop != nil {
		reg.RegisterNativeModule(DispatchModuleName, RequireDispatch(host.Loop))
	}
}

func exportsOf(mod *goja.Object) *goja.Object {
	return mod.Get("exports").(*goja.Object)
}

// callback returns the function argument at i, or nil when the argument is absent.
func callback(vm *goja.Runtime, call goja.FunctionCall, i int) goja.Callable {
	arg := call.Argument(i)
	if goja.IsUndefined(arg) || goja.IsNull(arg) {
		return nil
	}
	fn, ok := goja.AssertFunction(arg)
	if !ok {
		panic(vm.NewTypeError("The \"callback\" argument must be of type function"))
	}
	return fn
}
