package builtin

import (
	"time"

	"github.com/dop251/goja"
)

// DispatchModuleName is the name of the dispatch built-in.
const DispatchModuleName = "dispatch"

// Queue names scripts pass to dispatch.async and dispatch.after.
const (
	MainQueue = "main"
	IOQueue   = "io"
)

// RequireDispatch returns the loader of the dispatch built-in. Script functions always
// run on the loop goroutine; work sent to the io queue is first handed to a worker
// goroutine, so it never runs before the current script returns.
func RequireDispatch(loop Loop) func(vm *goja.Runtime, mod *goja.Object) {
	return func(vm *goja.Runtime, mod *goja.Object) {
		o := exportsOf(mod)
		queues := map[*goja.Object]string{}
		for prop, name := range map[string]string{"mainQueue": MainQueue, "ioQueue": IOQueue} {
			q := vm.NewObject()
			q.Set("name", name)
			queues[q] = name
			o.Set(prop, q)
		}

		queueOf := func(v goja.Value) string {
			if obj, ok := v.(*goja.Object); ok {
				if name, ok := queues[obj]; ok {
					return name
				}
			}
			panic(vm.NewTypeError("The \"queue\" argument must be dispatch.mainQueue or dispatch.ioQueue"))
		}
		fnOf := func(v goja.Value) goja.Callable {
			fn, ok := goja.AssertFunction(v)
			if !ok {
				panic(vm.NewTypeError("The \"block\" argument must be of type function"))
			}
			return fn
		}
		run := func(fn goja.Callable) func(*goja.Runtime) {
			return func(*goja.Runtime) {
				if _, err := fn(goja.Undefined()); err != nil {
					panic(err)
				}
			}
		}

		o.Set("async", func(call goja.FunctionCall) goja.Value {
			queue, fn := queueOf(call.Argument(0)), fnOf(call.Argument(1))
			if queue == MainQueue {
				loop.RunOnLoop(run(fn))
			} else {
				loop.RunAsync(func() func(*goja.Runtime) { return run(fn) })
			}
			return goja.Undefined()
		})
		o.Set("after", func(call goja.FunctionCall) goja.Value {
			delay := time.Duration(call.Argument(0).ToFloat() * float64(time.Millisecond))
			queueOf(call.Argument(1))
			fn := fnOf(call.Argument(2))
			loop.RunAsync(func() func(*goja.Runtime) {
				if delay > 0 {
					time.Sleep(delay)
				}
				return run(fn)
			})
			return goja.Undefined()
		})
	}
}
