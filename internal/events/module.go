package events

import (
	"github.com/dop251/goja"
	"github.com/zot/jsbridge/internal/module"
)

// ModuleName is the name scripts require the events built-in by.
const ModuleName = "events"

// Options configures the events built-in of one runtime.
type Options struct {
	// Center backs events.EventCenter. A new center is created when nil.
	Center *EventCenter
	// MaxListeners is the threshold given to emitters created by scripts.
	MaxListeners int
	// Warnf receives listener leak warnings.
	Warnf func(format string, args ...any)
}

// Register installs the events built-in in reg.
func Register(reg *module.Registry, opts Options) {
	reg.RegisterNativeModule(ModuleName, func(vm *goja.Runtime, mod *goja.Object) {
		b := newBinding(vm, opts)
		exports := mod.Get("exports").(*goja.Object)
		exports.Set("EventEmitter", b.constructor())
		exports.Set("EventCenter", b.center())
	})
}

const constructorSource = `(function (attach) {
	function EventEmitter() { attach(this); }
	return EventEmitter;
})`

// binding connects script objects to Go emitters for one runtime.
type binding struct {
	vm   *goja.Runtime
	opts Options
	key  *goja.Symbol

	// wrappers maps script functions handed out for Go listeners back to them,
	// so a once wrapper obtained from listeners() can be removed.
	wrappers  map[*goja.Object]Listener
	functions map[Listener]*goja.Object
}

func newBinding(vm *goja.Runtime, opts Options) *binding {
	if opts.Center == nil {
		opts.Center = NewEventCenter()
	}
	return &binding{
		vm:        vm,
		opts:      opts,
		key:       goja.NewSymbol("EventEmitter"),
		wrappers:  make(map[*goja.Object]Listener),
		functions: make(map[Listener]*goja.Object),
	}
}

// jsListener calls a script function with this bound to the emitter it was added to.
type jsListener struct {
	b    *binding
	obj  *goja.Object
	fn   goja.Callable
	this goja.Value
}

func (j *jsListener) Call(args ...any) error {
	_, err := j.fn(j.this, j.b.values(args)...)
	return err
}

// Same compares function identity, ignoring the receiver.
func (j *jsListener) Same(other Listener) bool {
	o, ok := other.(*jsListener)
	return ok && o.obj == j.obj
}

func (b *binding) values(args []any) []goja.Value {
	vals := make([]goja.Value, len(args))
	for i, arg := range args {
		vals[i] = b.toValue(arg)
	}
	return vals
}

func (b *binding) toValue(arg any) goja.Value {
	switch v := arg.(type) {
	case goja.Value:
		return v
	case Listener:
		return b.function(v)
	default:
		return b.vm.ToValue(v)
	}
}

// function returns the script function for l.
func (b *binding) function(l Listener) goja.Value {
	if j, ok := l.(*jsListener); ok {
		return j.obj
	}
	if obj, ok := b.functions[l]; ok {
		return obj
	}
	obj := b.vm.ToValue(func(call goja.FunctionCall) goja.Value {
		args := make([]any, len(call.Arguments))
		for i, arg := range call.Arguments {
			args[i] = arg
		}
		if err := l.Call(args...); err != nil {
			panic(b.throwable(err))
		}
		return goja.Undefined()
	}).ToObject(b.vm)
	b.wrappers[obj] = l
	b.functions[l] = obj
	return obj
}

// listener converts a script argument to a Listener, panicking with a TypeError when
// it is not a function.
func (b *binding) listener(v goja.Value, this goja.Value) Listener {
	obj, ok := v.(*goja.Object)
	if ok {
		if l, wrapped := b.wrappers[obj]; wrapped {
			return l
		}
	}
	fn, isFn := goja.AssertFunction(v)
	if !ok || !isFn {
		panic(b.vm.NewTypeError("The \"listener\" argument must be of type function"))
	}
	return &jsListener{b: b, obj: obj, fn: fn, this: this}
}

// throwable rethrows script exceptions unchanged.
func (b *binding) throwable(err error) any {
	if ex, ok := err.(*goja.Exception); ok {
		return ex
	}
	return b.vm.NewGoError(err)
}

// emitter returns the Go emitter behind obj, attaching one when there is none.
func (b *binding) emitter(this goja.Value) *EventEmitter {
	obj := this.ToObject(b.vm)
	if v := obj.GetSymbol(b.key); v != nil {
		if e, ok := v.Export().(*EventEmitter); ok {
			return e
		}
	}
	e := New()
	e.SetMaxListeners(b.opts.MaxListeners)
	e.Warnf = b.opts.Warnf
	obj.DefineDataPropertySymbol(b.key, b.vm.ToValue(e), goja.FLAG_FALSE, goja.FLAG_FALSE, goja.FLAG_FALSE)
	return e
}

func (b *binding) constructor() goja.Value {
	vm := b.vm
	factory, err := vm.RunString(constructorSource)
	if err != nil {
		panic(err)
	}
	build, _ := goja.AssertFunction(factory)
	ctor, err := build(goja.Undefined(), vm.ToValue(func(call goja.FunctionCall) goja.Value {
		b.emitter(call.Argument(0))
		return goja.Undefined()
	}))
	if err != nil {
		panic(err)
	}
	proto := ctor.ToObject(vm).Get("prototype").ToObject(vm)

	add := func(call goja.FunctionCall) goja.Value {
		if err := b.emitter(call.This).Listen(call.Argument(0).String(), b.listener(call.Argument(1), call.This)); err != nil {
			panic(b.throwable(err))
		}
		return call.This
	}
	remove := func(call goja.FunctionCall) goja.Value {
		if err := b.emitter(call.This).Unlisten(call.Argument(0).String(), b.listener(call.Argument(1), call.This)); err != nil {
			panic(b.throwable(err))
		}
		return call.This
	}
	for _, name := range []string{"on", "addListener", "addEventListener"} {
		proto.Set(name, add)
	}
	for _, name := range []string{"off", "removeListener", "removeEventListener"} {
		proto.Set(name, remove)
	}
	proto.Set("once", func(call goja.FunctionCall) goja.Value {
		if err := b.emitter(call.This).ListenOnce(call.Argument(0).String(), b.listener(call.Argument(1), call.This)); err != nil {
			panic(b.throwable(err))
		}
		return call.This
	})
	proto.Set("removeAllListeners", func(call goja.FunctionCall) goja.Value {
		e := b.emitter(call.This)
		if event := call.Argument(0); goja.IsUndefined(event) || goja.IsNull(event) {
			e.RemoveAllListeners()
		} else {
			e.RemoveAllListeners(event.String())
		}
		return call.This
	})
	proto.Set("setMaxListeners", func(call goja.FunctionCall) goja.Value {
		b.emitter(call.This).SetMaxListeners(int(call.Argument(0).ToInteger()))
		return call.This
	})
	proto.Set("getMaxListeners", func(call goja.FunctionCall) goja.Value {
		return vm.ToValue(b.emitter(call.This).MaxListeners())
	})
	proto.Set("listenerCount", func(call goja.FunctionCall) goja.Value {
		return vm.ToValue(b.emitter(call.This).ListenerCount(call.Argument(0).String()))
	})
	proto.Set("listeners", func(call goja.FunctionCall) goja.Value {
		list := b.emitter(call.This).Listeners(call.Argument(0).String())
		fns := make([]any, len(list))
		for i, l := range list {
			fns[i] = b.function(l)
		}
		return vm.NewArray(fns...)
	})
	proto.Set("eventNames", func(call goja.FunctionCall) goja.Value {
		names := b.emitter(call.This).EventNames()
		vals := make([]any, len(names))
		for i, name := range names {
			vals[i] = name
		}
		return vm.NewArray(vals...)
	})
	proto.Set("emit", func(call goja.FunctionCall) goja.Value {
		args := make([]any, 0, len(call.Arguments))
		for _, arg := range call.Arguments[min(1, len(call.Arguments)):] {
			args = append(args, arg)
		}
		ok, err := b.emitter(call.This).Emit(call.Argument(0).String(), args...)
		if err != nil {
			panic(b.throwable(err))
		}
		return vm.ToValue(ok)
	})
	return ctor
}

// center returns the script view of the runtime's EventCenter.
func (b *binding) center() *goja.Object {
	vm := b.vm
	c := b.opts.Center
	obj := vm.NewObject()
	obj.Set("on", func(call goja.FunctionCall) goja.Value {
		token := c.Observe(call.Argument(0).String(), b.listener(call.Argument(1), goja.Undefined()))
		return vm.ToValue(int64(token))
	})
	obj.Set("off", func(call goja.FunctionCall) goja.Value {
		return vm.ToValue(c.Unobserve(Token(call.Argument(0).ToInteger())))
	})
	obj.Set("post", func(call goja.FunctionCall) goja.Value {
		name := call.Argument(0).String()
		// Script values pass through unconverted, so observers see the same objects.
		ok, err := c.Emit(name, name, call.Argument(1), call.Argument(2))
		if err != nil {
			panic(b.throwable(err))
		}
		return vm.ToValue(ok)
	})
	return obj
}
