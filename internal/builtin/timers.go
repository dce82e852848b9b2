package builtin

import (
	"math"
	"sync"
	"time"

	"github.com/dop251/goja"
)

// Timers implements the setTimeout family of globals on a Loop. Callbacks run on the
// loop goroutine; an active timer counts as pending loop work until it fires or is
// cleared, so an uncleared interval keeps the loop busy.
type Timers struct {
	loop Loop

	mu     sync.Mutex
	next   int64
	active map[int64]chan struct{}
	closed chan struct{}
	once   sync.Once
}

// NewTimers returns timers scheduling on loop.
func NewTimers(loop Loop) *Timers {
	return &Timers{
		loop:   loop,
		active: make(map[int64]chan struct{}),
		closed: make(chan struct{}),
	}
}

// Install sets setTimeout, setInterval, clearTimeout and clearInterval on obj.
func (t *Timers) Install(vm *goja.Runtime, obj *goja.Object) {
	obj.Set("setTimeout", func(call goja.FunctionCall) goja.Value {
		return vm.ToValue(t.schedule(vm, call, false))
	})
	obj.Set("setInterval", func(call goja.FunctionCall) goja.Value {
		return vm.ToValue(t.schedule(vm, call, true))
	})
	clear := func(call goja.FunctionCall) goja.Value {
		if id := call.Argument(0); !goja.IsUndefined(id) && !goja.IsNull(id) {
			t.Clear(id.ToInteger())
		}
		return goja.Undefined()
	}
	obj.Set("clearTimeout", clear)
	obj.Set("clearInterval", clear)
}

// Active returns the number of timers that have neither fired nor been cleared.
func (t *Timers) Active() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.active)
}

// Clear cancels timer id. It reports whether the timer was active.
func (t *Timers) Clear(id int64) bool {
	t.mu.Lock()
	stop, ok := t.active[id]
	delete(t.active, id)
	t.mu.Unlock()
	if ok {
		close(stop)
	}
	return ok
}

// Close cancels every timer. Timers set afterwards never fire.
func (t *Timers) Close() {
	t.once.Do(func() { close(t.closed) })
	t.mu.Lock()
	ids := make([]int64, 0, len(t.active))
	for id := range t.active {
		ids = append(ids, id)
	}
	t.mu.Unlock()
	for _, id := range ids {
		t.Clear(id)
	}
}

func (t *Timers) isActive(id int64) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.active[id]
	return ok
}

func (t *Timers) schedule(vm *goja.Runtime, call goja.FunctionCall, repeat bool) int64 {
	fn, ok := goja.AssertFunction(call.Argument(0))
	if !ok {
		panic(vm.NewTypeError("The \"callback\" argument must be of type function"))
	}
	ms := call.Argument(1).ToFloat()
	if math.IsNaN(ms) || ms < 0 {
		ms = 0
	}
	delay := time.Duration(ms * float64(time.Millisecond))
	var args []goja.Value
	if len(call.Arguments) > 2 {
		args = append(args, call.Arguments[2:]...)
	}

	stop := make(chan struct{})
	t.mu.Lock()
	t.next++
	id := t.next
	t.active[id] = stop
	t.mu.Unlock()

	fire := func(*goja.Runtime) {
		if !t.isActive(id) {
			return
		}
		if !repeat {
			t.Clear(id)
		}
		if _, err := fn(goja.Undefined(), args...); err != nil {
			panic(err)
		}
	}

	t.loop.RunAsync(func() func(*goja.Runtime) {
		if !repeat {
			timer := time.NewTimer(delay)
			defer timer.Stop()
			select {
			case <-timer.C:
				return fire
			case <-stop:
			case <-t.closed:
			}
			return nil
		}
		ticker := time.NewTicker(max(delay, time.Millisecond))
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				t.loop.RunOnLoop(fire)
			case <-stop:
				return nil
			case <-t.closed:
				return nil
			}
		}
	})
	return id
}
