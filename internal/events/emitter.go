// Package events provides a synchronous, in-process event emitter and the
// notification center scripts use to observe host events.
package events

import (
	"math"
	"slices"
	"sync"

	"github.com/charmbracelet/log"
)

const (
	// NewListener is emitted before a listener is added.
	NewListener = "newListener"
	// RemoveListener is emitted after a removal is attempted.
	RemoveListener = "removeListener"
)

// Unlimited disables the max listener warning like 0 does.
const Unlimited = math.MaxInt

// Listener receives the arguments passed to Emit.
// Implementations must be comparable or implement Same.
type Listener interface {
	Call(args ...any) error
}

// FuncListener adapts a Go function. Identity is the pointer.
type FuncListener struct {
	Fn func(args ...any) error
}

// Func wraps fn as a Listener.
func Func(fn func(args ...any) error) *FuncListener {
	return &FuncListener{Fn: fn}
}

func (f *FuncListener) Call(args ...any) error {
	return f.Fn(args...)
}

// onceListener removes itself from its emitter before calling the original.
type onceListener struct {
	emitter  *EventEmitter
	event    string
	listener Listener
	fired    bool
}

func (o *onceListener) Call(args ...any) error {
	if o.fired {
		return nil
	}
	o.fired = true
	if err := o.emitter.Unlisten(o.event, o); err != nil {
		return err
	}
	return o.listener.Call(args...)
}

// Original returns the listener wrapped by a once registration, or l itself.
func Original(l Listener) Listener {
	if o, ok := l.(*onceListener); ok {
		return o.listener
	}
	return l
}

// Same reports whether a and b are the same listener.
func Same(a, b Listener) bool {
	if s, ok := a.(interface{ Same(Listener) bool }); ok {
		return s.Same(b)
	}
	return a == b
}

// EventEmitter maps event names to ordered listener lists.
// Emit delivers to a snapshot of the list taken when it starts, so listeners added
// during an emit are first called on the next emit and listeners removed during an
// emit still receive the current one.
type EventEmitter struct {
	mu           sync.Mutex
	listeners    map[string][]Listener
	order        []string
	maxListeners int
	warned       map[string]bool

	// Warnf reports listener leaks. It defaults to the charmbracelet default logger.
	Warnf func(format string, args ...any)
}

// New returns an emitter that never warns about listener counts.
func New() *EventEmitter {
	return &EventEmitter{}
}

func (e *EventEmitter) warnf(format string, args ...any) {
	if e.Warnf != nil {
		e.Warnf(format, args...)
		return
	}
	log.Warnf(format, args...)
}

// On appends listener to event. It first emits NewListener with the event and listener.
// A NewListener failure is logged and listener is not added; use Listen to get the error.
func (e *EventEmitter) On(event string, listener Listener) *EventEmitter {
	e.logFailure(NewListener, event, e.Listen(event, listener))
	return e
}

// Listen is On returning the error of a failing NewListener listener, in which case
// listener is not added.
func (e *EventEmitter) Listen(event string, listener Listener) error {
	return e.add(event, listener, listener)
}

func (e *EventEmitter) logFailure(kind, event string, err error) {
	if err != nil {
		e.warnf("events: %s listener for %q failed: %v", kind, event, err)
	}
}

// AddListener is an alias of On.
func (e *EventEmitter) AddListener(event string, listener Listener) *EventEmitter {
	return e.On(event, listener)
}

// Once registers a listener that is removed the first time it fires.
// NewListener receives the original listener; removal must use the registered wrapper
// returned by Listeners.
func (e *EventEmitter) Once(event string, listener Listener) *EventEmitter {
	e.logFailure(NewListener, event, e.ListenOnce(event, listener))
	return e
}

// ListenOnce is Once returning the error of a failing NewListener listener.
func (e *EventEmitter) ListenOnce(event string, listener Listener) error {
	wrapper := &onceListener{emitter: e, event: event, listener: listener}
	return e.add(event, wrapper, listener)
}

func (e *EventEmitter) add(event string, stored, announced Listener) error {
	if _, err := e.Emit(NewListener, event, announced); err != nil {
		return err
	}

	e.mu.Lock()
	if e.listeners == nil {
		e.listeners = make(map[string][]Listener)
	}
	if _, ok := e.listeners[event]; !ok {
		e.order = append(e.order, event)
	}
	e.listeners[event] = append(e.listeners[event], stored)
	count := len(e.listeners[event])
	limit := e.maxListeners
	warn := limit > 0 && limit != Unlimited && count > limit && !e.warned[event]
	if warn {
		if e.warned == nil {
			e.warned = make(map[string]bool)
		}
		e.warned[event] = true
	}
	e.mu.Unlock()

	if warn {
		e.warnf("possible EventEmitter memory leak detected: %d %q listeners added, max is %d; use SetMaxListeners to increase the limit", count, event, limit)
	}
	return nil
}

// RemoveListener removes the first registration of listener for event, then emits
// RemoveListener with the event and listener whether or not one was found.
func (e *EventEmitter) RemoveListener(event string, listener Listener) *EventEmitter {
	e.logFailure(RemoveListener, event, e.Unlisten(event, listener))
	return e
}

// Unlisten is RemoveListener returning the error of a failing RemoveListener listener.
// The removal has happened either way.
func (e *EventEmitter) Unlisten(event string, listener Listener) error {
	e.mu.Lock()
	list := e.listeners[event]
	for i, l := range list {
		if Same(l, listener) {
			list = slices.Delete(slices.Clone(list), i, i+1)
			e.setLocked(event, list)
			break
		}
	}
	e.mu.Unlock()

	_, err := e.Emit(RemoveListener, event, listener)
	return err
}

// Off is an alias of RemoveListener.
func (e *EventEmitter) Off(event string, listener Listener) *EventEmitter {
	return e.RemoveListener(event, listener)
}

func (e *EventEmitter) setLocked(event string, list []Listener) {
	if len(list) > 0 {
		e.listeners[event] = list
		return
	}
	delete(e.listeners, event)
	delete(e.warned, event)
	if i := slices.Index(e.order, event); i >= 0 {
		e.order = slices.Delete(e.order, i, i+1)
	}
}

// RemoveAllListeners clears the given events, or every event when none are given.
func (e *EventEmitter) RemoveAllListeners(events ...string) *EventEmitter {
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(events) == 0 {
		e.listeners = nil
		e.order = nil
		e.warned = nil
		return e
	}
	for _, event := range events {
		if _, ok := e.listeners[event]; ok {
			e.setLocked(event, nil)
		}
	}
	return e
}

// SetMaxListeners sets the warning threshold. 0 or Unlimited disables the warning.
func (e *EventEmitter) SetMaxListeners(n int) *EventEmitter {
	e.mu.Lock()
	defer e.mu.Unlock()
	if n < 0 {
		n = 0
	}
	e.maxListeners = n
	e.warned = nil
	return e
}

// MaxListeners returns the warning threshold.
func (e *EventEmitter) MaxListeners() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.maxListeners
}

// ListenerCount returns the number of listeners registered for event.
func (e *EventEmitter) ListenerCount(event string) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.listeners[event])
}

// Listeners returns a copy of the listeners registered for event.
// Once registrations appear as their wrappers.
func (e *EventEmitter) Listeners(event string) []Listener {
	e.mu.Lock()
	defer e.mu.Unlock()
	return slices.Clone(e.listeners[event])
}

// EventNames returns the events that have listeners, in registration order.
func (e *EventEmitter) EventNames() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return slices.Clone(e.order)
}

// Emit calls every listener of event, in order, with args. It reports whether any
// listener was registered. The first listener error stops delivery and is returned.
func (e *EventEmitter) Emit(event string, args ...any) (bool, error) {
	e.mu.Lock()
	snapshot := slices.Clone(e.listeners[event])
	e.mu.Unlock()

	for _, l := range snapshot {
		if err := l.Call(args...); err != nil {
			return true, err
		}
	}
	return len(snapshot) != 0, nil
}
