package builtin

import (
	"bytes"
	"math"
	"strconv"
	"strings"

	"github.com/dop251/goja"
)

// UtilModuleName is the name of the util built-in.
const UtilModuleName = "util"

// inspectDepth is how deeply inspect expands nested objects before abbreviating them.
const inspectDepth = 2

type util struct {
	vm             *goja.Runtime
	objectToString goja.Callable
	stringify      goja.Callable
}

func newUtil(vm *goja.Runtime) *util {
	u := &util{vm: vm}
	proto := vm.Get("Object").ToObject(vm).Get("prototype").ToObject(vm)
	u.objectToString, _ = goja.AssertFunction(proto.Get("toString"))
	u.stringify, _ = goja.AssertFunction(vm.Get("JSON").ToObject(vm).Get("stringify"))
	return u
}

// RequireUtil fills the exports of the util built-in.
func RequireUtil(vm *goja.Runtime, mod *goja.Object) {
	u := newUtil(vm)
	o := exportsOf(mod)
	o.Set("format", func(call goja.FunctionCall) goja.Value {
		return vm.ToValue(u.format(call.Arguments))
	})
	o.Set("inspect", func(call goja.FunctionCall) goja.Value {
		return vm.ToValue(u.inspect(call.Argument(0)))
	})
	o.Set("inherits", u.inherits)
	o.Set("toString", func(call goja.FunctionCall) goja.Value {
		return vm.ToValue(u.toString(call.Argument(0)))
	})
	o.Set("objectToString", o.Get("toString"))

	tag := func(name string) func(goja.FunctionCall) goja.Value {
		want := "[object " + name + "]"
		return func(call goja.FunctionCall) goja.Value {
			return vm.ToValue(u.toString(call.Argument(0)) == want)
		}
	}
	o.Set("isArray", tag("Array"))
	o.Set("isRegExp", tag("RegExp"))
	o.Set("isDate", tag("Date"))
	o.Set("isError", tag("Error"))

	is := func(pred func(goja.Value) bool) func(goja.FunctionCall) goja.Value {
		return func(call goja.FunctionCall) goja.Value {
			return vm.ToValue(pred(call.Argument(0)))
		}
	}
	o.Set("isFunction", is(func(v goja.Value) bool {
		_, ok := goja.AssertFunction(v)
		return ok
	}))
	o.Set("isUndefined", is(goja.IsUndefined))
	o.Set("isNull", is(goja.IsNull))
	o.Set("isNullOrUndefined", is(func(v goja.Value) bool { return goja.IsUndefined(v) || goja.IsNull(v) }))
	o.Set("isBoolean", is(primitive[bool]))
	o.Set("isString", is(primitive[string]))
	o.Set("isNumber", is(func(v goja.Value) bool { return primitive[int64](v) || primitive[float64](v) }))
	o.Set("isObject", is(func(v goja.Value) bool {
		obj, ok := v.(*goja.Object)
		if !ok {
			return false
		}
		_, fn := goja.AssertFunction(obj)
		return !fn
	}))
}

// primitive reports whether v is a non-object value exporting as T.
func primitive[T any](v goja.Value) bool {
	if v == nil {
		return false
	}
	if _, ok := v.(*goja.Object); ok {
		return false
	}
	_, ok := v.Export().(T)
	return ok
}

func (u *util) toString(v goja.Value) string {
	if u.objectToString == nil {
		return ""
	}
	res, err := u.objectToString(v)
	if err != nil {
		panic(err)
	}
	return res.String()
}

func (u *util) inherits(call goja.FunctionCall) goja.Value {
	vm := u.vm
	ctor, ok1 := call.Argument(0).(*goja.Object)
	super, ok2 := call.Argument(1).(*goja.Object)
	if !ok1 || !ok2 {
		panic(vm.NewTypeError("util.inherits requires two constructors"))
	}
	superProto, ok := super.Get("prototype").(*goja.Object)
	if !ok {
		panic(vm.NewTypeError("The super constructor must have a prototype"))
	}
	if err := ctor.Get("prototype").ToObject(vm).SetPrototype(superProto); err != nil {
		panic(vm.NewGoError(err))
	}
	ctor.Set("super_", super)
	return goja.Undefined()
}

// format implements util.format: printf-style %s %d %i %f %j %o %O %% directives, then
// the remaining arguments separated by spaces.
func (u *util) format(args []goja.Value) string {
	if len(args) == 0 {
		return ""
	}
	var b bytes.Buffer
	var rest []goja.Value
	if f, ok := args[0].Export().(string); ok && primitive[string](args[0]) {
		rest = u.directives(&b, f, args[1:])
	} else {
		b.WriteString(u.inspect(args[0]))
		rest = args[1:]
	}
	for _, arg := range rest {
		b.WriteByte(' ')
		if s, ok := arg.Export().(string); ok && primitive[string](arg) {
			b.WriteString(s)
		} else {
			b.WriteString(u.inspect(arg))
		}
	}
	return b.String()
}

// directives writes f with its directives substituted and returns the unused arguments.
func (u *util) directives(b *bytes.Buffer, f string, args []goja.Value) []goja.Value {
	pct := false
	argNum := 0
	for _, chr := range f {
		if !pct {
			if chr == '%' {
				pct = true
			} else {
				b.WriteRune(chr)
			}
			continue
		}
		pct = false
		if chr == '%' {
			b.WriteByte('%')
			continue
		}
		if argNum >= len(args) || !u.directive(b, chr, args[argNum]) {
			b.WriteByte('%')
			b.WriteRune(chr)
			continue
		}
		argNum++
	}
	if pct {
		b.WriteByte('%')
	}
	return args[argNum:]
}

func (u *util) directive(b *bytes.Buffer, f rune, val goja.Value) bool {
	switch f {
	case 's':
		b.WriteString(val.String())
	case 'd':
		b.WriteString(val.ToNumber().String())
	case 'i':
		n := val.ToFloat()
		if math.IsNaN(n) || math.IsInf(n, 0) {
			b.WriteString("NaN")
		} else {
			b.WriteString(strconv.FormatInt(int64(n), 10))
		}
	case 'f':
		b.WriteString(u.vm.ToValue(val.ToFloat()).String())
	case 'j':
		b.WriteString(u.json(val))
	case 'o', 'O':
		b.WriteString(u.inspect(val))
	default:
		return false
	}
	return true
}

func (u *util) json(val goja.Value) string {
	if u.stringify == nil {
		return "undefined"
	}
	res, err := u.stringify(goja.Undefined(), val)
	if err != nil {
		return "[Circular]"
	}
	return res.String()
}

// inspect renders v for humans the way node's util.inspect does, abbreviating below
// inspectDepth.
func (u *util) inspect(v goja.Value) string {
	var b strings.Builder
	u.inspectValue(&b, v, 0, nil)
	return b.String()
}

func (u *util) inspectValue(b *strings.Builder, v goja.Value, depth int, seen []*goja.Object) {
	if v == nil || goja.IsUndefined(v) {
		b.WriteString("undefined")
		return
	}
	if goja.IsNull(v) {
		b.WriteString("null")
		return
	}
	obj, ok := v.(*goja.Object)
	if !ok {
		if s, isStr := v.Export().(string); isStr {
			b.WriteString(quote(s))
		} else {
			b.WriteString(v.String())
		}
		return
	}
	for _, s := range seen {
		if s == obj {
			b.WriteString("[Circular]")
			return
		}
	}

	switch obj.ClassName() {
	case "Function":
		name := obj.Get("name")
		if name == nil || name.String() == "" {
			b.WriteString("[Function (anonymous)]")
		} else {
			b.WriteString("[Function: " + name.String() + "]")
		}
		return
	case "RegExp":
		b.WriteString(obj.String())
		return
	case "Date":
		if iso, ok := goja.AssertFunction(obj.Get("toISOString")); ok {
			if res, err := iso(obj); err == nil {
				b.WriteString(res.String())
				return
			}
		}
		b.WriteString(obj.String())
		return
	case "Error":
		if stack := obj.Get("stack"); stack != nil && !goja.IsUndefined(stack) {
			b.WriteString(stack.String())
		} else {
			b.WriteString(obj.String())
		}
		return
	}

	isArray := obj.ClassName() == "Array"
	if depth > inspectDepth {
		if isArray {
			b.WriteString("[Array]")
		} else {
			b.WriteString("[Object]")
		}
		return
	}
	seen = append(seen, obj)

	var parts []string
	if isArray {
		n := int(obj.Get("length").ToInteger())
		for i := 0; i < n; i++ {
			var part strings.Builder
			u.inspectValue(&part, obj.Get(strconv.Itoa(i)), depth+1, seen)
			parts = append(parts, part.String())
		}
	} else {
		for _, key := range obj.Keys() {
			var part strings.Builder
			part.WriteString(inspectKey(key))
			part.WriteString(": ")
			u.inspectValue(&part, obj.Get(key), depth+1, seen)
			parts = append(parts, part.String())
		}
	}

	left, right := "{", "}"
	if isArray {
		left, right = "[", "]"
	}
	if len(parts) == 0 {
		b.WriteString(left + right)
		return
	}
	b.WriteString(left + " " + strings.Join(parts, ", ") + " " + right)
}

func quote(s string) string {
	return "'" + strings.ReplaceAll(strings.ReplaceAll(s, `\`, `\\`), "'", `\'`) + "'"
}

func inspectKey(key string) string {
	for i, r := range key {
		ident := r == '_' || r == '$' || (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (i > 0 && r >= '0' && r <= '9')
		if !ident {
			return quote(key)
		}
	}
	if key == "" {
		return "''"
	}
	return key
}
