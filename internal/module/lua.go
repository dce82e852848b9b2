package module

import (
	"bytes"
	"fmt"
	"strconv"
	"strings"

	"github.com/dop251/goja"
	lua "github.com/yuin/gopher-lua"
)

// evalLua runs a Lua chunk as a module. The chunk sees exports, require, __filename and
// __dirname as globals. A non-nil return value becomes module.exports, otherwise the
// exports table does.
func (l *Loader) evalLua(m *Module, source []byte) error {
	L := lua.NewState()
	m.lua = L
	conv := &luaConverter{loader: l, module: m, L: L}

	exports := L.NewTable()
	L.SetGlobal("exports", exports)
	L.SetGlobal("__filename", lua.LString(m.Filename))
	L.SetGlobal("__dirname", lua.LString(m.dir))
	L.SetGlobal("require", L.NewFunction(func(L *lua.LState) int {
		spec := L.CheckString(1)
		v, err := l.Require(spec, m)
		if err != nil {
			L.RaiseError("%v", err)
			return 0
		}
		L.Push(conv.toLua(v, nil))
		return 1
	}))

	fn, err := L.Load(bytes.NewReader(source), m.Filename)
	if err != nil {
		return &EvaluationError{Path: m.Filename, Err: err}
	}
	L.Push(fn)
	if err := L.PCall(0, 1, nil); err != nil {
		return &EvaluationError{Path: m.Filename, Err: err}
	}
	ret := L.Get(-1)
	L.Pop(1)
	if ret == lua.LNil {
		ret = exports
	}
	m.exports = conv.toJS(ret, nil)
	return nil
}

// luaConverter moves values between one Lua state and the loader's runtime.
type luaConverter struct {
	loader *Loader
	module *Module
	L      *lua.LState
}

// isLuaArray reports whether tbl has only numeric keys, ignoring _-prefixed fields.
func isLuaArray(tbl *lua.LTable) bool {
	numeric, named := false, false
	tbl.ForEach(func(key, _ lua.LValue) {
		switch k := key.(type) {
		case lua.LNumber:
			numeric = true
		case lua.LString:
			if !strings.HasPrefix(string(k), "_") {
				named = true
			}
		}
	})
	return numeric && !named
}

func (c *luaConverter) toJS(val lua.LValue, seen map[*lua.LTable]*goja.Object) goja.Value {
	vm := c.loader.vm
	switch v := val.(type) {
	case lua.LBool:
		return vm.ToValue(bool(v))
	case lua.LNumber:
		return vm.ToValue(float64(v))
	case lua.LString:
		return vm.ToValue(string(v))
	case *lua.LFunction:
		return c.wrapLuaFunction(v)
	case *lua.LTable:
		if seen == nil {
			seen = make(map[*lua.LTable]*goja.Object)
		}
		if obj, ok := seen[v]; ok {
			return obj
		}
		if isLuaArray(v) {
			arr := vm.NewArray()
			seen[v] = arr
			n := v.MaxN()
			for i := 1; i <= n; i++ {
				arr.Set(strconv.Itoa(i-1), c.toJS(v.RawGetInt(i), seen))
			}
			return arr
		}
		obj := vm.NewObject()
		seen[v] = obj
		v.ForEach(func(key, value lua.LValue) {
			if ks, ok := key.(lua.LString); ok && !strings.HasPrefix(string(ks), "_") {
				obj.Set(string(ks), c.toJS(value, seen))
			}
		})
		return obj
	default:
		return goja.Undefined()
	}
}

// wrapLuaFunction returns a script function that calls fn in the module's Lua state
// and returns its first result.
func (c *luaConverter) wrapLuaFunction(fn *lua.LFunction) goja.Value {
	l := c.loader
	return l.vm.ToValue(func(call goja.FunctionCall) goja.Value {
		if c.module.lua == nil {
			panic(l.vm.NewGoError(fmt.Errorf("%s: Lua module was unloaded", c.module.Filename)))
		}
		args := make([]lua.LValue, len(call.Arguments))
		for i, arg := range call.Arguments {
			args[i] = c.toLua(arg, nil)
		}
		if err := c.L.CallByParam(lua.P{Fn: fn, NRet: 1, Protect: true}, args...); err != nil {
			panic(l.vm.NewGoError(err))
		}
		ret := c.L.Get(-1)
		c.L.Pop(1)
		return c.toJS(ret, nil)
	})
}

func (c *luaConverter) toLua(val goja.Value, seen map[*goja.Object]*lua.LTable) lua.LValue {
	if val == nil || goja.IsUndefined(val) || goja.IsNull(val) {
		return lua.LNil
	}
	obj, ok := val.(*goja.Object)
	if !ok {
		switch v := val.Export().(type) {
		case bool:
			return lua.LBool(v)
		case int64:
			return lua.LNumber(float64(v))
		case float64:
			return lua.LNumber(v)
		case string:
			return lua.LString(v)
		default:
			return lua.LString(val.String())
		}
	}
	if fn, ok := goja.AssertFunction(obj); ok {
		return c.wrapJSFunction(fn)
	}
	if seen == nil {
		seen = make(map[*goja.Object]*lua.LTable)
	}
	if tbl, ok := seen[obj]; ok {
		return tbl
	}
	tbl := c.L.NewTable()
	seen[obj] = tbl
	if obj.ClassName() == "Array" {
		n := int(obj.Get("length").ToInteger())
		for i := 0; i < n; i++ {
			tbl.RawSetInt(i+1, c.toLua(obj.Get(strconv.Itoa(i)), seen))
		}
		return tbl
	}
	for _, key := range obj.Keys() {
		tbl.RawSetString(key, c.toLua(obj.Get(key), seen))
	}
	return tbl
}

// wrapJSFunction returns a Lua function that calls fn with this undefined.
func (c *luaConverter) wrapJSFunction(fn goja.Callable) *lua.LFunction {
	return c.L.NewFunction(func(L *lua.LState) int {
		top := L.GetTop()
		args := make([]goja.Value, top)
		for i := 1; i <= top; i++ {
			args[i-1] = c.toJS(L.Get(i), nil)
		}
		ret, err := fn(goja.Undefined(), args...)
		if err != nil {
			L.RaiseError("%v", err)
			return 0
		}
		L.Push(c.toLua(ret, nil))
		return 1
	})
}
