package builtin

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/dop251/goja"
	"github.com/zot/jsbridge/internal/fsys"
	"github.com/zot/jsbridge/internal/module"
)

// queueLoop runs async work inline and holds callbacks until drain.
type queueLoop struct {
	vm    *goja.Runtime
	queue []func(*goja.Runtime)
}

func (q *queueLoop) RunOnLoop(fn func(*goja.Runtime)) {
	q.queue = append(q.queue, fn)
}

func (q *queueLoop) RunAsync(work func() func(*goja.Runtime)) {
	if cb := work(); cb != nil {
		q.queue = append(q.queue, cb)
	}
}

func (q *queueLoop) drain() {
	for len(q.queue) > 0 {
		fn := q.queue[0]
		q.queue = q.queue[1:]
		fn(q.vm)
	}
}

type recorded struct {
	level, message string
}

func newRuntime(t *testing.T, f fsys.FileSystem) (*goja.Runtime, *queueLoop, *[]recorded) {
	t.Helper()
	vm := goja.New()
	loop := &queueLoop{vm: vm}
	var out []recorded
	reg := module.NewRegistry()
	Register(reg, Host{
		FS:   f,
		Loop: loop,
		Console: OutputFunc(func(level, message string) {
			out = append(out, recorded{level, message})
		}),
	})
	l := module.NewLoader(vm, module.Options{Registry: reg})
	root := l.NewRoot(t.TempDir(), nil)
	vm.Set("require", root.Require())
	vm.Set("global", vm.GlobalObject())
	if _, err := vm.RunString("var util = require('util'), fs = require('fs'), dispatch = require('dispatch'), console = require('console');"); err != nil {
		t.Fatalf("require built-ins: %v", err)
	}
	return vm, loop, &out
}

func eval(t *testing.T, vm *goja.Runtime, code string) goja.Value {
	t.Helper()
	v, err := vm.RunString(code)
	if err != nil {
		t.Fatalf("%s: %v", code, err)
	}
	return v
}

func TestFormat(t *testing.T) {
	vm, _, _ := newRuntime(t, nil)
	tests := []struct {
		code string
		want string
	}{
		{"util.format('XD')", "XD"},
		{"util.format(42)", "42"},
		{"util.format(42, 'Answer')", "42 Answer"},
		{"util.format('AA~', 'XD')", "AA~ XD"},
		{"util.format('======%s~', 'XDDD')", "======XDDD~"},
		{"util.format('%s~', 'XD', 4242)", "XD~ 4242"},
		{"util.format('~%d=', -4231)", "~-4231="},
		{"util.format('~%i=', 42.9)", "~42="},
		{"util.format('~%j=', {answer: 42})", `~{"answer":42}=`},
		{"util.format('%s and %s', 'one')", "one and %s"},
		{"util.format('100%%')", "100%"},
		{"util.format('%x', 1)", "%x 1"},
		{"util.format('obj', {a: 1, 'b-c': 'x'})", "obj { a: 1, 'b-c': 'x' }"},
		{"util.format()", ""},
	}
	for _, tt := range tests {
		if got := eval(t, vm, tt.code).String(); got != tt.want {
			t.Errorf("%s = %q, want %q", tt.code, got, tt.want)
		}
	}
}

func TestInspect(t *testing.T) {
	vm, _, _ := newRuntime(t, nil)
	tests := []struct {
		code string
		want string
	}{
		{"util.inspect('s')", "'s'"},
		{"util.inspect([1, 'a', null, undefined])", "[ 1, 'a', null, undefined ]"},
		{"util.inspect({})", "{}"},
		{"util.inspect(function named() {})", "[Function: named]"},
		{"util.inspect({a: {b: {c: {d: 1}}}})", "{ a: { b: { c: [Object] } } }"},
		{"var o = {}; o.self = o; util.inspect(o)", "{ self: [Circular] }"},
		{"util.inspect(/ab+/g)", "/ab+/g"},
	}
	for _, tt := range tests {
		if got := eval(t, vm, tt.code).String(); got != tt.want {
			t.Errorf("%s = %q, want %q", tt.code, got, tt.want)
		}
	}
}

func TestTypePredicates(t *testing.T) {
	vm, _, _ := newRuntime(t, nil)
	truthy := []string{
		"util.isArray([])", "util.isArray(['util', util, 42, {answer: 42}])",
		"util.isRegExp(/[ab]/)", "util.isDate(new Date())", "util.isError(new Error())",
		"util.isError(new TypeError('x'))", "util.isFunction(function () {})",
		"util.isUndefined(global.aa)", "util.isNull(null)", "util.isNullOrUndefined(undefined)",
		"util.isBoolean(false)", "util.isNumber(4.2)", "util.isNumber(42)", "util.isString('s')",
		"util.isObject({})", "util.toString([]) === '[object Array]'",
	}
	falsy := []string{
		"util.isArray('util')", "util.isArray({list: [1, 2, 3]})", "util.isRegExp(42)",
		"util.isRegExp(new Date())", "util.isDate(/[ab]/)", "util.isError({})",
		"util.isFunction('util')", "util.isUndefined(require)", "util.isNull(undefined)",
		"util.isBoolean(0)", "util.isNumber('4')", "util.isString(new String('s'))",
		"util.isObject(null)", "util.isObject(function () {})",
	}
	for _, code := range truthy {
		if !eval(t, vm, code).ToBoolean() {
			t.Errorf("%s should be true", code)
		}
	}
	for _, code := range falsy {
		if eval(t, vm, code).ToBoolean() {
			t.Errorf("%s should be false", code)
		}
	}
}

func TestInherits(t *testing.T) {
	vm, _, _ := newRuntime(t, nil)
	got := eval(t, vm, `
function Base() {}
Base.prototype.hello = function () { return 'hi'; };
function Sub() {}
util.inherits(Sub, Base);
var s = new Sub();
[s.hello(), s instanceof Base, Sub.super_ === Base].join(',');
`).String()
	if got != "hi,true,true" {
		t.Errorf("unexpected %q", got)
	}
}

func TestConsole(t *testing.T) {
	vm, _, out := newRuntime(t, nil)
	eval(t, vm, "console.log('XD'); console.log('Answer=%d', 42, 'Hello'); console.warn('Answer', 42); console.error({a: 1})")
	want := []recorded{
		{"log", "XD"},
		{"log", "Answer=42 Hello"},
		{"warn", "Answer 42"},
		{"error", "{ a: 1 }"},
	}
	if len(*out) != len(want) {
		t.Fatalf("expected %d messages, got %v", len(want), *out)
	}
	for i, w := range want {
		if (*out)[i] != w {
			t.Errorf("message %d: expected %v, got %v", i, w, (*out)[i])
		}
	}
}

func TestFileSystem(t *testing.T) {
	dir := t.TempDir()
	secret := filepath.Join(t.TempDir(), "secret.txt")
	if err := os.WriteFile(secret, []byte("hidden"), 0644); err != nil {
		t.Fatal(err)
	}
	vm, loop, _ := newRuntime(t, fsys.NewOS(&fsys.Roots{Read: []string{dir}, Write: []string{dir}, Delete: []string{dir}}))
	vm.Set("dir", dir)
	vm.Set("secret", secret)

	eval(t, vm, "fs.writeFileSync(dir + '/a.txt', 'JSBridge')")
	if got := eval(t, vm, "fs.readFileSync(dir + '/a.txt', 'utf8')").String(); got != "JSBridge" {
		t.Errorf("unexpected contents %q", got)
	}
	if n := eval(t, vm, "fs.readFileSync(dir + '/a.txt').byteLength").ToInteger(); n != 8 {
		t.Errorf("expected an 8 byte ArrayBuffer, got %d", n)
	}
	if got := eval(t, vm, "fs.readFileSync(dir + '/a.txt', {encoding: 'hex'})").String(); got != "4a53427269646765" {
		t.Errorf("unexpected hex %q", got)
	}
	if !eval(t, vm, "fs.existsSync(dir + '/a.txt') && fs.isDirectorySync(dir) && !fs.isDirectorySync(dir + '/a.txt')").ToBoolean() {
		t.Error("existence checks inside the read root failed")
	}
	if eval(t, vm, "fs.existsSync(secret)").ToBoolean() {
		t.Error("files outside the read roots should not be visible")
	}
	code := eval(t, vm, "(function () { try { fs.readFileSync(secret) } catch (e) { return e.code } })()")
	if code.String() != "EACCES" {
		t.Errorf("expected EACCES, got %v", code)
	}
	code = eval(t, vm, "(function () { try { fs.writeFileSync(secret, 'x') } catch (e) { return e.code } })()")
	if code.String() != "EACCES" {
		t.Errorf("expected EACCES for a write outside the roots, got %v", code)
	}

	eval(t, vm, `
var results = {};
fs.exists(dir + '/a.txt', function (ok) { results.exists = ok; });
fs.exists(dir + '/missing', function (ok) { results.missing = ok; });
fs.isDirectory(dir, function (ok) { results.isDir = ok; });
fs.readFile(dir + '/a.txt', function (data, err) { results.len = data.byteLength; results.readErr = err; });
fs.readFile(dir + '/missing', 'utf8', function (data, err) { results.missingCode = err.code; });
fs.writeFile(dir + '/b.bin', new Uint8Array([1, 2, 127, 255]), function (err) { results.writeErr = err; });
var immediate = Object.keys(results).length;
`)
	if n := eval(t, vm, "immediate").ToInteger(); n != 0 {
		t.Errorf("callbacks should not run before the script returns, %d did", n)
	}
	loop.drain()
	got := eval(t, vm, "[results.exists, results.missing, results.isDir, results.len, results.readErr, results.missingCode, results.writeErr].join(',')").String()
	if want := "true,false,true,8,,ENOENT,"; got != want {
		t.Errorf("expected %q, got %q", want, got)
	}
	data, err := os.ReadFile(filepath.Join(dir, "b.bin"))
	if err != nil || string(data) != "\x01\x02\x7f\xff" {
		t.Errorf("unexpected written bytes %x, %v", data, err)
	}

	eval(t, vm, "fs.unlinkSync(dir + '/a.txt'); fs.unlink(dir + '/b.bin', function (err) { results.unlinked = err === null; })")
	loop.drain()
	if !eval(t, vm, "results.unlinked && !fs.existsSync(dir + '/a.txt')").ToBoolean() {
		t.Error("unlink should remove the files")
	}
	if _, err := os.Stat(filepath.Join(dir, "b.bin")); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("b.bin should be gone, got %v", err)
	}
}

func TestDispatch(t *testing.T) {
	vm, loop, _ := newRuntime(t, nil)
	eval(t, vm, `
var order = [];
dispatch.async(dispatch.mainQueue, function () { order.push('main'); });
dispatch.async(dispatch.ioQueue, function () { order.push('io'); });
dispatch.after(1, dispatch.mainQueue, function () { order.push('after'); });
order.push('sync');
`)
	loop.drain()
	if got := eval(t, vm, "order.join(',')").String(); got != "sync,main,io,after" {
		t.Errorf("unexpected order %q", got)
	}
	msg := eval(t, vm, "(function () { try { dispatch.async('main', function () {}) } catch (e) { return e.name } })()").String()
	if !strings.Contains(msg, "TypeError") {
		t.Errorf("an unknown queue should throw a TypeError, got %q", msg)
	}
}
