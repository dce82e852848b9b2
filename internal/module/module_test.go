package module

import (
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"testing"

	"github.com/dop251/goja"
	"github.com/zot/jsbridge/internal/fsys"
)

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, filepath.FromSlash(name))
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return path
}

// setup returns a runtime whose global require belongs to a root module in a fresh
// temp directory.
func setup(t *testing.T, opts Options) (*goja.Runtime, *Loader, string) {
	t.Helper()
	dir := t.TempDir()
	vm := goja.New()
	l := NewLoader(vm, opts)
	root := l.NewRoot(dir, []string{dir})
	vm.Set("require", root.Require())
	vm.Set("module", root.Object())
	return vm, l, dir
}

func run(t *testing.T, vm *goja.Runtime, code string) goja.Value {
	t.Helper()
	v, err := vm.RunString(code)
	if err != nil {
		t.Fatalf("%s: %v", code, err)
	}
	return v
}

func TestResolveCandidates(t *testing.T) {
	_, l, dir := setup(t, Options{})
	writeFile(t, dir, "exact", "")
	writeFile(t, dir, "a.js", "")
	writeFile(t, dir, "b.json", "{}")
	writeFile(t, dir, "c/index.js", "")
	writeFile(t, dir, "lib/g.js", "")

	tests := []struct {
		spec string
		want string
	}{
		{"./exact", filepath.Join(dir, "exact")},
		{"./a", filepath.Join(dir, "a.js")},
		{"./a.js", filepath.Join(dir, "a.js")},
		{"./b", filepath.Join(dir, "b.json")},
		{"./c", filepath.Join(dir, "c", "index.js")},
		{"lib/g", filepath.Join(dir, "lib", "g.js")},
		{filepath.Join(dir, "a"), filepath.Join(dir, "a.js")},
	}
	for _, tt := range tests {
		got, ok := l.Resolve(tt.spec, l.Root())
		if !ok || got != tt.want {
			t.Errorf("Resolve(%q) = %q, %v; want %q", tt.spec, got, ok, tt.want)
		}
		again, _ := l.Resolve(tt.spec, l.Root())
		if again != got {
			t.Errorf("Resolve(%q) is not deterministic: %q then %q", tt.spec, got, again)
		}
	}
	if got, ok := l.Resolve("./missing", l.Root()); ok {
		t.Errorf("expected ./missing to be unresolved, got %q", got)
	}
}

func TestCacheIdentity(t *testing.T) {
	vm, l, dir := setup(t, Options{})
	writeFile(t, dir, "a.js", "module.exports = {n: 1};")

	if !run(t, vm, "require('./a') === require('./a.js')").ToBoolean() {
		t.Error("two specifiers for the same file should return the same exports")
	}
	if l.Cache().Len() != 1 {
		t.Errorf("expected 1 cached module, got %v", l.Cache().Keys())
	}
	m, ok := l.Cache().Get(filepath.Join(dir, "a.js"))
	if !ok || !m.Loaded() {
		t.Fatal("a.js should be cached and loaded")
	}
	if m.Parent() != l.Root() {
		t.Error("a.js should be parented by the root module")
	}
}

func TestRelativeAndGlobalScope(t *testing.T) {
	vm, l, dir := setup(t, Options{})
	writeFile(t, dir, "y.js", "exports.name = 'top';")
	writeFile(t, dir, "sub/x.js", `
exports.global = require('y').name;
try { require('./y'); } catch (e) { exports.code = e.code; exports.message = e.message; }
exports.paths = module.paths.slice();
`)

	run(t, vm, "var x = require('./sub/x')")
	if got := run(t, vm, "x.global").String(); got != "top" {
		t.Errorf("global specifier should use inherited search paths, got %q", got)
	}
	if got := run(t, vm, "x.code").String(); got != CodeNotFound {
		t.Errorf("relative specifier should only look beside the module, got code %q", got)
	}
	if got := run(t, vm, "x.message").String(); got != "Cannot find module './y'" {
		t.Errorf("unexpected message %q", got)
	}
	m, _ := l.Cache().Get(filepath.Join(dir, "sub", "x.js"))
	want := []string{dir, filepath.Join(dir, "sub")}
	if !reflect.DeepEqual(m.Paths(), want) {
		t.Errorf("expected paths %v, got %v", want, m.Paths())
	}
}

func TestSharedCacheView(t *testing.T) {
	vm, _, dir := setup(t, Options{})
	writeFile(t, dir, "m.js", "exports.cache = require.cache; exports.require = require;")

	if !run(t, vm, "require('./m').cache === require.cache").ToBoolean() {
		t.Error("every require should expose the same cache object")
	}
	if run(t, vm, "require('./m').require === require").ToBoolean() {
		t.Error("each module should get its own require function")
	}
	if !run(t, vm, "require.cache[require.resolve('./m')].exports === require('./m')").ToBoolean() {
		t.Error("cache entries should be module objects")
	}
	if !run(t, vm, "module.require === require").ToBoolean() {
		t.Error("module.require should be the global require")
	}
}

func TestCircularRequire(t *testing.T) {
	vm, _, dir := setup(t, Options{})
	writeFile(t, dir, "a.js", `
exports.started = true;
var b = require('./b');
exports.sawB = b.done;
exports.done = true;
`)
	writeFile(t, dir, "b.js", `
var a = require('./a');
exports.sawStarted = a.started;
exports.sawADone = !!a.done;
exports.done = true;
`)

	run(t, vm, "var a = require('./a'), b = require('./b')")
	if !run(t, vm, "a.sawB && a.done").ToBoolean() {
		t.Error("a should finish after b")
	}
	if !run(t, vm, "b.sawStarted && !b.sawADone").ToBoolean() {
		t.Error("b should see the partial exports of a")
	}
}

func TestInvalidateReloads(t *testing.T) {
	vm, l, dir := setup(t, Options{})
	path := writeFile(t, dir, "count.js", "globalThis.loads = (globalThis.loads || 0) + 1;")

	run(t, vm, "require('./count'); require('./count')")
	if n := run(t, vm, "loads").ToInteger(); n != 1 {
		t.Fatalf("expected 1 load, got %d", n)
	}
	run(t, vm, "delete require.cache[require.resolve('./count')]; require('./count')")
	if n := run(t, vm, "loads").ToInteger(); n != 2 {
		t.Fatalf("expected 2 loads after delete, got %d", n)
	}
	if !l.Cache().Invalidate(path) {
		t.Fatal("Invalidate should report the cached entry")
	}
	if l.Cache().Invalidate(path) {
		t.Error("second Invalidate should report nothing removed")
	}
	run(t, vm, "require('./count')")
	if n := run(t, vm, "loads").ToInteger(); n != 3 {
		t.Errorf("expected 3 loads after Invalidate, got %d", n)
	}

	run(t, vm, "module.clearRequireCache()")
	if l.Cache().Len() != 0 {
		t.Errorf("clearRequireCache left %v", l.Cache().Keys())
	}
}

func TestCacheEvictHook(t *testing.T) {
	vm, l, dir := setup(t, Options{})
	writeFile(t, dir, "a.js", "")
	writeFile(t, dir, "b.js", "")
	var evicted []string
	l.Cache().OnEvict = func(path string, m *Module) {
		evicted = append(evicted, filepath.Base(path))
	}
	run(t, vm, "require('./a'); require('./b')")
	l.Cache().Clear()
	if want := []string{"a.js", "b.js"}; !reflect.DeepEqual(evicted, want) {
		t.Errorf("expected %v, got %v", want, evicted)
	}
}

func TestJSONModule(t *testing.T) {
	vm, _, dir := setup(t, Options{})
	writeFile(t, dir, "data.json", "\ufeff{\"x\": [1, 2]}")
	writeFile(t, dir, "bad.json", "{nope")

	if n := run(t, vm, "require('./data').x[1]").ToInteger(); n != 2 {
		t.Errorf("expected 2, got %d", n)
	}
	const loadBad = "(function () { try { require('./bad.json') } catch (e) { return e.code } })()"
	if code := run(t, vm, loadBad); code.String() != CodeJSONParse {
		t.Errorf("expected %s, got %v", CodeJSONParse, code)
	}
	if code := run(t, vm, loadBad); code.String() != CodeJSONParse {
		t.Errorf("a malformed JSON module should not stay cached, got %v", code)
	}
	writeFile(t, dir, "bad.json", `{"fixed": true}`)
	if !run(t, vm, "require('./bad.json').fixed").ToBoolean() {
		t.Error("a corrected JSON module should load")
	}
}

func TestEvaluationErrorPolicy(t *testing.T) {
	const src = "globalThis.tries = (globalThis.tries || 0) + 1; exports.partial = true; throw new Error('boom');"
	const load = "(function () { try { require('./bad'); return 'ok' } catch (e) { return e.message } })()"

	for _, evict := range []bool{false, true} {
		vm, l, dir := setup(t, Options{EvictOnError: evict})
		writeFile(t, dir, "bad.js", src)

		if got := run(t, vm, load).String(); got != "boom" {
			t.Fatalf("evict=%v: script error should propagate unchanged, got %q", evict, got)
		}
		second := run(t, vm, load).String()
		tries := run(t, vm, "tries").ToInteger()
		if evict {
			if second != "boom" || tries != 2 || l.Cache().Len() != 0 {
				t.Errorf("evict=true: expected a fresh attempt, got %q after %d tries", second, tries)
			}
		} else {
			if second != "ok" || tries != 1 {
				t.Errorf("evict=false: expected the cached partial module, got %q after %d tries", second, tries)
			}
			if !run(t, vm, "require('./bad').partial").ToBoolean() {
				t.Error("partial exports should be visible")
			}
		}
	}
}

func TestReadFailureEvicts(t *testing.T) {
	dir := t.TempDir()
	vm := goja.New()
	l := NewLoader(vm, Options{FS: fsys.NewOS(&fsys.Roots{Read: []string{filepath.Join(dir, "allowed")}})})
	root := l.NewRoot(dir, []string{dir})
	writeFile(t, dir, "secret.js", "exports.x = 1;")

	_, err := l.Require("./secret", root)
	var ioErr *LoadIOError
	if !errors.As(err, &ioErr) {
		t.Fatalf("expected LoadIOError, got %v", err)
	}
	if !errors.Is(err, fsys.ErrPermission) {
		t.Errorf("expected a permission error, got %v", err)
	}
	if ErrorCode(err) != CodeIO {
		t.Errorf("unexpected code %s", ErrorCode(err))
	}
	if l.Cache().Len() != 0 {
		t.Errorf("unreadable module should not stay cached: %v", l.Cache().Keys())
	}
}

func TestRequireResolve(t *testing.T) {
	vm, _, dir := setup(t, Options{})
	writeFile(t, dir, "a.js", "")

	if got := run(t, vm, "require.resolve('./a')").String(); got != filepath.Join(dir, "a.js") {
		t.Errorf("unexpected resolution %q", got)
	}
	if !goja.IsUndefined(run(t, vm, "require.resolve('./missing')")) {
		t.Error("require.resolve should return undefined for a missing module")
	}
	if !run(t, vm, "(function () { try { require(5) } catch (e) { return e instanceof TypeError } })()").ToBoolean() {
		t.Error("a non-string specifier should throw a TypeError")
	}

	writeFile(t, dir, "undefined.js", "")
	writeFile(t, dir, "5.js", "")
	for _, code := range []string{"require.resolve()", "require.resolve(5)", "require.resolve(null)"} {
		if v := run(t, vm, code); !goja.IsUndefined(v) {
			t.Errorf("%s: expected undefined, got %v", code, v)
		}
	}
}

func TestSelfEvictingModuleSkipsLoadHook(t *testing.T) {
	var loaded []string
	vm, l, dir := setup(t, Options{OnLoad: func(m *Module) { loaded = append(loaded, filepath.Base(m.Filename)) }})
	writeFile(t, dir, "self.js", "delete require.cache[__filename]; exports.stamp = {};")
	writeFile(t, dir, "kept.js", "")

	run(t, vm, "var s1 = require('./self'), s2 = require('./self'); require('./kept');")
	if run(t, vm, "s1 === s2").ToBoolean() {
		t.Error("a module that removed itself should load again")
	}
	if l.Cache().Len() != 1 {
		t.Errorf("expected only kept.js cached, got %v", l.Cache().Keys())
	}
	if want := []string{"kept.js"}; !reflect.DeepEqual(loaded, want) {
		t.Errorf("OnLoad should only see cached modules, expected %v, got %v", want, loaded)
	}
}

func TestRequireMain(t *testing.T) {
	vm, l, dir := setup(t, Options{})
	path := writeFile(t, dir, "main.js", "exports.isMain = require.main === module;")
	writeFile(t, dir, "other.js", "exports.isMain = require.main === module;")

	exports, err := l.LoadMain(path)
	if err != nil {
		t.Fatalf("LoadMain: %v", err)
	}
	if !exports.ToObject(vm).Get("isMain").ToBoolean() {
		t.Error("main module should see itself as require.main")
	}
	if run(t, vm, "require('./other').isMain").ToBoolean() {
		t.Error("other modules are not main")
	}
	if l.Main() == nil || l.Main().Filename != path {
		t.Error("Main should report the main module")
	}
}

func TestExtensions(t *testing.T) {
	vm, _, dir := setup(t, Options{})
	writeFile(t, dir, "note.txt", "hello")

	run(t, vm, `require.extensions['.txt'] = function (module, filename) {
	module.exports = 'text:' + filename;
};`)
	want := "text:" + filepath.Join(dir, "note.txt")
	if got := run(t, vm, "require('./note.txt')").String(); got != want {
		t.Errorf("expected %q, got %q", want, got)
	}
	keys := run(t, vm, "Object.keys(require.extensions).join(',')").String()
	if keys != ".js,.json,.txt" {
		t.Errorf("unexpected extensions %q", keys)
	}
	if !run(t, vm, "typeof require.extensions['.js'] === 'function'").ToBoolean() {
		t.Error("native extensions should be exposed as functions")
	}
}

func TestUnknownExtensionLoadsAsJS(t *testing.T) {
	vm, _, dir := setup(t, Options{})
	writeFile(t, dir, "conf.cfg", "module.exports = 7;")
	if n := run(t, vm, "require('./conf.cfg')").ToInteger(); n != 7 {
		t.Errorf("expected 7, got %d", n)
	}
}

func TestBuiltinsAreSingletons(t *testing.T) {
	reg := NewRegistry()
	calls := 0
	reg.RegisterNativeModule("greet", func(vm *goja.Runtime, module *goja.Object) {
		calls++
		module.Get("exports").(*goja.Object).Set("hi", "there")
	})
	reg.RegisterSource("answer", "exports.value = 42;")
	vm, l, dir := setup(t, Options{Registry: reg})
	writeFile(t, dir, "greet.js", "exports.hi = 'file';")

	if !run(t, vm, "require('greet') === require('greet')").ToBoolean() {
		t.Error("a built-in should be instantiated once")
	}
	if calls != 1 {
		t.Errorf("expected 1 instantiation, got %d", calls)
	}
	if got := run(t, vm, "require('greet').hi").String(); got != "there" {
		t.Errorf("built-ins take precedence over files, got %q", got)
	}
	if n := run(t, vm, "require('answer').value").ToInteger(); n != 42 {
		t.Errorf("expected 42, got %d", n)
	}
	if got := run(t, vm, "require.resolve('greet')").String(); got != "greet" {
		t.Errorf("built-ins resolve to their name, got %q", got)
	}
	if l.Cache().Len() != 0 {
		t.Errorf("built-ins do not enter the file cache: %v", l.Cache().Keys())
	}
}

func TestLuaModule(t *testing.T) {
	vm, _, dir := setup(t, Options{LuaModules: true})
	writeFile(t, dir, "helper.js", "exports.double = function (n) { return n * 2; };")
	writeFile(t, dir, "calc.lua", `
local helper = require("./helper.js")
local M = {}
M.name = "calc"
M.tags = {"a", "b"}
function M.add(a, b) return a + b end
function M.quad(n) return helper.double(helper.double(n)) end
return M
`)

	run(t, vm, "var calc = require('./calc.lua')")
	if n := run(t, vm, "calc.add(2, 3)").ToInteger(); n != 5 {
		t.Errorf("expected 5, got %d", n)
	}
	if n := run(t, vm, "calc.quad(3)").ToInteger(); n != 12 {
		t.Errorf("expected 12, got %d", n)
	}
	if got := run(t, vm, "calc.name + ':' + calc.tags.join('')").String(); got != "calc:ab" {
		t.Errorf("unexpected conversion %q", got)
	}
}

func TestLuaStateClosedOnEviction(t *testing.T) {
	vm, l, dir := setup(t, Options{LuaModules: true})
	path := writeFile(t, dir, "m.lua", "local M = {}\nfunction M.one() return 1 end\nreturn M")

	run(t, vm, "var m = require('./m.lua')")
	if n := run(t, vm, "m.one()").ToInteger(); n != 1 {
		t.Fatalf("expected 1, got %d", n)
	}
	mod, _ := l.Cache().Get(path)
	if mod.lua == nil {
		t.Fatal("a loaded Lua module should hold its state")
	}
	l.Cache().Invalidate(path)
	if mod.lua != nil {
		t.Error("eviction should close the Lua state")
	}
	if run(t, vm, "(function () { try { m.one(); return true } catch (e) { return false } })()").ToBoolean() {
		t.Error("functions of an unloaded Lua module should throw")
	}
	if n := run(t, vm, "require('./m.lua').one()").ToInteger(); n != 1 {
		t.Errorf("reloading should create a fresh state, got %d", n)
	}
}

func TestLuaDisabled(t *testing.T) {
	vm, _, dir := setup(t, Options{})
	writeFile(t, dir, "x.lua", "local x = 1\nreturn x")
	ok := run(t, vm, "(function () { try { require('./x.lua'); return true } catch (e) { return false } })()")
	if ok.ToBoolean() {
		t.Error("Lua source should not evaluate as JavaScript")
	}
}
