package builtin

import (
	"encoding/base64"
	"encoding/hex"
	"errors"
	"io/fs"
	"path/filepath"
	"strings"

	"github.com/dop251/goja"
	"github.com/zot/jsbridge/internal/fsys"
)

// FSModuleName is the name of the fs built-in.
const FSModuleName = "fs"

type fileSystem struct {
	vm   *goja.Runtime
	fs   fsys.FileSystem
	loop Loop
}

// RequireFS returns the loader of the fs built-in. Every operation goes through f, so
// its delegate decides what scripts may read, write and delete. Callbacks of the
// asynchronous variants run on loop; without a loop they run before the call returns.
func RequireFS(f fsys.FileSystem, loop Loop) func(vm *goja.Runtime, mod *goja.Object) {
	return func(vm *goja.Runtime, mod *goja.Object) {
		s := &fileSystem{vm: vm, fs: f, loop: loop}
		o := exportsOf(mod)

		o.Set("existsSync", func(call goja.FunctionCall) goja.Value {
			return vm.ToValue(s.exists(s.path(call)))
		})
		o.Set("exists", func(call goja.FunctionCall) goja.Value {
			path, cb := s.path(call), callback(vm, call, 1)
			s.async(func() func(*goja.Runtime) {
				ok := s.exists(path)
				return s.reply(cb, func() []goja.Value { return []goja.Value{vm.ToValue(ok)} })
			})
			return goja.Undefined()
		})
		o.Set("isDirectorySync", func(call goja.FunctionCall) goja.Value {
			return vm.ToValue(s.isDir(s.path(call)))
		})
		o.Set("isDirectory", func(call goja.FunctionCall) goja.Value {
			path, cb := s.path(call), callback(vm, call, 1)
			s.async(func() func(*goja.Runtime) {
				ok := s.isDir(path)
				return s.reply(cb, func() []goja.Value { return []goja.Value{vm.ToValue(ok)} })
			})
			return goja.Undefined()
		})

		o.Set("readFileSync", func(call goja.FunctionCall) goja.Value {
			enc := s.encoding(call.Argument(1))
			data, err := s.fs.ReadFile(s.path(call))
			if err != nil {
				panic(s.jsError(err))
			}
			return s.decode(data, enc)
		})
		o.Set("readFile", func(call goja.FunctionCall) goja.Value {
			path := s.path(call)
			enc, cbArg := "", 1
			if _, isFn := goja.AssertFunction(call.Argument(1)); !isFn {
				enc, cbArg = s.encoding(call.Argument(1)), 2
			}
			cb := callback(vm, call, cbArg)
			s.async(func() func(*goja.Runtime) {
				data, err := s.fs.ReadFile(path)
				return s.reply(cb, func() []goja.Value {
					if err != nil {
						return []goja.Value{goja.Null(), s.jsError(err)}
					}
					return []goja.Value{s.decode(data, enc), goja.Null()}
				})
			})
			return goja.Undefined()
		})

		o.Set("writeFileSync", func(call goja.FunctionCall) goja.Value {
			if err := s.fs.WriteFile(s.path(call), s.bytes(call.Argument(1))); err != nil {
				panic(s.jsError(err))
			}
			return goja.Undefined()
		})
		o.Set("writeFile", func(call goja.FunctionCall) goja.Value {
			path, data, cb := s.path(call), s.bytes(call.Argument(1)), callback(vm, call, 2)
			s.async(func() func(*goja.Runtime) {
				err := s.fs.WriteFile(path, data)
				return s.reply(cb, func() []goja.Value { return []goja.Value{s.errorOrNull(err)} })
			})
			return goja.Undefined()
		})

		o.Set("unlinkSync", func(call goja.FunctionCall) goja.Value {
			if err := s.fs.Remove(s.path(call)); err != nil {
				panic(s.jsError(err))
			}
			return goja.Undefined()
		})
		o.Set("unlink", func(call goja.FunctionCall) goja.Value {
			path, cb := s.path(call), callback(vm, call, 1)
			s.async(func() func(*goja.Runtime) {
				err := s.fs.Remove(path)
				return s.reply(cb, func() []goja.Value { return []goja.Value{s.errorOrNull(err)} })
			})
			return goja.Undefined()
		})
	}
}

// path returns the first argument as an absolute path.
func (s *fileSystem) path(call goja.FunctionCall) string {
	arg := call.Argument(0)
	if goja.IsUndefined(arg) || goja.IsNull(arg) {
		panic(s.vm.NewTypeError("The \"path\" argument must be of type string"))
	}
	path, err := filepath.Abs(arg.String())
	if err != nil {
		panic(s.jsError(err))
	}
	return path
}

// exists reports whether path exists and may be read.
func (s *fileSystem) exists(path string) bool {
	if !fsys.Readable(s.fs, path) {
		return false
	}
	_, err := s.fs.Stat(path)
	return err == nil
}

func (s *fileSystem) isDir(path string) bool {
	return fsys.Readable(s.fs, path) && fsys.IsDir(s.fs, path)
}

// async runs work off the loop goroutine and its callback on it.
func (s *fileSystem) async(work func() func(*goja.Runtime)) {
	if s.loop == nil {
		if cb := work(); cb != nil {
			cb(s.vm)
		}
		return
	}
	s.loop.RunAsync(work)
}

// reply returns a loop callback calling cb with the arguments built by args.
// args runs on the loop so it may create script values.
func (s *fileSystem) reply(cb goja.Callable, args func() []goja.Value) func(*goja.Runtime) {
	if cb == nil {
		return nil
	}
	return func(*goja.Runtime) {
		if _, err := cb(goja.Undefined(), args()...); err != nil {
			panic(err)
		}
	}
}

func (s *fileSystem) encoding(arg goja.Value) string {
	if goja.IsUndefined(arg) || goja.IsNull(arg) {
		return ""
	}
	if obj, ok := arg.(*goja.Object); ok {
		arg = obj.Get("encoding")
		if arg == nil || goja.IsUndefined(arg) || goja.IsNull(arg) {
			return ""
		}
	}
	enc := strings.ToLower(arg.String())
	switch enc {
	case "utf8", "utf-8", "base64", "hex":
		return enc
	}
	panic(s.vm.NewTypeError("Unknown encoding: " + arg.String()))
}

// decode returns data as a string in enc, or as an ArrayBuffer without an encoding.
func (s *fileSystem) decode(data []byte, enc string) goja.Value {
	switch enc {
	case "":
		return s.vm.ToValue(s.vm.NewArrayBuffer(data))
	case "base64":
		return s.vm.ToValue(base64.StdEncoding.EncodeToString(data))
	case "hex":
		return s.vm.ToValue(hex.EncodeToString(data))
	default:
		return s.vm.ToValue(string(data))
	}
}

// bytes converts written data: strings as UTF-8, ArrayBuffers and typed arrays as their bytes.
func (s *fileSystem) bytes(v goja.Value) []byte {
	switch d := v.Export().(type) {
	case string:
		return []byte(d)
	case goja.ArrayBuffer:
		return d.Bytes()
	case []byte:
		return d
	case nil:
		return nil
	default:
		return []byte(v.String())
	}
}

// ErrorCode returns the node-style code for a filesystem error.
func ErrorCode(err error) string {
	switch {
	case errors.Is(err, fs.ErrNotExist):
		return "ENOENT"
	case errors.Is(err, fs.ErrPermission):
		return "EACCES"
	case errors.Is(err, fsys.ErrReadOnly):
		return "EROFS"
	case errors.Is(err, fs.ErrExist):
		return "EEXIST"
	default:
		return "EIO"
	}
}

func (s *fileSystem) jsError(err error) *goja.Object {
	obj := s.vm.NewGoError(err)
	obj.Set("code", ErrorCode(err))
	return obj
}

func (s *fileSystem) errorOrNull(err error) goja.Value {
	if err == nil {
		return goja.Null()
	}
	return s.jsError(err)
}
