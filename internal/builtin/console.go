package builtin

import (
	"github.com/dop251/goja"
	"github.com/zot/jsbridge/internal/config"
)

// ConsoleModuleName is the name of the console built-in.
const ConsoleModuleName = "console"

// ConsoleLevels are the console methods, in increasing severity.
var ConsoleLevels = []string{"debug", "log", "info", "warn", "error"}

// Output receives formatted console messages.
type Output interface {
	WriteConsole(level, message string)
}

// OutputFunc adapts a function to Output.
type OutputFunc func(level, message string)

func (f OutputFunc) WriteConsole(level, message string) {
	f(level, message)
}

// LogOutput writes console messages to the configuration's logger.
func LogOutput(cfg *config.Config) Output {
	return OutputFunc(func(level, message string) {
		logger := cfg.Logger().With("console", level)
		switch level {
		case "debug":
			logger.Debug(message)
		case "warn":
			logger.Warn(message)
		case "error":
			logger.Error(message)
		default:
			logger.Info(message)
		}
	})
}

// NewConsole returns a console object whose methods format their arguments like
// util.format and write them to out.
func NewConsole(vm *goja.Runtime, out Output) *goja.Object {
	u := newUtil(vm)
	obj := vm.NewObject()
	for _, level := range ConsoleLevels {
		obj.Set(level, func(call goja.FunctionCall) goja.Value {
			out.WriteConsole(level, u.format(call.Arguments))
			return goja.Undefined()
		})
	}
	return obj
}

// RequireConsole returns the loader of the console built-in.
func RequireConsole(out Output) func(vm *goja.Runtime, mod *goja.Object) {
	return func(vm *goja.Runtime, mod *goja.Object) {
		mod.Set("exports", NewConsole(vm, out))
	}
}
