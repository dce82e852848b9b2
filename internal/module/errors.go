package module

import "fmt"

// Error codes attached to the errors scripts see.
const (
	CodeNotFound   = "MODULE_NOT_FOUND"
	CodeIO         = "ERR_MODULE_IO"
	CodeJSONParse  = "ERR_JSON_PARSE"
	CodeEvaluation = "ERR_MODULE_EVAL"
)

// NotFoundError is returned when a specifier cannot be resolved.
type NotFoundError struct {
	Specifier string
	From      string // directory the specifier was resolved from
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("Cannot find module '%s'", e.Specifier)
}

// LoadIOError is returned when a resolved file cannot be read, including when the
// filesystem delegate refuses the read.
type LoadIOError struct {
	Path string
	Err  error
}

func (e *LoadIOError) Error() string {
	return fmt.Sprintf("cannot read module %s: %v", e.Path, e.Err)
}

func (e *LoadIOError) Unwrap() error { return e.Err }

// EvaluationError is returned when a module's code throws or fails to compile.
type EvaluationError struct {
	Path string
	Err  error
}

func (e *EvaluationError) Error() string {
	return fmt.Sprintf("error evaluating %s: %v", e.Path, e.Err)
}

func (e *EvaluationError) Unwrap() error { return e.Err }

// JSONParseError is returned for malformed .json modules.
type JSONParseError struct {
	Path string
	Err  error
}

func (e *JSONParseError) Error() string {
	return fmt.Sprintf("invalid JSON in %s: %v", e.Path, e.Err)
}

func (e *JSONParseError) Unwrap() error { return e.Err }

// ErrorCode returns the script-visible code for err.
func ErrorCode(err error) string {
	switch err.(type) {
	case *NotFoundError:
		return CodeNotFound
	case *LoadIOError:
		return CodeIO
	case *JSONParseError:
		return CodeJSONParse
	default:
		return CodeEvaluation
	}
}
