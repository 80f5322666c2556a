package tool

import (
	"errors"
	"fmt"

	"github.com/pageglot/pageglot/jobstate"
)

// Errors returned by the tool package.
var (
	// ErrNotRegistered is returned when a tool name has no definition.
	ErrNotRegistered = errors.New("tool not registered")

	// ErrAlreadyRegistered is returned when a tool name is registered twice.
	ErrAlreadyRegistered = errors.New("tool already registered")
)

// CodeError carries a domain error code from a handler to the failure
// envelope the model sees. Handlers return plain errors for generic
// failures (TOOL_EXEC_FAILED) and wrap with WithCode when a specific code
// applies.
type CodeError struct {
	Code jobstate.Code
	err  error
}

// Error returns the error message.
func (e *CodeError) Error() string {
	if e.err == nil {
		return string(e.Code)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.err.Error())
}

// Unwrap returns the underlying error.
func (e *CodeError) Unwrap() error {
	return e.err
}

// WithCode wraps err so the failure envelope surfaces code instead of the
// generic TOOL_EXEC_FAILED.
func WithCode(code jobstate.Code, err error) error {
	return &CodeError{Code: code, err: err}
}

// CodeOf extracts the domain code from err, defaulting to
// TOOL_EXEC_FAILED.
func CodeOf(err error) jobstate.Code {
	var ce *CodeError
	if errors.As(err, &ce) && ce.Code != "" {
		return ce.Code
	}
	return jobstate.CodeToolExecFailed
}

// ArgsError reports schema validation failure with the offending instance
// paths, capped at eight.
type ArgsError struct {
	// Paths are JSON-pointer style locations of the failing values.
	Paths []string

	err error
}

// Error returns the error message.
func (e *ArgsError) Error() string {
	if len(e.Paths) == 0 {
		if e.err != nil {
			return fmt.Sprintf("invalid tool arguments: %s", e.err.Error())
		}
		return "invalid tool arguments"
	}
	return fmt.Sprintf("invalid tool arguments at %v", e.Paths)
}

// Unwrap returns the underlying error.
func (e *ArgsError) Unwrap() error {
	return e.err
}

// AsArgsError extracts an *ArgsError from err if present.
func AsArgsError(err error) (*ArgsError, bool) {
	var ae *ArgsError
	ok := errors.As(err, &ae)
	return ae, ok
}
