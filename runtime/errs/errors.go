// Package errs defines the error kinds of the Cascada runtime.
//
// There are two failure tiers. Soft failures become poison values that flow
// through the dataflow and surface at the end of the render; they are carried
// by PoisonError when they must cross an error channel. Hard failures are
// breaches of the compiler-runtime contract; they are represented by
// FatalError and abort the render immediately.
package errs

import (
	"fmt"
	"strings"
)

// Sentinel messages shared with the compiler's script mode.
const (
	// MsgUnknownVariable is reported when a script reads a variable that is
	// neither declared nor present in the render context.
	MsgUnknownVariable = "Can not look up unknown variable"

	// MsgUndeclaredAssign is reported when a script writes a variable that
	// was never declared.
	MsgUndeclaredAssign = "Cannot assign to undeclared variable"
)

// UnknownPath is the path reported for string-input renders.
const UnknownPath = "(unknown path)"

// TemplateError is a user-visible render failure positioned at the source
// expression that produced it.
type TemplateError struct {
	Message string
	Line    int
	Col     int
	Path    string // template path, or empty for string inputs
	Context string // source snippet around the failing expression
	Cause   error
}

// Error implements the error interface.
func (e *TemplateError) Error() string {
	var b strings.Builder

	path := e.Path
	if path == "" {
		path = UnknownPath
	}

	fmt.Fprintf(&b, "%s", path)
	if e.Line > 0 {
		fmt.Fprintf(&b, " [Line %d, Column %d]", e.Line, e.Col)
	}
	fmt.Fprintf(&b, "\n  %s", e.Message)
	if e.Context != "" {
		fmt.Fprintf(&b, "\n  near: %s", e.Context)
	}

	return b.String()
}

// Unwrap allows error unwrapping.
func (e *TemplateError) Unwrap() error {
	return e.Cause
}

// Handle wraps a native error with source position and file path for
// reporting. A TemplateError that already carries a position is returned
// unchanged so the deepest site wins.
func Handle(err error, line, col int, context, path string) *TemplateError {
	if err == nil {
		return nil
	}
	if te, ok := err.(*TemplateError); ok && te.Line > 0 {
		return te
	}

	msg := err.Error()
	if te, ok := err.(*TemplateError); ok {
		msg = te.Message
	}

	return &TemplateError{
		Message: msg,
		Line:    line,
		Col:     col,
		Path:    path,
		Context: context,
		Cause:   err,
	}
}

// FatalError is a breach of the compiler-runtime contract: negative write
// counter, unbalanced frame pop, pending writes at async-block exit, and the
// like. Fatal errors bypass poison propagation and abort the render.
type FatalError struct {
	Message string
	Line    int
	Col     int
	Context string
	Path    string
}

// Error implements the error interface.
func (e *FatalError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "fatal runtime error: %s", e.Message)
	if e.Line > 0 {
		fmt.Fprintf(&b, " [Line %d, Column %d]", e.Line, e.Col)
	}
	if e.Path != "" {
		fmt.Fprintf(&b, " in %s", e.Path)
	}
	return b.String()
}

// NewFatal creates a FatalError with an optional position.
func NewFatal(message string, line, col int, context, path string) *FatalError {
	return &FatalError{
		Message: message,
		Line:    line,
		Col:     col,
		Context: context,
		Path:    path,
	}
}

// IsFatal reports whether err is (or wraps) a FatalError.
func IsFatal(err error) bool {
	for err != nil {
		if _, ok := err.(*FatalError); ok {
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}

// PoisonError is the throwable form of a poison value: an error carrying the
// ordered error list of the poison that raised it. It crosses error channels
// (buffer flatten, async block rejection) without losing the individual
// failures.
type PoisonError struct {
	Errors []error
}

// Error implements the error interface.
func (e *PoisonError) Error() string {
	switch len(e.Errors) {
	case 0:
		return "poisoned value"
	case 1:
		return e.Errors[0].Error()
	}

	var b strings.Builder
	fmt.Fprintf(&b, "%d errors occurred:", len(e.Errors))
	for _, err := range e.Errors {
		fmt.Fprintf(&b, "\n  * %s", err.Error())
	}
	return b.String()
}

// Unwrap exposes the error list for errors.Is / errors.As traversal.
func (e *PoisonError) Unwrap() []error {
	return e.Errors
}
