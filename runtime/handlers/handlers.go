// Package handlers implements the named output sinks that emit operations
// route to: the @text buffer, the @data tree, and host-registered custom
// handlers. Handlers can snapshot and restore their state so a guard can
// revert what a failing body emitted.
package handlers

import (
	"github.com/cascada-lang/cascada/runtime/outbuf"
)

// Well-known handler names.
const (
	TextName = "@text"
	DataName = "@data"
)

// Handler is a named output sink. Emit receives fully resolved values; the
// render pipeline awaits futures and rejects poison before dispatching.
type Handler interface {
	Name() string
	Emit(resolved any) error

	// Snapshot captures the handler's current state; Restore rewinds to it.
	// Used by guard blocks.
	Snapshot() any
	Restore(snapshot any)
}

// TextHandler routes @text output into an output buffer.
type TextHandler struct {
	buf *outbuf.Buffer
}

// NewTextHandler wraps a buffer as the @text sink.
func NewTextHandler(buf *outbuf.Buffer) *TextHandler {
	return &TextHandler{buf: buf}
}

// Name implements Handler.
func (h *TextHandler) Name() string { return TextName }

// Emit implements Handler.
func (h *TextHandler) Emit(resolved any) error {
	h.buf.AppendValue(resolved, nil)
	return nil
}

// Buffer exposes the underlying buffer for the render driver.
func (h *TextHandler) Buffer() *outbuf.Buffer { return h.buf }

// Snapshot implements Handler via a buffer revert point.
func (h *TextHandler) Snapshot() any {
	return h.buf.OpenRevert()
}

// Restore implements Handler.
func (h *TextHandler) Restore(snapshot any) {
	h.buf.RevertTo(snapshot.(outbuf.RevertPoint))
}
