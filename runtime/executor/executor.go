// Package executor is the render driver: it owns the frame tree, the output
// buffer, the sequence-lock registry and the handler set of one render, and
// exposes the entry points compiled code calls into.
package executor

import (
	"context"
	"fmt"
	"html"
	"sync"
	"time"

	"github.com/cascada-lang/cascada/core/invariant"
	"github.com/cascada-lang/cascada/runtime/errs"
	"github.com/cascada-lang/cascada/runtime/frame"
	"github.com/cascada-lang/cascada/runtime/handlers"
	"github.com/cascada-lang/cascada/runtime/outbuf"
	"github.com/cascada-lang/cascada/runtime/seqlock"
	"github.com/cascada-lang/cascada/runtime/value"
)

// Mode selects how undefined lookups behave: templates render them silently
// empty, scripts fail.
type Mode int

const (
	ModeTemplate Mode = iota
	ModeScript
)

// DebugLevel controls debug tracing (development only).
type DebugLevel int

const (
	DebugOff      DebugLevel = iota // No debug info (default)
	DebugPaths                      // Closure entry/exit tracing
	DebugDetailed                   // Lock enqueues, lock repair holds, guard reverts
)

// TelemetryLevel controls telemetry collection (production-safe).
type TelemetryLevel int

const (
	TelemetryOff    TelemetryLevel = iota // Zero overhead (default)
	TelemetryBasic                        // Closure and error counts
	TelemetryTiming                       // Counts plus flatten timing
)

// Config configures a render.
type Config struct {
	Mode       Mode
	Debug      DebugLevel
	Telemetry  TelemetryLevel
	Autoescape bool   // HTML-escape @text values unless marked safe
	Path       string // template path for error reporting; "" = string input
}

// DebugEvent is one trace record.
type DebugEvent struct {
	Timestamp time.Time
	Event     string // "closure_start", "closure_done", "guard_revert", ...
	Context   string
}

// RenderTelemetry holds production-safe render metrics.
type RenderTelemetry struct {
	ClosuresRun      int
	ErrorsAggregated int
	FlattenDuration  time.Duration
}

// RenderResult is the outcome of a successful render.
type RenderResult struct {
	Output      string
	Data        map[string]any
	Duration    time.Duration
	Telemetry   *RenderTelemetry
	DebugEvents []DebugEvent
}

// CompiledFunc is the shape of compiler-emitted code: it receives the
// runtime, the root frame and the root output buffer, and drives everything
// through the runtime's entry points.
type CompiledFunc func(ctx context.Context, rt *Runtime, f *frame.Frame, buf *outbuf.Buffer) error

// Runtime bundles the shared state of one render.
type Runtime struct {
	config  Config
	context map[string]any

	root   *frame.Frame
	buffer *outbuf.Buffer
	locks  *seqlock.LockMap
	state  *AsyncState

	text *handlers.TextHandler
	data *handlers.DataHandler

	mu          sync.Mutex
	handlers    map[string]handlers.Handler
	guards      []*GuardScope
	fatalErr    error
	debugEvents []DebugEvent
	telemetry   *RenderTelemetry
}

// New creates a runtime over the host-provided context variables.
func New(contextVars map[string]any, cfg Config) *Runtime {
	buf := outbuf.NewRoot()
	text := handlers.NewTextHandler(buf)
	data := handlers.NewDataHandler()

	rt := &Runtime{
		config:  cfg,
		context: contextVars,
		root:    frame.NewRoot(),
		buffer:  buf,
		locks:   seqlock.New(),
		state:   NewAsyncState(),
		text:    text,
		data:    data,
		handlers: map[string]handlers.Handler{
			text.Name(): text,
			data.Name(): data,
		},
	}
	if cfg.Telemetry != TelemetryOff {
		rt.telemetry = &RenderTelemetry{}
	}
	return rt
}

// RegisterHandler installs a host-defined output handler.
func (rt *Runtime) RegisterHandler(h handlers.Handler) {
	invariant.NotNil(h, "handler")
	rt.mu.Lock()
	defer rt.mu.Unlock()
	rt.handlers[h.Name()] = h
}

// Handler resolves a handler by name.
func (rt *Runtime) Handler(name string) (handlers.Handler, bool) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	h, ok := rt.handlers[name]
	return h, ok
}

// DataHandler exposes the @data sink for compiled code.
func (rt *Runtime) DataHandler() *handlers.DataHandler { return rt.data }

// Locks exposes the render's sequence-lock registry.
func (rt *Runtime) Locks() *seqlock.LockMap { return rt.locks }

// Mode reports the lookup mode.
func (rt *Runtime) Mode() Mode { return rt.config.Mode }

// Path reports the template path for error positioning.
func (rt *Runtime) Path() string { return rt.config.Path }

// Render runs the compiled program and linearises the output. Soft failures
// come back as a *errs.PoisonError aggregating every independent error;
// breaches of the compiler contract come back as a *errs.FatalError.
func (rt *Runtime) Render(ctx context.Context, prog CompiledFunc) (result *RenderResult, err error) {
	invariant.NotNil(prog, "prog")
	start := time.Now()

	defer func() {
		if r := recover(); r != nil {
			err = rt.asFatal(r)
			result = nil
		}
	}()

	if runErr := prog(ctx, rt, rt.root, rt.buffer); runErr != nil {
		return nil, runErr
	}

	// Quiescence: every closure spawned during the render has completed.
	if waitErr := rt.state.WaitAllClosures(ctx, 0); waitErr != nil {
		return nil, waitErr
	}
	if fatal := rt.takeFatal(); fatal != nil {
		return nil, fatal
	}

	flattenStart := time.Now()
	output, flattenErr := rt.buffer.Flatten(ctx)
	if flattenErr != nil {
		if pe, ok := flattenErr.(*errs.PoisonError); ok && rt.telemetry != nil {
			rt.telemetry.ErrorsAggregated = len(pe.Errors)
		}
		return nil, flattenErr
	}

	if rt.telemetry != nil {
		rt.telemetry.ClosuresRun = rt.state.ClosuresStarted()
		if rt.config.Telemetry == TelemetryTiming {
			rt.telemetry.FlattenDuration = time.Since(flattenStart)
		}
	}

	return &RenderResult{
		Output:      output,
		Data:        rt.data.Data(),
		Duration:    time.Since(start),
		Telemetry:   rt.telemetry,
		DebugEvents: rt.debugEvents,
	}, nil
}

// EmitText appends a value to the @text output. Pending values stay pending
// until flatten; autoescape applies to non-safe values.
func (rt *Runtime) EmitText(buf *outbuf.Buffer, v any) {
	var escape outbuf.Escaper
	if rt.config.Autoescape {
		escape = func(resolved any) string {
			return html.EscapeString(value.ToString(resolved))
		}
	}
	buf.AppendValue(v, escape)
}

// Emit routes a resolved value to a named handler. Poison never reaches a
// handler: it is recorded against the active guard, or parked in the text
// buffer so it surfaces at flatten.
func (rt *Runtime) Emit(ctx context.Context, buf *outbuf.Buffer, handlerName string, v any) error {
	h, ok := rt.Handler(handlerName)
	if !ok {
		return &errs.TemplateError{
			Message: fmt.Sprintf("unknown output handler %q", handlerName),
			Path:    rt.config.Path,
		}
	}

	resolved, err := value.ResolveSingle(ctx, v)
	if err != nil {
		return err
	}
	if p, isPoison := resolved.(*value.Poison); isPoison {
		rt.reportPoison(buf, p)
		return nil
	}
	return h.Emit(resolved)
}

// reportPoison hands a poison either to the active guard or to the buffer,
// where flatten will surface it.
func (rt *Runtime) reportPoison(buf *outbuf.Buffer, p *value.Poison) {
	if g := rt.currentGuard(); g != nil {
		g.guard.Observe(p.AsError())
		return
	}
	buf.AppendValue(p, nil)
}

// recordDebugEvent appends a trace record when debugging is on.
func (rt *Runtime) recordDebugEvent(level DebugLevel, event, context string) {
	if rt.config.Debug < level {
		return
	}
	rt.mu.Lock()
	defer rt.mu.Unlock()
	rt.debugEvents = append(rt.debugEvents, DebugEvent{
		Timestamp: time.Now(),
		Event:     event,
		Context:   context,
	})
}

// reportFatal records the first fatal error; the render surfaces it.
func (rt *Runtime) reportFatal(err error) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	if rt.fatalErr == nil {
		rt.fatalErr = err
	}
}

func (rt *Runtime) takeFatal() error {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	return rt.fatalErr
}

// asFatal converts an invariant panic into a FatalError.
func (rt *Runtime) asFatal(r any) error {
	if err, ok := r.(error); ok && errs.IsFatal(err) {
		return err
	}
	return errs.NewFatal(fmt.Sprint(r), 0, 0, "", rt.config.Path)
}
