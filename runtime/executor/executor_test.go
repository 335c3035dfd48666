package executor

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cascada-lang/cascada/core/meta"
	"github.com/cascada-lang/cascada/runtime/errs"
	"github.com/cascada-lang/cascada/runtime/frame"
	"github.com/cascada-lang/cascada/runtime/outbuf"
	"github.com/cascada-lang/cascada/runtime/value"
)

func asyncFn(v any, d time.Duration) *value.Future {
	f, resolve := value.NewFuture()
	go func() {
		time.Sleep(d)
		resolve(v, nil)
	}()
	return f
}

func TestRenderLiteralProgram(t *testing.T) {
	rt := newTestRuntime(ModeTemplate)

	result, err := rt.Render(context.Background(), func(ctx context.Context, rt *Runtime, f *frame.Frame, buf *outbuf.Buffer) error {
		buf.Append("hello ")
		rt.EmitText(buf, "world")
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, "hello world", result.Output)
}

// Statements that do not share state may complete in any real-time order,
// but the buffer records values in source order.
func TestRenderParallelClosuresKeepSourceOrder(t *testing.T) {
	rt := newTestRuntime(ModeTemplate)

	result, err := rt.Render(context.Background(), func(ctx context.Context, rt *Runtime, f *frame.Frame, buf *outbuf.Buffer) error {
		slow := rt.AsyncBlock(ctx, f, meta.ClosureMeta{}, func(context.Context, *frame.Frame) (any, error) {
			time.Sleep(15 * time.Millisecond)
			return "slow", nil
		}, true)
		fast := rt.AsyncBlock(ctx, f, meta.ClosureMeta{}, func(context.Context, *frame.Frame) (any, error) {
			return "fast", nil
		}, true)

		rt.EmitText(buf, slow)
		buf.Append(" then ")
		rt.EmitText(buf, fast)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, "slow then fast", result.Output)
}

// Lazy literal: var obj = { a: asyncFn(10), b: 20 }; obj.c = 30; print obj
// prints the fully concrete object with no intermediate pending observed.
func TestRenderLazyLiteralScenario(t *testing.T) {
	rt := newTestRuntime(ModeTemplate)

	result, err := rt.Render(context.Background(), func(ctx context.Context, rt *Runtime, f *frame.Frame, buf *outbuf.Buffer) error {
		obj := value.NewObject(map[string]any{
			"a": asyncFn(10, 5*time.Millisecond),
			"b": 20,
		})

		// obj.c = 30: the assignment does not force the literal async.
		out := value.SetPath(obj, []any{"c"}, 30)
		require.False(t, value.IsFuture(out), "lazy-value rule: structure stays sync")

		resolved, err := value.ResolveSingle(ctx, out)
		if err != nil {
			return err
		}
		m := resolved.(map[string]any)
		rt.EmitText(buf, fmt.Sprintf("a=%v b=%v c=%v", m["a"], m["b"], m["c"]))
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, "a=10 b=20 c=30", result.Output)
}

// Poison aggregation: two independent failing functions in one expression
// surface a single aggregated error carrying both failures in textual order.
func TestRenderPoisonAggregationScenario(t *testing.T) {
	rt := New(map[string]any{
		"f1": value.Func(func(context.Context, ...any) (any, error) {
			return nil, errors.New("f1 failed")
		}),
		"f2": value.Func(func(context.Context, ...any) (any, error) {
			return nil, errors.New("f2 failed")
		}),
	}, Config{Mode: ModeTemplate})

	_, err := rt.Render(context.Background(), func(ctx context.Context, rt *Runtime, f *frame.Frame, buf *outbuf.Buffer) error {
		// {{ f1() + f2() }}: both calls run as parallel expression blocks.
		r1 := rt.AsyncBlock(ctx, f, meta.ClosureMeta{}, func(ctx context.Context, _ *frame.Frame) (any, error) {
			return value.Call(ctx, rt.LookupVar(f, "f1"))
		}, true)
		r2 := rt.AsyncBlock(ctx, f, meta.ClosureMeta{}, func(ctx context.Context, _ *frame.Frame) (any, error) {
			return value.Call(ctx, rt.LookupVar(f, "f2"))
		}, true)

		sum := rt.AsyncBlock(ctx, f, meta.ClosureMeta{}, func(ctx context.Context, _ *frame.Frame) (any, error) {
			resolved, err := value.ResolveAll(ctx, []any{r1, r2})
			if err != nil {
				return nil, err
			}
			if p, ok := resolved.(*value.Poison); ok {
				return p, nil
			}
			vals := resolved.([]any)
			return fmt.Sprintf("%v%v", vals[0], vals[1]), nil
		}, true)

		rt.EmitText(buf, sum)
		return nil
	})

	var pe *errs.PoisonError
	require.ErrorAs(t, err, &pe)
	require.Len(t, pe.Errors, 2)
	assert.Contains(t, pe.Errors[0].Error(), "f1 failed")
	assert.Contains(t, pe.Errors[1].Error(), "f2 failed")
}

// Copy-on-write at render level: assigning through a shared reference leaves
// the original untouched.
func TestRenderCopyOnWriteScenario(t *testing.T) {
	rt := newTestRuntime(ModeTemplate)

	result, err := rt.Render(context.Background(), func(ctx context.Context, rt *Runtime, f *frame.Frame, buf *outbuf.Buffer) error {
		f.Declare("o")
		o := value.SetPath(map[string]any{"x": 1}, []any{"y"}, 2)
		require.NoError(t, rt.AssignVar(f, "o", o, false))

		// var p = o; p.z = 3
		cur, _ := f.Lookup("o")
		p := value.SetPath(cur, []any{"z"}, 3)

		oMap := cur.(map[string]any)
		pMap := p.(map[string]any)
		rt.EmitText(buf, fmt.Sprintf("o.z=%v p.z=%v", oMap["z"], pMap["z"]))
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, "o.z=<nil> p.z=3", result.Output)
}

func TestRenderFatalAbortsRender(t *testing.T) {
	rt := newTestRuntime(ModeTemplate)

	_, err := rt.Render(context.Background(), func(ctx context.Context, rt *Runtime, f *frame.Frame, buf *outbuf.Buffer) error {
		rt.AsyncBlock(ctx, f, meta.ClosureMeta{}, func(context.Context, *frame.Frame) (any, error) {
			return nil, errs.NewFatal("Async block finished with pending writes", 0, 0, "", "")
		}, false)
		return nil
	})

	require.Error(t, err)
	assert.True(t, errs.IsFatal(err))
}

func TestRenderRecoversInvariantPanic(t *testing.T) {
	rt := newTestRuntime(ModeTemplate)

	_, err := rt.Render(context.Background(), func(ctx context.Context, rt *Runtime, f *frame.Frame, buf *outbuf.Buffer) error {
		f.Pop() // popping the root frame breaches the contract
		return nil
	})

	require.Error(t, err)
	assert.True(t, errs.IsFatal(err))
}

func TestRenderDataTree(t *testing.T) {
	rt := newTestRuntime(ModeTemplate)

	result, err := rt.Render(context.Background(), func(ctx context.Context, rt *Runtime, f *frame.Frame, buf *outbuf.Buffer) error {
		if err := rt.DataHandler().Apply([]any{"report", "rows", value.AppendSentinel}, "set", []any{"r1"}, nil); err != nil {
			return err
		}
		return rt.Emit(ctx, buf, "@data", map[string]any{"done": true})
	})
	require.NoError(t, err)

	report := result.Data["report"].(map[string]any)
	assert.Equal(t, []any{"r1"}, report["rows"])
	assert.Equal(t, true, result.Data["done"])
}

func TestRenderAutoescape(t *testing.T) {
	rt := New(nil, Config{Mode: ModeTemplate, Autoescape: true})

	result, err := rt.Render(context.Background(), func(ctx context.Context, rt *Runtime, f *frame.Frame, buf *outbuf.Buffer) error {
		rt.EmitText(buf, "<b>")
		rt.EmitText(buf, value.Safe("<i>"))
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, "&lt;b&gt;<i>", result.Output)
}

func TestRenderTelemetryAndDebug(t *testing.T) {
	rt := New(nil, Config{Mode: ModeTemplate, Debug: DebugPaths, Telemetry: TelemetryTiming})

	result, err := rt.Render(context.Background(), func(ctx context.Context, rt *Runtime, f *frame.Frame, buf *outbuf.Buffer) error {
		done := rt.AsyncBlock(ctx, f, meta.ClosureMeta{}, func(context.Context, *frame.Frame) (any, error) {
			return "x", nil
		}, true)
		rt.EmitText(buf, done)
		return nil
	})
	require.NoError(t, err)

	require.NotNil(t, result.Telemetry)
	assert.Equal(t, 1, result.Telemetry.ClosuresRun)

	var sawStart bool
	for _, e := range result.DebugEvents {
		if e.Event == "closure_start" {
			sawStart = true
		}
	}
	assert.True(t, sawStart)
}

func TestRenderUnknownHandler(t *testing.T) {
	rt := newTestRuntime(ModeTemplate)

	_, err := rt.Render(context.Background(), func(ctx context.Context, rt *Runtime, f *frame.Frame, buf *outbuf.Buffer) error {
		return rt.Emit(ctx, buf, "@missing", 1)
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown output handler")
}

// A write that precedes a read on the same name (statically) is observed by
// that read (dynamically): the reader's closure awaits the writer's counter.
func TestRenderDataflowOrdering(t *testing.T) {
	rt := newTestRuntime(ModeTemplate)

	result, err := rt.Render(context.Background(), func(ctx context.Context, rt *Runtime, f *frame.Frame, buf *outbuf.Buffer) error {
		f.Declare("fetched")

		rt.AsyncBlock(ctx, f, meta.ClosureMeta{WriteCounts: map[string]int{"fetched": 1}},
			func(ctx context.Context, cf *frame.Frame) (any, error) {
				time.Sleep(10 * time.Millisecond)
				cf.Set("fetched", "payload", true)
				return nil, nil
			}, false)

		reader := rt.AsyncBlock(ctx, f, meta.ClosureMeta{Reads: []string{"fetched"}},
			func(ctx context.Context, cf *frame.Frame) (any, error) {
				v, _ := cf.Lookup("fetched")
				return value.ResolveSingle(ctx, v)
			}, true)

		rt.EmitText(buf, reader)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, "payload", result.Output)
}
