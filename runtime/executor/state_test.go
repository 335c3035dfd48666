package executor

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cascada-lang/cascada/core/meta"
	"github.com/cascada-lang/cascada/runtime/errs"
	"github.com/cascada-lang/cascada/runtime/frame"
	"github.com/cascada-lang/cascada/runtime/value"
)

func newTestRuntime(mode Mode) *Runtime {
	return New(nil, Config{Mode: mode})
}

func TestAsyncBlockResolvesValue(t *testing.T) {
	rt := newTestRuntime(ModeTemplate)

	f := rt.AsyncBlock(context.Background(), rt.root, meta.ClosureMeta{},
		func(context.Context, *frame.Frame) (any, error) {
			return "result", nil
		}, true)

	v, err := f.Await(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "result", v)
}

func TestAsyncBlockQuiescence(t *testing.T) {
	rt := newTestRuntime(ModeTemplate)
	var ran atomic.Int32

	for i := 0; i < 5; i++ {
		rt.AsyncBlock(context.Background(), rt.root, meta.ClosureMeta{},
			func(context.Context, *frame.Frame) (any, error) {
				time.Sleep(time.Duration(i+1) * time.Millisecond)
				ran.Add(1)
				return nil, nil
			}, false)
	}

	require.NoError(t, rt.state.WaitAllClosures(context.Background(), 0))
	assert.Equal(t, int32(5), ran.Load())
	assert.Equal(t, 0, rt.state.ActiveClosures())
	assert.Equal(t, 5, rt.state.ClosuresStarted())
}

// An expression block that fails poisons its registered writes, so counters
// still drain, and re-raises the failure to the awaiting expression.
func TestAsyncBlockExprFailurePoisonsWrites(t *testing.T) {
	rt := newTestRuntime(ModeTemplate)
	rt.root.Declare("out")

	boom := errors.New("body failed")
	cm := meta.ClosureMeta{WriteCounts: map[string]int{"out": 1}}

	f := rt.AsyncBlock(context.Background(), rt.root, cm,
		func(context.Context, *frame.Frame) (any, error) {
			return nil, boom
		}, true)

	_, err := f.Await(context.Background())
	// Await folds the PoisonError back into a poison value.
	require.NoError(t, err)

	require.NoError(t, rt.state.WaitAllClosures(context.Background(), 0))

	v, _ := rt.root.Lookup("out")
	p, ok := v.(*value.Poison)
	require.True(t, ok, "registered write must be poisoned")
	assert.Equal(t, []error{boom}, p.Errors)
}

func TestAsyncBlockExprFailureYieldsPoison(t *testing.T) {
	rt := newTestRuntime(ModeTemplate)
	boom := errors.New("expr failed")

	f := rt.AsyncBlock(context.Background(), rt.root, meta.ClosureMeta{},
		func(context.Context, *frame.Frame) (any, error) {
			return nil, boom
		}, true)

	v, err := f.Await(context.Background())
	require.NoError(t, err)
	p, ok := v.(*value.Poison)
	require.True(t, ok)
	assert.Equal(t, []error{boom}, p.Errors)
}

// A panic out of the body is a breach of the compiler contract: the render
// rejects with a fatal error.
func TestAsyncBlockPanicIsFatal(t *testing.T) {
	rt := newTestRuntime(ModeTemplate)

	rt.AsyncBlock(context.Background(), rt.root, meta.ClosureMeta{},
		func(context.Context, *frame.Frame) (any, error) {
			panic("emitted code is broken")
		}, false)

	require.NoError(t, rt.state.WaitAllClosures(context.Background(), 0))

	fatal := rt.takeFatal()
	require.Error(t, fatal)
	assert.True(t, errs.IsFatal(fatal))
	assert.Contains(t, fatal.Error(), "emitted code is broken")
}

func TestAsyncBlockFatalErrorSurfaces(t *testing.T) {
	rt := newTestRuntime(ModeTemplate)
	fatal := errs.NewFatal("contract breach", 1, 1, "", "")

	rt.AsyncBlock(context.Background(), rt.root, meta.ClosureMeta{},
		func(context.Context, *frame.Frame) (any, error) {
			return nil, fatal
		}, false)

	require.NoError(t, rt.state.WaitAllClosures(context.Background(), 0))
	assert.Same(t, fatal, rt.takeFatal())
}

func TestAsyncBlockSnapshotIsolation(t *testing.T) {
	rt := newTestRuntime(ModeTemplate)
	rt.root.Declare("n")
	rt.root.Set("n", 1, false)

	observed := make(chan any, 1)
	started := make(chan struct{})

	rt.AsyncBlock(context.Background(), rt.root, meta.ClosureMeta{Reads: []string{"n"}},
		func(ctx context.Context, f *frame.Frame) (any, error) {
			close(started)
			time.Sleep(5 * time.Millisecond)
			v, _ := f.Lookup("n")
			observed <- v
			return nil, nil
		}, false)

	<-started
	rt.root.Set("n", 2, false)

	require.NoError(t, rt.state.WaitAllClosures(context.Background(), 0))
	assert.Equal(t, 1, <-observed, "closure must observe its push-time snapshot")
}

func TestWaitAllClosuresHonorsContext(t *testing.T) {
	rt := newTestRuntime(ModeTemplate)
	release := make(chan struct{})

	rt.AsyncBlock(context.Background(), rt.root, meta.ClosureMeta{},
		func(context.Context, *frame.Frame) (any, error) {
			<-release
			return nil, nil
		}, false)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	err := rt.state.WaitAllClosures(ctx, 0)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	close(release)
	require.NoError(t, rt.state.WaitAllClosures(context.Background(), 0))
}
