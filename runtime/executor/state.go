package executor

import (
	"context"
	"fmt"
	"sync"

	"github.com/cascada-lang/cascada/core/invariant"
	"github.com/cascada-lang/cascada/core/meta"
	"github.com/cascada-lang/cascada/runtime/errs"
	"github.com/cascada-lang/cascada/runtime/frame"
	"github.com/cascada-lang/cascada/runtime/value"
)

// AsyncState tracks the closures in flight for one render, so the top level
// can await quiescence before flattening the output.
type AsyncState struct {
	mu      sync.Mutex
	cond    *sync.Cond
	active  int
	started int
}

// NewAsyncState creates an idle state.
func NewAsyncState() *AsyncState {
	s := &AsyncState{}
	s.cond = sync.NewCond(&s.mu)
	return s
}

func (s *AsyncState) enter() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.active++
	s.started++
}

func (s *AsyncState) leave() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.active--
	invariant.NonNegative(s.active, "active closure count")
	s.cond.Broadcast()
}

// ActiveClosures returns the number of closures currently in flight.
func (s *AsyncState) ActiveClosures() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

// ClosuresStarted returns how many closures ran over the render's lifetime.
func (s *AsyncState) ClosuresStarted() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.started
}

// WaitAllClosures blocks until at most target closures remain in flight.
// Waiting for zero is the top-level quiescence barrier.
func (s *AsyncState) WaitAllClosures(ctx context.Context, target int) error {
	done := make(chan struct{})
	go func() {
		s.mu.Lock()
		for s.active > target {
			s.cond.Wait()
		}
		s.mu.Unlock()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// BlockFunc is the body of an async closure: it runs on the closure's own
// frame and produces the closure's value.
type BlockFunc func(ctx context.Context, f *frame.Frame) (any, error)

// AsyncBlock spawns one async closure following the block protocol:
//
//  1. push an async frame and count the closure as active;
//  2. run fn on its own goroutine;
//  3. fatal errors surface through the runtime immediately so the render
//     rejects;
//  4. for expression blocks, any other failure poisons the registered writes
//     (counters still decrement) and re-raises as the closure's result;
//  5. on the way out, sequential blocks commit their writes, the frame pops,
//     and the closure leaves the active set;
//  6. a panic out of fn is a breach of the compiler contract and is
//     delivered as a fatal error.
//
// The returned future carries fn's value for expression blocks; statement
// blocks may ignore it.
func (rt *Runtime) AsyncBlock(ctx context.Context, parent *frame.Frame, cm meta.ClosureMeta, fn BlockFunc, expr bool) *value.Future {
	child := parent.PushAsyncBlock(cm.Reads, cm.WriteCounts, cm.Sequential)
	rt.state.enter()
	rt.recordDebugEvent(DebugPaths, "closure_start", fmt.Sprintf("reads=%d writes=%d", len(cm.Reads), len(cm.WriteCounts)))

	future, resolve := value.NewFuture()

	go func() {
		var (
			v   any
			err error
		)

		// The deferred tail runs even when the bookkeeping itself breaches
		// an invariant, so the closure always leaves the active set and the
		// render rejects instead of the process crashing.
		defer func() {
			if r := recover(); r != nil {
				err = errs.NewFatal(fmt.Sprint(r), cm.Pos.Line, cm.Pos.Col, "", rt.config.Path)
			}

			if err != nil && errs.IsFatal(err) {
				rt.reportFatal(err)
			}

			rt.state.leave()
			rt.recordDebugEvent(DebugPaths, "closure_done", fmt.Sprintf("failed=%v", err != nil))

			switch {
			case err == nil:
				resolve(v, nil)
			case expr && !errs.IsFatal(err):
				// Re-raise so the awaiting expression sees the poison.
				if pe, ok := err.(*errs.PoisonError); ok {
					resolve(nil, pe)
					return
				}
				resolve(nil, &errs.PoisonError{Errors: []error{err}})
			default:
				resolve(nil, err)
			}
		}()

		func() {
			defer func() {
				if r := recover(); r != nil {
					err = errs.NewFatal(fmt.Sprint(r), cm.Pos.Line, cm.Pos.Col, "", rt.config.Path)
				}
			}()
			v, err = fn(ctx, child)
		}()

		if err != nil && !errs.IsFatal(err) {
			if remaining := child.RemainingWrites(); len(remaining) > 0 {
				// The body aborted with writes still promised: poison them
				// so counters drain and parent readers unblock.
				child.PoisonBranchWrites(err, remaining)
			}
		}

		if cm.Sequential && !errs.IsFatal(err) {
			child.CommitSequentialWrites()
		}

		child.Pop()
	}()

	return future
}
