package executor

import (
	"context"
	"fmt"

	"github.com/cascada-lang/cascada/core/meta"
	"github.com/cascada-lang/cascada/runtime/errs"
	"github.com/cascada-lang/cascada/runtime/value"
)

// SequentialWrite runs op under the exclusive sequence lock for path. The
// enqueue happens synchronously in call order (the emitter invokes this in
// source order while spawning closures), so tagged writes on one path
// complete in program-textual order. The returned future carries op's value;
// a failing op resolves to poison so the failure flows through the dataflow
// instead of rejecting.
func (rt *Runtime) SequentialWrite(ctx context.Context, path string, pos meta.Position, op func(ctx context.Context) (any, error)) *value.Future {
	wait, release := rt.locks.AcquireWrite(path)
	rt.recordDebugEvent(DebugDetailed, "seqlock_write_enqueue", path)
	return rt.runLocked(ctx, path, pos, op, wait, release, true)
}

// SequentialRead runs op under a shared acquisition: it waits for the
// current writer on the path and its ancestors, then overlaps other reads.
func (rt *Runtime) SequentialRead(ctx context.Context, path string, pos meta.Position, op func(ctx context.Context) (any, error)) *value.Future {
	wait, release := rt.locks.AcquireRead(path)
	rt.recordDebugEvent(DebugDetailed, "seqlock_read_enqueue", path)
	return rt.runLocked(ctx, path, pos, op, wait, release, false)
}

func (rt *Runtime) runLocked(ctx context.Context, path string, pos meta.Position, op func(ctx context.Context) (any, error), wait *value.Future, release func(), exclusive bool) *value.Future {
	future, resolve := value.NewFuture()

	go func() {
		if _, err := wait.Await(ctx); err != nil {
			release()
			resolve(nil, err)
			return
		}

		v, err := op(ctx)
		if err != nil {
			te := errs.Handle(err, pos.Line, pos.Col, "", rt.errPath(pos))

			// A failing exclusive operation inside a guard that covers this
			// lock stays held: the guard repairs it so downstream users can
			// acquire again. Everything else releases normally.
			if g := rt.currentGuard(); exclusive && g != nil && g.guardsLock(path) {
				g.guard.Observe(te)
				rt.recordDebugEvent(DebugDetailed, "seqlock_held_for_repair", path)
			} else {
				release()
			}

			resolve(value.NewPoison(te), nil)
			return
		}

		release()
		resolve(v, nil)
	}()

	return future
}

// SequentialCall is the common emitted shape: look up a bound method on a
// possibly-pending receiver and invoke it under the write lock for its base
// expression path.
func (rt *Runtime) SequentialCall(ctx context.Context, path string, pos meta.Position, target any, method string, args ...any) *value.Future {
	return rt.SequentialWrite(ctx, path, pos, func(ctx context.Context) (any, error) {
		receiver, err := value.ResolveSingle(ctx, target)
		if err != nil {
			return nil, err
		}
		if p, ok := receiver.(*value.Poison); ok {
			return nil, p.AsError()
		}

		member := rt.MemberLookup(receiver, method, pos)
		if p, ok := member.(*value.Poison); ok {
			return nil, p.AsError()
		}
		bound, ok := value.Callable(member)
		if !ok {
			return nil, fmt.Errorf("%s.%s is not callable", path, method)
		}

		result, err := bound.Call(ctx, args...)
		if err != nil {
			return nil, err
		}
		return value.ResolveSingle(ctx, result)
	})
}
