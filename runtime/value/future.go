// Package value implements the Cascada runtime value model.
//
// Every runtime value is one of: a concrete Go value (scalars, maps, slices,
// function references, SafeString), a *Future that will yield a value later,
// a *Lazy container whose immediate children may still be futures, or a
// *Poison carrying one or more deferred errors. Futures and poison are
// disjoint: a future may yield poison when awaited, but poison is never
// pending.
package value

import (
	"context"
	"sync/atomic"

	"github.com/cascada-lang/cascada/core/invariant"
	"github.com/cascada-lang/cascada/runtime/errs"
)

// Future is a single-shot promise for a runtime value. It is resolved exactly
// once, either with a value (which may itself be poison) or with an error.
type Future struct {
	done chan struct{}
	val  any
	err  error
}

// NewFuture creates an unresolved future and its resolver. The resolver must
// be called exactly once; a second call panics via invariant.
func NewFuture() (*Future, func(v any, err error)) {
	f := &Future{done: make(chan struct{})}
	var resolved atomic.Bool

	resolve := func(v any, err error) {
		invariant.Precondition(resolved.CompareAndSwap(false, true), "future resolved twice")
		f.val = v
		f.err = err
		close(f.done)
	}

	return f, resolve
}

// Resolved returns a future already fulfilled with v. Used by drivers that
// normalise sync and async sources to one shape.
func Resolved(v any) *Future {
	f := &Future{done: make(chan struct{}), val: v}
	close(f.done)
	return f
}

// Rejected returns a future already failed with err.
func Rejected(err error) *Future {
	f := &Future{done: make(chan struct{}), err: err}
	close(f.done)
	return f
}

// IsFuture reports whether v is a pending value.
func IsFuture(v any) bool {
	_, ok := v.(*Future)
	return ok
}

// Await blocks until the future is resolved or ctx is done.
//
// A fulfilment whose value is poison is returned as (poison, nil): poison
// behaves as a successful result so that code paths which await it do not
// convert it to a rejection. A rejection with PoisonError is likewise folded
// back into a poison value. Any other rejection is returned on the error
// channel.
func (f *Future) Await(ctx context.Context) (any, error) {
	select {
	case <-f.done:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	if f.err != nil {
		if pe, ok := f.err.(*errs.PoisonError); ok {
			return FromPoisonError(pe), nil
		}
		return nil, f.err
	}
	return f.val, nil
}

// TryGet returns the resolved value without blocking. ok is false while the
// future is still pending.
func (f *Future) TryGet() (v any, err error, ok bool) {
	select {
	case <-f.done:
		return f.val, f.err, true
	default:
		return nil, nil, false
	}
}
