package value

import (
	"context"
	"fmt"
)

// Func is the calling convention for host-supplied functions exposed to
// templates and scripts. Async functions return a *Future.
type Func func(ctx context.Context, args ...any) (any, error)

// Bound pairs a method with the receiver it was looked up on, so a
// subsequent invocation dispatches against the original container instead of
// whatever expression produced the function reference.
type Bound struct {
	Receiver any
	Fn       Func
}

// Call invokes the bound function.
func (b *Bound) Call(ctx context.Context, args ...any) (any, error) {
	return b.Fn(ctx, args...)
}

// Callable normalises the invocable shapes: Func, *Bound, and the bare
// func(ctx, ...any) signature.
func Callable(v any) (*Bound, bool) {
	switch t := v.(type) {
	case *Bound:
		return t, true
	case Func:
		return &Bound{Fn: t}, true
	case func(ctx context.Context, args ...any) (any, error):
		return &Bound{Fn: t}, true
	}
	return nil, false
}

// Call invokes any callable value, failing with a descriptive error when the
// value is not invocable.
func Call(ctx context.Context, v any, args ...any) (any, error) {
	b, ok := Callable(v)
	if !ok {
		return nil, fmt.Errorf("value of type %T is not callable", v)
	}
	return b.Call(ctx, args...)
}
