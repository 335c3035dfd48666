package value

import (
	"context"
)

// CollectErrors awaits each value and gathers every failure it finds, in
// input order. A fulfilment that yields poison contributes the poison's
// errors contiguously; a rejection carrying a PoisonError contributes its
// errors; any other rejection contributes that error itself. A nil return
// means every value resolved cleanly.
func CollectErrors(ctx context.Context, values []any) []error {
	var collected []error

	for _, v := range values {
		switch t := v.(type) {
		case *Poison:
			collected = append(collected, t.Errors...)
		case *Future:
			resolved, err := t.Await(ctx)
			if err != nil {
				collected = append(collected, err)
				continue
			}
			collected = append(collected, CollectErrors(ctx, []any{resolved})...)
		case *Lazy:
			resolved, err := t.Await(ctx)
			if err != nil {
				collected = append(collected, err)
				continue
			}
			if p, ok := resolved.(*Poison); ok {
				collected = append(collected, p.Errors...)
			}
		}
	}

	return collected
}

// ResolveSingle resolves one value: a concrete value is returned untouched
// (the synchronous shortcut), a future is awaited first, then any marker on
// the result. Poison propagates as a value, never as an error.
func ResolveSingle(ctx context.Context, v any) (any, error) {
	for {
		switch t := v.(type) {
		case *Poison:
			return t, nil
		case *Future:
			resolved, err := t.Await(ctx)
			if err != nil {
				return nil, err
			}
			v = resolved
		case *Lazy:
			resolved, err := t.Await(ctx)
			if err != nil {
				return nil, err
			}
			v = resolved
		default:
			return v, nil
		}
	}
}

// ResolveAll resolves a value list. If any entry fails, the result is a
// single poison aggregating every failure in input order; otherwise it is a
// []any with each entry fully unwrapped.
func ResolveAll(ctx context.Context, values []any) (any, error) {
	if collected := CollectErrors(ctx, values); len(collected) > 0 {
		return &Poison{Errors: collected}, nil
	}

	out := make([]any, len(values))
	for i, v := range values {
		resolved, err := ResolveSingle(ctx, v)
		if err != nil {
			return nil, err
		}
		out[i] = resolved
	}
	return out, nil
}

// ResolveObjectProperties attaches a marker to obj and drives it, yielding an
// object whose own properties are all concrete.
func ResolveObjectProperties(ctx context.Context, obj map[string]any) (any, error) {
	return ResolveSingle(ctx, NewObject(obj))
}
