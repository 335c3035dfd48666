// Package loops drives the template's iteration constructs over synchronous
// iterables, async iterators, and generators.
//
// The drivers only enumerate; whether iterations run in parallel is decided
// by the body the caller supplies. The parallel `for` passes a body that
// spawns an async closure per iteration and returns immediately, while the
// sequential `each` passes a body that blocks until the iteration completes.
package loops

import (
	"context"
	"errors"
	"sort"

	"github.com/cascada-lang/cascada/runtime/errs"
	"github.com/cascada-lang/cascada/runtime/value"
)

// ErrBreak stops the enumeration early. A break inside a guard is ignored by
// the driver: the guard swallows the sentinel with the rest of the body's
// control flow (a documented limitation).
var ErrBreak = errors.New("loop break")

// ErrContinue skips to the next iteration.
var ErrContinue = errors.New("loop continue")

// Iterator is the async-iterator contract. Next returns ok=false when the
// sequence is exhausted; a returned error ends the sequence.
type Iterator interface {
	Next(ctx context.Context) (v any, ok bool, err error)
}

// Generator adapts a yield function to an Iterator.
type Generator func() (v any, ok bool, err error)

// Next implements Iterator.
func (g Generator) Next(context.Context) (any, bool, error) {
	return g()
}

// KeyValue is one entry of a map iteration.
type KeyValue struct {
	Key   string
	Value any
}

// Hooks connect a driver to the surrounding closure machinery.
type Hooks struct {
	// OnPoisonedIterable fires when the iterable expression itself yielded
	// poison; the caller poisons the loop body's declared writes so
	// counters still drain.
	OnPoisonedIterable func(p *value.Poison)

	// Else runs when the loop body ran zero times. poisoned reports whether
	// that was due to a poisoned iterable.
	Else func(poisoned bool) error
}

// Body handles one iteration. Returning ErrBreak or ErrContinue steers the
// enumeration; any other error aborts the driver.
type Body func(i int, v any) error

// For enumerates source and invokes body per element. The iterable
// expression is resolved exactly once; generator yields that fail enter the
// body as poison for that iteration, so the iteration still completes and
// its counters still decrement.
func For(ctx context.Context, source any, body Body, h Hooks) error {
	resolved, err := value.ResolveSingle(ctx, source)
	if err != nil {
		return err
	}

	if p, ok := resolved.(*value.Poison); ok {
		if h.OnPoisonedIterable != nil {
			h.OnPoisonedIterable(p)
		}
		if h.Else != nil {
			return h.Else(true)
		}
		return nil
	}

	it, err := toIterator(resolved)
	if err != nil {
		return err
	}

	count := 0
	for {
		v, ok, yieldErr := it.Next(ctx)
		if yieldErr != nil {
			// A failing yield poisons this iteration, not the whole loop.
			v = value.NewPoison(yieldErr)
			ok = true
			it = exhausted{}
		}
		if !ok {
			break
		}

		switch err := body(count, v); {
		case err == nil, errors.Is(err, ErrContinue):
		case errors.Is(err, ErrBreak):
			return nil
		default:
			return err
		}
		count++
	}

	if count == 0 && h.Else != nil {
		return h.Else(false)
	}
	return nil
}

// Each is the sequential variant: identical enumeration, but the supplied
// body blocks until its iteration has fully completed, so iterations never
// overlap.
func Each(ctx context.Context, source any, body Body, h Hooks) error {
	return For(ctx, source, body, h)
}

// While re-evaluates cond before every iteration. The condition may be
// async; a poisoned condition poisons the loop's declared writes and stops.
func While(ctx context.Context, cond func(ctx context.Context) (any, error), body func(i int) error, h Hooks) error {
	for i := 0; ; i++ {
		raw, err := cond(ctx)
		if err != nil {
			return err
		}
		resolved, err := value.ResolveSingle(ctx, raw)
		if err != nil {
			return err
		}
		if p, ok := resolved.(*value.Poison); ok {
			if h.OnPoisonedIterable != nil {
				h.OnPoisonedIterable(p)
			}
			return p.AsError()
		}
		if !value.IsTruthy(resolved) {
			if i == 0 && h.Else != nil {
				return h.Else(false)
			}
			return nil
		}

		switch err := body(i); {
		case err == nil, errors.Is(err, ErrContinue):
		case errors.Is(err, ErrBreak):
			return nil
		default:
			return err
		}
	}
}

type exhausted struct{}

func (exhausted) Next(context.Context) (any, bool, error) { return nil, false, nil }

type sliceIterator struct {
	items []any
	pos   int
}

func (it *sliceIterator) Next(context.Context) (any, bool, error) {
	if it.pos >= len(it.items) {
		return nil, false, nil
	}
	v := it.items[it.pos]
	it.pos++
	return v, true, nil
}

type chanIterator struct {
	ch <-chan any
}

func (it chanIterator) Next(ctx context.Context) (any, bool, error) {
	select {
	case v, ok := <-it.ch:
		return v, ok, nil
	case <-ctx.Done():
		return nil, false, ctx.Err()
	}
}

// toIterator normalises the supported source shapes. Map entries are yielded
// as KeyValue in sorted key order so renders stay deterministic.
func toIterator(source any) (Iterator, error) {
	switch s := source.(type) {
	case nil:
		return exhausted{}, nil
	case []any:
		return &sliceIterator{items: s}, nil
	case map[string]any:
		keys := make([]string, 0, len(s))
		for k := range s {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		items := make([]any, len(keys))
		for i, k := range keys {
			items[i] = KeyValue{Key: k, Value: s[k]}
		}
		return &sliceIterator{items: items}, nil
	case <-chan any:
		return chanIterator{ch: s}, nil
	case chan any:
		return chanIterator{ch: s}, nil
	case Iterator:
		return s, nil
	case func() (any, bool, error):
		return Generator(s), nil
	case string:
		items := make([]any, 0, len(s))
		for _, r := range s {
			items = append(items, string(r))
		}
		return &sliceIterator{items: items}, nil
	}

	return nil, &errs.TemplateError{
		Message: "value is not iterable",
	}
}
