package value

import (
	"context"
	"sort"

	"github.com/cascada-lang/cascada/runtime/errs"
)

// Lazy wraps a container literal (map[string]any or []any) whose depth-one
// children may still be futures. The wrapper is the Go rendition of the
// original's hidden resolve marker: its completion, when awaited, writes each
// resolved child back into the container in place and yields the container.
// Absence of a Lazy wrapper means the container is fully concrete at its
// current depth.
type Lazy struct {
	// Container is the underlying map[string]any or []any. Its identity is
	// preserved: resolution mutates it in place and never re-copies.
	Container any

	completion *Future
}

// IsLazy reports whether v carries a resolve marker.
func IsLazy(v any) bool {
	_, ok := v.(*Lazy)
	return ok
}

// Await drives the marker to completion and returns the (now concrete)
// container. Aggregated child failures come back as a poison value.
func (l *Lazy) Await(ctx context.Context) (any, error) {
	return l.completion.Await(ctx)
}

// lazyDep records one pending child and where to write it back.
type lazyDep struct {
	key   string // map key, or "" for array entries
	index int    // array index, or -1 for map entries
	v     any    // *Future or *Lazy
}

// NewObject scans the object's entries at depth one. Entries that are pending
// (and not poison) or that carry their own marker become dependencies; if any
// exist the object is wrapped in a Lazy whose completion awaits them all,
// raises an aggregated PoisonError on failure, and otherwise writes each
// awaited value back at its original key. The map reference is returned
// unchanged when nothing is pending, and is never copied.
func NewObject(obj map[string]any) any {
	if obj == nil {
		return obj
	}

	// Deterministic dependency order for error aggregation.
	keys := make([]string, 0, len(obj))
	for k := range obj {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var deps []lazyDep
	for _, k := range keys {
		if isDeferred(obj[k]) {
			deps = append(deps, lazyDep{key: k, index: -1, v: obj[k]})
		}
	}
	if len(deps) == 0 {
		return obj
	}

	return newLazy(obj, deps, func(k string, _ int, v any) { obj[k] = v })
}

// NewArray is NewObject for array literals. Write-back is by index.
func NewArray(arr []any) any {
	var deps []lazyDep
	for i, v := range arr {
		if isDeferred(v) {
			deps = append(deps, lazyDep{index: i, v: v})
		}
	}
	if len(deps) == 0 {
		return arr
	}

	return newLazy(arr, deps, func(_ string, i int, v any) { arr[i] = v })
}

// isDeferred reports whether v must be awaited before the container is
// concrete at depth one. Poison is deliberately not deferred: it is stored
// as-is so later writes may overwrite it.
func isDeferred(v any) bool {
	return IsFuture(v) || IsLazy(v)
}

// newLazy attaches the marker: a completion that resolves the dependencies,
// aggregates failures, and writes concrete children back into the container.
func newLazy(container any, deps []lazyDep, writeBack func(key string, index int, v any)) *Lazy {
	completion, resolve := NewFuture()
	l := &Lazy{Container: container, completion: completion}

	go func() {
		ctx := context.Background()

		depValues := make([]any, len(deps))
		for i, d := range deps {
			depValues[i] = d.v
		}

		if collected := CollectErrors(ctx, depValues); len(collected) > 0 {
			resolve(nil, &errs.PoisonError{Errors: collected})
			return
		}

		for _, d := range deps {
			resolved, err := ResolveSingle(ctx, d.v)
			if err != nil {
				resolve(nil, err)
				return
			}
			writeBack(d.key, d.index, resolved)
		}

		resolve(container, nil)
	}()

	return l
}
