package value

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func delayed(v any, d time.Duration) *Future {
	f, resolve := NewFuture()
	go func() {
		time.Sleep(d)
		resolve(v, nil)
	}()
	return f
}

func TestNewObjectConcreteIsUntouched(t *testing.T) {
	obj := map[string]any{"a": 1, "b": "two"}
	out := NewObject(obj)

	// No pending children: same map back, no wrapper.
	m, ok := out.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, len(obj), len(m))
}

func TestNewObjectResolvesInPlace(t *testing.T) {
	obj := map[string]any{
		"a": delayed(10, 5*time.Millisecond),
		"b": 20,
	}
	out := NewObject(obj)

	l, ok := out.(*Lazy)
	require.True(t, ok, "pending child must attach a marker")

	resolved, err := l.Await(context.Background())
	require.NoError(t, err)

	// Identity preserved: resolution mutated obj itself.
	m, ok := resolved.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, 10, m["a"])
	assert.Equal(t, 10, obj["a"])
	assert.Equal(t, 20, obj["b"])
}

// After awaiting the marker, no property is pending.
func TestNewObjectNoPendingAfterAwait(t *testing.T) {
	obj := map[string]any{
		"x": delayed("vx", time.Millisecond),
		"y": delayed("vy", 3*time.Millisecond),
		"z": "vz",
	}
	l := NewObject(obj).(*Lazy)
	_, err := l.Await(context.Background())
	require.NoError(t, err)

	for k, v := range obj {
		assert.False(t, IsFuture(v), "property %q still pending", k)
	}
}

func TestNewObjectIdempotentOnceResolved(t *testing.T) {
	obj := map[string]any{"a": delayed(1, time.Millisecond)}
	l := NewObject(obj).(*Lazy)
	_, err := l.Await(context.Background())
	require.NoError(t, err)

	// Re-attachment on a resolved object is a no-op.
	out := NewObject(obj)
	_, isMap := out.(map[string]any)
	assert.True(t, isMap)
}

func TestNewObjectAggregatesChildFailures(t *testing.T) {
	e1 := errors.New("child a failed")
	e2 := errors.New("child b failed")

	obj := map[string]any{
		"a": Rejected(e1),
		"b": Rejected(e2),
		"c": 3,
	}
	l := NewObject(obj).(*Lazy)

	v, err := l.completion.Await(context.Background())
	require.NoError(t, err, "aggregated failure folds into poison")
	p, ok := v.(*Poison)
	require.True(t, ok)
	// Deterministic key order: a before b.
	assert.Equal(t, []error{e1, e2}, p.Errors)
}

func TestNewObjectPoisonChildStaysInPlace(t *testing.T) {
	p := NewPoison(errors.New("pre-poisoned"))
	obj := map[string]any{"bad": p}

	// Poison is not a dependency: the container is already concrete.
	out := NewObject(obj)
	m, ok := out.(map[string]any)
	require.True(t, ok)
	assert.Same(t, p, m["bad"])
}

func TestNewArrayResolvesByIndex(t *testing.T) {
	arr := []any{delayed("first", 2*time.Millisecond), "second"}
	l := NewArray(arr).(*Lazy)

	resolved, err := l.Await(context.Background())
	require.NoError(t, err)

	got := resolved.([]any)
	assert.Empty(t, cmp.Diff([]any{"first", "second"}, got))
	assert.Equal(t, "first", arr[0])
}

func TestNewArrayConcrete(t *testing.T) {
	arr := []any{1, 2, 3}
	out := NewArray(arr)
	_, isSlice := out.([]any)
	assert.True(t, isSlice)
}

func TestNestedMarkerResolvedThroughParent(t *testing.T) {
	inner := map[string]any{"deep": delayed("dv", 2*time.Millisecond)}
	innerWrapped := NewObject(inner)
	require.True(t, IsLazy(innerWrapped))

	outer := map[string]any{"child": innerWrapped, "flat": 1}
	l := NewObject(outer).(*Lazy)

	_, err := l.Await(context.Background())
	require.NoError(t, err)

	// The child's resolver mutated inner in place; the parent slot now holds
	// the same container, not a copy.
	got, ok := outer["child"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "dv", got["deep"])
	assert.Equal(t, "dv", inner["deep"])
}
