package value

import (
	"context"
	"fmt"
	"maps"
	"slices"

	"github.com/cascada-lang/cascada/runtime/errs"
)

// AppendSentinel is the path segment denoting "the array's last element" in a
// non-terminal position, and "append" in the terminal position.
const AppendSentinel = "[]"

// SetPath performs a copy-on-write deep assignment of value at the segment
// path under root. The result is the new root: a container when everything
// needed to locate the write is already concrete, a *Future when the root or
// any segment is still pending (the async-key rule), or a *Poison when an
// input is poisoned.
//
// A pending assigned value never forces the result async: the surrounding
// structure is returned synchronously with a resolve marker on the containing
// level (the lazy-value rule). A poison value is likewise assigned as-is,
// uninspected, so later writes may overwrite it.
func SetPath(root any, segments []any, val any) any {
	if len(segments) == 0 {
		return val
	}

	// Synchronous poison aggregation, in declaration order: root first, then
	// each segment.
	var poisoned []any
	if IsPoison(root) {
		poisoned = append(poisoned, root)
	}
	for _, seg := range segments {
		if IsPoison(seg) {
			poisoned = append(poisoned, seg)
		}
	}
	if len(poisoned) > 0 {
		return Combine(poisoned...)
	}

	// The async-key rule: a pending root or segment means the write location
	// is unknown, so callers must not see the container yet.
	if pathPending(root, segments) {
		future, resolve := NewFuture()
		go func() {
			ctx := context.Background()
			resolved, err := resolvePathInputs(ctx, root, segments)
			if err != nil {
				resolve(nil, err)
				return
			}
			if p, ok := resolved.(*Poison); ok {
				resolve(p, nil)
				return
			}
			rr := resolved.(pathInputs)
			resolve(SetPath(rr.root, rr.segments, val), nil)
		}()
		return future
	}

	// A marked root is structurally known; operate on its container.
	if l, ok := root.(*Lazy); ok {
		root = l.Container
	}

	head := segments[0]
	if head == AppendSentinel && len(segments) > 1 {
		arr, ok := root.([]any)
		if !ok {
			return NewPoison(&errs.TemplateError{
				Message: fmt.Sprintf("cannot use %q on non-array value of type %T", AppendSentinel, root),
			})
		}
		if len(arr) == 0 {
			return NewPoison(&errs.TemplateError{
				Message: fmt.Sprintf("cannot use %q on an empty array", AppendSentinel),
			})
		}
		head = len(arr) - 1
	}

	if len(segments) == 1 {
		return setSinglePath(root, head, val)
	}

	child := childAt(root, head)
	newChild := SetPath(child, segments[1:], val)
	if IsPoison(newChild) {
		return newChild
	}
	return setSinglePath(root, head, newChild)
}

// pathInputs bundles resolved SetPath inputs for the async re-run.
type pathInputs struct {
	root     any
	segments []any
}

// pathPending reports whether the root or any segment is still a future.
func pathPending(root any, segments []any) bool {
	if IsFuture(root) {
		return true
	}
	for _, seg := range segments {
		if IsFuture(seg) {
			return true
		}
	}
	return false
}

// resolvePathInputs awaits the root and every segment. A poison discovered
// after awaiting behaves identically to the synchronous case: aggregated in
// declaration order and returned as a single poison.
func resolvePathInputs(ctx context.Context, root any, segments []any) (any, error) {
	inputs := append([]any{root}, segments...)
	if collected := CollectErrors(ctx, inputs); len(collected) > 0 {
		return &Poison{Errors: collected}, nil
	}

	resolvedRoot := root
	if f, ok := root.(*Future); ok {
		v, err := f.Await(ctx)
		if err != nil {
			return nil, err
		}
		resolvedRoot = v
	}

	resolvedSegs := make([]any, len(segments))
	for i, seg := range segments {
		if f, ok := seg.(*Future); ok {
			v, err := f.Await(ctx)
			if err != nil {
				return nil, err
			}
			resolvedSegs[i] = v
			continue
		}
		resolvedSegs[i] = seg
	}

	return pathInputs{root: resolvedRoot, segments: resolvedSegs}, nil
}

// childAt reads the child at key without resolving anything.
func childAt(root, key any) any {
	if l, ok := root.(*Lazy); ok {
		root = l.Container
	}
	switch c := root.(type) {
	case map[string]any:
		return c[keyString(key)]
	case []any:
		i, ok := key.(int)
		if !ok || i < 0 || i >= len(c) {
			return nil
		}
		return c[i]
	}
	return nil
}

// setSinglePath assigns v at key on a shallow copy of obj. A pending or
// marked v gets a fresh resolve marker attached on the copy.
func setSinglePath(obj, key, v any) any {
	if obj == nil {
		return NewPoison(&errs.TemplateError{
			Message: fmt.Sprintf("cannot set property %v on undefined value", key),
		})
	}

	switch c := obj.(type) {
	case []any:
		cp := slices.Clone(c)
		if key == AppendSentinel {
			cp = append(cp, v)
		} else {
			i, ok := key.(int)
			if !ok {
				return NewPoison(&errs.TemplateError{
					Message: fmt.Sprintf("array index must be a number, got %T", key),
				})
			}
			if i < 0 || i >= len(cp) {
				return NewPoison(&errs.TemplateError{
					Message: fmt.Sprintf("array index %d out of range (length %d)", i, len(cp)),
				})
			}
			cp[i] = v
		}
		// Re-scan the copy: the assigned v or a pre-existing child may still
		// be pending, and the original's marker does not travel with the
		// shallow copy.
		return NewArray(cp)

	case map[string]any:
		cp := maps.Clone(c)
		cp[keyString(key)] = v
		return NewObject(cp)
	}

	return NewPoison(&errs.TemplateError{
		Message: fmt.Sprintf("cannot set property %v on value of type %T", key, obj),
	})
}

// keyString normalises a path segment into a map key.
func keyString(key any) string {
	if s, ok := key.(string); ok {
		return s
	}
	return fmt.Sprint(key)
}
