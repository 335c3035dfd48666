package executor

import (
	"context"
	"fmt"
	"sort"

	"github.com/cascada-lang/cascada/core/meta"
	"github.com/cascada-lang/cascada/runtime/errs"
	"github.com/cascada-lang/cascada/runtime/frame"
	"github.com/cascada-lang/cascada/runtime/value"
)

// MemberLookup reads obj[key] synchronously. Poison on either input
// propagates; when both are poisoned their error lists concatenate, so no
// error is ever dropped. A nil object is silently undefined in template mode
// and poison in script mode. Function-valued properties come back bound to
// their receiver, so a later invocation dispatches against the original
// container.
func (rt *Runtime) MemberLookup(obj, key any, pos meta.Position) any {
	objPoisoned := value.IsPoison(obj)
	keyPoisoned := value.IsPoison(key)
	switch {
	case objPoisoned && keyPoisoned:
		return value.Combine(obj, key)
	case objPoisoned:
		return obj
	case keyPoisoned:
		return key
	}

	if obj == nil {
		if rt.config.Mode == ModeTemplate {
			return nil
		}
		return value.NewPoison(rt.positioned(pos,
			fmt.Sprintf("cannot read property %v of undefined", key)))
	}

	if l, ok := obj.(*value.Lazy); ok {
		obj = l.Container
	}

	var v any
	var found bool

	switch c := obj.(type) {
	case map[string]any:
		v, found = c[keyString(key)]
	case []any:
		if i, ok := key.(int); ok && i >= 0 && i < len(c) {
			v, found = c[i], true
		}
	case string:
		if i, ok := key.(int); ok && i >= 0 && i < len(c) {
			v, found = string(c[i]), true
		}
	default:
		if rt.config.Mode == ModeScript {
			return value.NewPoison(rt.positioned(pos,
				fmt.Sprintf("cannot read property %v of %T", key, obj)))
		}
		return nil
	}

	if !found {
		if rt.config.Mode == ModeTemplate {
			return nil
		}
		return value.NewPoison(rt.positioned(pos,
			fmt.Sprintf("cannot read unknown property %v", key)))
	}

	if fn, ok := value.Callable(v); ok {
		return &value.Bound{Receiver: obj, Fn: fn.Fn}
	}
	return v
}

// MemberLookupAsync is MemberLookup over possibly-pending inputs. When both
// are already concrete it runs the synchronous path and only wraps a pending
// property value with position context, so a later rejection becomes a
// positioned error. Otherwise it awaits both inputs, re-checks poison on the
// resolved values, and falls through to the synchronous path.
func (rt *Runtime) MemberLookupAsync(ctx context.Context, obj, key any, pos meta.Position) any {
	if !pendingInput(obj) && !pendingInput(key) {
		result := rt.MemberLookup(obj, key, pos)
		if f, ok := result.(*value.Future); ok {
			return rt.wrapPositioned(ctx, f, pos)
		}
		return result
	}

	future, resolve := value.NewFuture()
	go func() {
		if collected := value.CollectErrors(ctx, []any{obj, key}); len(collected) > 0 {
			resolve(&value.Poison{Errors: collected}, nil)
			return
		}

		resolvedObj, err := value.ResolveSingle(ctx, obj)
		if err != nil {
			resolve(nil, err)
			return
		}
		resolvedKey, err := value.ResolveSingle(ctx, key)
		if err != nil {
			resolve(nil, err)
			return
		}

		resolve(rt.MemberLookup(resolvedObj, resolvedKey, pos), nil)
	}()
	return future
}

func pendingInput(v any) bool {
	return value.IsFuture(v) || value.IsLazy(v)
}

// wrapPositioned re-raises a future's rejection with source position.
func (rt *Runtime) wrapPositioned(ctx context.Context, f *value.Future, pos meta.Position) *value.Future {
	wrapped, resolve := value.NewFuture()
	go func() {
		v, err := f.Await(ctx)
		if err != nil {
			resolve(nil, errs.Handle(err, pos.Line, pos.Col, "", rt.errPath(pos)))
			return
		}
		resolve(v, nil)
	}()
	return wrapped
}

// LookupVar resolves a variable against the frame chain first, then the
// host context. A miss renders empty in template mode; in script mode it is
// poison carrying a "Can not look up unknown variable" error with a fuzzy
// suggestion.
func (rt *Runtime) LookupVar(f *frame.Frame, name string) any {
	v, err := rt.lookupVar(f, name)
	if err != nil {
		return value.NewPoison(err)
	}
	return v
}

// LookupVarStrict is LookupVar for synchronous script statements, which
// throw instead of poisoning.
func (rt *Runtime) LookupVarStrict(f *frame.Frame, name string) (any, error) {
	return rt.lookupVar(f, name)
}

func (rt *Runtime) lookupVar(f *frame.Frame, name string) (any, error) {
	if v, ok := f.Lookup(name); ok {
		return v, nil
	}

	if v, ok := rt.context[name]; ok {
		if fn, isFn := value.Callable(v); isFn {
			return &value.Bound{Fn: fn.Fn}, nil
		}
		return v, nil
	}

	if rt.config.Mode == ModeTemplate {
		return nil, nil
	}

	te := errs.UnknownVariable(name, rt.lookupCandidates(f))
	te.Path = rt.config.Path
	return nil, te
}

// AssignVar writes a variable, enforcing the script-mode declaration rule.
func (rt *Runtime) AssignVar(f *frame.Frame, name string, v any, fromAsync bool) error {
	if rt.config.Mode == ModeScript && !f.IsDeclared(name) {
		te := errs.UndeclaredAssign(name)
		te.Path = rt.config.Path
		return te
	}

	if p, ok := v.(*value.Poison); ok {
		if g := rt.currentGuard(); g != nil && g.guardsVariable(name) {
			g.guard.Observe(p.AsError())
		}
	}

	f.Set(name, v, fromAsync)
	return nil
}

// lookupCandidates merges declared names and context keys for suggestions.
func (rt *Runtime) lookupCandidates(f *frame.Frame) []string {
	names := f.DeclaredNames()
	for k := range rt.context {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

func keyString(key any) string {
	if s, ok := key.(string); ok {
		return s
	}
	return fmt.Sprint(key)
}

func (rt *Runtime) positioned(pos meta.Position, msg string) *errs.TemplateError {
	return &errs.TemplateError{
		Message: msg,
		Line:    pos.Line,
		Col:     pos.Col,
		Path:    rt.errPath(pos),
	}
}

// errPath prefers the position's own path: for included templates the error
// reports the file that contains the failing expression.
func (rt *Runtime) errPath(pos meta.Position) string {
	if pos.Path != "" {
		return pos.Path
	}
	return rt.config.Path
}
