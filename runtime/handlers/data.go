package handlers

import (
	"fmt"
	"sync"

	"github.com/cascada-lang/cascada/runtime/errs"
	"github.com/cascada-lang/cascada/runtime/value"
)

// Undefined is the sentinel a data method returns to delete the key it was
// applied to.
var Undefined = &undefinedSentinel{}

type undefinedSentinel struct{}

// Method transforms the value at a data path. current is the existing value
// (nil if absent); the return value replaces it, or deletes the key when it
// is Undefined.
type Method func(current any, args []any) (any, error)

// DataHandler assembles the @data output tree. Operations address a value by
// path (segments are strings, ints, the "[]" sentinel, or nil meaning the
// root) and apply a named method to it. Intermediate containers are created
// on demand: a segment that is numeric or "[]" addresses an array, anything
// else an object. The "[]" sentinel appends a fresh slot in the terminal
// position and addresses the last element in an intermediate position.
type DataHandler struct {
	mu      sync.Mutex
	data    map[string]any
	methods map[string]Method
}

// NewDataHandler creates an empty data tree with the default method set.
func NewDataHandler() *DataHandler {
	h := &DataHandler{
		data:    make(map[string]any),
		methods: make(map[string]Method),
	}

	h.methods["set"] = func(_ any, args []any) (any, error) {
		if len(args) != 1 {
			return nil, fmt.Errorf("set expects exactly one argument, got %d", len(args))
		}
		return args[0], nil
	}
	h.methods["push"] = func(current any, args []any) (any, error) {
		arr, err := asArray(current)
		if err != nil {
			return nil, fmt.Errorf("push: %w", err)
		}
		return append(arr, args...), nil
	}
	h.methods["concat"] = func(current any, args []any) (any, error) {
		arr, err := asArray(current)
		if err != nil {
			return nil, fmt.Errorf("concat: %w", err)
		}
		for _, a := range args {
			more, err := asArray(a)
			if err != nil {
				return nil, fmt.Errorf("concat: %w", err)
			}
			arr = append(arr, more...)
		}
		return arr, nil
	}
	h.methods["merge"] = func(current any, args []any) (any, error) {
		obj, err := asObject(current)
		if err != nil {
			return nil, fmt.Errorf("merge: %w", err)
		}
		for _, a := range args {
			more, err := asObject(a)
			if err != nil {
				return nil, fmt.Errorf("merge: %w", err)
			}
			for k, v := range more {
				obj[k] = v
			}
		}
		return obj, nil
	}
	h.methods["delete"] = func(any, []any) (any, error) {
		return Undefined, nil
	}

	return h
}

func asArray(v any) ([]any, error) {
	switch t := v.(type) {
	case nil:
		return nil, nil
	case []any:
		return t, nil
	}
	return nil, fmt.Errorf("expected an array, found %T", v)
}

func asObject(v any) (map[string]any, error) {
	switch t := v.(type) {
	case nil:
		return make(map[string]any), nil
	case map[string]any:
		return t, nil
	}
	return nil, fmt.Errorf("expected an object, found %T", v)
}

// Register installs a user-defined method, overriding a default of the same
// name.
func (h *DataHandler) Register(name string, m Method) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.methods[name] = m
}

// Name implements Handler.
func (h *DataHandler) Name() string { return DataName }

// Emit implements Handler: a bare @data emit merges an object into the root.
func (h *DataHandler) Emit(resolved any) error {
	return h.Apply(nil, "merge", []any{resolved}, nil)
}

// Apply invokes method on the value at path. pos, when non-nil, positions
// any error at the source expression.
func (h *DataHandler) Apply(path []any, method string, args []any, pos *errs.TemplateError) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	m, ok := h.methods[method]
	if !ok {
		return h.pathError(pos, path, fmt.Sprintf("unknown data method %q", method))
	}

	ref, err := h.locate(path)
	if err != nil {
		return h.pathError(pos, path, err.Error())
	}

	next, err := m(ref.get(), args)
	if err != nil {
		return h.pathError(pos, path, err.Error())
	}

	if next == Undefined {
		ref.del()
		return nil
	}
	if err := ref.set(next); err != nil {
		return h.pathError(pos, path, err.Error())
	}
	return nil
}

// Data returns the assembled tree.
func (h *DataHandler) Data() map[string]any {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.data
}

// Snapshot implements Handler with a deep copy of the tree.
func (h *DataHandler) Snapshot() any {
	h.mu.Lock()
	defer h.mu.Unlock()
	return deepCopy(h.data).(map[string]any)
}

// Restore implements Handler.
func (h *DataHandler) Restore(snapshot any) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.data = snapshot.(map[string]any)
}

// slotRef is an addressable slot in the data tree: read, replace, delete.
// The indirection handles array write-backs, where an append reallocates the
// slice held by the parent container.
type slotRef struct {
	get func() any
	set func(any) error
	del func()
}

// locate walks the path, creating intermediate containers as needed, and
// returns a reference to the addressed slot.
func (h *DataHandler) locate(path []any) (*slotRef, error) {
	ref := &slotRef{
		get: func() any { return h.data },
		set: func(v any) error {
			root, ok := v.(map[string]any)
			if !ok {
				return fmt.Errorf("the root value must be an object, got %T", v)
			}
			h.data = root
			return nil
		},
		del: func() { h.data = make(map[string]any) },
	}

	for i, seg := range path {
		if seg == nil {
			if i == 0 && len(path) == 1 {
				return ref, nil
			}
			return nil, fmt.Errorf("nil is only valid as the sole (root) segment")
		}
		if err := checkSegment(seg); err != nil {
			return nil, err
		}

		container := ref.get()
		if container == nil {
			var fresh any
			if isArraySegment(seg) {
				fresh = []any{}
			} else {
				fresh = make(map[string]any)
			}
			if err := ref.set(fresh); err != nil {
				return nil, err
			}
			container = ref.get()
		}

		child, err := childRef(ref, container, seg, i == len(path)-1)
		if err != nil {
			return nil, err
		}
		ref = child
	}

	return ref, nil
}

func childRef(parent *slotRef, container any, seg any, terminal bool) (*slotRef, error) {
	switch c := container.(type) {
	case map[string]any:
		if isArraySegment(seg) {
			return nil, fmt.Errorf("segment %v addresses an array, found an object", seg)
		}
		key := seg.(string)
		return &slotRef{
			get: func() any { return c[key] },
			set: func(v any) error { c[key] = v; return nil },
			del: func() { delete(c, key) },
		}, nil

	case []any:
		var idx int
		switch k := seg.(type) {
		case int:
			if k < 0 {
				return nil, fmt.Errorf("array index %d out of range", k)
			}
			idx = k
		case string:
			if k != value.AppendSentinel {
				return nil, fmt.Errorf("array index must be a number or %q, got %q", value.AppendSentinel, k)
			}
			if terminal || len(c) == 0 {
				idx = len(c) // append a fresh slot
			} else {
				idx = len(c) - 1 // the last element
			}
		default:
			return nil, fmt.Errorf("array index must be a number or %q, got %T", value.AppendSentinel, seg)
		}

		// Grow to cover the index, writing the reallocated slice back.
		if idx >= len(c) {
			grown := append(c, make([]any, idx+1-len(c))...)
			if err := parent.set(grown); err != nil {
				return nil, err
			}
			c = grown
		}

		return &slotRef{
			get: func() any { return c[idx] },
			set: func(v any) error { c[idx] = v; return nil },
			del: func() { c[idx] = nil },
		}, nil
	}

	return nil, fmt.Errorf("cannot descend into value of type %T", container)
}

func isArraySegment(seg any) bool {
	if seg == value.AppendSentinel {
		return true
	}
	_, isInt := seg.(int)
	return isInt
}

func checkSegment(seg any) error {
	switch seg.(type) {
	case string, int:
		return nil
	}
	return fmt.Errorf("invalid path segment of type %T", seg)
}

func (h *DataHandler) pathError(pos *errs.TemplateError, path []any, msg string) error {
	full := fmt.Sprintf("data operation at path %v failed: %s", path, msg)
	if pos != nil {
		return &errs.TemplateError{
			Message: full,
			Line:    pos.Line,
			Col:     pos.Col,
			Path:    pos.Path,
			Context: pos.Context,
		}
	}
	return &errs.TemplateError{Message: full}
}

func deepCopy(v any) any {
	switch c := v.(type) {
	case map[string]any:
		cp := make(map[string]any, len(c))
		for k, e := range c {
			cp[k] = deepCopy(e)
		}
		return cp
	case []any:
		cp := make([]any, len(c))
		for i, e := range c {
			cp[i] = deepCopy(e)
		}
		return cp
	default:
		return v
	}
}
