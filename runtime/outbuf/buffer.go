// Package outbuf implements the ordered, nestable output buffer.
//
// Statements append literal segments and value slots in source order; async
// closures resolve their slots in whatever real-time order they finish.
// Flatten awaits the slots in tree order, so the final output always equals
// source textual order. Sub-buffers are inserted for loops, macros and guard
// bodies; revert points let a guard discard everything its body emitted.
package outbuf

import (
	"context"
	"strings"
	"sync"

	"github.com/cascada-lang/cascada/core/invariant"
	"github.com/cascada-lang/cascada/runtime/errs"
	"github.com/cascada-lang/cascada/runtime/value"
)

// Transform post-processes a buffer's joined content at flatten time.
type Transform func(string) string

// Escaper converts one resolved value into output text. SafeString values
// bypass it.
type Escaper func(any) string

type slot struct {
	literal string
	v       any // value slot: concrete, *value.Future, *value.Lazy or *value.Poison
	isValue bool
	escape  Escaper
	sub     *Buffer
}

// Buffer is one node of the output tree.
type Buffer struct {
	mu        *sync.Mutex // shared across the render's buffer tree
	parent    *Buffer
	slots     []slot
	transform Transform
}

// NewRoot creates the root buffer for a render.
func NewRoot() *Buffer {
	return &Buffer{mu: &sync.Mutex{}}
}

// Append adds a literal segment.
func (b *Buffer) Append(s string) {
	if s == "" {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.slots = append(b.slots, slot{literal: s})
}

// AppendValue adds a value slot. The value may still be pending or marked;
// it is awaited at flatten time. A non-nil escaper is applied to the
// resolved value unless it is a SafeString.
func (b *Buffer) AppendValue(v any, escape Escaper) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.slots = append(b.slots, slot{v: v, isValue: true, escape: escape})
}

// OpenSub appends a nested sub-buffer and returns it as the new write target.
func (b *Buffer) OpenSub() *Buffer {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub := &Buffer{mu: b.mu, parent: b}
	b.slots = append(b.slots, slot{sub: sub})
	return sub
}

// CloseSub returns the parent buffer.
func (b *Buffer) CloseSub() *Buffer {
	invariant.Precondition(b.parent != nil, "cannot close the root buffer")
	return b.parent
}

// SetTransform installs a function applied to this buffer's joined content
// at flatten time (autoescape regions, filter blocks).
func (b *Buffer) SetTransform(fn Transform) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.transform = fn
}

// RevertPoint marks a position in a buffer that a guard can roll back to.
type RevertPoint struct {
	buf   *Buffer
	index int
}

// OpenRevert records the current end of the buffer.
func (b *Buffer) OpenRevert() RevertPoint {
	b.mu.Lock()
	defer b.mu.Unlock()
	return RevertPoint{buf: b, index: len(b.slots)}
}

// RevertTo discards every slot appended after the revert point.
func (b *Buffer) RevertTo(p RevertPoint) {
	invariant.Precondition(p.buf == b, "revert point belongs to a different buffer")

	b.mu.Lock()
	defer b.mu.Unlock()
	if p.index <= len(b.slots) {
		b.slots = b.slots[:p.index]
	}
}

// Flatten joins the buffer depth-first, awaiting pending slots in tree
// order. Poison found in any slot is aggregated across the whole tree and
// surfaced as a single PoisonError, so every independent failure reaches the
// caller. Any other rejection aborts immediately.
func (b *Buffer) Flatten(ctx context.Context) (string, error) {
	var sb strings.Builder
	var poisonErrs []error

	if err := b.flattenInto(ctx, &sb, &poisonErrs); err != nil {
		return "", err
	}
	if len(poisonErrs) > 0 {
		return "", &errs.PoisonError{Errors: poisonErrs}
	}
	return sb.String(), nil
}

func (b *Buffer) flattenInto(ctx context.Context, sb *strings.Builder, poisonErrs *[]error) error {
	b.mu.Lock()
	slots := make([]slot, len(b.slots))
	copy(slots, b.slots)
	transform := b.transform
	b.mu.Unlock()

	target := sb
	if transform != nil {
		target = &strings.Builder{}
	}

	for _, s := range slots {
		switch {
		case s.sub != nil:
			if err := s.sub.flattenInto(ctx, target, poisonErrs); err != nil {
				return err
			}
		case s.isValue:
			resolved, err := value.ResolveSingle(ctx, s.v)
			if err != nil {
				return err
			}
			if p, ok := resolved.(*value.Poison); ok {
				*poisonErrs = append(*poisonErrs, p.Errors...)
				continue
			}
			target.WriteString(renderValue(resolved, s.escape))
		default:
			target.WriteString(s.literal)
		}
	}

	if transform != nil {
		sb.WriteString(transform(target.String()))
	}
	return nil
}

func renderValue(v any, escape Escaper) string {
	if escape != nil && !value.IsSafe(v) {
		return escape(v)
	}
	return value.ToString(v)
}
