package value

import (
	"github.com/cascada-lang/cascada/core/invariant"
	"github.com/cascada-lang/cascada/runtime/errs"
)

// Poison represents one or more deferred errors flowing through the dataflow.
// Arithmetic, member access, coercion and output of poison all yield poison
// with the same error set; combining poisons concatenates their error lists
// in left-to-right order without deduplication. Equality is identity.
type Poison struct {
	Errors []error
}

// NewPoison creates a poison from a single error, an ordered error list, a
// PoisonError, or an existing poison (returned unchanged).
func NewPoison(from any) *Poison {
	switch v := from.(type) {
	case *Poison:
		return v
	case *errs.PoisonError:
		return &Poison{Errors: v.Errors}
	case []error:
		invariant.Precondition(len(v) > 0, "poison requires at least one error")
		return &Poison{Errors: v}
	case error:
		return &Poison{Errors: []error{v}}
	}
	invariant.Precondition(false, "cannot create poison from %T", from)
	return nil
}

// FromPoisonError converts a rejection back into the poison value it carried.
func FromPoisonError(pe *errs.PoisonError) *Poison {
	return &Poison{Errors: pe.Errors}
}

// IsPoison reports whether v is a poison value.
func IsPoison(v any) bool {
	_, ok := v.(*Poison)
	return ok
}

// Combine merges poisons in left-to-right order. Non-poison inputs are
// skipped; at least one input must be poison.
func Combine(values ...any) *Poison {
	var combined []error
	for _, v := range values {
		if p, ok := v.(*Poison); ok {
			combined = append(combined, p.Errors...)
		}
	}
	invariant.Precondition(len(combined) > 0, "Combine requires at least one poison input")
	return &Poison{Errors: combined}
}

// AsError returns the throwable form of the poison, for crossing error
// channels (buffer flatten, async-block rejection).
func (p *Poison) AsError() *errs.PoisonError {
	return &errs.PoisonError{Errors: p.Errors}
}
