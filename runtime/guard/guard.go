// Package guard implements transactional scopes: a guard snapshots selected
// output handlers, variables and sequence locks at entry, runs its body, and
// on failure reverts every guarded artefact before either running a recover
// arm or letting the aggregated poison propagate.
package guard

import (
	"fmt"
	"sync"

	"github.com/cascada-lang/cascada/core/invariant"
	"github.com/cascada-lang/cascada/runtime/errs"
	"github.com/cascada-lang/cascada/runtime/frame"
	"github.com/cascada-lang/cascada/runtime/handlers"
	"github.com/cascada-lang/cascada/runtime/seqlock"
)

// SelectorKind classifies what a guard selector protects.
type SelectorKind int

const (
	KindHandler    SelectorKind = iota // a named output handler (@text, @data, @custom)
	KindVariable                       // a declared variable
	KindLock                           // a sequence-lock path ("name!")
	KindAllOutputs                     // bare "@": every output handler
	KindEverything                     // "*": outputs, locks, all declared variables
)

// Selector names one guarded artefact.
type Selector struct {
	Kind SelectorKind
	Name string // handler name, variable name or lock path; empty for @ and *
}

// ValidateSelectors rejects the selector combinations the compiler must not
// emit: duplicates, "@" combined with specific handlers, and "*" combined
// with anything.
func ValidateSelectors(selectors []Selector) error {
	seen := make(map[Selector]bool)
	var hasAll, hasEverything, hasHandler bool

	for _, s := range selectors {
		if seen[s] {
			return fmt.Errorf("duplicate guard selector %v", s)
		}
		seen[s] = true

		switch s.Kind {
		case KindAllOutputs:
			hasAll = true
		case KindEverything:
			hasEverything = true
		case KindHandler:
			hasHandler = true
		}
	}

	if hasEverything && len(selectors) > 1 {
		return fmt.Errorf("the %q selector cannot be combined with other selectors", "*")
	}
	if hasAll && hasHandler {
		return fmt.Errorf("the %q selector cannot be combined with specific handlers", "@")
	}
	return nil
}

// Guard holds the entry-time snapshots of one guard block.
type Guard struct {
	mu sync.Mutex

	selectors []Selector
	frame     *frame.Frame
	locks     *seqlock.LockMap

	handlerSnaps map[string]any // handler name -> snapshot
	handlerRefs  map[string]handlers.Handler
	varSnaps     map[string]any
	lockPaths    []string

	failures []error
}

// Begin opens a guard. With no selectors every output handler is guarded;
// "*" additionally guards all declared variables and held locks.
func Begin(f *frame.Frame, locks *seqlock.LockMap, registry map[string]handlers.Handler, selectors []Selector) (*Guard, error) {
	invariant.NotNil(f, "frame")
	invariant.NotNil(locks, "locks")

	if err := ValidateSelectors(selectors); err != nil {
		return nil, err
	}

	g := &Guard{
		selectors:    selectors,
		frame:        f,
		locks:        locks,
		handlerSnaps: make(map[string]any),
		handlerRefs:  make(map[string]handlers.Handler),
		varSnaps:     make(map[string]any),
	}

	guardAllOutputs := len(selectors) == 0
	var guardEverything bool

	for _, s := range selectors {
		switch s.Kind {
		case KindAllOutputs:
			guardAllOutputs = true
		case KindEverything:
			guardEverything = true
		case KindHandler:
			h, ok := registry[s.Name]
			if !ok {
				return nil, fmt.Errorf("guard names unknown handler %q", s.Name)
			}
			g.snapshotHandler(h)
		case KindVariable:
			if !f.IsDeclared(s.Name) {
				return nil, &errs.TemplateError{
					Message: fmt.Sprintf("guard names undeclared variable %q", s.Name),
				}
			}
			v, _ := f.Lookup(s.Name)
			g.varSnaps[s.Name] = v
		case KindLock:
			g.lockPaths = append(g.lockPaths, s.Name)
		}
	}

	if guardEverything {
		guardAllOutputs = true
		for _, name := range f.DeclaredNames() {
			v, _ := f.Lookup(name)
			g.varSnaps[name] = v
		}
		g.lockPaths = append(g.lockPaths, seqlock.GlobalKey)
	}

	if guardAllOutputs {
		for _, h := range registry {
			g.snapshotHandler(h)
		}
	}

	return g, nil
}

func (g *Guard) snapshotHandler(h handlers.Handler) {
	if _, done := g.handlerSnaps[h.Name()]; done {
		return
	}
	g.handlerSnaps[h.Name()] = h.Snapshot()
	g.handlerRefs[h.Name()] = h
}

// Observe records a failure discovered inside the body: output poison found
// at flatten, a poisoned assignment to a guarded variable, or a sequence
// lock operation failure.
func (g *Guard) Observe(err error) {
	if err == nil {
		return
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	if pe, ok := err.(*errs.PoisonError); ok {
		g.failures = append(g.failures, pe.Errors...)
		return
	}
	g.failures = append(g.failures, err)
}

// Failed reports whether any guarded artefact has been observed poisoned.
func (g *Guard) Failed() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.failures) > 0
}

// End closes the guard at the end of its body. On failure it reverts the
// guarded output handlers to their entry state, restores guarded variables
// to their snapshots, repairs guarded sequence locks, and returns the
// aggregated errors for the recover arm (or for propagation when there is
// none).
func (g *Guard) End() (failed bool, aggregated *errs.PoisonError) {
	g.mu.Lock()
	failures := g.failures
	g.mu.Unlock()

	if len(failures) == 0 {
		return false, nil
	}

	for name, snap := range g.handlerSnaps {
		g.handlerRefs[name].Restore(snap)
	}
	for name, snap := range g.varSnaps {
		g.frame.Set(name, snap, false)
	}
	for _, path := range g.lockPaths {
		g.locks.Repair(path)
	}

	return true, &errs.PoisonError{Errors: failures}
}
