// Package validate cross-checks the metadata the compiler emits against the
// invariants the runtime relies on. The checks run at compile time (or when
// loading cached metadata); each is independently toggleable, and all are on
// by default in debug builds and tests.
package validate

import (
	"errors"
	"fmt"
	"strings"

	"github.com/cascada-lang/cascada/core/meta"
	"github.com/cascada-lang/cascada/runtime/guard"
)

// Config toggles the individual checks.
type Config struct {
	FrameBalance     bool
	DeclarationScope bool
	ReadSet          bool
	WriteSet         bool
	Guards           bool
}

// Default enables every check.
func Default() Config {
	return Config{
		FrameBalance:     true,
		DeclarationScope: true,
		ReadSet:          true,
		WriteSet:         true,
		Guards:           true,
	}
}

// Warning is a non-fatal finding, such as an unused snapshot entry.
type Warning struct {
	Closure int
	Name    string
	Message string
}

// Result carries the warnings of a successful validation.
type Result struct {
	Warnings []Warning
}

// Program validates compiled metadata. All fatal findings are joined into
// the returned error; warnings never fail the validation.
func Program(cfg Config, p *meta.Program) (*Result, error) {
	result := &Result{}
	var fatal []error

	if cfg.FrameBalance {
		fatal = append(fatal, checkFrameBalance(p)...)
	}
	if cfg.DeclarationScope {
		fatal = append(fatal, checkDeclarationScope(p)...)
	}
	if cfg.ReadSet {
		findings, warnings := checkReadSets(p)
		fatal = append(fatal, findings...)
		result.Warnings = append(result.Warnings, warnings...)
	}
	if cfg.WriteSet {
		fatal = append(fatal, checkWriteSets(p)...)
	}
	if cfg.Guards {
		fatal = append(fatal, checkGuards(p)...)
	}

	if len(fatal) > 0 {
		return nil, errors.Join(fatal...)
	}
	return result, nil
}

// checkFrameBalance verifies the closure tree is a tree: every closure is
// reachable from the entry exactly once, so each compiler-emitted push has
// exactly one paired pop.
func checkFrameBalance(p *meta.Program) []error {
	var findings []error
	seen := make(map[int]int) // closure index -> parent

	var walk func(idx, parent int)
	walk = func(idx, parent int) {
		if idx < 0 || idx >= len(p.Closures) {
			findings = append(findings, fmt.Errorf("closure %d references child %d outside the closure table", parent, idx))
			return
		}
		if prev, visited := seen[idx]; visited {
			findings = append(findings, fmt.Errorf("closure %d is pushed by both closure %d and closure %d: unbalanced push/pop", idx, prev, parent))
			return
		}
		seen[idx] = parent
		for _, child := range p.Closures[idx].Children {
			walk(child, idx)
		}
	}
	walk(p.Entry, -1)

	for i := range p.Closures {
		if _, visited := seen[i]; !visited {
			findings = append(findings, fmt.Errorf("closure %d is never pushed", i))
		}
	}
	return findings
}

// checkDeclarationScope rejects declarations on non-scoping frames.
func checkDeclarationScope(p *meta.Program) []error {
	var findings []error
	for i, c := range p.Closures {
		if len(c.Declares) > 0 && !c.CreateScope {
			findings = append(findings, positioned(c.Pos,
				"closure %d declares %s on a frame that does not create a scope", i, strings.Join(c.Declares, ", ")))
		}
	}
	return findings
}

// checkReadSets verifies that every variable an async closure actually reads
// is registered in its read set, and warns about registered entries that are
// neither read locally nor passed through to a child.
func checkReadSets(p *meta.Program) ([]error, []Warning) {
	var findings []error
	var warnings []Warning

	for i, c := range p.Closures {
		reads := toSet(c.Reads)
		declared := toSet(c.Declares)

		for _, name := range c.Accesses {
			if declared[name] {
				continue
			}
			if !reads[name] {
				findings = append(findings, positioned(c.Pos,
					"closure %d reads %q without registering it in its read set", i, name))
			}
		}

		// Pass-through: a child's read of a non-local name obliges this
		// closure to carry it.
		needed := toSet(c.Accesses)
		for _, childIdx := range c.Children {
			if childIdx < 0 || childIdx >= len(p.Closures) {
				continue // frame-balance reports this
			}
			for _, name := range p.Closures[childIdx].Reads {
				if !declared[name] {
					needed[name] = true
				}
			}
		}

		for _, name := range c.Reads {
			if !needed[name] {
				warnings = append(warnings, Warning{
					Closure: i,
					Name:    name,
					Message: fmt.Sprintf("closure %d registers %q but never reads it and no child needs it (unused snapshot)", i, name),
				})
			}
		}
	}
	return findings, warnings
}

// checkWriteSets verifies resolver claims and write counters are
// bidirectional: a claimed parent-frame resolver without a counter (or the
// reverse) means the counters cannot pair with their decrement sites.
func checkWriteSets(p *meta.Program) []error {
	var findings []error
	for i, c := range p.Closures {
		claims := toSet(c.ResolverClaims)

		for _, name := range c.ResolverClaims {
			if _, ok := c.WriteCounts[name]; !ok {
				findings = append(findings, positioned(c.Pos,
					"closure %d claims a resolver for %q without a write counter", i, name))
			}
		}
		for name, count := range c.WriteCounts {
			if count <= 0 {
				findings = append(findings, positioned(c.Pos,
					"closure %d registers a non-positive write count %d for %q", i, count, name))
			}
			if !claims[name] {
				findings = append(findings, positioned(c.Pos,
					"closure %d counts writes to %q without claiming its resolver", i, name))
			}
		}
	}
	return findings
}

// checkGuards validates selector lists and the body-usage rules: a guarded
// variable the body never modifies and a guarded lock the body never invokes
// are both compile errors.
func checkGuards(p *meta.Program) []error {
	var findings []error

	declared := make(map[string]bool)
	for _, c := range p.Closures {
		for _, name := range c.Declares {
			declared[name] = true
		}
	}

	for gi, g := range p.Guards {
		selectors := make([]guard.Selector, 0, len(g.Selectors))
		for _, raw := range g.Selectors {
			selectors = append(selectors, ParseSelector(raw))
		}
		if err := guard.ValidateSelectors(selectors); err != nil {
			findings = append(findings, positioned(g.Pos, "guard %d: %v", gi, err))
			continue
		}

		writes := toSet(g.BodyWrites)
		locks := toSet(g.BodyLocks)

		for _, s := range selectors {
			switch s.Kind {
			case guard.KindVariable:
				if !declared[s.Name] {
					findings = append(findings, positioned(g.Pos,
						"guard %d names undeclared variable %q", gi, s.Name))
				} else if !writes[s.Name] {
					findings = append(findings, positioned(g.Pos,
						"guard %d names variable %q that its body never modifies", gi, s.Name))
				}
			case guard.KindLock:
				if s.Name != meta.SeqKeyGlobal && !locks[s.Name] {
					findings = append(findings, positioned(g.Pos,
						"guard %d names sequence lock %q that its body never invokes", gi, s.Name))
				}
			}
		}
	}
	return findings
}

// ParseSelector converts a selector's surface form into its structured form:
// "*" and "@" are wildcards, "@name" a handler, "name!" and "!" sequence
// locks, anything else a variable.
func ParseSelector(raw string) guard.Selector {
	switch {
	case raw == "*":
		return guard.Selector{Kind: guard.KindEverything}
	case raw == "@":
		return guard.Selector{Kind: guard.KindAllOutputs}
	case raw == meta.SeqKeyGlobal:
		return guard.Selector{Kind: guard.KindLock, Name: meta.SeqKeyGlobal}
	case strings.HasPrefix(raw, "@"):
		return guard.Selector{Kind: guard.KindHandler, Name: raw}
	case strings.HasSuffix(raw, "!"):
		return guard.Selector{Kind: guard.KindLock, Name: strings.TrimSuffix(raw, "!")}
	default:
		return guard.Selector{Kind: guard.KindVariable, Name: raw}
	}
}

func toSet(names []string) map[string]bool {
	set := make(map[string]bool, len(names))
	for _, n := range names {
		set[n] = true
	}
	return set
}

func positioned(pos meta.Position, format string, args ...any) error {
	err := fmt.Errorf(format, args...)
	if pos.Line > 0 {
		return fmt.Errorf("%s [Line %d, Column %d]", err, pos.Line, pos.Col)
	}
	return err
}
