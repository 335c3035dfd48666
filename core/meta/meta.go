// Package meta defines the static metadata the compiler emits for each
// compiled template or script: per-closure read/write sets, sequential
// flags, guard selectors, and source positions. The runtime trusts this
// metadata (the validator cross-checks it), and compiled-template caches
// persist it in a deterministic binary form.
package meta

import (
	"strconv"
	"strings"
)

// Position locates an expression in its source file.
type Position struct {
	Line int    `cbor:"1,keyasint"`
	Col  int    `cbor:"2,keyasint"`
	Path string `cbor:"3,keyasint,omitempty"`
}

// ClosureMeta is the static contract of one async closure.
type ClosureMeta struct {
	// Reads lists every non-local variable the closure reads, directly or
	// on behalf of a child closure.
	Reads []string `cbor:"1,keyasint,omitempty"`

	// WriteCounts maps each variable the closure writes to the number of
	// writes it will perform. Registration and decrement sites are paired
	// by the compiler.
	WriteCounts map[string]int `cbor:"2,keyasint,omitempty"`

	// Sequential marks closures whose lock-tagged writes must commit at
	// block exit.
	Sequential bool `cbor:"3,keyasint,omitempty"`

	// Declares lists the variables the closure's frame declares.
	Declares []string `cbor:"4,keyasint,omitempty"`

	// CreateScope reports whether the closure's frame is a scoping frame.
	CreateScope bool `cbor:"5,keyasint,omitempty"`

	// Accesses records the variables the body actually reads, as seen by
	// the compiler's resolver. The validator checks it against Reads.
	Accesses []string `cbor:"6,keyasint,omitempty"`

	// ResolverClaims lists variables the compiler claims need a
	// parent-frame resolver. Must mirror WriteCounts.
	ResolverClaims []string `cbor:"7,keyasint,omitempty"`

	// Children indexes nested closures in the program's closure table.
	Children []int `cbor:"8,keyasint,omitempty"`

	// Pos is the closure's source position.
	Pos Position `cbor:"9,keyasint,omitempty"`
}

// GuardMeta is the static description of one guard block.
type GuardMeta struct {
	Selectors []string `cbor:"1,keyasint,omitempty"` // "@text", "@", "name", "name!", "!", "*"
	ErrName   string   `cbor:"2,keyasint,omitempty"` // recover-arm binding, "" when absent

	// BodyWrites and BodyLocks record what the guard body touches, for the
	// unmodified-variable and unused-lock checks.
	BodyWrites []string `cbor:"3,keyasint,omitempty"`
	BodyLocks  []string `cbor:"4,keyasint,omitempty"`

	Pos Position `cbor:"5,keyasint,omitempty"`
}

// Program is the compiled metadata for one template or script.
type Program struct {
	// Name is the template path, or "" for string inputs.
	Name string `cbor:"1,keyasint,omitempty"`

	// Closures is the closure table; Entry indexes the root closure.
	Closures []ClosureMeta `cbor:"2,keyasint"`
	Entry    int           `cbor:"3,keyasint"`

	Guards []GuardMeta `cbor:"4,keyasint,omitempty"`

	// SeqKeys lists every sequence-lock path the program references.
	SeqKeys []string `cbor:"5,keyasint,omitempty"`
}

// SeqKey joins expression path segments into a sequence-lock key:
// ["db", "users", 0] becomes "db.users.[0]". The bang path is SeqKeyGlobal.
func SeqKey(segments []any) string {
	parts := make([]string, 0, len(segments))
	for _, seg := range segments {
		switch s := seg.(type) {
		case string:
			parts = append(parts, s)
		case int:
			parts = append(parts, "["+strconv.Itoa(s)+"]")
		default:
			parts = append(parts, "[]")
		}
	}
	return strings.Join(parts, ".")
}

// SeqKeyGlobal is the key of the global (bang) lock.
const SeqKeyGlobal = "!"
