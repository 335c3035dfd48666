package executor

import (
	"context"

	"github.com/cascada-lang/cascada/core/invariant"
	"github.com/cascada-lang/cascada/runtime/errs"
	"github.com/cascada-lang/cascada/runtime/frame"
	"github.com/cascada-lang/cascada/runtime/guard"
	"github.com/cascada-lang/cascada/runtime/handlers"
	"github.com/cascada-lang/cascada/runtime/outbuf"
	"github.com/cascada-lang/cascada/runtime/seqlock"
	"github.com/cascada-lang/cascada/runtime/value"
)

// GuardScope is one active guard block. The body writes into its own
// sub-buffer; on failure the whole region is discarded via the revert point
// taken just before the sub was opened.
type GuardScope struct {
	guard  *guard.Guard
	parent *outbuf.Buffer
	body   *outbuf.Buffer
	point  outbuf.RevertPoint

	textGuarded bool
	everything  bool
	varSet      map[string]bool
	lockSet     map[string]bool
}

// RecoverFunc is a guard's recover arm: it receives the aggregated errors
// and emits replacement output into the restored buffer.
type RecoverFunc func(ctx context.Context, aggregated *errs.PoisonError) error

// BeginGuard opens a guard block. The returned buffer is where the body
// must emit; EndGuard closes the region.
//
// The @text region is handled here with a revert point rather than through
// the handler snapshot, so that guards nested inside loops and macros revert
// exactly their own sub-buffer.
func (rt *Runtime) BeginGuard(f *frame.Frame, buf *outbuf.Buffer, selectors []guard.Selector) (*GuardScope, *outbuf.Buffer, error) {
	gs := &GuardScope{
		parent:  buf,
		varSet:  make(map[string]bool),
		lockSet: make(map[string]bool),
	}

	gs.textGuarded = len(selectors) == 0
	for _, s := range selectors {
		switch s.Kind {
		case guard.KindEverything:
			gs.everything = true
			gs.textGuarded = true
		case guard.KindAllOutputs:
			gs.textGuarded = true
		case guard.KindHandler:
			if s.Name == handlers.TextName {
				gs.textGuarded = true
			}
		case guard.KindVariable:
			gs.varSet[s.Name] = true
		case guard.KindLock:
			gs.lockSet[s.Name] = true
		}
	}

	// The text handler's region is reverted through gs.point; hand the rest
	// of the registry to the guard for snapshotting.
	rt.mu.Lock()
	registry := make(map[string]handlers.Handler, len(rt.handlers))
	for name, h := range rt.handlers {
		if name != handlers.TextName {
			registry[name] = h
		}
	}
	rt.mu.Unlock()

	g, err := guard.Begin(f, rt.locks, registry, selectors)
	if err != nil {
		return nil, nil, err
	}
	gs.guard = g

	gs.point = buf.OpenRevert()
	gs.body = buf.OpenSub()

	rt.mu.Lock()
	rt.guards = append(rt.guards, gs)
	rt.mu.Unlock()

	return gs, gs.body, nil
}

// EndGuard closes the guard at the end of its body. Output poison inside the
// guarded region is detected by flattening the body's sub-buffer; on failure
// the guarded artefacts revert and either the recover arm consumes the
// aggregated errors or they propagate upward as poison.
func (rt *Runtime) EndGuard(ctx context.Context, gs *GuardScope, recoverArm RecoverFunc) error {
	invariant.NotNil(gs, "guard scope")

	rt.mu.Lock()
	nested := len(rt.guards) > 0 && rt.guards[len(rt.guards)-1] == gs
	if nested {
		rt.guards = rt.guards[:len(rt.guards)-1]
	}
	rt.mu.Unlock()
	invariant.Invariant(nested, "guard blocks must close in LIFO order")

	// Output poison only fails the guard when the text region is guarded;
	// otherwise it stays in the buffer and propagates at the outer flatten.
	if gs.textGuarded {
		if _, err := gs.body.Flatten(ctx); err != nil {
			if pe, ok := err.(*errs.PoisonError); ok {
				gs.guard.Observe(pe)
			} else {
				return err
			}
		}
	}

	failed, aggregated := gs.guard.End()
	if !failed {
		return nil
	}

	if gs.textGuarded {
		gs.parent.RevertTo(gs.point)
	}
	rt.recordDebugEvent(DebugDetailed, "guard_revert", aggregated.Error())

	if recoverArm != nil {
		// The recover arm consumes the poison and emits into the restored
		// buffer.
		return recoverArm(ctx, aggregated)
	}

	// No recover arm: the poison propagates upward, surfacing at the outer
	// guard's flatten or at the top-level flatten.
	rt.reportPoison(gs.parent, value.FromPoisonError(aggregated))
	return nil
}

// currentGuard returns the innermost active guard, or nil.
func (rt *Runtime) currentGuard() *GuardScope {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	if len(rt.guards) == 0 {
		return nil
	}
	return rt.guards[len(rt.guards)-1]
}

// guardsVariable reports whether the guard protects assignments to name.
func (gs *GuardScope) guardsVariable(name string) bool {
	return gs.everything || gs.varSet[name]
}

// guardsLock reports whether the guard protects the lock path.
func (gs *GuardScope) guardsLock(path string) bool {
	return gs.everything || gs.lockSet[seqlock.GlobalKey] || gs.lockSet[path]
}
