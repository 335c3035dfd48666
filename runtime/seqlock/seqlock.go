// Package seqlock serialises operations the author tagged sequential.
//
// Each tagged call site is keyed by its base expression path ("db",
// "db.users", ...). A write acquires exclusive ownership of its key and all
// descendant keys: it waits for the current writer and every live reader on
// its key and its ancestors, and later readers and writers wait on it. A
// read waits for the current writer only and overlaps other reads.
//
// Acquisition is split in two: the enqueue is synchronous and must happen in
// source textual order (the emitter calls Acquire* while spawning closures
// in order), while the returned future is awaited inside the closure. This
// is what makes two concurrent sequential writes on one path complete in
// program order.
package seqlock

import (
	"context"
	"strings"
	"sync"

	"github.com/cascada-lang/cascada/runtime/value"
)

// GlobalKey is the path of the bang-tagged global lock; it covers all paths.
const GlobalKey = "!"

type token struct {
	future  *value.Future
	resolve func(any, error)
	once    sync.Once
}

func newToken() *token {
	f, resolve := value.NewFuture()
	return &token{future: f, resolve: resolve}
}

// fire releases the token. Safe to call more than once: a guard may repair a
// lock whose holder later releases normally.
func (t *token) fire() {
	t.once.Do(func() { t.resolve(nil, nil) })
}

type entry struct {
	writer  *token
	readers []*token
}

// LockMap is the render-scoped registry of sequence locks.
type LockMap struct {
	mu      sync.Mutex
	entries map[string]*entry
}

// New creates an empty lock registry.
func New() *LockMap {
	return &LockMap{entries: make(map[string]*entry)}
}

func (m *LockMap) entryFor(path string) *entry {
	e, ok := m.entries[path]
	if !ok {
		e = &entry{}
		m.entries[path] = e
	}
	return e
}

// ancestorsAndSelf expands "a.b.c" into ["!", "a", "a.b", "a.b.c"].
func ancestorsAndSelf(path string) []string {
	keys := []string{GlobalKey}
	if path == GlobalKey {
		return keys
	}
	parts := strings.Split(path, ".")
	for i := range parts {
		keys = append(keys, strings.Join(parts[:i+1], "."))
	}
	return keys
}

// AcquireWrite enqueues an exclusive acquisition on path. The returned
// future resolves once every predecessor (the previous writer and all live
// readers on the path and its ancestors) has released; release must be
// called exactly once when the operation completes.
func (m *LockMap) AcquireWrite(path string) (wait *value.Future, release func()) {
	m.mu.Lock()

	var predecessors []*value.Future
	for _, key := range ancestorsAndSelf(path) {
		e := m.entryFor(key)
		if e.writer != nil {
			predecessors = append(predecessors, e.writer.future)
		}
		for _, r := range e.readers {
			predecessors = append(predecessors, r.future)
		}
	}

	t := newToken()
	self := m.entryFor(path)
	self.writer = t

	m.mu.Unlock()

	release = func() {
		m.mu.Lock()
		if self.writer == t {
			self.writer = nil
		}
		m.mu.Unlock()
		t.fire()
	}

	return joinAll(predecessors), release
}

// AcquireRead enqueues a shared acquisition on path. The returned future
// resolves once the current writer on the path and its ancestors has
// released; concurrent reads overlap freely.
func (m *LockMap) AcquireRead(path string) (wait *value.Future, release func()) {
	m.mu.Lock()

	var predecessors []*value.Future
	for _, key := range ancestorsAndSelf(path) {
		if e := m.entryFor(key); e.writer != nil {
			predecessors = append(predecessors, e.writer.future)
		}
	}

	t := newToken()
	self := m.entryFor(path)
	self.readers = append(self.readers, t)

	m.mu.Unlock()

	release = func() {
		m.mu.Lock()
		for i, r := range self.readers {
			if r == t {
				self.readers = append(self.readers[:i], self.readers[i+1:]...)
				break
			}
		}
		m.mu.Unlock()
		t.fire()
	}

	return joinAll(predecessors), release
}

// Repair force-releases the current writer and readers on path, so that
// downstream users can acquire it after a guard reverted the failing
// operation. The global key repairs every path.
func (m *LockMap) Repair(path string) {
	m.mu.Lock()
	var stale []*token

	if path == GlobalKey {
		for _, e := range m.entries {
			if e.writer != nil {
				stale = append(stale, e.writer)
				e.writer = nil
			}
			stale = append(stale, e.readers...)
			e.readers = nil
		}
	} else if e, ok := m.entries[path]; ok {
		if e.writer != nil {
			stale = append(stale, e.writer)
			e.writer = nil
		}
		stale = append(stale, e.readers...)
		e.readers = nil
	}
	m.mu.Unlock()

	for _, t := range stale {
		t.fire()
	}
}

// HeldPaths lists the paths with an active writer or readers. Guards record
// this at entry to know what to repair on failure.
func (m *LockMap) HeldPaths() []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	var paths []string
	for path, e := range m.entries {
		if e.writer != nil || len(e.readers) > 0 {
			paths = append(paths, path)
		}
	}
	return paths
}

// joinAll returns a future resolving when every input has resolved.
func joinAll(futures []*value.Future) *value.Future {
	if len(futures) == 0 {
		return value.Resolved(nil)
	}

	joined, resolve := value.NewFuture()
	go func() {
		// Lock tokens resolve with nil and never reject.
		for _, f := range futures {
			_, _ = f.Await(context.Background())
		}
		resolve(nil, nil)
	}()
	return joined
}
