// Package loader supplies template and script sources to the engine. The
// filesystem loader keeps a name-keyed cache of sources, each carrying a
// content hash, and supports watch invalidation, so long-running hosts re-read a source only after it
// actually changed on disk.
package loader

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"golang.org/x/crypto/blake2b"
)

// Source is one loaded template source.
type Source struct {
	// Name is the loader-relative path, as referenced by includes.
	Name string

	// Contents is the raw source text.
	Contents string

	// Key is the BLAKE2b-256 hash of the contents; compiled-metadata caches
	// use it to pair a source with its compiled program.
	Key [32]byte
}

// Loader resolves a template name to its source.
type Loader interface {
	Load(name string) (*Source, error)
}

// NotFoundError reports a name the loader cannot resolve.
type NotFoundError struct {
	Name string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("template %q not found", e.Name)
}

// FSLoader loads sources from a directory tree.
type FSLoader struct {
	root string

	mu    sync.Mutex
	cache map[string]*Source

	watcher *fsnotify.Watcher
	done    chan struct{}
}

// NewFS creates a loader rooted at dir.
func NewFS(dir string) *FSLoader {
	return &FSLoader{
		root:  dir,
		cache: make(map[string]*Source),
	}
}

// Load implements Loader. Results are cached until invalidated.
func (l *FSLoader) Load(name string) (*Source, error) {
	l.mu.Lock()
	if src, ok := l.cache[name]; ok {
		l.mu.Unlock()
		return src, nil
	}
	l.mu.Unlock()

	full, err := l.resolve(name)
	if err != nil {
		return nil, err
	}

	raw, err := os.ReadFile(full)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, &NotFoundError{Name: name}
		}
		return nil, fmt.Errorf("loading %q: %w", name, err)
	}

	src := &Source{
		Name:     name,
		Contents: string(raw),
		Key:      blake2b.Sum256(raw),
	}

	l.mu.Lock()
	l.cache[name] = src
	l.mu.Unlock()
	return src, nil
}

// resolve joins name under the root, rejecting path traversal.
func (l *FSLoader) resolve(name string) (string, error) {
	clean := filepath.Clean(filepath.FromSlash(name))
	if strings.HasPrefix(clean, "..") || filepath.IsAbs(clean) {
		return "", fmt.Errorf("template name %q escapes the loader root", name)
	}
	return filepath.Join(l.root, clean), nil
}

// Invalidate drops one cached source.
func (l *FSLoader) Invalidate(name string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.cache, name)
}

// InvalidateAll clears the cache.
func (l *FSLoader) InvalidateAll() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.cache = make(map[string]*Source)
}

// Cached reports whether name is currently cached. Exposed for hosts that
// surface cache state.
func (l *FSLoader) Cached(name string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.cache[name]
	return ok
}

// Watch starts invalidating cached sources when their files change on disk.
// Every directory under the root is watched; Close stops the watcher.
func (l *FSLoader) Watch() error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("starting watcher: %w", err)
	}

	if err := filepath.Walk(l.root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() {
			return watcher.Add(path)
		}
		return nil
	}); err != nil {
		_ = watcher.Close()
		return fmt.Errorf("watching %q: %w", l.root, err)
	}

	l.watcher = watcher
	l.done = make(chan struct{})

	go func() {
		for {
			select {
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) != 0 {
					l.invalidatePath(event.Name)
				}
			case _, ok := <-watcher.Errors:
				if !ok {
					return
				}
				// A watch error leaves the cache possibly stale; drop it all.
				l.InvalidateAll()
			case <-l.done:
				return
			}
		}
	}()

	return nil
}

// invalidatePath maps an absolute event path back to a loader name.
func (l *FSLoader) invalidatePath(path string) {
	rel, err := filepath.Rel(l.root, path)
	if err != nil {
		l.InvalidateAll()
		return
	}
	l.Invalidate(filepath.ToSlash(rel))
}

// Close stops the watcher, if running.
func (l *FSLoader) Close() error {
	if l.watcher == nil {
		return nil
	}
	close(l.done)
	err := l.watcher.Close()
	l.watcher = nil
	return err
}
