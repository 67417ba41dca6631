package cache

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"

	"go.uber.org/zap"
)

// Registry opens at most one Store per cache directory name under a root and
// shares one lock table between them.
type Registry struct {
	root string
	opts Options

	mu     sync.Mutex
	stores map[string]*Store
	closed bool
}

// NewRegistry creates a registry rooted at root. opts apply to every store;
// a per-call byte ceiling may be passed to Store.
func NewRegistry(root string, opts Options) *Registry {
	opts = opts.withDefaults()
	return &Registry{root: root, opts: opts, stores: make(map[string]*Store)}
}

// Root returns the directory holding every store.
func (r *Registry) Root() string { return r.root }

// Locks returns the lock table shared by every store of the registry.
func (r *Registry) Locks() *Locks { return r.opts.Locks }

// Store returns the store for name, opening it and sweeping orphans on first
// use. maxBytes > 0 overrides the byte ceiling when the store is first opened.
func (r *Registry) Store(name string, maxBytes int64) (*Store, error) {
	if name == "" || strings.ContainsAny(name, `/\`) || name == "." || name == ".." {
		return nil, fmt.Errorf("invalid cache directory name %q", name)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil, ErrClosed
	}
	if s, ok := r.stores[name]; ok {
		return s, nil
	}

	opts := r.opts
	if maxBytes > 0 {
		opts.MaxBytes = maxBytes
	}
	s, err := Open(filepath.Join(r.root, name), opts)
	if err != nil {
		return nil, err
	}
	if _, err := s.SweepOrphans(); err != nil {
		s.logger.Warn("orphan sweep failed", zap.Error(err))
	}

	r.stores[name] = s
	return s, nil
}

// Names lists the stores opened so far.
func (r *Registry) Names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	names := make([]string, 0, len(r.stores))
	for name := range r.stores {
		names = append(names, name)
	}
	return names
}

// Close closes every store.
func (r *Registry) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.closed = true
	var errs []error
	for name, s := range r.stores {
		if err := s.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close %s: %w", name, err))
		}
	}
	r.stores = map[string]*Store{}
	return errors.Join(errs...)
}
