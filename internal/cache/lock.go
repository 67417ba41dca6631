package cache

import (
	"errors"
	"sync"

	"github.com/GriffinCanCode/xfetch/internal/httperr"
)

// lockSuffix names the sidecar file that carries the cross-process lock.
const lockSuffix = ".lock"

// Locks serialises writers of a path within this process and, through an
// advisory lock on a sidecar file, across processes.
// One Locks value should be shared by everything that touches the same files.
type Locks struct {
	mu   sync.Mutex
	held map[string]struct{}
}

// NewLocks creates an empty lock table.
func NewLocks() *Locks {
	return &Locks{held: make(map[string]struct{})}
}

// Lock is an exclusive hold on one path.
type Lock struct {
	locks  *Locks
	path   string
	os     osLock
	remove bool
	once   sync.Once
}

// TryLock acquires path without blocking. It returns a FileLockedError when
// another goroutine or process holds it.
func (l *Locks) TryLock(path string) (*Lock, error) {
	l.mu.Lock()
	if _, busy := l.held[path]; busy {
		l.mu.Unlock()
		return nil, &httperr.FileLockedError{Path: path}
	}
	l.held[path] = struct{}{}
	l.mu.Unlock()

	osl, err := acquireOSLock(path + lockSuffix)
	if err != nil {
		l.release(path)
		var locked *httperr.FileLockedError
		if errors.As(err, &locked) {
			return nil, &httperr.FileLockedError{Path: path}
		}
		return nil, err
	}
	return &Lock{locks: l, path: path, os: osl}, nil
}

// Held reports whether this process holds path.
func (l *Locks) Held(path string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	_, ok := l.held[path]
	return ok
}

func (l *Locks) release(path string) {
	l.mu.Lock()
	delete(l.held, path)
	l.mu.Unlock()
}

// Path returns the locked path.
func (k *Lock) Path() string { return k.path }

// RemoveOnUnlock deletes the sidecar file when the lock is released. Use it
// once the protected file itself is gone.
func (k *Lock) RemoveOnUnlock() { k.remove = true }

// Unlock releases the lock. Calling it more than once is a no-op.
func (k *Lock) Unlock() error {
	var err error
	k.once.Do(func() {
		err = k.os.release(k.remove)
		k.locks.release(k.path)
	})
	return err
}
