package cache

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// TempSuffix marks a managed file that has not been committed yet.
const TempSuffix = ".tmp"

// ErrEmptyFile is returned by Commit when nothing was written.
var ErrEmptyFile = errors.New("managed file is empty")

// ManagedFile is written at final+TempSuffix under an exclusive lock on
// final and only appears at final once Commit succeeds.
type ManagedFile struct {
	final string
	temp  string
	file  *os.File
	lock  *Lock
	done  bool
}

// OpenManaged locks final and opens its temporary file. With resume the
// existing temporary content is kept and writes append to it; otherwise it
// is truncated.
func OpenManaged(locks *Locks, final string, resume bool) (*ManagedFile, error) {
	if err := os.MkdirAll(filepath.Dir(final), 0o755); err != nil {
		return nil, fmt.Errorf("create directory: %w", err)
	}

	lock, err := locks.TryLock(final)
	if err != nil {
		return nil, err
	}

	flags := os.O_CREATE | os.O_WRONLY
	if resume {
		flags |= os.O_APPEND
	} else {
		flags |= os.O_TRUNC
	}

	temp := final + TempSuffix
	f, err := os.OpenFile(temp, flags, 0o644)
	if err != nil {
		lock.Unlock()
		return nil, err
	}

	return &ManagedFile{final: final, temp: temp, file: f, lock: lock}, nil
}

// Write appends to the temporary file.
func (m *ManagedFile) Write(p []byte) (int, error) {
	if m.done {
		return 0, os.ErrClosed
	}
	return m.file.Write(p)
}

// Offset returns how many bytes the temporary file holds.
func (m *ManagedFile) Offset() (int64, error) {
	info, err := m.file.Stat()
	if err != nil {
		return 0, err
	}
	return info.Size(), nil
}

// Tail returns the last n bytes already written, or fewer when the file is
// shorter.
func (m *ManagedFile) Tail(n int64) ([]byte, error) {
	size, err := m.Offset()
	if err != nil {
		return nil, err
	}
	if n > size {
		n = size
	}

	r, err := os.Open(m.temp)
	if err != nil {
		return nil, err
	}
	defer r.Close()

	buf := make([]byte, n)
	if _, err := r.ReadAt(buf, size-n); err != nil && !errors.Is(err, io.EOF) {
		return nil, err
	}
	return buf, nil
}

// Reset discards everything written so far.
func (m *ManagedFile) Reset() error {
	if err := m.file.Truncate(0); err != nil {
		return err
	}
	_, err := m.file.Seek(0, io.SeekStart)
	return err
}

// FinalPath is where the file appears after Commit.
func (m *ManagedFile) FinalPath() string { return m.final }

// TempPath is where the file is written.
func (m *ManagedFile) TempPath() string { return m.temp }

// Commit renames the temporary file into place and releases the lock.
// A zero-byte file is deleted instead and ErrEmptyFile returned.
func (m *ManagedFile) Commit() (int64, error) {
	if m.done {
		return 0, os.ErrClosed
	}
	m.done = true
	defer m.lock.Unlock()

	size, err := m.Offset()
	closeErr := m.file.Close()
	if err != nil {
		os.Remove(m.temp)
		return 0, err
	}
	if closeErr != nil {
		os.Remove(m.temp)
		return 0, closeErr
	}

	if size == 0 {
		os.Remove(m.temp)
		return 0, ErrEmptyFile
	}
	if err := os.Rename(m.temp, m.final); err != nil {
		return 0, err
	}
	return size, nil
}

// Abort closes the file without promoting it. keepPartial leaves the
// temporary file for a later resume.
func (m *ManagedFile) Abort(keepPartial bool) error {
	if m.done {
		return nil
	}
	m.done = true
	defer m.lock.Unlock()

	err := m.file.Close()
	if !keepPartial {
		if rerr := os.Remove(m.temp); rerr != nil && !errors.Is(rerr, os.ErrNotExist) && err == nil {
			err = rerr
		}
	}
	return err
}
