//go:build unix

package cache

import (
	"errors"
	"os"

	"github.com/GriffinCanCode/xfetch/internal/httperr"
	"golang.org/x/sys/unix"
)

type osLock struct {
	file *os.File
	path string
}

// acquireOSLock takes a non-blocking flock on path. When the sidecar was
// unlinked and recreated by another process between open and flock, the
// lock is on a dead inode, so the attempt is repeated once on the new file.
func acquireOSLock(path string) (osLock, error) {
	for attempt := 0; attempt < 2; attempt++ {
		f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
		if err != nil {
			return osLock{}, err
		}

		if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
			f.Close()
			if errors.Is(err, unix.EWOULDBLOCK) {
				return osLock{}, &httperr.FileLockedError{Path: path}
			}
			return osLock{}, err
		}

		if sameInode(f, path) {
			return osLock{file: f, path: path}, nil
		}
		unix.Flock(int(f.Fd()), unix.LOCK_UN)
		f.Close()
	}
	return osLock{}, &httperr.FileLockedError{Path: path}
}

func sameInode(f *os.File, path string) bool {
	var held, current unix.Stat_t
	if err := unix.Fstat(int(f.Fd()), &held); err != nil {
		return false
	}
	if err := unix.Stat(path, &current); err != nil {
		return false
	}
	return held.Dev == current.Dev && held.Ino == current.Ino
}

func (l osLock) release(remove bool) error {
	if l.file == nil {
		return nil
	}
	if remove {
		os.Remove(l.path)
	}
	err := unix.Flock(int(l.file.Fd()), unix.LOCK_UN)
	if cerr := l.file.Close(); err == nil {
		err = cerr
	}
	return err
}
