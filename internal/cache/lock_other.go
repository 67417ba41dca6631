//go:build !unix

package cache

import (
	"errors"
	"os"

	"github.com/GriffinCanCode/xfetch/internal/httperr"
)

// osLock falls back to exclusive creation of the sidecar file. A crashed
// process leaves the sidecar behind; SweepOrphans cleans it up.
type osLock struct {
	path string
}

func acquireOSLock(path string) (osLock, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		if errors.Is(err, os.ErrExist) {
			return osLock{}, &httperr.FileLockedError{Path: path}
		}
		return osLock{}, err
	}
	f.Close()
	return osLock{path: path}, nil
}

func (l osLock) release(bool) error {
	if l.path == "" {
		return nil
	}
	err := os.Remove(l.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	return err
}
