// Package devlock serializes benchmark runs against the same device across
// processes with an advisory file lock.
package devlock

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/gofrs/flock"

	"github.com/Alia5/uvperf/driver"
)

// ErrLocked is returned when another process holds the device lock.
var ErrLocked = errors.New("device is in use by another uvperf instance")

// DefaultDir is the lock directory used when none is configured.
func DefaultDir() string {
	return filepath.Join(os.TempDir(), "uvperf")
}

// Lock is a held device lock.
type Lock struct {
	f *flock.Flock
}

// Acquire takes the lock of info in dir without blocking.
func Acquire(dir string, info driver.Info) (*Lock, error) {
	if dir == "" {
		dir = DefaultDir()
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create lock directory: %w", err)
	}
	f := flock.New(filepath.Join(dir, fileName(info)))
	ok, err := f.TryLock()
	if err != nil {
		return nil, fmt.Errorf("lock %s: %w", f.Path(), err)
	}
	if !ok {
		return nil, fmt.Errorf("%s: %w", info, ErrLocked)
	}
	return &Lock{f: f}, nil
}

func fileName(info driver.Info) string {
	return fmt.Sprintf("%03d-%03d-%04x-%04x.lock", info.Bus, info.Address, info.VendorID, info.ProductID)
}

// Path returns the lock file path.
func (l *Lock) Path() string { return l.f.Path() }

// Release drops the lock. The file is left in place.
func (l *Lock) Release() error {
	return l.f.Unlock()
}
