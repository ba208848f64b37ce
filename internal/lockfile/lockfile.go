// Package lockfile provides the per-device single-instance lock. Two
// keyshift processes must never grab the same keyboard; the device path is
// hashed into a filesystem-legal name and claimed with an exclusive
// create. The lock is meant to be released as soon as the grab succeeds.
package lockfile

import (
	"crypto/sha1"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// ErrHeld is returned when another process already holds the lock.
var ErrHeld = errors.New("lock already held")

// Lock is a held advisory lock.
type Lock struct {
	path string
}

// Acquire claims the lock for key (typically the input device path).
func Acquire(key string) (*Lock, error) {
	sum := sha1.Sum([]byte(key))
	path := filepath.Join(os.TempDir(), "keyshift-"+hex.EncodeToString(sum[:])+".lock")

	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		if os.IsExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrHeld, path)
		}
		return nil, fmt.Errorf("creating lock %s: %w", path, err)
	}
	fmt.Fprintf(f, "%d\n", os.Getpid())
	f.Close()
	return &Lock{path: path}, nil
}

// Release removes the lock. Safe to call once per acquired lock.
func (l *Lock) Release() error {
	return os.Remove(l.path)
}
