package utils

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/gofrs/flock"
)

// AcquireLock takes an exclusive file lock guarding mutating CLI commands
// against concurrent invocations on the same host. It returns a release
// function, or an error when another process already holds the lock.
func AcquireLock(lockPath string) (func(), error) {
	if err := os.MkdirAll(filepath.Dir(lockPath), 0755); err != nil {
		return nil, fmt.Errorf("failed to create lock directory: %w", err)
	}

	fileLock := flock.New(lockPath)

	locked, err := fileLock.TryLock()
	if err != nil {
		return nil, fmt.Errorf("failed to attempt lock: %w", err)
	}
	if !locked {
		return nil, fmt.Errorf("lock file %s is held, another backup or restore might be running", lockPath)
	}

	return func() {
		fileLock.Unlock()
	}, nil
}
