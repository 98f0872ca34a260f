package cmd

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/gofrs/flock"

	"github.com/ensembleworks/ensemble/internal/log"
)

// acquireInstanceLock takes an exclusive file lock under dataDir. The
// lock is advisory and non-blocking: if another process holds it, the
// caller fails fast instead of sharing the staging area.
func acquireInstanceLock(dataDir, name string) (*flock.Flock, error) {
	if err := os.MkdirAll(dataDir, 0o750); err != nil {
		return nil, fmt.Errorf("creating data directory: %w", err)
	}

	path := filepath.Join(dataDir, name)
	lock := flock.New(path)

	locked, err := lock.TryLock()
	if err != nil {
		return nil, fmt.Errorf("locking %s: %w", path, err)
	}
	if !locked {
		return nil, fmt.Errorf("another instance is running (lock held on %s)", path)
	}

	return lock, nil
}

// releaseInstanceLock releases the lock; the file itself stays behind
// for the next instance.
func releaseInstanceLock(lock *flock.Flock, logger log.Logger) {
	if lock == nil {
		return
	}
	if err := lock.Unlock(); err != nil {
		logger.Warn("releasing instance lock", "path", lock.Path(), "error", err)
	}
}
