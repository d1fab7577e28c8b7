package db

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/gofrs/flock"

	apperrors "github.com/kimhsiao/sitesync/internal/errors"
)

// LockFileName is the lock file held by the process that drains the queue.
const LockFileName = "sitesync.lock"

// DirLock is an exclusive lock on a data directory. Only its holder may
// drain the queue there, since a fresh engine resets every SYNCING record on
// its first run.
type DirLock struct {
	fl *flock.Flock
}

// LockDataDir takes the drain lock on dataDir without waiting. It fails with
// ErrQueueInUse while another handle holds it, in this process or another.
func LockDataDir(dataDir string) (*DirLock, error) {
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	fl := flock.New(filepath.Join(dataDir, LockFileName))
	ok, err := fl.TryLock()
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrDatabase, "lock data directory", err)
	}
	if !ok {
		return nil, apperrors.New(apperrors.ErrQueueInUse,
			fmt.Sprintf("queue in use: %s is being drained by another process", dataDir))
	}
	return &DirLock{fl: fl}, nil
}

// Unlock releases the lock. It is safe to call more than once.
func (l *DirLock) Unlock() error {
	if l == nil {
		return nil
	}
	return l.fl.Unlock()
}
