package ingest

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/gofrs/flock"
)

// DirLock serializes ingest across processes with a lock file in the data
// directory. Two concurrent ingests would interleave delete/upsert pairs
// and corrupt the incremental re-index guarantee.
type DirLock struct {
	path   string
	flock  *flock.Flock
	locked bool
}

// NewDirLock creates a lock at <dir>/.ingest.lock.
func NewDirLock(dir string) *DirLock {
	lockPath := filepath.Join(dir, ".ingest.lock")
	return &DirLock{
		path:  lockPath,
		flock: flock.New(lockPath),
	}
}

// Lock acquires the exclusive lock, blocking until available. The lock
// file and its directory are created if needed.
func (l *DirLock) Lock() error {
	if err := os.MkdirAll(filepath.Dir(l.path), 0o755); err != nil {
		return fmt.Errorf("create lock directory: %w", err)
	}
	if err := l.flock.Lock(); err != nil {
		return fmt.Errorf("acquire ingest lock: %w", err)
	}
	l.locked = true
	return nil
}

// TryLock attempts the lock without blocking. Returns false when another
// process holds it.
func (l *DirLock) TryLock() (bool, error) {
	if err := os.MkdirAll(filepath.Dir(l.path), 0o755); err != nil {
		return false, fmt.Errorf("create lock directory: %w", err)
	}
	acquired, err := l.flock.TryLock()
	if err != nil {
		return false, fmt.Errorf("acquire ingest lock: %w", err)
	}
	l.locked = acquired
	return acquired, nil
}

// Unlock releases the lock. Safe to call on an unlocked DirLock.
func (l *DirLock) Unlock() error {
	if !l.locked {
		return nil
	}
	l.locked = false
	if err := l.flock.Unlock(); err != nil {
		return fmt.Errorf("release ingest lock: %w", err)
	}
	return nil
}

// Path returns the lock file location.
func (l *DirLock) Path() string {
	return l.path
}
