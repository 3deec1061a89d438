// Package lifecycle guards process-level invariants: a data directory
// is owned by at most one notedex process at a time.
package lifecycle

import (
	"os"
	"path/filepath"

	"github.com/gofrs/flock"

	idxerrors "github.com/notedex/notedex/internal/errors"
)

// DirLock is a cross-process exclusive lock on a data directory. The
// single-writer model assumes one process owns the metadata database
// and vector index; the lock makes that assumption enforceable.
type DirLock struct {
	path   string
	flock  *flock.Flock
	locked bool
}

// NewDirLock creates a lock rooted at dir. The lock file is
// <dir>/.notedex.lock.
func NewDirLock(dir string) *DirLock {
	path := filepath.Join(dir, ".notedex.lock")
	return &DirLock{path: path, flock: flock.New(path)}
}

// Acquire takes the lock without blocking. A held lock means another
// process is serving this data directory.
func (l *DirLock) Acquire() error {
	if err := os.MkdirAll(filepath.Dir(l.path), 0o755); err != nil {
		return idxerrors.Wrap(err, idxerrors.ErrCodeStoreUnreachable, "cannot create data directory")
	}

	acquired, err := l.flock.TryLock()
	if err != nil {
		return idxerrors.Wrap(err, idxerrors.ErrCodeStoreUnreachable, "cannot acquire data directory lock")
	}
	if !acquired {
		return idxerrors.New(idxerrors.ErrCodeInvalidInput,
			"data directory is locked by another notedex process", nil).
			WithDetail("lock_file", l.path)
	}
	l.locked = true
	return nil
}

// Release drops the lock. Safe to call when not held.
func (l *DirLock) Release() error {
	if !l.locked {
		return nil
	}
	l.locked = false
	return l.flock.Unlock()
}
