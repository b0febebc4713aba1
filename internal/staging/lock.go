package staging

import (
	"fmt"
	"path/filepath"

	"github.com/gofrs/flock"
)

const lockFileName = ".webptar.lock"

type unlocker interface {
	Unlock() error
}

// acquireLock takes a non-blocking exclusive lock on dir. The staging store is
// owned by exactly one coordinator, so a held lock is an error, not a wait.
func acquireLock(dir string) (*flock.Flock, error) {
	lock := flock.New(filepath.Join(dir, lockFileName))
	ok, err := lock.TryLock()
	if err != nil {
		return nil, fmt.Errorf("flock %s: %w", lock.Path(), err)
	}
	if !ok {
		return nil, ErrLocked
	}
	return lock, nil
}
