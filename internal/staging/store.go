// ============================================================================
// webptar Staging Store
// ============================================================================
//
// Package: internal/staging
// File: store.go
// Purpose: Keyed byte-blob store that lives for one batch, decoupling
//          conversion from archive assembly
//
// Backends:
//   - segment: append-only log file, each record framed and CRC32 checked
//   - sqlite:  one blob table in a sqlite database file
//   - memory:  map[int][]byte, used when no persistent medium is available
//
// Contract:
//   Put(k, b) then Get(k) in the same batch returns bytes equal to b.
//   Clear() drops every key; Open clears too, so nothing leaks across runs.
//   Keys are zero-based source indices, unique per batch.
//
// Ownership:
//   Persistent backends take an exclusive flock on their directory. A second
//   coordinator pointed at the same directory fails with ErrInitialization.
//
// Memory caveat:
//   The memory backend keeps every converted payload resident until the
//   archive is built. Peak memory grows with batch size, so use it for small
//   batches only.
//
// ============================================================================

package staging

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/ChuLiYu/webptar/pkg/types"
)

// Store is the staging contract used by the coordinator.
type Store interface {
	Put(ctx context.Context, key int, data []byte) error
	Get(ctx context.Context, key int) ([]byte, error)
	Clear(ctx context.Context) error
	Len() int
	Kind() types.StagingKind
	Close() error
}

// Options selects and configures a backend.
type Options struct {
	Backend types.StagingKind // segment, sqlite or memory
	Dir     string            // directory for persistent backends
	Sync    bool              // fsync after every segment append
}

// DefaultDir is the staging directory used when none is configured.
func DefaultDir() string {
	return filepath.Join(os.TempDir(), "webptar-staging")
}

// Open creates the backend named by opts and clears any prior contents.
// Failures are wrapped with types.ErrInitialization.
func Open(ctx context.Context, opts Options) (Store, error) {
	if opts.Backend == types.StagingMemory {
		return NewMemoryStore(), nil
	}

	dir := opts.Dir
	if dir == "" {
		dir = DefaultDir()
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, initError("create staging dir", err)
	}

	lock, err := acquireLock(dir)
	if err != nil {
		return nil, initError("lock staging dir", err)
	}

	var store Store
	switch opts.Backend {
	case types.StagingSegment, "":
		store, err = openSegmentStore(dir, opts.Sync, lock)
	case types.StagingSQLite:
		store, err = openSQLiteStore(ctx, dir, lock)
	default:
		err = fmt.Errorf("unknown backend %q", opts.Backend)
	}
	if err != nil {
		_ = lock.Unlock()
		return nil, initError("open "+string(opts.Backend)+" store", err)
	}

	if err := store.Clear(ctx); err != nil {
		_ = store.Close()
		return nil, initError("clear staging store", err)
	}
	return store, nil
}

func initError(op string, err error) error {
	return types.NewError(types.ErrInitialization, fmt.Errorf("%s: %w", op, err))
}

func writeError(key int, err error) error {
	return types.NewItemError(types.ErrStoreWrite, key, "", err)
}

func readError(key int, err error) error {
	return types.NewItemError(types.ErrStoreRead, key, "", err)
}
