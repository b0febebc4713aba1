package staging

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"sync"

	_ "modernc.org/sqlite"

	"github.com/ChuLiYu/webptar/pkg/types"
)

const sqliteFileName = "staging.db"

// SQLiteStore stages payloads as blobs in a single sqlite table.
type SQLiteStore struct {
	db     *sql.DB
	path   string
	lock   unlocker
	mu     sync.Mutex
	closed bool
}

func openSQLiteStore(ctx context.Context, dir string, lock unlocker) (*SQLiteStore, error) {
	path := filepath.Join(dir, sqliteFileName)
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	db.SetMaxOpenConns(1)

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout = 5000",
	}
	for _, pragma := range pragmas {
		if _, execErr := db.ExecContext(ctx, pragma); execErr != nil {
			_ = db.Close()
			return nil, fmt.Errorf("apply pragma %q: %w", pragma, execErr)
		}
	}

	const schema = `CREATE TABLE IF NOT EXISTS staged (
        key  INTEGER PRIMARY KEY,
        data BLOB NOT NULL
    )`
	if _, err := db.ExecContext(ctx, schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create staged table: %w", err)
	}

	return &SQLiteStore{db: db, path: path, lock: lock}, nil
}

// Put inserts or replaces the blob for key.
func (s *SQLiteStore) Put(ctx context.Context, key int, data []byte) error {
	if data == nil {
		data = []byte{}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return writeError(key, ErrStoreClosed)
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO staged (key, data) VALUES (?, ?)
         ON CONFLICT(key) DO UPDATE SET data = excluded.data`, key, data)
	if err != nil {
		return writeError(key, fmt.Errorf("insert blob: %w", err))
	}
	return nil
}

// Get returns the blob for key.
func (s *SQLiteStore) Get(ctx context.Context, key int) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, readError(key, ErrStoreClosed)
	}

	var data []byte
	err := s.db.QueryRowContext(ctx, `SELECT data FROM staged WHERE key = ?`, key).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, readError(key, ErrKeyNotFound)
	}
	if err != nil {
		return nil, readError(key, fmt.Errorf("select blob: %w", err))
	}
	if data == nil {
		data = []byte{}
	}
	return data, nil
}

// Clear deletes every staged row.
func (s *SQLiteStore) Clear(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrStoreClosed
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM staged`); err != nil {
		return fmt.Errorf("clear staged table: %w", err)
	}
	return nil
}

// Len returns the number of staged rows.
func (s *SQLiteStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0
	}
	var n int
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM staged`).Scan(&n); err != nil {
		return 0
	}
	return n
}

// Kind reports types.StagingSQLite.
func (s *SQLiteStore) Kind() types.StagingKind { return types.StagingSQLite }

// Close empties the table, closes the database and releases the lock.
func (s *SQLiteStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true

	var firstErr error
	if _, err := s.db.Exec(`DELETE FROM staged`); err != nil {
		firstErr = err
	}
	if err := s.db.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	if s.lock != nil {
		if err := s.lock.Unlock(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
