package staging

// ============================================================================
// Segment store - append-only staging log
// Responsibilities:
// 1. Append each staged payload as one framed record
// 2. Keep an in-memory key -> offset index so Get is a single ReadAt
// 3. Verify the frame checksum on every read
// 4. Truncate the log on Clear so a new batch starts empty
// ============================================================================
//
// Frame layout (big endian):
//   ┌─────────┬────────────┬───────────┬─────────────┐
//   │ key u64 │ length u32 │ crc32 u32 │ payload ... │
//   └─────────┴────────────┴───────────┴─────────────┘

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/ChuLiYu/webptar/pkg/types"
)

const (
	segmentFileName = "staging.seg"
	frameHeaderSize = 16
)

// segmentFile is the subset of *os.File the store needs; tests substitute it
// to inject I/O failures.
type segmentFile interface {
	io.Writer
	io.ReaderAt
	Truncate(size int64) error
	Seek(offset int64, whence int) (int64, error)
	Sync() error
	Close() error
}

type frameRef struct {
	offset int64 // payload start
	length uint32
	crc    uint32
}

// SegmentStore is the default persistent staging backend.
type SegmentStore struct {
	mu        sync.Mutex
	file      segmentFile
	path      string
	index     map[int]frameRef
	size      int64 // bytes written since the last Clear
	syncOnPut bool  // fsync after every append
	lock      unlocker
	closed    bool
}

func openSegmentStore(dir string, syncOnPut bool, lock unlocker) (*SegmentStore, error) {
	path := filepath.Join(dir, segmentFileName)
	file, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, err
	}
	return newSegmentStore(file, path, syncOnPut, lock), nil
}

func newSegmentStore(file segmentFile, path string, syncOnPut bool, lock unlocker) *SegmentStore {
	return &SegmentStore{
		file:      file,
		path:      path,
		index:     make(map[int]frameRef),
		syncOnPut: syncOnPut,
		lock:      lock,
	}
}

// Put appends one frame for key. A later Put for the same key shadows the
// earlier frame.
func (s *SegmentStore) Put(_ context.Context, key int, data []byte) error {
	if key < 0 {
		return writeError(key, fmt.Errorf("negative key"))
	}
	if uint64(len(data)) > uint64(^uint32(0)) {
		return writeError(key, fmt.Errorf("payload of %d bytes exceeds frame limit", len(data)))
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return writeError(key, ErrStoreClosed)
	}

	crc := frameChecksum(uint64(key), data)
	var hdr [frameHeaderSize]byte
	binary.BigEndian.PutUint64(hdr[0:8], uint64(key))
	binary.BigEndian.PutUint32(hdr[8:12], uint32(len(data)))
	binary.BigEndian.PutUint32(hdr[12:16], crc)

	start := s.size
	if _, err := s.file.Write(hdr[:]); err != nil {
		return writeError(key, s.rewind(start, err))
	}
	if _, err := s.file.Write(data); err != nil {
		return writeError(key, s.rewind(start, err))
	}
	if s.syncOnPut {
		if err := s.file.Sync(); err != nil {
			return writeError(key, s.rewind(start, err))
		}
	}

	s.index[key] = frameRef{offset: start + frameHeaderSize, length: uint32(len(data)), crc: crc}
	s.size = start + frameHeaderSize + int64(len(data))
	return nil
}

// rewind drops a partially written frame so the log stays well formed.
func (s *SegmentStore) rewind(start int64, cause error) error {
	if err := s.file.Truncate(start); err != nil {
		return fmt.Errorf("%w (truncate after failed write: %v)", cause, err)
	}
	if _, err := s.file.Seek(start, io.SeekStart); err != nil {
		return fmt.Errorf("%w (seek after failed write: %v)", cause, err)
	}
	return cause
}

// Get reads and verifies the latest frame for key.
func (s *SegmentStore) Get(_ context.Context, key int) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, readError(key, ErrStoreClosed)
	}

	ref, ok := s.index[key]
	if !ok {
		return nil, readError(key, ErrKeyNotFound)
	}

	buf := make([]byte, ref.length)
	if _, err := s.file.ReadAt(buf, ref.offset); err != nil {
		return nil, readError(key, &CorruptionError{Key: key, Offset: ref.offset - frameHeaderSize, Cause: err})
	}
	if actual, ok := verifyFrame(uint64(key), buf, ref.crc); !ok {
		return nil, readError(key, &ChecksumError{Key: key, Expected: ref.crc, Actual: actual})
	}
	return buf, nil
}

// Clear truncates the log and forgets every key.
func (s *SegmentStore) Clear(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrStoreClosed
	}

	if err := s.file.Truncate(0); err != nil {
		return fmt.Errorf("truncate segment: %w", err)
	}
	if _, err := s.file.Seek(0, io.SeekStart); err != nil {
		return fmt.Errorf("seek segment: %w", err)
	}
	s.index = make(map[int]frameRef)
	s.size = 0
	return nil
}

// Len returns the number of distinct staged keys.
func (s *SegmentStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.index)
}

// Size returns the number of log bytes written since the last Clear.
func (s *SegmentStore) Size() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.size
}

// Kind reports types.StagingSegment.
func (s *SegmentStore) Kind() types.StagingKind { return types.StagingSegment }

// Close truncates the log, closes the file and releases the directory lock.
// The store must not be reused afterwards.
func (s *SegmentStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true

	var firstErr error
	if err := s.file.Truncate(0); err != nil {
		firstErr = err
	}
	if err := s.file.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	if s.lock != nil {
		if err := s.lock.Unlock(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
