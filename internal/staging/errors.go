package staging

// ============================================================================
// Staging error definitions
// ============================================================================

import (
	"errors"
	"fmt"
)

var (
	// ErrStoreClosed indicates the store was used after Close.
	ErrStoreClosed = errors.New("staging: store is closed")

	// ErrChecksumMismatch indicates a segment record failed its CRC check.
	ErrChecksumMismatch = errors.New("staging: checksum mismatch")

	// ErrLocked indicates another process owns the staging directory.
	ErrLocked = errors.New("staging: directory is locked by another batch")
)

// ChecksumError carries the detail of a failed record check.
type ChecksumError struct {
	Key      int    // staging key of the record
	Expected uint32 // checksum stored in the frame
	Actual   uint32 // checksum computed on read
}

func (e *ChecksumError) Error() string {
	return fmt.Sprintf("staging: checksum mismatch at key=%d (expected=0x%08x, got=0x%08x)",
		e.Key, e.Expected, e.Actual)
}

func (e *ChecksumError) Is(target error) bool {
	return target == ErrChecksumMismatch
}

// CorruptionError reports a frame that could not be read back.
type CorruptionError struct {
	Key    int   // staging key of the record
	Offset int64 // byte offset of the frame in the segment file
	Cause  error // underlying error
}

func (e *CorruptionError) Error() string {
	return fmt.Sprintf("staging: corrupted record key=%d at offset %d: %v", e.Key, e.Offset, e.Cause)
}

func (e *CorruptionError) Unwrap() error {
	return e.Cause
}
