package types

import (
	"errors"
	"fmt"
)

// ============================================================================
// Error taxonomy
// ============================================================================

var (
	// ErrInitialization: the staging medium could not be opened or cleared.
	ErrInitialization = errors.New("initialization error")

	// ErrDecode: source bytes are not a decodable image.
	ErrDecode = errors.New("decode error")

	// ErrEncode: the target encoding failed or is unsupported.
	ErrEncode = errors.New("encode error")

	// ErrStoreWrite: staging put failed.
	ErrStoreWrite = errors.New("store write error")

	// ErrStoreRead: staging get failed.
	ErrStoreRead = errors.New("store read error")

	// ErrEntryRead: the archive builder could not fetch a record's bytes.
	ErrEntryRead = errors.New("entry read error")

	// ErrCompression: the compressor was not ready or failed.
	ErrCompression = errors.New("compression error")

	// ErrProtocol: a command arrived out of order.
	ErrProtocol = errors.New("protocol error")
)

var kinds = []error{
	ErrInitialization,
	ErrDecode,
	ErrEncode,
	ErrStoreWrite,
	ErrStoreRead,
	ErrEntryRead,
	ErrCompression,
	ErrProtocol,
}

// PipelineError attaches the failing item to a taxonomy error.
type PipelineError struct {
	Kind  error  // one of the Err* sentinels
	Index int    // item index, -1 when not item specific
	Name  string // item name, may be empty
	Err   error  // underlying cause
}

// NewError wraps cause with a taxonomy kind for a batch-level failure.
func NewError(kind error, cause error) *PipelineError {
	return &PipelineError{Kind: kind, Index: -1, Err: cause}
}

// NewItemError wraps cause with a taxonomy kind for item index.
func NewItemError(kind error, index int, name string, cause error) *PipelineError {
	return &PipelineError{Kind: kind, Index: index, Name: name, Err: cause}
}

func (e *PipelineError) Error() string {
	switch {
	case e.Index >= 0 && e.Name != "":
		return fmt.Sprintf("%v: item %d (%s): %v", e.Kind, e.Index, e.Name, e.Err)
	case e.Index >= 0:
		return fmt.Sprintf("%v: item %d: %v", e.Kind, e.Index, e.Err)
	default:
		return fmt.Sprintf("%v: %v", e.Kind, e.Err)
	}
}

func (e *PipelineError) Unwrap() []error {
	return []error{e.Kind, e.Err}
}

// KindOf returns the taxonomy sentinel err belongs to, or nil.
func KindOf(err error) error {
	var pe *PipelineError
	if errors.As(err, &pe) && pe.Kind != nil {
		return pe.Kind
	}
	for _, k := range kinds {
		if errors.Is(err, k) {
			return k
		}
	}
	return nil
}

// KindName returns a stable short name for the taxonomy kind of err.
func KindName(err error) string {
	switch KindOf(err) {
	case ErrInitialization:
		return "InitializationError"
	case ErrDecode:
		return "DecodeError"
	case ErrEncode:
		return "EncodeError"
	case ErrStoreWrite:
		return "StoreWriteError"
	case ErrStoreRead:
		return "StoreReadError"
	case ErrEntryRead:
		return "EntryReadError"
	case ErrCompression:
		return "CompressionError"
	case ErrProtocol:
		return "ProtocolError"
	default:
		return "Error"
	}
}

// KindByName is the inverse of KindName. Unknown names return nil.
func KindByName(name string) error {
	for _, k := range kinds {
		if KindName(k) == name {
			return k
		}
	}
	return nil
}

// ReportedError is a terminal error event turned back into an error on the
// caller side of the protocol.
type ReportedError struct {
	Kind   error  // taxonomy sentinel, nil when the kind is unknown
	Reason string // reason carried by the event
}

func (e *ReportedError) Error() string { return e.Reason }

func (e *ReportedError) Unwrap() error { return e.Kind }

// ErrorFromEvent converts an error event into a *ReportedError.
func ErrorFromEvent(ev Event) error {
	return &ReportedError{Kind: KindByName(ev.ErrorKind), Reason: ev.Reason}
}
