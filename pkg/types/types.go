// Package types defines the core domain model shared by the webptar pipeline:
// the items a caller feeds in, the records the archive is assembled from, and
// the command/event values that cross the coordinator boundary.
package types

// ============================================================================
// Batch data model
// ============================================================================

// SourceItem is one input image, identified by its zero-based position in the
// batch. Immutable once enumerated.
type SourceItem struct {
	Index     int    `json:"index"`      // position in enumeration order, starts at 0
	Name      string `json:"name"`       // display name (base name, no directories)
	MediaType string `json:"media_type"` // declared media type, e.g. "image/jpeg"
	Data      []byte `json:"-"`          // raw encoded source bytes
}

// StagedEntry is the converter output for one SourceItem before it is written
// to the staging store. Created once, never mutated.
type StagedEntry struct {
	Key  int    // equals SourceItem.Index
	Name string // output name with the target extension
	Data []byte // encoded payload
}

// Record projects the entry onto the metadata the archive builder needs.
func (e StagedEntry) Record() ArchiveRecord {
	return ArchiveRecord{Key: e.Key, Name: e.Name, Size: int64(len(e.Data))}
}

// ArchiveRecord is the per-entry metadata kept in memory for archive sizing.
type ArchiveRecord struct {
	Key  int    `json:"key"`  // staging key
	Name string `json:"name"` // entry name written to the header
	Size int64  `json:"size"` // payload length in bytes
}

// Result is the payload of the terminal done event.
type Result struct {
	Data        []byte          // compressed archive
	Entries     []ArchiveRecord // archive entries in archive order
	ArchiveSize int64           // uncompressed container length
	Format      string          // target image format of the batch
}

// ============================================================================
// Coordinator protocol
// ============================================================================

// CommandKind identifies a caller → library message.
type CommandKind string

const (
	CommandStart       CommandKind = "start"        // begin a batch of Total items
	CommandProcessItem CommandKind = "process-item" // answer to request-next
	CommandFinalize    CommandKind = "finalize"     // caller has no more items
)

// Command is a caller → library message.
type Command struct {
	Kind  CommandKind
	Total int        // start only
	Item  SourceItem // process-item only
}

// EventKind identifies a library → caller message.
type EventKind string

const (
	EventRequestNext EventKind = "request-next" // send the item at Index
	EventFinalize    EventKind = "finalize"     // all items staged, send finalize
	EventProgress    EventKind = "progress"     // Percent/Label update
	EventWarning     EventKind = "warning"      // degraded-mode notice, non-terminal
	EventDone        EventKind = "done"         // terminal, Result set
	EventError       EventKind = "error"        // terminal, Reason set
)

// Event is a library → caller message.
type Event struct {
	Kind      EventKind
	Index     int     // request-next: index of the wanted item
	Percent   int     // progress and done
	Label     string  // progress label or warning text
	Reason    string  // error: human readable reason
	ErrorKind string  // error: taxonomy kind, see errors.go
	Result    *Result // done only
}

// Terminal reports whether no further events follow e.
func (e Event) Terminal() bool {
	return e.Kind == EventDone || e.Kind == EventError
}

// ============================================================================
// Execution plan
// ============================================================================

// Execution is the scheduling model chosen for a batch.
type Execution string

const (
	ExecutionBackground Execution = "background" // isolated goroutine, serialized messages
	ExecutionInline     Execution = "inline"     // caller's goroutine with yield points
)

// StagingKind names a staging store backend.
type StagingKind string

const (
	StagingSegment StagingKind = "segment" // append-only checksummed log file
	StagingSQLite  StagingKind = "sqlite"  // sqlite blob table
	StagingMemory  StagingKind = "memory"  // in-process map, degraded mode
)

// Persistent reports whether the backend keeps bytes outside process memory.
func (k StagingKind) Persistent() bool {
	return k == StagingSegment || k == StagingSQLite
}

// Image formats produced by the converter.
const (
	FormatWebP = "webp"
	FormatPNG  = "png"
)
