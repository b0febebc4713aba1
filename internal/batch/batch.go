// ============================================================================
// webptar Batch State - dispatch bookkeeping for one batch
// ============================================================================
//
// Package: internal/batch
// File: batch.go
// Function: Owns BatchState (total, next-to-dispatch index, archive records)
//           and guards every lifecycle transition
//
// Design:
//   A single Batch is owned by one coordinator. All mutations happen through
//   the dispatch/response cycle:
//
//     Start(total)        Idle → Dispatching
//     Await()             Dispatching|Staged → WaitingForItem, returns next
//     Begin(index)        WaitingForItem → Converting   (index must equal next)
//     Stage(record)       Converting → Staged, append record, next++
//     Finalize()          Dispatching|Staged → Finalizing (all items staged)
//     Compress()          Finalizing → Compressing
//     Complete()          Compressing → Done
//     Fail()              any non-terminal state → Errored
//     Reset()             anything → Idle, state destroyed
//
// Invariants:
//   - next only increases, and never exceeds total
//   - records are appended in dispatch order, so len(records) == next
//     whenever the state is not Converting
//   - at most one item is in Converting at any time
//
// Concurrency:
//   sync.RWMutex guards every field; readers take RLock.
//
// ============================================================================

package batch

import (
	"fmt"
	"sync"

	"github.com/ChuLiYu/webptar/pkg/types"
)

// Batch is the BatchState of one run plus its lifecycle state.
type Batch struct {
	mu      sync.RWMutex
	state   State
	total   int
	next    int
	records []types.ArchiveRecord
}

// Snapshot is a point-in-time copy of a Batch.
type Snapshot struct {
	State   State                 `json:"-"`
	Total   int                   `json:"total"`
	Next    int                   `json:"next"`
	Records []types.ArchiveRecord `json:"records"`
}

// New returns an idle batch.
func New() *Batch {
	return &Batch{}
}

// Start resets the batch and enters Dispatching.
//
// Parameters:
//   - total: number of items the caller will submit, must be >= 0
//
// Returns:
//   - ErrInvalidTransition when the batch is not Idle
func (b *Batch) Start(total int) error {
	if total < 0 {
		return fmt.Errorf("batch: negative total %d", total)
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	if err := b.moveLocked(Dispatching); err != nil {
		return err
	}
	b.total = total
	b.next = 0
	b.records = make([]types.ArchiveRecord, 0, total)
	return nil
}

// Await enters WaitingForItem and returns the index the caller must send.
func (b *Batch) Await() (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.next >= b.total {
		return 0, fmt.Errorf("batch: all %d items dispatched", b.total)
	}
	if err := b.moveLocked(WaitingForItem); err != nil {
		return 0, err
	}
	return b.next, nil
}

// Begin marks item index as Converting. index must be the awaited one.
func (b *Batch) Begin(index int) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == WaitingForItem && index != b.next {
		return fmt.Errorf("batch: got item %d, expected %d", index, b.next)
	}
	return b.moveLocked(Converting)
}

// Stage records the converted item and advances next.
func (b *Batch) Stage(rec types.ArchiveRecord) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == Converting && rec.Key != b.next {
		return fmt.Errorf("batch: staged key %d, converting %d", rec.Key, b.next)
	}
	if err := b.moveLocked(Staged); err != nil {
		return err
	}
	b.records = append(b.records, rec)
	b.next++
	return nil
}

// Finalize enters Finalizing once every item has been staged.
func (b *Batch) Finalize() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.next != b.total && (b.state == Dispatching || b.state == Staged || b.state == WaitingForItem) {
		return fmt.Errorf("batch: source exhausted after %d of %d items", b.next, b.total)
	}
	return b.moveLocked(Finalizing)
}

// Compress enters Compressing.
func (b *Batch) Compress() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.moveLocked(Compressing)
}

// Complete enters Done.
func (b *Batch) Complete() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.moveLocked(Done)
}

// Fail enters Errored. It reports false when the batch was already terminal
// or never started, in which case nothing changes.
func (b *Batch) Fail() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.moveLocked(Errored) == nil
}

// Reset destroys the batch state and returns to Idle.
func (b *Batch) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = Idle
	b.total = 0
	b.next = 0
	b.records = nil
}

// State returns the current lifecycle state.
func (b *Batch) State() State {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.state
}

// Total returns the announced item count.
func (b *Batch) Total() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.total
}

// Completed returns the number of staged items.
func (b *Batch) Completed() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.records)
}

// Exhausted reports whether every item has been dispatched and staged.
func (b *Batch) Exhausted() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.next == b.total && b.state != Converting
}

// Records returns a copy of the archive records in staging order.
func (b *Batch) Records() []types.ArchiveRecord {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]types.ArchiveRecord, len(b.records))
	copy(out, b.records)
	return out
}

// Snapshot returns a copy of the batch.
func (b *Batch) Snapshot() Snapshot {
	b.mu.RLock()
	defer b.mu.RUnlock()
	recs := make([]types.ArchiveRecord, len(b.records))
	copy(recs, b.records)
	return Snapshot{State: b.state, Total: b.total, Next: b.next, Records: recs}
}

func (b *Batch) moveLocked(to State) error {
	if !CanTransition(b.state, to) {
		return &TransitionError{From: b.state, To: to}
	}
	b.state = to
	return nil
}
