package batch

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/webptar/pkg/types"
)

func rec(i int) types.ArchiveRecord {
	return types.ArchiveRecord{Key: i, Name: fmt.Sprintf("img%d.webp", i), Size: int64(100 + i)}
}

// runItems drives n items through the dispatch cycle.
func runItems(t *testing.T, b *Batch, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		idx, err := b.Await()
		require.NoError(t, err)
		require.Equal(t, i, idx)
		require.NoError(t, b.Begin(idx))
		require.NoError(t, b.Stage(rec(idx)))
	}
}

func TestHappyPath(t *testing.T) {
	b := New()
	assert.Equal(t, Idle, b.State())

	require.NoError(t, b.Start(3))
	assert.Equal(t, Dispatching, b.State())

	runItems(t, b, 3)
	assert.Equal(t, Staged, b.State())
	assert.True(t, b.Exhausted())
	assert.Equal(t, 3, b.Completed())

	require.NoError(t, b.Finalize())
	require.NoError(t, b.Compress())
	require.NoError(t, b.Complete())
	assert.Equal(t, Done, b.State())
	assert.True(t, b.State().Terminal())

	recs := b.Records()
	require.Len(t, recs, 3)
	for i, r := range recs {
		assert.Equal(t, i, r.Key, "records keep dispatch order")
	}
}

func TestEmptyBatch(t *testing.T) {
	b := New()
	require.NoError(t, b.Start(0))
	assert.True(t, b.Exhausted())

	_, err := b.Await()
	assert.Error(t, err)

	require.NoError(t, b.Finalize())
	assert.Equal(t, Finalizing, b.State())
}

func TestStartRejects(t *testing.T) {
	b := New()
	assert.Error(t, b.Start(-1))

	require.NoError(t, b.Start(1))
	err := b.Start(1)
	assert.ErrorIs(t, err, ErrInvalidTransition)

	var te *TransitionError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, Dispatching, te.From)
	assert.Equal(t, Dispatching, te.To)
}

func TestBeginWrongIndex(t *testing.T) {
	b := New()
	require.NoError(t, b.Start(2))
	_, err := b.Await()
	require.NoError(t, err)

	assert.Error(t, b.Begin(1))
	assert.Equal(t, WaitingForItem, b.State(), "rejected item leaves state untouched")
	assert.NoError(t, b.Begin(0))
}

func TestBeginWithoutAwait(t *testing.T) {
	b := New()
	require.NoError(t, b.Start(2))
	assert.ErrorIs(t, b.Begin(0), ErrInvalidTransition)
}

func TestOneItemInFlight(t *testing.T) {
	b := New()
	require.NoError(t, b.Start(2))
	_, err := b.Await()
	require.NoError(t, err)
	require.NoError(t, b.Begin(0))

	_, err = b.Await()
	assert.ErrorIs(t, err, ErrInvalidTransition, "cannot request another item while converting")
	assert.ErrorIs(t, b.Begin(1), ErrInvalidTransition)
	assert.False(t, b.Exhausted())
}

func TestStageWrongKey(t *testing.T) {
	b := New()
	require.NoError(t, b.Start(1))
	_, err := b.Await()
	require.NoError(t, err)
	require.NoError(t, b.Begin(0))

	assert.Error(t, b.Stage(rec(5)))
	assert.Equal(t, 0, b.Completed())
}

func TestFinalizeEarly(t *testing.T) {
	b := New()
	require.NoError(t, b.Start(5))
	runItems(t, b, 2)

	err := b.Finalize()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "2 of 5")
	assert.Equal(t, Staged, b.State())
}

func TestFail(t *testing.T) {
	tests := []struct {
		name  string
		setup func(*Batch)
		ok    bool
	}{
		{"idle", func(*Batch) {}, false},
		{"dispatching", func(b *Batch) { _ = b.Start(1) }, true},
		{"waiting", func(b *Batch) { _ = b.Start(1); _, _ = b.Await() }, true},
		{"converting", func(b *Batch) { _ = b.Start(1); _, _ = b.Await(); _ = b.Begin(0) }, true},
		{"finalizing", func(b *Batch) { _ = b.Start(0); _ = b.Finalize() }, true},
		{"compressing", func(b *Batch) { _ = b.Start(0); _ = b.Finalize(); _ = b.Compress() }, true},
		{"done", func(b *Batch) { _ = b.Start(0); _ = b.Finalize(); _ = b.Compress(); _ = b.Complete() }, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := New()
			tt.setup(b)
			before := b.State()
			assert.Equal(t, tt.ok, b.Fail())
			if tt.ok {
				assert.Equal(t, Errored, b.State())
			} else {
				assert.Equal(t, before, b.State())
			}
		})
	}
}

func TestErroredIsTerminal(t *testing.T) {
	b := New()
	require.NoError(t, b.Start(1))
	require.True(t, b.Fail())

	assert.False(t, b.Fail())
	_, err := b.Await()
	assert.Error(t, err)
	assert.ErrorIs(t, b.Finalize(), ErrInvalidTransition)
	assert.ErrorIs(t, b.Start(1), ErrInvalidTransition)
}

func TestReset(t *testing.T) {
	b := New()
	require.NoError(t, b.Start(2))
	runItems(t, b, 1)
	require.True(t, b.Fail())

	b.Reset()
	snap := b.Snapshot()
	assert.Equal(t, Idle, snap.State)
	assert.Zero(t, snap.Total)
	assert.Zero(t, snap.Next)
	assert.Empty(t, snap.Records)

	require.NoError(t, b.Start(1))
	runItems(t, b, 1)
}

func TestRecordsReturnsCopy(t *testing.T) {
	b := New()
	require.NoError(t, b.Start(1))
	runItems(t, b, 1)

	recs := b.Records()
	recs[0].Name = "mutated"
	assert.Equal(t, "img0.webp", b.Records()[0].Name)
}

func TestConcurrentReaders(t *testing.T) {
	b := New()
	require.NoError(t, b.Start(50))

	var wg sync.WaitGroup
	stop := make(chan struct{})
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-stop:
					return
				default:
					_ = b.Snapshot()
					_ = b.Completed()
				}
			}
		}()
	}

	runItems(t, b, 50)
	close(stop)
	wg.Wait()
	assert.Equal(t, 50, b.Completed())
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "waiting_for_item", WaitingForItem.String())
	assert.Equal(t, "state(42)", State(42).String())
}
