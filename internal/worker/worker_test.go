package worker

// ============================================================================
// Executor and driver tests
// Purpose: both execution contexts obey the same protocol and produce the
// same artifact; one item in flight; clean shutdown
// ============================================================================

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"testing"
	"time"

	"github.com/klauspost/compress/zstd"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/webptar/internal/compress"
	"github.com/ChuLiYu/webptar/internal/convert"
	"github.com/ChuLiYu/webptar/internal/coordinator"
	"github.com/ChuLiYu/webptar/internal/staging"
	"github.com/ChuLiYu/webptar/pkg/types"
)

// ============================================================================
// Helpers
// ============================================================================

// countingConverter tracks how many conversions overlap.
type countingConverter struct {
	mu       sync.Mutex
	active   int
	maxSeen  int
	failAt   int
	order    []int
	converts int
}

func (c *countingConverter) Format() string { return types.FormatWebP }

func (c *countingConverter) Convert(_ context.Context, item types.SourceItem) (convert.Output, error) {
	c.mu.Lock()
	c.active++
	if c.active > c.maxSeen {
		c.maxSeen = c.active
	}
	c.order = append(c.order, item.Index)
	c.converts++
	c.mu.Unlock()

	time.Sleep(time.Millisecond)

	c.mu.Lock()
	c.active--
	c.mu.Unlock()

	if item.Index == c.failAt {
		return convert.Output{}, types.NewItemError(types.ErrDecode, item.Index, item.Name, errors.New("corrupt"))
	}
	return convert.Output{
		Name:   convert.OutputName(item.Name, types.FormatWebP),
		Data:   append([]byte("W"), item.Data...),
		Format: types.FormatWebP,
	}, nil
}

func testConfig(t *testing.T, conv coordinator.Converter) coordinator.Config {
	t.Helper()
	return coordinator.Config{
		Converter:  conv,
		Compressor: compress.NewZstd(zstd.SpeedFastest),
		Staging:    staging.Options{Backend: types.StagingSegment, Dir: t.TempDir()},
		ModTime:    time.Unix(1700000000, 0),
	}
}

func sliceItems(n int) SliceSource {
	src := make(SliceSource, n)
	for i := range src {
		src[i] = types.SourceItem{
			Name: fmt.Sprintf("p%d.jpg", i),
			Data: bytes.Repeat([]byte{byte(i)}, 64*(i+1)),
		}
	}
	return src
}

type executorFactory func(cfg coordinator.Config) Executor

var executors = map[string]executorFactory{
	"background": func(cfg coordinator.Config) Executor { return NewBackground(cfg) },
	"inline":     func(cfg coordinator.Config) Executor { return NewInline(cfg) },
}

// ============================================================================
// Run against both executors
// ============================================================================

func TestRunProducesArtifact(t *testing.T) {
	for name, factory := range executors {
		t.Run(name, func(t *testing.T) {
			conv := &countingConverter{failAt: -1}
			exec := factory(testConfig(t, conv))
			defer exec.Close()

			var events []types.Event
			res, err := Run(context.Background(), exec, sliceItems(4), func(ev types.Event) {
				events = append(events, ev)
			})
			require.NoError(t, err)
			require.NotNil(t, res)

			assert.Len(t, res.Entries, 4)
			assert.Equal(t, []int{0, 1, 2, 3}, conv.order)
			assert.Equal(t, 1, conv.maxSeen, "one item in flight")

			require.NotEmpty(t, events)
			last := events[len(events)-1]
			assert.Equal(t, types.EventDone, last.Kind)
			assert.Equal(t, 100, last.Percent)
		})
	}
}

func TestExecutorsProduceIdenticalOutput(t *testing.T) {
	outputs := map[string][]byte{}
	for name, factory := range executors {
		exec := factory(testConfig(t, &countingConverter{failAt: -1}))
		res, err := Run(context.Background(), exec, sliceItems(3), nil)
		require.NoError(t, err, name)
		require.NoError(t, exec.Close())
		outputs[name] = res.Data
	}
	assert.Equal(t, outputs["inline"], outputs["background"])
}

func TestExecutorsEmitSameEventSequence(t *testing.T) {
	kinds := map[string][]string{}
	for name, factory := range executors {
		exec := factory(testConfig(t, &countingConverter{failAt: -1}))
		var seq []string
		_, err := Run(context.Background(), exec, sliceItems(3), func(ev types.Event) {
			seq = append(seq, fmt.Sprintf("%s:%d", ev.Kind, ev.Percent))
		})
		require.NoError(t, err)
		require.NoError(t, exec.Close())
		kinds[name] = seq
	}
	assert.Equal(t, kinds["inline"], kinds["background"])
}

func TestRunFailFast(t *testing.T) {
	for name, factory := range executors {
		t.Run(name, func(t *testing.T) {
			conv := &countingConverter{failAt: 2}
			exec := factory(testConfig(t, conv))
			defer exec.Close()

			var terminal []types.Event
			res, err := Run(context.Background(), exec, sliceItems(5), func(ev types.Event) {
				if ev.Terminal() {
					terminal = append(terminal, ev)
				}
			})
			require.Error(t, err)
			assert.Nil(t, res)
			assert.ErrorIs(t, err, types.ErrDecode)

			var reported *types.ReportedError
			require.ErrorAs(t, err, &reported)
			assert.Contains(t, reported.Reason, "p2.jpg")

			require.Len(t, terminal, 1)
			assert.Equal(t, types.EventError, terminal[0].Kind)
			assert.Equal(t, 3, conv.converts, "items 4 and 5 never submitted")
		})
	}
}

func TestRunEmptyBatch(t *testing.T) {
	for name, factory := range executors {
		t.Run(name, func(t *testing.T) {
			exec := factory(testConfig(t, &countingConverter{failAt: -1}))
			defer exec.Close()

			res, err := Run(context.Background(), exec, SliceSource{}, nil)
			require.NoError(t, err)
			raw, err := compress.Decompress(res.Data)
			require.NoError(t, err)
			assert.Len(t, raw, 1024)
		})
	}
}

func TestRunCancelledBetweenItems(t *testing.T) {
	for name, factory := range executors {
		t.Run(name, func(t *testing.T) {
			conv := &countingConverter{failAt: -1}
			exec := factory(testConfig(t, conv))
			defer exec.Close()

			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()

			_, err := Run(ctx, exec, sliceItems(5), func(ev types.Event) {
				if ev.Kind == types.EventProgress && ev.Label == "p1.jpg" {
					cancel()
				}
			})
			require.ErrorIs(t, err, context.Canceled)
			assert.LessOrEqual(t, conv.converts, 3)
		})
	}
}

// failingSource fails to load one index.
type failingSource struct {
	SliceSource
	failAt int
}

func (s failingSource) Item(ctx context.Context, index int) (types.SourceItem, error) {
	if index == s.failAt {
		return types.SourceItem{}, os.ErrPermission
	}
	return s.SliceSource.Item(ctx, index)
}

func TestRunSourceReadFailure(t *testing.T) {
	exec := NewInline(testConfig(t, &countingConverter{failAt: -1}))
	defer exec.Close()

	_, err := Run(context.Background(), exec, failingSource{SliceSource: sliceItems(3), failAt: 1}, nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, types.ErrDecode)
	assert.ErrorIs(t, err, os.ErrPermission)
}

// ============================================================================
// Executor specifics
// ============================================================================

func TestInlineYieldsBeforeEachCommand(t *testing.T) {
	yields := 0
	exec := NewInline(testConfig(t, &countingConverter{failAt: -1}), WithYield(func() { yields++ }))
	defer exec.Close()

	_, err := Run(context.Background(), exec, sliceItems(3), nil)
	require.NoError(t, err)
	assert.Equal(t, 5, yields, "start + 3 items + finalize")
}

func TestInlineNextWithoutCommandStalls(t *testing.T) {
	exec := NewInline(testConfig(t, &countingConverter{failAt: -1}))
	defer exec.Close()

	_, err := exec.Next(context.Background())
	assert.ErrorIs(t, err, ErrStalled)
}

func TestClosedExecutorsRejectCommands(t *testing.T) {
	for name, factory := range executors {
		t.Run(name, func(t *testing.T) {
			exec := factory(testConfig(t, &countingConverter{failAt: -1}))
			require.NoError(t, exec.Close())
			require.NoError(t, exec.Close())

			err := exec.Post(context.Background(), types.Command{Kind: types.CommandStart, Total: 1})
			assert.ErrorIs(t, err, ErrExecutorClosed)
			_, err = exec.Next(context.Background())
			assert.ErrorIs(t, err, ErrExecutorClosed)
		})
	}
}

func TestBackgroundReleasesStagingOnClose(t *testing.T) {
	cfg := testConfig(t, &countingConverter{failAt: -1})
	exec := NewBackground(cfg)
	_, err := Run(context.Background(), exec, sliceItems(2), nil)
	require.NoError(t, err)
	require.NoError(t, exec.Close())

	// the directory lock is free again
	store, err := staging.Open(context.Background(), cfg.Staging)
	require.NoError(t, err)
	require.NoError(t, store.Close())
}

func TestBackgroundCloseMidBatch(t *testing.T) {
	before := runtime.NumGoroutine()

	exec := NewBackground(testConfig(t, &countingConverter{failAt: -1}))
	require.NoError(t, exec.Post(context.Background(), types.Command{Kind: types.CommandStart, Total: 3}))
	// do not drain events; Close must still return
	done := make(chan struct{})
	go func() {
		_ = exec.Close()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Close did not return")
	}

	time.Sleep(50 * time.Millisecond)
	assert.LessOrEqual(t, runtime.NumGoroutine(), before+1)
}

func TestBackgroundRejectsUndecodableFrame(t *testing.T) {
	exec := NewBackground(testConfig(t, &countingConverter{failAt: -1}))
	defer exec.Close()

	exec.cmdCh <- []byte{0xff}
	ev, err := exec.Next(context.Background())
	require.NoError(t, err)
	assert.Equal(t, types.EventError, ev.Kind)
	assert.Equal(t, "ProtocolError", ev.ErrorKind)
}

func TestBackgroundNextHonoursContext(t *testing.T) {
	exec := NewBackground(testConfig(t, &countingConverter{failAt: -1}))
	defer exec.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := exec.Next(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

// ============================================================================
// Sources
// ============================================================================

func writePNG(t *testing.T, path string) {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 2, 2))
	img.Set(0, 0, color.RGBA{R: 255, A: 255})
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	require.NoError(t, os.WriteFile(path, buf.Bytes(), 0o644))
}

func TestFileSourceFiltersImages(t *testing.T) {
	dir := t.TempDir()
	writePNG(t, filepath.Join(dir, "b.png"))
	writePNG(t, filepath.Join(dir, "a.png"))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("hello"), 0o644))
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "sub"), 0o755))
	writePNG(t, filepath.Join(dir, "sub", "c.png"))

	single := filepath.Join(t.TempDir(), "z.png")
	writePNG(t, single)

	src, err := NewFileSource([]string{single, dir}, nil)
	require.NoError(t, err)
	require.Equal(t, 4, src.Len())
	assert.Equal(t, []string{
		single,
		filepath.Join(dir, "a.png"),
		filepath.Join(dir, "b.png"),
		filepath.Join(dir, "sub", "c.png"),
	}, src.Paths())

	it, err := src.Item(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, 1, it.Index)
	assert.Equal(t, "a.png", it.Name)
	assert.Equal(t, "image/png", it.MediaType)
	assert.NotEmpty(t, it.Data)

	_, err = src.Item(context.Background(), 4)
	assert.Error(t, err)
}

func TestFileSourceMissingPath(t *testing.T) {
	_, err := NewFileSource([]string{filepath.Join(t.TempDir(), "nope")}, nil)
	assert.Error(t, err)
}

func TestFileSourceLoadsLazily(t *testing.T) {
	path := filepath.Join(t.TempDir(), "late.png")
	writePNG(t, path)

	src, err := NewFileSource([]string{path}, nil)
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(path, []byte("replaced after enumeration"), 0o644))
	it, err := src.Item(context.Background(), 0)
	require.NoError(t, err)
	assert.Equal(t, []byte("replaced after enumeration"), it.Data)
}

func TestSliceSourceAssignsIndex(t *testing.T) {
	src := SliceSource{{Name: "a", Index: 99}, {Name: "b"}}
	it, err := src.Item(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, 1, it.Index)

	_, err = src.Item(context.Background(), 2)
	assert.Error(t, err)
}
