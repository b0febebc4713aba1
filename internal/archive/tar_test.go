package archive

// ============================================================================
// Archive Builder tests
// Purpose: layout, checksum rule, exact sizing, interoperability with archive/tar
// ============================================================================

import (
	"archive/tar"
	"bytes"
	"errors"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/ChuLiYu/webptar/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fetchFrom(m map[int][]byte) FetchFunc {
	return func(key int) ([]byte, error) {
		b, ok := m[key]
		if !ok {
			return nil, errors.New("missing")
		}
		return b, nil
	}
}

func payload(n int, seed byte) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = seed + byte(i%13)
	}
	return b
}

func TestSizeExact(t *testing.T) {
	tests := []struct {
		name  string
		sizes []int64
		want  int64
	}{
		{"empty", nil, 1024},
		{"zero length entry", []int64{0}, 512 + 1024},
		{"one byte", []int64{1}, 512 + 512 + 1024},
		{"exact block", []int64{512}, 512 + 512 + 1024},
		{"block plus one", []int64{513}, 512 + 1024 + 1024},
		{"mixed", []int64{100, 1000, 2048}, (512 + 512) + (512 + 1024) + (512 + 2048) + 1024},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			records := make([]types.ArchiveRecord, len(tt.sizes))
			for i, s := range tt.sizes {
				records[i] = types.ArchiveRecord{Key: i, Name: "x", Size: s}
			}
			assert.Equal(t, tt.want, Size(records))
		})
	}
}

func TestBuildPreSizedBuffer(t *testing.T) {
	data := map[int][]byte{0: payload(100, 1), 1: payload(1500, 7)}
	records := []types.ArchiveRecord{
		{Key: 0, Name: "a.webp", Size: 100},
		{Key: 1, Name: "b.webp", Size: 1500},
	}

	buf, err := Build(records, fetchFrom(data), Options{})
	require.NoError(t, err)

	assert.Equal(t, int(Size(records)), len(buf))
	assert.Equal(t, len(buf), cap(buf), "buffer must not grow past its precomputed size")
	assert.Equal(t, make([]byte, 1024), buf[len(buf)-1024:], "trailer must be two zero blocks")
}

func TestChecksumKnownHeader(t *testing.T) {
	h := make([]byte, BlockSize)
	WriteHeader(h, "a.webp", 100, 0)

	stored, err := ParseChecksum(h)
	require.NoError(t, err)

	// literal byte sum with 148-155 forced to spaces
	var sum int64
	for i, b := range h {
		if i >= 148 && i < 156 {
			sum += 0x20
		} else {
			sum += int64(b)
		}
	}
	assert.Equal(t, sum, stored)
	assert.Equal(t, byte(0), h[154])
	assert.Equal(t, byte(' '), h[155])
}

func TestHeaderFields(t *testing.T) {
	h := make([]byte, BlockSize)
	mtime := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC).Unix()
	WriteHeader(h, "photo.webp", 100, mtime)

	assert.Equal(t, "photo.webp", strings.TrimRight(string(h[0:100]), "\x00"))
	assert.Equal(t, "0000644", string(h[100:107]))
	assert.Equal(t, "0000000", string(h[108:115]))
	assert.Equal(t, "0000000", string(h[116:123]))
	assert.Equal(t, "00000000144", string(h[124:135]))
	assert.Equal(t, byte(0), h[135])
	assert.Equal(t, byte('0'), h[156])
	assert.Equal(t, "ustar\x00", string(h[257:263]))
	assert.Equal(t, "00", string(h[263:265]))
}

func TestNameTruncatedTo99Bytes(t *testing.T) {
	long := strings.Repeat("n", 150) + ".webp"
	h := make([]byte, BlockSize)
	WriteHeader(h, long, 1, 0)

	assert.Equal(t, strings.Repeat("n", 99), string(h[0:99]))
	assert.Equal(t, byte(0), h[99])
}

func TestBuildReadableByArchiveTar(t *testing.T) {
	mtime := time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC)
	names := []string{"a.webp", "b.webp", "c.png", "d.webp"}
	sizes := []int{0, 100, 512, 4097}

	data := make(map[int][]byte)
	records := make([]types.ArchiveRecord, len(names))
	for i := range names {
		data[i] = payload(sizes[i], byte(i))
		records[i] = types.ArchiveRecord{Key: i, Name: names[i], Size: int64(sizes[i])}
	}

	buf, err := Build(records, fetchFrom(data), Options{ModTime: mtime})
	require.NoError(t, err)

	tr := tar.NewReader(bytes.NewReader(buf))
	for i := range names {
		hdr, err := tr.Next()
		require.NoError(t, err, "entry %d", i)
		assert.Equal(t, names[i], hdr.Name)
		assert.Equal(t, int64(sizes[i]), hdr.Size)
		assert.Equal(t, byte(tar.TypeReg), hdr.Typeflag)
		assert.Equal(t, int64(0o644), hdr.Mode)
		assert.True(t, mtime.Equal(hdr.ModTime))

		got, err := io.ReadAll(tr)
		require.NoError(t, err)
		assert.Equal(t, data[i], got)
	}
	_, err = tr.Next()
	assert.Equal(t, io.EOF, err)
}

func TestBuildOrderFollowsRecords(t *testing.T) {
	data := map[int][]byte{0: []byte("zero"), 1: []byte("one"), 2: []byte("two")}
	records := []types.ArchiveRecord{
		{Key: 0, Name: "0.webp", Size: 4},
		{Key: 1, Name: "1.webp", Size: 3},
		{Key: 2, Name: "2.webp", Size: 3},
	}

	buf, err := Build(records, fetchFrom(data), Options{})
	require.NoError(t, err)

	tr := tar.NewReader(bytes.NewReader(buf))
	var got []string
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		got = append(got, hdr.Name)
	}
	assert.Equal(t, []string{"0.webp", "1.webp", "2.webp"}, got)
}

func TestBuildFetchFailure(t *testing.T) {
	records := []types.ArchiveRecord{
		{Key: 0, Name: "a.webp", Size: 1},
		{Key: 9, Name: "missing.webp", Size: 1},
	}

	_, err := Build(records, fetchFrom(map[int][]byte{0: {1}}), Options{})
	require.Error(t, err)
	assert.ErrorIs(t, err, types.ErrEntryRead)

	var pe *types.PipelineError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, 9, pe.Index)
}

func TestBuildSizeMismatch(t *testing.T) {
	records := []types.ArchiveRecord{{Key: 0, Name: "a.webp", Size: 10}}
	_, err := Build(records, fetchFrom(map[int][]byte{0: payload(9, 0)}), Options{})
	assert.ErrorIs(t, err, types.ErrEntryRead)
}

func TestBuildProgress(t *testing.T) {
	data := map[int][]byte{0: {1}, 1: {2}, 2: {3}}
	records := []types.ArchiveRecord{
		{Key: 0, Name: "a", Size: 1},
		{Key: 1, Name: "b", Size: 1},
		{Key: 2, Name: "c", Size: 1},
	}

	var calls [][2]int
	_, err := Build(records, fetchFrom(data), Options{Progress: func(done, total int) {
		calls = append(calls, [2]int{done, total})
	}})
	require.NoError(t, err)
	assert.Equal(t, [][2]int{{1, 3}, {2, 3}, {3, 3}}, calls)
}

func TestBuildEmpty(t *testing.T) {
	buf, err := Build(nil, fetchFrom(nil), Options{})
	require.NoError(t, err)
	assert.Equal(t, make([]byte, 1024), buf)
}
