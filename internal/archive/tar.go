// ============================================================================
// webptar Archive Builder - ustar container assembly
// ============================================================================
//
// Package: internal/archive
// File: tar.go
// Purpose: Assemble staged entries into one contiguous tape-archive buffer
//
// Layout:
//   ┌──────────────┬───────────────────────────┐
//   │ header (512) │ data, zero padded to 512  │  × n records
//   ├──────────────┴───────────────────────────┤
//   │ two zero blocks (1024)                   │  end-of-archive marker
//   └──────────────────────────────────────────┘
//
// Header fields (byte offsets):
//   0-98     name, US-ASCII, NUL padded
//   100-106  mode "0000644"
//   108-114  uid "0000000"      116-122 gid "0000000"
//   124-134  size, 11 octal digits
//   136-146  mtime, 11 octal digits
//   148-155  checksum, 6 octal digits + NUL + space
//   156      typeflag '0'
//   257-262  magic "ustar\0"    263-264 version "00"
//
// Sizing:
//   Size(records) is exact. Build allocates the buffer once and copies into
//   fixed offsets; it never appends.
//
// ============================================================================

package archive

import (
	"fmt"
	"strconv"
	"time"

	"github.com/ChuLiYu/webptar/pkg/types"
)

const (
	// BlockSize is the tar block unit for headers and data padding.
	BlockSize = 512

	// NameLimit is the number of name bytes kept in the header.
	NameLimit = 99

	trailerSize = 2 * BlockSize
	maxOctal11  = 1<<33 - 1 // 11 octal digits
)

// Header field offsets.
const (
	offName     = 0
	offMode     = 100
	offUID      = 108
	offGID      = 116
	offSize     = 124
	offMtime    = 136
	offChecksum = 148
	offTypeflag = 156
	offMagic    = 257
	offVersion  = 263
	lenChecksum = 8
)

// FetchFunc returns the staged bytes for a record key.
type FetchFunc func(key int) ([]byte, error)

// ProgressFunc is called after each record is written with the number of
// records done and the total.
type ProgressFunc func(done, total int)

// Options tune Build.
type Options struct {
	ModTime  time.Time    // mtime written to every header, zero means epoch
	Progress ProgressFunc // optional
}

// Size returns the exact container length for records:
// Σ(512 + ceil(size/512)*512) + 1024.
func Size(records []types.ArchiveRecord) int64 {
	total := int64(trailerSize)
	for _, r := range records {
		total += BlockSize + padded(r.Size)
	}
	return total
}

// Build assembles records in the given order into one buffer of exactly
// Size(records) bytes. A fetch failure or a payload whose length disagrees
// with its record is an EntryReadError.
func Build(records []types.ArchiveRecord, fetch FetchFunc, opts Options) ([]byte, error) {
	for _, r := range records {
		if r.Size < 0 || r.Size > maxOctal11 {
			return nil, types.NewItemError(types.ErrEntryRead, r.Key, r.Name,
				fmt.Errorf("size %d out of range", r.Size))
		}
	}

	buf := make([]byte, Size(records))
	mtime := int64(0)
	if !opts.ModTime.IsZero() && opts.ModTime.Unix() > 0 {
		mtime = opts.ModTime.Unix()
	}

	offset := int64(0)
	for i, r := range records {
		data, err := fetch(r.Key)
		if err != nil {
			return nil, types.NewItemError(types.ErrEntryRead, r.Key, r.Name, err)
		}
		if int64(len(data)) != r.Size {
			return nil, types.NewItemError(types.ErrEntryRead, r.Key, r.Name,
				fmt.Errorf("staged %d bytes, record says %d", len(data), r.Size))
		}

		WriteHeader(buf[offset:offset+BlockSize], r.Name, r.Size, mtime)
		offset += BlockSize
		copy(buf[offset:], data)
		offset += padded(r.Size)

		if opts.Progress != nil {
			opts.Progress(i+1, len(records))
		}
	}

	// trailing zero blocks are already zero
	return buf, nil
}

// WriteHeader fills a zeroed 512-byte block with a regular-file header.
func WriteHeader(h []byte, name string, size, mtime int64) {
	copy(h[offName:offName+NameLimit], name)
	copy(h[offMode:], "0000644")
	copy(h[offUID:], "0000000")
	copy(h[offGID:], "0000000")
	putOctal(h[offSize:offSize+11], size)
	putOctal(h[offMtime:offMtime+11], mtime)
	h[offTypeflag] = '0'
	copy(h[offMagic:], "ustar\x00")
	copy(h[offVersion:], "00")

	sum := Checksum(h)
	putOctal(h[offChecksum:offChecksum+6], sum)
	h[offChecksum+6] = 0
	h[offChecksum+7] = ' '
}

// Checksum is the unsigned byte sum of a header block with the checksum field
// counted as eight ASCII spaces.
func Checksum(h []byte) int64 {
	var sum int64
	for i := 0; i < BlockSize; i++ {
		if i >= offChecksum && i < offChecksum+lenChecksum {
			sum += ' '
			continue
		}
		sum += int64(h[i])
	}
	return sum
}

// ParseChecksum decodes the stored checksum field of a header block.
func ParseChecksum(h []byte) (int64, error) {
	return strconv.ParseInt(string(h[offChecksum:offChecksum+6]), 8, 64)
}

func putOctal(dst []byte, v int64) {
	s := strconv.FormatInt(v, 8)
	for len(s) < len(dst) {
		s = "0" + s
	}
	copy(dst, s[len(s)-len(dst):])
}

func padded(size int64) int64 {
	return (size + BlockSize - 1) / BlockSize * BlockSize
}
