// ============================================================================
// webptar Compressor
// ============================================================================
//
// Package: internal/compress
// File: zstd.go
// Purpose: Compress the fully assembled archive buffer in one call
//
// The whole container is handed to the encoder at once (EncodeAll); there is
// no streaming or chunking. The output is a single zstd frame, readable by
// `zstd -d` and `tar --zstd`.
//
// ============================================================================

package compress

import (
	"errors"
	"fmt"
	"strings"

	"github.com/klauspost/compress/zstd"

	"github.com/ChuLiYu/webptar/pkg/types"
)

// Extension is the artifact suffix: a tar archive, then zstd compressed.
const Extension = ".tar.zst"

// ErrNotReady is returned by a Zstd whose encoder failed to initialize.
var ErrNotReady = errors.New("compress: encoder not ready")

// Zstd is a whole-buffer zstd compressor.
type Zstd struct {
	enc   *zstd.Encoder
	level zstd.EncoderLevel
	err   error
}

// ParseLevel maps a config value ("fastest", "default", "better", "best") to
// an encoder level. The empty string selects the default.
func ParseLevel(s string) (zstd.EncoderLevel, error) {
	if s == "" {
		return zstd.SpeedDefault, nil
	}
	ok, level := zstd.EncoderLevelFromString(strings.ToLower(s))
	if !ok {
		return 0, fmt.Errorf("unknown zstd level %q", s)
	}
	return level, nil
}

// NewZstd creates a compressor at level. Construction never fails; an
// encoder error is reported by the first Compress call as a CompressionError.
func NewZstd(level zstd.EncoderLevel) *Zstd {
	enc, err := zstd.NewWriter(nil,
		zstd.WithEncoderLevel(level),
		zstd.WithEncoderConcurrency(1),
	)
	if err != nil {
		return &Zstd{level: level, err: fmt.Errorf("%w: %v", ErrNotReady, err)}
	}
	return &Zstd{enc: enc, level: level}
}

// Level returns the configured encoder level.
func (z *Zstd) Level() zstd.EncoderLevel { return z.level }

// Compress returns the zstd frame for src.
func (z *Zstd) Compress(src []byte) ([]byte, error) {
	if z == nil || z.enc == nil {
		cause := ErrNotReady
		if z != nil && z.err != nil {
			cause = z.err
		}
		return nil, types.NewError(types.ErrCompression, cause)
	}
	return z.enc.EncodeAll(src, make([]byte, 0, len(src)/4+64)), nil
}

// Close releases the encoder.
func (z *Zstd) Close() error {
	if z == nil || z.enc == nil {
		return nil
	}
	return z.enc.Close()
}

// Decompress expands a zstd stream produced by Compress. It is used by the
// inspect command and by tests, never on the hot path.
func Decompress(src []byte) ([]byte, error) {
	dec, err := zstd.NewReader(nil, zstd.WithDecoderConcurrency(1))
	if err != nil {
		return nil, fmt.Errorf("zstd reader: %w", err)
	}
	defer dec.Close()

	out, err := dec.DecodeAll(src, nil)
	if err != nil {
		return nil, fmt.Errorf("zstd decode: %w", err)
	}
	return out, nil
}
