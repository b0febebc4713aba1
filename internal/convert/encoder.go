package convert

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/png"

	"github.com/ChuLiYu/webptar/pkg/types"
)

// ErrUnsupported is returned by an Encoder that cannot produce its format in
// the current environment. The converter answers it with the lossless
// fallback instead of failing the item.
var ErrUnsupported = errors.New("convert: target format not supported")

// Encoder turns a pixel surface into encoded bytes of one format.
type Encoder interface {
	// Format is the file extension of the produced bytes, without the dot.
	Format() string
	// Encode encodes img; quality is on a [0,1] scale and may be ignored by
	// lossless encoders.
	Encode(ctx context.Context, img image.Image, quality float64) ([]byte, error)
}

// PNGEncoder is the lossless fallback encoder.
type PNGEncoder struct {
	Level png.CompressionLevel
}

// Format reports types.FormatPNG.
func (PNGEncoder) Format() string { return types.FormatPNG }

// Encode writes img as PNG. quality is ignored.
func (e PNGEncoder) Encode(ctx context.Context, img image.Image, _ float64) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	enc := png.Encoder{CompressionLevel: e.Level}
	if err := enc.Encode(&buf, img); err != nil {
		return nil, fmt.Errorf("png encode: %w", err)
	}
	return buf.Bytes(), nil
}
