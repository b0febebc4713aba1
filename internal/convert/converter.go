// ============================================================================
// webptar Converter
// ============================================================================
//
// Package: internal/convert
// File: converter.go
// Purpose: Decode one source image and re-encode it to the batch's target
//          format, falling back to lossless PNG when the target encoder
//          cannot run
//
// Flow:
//   SourceItem.Data ──decode──▶ image.Image ──draw──▶ *image.NRGBA (natural size)
//                                                        │
//                        primary encoder (webp, q=0.8) ◀─┤
//                        ErrUnsupported ──▶ fallback (png), name re-derived
//
// Errors:
//   - DecodeError: bytes are not an image any registered decoder accepts
//   - EncodeError: the encoder (primary or fallback) failed
//
// Decoders: JPEG, PNG, GIF from the standard library; WebP, BMP, TIFF from
// golang.org/x/image.
//
// ============================================================================

package convert

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"

	"golang.org/x/image/draw"
	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"

	"github.com/ChuLiYu/webptar/pkg/types"
)

// DefaultQuality is the lossy encode quality on a [0,1] scale.
const DefaultQuality = 0.8

// Output is the result of converting one item.
type Output struct {
	Name     string // derived output name, ASCII folded
	Data     []byte // encoded payload
	Format   string // format actually produced
	Fallback bool   // true when the fallback encoder produced Data
}

// Entry binds the output to its staging key.
func (o Output) Entry(key int) types.StagedEntry {
	return types.StagedEntry{Key: key, Name: o.Name, Data: o.Data}
}

// Converter holds the encoders for one batch. It is stateless between calls
// and safe for sequential reuse.
type Converter struct {
	primary  Encoder
	fallback Encoder
	quality  float64
}

// Option configures a Converter.
type Option func(*Converter)

// WithFallback replaces the lossless fallback encoder.
func WithFallback(e Encoder) Option {
	return func(c *Converter) {
		if e != nil {
			c.fallback = e
		}
	}
}

// WithQuality sets the lossy quality, ignored outside (0,1].
func WithQuality(q float64) Option {
	return func(c *Converter) {
		if q > 0 && q <= 1 {
			c.quality = q
		}
	}
}

// New returns a converter that encodes with primary and falls back to PNG.
// A nil primary means the target format is unavailable and every item is
// written with the fallback.
func New(primary Encoder, opts ...Option) *Converter {
	c := &Converter{
		primary:  primary,
		fallback: PNGEncoder{},
		quality:  DefaultQuality,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Format is the format items are expected to come out in.
func (c *Converter) Format() string {
	if c.primary != nil {
		return c.primary.Format()
	}
	return c.fallback.Format()
}

// Quality returns the configured lossy quality.
func (c *Converter) Quality() float64 { return c.quality }

// Convert decodes item and encodes it to the target format.
func (c *Converter) Convert(ctx context.Context, item types.SourceItem) (Output, error) {
	if len(item.Data) == 0 {
		return Output{}, types.NewItemError(types.ErrDecode, item.Index, item.Name, errors.New("empty source"))
	}

	img, _, err := image.Decode(bytes.NewReader(item.Data))
	if err != nil {
		return Output{}, types.NewItemError(types.ErrDecode, item.Index, item.Name, err)
	}
	surface := toNRGBA(img)

	if c.primary != nil {
		data, err := c.primary.Encode(ctx, surface, c.quality)
		switch {
		case err == nil:
			return c.output(item.Name, c.primary.Format(), data, false), nil
		case !errors.Is(err, ErrUnsupported):
			return Output{}, types.NewItemError(types.ErrEncode, item.Index, item.Name, err)
		}
	}

	data, err := c.fallback.Encode(ctx, surface, c.quality)
	if err != nil {
		return Output{}, types.NewItemError(types.ErrEncode, item.Index, item.Name,
			fmt.Errorf("fallback %s: %w", c.fallback.Format(), err))
	}
	return c.output(item.Name, c.fallback.Format(), data, c.primary != nil), nil
}

func (c *Converter) output(srcName, format string, data []byte, fallback bool) Output {
	return Output{
		Name:     ASCIIName(OutputName(srcName, format)),
		Data:     data,
		Format:   format,
		Fallback: fallback,
	}
}

// toNRGBA draws img onto a surface of its natural size anchored at the origin.
func toNRGBA(img image.Image) *image.NRGBA {
	b := img.Bounds()
	if n, ok := img.(*image.NRGBA); ok && b.Min == (image.Point{}) {
		return n
	}
	dst := image.NewNRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(dst, dst.Bounds(), img, b.Min, draw.Src)
	return dst
}
