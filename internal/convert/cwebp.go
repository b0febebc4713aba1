package convert

// ============================================================================
// cwebp encoder - lossy WebP through the libwebp command line tool
// ============================================================================
//
// The surface is handed to cwebp as a fast PNG on stdin and the WebP
// bitstream is read back from stdout; no temporary files are created:
//
//   surface ──png──▶ cwebp -quiet -q Q -o - -- - ──webp──▶ bytes
//
// A missing binary is reported as ErrUnsupported so the converter can fall
// back to PNG for the item. Any other failure is an encode error.
//
// ============================================================================

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/png"
	"io/fs"
	"math"
	"os/exec"
	"strconv"
	"strings"

	"github.com/ChuLiYu/webptar/pkg/types"
)

// DefaultCWebPBinary is resolved through PATH when no path is configured.
const DefaultCWebPBinary = "cwebp"

var (
	commandContext = exec.CommandContext
	lookPath       = exec.LookPath
)

// CWebP encodes WebP by running the cwebp binary once per item.
type CWebP struct {
	binary string
}

// NewCWebP returns an encoder that runs binary. An empty binary selects
// DefaultCWebPBinary.
func NewCWebP(binary string) *CWebP {
	if binary == "" {
		binary = DefaultCWebPBinary
	}
	return &CWebP{binary: binary}
}

// Format reports types.FormatWebP.
func (c *CWebP) Format() string { return types.FormatWebP }

// Binary returns the command the encoder runs.
func (c *CWebP) Binary() string { return c.binary }

// Encode runs cwebp at quality q (0..1, mapped to cwebp's 0..100 scale).
func (c *CWebP) Encode(ctx context.Context, img image.Image, q float64) ([]byte, error) {
	var in bytes.Buffer
	enc := png.Encoder{CompressionLevel: png.BestSpeed}
	if err := enc.Encode(&in, img); err != nil {
		return nil, fmt.Errorf("cwebp: prepare input: %w", err)
	}

	var stdout, stderr bytes.Buffer
	cmd := commandContext(ctx, c.binary, cwebpArgs(q)...) //nolint:gosec
	cmd.Stdin = &in
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if errors.Is(err, exec.ErrNotFound) || errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %v", ErrUnsupported, err)
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		msg := strings.TrimSpace(stderr.String())
		if msg == "" {
			return nil, fmt.Errorf("cwebp: %w", err)
		}
		return nil, fmt.Errorf("cwebp: %w: %s", err, msg)
	}

	out := stdout.Bytes()
	if !isWebP(out) {
		return nil, fmt.Errorf("cwebp: output is not a WebP stream (%d bytes)", len(out))
	}
	return out, nil
}

func cwebpArgs(q float64) []string {
	return []string{"-quiet", "-q", strconv.Itoa(qualityPercent(q)), "-o", "-", "--", "-"}
}

func qualityPercent(q float64) int {
	p := int(math.Round(q * 100))
	switch {
	case p < 0:
		return 0
	case p > 100:
		return 100
	default:
		return p
	}
}

// isWebP checks the RIFF container signature.
func isWebP(b []byte) bool {
	return len(b) >= 12 && string(b[0:4]) == "RIFF" && string(b[8:12]) == "WEBP"
}

// ============================================================================
// Capability probe
// ============================================================================

// Probe is the outcome of checking whether the WebP encoder can run.
type Probe struct {
	Available bool
	Path      string // resolved binary path
	Version   string // first line of `cwebp -version`
	Err       error  // why the encoder is unavailable
}

// ProbeCWebP resolves binary through PATH and asks it for its version.
func ProbeCWebP(ctx context.Context, binary string) Probe {
	if binary == "" {
		binary = DefaultCWebPBinary
	}
	path, err := lookPath(binary)
	if err != nil {
		return Probe{Err: fmt.Errorf("locate %s: %w", binary, err)}
	}

	out, err := commandContext(ctx, path, "-version").Output() //nolint:gosec
	if err != nil {
		return Probe{Path: path, Err: fmt.Errorf("%s -version: %w", path, err)}
	}
	version, _, _ := strings.Cut(strings.TrimSpace(string(out)), "\n")
	return Probe{Available: true, Path: path, Version: strings.TrimSpace(version)}
}
