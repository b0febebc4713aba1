package delivery

// ============================================================================
// Responsibilities:
// 1. Name the artifact <prefix>_<unix-millis>.tar.zst so runs never collide
// 2. Write the artifact and its manifest atomically (temp file + rename)
// 3. Load a manifest back and check its schema version
// ============================================================================

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/ChuLiYu/webptar/internal/compress"
	"github.com/ChuLiYu/webptar/pkg/types"
)

// ============================================================================
// Errors
// ============================================================================

var (
	ErrCorruptedManifest   = errors.New("manifest file is corrupted")
	ErrIncompatibleVersion = errors.New("manifest schema version is incompatible")
	ErrEmptyResult         = errors.New("nothing to deliver")
)

// SchemaVersion is written into every manifest.
const SchemaVersion = 1

// DefaultPrefix names artifacts when no prefix is configured.
const DefaultPrefix = "images"

// ============================================================================
// Data structures
// ============================================================================

// Manifest describes one delivered batch.
type Manifest struct {
	SchemaVer      int                   `json:"schema_version"`
	BatchID        string                `json:"batch_id"`
	Artifact       string                `json:"artifact"`
	CreatedAt      time.Time             `json:"created_at"`
	Format         string                `json:"format"`
	Execution      types.Execution       `json:"execution"`
	Staging        types.StagingKind     `json:"staging"`
	Caveats        []string              `json:"caveats,omitempty"`
	ArchiveSize    int64                 `json:"archive_size"`
	CompressedSize int64                 `json:"compressed_size"`
	Entries        []types.ArchiveRecord `json:"entries"`
}

// Artifact is what Deliver wrote.
type Artifact struct {
	Path         string
	ManifestPath string // empty when no manifest was written
	Size         int64
}

// Writer delivers batch results into one directory.
type Writer struct {
	dir      string
	prefix   string
	manifest bool
	now      func() time.Time
	mu       sync.Mutex // serializes writes into dir
}

// Option configures a Writer.
type Option func(*Writer)

// WithManifest writes <artifact>.json next to every artifact.
func WithManifest(enabled bool) Option {
	return func(w *Writer) { w.manifest = enabled }
}

// WithClock replaces time.Now for artifact naming.
func WithClock(now func() time.Time) Option {
	return func(w *Writer) { w.now = now }
}

// NewWriter returns a Writer for dir. An empty prefix uses DefaultPrefix.
func NewWriter(dir, prefix string, opts ...Option) *Writer {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	w := &Writer{dir: dir, prefix: prefix, now: time.Now}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// ArtifactName returns the timestamped file name for t.
func ArtifactName(prefix string, t time.Time) string {
	return fmt.Sprintf("%s_%d%s", prefix, t.UnixMilli(), compress.Extension)
}

// ============================================================================
// Delivery
// ============================================================================

// Deliver writes res as one artifact file.
//
// Parameters:
//   - res: the done event's result
//   - meta: manifest fields the result does not carry (batch id, plan)
//
// Returns:
//   - Artifact: paths and size of what was written
//   - error: the directory or a file could not be written
func (w *Writer) Deliver(res *types.Result, meta Manifest) (Artifact, error) {
	if res == nil || len(res.Data) == 0 {
		return Artifact{}, ErrEmptyResult
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if err := os.MkdirAll(w.dir, 0o755); err != nil {
		return Artifact{}, fmt.Errorf("failed to create output dir: %w", err)
	}

	created := w.now()
	name := ArtifactName(w.prefix, created)
	path := filepath.Join(w.dir, name)
	if err := writeAtomic(path, res.Data); err != nil {
		return Artifact{}, err
	}
	art := Artifact{Path: path, Size: int64(len(res.Data))}

	if !w.manifest {
		return art, nil
	}

	meta.SchemaVer = SchemaVersion
	meta.Artifact = name
	meta.CreatedAt = created.UTC()
	meta.Format = res.Format
	meta.ArchiveSize = res.ArchiveSize
	meta.CompressedSize = art.Size
	meta.Entries = res.Entries
	if meta.Entries == nil {
		meta.Entries = []types.ArchiveRecord{}
	}

	jsonBytes, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return art, fmt.Errorf("failed to marshal manifest: %w", err)
	}
	art.ManifestPath = ManifestPath(path)
	if err := writeAtomic(art.ManifestPath, jsonBytes); err != nil {
		return art, err
	}
	return art, nil
}

// ManifestPath returns where the manifest of artifact is stored.
func ManifestPath(artifact string) string {
	return strings.TrimSuffix(artifact, compress.Extension) + ".json"
}

// writeAtomic writes data to a temp file in the target directory and
// renames it over path.
func writeAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpPath := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("failed to write %s: %w", filepath.Base(path), err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("failed to sync %s: %w", filepath.Base(path), err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to close %s: %w", filepath.Base(path), err)
	}
	if err := os.Chmod(tmpPath, 0o644); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to chmod %s: %w", filepath.Base(path), err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to rename %s: %w", filepath.Base(path), err)
	}
	return nil
}

// LoadManifest reads and validates a manifest file.
func LoadManifest(path string) (Manifest, error) {
	var m Manifest
	jsonBytes, err := os.ReadFile(path)
	if err != nil {
		return m, fmt.Errorf("failed to read manifest: %w", err)
	}
	if err := json.Unmarshal(jsonBytes, &m); err != nil {
		return m, fmt.Errorf("%w: %v", ErrCorruptedManifest, err)
	}
	if m.SchemaVer != SchemaVersion {
		return m, fmt.Errorf("%w: got %d, want %d", ErrIncompatibleVersion, m.SchemaVer, SchemaVersion)
	}
	return m, nil
}
