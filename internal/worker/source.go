// ============================================================================
// webptar Item Source
// ============================================================================
//
// Package: internal/worker
// File: source.go
// Purpose: The caller side of the pull protocol: where items come from when
//          the coordinator asks for index i.
//
// Motivation:
//   The driver never loads the whole batch. It enumerates names up front (so
//   total is known for start{total}) and reads an item's bytes only when the
//   coordinator requests it, so at most one source image is resident.
//
//   - SliceSource: items already in memory (tests, the demo)
//   - FileSource:  files on disk, read lazily by index
//
// ============================================================================

package worker

import (
	"context"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/ChuLiYu/webptar/pkg/types"
)

// ItemSource hands out batch items by index.
type ItemSource interface {
	// Len is the number of items in the batch.
	Len() int

	// Item returns item index. It is called once per request-next, in
	// increasing index order.
	//
	// Parameters:
	//   - ctx: Context for cancellation.
	//   - index: zero-based position, 0 <= index < Len().
	//
	// Returns:
	//   - types.SourceItem: the item with its bytes loaded.
	//   - error: the bytes could not be read.
	Item(ctx context.Context, index int) (types.SourceItem, error)
}

// SliceSource serves items held in memory.
type SliceSource []types.SourceItem

// Len implements ItemSource.
func (s SliceSource) Len() int { return len(s) }

// Item implements ItemSource. The returned item carries its slice position
// as Index.
func (s SliceSource) Item(_ context.Context, index int) (types.SourceItem, error) {
	if index < 0 || index >= len(s) {
		return types.SourceItem{}, fmt.Errorf("item %d out of range [0,%d)", index, len(s))
	}
	it := s[index]
	it.Index = index
	return it, nil
}

// ============================================================================
// Files
// ============================================================================

// sniffLen is how much of a file is read to detect its media type.
const sniffLen = 512

type fileEntry struct {
	path      string
	mediaType string
}

// FileSource serves image files from disk.
type FileSource struct {
	files []fileEntry
}

// NewFileSource enumerates paths. Directories are walked in lexical order;
// only files whose detected media type is image/* are kept, in argument
// order.
func NewFileSource(paths []string, logger *slog.Logger) (*FileSource, error) {
	if logger == nil {
		logger = slog.Default()
	}
	src := &FileSource{}

	add := func(path string) error {
		mt, err := detectMediaType(path)
		if err != nil {
			return err
		}
		if !strings.HasPrefix(mt, "image/") {
			logger.Info("skipping non-image input", "path", path, "media_type", mt)
			return nil
		}
		src.files = append(src.files, fileEntry{path: path, mediaType: mt})
		return nil
	}

	for _, p := range paths {
		info, err := os.Stat(p)
		if err != nil {
			return nil, fmt.Errorf("stat %s: %w", p, err)
		}
		if !info.IsDir() {
			if err := add(p); err != nil {
				return nil, err
			}
			continue
		}
		err = filepath.WalkDir(p, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if d.IsDir() || !d.Type().IsRegular() {
				return nil
			}
			return add(path)
		})
		if err != nil {
			return nil, fmt.Errorf("walk %s: %w", p, err)
		}
	}
	return src, nil
}

// detectMediaType sniffs the file content and falls back to the extension.
func detectMediaType(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	head := make([]byte, sniffLen)
	n, err := io.ReadFull(f, head)
	if err != nil && err != io.ErrUnexpectedEOF && err != io.EOF {
		return "", fmt.Errorf("read %s: %w", path, err)
	}

	mt := http.DetectContentType(head[:n])
	if mt == "application/octet-stream" {
		if byExt := mime.TypeByExtension(strings.ToLower(filepath.Ext(path))); byExt != "" {
			mt = byExt
		}
	}
	if i := strings.IndexByte(mt, ';'); i >= 0 {
		mt = strings.TrimSpace(mt[:i])
	}
	return mt, nil
}

// Len implements ItemSource.
func (s *FileSource) Len() int { return len(s.files) }

// Paths returns the enumerated files in batch order.
func (s *FileSource) Paths() []string {
	out := make([]string, len(s.files))
	for i, f := range s.files {
		out[i] = f.path
	}
	return out
}

// Item reads file index from disk.
func (s *FileSource) Item(ctx context.Context, index int) (types.SourceItem, error) {
	if index < 0 || index >= len(s.files) {
		return types.SourceItem{}, fmt.Errorf("item %d out of range [0,%d)", index, len(s.files))
	}
	if err := ctx.Err(); err != nil {
		return types.SourceItem{}, err
	}
	f := s.files[index]
	data, err := os.ReadFile(f.path)
	if err != nil {
		return types.SourceItem{}, fmt.Errorf("read %s: %w", f.path, err)
	}
	return types.SourceItem{
		Index:     index,
		Name:      filepath.Base(f.path),
		MediaType: f.mediaType,
		Data:      data,
	}, nil
}
