package storage

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/rs/zerolog/log"
)

// DiskStore writes files under a directory, named by content hash.
type DiskStore struct {
	dir      string
	maxBytes int64
}

// NewDiskStore creates dir if needed. maxBytes <= 0 selects DefaultMaxFileBytes.
func NewDiskStore(dir string, maxBytes int64) (*DiskStore, error) {
	if maxBytes <= 0 {
		maxBytes = DefaultMaxFileBytes
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create download directory: %w", err)
	}
	return &DiskStore{dir: dir, maxBytes: maxBytes}, nil
}

// Store streams body to disk. The final name is "<hash prefix>-<name>", so the
// same content is stored once.
func (s *DiskStore) Store(ctx context.Context, body io.Reader, name string, expectedSize int64) (Stored, error) {
	if err := checkExpected(expectedSize, s.maxBytes); err != nil {
		return Stored{}, err
	}
	if err := ctx.Err(); err != nil {
		return Stored{}, fmt.Errorf("%w: %v", ErrNotRetrieved, err)
	}

	tmp, err := os.CreateTemp(s.dir, ".part-*")
	if err != nil {
		return Stored{}, fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpName := tmp.Name()
	cleanup := func() {
		tmp.Close()
		os.Remove(tmpName)
	}

	size, hash, err := copyHashed(tmp, body, s.maxBytes)
	if err != nil {
		cleanup()
		return Stored{}, err
	}
	if expectedSize > 0 && size != expectedSize {
		cleanup()
		return Stored{}, fmt.Errorf("%w: truncated body (%d of %d bytes)", ErrNotRetrieved, size, expectedSize)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return Stored{}, fmt.Errorf("failed to close temp file: %w", err)
	}

	final := filepath.Join(s.dir, hash[:16]+"-"+FileName(name, ""))
	if _, err := os.Stat(final); err == nil {
		os.Remove(tmpName)
		log.Debug().Str("path", final).Msg("File already stored")
		return Stored{Path: final, Hash: hash, Size: size}, nil
	}
	if err := os.Rename(tmpName, final); err != nil {
		os.Remove(tmpName)
		return Stored{}, fmt.Errorf("failed to move file into place: %w", err)
	}

	return Stored{Path: final, Hash: hash, Size: size}, nil
}
