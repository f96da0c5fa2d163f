// Package blob implements the content-addressable blob store.
//
// Blobs are keyed by digest and laid out on disk with git-style sharding
// derived from the schema's path template (default: ab/cd/<full digest>).
// Writes are write-once: the bytes land in a temp file first and are
// published with an atomic rename, so a concurrent reader either sees the
// complete object or nothing.
package blob

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/opencontainers/go-digest"
)

var (
	// ErrNotFound is returned when no blob exists for a digest.
	ErrNotFound = errors.New("blob: not found")

	// ErrTooLarge is returned before any write when the input exceeds the
	// configured maximum.
	ErrTooLarge = errors.New("blob: too large")

	// ErrTooSmall is returned when the input is under the configured minimum.
	ErrTooSmall = errors.New("blob: too small")
)

// Config carries the schema-declared settings for a blob store.
type Config struct {
	Algorithm    string // digest algorithm, default sha256
	PathTemplate string // sharding template, default {digest:0:2}/{digest:2:4}/{digest}
	MaxBytes     int64  // 0 = unlimited
	MinBytes     int64
	Compress     bool // zstd at rest
}

// Store is a filesystem-backed content-addressable blob store.
type Store struct {
	dir        string
	algo       digest.Algorithm
	template   Template
	maxBytes   int64
	minBytes   int64
	compressor *Compressor
}

// New creates a store rooted at dir.
func New(dir string, cfg Config) (*Store, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create blob dir: %w", err)
	}
	if err := os.MkdirAll(filepath.Join(dir, "tmp"), 0755); err != nil {
		return nil, fmt.Errorf("create blob tmp dir: %w", err)
	}

	algo := digest.Algorithm(cfg.Algorithm)
	if cfg.Algorithm == "" {
		algo = digest.SHA256
	}
	if !algo.Available() {
		return nil, fmt.Errorf("unsupported digest algorithm %q", cfg.Algorithm)
	}

	tmpl, err := ParseTemplate(cfg.PathTemplate)
	if err != nil {
		return nil, err
	}

	return &Store{
		dir:        dir,
		algo:       algo,
		template:   tmpl,
		maxBytes:   cfg.MaxBytes,
		minBytes:   cfg.MinBytes,
		compressor: NewCompressor(cfg.Compress),
	}, nil
}

// Put stores data and returns its digest. Size limits are enforced before
// any write. Re-putting existing content is a no-op.
func (s *Store) Put(data []byte) (digest.Digest, error) {
	size := int64(len(data))
	if s.maxBytes > 0 && size > s.maxBytes {
		return "", fmt.Errorf("%d bytes exceeds limit of %d: %w", size, s.maxBytes, ErrTooLarge)
	}
	if size < s.minBytes {
		return "", fmt.Errorf("%d bytes under minimum of %d: %w", size, s.minBytes, ErrTooSmall)
	}

	dg := s.algo.FromBytes(data)

	path := s.Path(dg)
	if _, err := os.Stat(path); err == nil {
		return dg, nil // already stored
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return "", fmt.Errorf("create shard dir: %w", err)
	}

	// Write to a temp file, then publish with an atomic rename. Concurrent
	// puts of the same digest race on the rename; both produce identical
	// content, so whichever lands last is still correct.
	tmp, err := os.CreateTemp(filepath.Join(s.dir, "tmp"), "put-*")
	if err != nil {
		return "", fmt.Errorf("create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(s.compressor.Compress(data)); err != nil {
		tmp.Close()
		return "", fmt.Errorf("write blob: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return "", fmt.Errorf("close blob: %w", err)
	}

	if err := os.Rename(tmp.Name(), path); err != nil {
		return "", fmt.Errorf("publish blob: %w", err)
	}
	return dg, nil
}

// Get returns the full blob content.
func (s *Store) Get(dg digest.Digest) ([]byte, error) {
	raw, err := os.ReadFile(s.Path(dg))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%s: %w", dg, ErrNotFound)
		}
		return nil, fmt.Errorf("read blob %s: %w", dg, err)
	}
	return s.compressor.Decompress(raw)
}

// Open returns a reader over the blob content for streaming fetches.
func (s *Store) Open(dg digest.Digest) (io.ReadCloser, error) {
	f, err := os.Open(s.Path(dg))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%s: %w", dg, ErrNotFound)
		}
		return nil, fmt.Errorf("open blob %s: %w", dg, err)
	}
	return s.compressor.Reader(f)
}

// Stat reports the on-disk size of a blob, if present.
func (s *Store) Stat(dg digest.Digest) (int64, bool) {
	info, err := os.Stat(s.Path(dg))
	if err != nil {
		return 0, false
	}
	return info.Size(), true
}

// Path returns the sharded filesystem path for a digest.
func (s *Store) Path(dg digest.Digest) string {
	return filepath.Join(s.dir, s.template.Path(dg.Encoded()))
}
