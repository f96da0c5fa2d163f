// Package meta implements the metadata key-value layer.
//
// The KV interface provides a byte-level record store with an atomic
// create-if-absent primitive:
// - Get/Put/Delete for basic operations
// - PutIfAbsent for race-free "first writer wins" creation
// - Keys/Count for lexicographic prefix scans
// - Stats for cumulative operation counters
//
// Two implementations exist: a SQLite-backed store for durable server use
// and a mutex-guarded in-memory store for tests and ephemeral runs.
package meta

import (
	"context"
	"errors"
)

var (
	// ErrClosed is returned for any operation on a closed store.
	ErrClosed = errors.New("meta: store closed")

	// ErrCorrupt is returned when a stored record fails to deserialize.
	// Corruption must surface to the caller, never read as absence.
	ErrCorrupt = errors.New("meta: corrupt record")
)

// KV is a generic keyed record store.
type KV interface {
	// Get retrieves the raw value for a key. The second return reports
	// whether the key was present.
	Get(ctx context.Context, key string) ([]byte, bool, error)

	// Put stores a value unconditionally (upsert).
	Put(ctx context.Context, key string, value []byte) error

	// PutIfAbsent atomically stores the value only if the key does not
	// exist. Returns whether the store happened.
	PutIfAbsent(ctx context.Context, key string, value []byte) (bool, error)

	// Delete removes a key. Deleting an absent key is not an error.
	Delete(ctx context.Context, key string) error

	// Keys returns all keys with the given prefix in lexicographic order.
	Keys(ctx context.Context, prefix string) ([]string, error)

	// Count returns the number of keys with the given prefix.
	Count(ctx context.Context, prefix string) (int, error)

	// Stats returns a snapshot of cumulative operation counters.
	Stats() Stats

	Close() error
}

// prefixEnd returns the smallest key greater than every key with the given
// prefix, or "" when no upper bound exists (empty or all-0xff prefix).
func prefixEnd(prefix string) string {
	b := []byte(prefix)
	for i := len(b) - 1; i >= 0; i-- {
		if b[i] < 0xff {
			b[i]++
			return string(b[:i+1])
		}
	}
	return ""
}
