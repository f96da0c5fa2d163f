// Package index maintains the per-package version index and tag records on
// top of the metadata store.
//
// Each published coordinate owns exactly one index key, created with the
// store's create-if-absent primitive. There is no group blob to read-modify-
// write, so concurrent publishes to the same (namespace, name) cannot lose
// entries; the descending total order is established at read time with the
// configured comparator.
package index

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/depotd/depot/internal/meta"
)

var (
	// ErrNotFound is returned when a group has no entries or a tag does
	// not exist.
	ErrNotFound = errors.New("index: not found")

	// ErrDuplicate is returned when an entry for the coordinate already
	// exists.
	ErrDuplicate = errors.New("index: entry already exists")
)

// Entry is one published coordinate within a (namespace, name) group.
type Entry struct {
	Namespace  string `json:"namespace"`
	Name       string `json:"name"`
	Version    string `json:"version"`
	Variant    string `json:"variant"`
	BlobDigest string `json:"blob_digest"`
}

// Tag is a mutable pointer from (namespace, name, tag) to a coordinate.
// Last writer wins; the tag itself is not versioned.
type Tag struct {
	Namespace     string    `json:"namespace"`
	Name          string    `json:"name"`
	Tag           string    `json:"tag"`
	TargetVersion string    `json:"target_version"`
	TargetVariant string    `json:"target_variant"`
	UpdatedAt     time.Time `json:"updated_at"`
	UpdatedBy     string    `json:"updated_by"`
}

// Index resolves versions and tags for published artifacts.
type Index struct {
	entries *meta.Store[Entry]
	tags    *meta.Store[Tag]
	cmp     Comparator
}

// New builds an Index over the given KV. A nil comparator selects the
// default semver-first comparison.
func New(kv meta.KV, cmp Comparator) *Index {
	if cmp == nil {
		cmp = CompareVersions
	}
	return &Index{
		entries: meta.NewStore[Entry](kv),
		tags:    meta.NewStore[Tag](kv),
		cmp:     cmp,
	}
}

func entryKey(namespace, name, version, variant string) string {
	return fmt.Sprintf("index/%s/%s/%s/%s", namespace, name, version, variant)
}

func groupPrefix(namespace, name string) string {
	return fmt.Sprintf("index/%s/%s/", namespace, name)
}

func tagKey(namespace, name, tag string) string {
	return fmt.Sprintf("tag/%s/%s/%s", namespace, name, tag)
}

// RecordPublish adds the entry for a newly published coordinate.
func (ix *Index) RecordPublish(ctx context.Context, e Entry) error {
	key := entryKey(e.Namespace, e.Name, e.Version, e.Variant)
	stored, err := ix.entries.PutIfAbsent(ctx, key, e)
	if err != nil {
		return err
	}
	if !stored {
		return fmt.Errorf("%s: %w", key, ErrDuplicate)
	}
	return nil
}

// ReplaceEntry upserts the entry for a coordinate. Used only when the
// schema enables artifact overwrites.
func (ix *Index) ReplaceEntry(ctx context.Context, e Entry) error {
	return ix.entries.Put(ctx, entryKey(e.Namespace, e.Name, e.Version, e.Variant), e)
}

// ListVersions returns the group's entries in descending version order.
// The slice is empty (not an error) when nothing was published.
func (ix *Index) ListVersions(ctx context.Context, namespace, name string) ([]Entry, error) {
	keys, err := ix.entries.Keys(ctx, groupPrefix(namespace, name))
	if err != nil {
		return nil, err
	}

	entries := make([]Entry, 0, len(keys))
	for _, key := range keys {
		e, ok, err := ix.entries.Get(ctx, key)
		if err != nil {
			return nil, err
		}
		if ok {
			entries = append(entries, e)
		}
	}

	sort.SliceStable(entries, func(i, j int) bool {
		if c := ix.cmp(entries[i].Version, entries[j].Version); c != 0 {
			return c > 0 // descending
		}
		return entries[i].Variant < entries[j].Variant
	})
	return entries, nil
}

// ResolveLatest returns the maximum entry under the version comparator.
func (ix *Index) ResolveLatest(ctx context.Context, namespace, name string) (Entry, error) {
	entries, err := ix.ListVersions(ctx, namespace, name)
	if err != nil {
		return Entry{}, err
	}
	if len(entries) == 0 {
		return Entry{}, fmt.Errorf("%s/%s: %w", namespace, name, ErrNotFound)
	}
	return entries[0], nil
}

// PutTag upserts a tag record. Target existence is the caller's concern;
// the index only stores the pointer.
func (ix *Index) PutTag(ctx context.Context, t Tag) error {
	return ix.tags.Put(ctx, tagKey(t.Namespace, t.Name, t.Tag), t)
}

// GetTag resolves a tag to its recorded target coordinate.
func (ix *Index) GetTag(ctx context.Context, namespace, name, tag string) (Tag, error) {
	t, ok, err := ix.tags.Get(ctx, tagKey(namespace, name, tag))
	if err != nil {
		return Tag{}, err
	}
	if !ok {
		return Tag{}, fmt.Errorf("%s/%s:%s: %w", namespace, name, tag, ErrNotFound)
	}
	return t, nil
}

// DeleteEntry removes a coordinate's index entry. Idempotent.
func (ix *Index) DeleteEntry(ctx context.Context, namespace, name, version, variant string) error {
	return ix.entries.Delete(ctx, entryKey(namespace, name, version, variant))
}
