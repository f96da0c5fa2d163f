package depot

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"time"

	"github.com/opencontainers/go-digest"

	"github.com/depotd/depot/internal/auth"
	"github.com/depotd/depot/internal/blob"
	"github.com/depotd/depot/internal/index"
	"github.com/depotd/depot/internal/meta"
	"github.com/depotd/depot/internal/schema"
)

// FeatureOverwrite allows publish to replace an existing coordinate.
// FeatureCompress enables zstd compression of blobs at rest.
const (
	FeatureOverwrite = "allow_overwrite_artifacts"
	FeatureCompress  = "compress_blobs"
)

const artifactKeyPrefix = "artifact/"

// Schema is the parsed repository definition that drives normalization,
// validation and storage layout.
type Schema = schema.Model

// LoadSchema reads and parses a schema document from disk.
func LoadSchema(path string) (*Schema, error) { return schema.Load(path) }

// DefaultSchema returns the built-in schema document.
func DefaultSchema() *Schema { return schema.Default() }

// Repository is the schema-driven artifact repository engine.
type Repository struct {
	schema    *schema.Model
	blobs     *blob.Store
	kv        meta.KV
	artifacts *meta.Store[ArtifactRecord]
	idx       *index.Index
	clock     func() time.Time
	overwrite bool
}

// Open builds a repository from a loaded schema model. Storage lives under
// the configured data directory: a sharded blob tree plus the metadata
// store the schema declares.
func Open(model *schema.Model, opts ...Option) (*Repository, error) {
	options := defaultOptions()
	for _, opt := range opts {
		opt(options)
	}

	for _, entity := range []string{"artifact", "package"} {
		if _, ok := model.Entity(entity); !ok {
			return nil, errorf(CodeSchemaLoad, "schema does not declare entity %q", entity)
		}
	}

	storeCfg := model.PrimaryBlobStore()
	blobs, err := blob.New(filepath.Join(options.DataDir, storeCfg.Root), blob.Config{
		Algorithm:    storeCfg.Digest,
		PathTemplate: storeCfg.PathTemplate,
		MaxBytes:     storeCfg.MaxBlobBytes,
		MinBytes:     storeCfg.MinBlobBytes,
		Compress:     model.Feature(FeatureCompress),
	})
	if err != nil {
		return nil, newError(CodeSchemaLoad, "invalid blob store configuration", err)
	}

	kv := options.KV
	if kv == nil {
		kv, err = openKV(model, options.DataDir)
		if err != nil {
			return nil, err
		}
	}

	return &Repository{
		schema:    model,
		blobs:     blobs,
		kv:        kv,
		artifacts: meta.NewStore[ArtifactRecord](kv),
		idx:       index.New(kv, options.Comparator),
		clock:     options.Clock,
		overwrite: model.Feature(FeatureOverwrite),
	}, nil
}

func openKV(model *schema.Model, dataDir string) (meta.KV, error) {
	if len(model.KVStores) == 0 {
		return meta.NewMemory(), nil
	}

	cfg := model.KVStores[0]
	switch cfg.Kind {
	case "sqlite":
		kv, err := meta.OpenSQLite(filepath.Join(dataDir, cfg.Root))
		if err != nil {
			return nil, newError(CodeStoreUnavailable, "cannot open metadata store", err)
		}
		return kv, nil
	case "memory":
		return meta.NewMemory(), nil
	default:
		return nil, errorf(CodeSchemaLoad, "unsupported kv store kind %q", cfg.Kind)
	}
}

// Close releases the metadata store.
func (r *Repository) Close() error {
	return r.kv.Close()
}

// Schema returns the shared schema model.
func (r *Repository) Schema() *schema.Model { return r.schema }

// Stats returns metadata store counters.
func (r *Repository) Stats() StoreStats { return r.kv.Stats() }

func artifactKey(namespace, name, version, variant string) string {
	return artifactKeyPrefix + strings.Join([]string{namespace, name, version, variant}, "/")
}

// Publish stores the payload and creates the artifact record for the
// coordinate. The coordinate is normalized and validated against the schema
// first; the body is size-checked before any write. Publishing an existing
// coordinate fails with ALREADY_EXISTS unless the schema enables the
// overwrite feature.
func (r *Repository) Publish(ctx context.Context, coord Coordinate, p Principal, data []byte) (ArtifactRecord, error) {
	if !p.HasScope(auth.ScopeWrite) {
		return ArtifactRecord{}, errorf(CodeForbidden, "write scope required")
	}

	coord, err := r.normalizeCoordinate(coord)
	if err != nil {
		return ArtifactRecord{}, err
	}

	if limit := r.schema.Limits.MaxRequestBodyBytes; limit > 0 && int64(len(data)) > limit {
		return ArtifactRecord{}, errorf(CodeBlobTooLarge, "request body of %d bytes exceeds limit of %d", len(data), limit)
	}

	dg, err := r.blobs.Put(data)
	if err != nil {
		return ArtifactRecord{}, r.mapBlobErr(err)
	}

	record := ArtifactRecord{
		Namespace:  coord.Namespace,
		Name:       coord.Name,
		Version:    coord.Version,
		Variant:    coord.Variant,
		BlobDigest: dg.String(),
		BlobSize:   int64(len(data)),
		CreatedAt:  r.clock(),
		CreatedBy:  p.Subject,
	}
	key := artifactKey(coord.Namespace, coord.Name, coord.Version, coord.Variant)
	entry := index.Entry{
		Namespace:  coord.Namespace,
		Name:       coord.Name,
		Version:    coord.Version,
		Variant:    coord.Variant,
		BlobDigest: dg.String(),
	}

	if r.overwrite {
		if err := r.artifacts.Put(ctx, key, record); err != nil {
			return ArtifactRecord{}, r.mapStoreErr(err)
		}
		if err := r.idx.ReplaceEntry(ctx, entry); err != nil {
			return ArtifactRecord{}, r.mapStoreErr(err)
		}
		return record, nil
	}

	stored, err := r.artifacts.PutIfAbsent(ctx, key, record)
	if err != nil {
		return ArtifactRecord{}, r.mapStoreErr(err)
	}
	if !stored {
		// The blob may be shared with the prior publish or newly written
		// by this call; dedup guarantees no duplicate bytes either way.
		return ArtifactRecord{}, errorf(CodeAlreadyExists, "artifact %s already exists", coord)
	}

	if err := r.idx.RecordPublish(ctx, entry); err != nil {
		return ArtifactRecord{}, r.mapStoreErr(err)
	}
	return record, nil
}

// Fetch returns the artifact record and a reader over its blob. A record
// whose blob is missing reports BLOB_NOT_FOUND, a storage inconsistency
// distinct from a plain miss.
func (r *Repository) Fetch(ctx context.Context, coord Coordinate, p Principal) (ArtifactRecord, io.ReadCloser, error) {
	if !p.HasScope(auth.ScopeRead) {
		return ArtifactRecord{}, nil, errorf(CodeForbidden, "read scope required")
	}

	coord, err := r.normalizeCoordinate(coord)
	if err != nil {
		return ArtifactRecord{}, nil, err
	}

	key := artifactKey(coord.Namespace, coord.Name, coord.Version, coord.Variant)
	record, ok, err := r.artifacts.Get(ctx, key)
	if err != nil {
		return ArtifactRecord{}, nil, r.mapStoreErr(err)
	}
	if !ok {
		return ArtifactRecord{}, nil, errorf(CodeNotFound, "artifact %s not found", coord)
	}

	rc, err := r.blobs.Open(digest.Digest(record.BlobDigest))
	if err != nil {
		if errors.Is(err, blob.ErrNotFound) {
			return ArtifactRecord{}, nil, errorf(CodeBlobNotFound, "blob %s missing for artifact %s", record.BlobDigest, coord)
		}
		return ArtifactRecord{}, nil, newError(CodeInternal, "cannot open blob", err)
	}
	return record, rc, nil
}

// ResolveLatest returns the newest published entry for a package under the
// configured version comparator.
func (r *Repository) ResolveLatest(ctx context.Context, namespace, name string, p Principal) (VersionEntry, error) {
	if !p.HasScope(auth.ScopeRead) {
		return VersionEntry{}, errorf(CodeForbidden, "read scope required")
	}

	namespace, name, _, err := r.normalizePackage(namespace, name, "")
	if err != nil {
		return VersionEntry{}, err
	}

	entry, err := r.idx.ResolveLatest(ctx, namespace, name)
	if err != nil {
		if errors.Is(err, index.ErrNotFound) {
			return VersionEntry{}, errorf(CodeNotFound, "no versions found for %s/%s", namespace, name)
		}
		return VersionEntry{}, r.mapStoreErr(err)
	}
	return entry, nil
}

// ListVersions returns all published entries for a package, newest first.
func (r *Repository) ListVersions(ctx context.Context, namespace, name string, p Principal) ([]VersionEntry, error) {
	if !p.HasScope(auth.ScopeRead) {
		return nil, errorf(CodeForbidden, "read scope required")
	}

	namespace, name, _, err := r.normalizePackage(namespace, name, "")
	if err != nil {
		return nil, err
	}

	entries, err := r.idx.ListVersions(ctx, namespace, name)
	if err != nil {
		return nil, r.mapStoreErr(err)
	}
	return entries, nil
}

// SetTag points a mutable tag at a published coordinate. The target must
// exist at write time; later deletion leaves the tag dangling, and resolving
// a dangling tag fails.
func (r *Repository) SetTag(ctx context.Context, namespace, name, tag, targetVersion, targetVariant string, p Principal) (TagRecord, error) {
	if !p.HasScope(auth.ScopeWrite) {
		return TagRecord{}, errorf(CodeForbidden, "write scope required")
	}

	namespace, name, tag, err := r.normalizePackage(namespace, name, tag)
	if err != nil {
		return TagRecord{}, err
	}
	if tag == "" {
		return TagRecord{}, errorf(CodeInvalidRequest, "tag is required")
	}

	// Normalize the target the same way publish would have.
	target, err := r.normalizeCoordinate(Coordinate{
		Namespace: namespace, Name: name, Version: targetVersion, Variant: targetVariant,
	})
	if err != nil {
		return TagRecord{}, err
	}

	targetKey := artifactKey(target.Namespace, target.Name, target.Version, target.Variant)
	_, ok, err := r.artifacts.Get(ctx, targetKey)
	if err != nil {
		return TagRecord{}, r.mapStoreErr(err)
	}
	if !ok {
		return TagRecord{}, errorf(CodeTargetNotFound, "target artifact %s not found", target)
	}

	record := TagRecord{
		Namespace:     namespace,
		Name:          name,
		Tag:           tag,
		TargetVersion: target.Version,
		TargetVariant: target.Variant,
		UpdatedAt:     r.clock(),
		UpdatedBy:     p.Subject,
	}
	if err := r.idx.PutTag(ctx, record); err != nil {
		return TagRecord{}, r.mapStoreErr(err)
	}
	return record, nil
}

// ResolveTag follows a tag to its target coordinate. A dangling tag (target
// deleted after the tag was set) resolves to NOT_FOUND.
func (r *Repository) ResolveTag(ctx context.Context, namespace, name, tag string, p Principal) (TagRecord, error) {
	if !p.HasScope(auth.ScopeRead) {
		return TagRecord{}, errorf(CodeForbidden, "read scope required")
	}

	namespace, name, tag, err := r.normalizePackage(namespace, name, tag)
	if err != nil {
		return TagRecord{}, err
	}
	if tag == "" {
		return TagRecord{}, errorf(CodeInvalidRequest, "tag is required")
	}

	record, err := r.idx.GetTag(ctx, namespace, name, tag)
	if err != nil {
		if errors.Is(err, index.ErrNotFound) {
			return TagRecord{}, errorf(CodeNotFound, "tag %s not found for %s/%s", tag, namespace, name)
		}
		return TagRecord{}, r.mapStoreErr(err)
	}

	targetKey := artifactKey(record.Namespace, record.Name, record.TargetVersion, record.TargetVariant)
	_, ok, err := r.artifacts.Get(ctx, targetKey)
	if err != nil {
		return TagRecord{}, r.mapStoreErr(err)
	}
	if !ok {
		return TagRecord{}, errorf(CodeNotFound, "tag %s target no longer exists", tag)
	}
	return record, nil
}

func (r *Repository) normalizeCoordinate(coord Coordinate) (Coordinate, error) {
	fields := r.schema.Normalize("artifact", map[string]string{
		"namespace": coord.Namespace,
		"name":      coord.Name,
		"version":   coord.Version,
		"variant":   coord.Variant,
	})
	if err := r.schema.Validate("artifact", fields); err != nil {
		return Coordinate{}, newError(CodeValidation, err.Error(), err)
	}
	return Coordinate{
		Namespace: fields["namespace"],
		Name:      fields["name"],
		Version:   fields["version"],
		Variant:   fields["variant"],
	}, nil
}

func (r *Repository) normalizePackage(namespace, name, tag string) (string, string, string, error) {
	raw := map[string]string{"namespace": namespace, "name": name}
	if tag != "" {
		raw["tag"] = tag
	}
	fields := r.schema.Normalize("package", raw)
	if err := r.schema.Validate("package", fields); err != nil {
		return "", "", "", newError(CodeValidation, err.Error(), err)
	}
	return fields["namespace"], fields["name"], fields["tag"], nil
}

func (r *Repository) mapStoreErr(err error) error {
	switch {
	case errors.Is(err, meta.ErrClosed):
		return newError(CodeStoreUnavailable, "metadata store unavailable", err)
	case errors.Is(err, meta.ErrCorrupt):
		return newError(CodeCorruptRecord, "stored record is corrupt", err)
	default:
		return newError(CodeInternal, "metadata operation failed", err)
	}
}

func (r *Repository) mapBlobErr(err error) error {
	switch {
	case errors.Is(err, blob.ErrTooLarge):
		return newError(CodeBlobTooLarge, "blob exceeds configured size limit", err)
	case errors.Is(err, blob.ErrTooSmall):
		return newError(CodeInvalidRequest, "blob under configured minimum size", err)
	default:
		return newError(CodeInternal, "blob operation failed", err)
	}
}

// Export dumps every metadata record and referenced blob for mirroring.
func (r *Repository) Export(ctx context.Context) (map[string][]byte, map[string][]byte, error) {
	keys, err := r.kv.Keys(ctx, "")
	if err != nil {
		return nil, nil, r.mapStoreErr(err)
	}

	records := make(map[string][]byte, len(keys))
	for _, key := range keys {
		value, ok, err := r.kv.Get(ctx, key)
		if err != nil {
			return nil, nil, r.mapStoreErr(err)
		}
		if ok {
			records[key] = value
		}
	}

	blobs := make(map[string][]byte)
	artifactKeys, err := r.artifacts.Keys(ctx, artifactKeyPrefix)
	if err != nil {
		return nil, nil, r.mapStoreErr(err)
	}
	for _, key := range artifactKeys {
		record, ok, err := r.artifacts.Get(ctx, key)
		if err != nil {
			return nil, nil, r.mapStoreErr(err)
		}
		if !ok {
			continue
		}
		if _, seen := blobs[record.BlobDigest]; seen {
			continue
		}
		data, err := r.blobs.Get(digest.Digest(record.BlobDigest))
		if err != nil {
			return nil, nil, fmt.Errorf("export blob %s: %w", record.BlobDigest, err)
		}
		blobs[record.BlobDigest] = data
	}
	return records, blobs, nil
}

// Import restores an exported snapshot. Existing records win over imported
// ones; blobs are deduplicated by digest as usual.
func (r *Repository) Import(ctx context.Context, records map[string][]byte, blobs map[string][]byte) error {
	for _, data := range blobs {
		if _, err := r.blobs.Put(data); err != nil {
			return r.mapBlobErr(err)
		}
	}
	for key, value := range records {
		if _, err := r.kv.PutIfAbsent(ctx, key, value); err != nil {
			return r.mapStoreErr(err)
		}
	}
	return nil
}
