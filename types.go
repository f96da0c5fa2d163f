package depot

import (
	"fmt"
	"time"

	"github.com/depotd/depot/internal/auth"
	"github.com/depotd/depot/internal/index"
	"github.com/depotd/depot/internal/meta"
)

// Coordinate identifies one published artifact.
type Coordinate struct {
	Namespace string `json:"namespace"`
	Name      string `json:"name"`
	Version   string `json:"version"`
	Variant   string `json:"variant"`
}

func (c Coordinate) String() string {
	return fmt.Sprintf("%s/%s/%s/%s", c.Namespace, c.Name, c.Version, c.Variant)
}

// ArtifactRecord is the immutable metadata of one published artifact.
type ArtifactRecord struct {
	Namespace  string    `json:"namespace"`
	Name       string    `json:"name"`
	Version    string    `json:"version"`
	Variant    string    `json:"variant"`
	BlobDigest string    `json:"blob_digest"`
	BlobSize   int64     `json:"blob_size"`
	CreatedAt  time.Time `json:"created_at"`
	CreatedBy  string    `json:"created_by"`
}

// Coordinate returns the record's coordinate.
func (r ArtifactRecord) Coordinate() Coordinate {
	return Coordinate{Namespace: r.Namespace, Name: r.Name, Version: r.Version, Variant: r.Variant}
}

// Principal is an authenticated caller.
// Re-exported from internal/auth for convenience.
type Principal = auth.Principal

// VersionEntry is one row of a package's version index.
// Re-exported from internal/index for convenience.
type VersionEntry = index.Entry

// TagRecord is a mutable named pointer to a coordinate.
// Re-exported from internal/index for convenience.
type TagRecord = index.Tag

// StoreStats is a snapshot of metadata store counters.
// Re-exported from internal/meta for convenience.
type StoreStats = meta.Stats
