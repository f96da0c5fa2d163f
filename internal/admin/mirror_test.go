package admin

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/depotd/depot/internal/schema"
)

func openMirror(t *testing.T) *Mirror {
	t.Helper()
	m, err := Open(filepath.Join(t.TempDir(), "admin.db"))
	require.NoError(t, err)
	t.Cleanup(func() { m.Close() })
	return m
}

func TestSyncAndSnapshot(t *testing.T) {
	m := openMirror(t)
	ctx := context.Background()

	require.NoError(t, m.Sync(ctx, schema.Default()))

	snap, err := m.Snapshot(ctx)
	require.NoError(t, err)

	assert.Equal(t, "1.0", snap.SchemaVersion)
	assert.NotEmpty(t, snap.TypeID)
	assert.NotEmpty(t, snap.UpdatedAt)

	names := make([]string, 0, len(snap.Entities))
	for _, e := range snap.Entities {
		names = append(names, e.Name)
	}
	assert.Contains(t, names, "artifact")
	assert.Contains(t, names, "package")

	var artifact EntitySnapshot
	for _, e := range snap.Entities {
		if e.Name == "artifact" {
			artifact = e
		}
	}
	require.Len(t, artifact.Fields, 4)
	assert.Equal(t, "namespace", artifact.Fields[0].Name)
	assert.Contains(t, artifact.Fields[0].Normalizations, "trim")
	assert.NotEmpty(t, artifact.Constraints)

	require.Len(t, snap.BlobStores, 1)
	assert.Equal(t, "fs", snap.BlobStores[0].Kind)
	require.Len(t, snap.KVStores, 1)
}

func TestSyncIsIdempotent(t *testing.T) {
	m := openMirror(t)
	ctx := context.Background()

	require.NoError(t, m.Sync(ctx, schema.Default()))
	require.NoError(t, m.Sync(ctx, schema.Default()))

	snap, err := m.Snapshot(ctx)
	require.NoError(t, err)

	// Re-syncing must not duplicate rows.
	assert.Len(t, snap.Entities, 2)
	assert.Len(t, snap.BlobStores, 1)
}

func TestSnapshotEmptyMirror(t *testing.T) {
	m := openMirror(t)

	snap, err := m.Snapshot(context.Background())
	require.NoError(t, err)
	assert.Empty(t, snap.SchemaVersion)
	assert.Empty(t, snap.Entities)
}
