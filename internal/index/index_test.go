package index

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/sourcegraph/conc/pool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/depotd/depot/internal/meta"
)

func newIndex(t *testing.T) *Index {
	t.Helper()
	kv := meta.NewMemory()
	t.Cleanup(func() { _ = kv.Close() })
	return New(kv, nil)
}

func TestCompareVersions(t *testing.T) {
	cases := []struct {
		a, b string
		want int
	}{
		{"1.0.0", "2.0.0", -1},
		{"2.0.0", "1.0.0", 1},
		{"1.0.0", "1.0.0", 0},
		{"10.0.0", "2.0.0", 1}, // numeric, not lexicographic
		{"1.2.10", "1.2.9", 1},
		{"1.0.0-rc.1", "1.0.0", -1},
		{"nightly-b", "nightly-a", 1}, // unparsable falls back to string order
	}
	for _, tc := range cases {
		got := CompareVersions(tc.a, tc.b)
		switch {
		case tc.want < 0:
			assert.Negative(t, got, "%s vs %s", tc.a, tc.b)
		case tc.want > 0:
			assert.Positive(t, got, "%s vs %s", tc.a, tc.b)
		default:
			assert.Zero(t, got, "%s vs %s", tc.a, tc.b)
		}
	}
}

func TestRecordPublishAndList(t *testing.T) {
	ctx := context.Background()
	ix := newIndex(t)

	for _, version := range []string{"1.0.0", "10.0.0", "2.0.0"} {
		err := ix.RecordPublish(ctx, Entry{
			Namespace: "acme", Name: "cli", Version: version, Variant: "linux-x64",
			BlobDigest: "sha256:" + version,
		})
		require.NoError(t, err)
	}

	entries, err := ix.ListVersions(ctx, "acme", "cli")
	require.NoError(t, err)
	require.Len(t, entries, 3)
	assert.Equal(t, "10.0.0", entries[0].Version)
	assert.Equal(t, "2.0.0", entries[1].Version)
	assert.Equal(t, "1.0.0", entries[2].Version)

	latest, err := ix.ResolveLatest(ctx, "acme", "cli")
	require.NoError(t, err)
	assert.Equal(t, entries[0], latest)
}

func TestRecordPublishDuplicate(t *testing.T) {
	ctx := context.Background()
	ix := newIndex(t)

	e := Entry{Namespace: "acme", Name: "cli", Version: "1.0.0", Variant: "linux-x64"}
	require.NoError(t, ix.RecordPublish(ctx, e))
	assert.ErrorIs(t, ix.RecordPublish(ctx, e), ErrDuplicate)
}

func TestVariantsAreDistinctEntries(t *testing.T) {
	ctx := context.Background()
	ix := newIndex(t)

	for _, variant := range []string{"linux-x64", "darwin-arm64"} {
		err := ix.RecordPublish(ctx, Entry{
			Namespace: "acme", Name: "cli", Version: "1.0.0", Variant: variant,
		})
		require.NoError(t, err)
	}

	entries, err := ix.ListVersions(ctx, "acme", "cli")
	require.NoError(t, err)
	require.Len(t, entries, 2)
	// Same version: deterministic variant order.
	assert.Equal(t, "darwin-arm64", entries[0].Variant)
	assert.Equal(t, "linux-x64", entries[1].Variant)
}

func TestResolveLatestEmptyGroup(t *testing.T) {
	ix := newIndex(t)

	_, err := ix.ResolveLatest(context.Background(), "acme", "ghost")
	assert.ErrorIs(t, err, ErrNotFound)

	entries, err := ix.ListVersions(context.Background(), "acme", "ghost")
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestGroupIsolation(t *testing.T) {
	ctx := context.Background()
	ix := newIndex(t)

	require.NoError(t, ix.RecordPublish(ctx, Entry{Namespace: "acme", Name: "cli", Version: "1.0.0", Variant: "v"}))
	require.NoError(t, ix.RecordPublish(ctx, Entry{Namespace: "acme", Name: "cli-tools", Version: "9.0.0", Variant: "v"}))

	entries, err := ix.ListVersions(ctx, "acme", "cli")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "1.0.0", entries[0].Version)
}

func TestConcurrentPublishCompleteness(t *testing.T) {
	ctx := context.Background()
	ix := newIndex(t)

	const n = 50
	p := pool.New().WithErrors()
	for i := 0; i < n; i++ {
		version := fmt.Sprintf("1.%d.0", i)
		p.Go(func() error {
			return ix.RecordPublish(ctx, Entry{
				Namespace: "acme", Name: "cli", Version: version, Variant: "linux-x64",
			})
		})
	}
	require.NoError(t, p.Wait())

	entries, err := ix.ListVersions(ctx, "acme", "cli")
	require.NoError(t, err)
	require.Len(t, entries, n, "no publish may be lost")

	// Sorted descending, no duplicates.
	seen := make(map[string]bool, n)
	for i := 1; i < len(entries); i++ {
		assert.Positive(t, CompareVersions(entries[i-1].Version, entries[i].Version))
	}
	for _, e := range entries {
		assert.False(t, seen[e.Version])
		seen[e.Version] = true
	}

	latest, err := ix.ResolveLatest(ctx, "acme", "cli")
	require.NoError(t, err)
	assert.Equal(t, entries[0], latest)
}

func TestTags(t *testing.T) {
	ctx := context.Background()
	ix := newIndex(t)

	_, err := ix.GetTag(ctx, "acme", "cli", "stable")
	assert.ErrorIs(t, err, ErrNotFound)

	first := Tag{
		Namespace: "acme", Name: "cli", Tag: "stable",
		TargetVersion: "1.0.0", TargetVariant: "linux-x64",
		UpdatedAt: time.Now().UTC(), UpdatedBy: "alice",
	}
	require.NoError(t, ix.PutTag(ctx, first))

	got, err := ix.GetTag(ctx, "acme", "cli", "stable")
	require.NoError(t, err)
	assert.Equal(t, "1.0.0", got.TargetVersion)

	// Last writer wins.
	second := first
	second.TargetVersion = "2.0.0"
	second.UpdatedBy = "bob"
	require.NoError(t, ix.PutTag(ctx, second))

	got, err = ix.GetTag(ctx, "acme", "cli", "stable")
	require.NoError(t, err)
	assert.Equal(t, "2.0.0", got.TargetVersion)
	assert.Equal(t, "bob", got.UpdatedBy)
}
