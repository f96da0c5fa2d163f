package meta

import (
	"context"
	"fmt"
	"path/filepath"
	"sync/atomic"
	"testing"

	"github.com/sourcegraph/conc/pool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func backends(t *testing.T) map[string]KV {
	t.Helper()

	sqlite, err := OpenSQLite(filepath.Join(t.TempDir(), "meta.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = sqlite.Close() })

	mem := NewMemory()
	t.Cleanup(func() { _ = mem.Close() })

	return map[string]KV{"sqlite": sqlite, "memory": mem}
}

func TestKVContract(t *testing.T) {
	ctx := context.Background()

	for name, kv := range backends(t) {
		t.Run(name, func(t *testing.T) {
			t.Run("get absent", func(t *testing.T) {
				_, ok, err := kv.Get(ctx, "missing")
				require.NoError(t, err)
				assert.False(t, ok)
			})

			t.Run("put and get", func(t *testing.T) {
				require.NoError(t, kv.Put(ctx, "a/1", []byte("one")))
				got, ok, err := kv.Get(ctx, "a/1")
				require.NoError(t, err)
				require.True(t, ok)
				assert.Equal(t, []byte("one"), got)

				// Upsert overwrites.
				require.NoError(t, kv.Put(ctx, "a/1", []byte("uno")))
				got, _, err = kv.Get(ctx, "a/1")
				require.NoError(t, err)
				assert.Equal(t, []byte("uno"), got)
			})

			t.Run("put if absent", func(t *testing.T) {
				stored, err := kv.PutIfAbsent(ctx, "a/2", []byte("first"))
				require.NoError(t, err)
				assert.True(t, stored)

				stored, err = kv.PutIfAbsent(ctx, "a/2", []byte("second"))
				require.NoError(t, err)
				assert.False(t, stored)

				got, _, err := kv.Get(ctx, "a/2")
				require.NoError(t, err)
				assert.Equal(t, []byte("first"), got)
			})

			t.Run("delete is idempotent", func(t *testing.T) {
				require.NoError(t, kv.Put(ctx, "a/3", []byte("x")))
				require.NoError(t, kv.Delete(ctx, "a/3"))
				require.NoError(t, kv.Delete(ctx, "a/3"))

				_, ok, err := kv.Get(ctx, "a/3")
				require.NoError(t, err)
				assert.False(t, ok)
			})

			t.Run("prefix scan", func(t *testing.T) {
				require.NoError(t, kv.Put(ctx, "b/2", []byte("x")))
				require.NoError(t, kv.Put(ctx, "b/1", []byte("x")))
				require.NoError(t, kv.Put(ctx, "c/1", []byte("x")))

				keys, err := kv.Keys(ctx, "b/")
				require.NoError(t, err)
				assert.Equal(t, []string{"b/1", "b/2"}, keys)

				n, err := kv.Count(ctx, "b/")
				require.NoError(t, err)
				assert.Equal(t, 2, n)
			})
		})
	}
}

func TestKVConcurrentPutIfAbsent(t *testing.T) {
	ctx := context.Background()

	for name, kv := range backends(t) {
		t.Run(name, func(t *testing.T) {
			var wins atomic.Int64

			p := pool.New().WithErrors()
			for i := 0; i < 32; i++ {
				value := []byte(fmt.Sprintf("writer-%d", i))
				p.Go(func() error {
					stored, err := kv.PutIfAbsent(ctx, "race/key", value)
					if stored {
						wins.Add(1)
					}
					return err
				})
			}
			require.NoError(t, p.Wait())

			assert.Equal(t, int64(1), wins.Load(), "exactly one writer must win")
		})
	}
}

func TestKVClosed(t *testing.T) {
	ctx := context.Background()

	for name, kv := range backends(t) {
		t.Run(name, func(t *testing.T) {
			require.NoError(t, kv.Close())

			_, _, err := kv.Get(ctx, "k")
			assert.ErrorIs(t, err, ErrClosed)
			assert.ErrorIs(t, kv.Put(ctx, "k", nil), ErrClosed)
			_, err = kv.PutIfAbsent(ctx, "k", nil)
			assert.ErrorIs(t, err, ErrClosed)
		})
	}
}

func TestTypedStoreCorruptRecord(t *testing.T) {
	ctx := context.Background()

	type record struct {
		Name string `json:"name"`
	}

	kv := NewMemory()
	store := NewStore[record](kv)

	require.NoError(t, store.Put(ctx, "good", record{Name: "ok"}))
	got, ok, err := store.Get(ctx, "good")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "ok", got.Name)

	// Malformed bytes must surface as corruption, not absence.
	require.NoError(t, kv.Put(ctx, "bad", []byte("{not json")))
	_, ok, err = store.Get(ctx, "bad")
	assert.ErrorIs(t, err, ErrCorrupt)
	assert.False(t, ok)
}

func TestStatsCounters(t *testing.T) {
	ctx := context.Background()
	kv := NewMemory()

	require.NoError(t, kv.Put(ctx, "k", []byte("v")))
	_, _, _ = kv.Get(ctx, "k")
	_, _, _ = kv.Get(ctx, "absent")
	_, _ = kv.PutIfAbsent(ctx, "k2", []byte("v"))
	require.NoError(t, kv.Delete(ctx, "k2"))

	stats := kv.Stats()
	assert.Equal(t, uint64(1), stats.Puts)
	assert.Equal(t, uint64(2), stats.Gets)
	assert.Equal(t, uint64(1), stats.CASPuts)
	assert.Equal(t, uint64(1), stats.Deletes)
	assert.Equal(t, uint64(1), stats.Hits)
	assert.Equal(t, uint64(1), stats.Misses)
	assert.Equal(t, uint64(5), stats.TotalOperations)
	assert.InDelta(t, 50.0, stats.HitRatePercent, 0.01)
}

func TestPrefixEnd(t *testing.T) {
	assert.Equal(t, "b", prefixEnd("a"))
	assert.Equal(t, "a/2", prefixEnd("a/1"))
	assert.Equal(t, "b", prefixEnd("a\xff"))
	assert.Equal(t, "", prefixEnd(""))
	assert.Equal(t, "", prefixEnd("\xff\xff"))
}
