package kv

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// storeFactories builds one instance of every backend so the whole contract
// suite runs against each.
func storeFactories(t *testing.T) map[string]Store {
	t.Helper()

	sqlite, err := NewSQLiteStore(filepath.Join(t.TempDir(), "kv.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = sqlite.Close() })

	mr := miniredis.RunT(t)
	rds := NewRedisStoreFromClient(redis.NewClient(&redis.Options{Addr: mr.Addr()}))
	t.Cleanup(func() { _ = rds.Close() })

	mem := NewMemoryStore()
	t.Cleanup(func() { _ = mem.Close() })

	return map[string]Store{
		"memory": mem,
		"sqlite": sqlite,
		"redis":  rds,
	}
}

func TestStore_GetSetDelete(t *testing.T) {
	ctx := context.Background()
	for name, store := range storeFactories(t) {
		t.Run(name, func(t *testing.T) {
			key := []string{"sessions", "abc"}

			_, err := store.Get(ctx, key)
			assert.ErrorIs(t, err, ErrNotFound)

			require.NoError(t, store.Set(ctx, key, []byte("v1"), 0))
			got, err := store.Get(ctx, key)
			require.NoError(t, err)
			assert.Equal(t, []byte("v1"), got)

			require.NoError(t, store.Set(ctx, key, []byte("v2"), 0))
			got, err = store.Get(ctx, key)
			require.NoError(t, err)
			assert.Equal(t, []byte("v2"), got)

			require.NoError(t, store.Delete(ctx, key))
			_, err = store.Get(ctx, key)
			assert.ErrorIs(t, err, ErrNotFound)

			// Deleting a missing key is not an error.
			assert.NoError(t, store.Delete(ctx, key))
		})
	}
}

func TestStore_CompareAndSwap(t *testing.T) {
	ctx := context.Background()
	for name, store := range storeFactories(t) {
		t.Run(name, func(t *testing.T) {
			key := []string{"counters", name}

			// Create-only CAS succeeds once.
			require.NoError(t, store.CompareAndSwap(ctx, key, nil, []byte("1"), 0))
			assert.ErrorIs(t, store.CompareAndSwap(ctx, key, nil, []byte("2"), 0), ErrConflict)

			// Swap with correct expectation.
			require.NoError(t, store.CompareAndSwap(ctx, key, []byte("1"), []byte("2"), 0))

			// Swap with stale expectation conflicts.
			assert.ErrorIs(t, store.CompareAndSwap(ctx, key, []byte("1"), []byte("3"), 0), ErrConflict)

			got, err := store.Get(ctx, key)
			require.NoError(t, err)
			assert.Equal(t, []byte("2"), got)

			// CAS on a missing key with an expectation conflicts.
			assert.ErrorIs(t,
				store.CompareAndSwap(ctx, []string{"counters", "missing"}, []byte("x"), []byte("y"), 0),
				ErrConflict)
		})
	}
}

func TestStore_Take(t *testing.T) {
	ctx := context.Background()
	for name, store := range storeFactories(t) {
		t.Run(name, func(t *testing.T) {
			key := []string{"oauth", "codes", "code-" + name}
			require.NoError(t, store.Set(ctx, key, []byte("payload"), 0))

			val, err := store.Take(ctx, key)
			require.NoError(t, err)
			assert.Equal(t, []byte("payload"), val)

			// Single use: the second take fails.
			_, err = store.Take(ctx, key)
			assert.ErrorIs(t, err, ErrNotFound)
		})
	}
}

func TestStore_ListPrefix(t *testing.T) {
	ctx := context.Background()
	for name, store := range storeFactories(t) {
		t.Run(name, func(t *testing.T) {
			require.NoError(t, store.Set(ctx, []string{"events", "s1", "00000001"}, []byte("a"), 0))
			require.NoError(t, store.Set(ctx, []string{"events", "s1", "00000002"}, []byte("b"), 0))
			require.NoError(t, store.Set(ctx, []string{"events", "s1", "00000010"}, []byte("c"), 0))
			require.NoError(t, store.Set(ctx, []string{"events", "s2", "00000001"}, []byte("other"), 0))
			require.NoError(t, store.Set(ctx, []string{"eventsx"}, []byte("sibling"), 0))

			entries, err := store.ListPrefix(ctx, []string{"events", "s1"})
			require.NoError(t, err)
			require.Len(t, entries, 3)
			assert.Equal(t, []string{"events", "s1", "00000001"}, entries[0].Key)
			assert.Equal(t, []string{"events", "s1", "00000002"}, entries[1].Key)
			assert.Equal(t, []string{"events", "s1", "00000010"}, entries[2].Key)

			// Prefix must bound to whole segments: "events" must not match "eventsx".
			entries, err = store.ListPrefix(ctx, []string{"events"})
			require.NoError(t, err)
			assert.Len(t, entries, 4)
		})
	}
}

func TestStore_TTLExpiry(t *testing.T) {
	ctx := context.Background()

	t.Run("memory", func(t *testing.T) {
		store := NewMemoryStore()
		now := time.Now()
		store.now = func() time.Time { return now }

		require.NoError(t, store.Set(ctx, []string{"a"}, []byte("v"), time.Minute))
		_, err := store.Get(ctx, []string{"a"})
		require.NoError(t, err)

		now = now.Add(2 * time.Minute)
		_, err = store.Get(ctx, []string{"a"})
		assert.ErrorIs(t, err, ErrNotFound)

		entries, err := store.ListPrefix(ctx, nil)
		require.NoError(t, err)
		assert.Empty(t, entries)
	})

	t.Run("redis", func(t *testing.T) {
		mr := miniredis.RunT(t)
		store := NewRedisStoreFromClient(redis.NewClient(&redis.Options{Addr: mr.Addr()}))
		defer store.Close()

		require.NoError(t, store.Set(ctx, []string{"a"}, []byte("v"), time.Minute))
		mr.FastForward(2 * time.Minute)

		_, err := store.Get(ctx, []string{"a"})
		assert.ErrorIs(t, err, ErrNotFound)
	})
}

func TestKeyCodec(t *testing.T) {
	t.Parallel()

	cases := [][]string{
		{"sessions", "abc-123"},
		{"oauth", "codes", "with/slash"},
		{"weird", `back\slash`},
		{"single"},
		{"", "empty", ""},
	}
	for _, key := range cases {
		assert.Equal(t, key, DecodeKey(EncodeKey(key)))
	}

	// Escaped separators must not leak into the hierarchy.
	encoded := EncodeKey([]string{"a/b", "c"})
	assert.Equal(t, []string{"a/b", "c"}, DecodeKey(encoded))
}

func TestPrefixUpperBound(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "events0", PrefixUpperBound("events/"))
	assert.Equal(t, "b", PrefixUpperBound("a"))
	assert.Equal(t, "", PrefixUpperBound("\xff\xff"))
	assert.Equal(t, "a\xff\xfe\xff", PrefixUpperBound("a\xff\xfe\xfe"))
}
