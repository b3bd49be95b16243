package memo

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cwbudde/blackboxserve/internal/request"
)

func testKey(dims int) request.Key {
	return request.Normalize(request.OptimizationRequest{Dimensions: &dims})
}

// backends returns one fresh instance of every Store implementation.
func backends(t *testing.T) map[string]Store {
	t.Helper()
	dir := t.TempDir()

	fs, err := NewFSStore(filepath.Join(dir, "fs"))
	require.NoError(t, err)
	sq, err := NewSQLiteStore(filepath.Join(dir, "cache.db"))
	require.NoError(t, err)

	stores := map[string]Store{
		BackendMemory: NewMemoryStore(),
		BackendFS:     fs,
		BackendSQLite: sq,
	}
	t.Cleanup(func() {
		for _, s := range stores {
			s.Close()
		}
	})
	return stores
}

func TestStoreLookupMissThenHit(t *testing.T) {
	ctx := context.Background()
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			key := testKey(3)

			_, ok, err := s.Lookup(ctx, key)
			require.NoError(t, err)
			assert.False(t, ok)

			require.NoError(t, s.Store(ctx, key, "report-1"))

			report, ok, err := s.Lookup(ctx, key)
			require.NoError(t, err)
			assert.True(t, ok)
			assert.Equal(t, "report-1", report)

			stats, err := s.Stats(ctx)
			require.NoError(t, err)
			assert.Equal(t, name, stats.Backend)
			assert.EqualValues(t, 1, stats.Entries)
			assert.EqualValues(t, 1, stats.Hits)
			assert.EqualValues(t, 1, stats.Misses)
		})
	}
}

func TestStoreOverwrite(t *testing.T) {
	ctx := context.Background()
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			key := testKey(4)
			require.NoError(t, s.Store(ctx, key, "old"))
			require.NoError(t, s.Store(ctx, key, "new"))

			report, ok, err := s.Lookup(ctx, key)
			require.NoError(t, err)
			require.True(t, ok)
			assert.Equal(t, "new", report)

			stats, err := s.Stats(ctx)
			require.NoError(t, err)
			assert.EqualValues(t, 1, stats.Entries)
		})
	}
}

func TestStoreDistinctKeys(t *testing.T) {
	ctx := context.Background()
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			for d := 1; d <= 5; d++ {
				require.NoError(t, s.Store(ctx, testKey(d), fmt.Sprintf("r%d", d)))
			}
			for d := 1; d <= 5; d++ {
				report, ok, err := s.Lookup(ctx, testKey(d))
				require.NoError(t, err)
				require.True(t, ok)
				assert.Equal(t, fmt.Sprintf("r%d", d), report)
			}
		})
	}
}

func TestStoreClear(t *testing.T) {
	ctx := context.Background()
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			require.NoError(t, s.Store(ctx, testKey(1), "a"))
			require.NoError(t, s.Store(ctx, testKey(2), "b"))
			require.NoError(t, s.Clear(ctx))

			stats, err := s.Stats(ctx)
			require.NoError(t, err)
			assert.EqualValues(t, 0, stats.Entries)

			_, ok, err := s.Lookup(ctx, testKey(1))
			require.NoError(t, err)
			assert.False(t, ok)
		})
	}
}

func TestStoreConcurrentSameKey(t *testing.T) {
	ctx := context.Background()
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			key := testKey(7)
			const n = 16

			var wg sync.WaitGroup
			for i := 0; i < n; i++ {
				wg.Add(1)
				go func(i int) {
					defer wg.Done()
					_, _, err := s.Lookup(ctx, key)
					assert.NoError(t, err)
					assert.NoError(t, s.Store(ctx, key, fmt.Sprintf("report-%d", i)))
				}(i)
			}
			wg.Wait()

			stats, err := s.Stats(ctx)
			require.NoError(t, err)
			assert.EqualValues(t, 1, stats.Entries)

			report, ok, err := s.Lookup(ctx, key)
			require.NoError(t, err)
			require.True(t, ok)
			assert.Contains(t, report, "report-")
		})
	}
}

func TestOpen(t *testing.T) {
	dir := t.TempDir()

	s, err := Open("", dir, "")
	require.NoError(t, err)
	assert.IsType(t, &MemoryStore{}, s)

	s, err = Open(BackendFS, dir, "")
	require.NoError(t, err)
	assert.IsType(t, &FSStore{}, s)

	s, err = Open(BackendSQLite, filepath.Join(dir, "nested"), "")
	require.NoError(t, err)
	assert.IsType(t, &SQLiteStore{}, s)
	require.NoError(t, s.Close())

	_, err = Open("redis", dir, "")
	assert.Error(t, err)
}
