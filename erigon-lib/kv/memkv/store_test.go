package memkv

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/erigontech/finalized-log-index/core/types"
	"github.com/erigontech/finalized-log-index/erigon-lib/kv"
)

func TestPutIfAbsentAndIfVersion(t *testing.T) {
	ctx := context.Background()
	s := New(1)

	res, err := s.Put(ctx, []byte("k"), []byte("v1"), kv.PutIfAbsent(), 1)
	require.NoError(t, err)
	require.True(t, res.Applied)
	require.Equal(t, uint64(1), res.Version)

	res, err = s.Put(ctx, []byte("k"), []byte("v2"), kv.PutIfAbsent(), 1)
	require.NoError(t, err)
	require.False(t, res.Applied)

	res, err = s.Put(ctx, []byte("k"), []byte("v2"), kv.PutIfVersion(1), 1)
	require.NoError(t, err)
	require.True(t, res.Applied)
	require.Equal(t, uint64(2), res.Version)

	res, err = s.Put(ctx, []byte("k"), []byte("v3"), kv.PutIfVersion(1), 1)
	require.NoError(t, err)
	require.False(t, res.Applied)

	rec, err := s.Get(ctx, []byte("k"))
	require.NoError(t, err)
	require.Equal(t, []byte("v2"), rec.Value)
}

// TestFencingRejectsStaleWriter covers property 9: a write at a fence
// below the store's min_epoch fails with ErrLeaseLost and leaves no
// side effects.
func TestFencingRejectsStaleWriter(t *testing.T) {
	ctx := context.Background()
	s := New(1)

	_, err := s.Put(ctx, []byte("k"), []byte("v1"), kv.PutAny(), 1)
	require.NoError(t, err)

	s.SetMinEpoch(5)

	_, err = s.Put(ctx, []byte("k"), []byte("v2"), kv.PutAny(), 3)
	require.ErrorIs(t, err, types.ErrLeaseLost)

	rec, err := s.Get(ctx, []byte("k"))
	require.NoError(t, err)
	require.Equal(t, []byte("v1"), rec.Value, "stale writer must not mutate state")

	err = s.Delete(ctx, []byte("k"), kv.DelAny(), 3)
	require.ErrorIs(t, err, types.ErrLeaseLost)

	rec, err = s.Get(ctx, []byte("k"))
	require.NoError(t, err)
	require.NotNil(t, rec, "stale fenced delete must not apply")

	_, err = s.Put(ctx, []byte("k"), []byte("v3"), kv.PutAny(), 5)
	require.NoError(t, err)
}

func TestListPrefixPaginates(t *testing.T) {
	ctx := context.Background()
	s := New(1)

	for _, k := range []string{"p/a", "p/b", "p/c", "p/d", "q/a"} {
		_, err := s.Put(ctx, []byte(k), []byte("v"), kv.PutAny(), 1)
		require.NoError(t, err)
	}

	var all []string
	var cursor []byte
	for {
		page, err := s.ListPrefix(ctx, []byte("p/"), cursor, 2)
		require.NoError(t, err)
		for _, k := range page.Keys {
			all = append(all, string(k))
		}
		if page.NextCursor == nil {
			break
		}
		cursor = page.NextCursor
	}
	require.Contains(t, all, "p/a")
	require.Contains(t, all, "p/b")
	require.Contains(t, all, "p/c")
	require.Contains(t, all, "p/d")
	require.NotContains(t, all, "q/a")
}

// TestListPrefixSingleKeyPagesMakeProgress pages one key at a time and
// requires the walk to terminate with each key returned exactly once: a
// cursor resuming at-or-after its own boundary key (instead of strictly
// after it) would re-return that key forever and never make progress.
func TestListPrefixSingleKeyPagesMakeProgress(t *testing.T) {
	ctx := context.Background()
	s := New(1)

	for _, k := range []string{"p/a", "p/b", "p/c"} {
		_, err := s.Put(ctx, []byte(k), []byte("v"), kv.PutAny(), 1)
		require.NoError(t, err)
	}

	var all []string
	var cursor []byte
	for i := 0; i < 10; i++ {
		page, err := s.ListPrefix(ctx, []byte("p/"), cursor, 1)
		require.NoError(t, err)
		require.Len(t, page.Keys, 1)
		all = append(all, string(page.Keys[0]))
		if page.NextCursor == nil {
			break
		}
		cursor = page.NextCursor
	}
	require.Equal(t, []string{"p/a", "p/b", "p/c"}, all)
}

func TestBlobRoundtrip(t *testing.T) {
	ctx := context.Background()
	s := New(1)

	require.NoError(t, s.PutBlob(ctx, []byte("chunks/1"), []byte("payload")))
	v, err := s.GetBlob(ctx, []byte("chunks/1"))
	require.NoError(t, err)
	require.Equal(t, []byte("payload"), v)

	require.NoError(t, s.DeleteBlob(ctx, []byte("chunks/1")))
	_, err = s.GetBlob(ctx, []byte("chunks/1"))
	require.ErrorIs(t, err, types.ErrNotFound)
}
