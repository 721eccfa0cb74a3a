package gc

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/erigontech/finalized-log-index/config"
	"github.com/erigontech/finalized-log-index/core/codec"
	"github.com/erigontech/finalized-log-index/core/types"
	"github.com/erigontech/finalized-log-index/erigon-lib/kv"
	"github.com/erigontech/finalized-log-index/erigon-lib/kv/memkv"
)

// TestRunOnceDeletesOrphanChunkAndStaleTail covers spec.md S5: a tail
// with no manifest and an orphan chunk blob are both removed in one
// pass, and the outcome reports exactly one of each.
func TestRunOnceDeletesOrphanChunkAndStaleTail(t *testing.T) {
	ctx := context.Background()
	store := memkv.New(1)
	cfg := config.Default()
	w := NewWorker(store, store, cfg, nil)

	liveStream := types.StreamID{Kind: types.KindAddr, Value: []byte{1, 2, 3}, Shard: 0}
	staleStream := types.StreamID{Kind: types.KindAddr, Value: []byte{9, 9, 9}, Shard: 0}

	// Live stream: a manifest referencing one chunk that actually exists.
	m := types.Manifest{
		Version:      1,
		LastChunkSeq: 0,
		ApproxCount:  10,
		ChunkRefs:    []types.ChunkRef{{ChunkSeq: 0, MinLocal: 0, MaxLocal: 9, Count: 10}},
	}
	_, err := store.Put(ctx, kv.ManifestKey(liveStream), codec.EncodeManifest(m), kv.PutAny(), 1)
	require.NoError(t, err)
	require.NoError(t, store.PutBlob(ctx, kv.ChunkKey(liveStream, 0), []byte("live chunk bytes")))

	// Orphan chunk blob under the live stream, referenced by no manifest.
	require.NoError(t, store.PutBlob(ctx, kv.ChunkKey(liveStream, 1), []byte("orphan chunk bytes")))

	// Stale tail: a tail record for a stream with no manifest at all.
	_, err = store.Put(ctx, kv.TailKey(staleStream), []byte("tail-bitmap-bytes"), kv.PutAny(), 1)
	require.NoError(t, err)
	// Also give the live stream a tail, which must survive.
	_, err = store.Put(ctx, kv.TailKey(liveStream), []byte("tail-bitmap-bytes"), kv.PutAny(), 1)
	require.NoError(t, err)

	outcome, err := w.RunOnce(ctx, 1)
	require.NoError(t, err)

	require.Equal(t, 1, outcome.DeletedOrphanChunks)
	require.Equal(t, uint64(len("orphan chunk bytes")), outcome.OrphanChunkBytes)
	require.Equal(t, 1, outcome.StaleTailKeys)
	require.Equal(t, 0, outcome.OrphanManifestSegments)
	require.False(t, outcome.ExceededGuardrail)

	_, err = store.GetBlob(ctx, kv.ChunkKey(liveStream, 1))
	require.ErrorIs(t, err, types.ErrNotFound, "orphan chunk must be deleted")
	_, err = store.GetBlob(ctx, kv.ChunkKey(liveStream, 0))
	require.NoError(t, err, "referenced chunk must survive")

	rec, err := store.Get(ctx, kv.TailKey(staleStream))
	require.NoError(t, err)
	require.Nil(t, rec, "stale tail must be deleted")
	rec, err = store.Get(ctx, kv.TailKey(liveStream))
	require.NoError(t, err)
	require.NotNil(t, rec, "live stream's tail must survive")
}

// TestRunOnceCountsOrphanManifestSegment covers the case where a
// manifest references a chunk blob that no longer exists.
func TestRunOnceCountsOrphanManifestSegment(t *testing.T) {
	ctx := context.Background()
	store := memkv.New(1)
	cfg := config.Default()
	w := NewWorker(store, store, cfg, nil)

	stream := types.StreamID{Kind: types.KindTopic0Log, Value: []byte{5}, Shard: 0}
	m := types.Manifest{
		ChunkRefs: []types.ChunkRef{{ChunkSeq: 0, MinLocal: 0, MaxLocal: 1, Count: 2}},
	}
	_, err := store.Put(ctx, kv.ManifestKey(stream), codec.EncodeManifest(m), kv.PutAny(), 1)
	require.NoError(t, err)
	// Note: chunk blob for seq 0 is never written.

	outcome, err := w.RunOnce(ctx, 1)
	require.NoError(t, err)
	require.Equal(t, 1, outcome.OrphanManifestSegments)
	require.Equal(t, 0, outcome.DeletedOrphanChunks)
}

// TestRunOnceExceedsGuardrail checks the guardrail trips once orphan
// bytes cross the configured ceiling.
func TestRunOnceExceedsGuardrail(t *testing.T) {
	ctx := context.Background()
	store := memkv.New(1)
	cfg := config.Default()
	cfg.MaxOrphanChunkBytes = 4
	w := NewWorker(store, store, cfg, nil)

	stream := types.StreamID{Kind: types.KindAddr, Value: []byte{1}, Shard: 0}
	require.NoError(t, store.PutBlob(ctx, kv.ChunkKey(stream, 0), []byte("way more than four bytes")))

	outcome, err := w.RunOnce(ctx, 1)
	require.NoError(t, err)
	require.True(t, outcome.ExceededGuardrail)
}

func TestPruneBlockHashIndexBelow(t *testing.T) {
	ctx := context.Background()
	store := memkv.New(1)
	cfg := config.Default()
	w := NewWorker(store, store, cfg, nil)

	for n := uint64(1); n <= 5; n++ {
		var h types.Hash
		h[0] = byte(n)
		_, err := store.Put(ctx, kv.BlockHashToNumKey(h), codec.EncodeBlockNum(n), kv.PutAny(), 1)
		require.NoError(t, err)
	}

	removed, err := w.PruneBlockHashIndexBelow(ctx, 4, 1)
	require.NoError(t, err)
	require.Equal(t, 3, removed)

	var keep types.Hash
	keep[0] = 4
	rec, err := store.Get(ctx, kv.BlockHashToNumKey(keep))
	require.NoError(t, err)
	require.NotNil(t, rec)

	var gone types.Hash
	gone[0] = 1
	rec, err = store.Get(ctx, kv.BlockHashToNumKey(gone))
	require.NoError(t, err)
	require.Nil(t, rec)
}
