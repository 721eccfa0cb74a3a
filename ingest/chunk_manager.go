// Package ingest implements the chunk/manifest manager (spec.md §4.D) and
// the main block-ingest pipeline (§4.F).
package ingest

import (
	"context"
	"time"

	"github.com/RoaringBitmap/roaring/v2"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/erigontech/finalized-log-index/config"
	"github.com/erigontech/finalized-log-index/core/codec"
	"github.com/erigontech/finalized-log-index/core/types"
	"github.com/erigontech/finalized-log-index/erigon-lib/kv"
)

// ChunkManager owns a stream's tail bitmap and decides when to seal it
// into an immutable chunk, per spec.md §4.D's ordered seal triggers.
type ChunkManager struct {
	meta   kv.MetaStore
	blob   kv.BlobStore
	cfg    config.Config
	logger *zap.Logger
	nowFn  func() uint64
}

// NewChunkManager constructs a ChunkManager over the given stores.
func NewChunkManager(meta kv.MetaStore, blob kv.BlobStore, cfg config.Config, logger *zap.Logger) *ChunkManager {
	return &ChunkManager{
		meta:   meta,
		blob:   blob,
		cfg:    cfg,
		logger: logger,
		nowFn:  func() uint64 { return uint64(time.Now().Unix()) },
	}
}

// manifestState bundles a decoded manifest with the store-level CAS
// version it was read at (distinct from Manifest.Version, the logical
// append counter the codec carries).
type manifestState struct {
	manifest     types.Manifest
	storeVersion uint64
	exists       bool
}

func (c *ChunkManager) loadManifest(ctx context.Context, id types.StreamID) (manifestState, error) {
	rec, err := c.meta.Get(ctx, kv.ManifestKey(id))
	if err != nil {
		return manifestState{}, errors.Wrapf(err, "load manifest %s", id.String())
	}
	if rec == nil {
		return manifestState{}, nil
	}
	m, err := codec.DecodeManifest(rec.Value)
	if err != nil {
		return manifestState{}, err
	}
	return manifestState{manifest: m, storeVersion: rec.Version, exists: true}, nil
}

// loadTail returns the stream's current tail bitmap, a fresh empty one if
// none exists yet.
func (c *ChunkManager) loadTail(ctx context.Context, id types.StreamID) (*roaring.Bitmap, error) {
	rec, err := c.meta.Get(ctx, kv.TailKey(id))
	if err != nil {
		return nil, errors.Wrapf(err, "load tail %s", id.String())
	}
	if rec == nil {
		return roaring.New(), nil
	}
	bm, err := codec.DecodeTail(rec.Value)
	if err != nil {
		return nil, err
	}
	return bm, nil
}

func (c *ChunkManager) saveTail(ctx context.Context, id types.StreamID, bm *roaring.Bitmap, fence kv.FenceToken) error {
	buf, err := codec.EncodeTail(bm)
	if err != nil {
		return err
	}
	res, err := c.meta.Put(ctx, kv.TailKey(id), buf, kv.PutAny(), fence)
	if err != nil {
		return errors.Wrapf(err, "save tail %s", id.String())
	}
	if !res.Applied {
		return types.ErrCasConflict
	}
	return nil
}

// shouldSeal evaluates the three seal triggers in the order spec.md §4.D
// defines them. last_seal_unix_sec == 0 (a never-sealed stream) never
// satisfies the time trigger on its own, per SPEC_FULL.md §9's resolution
// of the "never seal on time alone" open question.
func (c *ChunkManager) shouldSeal(tail *roaring.Bitmap, m types.Manifest) bool {
	if tail.GetCardinality() >= uint64(c.cfg.TargetEntriesPerChunk) {
		return true
	}
	if tailSize, err := codec.EncodeTail(tail); err == nil && uint64(len(tailSize)) >= uint64(c.cfg.TargetChunkBytes) {
		return true
	}
	if m.LastSealUnixSec != 0 && !tail.IsEmpty() && c.nowFn()-m.LastSealUnixSec >= c.cfg.MaintenanceSealSeconds {
		return true
	}
	return false
}

// AppendLocal appends localIDs to the stream's tail, then seals if any
// trigger fires. Returns whether a seal occurred.
func (c *ChunkManager) AppendLocal(ctx context.Context, id types.StreamID, localIDs []uint32, fence kv.FenceToken) (sealed bool, err error) {
	tail, err := c.loadTail(ctx, id)
	if err != nil {
		return false, err
	}
	tail.AddMany(localIDs)

	ms, err := c.loadManifest(ctx, id)
	if err != nil {
		return false, err
	}

	if c.shouldSeal(tail, ms.manifest) {
		if err := c.seal(ctx, id, tail, ms, fence); err != nil {
			return false, err
		}
		return true, nil
	}
	if err := c.saveTail(ctx, id, tail, fence); err != nil {
		return false, err
	}
	return false, nil
}

// SealIfNeeded runs the seal-check path with no new appends, used by
// periodic maintenance so time-based seals can fire while ingest is idle.
func (c *ChunkManager) SealIfNeeded(ctx context.Context, id types.StreamID, fence kv.FenceToken) (sealed bool, err error) {
	tail, err := c.loadTail(ctx, id)
	if err != nil {
		return false, err
	}
	ms, err := c.loadManifest(ctx, id)
	if err != nil {
		return false, err
	}
	if !c.shouldSeal(tail, ms.manifest) {
		return false, nil
	}
	if err := c.seal(ctx, id, tail, ms, fence); err != nil {
		return false, err
	}
	return true, nil
}

// seal assigns the next chunk sequence, writes the chunk blob, then
// CAS-installs the updated manifest before resetting the tail. Write then
// publish: the blob exists before any manifest can reference it.
func (c *ChunkManager) seal(ctx context.Context, id types.StreamID, tail *roaring.Bitmap, ms manifestState, fence kv.FenceToken) error {
	if tail.IsEmpty() {
		return nil
	}
	chunkSeq := ms.manifest.LastChunkSeq + 1
	minLocal := tail.Minimum()
	maxLocal := tail.Maximum()
	count := uint32(tail.GetCardinality())

	blobBytes, err := codec.EncodeChunk(codec.ChunkBlob{
		MinLocal: minLocal,
		MaxLocal: maxLocal,
		Count:    count,
		Bitmap:   tail,
	})
	if err != nil {
		return err
	}
	if c.cfg.ChunkCompression {
		blobBytes = codec.CompressChunkBlob(blobBytes)
	}
	if err := c.blob.PutBlob(ctx, kv.ChunkKey(id, chunkSeq), blobBytes); err != nil {
		return errors.Wrapf(err, "seal %s: write chunk blob", id.String())
	}

	newManifest := types.Manifest{
		Version:         ms.manifest.Version + 1,
		LastChunkSeq:    chunkSeq,
		ApproxCount:     ms.manifest.ApproxCount + uint64(count),
		LastSealUnixSec: c.nowFn(),
		ChunkRefs: append(append([]types.ChunkRef(nil), ms.manifest.ChunkRefs...), types.ChunkRef{
			ChunkSeq: chunkSeq,
			MinLocal: minLocal,
			MaxLocal: maxLocal,
			Count:    count,
		}),
	}

	var cond kv.PutCond
	if ms.exists {
		cond = kv.PutIfVersion(ms.storeVersion)
	} else {
		cond = kv.PutIfAbsent()
	}
	res, err := c.meta.Put(ctx, kv.ManifestKey(id), codec.EncodeManifest(newManifest), cond, fence)
	if err != nil {
		return errors.Wrapf(err, "seal %s: commit manifest", id.String())
	}
	if !res.Applied {
		return types.ErrCasConflict
	}

	empty := roaring.New()
	if err := c.saveTail(ctx, id, empty, fence); err != nil {
		return err
	}
	if c.logger != nil {
		c.logger.Debug("sealed stream chunk",
			zap.String("stream", id.String()),
			zap.Uint64("chunk_seq", chunkSeq),
			zap.Uint32("count", count))
	}
	return nil
}
