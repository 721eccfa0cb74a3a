// Package gc implements the reachability-scan garbage collector (spec.md
// §4.I) and the block-hash retention-pruning sweep it also owns.
//
// Grounded on original_source's gc/worker.rs: list manifests, build the
// referenced-chunk set, delete unreferenced chunk blobs, delete tails
// whose stream has no manifest. Unlike original_source's worker (which
// bypasses fencing with FenceToken::MAX), this module's GC writes under
// the caller's real current fence, per SPEC_FULL.md §9 ("GC fencing").
package gc

import (
	"context"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/erigontech/finalized-log-index/config"
	"github.com/erigontech/finalized-log-index/core/codec"
	"github.com/erigontech/finalized-log-index/core/types"
	"github.com/erigontech/finalized-log-index/erigon-lib/kv"
)

const listPageSize = 256

// Worker runs the reachability-scan GC pass and the block-hash index
// pruning operation over the same metadata/blob stores an ingest Engine
// writes to.
type Worker struct {
	meta   kv.MetaStore
	blob   kv.BlobStore
	cfg    config.Config
	logger *zap.Logger
}

// NewWorker constructs a Worker over the given stores.
func NewWorker(meta kv.MetaStore, blob kv.BlobStore, cfg config.Config, logger *zap.Logger) *Worker {
	return &Worker{meta: meta, blob: blob, cfg: cfg, logger: logger}
}

// RunOnce performs a single GC pass: §4.I steps 1-4.
func (w *Worker) RunOnce(ctx context.Context, fence kv.FenceToken) (types.GCOutcome, error) {
	referencedChunks, liveStreams, err := w.scanManifests(ctx)
	if err != nil {
		return types.GCOutcome{}, err
	}

	existingChunks, err := w.listBlobKeys(ctx, kv.ChunksPrefix())
	if err != nil {
		return types.GCOutcome{}, err
	}

	var outcome types.GCOutcome
	for chunkKey := range existingChunks {
		if referencedChunks[chunkKey] {
			continue
		}
		payload, err := w.blob.GetBlob(ctx, []byte(chunkKey))
		if err != nil {
			return types.GCOutcome{}, errors.Wrap(err, "gc: load orphan chunk")
		}
		outcome.OrphanChunkBytes += uint64(len(payload))
		if err := w.blob.DeleteBlob(ctx, []byte(chunkKey)); err != nil {
			return types.GCOutcome{}, errors.Wrap(err, "gc: delete orphan chunk")
		}
		outcome.DeletedOrphanChunks++
	}

	// A manifest segment is orphaned the other direction: it references a
	// chunk key the blob store no longer has. Distinct from the count
	// above, which counts unreferenced blobs.
	for chunkKey := range referencedChunks {
		if !existingChunks[chunkKey] {
			outcome.OrphanManifestSegments++
		}
	}

	staleTails, err := w.deleteStaleTails(ctx, liveStreams, fence)
	if err != nil {
		return types.GCOutcome{}, err
	}
	outcome.StaleTailKeys = staleTails

	outcome.ExceededGuardrail = outcome.OrphanChunkBytes > uint64(w.cfg.MaxOrphanChunkBytes) ||
		outcome.OrphanManifestSegments > w.cfg.MaxOrphanManifestSegments ||
		outcome.StaleTailKeys > w.cfg.MaxStaleTailKeys

	if w.logger != nil {
		w.logger.Info("gc pass complete",
			zap.Uint64("orphan_chunk_bytes", outcome.OrphanChunkBytes),
			zap.Int("deleted_orphan_chunks", outcome.DeletedOrphanChunks),
			zap.Int("stale_tail_keys", outcome.StaleTailKeys),
			zap.Int("orphan_manifest_segments", outcome.OrphanManifestSegments),
			zap.Bool("exceeded_guardrail", outcome.ExceededGuardrail))
	}
	return outcome, nil
}

// scanManifests lists every manifests/* record, decodes it, and returns
// the set of chunk blob keys it references plus the set of stream ids
// that have a manifest at all (live streams, for the stale-tail check).
func (w *Worker) scanManifests(ctx context.Context) (map[string]bool, map[string]bool, error) {
	referenced := make(map[string]bool)
	live := make(map[string]bool)

	var cursor []byte
	for {
		page, err := w.meta.ListPrefix(ctx, kv.ManifestsPrefix(), cursor, listPageSize)
		if err != nil {
			return nil, nil, errors.Wrap(err, "gc: list manifests")
		}
		for _, key := range page.Keys {
			streamID, ok := kv.ParseStreamIDFromManifestKey(key)
			if !ok {
				continue
			}
			live[streamID.String()] = true

			rec, err := w.meta.Get(ctx, key)
			if err != nil {
				return nil, nil, errors.Wrap(err, "gc: load manifest")
			}
			if rec == nil {
				continue
			}
			m, err := codec.DecodeManifest(rec.Value)
			if err != nil {
				return nil, nil, err
			}
			for _, ref := range m.ChunkRefs {
				referenced[string(kv.ChunkKey(streamID, ref.ChunkSeq))] = true
			}
		}
		if page.NextCursor == nil {
			break
		}
		cursor = page.NextCursor
	}
	return referenced, live, nil
}

func (w *Worker) listBlobKeys(ctx context.Context, prefix []byte) (map[string]bool, error) {
	out := make(map[string]bool)
	var cursor []byte
	for {
		page, err := w.blob.ListPrefix(ctx, prefix, cursor, listPageSize)
		if err != nil {
			return nil, errors.Wrap(err, "gc: list blobs")
		}
		for _, key := range page.Keys {
			out[string(key)] = true
		}
		if page.NextCursor == nil {
			break
		}
		cursor = page.NextCursor
	}
	return out, nil
}

// deleteStaleTails deletes every tails/* record whose stream id has no
// live manifest, per spec.md §4.I step 3.
func (w *Worker) deleteStaleTails(ctx context.Context, liveStreams map[string]bool, fence kv.FenceToken) (int, error) {
	deleted := 0
	var cursor []byte
	for {
		page, err := w.meta.ListPrefix(ctx, kv.TailsPrefix(), cursor, listPageSize)
		if err != nil {
			return deleted, errors.Wrap(err, "gc: list tails")
		}
		for _, key := range page.Keys {
			streamID, ok := kv.ParseStreamIDFromTailKey(key)
			if !ok {
				continue
			}
			if liveStreams[streamID.String()] {
				continue
			}
			if err := w.meta.Delete(ctx, key, kv.DelAny(), fence); err != nil {
				return deleted, errors.Wrap(err, "gc: delete stale tail")
			}
			deleted++
		}
		if page.NextCursor == nil {
			break
		}
		cursor = page.NextCursor
	}
	return deleted, nil
}
