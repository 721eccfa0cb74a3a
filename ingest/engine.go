package ingest

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/erigontech/finalized-log-index/config"
	"github.com/erigontech/finalized-log-index/core/codec"
	"github.com/erigontech/finalized-log-index/core/types"
	"github.com/erigontech/finalized-log-index/erigon-lib/kv"
	"github.com/erigontech/finalized-log-index/topic0"
)

// Engine is the main ingest pipeline: validates sequencing, assigns log
// ids, writes logs and block metadata, fans out per-stream appends, and
// commits the new head-of-state via CAS. Grounded on original_source's
// ingest/engine.rs, method-for-method.
type Engine struct {
	meta   kv.MetaStore
	blob   kv.BlobStore
	cm     *ChunkManager
	cfg    config.Config
	logger *zap.Logger
	nowFn  func() uint64
}

// NewEngine constructs an Engine over the given stores.
func NewEngine(meta kv.MetaStore, blob kv.BlobStore, cfg config.Config, logger *zap.Logger) *Engine {
	return &Engine{
		meta:   meta,
		blob:   blob,
		cm:     NewChunkManager(meta, blob, cfg, logger),
		cfg:    cfg,
		logger: logger,
		nowFn:  func() uint64 { return uint64(time.Now().Unix()) },
	}
}

func (e *Engine) loadState(ctx context.Context) (types.MetaState, uint64, bool, error) {
	rec, err := e.meta.Get(ctx, kv.MetaStateKey())
	if err != nil {
		return types.MetaState{}, 0, false, errors.Wrap(err, "load state")
	}
	if rec == nil {
		return types.MetaState{}, 0, false, nil
	}
	s, err := codec.DecodeMetaState(rec.Value)
	if err != nil {
		return types.MetaState{}, 0, false, err
	}
	return s, rec.Version, true, nil
}

func (e *Engine) loadBlockMeta(ctx context.Context, blockNum uint64) (types.BlockMeta, bool, error) {
	rec, err := e.meta.Get(ctx, kv.BlockMetaKey(blockNum))
	if err != nil {
		return types.BlockMeta{}, false, errors.Wrapf(err, "load block meta %d", blockNum)
	}
	if rec == nil {
		return types.BlockMeta{}, false, nil
	}
	m, err := codec.DecodeBlockMeta(rec.Value)
	if err != nil {
		return types.BlockMeta{}, false, err
	}
	return m, true, nil
}

func (e *Engine) loadTopic0Mode(ctx context.Context, sig types.Hash) (types.Topic0Mode, uint64, bool, error) {
	rec, err := e.meta.Get(ctx, kv.Topic0ModeKey(sig[:]))
	if err != nil {
		return types.Topic0Mode{}, 0, false, errors.Wrap(err, "load topic0 mode")
	}
	if rec == nil {
		return types.Topic0Mode{}, 0, false, nil
	}
	m, err := codec.DecodeTopic0Mode(rec.Value)
	if err != nil {
		return types.Topic0Mode{}, 0, false, err
	}
	return m, rec.Version, true, nil
}

func (e *Engine) loadTopic0Stats(ctx context.Context, sig types.Hash) (types.Topic0Stats, bool, error) {
	rec, err := e.meta.Get(ctx, kv.Topic0StatsKey(sig[:]))
	if err != nil {
		return types.Topic0Stats{}, false, errors.Wrap(err, "load topic0 stats")
	}
	if rec == nil {
		return topic0.NewStats(e.cfg.Topic0RingWindowBlocks), false, nil
	}
	s, err := codec.DecodeTopic0Stats(rec.Value)
	if err != nil {
		return types.Topic0Stats{}, false, err
	}
	return s, true, nil
}

// IngestFinalizedBlock validates and sequences block B, then commits it.
func (e *Engine) IngestFinalizedBlock(ctx context.Context, block types.Block, fence kv.FenceToken) (types.IngestOutcome, error) {
	state, stateVersion, stateExists, err := e.loadState(ctx)
	if err != nil {
		return types.IngestOutcome{}, err
	}

	if err := e.checkSequence(ctx, state, block); err != nil {
		return types.IngestOutcome{}, err
	}

	firstLogID := state.NextLogID
	count := len(block.Logs)

	// Step 2: write logs.
	for i, log := range block.Logs {
		encoded, err := codec.EncodeLog(log)
		if err != nil {
			return types.IngestOutcome{}, err
		}
		if _, err := e.meta.Put(ctx, kv.LogKey(firstLogID+uint64(i)), encoded, kv.PutAny(), fence); err != nil {
			return types.IngestOutcome{}, wrapBackend(err, "write log")
		}
	}

	// Optional locator-indirected hydration path (see SPEC_FULL.md §9):
	// pack the block's logs into one blob and record a locator per log.
	// Kept symmetric with the direct-key path above so either satisfies
	// the query correctness property on its own.
	if e.cfg.HydrationMode == config.HydrationLocator {
		if err := e.writeLogBlobAndLocators(ctx, block, firstLogID, fence); err != nil {
			return types.IngestOutcome{}, err
		}
	}

	// Step 3: write block meta and hash index.
	bm := types.BlockMeta{
		BlockHash:  block.BlockHash,
		ParentHash: block.ParentHash,
		FirstLogID: firstLogID,
		Count:      uint32(count),
	}
	if _, err := e.meta.Put(ctx, kv.BlockMetaKey(block.BlockNum), codec.EncodeBlockMeta(bm), kv.PutAny(), fence); err != nil {
		return types.IngestOutcome{}, wrapBackend(err, "write block meta")
	}
	if _, err := e.meta.Put(ctx, kv.BlockHashToNumKey(block.BlockHash), codec.EncodeBlockNum(block.BlockNum), kv.PutAny(), fence); err != nil {
		return types.IngestOutcome{}, wrapBackend(err, "write block hash index")
	}

	// Load topic0 modes for every distinct signature, before this block's
	// own stats update, to drive step 4's topic0_log decision.
	signatures := distinctTopic0Signatures(block)
	modes := make(map[types.Hash]types.Topic0Mode, len(signatures))
	modeVersions := make(map[types.Hash]uint64, len(signatures))
	modeExisted := make(map[types.Hash]bool, len(signatures))
	for _, sig := range signatures {
		mode, version, exists, err := e.loadTopic0Mode(ctx, sig)
		if err != nil {
			return types.IngestOutcome{}, err
		}
		modes[sig] = mode
		modeVersions[sig] = version
		modeExisted[sig] = exists
	}

	// Step 4: derive per-stream appends.
	appends := collectStreamAppends(block, firstLogID, func(sig types.Hash) bool {
		return topic0.LogEnabledForBlock(modes[sig])
	})
	order, byStream := groupByStream(appends)

	// Step 5: update each affected stream's tail, sealing as needed.
	for _, streamID := range order {
		locals := byStream[streamID.String()]
		if _, err := e.cm.AppendLocal(ctx, streamID, locals, fence); err != nil {
			return types.IngestOutcome{}, err
		}
	}

	// Step 6: update topic0 stats/mode for every signature observed in this
	// block, seenInBlock=true.
	seenThisBlock := make(map[types.Hash]bool, len(signatures))
	for _, sig := range signatures {
		seenThisBlock[sig] = true

		stats, _, err := e.loadTopic0Stats(ctx, sig)
		if err != nil {
			return types.IngestOutcome{}, err
		}
		topic0.AdvanceToBlock(&stats, block.BlockNum, true)
		newMode := topic0.ApplyHysteresis(modes[sig], stats, block.BlockNum)

		if _, err := e.meta.Put(ctx, kv.Topic0StatsKey(sig[:]), codec.EncodeTopic0Stats(stats), kv.PutAny(), fence); err != nil {
			return types.IngestOutcome{}, wrapBackend(err, "write topic0 stats")
		}
		var modeCond kv.PutCond
		if modeExisted[sig] {
			modeCond = kv.PutIfVersion(modeVersions[sig])
		} else {
			modeCond = kv.PutIfAbsent()
		}
		res, err := e.meta.Put(ctx, kv.Topic0ModeKey(sig[:]), codec.EncodeTopic0Mode(newMode), modeCond, fence)
		if err != nil {
			return types.IngestOutcome{}, wrapBackend(err, "write topic0 mode")
		}
		if !res.Applied {
			return types.IngestOutcome{}, types.ErrCasConflict
		}
	}

	// Every other known signature is lazily aged with seenInBlock=false, so
	// its window keeps sliding forward on blocks where it doesn't occur
	// (spec.md §3: "may be lazily updated on other blocks to age the
	// window"). Without this, a signature seen once would freeze at
	// whatever ratio that one block left it at and never cross either
	// hysteresis threshold.
	if err := e.lazilyAgeOtherTopic0Signatures(ctx, block.BlockNum, seenThisBlock, fence); err != nil {
		return types.IngestOutcome{}, err
	}

	// Step 7: CAS-commit the new head-of-state.
	newState := types.MetaState{
		IndexedFinalizedHead: block.BlockNum,
		NextLogID:            firstLogID + uint64(count),
		WriterEpoch:          uint64(fence),
	}
	var stateCond kv.PutCond
	if stateExists {
		stateCond = kv.PutIfVersion(stateVersion)
	} else {
		stateCond = kv.PutIfAbsent()
	}
	res, err := e.meta.Put(ctx, kv.MetaStateKey(), codec.EncodeMetaState(newState), stateCond, fence)
	if err != nil {
		return types.IngestOutcome{}, wrapBackend(err, "commit state")
	}
	if !res.Applied {
		// A retry that arrives after a previous attempt's state CAS landed
		// observes state.head == B already and should be treated as a
		// success rather than a conflict, per spec.md §4.F's idempotency
		// note. Re-read to distinguish the two cases.
		current, _, _, err := e.loadState(ctx)
		if err != nil {
			return types.IngestOutcome{}, err
		}
		if current.IndexedFinalizedHead == block.BlockNum {
			return types.IngestOutcome{IndexedFinalizedHead: current.IndexedFinalizedHead, WrittenLogs: count}, nil
		}
		return types.IngestOutcome{}, types.ErrCasConflict
	}

	if e.logger != nil {
		e.logger.Info("ingested block",
			zap.Uint64("block_num", block.BlockNum),
			zap.Int("logs", count))
	}
	return types.IngestOutcome{IndexedFinalizedHead: newState.IndexedFinalizedHead, WrittenLogs: count}, nil
}

func (e *Engine) writeLogBlobAndLocators(ctx context.Context, block types.Block, firstLogID uint64, fence kv.FenceToken) error {
	var packed []byte
	offsets := make([]uint32, len(block.Logs))
	lens := make([]uint32, len(block.Logs))
	for i, log := range block.Logs {
		encoded, err := codec.EncodeLog(log)
		if err != nil {
			return err
		}
		offsets[i] = uint32(len(packed))
		lens[i] = uint32(len(encoded))
		packed = append(packed, encoded...)
	}
	blobKey := kv.LogBlobKey(block.BlockNum)
	if err := e.blob.PutBlob(ctx, blobKey, packed); err != nil {
		return wrapBackend(err, "write log blob")
	}
	for i := range block.Logs {
		loc := types.LogLocator{BlobKey: blobKey, ByteOffset: offsets[i], ByteLen: lens[i]}
		encoded, err := codec.EncodeLogLocator(loc)
		if err != nil {
			return err
		}
		if _, err := e.meta.Put(ctx, kv.LogLocatorKey(firstLogID+uint64(i)), encoded, kv.PutAny(), fence); err != nil {
			return wrapBackend(err, "write log locator")
		}
	}
	return nil
}

func (e *Engine) checkSequence(ctx context.Context, state types.MetaState, block types.Block) error {
	expected := state.IndexedFinalizedHead + 1
	if block.BlockNum != expected {
		return &types.InvalidSequenceError{Expected: expected, Got: block.BlockNum}
	}
	if state.IndexedFinalizedHead == 0 {
		if block.ParentHash != (types.Hash{}) {
			return types.ErrInvalidParent
		}
		return nil
	}
	headMeta, ok, err := e.loadBlockMeta(ctx, state.IndexedFinalizedHead)
	if err != nil {
		return err
	}
	if !ok {
		return types.ErrFinalityViolation
	}
	if block.ParentHash != headMeta.BlockHash {
		return types.ErrInvalidParent
	}
	return nil
}

// RunPeriodicMaintenance iterates every stream's tail and runs the seal
// check with no new appends, allowing time-based seals to fire while
// ingest is idle.
func (e *Engine) RunPeriodicMaintenance(ctx context.Context, fence kv.FenceToken) (types.MaintenanceOutcome, error) {
	var outcome types.MaintenanceOutcome
	var cursor []byte
	for {
		page, err := e.meta.ListPrefix(ctx, kv.TailsPrefix(), cursor, 256)
		if err != nil {
			return outcome, wrapBackend(err, "list tails")
		}
		for _, key := range page.Keys {
			streamID, ok := kv.ParseStreamIDFromTailKey(key)
			if !ok {
				continue
			}
			outcome.FlushedStreams++
			sealed, err := e.cm.SealIfNeeded(ctx, streamID, fence)
			if err != nil {
				return outcome, err
			}
			if sealed {
				outcome.SealedStreams++
			}
		}
		if page.NextCursor == nil {
			break
		}
		cursor = page.NextCursor
	}
	return outcome, nil
}

// lazilyAgeOtherTopic0Signatures advances every topic0_stats record not
// already updated by this block (skip) to block.BlockNum with
// seenInBlock=false, re-applying hysteresis off the result. This is the
// "lazy update on other blocks" path spec.md §3 and §4.E describe: a
// signature's window only slides when something touches it, so every
// block must age every known signature, not just the ones it carries.
func (e *Engine) lazilyAgeOtherTopic0Signatures(ctx context.Context, blockNum uint64, skip map[types.Hash]bool, fence kv.FenceToken) error {
	var cursor []byte
	for {
		page, err := e.meta.ListPrefix(ctx, kv.Topic0StatsPrefix(), cursor, 256)
		if err != nil {
			return wrapBackend(err, "list topic0 stats")
		}
		for _, key := range page.Keys {
			sig, ok := kv.ParseTopic0SignatureFromStatsKey(key)
			if !ok || skip[sig] {
				continue
			}

			stats, _, err := e.loadTopic0Stats(ctx, sig)
			if err != nil {
				return err
			}
			if stats.LastUpdatedBlock >= blockNum {
				continue
			}
			mode, version, exists, err := e.loadTopic0Mode(ctx, sig)
			if err != nil {
				return err
			}

			topic0.AdvanceToBlock(&stats, blockNum, false)
			newMode := topic0.ApplyHysteresis(mode, stats, blockNum)

			if _, err := e.meta.Put(ctx, kv.Topic0StatsKey(sig[:]), codec.EncodeTopic0Stats(stats), kv.PutAny(), fence); err != nil {
				return wrapBackend(err, "write topic0 stats (lazy age)")
			}
			var modeCond kv.PutCond
			if exists {
				modeCond = kv.PutIfVersion(version)
			} else {
				modeCond = kv.PutIfAbsent()
			}
			res, err := e.meta.Put(ctx, kv.Topic0ModeKey(sig[:]), codec.EncodeTopic0Mode(newMode), modeCond, fence)
			if err != nil {
				return wrapBackend(err, "write topic0 mode (lazy age)")
			}
			if !res.Applied {
				return types.ErrCasConflict
			}
		}
		if page.NextCursor == nil {
			break
		}
		cursor = page.NextCursor
	}
	return nil
}

func distinctTopic0Signatures(block types.Block) []types.Hash {
	seen := make(map[types.Hash]bool)
	var out []types.Hash
	for i := range block.Logs {
		if len(block.Logs[i].Topics) == 0 {
			continue
		}
		sig := block.Logs[i].Topics[0]
		if !seen[sig] {
			seen[sig] = true
			out = append(out, sig)
		}
	}
	return out
}

func wrapBackend(err error, msg string) error {
	if err == types.ErrLeaseLost || err == types.ErrCasConflict {
		return err
	}
	return errors.Wrap(err, msg)
}
