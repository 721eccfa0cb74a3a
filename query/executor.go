package query

import (
	"bytes"
	"context"
	"sort"

	"github.com/RoaringBitmap/roaring/v2"
	"github.com/pkg/errors"

	"github.com/erigontech/finalized-log-index/config"
	"github.com/erigontech/finalized-log-index/core/codec"
	"github.com/erigontech/finalized-log-index/core/types"
	"github.com/erigontech/finalized-log-index/erigon-lib/kv"
)

// Executor runs a QueryPlan against the metadata and blob stores, via
// either the indexed path (union/intersect over streams) or a block-scan
// fallback, then hydrates and exact-match re-filters the surviving
// candidates.
type Executor struct {
	meta kv.MetaStore
	blob kv.BlobStore
	cfg  config.Config
}

// NewExecutor constructs an Executor over the given stores.
func NewExecutor(meta kv.MetaStore, blob kv.BlobStore, cfg config.Config) *Executor {
	return &Executor{meta: meta, blob: blob, cfg: cfg}
}

// Run executes plan and returns matching logs sorted by
// (block_num, tx_idx, log_idx), honoring opts.MaxResults.
func (e *Executor) Run(ctx context.Context, plan QueryPlan, opts types.QueryOptions) ([]types.Log, error) {
	if plan.Empty {
		return nil, nil
	}

	hydrator := NewHydrator(e.meta, e.blob, e.cfg.HydrationMode)

	var candidates []uint64
	var err error
	if plan.ForceBlockScan {
		candidates, err = e.blockScanCandidates(ctx, plan)
	} else {
		candidates, err = e.indexedCandidates(ctx, plan)
	}
	if err != nil {
		return nil, err
	}

	logs := make([]types.Log, 0, len(candidates))
	for _, id := range candidates {
		log, err := hydrator.Load(ctx, id)
		if err != nil {
			if errors.Is(err, types.ErrNotFound) {
				continue
			}
			return nil, err
		}
		if !matchesFilter(log, plan.Filter) {
			continue
		}
		logs = append(logs, log)
	}

	sort.Slice(logs, func(i, j int) bool {
		a, b := logs[i], logs[j]
		if a.BlockNum != b.BlockNum {
			return a.BlockNum < b.BlockNum
		}
		if a.TxIdx != b.TxIdx {
			return a.TxIdx < b.TxIdx
		}
		return a.LogIdx < b.LogIdx
	})

	if opts.MaxResults > 0 && len(logs) > opts.MaxResults {
		logs = logs[:opts.MaxResults]
	}
	return logs, nil
}

// indexedCandidates walks the plan's ordered clauses, unioning each
// clause's values within a stream kind and intersecting across clauses,
// smallest estimate first. A topic0_block clause (when topic0 is handled
// at block granularity) is applied as a post-filter over the surviving
// candidates' block numbers, since the stream only proves "this signature
// occurred somewhere in this block," not which individual log carries it.
func (e *Executor) indexedCandidates(ctx context.Context, plan QueryPlan) ([]uint64, error) {
	var acc *roaring64Set
	for _, clause := range plan.ClauseOrder {
		set, err := e.unionClause(ctx, clause.slot.streamKind(), clause.values, plan.FromLogID, plan.ToLogIDInclusive)
		if err != nil {
			return nil, err
		}
		if acc == nil {
			acc = set
		} else {
			acc = acc.intersect(set)
		}
		if acc.size() == 0 {
			return nil, nil
		}
	}

	if acc == nil {
		// No clause at all: every log in range is a candidate.
		var err error
		acc, err = e.allInRange(ctx, plan.FromLogID, plan.ToLogIDInclusive)
		if err != nil {
			return nil, err
		}
	}

	ids := acc.sorted()

	if plan.Topic0BlockLevel {
		allowedBlocks, err := e.topic0BlockSet(ctx, plan.Topic0BlockValues, plan.ClippedFromBlock, plan.ClippedToBlock)
		if err != nil {
			return nil, err
		}
		ids, err = e.filterByBlockMembership(ctx, ids, allowedBlocks)
		if err != nil {
			return nil, err
		}
	}
	return ids, nil
}

// blockScanCandidates returns every global log id in the clipped block
// range, used when the planner forced a block scan (too-broad query under
// the block_scan policy). The executor's exact-match re-filter does the
// actual narrowing.
func (e *Executor) blockScanCandidates(ctx context.Context, plan QueryPlan) ([]uint64, error) {
	set, err := e.allInRange(ctx, plan.FromLogID, plan.ToLogIDInclusive)
	if err != nil {
		return nil, err
	}
	return set.sorted(), nil
}

// allInRange has no stream to consult, so it derives candidate ids
// directly from the contiguous [fromLogID, toLogIDInclusive] span.
func (e *Executor) allInRange(_ context.Context, fromLogID, toLogIDInclusive uint64) (*roaring64Set, error) {
	set := newRoaring64Set()
	if toLogIDInclusive < fromLogID {
		return set, nil
	}
	for id := fromLogID; id <= toLogIDInclusive; id++ {
		set.add(id)
		if id == toLogIDInclusive {
			break
		}
	}
	return set, nil
}

// unionClause returns the union, across every value in an OR clause, of
// that stream kind's entries within [fromLogID, toLogIDInclusive].
func (e *Executor) unionClause(ctx context.Context, kind types.StreamKind, values [][]byte, fromLogID, toLogIDInclusive uint64) (*roaring64Set, error) {
	set := newRoaring64Set()
	shardLo, localLo := types.SplitLogID(fromLogID)
	shardHi, localHi := types.SplitLogID(toLogIDInclusive)

	for _, value := range values {
		for shard := shardLo; shard <= shardHi; shard++ {
			lo := uint32(0)
			hi := uint32(0xffffffff)
			if shard == shardLo {
				lo = localLo
			}
			if shard == shardHi {
				hi = localHi
			}
			id := types.StreamID{Kind: kind, Value: value, Shard: shard}
			if err := e.addStreamRange(ctx, id, lo, hi, set); err != nil {
				return nil, err
			}
			if shard == 0xffffffff {
				break
			}
		}
	}
	return set, nil
}

func (e *Executor) addStreamRange(ctx context.Context, id types.StreamID, lo, hi uint32, set *roaring64Set) error {
	rec, err := e.meta.Get(ctx, kv.ManifestKey(id))
	if err != nil {
		return errors.Wrap(err, "executor: load manifest")
	}
	if rec != nil {
		m, err := codec.DecodeManifest(rec.Value)
		if err != nil {
			return err
		}
		for _, ref := range m.ChunkRefs {
			if !ref.Overlaps(lo, hi) {
				continue
			}
			blobBytes, err := e.blob.GetBlob(ctx, kv.ChunkKey(id, ref.ChunkSeq))
			if err != nil {
				return errors.Wrapf(err, "executor: load chunk %s/%d", id.String(), ref.ChunkSeq)
			}
			if e.cfg.ChunkCompression {
				blobBytes, err = codec.DecompressChunkBlob(blobBytes)
				if err != nil {
					return err
				}
			}
			chunk, err := codec.DecodeChunk(blobBytes)
			if err != nil {
				return err
			}
			addBitmapRange(set, chunk.Bitmap, id.Shard, lo, hi)
		}
	}

	tailRec, err := e.meta.Get(ctx, kv.TailKey(id))
	if err != nil {
		return errors.Wrap(err, "executor: load tail")
	}
	if tailRec != nil {
		bm, err := codec.DecodeTail(tailRec.Value)
		if err != nil {
			return err
		}
		addBitmapRange(set, bm, id.Shard, lo, hi)
	}
	return nil
}

func addBitmapRange(set *roaring64Set, bm *roaring.Bitmap, shard uint32, lo, hi uint32) {
	it := bm.Iterator()
	it.AdvanceIfNeeded(lo)
	for it.HasNext() {
		local := it.Next()
		if local > hi {
			break
		}
		set.add(types.JoinLogID(shard, local))
	}
}

// topic0BlockSet loads every topic0_block stream for the given signatures
// and returns the set of block numbers (as a local-id union, since
// topic0_block streams are indexed by block number via the same
// shard/local split as logs) in [fromBlock, toBlock].
func (e *Executor) topic0BlockSet(ctx context.Context, sigs [][]byte, fromBlock, toBlock uint64) (map[uint64]bool, error) {
	set := newRoaring64Set()
	if _, err := e.unionClauseInto(ctx, types.KindTopic0Blk, sigs, fromBlock, toBlock, set); err != nil {
		return nil, err
	}
	blocks := make(map[uint64]bool, set.size())
	for _, v := range set.sorted() {
		blocks[v] = true
	}
	return blocks, nil
}

func (e *Executor) unionClauseInto(ctx context.Context, kind types.StreamKind, values [][]byte, fromBlock, toBlock uint64, set *roaring64Set) (*roaring64Set, error) {
	shardLo, localLo := types.SplitLogID(fromBlock)
	shardHi, localHi := types.SplitLogID(toBlock)
	for _, value := range values {
		for shard := shardLo; shard <= shardHi; shard++ {
			lo := uint32(0)
			hi := uint32(0xffffffff)
			if shard == shardLo {
				lo = localLo
			}
			if shard == shardHi {
				hi = localHi
			}
			id := types.StreamID{Kind: kind, Value: value, Shard: shard}
			if err := e.addStreamRange(ctx, id, lo, hi, set); err != nil {
				return nil, err
			}
			if shard == 0xffffffff {
				break
			}
		}
	}
	return set, nil
}

func (e *Executor) filterByBlockMembership(ctx context.Context, ids []uint64, allowedBlocks map[uint64]bool) ([]uint64, error) {
	out := make([]uint64, 0, len(ids))
	blockMetaCache := make(map[uint64]bool)
	for _, id := range ids {
		log, err := e.peekBlockNum(ctx, id)
		if err != nil {
			if errors.Is(err, types.ErrNotFound) {
				continue
			}
			return nil, err
		}
		ok, cached := blockMetaCache[log]
		if !cached {
			ok = allowedBlocks[log]
			blockMetaCache[log] = ok
		}
		if ok {
			out = append(out, id)
		}
	}
	return out, nil
}

// peekBlockNum reads a candidate log just to extract its block number for
// the topic0_block post-filter, ahead of the executor's own full hydration
// pass (the direct-key log record always carries block_num, so this is a
// cheap single-record fetch rather than a second pass over the blob
// hydration path).
func (e *Executor) peekBlockNum(ctx context.Context, globalID uint64) (uint64, error) {
	rec, err := e.meta.Get(ctx, kv.LogKey(globalID))
	if err != nil {
		return 0, errors.Wrap(err, "executor: peek log")
	}
	if rec == nil {
		return 0, types.ErrNotFound
	}
	log, err := codec.DecodeLog(rec.Value)
	if err != nil {
		return 0, err
	}
	return log.BlockNum, nil
}

// matchesFilter is the final exact-match re-filter: every candidate the
// indexed or block-scan path surfaces must still be checked against the
// full filter, since chunk/tail membership and the topic0_block post-filter
// are both coarse (shard/local-range and block-level, not log-exact).
func matchesFilter(log types.Log, filter types.Filter) bool {
	if filter.BlockHash != nil && !bytes.Equal(log.BlockHash[:], filter.BlockHash[:]) {
		return false
	}
	if filter.FromBlock != nil && log.BlockNum < *filter.FromBlock {
		return false
	}
	if filter.ToBlock != nil && log.BlockNum > *filter.ToBlock {
		return false
	}
	if !matchesClause(filter.Addr, log.Address[:]) {
		return false
	}
	for i, clause := range filter.Topics {
		if clause.IsAny() {
			continue
		}
		topic, ok := log.Topic(i)
		if !ok {
			return false
		}
		if !matchesClause(clause, topic[:]) {
			return false
		}
	}
	return true
}

func matchesClause(clause types.Clause, value []byte) bool {
	if clause.IsAny() {
		return true
	}
	for _, v := range clause.Values() {
		if bytes.Equal(v, value) {
			return true
		}
	}
	return false
}
