package query

import (
	"context"
	"sort"

	"github.com/RoaringBitmap/roaring/v2"
	"github.com/pkg/errors"

	"github.com/erigontech/finalized-log-index/config"
	"github.com/erigontech/finalized-log-index/core/codec"
	"github.com/erigontech/finalized-log-index/core/types"
	"github.com/erigontech/finalized-log-index/erigon-lib/kv"
)

// Planner builds a QueryPlan from a Filter: clipping the block range,
// estimating each clause's cardinality, and ordering clauses
// smallest-first so the executor's intersection chain starts from the
// tightest bound. Grounded on spec.md §4.G; original_source's own
// query/planner.rs and query/engine.rs snapshots disagree with each other
// and with executor.rs's field usage, so this implementation follows
// spec.md's prose as the primary source.
type Planner struct {
	meta kv.MetaStore
	cfg  config.Config
}

// NewPlanner constructs a Planner over the given metadata store.
func NewPlanner(meta kv.MetaStore, cfg config.Config) *Planner {
	return &Planner{meta: meta, cfg: cfg}
}

// Plan builds a QueryPlan for filter against the given current head. In
// block-hash mode (spec.md §4.H "Block-hash mode") the hash is resolved to
// a block number up front and the filter is rebuilt with from=to=that
// number before the rest of planning proceeds unchanged.
func (p *Planner) Plan(ctx context.Context, filter types.Filter, head uint64) (QueryPlan, error) {
	if filter.IsBlockHashMode() && (filter.FromBlock != nil || filter.ToBlock != nil) {
		return QueryPlan{}, &types.InvalidParamsError{Msg: "block_hash cannot be combined with from_block/to_block"}
	}

	if filter.IsBlockHashMode() {
		resolved, err := p.resolveBlockHash(ctx, filter, *filter.BlockHash)
		if err != nil {
			return QueryPlan{}, err
		}
		filter = resolved
	}

	maxOr := filter.MaxOrTerms()
	if maxOr > p.cfg.PlannerMaxOrTerms {
		switch p.cfg.PlannerBroadQueryPolicy {
		case config.BroadQueryBlockScan:
			plan, err := p.clipRange(ctx, filter, head)
			if err != nil {
				return QueryPlan{}, err
			}
			plan.ForceBlockScan = true
			return plan, nil
		default:
			return QueryPlan{}, &types.QueryTooBroadError{Actual: maxOr, Max: p.cfg.PlannerMaxOrTerms}
		}
	}

	plan, err := p.clipRange(ctx, filter, head)
	if err != nil {
		return QueryPlan{}, err
	}
	if plan.Empty {
		return plan, nil
	}

	if err := p.orderClauses(ctx, &plan, filter); err != nil {
		return QueryPlan{}, err
	}
	return plan, nil
}

func (p *Planner) clipRange(ctx context.Context, filter types.Filter, head uint64) (QueryPlan, error) {
	plan := QueryPlan{Filter: filter}

	from := uint64(0)
	if filter.FromBlock != nil {
		from = *filter.FromBlock
	}
	to := head
	if filter.ToBlock != nil && *filter.ToBlock < to {
		to = *filter.ToBlock
	}

	if head == 0 || from > to || from > head {
		plan.Empty = true
		return plan, nil
	}
	plan.ClippedFromBlock = from
	plan.ClippedToBlock = to

	if from == 0 {
		plan.FromLogID = 0
	} else {
		fromMeta, ok, err := p.loadBlockMeta(ctx, from)
		if err != nil {
			return QueryPlan{}, err
		}
		if !ok {
			plan.Empty = true
			return plan, nil
		}
		plan.FromLogID = fromMeta.FirstLogID
	}

	toMeta, ok, err := p.loadBlockMeta(ctx, to)
	if err != nil {
		return QueryPlan{}, err
	}
	if !ok {
		plan.Empty = true
		return plan, nil
	}
	if toMeta.Count == 0 {
		// An empty block contributes no log ids; fall back to the
		// previous log id so the range stays well-formed.
		if toMeta.FirstLogID == 0 {
			plan.Empty = true
			return plan, nil
		}
		plan.ToLogIDInclusive = toMeta.FirstLogID - 1
	} else {
		plan.ToLogIDInclusive = toMeta.FirstLogID + uint64(toMeta.Count) - 1
	}
	return plan, nil
}

// resolveBlockHash looks up the block number for hash and verifies it
// against the authoritative block_meta record before rebuilding the
// filter with from=to=that number, matching spec.md §4.H's resolve-then-
// verify order. A dangling or mismatched hash index entry surfaces
// NotFound rather than silently scanning the wrong block.
func (p *Planner) resolveBlockHash(ctx context.Context, filter types.Filter, hash types.Hash) (types.Filter, error) {
	rec, err := p.meta.Get(ctx, kv.BlockHashToNumKey(hash))
	if err != nil {
		return types.Filter{}, errors.Wrap(err, "planner: resolve block hash")
	}
	if rec == nil {
		return types.Filter{}, types.ErrNotFound
	}
	blockNum, err := codec.DecodeBlockNum(rec.Value)
	if err != nil {
		return types.Filter{}, err
	}
	meta, ok, err := p.loadBlockMeta(ctx, blockNum)
	if err != nil {
		return types.Filter{}, err
	}
	if !ok || meta.BlockHash != hash {
		return types.Filter{}, types.ErrNotFound
	}
	filter.FromBlock = &blockNum
	filter.ToBlock = &blockNum
	return filter, nil
}

func (p *Planner) loadBlockMeta(ctx context.Context, blockNum uint64) (types.BlockMeta, bool, error) {
	rec, err := p.meta.Get(ctx, kv.BlockMetaKey(blockNum))
	if err != nil {
		return types.BlockMeta{}, false, errors.Wrap(err, "planner: load block meta")
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

// orderClauses estimates each non-Any clause's cardinality and sorts them
// ascending, driving the executor's smallest-first intersection order.
// Topic0 is split off into either a log-level clause (topic0_log, joining
// the ordered list) or a block-level post-filter (topic0_block), per
// spec.md §4.G, based on whether every queried signature currently has
// per-log indexing enabled.
func (p *Planner) orderClauses(ctx context.Context, plan *QueryPlan, filter types.Filter) error {
	var clauses []plannedClause

	if !filter.Addr.IsAny() {
		est, err := p.estimate(ctx, types.KindAddr, filter.Addr.Values(), plan.FromLogID, plan.ToLogIDInclusive)
		if err != nil {
			return err
		}
		clauses = append(clauses, plannedClause{slot: slotAddr, values: filter.Addr.Values(), estimate: est})
	}

	slots := [3]clauseSlot{slotTopic1, slotTopic2, slotTopic3}
	for i, slot := range slots {
		clause := filter.Topics[i+1]
		if clause.IsAny() {
			continue
		}
		est, err := p.estimate(ctx, slot.streamKind(), clause.Values(), plan.FromLogID, plan.ToLogIDInclusive)
		if err != nil {
			return err
		}
		clauses = append(clauses, plannedClause{slot: slot, values: clause.Values(), estimate: est})
	}

	topic0 := filter.Topics[0]
	if !topic0.IsAny() {
		allLogEnabled, err := p.allSignaturesLogEnabled(ctx, topic0.Values())
		if err != nil {
			return err
		}
		if allLogEnabled {
			est, err := p.estimate(ctx, types.KindTopic0Log, topic0.Values(), plan.FromLogID, plan.ToLogIDInclusive)
			if err != nil {
				return err
			}
			clauses = append(clauses, plannedClause{slot: slotTopic0Log, values: topic0.Values(), estimate: est})
		} else {
			plan.Topic0BlockLevel = true
			plan.Topic0BlockValues = topic0.Values()
		}
	}

	sort.SliceStable(clauses, func(i, j int) bool { return clauses[i].estimate < clauses[j].estimate })
	plan.ClauseOrder = clauses
	return nil
}

func (p *Planner) allSignaturesLogEnabled(ctx context.Context, sigs [][]byte) (bool, error) {
	for _, sig := range sigs {
		rec, err := p.meta.Get(ctx, kv.Topic0ModeKey(sig))
		if err != nil {
			return false, errors.Wrap(err, "planner: load topic0 mode")
		}
		if rec == nil {
			return false, nil
		}
		mode, err := codec.DecodeTopic0Mode(rec.Value)
		if err != nil {
			return false, err
		}
		if !mode.LogEnabled {
			return false, nil
		}
	}
	return len(sigs) > 0, nil
}

// estimate sums, over every shard the [fromLogID, toLogIDInclusive] range
// touches, the count of chunks overlapping the local range plus the
// number of tail entries inside it, for every value in the clause (an OR
// clause's estimate is the sum across its values, matching the unioned
// candidate set the executor will actually fetch).
func (p *Planner) estimate(ctx context.Context, kind types.StreamKind, values [][]byte, fromLogID, toLogIDInclusive uint64) (uint64, error) {
	shardLo, localLo := types.SplitLogID(fromLogID)
	shardHi, localHi := types.SplitLogID(toLogIDInclusive)

	var total uint64
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
			n, err := p.estimateStream(ctx, id, lo, hi)
			if err != nil {
				return 0, err
			}
			total += n
			if shard == 0xffffffff {
				break // avoid uint32 overflow wraparound
			}
		}
	}
	return total, nil
}

func (p *Planner) estimateStream(ctx context.Context, id types.StreamID, lo, hi uint32) (uint64, error) {
	var total uint64

	if rec, err := p.meta.Get(ctx, kv.ManifestKey(id)); err != nil {
		return 0, errors.Wrap(err, "planner: load manifest")
	} else if rec != nil {
		m, err := codec.DecodeManifest(rec.Value)
		if err != nil {
			return 0, err
		}
		for _, ref := range m.ChunkRefs {
			if ref.Overlaps(lo, hi) {
				total += uint64(ref.Count)
			}
		}
	}

	if rec, err := p.meta.Get(ctx, kv.TailKey(id)); err != nil {
		return 0, errors.Wrap(err, "planner: load tail")
	} else if rec != nil {
		bm, err := codec.DecodeTail(rec.Value)
		if err != nil {
			return 0, err
		}
		total += rangeCardinality(bm, lo, hi)
	}
	return total, nil
}

// rangeCardinality counts set bits in [lo, hi] via two rank queries: Rank(x)
// is the count of set bits <= x.
func rangeCardinality(bm *roaring.Bitmap, lo, hi uint32) uint64 {
	if bm.IsEmpty() || lo > hi {
		return 0
	}
	upper := bm.Rank(hi)
	if lo == 0 {
		return upper
	}
	return upper - bm.Rank(lo-1)
}
