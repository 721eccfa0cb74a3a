package gc

import (
	"context"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/erigontech/finalized-log-index/core/codec"
	"github.com/erigontech/finalized-log-index/erigon-lib/kv"
)

// PruneBlockHashIndexBelow removes every block_hash_to_num/* entry whose
// stored block number is below minBlock, supporting bounded retention of
// the hash index (spec.md §4.I). The cutoff-comparison shape (parse a
// persisted key's associated numeric value, delete it if below the
// retained minimum, keep it otherwise) is the same one erigon's own
// snapshot-file pruning (buildBlackListForPruning/adjustBlockPrune) uses
// for segment files, adapted here to a key-value namespace instead of
// on-disk segment names.
func (w *Worker) PruneBlockHashIndexBelow(ctx context.Context, minBlock uint64, fence kv.FenceToken) (int, error) {
	removed := 0
	var cursor []byte
	for {
		page, err := w.meta.ListPrefix(ctx, kv.BlockHashToNumPrefix(), cursor, listPageSize)
		if err != nil {
			return removed, errors.Wrap(err, "gc: list block_hash_to_num")
		}
		for _, key := range page.Keys {
			rec, err := w.meta.Get(ctx, key)
			if err != nil {
				return removed, errors.Wrap(err, "gc: load block_hash_to_num entry")
			}
			if rec == nil {
				continue
			}
			blockNum, err := codec.DecodeBlockNum(rec.Value)
			if err != nil {
				return removed, err
			}
			if blockNum >= minBlock {
				continue
			}
			if err := w.meta.Delete(ctx, key, kv.DelAny(), fence); err != nil {
				return removed, errors.Wrap(err, "gc: delete block_hash_to_num entry")
			}
			removed++
		}
		if page.NextCursor == nil {
			break
		}
		cursor = page.NextCursor
	}
	if w.logger != nil {
		w.logger.Info("pruned block hash index", zap.Uint64("min_block", minBlock), zap.Int("removed", removed))
	}
	return removed, nil
}
