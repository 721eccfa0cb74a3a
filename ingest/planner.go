package ingest

import (
	"github.com/erigontech/finalized-log-index/core/types"
)

// streamAppend is one (stream, local id) pair to fold into that stream's
// tail during a block's ingest.
type streamAppend struct {
	id    types.StreamID
	local uint32
}

// collectStreamAppends derives every per-key stream append for a block's
// logs, given the global id assigned to its first log and the topic0 mode
// in effect for each signature *before* this block's own stats update
// (ingest always consults the pre-update mode, per spec.md §4.E).
//
// Grounded on original_source's ingest/planner.rs estimate_stream_appends
// and ingest/engine.rs's collect_stream_appends/apply_stream_appends pair.
func collectStreamAppends(block types.Block, firstLogID uint64, topic0LogEnabled func(sig types.Hash) bool) []streamAppend {
	var appends []streamAppend
	seenBlockSig := make(map[types.Hash]bool)

	blockShard, blockLocal := types.SplitLogID(block.BlockNum)

	for i := range block.Logs {
		log := &block.Logs[i]
		shard, local := types.SplitLogID(firstLogID + uint64(i))

		appends = append(appends, streamAppend{
			id:    types.StreamID{Kind: types.KindAddr, Value: log.Address[:], Shard: shard},
			local: local,
		})

		for slot := 1; slot < len(log.Topics) && slot < types.MaxTopics; slot++ {
			kind := topicKind(slot)
			appends = append(appends, streamAppend{
				id:    types.StreamID{Kind: kind, Value: log.Topics[slot][:], Shard: shard},
				local: local,
			})
		}

		if len(log.Topics) > 0 {
			sig := log.Topics[0]
			if topic0LogEnabled(sig) {
				appends = append(appends, streamAppend{
					id:    types.StreamID{Kind: types.KindTopic0Log, Value: sig[:], Shard: shard},
					local: local,
				})
			}
			if !seenBlockSig[sig] {
				seenBlockSig[sig] = true
				appends = append(appends, streamAppend{
					id:    types.StreamID{Kind: types.KindTopic0Blk, Value: sig[:], Shard: blockShard},
					local: blockLocal,
				})
			}
		}
	}
	return appends
}

func topicKind(slot int) types.StreamKind {
	switch slot {
	case 1:
		return types.KindTopic1
	case 2:
		return types.KindTopic2
	case 3:
		return types.KindTopic3
	default:
		return types.KindTopic1
	}
}

// groupByStream folds a flat append list into per-stream local-id batches,
// preserving first-seen stream order for deterministic iteration.
func groupByStream(appends []streamAppend) ([]types.StreamID, map[string][]uint32) {
	order := make([]types.StreamID, 0, len(appends))
	seen := make(map[string]bool)
	byStream := make(map[string][]uint32)
	for _, a := range appends {
		key := a.id.String()
		if !seen[key] {
			seen[key] = true
			order = append(order, a.id)
		}
		byStream[key] = append(byStream[key], a.local)
	}
	return order, byStream
}
