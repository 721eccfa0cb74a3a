package query

import "github.com/erigontech/finalized-log-index/core/types"

// clauseSlot identifies which filter slot a planned clause came from.
type clauseSlot int

const (
	slotAddr clauseSlot = iota
	slotTopic1
	slotTopic2
	slotTopic3
	slotTopic0Log
)

func (s clauseSlot) streamKind() types.StreamKind {
	switch s {
	case slotAddr:
		return types.KindAddr
	case slotTopic1:
		return types.KindTopic1
	case slotTopic2:
		return types.KindTopic2
	case slotTopic3:
		return types.KindTopic3
	case slotTopic0Log:
		return types.KindTopic0Log
	default:
		return types.KindAddr
	}
}

// plannedClause is one non-Any filter clause, ordered by estimated
// cardinality.
type plannedClause struct {
	slot     clauseSlot
	values   [][]byte
	estimate uint64
}

// QueryPlan is the planner's output: a clipped block/log-id range, clauses
// ordered smallest-estimate-first, and whether topic0 is handled as a
// log-level clause or a block-level post-filter.
type QueryPlan struct {
	Filter types.Filter
	Empty  bool

	ClippedFromBlock uint64
	ClippedToBlock   uint64
	FromLogID        uint64
	ToLogIDInclusive uint64

	ClauseOrder []plannedClause

	// Topic0BlockLevel is true when the topic0 clause (if any) is handled
	// as a post-filter block set via topic0_block rather than joining
	// ClauseOrder as a topic0_log clause.
	Topic0BlockLevel   bool
	Topic0BlockValues  [][]byte

	ForceBlockScan bool
}
