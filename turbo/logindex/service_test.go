package logindex

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/erigontech/finalized-log-index/config"
	"github.com/erigontech/finalized-log-index/core/types"
	"github.com/erigontech/finalized-log-index/erigon-lib/kv"
	"github.com/erigontech/finalized-log-index/erigon-lib/kv/memkv"
	"github.com/erigontech/finalized-log-index/turbo/logindex/testleasing"
)

func addr(b byte) types.Address {
	var a types.Address
	a[0] = b
	return a
}

func hash(b byte) types.Hash {
	var h types.Hash
	h[0] = b
	return h
}

func newTestService(t *testing.T) *Service {
	t.Helper()
	store := memkv.New(1)
	cfg := config.Default()
	return New(store, store, cfg, kv.FenceToken(1), nil)
}

func seedTwoBlocks(t *testing.T, svc *Service) (types.Hash, types.Hash) {
	t.Helper()
	ctx := context.Background()

	h1 := hash(1)
	b1 := types.Block{
		BlockNum: 1, BlockHash: h1, ParentHash: types.Hash{},
		Logs: []types.Log{
			{Address: addr(1), Topics: []types.Hash{hash(10)}, BlockNum: 1, BlockHash: h1, TxIdx: 0, LogIdx: 0},
			{Address: addr(2), Topics: []types.Hash{hash(11)}, BlockNum: 1, BlockHash: h1, TxIdx: 0, LogIdx: 1},
		},
	}
	_, err := svc.IngestFinalizedBlock(ctx, b1)
	require.NoError(t, err)

	h2 := hash(2)
	b2 := types.Block{
		BlockNum: 2, BlockHash: h2, ParentHash: h1,
		Logs: []types.Log{
			{Address: addr(1), Topics: []types.Hash{hash(10)}, BlockNum: 2, BlockHash: h2, TxIdx: 0, LogIdx: 0},
		},
	}
	_, err = svc.IngestFinalizedBlock(ctx, b2)
	require.NoError(t, err)

	return h1, h2
}

// TestQueryFinalizedMaxResultsLimitsOutput covers spec.md S1: a query
// with max_results=1 returns exactly one log even though more match.
func TestQueryFinalizedMaxResultsLimitsOutput(t *testing.T) {
	ctx := context.Background()
	svc := newTestService(t)
	seedTwoBlocks(t, svc)

	f := types.Filter{}
	a := addr(1)
	f.Addr = types.Clause{One: a[:]}

	logs, err := svc.QueryFinalized(ctx, f, types.QueryOptions{MaxResults: 1})
	require.NoError(t, err)
	require.Len(t, logs, 1)
	require.Equal(t, uint64(1), logs[0].BlockNum)
}

// TestQueryFinalizedBlockHashModeAndInvalidParams covers spec.md S2: a
// block-hash query still applies a combined topic0 clause, and combining
// block_hash with a block range is rejected as InvalidParams.
func TestQueryFinalizedBlockHashModeAndInvalidParams(t *testing.T) {
	ctx := context.Background()
	svc := newTestService(t)
	h1, _ := seedTwoBlocks(t, svc)

	f := types.Filter{BlockHash: &h1}
	sig := hash(10)
	f.Topics[0] = types.Clause{One: sig[:]}

	logs, err := svc.QueryFinalized(ctx, f, types.QueryOptions{MaxResults: 100})
	require.NoError(t, err)
	require.Len(t, logs, 1)
	require.Equal(t, uint64(1), logs[0].BlockNum)
	require.Equal(t, addr(1), logs[0].Address)

	bad := types.Filter{BlockHash: &h1}
	one := uint64(1)
	bad.FromBlock = &one
	_, err = svc.QueryFinalized(ctx, bad, types.QueryOptions{MaxResults: 100})
	var invalidParams *types.InvalidParamsError
	require.ErrorAs(t, err, &invalidParams)
}

// TestQueryFinalizedOrGuardrail covers spec.md S3: a filter whose OR
// clause exceeds planner_max_or_terms is rejected under the error
// policy, and still returns correct results under block_scan.
func TestQueryFinalizedOrGuardrail(t *testing.T) {
	ctx := context.Background()
	store := memkv.New(1)
	cfg := config.Default()
	cfg.PlannerMaxOrTerms = 1
	svc := New(store, store, cfg, kv.FenceToken(1), nil)
	seedTwoBlocks(t, svc)

	f := types.Filter{}
	a1, a2 := addr(1), addr(2)
	f.Addr = types.Clause{Or: [][]byte{a1[:], a2[:]}}

	_, err := svc.QueryFinalized(ctx, f, types.QueryOptions{MaxResults: 100})
	var tooBroad *types.QueryTooBroadError
	require.ErrorAs(t, err, &tooBroad)

	cfg.PlannerBroadQueryPolicy = config.BroadQueryBlockScan
	svc2 := New(store, store, cfg, kv.FenceToken(1), nil)
	logs, err := svc2.QueryFinalized(ctx, f, types.QueryOptions{MaxResults: 100})
	require.NoError(t, err)
	require.Len(t, logs, 3)
}

// TestIngestFinalizedBlockRejectsStaleWriterAfterLeaseHandover covers
// spec.md §8 property 9 at the facade level: once a fresher writer's
// lease raises the store's minimum fence epoch, a Service still holding
// the old epoch can no longer ingest.
func TestIngestFinalizedBlockRejectsStaleWriterAfterLeaseHandover(t *testing.T) {
	ctx := context.Background()
	store := memkv.New(1)
	cfg := config.Default()

	leases := testleasing.NewManager(1)
	staleLease, ok := leases.Current()
	require.True(t, ok)
	stale := New(store, store, cfg, kv.FenceToken(staleLease.Epoch), nil)

	h1 := hash(1)
	_, err := stale.IngestFinalizedBlock(ctx, types.Block{BlockNum: 1, BlockHash: h1})
	require.NoError(t, err)

	leases.Lose()
	fresh := leases.Renew()
	store.SetMinEpoch(fresh.Epoch)

	h2 := hash(2)
	_, err = stale.IngestFinalizedBlock(ctx, types.Block{BlockNum: 2, BlockHash: h2, ParentHash: h1})
	require.ErrorIs(t, err, types.ErrLeaseLost)

	newWriter := New(store, store, cfg, kv.FenceToken(fresh.Epoch), nil)
	_, err = newWriter.IngestFinalizedBlock(ctx, types.Block{BlockNum: 2, BlockHash: h2, ParentHash: h1})
	require.NoError(t, err)
}

func TestHealthReportsIndexedHead(t *testing.T) {
	ctx := context.Background()
	svc := newTestService(t)
	seedTwoBlocks(t, svc)

	report := svc.Health(ctx)
	require.True(t, report.Healthy)
	require.Equal(t, uint64(2), report.IndexedFinalizedHead)
}
