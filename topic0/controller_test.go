package topic0

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/erigontech/finalized-log-index/core/types"
)

func TestRareSignatureEnablesAfterWindow(t *testing.T) {
	stats := NewStats(1000)
	mode := types.Topic0Mode{}

	// Occurs only at block 1, out of 1200 blocks.
	for b := uint64(1); b <= 1200; b++ {
		seen := b == 1
		AdvanceToBlock(&stats, b, seen)
		mode = ApplyHysteresis(mode, stats, b)
	}

	require.True(t, mode.LogEnabled)
	require.GreaterOrEqual(t, mode.EnabledFromBlock, uint64(1000))
}

func TestFrequentSignatureDisables(t *testing.T) {
	stats := NewStats(1000)
	mode := types.Topic0Mode{LogEnabled: true, EnabledFromBlock: 1}

	for b := uint64(1); b <= 1200; b++ {
		AdvanceToBlock(&stats, b, true)
		mode = ApplyHysteresis(mode, stats, b)
	}

	require.False(t, mode.LogEnabled)
}

func TestRatioUsesMinWindowOrBlockNum(t *testing.T) {
	stats := NewStats(1000)
	AdvanceToBlock(&stats, 5, true)
	r := Ratio(stats, 5)
	require.InDelta(t, 1.0/6.0, r, 1e-9)
}
