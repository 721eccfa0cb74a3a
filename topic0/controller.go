// Package topic0 implements the rolling-window mode controller that
// decides, per topic-0 signature, whether the topic0_log stream is
// populated at log granularity or only at block granularity.
package topic0

import (
	"github.com/erigontech/finalized-log-index/core/types"
)

const (
	enableRatio  = 0.001
	disableRatio = 0.01
)

// NewStats constructs an empty stats record sized for the given window.
func NewStats(windowLen uint32) types.Topic0Stats {
	return types.Topic0Stats{
		WindowLen: windowLen,
		Ring:      make([]byte, ringBytes(windowLen)),
	}
}

func ringBytes(windowLen uint32) int {
	return int((windowLen + 7) / 8)
}

func ringBitSet(ring []byte, pos uint32) bool {
	idx := pos / 8
	if int(idx) >= len(ring) {
		return false
	}
	return ring[idx]&(1<<(pos%8)) != 0
}

func ringSetBit(ring []byte, pos uint32) {
	idx := pos / 8
	if int(idx) >= len(ring) {
		return
	}
	ring[idx] |= 1 << (pos % 8)
}

func ringClearBit(ring []byte, pos uint32) {
	idx := pos / 8
	if int(idx) >= len(ring) {
		return
	}
	ring[idx] &^= 1 << (pos % 8)
}

// AdvanceToBlock advances stats from (LastUpdatedBlock+1) up to and
// including block, clearing ring slots for every intermediate block that
// did not see the signature, then marks block itself as seen (seenInBlock
// is always true on the call driven by an actual occurrence; callers doing
// lazy window aging without an occurrence pass seenInBlock=false).
//
// This mirrors original_source's apply_window_step: the ring holds one bit
// per block-in-window slot, cleared as the window slides forward and set
// only for blocks where the signature actually occurred.
func AdvanceToBlock(stats *types.Topic0Stats, block uint64, seenInBlock bool) {
	if stats.WindowLen == 0 {
		return
	}
	start := stats.LastUpdatedBlock + 1
	if stats.LastUpdatedBlock == 0 && stats.RingCursor == 0 && stats.BlocksSeenInWindow == 0 {
		// Brand-new stats record: treat the first call as advancing to
		// `block` directly rather than replaying from block 1.
		start = block
	}
	if block < start {
		// Already-current or a stale re-observation; nothing to advance,
		// but still honor seenInBlock by flipping this block's bit if it
		// falls within the current window position.
		if seenInBlock {
			setSeenAt(stats, block)
		}
		return
	}
	for b := start; b < block; b++ {
		clearSlot(stats, b)
	}
	clearSlot(stats, block)
	if seenInBlock {
		setSeenAt(stats, block)
	}
	stats.LastUpdatedBlock = block
}

func slotFor(stats *types.Topic0Stats, block uint64) uint32 {
	return uint32(block % uint64(stats.WindowLen))
}

func clearSlot(stats *types.Topic0Stats, block uint64) {
	pos := slotFor(stats, block)
	if ringBitSet(stats.Ring, pos) {
		ringClearBit(stats.Ring, pos)
		if stats.BlocksSeenInWindow > 0 {
			stats.BlocksSeenInWindow--
		}
	}
	stats.RingCursor = pos
}

func setSeenAt(stats *types.Topic0Stats, block uint64) {
	pos := slotFor(stats, block)
	if !ringBitSet(stats.Ring, pos) {
		ringSetBit(stats.Ring, pos)
		stats.BlocksSeenInWindow++
	}
	stats.RingCursor = pos
}

// Ratio computes the current seen-in-window ratio, using
// min(window_len, block_num+1) as the denominator so the ratio is
// meaningful before the window has fully filled.
func Ratio(stats types.Topic0Stats, blockNum uint64) float64 {
	denom := uint64(stats.WindowLen)
	if blockNum+1 < denom {
		denom = blockNum + 1
	}
	if denom == 0 {
		return 0
	}
	return float64(stats.BlocksSeenInWindow) / float64(denom)
}

// ApplyHysteresis applies the enable/disable thresholds to mode given the
// freshly advanced stats and the current block number, returning the
// (possibly updated) mode.
func ApplyHysteresis(mode types.Topic0Mode, stats types.Topic0Stats, blockNum uint64) types.Topic0Mode {
	ratio := Ratio(stats, blockNum)
	switch {
	case !mode.LogEnabled && ratio < enableRatio:
		mode.LogEnabled = true
		mode.EnabledFromBlock = blockNum
	case mode.LogEnabled && ratio > disableRatio:
		mode.LogEnabled = false
	}
	return mode
}

// LogEnabledForBlock reports whether a log is appended to topic0_log
// under mode, the *current* mode (the mode as it stood
// before this block's stats update — ingest always consults the
// pre-update mode, per spec.md §4.E).
func LogEnabledForBlock(mode types.Topic0Mode) bool {
	return mode.LogEnabled
}
