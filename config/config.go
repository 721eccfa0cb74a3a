// Package config defines this module's runtime configuration: seal
// thresholds, planner/GC guardrails, and service-facade error thresholds.
// Values load from TOML via github.com/pelletier/go-toml/v2; byte-sized
// fields accept human-readable sizes ("8MB") via github.com/c2h5oh/datasize.
package config

import (
	"os"

	"github.com/c2h5oh/datasize"
	"github.com/pelletier/go-toml/v2"
	"github.com/pkg/errors"
)

// BroadQueryPolicy governs what the planner does when a query's OR terms
// exceed planner_max_or_terms.
type BroadQueryPolicy string

const (
	// BroadQueryError returns QueryTooBroad to the caller.
	BroadQueryError BroadQueryPolicy = "error"
	// BroadQueryBlockScan bypasses the planner and runs a block scan.
	BroadQueryBlockScan BroadQueryPolicy = "block_scan"
)

// GuardrailAction governs what the service does when a GC pass exceeds a
// guardrail.
type GuardrailAction string

const (
	// GuardrailThrottle latches the service Throttled.
	GuardrailThrottle GuardrailAction = "throttle"
	// GuardrailFailClosed latches the service Degraded.
	GuardrailFailClosed GuardrailAction = "fail_closed"
)

// HydrationMode selects how the executor resolves a global log id to its
// encoded record: direct-key (logs/<id>) or locator-indirected
// (log_locator -> packed blob span). See SPEC_FULL.md §9.
type HydrationMode string

const (
	HydrationDirectKey HydrationMode = "direct_key"
	HydrationLocator   HydrationMode = "locator"
)

// Config holds every tunable named in spec.md §6.
type Config struct {
	TargetEntriesPerChunk     uint32            `toml:"target_entries_per_chunk"`
	TargetChunkBytes          datasize.ByteSize `toml:"target_chunk_bytes"`
	MaintenanceSealSeconds    uint64            `toml:"maintenance_seal_seconds"`
	TailFlushSeconds          uint64            `toml:"tail_flush_seconds"`
	PlannerMaxOrTerms         int               `toml:"planner_max_or_terms"`
	PlannerBroadQueryPolicy   BroadQueryPolicy  `toml:"planner_broad_query_policy"`
	GCGuardrailAction         GuardrailAction   `toml:"gc_guardrail_action"`
	MaxOrphanChunkBytes       datasize.ByteSize `toml:"max_orphan_chunk_bytes"`
	MaxOrphanManifestSegments int               `toml:"max_orphan_manifest_segments"`
	MaxStaleTailKeys          int               `toml:"max_stale_tail_keys"`
	BackendErrorThrottleAfter int64             `toml:"backend_error_throttle_after"`
	BackendErrorDegradedAfter int64             `toml:"backend_error_degraded_after"`
	ChunkCompression          bool              `toml:"chunk_compression"`
	HydrationMode             HydrationMode     `toml:"hydration_mode"`

	// Topic0RingWindowBlocks is the rolling window length (in blocks) used
	// by the topic0 mode controller's seen-in-block ring.
	Topic0RingWindowBlocks uint32 `toml:"topic0_ring_window_blocks"`
}

// Default returns the configuration original_source's config.rs ships as
// its own defaults.
func Default() Config {
	return Config{
		TargetEntriesPerChunk:     200_000,
		TargetChunkBytes:          8 * datasize.MB,
		MaintenanceSealSeconds:    300,
		TailFlushSeconds:          30,
		PlannerMaxOrTerms:         64,
		PlannerBroadQueryPolicy:   BroadQueryError,
		GCGuardrailAction:         GuardrailThrottle,
		MaxOrphanChunkBytes:       512 * datasize.MB,
		MaxOrphanManifestSegments: 1000,
		MaxStaleTailKeys:          1000,
		BackendErrorThrottleAfter: 5,
		BackendErrorDegradedAfter: 20,
		ChunkCompression:          false,
		HydrationMode:             HydrationDirectKey,
		Topic0RingWindowBlocks:    1000,
	}
}

// Load reads and parses a TOML config file, applying Default() for any
// field the file omits by merging over that base.
func Load(path string) (Config, error) {
	cfg := Default()
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, errors.Wrap(err, "config: read")
	}
	if err := toml.Unmarshal(b, &cfg); err != nil {
		return Config{}, errors.Wrap(err, "config: parse")
	}
	return cfg, nil
}
