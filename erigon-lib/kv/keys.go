package kv

import (
	"encoding/binary"
	"encoding/hex"

	"github.com/erigontech/finalized-log-index/core/types"
)

// Key namespaces. Each is an ASCII prefix followed by a big-endian integer
// or stream-id suffix where applicable. Key encoding is stable: two
// identical logical inputs yield byte-identical keys, matching the layout
// documented for erigon's own history-index tables (address/topic keys
// built from a fixed-width value plus a shard suffix) in
// erigon-lib/kv/tables.go, adapted here to a KV-interface design rather
// than an MDBX table set.
const (
	prefixMetaState        = "meta/state"
	prefixLogs              = "logs/"
	prefixLogLocator        = "log_locator/"
	prefixLogBlob           = "logblob/"
	prefixBlockMeta         = "block_meta/"
	prefixBlockHashToNum    = "block_hash_to_num/"
	prefixManifests         = "manifests/"
	prefixTails             = "tails/"
	prefixChunks            = "chunks/"
	prefixTopic0Mode        = "topic0_mode/"
	prefixTopic0Stats       = "topic0_stats/"
)

// MetaStateKey is the singleton head-of-state key.
func MetaStateKey() []byte { return []byte(prefixMetaState) }

// LogKey addresses a single log record by its global id.
func LogKey(globalID uint64) []byte {
	return appendUint64([]byte(prefixLogs), globalID)
}

// LogLocatorKey addresses the locator record for a log, used only by the
// locator-indirected hydration path (Config.HydrationMode == locator).
func LogLocatorKey(globalID uint64) []byte {
	return appendUint64([]byte(prefixLogLocator), globalID)
}

// LogBlobKey addresses the packed blob of a block's logs, used only by the
// locator-indirected hydration path.
func LogBlobKey(blockNum uint64) []byte {
	return appendUint64([]byte(prefixLogBlob), blockNum)
}

// BlockMetaKey addresses a block's metadata by block number.
func BlockMetaKey(blockNum uint64) []byte {
	return appendUint64([]byte(prefixBlockMeta), blockNum)
}

// BlockHashToNumKey addresses the block-number lookup by raw (non-hex)
// block hash bytes.
func BlockHashToNumKey(hash types.Hash) []byte {
	buf := make([]byte, 0, len(prefixBlockHashToNum)+types.HashSize)
	buf = append(buf, prefixBlockHashToNum...)
	buf = append(buf, hash[:]...)
	return buf
}

// StreamIDString renders a StreamID in the canonical "<kind>/<hex
// value>/<8-hex shard>" textual form used as the key suffix for every
// stream-scoped namespace.
func StreamIDString(id types.StreamID) string {
	return id.String()
}

// ManifestKey addresses a stream's manifest.
func ManifestKey(id types.StreamID) []byte {
	return []byte(prefixManifests + StreamIDString(id))
}

// TailKey addresses a stream's tail bitmap.
func TailKey(id types.StreamID) []byte {
	return []byte(prefixTails + StreamIDString(id))
}

// ChunkKey addresses one sealed chunk of a stream by its sequence number.
func ChunkKey(id types.StreamID, chunkSeq uint64) []byte {
	prefix := []byte(prefixChunks + StreamIDString(id) + "/")
	return appendUint64(prefix, chunkSeq)
}

// ChunkPrefix returns the key prefix covering every chunk of a stream.
func ChunkPrefix(id types.StreamID) []byte {
	return []byte(prefixChunks + StreamIDString(id) + "/")
}

// Topic0ModeKey addresses a signature's mode record by its hex value.
func Topic0ModeKey(signature []byte) []byte {
	return []byte(prefixTopic0Mode + hex.EncodeToString(signature))
}

// Topic0StatsKey addresses a signature's stats record by its hex value.
func Topic0StatsKey(signature []byte) []byte {
	return []byte(prefixTopic0Stats + hex.EncodeToString(signature))
}

// ManifestsPrefix, TailsPrefix, and ChunksPrefix bound the full namespaces
// used by maintenance sweeps and the GC worker's reachability scan.
func ManifestsPrefix() []byte { return []byte(prefixManifests) }
func TailsPrefix() []byte     { return []byte(prefixTails) }
func ChunksPrefix() []byte    { return []byte(prefixChunks) }

// BlockHashToNumPrefix bounds the block_hash_to_num/* namespace the GC
// worker's retention-pruning sweep walks.
func BlockHashToNumPrefix() []byte { return []byte(prefixBlockHashToNum) }

// Topic0StatsPrefix bounds the topic0_stats/* namespace, walked by the
// ingest engine to lazily age every known signature's rolling window on
// blocks where it doesn't occur, per spec.md §3's "may be lazily updated
// on other blocks to age the window."
func Topic0StatsPrefix() []byte { return []byte(prefixTopic0Stats) }

// ParseTopic0SignatureFromStatsKey recovers the 32-byte signature encoded
// in a topic0_stats/<hex> key.
func ParseTopic0SignatureFromStatsKey(key []byte) (types.Hash, bool) {
	s := string(key)
	if len(s) <= len(prefixTopic0Stats) || s[:len(prefixTopic0Stats)] != prefixTopic0Stats {
		return types.Hash{}, false
	}
	b, err := hex.DecodeString(s[len(prefixTopic0Stats):])
	if err != nil || len(b) != types.HashSize {
		return types.Hash{}, false
	}
	var h types.Hash
	copy(h[:], b)
	return h, true
}

func appendUint64(prefix []byte, v uint64) []byte {
	buf := make([]byte, len(prefix)+8)
	copy(buf, prefix)
	binary.BigEndian.PutUint64(buf[len(prefix):], v)
	return buf
}

// ParseStreamIDFromTailKey recovers the StreamID encoded in a tails/* key,
// mirroring the parsing the ingest engine's periodic maintenance sweep and
// the GC worker both need when iterating the tails namespace without
// already knowing which streams exist.
func ParseStreamIDFromTailKey(key []byte) (types.StreamID, bool) {
	return parseStreamIDWithPrefix(key, prefixTails)
}

// ParseStreamIDFromManifestKey recovers the StreamID encoded in a
// manifests/* key.
func ParseStreamIDFromManifestKey(key []byte) (types.StreamID, bool) {
	return parseStreamIDWithPrefix(key, prefixManifests)
}

func parseStreamIDWithPrefix(key []byte, prefix string) (types.StreamID, bool) {
	s := string(key)
	if len(s) <= len(prefix) || s[:len(prefix)] != prefix {
		return types.StreamID{}, false
	}
	return ParseStreamID(s[len(prefix):])
}

// ParseStreamID parses the canonical "<kind>/<hex value>/<8-hex shard>"
// textual form back into a StreamID.
func ParseStreamID(s string) (types.StreamID, bool) {
	// kind is everything up to the first '/'; value is hex between the
	// first and second '/'; shard is the trailing 8 hex chars.
	firstSlash := -1
	lastSlash := -1
	for i := 0; i < len(s); i++ {
		if s[i] == '/' {
			if firstSlash == -1 {
				firstSlash = i
			}
			lastSlash = i
		}
	}
	if firstSlash == -1 || lastSlash == firstSlash {
		return types.StreamID{}, false
	}
	kind := types.StreamKind(s[:firstSlash])
	valueHex := s[firstSlash+1 : lastSlash]
	shardHex := s[lastSlash+1:]
	value, err := hex.DecodeString(valueHex)
	if err != nil {
		return types.StreamID{}, false
	}
	shardBytes, err := hex.DecodeString(shardHex)
	if err != nil || len(shardBytes) != 4 {
		return types.StreamID{}, false
	}
	shard := binary.BigEndian.Uint32(shardBytes)
	return types.StreamID{Kind: kind, Value: value, Shard: shard}, true
}

// ChunkSeqFromKey extracts the trailing uint64 chunk sequence from a
// chunks/<stream>/<seq> key.
func ChunkSeqFromKey(key []byte) (uint64, bool) {
	if len(key) < 8 {
		return 0, false
	}
	return binary.BigEndian.Uint64(key[len(key)-8:]), true
}
