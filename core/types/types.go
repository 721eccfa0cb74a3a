// Copyright 2024 The Erigon Authors
// (modifications)
// This file is part of Erigon.
//
// Erigon is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// Erigon is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with Erigon. If not, see <http://www.gnu.org/licenses/>.

// Package types holds the data model shared by every other package in this
// module: logs, block metadata, streams, and the records that back them.
package types

import (
	"encoding/hex"
	"fmt"
)

// AddressSize and HashSize are the fixed widths used throughout the index.
const (
	AddressSize = 20
	HashSize    = 32
	MaxTopics   = 4
)

// Address is a contract-like 20-byte identifier.
type Address [AddressSize]byte

// Hash is a 32-byte topic or block hash.
type Hash [HashSize]byte

func (a Address) Hex() string { return hex.EncodeToString(a[:]) }
func (h Hash) Hex() string    { return hex.EncodeToString(h[:]) }

// Log is an event record produced by contract-like execution. It is
// persisted verbatim during ingest and never mutated afterward.
type Log struct {
	Address   Address
	Topics    []Hash // len <= MaxTopics
	Data      []byte
	BlockNum  uint64
	TxIdx     uint32
	LogIdx    uint32
	BlockHash Hash
}

// Topic returns the topic at slot i, or the zero hash if the log doesn't
// carry that many topics.
func (l *Log) Topic(i int) (Hash, bool) {
	if i < 0 || i >= len(l.Topics) {
		return Hash{}, false
	}
	return l.Topics[i], true
}

// BlockMeta is created once per block at ingest and never mutated.
type BlockMeta struct {
	BlockHash  Hash
	ParentHash Hash
	FirstLogID uint64
	Count      uint32
}

// Block is the unit of ingest: a numbered, hashed container of logs.
type Block struct {
	BlockNum   uint64
	BlockHash  Hash
	ParentHash Hash
	Logs       []Log
}

// MetaState is the singleton head-of-state record, the only record updated
// by version-CAS on the steady ingest path.
type MetaState struct {
	IndexedFinalizedHead uint64
	NextLogID            uint64
	WriterEpoch          uint64
}

// ShardBits is the width of the shard component of a global log id.
const ShardBits = 32

// SplitLogID splits a 64-bit global log id into its shard (high 32 bits)
// and local id (low 32 bits).
func SplitLogID(id uint64) (shard uint32, local uint32) {
	return uint32(id >> ShardBits), uint32(id)
}

// JoinLogID reassembles a global log id from a shard and a local id.
func JoinLogID(shard uint32, local uint32) uint64 {
	return uint64(shard)<<ShardBits | uint64(local)
}

// StreamKind identifies the kind of secondary index a stream maintains.
type StreamKind string

const (
	KindAddr       StreamKind = "addr"
	KindTopic0Log  StreamKind = "topic0_log"
	KindTopic0Blk  StreamKind = "topic0_block"
	KindTopic1     StreamKind = "topic1"
	KindTopic2     StreamKind = "topic2"
	KindTopic3     StreamKind = "topic3"
)

// StreamID identifies a stream by (kind, value, shard). Value is an opaque
// fixed-width key (an address or a topic hash), stored as raw bytes so the
// same type serves both 20- and 32-byte values.
type StreamID struct {
	Kind  StreamKind
	Value []byte
	Shard uint32
}

// String renders a stream id as "<kind>/<hex value>/<8-hex shard>", the
// canonical textual form used in stream-keyed metadata keys.
func (s StreamID) String() string {
	return fmt.Sprintf("%s/%s/%08x", s.Kind, hex.EncodeToString(s.Value), s.Shard)
}

// ChunkRef describes one sealed chunk within a stream's manifest.
type ChunkRef struct {
	ChunkSeq uint64
	MinLocal uint32
	MaxLocal uint32
	Count    uint32
}

// Overlaps reports whether the chunk's local-id range intersects [lo, hi].
func (c ChunkRef) Overlaps(lo, hi uint32) bool {
	return c.MinLocal <= hi && c.MaxLocal >= lo
}

// Manifest is the ordered list of chunks for one stream plus bookkeeping.
type Manifest struct {
	Version         uint64 // logical field bumped on every append, distinct from store CAS version
	LastChunkSeq    uint64
	ApproxCount     uint64
	LastSealUnixSec uint64
	ChunkRefs       []ChunkRef
}

// Topic0Mode governs whether the topic0_log stream is populated for logs
// with a given topic-0 signature from a given block onward.
type Topic0Mode struct {
	LogEnabled       bool
	EnabledFromBlock uint64
}

// Topic0Stats is the rolling-window seen-in-block estimator for one
// topic-0 signature. Ring is a byte-packed bitset, one bit per block slot.
type Topic0Stats struct {
	WindowLen          uint32
	BlocksSeenInWindow uint32
	RingCursor         uint32
	LastUpdatedBlock   uint64
	Ring               []byte
}

// LogLocator maps a global log id to the byte span of its encoded record
// within a packed blob, for the locator-indirected hydration path.
type LogLocator struct {
	BlobKey    []byte
	ByteOffset uint32
	ByteLen    uint32
}

// Clause is a per-slot membership predicate: match anything, match exactly
// one value, or match any of a set of values.
type Clause struct {
	Any    bool
	One    []byte
	Or     [][]byte
}

// Values returns the clause's candidate value set, or nil if Any.
func (c Clause) Values() [][]byte {
	if c.Any {
		return nil
	}
	if c.One != nil {
		return [][]byte{c.One}
	}
	return c.Or
}

// IsAny reports whether the clause matches every value. A zero Clause (no
// One value and no Or values) matches every value too.
func (c Clause) IsAny() bool { return c.Any || (c.One == nil && len(c.Or) == 0) }

// Filter describes a filtered range query.
type Filter struct {
	FromBlock *uint64
	ToBlock   *uint64
	BlockHash *Hash
	Addr      Clause
	Topics    [MaxTopics]Clause // Topics[0] is the topic0 (signature) clause
}

// IsBlockHashMode reports whether this filter targets a single block by hash.
func (f *Filter) IsBlockHashMode() bool { return f.BlockHash != nil }

// MaxOrTerms returns the widest OR clause across address and all topic slots.
func (f *Filter) MaxOrTerms() int {
	max := len(f.Addr.Or)
	for i := range f.Topics {
		if n := len(f.Topics[i].Or); n > max {
			max = n
		}
	}
	return max
}

// QueryOptions bounds a query's result set.
type QueryOptions struct {
	MaxResults int
}

// IngestOutcome is the result of a successful ingest_finalized_block call.
type IngestOutcome struct {
	IndexedFinalizedHead uint64
	WrittenLogs          int
}

// HealthReport is the result of a health() call. Healthy/Degraded/Message
// are named in spec.md §6; IndexedFinalizedHead and BackendErrorCount are
// carried over from original_source's richer domain/types.rs report.
type HealthReport struct {
	Healthy              bool
	Degraded             bool
	Throttled            bool
	Message              string
	IndexedFinalizedHead uint64
	BackendErrorCount    int64
}

// MaintenanceOutcome is the result of a run_maintenance() call.
type MaintenanceOutcome struct {
	FlushedStreams int
	SealedStreams  int
}

// GCOutcome is the result of a run_gc_once() call.
type GCOutcome struct {
	OrphanChunkBytes       uint64
	DeletedOrphanChunks    int
	StaleTailKeys          int
	OrphanManifestSegments int
	ExceededGuardrail      bool
}
