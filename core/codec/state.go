// Package codec implements bit-exact (de)serialization for every record
// persisted by this index: the head-of-state singleton, block metadata,
// log records, log locators, chunk blobs, manifests, tails, and topic0
// mode/stats records.
package codec

import (
	"encoding/binary"

	"github.com/erigontech/finalized-log-index/core/types"
)

// MetaStateSize is the fixed encoded size of a MetaState record. It carries
// no version byte: the original source never version-gated it, and adding
// one here would silently break byte-for-byte parity with the format this
// module reimplements.
const MetaStateSize = 24

// EncodeMetaState writes the 24-byte state record.
func EncodeMetaState(s types.MetaState) []byte {
	buf := make([]byte, MetaStateSize)
	binary.BigEndian.PutUint64(buf[0:8], s.IndexedFinalizedHead)
	binary.BigEndian.PutUint64(buf[8:16], s.NextLogID)
	binary.BigEndian.PutUint64(buf[16:24], s.WriterEpoch)
	return buf
}

// DecodeMetaState parses a 24-byte state record.
func DecodeMetaState(b []byte) (types.MetaState, error) {
	if len(b) != MetaStateSize {
		return types.MetaState{}, &types.DecodeError{Msg: "meta state: wrong length"}
	}
	return types.MetaState{
		IndexedFinalizedHead: binary.BigEndian.Uint64(b[0:8]),
		NextLogID:            binary.BigEndian.Uint64(b[8:16]),
		WriterEpoch:           binary.BigEndian.Uint64(b[16:24]),
	}, nil
}
