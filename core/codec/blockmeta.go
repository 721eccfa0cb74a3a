package codec

import (
	"encoding/binary"

	"github.com/erigontech/finalized-log-index/core/types"
)

// BlockMetaSize is the fixed encoded size of a BlockMeta record, no version
// byte.
const BlockMetaSize = types.HashSize*2 + 8 + 4

// EncodeBlockMeta writes the 76-byte block metadata record.
func EncodeBlockMeta(m types.BlockMeta) []byte {
	buf := make([]byte, BlockMetaSize)
	off := 0
	copy(buf[off:off+types.HashSize], m.BlockHash[:])
	off += types.HashSize
	copy(buf[off:off+types.HashSize], m.ParentHash[:])
	off += types.HashSize
	binary.BigEndian.PutUint64(buf[off:off+8], m.FirstLogID)
	off += 8
	binary.BigEndian.PutUint32(buf[off:off+4], m.Count)
	return buf
}

// DecodeBlockMeta parses a 76-byte block metadata record.
func DecodeBlockMeta(b []byte) (types.BlockMeta, error) {
	if len(b) != BlockMetaSize {
		return types.BlockMeta{}, &types.DecodeError{Msg: "block meta: wrong length"}
	}
	var m types.BlockMeta
	off := 0
	copy(m.BlockHash[:], b[off:off+types.HashSize])
	off += types.HashSize
	copy(m.ParentHash[:], b[off:off+types.HashSize])
	off += types.HashSize
	m.FirstLogID = binary.BigEndian.Uint64(b[off : off+8])
	off += 8
	m.Count = binary.BigEndian.Uint32(b[off : off+4])
	return m, nil
}
