package codec

import (
	"encoding/binary"

	"github.com/erigontech/finalized-log-index/core/types"
)

// EncodeBlockNum writes a bare big-endian block number, the value stored
// at block_hash_to_num/<hash> keys.
func EncodeBlockNum(n uint64) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, n)
	return buf
}

// DecodeBlockNum parses a bare big-endian block number.
func DecodeBlockNum(b []byte) (uint64, error) {
	if len(b) != 8 {
		return 0, &types.DecodeError{Msg: "block num: wrong length"}
	}
	return binary.BigEndian.Uint64(b), nil
}
