package codec

import (
	"encoding/binary"

	"github.com/erigontech/finalized-log-index/core/types"
)

// EncodeLog writes a log record: address, topic count + topics, length
// prefixed data, then the identity tuple. No version byte, matching the
// original format.
func EncodeLog(l types.Log) ([]byte, error) {
	if len(l.Topics) > types.MaxTopics {
		return nil, &types.DecodeError{Msg: "log: too many topics"}
	}
	size := types.AddressSize + 1 + len(l.Topics)*types.HashSize + 4 + len(l.Data) + 8 + 4 + 4 + types.HashSize
	buf := make([]byte, size)
	off := 0
	copy(buf[off:off+types.AddressSize], l.Address[:])
	off += types.AddressSize
	buf[off] = byte(len(l.Topics))
	off++
	for _, t := range l.Topics {
		copy(buf[off:off+types.HashSize], t[:])
		off += types.HashSize
	}
	binary.BigEndian.PutUint32(buf[off:off+4], uint32(len(l.Data)))
	off += 4
	copy(buf[off:off+len(l.Data)], l.Data)
	off += len(l.Data)
	binary.BigEndian.PutUint64(buf[off:off+8], l.BlockNum)
	off += 8
	binary.BigEndian.PutUint32(buf[off:off+4], l.TxIdx)
	off += 4
	binary.BigEndian.PutUint32(buf[off:off+4], l.LogIdx)
	off += 4
	copy(buf[off:off+types.HashSize], l.BlockHash[:])
	return buf, nil
}

// DecodeLog parses a log record encoded by EncodeLog.
func DecodeLog(b []byte) (types.Log, error) {
	var l types.Log
	if len(b) < types.AddressSize+1 {
		return l, &types.DecodeError{Msg: "log: truncated header"}
	}
	off := 0
	copy(l.Address[:], b[off:off+types.AddressSize])
	off += types.AddressSize
	topicCount := int(b[off])
	off++
	if topicCount > types.MaxTopics {
		return l, &types.DecodeError{Msg: "log: invalid topic count"}
	}
	if len(b) < off+topicCount*types.HashSize+4 {
		return l, &types.DecodeError{Msg: "log: truncated topics"}
	}
	l.Topics = make([]types.Hash, topicCount)
	for i := 0; i < topicCount; i++ {
		copy(l.Topics[i][:], b[off:off+types.HashSize])
		off += types.HashSize
	}
	dataLen := binary.BigEndian.Uint32(b[off : off+4])
	off += 4
	if len(b) < off+int(dataLen)+8+4+4+types.HashSize {
		return l, &types.DecodeError{Msg: "log: truncated data or identity tuple"}
	}
	l.Data = append([]byte(nil), b[off:off+int(dataLen)]...)
	off += int(dataLen)
	l.BlockNum = binary.BigEndian.Uint64(b[off : off+8])
	off += 8
	l.TxIdx = binary.BigEndian.Uint32(b[off : off+4])
	off += 4
	l.LogIdx = binary.BigEndian.Uint32(b[off : off+4])
	off += 4
	copy(l.BlockHash[:], b[off:off+types.HashSize])
	return l, nil
}
