package codec

import (
	"encoding/binary"

	"github.com/erigontech/finalized-log-index/core/types"
)

const locatorVersion1 = 1

// EncodeLogLocator writes a version-prefixed log locator: version byte,
// 16-bit key length, blob key, two 32-bit offsets.
func EncodeLogLocator(loc types.LogLocator) ([]byte, error) {
	if len(loc.BlobKey) > 0xffff {
		return nil, &types.DecodeError{Msg: "log locator: blob key too long"}
	}
	buf := make([]byte, 1+2+len(loc.BlobKey)+4+4)
	off := 0
	buf[off] = locatorVersion1
	off++
	binary.BigEndian.PutUint16(buf[off:off+2], uint16(len(loc.BlobKey)))
	off += 2
	copy(buf[off:off+len(loc.BlobKey)], loc.BlobKey)
	off += len(loc.BlobKey)
	binary.BigEndian.PutUint32(buf[off:off+4], loc.ByteOffset)
	off += 4
	binary.BigEndian.PutUint32(buf[off:off+4], loc.ByteLen)
	return buf, nil
}

// DecodeLogLocator parses a version-prefixed log locator.
func DecodeLogLocator(b []byte) (types.LogLocator, error) {
	var loc types.LogLocator
	if len(b) < 3 {
		return loc, &types.DecodeError{Msg: "log locator: truncated"}
	}
	if b[0] != locatorVersion1 {
		return loc, &types.DecodeError{Msg: "log locator: unknown version"}
	}
	keyLen := int(binary.BigEndian.Uint16(b[1:3]))
	off := 3
	if len(b) < off+keyLen+8 {
		return loc, &types.DecodeError{Msg: "log locator: truncated body"}
	}
	loc.BlobKey = append([]byte(nil), b[off:off+keyLen]...)
	off += keyLen
	loc.ByteOffset = binary.BigEndian.Uint32(b[off : off+4])
	off += 4
	loc.ByteLen = binary.BigEndian.Uint32(b[off : off+4])
	return loc, nil
}
