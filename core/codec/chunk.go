package codec

import (
	"bytes"
	"encoding/binary"

	"github.com/RoaringBitmap/roaring/v2"
	"github.com/cespare/xxhash/v2"

	"github.com/erigontech/finalized-log-index/core/types"
)

const chunkVersion1 = 1

// ChunkBlob is a sealed, immutable roaring bitmap plus its framing header.
type ChunkBlob struct {
	MinLocal uint32
	MaxLocal uint32
	Count    uint32
	Bitmap   *roaring.Bitmap
}

// checksum is the non-cryptographic integrity check over a chunk's bitmap
// payload; manifests and tails carry no checksum. The original format used a truncated general-purpose
// hasher for the same purpose; xxhash is a faithful, faster substitute
// truncated to the same 32 bits.
func checksum(b []byte) uint32 {
	return uint32(xxhash.Sum64(b) & 0xffffffff)
}

// EncodeChunk writes a version-prefixed chunk: min_local, max_local, count,
// a checksum over the serialized bitmap payload, then the payload itself.
func EncodeChunk(c ChunkBlob) ([]byte, error) {
	var payload bytes.Buffer
	if _, err := c.Bitmap.WriteTo(&payload); err != nil {
		return nil, &types.DecodeError{Msg: "chunk: " + err.Error()}
	}
	sum := checksum(payload.Bytes())

	buf := make([]byte, 1+4+4+4+4+payload.Len())
	buf[0] = chunkVersion1
	off := 1
	binary.BigEndian.PutUint32(buf[off:off+4], c.MinLocal)
	off += 4
	binary.BigEndian.PutUint32(buf[off:off+4], c.MaxLocal)
	off += 4
	binary.BigEndian.PutUint32(buf[off:off+4], c.Count)
	off += 4
	binary.BigEndian.PutUint32(buf[off:off+4], sum)
	off += 4
	copy(buf[off:], payload.Bytes())
	return buf, nil
}

// DecodeChunk parses a chunk blob, verifying its checksum.
func DecodeChunk(b []byte) (ChunkBlob, error) {
	var c ChunkBlob
	if len(b) < 1+4+4+4+4 {
		return c, &types.DecodeError{Msg: "chunk: truncated header"}
	}
	if b[0] != chunkVersion1 {
		return c, &types.DecodeError{Msg: "chunk: unknown version"}
	}
	off := 1
	c.MinLocal = binary.BigEndian.Uint32(b[off : off+4])
	off += 4
	c.MaxLocal = binary.BigEndian.Uint32(b[off : off+4])
	off += 4
	c.Count = binary.BigEndian.Uint32(b[off : off+4])
	off += 4
	wantSum := binary.BigEndian.Uint32(b[off : off+4])
	off += 4
	payload := b[off:]
	if checksum(payload) != wantSum {
		return c, &types.DecodeError{Msg: "chunk: checksum mismatch"}
	}
	bm := roaring.New()
	if _, err := bm.ReadFrom(bytes.NewReader(payload)); err != nil {
		return c, &types.DecodeError{Msg: "chunk: " + err.Error()}
	}
	c.Bitmap = bm
	return c, nil
}
