package codec

import (
	"bytes"
	"encoding/binary"

	"github.com/RoaringBitmap/roaring/v2"

	"github.com/erigontech/finalized-log-index/core/types"
)

const manifestVersion1 = 1

const chunkRefSize = 8 + 4 + 4 + 4 // chunk_seq, min_local, max_local, count

// EncodeManifest writes a version-prefixed manifest: manifest_version,
// last_chunk_seq, approx_count, last_seal_unix_sec, num_refs, then each ref
// as 20 bytes.
//
// manifest_version is a logical counter the ingest engine bumps on every
// append; it is unrelated to the metadata store's own CAS version for the
// manifest key.
func EncodeManifest(m types.Manifest) []byte {
	buf := make([]byte, 1+8+8+8+8+4+len(m.ChunkRefs)*chunkRefSize)
	buf[0] = manifestVersion1
	off := 1
	binary.BigEndian.PutUint64(buf[off:off+8], m.Version)
	off += 8
	binary.BigEndian.PutUint64(buf[off:off+8], m.LastChunkSeq)
	off += 8
	binary.BigEndian.PutUint64(buf[off:off+8], m.ApproxCount)
	off += 8
	binary.BigEndian.PutUint64(buf[off:off+8], m.LastSealUnixSec)
	off += 8
	binary.BigEndian.PutUint32(buf[off:off+4], uint32(len(m.ChunkRefs)))
	off += 4
	for _, r := range m.ChunkRefs {
		binary.BigEndian.PutUint64(buf[off:off+8], r.ChunkSeq)
		off += 8
		binary.BigEndian.PutUint32(buf[off:off+4], r.MinLocal)
		off += 4
		binary.BigEndian.PutUint32(buf[off:off+4], r.MaxLocal)
		off += 4
		binary.BigEndian.PutUint32(buf[off:off+4], r.Count)
		off += 4
	}
	return buf
}

// DecodeManifest parses a version-prefixed manifest.
func DecodeManifest(b []byte) (types.Manifest, error) {
	var m types.Manifest
	if len(b) < 1+8+8+8+8+4 {
		return m, &types.DecodeError{Msg: "manifest: truncated header"}
	}
	if b[0] != manifestVersion1 {
		return m, &types.DecodeError{Msg: "manifest: unknown version"}
	}
	off := 1
	m.Version = binary.BigEndian.Uint64(b[off : off+8])
	off += 8
	m.LastChunkSeq = binary.BigEndian.Uint64(b[off : off+8])
	off += 8
	m.ApproxCount = binary.BigEndian.Uint64(b[off : off+8])
	off += 8
	m.LastSealUnixSec = binary.BigEndian.Uint64(b[off : off+8])
	off += 8
	numRefs := int(binary.BigEndian.Uint32(b[off : off+4]))
	off += 4
	if len(b) < off+numRefs*chunkRefSize {
		return m, &types.DecodeError{Msg: "manifest: truncated refs"}
	}
	m.ChunkRefs = make([]types.ChunkRef, numRefs)
	for i := 0; i < numRefs; i++ {
		m.ChunkRefs[i].ChunkSeq = binary.BigEndian.Uint64(b[off : off+8])
		off += 8
		m.ChunkRefs[i].MinLocal = binary.BigEndian.Uint32(b[off : off+4])
		off += 4
		m.ChunkRefs[i].MaxLocal = binary.BigEndian.Uint32(b[off : off+4])
		off += 4
		m.ChunkRefs[i].Count = binary.BigEndian.Uint32(b[off : off+4])
		off += 4
	}
	return m, nil
}

const tailVersion1 = 1

// EncodeTail serializes a stream's tail bitmap: version byte followed by
// the roaring bitmap's native binary form, no extra framing.
func EncodeTail(bm *roaring.Bitmap) ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte(tailVersion1)
	if _, err := bm.WriteTo(&buf); err != nil {
		return nil, &types.DecodeError{Msg: "tail: " + err.Error()}
	}
	return buf.Bytes(), nil
}

// DecodeTail parses a tail bitmap.
func DecodeTail(b []byte) (*roaring.Bitmap, error) {
	if len(b) < 1 {
		return nil, &types.DecodeError{Msg: "tail: truncated"}
	}
	if b[0] != tailVersion1 {
		return nil, &types.DecodeError{Msg: "tail: unknown version"}
	}
	bm := roaring.New()
	if _, err := bm.ReadFrom(bytes.NewReader(b[1:])); err != nil {
		return nil, &types.DecodeError{Msg: "tail: " + err.Error()}
	}
	return bm, nil
}
