package codec

import (
	"github.com/klauspost/compress/zstd"

	"github.com/erigontech/finalized-log-index/core/types"
)

// Chunk payload compression is optional (Config.ChunkCompression) and, when
// enabled, wraps the already-checksummed chunk bytes produced by
// EncodeChunk. Compression operates on the framed blob as a whole rather
// than the bare bitmap payload: on read, DecompressChunkBlob restores the
// framed bytes first, and DecodeChunk then verifies the checksum over the
// bitmap payload.

var encoder, _ = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
var decoder, _ = zstd.NewReader(nil)

// CompressChunkBlob compresses an already-encoded chunk blob for storage.
func CompressChunkBlob(framed []byte) []byte {
	return encoder.EncodeAll(framed, make([]byte, 0, len(framed)))
}

// DecompressChunkBlob reverses CompressChunkBlob.
func DecompressChunkBlob(compressed []byte) ([]byte, error) {
	out, err := decoder.DecodeAll(compressed, nil)
	if err != nil {
		return nil, &types.DecodeError{Msg: "chunk: zstd: " + err.Error()}
	}
	return out, nil
}
