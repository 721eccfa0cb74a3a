package codec

import (
	"testing"

	"github.com/RoaringBitmap/roaring/v2"
	"github.com/stretchr/testify/require"

	"github.com/erigontech/finalized-log-index/core/types"
)

func TestMetaStateRoundtrip(t *testing.T) {
	s := types.MetaState{IndexedFinalizedHead: 42, NextLogID: 1000, WriterEpoch: 7}
	b := EncodeMetaState(s)
	require.Len(t, b, MetaStateSize)
	got, err := DecodeMetaState(b)
	require.NoError(t, err)
	require.Equal(t, s, got)
}

func TestBlockMetaRoundtrip(t *testing.T) {
	var m types.BlockMeta
	m.BlockHash[0] = 0xAB
	m.ParentHash[0] = 0xCD
	m.FirstLogID = 10
	m.Count = 3
	b := EncodeBlockMeta(m)
	require.Len(t, b, BlockMetaSize)
	got, err := DecodeBlockMeta(b)
	require.NoError(t, err)
	require.Equal(t, m, got)
}

func TestLogRoundtrip(t *testing.T) {
	l := types.Log{
		Topics:    []types.Hash{{1}, {2}},
		Data:      []byte("hello"),
		BlockNum:  5,
		TxIdx:     1,
		LogIdx:    2,
	}
	l.Address[0] = 0x11
	l.BlockHash[0] = 0x22
	b, err := EncodeLog(l)
	require.NoError(t, err)
	got, err := DecodeLog(b)
	require.NoError(t, err)
	require.Equal(t, l, got)
}

func TestLogRejectsTooManyTopics(t *testing.T) {
	l := types.Log{Topics: make([]types.Hash, 5)}
	_, err := EncodeLog(l)
	require.Error(t, err)
}

func TestLogLocatorRoundtrip(t *testing.T) {
	loc := types.LogLocator{BlobKey: []byte("chunks/addr/abcd/00000001/7"), ByteOffset: 128, ByteLen: 64}
	b, err := EncodeLogLocator(loc)
	require.NoError(t, err)
	got, err := DecodeLogLocator(b)
	require.NoError(t, err)
	require.Equal(t, loc, got)
}

func TestManifestRoundtrip(t *testing.T) {
	m := types.Manifest{
		Version:      3,
		LastChunkSeq: 2,
		ApproxCount:  500,
		ChunkRefs: []types.ChunkRef{
			{ChunkSeq: 1, MinLocal: 0, MaxLocal: 99, Count: 100},
			{ChunkSeq: 2, MinLocal: 100, MaxLocal: 199, Count: 100},
		},
	}
	b := EncodeManifest(m)
	got, err := DecodeManifest(b)
	require.NoError(t, err)
	require.Equal(t, m, got)
}

func TestTailRoundtrip(t *testing.T) {
	bm := roaring.New()
	bm.AddMany([]uint32{1, 2, 3, 100, 1000})
	b, err := EncodeTail(bm)
	require.NoError(t, err)
	got, err := DecodeTail(b)
	require.NoError(t, err)
	require.True(t, bm.Equals(got))
}

func TestChunkRoundtripAndChecksum(t *testing.T) {
	bm := roaring.New()
	bm.AddMany([]uint32{5, 6, 7})
	c := ChunkBlob{MinLocal: 5, MaxLocal: 7, Count: 3, Bitmap: bm}
	b, err := EncodeChunk(c)
	require.NoError(t, err)

	got, err := DecodeChunk(b)
	require.NoError(t, err)
	require.Equal(t, c.MinLocal, got.MinLocal)
	require.Equal(t, c.MaxLocal, got.MaxLocal)
	require.Equal(t, c.Count, got.Count)
	require.True(t, bm.Equals(got.Bitmap))

	corrupted := append([]byte(nil), b...)
	corrupted[len(corrupted)-1] ^= 0xff
	_, err = DecodeChunk(corrupted)
	require.Error(t, err)
	var decErr *types.DecodeError
	require.ErrorAs(t, err, &decErr)
}

func TestTopic0ModeRoundtrip(t *testing.T) {
	m := types.Topic0Mode{LogEnabled: true, EnabledFromBlock: 1234}
	b := EncodeTopic0Mode(m)
	require.Len(t, b, Topic0ModeSize)
	got, err := DecodeTopic0Mode(b)
	require.NoError(t, err)
	require.Equal(t, m, got)
}

func TestTopic0StatsRoundtripV2(t *testing.T) {
	s := types.Topic0Stats{
		WindowLen:          1000,
		BlocksSeenInWindow: 3,
		RingCursor:         5,
		LastUpdatedBlock:   999,
		Ring:               make([]byte, 125),
	}
	b := EncodeTopic0Stats(s)
	got, err := DecodeTopic0Stats(b)
	require.NoError(t, err)
	require.Equal(t, s, got)
}

func TestTopic0StatsDecodesV1WithZeroLastUpdated(t *testing.T) {
	// Hand-build a v1 record: no LastUpdatedBlock field.
	ring := []byte{0xff, 0x00}
	b := make([]byte, 0, 1+4+4+4+4+len(ring))
	b = append(b, topic0StatsVersion1)
	b = appendUint32(b, 100)
	b = appendUint32(b, 2)
	b = appendUint32(b, 1)
	b = appendUint32(b, uint32(len(ring)))
	b = append(b, ring...)

	got, err := DecodeTopic0Stats(b)
	require.NoError(t, err)
	require.Equal(t, uint64(0), got.LastUpdatedBlock)
	require.Equal(t, uint32(100), got.WindowLen)
	require.Equal(t, ring, got.Ring)
}

func appendUint32(b []byte, v uint32) []byte {
	return append(b, byte(v>>24), byte(v>>16), byte(v>>8), byte(v))
}
