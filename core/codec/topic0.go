package codec

import (
	"encoding/binary"

	"github.com/erigontech/finalized-log-index/core/types"
)

const topic0ModeVersion1 = 1

// Topic0ModeSize is the fixed encoded size of a Topic0Mode record,
// including its version byte.
const Topic0ModeSize = 1 + 1 + 8

// EncodeTopic0Mode writes a version-prefixed, 10-byte topic0 mode record.
func EncodeTopic0Mode(m types.Topic0Mode) []byte {
	buf := make([]byte, Topic0ModeSize)
	buf[0] = topic0ModeVersion1
	if m.LogEnabled {
		buf[1] = 1
	}
	binary.BigEndian.PutUint64(buf[2:10], m.EnabledFromBlock)
	return buf
}

// DecodeTopic0Mode parses a topic0 mode record.
func DecodeTopic0Mode(b []byte) (types.Topic0Mode, error) {
	if len(b) != Topic0ModeSize {
		return types.Topic0Mode{}, &types.DecodeError{Msg: "topic0 mode: wrong length"}
	}
	if b[0] != topic0ModeVersion1 {
		return types.Topic0Mode{}, &types.DecodeError{Msg: "topic0 mode: unknown version"}
	}
	return types.Topic0Mode{
		LogEnabled:       b[1] != 0,
		EnabledFromBlock: binary.BigEndian.Uint64(b[2:10]),
	}, nil
}

const (
	topic0StatsVersion1 = 1 // no LastUpdatedBlock; decodes as 0
	topic0StatsVersion2 = 2 // adds LastUpdatedBlock
)

// EncodeTopic0Stats always writes the current (v2) format.
func EncodeTopic0Stats(s types.Topic0Stats) []byte {
	buf := make([]byte, 1+4+4+4+8+4+len(s.Ring))
	buf[0] = topic0StatsVersion2
	off := 1
	binary.BigEndian.PutUint32(buf[off:off+4], s.WindowLen)
	off += 4
	binary.BigEndian.PutUint32(buf[off:off+4], s.BlocksSeenInWindow)
	off += 4
	binary.BigEndian.PutUint32(buf[off:off+4], s.RingCursor)
	off += 4
	binary.BigEndian.PutUint64(buf[off:off+8], s.LastUpdatedBlock)
	off += 8
	binary.BigEndian.PutUint32(buf[off:off+4], uint32(len(s.Ring)))
	off += 4
	copy(buf[off:], s.Ring)
	return buf
}

// DecodeTopic0Stats parses either codec version. v1 records decode with
// LastUpdatedBlock defaulted to 0, matching the source's own lenient
// upgrade path for records written before the field existed.
func DecodeTopic0Stats(b []byte) (types.Topic0Stats, error) {
	var s types.Topic0Stats
	if len(b) < 1 {
		return s, &types.DecodeError{Msg: "topic0 stats: truncated"}
	}
	switch b[0] {
	case topic0StatsVersion1:
		if len(b) < 1+4+4+4+4 {
			return s, &types.DecodeError{Msg: "topic0 stats v1: truncated"}
		}
		off := 1
		s.WindowLen = binary.BigEndian.Uint32(b[off : off+4])
		off += 4
		s.BlocksSeenInWindow = binary.BigEndian.Uint32(b[off : off+4])
		off += 4
		s.RingCursor = binary.BigEndian.Uint32(b[off : off+4])
		off += 4
		ringLen := int(binary.BigEndian.Uint32(b[off : off+4]))
		off += 4
		if len(b) < off+ringLen {
			return s, &types.DecodeError{Msg: "topic0 stats v1: truncated ring"}
		}
		s.Ring = append([]byte(nil), b[off:off+ringLen]...)
		s.LastUpdatedBlock = 0
		return s, nil
	case topic0StatsVersion2:
		if len(b) < 1+4+4+4+8+4 {
			return s, &types.DecodeError{Msg: "topic0 stats v2: truncated"}
		}
		off := 1
		s.WindowLen = binary.BigEndian.Uint32(b[off : off+4])
		off += 4
		s.BlocksSeenInWindow = binary.BigEndian.Uint32(b[off : off+4])
		off += 4
		s.RingCursor = binary.BigEndian.Uint32(b[off : off+4])
		off += 4
		s.LastUpdatedBlock = binary.BigEndian.Uint64(b[off : off+8])
		off += 8
		ringLen := int(binary.BigEndian.Uint32(b[off : off+4]))
		off += 4
		if len(b) < off+ringLen {
			return s, &types.DecodeError{Msg: "topic0 stats v2: truncated ring"}
		}
		s.Ring = append([]byte(nil), b[off:off+ringLen]...)
		return s, nil
	default:
		return s, &types.DecodeError{Msg: "topic0 stats: unknown version"}
	}
}
