// Package wire implements the length-prefixed, protocol-buffer-compatible
// framing of spec.md §6 for Segment and ChunkResponse messages. Rather
// than generate Go types from a .proto file — this environment has no
// protoc step available — the wire bytes are hand-encoded directly with
// google.golang.org/protobuf/encoding/protowire, the same low-level
// primitives the protobuf module (already a transitive dependency via
// grpc) exposes beneath its generated code. The resulting bytes are
// genuinely decodable by any standard protobuf client given the
// equivalent .proto schema documented below.
//
//	message Segment {
//	  uint64 start_ts = 1;
//	  string source = 2;
//	  double sample_period_us = 3;
//	  repeated double data = 4 [packed = true];
//	}
//
//	message ChannelChunk {
//	  string id = 1;
//	  repeated double data = 2 [packed = true];
//	}
//
//	message ChunkResponse {
//	  repeated ChannelChunk channels = 1;
//	}
package wire

import (
	"encoding/binary"
	"fmt"
	"math"

	"google.golang.org/protobuf/encoding/protowire"
)

// Segment is the wire shape of one remote time-series delivery.
type Segment struct {
	StartTS        uint64
	Source         string
	SamplePeriodUs float64
	Data           []float64
}

// ChannelChunk is one channel's samples within a ChunkResponse.
type ChannelChunk struct {
	ID   string
	Data []float64
}

// ChunkResponse is the wire shape of one emitted chunk.
type ChunkResponse struct {
	Channels []ChannelChunk
}

const (
	fieldSegmentStartTS = protowire.Number(1)
	fieldSegmentSource  = protowire.Number(2)
	fieldSegmentPeriod  = protowire.Number(3)
	fieldSegmentData    = protowire.Number(4)

	fieldChannelChunkID   = protowire.Number(1)
	fieldChannelChunkData = protowire.Number(2)

	fieldChunkResponseChannels = protowire.Number(1)
)

// EncodeSegment serializes seg to protobuf-wire-compatible bytes.
func EncodeSegment(seg Segment) []byte {
	var b []byte
	b = protowire.AppendTag(b, fieldSegmentStartTS, protowire.VarintType)
	b = protowire.AppendVarint(b, seg.StartTS)

	b = protowire.AppendTag(b, fieldSegmentSource, protowire.BytesType)
	b = protowire.AppendString(b, seg.Source)

	b = protowire.AppendTag(b, fieldSegmentPeriod, protowire.Fixed64Type)
	b = protowire.AppendFixed64(b, math.Float64bits(seg.SamplePeriodUs))

	b = protowire.AppendTag(b, fieldSegmentData, protowire.BytesType)
	b = protowire.AppendBytes(b, packDoubles(seg.Data))
	return b
}

// DecodeSegment parses bytes produced by EncodeSegment (or any wire-
// compatible protobuf encoder for the Segment schema above).
func DecodeSegment(b []byte) (Segment, error) {
	var seg Segment
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return Segment{}, fmt.Errorf("segment: bad tag: %w", protowire.ParseError(n))
		}
		b = b[n:]

		switch num {
		case fieldSegmentStartTS:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return Segment{}, fmt.Errorf("segment: bad start_ts: %w", protowire.ParseError(n))
			}
			seg.StartTS = v
			b = b[n:]
		case fieldSegmentSource:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return Segment{}, fmt.Errorf("segment: bad source: %w", protowire.ParseError(n))
			}
			seg.Source = string(v)
			b = b[n:]
		case fieldSegmentPeriod:
			v, n := protowire.ConsumeFixed64(b)
			if n < 0 {
				return Segment{}, fmt.Errorf("segment: bad sample_period_us: %w", protowire.ParseError(n))
			}
			seg.SamplePeriodUs = math.Float64frombits(v)
			b = b[n:]
		case fieldSegmentData:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return Segment{}, fmt.Errorf("segment: bad data: %w", protowire.ParseError(n))
			}
			data, err := unpackDoubles(v)
			if err != nil {
				return Segment{}, fmt.Errorf("segment: %w", err)
			}
			seg.Data = data
			b = b[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return Segment{}, fmt.Errorf("segment: skip unknown field %d: %w", num, protowire.ParseError(n))
			}
			b = b[n:]
		}
	}
	return seg, nil
}

// EncodeChunk serializes chunk to protobuf-wire-compatible bytes.
func EncodeChunk(chunk ChunkResponse) []byte {
	var b []byte
	for _, ch := range chunk.Channels {
		var cb []byte
		cb = protowire.AppendTag(cb, fieldChannelChunkID, protowire.BytesType)
		cb = protowire.AppendString(cb, ch.ID)
		cb = protowire.AppendTag(cb, fieldChannelChunkData, protowire.BytesType)
		cb = protowire.AppendBytes(cb, packDoubles(ch.Data))

		b = protowire.AppendTag(b, fieldChunkResponseChannels, protowire.BytesType)
		b = protowire.AppendBytes(b, cb)
	}
	return b
}

// DecodeChunk parses bytes produced by EncodeChunk.
func DecodeChunk(b []byte) (ChunkResponse, error) {
	var out ChunkResponse
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return ChunkResponse{}, fmt.Errorf("chunk: bad tag: %w", protowire.ParseError(n))
		}
		b = b[n:]

		switch num {
		case fieldChunkResponseChannels:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return ChunkResponse{}, fmt.Errorf("chunk: bad channels entry: %w", protowire.ParseError(n))
			}
			ch, err := decodeChannelChunk(v)
			if err != nil {
				return ChunkResponse{}, err
			}
			out.Channels = append(out.Channels, ch)
			b = b[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return ChunkResponse{}, fmt.Errorf("chunk: skip unknown field %d: %w", num, protowire.ParseError(n))
			}
			b = b[n:]
		}
	}
	return out, nil
}

func decodeChannelChunk(b []byte) (ChannelChunk, error) {
	var ch ChannelChunk
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return ChannelChunk{}, fmt.Errorf("channel_chunk: bad tag: %w", protowire.ParseError(n))
		}
		b = b[n:]

		switch num {
		case fieldChannelChunkID:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return ChannelChunk{}, fmt.Errorf("channel_chunk: bad id: %w", protowire.ParseError(n))
			}
			ch.ID = string(v)
			b = b[n:]
		case fieldChannelChunkData:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return ChannelChunk{}, fmt.Errorf("channel_chunk: bad data: %w", protowire.ParseError(n))
			}
			data, err := unpackDoubles(v)
			if err != nil {
				return ChannelChunk{}, err
			}
			ch.Data = data
			b = b[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return ChannelChunk{}, fmt.Errorf("channel_chunk: skip unknown field %d: %w", num, protowire.ParseError(n))
			}
			b = b[n:]
		}
	}
	return ch, nil
}

// packDoubles encodes a packed repeated double field: concatenated
// little-endian IEEE-754 8-byte values, per the protobuf wire spec.
func packDoubles(values []float64) []byte {
	buf := make([]byte, 8*len(values))
	for i, v := range values {
		binary.LittleEndian.PutUint64(buf[i*8:], math.Float64bits(v))
	}
	return buf
}

func unpackDoubles(b []byte) ([]float64, error) {
	if len(b)%8 != 0 {
		return nil, fmt.Errorf("packed double field length %d not a multiple of 8", len(b))
	}
	out := make([]float64, len(b)/8)
	for i := range out {
		out[i] = math.Float64frombits(binary.LittleEndian.Uint64(b[i*8:]))
	}
	return out, nil
}
