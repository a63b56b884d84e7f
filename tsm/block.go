package tsm

import (
	"encoding/binary"
	"math"
	"sort"

	"github.com/cespare/xxhash/v2"
	tkerrors "github.com/tskvdb/tskv/errors"
)

// ValueType discriminates the typed scalar stored for a field.
type ValueType uint8

const (
	ValueFloat ValueType = iota
	ValueInteger
	ValueUnsigned
	ValueBoolean
	ValueString
)

// Value is one (timestamp, typed scalar) sample.
type Value struct {
	Timestamp int64
	Type      ValueType
	Float     float64
	Integer   int64
	Unsigned  uint64
	Boolean   bool
	String    string
}

// DataBlock holds every sample for one field-id within one TSM file block,
// sorted by Timestamp ascending with no duplicate timestamps, per the column
// file invariant.
type DataBlock struct {
	FieldID uint64
	Values  []Value
}

// MinMaxTime returns the block's timestamp range. ok is false for an empty
// block.
func (b *DataBlock) MinMaxTime() (min, max int64, ok bool) {
	if len(b.Values) == 0 {
		return 0, 0, false
	}
	return b.Values[0].Timestamp, b.Values[len(b.Values)-1].Timestamp, true
}

// TimeRange is an inclusive [Min, Max] timestamp interval.
type TimeRange struct {
	Min, Max int64
}

// Overlaps reports whether r and other share at least one timestamp.
func (r TimeRange) Overlaps(other TimeRange) bool {
	return r.Min <= other.Max && other.Min <= r.Max
}

// ExcludeRanges removes every value whose timestamp falls inside any of
// ranges, used by the tombstone store's apply_to_block operation. It returns
// a new block (or b itself when ranges is empty); the input is not mutated.
func (b *DataBlock) ExcludeRanges(ranges []TimeRange) *DataBlock {
	if len(ranges) == 0 {
		return b
	}
	out := make([]Value, 0, len(b.Values))
	for _, v := range b.Values {
		excluded := false
		for _, r := range ranges {
			if v.Timestamp >= r.Min && v.Timestamp <= r.Max {
				excluded = true
				break
			}
		}
		if !excluded {
			out = append(out, v)
		}
	}
	return &DataBlock{FieldID: b.FieldID, Values: out}
}

// SortAndDedup sorts values by timestamp and, on duplicate timestamps, keeps
// the value that appears later in the input slice (last-writer-wins),
// matching memcache and compaction merge semantics.
func SortAndDedup(values []Value) []Value {
	idx := make([]int, len(values))
	for i := range idx {
		idx[i] = i
	}
	sort.SliceStable(idx, func(i, j int) bool {
		return values[idx[i]].Timestamp < values[idx[j]].Timestamp
	})
	out := make([]Value, 0, len(values))
	for i := 0; i < len(idx); i++ {
		if i+1 < len(idx) && values[idx[i]].Timestamp == values[idx[i+1]].Timestamp {
			continue // a later duplicate with the same timestamp wins
		}
		out = append(out, values[idx[i]])
	}
	return out
}

// encodeBlock serializes a block body: codec_tag(1), checksum(8), then the
// compressed body of count, min_ts, max_ts, value type and each
// (timestamp, value) sample in order. The returned bytes are the on-disk
// block payload, not including the index entry that locates it.
func encodeBlock(values []Value, codec Codec) ([]byte, error) {
	count := len(values)
	raw := make([]byte, 0, 8+count*16)
	var hdr [8]byte
	binary.BigEndian.PutUint32(hdr[0:4], uint32(count))
	raw = append(raw, hdr[0:4]...)
	if count > 0 {
		var tsbuf [8]byte
		binary.BigEndian.PutUint64(tsbuf[:], uint64(values[0].Timestamp))
		raw = append(raw, tsbuf[:]...)
		binary.BigEndian.PutUint64(tsbuf[:], uint64(values[count-1].Timestamp))
		raw = append(raw, tsbuf[:]...)
	} else {
		raw = append(raw, make([]byte, 16)...)
	}
	if count > 0 {
		raw = append(raw, byte(values[0].Type))
	} else {
		raw = append(raw, byte(ValueFloat))
	}
	for _, v := range values {
		raw = appendValue(raw, v)
	}

	compressed, err := Compress(codec, nil, raw)
	if err != nil {
		return nil, err
	}
	checksum := xxhash.Sum64(compressed)

	out := make([]byte, 0, 1+8+len(compressed))
	out = append(out, byte(codec))
	var ckbuf [8]byte
	binary.BigEndian.PutUint64(ckbuf[:], checksum)
	out = append(out, ckbuf[:]...)
	out = append(out, compressed...)
	return out, nil
}

func appendValue(buf []byte, v Value) []byte {
	var tsbuf [8]byte
	binary.BigEndian.PutUint64(tsbuf[:], uint64(v.Timestamp))
	buf = append(buf, tsbuf[:]...)
	switch v.Type {
	case ValueFloat:
		binary.BigEndian.PutUint64(tsbuf[:], math.Float64bits(v.Float))
	case ValueInteger:
		binary.BigEndian.PutUint64(tsbuf[:], uint64(v.Integer))
	case ValueUnsigned:
		binary.BigEndian.PutUint64(tsbuf[:], v.Unsigned)
	case ValueBoolean:
		b := uint64(0)
		if v.Boolean {
			b = 1
		}
		binary.BigEndian.PutUint64(tsbuf[:], b)
	case ValueString:
		s := []byte(v.String)
		var lbuf [4]byte
		binary.BigEndian.PutUint32(lbuf[:], uint32(len(s)))
		buf = append(buf, lbuf[:]...)
		buf = append(buf, s...)
		return buf
	}
	buf = append(buf, tsbuf[:]...)
	return buf
}

// decodeBlock is the inverse of encodeBlock.
func decodeBlock(fieldID uint64, raw []byte) (*DataBlock, error) {
	if len(raw) < 1+8 {
		return nil, tkerrors.New(tkerrors.KindCorruption, "tsm: block too short")
	}
	codec := Codec(raw[0])
	checksum := binary.BigEndian.Uint64(raw[1:9])
	compressed := raw[9:]
	if xxhash.Sum64(compressed) != checksum {
		return nil, tkerrors.New(tkerrors.KindCorruption, "tsm: block checksum mismatch")
	}
	body, err := Decompress(codec, compressed, len(compressed)*3)
	if err != nil {
		return nil, err
	}
	if len(body) < 21 {
		return nil, tkerrors.New(tkerrors.KindCorruption, "tsm: block body too short")
	}
	count := binary.BigEndian.Uint32(body[0:4])
	typ := ValueType(body[20])
	off := 21
	values := make([]Value, 0, count)
	for i := uint32(0); i < count; i++ {
		if off+8 > len(body) {
			return nil, tkerrors.New(tkerrors.KindCorruption, "tsm: truncated value")
		}
		ts := int64(binary.BigEndian.Uint64(body[off : off+8]))
		off += 8
		v := Value{Timestamp: ts, Type: typ}
		switch typ {
		case ValueFloat:
			v.Float = math.Float64frombits(binary.BigEndian.Uint64(body[off : off+8]))
			off += 8
		case ValueInteger:
			v.Integer = int64(binary.BigEndian.Uint64(body[off : off+8]))
			off += 8
		case ValueUnsigned:
			v.Unsigned = binary.BigEndian.Uint64(body[off : off+8])
			off += 8
		case ValueBoolean:
			v.Boolean = binary.BigEndian.Uint64(body[off:off+8]) != 0
			off += 8
		case ValueString:
			n := binary.BigEndian.Uint32(body[off : off+4])
			off += 4
			if off+int(n) > len(body) {
				return nil, tkerrors.New(tkerrors.KindCorruption, "tsm: truncated string value")
			}
			v.String = string(body[off : off+int(n)])
			off += int(n)
		}
		values = append(values, v)
	}
	return &DataBlock{FieldID: fieldID, Values: values}, nil
}
