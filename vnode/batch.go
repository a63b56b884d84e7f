package vnode

import (
	"encoding/binary"
	"math"

	tkerrors "github.com/tskvdb/tskv/errors"
	"github.com/tskvdb/tskv/tsm"
)

// Point is one resolved (series, field, timestamp, value) sample ready for
// insertion into a memcache. fieldID already encodes the owning series.
type Point struct {
	FieldID uint64
	Value   tsm.Value
}

// WriteBatch is the payload of a single write call: every point lands in
// the same WAL record and the same memcache generation.
type WriteBatch struct {
	Points []Point
}

// encodeBatch/decodeBatch serialize a WriteBatch for the WAL. This is the
// controller's own wire format; the WAL package treats the payload as
// opaque bytes.
func encodeBatch(b WriteBatch) []byte {
	buf := make([]byte, 4, 64)
	binary.BigEndian.PutUint32(buf, uint32(len(b.Points)))
	for _, p := range b.Points {
		var fieldBuf [8]byte
		binary.BigEndian.PutUint64(fieldBuf[:], p.FieldID)
		buf = append(buf, fieldBuf[:]...)
		buf = appendValue(buf, p.Value)
	}
	return buf
}

func appendValue(buf []byte, v tsm.Value) []byte {
	var tsBuf [8]byte
	binary.BigEndian.PutUint64(tsBuf[:], uint64(v.Timestamp))
	buf = append(buf, tsBuf[:]...)
	buf = append(buf, byte(v.Type))
	switch v.Type {
	case tsm.ValueFloat:
		var b [8]byte
		binary.BigEndian.PutUint64(b[:], math.Float64bits(v.Float))
		buf = append(buf, b[:]...)
	case tsm.ValueInteger:
		var b [8]byte
		binary.BigEndian.PutUint64(b[:], uint64(v.Integer))
		buf = append(buf, b[:]...)
	case tsm.ValueUnsigned:
		var b [8]byte
		binary.BigEndian.PutUint64(b[:], v.Unsigned)
		buf = append(buf, b[:]...)
	case tsm.ValueBoolean:
		if v.Boolean {
			buf = append(buf, 1)
		} else {
			buf = append(buf, 0)
		}
	case tsm.ValueString:
		var l [4]byte
		binary.BigEndian.PutUint32(l[:], uint32(len(v.String)))
		buf = append(buf, l[:]...)
		buf = append(buf, v.String...)
	}
	return buf
}

func decodeBatch(data []byte) (WriteBatch, error) {
	if len(data) < 4 {
		return WriteBatch{}, tkerrors.New(tkerrors.KindCorruption, "vnode: truncated batch")
	}
	n := binary.BigEndian.Uint32(data[0:4])
	off := 4
	var b WriteBatch
	for i := uint32(0); i < n; i++ {
		if off+8 > len(data) {
			return WriteBatch{}, tkerrors.New(tkerrors.KindCorruption, "vnode: truncated field id")
		}
		fieldID := binary.BigEndian.Uint64(data[off : off+8])
		off += 8
		v, next, err := readValue(data, off)
		if err != nil {
			return WriteBatch{}, err
		}
		off = next
		b.Points = append(b.Points, Point{FieldID: fieldID, Value: v})
	}
	return b, nil
}

func readValue(data []byte, off int) (tsm.Value, int, error) {
	if off+9 > len(data) {
		return tsm.Value{}, off, tkerrors.New(tkerrors.KindCorruption, "vnode: truncated value header")
	}
	ts := int64(binary.BigEndian.Uint64(data[off : off+8]))
	typ := tsm.ValueType(data[off+8])
	off += 9
	v := tsm.Value{Timestamp: ts, Type: typ}
	switch typ {
	case tsm.ValueFloat:
		if off+8 > len(data) {
			return tsm.Value{}, off, tkerrors.New(tkerrors.KindCorruption, "vnode: truncated float")
		}
		v.Float = math.Float64frombits(binary.BigEndian.Uint64(data[off : off+8]))
		off += 8
	case tsm.ValueInteger:
		if off+8 > len(data) {
			return tsm.Value{}, off, tkerrors.New(tkerrors.KindCorruption, "vnode: truncated integer")
		}
		v.Integer = int64(binary.BigEndian.Uint64(data[off : off+8]))
		off += 8
	case tsm.ValueUnsigned:
		if off+8 > len(data) {
			return tsm.Value{}, off, tkerrors.New(tkerrors.KindCorruption, "vnode: truncated unsigned")
		}
		v.Unsigned = binary.BigEndian.Uint64(data[off : off+8])
		off += 8
	case tsm.ValueBoolean:
		if off+1 > len(data) {
			return tsm.Value{}, off, tkerrors.New(tkerrors.KindCorruption, "vnode: truncated bool")
		}
		v.Boolean = data[off] != 0
		off++
	case tsm.ValueString:
		if off+4 > len(data) {
			return tsm.Value{}, off, tkerrors.New(tkerrors.KindCorruption, "vnode: truncated string length")
		}
		l := binary.BigEndian.Uint32(data[off : off+4])
		off += 4
		if off+int(l) > len(data) {
			return tsm.Value{}, off, tkerrors.New(tkerrors.KindCorruption, "vnode: truncated string")
		}
		v.String = string(data[off : off+int(l)])
		off += int(l)
	default:
		return tsm.Value{}, off, tkerrors.New(tkerrors.KindCorruption, "vnode: unknown value type %d", typ)
	}
	return v, off, nil
}
