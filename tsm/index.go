package tsm

import "encoding/binary"

// IndexEntry locates one block for one field-id: its offset, length and
// timestamp range within the file.
type IndexEntry struct {
	FieldID    uint64
	Offset     int64
	Length     int64
	MinTS      int64
	MaxTS      int64
}

// fieldIndex is the ordered set of blocks for one field-id, in ascending
// timestamp order (no overlap within one file per the column file
// invariant).
type fieldIndex struct {
	FieldID uint64
	Entries []IndexEntry
}

const indexEntryLen = 8 + 8 + 8 + 8 + 8 // field_id, offset, length, min_ts, max_ts

func encodeIndex(fields []fieldIndex) []byte {
	total := 0
	for _, f := range fields {
		total += indexEntryLen * len(f.Entries)
	}
	buf := make([]byte, 0, 4+total)
	var cnt [4]byte
	n := 0
	for _, f := range fields {
		n += len(f.Entries)
	}
	binary.BigEndian.PutUint32(cnt[:], uint32(n))
	buf = append(buf, cnt[:]...)
	var entryBuf [indexEntryLen]byte
	for _, f := range fields {
		for _, e := range f.Entries {
			binary.BigEndian.PutUint64(entryBuf[0:8], e.FieldID)
			binary.BigEndian.PutUint64(entryBuf[8:16], uint64(e.Offset))
			binary.BigEndian.PutUint64(entryBuf[16:24], uint64(e.Length))
			binary.BigEndian.PutUint64(entryBuf[24:32], uint64(e.MinTS))
			binary.BigEndian.PutUint64(entryBuf[32:40], uint64(e.MaxTS))
			buf = append(buf, entryBuf[:]...)
		}
	}
	return buf
}

func decodeIndex(buf []byte) ([]IndexEntry, bool) {
	if len(buf) < 4 {
		return nil, false
	}
	n := binary.BigEndian.Uint32(buf[0:4])
	buf = buf[4:]
	if len(buf) != int(n)*indexEntryLen {
		return nil, false
	}
	entries := make([]IndexEntry, n)
	for i := range entries {
		off := i * indexEntryLen
		e := &entries[i]
		e.FieldID = binary.BigEndian.Uint64(buf[off : off+8])
		e.Offset = int64(binary.BigEndian.Uint64(buf[off+8 : off+16]))
		e.Length = int64(binary.BigEndian.Uint64(buf[off+16 : off+24]))
		e.MinTS = int64(binary.BigEndian.Uint64(buf[off+24 : off+32]))
		e.MaxTS = int64(binary.BigEndian.Uint64(buf[off+32 : off+40]))
	}
	return entries, true
}
