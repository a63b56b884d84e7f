package tsm

import (
	"os"
	"sort"

	"github.com/tskvdb/tskv/internal/bloom"
	tkerrors "github.com/tskvdb/tskv/errors"
)

// DefaultBlockCodec is the codec new level-0 flushes and level-1
// compaction outputs use; compaction writes level 2 and deeper outputs with
// CodecZstdKlauspost.
const DefaultBlockCodec = CodecSnappy

// Writer produces a TSM file from an input already sorted by (field-id, ts),
// matching the column file invariant that within one file each field-id's
// points are strictly timestamp-ordered with no duplicates.
type Writer struct {
	f      *os.File
	off    int64
	fields []fieldIndex
	bf     *bloom.Filter
	codec  Codec
}

// Create opens a new TSM file at path for writing. expectedFields sizes the
// bloom filter footer.
func Create(path string, expectedFields int, codec Codec) (*Writer, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return nil, tkerrors.Wrap(tkerrors.KindIO, err, "tsm: create %s", path)
	}
	return &Writer{f: f, bf: bloom.New(expectedFields, 0.01), codec: codec}, nil
}

// WriteBlock appends one field's block, sorted by timestamp with duplicates
// already resolved by the caller (memcache flush or compaction merge).
// Blocks for a given field-id must be written in ascending timestamp order
// across calls; callers writing one call per field satisfy this trivially.
func (w *Writer) WriteBlock(fieldID uint64, values []Value) error {
	if len(values) == 0 {
		return nil
	}
	if !sort.SliceIsSorted(values, func(i, j int) bool { return values[i].Timestamp < values[j].Timestamp }) {
		return tkerrors.New(tkerrors.KindInvalidArgument, "tsm: block for field %d not sorted by timestamp", fieldID)
	}
	raw, err := encodeBlock(values, w.codec)
	if err != nil {
		return err
	}
	n, err := w.f.Write(raw)
	if err != nil {
		return tkerrors.Wrap(tkerrors.KindIO, err, "tsm: write block")
	}
	entry := IndexEntry{
		FieldID: fieldID,
		Offset:  w.off,
		Length:  int64(n),
		MinTS:   values[0].Timestamp,
		MaxTS:   values[len(values)-1].Timestamp,
	}
	w.off += int64(n)
	w.appendIndexEntry(entry)

	var fidBuf [8]byte
	putU64(fidBuf[:], fieldID)
	w.bf.Add(fidBuf[:])
	return nil
}

func (w *Writer) appendIndexEntry(e IndexEntry) {
	for i := range w.fields {
		if w.fields[i].FieldID == e.FieldID {
			w.fields[i].Entries = append(w.fields[i].Entries, e)
			return
		}
	}
	w.fields = append(w.fields, fieldIndex{FieldID: e.FieldID, Entries: []IndexEntry{e}})
}

// Close writes the index section, the bloom filter, and the footer, then
// fsyncs and closes the file. The caller must fsync the containing directory
// separately if the platform requires it for durability of the new dirent
// (outside this package's scope: handled by the flush/compaction job that
// creates the file in its vnode root).
func (w *Writer) Close() (minTS, maxTS int64, err error) {
	indexOffset := w.off
	indexBuf := encodeIndex(w.fields)
	if _, err := w.f.Write(indexBuf); err != nil {
		return 0, 0, tkerrors.Wrap(tkerrors.KindIO, err, "tsm: write index")
	}
	w.off += int64(len(indexBuf))

	bloomOffset := w.off
	bloomBuf := encodeBloom(w.bf)
	if _, err := w.f.Write(bloomBuf); err != nil {
		return 0, 0, tkerrors.Wrap(tkerrors.KindIO, err, "tsm: write bloom")
	}
	w.off += int64(len(bloomBuf))

	footerBuf := encodeFooter(footer{indexOffset: indexOffset, bloomOffset: bloomOffset})
	if _, err := w.f.Write(footerBuf); err != nil {
		return 0, 0, tkerrors.Wrap(tkerrors.KindIO, err, "tsm: write footer")
	}

	if err := w.f.Sync(); err != nil {
		return 0, 0, tkerrors.Wrap(tkerrors.KindIO, err, "tsm: fsync")
	}
	if err := w.f.Close(); err != nil {
		return 0, 0, tkerrors.Wrap(tkerrors.KindIO, err, "tsm: close")
	}

	minTS, maxTS = fileTimeRange(w.fields)
	return minTS, maxTS, nil
}

func fileTimeRange(fields []fieldIndex) (min, max int64) {
	first := true
	for _, f := range fields {
		for _, e := range f.Entries {
			if first {
				min, max = e.MinTS, e.MaxTS
				first = false
				continue
			}
			if e.MinTS < min {
				min = e.MinTS
			}
			if e.MaxTS > max {
				max = e.MaxTS
			}
		}
	}
	return min, max
}

func putU64(buf []byte, v uint64) {
	for i := 7; i >= 0; i-- {
		buf[i] = byte(v)
		v >>= 8
	}
}

func encodeBloom(f *bloom.Filter) []byte {
	bits := f.Bytes()
	buf := make([]byte, 4+4+len(bits))
	putU32(buf[0:4], f.K())
	putU32(buf[4:8], uint32(len(bits)))
	copy(buf[8:], bits)
	return buf
}

func decodeBloom(buf []byte) (*bloom.Filter, bool) {
	if len(buf) < 8 {
		return nil, false
	}
	k := getU32(buf[0:4])
	n := getU32(buf[4:8])
	if len(buf) != 8+int(n) {
		return nil, false
	}
	return bloom.Load(append([]byte(nil), buf[8:]...), k), true
}

func putU32(buf []byte, v uint32) {
	buf[0] = byte(v >> 24)
	buf[1] = byte(v >> 16)
	buf[2] = byte(v >> 8)
	buf[3] = byte(v)
}

func getU32(buf []byte) uint32 {
	return uint32(buf[0])<<24 | uint32(buf[1])<<16 | uint32(buf[2])<<8 | uint32(buf[3])
}
