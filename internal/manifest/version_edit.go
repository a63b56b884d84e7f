package manifest

import (
	"encoding/binary"

	"github.com/tskvdb/tskv/internal/bloom"
	tkerrors "github.com/tskvdb/tskv/errors"
)

// VersionEdit is a single delta to a TsFamily's Version: files added, file
// ids removed, and the sequence number the edit advances last_seq to.
type VersionEdit struct {
	TsfID         uint32
	AddFiles      []ColumnFileMeta
	RemoveFileIDs []ColumnFileID
	MaxLevel      int
	SeqNo         uint64
}

// Apply produces the Version that results from applying e to base. base is
// consumed: ownership of every ColumnFile it held is transferred to the
// returned Version, except for files named in e.RemoveFileIDs, whose
// reference is released. Callers must not use base after Apply, and must
// not separately Unref its files; Publish does not Unref the Version it
// replaces for exactly this reason.
func Apply(base *Version, e VersionEdit, onEvict func(ColumnFileID)) *Version {
	removed := make(map[ColumnFileID]bool, len(e.RemoveFileIDs))
	for _, id := range e.RemoveFileIDs {
		removed[id] = true
	}

	maxLevel := e.MaxLevel
	if maxLevel < base.MaxLevel() {
		maxLevel = base.MaxLevel()
	}
	for _, m := range e.AddFiles {
		if m.Level > maxLevel {
			maxLevel = m.Level
		}
	}

	next := &Version{TfID: base.TfID, LastSeq: e.SeqNo, Levels: make([][]*ColumnFile, maxLevel+1)}
	if next.LastSeq < base.LastSeq {
		next.LastSeq = base.LastSeq
	}

	for lvl, files := range base.Levels {
		for _, f := range files {
			if removed[f.Meta.ID] {
				f.Unref() // base's reference to a removed file is released here
				continue
			}
			next.Levels[lvl] = append(next.Levels[lvl], f) // ownership moves from base to next, refcount unchanged
		}
	}
	for _, m := range e.AddFiles {
		next.Levels[m.Level] = append(next.Levels[m.Level], NewColumnFile(m, onEvict))
	}
	return next
}

// EncodeVersionEdit serializes e for the summary's record stream.
func EncodeVersionEdit(e VersionEdit) []byte { return encodeVersionEdit(e) }

// DecodeVersionEdit is the inverse of EncodeVersionEdit.
func DecodeVersionEdit(data []byte) (VersionEdit, error) { return decodeVersionEdit(data) }

// encodeVersionEdit/decodeVersionEdit serialize a VersionEdit for the
// summary's record stream.
func encodeVersionEdit(e VersionEdit) []byte {
	buf := make([]byte, 0, 64)
	var u64 [8]byte
	putU32(&buf, e.TsfID)
	putU32(&buf, uint32(e.MaxLevel))
	binary.BigEndian.PutUint64(u64[:], e.SeqNo)
	buf = append(buf, u64[:]...)

	putU32(&buf, uint32(len(e.RemoveFileIDs)))
	for _, id := range e.RemoveFileIDs {
		binary.BigEndian.PutUint64(u64[:], id)
		buf = append(buf, u64[:]...)
	}

	putU32(&buf, uint32(len(e.AddFiles)))
	for _, m := range e.AddFiles {
		buf = appendColumnFileMeta(buf, m)
	}
	return buf
}

func putU32(buf *[]byte, v uint32) {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], v)
	*buf = append(*buf, b[:]...)
}

func appendColumnFileMeta(buf []byte, m ColumnFileMeta) []byte {
	var u64 [8]byte
	binary.BigEndian.PutUint64(u64[:], m.ID)
	buf = append(buf, u64[:]...)
	putU32(&buf, uint32(m.Level))
	binary.BigEndian.PutUint64(u64[:], uint64(m.MinTS))
	buf = append(buf, u64[:]...)
	binary.BigEndian.PutUint64(u64[:], uint64(m.MaxTS))
	buf = append(buf, u64[:]...)
	binary.BigEndian.PutUint64(u64[:], m.Size)
	buf = append(buf, u64[:]...)
	if m.Bloom != nil {
		bits := m.Bloom.Bytes()
		putU32(&buf, m.Bloom.K())
		putU32(&buf, uint32(len(bits)))
		buf = append(buf, bits...)
	} else {
		putU32(&buf, 0)
		putU32(&buf, 0)
	}
	return buf
}

func decodeVersionEdit(data []byte) (VersionEdit, error) {
	var e VersionEdit
	var off int
	var ok bool
	if e.TsfID, off, ok = readU32(data, off); !ok {
		return e, tkerrors.New(tkerrors.KindCorruption, "manifest: truncated version edit")
	}
	var maxLevel uint32
	if maxLevel, off, ok = readU32(data, off); !ok {
		return e, tkerrors.New(tkerrors.KindCorruption, "manifest: truncated version edit")
	}
	e.MaxLevel = int(maxLevel)
	if off+8 > len(data) {
		return e, tkerrors.New(tkerrors.KindCorruption, "manifest: truncated version edit")
	}
	e.SeqNo = binary.BigEndian.Uint64(data[off : off+8])
	off += 8

	var nRemove uint32
	if nRemove, off, ok = readU32(data, off); !ok {
		return e, tkerrors.New(tkerrors.KindCorruption, "manifest: truncated version edit")
	}
	for i := uint32(0); i < nRemove; i++ {
		if off+8 > len(data) {
			return e, tkerrors.New(tkerrors.KindCorruption, "manifest: truncated version edit")
		}
		e.RemoveFileIDs = append(e.RemoveFileIDs, binary.BigEndian.Uint64(data[off:off+8]))
		off += 8
	}

	var nAdd uint32
	if nAdd, off, ok = readU32(data, off); !ok {
		return e, tkerrors.New(tkerrors.KindCorruption, "manifest: truncated version edit")
	}
	for i := uint32(0); i < nAdd; i++ {
		var m ColumnFileMeta
		m, off, ok = readColumnFileMeta(data, off)
		if !ok {
			return e, tkerrors.New(tkerrors.KindCorruption, "manifest: truncated version edit")
		}
		e.AddFiles = append(e.AddFiles, m)
	}
	return e, nil
}

func readU32(data []byte, off int) (uint32, int, bool) {
	if off+4 > len(data) {
		return 0, off, false
	}
	return binary.BigEndian.Uint32(data[off : off+4]), off + 4, true
}

func readColumnFileMeta(data []byte, off int) (ColumnFileMeta, int, bool) {
	var m ColumnFileMeta
	if off+8 > len(data) {
		return m, off, false
	}
	m.ID = binary.BigEndian.Uint64(data[off : off+8])
	off += 8
	var level uint32
	if level, off, _ = readU32(data, off); off > len(data) {
		return m, off, false
	}
	m.Level = int(level)
	if off+24 > len(data) {
		return m, off, false
	}
	m.MinTS = int64(binary.BigEndian.Uint64(data[off : off+8]))
	off += 8
	m.MaxTS = int64(binary.BigEndian.Uint64(data[off : off+8]))
	off += 8
	m.Size = binary.BigEndian.Uint64(data[off : off+8])
	off += 8

	var k, n uint32
	if k, off, _ = readU32(data, off); off > len(data) {
		return m, off, false
	}
	if n, off, _ = readU32(data, off); off > len(data) {
		return m, off, false
	}
	if off+int(n) > len(data) {
		return m, off, false
	}
	if n > 0 {
		m.Bloom = bloom.Load(append([]byte(nil), data[off:off+int(n)]...), k)
	}
	off += int(n)
	return m, off, true
}
