package tsm

import (
	"io"
	"os"
	"sort"

	"github.com/tskvdb/tskv/internal/bloom"
	tkerrors "github.com/tskvdb/tskv/errors"
)

// Reader opens an immutable TSM file for random access: iterate blocks for a
// field and range, or read a specific block.
type Reader struct {
	f       *os.File
	size    int64
	index   []IndexEntry
	byField map[uint64][]IndexEntry
	bloom   *bloom.Filter
}

// Open opens path, validates its footer and loads the index and bloom
// filter into memory. A corrupt footer is fatal for the file: the caller
// should quarantine it and exclude it from the Version rather than retry.
func Open(path string) (*Reader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, tkerrors.Wrap(tkerrors.KindIO, err, "tsm: open %s", path)
	}
	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, tkerrors.Wrap(tkerrors.KindIO, err, "tsm: stat %s", path)
	}
	size := info.Size()
	if size < FooterLen {
		_ = f.Close()
		return nil, tkerrors.New(tkerrors.KindCorruption, "tsm: %s too small for footer", path)
	}

	footerBuf := make([]byte, FooterLen)
	if _, err := f.ReadAt(footerBuf, size-FooterLen); err != nil {
		_ = f.Close()
		return nil, tkerrors.Wrap(tkerrors.KindIO, err, "tsm: read footer")
	}
	ft, ok := decodeFooter(footerBuf)
	if !ok {
		_ = f.Close()
		return nil, tkerrors.New(tkerrors.KindCorruption, "tsm: %s has a corrupt footer", path)
	}

	bloomBuf := make([]byte, (size-FooterLen)-ft.bloomOffset)
	if _, err := f.ReadAt(bloomBuf, ft.bloomOffset); err != nil {
		_ = f.Close()
		return nil, tkerrors.Wrap(tkerrors.KindIO, err, "tsm: read bloom section")
	}
	bf, ok := decodeBloom(bloomBuf)
	if !ok {
		_ = f.Close()
		return nil, tkerrors.New(tkerrors.KindCorruption, "tsm: %s has a corrupt bloom section", path)
	}

	indexBuf := make([]byte, ft.bloomOffset-ft.indexOffset)
	if _, err := f.ReadAt(indexBuf, ft.indexOffset); err != nil {
		_ = f.Close()
		return nil, tkerrors.Wrap(tkerrors.KindIO, err, "tsm: read index section")
	}
	entries, ok := decodeIndex(indexBuf)
	if !ok {
		_ = f.Close()
		return nil, tkerrors.New(tkerrors.KindCorruption, "tsm: %s has a corrupt index", path)
	}

	byField := make(map[uint64][]IndexEntry)
	for _, e := range entries {
		byField[e.FieldID] = append(byField[e.FieldID], e)
	}
	for fid := range byField {
		es := byField[fid]
		sort.Slice(es, func(i, j int) bool { return es[i].MinTS < es[j].MinTS })
		byField[fid] = es
	}

	return &Reader{f: f, size: size, index: entries, byField: byField, bloom: bf}, nil
}

// Close releases the file handle.
func (r *Reader) Close() error {
	if err := r.f.Close(); err != nil {
		return tkerrors.Wrap(tkerrors.KindIO, err, "tsm: close")
	}
	return nil
}

// ContainsField reports whether the file's bloom filter indicates fieldID
// might be present. false is authoritative: no block for fieldID exists.
func (r *Reader) ContainsField(fieldID uint64) bool {
	var buf [8]byte
	putU64(buf[:], fieldID)
	return r.bloom.Contains(buf[:])
}

// BlocksForField returns the index entries for fieldID overlapping
// [minTS, maxTS], in ascending timestamp order.
func (r *Reader) BlocksForField(fieldID uint64, minTS, maxTS int64) []IndexEntry {
	if !r.ContainsField(fieldID) {
		return nil
	}
	var out []IndexEntry
	for _, e := range r.byField[fieldID] {
		if e.MaxTS >= minTS && e.MinTS <= maxTS {
			out = append(out, e)
		}
	}
	return out
}

// ReadBlock reads and decodes the block located by e.
func (r *Reader) ReadBlock(e IndexEntry) (*DataBlock, error) {
	buf, err := r.ReadRawBlock(e)
	if err != nil {
		return nil, err
	}
	return decodeBlock(e.FieldID, buf)
}

// ReadRawBlock reads the still-encoded bytes of the block located by e,
// without decompressing or decoding values. ReadBlock decodes on top of it.
func (r *Reader) ReadRawBlock(e IndexEntry) ([]byte, error) {
	buf := make([]byte, e.Length)
	if _, err := r.f.ReadAt(buf, e.Offset); err != nil && err != io.EOF {
		return nil, tkerrors.Wrap(tkerrors.KindIO, err, "tsm: read block")
	}
	return buf, nil
}

// FieldIDs returns every field-id present in the file.
func (r *Reader) FieldIDs() []uint64 {
	ids := make([]uint64, 0, len(r.byField))
	for fid := range r.byField {
		ids = append(ids, fid)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// AllIndexEntries returns the full, file-ordered index (offset ascending),
// used by the vnode hash tree to read every block of a file in on-disk order.
func (r *Reader) AllIndexEntries() []IndexEntry {
	entries := append([]IndexEntry(nil), r.index...)
	sort.Slice(entries, func(i, j int) bool { return entries[i].Offset < entries[j].Offset })
	return entries
}
