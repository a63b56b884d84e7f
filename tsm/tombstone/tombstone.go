// Package tombstone implements the per-column-file sidecar that records
// deleted (field-id, time-range) tuples.
//
// Grounded directly on the original tskv tombstone store: footer magic
// "romb" (0x726F6D62, declared as FooterMagic but not written by Store),
// fixed 24-byte records of
// field_id:u64 BE | min_ts:i64 BE | max_ts:i64 BE, an in-memory
// map[FieldID][]TimeRange rebuilt from whatever records survive CRC
// validation on open, and a single call that is not required to be atomic
// across field-ids on crash.
package tombstone

import (
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/tskvdb/tskv/internal/bloom"
	"github.com/tskvdb/tskv/internal/record"
	"github.com/tskvdb/tskv/tsm"
)

// FooterMagic is the tombstone file's footer magic ("romb"). Store does not
// write it: a tombstone file holds only its records.
var FooterMagic = [4]byte{'r', 'o', 'm', 'b'}

const recordType record.Type = 1
const entryLen = 24 // field_id:8 + min_ts:8 + max_ts:8

// FileSuffix is the on-disk suffix for a tombstone sidecar file.
const FileSuffix = "tombstone"

// FileName returns the tombstone sidecar path for a TSM file id, e.g.
// tsm/_000007.tombstone.
func FileName(dir string, tsmFileID uint64) string {
	return filepath.Join(dir, fmt.Sprintf("_%06d.%s", tsmFileID, FileSuffix))
}

// Store is the tombstone sidecar for one column file. The writer is opened
// lazily on the first call to Add. Lock order, when both are needed: writer
// mutex first, then the in-memory map mutex, matching the concurrency model
// here.
type Store struct {
	path string

	writerMu sync.Mutex
	writer   *record.Writer

	mapMu   sync.Mutex
	ranges  map[uint64][]tsm.TimeRange
}

// Open loads an existing tombstone file at path, if any, rebuilding the
// in-memory map from whatever records pass CRC validation. It is not an
// error for the file not to exist yet; Add will create it lazily.
func Open(path string) (*Store, error) {
	s := &Store{path: path, ranges: make(map[uint64][]tsm.TimeRange)}
	if _, err := os.Stat(path); err != nil {
		return s, nil
	}
	if _, err := record.ReadAll(path, func(rec record.Record) error {
		if len(rec.Data) < entryLen {
			return nil
		}
		fieldID := binary.BigEndian.Uint64(rec.Data[0:8])
		minTS := int64(binary.BigEndian.Uint64(rec.Data[8:16]))
		maxTS := int64(binary.BigEndian.Uint64(rec.Data[16:24]))
		s.ranges[fieldID] = append(s.ranges[fieldID], tsm.TimeRange{Min: minTS, Max: maxTS})
		return nil
	}); err != nil {
		return nil, err
	}
	return s, nil
}

// IsEmpty reports whether the store has no recorded tombstones.
func (s *Store) IsEmpty() bool {
	s.mapMu.Lock()
	defer s.mapMu.Unlock()
	return len(s.ranges) == 0
}

// Add records a deletion of timeRange for each of fieldIDs. If bloomFilter
// is supplied, a field-id not present in it is skipped (the owning column
// file cannot contain it, so recording a tombstone for it would be wasted
// work). The call is not required to be atomic across field-ids on crash;
// readers tolerate partial writes because the in-memory map is rebuilt from
// whatever records survive CRC validation on the next open.
func (s *Store) Add(fieldIDs []uint64, timeRange tsm.TimeRange, bloomFilter *bloom.Filter) error {
	s.writerMu.Lock()
	defer s.writerMu.Unlock()

	if s.writer == nil {
		w, err := record.Create(s.path)
		if err != nil {
			return err
		}
		s.writer = w
	}

	var buf [entryLen]byte
	for _, fieldID := range fieldIDs {
		binary.BigEndian.PutUint64(buf[0:8], fieldID)
		if bloomFilter != nil {
			var fidBuf [8]byte
			binary.BigEndian.PutUint64(fidBuf[:], fieldID)
			if !bloomFilter.Contains(fidBuf[:]) {
				continue
			}
		}
		binary.BigEndian.PutUint64(buf[8:16], uint64(timeRange.Min))
		binary.BigEndian.PutUint64(buf[16:24], uint64(timeRange.Max))
		if _, err := s.writer.Append(record.V1, recordType, buf[:]); err != nil {
			return err
		}

		s.mapMu.Lock()
		s.ranges[fieldID] = append(s.ranges[fieldID], timeRange)
		s.mapMu.Unlock()
	}
	return nil
}

// Overlaps reports whether any tombstone for fieldID overlaps timeRange.
func (s *Store) Overlaps(fieldID uint64, timeRange tsm.TimeRange) bool {
	s.mapMu.Lock()
	defer s.mapMu.Unlock()
	for _, r := range s.ranges[fieldID] {
		if r.Overlaps(timeRange) {
			return true
		}
	}
	return false
}

// GetOverlapping returns every tombstone TimeRange for fieldID that overlaps
// timeRange, or nil if there are none.
func (s *Store) GetOverlapping(fieldID uint64, timeRange tsm.TimeRange) []tsm.TimeRange {
	s.mapMu.Lock()
	defer s.mapMu.Unlock()
	var out []tsm.TimeRange
	for _, r := range s.ranges[fieldID] {
		if r.Overlaps(timeRange) {
			out = append(out, r)
		}
	}
	return out
}

// ApplyToBlock excises timestamps in block that fall into any tombstone
// range recorded for block.FieldID.
func (s *Store) ApplyToBlock(block *tsm.DataBlock) *tsm.DataBlock {
	minTS, maxTS, ok := block.MinMaxTime()
	if !ok {
		return block
	}
	ranges := s.GetOverlapping(block.FieldID, tsm.TimeRange{Min: minTS, Max: maxTS})
	if len(ranges) == 0 {
		return block
	}
	return block.ExcludeRanges(ranges)
}

// Flush issues a durability barrier on the tombstone writer, if one has been
// opened.
func (s *Store) Flush() error {
	s.writerMu.Lock()
	defer s.writerMu.Unlock()
	if s.writer == nil {
		return nil
	}
	return s.writer.Sync()
}

// Close flushes and releases the underlying file handle, if any.
func (s *Store) Close() error {
	s.writerMu.Lock()
	defer s.writerMu.Unlock()
	if s.writer == nil {
		return nil
	}
	return s.writer.Close()
}
