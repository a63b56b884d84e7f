// Package wal implements the per-vnode durable write-ahead log:
// append(batch) -> seq, with seq allocated in the caller's order and
// persisted before the write is acknowledged, and truncate(up_to_seq)
// dropping whole segments whose highest seq is <= the threshold.
package wal

import (
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/tskvdb/tskv/internal/record"
	tkerrors "github.com/tskvdb/tskv/errors"
)

const batchRecordType record.Type = 1

// Precision is the timestamp unit of an incoming write batch.
type Precision uint8

const (
	PrecisionNanosecond Precision = iota
	PrecisionMicrosecond
	PrecisionMillisecond
	PrecisionSecond
)

// Batch is one WAL record's logical content.
type Batch struct {
	Seq       uint64
	Tenant    string
	Database  string
	Precision Precision
	Payload   []byte
}

func encodeBatch(b Batch) []byte {
	tenant := []byte(b.Tenant)
	database := []byte(b.Database)
	buf := make([]byte, 0, 8+4+len(tenant)+4+len(database)+1+len(b.Payload))
	var u64 [8]byte
	binary.BigEndian.PutUint64(u64[:], b.Seq)
	buf = append(buf, u64[:]...)
	buf = appendLenPrefixed(buf, tenant)
	buf = appendLenPrefixed(buf, database)
	buf = append(buf, byte(b.Precision))
	buf = append(buf, b.Payload...)
	return buf
}

func appendLenPrefixed(buf, data []byte) []byte {
	var l [4]byte
	binary.BigEndian.PutUint32(l[:], uint32(len(data)))
	buf = append(buf, l[:]...)
	return append(buf, data...)
}

func decodeBatch(data []byte) (Batch, error) {
	if len(data) < 8+4 {
		return Batch{}, tkerrors.New(tkerrors.KindCorruption, "wal: batch record too short")
	}
	seq := binary.BigEndian.Uint64(data[0:8])
	off := 8
	tenant, off, err := readLenPrefixed(data, off)
	if err != nil {
		return Batch{}, err
	}
	database, off, err := readLenPrefixed(data, off)
	if err != nil {
		return Batch{}, err
	}
	if off >= len(data) {
		return Batch{}, tkerrors.New(tkerrors.KindCorruption, "wal: batch record missing precision")
	}
	precision := Precision(data[off])
	off++
	payload := append([]byte(nil), data[off:]...)
	return Batch{Seq: seq, Tenant: string(tenant), Database: string(database), Precision: precision, Payload: payload}, nil
}

func readLenPrefixed(data []byte, off int) ([]byte, int, error) {
	if off+4 > len(data) {
		return nil, off, tkerrors.New(tkerrors.KindCorruption, "wal: truncated length prefix")
	}
	n := int(binary.BigEndian.Uint32(data[off : off+4]))
	off += 4
	if off+n > len(data) {
		return nil, off, tkerrors.New(tkerrors.KindCorruption, "wal: truncated field")
	}
	return data[off : off+n], off + n, nil
}

// segment is one on-disk WAL file.
type segment struct {
	id     uint64
	path   string
	writer *record.Writer
	maxSeq uint64
}

// WAL is the per-vnode durable log. Sequence numbers are per-vnode, strictly
// increasing and gap-free.
type WAL struct {
	mu       sync.Mutex
	dir      string
	segments []*segment
	nextSeq  uint64
	segBytes int64
}

func segmentPath(dir string, id uint64) string {
	return filepath.Join(dir, fmt.Sprintf("_%06d.wal", id))
}

func segmentID(path string) (uint64, bool) {
	base := filepath.Base(path)
	base = strings.TrimPrefix(base, "_")
	base = strings.TrimSuffix(base, ".wal")
	id, err := strconv.ParseUint(base, 10, 64)
	return id, err == nil
}

// Open opens (creating if needed) the WAL directory dir, replaying any
// existing segments so lastSeq reflects the highest sequence number durably
// recorded. segmentBytes bounds when Append rolls to a new segment file.
func Open(dir string, segmentBytes int64) (*WAL, uint64, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, 0, tkerrors.Wrap(tkerrors.KindIO, err, "wal: mkdir %s", dir)
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, 0, tkerrors.Wrap(tkerrors.KindIO, err, "wal: readdir %s", dir)
	}

	var ids []uint64
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if id, ok := segmentID(e.Name()); ok {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	w := &WAL{dir: dir, segBytes: segmentBytes}
	var lastSeq uint64
	for _, id := range ids {
		path := segmentPath(dir, id)
		seg := &segment{id: id, path: path}
		if err := Replay(path, func(b Batch) error {
			if b.Seq > lastSeq {
				lastSeq = b.Seq
			}
			if b.Seq > seg.maxSeq {
				seg.maxSeq = b.Seq
			}
			return nil
		}); err != nil {
			return nil, 0, err
		}
		w.segments = append(w.segments, seg)
	}
	w.nextSeq = lastSeq + 1
	return w, lastSeq, nil
}

func (w *WAL) currentSegment() (*segment, error) {
	if len(w.segments) == 0 {
		return w.rollSegment(1)
	}
	last := w.segments[len(w.segments)-1]
	if last.writer == nil {
		writer, err := record.Create(last.path)
		if err != nil {
			return nil, err
		}
		last.writer = writer
	}
	if w.segBytes > 0 && last.writer.Offset() >= w.segBytes {
		return w.rollSegment(last.id + 1)
	}
	return last, nil
}

func (w *WAL) rollSegment(id uint64) (*segment, error) {
	path := segmentPath(w.dir, id)
	writer, err := record.Create(path)
	if err != nil {
		return nil, err
	}
	seg := &segment{id: id, path: path, writer: writer}
	w.segments = append(w.segments, seg)
	return seg, nil
}

// Append durably persists batch (with seq allocated in call order) before
// returning.
func (w *WAL) Append(tenant, database string, precision Precision, payload []byte) (uint64, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	seq := w.nextSeq
	w.nextSeq++

	seg, err := w.currentSegment()
	if err != nil {
		return 0, err
	}
	batch := Batch{Seq: seq, Tenant: tenant, Database: database, Precision: precision, Payload: payload}
	if _, err := seg.writer.Append(record.V1, batchRecordType, encodeBatch(batch)); err != nil {
		return 0, err
	}
	if err := seg.writer.Sync(); err != nil {
		return 0, err
	}
	if seq > seg.maxSeq {
		seg.maxSeq = seq
	}
	return seq, nil
}

// Truncate drops whole segment files whose highest recorded seq is <=
// upToSeq. It never truncates the active (last) segment, so an in-progress
// writer is never removed out from under itself.
func (w *WAL) Truncate(upToSeq uint64) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	var kept []*segment
	for i, seg := range w.segments {
		isLast := i == len(w.segments)-1
		if !isLast && seg.maxSeq <= upToSeq {
			if seg.writer != nil {
				_ = seg.writer.Close()
			}
			if err := os.Remove(seg.path); err != nil && !os.IsNotExist(err) {
				return tkerrors.Wrap(tkerrors.KindIO, err, "wal: remove %s", seg.path)
			}
			continue
		}
		kept = append(kept, seg)
	}
	w.segments = kept
	return nil
}

// Replay decodes every Batch in the WAL segment at path and invokes fn for
// each one. Records that fail CRC validation are skipped; replay is
// idempotent downstream because memcache insertion is last-writer-wins and
// replay proceeds in ascending seq order within a segment.
func Replay(path string, fn func(Batch) error) error {
	_, err := record.ReadAll(path, func(rec record.Record) error {
		if rec.Type != batchRecordType {
			return nil
		}
		b, err := decodeBatch(rec.Data)
		if err != nil {
			return nil // corrupt batch record: skip, keep scanning
		}
		return fn(b)
	})
	return err
}

// ReplayAll replays every segment currently tracked by w, in segment id
// order, invoking fn for each batch whose Seq is greater than afterSeq. Used
// on vnode open to re-apply records newer than the recovered Version's
// last_seq into a fresh memcache.
func (w *WAL) ReplayAll(afterSeq uint64, fn func(Batch) error) error {
	w.mu.Lock()
	segments := append([]*segment(nil), w.segments...)
	w.mu.Unlock()

	for _, seg := range segments {
		if err := Replay(seg.path, func(b Batch) error {
			if b.Seq <= afterSeq {
				return nil
			}
			return fn(b)
		}); err != nil {
			return err
		}
	}
	return nil
}

// Close flushes and closes every open segment writer.
func (w *WAL) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	for _, seg := range w.segments {
		if seg.writer != nil {
			if err := seg.writer.Close(); err != nil {
				return err
			}
		}
	}
	return nil
}
