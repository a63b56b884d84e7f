// Package memcache implements the in-memory, per-vnode mutable buffer of
// recent points: a map series-id -> field-id -> sorted
// run of (ts, value). Every point in a Memcache must also be durable in the
// WAL of the same vnode at a sequence number <= the Memcache's MaxSeq; that
// invariant is enforced by callers (the vnode controller appends to the WAL
// before inserting here).
package memcache

import (
	"sync"
	"time"

	"golang.org/x/exp/slices"

	"github.com/tskvdb/tskv/tsm"
)

// RotateReason records why a Memcache stopped accepting writes.
type RotateReason int

const (
	RotateNone RotateReason = iota
	RotateMemoryThreshold
	RotateAge
	RotateExplicit
)

// series is the per-field point buffer for one series-id.
type series struct {
	fields map[uint64][]tsm.Value
}

// Memcache is a single generation of the per-vnode write buffer. A fresh
// Memcache is created on the first write after rotation; Freeze marks it
// immutable, and the caller then queues it for flush.
type Memcache struct {
	mu sync.RWMutex

	series map[uint64]*series

	minSeq uint64
	maxSeq uint64

	memBytes    int64
	maxBytes    int64
	createdAt   time.Time
	maxAge      time.Duration
	putCounter  uint64
	frozen      bool
}

// New creates an empty Memcache with the given rotation thresholds.
func New(maxBytes int64, maxAge time.Duration) *Memcache {
	return &Memcache{
		series:    make(map[uint64]*series),
		maxBytes:  maxBytes,
		maxAge:    maxAge,
		createdAt: now(),
	}
}

// now is indirected so tests can control age-based rotation without
// sleeping.
var now = time.Now

// Insert adds a point keyed by (seriesID, fieldID, ts) at WAL sequence seq.
// On a duplicate timestamp for the same (series, field), the later write
// (by insertion order, i.e. by seq) wins. Insert panics if called after
// Freeze, since a frozen Memcache must never be mutated again.
func (m *Memcache) Insert(seriesID, fieldID uint64, seq uint64, v tsm.Value) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.frozen {
		panic("memcache: insert into a frozen memcache")
	}

	s, ok := m.series[seriesID]
	if !ok {
		s = &series{fields: make(map[uint64][]tsm.Value)}
		m.series[seriesID] = s
	}
	run := s.fields[fieldID]
	idx, found := slices.BinarySearchFunc(run, v, func(a, b tsm.Value) int {
		switch {
		case a.Timestamp < b.Timestamp:
			return -1
		case a.Timestamp > b.Timestamp:
			return 1
		default:
			return 0
		}
	})
	if found {
		run[idx] = v // last-sequence-wins: later Insert for the same ts replaces it
	} else {
		run = slices.Insert(run, idx, v)
	}
	s.fields[fieldID] = run

	if m.minSeq == 0 || seq < m.minSeq {
		m.minSeq = seq
	}
	if seq > m.maxSeq {
		m.maxSeq = seq
	}
	m.memBytes += estimateSize(v)
	m.putCounter++
}

func estimateSize(v tsm.Value) int64 {
	const overhead = 24 // timestamp + type tag + map/slice bookkeeping, approximate
	switch v.Type {
	case tsm.ValueString:
		return overhead + int64(len(v.String))
	default:
		return overhead + 8
	}
}

// ShouldRotate reports whether the Memcache has crossed its memory
// threshold or age bound and should be frozen and queued for flush.
func (m *Memcache) ShouldRotate() (bool, RotateReason) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.maxBytes > 0 && m.memBytes >= m.maxBytes {
		return true, RotateMemoryThreshold
	}
	if m.maxAge > 0 && now().Sub(m.createdAt) >= m.maxAge {
		return true, RotateAge
	}
	return false, RotateNone
}

// Freeze marks the Memcache immutable. It is idempotent.
func (m *Memcache) Freeze() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.frozen = true
}

// Frozen reports whether Freeze has been called.
func (m *Memcache) Frozen() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.frozen
}

// MinSeq and MaxSeq return the inclusive WAL sequence range of points
// currently held.
func (m *Memcache) MinSeq() uint64 { m.mu.RLock(); defer m.mu.RUnlock(); return m.minSeq }
func (m *Memcache) MaxSeq() uint64 { m.mu.RLock(); defer m.mu.RUnlock(); return m.maxSeq }

// MemoryUsage returns the approximate number of bytes retained.
func (m *Memcache) MemoryUsage() int64 { m.mu.RLock(); defer m.mu.RUnlock(); return m.memBytes }

// PutCounter returns the monotone count of Insert calls, used to detect
// activity without diffing MemoryUsage.
func (m *Memcache) PutCounter() uint64 { m.mu.RLock(); defer m.mu.RUnlock(); return m.putCounter }

// Get returns the sorted run of values for (seriesID, fieldID), or nil.
func (m *Memcache) Get(seriesID, fieldID uint64) []tsm.Value {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.series[seriesID]
	if !ok {
		return nil
	}
	return append([]tsm.Value(nil), s.fields[fieldID]...)
}

// FieldValues is one field's full sorted run, used when flushing a Memcache
// into a TSM file.
type FieldValues struct {
	SeriesID uint64
	FieldID  uint64
	Values   []tsm.Value
}

// SnapshotSortedBySeries returns every (series, field) run held, ordered by
// (series-id, field-id) ascending, matching the order a flush must write
// blocks in to satisfy the TSM writer's sorted-input contract. field-id
// already encodes series-id, but both are returned for
// clarity at the call site.
func (m *Memcache) SnapshotSortedBySeries() []FieldValues {
	m.mu.RLock()
	defer m.mu.RUnlock()

	seriesIDs := make([]uint64, 0, len(m.series))
	for sid := range m.series {
		seriesIDs = append(seriesIDs, sid)
	}
	slices.Sort(seriesIDs)

	var out []FieldValues
	for _, sid := range seriesIDs {
		s := m.series[sid]
		fieldIDs := make([]uint64, 0, len(s.fields))
		for fid := range s.fields {
			fieldIDs = append(fieldIDs, fid)
		}
		slices.Sort(fieldIDs)
		for _, fid := range fieldIDs {
			out = append(out, FieldValues{
				SeriesID: sid,
				FieldID:  fid,
				Values:   append([]tsm.Value(nil), s.fields[fid]...),
			})
		}
	}
	return out
}
