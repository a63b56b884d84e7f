package memcache

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/tskvdb/tskv/tsm"
)

func TestInsertLastSequenceWins(t *testing.T) {
	m := New(0, 0)
	m.Insert(10, 100, 1, tsm.Value{Timestamp: 5, Type: tsm.ValueFloat, Float: 1.0})
	m.Insert(10, 100, 2, tsm.Value{Timestamp: 5, Type: tsm.ValueFloat, Float: 2.0})

	values := m.Get(10, 100)
	require.Len(t, values, 1)
	require.Equal(t, 2.0, values[0].Float)
	require.Equal(t, uint64(1), m.MinSeq())
	require.Equal(t, uint64(2), m.MaxSeq())
}

func TestInsertMaintainsSortedOrder(t *testing.T) {
	m := New(0, 0)
	m.Insert(1, 1, 1, tsm.Value{Timestamp: 9})
	m.Insert(1, 1, 2, tsm.Value{Timestamp: 1})
	m.Insert(1, 1, 3, tsm.Value{Timestamp: 5})

	values := m.Get(1, 1)
	require.Equal(t, []int64{1, 5, 9}, []int64{values[0].Timestamp, values[1].Timestamp, values[2].Timestamp})
}

func TestShouldRotateOnMemoryThreshold(t *testing.T) {
	m := New(16, 0)
	rotate, _ := m.ShouldRotate()
	require.False(t, rotate)
	m.Insert(1, 1, 1, tsm.Value{Timestamp: 1, Type: tsm.ValueFloat, Float: 1})
	rotate, reason := m.ShouldRotate()
	require.True(t, rotate)
	require.Equal(t, RotateMemoryThreshold, reason)
}

func TestShouldRotateOnAge(t *testing.T) {
	restore := now
	defer func() { now = restore }()
	base := time.Unix(0, 0)
	now = func() time.Time { return base }

	m := New(0, time.Second)
	rotate, _ := m.ShouldRotate()
	require.False(t, rotate)

	now = func() time.Time { return base.Add(2 * time.Second) }
	rotate, reason := m.ShouldRotate()
	require.True(t, rotate)
	require.Equal(t, RotateAge, reason)
}

func TestFreezePreventsInsert(t *testing.T) {
	m := New(0, 0)
	m.Freeze()
	require.True(t, m.Frozen())
	require.Panics(t, func() {
		m.Insert(1, 1, 1, tsm.Value{Timestamp: 1})
	})
}

func TestSnapshotSortedBySeries(t *testing.T) {
	m := New(0, 0)
	m.Insert(2, 20, 1, tsm.Value{Timestamp: 1})
	m.Insert(1, 10, 2, tsm.Value{Timestamp: 1})
	m.Insert(1, 20, 3, tsm.Value{Timestamp: 1})

	snap := m.SnapshotSortedBySeries()
	require.Len(t, snap, 3)
	require.Equal(t, uint64(1), snap[0].SeriesID)
	require.Equal(t, uint64(10), snap[0].FieldID)
	require.Equal(t, uint64(1), snap[1].SeriesID)
	require.Equal(t, uint64(20), snap[1].FieldID)
	require.Equal(t, uint64(2), snap[2].SeriesID)
}
