package tombstone

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/tskvdb/tskv/tsm"
)

func TestAddOverlapsReopen(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "_000001.tombstone")

	s, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, s.Add([]uint64{1, 2, 3}, tsm.TimeRange{Min: 1, Max: 100}, nil))
	require.NoError(t, s.Flush())
	require.NoError(t, s.Close())

	reopened, err := Open(path)
	require.NoError(t, err)
	require.True(t, reopened.Overlaps(1, tsm.TimeRange{Min: 2, Max: 99}))
	require.True(t, reopened.Overlaps(2, tsm.TimeRange{Min: 2, Max: 99}))
	require.False(t, reopened.Overlaps(3, tsm.TimeRange{Min: 101, Max: 103}))
}

func TestManyTombstonesReopen(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "_000002.tombstone")

	s, err := Open(path)
	require.NoError(t, err)
	for i := 0; i < 10000; i++ {
		fields := []uint64{uint64(3*i + 1), uint64(3*i + 2), uint64(3*i + 3)}
		tr := tsm.TimeRange{Min: int64(2 * i), Max: int64(2*i + 100)}
		require.NoError(t, s.Add(fields, tr, nil))
	}
	require.NoError(t, s.Flush())
	require.NoError(t, s.Close())

	reopened, err := Open(path)
	require.NoError(t, err)
	require.True(t, reopened.Overlaps(1, tsm.TimeRange{Min: 2, Max: 99}))
	require.True(t, reopened.Overlaps(2, tsm.TimeRange{Min: 3, Max: 100}))
	require.False(t, reopened.Overlaps(3, tsm.TimeRange{Min: 4, Max: 101}))
}

func TestAddIdempotentOverlapResult(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(filepath.Join(dir, "_000003.tombstone"))
	require.NoError(t, err)

	tr := tsm.TimeRange{Min: 10, Max: 20}
	require.NoError(t, s.Add([]uint64{1}, tr, nil))
	before := s.Overlaps(1, tsm.TimeRange{Min: 15, Max: 15})
	require.NoError(t, s.Add([]uint64{1}, tr, nil))
	after := s.Overlaps(1, tsm.TimeRange{Min: 15, Max: 15})
	require.Equal(t, before, after)
	require.True(t, after)
}

func TestApplyToBlockExcisesOverlap(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(filepath.Join(dir, "_000004.tombstone"))
	require.NoError(t, err)
	require.NoError(t, s.Add([]uint64{1}, tsm.TimeRange{Min: 5, Max: 10}, nil))

	block := &tsm.DataBlock{FieldID: 1, Values: []tsm.Value{
		{Timestamp: 1, Type: tsm.ValueFloat, Float: 1},
		{Timestamp: 7, Type: tsm.ValueFloat, Float: 2},
		{Timestamp: 20, Type: tsm.ValueFloat, Float: 3},
	}}
	out := s.ApplyToBlock(block)
	require.Len(t, out.Values, 2)
	require.Equal(t, int64(1), out.Values[0].Timestamp)
	require.Equal(t, int64(20), out.Values[1].Timestamp)
}
