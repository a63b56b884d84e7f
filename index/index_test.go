package index

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func open(t *testing.T) *Index {
	idx, err := Open(filepath.Join(t.TempDir(), "series.db"))
	require.NoError(t, err)
	t.Cleanup(func() { idx.Close() })
	return idx
}

func TestGetOrCreateIsIdempotent(t *testing.T) {
	idx := open(t)
	key := SeriesKey{Measurement: "cpu", Tags: []Tag{{Key: "host", Value: "a"}, {Key: "region", Value: "us"}}}
	id1, err := idx.GetOrCreate(key)
	require.NoError(t, err)
	id2, err := idx.GetOrCreate(key)
	require.NoError(t, err)
	require.Equal(t, id1, id2)
}

func TestSeriesIdsNeverReused(t *testing.T) {
	idx := open(t)
	var ids []uint64
	for i := 0; i < 5; i++ {
		key := SeriesKey{Measurement: "cpu", Tags: []Tag{{Key: "host", Value: string(rune('a' + i))}}}
		id, err := idx.GetOrCreate(key)
		require.NoError(t, err)
		ids = append(ids, id)
	}
	seen := make(map[uint64]bool)
	for _, id := range ids {
		require.False(t, seen[id])
		seen[id] = true
	}
}

func TestMatchTag(t *testing.T) {
	idx := open(t)
	id1, err := idx.GetOrCreate(SeriesKey{Measurement: "cpu", Tags: []Tag{{Key: "host", Value: "a"}}})
	require.NoError(t, err)
	_, err = idx.GetOrCreate(SeriesKey{Measurement: "cpu", Tags: []Tag{{Key: "host", Value: "b"}}})
	require.NoError(t, err)

	ids, err := idx.MatchTag("host", "a")
	require.NoError(t, err)
	require.Equal(t, []uint64{id1}, ids)
}

func TestUpdateTagsValueDryRunDoesNotMutate(t *testing.T) {
	idx := open(t)
	key := SeriesKey{Measurement: "cpu", Tags: []Tag{{Key: "host", Value: "a"}}}
	id, err := idx.GetOrCreate(key)
	require.NoError(t, err)

	newTags := []Tag{{Key: "host", Value: "renamed"}}
	require.NoError(t, idx.UpdateTagsValue(newTags, []uint64{id}, true))

	_, ok, err := idx.Lookup(key)
	require.NoError(t, err)
	require.True(t, ok, "dry run must not rewrite the existing key")

	require.NoError(t, idx.UpdateTagsValue(newTags, []uint64{id}, false))
	_, ok, err = idx.Lookup(key)
	require.NoError(t, err)
	require.False(t, ok)

	gotID, ok, err := idx.Lookup(SeriesKey{Measurement: "cpu", Tags: newTags})
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, id, gotID)
}

func TestUpdateTagsValueRejectsCollision(t *testing.T) {
	idx := open(t)
	idA, err := idx.GetOrCreate(SeriesKey{Measurement: "cpu", Tags: []Tag{{Key: "host", Value: "a"}}})
	require.NoError(t, err)
	_, err = idx.GetOrCreate(SeriesKey{Measurement: "cpu", Tags: []Tag{{Key: "host", Value: "b"}}})
	require.NoError(t, err)

	err = idx.UpdateTagsValue([]Tag{{Key: "host", Value: "b"}}, []uint64{idA}, false)
	require.Error(t, err)
}
