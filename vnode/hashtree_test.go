package vnode

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/tskvdb/tskv/internal/manifest"
	"github.com/tskvdb/tskv/tsm"
	"github.com/tskvdb/tskv/wal"
)

// TestHashTreeMatchesAcrossDifferentCompactionHistory writes the same
// points to two independent controllers but flushes and compacts them on
// different schedules, giving each a different physical block layout for
// identical logical content. Their hash trees must still converge, since a
// replica's own background flush/compaction runs independently of its
// peers (see Engine.FlushTsFamily/Compact).
func TestHashTreeMatchesAcrossDifferentCompactionHistory(t *testing.T) {
	fieldA := uint64(21)<<32 | 1
	fieldB := uint64(21)<<32 | 2
	points := []struct {
		fieldID uint64
		ts      int64
		value   float64
	}{
		{fieldA, 10, 1.5}, {fieldA, 20, 2.5}, {fieldA, 30, 3.5},
		{fieldB, 5, 9.0}, {fieldB, 15, 8.0},
	}

	// Replica one: flush after every write, producing one file per point.
	dir1 := t.TempDir()
	vs1 := manifest.NewVersionSet()
	ctrl1 := newController(t, dir1, vs1)
	for _, p := range points {
		_, err := ctrl1.Write("acme", "metrics", wal.PrecisionNanosecond, WriteBatch{
			Points: []Point{{FieldID: p.fieldID, Value: tsm.Value{Timestamp: p.ts, Type: tsm.ValueFloat, Float: p.value}}},
		})
		require.NoError(t, err)
		require.NoError(t, ctrl1.FlushTsFamily())
	}
	ran, err := ctrl1.Compact(context.Background())
	require.NoError(t, err)
	_ = ran
	defer ctrl1.Close()

	// Replica two: all writes land in the WAL first and flush in a single
	// batch, so the resulting file's block boundaries differ entirely.
	dir2 := t.TempDir()
	vs2 := manifest.NewVersionSet()
	ctrl2 := newController(t, dir2, vs2)
	for _, p := range points {
		_, err := ctrl2.Write("acme", "metrics", wal.PrecisionNanosecond, WriteBatch{
			Points: []Point{{FieldID: p.fieldID, Value: tsm.Value{Timestamp: p.ts, Type: tsm.ValueFloat, Float: p.value}}},
		})
		require.NoError(t, err)
	}
	require.NoError(t, ctrl2.FlushTsFamily())
	defer ctrl2.Close()

	tree1, err := ctrl1.GetVnodeHashTree()
	require.NoError(t, err)
	tree2, err := ctrl2.GetVnodeHashTree()
	require.NoError(t, err)

	require.Equal(t, tree1.Root(), tree2.Root())
	require.Equal(t, tree1.Leaves, tree2.Leaves)
}
