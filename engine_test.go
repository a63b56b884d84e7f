package tskv

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/tskvdb/tskv/tsm"
	"github.com/tskvdb/tskv/vnode"
	"github.com/tskvdb/tskv/wal"
)

func TestEngineOpenVnodeWriteFlushCompact(t *testing.T) {
	e, err := Open(Options{Dir: t.TempDir()})
	require.NoError(t, err)
	defer e.Close()

	require.NoError(t, e.OpenVnode("acme", "metrics", 1))
	require.Error(t, e.OpenVnode("acme", "metrics", 1)) // already open

	fieldID := uint64(1)<<32 | 1
	batch := vnode.WriteBatch{Points: []vnode.Point{
		{FieldID: fieldID, Value: tsm.Value{Timestamp: 1, Type: tsm.ValueFloat, Float: 3.5}},
	}}
	require.NoError(t, e.Write("acme", "metrics", 1, wal.PrecisionNanosecond, batch))
	require.NoError(t, e.FlushTsFamily(1))

	ran, err := e.Compact(context.Background(), 1)
	require.NoError(t, err)
	require.False(t, ran) // a single level-0 file has nothing to merge with yet

	require.NoError(t, e.DeleteFromTable(1, []uint64{fieldID}, tsm.TimeRange{Min: 0, Max: 10}))
}

func TestEngineUnknownVnode(t *testing.T) {
	e, err := Open(Options{Dir: t.TempDir()})
	require.NoError(t, err)
	defer e.Close()

	require.Error(t, e.Write("acme", "metrics", 99, wal.PrecisionNanosecond, vnode.WriteBatch{}))
}

func TestMockEngineRecordsCalls(t *testing.T) {
	m := NewMockEngine()
	batch := vnode.WriteBatch{Points: []vnode.Point{{FieldID: 1, Value: tsm.Value{Timestamp: 1}}}}
	require.NoError(t, m.Write("acme", "metrics", 1, wal.PrecisionNanosecond, batch))
	require.NoError(t, m.DropTable(1, []uint64{1}))
	require.Len(t, m.Writes, 1)
	require.Len(t, m.Deletes, 1)
	require.Equal(t, "drop_table", m.Deletes[0].Kind)
}
