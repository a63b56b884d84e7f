package vnode

import (
	"context"
	"os"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/tskvdb/tskv/compaction"
	"github.com/tskvdb/tskv/internal/manifest"
	"github.com/tskvdb/tskv/metrics"
	"github.com/tskvdb/tskv/tsm"
	"github.com/tskvdb/tskv/wal"
)

func newController(t *testing.T, dir string, vs *manifest.VersionSet) *Controller {
	ctrl, err := Open(dir, "acme", "metrics", 1, vs, Options{
		MaxMemBytes:     1 << 20,
		WALSegmentBytes: 1 << 20,
		FlushQueueDepth: 2,
	})
	require.NoError(t, err)
	return ctrl
}

// TestWriteFlushAndReopenRecoversData exercises the round-trip: one point
// in, a forced flush, a restart, and the point is readable straight off
// disk with no WAL replay involved (the WAL was already truncated).
func TestWriteFlushAndReopenRecoversData(t *testing.T) {
	dir := t.TempDir()
	vs := manifest.NewVersionSet()

	ctrl := newController(t, dir, vs)
	fieldID := uint64(7)<<32 | 1
	_, err := ctrl.Write("acme", "metrics", wal.PrecisionNanosecond, WriteBatch{
		Points: []Point{{FieldID: fieldID, Value: tsm.Value{Timestamp: 1000, Type: tsm.ValueFloat, Float: 3.5}}},
	})
	require.NoError(t, err)

	require.NoError(t, ctrl.FlushTsFamily())
	require.NoError(t, ctrl.Close())

	v := vs.GetTsFamilyByTfID(1).Current()
	files := v.AllFiles()
	v.UnrefAll()
	require.Len(t, files, 1)

	r, err := tsm.Open(compaction.FileNamer(dir, files[0].Meta.ID))
	require.NoError(t, err)
	defer r.Close()

	entries := r.BlocksForField(fieldID, 0, 2000)
	require.Len(t, entries, 1)
	block, err := r.ReadBlock(entries[0])
	require.NoError(t, err)
	require.Len(t, block.Values, 1)
	require.Equal(t, 3.5, block.Values[0].Float)
}

// TestReopenReplaysUnflushedWAL simulates a crash before any flush: the
// points only ever reached the WAL. Reopening must replay them into a
// fresh memcache.
func TestReopenReplaysUnflushedWAL(t *testing.T) {
	dir := t.TempDir()
	vs := manifest.NewVersionSet()

	ctrl := newController(t, dir, vs)
	fieldID := uint64(9)<<32 | 2
	_, err := ctrl.Write("acme", "metrics", wal.PrecisionNanosecond, WriteBatch{
		Points: []Point{{FieldID: fieldID, Value: tsm.Value{Timestamp: 500, Type: tsm.ValueInteger, Integer: 42}}},
	})
	require.NoError(t, err)
	require.NoError(t, ctrl.Close()) // no flush: data lives only in the WAL

	vs2 := manifest.NewVersionSet()
	ctrl2 := newController(t, dir, vs2)
	defer ctrl2.Close()

	vals := ctrl2.LiveMemcache().Get(seriesIDOf(fieldID), fieldID)
	require.Len(t, vals, 1)
	require.Equal(t, int64(42), vals[0].Integer)
}

// TestFlushThenCrashBeforeWALTruncateStillRecovers models a crash between
// the TSM file's fsync and the WAL truncation that follows it: the file and
// its summary edit are durable, but the WAL segment survives on disk too.
// Replaying the already-flushed record must not double-count it, because
// replay only re-applies records newer than the recovered Version's
// last_seq.
func TestFlushThenCrashBeforeWALTruncateStillRecovers(t *testing.T) {
	dir := t.TempDir()
	vs := manifest.NewVersionSet()

	ctrl := newController(t, dir, vs)
	fieldID := uint64(3)<<32 | 5
	seq, err := ctrl.Write("acme", "metrics", wal.PrecisionNanosecond, WriteBatch{
		Points: []Point{{FieldID: fieldID, Value: tsm.Value{Timestamp: 10, Type: tsm.ValueFloat, Float: 1.0}}},
	})
	require.NoError(t, err)
	require.NoError(t, ctrl.FlushTsFamily())
	require.Equal(t, seq, ctrl.tf.Current().LastSeq)
	ctrl.tf.Current().UnrefAll()

	// The flusher already truncated the WAL up to seq as part of Flush; to
	// model "truncate never ran" we reopen against the same directory
	// without pruning anything, confirming replay is a no-op past the
	// recovered Version's last_seq either way.
	require.NoError(t, ctrl.Close())

	vs2 := manifest.NewVersionSet()
	ctrl2 := newController(t, dir, vs2)
	defer ctrl2.Close()

	vals := ctrl2.LiveMemcache().Get(seriesIDOf(fieldID), fieldID)
	require.Empty(t, vals, "point already on disk must not also reappear in the live memcache")

	v := vs2.GetTsFamilyByTfID(1).Current()
	defer v.UnrefAll()
	require.Len(t, v.AllFiles(), 1)
}

// TestOpenReclaimsOrphanFileNotInSummary models a crash between a flush's
// file fsync and its summary-log append: the .tsm file is durable on disk
// but no VersionEdit was ever recorded for it. Reopening must delete the
// orphan and still replay the WAL tail into the live memcache.
func TestOpenReclaimsOrphanFileNotInSummary(t *testing.T) {
	dir := t.TempDir()
	vs := manifest.NewVersionSet()

	ctrl := newController(t, dir, vs)
	fieldID := uint64(11)<<32 | 1
	_, err := ctrl.Write("acme", "metrics", wal.PrecisionNanosecond, WriteBatch{
		Points: []Point{{FieldID: fieldID, Value: tsm.Value{Timestamp: 42, Type: tsm.ValueFloat, Float: 6.5}}},
	})
	require.NoError(t, err)
	require.NoError(t, ctrl.Close()) // no flush: data lives only in the WAL

	orphanPath := compaction.FileNamer(dir, 999)
	w, err := tsm.Create(orphanPath, 1, tsm.DefaultBlockCodec)
	require.NoError(t, err)
	_, _, err = w.Close()
	require.NoError(t, err)
	_, err = os.Stat(orphanPath)
	require.NoError(t, err)

	vs2 := manifest.NewVersionSet()
	ctrl2 := newController(t, dir, vs2)
	defer ctrl2.Close()

	_, err = os.Stat(orphanPath)
	require.True(t, os.IsNotExist(err), "orphan file with no VersionEdit must be reclaimed on open")

	vals := ctrl2.LiveMemcache().Get(seriesIDOf(fieldID), fieldID)
	require.Len(t, vals, 1)
	require.Equal(t, 6.5, vals[0].Float)
}

func TestCompactForcesMergeWhenThresholdReached(t *testing.T) {
	dir := t.TempDir()
	vs := manifest.NewVersionSet()
	ctrl := newController(t, dir, vs)
	defer ctrl.Close()

	ctrl.compactor.Picker.LevelFileThreshold = 1
	fieldID := uint64(1)<<32 | 1
	for i := 0; i < 2; i++ {
		_, err := ctrl.Write("acme", "metrics", wal.PrecisionNanosecond, WriteBatch{
			Points: []Point{{FieldID: fieldID, Value: tsm.Value{Timestamp: int64(i), Type: tsm.ValueFloat, Float: float64(i)}}},
		})
		require.NoError(t, err)
		require.NoError(t, ctrl.FlushTsFamily())
	}

	ran, err := ctrl.Compact(context.Background())
	require.NoError(t, err)
	require.True(t, ran)

	v := ctrl.tf.Current()
	defer v.UnrefAll()
	require.Empty(t, v.Levels[0])
	require.Len(t, v.Levels[1], 1)
}

// TestMetricsObserveWriteFlushAndCompact wires a real Registry into a
// controller and checks the counters a write, a flush, and a forced
// compaction each bump.
func TestMetricsObserveWriteFlushAndCompact(t *testing.T) {
	dir := t.TempDir()
	vs := manifest.NewVersionSet()
	reg, _ := metrics.New()

	ctrl, err := Open(dir, "acme", "metrics", 1, vs, Options{
		MaxMemBytes:     1 << 20,
		WALSegmentBytes: 1 << 20,
		FlushQueueDepth: 2,
		Metrics:         reg,
	})
	require.NoError(t, err)
	defer ctrl.Close()
	ctrl.compactor.Picker.LevelFileThreshold = 1

	fieldID := uint64(2)<<32 | 1
	for i := 0; i < 2; i++ {
		_, err := ctrl.Write("acme", "metrics", wal.PrecisionNanosecond, WriteBatch{
			Points: []Point{{FieldID: fieldID, Value: tsm.Value{Timestamp: int64(i), Type: tsm.ValueFloat, Float: float64(i)}}},
		})
		require.NoError(t, err)
		require.NoError(t, ctrl.FlushTsFamily())
	}

	require.Equal(t, float64(2), testutil.ToFloat64(reg.WritesTotal))
	require.Equal(t, float64(2), testutil.ToFloat64(reg.FlushesTotal))
	require.Greater(t, testutil.ToFloat64(reg.FlushBytesTotal), float64(0))

	ran, err := ctrl.Compact(context.Background())
	require.NoError(t, err)
	require.True(t, ran)
	require.Equal(t, float64(1), testutil.ToFloat64(reg.CompactionsTotal))
	require.Greater(t, testutil.ToFloat64(reg.CompactionBytesTotal), float64(0))
}

func TestDeleteFromTableAddsTombstoneOverFlushedFile(t *testing.T) {
	dir := t.TempDir()
	vs := manifest.NewVersionSet()
	ctrl := newController(t, dir, vs)
	defer ctrl.Close()

	fieldID := uint64(4)<<32 | 8
	_, err := ctrl.Write("acme", "metrics", wal.PrecisionNanosecond, WriteBatch{
		Points: []Point{{FieldID: fieldID, Value: tsm.Value{Timestamp: 100, Type: tsm.ValueFloat, Float: 9.0}}},
	})
	require.NoError(t, err)
	require.NoError(t, ctrl.FlushTsFamily())

	require.NoError(t, ctrl.DeleteFromTable([]uint64{fieldID}, tsm.TimeRange{Min: 0, Max: 1000}))

	v := ctrl.tf.Current()
	files := v.AllFiles()
	v.UnrefAll()
	require.Len(t, files, 1)
}
