package compaction

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/tskvdb/tskv/internal/manifest"
	"github.com/tskvdb/tskv/memcache"
	"github.com/tskvdb/tskv/summary"
	"github.com/tskvdb/tskv/tsm"
	"github.com/tskvdb/tskv/tsm/tombstone"
	"github.com/tskvdb/tskv/wal"
)

type fixture struct {
	dir       string
	vs        *manifest.VersionSet
	db        *manifest.Database
	tf        *manifest.TsFamily
	sum       *summary.Summary
	wl        *wal.WAL
	nextID    manifest.ColumnFileID
	flusher   *Flusher
	compactor *Compactor
}

func newFixture(t *testing.T) *fixture {
	dir := t.TempDir()
	vs := manifest.NewVersionSet()
	db := vs.CreateDB("acme", "metrics", nil)
	tf := manifest.NewTsFamily(1)
	db.OpenTsFamily(tf)

	sum, err := summary.Open(dir, vs, func(uint32) *manifest.Database { return db }, 0)
	require.NoError(t, err)

	w, _, err := wal.Open(filepath.Join(dir, "wal"), 0)
	require.NoError(t, err)

	f := &fixture{dir: dir, vs: vs, db: db, tf: tf, sum: sum, wl: w}
	f.flusher = &Flusher{
		Dir:     dir,
		IDAlloc: f.allocID,
		Summary: sum,
		VS:      vs,
		WAL:     w,
	}
	f.compactor = NewCompactor(2)
	f.compactor.Dir = dir
	f.compactor.IDAlloc = f.allocID
	f.compactor.Summary = sum
	f.compactor.VS = vs
	f.compactor.Picker = &Picker{LevelFileThreshold: 2}
	f.compactor.TombstoneFor = func(id manifest.ColumnFileID) (*tombstone.Store, error) {
		return tombstone.Open(tombstone.FileName(dir, id))
	}
	return f
}

func (f *fixture) allocID() manifest.ColumnFileID {
	f.nextID++
	return f.nextID
}

func mkMemcache(t *testing.T, fieldID uint64, seq uint64, ts int64, val float64) *memcache.Memcache {
	mc := memcache.New(0, 0)
	mc.Insert(1, fieldID, seq, tsm.Value{Timestamp: ts, Type: tsm.ValueFloat, Float: val})
	mc.Freeze()
	return mc
}

func TestFlushWritesLevelZeroFileAndTruncatesWAL(t *testing.T) {
	f := newFixture(t)
	_, err := f.wl.Append("acme", "metrics", wal.PrecisionNanosecond, []byte("p1"))
	require.NoError(t, err)

	mc := mkMemcache(t, 42, 1, 1000, 3.14)
	id, err := f.flusher.Flush(f.tf, mc)
	require.NoError(t, err)
	require.NotZero(t, id)

	v := f.tf.Current()
	defer v.UnrefAll()
	require.Len(t, v.FilesAtLevel(0), 1)
	require.Equal(t, uint64(1), v.LastSeq)
}

func TestCompactorMergesOverlappingLevelZeroFiles(t *testing.T) {
	f := newFixture(t)

	// three level-0 flushes, all touching field 42, with later flushes
	// overwriting ts=1000's value.
	for i, val := range []float64{1.0, 2.0, 3.0} {
		mc := memcache.New(0, 0)
		mc.Insert(1, 42, uint64(i+1), tsm.Value{Timestamp: 1000, Type: tsm.ValueFloat, Float: val})
		mc.Insert(1, 42, uint64(i+1), tsm.Value{Timestamp: int64(2000 + i), Type: tsm.ValueFloat, Float: val})
		mc.Freeze()
		_, err := f.flusher.Flush(f.tf, mc)
		require.NoError(t, err)
	}

	v := f.tf.Current()
	require.Len(t, v.FilesAtLevel(0), 3)
	v.UnrefAll()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	ran, err := f.compactor.CompactOnce(ctx, f.tf)
	require.NoError(t, err)
	require.True(t, ran)

	v2 := f.tf.Current()
	defer v2.UnrefAll()
	require.Empty(t, v2.FilesAtLevel(0))
	require.Len(t, v2.FilesAtLevel(1), 1)

	r, err := tsm.Open(FileNamer(f.dir, v2.FilesAtLevel(1)[0].Meta.ID))
	require.NoError(t, err)
	defer r.Close()
	entries := r.BlocksForField(42, 0, 1e18)
	var allValues []tsm.Value
	for _, e := range entries {
		b, err := r.ReadBlock(e)
		require.NoError(t, err)
		allValues = append(allValues, b.Values...)
	}
	// ts=1000 should appear exactly once, carrying the last flush's value (3.0):
	// the highest file-id (most recently flushed) wins the collision.
	var at1000 []tsm.Value
	for _, v := range allValues {
		if v.Timestamp == 1000 {
			at1000 = append(at1000, v)
		}
	}
	require.Len(t, at1000, 1)
	require.Equal(t, 3.0, at1000[0].Float)
	require.Len(t, allValues, 4) // ts=1000 (deduped) + 2000, 2001, 2002
}

func TestPickerIgnoresLevelBelowThreshold(t *testing.T) {
	f := newFixture(t)
	mc := mkMemcache(t, 1, 1, 10, 1.0)
	_, err := f.flusher.Flush(f.tf, mc)
	require.NoError(t, err)

	ctx := context.Background()
	ran, err := f.compactor.CompactOnce(ctx, f.tf)
	require.NoError(t, err)
	require.False(t, ran)
}
