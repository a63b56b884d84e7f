package summary

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/tskvdb/tskv/internal/manifest"
)

func newDBFor(vs *manifest.VersionSet, db *manifest.Database) func(uint32) *manifest.Database {
	return func(tfID uint32) *manifest.Database { return db }
}

func TestAppendAndReplay(t *testing.T) {
	dir := t.TempDir()
	vs := manifest.NewVersionSet()
	db := vs.CreateDB("acme", "metrics", nil)
	tf := manifest.NewTsFamily(1)
	db.OpenTsFamily(tf)

	s, err := Open(dir, vs, newDBFor(vs, db), 0)
	require.NoError(t, err)

	edit := manifest.VersionEdit{
		TsfID:    1,
		SeqNo:    7,
		AddFiles: []manifest.ColumnFileMeta{{ID: 10, Level: 0, MinTS: 0, MaxTS: 100, Size: 512}},
	}
	require.NoError(t, s.Append(edit))
	require.NoError(t, s.Close())

	vs2 := manifest.NewVersionSet()
	db2 := vs2.CreateDB("acme", "metrics", nil)
	s2, err := Open(dir, vs2, newDBFor(vs2, db2), 0)
	require.NoError(t, err)
	defer s2.Close()

	tf2 := db2.GetTsFamily(1)
	require.NotNil(t, tf2)
	v := tf2.Current()
	defer v.UnrefAll()
	require.Equal(t, uint64(7), v.LastSeq)
	require.Len(t, v.FilesAtLevel(0), 1)
}

func TestCheckpointCollapsesLogAndPreservesState(t *testing.T) {
	dir := t.TempDir()
	vs := manifest.NewVersionSet()
	db := vs.CreateDB("acme", "metrics", nil)
	tf := manifest.NewTsFamily(1)
	db.OpenTsFamily(tf)

	s, err := Open(dir, vs, newDBFor(vs, db), 0)
	require.NoError(t, err)

	for i := uint64(1); i <= 5; i++ {
		edit := manifest.VersionEdit{
			TsfID:    1,
			SeqNo:    i,
			AddFiles: []manifest.ColumnFileMeta{{ID: i, Level: 0, MinTS: 0, MaxTS: int64(i)}},
		}
		tf.Publish(manifest.Apply(tf.CurrentForEdit(), edit, nil))
		require.NoError(t, s.Append(edit))
	}

	sizeBefore := s.w.Offset()
	require.NoError(t, s.Checkpoint(vs))
	sizeAfter := s.w.Offset()
	require.Less(t, sizeAfter, sizeBefore)
	require.NoError(t, s.Close())

	vs2 := manifest.NewVersionSet()
	db2 := vs2.CreateDB("acme", "metrics", nil)
	s2, err := Open(dir, vs2, newDBFor(vs2, db2), 0)
	require.NoError(t, err)
	defer s2.Close()

	tf2 := db2.GetTsFamily(1)
	require.NotNil(t, tf2)
	v := tf2.Current()
	defer v.UnrefAll()
	require.Equal(t, uint64(5), v.LastSeq)
	require.Len(t, v.FilesAtLevel(0), 5)
}

func TestMaybeCheckpointNoopBelowThreshold(t *testing.T) {
	dir := t.TempDir()
	vs := manifest.NewVersionSet()
	db := vs.CreateDB("acme", "metrics", nil)
	tf := manifest.NewTsFamily(1)
	db.OpenTsFamily(tf)

	s, err := Open(dir, vs, newDBFor(vs, db), DefaultCheckpointBytes)
	require.NoError(t, err)
	defer s.Close()

	require.NoError(t, s.Append(manifest.VersionEdit{TsfID: 1, SeqNo: 1}))
	before := s.w.Offset()
	require.NoError(t, s.MaybeCheckpoint(vs))
	require.Equal(t, before, s.w.Offset())
	require.FileExists(t, filepath.Join(dir, fileName))
}
