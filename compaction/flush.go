// Package compaction implements the background flush and compaction jobs:
// turning a frozen Memcache into a level-0 TSM file, and merging
// overlapping files within and across levels while applying tombstones.
package compaction

import (
	"fmt"
	"path/filepath"
	"sort"

	tkerrors "github.com/tskvdb/tskv/errors"
	"github.com/tskvdb/tskv/internal/manifest"
	"github.com/tskvdb/tskv/memcache"
	"github.com/tskvdb/tskv/summary"
	"github.com/tskvdb/tskv/tsm"
)

// FileNamer produces the on-disk path for a new TSM file id within a
// TsFamily's directory, e.g. tsfamily dir + "_000042.tsm".
func FileNamer(dir string, id manifest.ColumnFileID) string {
	return filepath.Join(dir, fmt.Sprintf("_%06d.tsm", id))
}

// WALTruncater truncates a WAL up to (and including) the given sequence
// once its contents are durable in a flushed TSM file.
type WALTruncater interface {
	Truncate(upToSeq uint64) error
}

// Flusher turns frozen Memcaches into level-0 TSM files and publishes the
// resulting Version, in the required crash-safe order:
// TSM file fsync, then summary append fsync, then WAL truncation. A crash
// between any two steps leaves the system recoverable: the file exists but
// is unreferenced (garbage, harmless) if the summary append never landed;
// the WAL is only truncated after the edit is durable.
type Flusher struct {
	Dir      string
	IDAlloc  func() manifest.ColumnFileID
	Summary  *summary.Summary
	VS       *manifest.VersionSet
	WAL      WALTruncater
	OnEvict  func(manifest.ColumnFileID)
}

// Flush writes every (series, field) run in mc into one new level-0 TSM
// file, appends the resulting VersionEdit to the summary, publishes the new
// Version on tf, and truncates the WAL up to mc.MaxSeq(). mc must already be
// frozen.
func (fl *Flusher) Flush(tf *manifest.TsFamily, mc *memcache.Memcache) (manifest.ColumnFileID, error) {
	if !mc.Frozen() {
		return 0, tkerrors.New(tkerrors.KindInvalidArgument, "compaction: flush of a non-frozen memcache")
	}
	runs := mc.SnapshotSortedBySeries()
	if len(runs) == 0 {
		return 0, nil
	}

	id := fl.IDAlloc()
	path := FileNamer(fl.Dir, id)
	w, err := tsm.Create(path, len(runs), tsm.DefaultBlockCodec)
	if err != nil {
		return 0, err
	}
	for _, run := range runs {
		if err := w.WriteBlock(run.FieldID, run.Values); err != nil {
			return 0, err
		}
	}
	minTS, maxTS, err := w.Close()
	if err != nil {
		return 0, err
	}

	edit := manifest.VersionEdit{
		TsfID: tf.ID,
		SeqNo: mc.MaxSeq(),
		AddFiles: []manifest.ColumnFileMeta{{
			ID:    id,
			Level: 0,
			MinTS: minTS,
			MaxTS: maxTS,
		}},
	}
	if err := fl.Summary.Append(edit); err != nil {
		return 0, err
	}
	tf.Publish(manifest.Apply(tf.CurrentForEdit(), edit, fl.OnEvict))

	if err := fl.WAL.Truncate(mc.MaxSeq()); err != nil {
		return id, tkerrors.Wrap(tkerrors.KindIO, err, "compaction: truncate wal after flush")
	}
	return id, nil
}

// sortedFieldIDs is a small helper shared with compaction.go for
// deterministic iteration over a set of field-ids.
func sortedFieldIDs(set map[uint64]struct{}) []uint64 {
	out := make([]uint64, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
