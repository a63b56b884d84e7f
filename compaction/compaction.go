package compaction

import (
	"context"
	"os"
	"sort"

	"golang.org/x/sync/semaphore"

	tkerrors "github.com/tskvdb/tskv/errors"
	"github.com/tskvdb/tskv/internal/manifest"
	"github.com/tskvdb/tskv/remote"
	"github.com/tskvdb/tskv/summary"
	"github.com/tskvdb/tskv/tsm"
	"github.com/tskvdb/tskv/tsm/tombstone"
)

// TombstoneFor opens (or returns a cached) tombstone store for a TSM file
// id, used by the compactor to excise deleted points during a merge.
type TombstoneFor func(id manifest.ColumnFileID) (*tombstone.Store, error)

// Compactor runs the level-picker and merge job. Compaction concurrency is
// globally bounded by sem, shared across every TsFamily in the process.
type Compactor struct {
	Dir          string
	IDAlloc      func() manifest.ColumnFileID
	Summary      *summary.Summary
	VS           *manifest.VersionSet
	TombstoneFor TombstoneFor
	OnEvict      func(manifest.ColumnFileID)
	Picker       *Picker

	// Remote archives files at or above its configured level; when set,
	// deleteOnEvict removes a file's remote copy before its local one, so
	// an evicted file never leaves an orphaned archive object behind.
	Remote remote.Uploader

	sem *semaphore.Weighted
}

// NewCompactor returns a Compactor bounded to maxConcurrent simultaneous
// merges across every TsFamily it serves.
func NewCompactor(maxConcurrent int64) *Compactor {
	if maxConcurrent <= 0 {
		maxConcurrent = 1
	}
	return &Compactor{Picker: NewPicker(), sem: semaphore.NewWeighted(maxConcurrent)}
}

// CompactOnce picks at most one compaction task from tf's current Version
// and runs it, returning false if nothing needed compacting. ctx bounds
// only the wait to acquire a concurrency slot; the merge itself always runs
// to completion once started; a torn result on disk is never published.
func (c *Compactor) CompactOnce(ctx context.Context, tf *manifest.TsFamily) (bool, error) {
	v := tf.Current()
	task := c.Picker.PickLevel(v)
	if task == nil {
		v.UnrefAll()
		return false, nil
	}

	if err := c.sem.Acquire(ctx, 1); err != nil {
		v.UnrefAll()
		return false, tkerrors.Wrap(tkerrors.KindResourceExhausted, err, "compaction: acquire slot")
	}
	defer c.sem.Release(1)

	newFile, removed, err := c.merge(tf.ID, task)
	seqNo := v.LastSeq
	v.UnrefAll()
	if err != nil {
		return false, err
	}

	edit := manifest.VersionEdit{
		TsfID:         tf.ID,
		SeqNo:         seqNo,
		MaxLevel:      task.Level + 1,
		RemoveFileIDs: removed,
	}
	if newFile != nil {
		edit.AddFiles = append(edit.AddFiles, *newFile)
	}
	if err := c.Summary.Append(edit); err != nil {
		return false, err
	}
	tf.Publish(manifest.Apply(tf.CurrentForEdit(), edit, c.deleteOnEvict))
	return true, nil
}

// deleteOnEvict removes a column file's remote archive (if any), then its
// TSM and tombstone files from disk, once its refcount reaches zero; it
// runs from whichever goroutine drops the last reference, so it carries no
// request context of its own. It finally forwards to the caller-supplied
// OnEvict (used for cache invalidation, metrics, etc).
func (c *Compactor) deleteOnEvict(id manifest.ColumnFileID) {
	path := FileNamer(c.Dir, id)
	if c.Remote != nil {
		_ = c.Remote.Delete(context.Background(), path)
	}
	_ = os.Remove(path)
	_ = os.Remove(tombstone.FileName(c.Dir, id))
	if c.OnEvict != nil {
		c.OnEvict(id)
	}
}

// stampedValue tags a decoded value with the id of the file it came from,
// so the merge can resolve same-timestamp collisions by preferring the
// value from the most recently created file (property 5: compaction
// correctness never loses the newest write for a given point).
type stampedValue struct {
	tsm.Value
	fileID manifest.ColumnFileID
}

func (c *Compactor) merge(tfID uint32, task *Task) (*manifest.ColumnFileMeta, []manifest.ColumnFileID, error) {
	allFiles := append(append([]*manifest.ColumnFile(nil), task.Inputs...), task.Outputs...)
	allFiles = sortFilesByID(allFiles)

	readers := make(map[manifest.ColumnFileID]*tsm.Reader, len(allFiles))
	tombstones := make(map[manifest.ColumnFileID]*tombstone.Store, len(allFiles))
	defer func() {
		for _, r := range readers {
			_ = r.Close()
		}
	}()

	fieldSet := make(map[uint64]struct{})
	for _, f := range allFiles {
		r, err := tsm.Open(FileNamer(c.Dir, f.Meta.ID))
		if err != nil {
			return nil, nil, err
		}
		readers[f.Meta.ID] = r
		ts, err := c.TombstoneFor(f.Meta.ID)
		if err != nil {
			return nil, nil, err
		}
		tombstones[f.Meta.ID] = ts
		for _, fid := range r.FieldIDs() {
			fieldSet[fid] = struct{}{}
		}
	}

	var removed []manifest.ColumnFileID
	for _, f := range allFiles {
		removed = append(removed, f.Meta.ID)
	}

	if len(fieldSet) == 0 {
		return nil, removed, nil
	}

	fieldIDs := sortedFieldIDs(fieldSet)
	id := c.IDAlloc()
	codec := tsm.DefaultBlockCodec
	if task.Level+1 >= 2 {
		codec = tsm.CodecZstdKlauspost
	}
	w, err := tsm.Create(FileNamer(c.Dir, id), len(fieldIDs), codec)
	if err != nil {
		return nil, nil, err
	}

	for _, fieldID := range fieldIDs {
		merged, err := c.mergeField(fieldID, allFiles, readers, tombstones)
		if err != nil {
			return nil, nil, err
		}
		if len(merged) == 0 {
			continue
		}
		if err := w.WriteBlock(fieldID, merged); err != nil {
			return nil, nil, err
		}
	}
	minTS, maxTS, err := w.Close()
	if err != nil {
		return nil, nil, err
	}

	meta := &manifest.ColumnFileMeta{ID: id, Level: task.Level + 1, MinTS: minTS, MaxTS: maxTS}
	return meta, removed, nil
}

// mergeField collects every (field-id) block across files, excises
// tombstoned ranges, and resolves timestamp collisions in favor of the
// value from the highest file-id (the most recently written data).
func (c *Compactor) mergeField(
	fieldID uint64,
	files []*manifest.ColumnFile,
	readers map[manifest.ColumnFileID]*tsm.Reader,
	tombstones map[manifest.ColumnFileID]*tombstone.Store,
) ([]tsm.Value, error) {
	var stamped []stampedValue
	for _, f := range files {
		r := readers[f.Meta.ID]
		entries := r.BlocksForField(fieldID, f.Meta.MinTS, f.Meta.MaxTS)
		for _, e := range entries {
			block, err := r.ReadBlock(e)
			if err != nil {
				return nil, err
			}
			if ts := tombstones[f.Meta.ID]; ts != nil {
				block = ts.ApplyToBlock(block)
			}
			for _, v := range block.Values {
				stamped = append(stamped, stampedValue{Value: v, fileID: f.Meta.ID})
			}
		}
	}
	if len(stamped) == 0 {
		return nil, nil
	}

	sort.SliceStable(stamped, func(i, j int) bool {
		if stamped[i].Timestamp != stamped[j].Timestamp {
			return stamped[i].Timestamp < stamped[j].Timestamp
		}
		return stamped[i].fileID < stamped[j].fileID // ascending: on a tie the highest id comes last, and the loop below keeps the last
	})

	out := make([]tsm.Value, 0, len(stamped))
	for _, sv := range stamped {
		if n := len(out); n > 0 {
			last := &out[n-1]
			if matchesTimestamp(*last, sv.Value) {
				*last = sv.Value // higher file-id encountered later for the same ts overwrites
				continue
			}
		}
		out = append(out, sv.Value)
	}
	return out, nil
}

func matchesTimestamp(a, b tsm.Value) bool { return a.Timestamp == b.Timestamp }
