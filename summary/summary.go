// Package summary implements the durable edit log: a record stream of
// encoded VersionEdits, replayed from the last checkpoint on open and
// periodically compacted into a fresh, smaller log once it grows past a
// size bound.
package summary

import (
	"os"
	"path/filepath"
	"sync"

	tkerrors "github.com/tskvdb/tskv/errors"
	"github.com/tskvdb/tskv/internal/manifest"
	"github.com/tskvdb/tskv/internal/record"
)

const (
	fileName     = "summary.log"
	tmpFileName  = "summary.log.tmp"
	recordTypeEdit record.Type = 1

	// DefaultCheckpointBytes is the size threshold past which
	// MaybeCheckpoint rewrites the log; Append itself never checkpoints.
	DefaultCheckpointBytes = 4 << 20
)

// Summary owns the on-disk edit log for one vnode's VersionSet.
type Summary struct {
	mu              sync.Mutex
	dir             string
	w               *record.Writer
	checkpointBytes int64
}

// Open replays dir/summary.log (if present) into vs by applying every
// decoded VersionEdit to the matching TsFamily (creating TsFamilies that
// don't exist yet under tfID), then opens the log for further appends.
//
// A leftover summary.log.tmp from a checkpoint that crashed before its
// rename completed is discarded; the rename itself replaces summary.log in
// one step, so no other leftover is possible.
func Open(dir string, vs *manifest.VersionSet, dbFor func(tfID uint32) *manifest.Database, checkpointBytes int64) (*Summary, error) {
	if checkpointBytes <= 0 {
		checkpointBytes = DefaultCheckpointBytes
	}
	path := filepath.Join(dir, fileName)
	tfs := make(map[uint32]*manifest.TsFamily)
	_ = os.Remove(filepath.Join(dir, tmpFileName))

	if _, err := os.Stat(path); err == nil {
		skipped, err := record.ReadAll(path, func(rec record.Record) error {
			edit, err := manifest.DecodeVersionEdit(rec.Data)
			if err != nil {
				return err
			}
			tf := tfs[edit.TsfID]
			if tf == nil {
				tf = vs.GetTsFamilyByTfID(edit.TsfID)
			}
			if tf == nil {
				tf = manifest.NewTsFamily(edit.TsfID)
				if db := dbFor(edit.TsfID); db != nil {
					db.OpenTsFamily(tf)
				}
			}
			tfs[edit.TsfID] = tf
			tf.Publish(manifest.Apply(tf.CurrentForEdit(), edit, nil))
			return nil
		})
		if err != nil {
			return nil, tkerrors.Wrap(tkerrors.KindIO, err, "summary: replay %s", path)
		}
		_ = skipped // corrupt trailing records are tolerated, matching the record format's torn-write semantics
	}

	w, err := record.Create(path)
	if err != nil {
		return nil, tkerrors.Wrap(tkerrors.KindIO, err, "summary: open %s", path)
	}
	return &Summary{dir: dir, w: w, checkpointBytes: checkpointBytes}, nil
}

// Append durably records edit. Summary writes are serialized by s.mu.
func (s *Summary) Append(edit manifest.VersionEdit) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.w.Append(record.V1, recordTypeEdit, manifest.EncodeVersionEdit(edit)); err != nil {
		return tkerrors.Wrap(tkerrors.KindIO, err, "summary: append")
	}
	return s.w.Sync()
}

// MaybeCheckpoint checkpoints the log if it has grown past the configured
// size bound, replacing it with one aggregate edit per TsFamily describing
// that family's currently live file set.
func (s *Summary) MaybeCheckpoint(vs *manifest.VersionSet) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.w.Offset() < s.checkpointBytes {
		return nil
	}
	return s.checkpointLocked(vs)
}

// Checkpoint forces a checkpoint regardless of the current log size.
func (s *Summary) Checkpoint(vs *manifest.VersionSet) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.checkpointLocked(vs)
}

func (s *Summary) checkpointLocked(vs *manifest.VersionSet) error {
	tmpPath := filepath.Join(s.dir, tmpFileName)
	tmp, err := record.Create(tmpPath)
	if err != nil {
		return tkerrors.Wrap(tkerrors.KindIO, err, "summary: create checkpoint tmp")
	}
	edits, _ := vs.Snapshot()
	for _, edit := range edits {
		if _, err := tmp.Append(record.V1, recordTypeEdit, manifest.EncodeVersionEdit(edit)); err != nil {
			tmp.Close()
			return tkerrors.Wrap(tkerrors.KindIO, err, "summary: write checkpoint edit")
		}
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return tkerrors.Wrap(tkerrors.KindIO, err, "summary: sync checkpoint")
	}
	if err := tmp.Close(); err != nil {
		return tkerrors.Wrap(tkerrors.KindIO, err, "summary: close checkpoint")
	}

	path := filepath.Join(s.dir, fileName)
	if err := s.w.Close(); err != nil {
		return tkerrors.Wrap(tkerrors.KindIO, err, "summary: close old log")
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return tkerrors.Wrap(tkerrors.KindIO, err, "summary: rename checkpoint into place")
	}
	if dirf, err := os.Open(s.dir); err == nil {
		_ = dirf.Sync() // durability barrier for the rename itself
		dirf.Close()
	}

	w, err := record.Create(path)
	if err != nil {
		return tkerrors.Wrap(tkerrors.KindIO, err, "summary: reopen log after checkpoint")
	}
	s.w = w
	return nil
}

// Close flushes and closes the underlying log file.
func (s *Summary) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.w.Close()
}
