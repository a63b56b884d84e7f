// Package manifest implements the immutable, versioned file-set snapshot of
// a vnode: Version, VersionEdit, and the VersionSet that owns
// every database's TsFamily in this process.
package manifest

import (
	"sync"
	"sync/atomic"

	"github.com/tskvdb/tskv/internal/bloom"
)

// ColumnFileID uniquely identifies a TSM column file within one vnode
// instance.
type ColumnFileID = uint64

// ColumnFileMeta is the durable description of one TSM file, as recorded in
// a VersionEdit.
type ColumnFileMeta struct {
	ID     ColumnFileID
	Level  int
	MinTS  int64
	MaxTS  int64
	Size   uint64
	Bloom  *bloom.Filter
}

// ColumnFile is a reference-counted handle to a column file's metadata.
// Files are referenced by multiple Versions and by in-flight readers;
// deletion is deferred until the refcount reaches zero and the file is no
// longer present in any live Version or pending compaction input.
type ColumnFile struct {
	Meta    ColumnFileMeta
	refs    int32
	onEvict func(ColumnFileID)
}

// NewColumnFile wraps meta in a reference-counted handle with an initial
// refcount of 1 (the caller's own reference). onEvict, if non-nil, is
// invoked exactly once, when the refcount drops to zero.
func NewColumnFile(meta ColumnFileMeta, onEvict func(ColumnFileID)) *ColumnFile {
	return &ColumnFile{Meta: meta, refs: 1, onEvict: onEvict}
}

// Ref increments the refcount, returning the file for chaining.
func (f *ColumnFile) Ref() *ColumnFile {
	atomic.AddInt32(&f.refs, 1)
	return f
}

// Unref decrements the refcount, invoking onEvict if it reaches zero.
func (f *ColumnFile) Unref() {
	if atomic.AddInt32(&f.refs, -1) == 0 && f.onEvict != nil {
		f.onEvict(f.Meta.ID)
	}
}

// RefCount returns the current reference count, for tests and diagnostics.
func (f *ColumnFile) RefCount() int32 { return atomic.LoadInt32(&f.refs) }

// Version is an immutable snapshot of one TsFamily's file set. Multiple
// readers may hold the same Version; writers publish a new Version on any
// file-set change.
//
// Invariant: the union of file key ranges for any level >= 1 has
// non-overlapping MinTS..MaxTS per field-id after compaction; level 0 may
// overlap.
type Version struct {
	TfID    uint32
	LastSeq uint64
	Levels  [][]*ColumnFile // Levels[0] is level 0, freshly flushed
}

// NewVersion returns an empty Version for a brand-new TsFamily.
func NewVersion(tfID uint32) *Version {
	return &Version{TfID: tfID, Levels: make([][]*ColumnFile, 1)}
}

// FilesAtLevel returns the files at level, or nil if the level doesn't
// exist yet.
func (v *Version) FilesAtLevel(level int) []*ColumnFile {
	if level < 0 || level >= len(v.Levels) {
		return nil
	}
	return v.Levels[level]
}

// MaxLevel returns the index of the last level slot, len(Levels)-1; that
// level may hold no files.
func (v *Version) MaxLevel() int { return len(v.Levels) - 1 }

// AllFiles returns every file across every level.
func (v *Version) AllFiles() []*ColumnFile {
	var out []*ColumnFile
	for _, level := range v.Levels {
		out = append(out, level...)
	}
	return out
}

// RefAll increments the refcount of every file in v, used when publishing v
// so existing readers that already hold it are unaffected and new readers
// each hold their own reference while they use it.
func (v *Version) RefAll() {
	for _, f := range v.AllFiles() {
		f.Ref()
	}
}

// UnrefAll decrements the refcount of every file in v, called when a reader
// is done with this particular Version snapshot.
func (v *Version) UnrefAll() {
	for _, f := range v.AllFiles() {
		f.Unref()
	}
}

// SuperVersion is the reader-facing tuple of Version plus the live and
// frozen memcaches, published atomically whenever either changes. The
// memcache types are intentionally opaque (interface{}) here to avoid a
// dependency cycle between manifest and memcache; the vnode package
// assembles the concrete SuperVersion.
type SuperVersion struct {
	Version             *Version
	Memcache            interface{}
	ImmutableMemcaches  []interface{}
}

// TsFamily owns the current Version for one vnode shard, behind a
// read-biased lock: many readers acquire the SuperVersion by a single
// shared read.
type TsFamily struct {
	ID uint32

	mu      sync.RWMutex
	current *Version
}

// NewTsFamily creates a TsFamily starting from an empty Version.
func NewTsFamily(id uint32) *TsFamily {
	return &TsFamily{ID: id, current: NewVersion(id)}
}

// Current returns the live Version, with every file's refcount bumped so
// the caller can safely read from it even if a concurrent publish swaps in
// a newer Version. The caller must call UnrefAll when finished.
func (tf *TsFamily) Current() *Version {
	tf.mu.RLock()
	defer tf.mu.RUnlock()
	tf.current.RefAll()
	return tf.current
}

// CurrentForEdit returns the live Version without bumping any file's
// refcount, for use as the base argument to Apply. Only the single writer
// for this TsFamily (the flush/compaction job) may call this: Apply
// transfers ownership of base's files to its result, so a second concurrent
// caller racing on the same base would double-transfer a reference it does
// not hold. Readers must use Current, never this method.
func (tf *TsFamily) CurrentForEdit() *Version {
	tf.mu.RLock()
	defer tf.mu.RUnlock()
	return tf.current
}

// Publish atomically swaps in next as the live Version. Existing readers
// that already hold the previous Version keep their references until they
// release them ("publishing a new Version is a single swap").
func (tf *TsFamily) Publish(next *Version) {
	tf.mu.Lock()
	defer tf.mu.Unlock()
	tf.current = next
}
