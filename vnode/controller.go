// Package vnode implements the single-writer-per-vnode controller: the one
// place that accepts writes, schema-mutating deletes, and forced
// flush/compaction for one vnode, assembling the WAL, memcache, manifest,
// summary, compaction, and index packages into a working storage shard.
package vnode

import (
	"context"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/tskvdb/tskv/compaction"
	tkerrors "github.com/tskvdb/tskv/errors"
	"github.com/tskvdb/tskv/index"
	"github.com/tskvdb/tskv/internal/bloom"
	"github.com/tskvdb/tskv/internal/manifest"
	"github.com/tskvdb/tskv/memcache"
	"github.com/tskvdb/tskv/metrics"
	"github.com/tskvdb/tskv/remote"
	"github.com/tskvdb/tskv/summary"
	"github.com/tskvdb/tskv/tsm"
	"github.com/tskvdb/tskv/tsm/tombstone"
	"github.com/tskvdb/tskv/wal"
)

// State is the lifecycle state of a vnode controller.
type State int

const (
	StateOpen State = iota
	StateCopying
	StateClosed
)

// Options configures a Controller.
type Options struct {
	MaxMemBytes      int64
	MaxMemAge        time.Duration
	WALSegmentBytes  int64
	FlushQueueDepth  int
	CompactConcurrency int64
	CheckpointBytes  int64

	// Metrics, if set, receives write/flush/compaction/tombstone
	// observations. Nil disables all metrics recording.
	Metrics *metrics.Registry
	// Remote, if set, archives deeply-compacted column files to a remote
	// tier once a compaction promotes them past its configured level. Nil
	// disables remote archival.
	Remote remote.Uploader
}

// DefaultOptions returns sane defaults for a single vnode.
func DefaultOptions() Options {
	return Options{
		MaxMemBytes:        64 << 20,
		MaxMemAge:          10 * time.Minute,
		WALSegmentBytes:    16 << 20,
		FlushQueueDepth:    4,
		CompactConcurrency: 2,
	}
}

// Controller owns every in-process resource for one vnode and serializes
// every schema-mutating operation through mu: exactly one writer per vnode.
type Controller struct {
	id  uint32
	dir string
	opt Options

	mu    sync.Mutex
	state State

	vs  *manifest.VersionSet
	db  *manifest.Database
	tf  *manifest.TsFamily
	wl  *wal.WAL
	sum *summary.Summary
	idx *index.Index

	liveMu sync.Mutex
	live   *memcache.Memcache

	nextFileID uint64
	fileIDMu   sync.Mutex

	flusher   *compaction.Flusher
	compactor *compaction.Compactor

	flushQueue chan *memcache.Memcache
	group      *errgroup.Group
	groupCtx   context.Context
	cancel     context.CancelFunc

	metrics *metrics.Registry
	remote  remote.Uploader
}

// Open opens (or creates) a vnode directory rooted at dir for (tenant,
// database, tfID), replaying the summary and then the WAL tail to
// reconstruct the current Version and live memcache.
func Open(dir string, tenant, database string, tfID uint32, vs *manifest.VersionSet, opt Options) (*Controller, error) {
	if opt.MaxMemBytes == 0 && opt.MaxMemAge == 0 && opt.WALSegmentBytes == 0 {
		opt = DefaultOptions()
	}
	db := vs.CreateDB(tenant, database, nil)

	c := &Controller{id: tfID, dir: dir, opt: opt, vs: vs, db: db, metrics: opt.Metrics, remote: opt.Remote}

	sum, err := summary.Open(dir, vs, func(uint32) *manifest.Database { return db }, opt.CheckpointBytes)
	if err != nil {
		return nil, err
	}
	c.sum = sum

	tf := db.GetTsFamily(tfID)
	if tf == nil {
		tf = manifest.NewTsFamily(tfID)
		db.OpenTsFamily(tf)
	}
	c.tf = tf

	idx, err := index.Open(filepath.Join(dir, "series.idx"))
	if err != nil {
		return nil, err
	}
	c.idx = idx

	w, _, err := wal.Open(filepath.Join(dir, "wal"), opt.WALSegmentBytes)
	if err != nil {
		return nil, err
	}
	c.wl = w

	c.flusher = &compaction.Flusher{Dir: dir, IDAlloc: c.allocFileID, Summary: sum, VS: vs, WAL: w}
	c.compactor = compaction.NewCompactor(opt.CompactConcurrency)
	c.compactor.Dir = dir
	c.compactor.IDAlloc = c.allocFileID
	c.compactor.Summary = sum
	c.compactor.VS = vs
	c.compactor.TombstoneFor = func(id manifest.ColumnFileID) (*tombstone.Store, error) {
		return tombstone.Open(tombstone.FileName(dir, id))
	}
	c.compactor.Remote = c.remote

	c.seedFileIDCounter()
	if err := c.reclaimOrphanFiles(); err != nil {
		return nil, err
	}

	v := tf.Current()
	lastSeq := v.LastSeq
	v.UnrefAll()

	c.live = memcache.New(opt.MaxMemBytes, opt.MaxMemAge)
	if err := w.ReplayAll(lastSeq, func(b wal.Batch) error {
		batch, err := decodeBatch(b.Payload)
		if err != nil {
			return nil // corrupt tail record: skip, matching record-codec tolerance
		}
		for _, p := range batch.Points {
			c.live.Insert(seriesIDOf(p.FieldID), p.FieldID, b.Seq, p.Value)
		}
		return nil
	}); err != nil {
		return nil, err
	}

	c.flushQueue = make(chan *memcache.Memcache, opt.FlushQueueDepth)
	ctx, cancel := context.WithCancel(context.Background())
	c.groupCtx = ctx
	c.cancel = cancel
	group, gctx := errgroup.WithContext(ctx)
	c.group = group
	group.Go(func() error { return c.flushWorker(gctx) })

	return c, nil
}

// seriesIDOf recovers the series-id component of a composite field-id. The
// index package owns the authoritative series-id allocation; the
// controller only needs a stable per-series grouping key for memcache's
// map, so the upper 32 bits of the field-id (which encodes series-id) serve
// directly.
func seriesIDOf(fieldID uint64) uint64 { return fieldID >> 32 }

func (c *Controller) allocFileID() manifest.ColumnFileID {
	c.fileIDMu.Lock()
	defer c.fileIDMu.Unlock()
	c.nextFileID++
	return c.nextFileID
}

// seedFileIDCounter scans the current Version so freshly allocated file ids
// never collide with ones already on disk after a restart.
func (c *Controller) seedFileIDCounter() {
	v := c.tf.Current()
	defer v.UnrefAll()
	for _, f := range v.AllFiles() {
		if f.Meta.ID > c.nextFileID {
			c.nextFileID = f.Meta.ID
		}
	}
}

// reclaimOrphanFiles deletes any *.tsm file in dir whose id is not part of
// the recovered Version: a crash between a flush or compaction file's fsync
// and the summary-log append that would have recorded it leaves exactly
// this kind of file, referenced by nothing. It must run before the WAL
// replay below, so a reopened controller never allocates a new file under
// an id that's still sitting on disk unreferenced.
func (c *Controller) reclaimOrphanFiles() error {
	entries, err := os.ReadDir(c.dir)
	if err != nil {
		return tkerrors.Wrap(tkerrors.KindIO, err, "vnode: list %s", c.dir)
	}

	v := c.tf.Current()
	live := make(map[manifest.ColumnFileID]struct{}, len(v.AllFiles()))
	for _, f := range v.AllFiles() {
		live[f.Meta.ID] = struct{}{}
	}
	v.UnrefAll()

	for _, ent := range entries {
		if ent.IsDir() || !strings.HasSuffix(ent.Name(), ".tsm") {
			continue
		}
		id, ok := columnFileIDFromName(ent.Name())
		if !ok {
			continue
		}
		if _, ok := live[id]; ok {
			continue
		}
		path := filepath.Join(c.dir, ent.Name())
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return tkerrors.Wrap(tkerrors.KindIO, err, "vnode: reclaim orphan file %s", path)
		}
		if err := os.Remove(tombstone.FileName(c.dir, id)); err != nil && !os.IsNotExist(err) {
			return tkerrors.Wrap(tkerrors.KindIO, err, "vnode: reclaim orphan tombstone for %s", path)
		}
	}
	return nil
}

// columnFileIDFromName parses the id embedded in a column file's basename,
// the inverse of compaction.FileNamer's "_%06d.tsm" format.
func columnFileIDFromName(name string) (manifest.ColumnFileID, bool) {
	trimmed := strings.TrimSuffix(strings.TrimPrefix(name, "_"), ".tsm")
	id, err := strconv.ParseUint(trimmed, 10, 64)
	if err != nil {
		return 0, false
	}
	return manifest.ColumnFileID(id), true
}

// Write enqueues batch to the WAL and inserts it into the live memcache,
// returning only after both are durable.
func (c *Controller) Write(tenant, database string, precision wal.Precision, batch WriteBatch) (uint64, error) {
	c.mu.Lock()
	state := c.state
	c.mu.Unlock()
	if state != StateOpen {
		return 0, tkerrors.New(tkerrors.KindInvalidArgument, "vnode: write to %s while not open (state=%d)",
			tkerrors.RedactTenant(tenant, database), state)
	}

	seq, err := c.wl.Append(tenant, database, precision, encodeBatch(batch))
	if err != nil {
		return 0, err
	}

	c.liveMu.Lock()
	for _, p := range batch.Points {
		c.live.Insert(seriesIDOf(p.FieldID), p.FieldID, seq, p.Value)
	}
	shouldRotate, _ := c.live.ShouldRotate()
	c.liveMu.Unlock()

	if shouldRotate {
		if err := c.rotate(); err != nil {
			return seq, err
		}
	}
	if c.metrics != nil {
		c.metrics.ObserveWrite(len(batch.Points))
	}
	return seq, nil
}

// rotate freezes the live memcache and queues it for flush, replacing it
// with a fresh one. A full flush queue surfaces as a resource-exhausted
// error to the caller.
func (c *Controller) rotate() error {
	c.liveMu.Lock()
	frozen := c.live
	frozen.Freeze()
	c.live = memcache.New(c.opt.MaxMemBytes, c.opt.MaxMemAge)
	c.liveMu.Unlock()

	select {
	case c.flushQueue <- frozen:
		return nil
	default:
	}
	select {
	case c.flushQueue <- frozen:
		return nil
	case <-time.After(3 * time.Second):
		return tkerrors.New(tkerrors.KindResourceExhausted, "vnode: flush queue full")
	}
}

func (c *Controller) flushWorker(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case mc, ok := <-c.flushQueue:
			if !ok {
				return nil
			}
			id, err := c.flusher.Flush(c.tf, mc)
			if err != nil {
				return err
			}
			c.observeFlush(id)
			if err := c.sum.MaybeCheckpoint(c.vs); err != nil {
				return err
			}
		}
	}
}

// FlushTsFamily forces the current live memcache to flush synchronously,
// bypassing the rotation thresholds.
func (c *Controller) FlushTsFamily() error {
	c.liveMu.Lock()
	frozen := c.live
	frozen.Freeze()
	c.live = memcache.New(c.opt.MaxMemBytes, c.opt.MaxMemAge)
	c.liveMu.Unlock()

	id, err := c.flusher.Flush(c.tf, frozen)
	if err != nil {
		return err
	}
	c.observeFlush(id)
	return nil
}

// observeFlush records a flush metric for the file just written, if a
// Metrics registry is configured. id is zero when the memcache was empty
// and nothing was written.
func (c *Controller) observeFlush(id manifest.ColumnFileID) {
	if c.metrics == nil || id == 0 {
		return
	}
	if fi, err := os.Stat(compaction.FileNamer(c.dir, id)); err == nil {
		c.metrics.ObserveFlush(fi.Size())
	}
}

// Compact forces one compaction pass synchronously, returning whether a
// merge actually ran.
func (c *Controller) Compact(ctx context.Context) (bool, error) {
	c.mu.Lock()
	copying := c.state == StateCopying
	c.mu.Unlock()
	if copying {
		return false, nil // no new compactions while preparing a vnode copy
	}

	before := c.fileIDsByID()
	ran, err := c.compactor.CompactOnce(ctx, c.tf)
	if err != nil || !ran {
		return ran, err
	}
	c.observeCompaction(before)
	return true, nil
}

// fileIDsByID returns the column file metas of every file currently live on
// tf, keyed by id, used by observeCompaction to find what a merge just added.
func (c *Controller) fileIDsByID() map[manifest.ColumnFileID]manifest.ColumnFileMeta {
	v := c.tf.Current()
	defer v.UnrefAll()
	out := make(map[manifest.ColumnFileID]manifest.ColumnFileMeta, len(v.AllFiles()))
	for _, f := range v.AllFiles() {
		out[f.Meta.ID] = f.Meta
	}
	return out
}

// observeCompaction records a compaction metric for the file(s) a merge
// added relative to before, and offers any file now at or past the remote
// tier's minimum level for archival.
func (c *Controller) observeCompaction(before map[manifest.ColumnFileID]manifest.ColumnFileMeta) {
	v := c.tf.Current()
	defer v.UnrefAll()
	for _, f := range v.AllFiles() {
		if _, existed := before[f.Meta.ID]; existed {
			continue
		}
		path := compaction.FileNamer(c.dir, f.Meta.ID)
		if c.metrics != nil {
			if fi, err := os.Stat(path); err == nil {
				c.metrics.ObserveCompaction(fi.Size())
			}
		}
		if c.remote != nil && c.remote.ShouldArchive(f.Meta.Level) {
			err := c.remote.Upload(c.groupCtx, path)
			if c.metrics != nil {
				c.metrics.ObserveRemoteUpload(err)
			}
		}
	}
}

// DeleteFromTable translates to tombstone additions across every current
// column file that might contain fieldIDs in timeRange. Eventual consistency
// relative to in-flight compactions is acceptable so long as a subsequent
// read observes the delete.
func (c *Controller) DeleteFromTable(fieldIDs []uint64, timeRange tsm.TimeRange) error {
	v := c.tf.Current()
	defer v.UnrefAll()

	for _, f := range v.AllFiles() {
		if f.Meta.MinTS > timeRange.Max || f.Meta.MaxTS < timeRange.Min {
			continue
		}
		ts, err := tombstone.Open(tombstone.FileName(c.dir, f.Meta.ID))
		if err != nil {
			return err
		}
		if err := ts.Add(fieldIDs, timeRange, f.Meta.Bloom); err != nil {
			return err
		}
		if err := ts.Flush(); err != nil {
			return err
		}
		if err := ts.Close(); err != nil {
			return err
		}
		if c.metrics != nil {
			c.metrics.ObserveTombstoneAdd()
		}
	}
	return nil
}

// DropTableColumn deletes every point for fieldIDs across all time,
// delegating to DeleteFromTable.
func (c *Controller) DropTableColumn(fieldIDs []uint64) error {
	return c.DeleteFromTable(fieldIDs, tsm.TimeRange{Min: minInt64, Max: maxInt64})
}

// DropTable and DropDatabase are DropTableColumn applied to every field-id
// belonging to the table/database; the caller (the metadata layer, out of
// scope here) is responsible for resolving that field-id set via the index.
func (c *Controller) DropTable(fieldIDs []uint64) error    { return c.DropTableColumn(fieldIDs) }
func (c *Controller) DropDatabase(fieldIDs []uint64) error { return c.DropTableColumn(fieldIDs) }

const (
	minInt64 = -1 << 63
	maxInt64 = 1<<63 - 1
)

// PrepareCopyVnode marks the vnode Copying (no new compactions) and flushes
// any pending memcache so a physical copy captures a clean, fully-flushed
// file set.
func (c *Controller) PrepareCopyVnode() error {
	c.mu.Lock()
	c.state = StateCopying
	c.mu.Unlock()
	return c.FlushTsFamily()
}

// GetVnodeSummary serializes this vnode's current Version into a
// VersionEdit plus the bloom filters of its files, for a physical copy.
func (c *Controller) GetVnodeSummary() (manifest.VersionEdit, map[manifest.ColumnFileID]*bloom.Filter) {
	v := c.tf.Current()
	defer v.UnrefAll()

	edit := manifest.VersionEdit{TsfID: c.id, SeqNo: v.LastSeq, MaxLevel: v.MaxLevel()}
	filters := make(map[manifest.ColumnFileID]*bloom.Filter)
	for _, f := range v.AllFiles() {
		edit.AddFiles = append(edit.AddFiles, f.Meta)
		if f.Meta.Bloom != nil {
			filters[f.Meta.ID] = f.Meta.Bloom
		}
	}
	return edit, filters
}

// ApplyVnodeSummary installs edit as this vnode's Version, assuming the
// files it names have already been physically copied into dir by the
// caller (the replication transport). filters supplies bloom filters for
// any AddFiles entry that doesn't already carry one.
func (c *Controller) ApplyVnodeSummary(edit manifest.VersionEdit, filters map[manifest.ColumnFileID]*bloom.Filter) error {
	for i := range edit.AddFiles {
		if edit.AddFiles[i].Bloom == nil {
			edit.AddFiles[i].Bloom = filters[edit.AddFiles[i].ID]
		}
	}
	if err := c.sum.Append(edit); err != nil {
		return err
	}
	// edit only ever adds files here; nothing can be evicted by this Apply.
	c.tf.Publish(manifest.Apply(c.tf.CurrentForEdit(), edit, nil))
	c.seedFileIDCounter()
	return nil
}

// GetVnodeHashTree produces a Merkle-style digest of this vnode's current
// file set for replica integrity comparison.
func (c *Controller) GetVnodeHashTree() (*HashTree, error) {
	return GetVnodeHashTree(c.dir, c.tf)
}

// UpdateTagsValue rewrites the series keys for matchedSeries to carry
// newTags in the index, or only validates the rewrite when dryRun is set.
func (c *Controller) UpdateTagsValue(newTags []index.Tag, matchedSeries []uint64, dryRun bool) error {
	return c.idx.UpdateTagsValue(newTags, matchedSeries, dryRun)
}

// Index exposes the series index for callers resolving series keys to ids
// before calling Write.
func (c *Controller) Index() *index.Index { return c.idx }

// LiveMemcache returns the controller's current (unflushed) memcache, for
// diagnostics and tests. Callers must not mutate it.
func (c *Controller) LiveMemcache() *memcache.Memcache {
	c.liveMu.Lock()
	defer c.liveMu.Unlock()
	return c.live
}

// Close stops the background flush worker and releases every underlying
// file handle.
func (c *Controller) Close() error {
	c.mu.Lock()
	c.state = StateClosed
	c.mu.Unlock()

	c.cancel()
	close(c.flushQueue)
	if err := c.group.Wait(); err != nil {
		return err
	}
	if err := c.wl.Close(); err != nil {
		return err
	}
	if err := c.sum.Close(); err != nil {
		return err
	}
	return c.idx.Close()
}
