// Package tskv assembles the vnode, replication, metrics, and remote-tier
// packages into the Engine capability set: the one surface the ingest and
// query paths (and admin tooling) drive a deployment through, so neither
// needs to reach into vnode.Controller or replication.Group directly.
package tskv

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/hashicorp/raft"

	tkerrors "github.com/tskvdb/tskv/errors"
	"github.com/tskvdb/tskv/index"
	"github.com/tskvdb/tskv/internal/manifest"
	"github.com/tskvdb/tskv/metrics"
	"github.com/tskvdb/tskv/replication"
	"github.com/tskvdb/tskv/tsm"
	"github.com/tskvdb/tskv/vnode"
	"github.com/tskvdb/tskv/wal"
)

// Engine is the capability set a caller needs to drive one node of a tskv
// deployment: every vnode.Controller mutation, reachable either locally or
// (for a vnode opened with OpenReplicatedVnode) through consensus.
type Engine interface {
	Write(tenant, database string, tfID uint32, precision wal.Precision, batch vnode.WriteBatch) error
	DeleteFromTable(tfID uint32, fieldIDs []uint64, timeRange tsm.TimeRange) error
	DropTableColumn(tfID uint32, fieldIDs []uint64) error
	DropTable(tfID uint32, fieldIDs []uint64) error
	DropDatabase(tfID uint32, fieldIDs []uint64) error
	UpdateTagsValue(tfID uint32, newTags []index.Tag, matchedSeries []uint64, dryRun bool) error

	FlushTsFamily(tfID uint32) error
	Compact(ctx context.Context, tfID uint32) (bool, error)
	Index(tfID uint32) (*index.Index, error)

	Close() error
}

// vnodeEntry is everything the Engine owns for one open vnode.
type vnodeEntry struct {
	ctrl  *vnode.Controller
	group *replication.Group // nil unless opened with OpenReplicatedVnode
}

// engine is the real Engine, backed by on-disk vnode.Controllers.
type engine struct {
	opt     Options
	vs      *manifest.VersionSet
	metrics *metrics.Registry
	hub     *replication.Hub

	mu     sync.RWMutex
	vnodes map[uint32]*vnodeEntry
}

// Open starts an Engine rooted at opt.Dir. The returned Engine owns no
// vnodes until OpenVnode/OpenReplicatedVnode is called for each one the
// caller's metadata service assigns to this node.
func Open(opt Options) (Engine, error) {
	opt.setDefaults()
	if err := os.MkdirAll(opt.Dir, 0755); err != nil {
		return nil, tkerrors.Wrap(tkerrors.KindIO, err, "tskv: mkdir %s", opt.Dir)
	}

	reg := opt.Metrics
	if reg == nil {
		reg, _ = metrics.New()
	}

	e := &engine{
		opt:     opt,
		vs:      manifest.NewVersionSet(),
		metrics: reg,
		vnodes:  make(map[uint32]*vnodeEntry),
	}

	if opt.RaftBindAddr != "" {
		hub, err := replication.NewHub(opt.RaftBindAddr, opt.RPCTimeout, reg)
		if err != nil {
			return nil, tkerrors.Wrap(tkerrors.KindIO, err, "tskv: open replication hub")
		}
		e.hub = hub
	}
	return e, nil
}

func (e *engine) vnodeDir(tenant, database string, tfID uint32) string {
	return filepath.Join(e.opt.Dir, tenant, database, fmt.Sprintf("%d", tfID))
}

// OpenVnode opens a non-replicated vnode: writes apply locally and
// immediately, with no raft group involved.
func (e *engine) OpenVnode(tenant, database string, tfID uint32) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.vnodes[tfID]; ok {
		return tkerrors.New(tkerrors.KindInvalidArgument, "tskv: vnode %d for %s already open", tfID, tkerrors.RedactTenant(tenant, database))
	}

	vopt := e.opt.VnodeOptions
	vopt.Metrics = e.metrics
	vopt.Remote = e.opt.Remote

	dir := e.vnodeDir(tenant, database, tfID)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return tkerrors.Wrap(tkerrors.KindIO, err, "tskv: mkdir %s", dir)
	}
	ctrl, err := vnode.Open(dir, tenant, database, tfID, e.vs, vopt)
	if err != nil {
		return err
	}
	e.vnodes[tfID] = &vnodeEntry{ctrl: ctrl}
	return nil
}

// OpenReplicatedVnode opens tfID under raft consensus: every mutating call
// is replicated to bootstrap's other members before it applies to the
// local controller. The Engine must have been built with a RaftBindAddr.
func (e *engine) OpenReplicatedVnode(tenant, database string, tfID uint32, bootstrap []raft.Server) error {
	if e.hub == nil {
		return tkerrors.New(tkerrors.KindInvalidArgument, "tskv: Engine has no replication hub (set RaftBindAddr)")
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.vnodes[tfID]; ok {
		return tkerrors.New(tkerrors.KindInvalidArgument, "tskv: vnode %d for %s already open", tfID, tkerrors.RedactTenant(tenant, database))
	}

	vopt := e.opt.VnodeOptions
	vopt.Metrics = e.metrics
	vopt.Remote = e.opt.Remote

	dir := e.vnodeDir(tenant, database, tfID)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return tkerrors.Wrap(tkerrors.KindIO, err, "tskv: mkdir %s", dir)
	}
	ctrl, err := vnode.Open(dir, tenant, database, tfID, e.vs, vopt)
	if err != nil {
		return err
	}

	groupID := fmt.Sprintf("%s/%s/%d", tenant, database, tfID)
	group, err := replication.NewGroup(replication.GroupConfig{
		ID:        groupID,
		LocalID:   raft.ServerID(e.opt.NodeID),
		Dir:       filepath.Join(dir, "raft"),
		Hub:       e.hub,
		Bootstrap: bootstrap,
	}, ctrl)
	if err != nil {
		ctrl.Close()
		return err
	}

	e.vnodes[tfID] = &vnodeEntry{ctrl: ctrl, group: group}
	return nil
}

func (e *engine) entry(tfID uint32) (*vnodeEntry, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	ve, ok := e.vnodes[tfID]
	if !ok {
		return nil, tkerrors.New(tkerrors.KindInvalidArgument, "tskv: vnode %d not open", tfID)
	}
	return ve, nil
}

// apply routes cmd through ve's raft group when it has one, otherwise
// applies the equivalent vnode.Controller call directly.
func (e *engine) apply(ve *vnodeEntry, cmd replication.Command, direct func() error) error {
	if ve.group != nil {
		return ve.group.Apply(cmd)
	}
	return direct()
}

func (e *engine) Write(tenant, database string, tfID uint32, precision wal.Precision, batch vnode.WriteBatch) error {
	ve, err := e.entry(tfID)
	if err != nil {
		return err
	}
	return e.apply(ve, replication.Command{
		Kind: replication.CmdWrite, Tenant: tenant, Database: database,
		Precision: precision, Batch: batch,
	}, func() error {
		_, err := ve.ctrl.Write(tenant, database, precision, batch)
		return err
	})
}

func (e *engine) DeleteFromTable(tfID uint32, fieldIDs []uint64, timeRange tsm.TimeRange) error {
	ve, err := e.entry(tfID)
	if err != nil {
		return err
	}
	return e.apply(ve, replication.Command{
		Kind: replication.CmdDeleteFromTable, FieldIDs: fieldIDs, TimeRange: timeRange,
	}, func() error { return ve.ctrl.DeleteFromTable(fieldIDs, timeRange) })
}

func (e *engine) DropTableColumn(tfID uint32, fieldIDs []uint64) error {
	ve, err := e.entry(tfID)
	if err != nil {
		return err
	}
	return e.apply(ve, replication.Command{
		Kind: replication.CmdDropTableColumn, FieldIDs: fieldIDs,
	}, func() error { return ve.ctrl.DropTableColumn(fieldIDs) })
}

func (e *engine) DropTable(tfID uint32, fieldIDs []uint64) error {
	ve, err := e.entry(tfID)
	if err != nil {
		return err
	}
	return e.apply(ve, replication.Command{
		Kind: replication.CmdDropTable, FieldIDs: fieldIDs,
	}, func() error { return ve.ctrl.DropTable(fieldIDs) })
}

func (e *engine) DropDatabase(tfID uint32, fieldIDs []uint64) error {
	ve, err := e.entry(tfID)
	if err != nil {
		return err
	}
	return e.apply(ve, replication.Command{
		Kind: replication.CmdDropDatabase, FieldIDs: fieldIDs,
	}, func() error { return ve.ctrl.DropDatabase(fieldIDs) })
}

func (e *engine) UpdateTagsValue(tfID uint32, newTags []index.Tag, matchedSeries []uint64, dryRun bool) error {
	ve, err := e.entry(tfID)
	if err != nil {
		return err
	}
	return e.apply(ve, replication.Command{
		Kind: replication.CmdUpdateTagsValue, NewTags: newTags, MatchedSeries: matchedSeries, DryRun: dryRun,
	}, func() error { return ve.ctrl.UpdateTagsValue(newTags, matchedSeries, dryRun) })
}

// FlushTsFamily and Compact are local-only operations: every replica runs
// its own background flush/compaction independently rather than
// replicating the resulting file set through the raft log, so flush and
// compaction never block on consensus.
func (e *engine) FlushTsFamily(tfID uint32) error {
	ve, err := e.entry(tfID)
	if err != nil {
		return err
	}
	return ve.ctrl.FlushTsFamily()
}

func (e *engine) Compact(ctx context.Context, tfID uint32) (bool, error) {
	ve, err := e.entry(tfID)
	if err != nil {
		return false, err
	}
	return ve.ctrl.Compact(ctx)
}

func (e *engine) Index(tfID uint32) (*index.Index, error) {
	ve, err := e.entry(tfID)
	if err != nil {
		return nil, err
	}
	return ve.ctrl.Index(), nil
}

// Close shuts down every open vnode (and its raft group, if any), then the
// replication hub.
func (e *engine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	var firstErr error
	for _, ve := range e.vnodes {
		if ve.group != nil {
			if err := ve.group.Shutdown(); err != nil && firstErr == nil {
				firstErr = err
			}
		}
		if err := ve.ctrl.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if e.hub != nil {
		if err := e.hub.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
