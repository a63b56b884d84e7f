package replication

import (
	"context"
	"io"
	"net"
	"os"
	"path/filepath"

	"github.com/hashicorp/raft"
	raftboltdb "github.com/hashicorp/raft-boltdb"

	"github.com/tskvdb/tskv/compaction"
	tkerrors "github.com/tskvdb/tskv/errors"
	"github.com/tskvdb/tskv/internal/bloom"
	"github.com/tskvdb/tskv/internal/manifest"
	"github.com/tskvdb/tskv/tsm/tombstone"
	"github.com/tskvdb/tskv/vnode"
)

// GroupConfig configures one raft replica group binding a replica set of
// vnodes into a single logical vnode.
type GroupConfig struct {
	ID      string
	LocalID raft.ServerID
	// Dir is the control-plane directory for this group's own raft log and
	// snapshots, distinct from the vnode's own WAL/summary/TSM directory.
	Dir string
	Hub *Hub
	// Bootstrap seeds a brand-new group's initial configuration. Leave nil
	// when rejoining a group that already has on-disk raft state.
	Bootstrap []raft.Server
}

// Group owns one raft.Raft instance plus the FSM and transport wiring that
// bind it to a vnode.Controller: a replicated log over the controller's
// write/delete/ddl path.
type Group struct {
	id    string
	raft  *raft.Raft
	fsm   *FSM
	tx    *GroupTransport
	store *raftboltdb.BoltStore
}

// NewGroup starts (or rejoins) a raft replica group applying committed
// entries to ctrl.
func NewGroup(cfg GroupConfig, ctrl *vnode.Controller) (*Group, error) {
	if err := os.MkdirAll(cfg.Dir, 0755); err != nil {
		return nil, tkerrors.Wrap(tkerrors.KindIO, err, "replication: mkdir %s", cfg.Dir)
	}
	store, err := raftboltdb.NewBoltStore(filepath.Join(cfg.Dir, "raft-log.bolt"))
	if err != nil {
		return nil, tkerrors.Wrap(tkerrors.KindIO, err, "replication: open raft log store")
	}
	snaps, err := raft.NewFileSnapshotStore(cfg.Dir, 2, os.Stderr)
	if err != nil {
		return nil, tkerrors.Wrap(tkerrors.KindIO, err, "replication: open snapshot store")
	}

	hasState, err := raft.HasExistingState(store, store, snaps)
	if err != nil {
		return nil, tkerrors.Wrap(tkerrors.KindReplication, err, "replication: inspect existing raft state")
	}

	fsm := NewFSM(ctrl)
	tx := NewGroupTransport(cfg.ID, cfg.Hub)

	rcfg := raft.DefaultConfig()
	rcfg.LocalID = cfg.LocalID

	r, err := raft.NewRaft(rcfg, fsm, store, store, snaps, tx)
	if err != nil {
		return nil, tkerrors.Wrap(tkerrors.KindReplication, err, "replication: start raft")
	}

	if !hasState && len(cfg.Bootstrap) > 0 {
		if f := r.BootstrapCluster(raft.Configuration{Servers: cfg.Bootstrap}); f.Error() != nil {
			return nil, tkerrors.Wrap(tkerrors.KindReplication, f.Error(), "replication: bootstrap cluster")
		}
	}

	return &Group{id: cfg.ID, raft: r, fsm: fsm, tx: tx, store: store}, nil
}

// Apply submits cmd to the group's raft log and blocks for its commit,
// matching the leader path: assign a log index, append_entries to
// followers, apply once a majority has acknowledged.
func (g *Group) Apply(cmd Command) error {
	data, err := cmd.Encode()
	if err != nil {
		return err
	}
	f := g.raft.Apply(data, applyTimeout)
	if err := f.Error(); err != nil {
		return tkerrors.Wrap(tkerrors.KindReplication, err, "replication: apply command")
	}
	if applyErr, ok := f.Response().(error); ok && applyErr != nil {
		return applyErr
	}
	return nil
}

// AddRaftFollower adds replicaID at addr as a voting member via a
// configuration-change log entry.
func (g *Group) AddRaftFollower(replicaID raft.ServerID, addr raft.ServerAddress) error {
	f := g.raft.AddVoter(replicaID, addr, 0, applyTimeout)
	if err := f.Error(); err != nil {
		return tkerrors.Wrap(tkerrors.KindReplication, err, "replication: add follower %s", replicaID)
	}
	return nil
}

// IsLeader reports whether this replica currently holds leadership.
func (g *Group) IsLeader() bool { return g.raft.State() == raft.Leader }

// Shutdown stops the raft instance, unregisters its transport, and closes
// the control-plane log store.
func (g *Group) Shutdown() error {
	g.tx.hub.mu.Lock()
	delete(g.tx.hub.groups, g.id)
	g.tx.hub.mu.Unlock()
	if err := g.raft.Shutdown().Error(); err != nil {
		return tkerrors.Wrap(tkerrors.KindReplication, err, "replication: shutdown raft")
	}
	return g.store.Close()
}

// copyFileHeader precedes each file's raw bytes in a Copy stream.
type copyFileHeader struct {
	Name string
	Size int64
}

// copyManifest follows every file in a Copy stream: the VersionEdit and
// flattened bloom filters the receiver applies once every named file is on
// disk, completing the vnode-copy command.
type copyManifest struct {
	Edit    manifest.VersionEdit
	Filters map[manifest.ColumnFileID]filterWire
}

// Receiver accepts Copy-pushed snapshots on behalf of one vnode: it writes
// the streamed column files into dir, then installs the accompanying
// VersionEdit via apply_vnode_summary.
type Receiver struct {
	ctrl *vnode.Controller
	dir  string
}

// NewReceiver returns a Receiver that lands copied files in dir (the target
// vnode's own tsfamily directory) and applies them to ctrl.
func NewReceiver(ctrl *vnode.Controller, dir string) *Receiver {
	return &Receiver{ctrl: ctrl, dir: dir}
}

func (r *Receiver) serve(conn net.Conn) error {
	var count int32
	if err := readFrame(conn, &count); err != nil {
		return err
	}
	for i := int32(0); i < count; i++ {
		var hdr copyFileHeader
		if err := readFrame(conn, &hdr); err != nil {
			return err
		}
		if err := r.receiveFile(conn, hdr); err != nil {
			return err
		}
	}
	var man copyManifest
	if err := readFrame(conn, &man); err != nil {
		return err
	}
	filters := make(map[manifest.ColumnFileID]*bloom.Filter, len(man.Filters))
	for id, w := range man.Filters {
		filters[id] = bloom.Load(w.Bits, w.K)
	}
	return sendError(conn, r.ctrl.ApplyVnodeSummary(man.Edit, filters))
}

func (r *Receiver) receiveFile(conn net.Conn, hdr copyFileHeader) error {
	path := filepath.Join(r.dir, filepath.Base(hdr.Name))
	f, err := os.Create(path)
	if err != nil {
		return tkerrors.Wrap(tkerrors.KindIO, err, "replication: create %s", path)
	}
	defer f.Close()
	if _, err := io.CopyN(f, conn, hdr.Size); err != nil {
		return tkerrors.Wrap(tkerrors.KindIO, err, "replication: receive %s", path)
	}
	return f.Sync()
}

// Copier implements the non-raft Copy(vnode_id, node_id) fallback: it
// streams get_vnode_summary's current file set directly to a target node,
// bypassing consensus, for manual rebalancing.
type Copier struct {
	hub *Hub
	dir string // the source tsfamily directory Copy reads physical files from
}

// NewCopier returns a Copier that reads physical files out of dir.
func NewCopier(hub *Hub, dir string) *Copier { return &Copier{hub: hub, dir: dir} }

// Copy pushes ctrl's current file set to target under vnodeID, for a
// Receiver registered there to apply. The caller must already have put ctrl
// into Copying state (PrepareCopyVnode) so the file set is stable for the
// duration of the transfer.
func (c *Copier) Copy(ctx context.Context, vnodeID string, target raft.ServerAddress, ctrl *vnode.Controller) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	edit, filters := ctrl.GetVnodeSummary()

	var paths []string
	for _, meta := range edit.AddFiles {
		paths = append(paths, compaction.FileNamer(c.dir, meta.ID))
		if tsPath := tombstone.FileName(c.dir, meta.ID); fileExists(tsPath) {
			paths = append(paths, tsPath)
		}
	}

	conn, err := c.hub.acquire(target)
	if err != nil {
		return err
	}
	ok := false
	defer func() { c.hub.release(target, conn, ok) }()

	if err := writeFrame(conn, envelope{Group: vnodeID, Kind: rpcCopySnapshot}); err != nil {
		return err
	}
	if err := writeFrame(conn, int32(len(paths))); err != nil {
		return err
	}
	for _, p := range paths {
		if err := c.sendFile(conn, p); err != nil {
			return err
		}
	}

	wire := make(map[manifest.ColumnFileID]filterWire, len(filters))
	for id, filt := range filters {
		wire[id] = filterWire{Bits: append([]byte(nil), filt.Bytes()...), K: filt.K()}
	}
	if err := writeFrame(conn, copyManifest{Edit: edit, Filters: wire}); err != nil {
		return err
	}

	var rpcErr rpcError
	if err := readFrame(conn, &rpcErr); err != nil {
		return tkerrors.Wrap(tkerrors.KindReplication, err, "replication: read copy response")
	}
	if rpcErr.Message != "" {
		return tkerrors.New(tkerrors.KindReplication, "replication: copy to %s: %s", target, rpcErr.Message)
	}
	ok = true
	return nil
}

func (c *Copier) sendFile(conn net.Conn, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return tkerrors.Wrap(tkerrors.KindIO, err, "replication: open %s", path)
	}
	defer f.Close()
	fi, err := f.Stat()
	if err != nil {
		return tkerrors.Wrap(tkerrors.KindIO, err, "replication: stat %s", path)
	}
	if err := writeFrame(conn, copyFileHeader{Name: filepath.Base(path), Size: fi.Size()}); err != nil {
		return err
	}
	if _, err := io.Copy(conn, f); err != nil {
		return tkerrors.Wrap(tkerrors.KindIO, err, "replication: send %s", path)
	}
	return nil
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
