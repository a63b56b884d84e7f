// Package replication binds a replica group of vnodes (one replica per
// node) into a single logical vnode with hashicorp/raft: leader election,
// log replication, and snapshot installation. The state machine applied by
// every replica is the vnode controller's write/delete/ddl path.
package replication

import (
	"bytes"
	"encoding/gob"
	"io"
	"time"

	"github.com/hashicorp/raft"

	tkerrors "github.com/tskvdb/tskv/errors"
	"github.com/tskvdb/tskv/index"
	"github.com/tskvdb/tskv/internal/bloom"
	"github.com/tskvdb/tskv/internal/manifest"
	"github.com/tskvdb/tskv/tsm"
	"github.com/tskvdb/tskv/vnode"
	"github.com/tskvdb/tskv/wal"
)

// CommandKind tags a Command's payload, one per vnode.Controller mutating
// operation routed through consensus.
type CommandKind byte

const (
	CmdWrite CommandKind = iota + 1
	CmdDeleteFromTable
	CmdDropTableColumn
	CmdDropTable
	CmdDropDatabase
	CmdUpdateTagsValue
)

// Command is the gob-encoded payload of one raft log entry: exactly one
// vnode.Controller call, replayed identically by every replica's FSM.Apply.
type Command struct {
	Kind CommandKind

	Tenant, Database string
	Precision         wal.Precision
	Batch             vnode.WriteBatch

	FieldIDs  []uint64
	TimeRange tsm.TimeRange

	NewTags       []index.Tag
	MatchedSeries []uint64
	DryRun        bool
}

// Encode/Decode are the Command wire format used for raft log entries.
func (c Command) Encode() ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(c); err != nil {
		return nil, tkerrors.Wrap(tkerrors.KindReplication, err, "replication: encode command")
	}
	return buf.Bytes(), nil
}

func DecodeCommand(data []byte) (Command, error) {
	var c Command
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&c); err != nil {
		return Command{}, tkerrors.Wrap(tkerrors.KindReplication, err, "replication: decode command")
	}
	return c, nil
}

// FSM adapts a vnode.Controller to raft.FSM: committed log entries are
// applied via Apply, and a raft snapshot/restore cycle round-trips through
// the controller's own get_vnode_summary/apply_vnode_summary pair rather
// than re-deriving a separate state representation.
type FSM struct {
	ctrl *vnode.Controller
}

// NewFSM returns an FSM that applies committed commands to ctrl.
func NewFSM(ctrl *vnode.Controller) *FSM { return &FSM{ctrl: ctrl} }

// Apply decodes log.Data as a Command and performs the matching
// controller call, returning its error (or nil) as raft's apply result.
func (f *FSM) Apply(log *raft.Log) interface{} {
	cmd, err := DecodeCommand(log.Data)
	if err != nil {
		return err
	}
	switch cmd.Kind {
	case CmdWrite:
		_, err = f.ctrl.Write(cmd.Tenant, cmd.Database, cmd.Precision, cmd.Batch)
	case CmdDeleteFromTable:
		err = f.ctrl.DeleteFromTable(cmd.FieldIDs, cmd.TimeRange)
	case CmdDropTableColumn:
		err = f.ctrl.DropTableColumn(cmd.FieldIDs)
	case CmdDropTable:
		err = f.ctrl.DropTable(cmd.FieldIDs)
	case CmdDropDatabase:
		err = f.ctrl.DropDatabase(cmd.FieldIDs)
	case CmdUpdateTagsValue:
		err = f.ctrl.UpdateTagsValue(cmd.NewTags, cmd.MatchedSeries, cmd.DryRun)
	default:
		err = tkerrors.New(tkerrors.KindReplication, "replication: unknown command kind %d", cmd.Kind)
	}
	return err
}

// snapshotPayload is the gob wire form of an FSM snapshot: the VersionEdit
// describing the controller's entire current file set, plus a flattened
// bloom filter per file (Filter carries unexported state, so it cannot be
// gob-encoded directly).
type snapshotPayload struct {
	Edit    manifest.VersionEdit
	Filters map[manifest.ColumnFileID]filterWire
}

type filterWire struct {
	Bits []byte
	K    uint32
}

// Snapshot captures the controller's current Version via get_vnode_summary.
// Raft calls this while still serving writes, so the resulting
// raft.FSMSnapshot must not hold a reference that blocks later compactions;
// ColumnFileMeta and the flattened filter bytes are plain copies.
func (f *FSM) Snapshot() (raft.FSMSnapshot, error) {
	edit, filters := f.ctrl.GetVnodeSummary()
	wire := make(map[manifest.ColumnFileID]filterWire, len(filters))
	for id, filt := range filters {
		wire[id] = filterWire{Bits: append([]byte(nil), filt.Bytes()...), K: filt.K()}
	}
	return &fsmSnapshot{payload: snapshotPayload{Edit: edit, Filters: wire}}, nil
}

type fsmSnapshot struct {
	payload snapshotPayload
}

func (s *fsmSnapshot) Persist(sink raft.SnapshotSink) error {
	enc := gob.NewEncoder(sink)
	if err := enc.Encode(s.payload); err != nil {
		_ = sink.Cancel()
		return tkerrors.Wrap(tkerrors.KindReplication, err, "replication: persist snapshot")
	}
	return sink.Close()
}

func (s *fsmSnapshot) Release() {}

// Restore installs a snapshot produced by Persist via apply_vnode_summary.
// The snapshot carries only the VersionEdit and bloom filters; Restore does
// not fetch or place any column file, so the files the VersionEdit names
// must already be present in the controller's directory.
func (f *FSM) Restore(rc io.ReadCloser) error {
	defer rc.Close()
	var payload snapshotPayload
	if err := gob.NewDecoder(rc).Decode(&payload); err != nil {
		return tkerrors.Wrap(tkerrors.KindReplication, err, "replication: decode snapshot")
	}
	filters := make(map[manifest.ColumnFileID]*bloom.Filter, len(payload.Filters))
	for id, w := range payload.Filters {
		filters[id] = bloom.Load(w.Bits, w.K)
	}
	return f.ctrl.ApplyVnodeSummary(payload.Edit, filters)
}

// applyTimeout bounds how long a single raft.Apply waits for commit.
const applyTimeout = 5 * time.Second
