package replication

import (
	"context"
	"testing"
	"time"

	"github.com/hashicorp/raft"
	"github.com/stretchr/testify/require"

	"github.com/tskvdb/tskv/internal/manifest"
	"github.com/tskvdb/tskv/tsm"
	"github.com/tskvdb/tskv/vnode"
	"github.com/tskvdb/tskv/wal"
)

func newSingleNodeGroup(t *testing.T) (*Group, *vnode.Controller) {
	t.Helper()
	dir := t.TempDir()
	vs := manifest.NewVersionSet()
	ctrl, err := vnode.Open(dir+"/vnode", "acme", "metrics", 1, vs, vnode.Options{
		MaxMemBytes:     1 << 20,
		WALSegmentBytes: 1 << 20,
		FlushQueueDepth: 2,
	})
	require.NoError(t, err)

	hub, err := NewHub("127.0.0.1:0", 2*time.Second, nil)
	require.NoError(t, err)

	localID := raft.ServerID("node-1")
	group, err := NewGroup(GroupConfig{
		ID:      "vnode-1",
		LocalID: localID,
		Dir:     dir + "/raft",
		Hub:     hub,
		Bootstrap: []raft.Server{
			{ID: localID, Address: hub.localAddr},
		},
	}, ctrl)
	require.NoError(t, err)

	t.Cleanup(func() {
		_ = group.Shutdown()
		_ = hub.Close()
		_ = ctrl.Close()
	})
	return group, ctrl
}

func waitForLeader(t *testing.T, g *Group) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if g.IsLeader() {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal("group never became leader")
}

func TestSingleNodeGroupAppliesWriteCommand(t *testing.T) {
	group, ctrl := newSingleNodeGroup(t)
	waitForLeader(t, group)

	fieldID := uint64(1)<<32 | 1
	cmd := Command{
		Kind:      CmdWrite,
		Tenant:    "acme",
		Database:  "metrics",
		Precision: wal.PrecisionNanosecond,
		Batch: vnode.WriteBatch{
			Points: []vnode.Point{{FieldID: fieldID, Value: tsm.Value{Timestamp: 1, Type: tsm.ValueFloat, Float: 1.5}}},
		},
	}
	require.NoError(t, group.Apply(cmd))

	vals := ctrl.LiveMemcache().Get(fieldID>>32, fieldID)
	require.Len(t, vals, 1)
	require.Equal(t, 1.5, vals[0].Float)
}

func TestCopyStreamsSnapshotToReceiver(t *testing.T) {
	srcDir := t.TempDir()
	dstDir := t.TempDir()
	vs1 := manifest.NewVersionSet()
	vs2 := manifest.NewVersionSet()

	src, err := vnode.Open(srcDir, "acme", "metrics", 1, vs1, vnode.Options{
		MaxMemBytes: 1 << 20, WALSegmentBytes: 1 << 20, FlushQueueDepth: 2,
	})
	require.NoError(t, err)
	defer src.Close()

	dst, err := vnode.Open(dstDir, "acme", "metrics", 1, vs2, vnode.Options{
		MaxMemBytes: 1 << 20, WALSegmentBytes: 1 << 20, FlushQueueDepth: 2,
	})
	require.NoError(t, err)
	defer dst.Close()

	fieldID := uint64(5)<<32 | 1
	_, err = src.Write("acme", "metrics", wal.PrecisionNanosecond, vnode.WriteBatch{
		Points: []vnode.Point{{FieldID: fieldID, Value: tsm.Value{Timestamp: 1, Type: tsm.ValueFloat, Float: 2.25}}},
	})
	require.NoError(t, err)
	require.NoError(t, src.FlushTsFamily())
	require.NoError(t, src.PrepareCopyVnode())

	hub, err := NewHub("127.0.0.1:0", 2*time.Second, nil)
	require.NoError(t, err)
	defer hub.Close()

	recv := NewReceiver(dst, dstDir)
	hub.RegisterReceiver("vnode-1", recv)

	copier := NewCopier(hub, srcDir)
	require.NoError(t, copier.Copy(context.Background(), "vnode-1", hub.localAddr, src))

	v := vs2.GetTsFamilyByTfID(1).Current()
	files := v.AllFiles()
	v.UnrefAll()
	require.Len(t, files, 1)
}
