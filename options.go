package tskv

import (
	"time"

	"github.com/google/uuid"

	"github.com/tskvdb/tskv/metrics"
	"github.com/tskvdb/tskv/remote"
	"github.com/tskvdb/tskv/vnode"
)

// Options configures a process-wide Engine. Every vnode the Engine opens
// shares the same Metrics registry and Remote tier; per-vnode sizing still
// comes from VnodeOptions.
type Options struct {
	// Dir is the root directory under which every vnode gets its own
	// "<tenant>/<database>/<tfID>" subdirectory.
	Dir string

	// NodeID identifies this process in a replica group's raft
	// configuration. A random one is generated if left empty, which is
	// fine for a single-node Engine but must be set explicitly (and
	// stably, across restarts) for any replicated vnode.
	NodeID string

	// RaftBindAddr is the address the replication Hub listens on for
	// inbound vote/append_entries/install_snapshot/copy_snapshot RPCs.
	// Required only when OpenReplicatedVnode is used.
	RaftBindAddr string
	// RPCTimeout bounds dialling a new outbound replication connection. An
	// RPC on an already established connection has no deadline.
	RPCTimeout time.Duration

	// Metrics, if nil, is built fresh via metrics.New(). Pass an existing
	// Registry to share it across multiple Engines in one process (e.g. a
	// test harness that wants one /metrics endpoint for all of them).
	Metrics *metrics.Registry
	// Remote archives deeply-compacted column files off the local disk.
	// Nil disables remote archival entirely.
	Remote remote.Uploader

	// VnodeOptions is the template applied to every vnode this Engine
	// opens; its Metrics/Remote fields are overwritten with the Engine's
	// own before use.
	VnodeOptions vnode.Options
}

func (o *Options) setDefaults() {
	if o.NodeID == "" {
		o.NodeID = uuid.NewString()
	}
	if o.RPCTimeout == 0 {
		o.RPCTimeout = 5 * time.Second
	}
	if o.VnodeOptions == (vnode.Options{}) {
		o.VnodeOptions = vnode.DefaultOptions()
	}
}
