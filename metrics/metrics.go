// Package metrics wires the process-wide Prometheus registry tskv reports
// through: one Registry built and injected at engine construction (never
// looked up from a package-level global), following the promauto-counter
// style grounded on grafana-tempo's tempodb metrics, but registered against
// an explicit *prometheus.Registry rather than the default global one.
package metrics

import (
	"sync"
	"time"

	"github.com/HdrHistogram/hdrhistogram-go"
	"github.com/prometheus/client_golang/prometheus"
)

// Registry holds every counter and histogram tskv reports, plus the
// HdrHistogram latency recorders for replication RPCs (sub-millisecond
// resolution the Prometheus histogram buckets don't need to carry).
type Registry struct {
	reg *prometheus.Registry

	WritesTotal      prometheus.Counter
	WritePointsTotal prometheus.Counter
	FlushesTotal     prometheus.Counter
	FlushBytesTotal      prometheus.Counter
	CompactionsTotal     prometheus.Counter
	CompactionBytesTotal prometheus.Counter
	TombstoneAddsTotal   prometheus.Counter

	ReplicationRPCsTotal   *prometheus.CounterVec
	ReplicationRPCFailures *prometheus.CounterVec

	RemoteUploadsTotal   prometheus.Counter
	RemoteUploadFailures prometheus.Counter
	RemoteDeletesTotal   prometheus.Counter

	rpcLatencyMu sync.Mutex
	rpcLatency   map[string]*hdrhistogram.Histogram
}

// New builds a Registry and registers every metric against a fresh
// *prometheus.Registry, returned alongside it so the caller can expose it
// on an HTTP handler without reaching through Registry's fields.
func New() (*Registry, *prometheus.Registry) {
	reg := prometheus.NewRegistry()
	r := &Registry{
		reg: reg,
		WritesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tskv_writes_total",
			Help: "Number of write() calls accepted by a vnode controller.",
		}),
		WritePointsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tskv_write_points_total",
			Help: "Number of individual points accepted across all writes.",
		}),
		FlushesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tskv_flushes_total",
			Help: "Number of memcache flushes to a level-0 TSM file.",
		}),
		FlushBytesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tskv_flush_bytes_total",
			Help: "Total bytes written by memcache flushes.",
		}),
		CompactionsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tskv_compactions_total",
			Help: "Number of completed compaction merges.",
		}),
		CompactionBytesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tskv_compaction_bytes_total",
			Help: "Total bytes written by compaction merges.",
		}),
		TombstoneAddsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tskv_tombstone_adds_total",
			Help: "Number of tombstone Add calls across all column files.",
		}),
		ReplicationRPCsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tskv_replication_rpcs_total",
			Help: "Replication RPCs sent, by RPC kind.",
		}, []string{"rpc"}),
		ReplicationRPCFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tskv_replication_rpc_failures_total",
			Help: "Replication RPCs that returned an error, by RPC kind.",
		}, []string{"rpc"}),
		RemoteUploadsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tskv_remote_uploads_total",
			Help: "Column files archived to the remote tier.",
		}),
		RemoteUploadFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tskv_remote_upload_failures_total",
			Help: "Remote tier uploads that returned an error.",
		}),
		RemoteDeletesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tskv_remote_deletes_total",
			Help: "Archived objects deleted from the remote tier.",
		}),
		rpcLatency: make(map[string]*hdrhistogram.Histogram),
	}

	reg.MustRegister(
		r.WritesTotal, r.WritePointsTotal,
		r.FlushesTotal, r.FlushBytesTotal,
		r.CompactionsTotal, r.CompactionBytesTotal,
		r.TombstoneAddsTotal,
		r.ReplicationRPCsTotal, r.ReplicationRPCFailures,
		r.RemoteUploadsTotal, r.RemoteUploadFailures, r.RemoteDeletesTotal,
	)
	return r, reg
}

// ObserveWrite records one accepted write call of n points.
func (r *Registry) ObserveWrite(n int) {
	r.WritesTotal.Inc()
	r.WritePointsTotal.Add(float64(n))
}

// ObserveFlush records one memcache flush that produced a file of size
// bytes.
func (r *Registry) ObserveFlush(bytes int64) {
	r.FlushesTotal.Inc()
	r.FlushBytesTotal.Add(float64(bytes))
}

// ObserveCompaction records one compaction merge that produced a file of
// size bytes.
func (r *Registry) ObserveCompaction(bytes int64) {
	r.CompactionsTotal.Inc()
	r.CompactionBytesTotal.Add(float64(bytes))
}

// ObserveTombstoneAdd records one tombstone Add call.
func (r *Registry) ObserveTombstoneAdd() { r.TombstoneAddsTotal.Inc() }

// ObserveReplicationRPC records one replication RPC of the given kind
// ("vote", "append_entries", "install_snapshot") and its latency, err nil
// on success.
func (r *Registry) ObserveReplicationRPC(rpc string, latency time.Duration, err error) {
	r.ReplicationRPCsTotal.WithLabelValues(rpc).Inc()
	if err != nil {
		r.ReplicationRPCFailures.WithLabelValues(rpc).Inc()
	}

	r.rpcLatencyMu.Lock()
	defer r.rpcLatencyMu.Unlock()
	h := r.rpcLatency[rpc]
	if h == nil {
		h = hdrhistogram.New(1, (10 * time.Second).Microseconds(), 3)
		r.rpcLatency[rpc] = h
	}
	_ = h.RecordValue(latency.Microseconds())
}

// RPCLatencyPercentile returns the p-th percentile (0..100) observed
// latency in microseconds for rpc, or 0 if nothing has been recorded yet.
func (r *Registry) RPCLatencyPercentile(rpc string, p float64) int64 {
	r.rpcLatencyMu.Lock()
	defer r.rpcLatencyMu.Unlock()
	h := r.rpcLatency[rpc]
	if h == nil {
		return 0
	}
	return h.ValueAtQuantile(p)
}

// ObserveRemoteUpload records one remote-tier upload attempt.
func (r *Registry) ObserveRemoteUpload(err error) {
	if err != nil {
		r.RemoteUploadFailures.Inc()
		return
	}
	r.RemoteUploadsTotal.Inc()
}

// ObserveRemoteDelete records one remote-tier deletion.
func (r *Registry) ObserveRemoteDelete() { r.RemoteDeletesTotal.Inc() }

// Prometheus returns the underlying registry, for mounting on an HTTP
// handler.
func (r *Registry) Prometheus() *prometheus.Registry { return r.reg }
