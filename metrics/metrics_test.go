package metrics

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestObserveWriteIncrementsCounters(t *testing.T) {
	r, _ := New()
	r.ObserveWrite(3)
	r.ObserveWrite(2)

	if got := testutil.ToFloat64(r.WritesTotal); got != 2 {
		t.Fatalf("WritesTotal = %v, want 2", got)
	}
	if got := testutil.ToFloat64(r.WritePointsTotal); got != 5 {
		t.Fatalf("WritePointsTotal = %v, want 5", got)
	}
}

func TestObserveReplicationRPCTracksFailuresAndLatency(t *testing.T) {
	r, _ := New()
	r.ObserveReplicationRPC("append_entries", 5*time.Millisecond, nil)
	r.ObserveReplicationRPC("append_entries", 50*time.Millisecond, errors.New("timeout"))

	if got := testutil.ToFloat64(r.ReplicationRPCsTotal.WithLabelValues("append_entries")); got != 2 {
		t.Fatalf("ReplicationRPCsTotal = %v, want 2", got)
	}
	if got := testutil.ToFloat64(r.ReplicationRPCFailures.WithLabelValues("append_entries")); got != 1 {
		t.Fatalf("ReplicationRPCFailures = %v, want 1", got)
	}
	if p := r.RPCLatencyPercentile("append_entries", 100); p < 50000 {
		t.Fatalf("p100 latency = %dus, want >= 50000us", p)
	}
}

func TestRPCLatencyPercentileUnknownRPCIsZero(t *testing.T) {
	r, _ := New()
	if p := r.RPCLatencyPercentile("vote", 99); p != 0 {
		t.Fatalf("RPCLatencyPercentile for unrecorded rpc = %d, want 0", p)
	}
}
