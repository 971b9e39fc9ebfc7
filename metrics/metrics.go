// Package metrics registers the Prometheus instruments the replication
// core increments as it runs: primary action outcomes, in-flight
// replication operations, replica RPC outcomes and reroute retries.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Recorder is the set of instruments the replication package writes to. A
// single instance is shared across every action running in one process.
type Recorder struct {
	PrimaryActionsTotal   *prometheus.CounterVec
	ReplicationOpsInFlight prometheus.Gauge
	ReplicaRPCsTotal      *prometheus.CounterVec
	RerouteRetriesTotal   *prometheus.CounterVec
	StaleTermRejections   prometheus.Counter
}

// NewRecorder registers every instrument against reg and returns the
// handle the replication package writes through.
func NewRecorder(reg prometheus.Registerer) *Recorder {
	return &Recorder{
		PrimaryActionsTotal: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Namespace: "shardrepl",
			Name:      "primary_actions_total",
			Help:      "Primary actions started, by terminal outcome kind.",
		}, []string{"outcome"}),

		ReplicationOpsInFlight: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Namespace: "shardrepl",
			Name:      "replication_operations_in_flight",
			Help:      "Replication operations currently fanning out to replicas.",
		}),

		ReplicaRPCsTotal: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Namespace: "shardrepl",
			Name:      "replica_rpcs_total",
			Help:      "Replica RPCs issued, by outcome (success, failed, ignored, demoted).",
		}, []string{"outcome"}),

		RerouteRetriesTotal: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Namespace: "shardrepl",
			Name:      "reroute_retries_total",
			Help:      "Reroute phase retries scheduled, by cause kind.",
		}, []string{"cause"}),

		StaleTermRejections: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Namespace: "shardrepl",
			Name:      "stale_term_rejections_total",
			Help:      "Replica rejections of a request carrying a primary term older than the replica's own.",
		}),
	}
}
