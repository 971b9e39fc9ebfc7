package replication

import (
	"context"

	"github.com/shardrepl/core/cluster"
)

// ReplicasProxy is the capability ReplicationOperation uses to dispatch one
// replica RPC and to report a replica failure to the cluster-state
// service. The three callbacks on FailShard mirror the source's own
// three-way split: the master acknowledged the failure, the master says we
// are no longer primary, or the failure is ignorable (e.g. the node is
// mid-shutdown).
type ReplicasProxy[RR any] interface {
	PerformOn(ctx context.Context, replica cluster.RoutingEntry, req RR, targetAllocationID cluster.AllocationId, primaryTerm cluster.PrimaryTerm) error

	FailShard(ctx context.Context, replica cluster.RoutingEntry, reason string, cause error) FailShardOutcome
}

// FailShardOutcome is the three-way result of asking the cluster-state
// service to mark a replica copy failed.
type FailShardOutcome int

const (
	FailShardAcked FailShardOutcome = iota
	FailShardPrimaryDemoted
	FailShardIgnored
)
