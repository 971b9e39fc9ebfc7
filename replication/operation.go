package replication

import (
	"context"
	"sync"

	"github.com/golang/glog"
	"github.com/shardrepl/core/cluster"
	"github.com/shardrepl/core/cmn"
	"github.com/shardrepl/core/metrics"
)

// ReplicationOperation drives parallel RPCs to every assigned replica copy
// of a shard for a single primary result, enforces the wait-for-active-
// shards gate before issuing any replica RPC, and assembles the aggregate
// ShardInfo once every replica RPC has resolved.
type ReplicationOperation[RR any] struct {
	ShardId             cluster.ShardId
	PrimaryAllocationId cluster.AllocationId
	PrimaryTerm         cluster.PrimaryTerm
	RoutingTable        cluster.IndexShardRoutingTable
	WaitForActiveShards cmn.WaitForActiveShards
	ExecuteOnReplicas   bool
	Proxy               ReplicasProxy[RR]
	Metrics             *metrics.Recorder

	// RecheckRoutingTable, when non-nil, is consulted once if the
	// active-shard-count gate misses by exactly one shard, per the
	// bounded near-miss re-check described in SPEC_FULL.md section
	// 10.8. It returns a freshly observed routing table.
	RecheckRoutingTable func() cluster.IndexShardRoutingTable
}

// Execute runs the fan-out for replicaRequest and returns the assembled
// ShardInfo, or a retryable failure outcome if the operation could not
// proceed at all: ErrUnavailableShards (routing-stale) when the
// wait-for-active-shards gate fails, ErrNoLongerPrimary (demotion) when a
// replica failure report says this node is no longer primary.
func (op *ReplicationOperation[RR]) Execute(ctx context.Context, replicaRequest RR) Outcome[ShardInfo] {
	if op.Metrics != nil {
		op.Metrics.ReplicationOpsInFlight.Inc()
		defer op.Metrics.ReplicationOpsInFlight.Dec()
	}

	if !op.ExecuteOnReplicas {
		return Ok(ShardInfo{Total: 0, Successful: 0})
	}

	targets := op.RoutingTable.AllAssignedExceptPrimary()
	if !op.checkActiveShards(op.RoutingTable) {
		recovered := false
		if op.RecheckRoutingTable != nil && op.missesByExactlyOne(op.RoutingTable) {
			refreshed := op.RecheckRoutingTable()
			if op.checkActiveShards(refreshed) {
				op.RoutingTable = refreshed
				targets = refreshed.AllAssignedExceptPrimary()
				recovered = true
			}
		}
		if !recovered {
			return Retry[ShardInfo](cmn.ErrUnavailableShards)
		}
	}

	// The primary copy counts as one total and one success: by the time
	// Execute runs, shardOperationOnPrimary has already completed.
	info := ShardInfo{Total: 1 + len(targets), Successful: 1}
	if len(targets) == 0 {
		return Ok(info)
	}

	var (
		mu        sync.Mutex
		wg        sync.WaitGroup
		demoted   bool
		demoteErr error
	)

	for _, replica := range targets {
		wg.Add(1)
		go func(replica cluster.RoutingEntry) {
			defer wg.Done()
			err := op.Proxy.PerformOn(ctx, replica, replicaRequest, replica.AllocationId, op.PrimaryTerm)

			mu.Lock()
			defer mu.Unlock()
			if err == nil {
				info.Successful++
				if op.Metrics != nil {
					op.Metrics.ReplicaRPCsTotal.WithLabelValues("success").Inc()
				}
				return
			}

			glog.Warningf("replica rpc failed for shard %s allocation %s: %v", op.ShardId, replica.AllocationId, err)
			reason := err.Error()
			outcome := op.Proxy.FailShard(ctx, replica, reason, err)
			switch outcome {
			case FailShardPrimaryDemoted:
				demoted = true
				demoteErr = cmn.ErrNoLongerPrimary
				if op.Metrics != nil {
					op.Metrics.ReplicaRPCsTotal.WithLabelValues("demoted").Inc()
				}
			default:
				info.Failed = append(info.Failed, ShardFailure{
					AllocationId: replica.AllocationId,
					NodeID:       replica.CurrentNodeId,
					Reason:       reason,
					Cause:        err,
				})
				label := "failed"
				if outcome == FailShardIgnored {
					label = "ignored"
				}
				if op.Metrics != nil {
					op.Metrics.ReplicaRPCsTotal.WithLabelValues(label).Inc()
				}
			}
		}(replica)
	}
	wg.Wait()

	if demoted {
		return Retry[ShardInfo](demoteErr)
	}
	cmn.Assert(info.Successful+len(info.Failed) == info.Total)
	return Ok(info)
}

func (op *ReplicationOperation[RR]) checkActiveShards(table cluster.IndexShardRoutingTable) bool {
	required := requiredActiveCount(op.WaitForActiveShards, 1+len(table.Replicas))
	return table.ActiveCount() >= required
}

func (op *ReplicationOperation[RR]) missesByExactlyOne(table cluster.IndexShardRoutingTable) bool {
	required := requiredActiveCount(op.WaitForActiveShards, 1+len(table.Replicas))
	return required-table.ActiveCount() == 1
}

// requiredActiveCount resolves a WaitForActiveShards setting against the
// total number of copies (primary + replicas) configured for the shard.
func requiredActiveCount(w cmn.WaitForActiveShards, totalCopies int) int {
	switch w.Mode {
	case "none":
		return 0
	case "one":
		return 1
	case "all":
		return totalCopies
	case "n":
		return w.N
	default: // "default": historically equivalent to requiring only the primary
		return 1
	}
}
