package replication

import (
	"context"
	"fmt"
	"time"

	"github.com/golang/glog"
	"github.com/shardrepl/core/cluster"
	"github.com/shardrepl/core/cmn"
	"github.com/shardrepl/core/metrics"
)

// ReplicaHost is everything an AsyncReplicaAction needs from the node it
// runs on.
type ReplicaHost[RR any] struct {
	Shard     cluster.IndexShard
	Scheduler *cmn.Scheduler
	Executor  string
	Observer  cluster.ClusterStateObserver
	Metrics   *metrics.Recorder

	// ShardOperationOnReplica is the user-supplied domain operation run
	// under the replica's operation lock.
	ShardOperationOnReplica func(req RR, shard cluster.IndexShard) error
}

// RunAsyncReplicaAction implements AsyncReplicaAction: resolve the local
// shard, validate its allocation id, acquire the per-term replica lock,
// run the domain operation, and on RetryOnReplicaException wait for the
// next cluster-state change before re-dispatching to the local node.
func RunAsyncReplicaAction[RR any](
	ctx context.Context,
	host ReplicaHost[RR],
	req RR,
	targetAllocationID cluster.AllocationId,
	primaryTerm cluster.PrimaryTerm,
	retryTimeout time.Duration,
) <-chan Outcome[struct{}] {
	out := make(chan Outcome[struct{}], 1)
	go host.runOnce(ctx, req, targetAllocationID, primaryTerm, retryTimeout, out)
	return out
}

func (host ReplicaHost[RR]) runOnce(ctx context.Context, req RR, targetAllocationID cluster.AllocationId, primaryTerm cluster.PrimaryTerm, retryTimeout time.Duration, out chan<- Outcome[struct{}]) {
	entry := host.Shard.RoutingEntry()
	if entry.AllocationId != targetAllocationID {
		out <- Retry[struct{}](fmt.Errorf("allocation id mismatch on shard %s: have %s want %s: %w",
			entry.ShardId, entry.AllocationId, targetAllocationID, cmn.ErrShardNotFound))
		return
	}

	ex := host.Scheduler.Get(host.Executor)
	lockCh := make(chan Outcome[cluster.Releasable], 1)
	host.Shard.AcquireReplicaOperationLock(ctx, primaryTerm, func(lock cluster.Releasable, err error) {
		if err != nil {
			lockCh <- Retry[cluster.Releasable](err)
			return
		}
		lockCh <- Ok(lock)
	}, ex)

	lockOutcome := <-lockCh
	if !lockOutcome.IsOk() {
		if host.Metrics != nil && cmn.Classify(lockOutcome.Err) == cmn.KindReplicaRetry {
			host.Metrics.StaleTermRejections.Inc()
		}
		out <- Retry[struct{}](lockOutcome.Err)
		return
	}
	lock := lockOutcome.Value

	err := host.ShardOperationOnReplica(req, host.Shard)
	lock.Close()

	if err == nil {
		if host.Metrics != nil {
			host.Metrics.ReplicaRPCsTotal.WithLabelValues("success").Inc()
		}
		out <- Ok(struct{}{})
		return
	}

	if cmn.Classify(err) != cmn.KindReplicaRetry {
		out <- Fatal[struct{}](err)
		return
	}

	if host.Observer == nil {
		out <- Fatal[struct{}](fmt.Errorf("replica retry requested but no observer configured: %w", err))
		return
	}

	glog.Warningf("replica action on shard %s retrying after cluster-state change: %v", entry.ShardId, err)
	select {
	case event := <-host.Observer.WaitForNextChange(retryTimeout):
		switch event.Kind {
		case cluster.EventClosed:
			out <- Fatal[struct{}](cmn.ErrNodeClosed)
		case cluster.EventTimeout:
			out <- Retry[struct{}](err)
		default:
			host.runOnce(ctx, req, targetAllocationID, primaryTerm, retryTimeout, out)
		}
	case <-ctx.Done():
		out <- Retry[struct{}](ctx.Err())
	}
}
