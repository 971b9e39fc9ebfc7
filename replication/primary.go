package replication

import (
	"context"
	"fmt"

	"github.com/golang/glog"
	"github.com/shardrepl/core/cluster"
	"github.com/shardrepl/core/cmn"
	"github.com/shardrepl/core/metrics"
)

// PrimaryShardReference is a scoped exclusive hold on a shard's primary
// operation lock. It owns the Releasable returned by the lock acquisition
// as an opaque handle (see cluster.Releasable) rather than a shared
// back-reference, per the design note in SPEC_FULL.md section 9.
type PrimaryShardReference struct {
	shard cluster.IndexShard
	lock  cluster.Releasable
}

// RoutingEntry returns the shard's current routing entry.
func (p *PrimaryShardReference) RoutingEntry() cluster.RoutingEntry {
	return p.shard.RoutingEntry()
}

// IsRelocated reports whether the shard has handed off to a relocation
// target.
func (p *PrimaryShardReference) IsRelocated() bool {
	return p.shard.State() == cluster.Relocated
}

// FailShard reports a local shard failure to the storage layer.
func (p *PrimaryShardReference) FailShard(reason string, cause error) {
	p.shard.FailShard(reason, cause)
}

// Close releases the primary operation lock exactly once.
func (p *PrimaryShardReference) Close() {
	p.lock.Close()
}

// acquirePrimaryShardReference acquires the primary operation lock for
// shard, validating the caller's targetAllocationID and primaryTerm
// against the shard's current identity. A primaryTerm of 0 is accepted
// speculatively; the term observed at lock time is trusted from then on.
func acquirePrimaryShardReference(ctx context.Context, shard cluster.IndexShard, targetAllocationID cluster.AllocationId, primaryTerm cluster.PrimaryTerm, ex cmn.Executor) <-chan Outcome[*PrimaryShardReference] {
	out := make(chan Outcome[*PrimaryShardReference], 1)

	shard.AcquirePrimaryOperationLock(ctx, func(lock cluster.Releasable, err error) {
		if err != nil {
			out <- Retry[*PrimaryShardReference](fmt.Errorf("acquire primary lock: %w", err))
			return
		}

		entry := shard.RoutingEntry()
		if entry.AllocationId != targetAllocationID {
			lock.Close()
			out <- Retry[*PrimaryShardReference](fmt.Errorf("allocation id mismatch on shard %s: have %s want %s: %w",
				entry.ShardId, entry.AllocationId, targetAllocationID, cmn.ErrShardNotFound))
			return
		}
		term := shard.GetPrimaryTerm()
		if !primaryTerm.IsUnknown() && term != primaryTerm {
			lock.Close()
			out <- Retry[*PrimaryShardReference](fmt.Errorf("primary term mismatch on shard %s: have %d want %d: %w",
				entry.ShardId, term, primaryTerm, cmn.ErrShardNotFound))
			return
		}

		out <- Ok(&PrimaryShardReference{shard: shard, lock: lock})
	}, ex)

	return out
}

// PrimaryHost is everything an AsyncPrimaryAction needs from the node it
// runs on: the shard it is local to, a scheduler to resolve named
// executors, and the transport used to hand off to a relocation target.
type PrimaryHost[RR, PR any] struct {
	Shard       cluster.IndexShard
	Scheduler   *cmn.Scheduler
	Executor    string
	VersionGate cluster.VersionGate
	Metrics     *metrics.Recorder

	// NodeMajorVersion resolves the major version a relocation target
	// node is running, consulted against VersionGate before a handoff is
	// attempted.
	NodeMajorVersion func(nodeID string) int

	// ForwardToRelocationTarget sends the request to the relocation
	// target node's primary endpoint and returns its response, standing
	// in for the real RPC envelope transfer described in SPEC_FULL.md
	// section 4.2 step 2.
	ForwardToRelocationTarget func(ctx context.Context, relocationId cluster.AllocationId, primaryTerm cluster.PrimaryTerm, targetMajorVersion int) Outcome[Response[PR]]

	// ResolveRoutingTable re-reads the shard's routing table from the
	// owning ClusterStateObserver. It is consulted again after
	// ShardOperationOnPrimary succeeds so the replica fan-out targets a
	// fresh snapshot instead of the one resolved before the primary
	// operation lock was even acquired; a replica added, removed, or
	// relocated while the primary operation ran must not be missed or
	// mis-targeted.
	ResolveRoutingTable func() (cluster.IndexShardRoutingTable, bool)

	// ShardOperationOnPrimary is the user-supplied domain operation.
	ShardOperationOnPrimary func(req *Request[any], shard cluster.IndexShard) PrimaryResult[RR, PR]
}

// Response is a primary action's user-visible result: the domain payload
// plus the aggregate replication summary.
type Response[PR any] struct {
	Payload   PR
	ShardInfo ShardInfo
}

// RunAsyncPrimaryAction implements AsyncPrimaryAction: acquire the primary
// lock, handle relocation handoff if the shard has relocated, otherwise run
// the domain operation and drive a ReplicationOperation fan-out, releasing
// the lock on every exit path exactly once.
func RunAsyncPrimaryAction[RR, PR any](
	ctx context.Context,
	host PrimaryHost[RR, PR],
	req *Request[any],
	targetAllocationID cluster.AllocationId,
	primaryTerm cluster.PrimaryTerm,
	proxy ReplicasProxy[RR],
	routingTable cluster.IndexShardRoutingTable,
) <-chan Outcome[Response[PR]] {
	out := make(chan Outcome[Response[PR]], 1)
	ex := host.Scheduler.Get(host.Executor)

	refCh := acquirePrimaryShardReference(ctx, host.Shard, targetAllocationID, primaryTerm, ex)

	go func() {
		refOutcome := <-refCh
		if !refOutcome.IsOk() {
			recordPrimaryOutcome(host.Metrics, refOutcome.Kind)
			out <- Retry[Response[PR]](refOutcome.Err)
			return
		}
		primaryRef := refOutcome.Value

		// A speculative zero term was accepted by the lock; from here on the
		// term the shard holds under the lock is the one used.
		if primaryTerm.IsUnknown() {
			primaryTerm = host.Shard.GetPrimaryTerm()
		}

		if primaryRef.IsRelocated() {
			entry := primaryRef.RoutingEntry()
			primaryRef.Close()

			if host.ForwardToRelocationTarget == nil {
				out <- Fatal[Response[PR]](fmt.Errorf("shard %s relocated but no forwarding configured", entry.ShardId))
				return
			}

			targetMajor := 0
			if host.NodeMajorVersion != nil {
				targetMajor = host.NodeMajorVersion(entry.RelocatingNode)
			}
			if !host.VersionGate.Allow(targetMajor) {
				// Resolved open question (SPEC_FULL.md section 9): refuse
				// and retry through the normal observer-driven loop,
				// bounded by the request's own timeout, never unbounded.
				result := Retry[Response[PR]](fmt.Errorf("relocation target %s on major version %d ahead of local %d: %w",
					entry.RelocatingNode, targetMajor, host.VersionGate.LocalMajorVersion, cmn.ErrUnavailableShards))
				recordPrimaryOutcome(host.Metrics, result.Kind)
				out <- result
				return
			}

			result := host.ForwardToRelocationTarget(ctx, entry.RelocationId, primaryTerm, targetMajor)
			recordPrimaryOutcome(host.Metrics, result.Kind)
			out <- result
			return
		}

		result := host.ShardOperationOnPrimary(req, host.Shard)
		if result.Failure != nil {
			primaryRef.Close()
			recordPrimaryOutcome(host.Metrics, cmn.Classify(result.Failure))
			out <- Retry[Response[PR]](result.Failure)
			return
		}

		fanoutTable := routingTable
		if host.ResolveRoutingTable != nil {
			if fresh, ok := host.ResolveRoutingTable(); ok {
				fanoutTable = fresh
			}
		}

		op := &ReplicationOperation[RR]{
			ShardId:             primaryRef.RoutingEntry().ShardId,
			PrimaryAllocationId: targetAllocationID,
			PrimaryTerm:         primaryTerm,
			RoutingTable:        fanoutTable,
			WaitForActiveShards: req.WaitForActiveShards,
			ExecuteOnReplicas:   !req.ShadowReplicas,
			Proxy:               proxy,
			Metrics:             host.Metrics,
		}
		shardInfoOutcome := op.Execute(ctx, result.ReplicaRequest)
		primaryRef.Close()

		if !shardInfoOutcome.IsOk() {
			glog.Warningf("replication operation for shard %s failed: %v", op.ShardId, shardInfoOutcome.Err)
			recordPrimaryOutcome(host.Metrics, shardInfoOutcome.Kind)

			// A demotion discovered mid-replication does not retry
			// locally: it propagates to ReroutePhase as a primary-retry
			// so the caller re-resolves routing and finds the new
			// primary (SPEC_FULL.md section 7).
			kind := shardInfoOutcome.Kind
			if kind == cmn.KindDemotion {
				kind = cmn.KindPrimaryRetry
			}
			out <- Outcome[Response[PR]]{Kind: kind, Err: shardInfoOutcome.Err}
			return
		}

		recordPrimaryOutcome(host.Metrics, cmn.KindUnknown)
		out <- Ok(Response[PR]{Payload: result.Response, ShardInfo: shardInfoOutcome.Value})
	}()

	return out
}

func recordPrimaryOutcome(m *metrics.Recorder, kind cmn.Kind) {
	if m == nil {
		return
	}
	if kind == cmn.KindUnknown {
		m.PrimaryActionsTotal.WithLabelValues("success").Inc()
		return
	}
	m.PrimaryActionsTotal.WithLabelValues(kind.String()).Inc()
}
