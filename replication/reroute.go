package replication

import (
	"context"
	"fmt"

	"github.com/golang/glog"
	"github.com/shardrepl/core/cluster"
	"github.com/shardrepl/core/cmn"
	"github.com/shardrepl/core/metrics"
)

// RerouteHost is everything the top-level reroute phase needs from the
// node it runs on: cluster-state observation, the local node identity, and
// the two dispatch hooks (local vs. remote) it chooses between.
type RerouteHost[P, RR, PR any] struct {
	Observer    cluster.ClusterStateObserver
	LocalNodeID string
	Metrics     *metrics.Recorder

	// IndexName resolves the concrete index this request targets.
	IndexName func(req *Request[P]) string

	// ResolveRequest fills in defaults (currently WaitForActiveShards)
	// once the index and shard are known. It must not change ShardId.
	ResolveRequest func(req *Request[P], meta *cluster.IndexMetadata)

	// PerformLocalAction dispatches the primary action on this node.
	PerformLocalAction func(ctx context.Context, req *Request[P], targetAllocationID cluster.AllocationId, primaryTerm cluster.PrimaryTerm, table cluster.IndexShardRoutingTable) <-chan Outcome[Response[PR]]

	// PerformRemoteAction forwards the raw request to nodeID's reroute
	// endpoint and returns its eventual outcome.
	PerformRemoteAction func(ctx context.Context, nodeID string, req *Request[P]) <-chan Outcome[Response[PR]]
}

// RunReroutePhase implements ReroutePhase: resolve the request against the
// latest observed cluster state, apply block checks, locate the primary,
// and dispatch locally or remotely; on a retryable outcome, wait for the
// next cluster-state change (or the request's own timeout) and try again.
func RunReroutePhase[P, RR, PR any](ctx context.Context, host RerouteHost[P, RR, PR], req *Request[P]) <-chan Outcome[Response[PR]] {
	out := make(chan Outcome[Response[PR]], 1)
	go runReroute(ctx, host, req, out)
	return out
}

func runReroute[P, RR, PR any](ctx context.Context, host RerouteHost[P, RR, PR], req *Request[P], out chan<- Outcome[Response[PR]]) {
	result := attemptRoute(ctx, host, req)

	if result.IsOk() || !result.Retryable() {
		out <- result
		return
	}

	if host.Metrics != nil {
		host.Metrics.RerouteRetriesTotal.WithLabelValues(result.Kind.String()).Inc()
	}
	glog.V(2).Infof("reroute phase for shard %s retrying: %v", req.ShardId, result.Err)

	select {
	case event := <-host.Observer.WaitForNextChange(req.Timeout):
		switch event.Kind {
		case cluster.EventClosed:
			out <- Fatal[Response[PR]](cmn.ErrNodeClosed)
		case cluster.EventTimeout:
			// one last best-effort attempt, whatever it yields is final
			out <- attemptRoute(ctx, host, req)
		default:
			req.Retries++
			runReroute(ctx, host, req, out)
		}
	case <-ctx.Done():
		out <- Retry[Response[PR]](ctx.Err())
	}
}

func attemptRoute[P, RR, PR any](ctx context.Context, host RerouteHost[P, RR, PR], req *Request[P]) Outcome[Response[PR]] {
	state := host.Observer.ObservedState()

	if blocked, retryable := clusterBlocked(state.Blocks, "global"); blocked {
		if retryable {
			return Retry[Response[PR]](cmn.ErrClusterBlockedSoft)
		}
		return Fatal[Response[PR]](cmn.ErrClusterBlocked)
	}

	indexName := host.IndexName(req)
	meta, ok := state.Indices[indexName]
	if !ok {
		return Retry[Response[PR]](fmt.Errorf("index %q: %w", indexName, cmn.ErrIndexNotFound))
	}
	if meta.Closed {
		return Fatal[Response[PR]](fmt.Errorf("index %q: %w", indexName, cmn.ErrIndexClosed))
	}
	if blocked, retryable := clusterBlocked(state.Blocks, "index"); blocked {
		if retryable {
			return Retry[Response[PR]](cmn.ErrClusterBlockedSoft)
		}
		return Fatal[Response[PR]](cmn.ErrClusterBlocked)
	}

	if host.ResolveRequest != nil {
		host.ResolveRequest(req, meta)
	}
	req.ShadowReplicas = meta.ShadowReplicas
	cmn.AssertMsg(req.ShardId.IndexUUID != "" && req.ShardId.Shard >= 0, "resolveRequest must set a shard id")
	if req.WaitForActiveShards.Mode == "" {
		return Fatal[Response[PR]](fmt.Errorf("waitForActiveShards left unset"))
	}

	table, ok := state.IndexRoutingTable(indexName, req.ShardId.Shard)
	if !ok || !table.Primary.Active() {
		return Retry[Response[PR]](cmn.ErrUnavailableShards)
	}
	if _, known := state.Nodes[table.Primary.CurrentNodeId]; !known {
		return Retry[Response[PR]](cmn.ErrUnavailableShards)
	}

	primaryTerm := meta.PrimaryTerm[req.ShardId.Shard]

	if table.Primary.CurrentNodeId == host.LocalNodeID {
		return <-host.PerformLocalAction(ctx, req, table.Primary.AllocationId, primaryTerm, *table)
	}

	if state.Version < req.RoutedBasedOnClusterVersion {
		return Retry[Response[PR]](fmt.Errorf("local cluster state version %d behind sender's %d: %w", state.Version, req.RoutedBasedOnClusterVersion, cmn.ErrUnavailableShards))
	}
	req.RoutedBasedOnClusterVersion = state.Version
	return <-host.PerformRemoteAction(ctx, table.Primary.CurrentNodeId, req)
}

func clusterBlocked(blocks []cluster.Block, level string) (blocked, retryable bool) {
	for _, b := range blocks {
		if b.Level == level {
			return true, b.Retryable
		}
	}
	return false, false
}
