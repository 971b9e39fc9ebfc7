package replication

import (
	"time"

	"github.com/shardrepl/core/cluster"
	"github.com/shardrepl/core/cmn"
)

// Request is the envelope every replication action operates on: a
// domain-specific Payload plus the routing/term/timeout fields the source
// system's Request/ReplicaRequest hierarchy carries. Modeled as one
// generic struct with small capability-flavored fields rather than a class
// hierarchy, per the design note in SPEC_FULL.md section 9.
type Request[P any] struct {
	ShardId                     cluster.ShardId
	Timeout                     time.Duration
	WaitForActiveShards         cmn.WaitForActiveShards
	PrimaryTerm                 cluster.PrimaryTerm
	RoutedBasedOnClusterVersion int64
	Retries                     int

	// ShadowReplicas mirrors the target index's IndexMetadata.ShadowReplicas
	// at the time ReroutePhase resolved this request: a shadow-replica
	// index never fans a write out to its replica copies (see
	// SPEC_FULL.md section 10.8), so AsyncPrimaryAction reads this to
	// skip ReplicationOperation's replica dispatch entirely.
	ShadowReplicas bool

	Payload P
}

// PrimaryResult is what shardOperationOnPrimary yields: the request to
// replicate to replica copies, and either a success response or a
// failure. ReplicaRequest is intentionally a distinct type parameter from
// the primary's own response type; the two rarely coincide in a real
// domain operation (e.g. an index request's replica payload omits
// fields only the primary computes, like an auto-generated document id).
type PrimaryResult[ReplicaReq, Resp any] struct {
	ReplicaRequest ReplicaReq
	Response       Resp
	Failure        error
}

// ShardInfo is the per-operation replication summary attached to a
// primary's final response: for every targeted copy, exactly one outcome.
type ShardInfo struct {
	Total      int
	Successful int
	Failed     []ShardFailure
}

// ShardFailure records one replica copy's failure: where the copy lives,
// the reason and the cause. Failures whose report was acknowledged and
// failures whose report was ignorable are recorded alike.
type ShardFailure struct {
	AllocationId cluster.AllocationId
	NodeID       string
	Reason       string
	Cause        error
}
