package cmn

import "errors"

// Kind classifies an error surfaced anywhere in the replication pipeline
// into one of the propagation policies described for the reroute/primary/
// replica state machine: some kinds re-enter the state machine, the rest
// fail the request exactly once.
type Kind int

const (
	// KindUnknown is the zero value; Classify returns it only for a nil
	// error, and successful outcomes (replication.Ok) carry it.
	KindUnknown Kind = iota
	KindRoutingStale
	KindPrimaryRetry
	KindReplicaRetry
	KindDemotion
	KindHardFailure
	KindClusterBlock
	KindShutdown
)

func (k Kind) String() string {
	switch k {
	case KindRoutingStale:
		return "routing-stale"
	case KindPrimaryRetry:
		return "primary-retry"
	case KindReplicaRetry:
		return "replica-retry"
	case KindDemotion:
		return "demotion"
	case KindHardFailure:
		return "hard-failure"
	case KindClusterBlock:
		return "cluster-block"
	case KindShutdown:
		return "shutdown"
	default:
		return "unknown"
	}
}

// Retryable reports whether the reroute phase should schedule a retry
// rather than finishing the request as failed.
func (k Kind) Retryable() bool {
	switch k {
	case KindRoutingStale, KindPrimaryRetry, KindReplicaRetry, KindClusterBlock:
		return true
	default:
		return false
	}
}

// Sentinel errors. These stand in for the exception hierarchy of the
// source system; every one of them is recognized by Classify below.
var (
	ErrIndexNotFound      = errors.New("index not found")
	ErrUnavailableShards  = errors.New("unavailable shards")
	ErrShardNotFound      = errors.New("shard not found")
	ErrRetryOnPrimary     = errors.New("retry on primary")
	ErrRetryOnReplica     = errors.New("retry on replica")
	ErrNoLongerPrimary    = errors.New("no longer primary shard")
	ErrIndexClosed        = errors.New("index closed")
	ErrNodeClosed         = errors.New("node closed")
	ErrClusterBlocked     = errors.New("cluster block: non-retryable")
	ErrClusterBlockedSoft = errors.New("cluster block: retryable")

	// ErrStaleTerm is raised by a replica when it rejects a request
	// carrying a primary term older than its own. Tracked as a
	// distinct sentinel (not folded into ErrRetryOnReplica) so it can
	// be counted separately; see SPEC_FULL.md section 10.8.
	ErrStaleTerm = errors.New("stale primary term")
)

// shardNotAvailable enumerates, verbatim, the set of causes that make a
// shard unavailable for primary routing purposes. This is the concrete
// resolution of the open question in SPEC_FULL.md section 9: the exact
// exception list is not derivable from the distilled spec alone, so this
// implementation commits to the set below, exposed through
// IsShardNotAvailable. See DESIGN.md.
var shardNotAvailable = map[error]struct{}{
	ErrIndexNotFound:     {},
	ErrUnavailableShards: {},
	ErrShardNotFound:     {},
	ErrRetryOnPrimary:    {},
	ErrNodeClosed:        {},
}

// IsShardNotAvailable reports whether err belongs to the shard-not-available
// set. ReroutePhase does not call it: its retry decision comes from
// Classify and Kind.Retryable, under which ErrNodeClosed is not retryable.
func IsShardNotAvailable(err error) bool {
	for sentinel := range shardNotAvailable {
		if errors.Is(err, sentinel) {
			return true
		}
	}
	return false
}

// Classify maps a sentinel error (or a wrapped one) onto a Kind. Unknown
// errors classify as KindHardFailure: fail once, never guess at retry
// semantics for an error this module doesn't recognize.
func Classify(err error) Kind {
	switch {
	case err == nil:
		return KindUnknown
	case errors.Is(err, ErrIndexNotFound), errors.Is(err, ErrUnavailableShards):
		return KindRoutingStale
	case errors.Is(err, ErrShardNotFound), errors.Is(err, ErrRetryOnPrimary):
		return KindPrimaryRetry
	case errors.Is(err, ErrRetryOnReplica), errors.Is(err, ErrStaleTerm):
		return KindReplicaRetry
	case errors.Is(err, ErrNoLongerPrimary):
		return KindDemotion
	case errors.Is(err, ErrIndexClosed):
		return KindHardFailure
	case errors.Is(err, ErrClusterBlockedSoft):
		return KindClusterBlock
	case errors.Is(err, ErrClusterBlocked):
		return KindHardFailure
	case errors.Is(err, ErrNodeClosed):
		return KindShutdown
	default:
		return KindHardFailure
	}
}
