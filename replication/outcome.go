// Package replication implements the write-replication state machine: a
// top-level ReroutePhase that resolves and retries routing, an
// AsyncPrimaryAction that acquires the primary lock and drives a
// ReplicationOperation fan-out to replicas via a ReplicasProxy, and an
// AsyncReplicaAction that runs the domain operation on each replica copy
// under its own per-term lock.
package replication

import "github.com/shardrepl/core/cmn"

// Outcome is the tagged result of one step of the state machine, replacing
// the exceptions-as-control-flow the source system uses to signal retry
// and demotion (see SPEC_FULL.md section 9). Exactly one of Value or Err
// is meaningful depending on Kind.
type Outcome[T any] struct {
	Kind  cmn.Kind
	Value T
	Err   error
}

// Ok builds a successful outcome.
func Ok[T any](v T) Outcome[T] {
	return Outcome[T]{Kind: cmn.KindUnknown, Value: v}
}

// Retry builds a failure outcome whose Kind comes from cmn.Classify(err);
// whether the outcome is retryable follows from that Kind.
func Retry[T any](err error) Outcome[T] {
	return Outcome[T]{Kind: cmn.Classify(err), Err: err}
}

// Fatal builds a terminal-failure outcome.
func Fatal[T any](err error) Outcome[T] {
	return Outcome[T]{Kind: cmn.KindHardFailure, Err: err}
}

// IsOk reports whether the outcome carries a usable Value.
func (o Outcome[T]) IsOk() bool { return o.Err == nil }

// Retryable reports whether the reroute phase should retry rather than
// fail the request once.
func (o Outcome[T]) Retryable() bool {
	return o.Err != nil && o.Kind.Retryable()
}
