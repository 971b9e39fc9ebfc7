package cluster

import (
	"context"
	"fmt"
	"sync"

	"github.com/golang/glog"
	"github.com/shardrepl/core/cmn"
)

// Releasable is a scoped hold on a shard operation lock. Close must be
// called exactly once per successful acquisition; a second Close is a
// no-op that logs rather than panics, matching the "release exactly once,
// tolerate a defensive double-close" design note.
type Releasable interface {
	Close()
}

// releasable is the concrete, opaque owned handle backing a lock
// acquisition. Its release closure captures only the shard's semaphore
// channel rather than a pointer back to the shard, per the back-reference
// design note: the shard hands out a releasable that knows how to return
// its own permit without the releasable needing to know anything about the
// shard's other state.
type releasable struct {
	once    sync.Once
	release func()
}

func (r *releasable) Close() {
	released := false
	r.once.Do(func() {
		released = true
		if r.release != nil {
			r.release()
		}
	})
	if !released {
		glog.Warningf("operation lock released more than once; ignoring")
	}
}

// LockListener is notified when a lock acquisition resolves, successfully
// or not. This models the "suspension point" design note: there is no
// coroutine here, only a callback invoked on whichever goroutine resolved
// the wait.
type LockListener func(Releasable, error)

// IndexShard is the capability the replication core is built against for
// one shard copy: primary/replica lock acquisition, role/state/term
// inspection, and shard failure reporting. A production host implements it
// against its own storage engine; InMemoryShard below is the in-process
// fixture used by tests and the demo binary.
type IndexShard interface {
	RoutingEntry() RoutingEntry
	State() ShardState
	GetPrimaryTerm() PrimaryTerm
	AllocationId() AllocationId

	AcquirePrimaryOperationLock(ctx context.Context, listener LockListener, ex cmn.Executor)
	AcquireReplicaOperationLock(ctx context.Context, primaryTerm PrimaryTerm, listener LockListener, ex cmn.Executor)

	FailShard(reason string, cause error)
}

// InMemoryShard is a single shard copy backed by an in-process semaphore.
// It is the fixture implementation used by tests and cmd/replicanode; it
// grounds the "operation lock coupled to term advancement" invariant by
// refusing replica lock acquisition below its stored term and bumping its
// term on acceptance of a higher one.
type InMemoryShard struct {
	mu          sync.Mutex
	entry       RoutingEntry
	state       ShardState
	primaryTerm PrimaryTerm
	sem         chan struct{} // capacity 1: exclusive operation lock
	failed      bool
	failReason  string
}

// NewInMemoryShard constructs a shard copy in the given role/state.
func NewInMemoryShard(entry RoutingEntry, state ShardState, term PrimaryTerm) *InMemoryShard {
	return &InMemoryShard{
		entry:       entry,
		state:       state,
		primaryTerm: term,
		sem:         make(chan struct{}, 1),
	}
}

func (s *InMemoryShard) RoutingEntry() RoutingEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.entry
}

func (s *InMemoryShard) State() ShardState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *InMemoryShard) GetPrimaryTerm() PrimaryTerm {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.primaryTerm
}

func (s *InMemoryShard) AllocationId() AllocationId {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.entry.AllocationId
}

// SetRelocated marks the shard as relocated to targetNode under
// relocationId; used by tests driving the relocation-handoff scenario.
func (s *InMemoryShard) SetRelocated(targetNode string, relocationId AllocationId) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = Relocated
	s.entry.State = Relocated
	s.entry.RelocatingNode = targetNode
	s.entry.RelocationId = relocationId
}

// SetPrimaryTerm force-advances the shard's stored term; used by tests
// driving the primary-demotion scenario.
func (s *InMemoryShard) SetPrimaryTerm(term PrimaryTerm) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.primaryTerm = term
}

func (s *InMemoryShard) AcquirePrimaryOperationLock(ctx context.Context, listener LockListener, ex cmn.Executor) {
	ex.Execute(func() {
		select {
		case s.sem <- struct{}{}:
		case <-ctx.Done():
			listener(nil, ctx.Err())
			return
		}

		s.mu.Lock()
		role := s.entry.Role
		s.mu.Unlock()
		if role != RolePrimary {
			<-s.sem
			listener(nil, fmt.Errorf("acquire primary lock: %w", cmn.ErrRetryOnPrimary))
			return
		}

		sem := s.sem
		r := &releasable{release: func() { <-sem }}
		listener(r, nil)
	})
}

func (s *InMemoryShard) AcquireReplicaOperationLock(ctx context.Context, primaryTerm PrimaryTerm, listener LockListener, ex cmn.Executor) {
	ex.Execute(func() {
		select {
		case s.sem <- struct{}{}:
		case <-ctx.Done():
			listener(nil, ctx.Err())
			return
		}

		s.mu.Lock()
		if !primaryTerm.IsUnknown() && primaryTerm < s.primaryTerm {
			stored := s.primaryTerm
			s.mu.Unlock()
			<-s.sem
			listener(nil, fmt.Errorf("replica term %d stale against %d: %w", primaryTerm, stored, cmn.ErrStaleTerm))
			return
		}
		if primaryTerm > s.primaryTerm {
			s.primaryTerm = primaryTerm
		}
		s.mu.Unlock()

		sem := s.sem
		r := &releasable{release: func() { <-sem }}
		listener(r, nil)
	})
}

func (s *InMemoryShard) FailShard(reason string, cause error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failed = true
	s.failReason = reason
}

// Failed reports whether FailShard has been invoked and, if so, why.
func (s *InMemoryShard) Failed() (bool, string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.failed, s.failReason
}
