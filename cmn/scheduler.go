package cmn

import "sync"

// Scheduler is a minimal named-executor lookup: the reroute/primary/replica
// actions ask for "the primary executor" or "the replica executor" by name
// and get back something that runs a function on a goroutine. It is
// deliberately not a general-purpose worker-pool framework; provisioning
// policy for the underlying goroutines is out of scope for this module (see
// SPEC_FULL.md section 1) and is left to whatever hosts it.
type Scheduler struct {
	mu    sync.RWMutex
	pools map[string]Executor
}

// Executor runs fn, possibly on a different goroutine than the caller.
type Executor interface {
	Execute(fn func())
}

// GoExecutor runs every submission on its own goroutine, unbounded. It is
// the default Executor registered for any name not explicitly bounded.
type GoExecutor struct{}

func (GoExecutor) Execute(fn func()) { go fn() }

// BoundedExecutor runs submissions on at most n goroutines at a time,
// queuing the rest.
type BoundedExecutor struct {
	tokens chan struct{}
}

// NewBoundedExecutor returns an Executor that runs at most n fn calls
// concurrently.
func NewBoundedExecutor(n int) *BoundedExecutor {
	if n <= 0 {
		n = 1
	}
	return &BoundedExecutor{tokens: make(chan struct{}, n)}
}

func (b *BoundedExecutor) Execute(fn func()) {
	b.tokens <- struct{}{}
	go func() {
		defer func() { <-b.tokens }()
		fn()
	}()
}

// NewScheduler returns a Scheduler with no named pools registered; Get
// falls back to GoExecutor for unregistered names.
func NewScheduler() *Scheduler {
	return &Scheduler{pools: make(map[string]Executor)}
}

// Register binds name to ex. Subsequent Get(name) calls return ex.
func (s *Scheduler) Register(name string, ex Executor) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pools[name] = ex
}

// Get returns the Executor registered for name, or a shared GoExecutor if
// none was registered.
func (s *Scheduler) Get(name string) Executor {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if ex, ok := s.pools[name]; ok {
		return ex
	}
	return GoExecutor{}
}
