package cmn

import "github.com/golang/glog"

// Named gives a runnable component a settable/gettable name, used by
// rungroup for logging and lookup.
type Named interface {
	Setname(name string)
	Getname() string
}

// Runner is the lifecycle interface every long-lived component of a
// replicanode process implements: Run blocks until the component stops or
// fails, Stop asks it to shut down (err is the reason, nil for a clean
// stop).
type Runner interface {
	Named
	Run() error
	Stop(err error)
}

// NamedRunner is an embeddable base providing the Named half of Runner.
type NamedRunner struct {
	name string
}

func (r *NamedRunner) Setname(name string) { r.name = name }
func (r *NamedRunner) Getname() string     { return r.name }

// Rungroup starts a fixed set of named runners and waits for the first one
// to exit, then stops the rest with that exit's error as the reason. A
// process hosting the replication core (reroute/primary/replica actions,
// the transport bus, the metrics server) is exactly one such group.
type Rungroup struct {
	runarr []Runner
	runmap map[string]Runner
	errCh  chan error
}

// NewRungroup builds an empty Rungroup.
func NewRungroup() *Rungroup {
	return &Rungroup{runmap: make(map[string]Runner)}
}

// Add registers r under name and will start it when Run is called.
func (g *Rungroup) Add(r Runner, name string) {
	r.Setname(name)
	g.runarr = append(g.runarr, r)
	g.runmap[name] = r
}

// Run starts every added runner concurrently and blocks until the first one
// returns, then stops the remainder, waits for each of them to return, and
// returns the first runner's error.
func (g *Rungroup) Run() error {
	if len(g.runarr) == 0 {
		return nil
	}
	g.errCh = make(chan error, len(g.runarr))
	for _, r := range g.runarr {
		go func(r Runner) {
			err := r.Run()
			glog.Warningf("runner [%s] exited with err [%v]", r.Getname(), err)
			g.errCh <- err
		}(r)
	}

	err := <-g.errCh
	for _, r := range g.runarr {
		r.Stop(err)
	}
	for i := 0; i < cap(g.errCh)-1; i++ {
		<-g.errCh
	}
	glog.Flush()
	return err
}
