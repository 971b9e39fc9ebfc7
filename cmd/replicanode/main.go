// Command replicanode is a small demo host for the replication core: it
// wires a primary and two replica copies of a single shard together over
// the in-process transport bus and drives one write through ReroutePhase,
// the way a production node would drive real client traffic. It exists to
// exercise the core end to end; it is not a product surface.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/golang/glog"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shardrepl/core/cluster"
	"github.com/shardrepl/core/cmn"
	"github.com/shardrepl/core/metrics"
	"github.com/shardrepl/core/replication"
	"github.com/shardrepl/core/transport"
)

type cliVars struct {
	configFile  string
	logLevel    string
	docID       string
	docBody     string
	metricsAddr string
}

var clivars = &cliVars{}

func init() {
	flag.StringVar(&clivars.configFile, "config", "", "config filename: local file that stores this node's configuration")
	flag.StringVar(&clivars.logLevel, "loglevel", "", "log verbosity level, overrides config.log_level")
	flag.StringVar(&clivars.docID, "doc-id", "demo-doc", "document id to index through the demo write path")
	flag.StringVar(&clivars.docBody, "doc-body", "hello from replicanode", "document body to index")
	flag.StringVar(&clivars.metricsAddr, "metrics-addr", ":9091", "address the metrics http runner listens on")
}

// metricsRunner serves the process's Prometheus registry over http and
// stops on Stop(), the way the teacher's stats runner hosts its own
// listener inside the same rungroup as the proxy/target runners.
type metricsRunner struct {
	cmn.NamedRunner
	addr   string
	reg    *prometheus.Registry
	server *http.Server
}

func (m *metricsRunner) Run() error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{}))
	m.server = &http.Server{Addr: m.addr, Handler: mux}
	glog.Infof("metrics runner listening on %s", m.addr)
	err := m.server.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

func (m *metricsRunner) Stop(err error) {
	if m.server != nil {
		m.server.Close()
	}
}

// driveRunner performs the single demo write this binary exists to
// demonstrate, then returns, tearing down the rest of the rungroup (the
// metrics runner) behind it.
type driveRunner struct {
	cmn.NamedRunner
	fn func() error
}

func (d *driveRunner) Run() error { return d.fn() }
func (d *driveRunner) Stop(error) {}

type docPayload struct {
	DocID string
	Body  string
}

func main() {
	flag.Parse()

	if clivars.configFile != "" {
		loaded, err := cmn.LoadConfig(clivars.configFile)
		if err != nil {
			glog.Errorf("failed to load config %s: %v", clivars.configFile, err)
			os.Exit(1)
		}
		applied := cmn.GCO.BeginUpdate()
		*applied = *loaded
		cmn.GCO.CommitUpdate(applied)
	}
	if clivars.logLevel != "" {
		applied := cmn.GCO.BeginUpdate()
		applied.LogLevel = clivars.logLevel
		cmn.GCO.CommitUpdate(applied)
	}

	reg := prometheus.NewRegistry()
	recorder := metrics.NewRecorder(reg)

	shardId := cluster.ShardId{IndexUUID: "docs-1", Shard: 0}
	primaryEntry := cluster.RoutingEntry{ShardId: shardId, Role: cluster.RolePrimary, State: cluster.Started, AllocationId: "alloc-primary", CurrentNodeId: "n0"}
	replica1 := cluster.RoutingEntry{ShardId: shardId, Role: cluster.RoleReplica, State: cluster.Started, AllocationId: "alloc-n1", CurrentNodeId: "n1"}
	replica2 := cluster.RoutingEntry{ShardId: shardId, Role: cluster.RoleReplica, State: cluster.Started, AllocationId: "alloc-n2", CurrentNodeId: "n2"}

	shards := map[string]*cluster.InMemoryShard{
		"n0": cluster.NewInMemoryShard(primaryEntry, cluster.Started, 1),
		"n1": cluster.NewInMemoryShard(replica1, cluster.Started, 1),
		"n2": cluster.NewInMemoryShard(replica2, cluster.Started, 1),
	}
	storage := map[string]map[string]string{"n0": {}, "n1": {}, "n2": {}}

	table := cluster.IndexShardRoutingTable{ShardId: shardId, Primary: primaryEntry, Replicas: []cluster.RoutingEntry{replica1, replica2}}
	state := cluster.ClusterState{
		Version: 1,
		Nodes: map[string]cluster.Node{
			"n0": {ID: "n0", MajorVersion: 1, ProtocolVersion: int(transport.V5_6)},
			"n1": {ID: "n1", MajorVersion: 1, ProtocolVersion: int(transport.V5_6)},
			"n2": {ID: "n2", MajorVersion: 1, ProtocolVersion: int(transport.V5_6)},
		},
		Indices: map[string]*cluster.IndexMetadata{
			"docs": {Name: "docs", UUID: "docs-1", PrimaryTerm: map[int]cluster.PrimaryTerm{0: 1}},
		},
		Routing: map[string]map[int]*cluster.IndexShardRoutingTable{"docs": {0: &table}},
	}
	observer := cluster.NewInMemoryObserver(state)
	scheduler := cmn.NewScheduler()
	// The primary executor is bounded to one in-flight operation per
	// process: a single shard's primary lock already serializes writes,
	// so queuing here just keeps at most one primary goroutine running.
	scheduler.Register("primary", cmn.NewBoundedExecutor(1))

	bus := transport.NewLocalBus()
	registerReplicaHandler(bus, "n1", shards["n1"], storage["n1"], scheduler, transport.ProtocolVersion(state.Nodes["n1"].ProtocolVersion))
	registerReplicaHandler(bus, "n2", shards["n2"], storage["n2"], scheduler, transport.ProtocolVersion(state.Nodes["n2"].ProtocolVersion))
	proxy := &demoProxy{
		bus: bus,
		peerProtocolVersion: func(nodeID string) transport.ProtocolVersion {
			return transport.ProtocolVersion(state.Nodes[nodeID].ProtocolVersion)
		},
	}

	host := replication.RerouteHost[docPayload, docPayload, struct{}]{
		Observer:    observer,
		LocalNodeID: "n0",
		Metrics:     recorder,
		IndexName:   func(req *replication.Request[docPayload]) string { return "docs" },
		ResolveRequest: func(req *replication.Request[docPayload], meta *cluster.IndexMetadata) {
			if req.WaitForActiveShards.Mode == "" {
				req.WaitForActiveShards = cmn.WaitForActiveShardsAll
			}
		},
		PerformLocalAction: func(ctx context.Context, req *replication.Request[docPayload], targetAllocationID cluster.AllocationId, primaryTerm cluster.PrimaryTerm, table cluster.IndexShardRoutingTable) <-chan replication.Outcome[replication.Response[struct{}]] {
			primaryHost := replication.PrimaryHost[docPayload, struct{}]{
				Shard:       shards["n0"],
				Scheduler:   scheduler,
				Executor:    "primary",
				Metrics:     recorder,
				VersionGate: cluster.VersionGate{LocalMajorVersion: 1},
				NodeMajorVersion: func(nodeID string) int {
					if n, ok := state.Nodes[nodeID]; ok {
						return n.MajorVersion
					}
					return 0
				},
				ResolveRoutingTable: func() (cluster.IndexShardRoutingTable, bool) {
					t, ok := observer.ObservedState().IndexRoutingTable("docs", shardId.Shard)
					if !ok {
						return cluster.IndexShardRoutingTable{}, false
					}
					return *t, true
				},
				ShardOperationOnPrimary: func(r *replication.Request[any], shard cluster.IndexShard) replication.PrimaryResult[docPayload, struct{}] {
					storage["n0"][req.Payload.DocID] = req.Payload.Body
					glog.Infof("primary n0 indexed doc %s", req.Payload.DocID)
					return replication.PrimaryResult[docPayload, struct{}]{ReplicaRequest: req.Payload}
				},
			}
			anyReq := &replication.Request[any]{ShardId: req.ShardId, Timeout: req.Timeout, WaitForActiveShards: req.WaitForActiveShards, PrimaryTerm: req.PrimaryTerm, ShadowReplicas: req.ShadowReplicas, Payload: req.Payload}
			return replication.RunAsyncPrimaryAction[docPayload, struct{}](ctx, primaryHost, anyReq, targetAllocationID, primaryTerm, proxy, table)
		},
		PerformRemoteAction: func(ctx context.Context, nodeID string, req *replication.Request[docPayload]) <-chan replication.Outcome[replication.Response[struct{}]] {
			out := make(chan replication.Outcome[replication.Response[struct{}]], 1)
			out <- replication.Fatal[replication.Response[struct{}]](fmt.Errorf("demo binary only hosts the primary"))
			return out
		},
	}

	req := &replication.Request[docPayload]{
		ShardId: shardId,
		Timeout: 2 * time.Second,
		Payload: docPayload{DocID: clivars.docID, Body: clivars.docBody},
	}

	var writeErr error
	group := cmn.NewRungroup()
	group.Add(&metricsRunner{addr: clivars.metricsAddr, reg: reg}, "metrics")
	group.Add(&driveRunner{fn: func() error {
		outcome := <-replication.RunReroutePhase[docPayload, docPayload, struct{}](context.Background(), host, req)
		if !outcome.IsOk() {
			writeErr = outcome.Err
			return outcome.Err
		}
		glog.Infof("write succeeded: shard_info=%+v", outcome.Value.ShardInfo)
		for node, docs := range storage {
			glog.Infof("node %s storage: %+v", node, docs)
		}
		return nil
	}}, "driver")

	group.Run()
	glog.Flush()
	if writeErr != nil {
		os.Exit(1)
	}
}

// replicaWireResult is the wire-level response a replica_write handler
// sends back over the bus: just the error text, if any, since the
// envelope's job ends at delivering the request.
type replicaWireResult struct {
	Err string
}

const replicaWriteAction = "replica_write"

// registerReplicaHandler binds action replicaWriteAction on nodeID to a
// handler that decodes the wire envelope and drives AsyncReplicaAction
// against that node's local shard, the way a real node's HTTP handler
// would decode a ConcreteShardRequest off the wire before dispatching.
func registerReplicaHandler(bus *transport.LocalBus, nodeID string, shard *cluster.InMemoryShard, storage map[string]string, scheduler *cmn.Scheduler, peerVersion transport.ProtocolVersion) {
	transport.RegisterHandler[[]byte, replicaWireResult](bus, replicaWriteAction, nodeID, func(ctx context.Context, nodeID string, data []byte, rc transport.ResponseChannel[replicaWireResult]) {
		envelope, err := transport.Decode[docPayload](data, peerVersion)
		if err != nil {
			rc.SendError(fmt.Errorf("decode replica envelope: %w", err))
			return
		}

		host := replication.ReplicaHost[docPayload]{
			Shard:     shard,
			Scheduler: scheduler,
			Executor:  "replica",
			ShardOperationOnReplica: func(req docPayload, shard cluster.IndexShard) error {
				storage[req.DocID] = req.Body
				return nil
			},
		}
		outcome := <-replication.RunAsyncReplicaAction[docPayload](ctx, host, envelope.Inner, envelope.TargetAllocationID, envelope.PrimaryTerm, time.Second)
		if outcome.Err != nil {
			rc.SendResponse(replicaWireResult{Err: outcome.Err.Error()})
			return
		}
		rc.SendResponse(replicaWireResult{})
	})
}

// demoProxy implements replication.ReplicasProxy[docPayload] by encoding
// each replica request into the ConcreteShardRequest wire envelope and
// dispatching it over the in-process transport bus with bounded backoff,
// standing in for a real inter-node RPC the way the teacher's
// httprunner.call would perform it over HTTP.
type demoProxy struct {
	bus *transport.LocalBus

	// peerProtocolVersion resolves the negotiated wire protocol version
	// for a replica node, the way a real node tracks it per-connection
	// after handshake; the envelope only carries a primary term when the
	// peer is at V5_6 or newer.
	peerProtocolVersion func(nodeID string) transport.ProtocolVersion
}

func (p *demoProxy) PerformOn(ctx context.Context, replica cluster.RoutingEntry, req docPayload, targetAllocationID cluster.AllocationId, primaryTerm cluster.PrimaryTerm) error {
	envelope := transport.ConcreteShardRequest[docPayload]{
		TargetAllocationID: targetAllocationID,
		PrimaryTerm:        primaryTerm,
		Inner:              req,
	}
	data, err := transport.Encode(envelope, p.peerProtocolVersion(replica.CurrentNodeId))
	if err != nil {
		return fmt.Errorf("encode replica envelope: %w", err)
	}

	bo := backoff.NewExponentialBackOff()
	bo.MaxElapsedTime = 2 * time.Second
	result, err := transport.CallWithBackoff[[]byte, replicaWireResult](ctx, p.bus, replicaWriteAction, replica.CurrentNodeId, data, bo)
	if err != nil {
		return err
	}
	if result.Err != "" {
		return fmt.Errorf("%s", result.Err)
	}
	return nil
}

func (p *demoProxy) FailShard(ctx context.Context, replica cluster.RoutingEntry, reason string, cause error) replication.FailShardOutcome {
	glog.Warningf("marking replica %s failed: %s (%v)", replica.CurrentNodeId, reason, cause)
	return replication.FailShardAcked
}
