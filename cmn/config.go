package cmn

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"
	"unsafe"
)

// WaitForActiveShards selects how many in-sync copies of a shard must be
// active before a replication operation is allowed to dispatch replica RPCs.
type WaitForActiveShards struct {
	// Mode is one of "default", "none", "one", "all", "n". When Mode is
	// "n", N holds the required count.
	Mode string `json:"mode"`
	N    int    `json:"n,omitempty"`
}

var (
	WaitForActiveShardsDefault = WaitForActiveShards{Mode: "default"}
	WaitForActiveShardsNone    = WaitForActiveShards{Mode: "none"}
	WaitForActiveShardsOne     = WaitForActiveShards{Mode: "one"}
	WaitForActiveShardsAll     = WaitForActiveShards{Mode: "all"}
)

// ReplicationConf holds the configuration surface recognized by the
// replication core itself (as opposed to the surrounding daemon).
type ReplicationConf struct {
	DefaultWaitForActiveShards WaitForActiveShards `json:"default_wait_for_active_shards"`
	// RecheckActiveShardsOnNearMiss names the single bounded re-check of
	// the active-shard-count gate when the first check misses by
	// exactly one shard (SPEC_FULL.md section 10.8). Nothing in this
	// module reads it and it defaults to false: the re-check runs only
	// when a caller sets ReplicationOperation.RecheckRoutingTable, which
	// RunAsyncPrimaryAction leaves nil.
	RecheckActiveShardsOnNearMiss bool `json:"recheck_active_shards_on_near_miss"`
	PrimaryExecutor                string `json:"primary_executor"`
	ReplicaExecutor                 string `json:"replica_executor"`
}

// TimeoutConf holds the string and parsed-duration pairs the way the rest of
// this module's timeout knobs are surfaced in JSON configuration files.
type TimeoutConf struct {
	ClusterStateObserveStr   string        `json:"cluster_state_observe"`
	ClusterStateObserve      time.Duration `json:"-"`
	PrimaryActionStartupStr  string        `json:"primary_action_startup"`
	PrimaryActionStartup     time.Duration `json:"-"`
	ReplicaActionStr         string        `json:"replica_action"`
	ReplicaAction            time.Duration `json:"-"`
}

// PeriodicConf holds the configured retry-observer wake interval. Nothing
// in the replication package reads it: ReroutePhase waits for the next
// cluster-state change bounded only by the request's own Timeout.
type PeriodicConf struct {
	RetrySyncTimeStr string        `json:"retry_sync_time"`
	RetrySyncTime    time.Duration `json:"-"`
}

// Config is the top-level configuration struct for a replicanode process.
type Config struct {
	Replication ReplicationConf `json:"replication"`
	Timeout     TimeoutConf     `json:"timeout"`
	Periodic    PeriodicConf    `json:"periodic"`
	LogLevel    string          `json:"log_level"`
}

// validateAndFill parses every *Str duration field into its time.Duration
// sibling, the way the source config loader expands its own Str-suffixed
// fields after unmarshaling.
func (c *Config) validateAndFill() error {
	var err error
	if c.Timeout.ClusterStateObserve, err = time.ParseDuration(orDefault(c.Timeout.ClusterStateObserveStr, "30s")); err != nil {
		return fmt.Errorf("timeout.cluster_state_observe: %w", err)
	}
	if c.Timeout.PrimaryActionStartup, err = time.ParseDuration(orDefault(c.Timeout.PrimaryActionStartupStr, "5s")); err != nil {
		return fmt.Errorf("timeout.primary_action_startup: %w", err)
	}
	if c.Timeout.ReplicaAction, err = time.ParseDuration(orDefault(c.Timeout.ReplicaActionStr, "10s")); err != nil {
		return fmt.Errorf("timeout.replica_action: %w", err)
	}
	if c.Periodic.RetrySyncTime, err = time.ParseDuration(orDefault(c.Periodic.RetrySyncTimeStr, "1s")); err != nil {
		return fmt.Errorf("periodic.retry_sync_time: %w", err)
	}
	if c.Replication.DefaultWaitForActiveShards.Mode == "" {
		c.Replication.DefaultWaitForActiveShards = WaitForActiveShardsDefault
	}
	if c.Replication.PrimaryExecutor == "" {
		c.Replication.PrimaryExecutor = "primary"
	}
	if c.Replication.ReplicaExecutor == "" {
		c.Replication.ReplicaExecutor = "replica"
	}
	return nil
}

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}

// LoadConfig reads and validates a Config from a JSON file at path.
func LoadConfig(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open config: %w", err)
	}
	defer f.Close()

	config := &Config{}
	if err := json.NewDecoder(f).Decode(config); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := config.validateAndFill(); err != nil {
		return nil, err
	}
	return config, nil
}

// ConfigOwner is the interface for interacting with the global config. For
// updating we introduce three functions: BeginUpdate, CommitUpdate and
// DiscardUpdate. These protect the config from being updated simultaneously;
// an update works as a transaction.
//
// Subscribe is used by components that need to be notified about any
// config changes (currently none in this module register, but the
// mechanism is carried over from the source daemon unchanged since other
// components in a full deployment of this subsystem do).
type ConfigOwner interface {
	Get() *Config
	BeginUpdate() *Config
	CommitUpdate(config *Config)
	DiscardUpdate()

	Subscribe(cl ConfigListener)

	SetConfigFile(path string)
	GetConfigFile() string
}

// ConfigListener is notified about config updates.
type ConfigListener interface {
	ConfigUpdate(oldConf, newConf *Config)
}

var _ ConfigOwner = &globalConfigOwner{}

// globalConfigOwner implements ConfigOwner. It protects the config only
// from concurrent updates; it does not clone-on-write the config itself
// beyond the explicit copy made in BeginUpdate.
type globalConfigOwner struct {
	mtx       sync.Mutex
	c         unsafe.Pointer
	lmtx      sync.Mutex
	listeners []ConfigListener
	confFile  string
}

// GCO is the global config owner: config is loaded once at startup and then
// read/updated by every other component through this handle.
var GCO = &globalConfigOwner{}

func init() {
	config := &Config{}
	_ = config.validateAndFill()
	atomic.StorePointer(&GCO.c, unsafe.Pointer(config))
}

func (gco *globalConfigOwner) Get() *Config {
	return (*Config)(atomic.LoadPointer(&gco.c))
}

// BeginUpdate locks the config for a transactional update. It must be
// followed by CommitUpdate or DiscardUpdate.
func (gco *globalConfigOwner) BeginUpdate() *Config {
	gco.mtx.Lock()
	clone := *gco.Get()
	return &clone
}

// CommitUpdate ends the update transaction and notifies listeners.
func (gco *globalConfigOwner) CommitUpdate(config *Config) {
	oldConf := gco.Get()
	atomic.StorePointer(&gco.c, unsafe.Pointer(config))
	gco.notifyListeners(oldConf)
	gco.mtx.Unlock()
}

// DiscardUpdate ends the transaction without applying the change.
func (gco *globalConfigOwner) DiscardUpdate() {
	gco.mtx.Unlock()
}

func (gco *globalConfigOwner) SetConfigFile(path string) {
	gco.mtx.Lock()
	gco.confFile = path
	gco.mtx.Unlock()
}

func (gco *globalConfigOwner) GetConfigFile() string {
	gco.mtx.Lock()
	defer gco.mtx.Unlock()
	return gco.confFile
}

func (gco *globalConfigOwner) notifyListeners(oldConf *Config) {
	gco.lmtx.Lock()
	newConf := gco.Get()
	for _, l := range gco.listeners {
		l.ConfigUpdate(oldConf, newConf)
	}
	gco.lmtx.Unlock()
}

// Subscribe registers cl for notification on every future config update.
func (gco *globalConfigOwner) Subscribe(cl ConfigListener) {
	gco.lmtx.Lock()
	gco.listeners = append(gco.listeners, cl)
	gco.lmtx.Unlock()
}
