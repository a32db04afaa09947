// Package config loads and validates the cluster topology file.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Environment overrides.
const (
	EnvJWTSecret = "CLUSO_HA_JWT_SECRET"
	EnvLogLevel  = "LOG_LEVEL"
)

// Engine kinds.
const (
	EngineSimulated = "simulated"
	EnginePostgres  = "postgres"
	EngineMSSQL     = "mssql"
)

var ErrNoConfigPath = errors.New("config path is empty")

// Config is the root of cluster.yaml.
type Config struct {
	Cluster    ClusterConfig  `yaml:"cluster"`
	Nodes      []NodeConfig   `yaml:"nodes"`
	Witness    *WitnessConfig `yaml:"witness,omitempty"`
	Groups     []GroupConfig  `yaml:"groups"`
	Timings    Timings        `yaml:"timings"`
	Thresholds Thresholds     `yaml:"thresholds"`
	Engine     EngineConfig   `yaml:"engine"`
	API        APIConfig      `yaml:"api"`
	Audit      AuditConfig    `yaml:"audit"`
	Logging    LoggingConfig  `yaml:"logging"`
}

// ClusterConfig names the cluster and the coordinator's heartbeat socket.
type ClusterConfig struct {
	Name string `yaml:"name"`
	// HeartbeatURL is where the coordinator's surveyor listens and agents
	// dial, e.g. tcp://10.0.0.10:7400.
	HeartbeatURL string `yaml:"heartbeat_url"`
}

// NodeConfig describes one voting (or non-voting) node.
type NodeConfig struct {
	ID   string `yaml:"id"`
	Addr string `yaml:"addr"`
	Vote *int   `yaml:"vote,omitempty"` // defaults to 1
}

// VoteWeight returns the configured vote, defaulting to 1.
func (n NodeConfig) VoteWeight() int {
	if n.Vote == nil {
		return 1
	}
	return *n.Vote
}

// WitnessConfig describes the quorum witness.
type WitnessConfig struct {
	ID   string `yaml:"id"`
	Addr string `yaml:"addr"`
	Vote *int   `yaml:"vote,omitempty"`
}

// VoteWeight returns the configured vote, defaulting to 1.
func (w WitnessConfig) VoteWeight() int {
	if w.Vote == nil {
		return 1
	}
	return *w.Vote
}

// GroupConfig describes a data group, its replicas and its endpoint.
type GroupConfig struct {
	Name      string          `yaml:"name"`
	Databases []string        `yaml:"databases"`
	Replicas  []ReplicaConfig `yaml:"replicas"`
	Endpoint  *EndpointConfig `yaml:"endpoint,omitempty"`
}

// ReplicaConfig places a replica of a group on a node.
type ReplicaConfig struct {
	Node           string `yaml:"node"`
	Addr           string `yaml:"addr"` // database address clients reach through the endpoint
	SyncMode       string `yaml:"sync_mode"`
	FailoverMode   string `yaml:"failover_mode"`
	BackupPriority int    `yaml:"backup_priority"`
	InitialRole    string `yaml:"initial_role,omitempty"`
}

// EndpointConfig is the virtual endpoint fronting a group.
type EndpointConfig struct {
	Name      string `yaml:"name"`
	Addr      string `yaml:"addr"`
	ProbePort int    `yaml:"probe_port"`
}

// Timings holds every interval and deadline of the control plane.
type Timings struct {
	HeartbeatInterval     time.Duration `yaml:"heartbeat_interval"`
	HeartbeatTimeout      time.Duration `yaml:"heartbeat_timeout"`
	MissedHeartbeats      int           `yaml:"missed_heartbeats"`
	HealthGracePeriod     time.Duration `yaml:"health_grace_period"`
	SyncPollInterval      time.Duration `yaml:"sync_poll_interval"`
	ReconcileInterval     time.Duration `yaml:"reconcile_interval"`
	FailoverTimeout       time.Duration `yaml:"failover_timeout"`
	ProbeInterval         time.Duration `yaml:"probe_interval"`
	ProbeFailureThreshold int           `yaml:"probe_failure_threshold"`
}

// Thresholds bound synchronization health.
type Thresholds struct {
	MaxSendQueue int64         `yaml:"max_send_queue"`
	MaxRedoQueue int64         `yaml:"max_redo_queue"`
	MaxAsyncLag  time.Duration `yaml:"max_async_lag"`
}

// EngineConfig selects the replication engine adapter.
type EngineConfig struct {
	Kind string `yaml:"kind"`
	// DSNs maps node ID to the connection string of that node's database.
	DSNs map[string]string `yaml:"dsns,omitempty"`
	// ReplicationUser is used by the postgres adapter when re-pointing standbys.
	ReplicationUser string `yaml:"replication_user,omitempty"`
}

// APIConfig configures the operator API.
type APIConfig struct {
	Listen    string        `yaml:"listen"`
	TokenTTL  time.Duration `yaml:"token_ttl"`
	JWTSecret string        `yaml:"-"`
	TLS       *TLSConfig    `yaml:"tls,omitempty"`
}

// TLSConfig serves the operator API over TLS. Either a certificate pair or
// self_signed must be set.
type TLSConfig struct {
	CertFile          string   `yaml:"cert_file"`
	KeyFile           string   `yaml:"key_file"`
	ClientCAFile      string   `yaml:"client_ca_file,omitempty"`
	RequireClientCert bool     `yaml:"require_client_cert,omitempty"`
	SelfSigned        bool     `yaml:"self_signed,omitempty"`
	Hosts             []string `yaml:"hosts,omitempty"`
}

// AuditConfig configures event retention.
type AuditConfig struct {
	JournalDir string        `yaml:"journal_dir"`
	BufferSize int           `yaml:"buffer_size"`
	Archive    ArchiveConfig `yaml:"archive"`
}

// ArchiveConfig configures periodic upload of audit segments to S3.
type ArchiveConfig struct {
	Enabled  bool          `yaml:"enabled"`
	Bucket   string        `yaml:"bucket"`
	Prefix   string        `yaml:"prefix"`
	Region   string        `yaml:"region"`
	Endpoint string        `yaml:"endpoint,omitempty"` // S3-compatible endpoint override
	Interval time.Duration `yaml:"interval"`
}

// LoggingConfig sets the log level.
type LoggingConfig struct {
	Level string `yaml:"level"`
}

// Load reads, defaults and validates a config file. Environment overrides
// are applied after parsing.
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, ErrNoConfigPath
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	return Parse(data)
}

// Parse decodes YAML, applies defaults and environment overrides, and validates.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	cfg.ApplyDefaults()
	cfg.ApplyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnv copies environment overrides into the config.
func (c *Config) ApplyEnv() {
	if v := os.Getenv(EnvJWTSecret); v != "" {
		c.API.JWTSecret = v
	}
	if v := os.Getenv(EnvLogLevel); v != "" {
		c.Logging.Level = v
	}
}

// Node returns the node config with id.
func (c *Config) Node(id string) (NodeConfig, bool) {
	for _, n := range c.Nodes {
		if n.ID == id {
			return n, true
		}
	}
	return NodeConfig{}, false
}
