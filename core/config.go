package core

import (
	"bytes"
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all configuration options for a distributed memory coordinator.
// It supports three-layer configuration priority:
//  1. Default values (lowest priority)
//  2. Environment variables (medium priority)
//  3. Functional options (highest priority)
//
// Example usage:
//
//	cfg, err := core.NewConfig(
//	    core.WithAgentID("agent-7"),
//	    core.WithTopology(core.TopologyMesh, 3),
//	    core.WithGossipInterval(5*time.Second),
//	)
type Config struct {
	// AgentID identifies the local agent. Required.
	AgentID string `yaml:"agent_id"`

	// Address is the network address peers use to reach this node.
	Address string `yaml:"address"`

	Topology    TopologyConfig    `yaml:"topology"`
	Sharding    ShardingConfig    `yaml:"sharding"`
	Gossip      GossipConfig      `yaml:"gossip"`
	Compression CompressionConfig `yaml:"compression"`
	Conflict    ConflictConfig    `yaml:"conflict"`
	Registry    RegistryConfig    `yaml:"registry"`
	Logging     LoggingConfig     `yaml:"logging"`
	Telemetry   TelemetryConfig   `yaml:"telemetry"`

	// loadErr records a config-file failure so it surfaces from Validate
	// instead of being swallowed inside an option.
	loadErr error
}

// TopologyConfig governs replica counts and read consistency for the swarm.
// Immutable for a running coordinator except through controlled reconfiguration.
type TopologyConfig struct {
	Type              TopologyType     `yaml:"type"`
	ReplicationFactor int              `yaml:"replication_factor"`
	ConsistencyLevel  ConsistencyLevel `yaml:"consistency_level"`
	// StalenessBound is the maximum lag a bounded_staleness read tolerates
	// before forcing a synchronous exchange with the primary.
	StalenessBound time.Duration `yaml:"staleness_bound"`
}

// ShardingConfig controls key partitioning.
type ShardingConfig struct {
	Strategy PartitionStrategy `yaml:"strategy"`
	// ShardCount is the number of hash buckets the key space is divided into.
	ShardCount int `yaml:"shard_count"`
	// VirtualNodes per physical node on the consistent-hash ring.
	VirtualNodes int `yaml:"virtual_nodes"`
	// MigrationRetries bounds per-task retry attempts before a migration is
	// reported as failed. Ownership stays at the source until confirmation.
	MigrationRetries int           `yaml:"migration_retries"`
	MigrationBackoff time.Duration `yaml:"migration_backoff"`
}

// GossipConfig holds configuration for the epidemic dissemination loop.
type GossipConfig struct {
	Fanout         int           `yaml:"fanout"`
	GossipInterval time.Duration `yaml:"gossip_interval"`
	MaxTTL         int           `yaml:"max_ttl"`
	SyncInterval   time.Duration `yaml:"sync_interval"`
	RoundTimeout   time.Duration `yaml:"round_timeout"`
	// CompressionThreshold in bytes; messages above it are compressed.
	// Zero disables compression on the wire.
	CompressionThreshold int  `yaml:"compression_threshold"`
	AdaptiveGossip       bool `yaml:"adaptive_gossip"`
	// SuspectRounds is the number of consecutive failed rounds before a peer
	// is removed from the fanout candidate pool.
	SuspectRounds int `yaml:"suspect_rounds"`
	// MaxPendingDeltas bounds the per-peer outstanding delta queue.
	MaxPendingDeltas int `yaml:"max_pending_deltas"`
}

// CompressionConfig controls payload compression and fingerprint dedup.
type CompressionConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Algorithm string `yaml:"algorithm"` // gzip | flate
	// DedupCacheSize is the max number of delta fingerprints remembered.
	DedupCacheSize int64 `yaml:"dedup_cache_size"`
}

// ConflictConfig selects the resolution strategy for non-CRDT writes.
type ConflictConfig struct {
	Strategy string `yaml:"strategy"` // lww | semantic | operational_transform
}

// RegistryConfig configures the optional Redis node registry.
type RegistryConfig struct {
	Enabled           bool          `yaml:"enabled"`
	RedisURL          string        `yaml:"redis_url"`
	Namespace         string        `yaml:"namespace"`
	TTL               time.Duration `yaml:"ttl"`
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
}

// LoggingConfig controls log output.
type LoggingConfig struct {
	Level string `yaml:"level"`
}

// TelemetryConfig contains observability configuration. Optional module; only
// initialized when Enabled=true.
type TelemetryConfig struct {
	Enabled     bool   `yaml:"enabled"`
	Endpoint    string `yaml:"endpoint"`
	ServiceName string `yaml:"service_name"`
}

// Option is a functional configuration option
type Option func(*Config)

// DefaultConfig returns a config with sane defaults before env and option
// layers are applied. Defaults track the development preset.
func DefaultConfig() *Config {
	return &Config{
		Topology: TopologyConfig{
			Type:              TopologyMesh,
			ReplicationFactor: 3,
			ConsistencyLevel:  ConsistencyEventual,
			StalenessBound:    10 * time.Second,
		},
		Sharding: ShardingConfig{
			Strategy:         PartitionConsistentHash,
			ShardCount:       64,
			VirtualNodes:     16,
			MigrationRetries: 5,
			MigrationBackoff: 500 * time.Millisecond,
		},
		Gossip: GossipConfig{
			Fanout:           3,
			GossipInterval:   5000 * time.Millisecond,
			MaxTTL:           10,
			SyncInterval:     30000 * time.Millisecond,
			RoundTimeout:     2 * time.Second,
			SuspectRounds:    3,
			MaxPendingDeltas: 1024,
		},
		Compression: CompressionConfig{
			Enabled:        false,
			Algorithm:      "gzip",
			DedupCacheSize: 10000,
		},
		Conflict: ConflictConfig{
			Strategy: "lww",
		},
		Registry: RegistryConfig{
			Namespace:         "swarmmem",
			TTL:               30 * time.Second,
			HeartbeatInterval: 10 * time.Second,
		},
		Logging: LoggingConfig{
			Level: "INFO",
		},
		Telemetry: TelemetryConfig{
			ServiceName: "swarmmem",
		},
	}
}

// DevelopmentPreset returns the development preset: mesh topology,
// replication factor 3, eventual consistency, fanout 3, 5s gossip interval,
// TTL 10, 30s sync interval, LWW resolution.
func DevelopmentPreset() *Config {
	cfg := DefaultConfig()
	cfg.Topology.Type = TopologyMesh
	cfg.Topology.ReplicationFactor = 3
	cfg.Topology.ConsistencyLevel = ConsistencyEventual
	cfg.Gossip.Fanout = 3
	cfg.Gossip.GossipInterval = 5000 * time.Millisecond
	cfg.Gossip.MaxTTL = 10
	cfg.Gossip.SyncInterval = 30000 * time.Millisecond
	cfg.Gossip.AdaptiveGossip = false
	cfg.Gossip.CompressionThreshold = 0
	cfg.Conflict.Strategy = "lww"
	return cfg
}

// ProductionPreset returns the production preset: hierarchical topology,
// replication factor 5, bounded-staleness consistency, fanout 5, 3s gossip
// interval, TTL 15, 20s sync interval, 512-byte compression threshold,
// adaptive gossip, semantic resolution.
func ProductionPreset() *Config {
	cfg := DefaultConfig()
	cfg.Topology.Type = TopologyHierarchical
	cfg.Topology.ReplicationFactor = 5
	cfg.Topology.ConsistencyLevel = ConsistencyBoundedStaleness
	cfg.Gossip.Fanout = 5
	cfg.Gossip.GossipInterval = 3000 * time.Millisecond
	cfg.Gossip.MaxTTL = 15
	cfg.Gossip.SyncInterval = 20000 * time.Millisecond
	cfg.Gossip.CompressionThreshold = 512
	cfg.Gossip.AdaptiveGossip = true
	cfg.Compression.Enabled = true
	cfg.Conflict.Strategy = "semantic"
	return cfg
}

// applyEnvironment overlays SWARMMEM_* environment variables onto the config.
func (c *Config) applyEnvironment() {
	if v := os.Getenv("SWARMMEM_AGENT_ID"); v != "" {
		c.AgentID = v
	}
	if v := os.Getenv("SWARMMEM_ADDRESS"); v != "" {
		c.Address = v
	}
	if v := os.Getenv("SWARMMEM_TOPOLOGY"); v != "" {
		c.Topology.Type = TopologyType(v)
	}
	if v := os.Getenv("SWARMMEM_REPLICATION_FACTOR"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Topology.ReplicationFactor = n
		}
	}
	if v := os.Getenv("SWARMMEM_CONSISTENCY"); v != "" {
		c.Topology.ConsistencyLevel = ConsistencyLevel(v)
	}
	if v := os.Getenv("SWARMMEM_GOSSIP_FANOUT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Gossip.Fanout = n
		}
	}
	if v := os.Getenv("SWARMMEM_GOSSIP_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.Gossip.GossipInterval = d
		}
	}
	if v := os.Getenv("SWARMMEM_REDIS_URL"); v != "" {
		c.Registry.RedisURL = v
		c.Registry.Enabled = true
	}
	if v := os.Getenv("SWARMMEM_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
	if v := os.Getenv("SWARMMEM_OTEL_ENDPOINT"); v != "" {
		c.Telemetry.Endpoint = v
		c.Telemetry.Enabled = true
	}
}

// LoadConfigFile reads YAML configuration into cfg. Unknown keys are rejected
// rather than silently accepted.
func LoadConfigFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return &MemoryError{Op: "config.LoadConfigFile", Kind: "config", Key: path, Err: err}
	}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return &MemoryError{Op: "config.LoadConfigFile", Kind: "config", Key: path,
			Err: fmt.Errorf("%w: %v", ErrInvalidConfiguration, err)}
	}
	return nil
}

// Validate checks if the configuration is valid and returns an error if not.
func (c *Config) Validate() error {
	if c.loadErr != nil {
		return c.loadErr
	}
	if c.AgentID == "" {
		return &MemoryError{Op: "Config.Validate", Kind: "config",
			Err: fmt.Errorf("%w: agent_id is required", ErrMissingConfiguration)}
	}
	switch c.Topology.Type {
	case TopologyMesh, TopologyHierarchical:
	default:
		return &MemoryError{Op: "Config.Validate", Kind: "config",
			Err: fmt.Errorf("%w: unknown topology type %q", ErrInvalidConfiguration, c.Topology.Type)}
	}
	switch c.Topology.ConsistencyLevel {
	case ConsistencyEventual, ConsistencyBoundedStaleness:
	default:
		return &MemoryError{Op: "Config.Validate", Kind: "config",
			Err: fmt.Errorf("%w: unknown consistency level %q", ErrInvalidConfiguration, c.Topology.ConsistencyLevel)}
	}
	switch c.Sharding.Strategy {
	case PartitionConsistentHash, PartitionHybrid:
	default:
		return &MemoryError{Op: "Config.Validate", Kind: "config",
			Err: fmt.Errorf("%w: unknown sharding strategy %q", ErrInvalidConfiguration, c.Sharding.Strategy)}
	}
	switch c.Conflict.Strategy {
	case "lww", "semantic", "operational_transform":
	default:
		return &MemoryError{Op: "Config.Validate", Kind: "config",
			Err: fmt.Errorf("%w: unknown conflict strategy %q", ErrInvalidConfiguration, c.Conflict.Strategy)}
	}
	if c.Topology.ReplicationFactor < 1 {
		return &MemoryError{Op: "Config.Validate", Kind: "config",
			Err: fmt.Errorf("%w: replication_factor must be >= 1", ErrInvalidConfiguration)}
	}
	if c.Sharding.ShardCount < 1 {
		return &MemoryError{Op: "Config.Validate", Kind: "config",
			Err: fmt.Errorf("%w: shard_count must be >= 1", ErrInvalidConfiguration)}
	}
	if c.Gossip.Fanout < 1 {
		return &MemoryError{Op: "Config.Validate", Kind: "config",
			Err: fmt.Errorf("%w: fanout must be >= 1", ErrInvalidConfiguration)}
	}
	if c.Gossip.MaxTTL < 1 {
		return &MemoryError{Op: "Config.Validate", Kind: "config",
			Err: fmt.Errorf("%w: max_ttl must be >= 1", ErrInvalidConfiguration)}
	}
	if c.Registry.Enabled && c.Registry.RedisURL == "" {
		return &MemoryError{Op: "Config.Validate", Kind: "config",
			Err: fmt.Errorf("%w: registry enabled without redis_url", ErrMissingConfiguration)}
	}
	return nil
}

// NewConfig builds a configuration by applying defaults, environment
// variables, and functional options in priority order, then validating.
func NewConfig(opts ...Option) (*Config, error) {
	cfg := DefaultConfig()
	cfg.applyEnvironment()
	for _, opt := range opts {
		opt(cfg)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// WithAgentID sets the local agent identity
func WithAgentID(id string) Option {
	return func(c *Config) {
		c.AgentID = id
	}
}

// WithAddress sets the externally reachable address of this node
func WithAddress(addr string) Option {
	return func(c *Config) {
		c.Address = addr
	}
}

// WithPreset replaces the whole configuration with a named preset, keeping
// AgentID and Address. Later options still override preset values.
func WithPreset(preset *Config) Option {
	return func(c *Config) {
		id, addr := c.AgentID, c.Address
		*c = *preset
		if id != "" {
			c.AgentID = id
		}
		if addr != "" {
			c.Address = addr
		}
	}
}

// WithTopology overrides topology type and replication factor
func WithTopology(t TopologyType, replicationFactor int) Option {
	return func(c *Config) {
		c.Topology.Type = t
		c.Topology.ReplicationFactor = replicationFactor
	}
}

// WithConsistency sets the read consistency level and staleness bound
func WithConsistency(level ConsistencyLevel, bound time.Duration) Option {
	return func(c *Config) {
		c.Topology.ConsistencyLevel = level
		if bound > 0 {
			c.Topology.StalenessBound = bound
		}
	}
}

// WithShardingStrategy selects the partitioning strategy
func WithShardingStrategy(s PartitionStrategy) Option {
	return func(c *Config) {
		c.Sharding.Strategy = s
	}
}

// WithGossip overrides the main gossip parameters
func WithGossip(fanout int, interval time.Duration, maxTTL int) Option {
	return func(c *Config) {
		c.Gossip.Fanout = fanout
		c.Gossip.GossipInterval = interval
		c.Gossip.MaxTTL = maxTTL
	}
}

// WithGossipInterval sets only the round interval
func WithGossipInterval(interval time.Duration) Option {
	return func(c *Config) {
		c.Gossip.GossipInterval = interval
	}
}

// WithAdaptiveGossip toggles convergence-driven fanout/interval adaptation
func WithAdaptiveGossip(enabled bool) Option {
	return func(c *Config) {
		c.Gossip.AdaptiveGossip = enabled
	}
}

// WithCompression enables payload compression above threshold bytes
func WithCompression(enabled bool, threshold int) Option {
	return func(c *Config) {
		c.Compression.Enabled = enabled
		c.Gossip.CompressionThreshold = threshold
	}
}

// WithConflictStrategy selects the conflict resolution strategy
func WithConflictStrategy(strategy string) Option {
	return func(c *Config) {
		c.Conflict.Strategy = strategy
	}
}

// WithRedisRegistry enables the Redis node registry
func WithRedisRegistry(redisURL string) Option {
	return func(c *Config) {
		c.Registry.Enabled = true
		c.Registry.RedisURL = redisURL
	}
}

// WithLogLevel sets the log level
func WithLogLevel(level string) Option {
	return func(c *Config) {
		c.Logging.Level = level
	}
}

// WithTelemetry enables OpenTelemetry export to the given OTLP endpoint
func WithTelemetry(enabled bool, endpoint string) Option {
	return func(c *Config) {
		c.Telemetry.Enabled = enabled
		c.Telemetry.Endpoint = endpoint
	}
}

// WithConfigFile loads YAML configuration from path. File values sit between
// environment variables and later functional options in priority.
func WithConfigFile(path string) Option {
	return func(c *Config) {
		if err := LoadConfigFile(path, c); err != nil {
			c.loadErr = err
		}
	}
}
