package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/devrev/gridcache/internal/algorithm"
	"github.com/devrev/gridcache/internal/model"
)

// Config represents the grid node configuration
type Config struct {
	Server      ServerConfig      `mapstructure:"server"`
	Node        NodeConfig        `mapstructure:"node"`
	Grid        GridConfig        `mapstructure:"grid"`
	Cache       CacheConfig       `mapstructure:"cache"`
	Affinity    AffinityConfig    `mapstructure:"affinity"`
	Memory      MemoryConfig      `mapstructure:"memory"`
	Conflict    ConflictConfig    `mapstructure:"conflict"`
	Replication ReplicationConfig `mapstructure:"replication"`
	Rebalance   RebalanceConfig   `mapstructure:"rebalance"`
	Tombstone   TombstoneConfig   `mapstructure:"tombstone"`
	Store       StoreConfig       `mapstructure:"store"`
	Gossip      GossipConfig      `mapstructure:"gossip"`
	Metrics     MetricsConfig     `mapstructure:"metrics"`
	Logging     LoggingConfig     `mapstructure:"logging"`
}

// ServerConfig represents HTTP server configuration
type ServerConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// NodeConfig describes the local node
type NodeConfig struct {
	ID           string `mapstructure:"id"`
	Role         string `mapstructure:"role"` // server or router
	Host         string `mapstructure:"host"`
	DataCenterID uint8  `mapstructure:"data_center_id"`
	Client       bool   `mapstructure:"client"`
}

// GridConfig configures the embedded grid of the server role
type GridConfig struct {
	Nodes int `mapstructure:"nodes"` // In-process server nodes started at boot
}

// CacheConfig represents the cache settings
type CacheConfig struct {
	Name         string `mapstructure:"name"`
	Mode         string `mapstructure:"mode"`
	Partitions   int    `mapstructure:"partitions"`
	Backups      int    `mapstructure:"backups"`
	NearEnabled  bool   `mapstructure:"near_enabled"`
	WriteSync    string `mapstructure:"write_sync"`
	ReadThrough  bool   `mapstructure:"read_through"`
	WriteThrough bool   `mapstructure:"write_through"`
}

// AffinityConfig configures partition assignment
type AffinityConfig struct {
	ExcludeNeighbors bool `mapstructure:"exclude_neighbors"`
	Parallelism      int  `mapstructure:"parallelism"`
	HistorySize      int  `mapstructure:"history_size"`
}

// MemoryConfig holds the footprint model constants
type MemoryConfig struct {
	EntryOverhead  int `mapstructure:"entry_overhead"`
	DHTOverhead    int `mapstructure:"dht_overhead"`
	NearOverhead   int `mapstructure:"near_overhead"`
	ReaderOverhead int `mapstructure:"reader_overhead"`
	NullValueSize  int `mapstructure:"null_value_size"`
	TTLExtrasSize  int `mapstructure:"ttl_extras_size"`
}

// ConflictConfig configures conflict resolution
type ConflictConfig struct {
	Tiebreak string `mapstructure:"tiebreak"`
}

// ReplicationConfig configures backup and near reader propagation
type ReplicationConfig struct {
	Workers   int           `mapstructure:"workers"`
	QueueSize int           `mapstructure:"queue_size"`
	Timeout   time.Duration `mapstructure:"timeout"`
}

// RebalanceConfig configures partition supply after topology changes
type RebalanceConfig struct {
	Enabled     bool    `mapstructure:"enabled"`
	RateLimit   float64 `mapstructure:"rate_limit"` // Entries per second, 0 disables throttling
	Burst       int     `mapstructure:"burst"`
	Parallelism int     `mapstructure:"parallelism"`
}

// TombstoneConfig configures tombstone garbage collection
type TombstoneConfig struct {
	TTL      time.Duration `mapstructure:"ttl"`
	Interval time.Duration `mapstructure:"interval"`
}

// StoreConfig selects the read-through/write-through store
type StoreConfig struct {
	Type     string         `mapstructure:"type"` // none, memory, redis, postgres
	Redis    RedisConfig    `mapstructure:"redis"`
	Postgres PostgresConfig `mapstructure:"postgres"`
}

// RedisConfig represents Redis store configuration
type RedisConfig struct {
	Host       string        `mapstructure:"host"`
	Port       int           `mapstructure:"port"`
	Password   string        `mapstructure:"password"`
	DB         int           `mapstructure:"db"`
	PoolSize   int           `mapstructure:"pool_size"`
	KeyPrefix  string        `mapstructure:"key_prefix"`
	Expiration time.Duration `mapstructure:"expiration"`
}

// PostgresConfig represents PostgreSQL store configuration
type PostgresConfig struct {
	Host           string `mapstructure:"host"`
	Port           int    `mapstructure:"port"`
	Database       string `mapstructure:"database"`
	User           string `mapstructure:"user"`
	Password       string `mapstructure:"password"`
	Table          string `mapstructure:"table"`
	MaxConnections int32  `mapstructure:"max_connections"`
}

// ConnString builds the pgx connection string
func (c PostgresConfig) ConnString() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s", c.User, c.Password, c.Host, c.Port, c.Database)
}

// GossipConfig configures memberlist discovery. Routers always gossip,
// servers advertise their grid nodes only when Enabled.
type GossipConfig struct {
	Enabled  bool     `mapstructure:"enabled"`
	BindAddr string   `mapstructure:"bind_addr"`
	BindPort int      `mapstructure:"bind_port"`
	Seeds    []string `mapstructure:"seeds"`
}

// MetricsConfig represents Prometheus metrics configuration
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Path    string `mapstructure:"path"`
}

// LoggingConfig represents logging configuration
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return errors.New("server.port must be between 1 and 65535")
	}
	if c.Node.ID == "" {
		return errors.New("node.id is required")
	}
	if c.Node.Role != "server" && c.Node.Role != "router" {
		return errors.New("node.role must be one of: server, router")
	}
	if c.Cache.Partitions <= 0 {
		return errors.New("cache.partitions must be positive")
	}
	if c.Cache.Backups < 0 {
		return errors.New("cache.backups must not be negative")
	}
	if _, err := model.ParseCacheMode(c.Cache.Mode); err != nil {
		return fmt.Errorf("cache.mode: %w", err)
	}
	if _, err := model.ParseWriteSyncMode(c.Cache.WriteSync); err != nil {
		return fmt.Errorf("cache.write_sync: %w", err)
	}
	if _, err := algorithm.ParseTiebreakPolicy(c.Conflict.Tiebreak); err != nil {
		return fmt.Errorf("conflict.tiebreak: %w", err)
	}
	if c.Affinity.HistorySize <= 0 {
		return errors.New("affinity.history_size must be positive")
	}
	if c.Memory.EntryOverhead < 0 || c.Memory.DHTOverhead < 0 || c.Memory.NearOverhead < 0 ||
		c.Memory.ReaderOverhead < 0 || c.Memory.NullValueSize < 0 || c.Memory.TTLExtrasSize < 0 {
		return errors.New("memory overheads must not be negative")
	}
	if c.Node.Role == "server" && c.Grid.Nodes <= 0 {
		return errors.New("grid.nodes must be positive for the server role")
	}
	if c.Node.Role == "router" && len(c.Gossip.Seeds) == 0 {
		return errors.New("gossip.seeds is required for the router role")
	}
	switch c.Store.Type {
	case "", "none", "memory":
	case "redis":
		if c.Store.Redis.Host == "" {
			return errors.New("store.redis.host is required")
		}
	case "postgres":
		if c.Store.Postgres.Host == "" || c.Store.Postgres.Database == "" {
			return errors.New("store.postgres.host and store.postgres.database are required")
		}
	default:
		return errors.New("store.type must be one of: none, memory, redis, postgres")
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
	return nil
}

// CacheSettings converts the cache section into core settings. Call after Validate.
func (c *Config) CacheSettings() model.CacheSettings {
	mode, _ := model.ParseCacheMode(c.Cache.Mode)
	writeSync, _ := model.ParseWriteSyncMode(c.Cache.WriteSync)
	return model.CacheSettings{
		Name:         c.Cache.Name,
		Mode:         mode,
		Partitions:   c.Cache.Partitions,
		Backups:      c.Cache.Backups,
		NearEnabled:  c.Cache.NearEnabled,
		WriteSync:    writeSync,
		ReadThrough:  c.Cache.ReadThrough,
		WriteThrough: c.Cache.WriteThrough,
	}
}

// MemoryOverheads converts the memory section into model constants
func (c *Config) MemoryOverheads() algorithm.MemoryOverheads {
	return algorithm.MemoryOverheads{
		EntryOverhead:  c.Memory.EntryOverhead,
		DHTOverhead:    c.Memory.DHTOverhead,
		NearOverhead:   c.Memory.NearOverhead,
		ReaderOverhead: c.Memory.ReaderOverhead,
		NullValueSize:  c.Memory.NullValueSize,
		TTLExtrasSize:  c.Memory.TTLExtrasSize,
	}
}

// DefaultConfig returns default configuration values
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:            "0.0.0.0",
			Port:            8080,
			ReadTimeout:     10 * time.Second,
			WriteTimeout:    10 * time.Second,
			ShutdownTimeout: 30 * time.Second,
		},
		Node: NodeConfig{
			ID:   "gridnode-1",
			Role: "server",
		},
		Grid: GridConfig{
			Nodes: 3,
		},
		Cache: CacheConfig{
			Name:       "default",
			Mode:       string(model.CacheModePartitioned),
			Partitions: 1024,
			Backups:    1,
			WriteSync:  string(model.WriteSyncPrimary),
		},
		Affinity: AffinityConfig{
			Parallelism: 4,
			HistorySize: 16,
		},
		Memory: MemoryConfig{
			EntryOverhead:  algorithm.DefaultEntryOverhead,
			DHTOverhead:    algorithm.DefaultDHTOverhead,
			NearOverhead:   algorithm.DefaultNearOverhead,
			ReaderOverhead: algorithm.DefaultReaderOverhead,
			NullValueSize:  algorithm.DefaultNullValueSize,
			TTLExtrasSize:  algorithm.DefaultTTLExtrasSize,
		},
		Conflict: ConflictConfig{
			Tiebreak: string(algorithm.TiebreakWallClock),
		},
		Replication: ReplicationConfig{
			Workers:   8,
			QueueSize: 1024,
			Timeout:   5 * time.Second,
		},
		Rebalance: RebalanceConfig{
			Enabled:     true,
			RateLimit:   0,
			Burst:       512,
			Parallelism: 4,
		},
		Tombstone: TombstoneConfig{
			TTL:      10 * time.Minute,
			Interval: time.Minute,
		},
		Store: StoreConfig{
			Type: "none",
			Redis: RedisConfig{
				Host:      "localhost",
				Port:      6379,
				PoolSize:  50,
				KeyPrefix: "gridcache:",
			},
			Postgres: PostgresConfig{
				Host:           "localhost",
				Port:           5432,
				Database:       "gridcache",
				User:           "gridcache",
				Table:          "cache_entries",
				MaxConnections: 10,
			},
		},
		Gossip: GossipConfig{
			BindAddr: "0.0.0.0",
			BindPort: 7946,
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Path:    "/metrics",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
}
