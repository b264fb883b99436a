package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/viper"
)

// Load loads configuration from an optional YAML file and environment variables
func Load(configPath string) (*Config, error) {
	cfg := DefaultConfig()

	if configPath != "" {
		v := viper.New()
		v.SetConfigFile(configPath)
		v.SetConfigType("yaml")

		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", configPath, err)
		}
		if err := v.Unmarshal(cfg); err != nil {
			return nil, fmt.Errorf("failed to unmarshal config: %w", err)
		}
	}

	// Environment variables take precedence over the file
	applyEnvironmentOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

// applyEnvironmentOverrides applies environment variable overrides to config
func applyEnvironmentOverrides(cfg *Config) {
	// Node
	if nodeID := os.Getenv("GRIDCACHE_NODE_ID"); nodeID != "" {
		cfg.Node.ID = nodeID
	}
	if role := os.Getenv("GRIDCACHE_ROLE"); role != "" {
		cfg.Node.Role = role
	}
	if port := os.Getenv("SERVER_PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			cfg.Server.Port = p
		}
	}

	// Cache
	if partitions := os.Getenv("GRIDCACHE_PARTITIONS"); partitions != "" {
		if p, err := strconv.Atoi(partitions); err == nil {
			cfg.Cache.Partitions = p
		}
	}
	if backups := os.Getenv("GRIDCACHE_BACKUPS"); backups != "" {
		if b, err := strconv.Atoi(backups); err == nil {
			cfg.Cache.Backups = b
		}
	}
	if mode := os.Getenv("GRIDCACHE_CACHE_MODE"); mode != "" {
		cfg.Cache.Mode = mode
	}

	// Store
	if storeType := os.Getenv("GRIDCACHE_STORE_TYPE"); storeType != "" {
		cfg.Store.Type = storeType
	}
	if redisHost := os.Getenv("REDIS_HOST"); redisHost != "" {
		cfg.Store.Redis.Host = redisHost
	}
	if redisPort := os.Getenv("REDIS_PORT"); redisPort != "" {
		if p, err := strconv.Atoi(redisPort); err == nil {
			cfg.Store.Redis.Port = p
		}
	}
	if redisPassword := os.Getenv("REDIS_PASSWORD"); redisPassword != "" {
		cfg.Store.Redis.Password = redisPassword
	}
	if dbHost := os.Getenv("DATABASE_HOST"); dbHost != "" {
		cfg.Store.Postgres.Host = dbHost
	}
	if dbName := os.Getenv("DATABASE_NAME"); dbName != "" {
		cfg.Store.Postgres.Database = dbName
	}
	if dbUser := os.Getenv("DATABASE_USER"); dbUser != "" {
		cfg.Store.Postgres.User = dbUser
	}
	if dbPassword := os.Getenv("DATABASE_PASSWORD"); dbPassword != "" {
		cfg.Store.Postgres.Password = dbPassword
	}

	// Gossip
	if seeds := os.Getenv("GRIDCACHE_GOSSIP_SEEDS"); seeds != "" {
		cfg.Gossip.Seeds = strings.Split(seeds, ",")
	}
	if enabled := os.Getenv("GRIDCACHE_GOSSIP_ENABLED"); enabled != "" {
		if b, err := strconv.ParseBool(enabled); err == nil {
			cfg.Gossip.Enabled = b
		}
	}

	// Logging
	if logLevel := os.Getenv("LOG_LEVEL"); logLevel != "" {
		cfg.Logging.Level = logLevel
	}
}
