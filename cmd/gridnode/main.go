package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/devrev/gridcache/internal/algorithm"
	"github.com/devrev/gridcache/internal/config"
	"github.com/devrev/gridcache/internal/handler"
	"github.com/devrev/gridcache/internal/metrics"
	"github.com/devrev/gridcache/internal/model"
	"github.com/devrev/gridcache/internal/server"
	"github.com/devrev/gridcache/internal/service"
	"github.com/devrev/gridcache/internal/store"
)

func main() {
	cfg, err := config.Load(os.Getenv("CONFIG_PATH"))
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	logger, err := newLogger(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	logger.Info("Starting grid node",
		zap.String("node_id", cfg.Node.ID),
		zap.String("role", cfg.Node.Role),
		zap.String("cache", cfg.Cache.Name),
		zap.String("mode", cfg.Cache.Mode),
		zap.Int("partitions", cfg.Cache.Partitions),
		zap.Int("backups", cfg.Cache.Backups))

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.NewMetrics(reg)

	var (
		srv      *server.Server
		shutdown []func() error
	)

	switch cfg.Node.Role {
	case "server":
		grid, stop, err := startServer(cfg, m, logger)
		if err != nil {
			logger.Fatal("Failed to start grid", zap.Error(err))
		}
		shutdown = append(shutdown, stop...)
		srv = server.NewServer(cfg, handler.GridRouter(grid), grid, reg, logger)
	case "router":
		router, source, err := startRouter(cfg, m, logger)
		if err != nil {
			logger.Fatal("Failed to start router", zap.Error(err))
		}
		shutdown = append(shutdown, source.Stop)
		srv = server.NewServer(cfg, func() (*service.Router, error) { return router, nil }, nil, reg, logger)
	}

	serverErrors := make(chan error, 1)
	go func() {
		serverErrors <- srv.Start()
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-serverErrors:
		logger.Error("Server error", zap.Error(err))
	case sig := <-sigChan:
		logger.Info("Received signal", zap.String("signal", sig.String()))
	}

	logger.Info("Shutting down gracefully")

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		logger.Warn("HTTP server shutdown failed", zap.Error(err))
	}

	// Stop in reverse start order
	for i := len(shutdown) - 1; i >= 0; i-- {
		if err := shutdown[i](); err != nil {
			logger.Warn("Shutdown step failed", zap.Error(err))
		}
	}

	logger.Info("Grid node stopped")
}

func newLogger(cfg config.LoggingConfig) (*zap.Logger, error) {
	var zc zap.Config
	if cfg.Format == "console" {
		zc = zap.NewDevelopmentConfig()
	} else {
		zc = zap.NewProductionConfig()
	}

	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", cfg.Level, err)
	}
	zc.Level = zap.NewAtomicLevelAt(level)
	return zc.Build()
}

// startServer boots the embedded grid with grid.nodes members
func startServer(cfg *config.Config, m *metrics.Metrics, logger *zap.Logger) (*service.Grid, []func() error, error) {
	var stop []func() error

	st, err := newStore(cfg, logger)
	if err != nil {
		return nil, nil, err
	}
	if st != nil {
		stop = append(stop, st.Close)
	}

	tiebreak, err := algorithm.ParseTiebreakPolicy(cfg.Conflict.Tiebreak)
	if err != nil {
		return nil, nil, err
	}

	grid, err := service.NewGrid(service.GridConfig{
		Settings:         cfg.CacheSettings(),
		ExcludeNeighbors: cfg.Affinity.ExcludeNeighbors,
		Parallelism:      cfg.Affinity.Parallelism,
		HistorySize:      cfg.Affinity.HistorySize,
		Overheads:        cfg.MemoryOverheads(),
		Tiebreak:         tiebreak,
		Store:            st,
		Replication: service.ReplicationConfig{
			Workers:   cfg.Replication.Workers,
			QueueSize: cfg.Replication.QueueSize,
			Timeout:   cfg.Replication.Timeout,
		},
		Rebalance: service.RebalanceConfig{
			Disabled:    !cfg.Rebalance.Enabled,
			RateLimit:   cfg.Rebalance.RateLimit,
			Burst:       cfg.Rebalance.Burst,
			Parallelism: cfg.Rebalance.Parallelism,
		},
		TombstoneTTL:      cfg.Tombstone.TTL,
		TombstoneInterval: cfg.Tombstone.Interval,
		StopTimeout:       cfg.Server.ShutdownTimeout,
	}, m, logger)
	if err != nil {
		return nil, nil, err
	}
	grid.Start()
	stop = append(stop, grid.Stop)

	ctx := context.Background()
	for i := 1; i <= cfg.Grid.Nodes; i++ {
		if _, err := grid.AddNode(ctx, service.NodeOptions{
			ID:           fmt.Sprintf("%s-%d", cfg.Node.ID, i),
			Host:         cfg.Node.Host,
			DataCenterID: cfg.Node.DataCenterID,
		}); err != nil {
			return nil, nil, err
		}
	}
	if cfg.Node.Client {
		if _, err := grid.AddNode(ctx, service.NodeOptions{
			ID:           cfg.Node.ID + "-client",
			Host:         cfg.Node.Host,
			DataCenterID: cfg.Node.DataCenterID,
			Client:       true,
		}); err != nil {
			return nil, nil, err
		}
	}

	if cfg.Gossip.Enabled {
		advertiser, err := advertiseGrid(cfg, grid, logger)
		if err != nil {
			return nil, nil, err
		}
		stop = append(stop, advertiser)
	}
	return grid, stop, nil
}

// advertiseGrid gossips the grid's server nodes so routers can build the same topology
func advertiseGrid(cfg *config.Config, grid *service.Grid, logger *zap.Logger) (func() error, error) {
	source, err := service.NewGossipTopologySource(gossipConfig(cfg), serverNodes(grid.Topology()), logger)
	if err != nil {
		return nil, err
	}
	if err := source.Start(); err != nil {
		return nil, err
	}

	done := make(chan struct{})
	go func() {
		ticker := time.NewTicker(time.Second)
		defer ticker.Stop()

		advertised := grid.Topology().Version
		for {
			select {
			case <-ticker.C:
				topology := grid.Topology()
				if topology == nil || topology.Version == advertised {
					continue
				}
				if err := source.SetLocalNodes(serverNodes(topology)); err != nil {
					logger.Warn("Failed to advertise grid nodes", zap.Error(err))
					continue
				}
				advertised = topology.Version
			case <-done:
				return
			}
		}
	}()

	return func() error {
		close(done)
		return source.Stop()
	}, nil
}

// startRouter follows the servers' topology over gossip and routes without holding data
func startRouter(cfg *config.Config, m *metrics.Metrics, logger *zap.Logger) (*service.Router, *service.GossipTopologySource, error) {
	settings := cfg.CacheSettings()

	mapper, err := algorithm.NewPartitionMapper(settings.Partitions)
	if err != nil {
		return nil, nil, err
	}
	opts := []algorithm.RendezvousOption{algorithm.WithParallelism(cfg.Affinity.Parallelism)}
	if cfg.Affinity.ExcludeNeighbors {
		opts = append(opts, algorithm.WithExcludeNeighbors())
	}
	affinity, err := algorithm.NewRendezvousAffinity(settings.Partitions, opts...)
	if err != nil {
		return nil, nil, err
	}

	assignments := service.NewAssignmentService(affinity, settings.EffectiveBackups(), cfg.Affinity.HistorySize, m, logger)
	router := service.NewRouter(mapper, assignments)

	source, err := service.NewGossipTopologySource(gossipConfig(cfg), nil, logger)
	if err != nil {
		return nil, nil, err
	}
	source.Subscribe(func(topology *model.TopologySnapshot) {
		if _, err := assignments.OnTopologyChanged(context.Background(), topology); err != nil {
			logger.Error("Failed to assign partitions",
				zap.Int64("topology_version", topology.Version),
				zap.Error(err))
			return
		}
		// Routers keep only the history window
		if versions := assignments.Versions(); len(versions) > cfg.Affinity.HistorySize {
			assignments.DiscardBefore(versions[len(versions)-cfg.Affinity.HistorySize])
		}
	})
	if err := source.Start(); err != nil {
		return nil, nil, err
	}
	return router, source, nil
}

func gossipConfig(cfg *config.Config) service.GossipConfig {
	return service.GossipConfig{
		NodeName: cfg.Node.ID,
		BindAddr: cfg.Gossip.BindAddr,
		BindPort: cfg.Gossip.BindPort,
		Seeds:    cfg.Gossip.Seeds,
	}
}

func serverNodes(topology *model.TopologySnapshot) []*model.Node {
	if topology == nil {
		return nil
	}
	return topology.ServerNodes()
}

func newStore(cfg *config.Config, logger *zap.Logger) (store.Store, error) {
	switch cfg.Store.Type {
	case "memory":
		return store.NewMemoryStore(), nil
	case "redis":
		return store.NewRedisStore(store.RedisOptions{
			Host:       cfg.Store.Redis.Host,
			Port:       cfg.Store.Redis.Port,
			Password:   cfg.Store.Redis.Password,
			DB:         cfg.Store.Redis.DB,
			PoolSize:   cfg.Store.Redis.PoolSize,
			KeyPrefix:  cfg.Store.Redis.KeyPrefix,
			Expiration: cfg.Store.Redis.Expiration,
		}, logger)
	case "postgres":
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		pg := cfg.Store.Postgres
		return store.NewPostgresStore(ctx, pg.ConnString(), pg.Table, pg.MaxConnections, logger)
	default:
		return nil, nil
	}
}
