package service

import (
	"sync"
	"time"

	"go.uber.org/zap"
)

// TombstoneCleaner periodically purges old tombstones and expired entries of a
// node and refreshes its entry memory gauge
type TombstoneCleaner struct {
	cache    *CacheService
	ttl      time.Duration
	interval time.Duration
	stopChan chan struct{}
	once     sync.Once
	wg       sync.WaitGroup
	logger   *zap.Logger
}

// NewTombstoneCleaner creates a cleaner. Zero durations fall back to defaults.
func NewTombstoneCleaner(cache *CacheService, ttl, interval time.Duration, logger *zap.Logger) *TombstoneCleaner {
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	if interval <= 0 {
		interval = time.Minute
	}

	return &TombstoneCleaner{
		cache:    cache,
		ttl:      ttl,
		interval: interval,
		stopChan: make(chan struct{}),
		logger:   logger,
	}
}

// Start launches the cleanup loop
func (c *TombstoneCleaner) Start() {
	c.wg.Add(1)
	go c.run()
}

func (c *TombstoneCleaner) run() {
	defer c.wg.Done()

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.RunOnce()
		case <-c.stopChan:
			return
		}
	}
}

// RunOnce performs a single purge pass and returns the number of purged entries
func (c *TombstoneCleaner) RunOnce() int {
	purged := c.cache.PurgeTombstones(c.ttl)
	if purged > 0 {
		c.logger.Debug("Purged tombstones",
			zap.String("node_id", c.cache.Node().ID),
			zap.Int("purged", purged))
	}

	if _, err := c.cache.MemoryUsage(); err != nil {
		c.logger.Warn("Failed to compute entry memory",
			zap.String("node_id", c.cache.Node().ID),
			zap.Error(err))
	}
	return purged
}

// Stop ends the loop and waits for it to exit
func (c *TombstoneCleaner) Stop() {
	c.once.Do(func() {
		close(c.stopChan)
	})
	c.wg.Wait()
}
