package service

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/devrev/gridcache/internal/algorithm"
	"github.com/devrev/gridcache/internal/metrics"
	"github.com/devrev/gridcache/internal/model"
	"github.com/devrev/gridcache/internal/util/workerpool"
)

// ReplicationService ships primary writes to backups and near readers.
// Under full_sync the write waits for every backup; otherwise updates go through
// a pool striped by partition so a backup sees one partition's updates in order.
type ReplicationService struct {
	selfID    string
	transport Transport
	pool      *workerpool.StripedPool
	writeSync model.WriteSyncMode
	calc      *algorithm.WriteSyncCalculator
	timeout   time.Duration
	metrics   *metrics.Metrics
	logger    *zap.Logger
}

// ReplicationConfig configures a ReplicationService
type ReplicationConfig struct {
	WriteSync model.WriteSyncMode
	Workers   int
	QueueSize int
	Timeout   time.Duration
}

// NewReplicationService creates a replication service and starts its workers
func NewReplicationService(
	selfID string,
	transport Transport,
	cfg ReplicationConfig,
	m *metrics.Metrics,
	logger *zap.Logger,
) *ReplicationService {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}

	return &ReplicationService{
		selfID:    selfID,
		transport: transport,
		pool: workerpool.New(workerpool.Config{
			Name:      "replication-" + selfID,
			Workers:   cfg.Workers,
			QueueSize: cfg.QueueSize,
			Logger:    logger,
		}),
		writeSync: cfg.WriteSync,
		calc:      algorithm.NewWriteSyncCalculator(),
		timeout:   cfg.Timeout,
		metrics:   m,
		logger:    logger,
	}
}

// Propagate sends an entry the primary just applied to its backups and readers
func (s *ReplicationService) Propagate(ctx context.Context, a *model.AffinityAssignment, entry *model.CacheEntry) {
	backups := make([]string, 0)
	for _, n := range a.BackupNodes(entry.Partition) {
		if n.ID != s.selfID {
			backups = append(backups, n.ID)
		}
	}

	if len(backups) > 0 {
		u := updateFrom(entry, model.UpdateBackup, a.TopologyVersion, s.selfID)
		if s.calc.WaitForBackups(s.writeSync) {
			s.sendAll(ctx, backups, u)
		} else {
			for _, id := range backups {
				s.enqueue(ctx, id, u)
			}
		}
	}

	// Readers are refreshed asynchronously in every mode
	if len(entry.Readers) > 0 {
		u := updateFrom(entry, model.UpdateNear, a.TopologyVersion, s.selfID)
		for _, id := range entry.Readers {
			if id != s.selfID {
				s.enqueue(ctx, id, u)
			}
		}
	}
}

func (s *ReplicationService) sendAll(ctx context.Context, nodeIDs []string, u *model.Update) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	var acked int32
	g, gctx := errgroup.WithContext(ctx)
	for _, id := range nodeIDs {
		g.Go(func() error {
			if err := s.send(gctx, id, u); err != nil {
				s.metrics.RecordReplicationFailure(string(u.Kind))
				s.logger.Warn("Backup update failed",
					zap.String("node_id", id),
					zap.Int("partition", u.Partition),
					zap.Error(err))
				return nil
			}
			atomic.AddInt32(&acked, 1)
			return nil
		})
	}
	_ = g.Wait()

	if !s.calc.IsSatisfied(s.writeSync, int(acked), len(nodeIDs)) {
		s.logger.Warn("Write completed without all backup acknowledgements",
			zap.Int("partition", u.Partition),
			zap.Int32("acked", acked),
			zap.Int("backups", len(nodeIDs)))
	}
}

func (s *ReplicationService) enqueue(ctx context.Context, nodeID string, u *model.Update) {
	err := s.pool.SubmitWithContext(ctx, workerpool.Task{
		ID:     fmt.Sprintf("%s-%d-%s", u.Kind, u.Partition, nodeID),
		Stripe: u.Partition,
		Fn: func(context.Context) error {
			sendCtx, cancel := context.WithTimeout(context.Background(), s.timeout)
			defer cancel()
			if err := s.send(sendCtx, nodeID, u); err != nil {
				s.metrics.RecordReplicationFailure(string(u.Kind))
				return err
			}
			return nil
		},
	})
	if err != nil {
		s.metrics.RecordReplicationFailure(string(u.Kind))
		s.logger.Warn("Failed to queue update",
			zap.String("node_id", nodeID),
			zap.Int("partition", u.Partition),
			zap.Error(err))
	}
}

func (s *ReplicationService) send(ctx context.Context, nodeID string, u *model.Update) error {
	peer, err := s.transport.Peer(nodeID)
	if err != nil {
		return err
	}
	return peer.ApplyUpdate(ctx, u)
}

// Pending returns updates queued but not yet delivered
func (s *ReplicationService) Pending() uint64 {
	return s.pool.Stats().Pending()
}

// Flush waits until queued updates are delivered or ctx is done
func (s *ReplicationService) Flush(ctx context.Context) error {
	ticker := time.NewTicker(5 * time.Millisecond)
	defer ticker.Stop()

	for s.Pending() > 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
	return nil
}

// Stop drains the queue and stops the workers
func (s *ReplicationService) Stop(timeout time.Duration) error {
	return s.pool.Stop(timeout)
}

func updateFrom(e *model.CacheEntry, kind model.UpdateKind, topologyVersion int64, origin string) *model.Update {
	return &model.Update{
		Kind:            kind,
		Key:             e.Key,
		KeyBytes:        e.KeyBytes,
		Partition:       e.Partition,
		Value:           e.Value,
		Version:         e.Version,
		ExpireTime:      e.ExpireTime,
		TopologyVersion: topologyVersion,
		OriginNodeID:    origin,
	}
}
