package service

import (
	"context"
	"sort"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/devrev/gridcache/internal/algorithm"
	"github.com/devrev/gridcache/internal/metrics"
	"github.com/devrev/gridcache/internal/model"
)

// PartitionDemand is a partition the local node must fetch and the nodes that may supply it
type PartitionDemand struct {
	Partition int
	Suppliers []string
}

// RebalanceApplier stores supplied entries on the demanding node
type RebalanceApplier interface {
	ApplyRebalanced(ctx context.Context, e *model.CacheEntry, topologyVersion int64) (bool, error)
	FinishMoving(partition int)
}

// RebalanceService pulls partitions a node newly owns from their previous owners.
// Each topology version starts a new run that cancels the one before it;
// partitions the cancelled run did not finish are carried into the next plan.
type RebalanceService struct {
	selfID      string
	transport   Transport
	applier     RebalanceApplier
	limiter     *rate.Limiter
	parallelism int
	disabled    bool
	mu          sync.Mutex
	pending     map[int][]string // Unfinished partitions and their suppliers
	cancel      context.CancelFunc
	done        chan struct{}
	version     int64
	metrics     *metrics.Metrics
	logger      *zap.Logger
}

// RebalanceConfig configures a RebalanceService
type RebalanceConfig struct {
	Disabled    bool    // Newly owned partitions start empty
	RateLimit   float64 // Entries per second, 0 disables throttling
	Burst       int
	Parallelism int
}

// NewRebalanceService creates a rebalance service
func NewRebalanceService(
	selfID string,
	transport Transport,
	applier RebalanceApplier,
	cfg RebalanceConfig,
	m *metrics.Metrics,
	logger *zap.Logger,
) *RebalanceService {
	var limiter *rate.Limiter
	if cfg.RateLimit > 0 {
		burst := cfg.Burst
		if burst <= 0 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), burst)
	}
	if cfg.Parallelism <= 0 {
		cfg.Parallelism = 1
	}

	done := make(chan struct{})
	close(done)

	return &RebalanceService{
		selfID:      selfID,
		transport:   transport,
		applier:     applier,
		limiter:     limiter,
		parallelism: cfg.Parallelism,
		disabled:    cfg.Disabled,
		pending:     make(map[int][]string),
		done:        done,
		metrics:     m,
		logger:      logger,
	}
}

// Plan lists the partitions to fetch for a new assignment and records them as pending
func (s *RebalanceService) Plan(prev, next *model.AffinityAssignment, topology *model.TopologySnapshot) []PartitionDemand {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.disabled {
		return nil
	}

	// Without a previous assignment no node holds data yet
	if prev != nil {
		gained, _ := algorithm.MovedPartitions(prev, next, s.selfID)
		for _, p := range gained {
			s.pending[p] = mergeSuppliers(s.pending[p], model.NodeIDs(prev.Owners(p)))
		}
	}

	plan := make([]PartitionDemand, 0, len(s.pending))
	for p, suppliers := range s.pending {
		if !next.IsOwner(p, s.selfID) {
			delete(s.pending, p)
			continue
		}

		alive := make([]string, 0, len(suppliers))
		for _, id := range suppliers {
			if n, ok := topology.Node(id); ok && n.Alive && id != s.selfID {
				alive = append(alive, id)
			}
		}
		plan = append(plan, PartitionDemand{Partition: p, Suppliers: alive})
	}

	sort.Slice(plan, func(i, j int) bool { return plan[i].Partition < plan[j].Partition })
	return plan
}

// Run fetches the planned partitions in the background, cancelling any earlier run
func (s *RebalanceService) Run(plan []PartitionDemand, topologyVersion int64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cancel != nil {
		select {
		case <-s.done:
		default:
			s.metrics.RebalanceCancellations.Inc()
			s.logger.Info("Cancelling rebalance for newer topology",
				zap.String("node_id", s.selfID),
				zap.Int64("cancelled_version", s.version),
				zap.Int64("topology_version", topologyVersion))
		}
		s.cancel()
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	s.cancel = cancel
	s.done = done
	s.version = topologyVersion

	if len(plan) == 0 {
		close(done)
		return
	}

	s.logger.Info("Starting rebalance",
		zap.String("node_id", s.selfID),
		zap.Int64("topology_version", topologyVersion),
		zap.Int("partitions", len(plan)))

	go func() {
		defer close(done)

		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(s.parallelism)
		for _, d := range plan {
			g.Go(func() error {
				s.demand(gctx, d, topologyVersion)
				return nil
			})
		}
		_ = g.Wait()

		if ctx.Err() == nil {
			s.logger.Info("Rebalance completed",
				zap.String("node_id", s.selfID),
				zap.Int64("topology_version", topologyVersion))
		}
	}()
}

func (s *RebalanceService) demand(ctx context.Context, d PartitionDemand, topologyVersion int64) {
	for _, supplier := range d.Suppliers {
		if ctx.Err() != nil {
			return
		}

		peer, err := s.transport.Peer(supplier)
		if err != nil {
			continue
		}

		entries, err := peer.SupplyPartition(ctx, d.Partition, topologyVersion)
		if err != nil {
			s.logger.Warn("Supplier failed",
				zap.String("supplier", supplier),
				zap.Int("partition", d.Partition),
				zap.Error(err))
			continue
		}

		for _, e := range entries {
			if s.limiter != nil {
				if err := s.limiter.Wait(ctx); err != nil {
					return
				}
			}
			applied, err := s.applier.ApplyRebalanced(ctx, e, topologyVersion)
			switch {
			case err != nil:
				s.metrics.RecordRebalanced("failed")
			case applied:
				s.metrics.RecordRebalanced("applied")
			default:
				s.metrics.RecordRebalanced("skipped")
			}
		}

		s.finish(d.Partition)
		return
	}

	if ctx.Err() == nil {
		if len(d.Suppliers) > 0 {
			s.logger.Warn("No supplier could provide partition",
				zap.String("node_id", s.selfID),
				zap.Int("partition", d.Partition),
				zap.Strings("suppliers", d.Suppliers))
		}
		s.finish(d.Partition)
	}
}

func (s *RebalanceService) finish(p int) {
	s.mu.Lock()
	delete(s.pending, p)
	s.mu.Unlock()

	s.applier.FinishMoving(p)
}

// Await blocks until the current run finishes or ctx is done
func (s *RebalanceService) Await(ctx context.Context) error {
	s.mu.Lock()
	done := s.done
	s.mu.Unlock()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Pending returns the partitions not yet fetched
func (s *RebalanceService) Pending() []int {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]int, 0, len(s.pending))
	for p := range s.pending {
		out = append(out, p)
	}
	sort.Ints(out)
	return out
}

// Stop cancels the current run
func (s *RebalanceService) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		s.cancel()
	}
}

func mergeSuppliers(existing, add []string) []string {
	out := append([]string(nil), existing...)
	for _, id := range add {
		found := false
		for _, e := range out {
			if e == id {
				found = true
				break
			}
		}
		if !found {
			out = append(out, id)
		}
	}
	return out
}
