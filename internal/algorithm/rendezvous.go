package algorithm

import (
	"context"
	"encoding/binary"
	"fmt"
	"sort"

	"github.com/cespare/xxhash/v2"
	"golang.org/x/sync/errgroup"

	cerrors "github.com/devrev/gridcache/internal/errors"
	"github.com/devrev/gridcache/internal/model"
)

// parallelThreshold is the partition count above which assignment is split across goroutines
const parallelThreshold = 2048

// AffinityFunction computes partition owners for a topology snapshot
type AffinityFunction interface {
	Partitions() int
	Assign(ctx context.Context, topology *model.TopologySnapshot, backups int) (*model.AffinityAssignment, error)
}

// BackupFilter decides whether a candidate may join the already selected owners.
// It is never consulted for the primary.
type BackupFilter func(candidate *model.Node, selected []*model.Node) bool

// RendezvousOption configures a RendezvousAffinity
type RendezvousOption func(*RendezvousAffinity)

// WithExcludeNeighbors rejects backups that share a host with a selected owner
func WithExcludeNeighbors() RendezvousOption {
	return func(r *RendezvousAffinity) {
		r.backupFilter = excludeNeighbors
	}
}

// WithBackupFilter installs a custom backup filter
func WithBackupFilter(f BackupFilter) RendezvousOption {
	return func(r *RendezvousAffinity) {
		r.backupFilter = f
	}
}

// WithParallelism bounds the goroutines used for large partition counts
func WithParallelism(n int) RendezvousOption {
	return func(r *RendezvousAffinity) {
		if n > 0 {
			r.parallelism = n
		}
	}
}

// RendezvousAffinity implements highest-random-weight assignment.
// Every (partition, node) pair gets a weight; owners are the heaviest nodes.
// A node's weight never depends on other nodes, so membership changes only
// move partitions the changed node ranked into.
type RendezvousAffinity struct {
	partitions   int
	backupFilter BackupFilter
	parallelism  int
}

// NewRendezvousAffinity creates a rendezvous affinity function
func NewRendezvousAffinity(partitions int, opts ...RendezvousOption) (*RendezvousAffinity, error) {
	if partitions <= 0 {
		return nil, cerrors.InvalidArgument(fmt.Sprintf("partition count must be positive, got %d", partitions), nil)
	}

	r := &RendezvousAffinity{
		partitions:  partitions,
		parallelism: 1,
	}
	for _, opt := range opts {
		opt(r)
	}

	return r, nil
}

// Partitions returns the partition count
func (r *RendezvousAffinity) Partitions() int {
	return r.partitions
}

// Assign computes owners for every partition.
// When fewer server nodes than 1+backups exist the owner lists are shorter;
// that is reduced redundancy, not an error.
func (r *RendezvousAffinity) Assign(ctx context.Context, topology *model.TopologySnapshot, backups int) (*model.AffinityAssignment, error) {
	if backups < 0 {
		return nil, cerrors.InvalidArgument(fmt.Sprintf("backups must not be negative, got %d", backups), nil)
	}

	servers := topology.ServerNodes()
	if backups == model.ReplicatedBackups {
		backups = len(servers) - 1
		if backups < 0 {
			backups = 0
		}
	}

	owners := make([][]*model.Node, r.partitions)

	if r.parallelism <= 1 || r.partitions < parallelThreshold {
		for p := 0; p < r.partitions; p++ {
			if p%256 == 0 {
				if err := ctx.Err(); err != nil {
					return nil, err
				}
			}
			owners[p] = r.AssignPartition(p, servers, backups)
		}
		return model.NewAffinityAssignment(topology.Version, backups, owners), nil
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.parallelism)

	chunk := (r.partitions + r.parallelism - 1) / r.parallelism
	for start := 0; start < r.partitions; start += chunk {
		end := min(start+chunk, r.partitions)
		g.Go(func() error {
			for p := start; p < end; p++ {
				if err := gctx.Err(); err != nil {
					return err
				}
				owners[p] = r.AssignPartition(p, servers, backups)
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}

	return model.NewAffinityAssignment(topology.Version, backups, owners), nil
}

type weightedNode struct {
	node   *model.Node
	weight uint64
}

// AssignPartition ranks nodes for a single partition and returns the selected owners
func (r *RendezvousAffinity) AssignPartition(partition int, nodes []*model.Node, backups int) []*model.Node {
	if len(nodes) == 0 {
		return nil
	}

	ranked := make([]weightedNode, len(nodes))
	for i, n := range nodes {
		ranked[i] = weightedNode{node: n, weight: Weight(partition, n.ID)}
	}

	// Heaviest first, equal weights by node ID
	sort.Slice(ranked, func(i, j int) bool {
		if ranked[i].weight != ranked[j].weight {
			return ranked[i].weight > ranked[j].weight
		}
		return ranked[i].node.ID < ranked[j].node.ID
	})

	want := len(nodes)
	if backups < len(nodes)-1 {
		want = backups + 1
	}

	owners := make([]*model.Node, 0, want)
	for _, w := range ranked {
		if len(owners) == want {
			break
		}
		if len(owners) > 0 && r.backupFilter != nil && !r.backupFilter(w.node, owners) {
			continue
		}
		owners = append(owners, w.node)
	}

	return owners
}

// Weight returns the rendezvous weight of a node for a partition
func Weight(partition int, nodeID string) uint64 {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], uint64(partition))

	d := xxhash.New()
	_, _ = d.Write(buf[:])
	_, _ = d.WriteString(nodeID)
	return d.Sum64()
}

// excludeNeighbors rejects a candidate that shares a host with any selected owner
func excludeNeighbors(candidate *model.Node, selected []*model.Node) bool {
	if candidate.Host == "" {
		return true
	}
	for _, n := range selected {
		if n.Host == candidate.Host {
			return false
		}
	}
	return true
}
