package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/devrev/gridcache/internal/algorithm"
	"github.com/devrev/gridcache/internal/model"
)

// Report is the YAML document printed by affinityctl
type Report struct {
	Partitions      int              `yaml:"partitions"`
	Backups         int              `yaml:"backups"`
	TopologyVersion int64            `yaml:"topology_version"`
	UnderReplicated int              `yaml:"under_replicated"`
	Nodes           []NodeReport     `yaml:"nodes"`
	Keys            []KeyReport      `yaml:"keys,omitempty"`
	Moves           []MoveReport     `yaml:"moves,omitempty"`
	Owners          map[int][]string `yaml:"owners,omitempty"`
}

// NodeReport counts the partitions a node owns
type NodeReport struct {
	ID      string `yaml:"id"`
	Host    string `yaml:"host,omitempty"`
	Primary int    `yaml:"primary"`
	Backup  int    `yaml:"backup"`
}

// KeyReport shows where a key lives
type KeyReport struct {
	Key       string   `yaml:"key"`
	Partition int      `yaml:"partition"`
	Owners    []string `yaml:"owners"`
}

// MoveReport is one partition whose owners change when the topology changes
type MoveReport struct {
	Partition      int      `yaml:"partition"`
	From           []string `yaml:"from"`
	To             []string `yaml:"to"`
	PrimaryChanged bool     `yaml:"primary_changed,omitempty"`
}

type options struct {
	partitions       int
	backups          int
	nodes            string
	join             string
	leave            string
	keys             string
	excludeNeighbors bool
	owners           bool
}

// parseNodes reads "id[@host],id[@host]" in join order
func parseNodes(list string, firstOrder int64) ([]*model.Node, error) {
	var nodes []*model.Node
	order := firstOrder
	for _, part := range strings.Split(list, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		id, host, _ := strings.Cut(part, "@")
		if id == "" {
			return nil, fmt.Errorf("node %q has no id", part)
		}
		nodes = append(nodes, &model.Node{ID: id, Host: host, Order: order, Alive: true})
		order++
	}
	return nodes, nil
}

func buildReport(ctx context.Context, o options) (*Report, error) {
	nodes, err := parseNodes(o.nodes, 1)
	if err != nil {
		return nil, err
	}
	if len(nodes) == 0 {
		return nil, fmt.Errorf("at least one node is required")
	}

	var affOpts []algorithm.RendezvousOption
	if o.excludeNeighbors {
		affOpts = append(affOpts, algorithm.WithExcludeNeighbors())
	}
	affinity, err := algorithm.NewRendezvousAffinity(o.partitions, affOpts...)
	if err != nil {
		return nil, err
	}
	mapper, err := algorithm.NewPartitionMapper(o.partitions)
	if err != nil {
		return nil, err
	}

	topology := model.NewTopologySnapshot(1, nodes)
	a, err := affinity.Assign(ctx, topology, o.backups)
	if err != nil {
		return nil, err
	}

	// A join or leave is shown as the next topology version
	if o.join != "" || o.leave != "" {
		next, err := changeMembers(nodes, o.join, o.leave)
		if err != nil {
			return nil, err
		}
		nextTopology := model.NewTopologySnapshot(2, next)
		b, err := affinity.Assign(ctx, nextTopology, o.backups)
		if err != nil {
			return nil, err
		}

		report := newReport(b, nextTopology, o)
		for _, mv := range algorithm.DiffAssignments(a, b) {
			report.Moves = append(report.Moves, MoveReport{
				Partition:      mv.Partition,
				From:           mv.PrevOwners,
				To:             mv.NextOwners,
				PrimaryChanged: mv.PrimaryChanged,
			})
		}
		return report, addKeys(report, mapper, b, o.keys)
	}

	report := newReport(a, topology, o)
	return report, addKeys(report, mapper, a, o.keys)
}

func changeMembers(nodes []*model.Node, join, leave string) ([]*model.Node, error) {
	left := make(map[string]bool)
	for _, id := range strings.Split(leave, ",") {
		if id = strings.TrimSpace(id); id != "" {
			left[id] = true
		}
	}

	next := make([]*model.Node, 0, len(nodes))
	for _, n := range nodes {
		if !left[n.ID] {
			next = append(next, n)
		}
	}

	joined, err := parseNodes(join, int64(len(nodes))+1)
	if err != nil {
		return nil, err
	}
	return append(next, joined...), nil
}

func newReport(a *model.AffinityAssignment, topology *model.TopologySnapshot, o options) *Report {
	r := &Report{
		Partitions:      a.Partitions(),
		Backups:         a.Backups,
		TopologyVersion: a.TopologyVersion,
		UnderReplicated: a.UnderReplicated(),
	}
	for _, n := range topology.ServerNodes() {
		r.Nodes = append(r.Nodes, NodeReport{
			ID:      n.ID,
			Host:    n.Host,
			Primary: len(a.PrimaryPartitions(n.ID)),
			Backup:  len(a.BackupPartitions(n.ID)),
		})
	}
	if o.owners {
		r.Owners = make(map[int][]string, a.Partitions())
		for p := 0; p < a.Partitions(); p++ {
			r.Owners[p] = a.OwnerIDs(p)
		}
	}
	return r
}

func addKeys(r *Report, mapper *algorithm.PartitionMapper, a *model.AffinityAssignment, keys string) error {
	for _, key := range strings.Split(keys, ",") {
		if key = strings.TrimSpace(key); key == "" {
			continue
		}
		p, err := mapper.PartitionOf(key)
		if err != nil {
			return fmt.Errorf("key %q: %w", key, err)
		}
		r.Keys = append(r.Keys, KeyReport{Key: key, Partition: p, Owners: a.OwnerIDs(p)})
	}
	return nil
}
