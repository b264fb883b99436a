package service

import (
	"fmt"
	"sync"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/hashicorp/memberlist"
	"go.uber.org/zap"

	"github.com/devrev/gridcache/internal/model"
)

// TopologyHandler receives topology snapshots in version order
type TopologyHandler func(topology *model.TopologySnapshot)

// GossipConfig holds memberlist configuration
type GossipConfig struct {
	NodeName       string
	BindAddr       string
	BindPort       int
	Seeds          []string
	GossipInterval time.Duration
	ProbeInterval  time.Duration
	ProbeTimeout   time.Duration
}

// nodeMeta is the gossiped description of one cache node
type nodeMeta struct {
	ID           string            `cbor:"id"`
	Order        int64             `cbor:"order"`
	Host         string            `cbor:"host,omitempty"`
	DataCenterID uint8             `cbor:"dc,omitempty"`
	Client       bool              `cbor:"client,omitempty"`
	Attributes   map[string]string `cbor:"attrs,omitempty"`
}

// memberInfo is what the source needs from a memberlist member
type memberInfo struct {
	Name string
	Meta []byte
}

// GossipTopologySource derives topology snapshots from memberlist membership.
// Every process advertises the cache nodes it hosts in its member metadata;
// each membership change that alters the node set yields the next local version.
// Versions are local to the source: rendezvous assignment depends only on the
// node set, so a router built on this source agrees with the servers on owners.
type GossipTopologySource struct {
	cfg       GossipConfig
	ml        *memberlist.Memberlist
	enc       cbor.EncMode
	mu        sync.RWMutex
	meta      []byte
	current   *model.TopologySnapshot
	listeners []TopologyHandler
	changes   chan struct{}
	stopChan  chan struct{}
	wg        sync.WaitGroup
	logger    *zap.Logger
}

// NewGossipTopologySource creates a source advertising the given local nodes
func NewGossipTopologySource(cfg GossipConfig, local []*model.Node, logger *zap.Logger) (*GossipTopologySource, error) {
	enc, err := cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		return nil, fmt.Errorf("failed to build encoder: %w", err)
	}

	s := &GossipTopologySource{
		cfg:      cfg,
		enc:      enc,
		changes:  make(chan struct{}, 1),
		stopChan: make(chan struct{}),
		logger:   logger,
	}
	if s.meta, err = s.encodeMeta(local); err != nil {
		return nil, err
	}
	return s, nil
}

// Subscribe registers a handler for new snapshots. Call before Start.
func (s *GossipTopologySource) Subscribe(h TopologyHandler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listeners = append(s.listeners, h)
}

// Start creates the memberlist, joins the seeds and starts publishing snapshots
func (s *GossipTopologySource) Start() error {
	mlConfig := memberlist.DefaultLANConfig()
	mlConfig.Name = s.cfg.NodeName
	if s.cfg.BindAddr != "" {
		mlConfig.BindAddr = s.cfg.BindAddr
	}
	mlConfig.BindPort = s.cfg.BindPort
	mlConfig.AdvertisePort = s.cfg.BindPort
	if s.cfg.GossipInterval > 0 {
		mlConfig.GossipInterval = s.cfg.GossipInterval
	}
	if s.cfg.ProbeInterval > 0 {
		mlConfig.ProbeInterval = s.cfg.ProbeInterval
	}
	if s.cfg.ProbeTimeout > 0 {
		mlConfig.ProbeTimeout = s.cfg.ProbeTimeout
	}
	mlConfig.Delegate = s
	mlConfig.Events = &GossipEventDelegate{source: s}

	ml, err := memberlist.Create(mlConfig)
	if err != nil {
		return fmt.Errorf("failed to create memberlist: %w", err)
	}
	s.ml = ml

	if len(s.cfg.Seeds) > 0 {
		if _, err := ml.Join(s.cfg.Seeds); err != nil {
			s.logger.Warn("Failed to join some seed nodes", zap.Error(err))
		}
	}

	s.wg.Add(1)
	go s.loop()
	s.signal()
	return nil
}

// SetLocalNodes changes the advertised nodes and gossips the new metadata
func (s *GossipTopologySource) SetLocalNodes(nodes []*model.Node) error {
	meta, err := s.encodeMeta(nodes)
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.meta = meta
	s.mu.Unlock()

	if s.ml == nil {
		return nil
	}
	return s.ml.UpdateNode(5 * time.Second)
}

// Current returns the latest published snapshot
func (s *GossipTopologySource) Current() *model.TopologySnapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current
}

// Stop leaves the cluster and stops publishing
func (s *GossipTopologySource) Stop() error {
	close(s.stopChan)
	s.wg.Wait()

	if s.ml == nil {
		return nil
	}
	if err := s.ml.Leave(5 * time.Second); err != nil {
		s.logger.Warn("Failed to leave gossip cluster", zap.Error(err))
	}
	return s.ml.Shutdown()
}

func (s *GossipTopologySource) signal() {
	select {
	case s.changes <- struct{}{}:
	default:
	}
}

// loop rebuilds the snapshot outside memberlist callbacks, which hold its locks
func (s *GossipTopologySource) loop() {
	defer s.wg.Done()

	for {
		select {
		case <-s.changes:
			members := s.ml.Members()
			infos := make([]memberInfo, 0, len(members))
			for _, m := range members {
				infos = append(infos, memberInfo{Name: m.Name, Meta: m.Meta})
			}
			s.apply(infos)
		case <-s.stopChan:
			return
		}
	}
}

// apply publishes the next snapshot when the node set changed
func (s *GossipTopologySource) apply(members []memberInfo) {
	nodes := s.nodesFromMembers(members)

	s.mu.Lock()
	var version int64 = 1
	if s.current != nil {
		if model.NewTopologySnapshot(s.current.Version, nodes).Equal(s.current) {
			s.mu.Unlock()
			return
		}
		version = s.current.Version + 1
	}
	snap := model.NewTopologySnapshot(version, nodes)
	s.current = snap
	listeners := append([]TopologyHandler(nil), s.listeners...)
	s.mu.Unlock()

	s.logger.Info("Gossip topology changed",
		zap.Int64("topology_version", snap.Version),
		zap.Int("nodes", snap.Size()),
		zap.Int("members", len(members)))

	for _, h := range listeners {
		h(snap)
	}
}

func (s *GossipTopologySource) nodesFromMembers(members []memberInfo) []*model.Node {
	nodes := make([]*model.Node, 0, len(members))
	for _, m := range members {
		if len(m.Meta) == 0 {
			continue
		}
		decoded, err := decodeNodeMeta(m.Meta)
		if err != nil {
			s.logger.Warn("Ignoring member with unreadable metadata",
				zap.String("member", m.Name),
				zap.Error(err))
			continue
		}
		nodes = append(nodes, decoded...)
	}
	return nodes
}

func (s *GossipTopologySource) encodeMeta(nodes []*model.Node) ([]byte, error) {
	metas := make([]nodeMeta, 0, len(nodes))
	for _, n := range nodes {
		metas = append(metas, nodeMeta{
			ID:           n.ID,
			Order:        n.Order,
			Host:         n.Host,
			DataCenterID: n.DataCenterID,
			Client:       n.Client,
			Attributes:   n.Attributes,
		})
	}

	b, err := s.enc.Marshal(metas)
	if err != nil {
		return nil, fmt.Errorf("failed to encode node metadata: %w", err)
	}
	if len(b) > memberlist.MetaMaxSize {
		return nil, fmt.Errorf("node metadata is %d bytes, memberlist allows %d", len(b), memberlist.MetaMaxSize)
	}
	return b, nil
}

func decodeNodeMeta(b []byte) ([]*model.Node, error) {
	var metas []nodeMeta
	if err := cbor.Unmarshal(b, &metas); err != nil {
		return nil, fmt.Errorf("failed to decode node metadata: %w", err)
	}

	nodes := make([]*model.Node, 0, len(metas))
	for _, m := range metas {
		if m.ID == "" {
			continue
		}
		nodes = append(nodes, &model.Node{
			ID:           m.ID,
			Order:        m.Order,
			Host:         m.Host,
			DataCenterID: m.DataCenterID,
			Client:       m.Client,
			Alive:        true,
			Attributes:   m.Attributes,
		})
	}
	return nodes, nil
}

// NodeMeta implements memberlist.Delegate
func (s *GossipTopologySource) NodeMeta(limit int) []byte {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if len(s.meta) > limit {
		s.logger.Error("Node metadata exceeds memberlist limit",
			zap.Int("size", len(s.meta)),
			zap.Int("limit", limit))
		return nil
	}
	return s.meta
}

// NotifyMsg implements memberlist.Delegate
func (s *GossipTopologySource) NotifyMsg([]byte) {}

// GetBroadcasts implements memberlist.Delegate
func (s *GossipTopologySource) GetBroadcasts(overhead, limit int) [][]byte {
	return nil
}

// LocalState implements memberlist.Delegate
func (s *GossipTopologySource) LocalState(join bool) []byte {
	return nil
}

// MergeRemoteState implements memberlist.Delegate
func (s *GossipTopologySource) MergeRemoteState(buf []byte, join bool) {}

// GossipEventDelegate turns memberlist events into snapshot rebuilds
type GossipEventDelegate struct {
	source *GossipTopologySource
}

// NotifyJoin is called when a member joins
func (d *GossipEventDelegate) NotifyJoin(node *memberlist.Node) {
	d.source.logger.Info("Member joined",
		zap.String("member", node.Name),
		zap.String("addr", node.Addr.String()))
	d.source.signal()
}

// NotifyLeave is called when a member leaves or fails
func (d *GossipEventDelegate) NotifyLeave(node *memberlist.Node) {
	d.source.logger.Info("Member left",
		zap.String("member", node.Name))
	d.source.signal()
}

// NotifyUpdate is called when a member's metadata changes
func (d *GossipEventDelegate) NotifyUpdate(node *memberlist.Node) {
	d.source.logger.Debug("Member updated",
		zap.String("member", node.Name))
	d.source.signal()
}
