package service

import (
	"context"
	"sync"

	cerrors "github.com/devrev/gridcache/internal/errors"
	"github.com/devrev/gridcache/internal/model"
)

// PutRequest asks a primary to write or remove a key
type PutRequest struct {
	Key             interface{}
	KeyBytes        []byte
	Partition       int
	Value           []byte // nil with Remove set
	Remove          bool
	ExpectedVersion *model.EntryVersion
	ExpireTime      int64
	TopologyVersion int64
	OriginNodeID    string
}

// PutResult is the primary's answer to a PutRequest
type PutResult struct {
	Version model.EntryVersion
	Applied bool // false when removing an absent key
}

// GetRequest asks a primary for a key
type GetRequest struct {
	Key             interface{}
	KeyBytes        []byte
	Partition       int
	TopologyVersion int64
	ReaderNodeID    string // Registers a near reader when set
}

// ResolveRequest asks a primary to resolve an incoming version against its own
type ResolveRequest struct {
	Key             interface{}
	KeyBytes        []byte
	Partition       int
	LocalVersion    model.EntryVersion
	Incoming        model.VersionedValue
	TopologyVersion int64
}

// Peer is the surface one node exposes to the others
type Peer interface {
	PrimaryPut(ctx context.Context, req *PutRequest) (*PutResult, error)
	PrimaryPutAll(ctx context.Context, reqs []*PutRequest) ([]*PutResult, error)
	PrimaryGet(ctx context.Context, req *GetRequest) (*model.CacheEntry, error)
	PrimaryGetAll(ctx context.Context, reqs []*GetRequest) ([]*model.CacheEntry, error)
	PrimaryResolve(ctx context.Context, req *ResolveRequest) (*Outcome, error)
	ApplyUpdate(ctx context.Context, u *model.Update) error
	ReadLocal(ctx context.Context, partition int, keyBytes []byte) (*model.CacheEntry, error)
	SupplyPartition(ctx context.Context, partition int, topologyVersion int64) ([]*model.CacheEntry, error)
}

// Transport resolves peers by node ID
type Transport interface {
	Peer(nodeID string) (Peer, error)
}

// LocalTransport connects nodes living in the same process
type LocalTransport struct {
	mu    sync.RWMutex
	peers map[string]Peer
}

// NewLocalTransport creates an empty transport
func NewLocalTransport() *LocalTransport {
	return &LocalTransport{peers: make(map[string]Peer)}
}

// Register makes a node reachable
func (t *LocalTransport) Register(nodeID string, p Peer) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.peers[nodeID] = p
}

// Unregister makes a node unreachable
func (t *LocalTransport) Unregister(nodeID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.peers, nodeID)
}

// Peer implements Transport
func (t *LocalTransport) Peer(nodeID string) (Peer, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	p, ok := t.peers[nodeID]
	if !ok {
		return nil, cerrors.Unavailable(nodeID, nil)
	}
	return p, nil
}
