// Package handler provides the HTTP handlers of a grid node.
package handler

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	cerrors "github.com/devrev/gridcache/internal/errors"
	"github.com/devrev/gridcache/internal/model"
	"github.com/devrev/gridcache/internal/service"
)

// RouterFunc returns the router requests are resolved with
type RouterFunc func() (*service.Router, error)

// Handlers contains all HTTP handlers and their dependencies.
// grid is nil on a router process, which only answers routing queries.
type Handlers struct {
	router       RouterFunc
	grid         *service.Grid
	errorHandler *ErrorHandler
	logger       *zap.Logger
	timeout      time.Duration
}

// NewHandlers creates a new Handlers instance
func NewHandlers(router RouterFunc, grid *service.Grid, errorHandler *ErrorHandler, timeout time.Duration, logger *zap.Logger) *Handlers {
	return &Handlers{
		router:       router,
		grid:         grid,
		errorHandler: errorHandler,
		logger:       logger,
		timeout:      timeout,
	}
}

// GridRouter resolves routes through the grid's entry node
func GridRouter(g *service.Grid) RouterFunc {
	return func() (*service.Router, error) {
		gn, err := g.EntryNode()
		if err != nil {
			return nil, err
		}
		return gn.Cache.Router(), nil
	}
}

// VersionResponse is the JSON form of an entry version
type VersionResponse struct {
	TopologyVersion int64 `json:"topology_version"`
	Order           int64 `json:"order"`
	NodeOrder       int64 `json:"node_order"`
	DataCenterID    uint8 `json:"data_center_id"`
	GlobalTime      int64 `json:"global_time"`
}

func versionResponse(v model.EntryVersion) VersionResponse {
	return VersionResponse{
		TopologyVersion: v.TopologyVersion,
		Order:           v.Order,
		NodeOrder:       v.NodeOrder,
		DataCenterID:    v.DataCenterID,
		GlobalTime:      v.GlobalTime,
	}
}

func (v VersionResponse) model() model.EntryVersion {
	return model.EntryVersion{
		TopologyVersion: v.TopologyVersion,
		Order:           v.Order,
		NodeOrder:       v.NodeOrder,
		DataCenterID:    v.DataCenterID,
		GlobalTime:      v.GlobalTime,
	}
}

// NodeResponse describes a grid member
type NodeResponse struct {
	ID           string            `json:"id"`
	Order        int64             `json:"order"`
	Host         string            `json:"host,omitempty"`
	DataCenterID uint8             `json:"data_center_id"`
	Client       bool              `json:"client"`
	Attributes   map[string]string `json:"attributes,omitempty"`
}

func nodeResponse(n *model.Node) NodeResponse {
	return NodeResponse{
		ID:           n.ID,
		Order:        n.Order,
		Host:         n.Host,
		DataCenterID: n.DataCenterID,
		Client:       n.Client,
		Attributes:   n.Attributes,
	}
}

// RouteResponse is the body of GET /v1/route/{key}
type RouteResponse struct {
	Key             string   `json:"key"`
	Partition       int      `json:"partition"`
	TopologyVersion int64    `json:"topology_version"`
	Primary         string   `json:"primary"`
	Backups         []string `json:"backups"`
}

// EntryResponse is the body of cache reads and writes
type EntryResponse struct {
	Key     string           `json:"key"`
	Value   string           `json:"value,omitempty"`
	Version *VersionResponse `json:"version,omitempty"`
	Removed *bool            `json:"removed,omitempty"`
}

// PutRequest is the body of PUT /v1/cache/{key}
type PutRequest struct {
	Value           *string          `json:"value"`
	TTLSeconds      int64            `json:"ttl_seconds,omitempty"`
	ExpectedVersion *VersionResponse `json:"expected_version,omitempty"`
}

// FootprintResponse is the body of GET /v1/cache/{key}/footprint
type FootprintResponse struct {
	Key    string `json:"key"`
	NodeID string `json:"node_id"`
	Bytes  int64  `json:"bytes"`
}

// NodeAssignment summarises what one node owns
type NodeAssignment struct {
	NodeID            string `json:"node_id"`
	PrimaryPartitions int    `json:"primary_partitions"`
	BackupPartitions  int    `json:"backup_partitions"`
}

// AffinityResponse is the body of GET /v1/affinity
type AffinityResponse struct {
	TopologyVersion int64            `json:"topology_version"`
	Partitions      int              `json:"partitions"`
	Backups         int              `json:"backups"`
	UnderReplicated int              `json:"under_replicated"`
	Nodes           []NodeAssignment `json:"nodes"`
}

// PartitionResponse is the body of GET /v1/affinity/partitions/{partition}
type PartitionResponse struct {
	Partition       int      `json:"partition"`
	TopologyVersion int64    `json:"topology_version"`
	Owners          []string `json:"owners"`
}

// AddNodeRequest is the body of POST /v1/topology/nodes
type AddNodeRequest struct {
	ID           string            `json:"id"`
	Host         string            `json:"host"`
	DataCenterID uint8             `json:"data_center_id"`
	Client       bool              `json:"client"`
	Attributes   map[string]string `json:"attributes"`
}

// TopologyResponse is returned by membership changes
type TopologyResponse struct {
	TopologyVersion int64          `json:"topology_version"`
	Node            *NodeResponse  `json:"node,omitempty"`
	Nodes           []NodeResponse `json:"nodes"`
}

// Route handles GET /v1/route/{key}
func (h *Handlers) Route(w http.ResponseWriter, r *http.Request) {
	key := mux.Vars(r)["key"]

	router, err := h.router()
	if err != nil {
		h.errorHandler.HandleError(w, r, err)
		return
	}

	var res *service.RouteResult
	if v := r.URL.Query().Get("topology_version"); v != "" {
		version, perr := strconv.ParseInt(v, 10, 64)
		if perr != nil {
			h.errorHandler.WriteValidationError(w, "topology_version must be an integer", r.Header.Get("X-Request-ID"))
			return
		}
		res, err = router.RouteAt(key, version)
	} else {
		res, err = router.Route(key)
	}
	if err != nil {
		h.errorHandler.HandleError(w, r, err)
		return
	}

	h.writeJSONResponse(w, http.StatusOK, RouteResponse{
		Key:             key,
		Partition:       res.Partition,
		TopologyVersion: res.TopologyVersion,
		Primary:         res.Primary.ID,
		Backups:         model.NodeIDs(res.Backups),
	})
}

// GetEntry handles GET /v1/cache/{key}
func (h *Handlers) GetEntry(w http.ResponseWriter, r *http.Request) {
	key := mux.Vars(r)["key"]

	cache, err := h.cacheFor(r)
	if err != nil {
		h.errorHandler.HandleError(w, r, err)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	vv, ok, err := cache.Get(ctx, key)
	if err != nil {
		h.errorHandler.HandleError(w, r, err)
		return
	}
	if !ok {
		h.errorHandler.HandleError(w, r, cerrors.KeyNotFound(key))
		return
	}

	version := versionResponse(vv.Version)
	h.writeJSONResponse(w, http.StatusOK, EntryResponse{Key: key, Value: string(vv.Value), Version: &version})
}

// PutEntry handles PUT /v1/cache/{key}
func (h *Handlers) PutEntry(w http.ResponseWriter, r *http.Request) {
	key := mux.Vars(r)["key"]
	requestID := r.Header.Get("X-Request-ID")

	var req PutRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.errorHandler.WriteValidationError(w, fmt.Sprintf("invalid request body: %v", err), requestID)
		return
	}
	if req.Value == nil {
		h.errorHandler.WriteValidationError(w, "value is required", requestID)
		return
	}
	if req.TTLSeconds < 0 {
		h.errorHandler.WriteValidationError(w, "ttl_seconds must not be negative", requestID)
		return
	}

	var opts []service.PutOption
	if req.TTLSeconds > 0 {
		opts = append(opts, service.WithTTL(time.Duration(req.TTLSeconds)*time.Second))
	}
	if req.ExpectedVersion != nil {
		opts = append(opts, service.WithExpectedVersion(req.ExpectedVersion.model()))
	}

	cache, err := h.cacheFor(r)
	if err != nil {
		h.errorHandler.HandleError(w, r, err)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	v, err := cache.Put(ctx, key, []byte(*req.Value), opts...)
	if err != nil {
		h.errorHandler.HandleError(w, r, err)
		return
	}

	version := versionResponse(v)
	h.writeJSONResponse(w, http.StatusOK, EntryResponse{Key: key, Version: &version})
}

// DeleteEntry handles DELETE /v1/cache/{key}
func (h *Handlers) DeleteEntry(w http.ResponseWriter, r *http.Request) {
	key := mux.Vars(r)["key"]

	cache, err := h.cacheFor(r)
	if err != nil {
		h.errorHandler.HandleError(w, r, err)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	removed, err := cache.Remove(ctx, key)
	if err != nil {
		h.errorHandler.HandleError(w, r, err)
		return
	}

	h.writeJSONResponse(w, http.StatusOK, EntryResponse{Key: key, Removed: &removed})
}

// Footprint handles GET /v1/cache/{key}/footprint. The primary's copy is
// measured unless ?node= names another holder.
func (h *Handlers) Footprint(w http.ResponseWriter, r *http.Request) {
	key := mux.Vars(r)["key"]

	nodeID := r.URL.Query().Get("node")
	if nodeID == "" {
		router, err := h.router()
		if err != nil {
			h.errorHandler.HandleError(w, r, err)
			return
		}
		res, err := router.Route(key)
		if err != nil {
			h.errorHandler.HandleError(w, r, err)
			return
		}
		nodeID = res.Primary.ID
	}

	gn, ok := h.grid.Node(nodeID)
	if !ok {
		h.errorHandler.HandleError(w, r, cerrors.Unavailable(nodeID, nil))
		return
	}

	size, err := gn.Cache.Footprint(key)
	if err != nil {
		h.errorHandler.HandleError(w, r, err)
		return
	}

	h.writeJSONResponse(w, http.StatusOK, FootprintResponse{Key: key, NodeID: nodeID, Bytes: size})
}

// Affinity handles GET /v1/affinity
func (h *Handlers) Affinity(w http.ResponseWriter, r *http.Request) {
	a, topology, err := h.assignment(r)
	if err != nil {
		h.errorHandler.HandleError(w, r, err)
		return
	}

	nodes := make([]NodeAssignment, 0, topology.Size())
	for _, n := range topology.ServerNodes() {
		nodes = append(nodes, NodeAssignment{
			NodeID:            n.ID,
			PrimaryPartitions: len(a.PrimaryPartitions(n.ID)),
			BackupPartitions:  len(a.BackupPartitions(n.ID)),
		})
	}

	h.writeJSONResponse(w, http.StatusOK, AffinityResponse{
		TopologyVersion: a.TopologyVersion,
		Partitions:      a.Partitions(),
		Backups:         a.Backups,
		UnderReplicated: a.UnderReplicated(),
		Nodes:           nodes,
	})
}

// PartitionOwners handles GET /v1/affinity/partitions/{partition}
func (h *Handlers) PartitionOwners(w http.ResponseWriter, r *http.Request) {
	p, err := strconv.Atoi(mux.Vars(r)["partition"])
	if err != nil {
		h.errorHandler.WriteValidationError(w, "partition must be an integer", r.Header.Get("X-Request-ID"))
		return
	}

	a, _, err := h.assignment(r)
	if err != nil {
		h.errorHandler.HandleError(w, r, err)
		return
	}
	if p < 0 || p >= a.Partitions() {
		h.errorHandler.HandleError(w, r, cerrors.InvalidArgument(
			fmt.Sprintf("partition %d out of range [0, %d)", p, a.Partitions()), nil))
		return
	}

	h.writeJSONResponse(w, http.StatusOK, PartitionResponse{
		Partition:       p,
		TopologyVersion: a.TopologyVersion,
		Owners:          a.OwnerIDs(p),
	})
}

// AddNode handles POST /v1/topology/nodes
func (h *Handlers) AddNode(w http.ResponseWriter, r *http.Request) {
	var req AddNodeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.errorHandler.WriteValidationError(w, fmt.Sprintf("invalid request body: %v", err), r.Header.Get("X-Request-ID"))
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	gn, err := h.grid.AddNode(ctx, service.NodeOptions{
		ID:           req.ID,
		Host:         req.Host,
		DataCenterID: req.DataCenterID,
		Client:       req.Client,
		Attributes:   req.Attributes,
	})
	if err != nil {
		h.errorHandler.HandleError(w, r, err)
		return
	}

	node := nodeResponse(gn.Node)
	resp := h.topologyResponse()
	resp.Node = &node
	h.writeJSONResponse(w, http.StatusCreated, resp)
}

// RemoveNode handles DELETE /v1/topology/nodes/{id}
func (h *Handlers) RemoveNode(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	if err := h.grid.RemoveNode(ctx, id); err != nil {
		h.errorHandler.HandleError(w, r, err)
		return
	}

	h.writeJSONResponse(w, http.StatusOK, h.topologyResponse())
}

// cacheFor picks the node that executes a cache request: ?node= or the grid's entry node
func (h *Handlers) cacheFor(r *http.Request) (*service.CacheService, error) {
	if id := r.URL.Query().Get("node"); id != "" {
		gn, ok := h.grid.Node(id)
		if !ok {
			return nil, cerrors.Unavailable(id, nil)
		}
		return gn.Cache, nil
	}

	gn, err := h.grid.EntryNode()
	if err != nil {
		return nil, err
	}
	return gn.Cache, nil
}

// assignment resolves ?topology_version= or the latest assignment
func (h *Handlers) assignment(r *http.Request) (*model.AffinityAssignment, *model.TopologySnapshot, error) {
	router, err := h.router()
	if err != nil {
		return nil, nil, err
	}
	assignments := router.Assignments()

	version := int64(0)
	if v := r.URL.Query().Get("topology_version"); v != "" {
		version, err = strconv.ParseInt(v, 10, 64)
		if err != nil {
			return nil, nil, cerrors.InvalidArgument("topology_version must be an integer", err)
		}
	} else if topology := assignments.CurrentTopology(); topology != nil {
		version = topology.Version
	}

	a, err := assignments.ForVersion(version)
	if err != nil {
		return nil, nil, err
	}
	topology, err := assignments.Topology(version)
	if err != nil {
		return nil, nil, err
	}
	return a, topology, nil
}

func (h *Handlers) topologyResponse() TopologyResponse {
	resp := TopologyResponse{Nodes: make([]NodeResponse, 0)}
	topology := h.grid.Topology()
	if topology == nil {
		return resp
	}
	resp.TopologyVersion = topology.Version
	for _, n := range topology.Nodes() {
		resp.Nodes = append(resp.Nodes, nodeResponse(n))
	}
	return resp
}

// writeJSONResponse writes a JSON response
func (h *Handlers) writeJSONResponse(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Error("Failed to encode response", zap.Error(err))
	}
}
