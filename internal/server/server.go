// Package server provides the HTTP server of a grid node.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/devrev/gridcache/internal/config"
	"github.com/devrev/gridcache/internal/handler"
	"github.com/devrev/gridcache/internal/service"
)

// Server represents the HTTP server
type Server struct {
	router       *mux.Router
	httpServer   *http.Server
	handlers     *handler.Handlers
	errorHandler *handler.ErrorHandler
	gatherer     prometheus.Gatherer
	grid         *service.Grid
	cfg          *config.Config
	logger       *zap.Logger
}

// NewServer creates a new HTTP server. grid is nil for a router process,
// which then serves routing and affinity queries only.
func NewServer(
	cfg *config.Config,
	routerFn handler.RouterFunc,
	grid *service.Grid,
	gatherer prometheus.Gatherer,
	logger *zap.Logger,
) *Server {
	router := mux.NewRouter()
	errorHandler := handler.NewErrorHandler(logger)

	s := &Server{
		router:       router,
		handlers:     handler.NewHandlers(routerFn, grid, errorHandler, cfg.Server.WriteTimeout, logger),
		errorHandler: errorHandler,
		gatherer:     gatherer,
		grid:         grid,
		cfg:          cfg,
		logger:       logger,
		httpServer: &http.Server{
			Addr:         net.JoinHostPort(cfg.Server.Host, strconv.Itoa(cfg.Server.Port)),
			Handler:      router,
			ReadTimeout:  cfg.Server.ReadTimeout,
			WriteTimeout: cfg.Server.WriteTimeout,
		},
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	chain := Chain(
		Recovery(s.logger),
		RequestID,
		Logging(s.logger),
	)
	s.router.Use(func(next http.Handler) http.Handler {
		return chain(next)
	})

	s.router.HandleFunc("/health", s.health).Methods(http.MethodGet)
	if s.cfg.Metrics.Enabled {
		s.router.Handle(s.cfg.Metrics.Path, promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{})).Methods(http.MethodGet)
	}

	v1 := s.router.PathPrefix("/v1").Subrouter()
	v1.HandleFunc("/route/{key}", s.handlers.Route).Methods(http.MethodGet)
	v1.HandleFunc("/affinity", s.handlers.Affinity).Methods(http.MethodGet)
	v1.HandleFunc("/affinity/partitions/{partition}", s.handlers.PartitionOwners).Methods(http.MethodGet)

	if s.grid != nil {
		v1.HandleFunc("/cache/{key}/footprint", s.handlers.Footprint).Methods(http.MethodGet)
		v1.HandleFunc("/cache/{key}", s.handlers.GetEntry).Methods(http.MethodGet)
		v1.HandleFunc("/cache/{key}", s.handlers.PutEntry).Methods(http.MethodPut)
		v1.HandleFunc("/cache/{key}", s.handlers.DeleteEntry).Methods(http.MethodDelete)

		v1.HandleFunc("/topology/nodes", s.handlers.AddNode).Methods(http.MethodPost)
		v1.HandleFunc("/topology/nodes/{id}", s.handlers.RemoveNode).Methods(http.MethodDelete)
	}

	notFound := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.errorHandler.WriteErrorResponse(w, http.StatusNotFound, handler.ErrorCodeInvalidRequest, "endpoint not found", r.Header.Get("X-Request-ID"))
	})
	methodNotAllowed := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.errorHandler.WriteErrorResponse(w, http.StatusMethodNotAllowed, handler.ErrorCodeInvalidRequest, "method not allowed", r.Header.Get("X-Request-ID"))
	})

	// Subrouters do not inherit these from the parent
	for _, r := range []*mux.Router{s.router, v1} {
		r.NotFoundHandler = notFound
		r.MethodNotAllowedHandler = methodNotAllowed
	}
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	resp := map[string]interface{}{
		"status":    "healthy",
		"role":      s.cfg.Node.Role,
		"timestamp": time.Now().Format(time.RFC3339),
	}
	if s.grid != nil {
		if topology := s.grid.Topology(); topology != nil {
			resp["topology_version"] = topology.Version
			resp["nodes"] = topology.Size()
		}
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(resp)
}

// Start serves until Shutdown is called
func (s *Server) Start() error {
	s.logger.Info("Starting HTTP server", zap.String("addr", s.httpServer.Addr))

	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("failed to start HTTP server: %w", err)
	}
	return nil
}

// Shutdown gracefully shuts down the HTTP server
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("Shutting down HTTP server")
	return s.httpServer.Shutdown(ctx)
}

// Handler returns the http.Handler for the server
func (s *Server) Handler() http.Handler {
	return s.router
}
