package rest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/pbinitiative/zenworkflow/internal/appcontext"
	"github.com/pbinitiative/zenworkflow/internal/cluster"
	"github.com/pbinitiative/zenworkflow/internal/config"
	"github.com/pbinitiative/zenworkflow/internal/log"
	apierror "github.com/pbinitiative/zenworkflow/internal/rest/error"
	"github.com/pbinitiative/zenworkflow/internal/rest/middleware"
	"github.com/pbinitiative/zenworkflow/pkg/bpmn"
	"github.com/pbinitiative/zenworkflow/pkg/zenerr"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	// maxBodySize caps request bodies, BPMN documents included.
	maxBodySize = 8 << 20

	retryAfterSeconds = "1"
)

type Server struct {
	sync.RWMutex
	node   *cluster.ZenNode
	engine *bpmn.Engine
	addr   string
	server *http.Server
}

// NewServer builds the REST API of node. Metrics are served from
// metricsHandler, or from the default Prometheus registry when it is nil.
func NewServer(node *cluster.ZenNode, conf config.Config, metricsHandler http.Handler) *Server {
	r := chi.NewRouter()
	s := Server{
		node:   node,
		engine: node.Engine(),
		addr:   conf.Server.Addr,
		server: &http.Server{
			ReadHeaderTimeout: 3 * time.Second,
			Handler:           r,
			Addr:              conf.Server.Addr,
		},
	}
	if metricsHandler == nil {
		metricsHandler = promhttp.Handler()
	}
	r.Use(chimiddleware.Recoverer)
	r.Use(middleware.Cors())
	r.Use(middleware.Identity())
	r.Use(middleware.Opentelemetry(conf))
	r.Use(middleware.StripEmptyQueryParams())

	r.Route(strings.TrimSuffix(conf.Server.Context, "/")+"/v1", func(r chi.Router) {
		r.Route("/definitions", s.definitionRoutes)
		r.Route("/instances", s.instanceRoutes)
		r.Post("/messages", s.correlateMessage)
		r.Post("/jobs/{activityId}/complete", s.completeJob)
		r.Post("/jobs/{activityId}/fail", s.failJob)
		r.Post("/incidents/{incidentKey}/resolve", s.resolveIncident)
		r.Route("/tasks", s.taskRoutes)
		r.Route("/migrations", s.migrationRoutes)
	})
	// register system endpoints
	r.Route("/system", func(r chi.Router) {
		r.Get("/metrics", metricsHandler.ServeHTTP)
		r.Get("/dashboard", s.dashboard)
		r.Post("/cache/clear", s.clearCache)
		r.Get("/cluster/nodes", s.clusterNodes)
		r.Get("/cluster/leader", s.clusterLeader)
		r.Post("/cluster/leases/{op}", s.forwardLeaseCommand)
	})
	return &s
}

// Handler returns the router, e.g. for httptest.
func (s *Server) Handler() http.Handler {
	return s.server.Handler
}

func (s *Server) Start() net.Listener {
	listener, err := net.Listen("tcp", s.addr)
	if err != nil {
		log.Error("failed to listen: %v", err)
		return nil
	}
	log.Info("ZenWorkflow REST server listening on %s", listener.Addr())
	go func() {
		if err := s.server.Serve(listener); err != nil && err != http.ErrServerClosed {
			log.Error("Error starting server: %s", err)
		}
	}()
	return listener
}

func (s *Server) Stop(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	err := s.server.Shutdown(ctx)
	if err != nil {
		log.Error("Error stopping server: %s", err)
	}
}

func tenantOf(r *http.Request) string {
	if tenantId, ok := appcontext.TenantFromContext(r.Context()); ok {
		return tenantId
	}
	return appcontext.DefaultTenant
}

var errUserRequired = zenerr.ErrInvalidOperation.With("request has no " + middleware.UserHeader + " header")

// userOf returns the calling user. The engine's own identity cannot be
// claimed over the API.
func userOf(r *http.Request) (string, error) {
	userId, ok := appcontext.UserFromContext(r.Context())
	if !ok {
		return "", errUserRequired
	}
	if userId == bpmn.SystemUser {
		return "", zenerr.ErrInvalidOperation.With(fmt.Sprintf("user id %s is reserved", userId))
	}
	return userId, nil
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	body := http.MaxBytesReader(w, r.Body, maxBodySize)
	err := json.NewDecoder(body).Decode(v)
	if errors.Is(err, io.EOF) {
		// empty bodies leave v at its zero value
		return true
	}
	if err != nil {
		writeError(w, r, http.StatusBadRequest, apierror.BadRequest(fmt.Errorf("invalid request body: %w", err)))
		return false
	}
	return true
}

func readBody(w http.ResponseWriter, r *http.Request) ([]byte, bool) {
	data, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodySize))
	if err != nil {
		writeError(w, r, http.StatusBadRequest, apierror.BadRequest(fmt.Errorf("failed to read request body: %w", err)))
		return nil, false
	}
	return data, true
}

func int64Param(w http.ResponseWriter, r *http.Request, name string) (int64, bool) {
	v, err := strconv.ParseInt(chi.URLParam(r, name), 10, 64)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, apierror.BadRequest(fmt.Errorf("path parameter %s must be an integer", name)))
		return 0, false
	}
	return v, true
}

func int32Query(w http.ResponseWriter, r *http.Request, name string) (int32, bool) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return 0, true
	}
	v, err := strconv.ParseInt(raw, 10, 32)
	if err != nil || v < 0 {
		writeError(w, r, http.StatusBadRequest, apierror.BadRequest(fmt.Errorf("query parameter %s must be a non-negative integer", name)))
		return 0, false
	}
	return int32(v), true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v == nil {
		return
	}
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error("Server error: %s", err)
	}
}

// writeEngineError renders err with the status of its kind.
func writeEngineError(w http.ResponseWriter, r *http.Request, err error) {
	status, body := apierror.FromError(err)
	if status == http.StatusServiceUnavailable {
		w.Header().Set("Retry-After", retryAfterSeconds)
	}
	if status >= http.StatusInternalServerError {
		log.Errorf(r.Context(), "%s %s failed: %s", r.Method, r.URL.Path, err)
	}
	writeError(w, r, status, body)
}

func writeError(w http.ResponseWriter, r *http.Request, status int, resp apierror.ApiError) {
	writeJSON(w, status, resp)
}
