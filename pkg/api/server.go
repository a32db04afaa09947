// Package api serves the operator HTTP interface of the coordinator:
// cluster status, manual and forced failover, replica recovery, membership
// changes, the failover event log and endpoint health probes.
package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/dd0wney/cluso-ha/pkg/audit"
	"github.com/dd0wney/cluso-ha/pkg/auth"
	"github.com/dd0wney/cluso-ha/pkg/endpoint"
	"github.com/dd0wney/cluso-ha/pkg/failover"
	"github.com/dd0wney/cluso-ha/pkg/health"
	"github.com/dd0wney/cluso-ha/pkg/logging"
	"github.com/dd0wney/cluso-ha/pkg/metrics"
	"github.com/dd0wney/cluso-ha/pkg/topology"
)

// Controller is the part of the failover coordinator the API drives.
type Controller interface {
	GetClusterStatus() failover.ClusterStatus
	TriggerManualFailover(ctx context.Context, group, target string) (audit.Event, error)
	TriggerForcedFailover(ctx context.Context, group, target string, acknowledgeDataLoss bool) (audit.Event, error)
	ResyncReplica(ctx context.Context, group, node string) error
	ResolveReplica(ctx context.Context, group, node string, to topology.Role) error
	AddNode(id, addr string, vote int) error
	RemoveNode(ctx context.Context, id string) error
	Subscribe(buffer int) (<-chan audit.Event, func())
	Events(f audit.Filter, limit int) []audit.Event
}

// ProbeChecker answers load balancer probes for virtual endpoints.
type ProbeChecker interface {
	ProbeCheck(name, probingNode string) endpoint.ProbeResult
}

const (
	defaultEventLimit = 100
	maxEventLimit     = 1000
	maxBodyBytes      = 64 << 10
)

// Config configures a Server.
type Config struct {
	Controller Controller
	Probes     ProbeChecker
	// JWT authenticates requests. When nil every route is open, which is
	// only meant for the simulated engine.
	JWT     *auth.JWTManager
	// Health serves /readyz and /livez when set.
	Health  *health.Checker
	Logger  logging.Logger
	Metrics *metrics.Registry
	Version string
}

// Server is the operator API.
type Server struct {
	ctl       Controller
	probes    ProbeChecker
	jwt       *auth.JWTManager
	health    *health.Checker
	logger    logging.Logger
	metrics   *metrics.Registry
	version   string
	startTime time.Time
}

// NewServer creates a server. Controller and Probes are required.
func NewServer(cfg Config) (*Server, error) {
	if cfg.Controller == nil || cfg.Probes == nil {
		return nil, errors.New("api: controller and probe checker are required")
	}
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.DefaultRegistry()
	}
	if cfg.Version == "" {
		cfg.Version = "dev"
	}
	s := &Server{
		ctl:       cfg.Controller,
		probes:    cfg.Probes,
		jwt:       cfg.JWT,
		health:    cfg.Health,
		logger:    logging.ForComponent(cfg.Logger, "api"),
		metrics:   cfg.Metrics,
		version:   cfg.Version,
		startTime: time.Now(),
	}
	if s.jwt == nil {
		s.logger.Warn("operator API running without authentication")
	}
	return s, nil
}

// Handler returns the routed handler with middleware applied.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /healthz", s.handleHealth)
	if s.health != nil {
		mux.HandleFunc("GET /readyz", s.health.ReadinessHandler())
		mux.HandleFunc("GET /livez", s.health.LivenessHandler())
	}
	mux.Handle("GET /metrics", promhttp.HandlerFor(s.metrics.GetPrometheusRegistry(), promhttp.HandlerOpts{}))
	mux.HandleFunc("GET /v1/endpoints/{name}/probe", s.handleProbe)

	mux.Handle("GET /v1/status", s.require(auth.RoleViewer, s.handleStatus))
	mux.Handle("GET /v1/groups/{group}", s.require(auth.RoleViewer, s.handleGroup))
	mux.Handle("GET /v1/events", s.require(auth.RoleViewer, s.handleEvents))
	mux.Handle("GET /v1/events/stream", s.require(auth.RoleViewer, s.handleEventStream))

	mux.Handle("POST /v1/groups/{group}/failover", s.require(auth.RoleOperator, s.handleManualFailover))
	mux.Handle("POST /v1/groups/{group}/failover/force", s.require(auth.RoleOperator, s.handleForcedFailover))
	mux.Handle("POST /v1/groups/{group}/replicas/{node}/resync", s.require(auth.RoleOperator, s.handleResync))
	mux.Handle("POST /v1/groups/{group}/replicas/{node}/resolve", s.require(auth.RoleOperator, s.handleResolve))

	mux.Handle("POST /v1/nodes", s.require(auth.RoleAdmin, s.handleAddNode))
	mux.Handle("DELETE /v1/nodes/{id}", s.require(auth.RoleAdmin, s.handleRemoveNode))

	return s.recoverPanics(s.requestID(s.instrument(mux)))
}

// require protects h with the given role. The authenticated subject
// becomes the actor recorded on failover events.
func (s *Server) require(role string, h http.HandlerFunc) http.Handler {
	withActor := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if claims, ok := auth.ClaimsFrom(r.Context()); ok {
			r = r.WithContext(failover.WithActor(r.Context(), claims.Subject))
		}
		h(w, r)
	})
	if s.jwt == nil {
		return withActor
	}
	return s.jwt.Require(role, withActor)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.respondJSON(w, http.StatusOK, HealthResponse{
		Status:  "ok",
		Version: s.version,
		Uptime:  time.Since(s.startTime).Round(time.Second).String(),
	})
}
