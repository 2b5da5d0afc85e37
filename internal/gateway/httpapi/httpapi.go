// Package httpapi serves the operational endpoints of sandboxd: liveness,
// readiness, Prometheus metrics and read-only views of the health checker
// and the resource monitor. It does not expose sandbox CRUD.
package httpapi

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	"sort"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/jkaninda/okapi"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/trace"

	"github.com/jkaninda/sandboxd/internal/gateway"
	"github.com/jkaninda/sandboxd/internal/health"
	"github.com/jkaninda/sandboxd/internal/monitor"
	"github.com/jkaninda/sandboxd/internal/observability"
)

const defaultMaxRequestSize = 1 << 20 // 1 MB

// ErrorBody is the standard error response used in OpenAPI documentation.
type ErrorBody struct {
	Error string `json:"error"`
}

// Config configures the HTTP gateway.
type Config struct {
	ListenAddr string // e.g., ":9090"
	EnableDocs bool

	MetricsRegistry *prometheus.Registry            // Custom Prometheus registry for /metrics.
	MetricsPath     string                          // Default: "/metrics".
	Readiness       *observability.HealthChecker    // Checks behind /readyz.
	Metrics         *observability.MetricsCollector // HTTP middleware metrics.
	Tracer          trace.Tracer                    // HTTP middleware spans.
}

// HealthView is the read side of the health checker. *health.Checker
// implements it.
type HealthView interface {
	Running() bool
	Summary() map[uuid.UUID]health.Status
	UnhealthyCount() int
	DegradedCount() int
	HealthChecks(id uuid.UUID, limit int) []health.Check
}

// MonitorView is the read side of the resource monitor. *monitor.Monitor
// implements it.
type MonitorView interface {
	Running() bool
	CheckResourceLimits() []monitor.Violation
	Snapshots(id uuid.UUID, limit int) []monitor.Snapshot
	AggregatedMetrics(id uuid.UUID, windowMinutes int) *monitor.Aggregate
}

// Gateway is the operational HTTP gateway.
type Gateway struct {
	config  Config
	health  HealthView
	monitor MonitorView
	logger  *slog.Logger
	server  *http.Server
	okapi   *okapi.Okapi
}

var _ gateway.Gateway = (*Gateway)(nil)

// NewGateway creates a gateway. health and monitor may be nil when the
// corresponding loop is disabled.
func NewGateway(cfg Config, hv HealthView, mv MonitorView, logger *slog.Logger) *Gateway {
	if logger == nil {
		logger = slog.Default()
	}
	return &Gateway{
		config:  cfg,
		health:  hv,
		monitor: mv,
		logger:  logger,
		okapi:   okapi.New(okapi.WithMaxMultipartMemory(defaultMaxRequestSize)),
	}
}

// WithOpenAPIDocs serves the generated OpenAPI documentation.
func (g *Gateway) WithOpenAPIDocs() *Gateway {
	g.okapi.WithOpenAPIDocs(
		okapi.OpenAPI{
			Title:   "sandboxd",
			Version: "v0.1.0",
		},
	)
	return g
}

func (g *Gateway) routes() {
	if g.config.Metrics != nil || g.config.Tracer != nil {
		g.okapi.Use(observability.MetricsMiddleware(g.config.Metrics, g.config.Tracer))
	}

	g.okapi.Get("/healthz", g.handleLiveness,
		okapi.DocSummary("Liveness probe"),
		okapi.DocTags("Health"),
		okapi.DocResponse(HealthResponse{}),
	)
	g.okapi.Get("/readyz", g.handleReadiness,
		okapi.DocSummary("Readiness of the store and the providers"),
		okapi.DocTags("Health"),
		okapi.DocResponse(observability.HealthStatus{}),
		okapi.DocResponse(http.StatusServiceUnavailable, observability.HealthStatus{}),
	)

	v1 := g.okapi.Group("/v1")
	v1.Get("/status", g.handleStatus,
		okapi.DocSummary("Health summary and resource violations"),
		okapi.DocTags("Status"),
		okapi.DocResponse(StatusResponse{}),
	)
	v1.Get("/sandboxes/{id}/health", g.handleSandboxHealth,
		okapi.DocSummary("Recent health checks of a sandbox, newest first"),
		okapi.DocTags("Status"),
		okapi.DocPathParam("id", "string", "Sandbox ID (UUID)"),
		okapi.DocResponse([]health.Check{}),
		okapi.DocResponse(http.StatusBadRequest, ErrorBody{}),
		okapi.DocResponse(http.StatusServiceUnavailable, ErrorBody{}),
	)
	v1.Get("/sandboxes/{id}/metrics", g.handleSandboxMetrics,
		okapi.DocSummary("Resource snapshots and aggregate of a sandbox"),
		okapi.DocTags("Status"),
		okapi.DocPathParam("id", "string", "Sandbox ID (UUID)"),
		okapi.DocResponse(MetricsResponse{}),
		okapi.DocResponse(http.StatusBadRequest, ErrorBody{}),
		okapi.DocResponse(http.StatusServiceUnavailable, ErrorBody{}),
	)

	if g.config.MetricsRegistry != nil {
		path := g.config.MetricsPath
		if path == "" {
			path = "/metrics"
		}
		g.okapi.HandleStd("GET", path, promhttp.HandlerFor(g.config.MetricsRegistry, promhttp.HandlerOpts{}).ServeHTTP)
	}
	if g.config.EnableDocs {
		g.WithOpenAPIDocs()
	}
}

// Start launches the HTTP server and blocks until it exits.
func (g *Gateway) Start(ctx context.Context) error {
	g.routes()

	g.server = &http.Server{
		Addr:              g.config.ListenAddr,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
		BaseContext:       func(_ net.Listener) context.Context { return ctx },
	}

	g.logger.Info("http gateway starting", slog.String("addr", g.config.ListenAddr))
	return g.okapi.StartServer(g.server)
}

// Stop gracefully shuts down the HTTP server.
func (g *Gateway) Stop(_ context.Context) error {
	if g.server == nil {
		return nil
	}
	g.logger.Info("http gateway stopping")
	return g.okapi.Shutdown(g.server)
}

// --- Handlers ---

// HealthResponse is the JSON response for GET /healthz.
type HealthResponse struct {
	Status string `json:"status"`
}

func (g *Gateway) handleLiveness(c *okapi.Context) error {
	return c.OK(&HealthResponse{Status: "ok"})
}

// handleReadiness runs every registered check and returns 200 or 503.
func (g *Gateway) handleReadiness(c *okapi.Context) error {
	if g.config.Readiness == nil {
		return c.OK(&HealthResponse{Status: "ok"})
	}
	status := g.config.Readiness.CheckReady(c.Context())
	code := http.StatusOK
	if status.Status != "ok" {
		code = http.StatusServiceUnavailable
	}
	return c.JSON(code, status)
}

// StatusResponse is the JSON response for GET /v1/status.
type StatusResponse struct {
	HealthChecker   LoopStatus          `json:"health_checker"`
	ResourceMonitor LoopStatus          `json:"resource_monitor"`
	Sandboxes       []SandboxHealth     `json:"sandboxes"`
	Unhealthy       int                 `json:"unhealthy"`
	Degraded        int                 `json:"degraded"`
	Violations      []monitor.Violation `json:"violations"`
}

// LoopStatus reports whether a background loop is configured and running.
type LoopStatus struct {
	Enabled bool `json:"enabled"`
	Running bool `json:"running"`
}

// SandboxHealth is the latest health status of one sandbox.
type SandboxHealth struct {
	SandboxID string        `json:"sandbox_id"`
	Status    health.Status `json:"status"`
}

func (g *Gateway) handleStatus(c *okapi.Context) error {
	return c.OK(g.status())
}

func (g *Gateway) status() StatusResponse {
	resp := StatusResponse{
		Sandboxes:  []SandboxHealth{},
		Violations: []monitor.Violation{},
	}
	if g.health != nil {
		resp.HealthChecker = LoopStatus{Enabled: true, Running: g.health.Running()}
		for id, st := range g.health.Summary() {
			resp.Sandboxes = append(resp.Sandboxes, SandboxHealth{SandboxID: id.String(), Status: st})
		}
		sort.Slice(resp.Sandboxes, func(i, j int) bool {
			return resp.Sandboxes[i].SandboxID < resp.Sandboxes[j].SandboxID
		})
		resp.Unhealthy = g.health.UnhealthyCount()
		resp.Degraded = g.health.DegradedCount()
	}
	if g.monitor != nil {
		resp.ResourceMonitor = LoopStatus{Enabled: true, Running: g.monitor.Running()}
		if v := g.monitor.CheckResourceLimits(); v != nil {
			resp.Violations = v
		}
	}
	return resp
}

func (g *Gateway) handleSandboxHealth(c *okapi.Context) error {
	if g.health == nil {
		return c.JSON(http.StatusServiceUnavailable, okapi.M{"error": "health checker disabled"})
	}
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return c.JSON(http.StatusBadRequest, okapi.M{"error": "invalid sandbox ID"})
	}
	checks := g.health.HealthChecks(id, queryInt(c, "limit", 20))
	if checks == nil {
		checks = []health.Check{}
	}
	return c.OK(checks)
}

// MetricsResponse is the JSON response for GET /v1/sandboxes/{id}/metrics.
type MetricsResponse struct {
	Snapshots []monitor.Snapshot `json:"snapshots"`
	Aggregate *monitor.Aggregate `json:"aggregate,omitempty"`
}

func (g *Gateway) handleSandboxMetrics(c *okapi.Context) error {
	if g.monitor == nil {
		return c.JSON(http.StatusServiceUnavailable, okapi.M{"error": "resource monitor disabled"})
	}
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return c.JSON(http.StatusBadRequest, okapi.M{"error": "invalid sandbox ID"})
	}
	return c.OK(g.sandboxMetrics(id, queryInt(c, "limit", 60), queryInt(c, "window", 5)))
}

func (g *Gateway) sandboxMetrics(id uuid.UUID, limit, window int) MetricsResponse {
	resp := MetricsResponse{
		Snapshots: g.monitor.Snapshots(id, limit),
		Aggregate: g.monitor.AggregatedMetrics(id, window),
	}
	if resp.Snapshots == nil {
		resp.Snapshots = []monitor.Snapshot{}
	}
	return resp
}

func queryInt(c *okapi.Context, name string, def int) int {
	v, err := strconv.Atoi(c.Query(name))
	if err != nil || v <= 0 {
		return def
	}
	return v
}
