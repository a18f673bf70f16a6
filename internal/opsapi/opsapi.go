// Package opsapi serves the read-only operations endpoints of "warden serve":
// health, readiness, Prometheus metrics and security event summaries.
//
// Security:
//   - Binds to loopback addresses only
//   - No endpoint can run a command or change state
//   - Per-client request rate limit
package opsapi

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/netip"
	"strconv"
	"sync"
	"time"

	"github.com/jkaninda/okapi"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/trace"

	"github.com/jkaninda/warden/internal/observability"
	"github.com/jkaninda/warden/internal/ratelimit"
	"github.com/jkaninda/warden/internal/storage"
)

const (
	defaultSummarySince   = 24 * time.Hour
	defaultTrendingWindow = time.Hour
	maxQueryRange         = 366 * 24 * time.Hour
)

// ErrNotLoopback is returned by Start for a listen address that is not a
// loopback address.
var ErrNotLoopback = errors.New("ops api must listen on a loopback address")

// ErrorBody is the standard error response.
type ErrorBody struct {
	Error string `json:"error"`
}

// EventQuerier is the read side of the event store.
type EventQuerier interface {
	Summary(ctx context.Context, since time.Time) (*storage.Summary, error)
	Trending(ctx context.Context, window time.Duration, threshold float64) ([]storage.Trend, error)
}

// Config configures the ops API.
type Config struct {
	ListenAddr string // e.g. "127.0.0.1:9465"
	EnableDocs bool
	Version    string

	// RequestsPerMinute caps requests per client address. 0 = 120.
	RequestsPerMinute int

	MetricsRegistry *prometheus.Registry            // Registry exposed on /metrics. nil = no endpoint.
	MetricsPath     string                          // Default: "/metrics".
	HealthChecker   *observability.HealthChecker    // Backs /readyz.
	Metrics         *observability.MetricsCollector // HTTP middleware metrics.
	Tracer          trace.Tracer                    // HTTP middleware spans.

	Now func() time.Time
}

// Server is the ops HTTP server.
type Server struct {
	config  Config
	events  EventQuerier
	limiter *ratelimit.Limiter
	logger  *slog.Logger
	server  *http.Server

	once  sync.Once
	okapi *okapi.Okapi
}

// New creates an ops API server. events may be nil, in which case the event
// endpoints answer 503.
func New(cfg Config, events EventQuerier, logger *slog.Logger) *Server {
	if cfg.RequestsPerMinute <= 0 {
		cfg.RequestsPerMinute = 120
	}
	if cfg.MetricsPath == "" {
		cfg.MetricsPath = "/metrics"
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		config: cfg,
		events: events,
		limiter: ratelimit.NewLimiter(ratelimit.Config{
			Window:    time.Minute,
			MaxEvents: cfg.RequestsPerMinute,
			Now:       cfg.Now,
		}),
		logger: logger,
		okapi:  okapi.New(),
	}
}

// Handler returns the routed handler. Routes are registered on first use.
func (s *Server) Handler() http.Handler {
	s.once.Do(s.routes)
	return s.okapi
}

func (s *Server) routes() {
	if s.config.Metrics != nil || s.config.Tracer != nil {
		s.okapi.Use(observability.MetricsMiddleware(s.config.Metrics, s.config.Tracer))
	}
	s.okapi.Use(s.rateLimit)

	s.okapi.Get("/healthz", s.handleLiveness,
		okapi.DocSummary("Liveness probe"),
		okapi.DocTags("Health"),
		okapi.DocResponse(observability.HealthStatus{}),
	)
	s.okapi.Get("/readyz", s.handleReadiness,
		okapi.DocSummary("Readiness of the event store and sandbox backend"),
		okapi.DocTags("Health"),
		okapi.DocResponse(observability.HealthStatus{}),
		okapi.DocResponse(http.StatusServiceUnavailable, observability.HealthStatus{}),
	)

	v1 := s.okapi.Group("/v1")
	v1.Get("/events/summary", s.handleSummary,
		okapi.DocSummary("Security event counts by kind and severity"),
		okapi.DocTags("Events"),
		okapi.DocQueryParam("since", "string", "Look-back duration, e.g. 24h", false),
		okapi.DocResponse(SummaryResponse{}),
		okapi.DocResponse(http.StatusBadRequest, ErrorBody{}),
	)
	v1.Get("/events/trending", s.handleTrending,
		okapi.DocSummary("Event kinds whose rate grew against the previous window"),
		okapi.DocTags("Events"),
		okapi.DocQueryParam("window", "string", "Comparison window, e.g. 1h", false),
		okapi.DocQueryParam("threshold", "number", "Growth ratio, default 2", false),
		okapi.DocResponse(TrendingResponse{}),
		okapi.DocResponse(http.StatusBadRequest, ErrorBody{}),
	)

	if s.config.MetricsRegistry != nil {
		s.okapi.HandleStd(http.MethodGet, s.config.MetricsPath,
			promhttp.HandlerFor(s.config.MetricsRegistry, promhttp.HandlerOpts{}).ServeHTTP)
	}
	if s.config.EnableDocs {
		s.okapi.WithOpenAPIDocs(okapi.OpenAPI{
			Title:   "warden ops",
			Version: s.config.Version,
		})
	}
}

// Start launches the HTTP server and blocks until it exits.
func (s *Server) Start(ctx context.Context) error {
	if err := CheckLoopback(s.config.ListenAddr); err != nil {
		return err
	}
	handler := s.Handler()

	s.server = &http.Server{
		Addr:              s.config.ListenAddr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
		BaseContext:       func(_ net.Listener) context.Context { return ctx },
	}

	s.logger.Info("ops api starting", slog.String("addr", s.config.ListenAddr))
	return s.okapi.StartServer(s.server)
}

// Stop gracefully shuts down the HTTP server.
func (s *Server) Stop(context.Context) error {
	if s.server == nil {
		return nil
	}
	s.logger.Info("ops api stopping")
	return s.okapi.Shutdown(s.server)
}

// CheckLoopback returns ErrNotLoopback unless addr is host:port with a
// loopback IP or "localhost".
func CheckLoopback(addr string) error {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return fmt.Errorf("invalid listen address %q: %w", addr, err)
	}
	if host == "localhost" {
		return nil
	}
	ip, err := netip.ParseAddr(host)
	if err != nil || !ip.IsLoopback() {
		return fmt.Errorf("%w: %q", ErrNotLoopback, addr)
	}
	return nil
}

// --- Middleware ---

func (s *Server) rateLimit(next okapi.HandlerFunc) okapi.HandlerFunc {
	return func(c *okapi.Context) error {
		key := c.Request().RemoteAddr
		if host, _, err := net.SplitHostPort(key); err == nil {
			key = host
		}
		if !s.limiter.Allow(key).Allowed {
			return c.AbortTooManyRequests("rate limit exceeded")
		}
		return next(c)
	}
}

// --- Handlers ---

func (s *Server) handleLiveness(c *okapi.Context) error {
	if s.config.HealthChecker == nil {
		return c.OK(observability.HealthStatus{Status: observability.StatusOK, Version: s.config.Version})
	}
	return c.OK(s.config.HealthChecker.CheckHealth())
}

// handleReadiness runs every registered check and answers 200 or 503.
func (s *Server) handleReadiness(c *okapi.Context) error {
	if s.config.HealthChecker == nil {
		return c.OK(observability.HealthStatus{Status: observability.StatusOK, Version: s.config.Version})
	}
	status := s.config.HealthChecker.CheckReady(c.Context())
	code := http.StatusOK
	if status.Status != observability.StatusOK {
		code = http.StatusServiceUnavailable
	}
	return c.JSON(code, status)
}

// SummaryResponse is the JSON response of GET /v1/events/summary.
type SummaryResponse struct {
	Since      time.Time        `json:"since"`
	Total      int64            `json:"total"`
	ByKind     map[string]int64 `json:"by_kind"`
	BySeverity map[string]int64 `json:"by_severity"`
}

func (s *Server) handleSummary(c *okapi.Context) error {
	if s.events == nil {
		return c.JSON(http.StatusServiceUnavailable, ErrorBody{Error: "event store not configured"})
	}
	since, err := durationParam(c.Query("since"), defaultSummarySince)
	if err != nil {
		return c.JSON(http.StatusBadRequest, ErrorBody{Error: "since: " + err.Error()})
	}

	sum, err := s.events.Summary(c.Context(), s.config.Now().Add(-since))
	if err != nil {
		s.logger.Error("event summary failed", slog.String("error", err.Error()))
		return c.AbortInternalServerError("summary failed")
	}
	return c.OK(SummaryResponse{
		Since:      sum.Since,
		Total:      sum.Total,
		ByKind:     sum.ByKind,
		BySeverity: sum.BySeverity,
	})
}

// TrendResponse is one trending event kind.
type TrendResponse struct {
	Kind     string  `json:"kind"`
	Current  int64   `json:"current"`
	Previous int64   `json:"previous"`
	Ratio    float64 `json:"ratio,omitempty"`
}

// TrendingResponse is the JSON response of GET /v1/events/trending.
type TrendingResponse struct {
	Window    string          `json:"window"`
	Threshold float64         `json:"threshold"`
	Trends    []TrendResponse `json:"trends"`
}

func (s *Server) handleTrending(c *okapi.Context) error {
	if s.events == nil {
		return c.JSON(http.StatusServiceUnavailable, ErrorBody{Error: "event store not configured"})
	}
	window, err := durationParam(c.Query("window"), defaultTrendingWindow)
	if err != nil {
		return c.JSON(http.StatusBadRequest, ErrorBody{Error: "window: " + err.Error()})
	}
	threshold := storage.DefaultTrendThreshold
	if raw := c.Query("threshold"); raw != "" {
		threshold, err = strconv.ParseFloat(raw, 64)
		if err != nil || threshold <= 1 {
			return c.JSON(http.StatusBadRequest, ErrorBody{Error: "threshold must be a number greater than 1"})
		}
	}

	trends, err := s.events.Trending(c.Context(), window, threshold)
	if err != nil {
		s.logger.Error("event trending failed", slog.String("error", err.Error()))
		return c.AbortInternalServerError("trending failed")
	}
	resp := TrendingResponse{
		Window:    window.String(),
		Threshold: threshold,
		Trends:    make([]TrendResponse, len(trends)),
	}
	for i, t := range trends {
		resp.Trends[i] = TrendResponse{Kind: t.Kind, Current: t.Current, Previous: t.Previous, Ratio: t.Ratio}
	}
	return c.OK(resp)
}

func durationParam(raw string, def time.Duration) (time.Duration, error) {
	if raw == "" {
		return def, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, err
	}
	if d <= 0 || d > maxQueryRange {
		return 0, fmt.Errorf("must be between 0 and %s", maxQueryRange)
	}
	return d, nil
}
