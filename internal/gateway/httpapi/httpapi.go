// Package httpapi implements the REST API of the Omni gateway: automation
// and agent route management, event ingestion, and health endpoints.
//
// Security:
//   - API key authentication on /v1 (constant-time comparison)
//   - Per-key rate limiting via token bucket
//   - Request body size limits (default 1 MB)
//   - TLS expected via reverse proxy (not handled here)
package httpapi

import (
	"context"
	"crypto/subtle"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/trace"

	"github.com/jkaninda/okapi"

	"github.com/jkaninda/omni/internal/automation"
	"github.com/jkaninda/omni/internal/domain"
	"github.com/jkaninda/omni/internal/gateway"
	"github.com/jkaninda/omni/internal/observability"
	"github.com/jkaninda/omni/internal/ratelimit"
	"github.com/jkaninda/omni/internal/routing"
)

const (
	defaultMaxRequestSize = 1 << 20 // 1 MB
	anonymousUser         = "anonymous"
)

// ErrorBody is the standard error response used in OpenAPI documentation.
type ErrorBody struct {
	Error string `json:"error"`
}

// Config configures the HTTP API gateway.
type Config struct {
	ListenAddr     string // e.g., ":8080"
	EnableDocs     bool
	APIKeys        map[string]string // API key -> user ID. Empty disables authentication.
	MaxRequestSize int64             // Maximum request body in bytes. 0 = 1 MB default.

	// Observability
	MetricsRegistry *prometheus.Registry            // Custom Prometheus registry for /metrics.
	MetricsPath     string                          // Path for metrics endpoint. Default: "/metrics".
	HealthChecker   *observability.HealthChecker    // Health checker for /readyz.
	Metrics         *observability.MetricsCollector // Metrics collector for HTTP middleware.
	Tracer          trace.Tracer                    // OTel tracer for HTTP middleware.
}

// EventBus is what the API needs from the event bus: publishing ingested
// events and tapping the stream for /v1/events/stream.
type EventBus interface {
	Publish(ctx context.Context, event domain.Event) error
	Subscribe(id string, handler func(context.Context, domain.Event))
	Unsubscribe(id string)
}

// Services are the domain services exposed over HTTP. Bus may be nil, which
// disables event ingestion.
type Services struct {
	Automations *automation.Service
	Engine      *automation.Engine
	Routes      *routing.Service
	Bus         EventBus
}

// Gateway is the HTTP API gateway.
type Gateway struct {
	config  Config
	svc     Services
	limiter *ratelimit.Limiter
	logger  *slog.Logger
	server  *http.Server

	okapi *okapi.Okapi
	group *okapi.Group
	once  sync.Once
}

var _ gateway.Gateway = (*Gateway)(nil)

// NewGateway creates an HTTP API gateway. rl may be nil (no rate limiting).
func NewGateway(cfg Config, svc Services, rl *ratelimit.Limiter, logger *slog.Logger) *Gateway {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.MaxRequestSize <= 0 {
		cfg.MaxRequestSize = defaultMaxRequestSize
	}
	return &Gateway{
		config:  cfg,
		svc:     svc,
		limiter: rl,
		logger:  logger,
		okapi:   okapi.New(okapi.WithMaxMultipartMemory(defaultMaxRequestSize)),
	}
}

// WithOpenAPIDocs serves the generated OpenAPI documentation.
func (g *Gateway) WithOpenAPIDocs() *Gateway {
	g.okapi.WithOpenAPIDocs(
		okapi.OpenAPI{
			Title:   "Omni",
			Version: "v1",
		},
	)
	return g
}

// Handler registers the routes (once) and returns the API as an http.Handler.
func (g *Gateway) Handler() http.Handler {
	g.once.Do(g.registerRoutes)
	return g.okapi
}

func (g *Gateway) registerRoutes() {
	// Body limit, then metrics/tracing (applied globally).
	g.okapi.UseMiddleware(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			r.Body = http.MaxBytesReader(w, r.Body, g.config.MaxRequestSize)
			next.ServeHTTP(w, r)
		})
	})
	if g.config.Metrics != nil || g.config.Tracer != nil {
		g.okapi.UseMiddleware(func(next http.Handler) http.Handler {
			return observability.HTTPMetricsMiddleware(g.config.Metrics, g.config.Tracer, next)
		})
	}

	// Authenticated /v1 group.
	g.group = g.okapi.Group("/v1", g.authenticate)

	g.registerAutomationRoutes()
	g.registerRouteRoutes()
	g.registerEventRoutes()

	g.group.Get("/healthz", g.handleLiveness,
		okapi.DocSummary("Authenticated health check"),
		okapi.DocTags("Health"),
		okapi.DocResponse(HealthResponse{}),
	)

	// Observability endpoints (unauthenticated).
	g.okapi.Get("/healthz", g.handleLiveness)
	g.okapi.Get("/readyz", g.handleReadiness)

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

// Start launches the HTTP server and blocks until it exits or ctx is canceled.
func (g *Gateway) Start(ctx context.Context) error {
	g.once.Do(g.registerRoutes)

	g.server = &http.Server{
		Addr:              g.config.ListenAddr,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      0, // /v1/events/stream is long-lived.
		IdleTimeout:       120 * time.Second,
		BaseContext:       func(_ net.Listener) context.Context { return ctx },
	}

	g.logger.Info("http api gateway starting", slog.String("addr", g.config.ListenAddr))

	err := g.okapi.StartServer(g.server)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Stop gracefully shuts down the HTTP server.
func (g *Gateway) Stop(_ context.Context) error {
	if g.server == nil {
		return nil
	}
	g.logger.Info("http api gateway stopping")
	return g.okapi.Shutdown(g.server)
}

// --- Health ---

// HealthResponse is the JSON response for GET /healthz.
type HealthResponse struct {
	Status string `json:"status"`
}

// handleLiveness is the Kubernetes liveness probe
func (g *Gateway) handleLiveness(c *okapi.Context) error {
	return c.OK(&HealthResponse{Status: "ok"})
}

// handleReadiness checks all registered dependencies and returns 200 or 503.
func (g *Gateway) handleReadiness(c *okapi.Context) error {
	if g.config.HealthChecker == nil {
		return c.OK(&HealthResponse{Status: "ok"})
	}

	status := g.config.HealthChecker.CheckReady(c.Context())
	code := http.StatusOK
	if status.Status != "ok" {
		code = http.StatusServiceUnavailable
	}
	return c.JSON(code, status)
}

// --- Authentication ---

// authenticate validates the API key, stores the mapped user ID and applies
// the per-user rate limit. With no keys configured every caller is anonymous.
func (g *Gateway) authenticate(next okapi.HandlerFunc) okapi.HandlerFunc {
	return func(c *okapi.Context) error {
		userID := anonymousUser
		if len(g.config.APIKeys) > 0 {
			authHeader := c.Header("Authorization")
			if !strings.HasPrefix(authHeader, "Bearer ") {
				return c.AbortUnauthorized("missing or invalid Authorization header")
			}
			apiKey := strings.TrimPrefix(authHeader, "Bearer ")

			userID = ""
			for key, user := range g.config.APIKeys {
				if subtle.ConstantTimeCompare([]byte(apiKey), []byte(key)) == 1 {
					userID = user
				}
			}
			if userID == "" {
				return c.AbortUnauthorized("invalid API key")
			}
		}

		if g.limiter != nil {
			if err := g.limiter.Allow(userID); err != nil {
				return c.AbortTooManyRequests("rate limit exceeded")
			}
		}
		c.Set("userID", userID)
		return next(c)
	}
}

// --- Helpers ---

// writeError maps service errors to HTTP responses.
func (g *Gateway) writeError(c *okapi.Context, op string, err error) error {
	switch {
	case errors.Is(err, automation.ErrNotFound), errors.Is(err, routing.ErrNotFound):
		return c.JSON(http.StatusNotFound, ErrorBody{Error: err.Error()})
	case errors.Is(err, routing.ErrConflict):
		return c.JSON(http.StatusConflict, ErrorBody{Error: err.Error()})
	case errors.Is(err, automation.ErrInvalidAutomation), errors.Is(err, routing.ErrInvalidRoute):
		return c.JSON(http.StatusBadRequest, ErrorBody{Error: err.Error()})
	case errors.Is(err, automation.ErrEngineDisabled):
		return c.JSON(http.StatusServiceUnavailable, ErrorBody{Error: err.Error()})
	default:
		g.logger.ErrorContext(c.Context(), op+" failed",
			slog.String("user_id", c.GetString("userID")),
			slog.String("error", err.Error()),
		)
		return c.AbortInternalServerError(op + " failed")
	}
}

func badRequest(c *okapi.Context, msg string) error {
	return c.JSON(http.StatusBadRequest, ErrorBody{Error: msg})
}

func queryParam(c *okapi.Context, key string) string {
	return c.Request().URL.Query().Get(key)
}
