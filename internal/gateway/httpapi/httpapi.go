// Package httpapi implements the HTTP API gateway for labbox.
//
// Security:
//   - API key authentication on every /v1 request (constant-time comparison)
//   - Request body size limits (default 1 MB)
//   - Per-caller rate limiting via token bucket
//   - TLS expected via reverse proxy (not handled here)
package httpapi

import (
	"context"
	"crypto/subtle"
	"log/slog"
	"math"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/trace"

	"github.com/jkaninda/labbox/internal/events"
	"github.com/jkaninda/labbox/internal/killswitch"
	"github.com/jkaninda/labbox/internal/observability"
	"github.com/jkaninda/labbox/internal/ratelimit"
	"github.com/jkaninda/labbox/internal/session"
	"github.com/jkaninda/okapi"
)

const defaultMaxRequestSize = 1 << 20 // 1 MB

// Config configures the HTTP API gateway.
type Config struct {
	ListenAddr     string // e.g., ":8080"
	EnableDocs     bool
	Version        string
	APIKeys        map[string]string // API key → caller ID mapping.
	MaxRequestSize int64             // Maximum request body in bytes. 0 = 1 MB default.

	// Observability
	MetricsRegistry *prometheus.Registry            // Custom Prometheus registry for /metrics.
	MetricsPath     string                          // Path for metrics endpoint. Default: "/metrics".
	HealthChecker   *observability.HealthChecker    // Health checker for /readyz.
	Metrics         *observability.MetricsCollector // Metrics collector for HTTP middleware.
	Tracer          trace.Tracer                    // OTel tracer for HTTP middleware.
}

// Gateway is the HTTP API gateway.
type Gateway struct {
	config   Config
	sessions *session.Manager
	ks       *killswitch.Controller
	limiter  *ratelimit.Limiter
	logger   *slog.Logger
	server   *http.Server

	sseEnabled bool
	bus        *events.Bus

	// Extra handlers mounted on the HTTP mux (event stream, MCP).
	extraRoutes []extraRoute

	okapi *okapi.Okapi
	group *okapi.Group
}

type extraRoute struct {
	methods []string
	pattern string
	handler http.Handler
}

// NewGateway creates an HTTP API gateway. rl may be nil.
func NewGateway(cfg Config, sessions *session.Manager, ks *killswitch.Controller, rl *ratelimit.Limiter, logger *slog.Logger) *Gateway {
	size := cfg.MaxRequestSize
	if size <= 0 {
		size = defaultMaxRequestSize
	}
	return &Gateway{
		config:   cfg,
		sessions: sessions,
		ks:       ks,
		limiter:  rl,
		logger:   logger,
		okapi:    okapi.New(okapi.WithMaxMultipartMemory(size)),
	}
}

func (g *Gateway) WithOpenAPIDocs() *Gateway {
	version := g.config.Version
	if version == "" {
		version = "dev"
	}
	g.okapi.WithOpenAPIDocs(
		okapi.OpenAPI{
			Title:   "labbox",
			Version: version,
		},
	)
	return g
}

// WithSSE enables the streaming execute endpoint, fed from bus.
func (g *Gateway) WithSSE(bus *events.Bus) *Gateway {
	g.sseEnabled = bus != nil
	g.bus = bus
	return g
}

// WithHandler mounts an additional handler at pattern for the given
// methods (GET when none are given). The handler does its own auth.
func (g *Gateway) WithHandler(pattern string, handler http.Handler, methods ...string) *Gateway {
	if len(methods) == 0 {
		methods = []string{http.MethodGet}
	}
	g.extraRoutes = append(g.extraRoutes, extraRoute{methods: methods, pattern: pattern, handler: handler})
	return g
}

// Start launches the HTTP server and blocks until it exits or ctx is canceled.
func (g *Gateway) Start(ctx context.Context) error {
	if g.config.Metrics != nil || g.config.Tracer != nil {
		g.okapi.UseMiddleware(func(next http.Handler) http.Handler {
			return observability.HTTPMetricsMiddleware(g.config.Metrics, g.config.Tracer, next)
		})
	}

	g.group = g.okapi.Group("/v1", g.authenticate)
	g.registerSessionRoutes()
	g.registerHistoryRoutes()
	g.registerIsolateRoutes()

	for _, er := range g.extraRoutes {
		for _, method := range er.methods {
			g.okapi.HandleStd(method, er.pattern, er.handler.ServeHTTP)
		}
	}

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

	// Executions may run for the sandbox timeout; the write timeout leaves
	// room for it.
	g.server = &http.Server{
		Addr:              g.config.ListenAddr,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      10 * time.Minute,
		IdleTimeout:       120 * time.Second,
		BaseContext:       func(_ net.Listener) context.Context { return ctx },
	}

	g.logger.Info("http api gateway starting", slog.String("addr", g.config.ListenAddr))
	return g.okapi.StartServer(g.server)
}

// Stop gracefully shuts down the HTTP server.
func (g *Gateway) Stop(ctx context.Context) error {
	if g.server == nil {
		return nil
	}
	g.logger.Info("http api gateway stopping")
	return g.okapi.Shutdown(g.server)
}

// HealthResponse is the JSON response for GET /healthz.
type HealthResponse struct {
	Status string `json:"status"`
}

// handleLiveness is the Kubernetes liveness probe.
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

// authenticate validates the bearer API key and stores the mapped caller ID.
func (g *Gateway) authenticate(next okapi.HandlerFunc) okapi.HandlerFunc {
	return func(c *okapi.Context) error {
		callerID, ok := CallerForKey(g.config.APIKeys, BearerToken(c.Header("Authorization")))
		if !ok {
			return c.AbortUnauthorized("missing or invalid API key")
		}
		c.Set("callerID", callerID)

		if g.limiter != nil {
			if wait, err := g.limiter.Take(callerID); err != nil {
				return c.JSON(http.StatusTooManyRequests, ErrorBody{
					Error:             err.Error(),
					Kind:              "RateLimited",
					RetryAfterSeconds: int(math.Ceil(wait.Seconds())),
				})
			}
		}
		return next(c)
	}
}

// BearerToken extracts the token from an Authorization header value.
func BearerToken(header string) string {
	token, ok := strings.CutPrefix(header, "Bearer ")
	if !ok {
		return ""
	}
	return strings.TrimSpace(token)
}

// CallerForKey resolves an API key to its caller ID in constant time per key.
func CallerForKey(keys map[string]string, apiKey string) (string, bool) {
	if apiKey == "" {
		return "", false
	}
	callerID := ""
	for key, id := range keys {
		if subtle.ConstantTimeCompare([]byte(apiKey), []byte(key)) == 1 {
			callerID = id
		}
	}
	return callerID, callerID != ""
}

// RequireAPIKey wraps a plain handler with the same bearer check as the
// /v1 group. A token query parameter is accepted for websocket clients
// that cannot set headers.
func RequireAPIKey(keys map[string]string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := BearerToken(r.Header.Get("Authorization"))
		if token == "" {
			token = r.URL.Query().Get("token")
		}
		if _, ok := CallerForKey(keys, token); !ok {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}
