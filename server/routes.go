package server

import (
	"context"
	"net/http"

	"github.com/noderouter/noderouter/runtime"
	"github.com/noderouter/noderouter/stream"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// Options configures the middleware chain wrapping the router's HTTP
// surface, grounded on cmd/agentflow/server.go's startHTTPServer.
type Options struct {
	JWT          JWTConfig
	JWTSkipPaths []string
	RateRPS      float64
	RateBurst    int
	CORSOrigins  []string
}

// DefaultOptions disables JWT (an empty secret) and sets a generous default
// rate limit, matching a single-tenant local deployment.
func DefaultOptions() Options {
	return Options{
		JWTSkipPaths: []string{"/health", "/metrics"},
		RateRPS:      50,
		RateBurst:    100,
	}
}

// NewHandler builds the full net/http.Handler for the router daemon: every
// endpoint in spec §6 plus the middleware chain (Recovery, RequestID,
// RequestLogger, MetricsMiddleware, OTelTracing, RateLimiter, JWTAuth,
// SecurityHeaders), mirroring cmd/agentflow/server.go's startHTTPServer.
func NewHandler(ctx context.Context, rt *runtime.Runtime, streamHandler *stream.Handler, opts Options, logger *zap.Logger) http.Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	a := &api{rt: rt, logger: logger}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", a.handleHealth)
	mux.HandleFunc("GET /router/catalog", a.handleCatalog)
	mux.HandleFunc("GET /router/registry", a.handleRegistry)
	mux.HandleFunc("POST /router/node/register", a.handleNodeRegister)
	mux.HandleFunc("POST /router/node/heartbeat", a.handleNodeHeartbeat)
	mux.HandleFunc("POST /route", a.handleRoute)
	mux.HandleFunc("POST /route_async", a.handleRouteAsync)
	mux.HandleFunc("POST /worker_result", a.handleWorkerResult)
	mux.HandleFunc("GET /status/{id}", a.handleStatus)
	mux.HandleFunc("GET /replay/{id}", a.handleReplay)
	mux.HandleFunc("POST /intent/analyze", a.handleIntentAnalyze)
	mux.HandleFunc("POST /intent/route", a.handleIntentRoute)
	mux.HandleFunc("GET /approval/pending", a.handleApprovalPending)
	mux.HandleFunc("POST /approval/resolve", a.handleApprovalResolve)
	mux.HandleFunc("POST /complete", streamHandler.HandleComplete)
	mux.HandleFunc("POST /stream", streamHandler.HandleStream)
	mux.Handle("GET /metrics", promhttp.HandlerFor(rt.Metrics.Registry(), promhttp.HandlerOpts{}))

	return Chain(mux,
		Recovery(logger),
		RequestID(),
		RequestLogger(logger),
		MetricsMiddleware(rt.Metrics),
		OTelTracing(),
		RateLimiter(ctx, opts.RateRPS, opts.RateBurst),
		JWTAuth(opts.JWT, opts.JWTSkipPaths, logger),
		SecurityHeaders(),
		CORS(opts.CORSOrigins),
	)
}
