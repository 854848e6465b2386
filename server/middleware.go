package server

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/noderouter/noderouter/internal/metrics"
	"github.com/noderouter/noderouter/proto"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// Middleware wraps an http.Handler, mirroring cmd/agentflow/middleware.go's
// chain shape.
type Middleware func(http.Handler) http.Handler

// Chain applies middlewares in order, outermost first.
func Chain(h http.Handler, middlewares ...Middleware) http.Handler {
	for i := len(middlewares) - 1; i >= 0; i-- {
		h = middlewares[i](h)
	}
	return h
}

type requestIDKey struct{}

// RequestIDFromContext extracts the request ID injected by RequestID.
func RequestIDFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(requestIDKey{}).(string); ok {
		return v
	}
	return ""
}

// RequestID stamps every request with an X-Request-ID, preserving one the
// client already sent.
func RequestID() Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id := r.Header.Get("X-Request-ID")
			if id == "" {
				id = generateRequestID()
			}
			w.Header().Set("X-Request-ID", id)
			next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), requestIDKey{}, id)))
		})
	}
}

func generateRequestID() string {
	b := make([]byte, 16)
	_, _ = rand.Read(b)
	return "req-" + hex.EncodeToString(b)
}

type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// Flush implements http.Flusher so SSE handlers keep working underneath
// Recovery/RequestLogger/Metrics.
func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Recovery converts a panic in any downstream handler into a 500 instead of
// crashing the process.
func Recovery(logger *zap.Logger) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if err := recover(); err != nil {
					logger.Error("panic recovered", zap.Any("error", err), zap.String("path", r.URL.Path))
					writeJSONMessage(w, http.StatusInternalServerError,
						proto.MakeError(proto.ErrInternal, "internal server error", "", false, nil))
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

// RequestLogger emits one structured access-log line per request.
func RequestLogger(logger *zap.Logger) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rw := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
			next.ServeHTTP(rw, r)
			logger.Info("request",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", rw.statusCode),
				zap.Duration("duration", time.Since(start)),
				zap.String("remote_addr", r.RemoteAddr),
				zap.String("request_id", RequestIDFromContext(r.Context())),
			)
		})
	}
}

// MetricsMiddleware records HTTP request duration and status via the
// router's own metrics.Collector, matching cmd/agentflow's
// MetricsMiddleware but keyed off internal/metrics.Collector's narrower
// RecordHTTPRequest signature.
func MetricsMiddleware(collector *metrics.Collector) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rw := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
			next.ServeHTTP(rw, r)
			collector.RecordHTTPRequest(r.Method, normalizePath(r.URL.Path), fmt.Sprintf("%d", rw.statusCode), time.Since(start))
		})
	}
}

// normalizePath keeps the first path segment and replaces every later
// non-empty segment with ":id" to bound Prometheus label cardinality, so
// "/status/abc" and "/router/catalog" become "/status/:id" and
// "/router/:id".
func normalizePath(path string) string {
	segments := strings.Split(path, "/")
	for i, seg := range segments {
		if i <= 1 {
			continue // leading "" and the fixed route prefix stay as-is
		}
		if seg != "" {
			segments[i] = ":id"
		}
	}
	return strings.Join(segments, "/")
}

// OTelTracing starts a server span per request, extracting any incoming
// trace context, mirroring cmd/agentflow/middleware.go's OTelTracing.
func OTelTracing() Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			propagator := otel.GetTextMapPropagator()
			ctx := propagator.Extract(r.Context(), propagation.HeaderCarrier(r.Header))

			tracer := otel.Tracer("noderouter/http")
			ctx, span := tracer.Start(ctx, r.Method+" "+r.URL.Path, trace.WithSpanKind(trace.SpanKindServer))
			defer span.End()

			rw := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
			next.ServeHTTP(rw, r.WithContext(ctx))
			span.SetAttributes(attribute.Int("http.response.status_code", rw.statusCode))
		})
	}
}

// RateLimiter applies a token-bucket limit per remote IP, matching
// cmd/agentflow/middleware.go's RateLimiter.
func RateLimiter(ctx context.Context, rps float64, burst int) Middleware {
	type visitor struct {
		limiter  *rate.Limiter
		lastSeen time.Time
	}
	var (
		mu       sync.Mutex
		visitors = make(map[string]*visitor)
	)
	go func() {
		ticker := time.NewTicker(time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				mu.Lock()
				for ip, v := range visitors {
					if time.Since(v.lastSeen) > 3*time.Minute {
						delete(visitors, ip)
					}
				}
				mu.Unlock()
			}
		}
	}()
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ip, _, err := net.SplitHostPort(r.RemoteAddr)
			if err != nil {
				ip = r.RemoteAddr
			}
			mu.Lock()
			v, exists := visitors[ip]
			if !exists {
				v = &visitor{limiter: rate.NewLimiter(rate.Limit(rps), burst)}
				visitors[ip] = v
			}
			v.lastSeen = time.Now()
			mu.Unlock()
			if !v.limiter.Allow() {
				writeJSONMessage(w, http.StatusTooManyRequests,
					proto.MakeError(proto.ErrNodeUnavailable, "rate limit exceeded", "", true, nil))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// SecurityHeaders adds common hardening response headers.
func SecurityHeaders() Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("X-Frame-Options", "DENY")
			w.Header().Set("X-Content-Type-Options", "nosniff")
			w.Header().Set("Referrer-Policy", "strict-origin-when-cross-origin")
			next.ServeHTTP(w, r)
		})
	}
}

type identityKey struct{}

// IdentityFromContext extracts the proto.Identity claim JWTAuth injected,
// if any.
func IdentityFromContext(ctx context.Context) *proto.Identity {
	v, _ := ctx.Value(identityKey{}).(*proto.Identity)
	return v
}

// JWTConfig configures JWTAuth. Only HMAC (HS256) is supported — the
// identity claim reaching the core is meant to be asserted by a front-end
// auth proxy, not issued by this process (spec §1: "user
// authentication/TLS front-end ... defined only by the identity claim that
// reaches the core").
type JWTConfig struct {
	Secret   string
	Issuer   string
	Audience string
}

// JWTAuth validates a Bearer JWT and injects a proto.Identity built from its
// actor_id/actor_type/roles claims into the request context. skipPaths
// bypass authentication entirely (health/metrics). An empty Secret disables
// the middleware: every request proceeds unauthenticated, matching a
// deployment with no front-end auth proxy configured.
func JWTAuth(cfg JWTConfig, skipPaths []string, logger *zap.Logger) Middleware {
	skipSet := make(map[string]struct{}, len(skipPaths))
	for _, p := range skipPaths {
		skipSet[p] = struct{}{}
	}
	secret := []byte(cfg.Secret)

	parserOpts := []jwt.ParserOption{jwt.WithValidMethods([]string{"HS256"})}
	if cfg.Issuer != "" {
		parserOpts = append(parserOpts, jwt.WithIssuer(cfg.Issuer))
	}
	if cfg.Audience != "" {
		parserOpts = append(parserOpts, jwt.WithAudience(cfg.Audience))
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if len(secret) == 0 {
				next.ServeHTTP(w, r)
				return
			}
			if _, skip := skipSet[r.URL.Path]; skip {
				next.ServeHTTP(w, r)
				return
			}
			authHeader := r.Header.Get("Authorization")
			if !strings.HasPrefix(authHeader, "Bearer ") {
				writeJSONMessage(w, http.StatusUnauthorized,
					proto.MakeError(proto.ErrAuthRequired, "missing or malformed Authorization header", "", false, nil))
				return
			}
			tokenStr := strings.TrimPrefix(authHeader, "Bearer ")
			token, err := jwt.Parse(tokenStr, func(t *jwt.Token) (any, error) { return secret, nil }, parserOpts...)
			if err != nil || !token.Valid {
				logger.Debug("JWT validation failed", zap.Error(err))
				writeJSONMessage(w, http.StatusUnauthorized,
					proto.MakeError(proto.ErrAuthInvalid, "invalid or expired token", "", false, nil))
				return
			}
			claims, ok := token.Claims.(jwt.MapClaims)
			if !ok {
				writeJSONMessage(w, http.StatusUnauthorized,
					proto.MakeError(proto.ErrAuthInvalid, "invalid token claims", "", false, nil))
				return
			}

			id := &proto.Identity{}
			if v, ok := claims["actor_id"].(string); ok {
				id.ActorID = v
			}
			if v, ok := claims["actor_type"].(string); ok {
				id.ActorType = v
			}
			if roles, ok := claims["roles"].([]any); ok {
				for _, role := range roles {
					if s, ok := role.(string); ok {
						id.Roles = append(id.Roles, s)
					}
				}
			}

			ctx := context.WithValue(r.Context(), identityKey{}, id)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// CORS sets cross-origin headers for the configured allow-list. With an
// empty allowedOrigins no CORS headers are ever set and a cross-origin
// preflight (OPTIONS with an Origin) gets 403, rather than defaulting to
// Access-Control-Allow-Origin: *, matching the teacher's CORS.
func CORS(allowedOrigins []string) Middleware {
	originSet := make(map[string]struct{}, len(allowedOrigins))
	for _, o := range allowedOrigins {
		originSet[o] = struct{}{}
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")
			if len(originSet) == 0 {
				if origin != "" && r.Method == http.MethodOptions {
					w.WriteHeader(http.StatusForbidden)
					return
				}
			} else if _, ok := originSet[origin]; ok {
				w.Header().Set("Access-Control-Allow-Origin", origin)
				w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
				w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
				w.Header().Set("Access-Control-Max-Age", "86400")
			}
			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func writeJSONMessage(w http.ResponseWriter, status int, m *proto.Message) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	enc := jsonEncoder(w)
	_ = enc.Encode(m)
}
