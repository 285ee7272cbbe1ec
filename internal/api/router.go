package api

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/saveenergy/latbench/internal/config"
	"github.com/saveenergy/latbench/internal/logging"
	"github.com/saveenergy/latbench/pkg/types"
)

type Router struct {
	handler          *Handler
	limiter          *RateLimiter
	connectHandler   http.HandlerFunc
	metricsHandler   http.Handler
	allowedOrigins   []string
	clientIPResolver *ClientIPResolver
}

func NewRouter(handler *Handler) *Router {
	return &Router{handler: handler}
}

// SetRateLimiter enables per-IP limiting. A non-positive rate leaves the
// API unlimited.
func (r *Router) SetRateLimiter(cfg *config.Config) {
	if cfg.RateLimitPerIP <= 0 {
		r.limiter = nil
		return
	}
	r.limiter = NewRateLimiter(cfg)
}

func (r *Router) SetClientIPResolver(resolver *ClientIPResolver) {
	r.clientIPResolver = resolver
}

// SetConnectHandler mounts the websocket endpoint clients stream probes over.
func (r *Router) SetConnectHandler(h http.HandlerFunc) {
	r.connectHandler = h
}

func (r *Router) SetMetricsHandler(h http.Handler) {
	r.metricsHandler = h
}

func (r *Router) SetAllowedOrigins(origins []string) {
	r.allowedOrigins = origins
}

func (r *Router) SetupRoutes() http.Handler {
	mux := http.NewServeMux()

	// API v1 routes (rate-limited)
	v1 := func(method, path string, handler http.HandlerFunc) {
		h := handler
		if r.limiter != nil {
			h = applyRateLimit(r.limiter, h)
		}
		mux.HandleFunc(method+" /api/v1"+path, h)
	}

	v1("GET", "/version", r.handler.GetVersion)
	v1("GET", "/logs", r.handler.ListLogs)
	v1("GET", "/logs/export", r.handler.ExportLogs)
	v1("GET", "/logs/summary", r.handler.GetSummary)
	v1("GET", "/clocks/{identity}", r.handler.GetClock)

	// not rate limited: a run reconnects freely and frames never pass here
	if r.connectHandler != nil {
		mux.HandleFunc("GET /api/v1/connect", r.connectHandler)
	}

	mux.HandleFunc("GET /health", r.HealthCheck)
	if r.metricsHandler != nil {
		mux.Handle("GET /metrics", r.metricsHandler)
	}

	// Wrap with middleware (outermost runs first)
	var handler http.Handler = mux
	handler = r.CORSMiddleware(handler)
	handler = SecurityHeadersMiddleware(handler)
	handler = r.LoggingMiddleware(handler)

	return handler
}

func (r *Router) HealthCheck(w http.ResponseWriter, req *http.Request) {
	ctx, cancel := context.WithTimeout(req.Context(), 2*time.Second)
	defer cancel()
	if err := r.handler.Ready(ctx); err != nil {
		logging.Warn("health: store unavailable", logging.Field{Key: "error", Value: err})
		respondJSON(w, map[string]string{"status": "unavailable"}, http.StatusServiceUnavailable)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write([]byte(`{"status":"ok"}`)); err != nil {
		logging.Warn("health: write response", logging.Field{Key: "error", Value: err})
	}
}

func (r *Router) CORSMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		origin := req.Header.Get("Origin")
		originAllowed := origin != "" && r.isAllowedOrigin(origin)
		if originAllowed {
			allowOrigin := origin
			if types.AllowsAll(r.allowedOrigins) {
				allowOrigin = "*"
			}
			w.Header().Set("Access-Control-Allow-Origin", allowOrigin)
			w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Accept-Encoding")
			w.Header().Set("Access-Control-Expose-Headers", "Content-Disposition")
			w.Header().Set("Access-Control-Max-Age", "86400")
			if allowOrigin != "*" {
				w.Header().Add("Vary", "Origin")
			}
		}
		if req.Method == http.MethodOptions {
			if origin != "" && !originAllowed {
				respondJSON(w, map[string]string{"error": "origin not allowed"}, http.StatusForbidden)
				return
			}
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, req)
	})
}

func (r *Router) isAllowedOrigin(origin string) bool {
	if len(r.allowedOrigins) == 0 {
		return false
	}
	return types.MatchOrigin(r.allowedOrigins, origin)
}

type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if hijacker, ok := rw.ResponseWriter.(http.Hijacker); ok {
		return hijacker.Hijack()
	}
	return nil, nil, fmt.Errorf("response writer does not implement http.Hijacker")
}

func (rw *responseWriter) Flush() {
	if flusher, ok := rw.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}

func (r *Router) LoggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		path := req.URL.Path

		// connect is logged by the websocket server for its whole lifetime
		if !strings.HasPrefix(path, "/api/") || strings.HasSuffix(path, "/connect") {
			next.ServeHTTP(w, req)
			return
		}

		start := time.Now()
		rw := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

		next.ServeHTTP(rw, req)

		duration := time.Since(start)
		logging.Info("HTTP request",
			logging.Field{Key: "method", Value: req.Method},
			logging.Field{Key: "path", Value: path},
			logging.Field{Key: "status", Value: rw.statusCode},
			logging.Field{Key: "duration_ms", Value: float64(duration.Microseconds()) / 1000},
			logging.Field{Key: "ip", Value: r.resolveClientIP(req)},
		)
	})
}

func SecurityHeadersMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("Referrer-Policy", "strict-origin-when-cross-origin")
		w.Header().Set("Content-Security-Policy", "default-src 'none'; frame-ancestors 'none'")
		next.ServeHTTP(w, r)
	})
}

func (r *Router) resolveClientIP(req *http.Request) string {
	if r.clientIPResolver == nil {
		if addr, ok := parseRemoteAddr(req.RemoteAddr); ok {
			return addr.String()
		}
		return "unknown"
	}
	return r.clientIPResolver.FromRequest(req)
}
