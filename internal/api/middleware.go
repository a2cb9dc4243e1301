package api

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/embedkb/embedkb/internal/apperr"
)

type contextKey int

const (
	ctxKeyRequestID contextKey = iota
	ctxKeyTraceID
)

func requestIDFrom(ctx context.Context) string {
	id, _ := ctx.Value(ctxKeyRequestID).(string)
	return id
}

func traceIDFrom(ctx context.Context) string {
	id, _ := ctx.Value(ctxKeyTraceID).(string)
	return id
}

// withRequestID assigns every request an id (honoring an inbound
// x-request-id) and derives the trace id: x-trace-id, then x-request-id,
// then the assigned id.
func withRequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-Id")
		if requestID == "" {
			requestID = uuid.NewString()
		}
		traceID := r.Header.Get("X-Trace-Id")
		if traceID == "" {
			traceID = requestID
		}

		ctx := context.WithValue(r.Context(), ctxKeyRequestID, requestID)
		ctx = context.WithValue(ctx, ctxKeyTraceID, traceID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// withRecovery turns handler panics into a 500 envelope instead of a
// dropped connection.
func withRecovery(logger *slog.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				logger.Error("handler panic", "path", r.URL.Path, "panic", rec)
				writeError(w, r, logger, apperr.New(http.StatusInternalServerError,
					apperr.CodeInternal, "internal error"))
			}
		}()
		next.ServeHTTP(w, r)
	})
}

// withLogging logs one line per request.
func withLogging(logger *slog.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		logger.Info("request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", rec.status,
			"duration_ms", time.Since(start).Milliseconds(),
			"request_id", requestIDFrom(r.Context()))
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// withCORS reflects the caller's origin on the widget-facing endpoints.
// Actual allowlist enforcement happens inside the services; the browser
// only needs permission to read the (possibly error) response.
func withCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if reqOrigin := r.Header.Get("Origin"); reqOrigin != "" {
			w.Header().Set("Access-Control-Allow-Origin", reqOrigin)
			w.Header().Set("Vary", "Origin")
		}
		if r.Method == http.MethodOptions {
			w.Header().Set("Access-Control-Allow-Methods", "POST, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, X-Request-Id, X-Trace-Id")
			w.Header().Set("Access-Control-Max-Age", "86400")
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// ipLimiter rate-limits by client IP ahead of any project-level limits, to
// blunt scripted abuse against the unauthenticated endpoints.
type ipLimiter struct {
	mu         sync.Mutex
	limiters   map[string]*rate.Limiter
	refill     rate.Limit
	burst      int
	trustProxy bool
}

// maxTrackedIPs caps the limiter map; past it the map is dropped wholesale,
// which briefly over-admits rather than growing without bound.
const maxTrackedIPs = 100_000

func newIPLimiter(burst int, trustProxy bool) *ipLimiter {
	if burst <= 0 {
		burst = 1
	}
	return &ipLimiter{
		limiters:   make(map[string]*rate.Limiter),
		refill:     rate.Every(time.Second),
		burst:      burst,
		trustProxy: trustProxy,
	}
}

func (l *ipLimiter) allow(ip string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	if len(l.limiters) > maxTrackedIPs {
		l.limiters = make(map[string]*rate.Limiter)
	}
	lim, ok := l.limiters[ip]
	if !ok {
		lim = rate.NewLimiter(l.refill, l.burst)
		l.limiters[ip] = lim
	}
	return lim.Allow()
}

// wrap applies the per-IP limit to a handler.
func (l *ipLimiter) wrap(logger *slog.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !l.allow(clientIP(r, l.trustProxy)) {
			writeError(w, r, logger, apperr.New(http.StatusTooManyRequests,
				apperr.CodeRateLimited, "too many requests").WithRetryAfter(time.Second))
			return
		}
		next.ServeHTTP(w, r)
	})
}

// clientIP extracts the caller's address. X-Forwarded-For is honored only
// when the service is configured as sitting behind a trusted proxy.
func clientIP(r *http.Request, trustProxy bool) string {
	if trustProxy {
		if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
			first, _, _ := strings.Cut(fwd, ",")
			return strings.TrimSpace(first)
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
