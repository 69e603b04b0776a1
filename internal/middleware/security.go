package middleware

import (
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"github.com/sirupsen/logrus"
)

// AdminKeyHeader carries the shared secret for certificate administration.
const AdminKeyHeader = "X-Admin-API-Key"

// SecurityHeadersMiddleware adds security headers to all responses.
func SecurityHeadersMiddleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("X-Frame-Options", "DENY")
			w.Header().Set("X-Content-Type-Options", "nosniff")
			if r.TLS != nil {
				w.Header().Set("Strict-Transport-Security", "max-age=31536000; includeSubDomains")
			}
			// Responses are JSON only; nothing should ever be rendered or cached.
			w.Header().Set("Content-Security-Policy", "default-src 'none'; frame-ancestors 'none'")
			w.Header().Set("Cache-Control", "no-store")
			w.Header().Set("Referrer-Policy", "no-referrer")

			next.ServeHTTP(w, r)
		})
	}
}

// RateLimiter is a fixed-window request limiter keyed by client address.
type RateLimiter struct {
	mu      sync.Mutex
	windows *gocache.Cache
	limit   int           // requests per window
	window  time.Duration // time window
	logger  *logrus.Logger
}

// NewRateLimiter creates a new rate limiter. Idle clients expire with their window.
func NewRateLimiter(limit int, window time.Duration, logger *logrus.Logger) *RateLimiter {
	return &RateLimiter{
		windows: gocache.New(window, window*2),
		limit:   limit,
		window:  window,
		logger:  logger,
	}
}

// Stop drops all tracked clients.
func (rl *RateLimiter) Stop() {
	rl.windows.Flush()
}

// Allow checks if a request from the given key should be allowed.
func (rl *RateLimiter) Allow(key string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	if v, ok := rl.windows.Get(key); ok {
		remaining := v.(*int)
		if *remaining <= 0 {
			return false
		}
		*remaining--
		return true
	}

	remaining := rl.limit - 1
	rl.windows.Set(key, &remaining, rl.window)
	return true
}

// getClientKey identifies the client by the first X-Forwarded-For hop or the remote address.
func getClientKey(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		return strings.TrimSpace(first)
	}
	return r.RemoteAddr
}

// RateLimitMiddleware creates a middleware that enforces rate limiting.
func RateLimitMiddleware(limiter *RateLimiter) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			clientKey := getClientKey(r)

			if !limiter.Allow(clientKey) {
				limiter.logger.WithFields(logrus.Fields{
					"client":     clientKey,
					"path":       r.URL.Path,
					"request_id": RequestID(r.Context()),
				}).Warn("Rate limit exceeded")

				writeJSONError(w, http.StatusTooManyRequests, "RateLimited", "rate limit exceeded")
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// AdminKeyMiddleware rejects requests that do not present apiKey in X-Admin-API-Key.
// With an empty apiKey the routes are left open; deployments put them behind their own auth layer.
func AdminKeyMiddleware(apiKey string, logger *logrus.Logger) func(http.Handler) http.Handler {
	if apiKey == "" {
		logger.Warn("admin.api_key is not set; certificate administration is unauthenticated")
		return func(next http.Handler) http.Handler { return next }
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			presented := r.Header.Get(AdminKeyHeader)
			if subtle.ConstantTimeCompare([]byte(presented), []byte(apiKey)) != 1 {
				logger.WithFields(logrus.Fields{
					"path":        r.URL.Path,
					"remote_addr": r.RemoteAddr,
					"request_id":  RequestID(r.Context()),
				}).Warn("Admin request rejected")
				writeJSONError(w, http.StatusUnauthorized, "Unauthorized", "missing or invalid admin API key")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// BodyLimitMiddleware caps request bodies at maxBytes.
func BodyLimitMiddleware(maxBytes int64) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Body != nil && maxBytes > 0 {
				r.Body = http.MaxBytesReader(w, r.Body, maxBytes)
			}
			next.ServeHTTP(w, r)
		})
	}
}

// RecoveryMiddleware turns a handler panic into a 500 and logs the stack.
func RecoveryMiddleware(logger *logrus.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					if rec == http.ErrAbortHandler {
						panic(rec)
					}
					logger.WithFields(logrus.Fields{
						"panic":      rec,
						"path":       r.URL.Path,
						"request_id": RequestID(r.Context()),
						"stack":      string(debug.Stack()),
					}).Error("Handler panicked")
					writeJSONError(w, http.StatusInternalServerError, "InternalError", "internal error")
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

func writeJSONError(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]string{"code": code, "message": message},
	})
}
