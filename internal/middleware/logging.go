package middleware

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/kenneth/byok-gateway/internal/config"
)

// RequestIDHeader carries the correlation id echoed back to callers.
const RequestIDHeader = "X-Request-ID"

type requestIDKey struct{}

// RequestID returns the correlation id attached by LoggingMiddleware, or "".
func RequestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

// WithRequestID attaches a correlation id to ctx.
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey{}, id)
}

// LoggingMiddleware wraps handlers with request logging and assigns each request a correlation id.
func LoggingMiddleware(logger *logrus.Logger, cfg *config.LoggingConfig) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()

			id := r.Header.Get(RequestIDHeader)
			if id == "" || len(id) > 128 {
				id = uuid.NewString()
			}
			w.Header().Set(RequestIDHeader, id)
			r = r.WithContext(WithRequestID(r.Context(), id))

			rw := &responseWriter{
				ResponseWriter: w,
				statusCode:     http.StatusOK,
			}

			next.ServeHTTP(rw, r)

			logEntry := createLogEntry(r, rw, time.Since(start), id, cfg)

			switch cfg.AccessLogFormat {
			case "json":
				logJSON(logger, logEntry)
			case "clf":
				logCLF(logger, logEntry)
			default:
				logDefault(logger, logEntry)
			}
		})
	}
}

// responseWriter wraps http.ResponseWriter to capture status code.
type responseWriter struct {
	http.ResponseWriter
	statusCode   int
	bytesWritten int64
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	rw.bytesWritten += int64(n)
	return n, err
}

// LogEntry represents a structured access log entry.
type LogEntry struct {
	Timestamp    string            `json:"timestamp"`
	RequestID    string            `json:"request_id"`
	Method       string            `json:"method"`
	Path         string            `json:"path"`
	KeyName      string            `json:"key_name,omitempty"`
	RemoteAddr   string            `json:"remote_addr"`
	UserAgent    string            `json:"user_agent,omitempty"`
	Status       int               `json:"status"`
	DurationMs   int64             `json:"duration_ms"`
	RequestBytes int64             `json:"request_bytes"`
	Bytes        int64             `json:"bytes"`
	Headers      map[string]string `json:"headers,omitempty"`
}

func createLogEntry(r *http.Request, rw *responseWriter, duration time.Duration, id string, cfg *config.LoggingConfig) *LogEntry {
	entry := &LogEntry{
		Timestamp:  time.Now().UTC().Format(time.RFC3339),
		RequestID:  id,
		Method:     r.Method,
		Path:       r.URL.Path,
		KeyName:    keyNameFromPath(r.URL.Path),
		RemoteAddr: r.RemoteAddr,
		UserAgent:  r.UserAgent(),
		Status:     rw.statusCode,
		DurationMs: duration.Milliseconds(),
		Bytes:      rw.bytesWritten,
	}
	if r.ContentLength > 0 {
		entry.RequestBytes = r.ContentLength
	}

	if cfg.AccessLogFormat == "json" {
		entry.Headers = make(map[string]string)
		for name, values := range r.Header {
			lowerName := strings.ToLower(name)
			if shouldRedactHeader(lowerName, cfg.RedactHeaders) {
				entry.Headers[lowerName] = "[REDACTED]"
			} else {
				entry.Headers[lowerName] = strings.Join(values, ",")
			}
		}
	}

	return entry
}

func shouldRedactHeader(headerName string, redactHeaders []string) bool {
	for _, redact := range redactHeaders {
		if strings.EqualFold(redact, headerName) {
			return true
		}
	}
	return false
}

// keyNameFromPath extracts {name} from /api/v1/keys/{name}/...; "" for other routes.
// Import carries the name in the body.
func keyNameFromPath(path string) string {
	rest, ok := strings.CutPrefix(path, "/api/v1/keys/")
	if !ok {
		return ""
	}
	name, _, _ := strings.Cut(rest, "/")
	if name == "import" {
		return ""
	}
	return name
}

func logDefault(logger *logrus.Logger, entry *LogEntry) {
	fields := logrus.Fields{
		"request_id":    entry.RequestID,
		"method":        entry.Method,
		"path":          entry.Path,
		"remote_addr":   entry.RemoteAddr,
		"status":        entry.Status,
		"duration_ms":   entry.DurationMs,
		"request_bytes": entry.RequestBytes,
		"bytes":         entry.Bytes,
	}
	if entry.KeyName != "" {
		fields["key_name"] = entry.KeyName
	}
	if entry.UserAgent != "" {
		fields["user_agent"] = entry.UserAgent
	}

	logger.WithFields(fields).Info("HTTP request")
}

func logJSON(logger *logrus.Logger, entry *LogEntry) {
	if jsonData, err := json.Marshal(entry); err == nil {
		logger.WithField("json", string(jsonData)).Info("HTTP request")
	} else {
		logDefault(logger, entry)
	}
}

// logCLF logs in Common Log Format: %h %l %u %t "%r" %>s %b
func logCLF(logger *logrus.Logger, entry *LogEntry) {
	clf := fmt.Sprintf(`%s - - [%s] "%s %s HTTP/1.1" %d %d`,
		entry.RemoteAddr,
		entry.Timestamp,
		entry.Method,
		entry.Path,
		entry.Status,
		entry.Bytes,
	)

	logger.WithFields(logrus.Fields{"clf": clf, "request_id": entry.RequestID}).Info("HTTP request")
}
