package middleware

import (
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"go.opentelemetry.io/otel/trace"
)

// TracerName is the instrumentation scope used for every span this service creates.
const TracerName = "byok-gateway"

// TracingMiddleware wraps handlers with OpenTelemetry tracing.
func TracingMiddleware(redactSensitive bool) func(http.Handler) http.Handler {
	tracer := otel.Tracer(TracerName)

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			keyName := keyNameFromPath(r.URL.Path)

			ctx, span := tracer.Start(r.Context(), getSpanName(r.Method, r.URL.Path),
				trace.WithSpanKind(trace.SpanKindServer),
				trace.WithAttributes(
					semconv.HTTPMethod(r.Method),
					semconv.HTTPTarget(r.URL.Path),
					attribute.String("http.host", r.Host),
					attribute.String("http.user_agent", r.UserAgent()),
					attribute.String("http.remote_addr", getRemoteAddr(r)),
				),
			)

			if keyName != "" {
				span.SetAttributes(attribute.String("byok.key_name", keyName))
			}
			if id := RequestID(r.Context()); id != "" {
				span.SetAttributes(attribute.String("byok.request_id", id))
			}
			addHeadersToSpan(span, r.Header, redactSensitive)

			rw := &tracingResponseWriter{ResponseWriter: w}

			defer func() {
				if rw.statusCode == 0 {
					rw.statusCode = http.StatusOK
				}
				span.SetAttributes(semconv.HTTPStatusCode(rw.statusCode))
				if rw.statusCode >= 500 {
					span.SetStatus(codes.Error, http.StatusText(rw.statusCode))
				} else {
					span.SetStatus(codes.Ok, "")
				}
				span.End()
			}()

			next.ServeHTTP(rw, r.WithContext(ctx))
		})
	}
}

// getSpanName names the span after the operation the route performs.
func getSpanName(method, path string) string {
	switch {
	case method == http.MethodPost && path == "/api/v1/keys/import":
		return "BYOK ImportKey"
	case method == http.MethodPost && strings.HasPrefix(path, "/api/v1/keys/") && strings.HasSuffix(path, "/rotate"):
		return "BYOK RotateKey"
	case method == http.MethodPost && path == "/api/v1/keks":
		return "BYOK GenerateKEK"
	case method == http.MethodPut && path == "/api/v1/admin/certificate":
		return "BYOK UploadCertificate"
	case method == http.MethodGet && path == "/api/v1/admin/certificate":
		return "BYOK GetCertificate"
	default:
		return "HTTP " + method
	}
}

// getRemoteAddr extracts the real remote address, handling X-Forwarded-For and X-Real-IP
func getRemoteAddr(r *http.Request) string {
	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return xri
	}
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		if idx := strings.Index(xff, ","); idx > 0 {
			return strings.TrimSpace(xff[:idx])
		}
		return xff
	}
	return r.RemoteAddr
}

var (
	safeHeaders = []string{
		"content-type",
		"content-length",
		"accept",
		"x-request-id",
	}
	sensitiveHeaders = []string{
		"authorization",
		"cookie",
		"x-admin-api-key",
		"x-certificate-password",
	}
)

// addHeadersToSpan adds relevant headers to the span, redacting sensitive ones
func addHeadersToSpan(span trace.Span, headers http.Header, redactSensitive bool) {
	for _, header := range safeHeaders {
		if value := headers.Get(header); value != "" {
			span.SetAttributes(attribute.String("http.request.header."+header, value))
		}
	}
	for _, header := range sensitiveHeaders {
		value := headers.Get(header)
		if value == "" {
			continue
		}
		if redactSensitive {
			value = "[REDACTED]"
		}
		span.SetAttributes(attribute.String("http.request.header."+header, value))
	}
}

// tracingResponseWriter wraps http.ResponseWriter to capture status code for tracing
type tracingResponseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (w *tracingResponseWriter) WriteHeader(code int) {
	w.statusCode = code
	w.ResponseWriter.WriteHeader(code)
}

func (w *tracingResponseWriter) Write(b []byte) (int, error) {
	if w.statusCode == 0 {
		w.statusCode = http.StatusOK
	}
	return w.ResponseWriter.Write(b)
}

// HTTPRecorder receives one observation per request.
type HTTPRecorder interface {
	RecordHTTPRequest(method, path string, status int, duration time.Duration, bytes int64)
	IncrementActiveConnections()
	DecrementActiveConnections()
}

// MetricsMiddleware records request counts and latency. route maps a request to a
// low-cardinality label; key names never appear in labels.
func MetricsMiddleware(rec HTTPRecorder, route func(*http.Request) string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			rec.IncrementActiveConnections()
			defer rec.DecrementActiveConnections()

			start := time.Now()
			rw := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
			next.ServeHTTP(rw, r)

			var in int64
			if r.ContentLength > 0 {
				in = r.ContentLength
			}
			rec.RecordHTTPRequest(r.Method, route(r), rw.statusCode, time.Since(start), in+rw.bytesWritten)
		})
	}
}
