package middleware

import (
	"bytes"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kenneth/byok-gateway/internal/config"
)

func TestLoggingMiddleware_AssignsRequestID(t *testing.T) {
	cfg := &config.LoggingConfig{AccessLogFormat: "default"}

	var seen string
	handler := LoggingMiddleware(quietLogger(), cfg)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = RequestID(r.Context())
		w.WriteHeader(http.StatusOK)
	}))

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest("GET", "/api/v1/keks", nil))

	require.NotEmpty(t, seen)
	assert.Equal(t, seen, w.Header().Get(RequestIDHeader))
}

func TestLoggingMiddleware_KeepsCallerRequestID(t *testing.T) {
	cfg := &config.LoggingConfig{AccessLogFormat: "default"}

	var seen string
	handler := LoggingMiddleware(quietLogger(), cfg)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = RequestID(r.Context())
	}))

	req := httptest.NewRequest("GET", "/api/v1/keks", nil)
	req.Header.Set(RequestIDHeader, "caller-123")
	handler.ServeHTTP(httptest.NewRecorder(), req)
	assert.Equal(t, "caller-123", seen)
}

func TestResponseWriter(t *testing.T) {
	w := httptest.NewRecorder()
	rw := &responseWriter{
		ResponseWriter: w,
		statusCode:     http.StatusOK,
	}

	rw.WriteHeader(http.StatusNotFound)
	if rw.statusCode != http.StatusNotFound {
		t.Errorf("expected status %d, got %d", http.StatusNotFound, rw.statusCode)
	}

	n, err := rw.Write([]byte("test"))
	if err != nil {
		t.Errorf("Write returned error: %v", err)
	}
	if n != 4 || rw.bytesWritten != 4 {
		t.Errorf("expected 4 bytes written, got n=%d total=%d", n, rw.bytesWritten)
	}
}

func TestLoggingFormats(t *testing.T) {
	tests := []struct {
		name           string
		format         string
		expectedFields []string
	}{
		{"default format", "default", []string{"method", "path", "status", "duration_ms", "request_id", "key_name"}},
		{"json format", "json", []string{`"json":`, "[REDACTED]"}},
		{"clf format", "clf", []string{"clf", "POST /api/v1/keys/payments/rotate"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			logger := logrus.New()
			logger.SetOutput(&buf)
			logger.SetFormatter(&logrus.JSONFormatter{})

			cfg := &config.LoggingConfig{
				AccessLogFormat: tt.format,
				RedactHeaders:   []string{"authorization", "x-admin-api-key"},
			}

			handler := LoggingMiddleware(logger, cfg)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusOK)
				w.Write([]byte(`{"state":"committed"}`))
			}))

			req := httptest.NewRequest("POST", "/api/v1/keys/payments/rotate", strings.NewReader("{}"))
			req.Header.Set("User-Agent", "byokctl")
			req.Header.Set("Authorization", "Bearer secret-token")
			req.Header.Set("Content-Type", "application/json")

			handler.ServeHTTP(httptest.NewRecorder(), req)

			out := buf.String()
			for _, field := range tt.expectedFields {
				assert.Contains(t, out, field)
			}
			assert.NotContains(t, out, "secret-token")
		})
	}
}

func TestShouldRedactHeader(t *testing.T) {
	tests := []struct {
		headerName    string
		redactHeaders []string
		expected      bool
	}{
		{"authorization", []string{"authorization", "x-admin-api-key"}, true},
		{"x-admin-api-key", []string{"authorization", "x-admin-api-key"}, true},
		{"content-type", []string{"authorization"}, false},
		{"AUTHORIZATION", []string{"authorization"}, true},
		{"user-agent", []string{}, false},
	}

	for _, tt := range tests {
		t.Run(fmt.Sprintf("%s_%v", tt.headerName, tt.redactHeaders), func(t *testing.T) {
			assert.Equal(t, tt.expected, shouldRedactHeader(tt.headerName, tt.redactHeaders))
		})
	}
}

func TestCreateLogEntry(t *testing.T) {
	cfg := &config.LoggingConfig{
		AccessLogFormat: "json",
		RedactHeaders:   []string{"x-admin-api-key"},
	}

	req := httptest.NewRequest("POST", "/api/v1/keys/payments/rotate", strings.NewReader("0123456789"))
	req.Header.Set("X-Admin-API-Key", "hunter2")
	req.Header.Set("Content-Type", "application/json")
	req.RemoteAddr = "127.0.0.1:12345"

	rw := &responseWriter{
		ResponseWriter: httptest.NewRecorder(),
		statusCode:     http.StatusCreated,
		bytesWritten:   512,
	}

	entry := createLogEntry(req, rw, 150*time.Millisecond, "req-1", cfg)

	assert.Equal(t, "req-1", entry.RequestID)
	assert.Equal(t, "payments", entry.KeyName)
	assert.Equal(t, http.StatusCreated, entry.Status)
	assert.Equal(t, int64(10), entry.RequestBytes)
	assert.Equal(t, int64(512), entry.Bytes)
	assert.Equal(t, int64(150), entry.DurationMs)
	assert.Equal(t, "[REDACTED]", entry.Headers["x-admin-api-key"])
	assert.Equal(t, "application/json", entry.Headers["content-type"])
}

func TestKeyNameFromPath(t *testing.T) {
	assert.Equal(t, "payments", keyNameFromPath("/api/v1/keys/payments/rotate"))
	assert.Equal(t, "payments", keyNameFromPath("/api/v1/keys/payments"))
	assert.Equal(t, "", keyNameFromPath("/api/v1/keys/import"))
	assert.Equal(t, "", keyNameFromPath("/api/v1/keks"))
	assert.Equal(t, "", keyNameFromPath("/health"))
}
