package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/hashicorp/go-multierror"
	"gopkg.in/yaml.v3"
)

// Config holds the complete application configuration.
type Config struct {
	ListenAddr    string              `yaml:"listen_addr" env:"LISTEN_ADDR"`
	LogLevel      string              `yaml:"log_level" env:"LOG_LEVEL"`
	Server        ServerConfig        `yaml:"server"`
	TLS           TLSConfig           `yaml:"tls"`
	RateLimit     RateLimitConfig     `yaml:"rate_limit"`
	Logging       LoggingConfig       `yaml:"logging"`
	Tracing       TracingConfig       `yaml:"tracing"`
	KMS           KMSConfig           `yaml:"kms"`
	Alerting      AlertingConfig      `yaml:"alerting"`
	Certificate   CertificateConfig   `yaml:"certificate"`
	Signature     SignatureConfig     `yaml:"signature"`
	KeyOperations KeyOperationsConfig `yaml:"key_operations"`
	Audit         AuditConfig         `yaml:"audit"`
	Admin         AdminConfig         `yaml:"admin"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	ReadTimeout       time.Duration `yaml:"read_timeout" env:"SERVER_READ_TIMEOUT"`
	WriteTimeout      time.Duration `yaml:"write_timeout" env:"SERVER_WRITE_TIMEOUT"`
	IdleTimeout       time.Duration `yaml:"idle_timeout" env:"SERVER_IDLE_TIMEOUT"`
	ReadHeaderTimeout time.Duration `yaml:"read_header_timeout" env:"SERVER_READ_HEADER_TIMEOUT"`
	MaxHeaderBytes    int           `yaml:"max_header_bytes" env:"SERVER_MAX_HEADER_BYTES"`
	MaxBodyBytes      int64         `yaml:"max_body_bytes" env:"SERVER_MAX_BODY_BYTES"`
	ShutdownTimeout   time.Duration `yaml:"shutdown_timeout" env:"SERVER_SHUTDOWN_TIMEOUT"`
}

// TLSConfig holds TLS configuration.
type TLSConfig struct {
	Enabled  bool   `yaml:"enabled" env:"TLS_ENABLED"`
	CertFile string `yaml:"cert_file" env:"TLS_CERT_FILE"`
	KeyFile  string `yaml:"key_file" env:"TLS_KEY_FILE"`
}

// RateLimitConfig holds rate limiting configuration.
type RateLimitConfig struct {
	Enabled bool          `yaml:"enabled" env:"RATE_LIMIT_ENABLED"`
	Limit   int           `yaml:"limit" env:"RATE_LIMIT_REQUESTS"`
	Window  time.Duration `yaml:"window" env:"RATE_LIMIT_WINDOW"`
}

// LoggingConfig holds access log configuration.
type LoggingConfig struct {
	AccessLogFormat string   `yaml:"access_log_format" env:"LOGGING_ACCESS_LOG_FORMAT"` // default, json, clf
	RedactHeaders   []string `yaml:"redact_headers" env:"LOGGING_REDACT_HEADERS"`
}

// TracingConfig holds OpenTelemetry tracing configuration.
type TracingConfig struct {
	Enabled         bool    `yaml:"enabled" env:"TRACING_ENABLED"`
	ServiceName     string  `yaml:"service_name" env:"TRACING_SERVICE_NAME"`
	ServiceVersion  string  `yaml:"service_version" env:"TRACING_SERVICE_VERSION"`
	Exporter        string  `yaml:"exporter" env:"TRACING_EXPORTER"` // stdout, jaeger, otlp
	JaegerEndpoint  string  `yaml:"jaeger_endpoint" env:"TRACING_JAEGER_ENDPOINT"`
	OtlpEndpoint    string  `yaml:"otlp_endpoint" env:"TRACING_OTLP_ENDPOINT"`
	SamplingRatio   float64 `yaml:"sampling_ratio" env:"TRACING_SAMPLING_RATIO"`
	RedactSensitive bool    `yaml:"redact_sensitive" env:"TRACING_REDACT_SENSITIVE"`
}

// KMSConfig selects and configures the key management service.
type KMSConfig struct {
	Provider           string        `yaml:"provider" env:"KMS_PROVIDER"` // memory, rest
	Endpoint           string        `yaml:"endpoint" env:"KMS_ENDPOINT"`
	Token              string        `yaml:"token" env:"KMS_TOKEN"`
	Timeout            time.Duration `yaml:"timeout" env:"KMS_TIMEOUT"`
	KEKSize            int           `yaml:"kek_size" env:"KMS_KEK_SIZE"`
	InsecureSkipVerify bool          `yaml:"insecure_skip_verify" env:"KMS_INSECURE_SKIP_VERIFY"`
}

// AlertingConfig selects and configures the alerting subsystem.
type AlertingConfig struct {
	Provider       string        `yaml:"provider" env:"ALERTING_PROVIDER"` // memory, rest
	Endpoint       string        `yaml:"endpoint" env:"ALERTING_ENDPOINT"`
	Token          string        `yaml:"token" env:"ALERTING_TOKEN"`
	Timeout        time.Duration `yaml:"timeout" env:"ALERTING_TIMEOUT"`
	VaultAlertName string        `yaml:"vault_alert_name" env:"ALERTING_VAULT_ALERT_NAME"`
	// Seed data for the memory provider.
	ActionGroups     []string `yaml:"action_groups" env:"ALERTING_ACTION_GROUPS"`
	VaultAlertExists bool     `yaml:"vault_alert_exists" env:"ALERTING_VAULT_ALERT_EXISTS"`
}

// CertificateConfig configures the verification certificate.
type CertificateConfig struct {
	ExpectedSubject string `yaml:"expected_subject" env:"CERTIFICATE_EXPECTED_SUBJECT"`
	File            string `yaml:"file" env:"CERTIFICATE_FILE"`
	Password        string `yaml:"password" env:"CERTIFICATE_PASSWORD"`
	Watch           bool   `yaml:"watch" env:"CERTIFICATE_WATCH"`
	RootsFile       string `yaml:"roots_file" env:"CERTIFICATE_ROOTS_FILE"`
}

// SignatureConfig configures request authentication.
type SignatureConfig struct {
	Window          time.Duration `yaml:"window" env:"SIGNATURE_WINDOW"`
	TimestampFormat string        `yaml:"timestamp_format" env:"SIGNATURE_TIMESTAMP_FORMAT"` // rfc3339, en-us
	ReplayGuard     bool          `yaml:"replay_guard" env:"SIGNATURE_REPLAY_GUARD"`
}

// KeyOperationsConfig holds the operation allow-list.
type KeyOperationsConfig struct {
	Allowed []string `yaml:"allowed" env:"KEY_OPERATIONS_ALLOWED"`
}

// AuditConfig holds audit logging configuration.
type AuditConfig struct {
	Enabled   bool          `yaml:"enabled" env:"AUDIT_ENABLED"`
	MaxEvents int           `yaml:"max_events" env:"AUDIT_MAX_EVENTS"` // Max events to keep in memory
	Archive   ArchiveConfig `yaml:"archive"`
}

// ArchiveConfig configures S3 archival of audit events.
type ArchiveConfig struct {
	Enabled       bool          `yaml:"enabled" env:"AUDIT_ARCHIVE_ENABLED"`
	Bucket        string        `yaml:"bucket" env:"AUDIT_ARCHIVE_BUCKET"`
	Prefix        string        `yaml:"prefix" env:"AUDIT_ARCHIVE_PREFIX"`
	Region        string        `yaml:"region" env:"AUDIT_ARCHIVE_REGION"`
	Endpoint      string        `yaml:"endpoint" env:"AUDIT_ARCHIVE_ENDPOINT"`
	AccessKey     string        `yaml:"access_key" env:"AUDIT_ARCHIVE_ACCESS_KEY"`
	SecretKey     string        `yaml:"secret_key" env:"AUDIT_ARCHIVE_SECRET_KEY"`
	UsePathStyle  bool          `yaml:"use_path_style" env:"AUDIT_ARCHIVE_USE_PATH_STYLE"`
	FlushInterval time.Duration `yaml:"flush_interval" env:"AUDIT_ARCHIVE_FLUSH_INTERVAL"`
	BatchSize     int           `yaml:"batch_size" env:"AUDIT_ARCHIVE_BATCH_SIZE"`
}

// AdminConfig protects the certificate administration routes.
type AdminConfig struct {
	APIKey string `yaml:"api_key" env:"ADMIN_API_KEY"`
}

// DefaultAllowedKeyOperations is the allow-list used when none is configured.
var DefaultAllowedKeyOperations = []string{"encrypt", "decrypt", "sign", "verify", "wrapKey", "unwrapKey", "import"}

// LoadConfig loads configuration from a file and environment variables.
func LoadConfig(path string) (*Config, error) {
	config := defaults()

	// Load from file if provided
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if len(data) > 0 {
			if err := yaml.Unmarshal(data, config); err != nil {
				return nil, fmt.Errorf("failed to parse config file: %w", err)
			}
		}
	}

	// Override with environment variables
	loadFromEnv(config)

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return config, nil
}

func defaults() *Config {
	return &Config{
		ListenAddr: ":8080",
		LogLevel:   "info",
		Server: ServerConfig{
			ReadTimeout:       15 * time.Second,
			WriteTimeout:      60 * time.Second,
			IdleTimeout:       60 * time.Second,
			ReadHeaderTimeout: 10 * time.Second,
			MaxHeaderBytes:    1 << 20, // 1MB
			MaxBodyBytes:      1 << 20,
			ShutdownTimeout:   30 * time.Second,
		},
		RateLimit: RateLimitConfig{
			Enabled: false,
			Limit:   100,
			Window:  60 * time.Second,
		},
		Logging: LoggingConfig{
			AccessLogFormat: "default",
			RedactHeaders:   []string{"authorization", "x-admin-api-key", "x-certificate-password"},
		},
		Tracing: TracingConfig{
			Enabled:         false,
			ServiceName:     "byok-gateway",
			ServiceVersion:  "dev",
			Exporter:        "stdout",
			SamplingRatio:   1.0,
			RedactSensitive: true,
		},
		KMS: KMSConfig{
			Provider: "memory",
			Timeout:  30 * time.Second,
			KEKSize:  4096,
		},
		Alerting: AlertingConfig{
			Provider:       "memory",
			Timeout:        30 * time.Second,
			VaultAlertName: "key-vault-alert",
		},
		Signature: SignatureConfig{
			Window:          10 * time.Minute,
			TimestampFormat: "rfc3339",
			ReplayGuard:     true,
		},
		KeyOperations: KeyOperationsConfig{
			Allowed: append([]string(nil), DefaultAllowedKeyOperations...),
		},
		Audit: AuditConfig{
			Enabled:   true,
			MaxEvents: 10000,
			Archive: ArchiveConfig{
				Region:        "us-east-1",
				Prefix:        "audit/",
				FlushInterval: time.Minute,
				BatchSize:     500,
			},
		},
	}
}

// loadFromEnv loads configuration values from environment variables.
func loadFromEnv(config *Config) {
	setString(&config.ListenAddr, "LISTEN_ADDR")
	setString(&config.LogLevel, "LOG_LEVEL")

	// Server timeouts from environment
	setDuration(&config.Server.ReadTimeout, "SERVER_READ_TIMEOUT")
	setDuration(&config.Server.WriteTimeout, "SERVER_WRITE_TIMEOUT")
	setDuration(&config.Server.IdleTimeout, "SERVER_IDLE_TIMEOUT")
	setDuration(&config.Server.ReadHeaderTimeout, "SERVER_READ_HEADER_TIMEOUT")
	setDuration(&config.Server.ShutdownTimeout, "SERVER_SHUTDOWN_TIMEOUT")
	if v := os.Getenv("SERVER_MAX_HEADER_BYTES"); v != "" {
		var maxBytes int
		if _, err := fmt.Sscanf(v, "%d", &maxBytes); err == nil && maxBytes > 0 {
			config.Server.MaxHeaderBytes = maxBytes
		}
	}
	if v := os.Getenv("SERVER_MAX_BODY_BYTES"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil && n > 0 {
			config.Server.MaxBodyBytes = n
		}
	}

	setBool(&config.TLS.Enabled, "TLS_ENABLED")
	setString(&config.TLS.CertFile, "TLS_CERT_FILE")
	setString(&config.TLS.KeyFile, "TLS_KEY_FILE")

	setBool(&config.RateLimit.Enabled, "RATE_LIMIT_ENABLED")
	if v := os.Getenv("RATE_LIMIT_REQUESTS"); v != "" {
		var limit int
		if _, err := fmt.Sscanf(v, "%d", &limit); err == nil && limit > 0 {
			config.RateLimit.Limit = limit
		}
	}
	setDuration(&config.RateLimit.Window, "RATE_LIMIT_WINDOW")

	setString(&config.Logging.AccessLogFormat, "LOGGING_ACCESS_LOG_FORMAT")
	setList(&config.Logging.RedactHeaders, "LOGGING_REDACT_HEADERS")

	// Tracing configuration
	setBool(&config.Tracing.Enabled, "TRACING_ENABLED")
	setString(&config.Tracing.ServiceName, "TRACING_SERVICE_NAME")
	setString(&config.Tracing.ServiceVersion, "TRACING_SERVICE_VERSION")
	setString(&config.Tracing.Exporter, "TRACING_EXPORTER")
	setString(&config.Tracing.JaegerEndpoint, "TRACING_JAEGER_ENDPOINT")
	setString(&config.Tracing.OtlpEndpoint, "TRACING_OTLP_ENDPOINT")
	if v := os.Getenv("TRACING_SAMPLING_RATIO"); v != "" {
		if ratio, err := strconv.ParseFloat(v, 64); err == nil && ratio >= 0.0 && ratio <= 1.0 {
			config.Tracing.SamplingRatio = ratio
		}
	}
	setBool(&config.Tracing.RedactSensitive, "TRACING_REDACT_SENSITIVE")

	// Collaborators
	setString(&config.KMS.Provider, "KMS_PROVIDER")
	setString(&config.KMS.Endpoint, "KMS_ENDPOINT")
	setString(&config.KMS.Token, "KMS_TOKEN")
	setDuration(&config.KMS.Timeout, "KMS_TIMEOUT")
	if v := os.Getenv("KMS_KEK_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			config.KMS.KEKSize = n
		}
	}
	setBool(&config.KMS.InsecureSkipVerify, "KMS_INSECURE_SKIP_VERIFY")

	setString(&config.Alerting.Provider, "ALERTING_PROVIDER")
	setString(&config.Alerting.Endpoint, "ALERTING_ENDPOINT")
	setString(&config.Alerting.Token, "ALERTING_TOKEN")
	setDuration(&config.Alerting.Timeout, "ALERTING_TIMEOUT")
	setString(&config.Alerting.VaultAlertName, "ALERTING_VAULT_ALERT_NAME")
	setList(&config.Alerting.ActionGroups, "ALERTING_ACTION_GROUPS")
	setBool(&config.Alerting.VaultAlertExists, "ALERTING_VAULT_ALERT_EXISTS")

	// Trust anchor and request authentication
	setString(&config.Certificate.ExpectedSubject, "CERTIFICATE_EXPECTED_SUBJECT")
	setString(&config.Certificate.File, "CERTIFICATE_FILE")
	setString(&config.Certificate.Password, "CERTIFICATE_PASSWORD")
	setBool(&config.Certificate.Watch, "CERTIFICATE_WATCH")
	setString(&config.Certificate.RootsFile, "CERTIFICATE_ROOTS_FILE")

	setDuration(&config.Signature.Window, "SIGNATURE_WINDOW")
	setString(&config.Signature.TimestampFormat, "SIGNATURE_TIMESTAMP_FORMAT")
	setBool(&config.Signature.ReplayGuard, "SIGNATURE_REPLAY_GUARD")

	setList(&config.KeyOperations.Allowed, "KEY_OPERATIONS_ALLOWED")

	// Audit configuration
	setBool(&config.Audit.Enabled, "AUDIT_ENABLED")
	if v := os.Getenv("AUDIT_MAX_EVENTS"); v != "" {
		var maxEvents int
		if _, err := fmt.Sscanf(v, "%d", &maxEvents); err == nil && maxEvents > 0 {
			config.Audit.MaxEvents = maxEvents
		}
	}
	setBool(&config.Audit.Archive.Enabled, "AUDIT_ARCHIVE_ENABLED")
	setString(&config.Audit.Archive.Bucket, "AUDIT_ARCHIVE_BUCKET")
	setString(&config.Audit.Archive.Prefix, "AUDIT_ARCHIVE_PREFIX")
	setString(&config.Audit.Archive.Region, "AUDIT_ARCHIVE_REGION")
	setString(&config.Audit.Archive.Endpoint, "AUDIT_ARCHIVE_ENDPOINT")
	setString(&config.Audit.Archive.AccessKey, "AUDIT_ARCHIVE_ACCESS_KEY")
	setString(&config.Audit.Archive.SecretKey, "AUDIT_ARCHIVE_SECRET_KEY")
	setBool(&config.Audit.Archive.UsePathStyle, "AUDIT_ARCHIVE_USE_PATH_STYLE")
	setDuration(&config.Audit.Archive.FlushInterval, "AUDIT_ARCHIVE_FLUSH_INTERVAL")
	if v := os.Getenv("AUDIT_ARCHIVE_BATCH_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			config.Audit.Archive.BatchSize = n
		}
	}

	setString(&config.Admin.APIKey, "ADMIN_API_KEY")
}

func setString(dst *string, env string) {
	if v := os.Getenv(env); v != "" {
		*dst = v
	}
}

func setBool(dst *bool, env string) {
	if v := os.Getenv(env); v != "" {
		*dst = v == "true" || v == "1"
	}
}

func setDuration(dst *time.Duration, env string) {
	if v := os.Getenv(env); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			*dst = d
		}
	}
}

// setList reads a comma-separated list.
func setList(dst *[]string, env string) {
	v := os.Getenv(env)
	if v == "" {
		return
	}
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	*dst = out
}

// Validate validates the configuration and returns every problem found.
func (c *Config) Validate() error {
	var result *multierror.Error
	fail := func(format string, args ...any) {
		result = multierror.Append(result, fmt.Errorf(format, args...))
	}

	if c.ListenAddr == "" {
		fail("listen_addr is required")
	}

	if c.LogLevel != "" {
		validLevels := map[string]bool{
			"debug": true,
			"info":  true,
			"warn":  true,
			"error": true,
		}
		if !validLevels[c.LogLevel] {
			fail("invalid log_level: %s (must be debug, info, warn, or error)", c.LogLevel)
		}
	}

	// Validate TLS configuration
	if c.TLS.Enabled {
		if c.TLS.CertFile == "" {
			fail("tls.cert_file is required when TLS is enabled")
		}
		if c.TLS.KeyFile == "" {
			fail("tls.key_file is required when TLS is enabled")
		}
	}

	switch c.Logging.AccessLogFormat {
	case "", "default", "json", "clf":
	default:
		fail("invalid logging.access_log_format: %s (must be default, json, or clf)", c.Logging.AccessLogFormat)
	}

	switch c.KMS.Provider {
	case "memory":
	case "rest":
		if c.KMS.Endpoint == "" {
			fail("kms.endpoint is required when provider is rest")
		}
	default:
		fail("invalid kms.provider: %s (must be memory or rest)", c.KMS.Provider)
	}
	if c.KMS.KEKSize != 2048 && c.KMS.KEKSize != 3072 && c.KMS.KEKSize != 4096 {
		fail("invalid kms.kek_size: %d (must be 2048, 3072, or 4096)", c.KMS.KEKSize)
	}

	switch c.Alerting.Provider {
	case "memory":
	case "rest":
		if c.Alerting.Endpoint == "" {
			fail("alerting.endpoint is required when provider is rest")
		}
		if c.Alerting.VaultAlertName == "" {
			fail("alerting.vault_alert_name is required when provider is rest")
		}
	default:
		fail("invalid alerting.provider: %s (must be memory or rest)", c.Alerting.Provider)
	}

	if c.Certificate.Watch && c.Certificate.File == "" {
		fail("certificate.file is required when certificate.watch is enabled")
	}

	if c.Signature.Window <= 0 {
		fail("signature.window must be positive")
	}
	switch strings.ToLower(c.Signature.TimestampFormat) {
	case "", "rfc3339", "en-us":
	default:
		fail("invalid signature.timestamp_format: %s (must be rfc3339 or en-us)", c.Signature.TimestampFormat)
	}

	if c.Audit.Archive.Enabled {
		if !c.Audit.Enabled {
			fail("audit.archive requires audit.enabled")
		}
		if c.Audit.Archive.Bucket == "" {
			fail("audit.archive.bucket is required when archiving is enabled")
		}
		if c.Audit.Archive.FlushInterval <= 0 {
			fail("audit.archive.flush_interval must be positive")
		}
	}

	// Validate tracing configuration
	if c.Tracing.Enabled {
		if c.Tracing.ServiceName == "" {
			fail("tracing.service_name is required when tracing is enabled")
		}
		validExporters := map[string]bool{
			"stdout": true,
			"jaeger": true,
			"otlp":   true,
		}
		if !validExporters[c.Tracing.Exporter] {
			fail("invalid tracing.exporter: %s (must be stdout, jaeger, or otlp)", c.Tracing.Exporter)
		}
		if c.Tracing.SamplingRatio < 0.0 || c.Tracing.SamplingRatio > 1.0 {
			fail("tracing.sampling_ratio must be between 0.0 and 1.0")
		}
		if c.Tracing.Exporter == "jaeger" && c.Tracing.JaegerEndpoint == "" {
			fail("tracing.jaeger_endpoint is required when exporter is jaeger")
		}
		if c.Tracing.Exporter == "otlp" && c.Tracing.OtlpEndpoint == "" {
			fail("tracing.otlp_endpoint is required when exporter is otlp")
		}
	}

	return result.ErrorOrNil()
}
