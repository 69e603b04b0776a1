package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoadConfig_Defaults(t *testing.T) {
	config, err := LoadConfig("")
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}

	if config.ListenAddr != ":8080" {
		t.Errorf("expected ListenAddr :8080, got %s", config.ListenAddr)
	}
	if config.LogLevel != "info" {
		t.Errorf("expected LogLevel info, got %s", config.LogLevel)
	}
	if config.Signature.Window != 10*time.Minute {
		t.Errorf("expected signature window 10m, got %s", config.Signature.Window)
	}
	if config.KMS.Provider != "memory" || config.Alerting.Provider != "memory" {
		t.Errorf("expected memory providers, got kms=%s alerting=%s", config.KMS.Provider, config.Alerting.Provider)
	}
	if len(config.KeyOperations.Allowed) != len(DefaultAllowedKeyOperations) {
		t.Errorf("expected default allow-list, got %v", config.KeyOperations.Allowed)
	}
}

func TestLoadConfig_EnvOverrides(t *testing.T) {
	t.Setenv("LISTEN_ADDR", ":9090")
	t.Setenv("LOG_LEVEL", "debug")
	t.Setenv("KMS_PROVIDER", "rest")
	t.Setenv("KMS_ENDPOINT", "https://kms.internal")
	t.Setenv("SIGNATURE_WINDOW", "5m")
	t.Setenv("SIGNATURE_TIMESTAMP_FORMAT", "en-us")
	t.Setenv("ALERTING_ACTION_GROUPS", "oncall, secops,")
	t.Setenv("KEY_OPERATIONS_ALLOWED", "sign,verify")

	config, err := LoadConfig("")
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}

	if config.ListenAddr != ":9090" {
		t.Errorf("expected ListenAddr :9090, got %s", config.ListenAddr)
	}
	if config.LogLevel != "debug" {
		t.Errorf("expected LogLevel debug, got %s", config.LogLevel)
	}
	if config.KMS.Endpoint != "https://kms.internal" {
		t.Errorf("expected KMS endpoint override, got %s", config.KMS.Endpoint)
	}
	if config.Signature.Window != 5*time.Minute {
		t.Errorf("expected window 5m, got %s", config.Signature.Window)
	}
	if config.Signature.TimestampFormat != "en-us" {
		t.Errorf("expected en-us format, got %s", config.Signature.TimestampFormat)
	}
	if got := strings.Join(config.Alerting.ActionGroups, "|"); got != "oncall|secops" {
		t.Errorf("unexpected action groups %q", got)
	}
	if got := strings.Join(config.KeyOperations.Allowed, "|"); got != "sign|verify" {
		t.Errorf("unexpected allow-list %q", got)
	}
}

func TestLoadConfig_File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	data := `
listen_addr: ":7070"
certificate:
  expected_subject: "CN=hsm-signer, O=Example"
  file: /etc/byok/signer.pem
  watch: true
audit:
  archive:
    enabled: true
    bucket: byok-audit
`
	if err := os.WriteFile(path, []byte(data), 0o600); err != nil {
		t.Fatal(err)
	}

	config, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}
	if config.ListenAddr != ":7070" {
		t.Errorf("expected ListenAddr :7070, got %s", config.ListenAddr)
	}
	if !config.Certificate.Watch || config.Certificate.ExpectedSubject != "CN=hsm-signer, O=Example" {
		t.Errorf("certificate section not loaded: %+v", config.Certificate)
	}
	// Unset fields keep their defaults.
	if config.Audit.Archive.BatchSize != 500 || config.Audit.Archive.Bucket != "byok-audit" {
		t.Errorf("archive section not merged with defaults: %+v", config.Audit.Archive)
	}
}

func TestLoadConfig_MissingFileUsesDefaults(t *testing.T) {
	if _, err := LoadConfig(filepath.Join(t.TempDir(), "absent.yaml")); err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}
}

func TestLoadConfig_InvalidYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("listen_addr: [unterminated"), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadConfig(path); err == nil {
		t.Fatal("expected parse error")
	}
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr string
	}{
		{
			name:   "valid config",
			mutate: func(c *Config) {},
		},
		{
			name:    "missing listen addr",
			mutate:  func(c *Config) { c.ListenAddr = "" },
			wantErr: "listen_addr is required",
		},
		{
			name:    "rest kms without endpoint",
			mutate:  func(c *Config) { c.KMS.Provider = "rest" },
			wantErr: "kms.endpoint is required",
		},
		{
			name:    "unsupported kek size",
			mutate:  func(c *Config) { c.KMS.KEKSize = 1024 },
			wantErr: "invalid kms.kek_size",
		},
		{
			name:    "unknown alerting provider",
			mutate:  func(c *Config) { c.Alerting.Provider = "pager" },
			wantErr: "invalid alerting.provider",
		},
		{
			name:    "watch without file",
			mutate:  func(c *Config) { c.Certificate.Watch = true },
			wantErr: "certificate.file is required",
		},
		{
			name:    "non-positive window",
			mutate:  func(c *Config) { c.Signature.Window = 0 },
			wantErr: "signature.window must be positive",
		},
		{
			name:    "unknown timestamp format",
			mutate:  func(c *Config) { c.Signature.TimestampFormat = "unix" },
			wantErr: "invalid signature.timestamp_format",
		},
		{
			name:    "archive without bucket",
			mutate:  func(c *Config) { c.Audit.Archive.Enabled = true },
			wantErr: "audit.archive.bucket is required",
		},
		{
			name: "jaeger without endpoint",
			mutate: func(c *Config) {
				c.Tracing.Enabled = true
				c.Tracing.Exporter = "jaeger"
			},
			wantErr: "tracing.jaeger_endpoint is required",
		},
		{
			name:    "unknown access log format",
			mutate:  func(c *Config) { c.Logging.AccessLogFormat = "xml" },
			wantErr: "invalid logging.access_log_format",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := defaults()
			tt.mutate(c)
			err := c.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Errorf("Validate() unexpected error: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Validate() error = %v, want containing %q", err, tt.wantErr)
			}
		})
	}
}

func TestConfig_ValidateReportsAllProblems(t *testing.T) {
	c := defaults()
	c.ListenAddr = ""
	c.KMS.Provider = "vault"
	c.Signature.Window = -time.Second

	err := c.Validate()
	if err == nil {
		t.Fatal("expected error")
	}
	for _, want := range []string{"listen_addr", "kms.provider", "signature.window"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error %q does not mention %s", err, want)
		}
	}
}
