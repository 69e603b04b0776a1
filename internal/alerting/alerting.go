// Package alerting is the monitoring collaborator that owns action groups and key alerts.
package alerting

import (
	"context"
	"fmt"
	"time"
)

// Provider names accepted in configuration.
const (
	ProviderREST   = "rest"
	ProviderMemory = "memory"
)

// AlertName returns the name of the alert provisioned for an imported key.
func AlertName(keyName string) string {
	return "key-alert-" + keyName
}

// Service is the subset of the alerting subsystem used by imports.
type Service interface {
	// VaultAlertExists reports whether the vault-level alert that must precede any import is configured.
	VaultAlertExists(ctx context.Context) (bool, error)
	ActionGroupExists(ctx context.Context, name string) (bool, error)
	CreateKeyAlert(ctx context.Context, alertName, keyID string, actionGroups []string) error
}

// Options configures New.
type Options struct {
	Provider       string
	Endpoint       string
	Token          string
	Timeout        time.Duration
	VaultAlertName string
	// Memory provider seed data.
	ActionGroups     []string
	VaultAlertExists bool
}

// New builds the configured alerting implementation.
func New(opts Options) (Service, error) {
	switch opts.Provider {
	case ProviderMemory, "":
		m := NewMemory(opts.VaultAlertExists)
		for _, g := range opts.ActionGroups {
			m.AddActionGroup(g)
		}
		return m, nil
	case ProviderREST:
		return NewRESTClient(opts)
	default:
		return nil, fmt.Errorf("alerting: unsupported provider %q", opts.Provider)
	}
}
