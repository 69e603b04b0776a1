package alerting

import (
	"context"
	"slices"
	"sync"

	"github.com/kenneth/byok-gateway/internal/byokerr"
)

// KeyAlert is an alert recorded by Memory.
type KeyAlert struct {
	Name         string
	KeyID        string
	ActionGroups []string
}

// Memory is an in-process alerting simulator.
type Memory struct {
	mu           sync.RWMutex
	vaultAlert   bool
	actionGroups map[string]struct{}
	alerts       map[string]KeyAlert
}

// NewMemory creates a simulator with or without the vault-level alert.
func NewMemory(vaultAlert bool) *Memory {
	return &Memory{
		vaultAlert:   vaultAlert,
		actionGroups: make(map[string]struct{}),
		alerts:       make(map[string]KeyAlert),
	}
}

// AddActionGroup registers an action group.
func (m *Memory) AddActionGroup(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.actionGroups[name] = struct{}{}
}

// SetVaultAlert toggles the vault-level alert.
func (m *Memory) SetVaultAlert(present bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.vaultAlert = present
}

func (m *Memory) VaultAlertExists(ctx context.Context) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, byokerr.Dependency("alerting get vault alert", 0, err)
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.vaultAlert, nil
}

func (m *Memory) ActionGroupExists(ctx context.Context, name string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, byokerr.Dependency("alerting get action group", 0, err)
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.actionGroups[name]
	return ok, nil
}

func (m *Memory) CreateKeyAlert(ctx context.Context, alertName, keyID string, actionGroups []string) error {
	if err := ctx.Err(); err != nil {
		return byokerr.Dependency("alerting create key alert", 0, err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.alerts[alertName] = KeyAlert{Name: alertName, KeyID: keyID, ActionGroups: slices.Clone(actionGroups)}
	return nil
}

// Alert returns a recorded alert.
func (m *Memory) Alert(name string) (KeyAlert, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.alerts[name]
	return a, ok
}
