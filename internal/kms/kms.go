// Package kms is the key management service collaborator used to store imported keys and issue KEKs.
package kms

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

// KeyInfo is the public description of a stored key returned to the customer.
type KeyInfo struct {
	ID           string    `json:"id"`
	Name         string    `json:"name"`
	Version      string    `json:"version,omitempty"`
	KeyType      string    `json:"kty,omitempty"`
	KeyOps       []string  `json:"key_ops"`
	PublicKeyPEM string    `json:"public_key_pem,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}

// KEKInfo is the public half of a key encryption key.
type KEKInfo struct {
	ID           string `json:"id"`
	Name         string `json:"name"`
	KeySize      int    `json:"key_size"`
	PublicKeyPEM string `json:"public_key_pem"`
}

// Service is the subset of the KMS the import and rotate operations call. Every call is a single
// attempt; callers see failures immediately.
type Service interface {
	// UploadKey stores the key carried by blob under name, creating a new version if name exists.
	UploadKey(ctx context.Context, name string, blob []byte, keyOps []string) (*KeyInfo, error)
	KeyExists(ctx context.Context, name string) (bool, error)
	DeleteKey(ctx context.Context, name string) error
	GenerateKEK(ctx context.Context, name string) (*KEKInfo, error)
	Provider() string
	Close(ctx context.Context) error
}

// Options configures New.
type Options struct {
	Provider string
	Endpoint string
	Token    string
	Timeout  time.Duration
	// KEKSize is the RSA modulus size in bits for generated KEKs.
	KEKSize            int
	InsecureSkipVerify bool
}

// New builds the configured KMS implementation.
func New(opts Options) (Service, error) {
	switch opts.Provider {
	case ProviderMemory, "":
		return NewMemory(MemoryOptions{KEKSize: opts.KEKSize, VaultURL: opts.Endpoint}), nil
	case ProviderREST:
		return NewRESTClient(opts)
	default:
		return nil, fmt.Errorf("kms: unsupported provider %q", opts.Provider)
	}
}
