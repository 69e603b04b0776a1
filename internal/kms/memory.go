package kms

import (
	"context"
	gocrypto "crypto"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/rsa"
	"errors"
	"fmt"
	"net/http"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/kenneth/byok-gateway/internal/byokerr"
	"github.com/kenneth/byok-gateway/internal/crypto"
	"github.com/kenneth/byok-gateway/internal/transfer"
)

// MemoryOptions configures the in-memory KMS.
type MemoryOptions struct {
	KEKSize  int
	VaultURL string
	Now      func() time.Time
}

type memoryKey struct {
	info     KeyInfo
	material gocrypto.PrivateKey
}

type memoryKEK struct {
	info KEKInfo
	key  *rsa.PrivateKey
}

// Memory is a KMS simulator. It generates real KEKs and really unwraps uploaded transfer blobs, so a
// blob built for the wrong KEK or corrupted in transit fails the upload as it would upstream.
type Memory struct {
	mu       sync.RWMutex
	keys     map[string]*memoryKey
	keks     map[string]*memoryKEK
	kekSize  int
	vaultURL string
	now      func() time.Time
	wrapper  *crypto.KeyWrapper
}

// NewMemory creates an empty simulator.
func NewMemory(opts MemoryOptions) *Memory {
	if opts.KEKSize <= 0 {
		opts.KEKSize = 4096
	}
	if opts.VaultURL == "" {
		opts.VaultURL = "memory://vault"
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Memory{
		keys:     make(map[string]*memoryKey),
		keks:     make(map[string]*memoryKEK),
		kekSize:  opts.KEKSize,
		vaultURL: strings.TrimRight(opts.VaultURL, "/"),
		now:      opts.Now,
		wrapper:  crypto.NewKeyWrapper(),
	}
}

func (m *Memory) Provider() string { return ProviderMemory }

func (m *Memory) UploadKey(ctx context.Context, name string, blob []byte, keyOps []string) (*KeyInfo, error) {
	if err := ctx.Err(); err != nil {
		return nil, byokerr.Dependency("kms upload key", 0, err)
	}

	parsed, err := transfer.Unmarshal(blob)
	if err != nil {
		return nil, byokerr.Dependency("kms upload key", http.StatusBadRequest, err)
	}

	m.mu.RLock()
	kek, ok := m.keks[parsed.Header.Kid]
	m.mu.RUnlock()
	if !ok {
		return nil, byokerr.Dependency("kms upload key", http.StatusBadRequest,
			fmt.Errorf("unknown key encryption key %q", parsed.Header.Kid))
	}

	ciphertext, err := parsed.DecodeCiphertext()
	if err != nil {
		return nil, byokerr.Dependency("kms upload key", http.StatusBadRequest, fmt.Errorf("invalid ciphertext: %w", err))
	}
	material, err := m.wrapper.UnwrapPrivateKey(kek.key, ciphertext, kek.key.Size())
	if err != nil {
		return nil, byokerr.Dependency("kms upload key", http.StatusBadRequest, err)
	}

	version := strings.ReplaceAll(uuid.NewString(), "-", "")
	info := KeyInfo{
		ID:        fmt.Sprintf("%s/keys/%s/%s", m.vaultURL, name, version),
		Name:      name,
		Version:   version,
		KeyType:   keyType(material),
		KeyOps:    slices.Clone(keyOps),
		CreatedAt: m.now().UTC(),
	}
	if signer, ok := material.(gocrypto.Signer); ok {
		if rsaPub, ok := signer.Public().(*rsa.PublicKey); ok {
			if pemBytes, err := crypto.MarshalRSAPublicKeyPEM(rsaPub); err == nil {
				info.PublicKeyPEM = string(pemBytes)
			}
		}
	}

	m.mu.Lock()
	m.keys[name] = &memoryKey{info: info, material: material}
	m.mu.Unlock()

	out := info
	return &out, nil
}

func (m *Memory) KeyExists(ctx context.Context, name string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, byokerr.Dependency("kms get key", 0, err)
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.keys[name]
	return ok, nil
}

func (m *Memory) DeleteKey(ctx context.Context, name string) error {
	if err := ctx.Err(); err != nil {
		return byokerr.Dependency("kms delete key", 0, err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.keys[name]; !ok {
		return byokerr.Dependency("kms delete key", http.StatusNotFound, fmt.Errorf("key %q not found", name))
	}
	delete(m.keys, name)
	return nil
}

func (m *Memory) GenerateKEK(ctx context.Context, name string) (*KEKInfo, error) {
	if err := ctx.Err(); err != nil {
		return nil, byokerr.Dependency("kms create KEK", 0, err)
	}
	key, err := rsa.GenerateKey(rand.Reader, m.kekSize)
	if err != nil {
		return nil, byokerr.Crypto("generate KEK", err)
	}
	pemBytes, err := crypto.MarshalRSAPublicKeyPEM(&key.PublicKey)
	if err != nil {
		return nil, byokerr.Crypto("encode KEK public key", err)
	}

	version := strings.ReplaceAll(uuid.NewString(), "-", "")
	info := KEKInfo{
		ID:           fmt.Sprintf("%s/keys/%s/%s", m.vaultURL, name, version),
		Name:         name,
		KeySize:      m.kekSize,
		PublicKeyPEM: string(pemBytes),
	}

	m.mu.Lock()
	m.keks[info.ID] = &memoryKEK{info: info, key: key}
	m.mu.Unlock()

	out := info
	return &out, nil
}

// Key returns the stored description of name.
func (m *Memory) Key(name string) (KeyInfo, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	k, ok := m.keys[name]
	if !ok {
		return KeyInfo{}, false
	}
	return k.info, true
}

// Material returns the unwrapped private key stored under name.
func (m *Memory) Material(name string) (gocrypto.PrivateKey, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	k, ok := m.keys[name]
	if !ok {
		return nil, errors.New("key not found")
	}
	return k.material, nil
}

func (m *Memory) Close(context.Context) error { return nil }

func keyType(key gocrypto.PrivateKey) string {
	switch key.(type) {
	case *rsa.PrivateKey:
		return keyTypeRSAHSM
	case *ecdsa.PrivateKey:
		return "EC-HSM"
	case ed25519.PrivateKey:
		return "OKP-HSM"
	default:
		return "unknown"
	}
}
