package api

import (
	"time"

	"github.com/kenneth/byok-gateway/internal/certcache"
	"github.com/kenneth/byok-gateway/internal/transfer"
)

// Route paths, shared with the client.
const (
	PathImport      = "/api/v1/keys/import"
	PathRotate      = "/api/v1/keys/{name}/rotate"
	PathKEKs        = "/api/v1/keks"
	PathCertificate = "/api/v1/admin/certificate"
)

// CertificatePasswordHeader carries the PKCS#12 password on certificate upload.
const CertificatePasswordHeader = "X-Certificate-Password"

// KeyRequest is the body of import and rotate requests. Exactly one of TransferBlob or the pair
// KeyEncryptionKeyID and EncryptedKeyBase64 must be set. Name is taken from the path on rotate.
type KeyRequest struct {
	Name               string         `json:"name,omitempty"`
	KeyOperations      []string       `json:"key_operations"`
	Timestamp          string         `json:"timestamp"`
	SignatureBase64    string         `json:"signature_base64"`
	KeyEncryptionKeyID string         `json:"key_encryption_key_id,omitempty"`
	EncryptedKeyBase64 string         `json:"encrypted_key_base64,omitempty"`
	TransferBlob       *transfer.Blob `json:"transfer_blob,omitempty"`
	ActionGroups       []string       `json:"action_groups,omitempty"`
}

// KEKRequest asks the KMS for a new key encryption key.
type KEKRequest struct {
	Name string `json:"name"`
}

// CertificateInfo describes the cached verification certificate.
type CertificateInfo struct {
	Subject    string    `json:"subject"`
	NotBefore  time.Time `json:"not_before"`
	NotAfter   time.Time `json:"not_after"`
	Thumbprint string    `json:"thumbprint_sha256"`
}

func certificateInfo(c *certcache.Certificate) CertificateInfo {
	return CertificateInfo{
		Subject:    c.Subject(),
		NotBefore:  c.NotBefore().UTC(),
		NotAfter:   c.NotAfter().UTC(),
		Thumbprint: c.Thumbprint(),
	}
}

// HealthStatus is returned by the health endpoints.
type HealthStatus struct {
	Status string `json:"status"`
	Reason string `json:"reason,omitempty"`
}
