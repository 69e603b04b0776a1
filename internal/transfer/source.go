package transfer

import (
	"encoding/base64"
	"strings"

	"github.com/kenneth/byok-gateway/internal/byokerr"
)

// Source kinds, used in logs and audit events.
const (
	KindEncryptedKey = "encrypted_key"
	KindSuppliedBlob = "transfer_blob"
)

// KeySource produces the transfer blob for an import or rotate request and the bytes the customer signed.
// It is resolved once at the request boundary; the two implementations are the only members.
type KeySource interface {
	// Generate returns the blob handed to the KMS.
	Generate() Blob
	// SignedData returns the key data that prefixes the signed payload.
	SignedData() []byte
	// Kind names the strategy.
	Kind() string

	keySource()
}

// EncryptedKeySource wraps ciphertext from the key wrap engine into a fresh blob.
type EncryptedKeySource struct {
	KEKID      string
	Ciphertext []byte
}

func (s EncryptedKeySource) Generate() Blob {
	return NewBlob(s.Ciphertext, s.KEKID)
}

// SignedData is the decoded ciphertext.
func (s EncryptedKeySource) SignedData() []byte {
	return s.Ciphertext
}

func (EncryptedKeySource) Kind() string { return KindEncryptedKey }

func (EncryptedKeySource) keySource() {}

// SuppliedBlobSource passes a customer-built blob through unchanged. A blob decoded from a request
// is uploaded and verified as the customer's own document in canonical form.
type SuppliedBlobSource struct {
	Blob Blob
	raw  []byte
}

// NewSuppliedBlobSource captures the canonical encoding of b, which is what the customer signs and what
// the KMS receives.
func NewSuppliedBlobSource(b Blob) (SuppliedBlobSource, error) {
	raw, err := b.Marshal()
	if err != nil {
		return SuppliedBlobSource{}, byokerr.Wrap(byokerr.ErrInvalidKeySource, err)
	}
	return SuppliedBlobSource{Blob: b, raw: raw}, nil
}

func (s SuppliedBlobSource) Generate() Blob {
	return s.Blob
}

// SignedData is the canonical JSON encoding of the supplied blob.
func (s SuppliedBlobSource) SignedData() []byte {
	return s.raw
}

func (SuppliedBlobSource) Kind() string { return KindSuppliedBlob }

func (SuppliedBlobSource) keySource() {}

// ResolveKeySource selects the strategy from the populated request fields. Exactly one of blob or the
// pair (kekID, encryptedKeyB64) must be present.
func ResolveKeySource(kekID, encryptedKeyB64 string, blob *Blob) (KeySource, error) {
	hasRaw := kekID != "" || encryptedKeyB64 != ""
	switch {
	case blob != nil && hasRaw:
		return nil, byokerr.WithDetail(byokerr.ErrInvalidKeySource, "both sources supplied")
	case blob != nil:
		if err := blob.Validate(); err != nil {
			return nil, byokerr.WithDetail(byokerr.ErrInvalidKeySource, err.Error())
		}
		src, err := NewSuppliedBlobSource(*blob)
		if err != nil {
			return nil, err
		}
		return src, nil
	case kekID == "" || encryptedKeyB64 == "":
		return nil, byokerr.ErrInvalidKeySource
	}

	ciphertext, err := DecodeBase64(encryptedKeyB64)
	if err != nil {
		return nil, byokerr.WithDetail(byokerr.ErrInvalidKeySource, "encrypted_key_base64 is not valid base64")
	}
	return EncryptedKeySource{KEKID: kekID, Ciphertext: ciphertext}, nil
}

// DecodeBase64 accepts standard and URL-safe alphabets, with or without padding.
func DecodeBase64(s string) ([]byte, error) {
	s = strings.TrimSpace(s)
	if b, err := base64.StdEncoding.DecodeString(s); err == nil {
		return b, nil
	}
	if b, err := base64.RawStdEncoding.DecodeString(s); err == nil {
		return b, nil
	}
	return decodeBase64URL(s)
}
