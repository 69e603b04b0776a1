// Package transfer implements the BYOK transfer blob and the two ways a request can supply one.
package transfer

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"slices"
	"strings"
)

const (
	// SchemaVersion is the only transfer blob schema version understood by the KMS.
	SchemaVersion = "1.0.0"
	// AlgDirect marks the ciphertext as carrying the key directly rather than a reference.
	AlgDirect = "dir"
	// EncRSAAESKeyWrap names the RSA-OAEP + AES-KWP hybrid scheme.
	EncRSAAESKeyWrap = "CKM_RSA_AES_KEY_WRAP"
	// Generator is the provenance string written into blobs built by this service.
	Generator = "byok-gateway; transfer 1.0"
)

// Header identifies the KEK and scheme the ciphertext was produced with.
type Header struct {
	Kid string `json:"kid"`
	Alg string `json:"alg"`
	Enc string `json:"enc"`
}

// Blob is the transfer blob JSON document. It is treated as an immutable value.
//
// A blob decoded from JSON remembers the document it came from, in canonical form, and encodes back
// to exactly that document. Fields this package does not know and the customer's key order survive.
type Blob struct {
	SchemaVersion string `json:"schema_version"`
	Header        Header `json:"header"`
	Ciphertext    string `json:"ciphertext"`
	Generator     string `json:"generator"`

	raw []byte
}

// blobFields has the same fields as Blob without its JSON methods.
type blobFields Blob

// NewBlob builds a blob around ciphertext produced by the key wrap engine.
func NewBlob(ciphertext []byte, kekID string) Blob {
	return Blob{
		SchemaVersion: SchemaVersion,
		Header: Header{
			Kid: kekID,
			Alg: AlgDirect,
			Enc: EncRSAAESKeyWrap,
		},
		Ciphertext: base64.RawURLEncoding.EncodeToString(ciphertext),
		Generator:  Generator,
	}
}

// Marshal returns the canonical JSON encoding of the blob: the decoded document when there is one,
// otherwise the encoding of its fields.
func (b Blob) Marshal() ([]byte, error) {
	if b.raw != nil {
		return slices.Clone(b.raw), nil
	}
	return json.Marshal(blobFields(b))
}

// MarshalJSON implements json.Marshaler.
func (b Blob) MarshalJSON() ([]byte, error) {
	return b.Marshal()
}

// UnmarshalJSON implements json.Unmarshaler and keeps the canonical form of data.
func (b *Blob) UnmarshalJSON(data []byte) error {
	var fields blobFields
	if err := json.Unmarshal(data, &fields); err != nil {
		return err
	}
	raw, err := Canonicalize(data)
	if err != nil {
		return err
	}
	*b = Blob(fields)
	b.raw = raw
	return nil
}

// Canonicalize returns data without insignificant whitespace and with <, > and & escaped as
// encoding/json escapes them. Nothing else changes: key order, unknown fields and every other string
// escape are kept. This is the form a supplied blob is signed and uploaded in.
func Canonicalize(data []byte) ([]byte, error) {
	var compact bytes.Buffer
	if err := json.Compact(&compact, data); err != nil {
		return nil, err
	}
	var out bytes.Buffer
	json.HTMLEscape(&out, compact.Bytes())
	return out.Bytes(), nil
}

// DecodeCiphertext returns the raw ciphertext bytes. Padded and unpadded base64url are both accepted.
func (b Blob) DecodeCiphertext() ([]byte, error) {
	return decodeBase64URL(b.Ciphertext)
}

// Validate checks the fixed header fields.
func (b Blob) Validate() error {
	switch {
	case b.SchemaVersion != SchemaVersion:
		return fmt.Errorf("unsupported schema_version %q", b.SchemaVersion)
	case b.Header.Kid == "":
		return fmt.Errorf("header.kid is required")
	case b.Header.Alg != AlgDirect:
		return fmt.Errorf("unsupported header.alg %q", b.Header.Alg)
	case b.Header.Enc != EncRSAAESKeyWrap:
		return fmt.Errorf("unsupported header.enc %q", b.Header.Enc)
	}
	return nil
}

// Unmarshal parses and validates a blob document.
func Unmarshal(data []byte) (Blob, error) {
	var b Blob
	if err := json.Unmarshal(data, &b); err != nil {
		return Blob{}, fmt.Errorf("invalid transfer blob: %w", err)
	}
	if err := b.Validate(); err != nil {
		return Blob{}, fmt.Errorf("invalid transfer blob: %w", err)
	}
	return b, nil
}

// SplitCiphertext separates RSA_OAEP(aes_key) from AES_KWP(key). rsaLen is the KEK modulus length in
// bytes and is supplied by the caller; the blob itself carries no delimiter.
func SplitCiphertext(data []byte, rsaLen int) (encryptedKey, wrappedKey []byte, err error) {
	if rsaLen <= 0 {
		return nil, nil, fmt.Errorf("invalid RSA segment length %d", rsaLen)
	}
	if len(data) <= rsaLen {
		return nil, nil, fmt.Errorf("ciphertext of %d bytes is too short for a %d byte RSA segment", len(data), rsaLen)
	}
	wrapped := data[rsaLen:]
	if len(wrapped)%8 != 0 || len(wrapped) < 16 {
		return nil, nil, fmt.Errorf("wrapped key segment of %d bytes is not a valid AES-KWP output", len(wrapped))
	}
	return data[:rsaLen], wrapped, nil
}

func decodeBase64URL(s string) ([]byte, error) {
	return base64.RawURLEncoding.DecodeString(strings.TrimRight(s, "="))
}
