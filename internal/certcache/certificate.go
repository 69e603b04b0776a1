package certcache

import (
	"bytes"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/hex"
	"encoding/pem"
	"errors"
	"fmt"
	"time"

	"github.com/kenneth/byok-gateway/internal/byokerr"
	"golang.org/x/crypto/pkcs12"
)

// Certificate is a parsed verification certificate. Its fields are never modified after parsing.
type Certificate struct {
	cert *x509.Certificate
	// intermediates travelled with the leaf in a PEM bundle or PKCS#12 file.
	intermediates []*x509.Certificate
}

// NewCertificate wraps an already parsed certificate.
func NewCertificate(cert *x509.Certificate, intermediates ...*x509.Certificate) *Certificate {
	return &Certificate{cert: cert, intermediates: intermediates}
}

// Raw returns the DER encoding.
func (c *Certificate) Raw() []byte { return c.cert.Raw }

// NotBefore returns the start of the validity window.
func (c *Certificate) NotBefore() time.Time { return c.cert.NotBefore }

// NotAfter returns the end of the validity window.
func (c *Certificate) NotAfter() time.Time { return c.cert.NotAfter }

// Subject returns the RFC 2253 subject name.
func (c *Certificate) Subject() string { return c.cert.Subject.String() }

// Thumbprint returns the hex SHA-256 of the DER encoding.
func (c *Certificate) Thumbprint() string {
	sum := sha256.Sum256(c.cert.Raw)
	return hex.EncodeToString(sum[:])
}

// ValidAt reports whether t falls inside the validity window, bounds included.
func (c *Certificate) ValidAt(t time.Time) bool {
	return !t.Before(c.cert.NotBefore) && !t.After(c.cert.NotAfter)
}

// RSAPublicKey extracts the RSA public key, or ErrNoPublicKey when the certificate holds another key type.
func (c *Certificate) RSAPublicKey() (*rsa.PublicKey, error) {
	pub, ok := c.cert.PublicKey.(*rsa.PublicKey)
	if !ok {
		return nil, byokerr.ErrNoPublicKey
	}
	return pub, nil
}

// Parse decodes a certificate uploaded as PEM, DER or PKCS#12. password is only used for PKCS#12.
// The first certificate found is the leaf; any others are kept as intermediates for chain building.
func Parse(data []byte, password string) (*Certificate, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, byokerr.WithDetail(byokerr.ErrInvalidCertificate, "empty certificate")
	}

	if bytes.Contains(data, []byte("-----BEGIN")) {
		certs, err := parsePEMCertificates(data)
		if err != nil {
			return nil, byokerr.WithDetail(byokerr.ErrInvalidCertificate, err.Error())
		}
		return NewCertificate(certs[0], certs[1:]...), nil
	}

	if cert, err := x509.ParseCertificate(data); err == nil {
		return NewCertificate(cert), nil
	}

	blocks, err := pkcs12.ToPEM(data, password)
	if err != nil {
		return nil, byokerr.WithDetail(byokerr.ErrInvalidCertificate, fmt.Sprintf("not PEM, DER or PKCS#12: %v", err))
	}
	var certs []*x509.Certificate
	for _, block := range blocks {
		// Private keys bundled in the PFX are discarded.
		if block.Type != "CERTIFICATE" {
			continue
		}
		cert, err := x509.ParseCertificate(block.Bytes)
		if err != nil {
			return nil, byokerr.WithDetail(byokerr.ErrInvalidCertificate, err.Error())
		}
		certs = append(certs, cert)
	}
	if len(certs) == 0 {
		return nil, byokerr.WithDetail(byokerr.ErrInvalidCertificate, "PKCS#12 file holds no certificate")
	}
	return NewCertificate(certs[0], certs[1:]...), nil
}

func parsePEMCertificates(data []byte) ([]*x509.Certificate, error) {
	var certs []*x509.Certificate
	for {
		var block *pem.Block
		block, data = pem.Decode(data)
		if block == nil {
			break
		}
		if block.Type != "CERTIFICATE" {
			continue
		}
		cert, err := x509.ParseCertificate(block.Bytes)
		if err != nil {
			return nil, err
		}
		certs = append(certs, cert)
	}
	if len(certs) == 0 {
		return nil, errors.New("no CERTIFICATE block found")
	}
	return certs, nil
}
