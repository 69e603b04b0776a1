// Package testutil holds key and certificate fixtures shared by package tests.
package testutil

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"math/big"
	"sync"
	"testing"
	"time"
)

var (
	keyMu   sync.Mutex
	keyPool = map[string]*rsa.PrivateKey{}
)

// RSAKey returns a 2048-bit RSA key cached under name so that tests do not pay for key generation twice.
func RSAKey(t testing.TB, name string) *rsa.PrivateKey {
	t.Helper()
	keyMu.Lock()
	defer keyMu.Unlock()
	if key, ok := keyPool[name]; ok {
		return key
	}
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("failed to generate RSA key: %v", err)
	}
	keyPool[name] = key
	return key
}

// CertOptions controls SelfSignedCert.
type CertOptions struct {
	CommonName   string
	Organization string
	NotBefore    time.Time
	NotAfter     time.Time
	IsCA         bool
}

// SelfSignedCert issues a self-signed certificate for key and returns its DER and PEM encodings.
func SelfSignedCert(t testing.TB, key *rsa.PrivateKey, opts CertOptions) ([]byte, []byte) {
	t.Helper()
	if opts.NotBefore.IsZero() {
		opts.NotBefore = time.Now().Add(-time.Hour)
	}
	if opts.NotAfter.IsZero() {
		opts.NotAfter = time.Now().Add(24 * time.Hour)
	}
	subject := pkix.Name{CommonName: opts.CommonName}
	if opts.Organization != "" {
		subject.Organization = []string{opts.Organization}
	}
	template := &x509.Certificate{
		SerialNumber:          big.NewInt(time.Now().UnixNano()),
		Subject:               subject,
		NotBefore:             opts.NotBefore,
		NotAfter:              opts.NotAfter,
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageCertSign,
		BasicConstraintsValid: true,
		IsCA:                  opts.IsCA,
	}
	der, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	if err != nil {
		t.Fatalf("failed to create certificate: %v", err)
	}
	return der, pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
}

// IssuedCert issues a certificate for pub signed by the parent certificate and key.
func IssuedCert(t testing.TB, pub *rsa.PublicKey, parent *x509.Certificate, parentKey *rsa.PrivateKey, opts CertOptions) []byte {
	t.Helper()
	if opts.NotBefore.IsZero() {
		opts.NotBefore = time.Now().Add(-time.Hour)
	}
	if opts.NotAfter.IsZero() {
		opts.NotAfter = time.Now().Add(24 * time.Hour)
	}
	template := &x509.Certificate{
		SerialNumber: big.NewInt(time.Now().UnixNano()),
		Subject:      pkix.Name{CommonName: opts.CommonName},
		NotBefore:    opts.NotBefore,
		NotAfter:     opts.NotAfter,
		KeyUsage:     x509.KeyUsageDigitalSignature,
	}
	der, err := x509.CreateCertificate(rand.Reader, template, parent, pub, parentKey)
	if err != nil {
		t.Fatalf("failed to issue certificate: %v", err)
	}
	return der
}

// FixedClock returns a clock function that always reports now.
func FixedClock(now time.Time) func() time.Time {
	return func() time.Time { return now }
}
