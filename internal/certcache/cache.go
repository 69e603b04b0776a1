// Package certcache holds the single certificate trusted to verify import and rotate signatures.
package certcache

import (
	"crypto/x509"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/kenneth/byok-gateway/internal/byokerr"
	"github.com/sirupsen/logrus"
)

// Options configures certificate validation.
type Options struct {
	// ExpectedSubject is compared case-insensitively against the RFC 2253 subject. Empty disables the check.
	ExpectedSubject string
	// Roots used for chain building. Nil uses the system pool.
	Roots *x509.CertPool
	// Now defaults to time.Now.
	Now func() time.Time
}

// Cache is a single-slot store. It starts empty and, once populated, is only ever replaced by a
// certificate that passed validation.
type Cache struct {
	mu      sync.RWMutex
	current *Certificate

	opts   Options
	logger *logrus.Logger
}

// New creates an empty cache.
func New(opts Options, logger *logrus.Logger) *Cache {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if logger == nil {
		logger = logrus.New()
	}
	return &Cache{opts: opts, logger: logger}
}

// Get returns the current certificate, if any.
func (c *Cache) Get() (*Certificate, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.current, c.current != nil
}

// Add validates cert and installs it. On failure the previously cached certificate stays in place.
func (c *Cache) Add(cert *Certificate) error {
	if err := c.Validate(cert); err != nil {
		c.logger.WithError(err).Warn("Rejected verification certificate")
		return err
	}

	c.mu.Lock()
	c.current = cert
	c.mu.Unlock()

	c.logger.WithFields(logrus.Fields{
		"subject":    cert.Subject(),
		"thumbprint": cert.Thumbprint(),
		"not_after":  cert.NotAfter().UTC().Format(time.RFC3339),
	}).Info("Installed verification certificate")
	return nil
}

// Validate applies the install policy without touching the cache.
func (c *Cache) Validate(cert *Certificate) error {
	if cert == nil || cert.cert == nil {
		return byokerr.WithDetail(byokerr.ErrInvalidCertificate, "certificate is nil")
	}

	now := c.opts.Now()
	if !cert.ValidAt(now) {
		return byokerr.WithDetail(byokerr.ErrInvalidCertificate, fmt.Sprintf(
			"outside validity period %s - %s",
			cert.NotBefore().UTC().Format(time.RFC3339), cert.NotAfter().UTC().Format(time.RFC3339)))
	}

	if c.opts.ExpectedSubject != "" && !strings.EqualFold(c.opts.ExpectedSubject, cert.Subject()) {
		return byokerr.WithDetail(byokerr.ErrInvalidCertificate, fmt.Sprintf("unexpected subject %q", cert.Subject()))
	}

	return c.verifyChain(cert, now)
}

// verifyChain builds a chain without revocation checks. An untrusted root is tolerated since the
// anchor is normally self-issued by the customer's HSM; every other chain defect rejects.
func (c *Cache) verifyChain(cert *Certificate, now time.Time) error {
	intermediates := x509.NewCertPool()
	for _, ic := range cert.intermediates {
		intermediates.AddCert(ic)
	}

	_, err := cert.cert.Verify(x509.VerifyOptions{
		Roots:         c.opts.Roots,
		Intermediates: intermediates,
		CurrentTime:   now,
		KeyUsages:     []x509.ExtKeyUsage{x509.ExtKeyUsageAny},
	})
	if err == nil || isUntrustedRoot(err) {
		return nil
	}
	return byokerr.Wrap(byokerr.WithDetail(byokerr.ErrInvalidCertificate, "chain validation failed"), err)
}

func isUntrustedRoot(err error) bool {
	var unknown x509.UnknownAuthorityError
	if errors.As(err, &unknown) {
		return true
	}
	var noRoots x509.SystemRootsError
	return errors.As(err, &noRoots)
}
