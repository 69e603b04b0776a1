// Package signature authenticates import and rotate requests against the cached verification certificate.
package signature

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha512"
	"encoding/base64"
	"errors"
	"strings"
	"time"

	"github.com/kenneth/byok-gateway/internal/byokerr"
	"github.com/kenneth/byok-gateway/internal/certcache"
	"github.com/sirupsen/logrus"
)

// DefaultWindow is the freshness window on either side of the verifier's clock.
const DefaultWindow = 10 * time.Minute

// CertificateSource supplies the current verification certificate.
type CertificateSource interface {
	Get() (*certcache.Certificate, bool)
}

// ReplayGuard records accepted signatures. Claim fails if the signature was already claimed within ttl.
type ReplayGuard interface {
	Claim(signature string, ttl time.Duration) error
	Release(signature string)
}

// Options configures a Verifier.
type Options struct {
	Format TimestampFormat
	Window time.Duration
	// Replay is optional; nil disables replay rejection.
	Replay ReplayGuard
	Now    func() time.Time
}

// Verifier checks request signatures and freshness.
type Verifier struct {
	certs  CertificateSource
	format TimestampFormat
	window time.Duration
	replay ReplayGuard
	now    func() time.Time
	logger *logrus.Logger
}

// NewVerifier creates a verifier backed by certs.
func NewVerifier(certs CertificateSource, opts Options, logger *logrus.Logger) *Verifier {
	if opts.Format == "" {
		opts.Format = FormatRFC3339
	}
	if opts.Window <= 0 {
		opts.Window = DefaultWindow
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if logger == nil {
		logger = logrus.New()
	}
	return &Verifier{
		certs:  certs,
		format: opts.Format,
		window: opts.Window,
		replay: opts.Replay,
		now:    opts.Now,
		logger: logger,
	}
}

// BuildSignedPayload returns keyData followed by the UTF-8 text of timestamp.
func BuildSignedPayload(keyData []byte, timestamp time.Time, format TimestampFormat) []byte {
	ts := format.Format(timestamp)
	payload := make([]byte, 0, len(keyData)+len(ts))
	payload = append(payload, keyData...)
	return append(payload, ts...)
}

// BuildSignedPayload uses the verifier's configured timestamp format.
func (v *Verifier) BuildSignedPayload(keyData []byte, timestamp time.Time) []byte {
	return BuildSignedPayload(keyData, timestamp, v.format)
}

// IsValid verifies a base64 SHA-512 PKCS#1 v1.5 signature over payload. A missing certificate, a
// certificate without an RSA key, or one outside its validity period is an error; a signature that
// does not verify for any reason is reported as false.
func (v *Verifier) IsValid(signatureB64 string, payload []byte) (bool, error) {
	cert, ok := v.certs.Get()
	if !ok {
		return false, byokerr.ErrNoCertificate
	}
	if !cert.ValidAt(v.now()) {
		return false, byokerr.ErrCertificateNotValidNow
	}
	pub, err := cert.RSAPublicKey()
	if err != nil {
		return false, err
	}

	sig, err := decodeSignature(signatureB64)
	if err != nil {
		v.logger.WithError(err).Debug("Signature is not valid base64")
		return false, nil
	}

	digest := sha512.Sum512(payload)
	if err := rsa.VerifyPKCS1v15(pub, crypto.SHA512, digest[:], sig); err != nil {
		return false, nil
	}
	return true, nil
}

// IsFresh reports whether timestamp lies strictly inside now ± window, with now read at call time.
func (v *Verifier) IsFresh(timestamp time.Time) bool {
	now := v.now()
	return timestamp.After(now.Add(-v.window)) && timestamp.Before(now.Add(v.window))
}

// Verify authenticates a request. The signature is checked first, then freshness, and only a request
// passing both is recorded by the replay guard.
func (v *Verifier) Verify(keyData []byte, timestamp time.Time, signatureB64 string) error {
	payload := v.BuildSignedPayload(keyData, timestamp)

	ok, err := v.IsValid(signatureB64, payload)
	if err != nil {
		return err
	}
	if !ok {
		return byokerr.ErrSignatureInvalid
	}
	if !v.IsFresh(timestamp) {
		return byokerr.ErrRequestExpired
	}
	if v.replay != nil {
		// The signature only needs remembering for as long as its timestamp could still be fresh.
		if err := v.replay.Claim(normalizeSignature(signatureB64), 2*v.window); err != nil {
			return byokerr.Wrap(byokerr.ErrSignatureReplayed, err)
		}
	}
	return nil
}

// Release returns a claimed signature to the replay guard. It is used when the request it
// authenticated failed before writing anything, so the customer can retry without re-signing.
func (v *Verifier) Release(signatureB64 string) {
	if v.replay != nil {
		v.replay.Release(normalizeSignature(signatureB64))
	}
}

// Sign produces the base64 signature the verifier expects over payload.
func Sign(key crypto.Signer, payload []byte) (string, error) {
	if key == nil {
		return "", errors.New("signing key is nil")
	}
	digest := sha512.Sum512(payload)
	sig, err := key.Sign(rand.Reader, digest[:], crypto.SHA512)
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(sig), nil
}

func decodeSignature(s string) ([]byte, error) {
	s = strings.TrimSpace(s)
	if sig, err := base64.StdEncoding.DecodeString(s); err == nil {
		return sig, nil
	}
	return base64.RawStdEncoding.DecodeString(s)
}

func normalizeSignature(s string) string {
	return strings.TrimRight(strings.TrimSpace(s), "=")
}
