// Package client is a Go client for the gateway HTTP API, used by byokctl and the load tester.
package client

import (
	"bytes"
	"context"
	"crypto"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/kenneth/byok-gateway/internal/api"
	"github.com/kenneth/byok-gateway/internal/kms"
	"github.com/kenneth/byok-gateway/internal/middleware"
	"github.com/kenneth/byok-gateway/internal/signature"
	"github.com/kenneth/byok-gateway/internal/transfer"
)

// DefaultTimeout bounds each request when no HTTP client is supplied.
const DefaultTimeout = 30 * time.Second

// APIError is a non-2xx response from the gateway.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
	RequestID  string
}

func (e *APIError) Error() string {
	if e.Code == "" {
		return fmt.Sprintf("gateway returned status %d", e.StatusCode)
	}
	return fmt.Sprintf("gateway returned status %d: %s: %s", e.StatusCode, e.Code, e.Message)
}

// Client talks to a single gateway.
type Client struct {
	baseURL  string
	http     *http.Client
	adminKey string
	logger   *logrus.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// WithAdminKey sets the key sent on admin endpoints.
func WithAdminKey(key string) Option {
	return func(c *Client) { c.adminKey = key }
}

// WithLogger sets the logger used for request tracing at debug level.
func WithLogger(logger *logrus.Logger) Option {
	return func(c *Client) { c.logger = logger }
}

// New creates a client for the gateway at baseURL.
func New(baseURL string, opts ...Option) (*Client, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("invalid base URL: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("invalid base URL %q: scheme must be http or https", baseURL)
	}

	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: DefaultTimeout},
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.logger == nil {
		c.logger = logrus.New()
		c.logger.SetOutput(io.Discard)
	}
	return c, nil
}

// GenerateKEK asks the gateway for a new key encryption key.
func (c *Client) GenerateKEK(ctx context.Context, name string) (*kms.KEKInfo, error) {
	var out kms.KEKInfo
	if err := c.doJSON(ctx, http.MethodPost, api.PathKEKs, api.KEKRequest{Name: name}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ImportKey imports a new key.
func (c *Client) ImportKey(ctx context.Context, req api.KeyRequest) (*kms.KeyInfo, error) {
	var out kms.KeyInfo
	if err := c.doJSON(ctx, http.MethodPost, api.PathImport, req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// RotateKey adds a new version to an existing key.
func (c *Client) RotateKey(ctx context.Context, name string, req api.KeyRequest) (*kms.KeyInfo, error) {
	path := strings.Replace(api.PathRotate, "{name}", url.PathEscape(name), 1)
	var out kms.KeyInfo
	if err := c.doJSON(ctx, http.MethodPost, path, req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// UploadCertificate installs the verification certificate. data may be PEM, DER or PKCS#12; password
// is only sent for PKCS#12.
func (c *Client) UploadCertificate(ctx context.Context, data []byte, password string) (*api.CertificateInfo, error) {
	headers := map[string]string{"Content-Type": "application/octet-stream"}
	if password != "" {
		headers[api.CertificatePasswordHeader] = password
	}
	var out api.CertificateInfo
	if err := c.do(ctx, http.MethodPut, api.PathCertificate, bytes.NewReader(data), headers, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Certificate describes the currently installed verification certificate.
func (c *Client) Certificate(ctx context.Context) (*api.CertificateInfo, error) {
	var out api.CertificateInfo
	if err := c.do(ctx, http.MethodGet, api.PathCertificate, nil, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Ready reports whether the gateway has a verification certificate installed.
func (c *Client) Ready(ctx context.Context) (bool, error) {
	err := c.do(ctx, http.MethodGet, "/ready", nil, nil, nil)
	if err == nil {
		return true, nil
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusServiceUnavailable {
		return false, nil
	}
	return false, err
}

func (c *Client) doJSON(ctx context.Context, method, path string, in, out any) error {
	body, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("failed to encode request: %w", err)
	}
	return c.do(ctx, method, path, bytes.NewReader(body), map[string]string{"Content-Type": "application/json"}, out)
}

func (c *Client) do(ctx context.Context, method, path string, body io.Reader, headers map[string]string, out any) error {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return err
	}
	if c.adminKey != "" {
		req.Header.Set(middleware.AdminKeyHeader, c.adminKey)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}
	c.logger.WithFields(logrus.Fields{
		"method":   method,
		"path":     path,
		"status":   resp.StatusCode,
		"duration": time.Since(start),
	}).Debug("Gateway request")

	if resp.StatusCode/100 != 2 {
		return decodeError(resp.StatusCode, data)
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

func decodeError(status int, data []byte) error {
	var body struct {
		Error struct {
			Code      string `json:"code"`
			Message   string `json:"message"`
			RequestID string `json:"request_id"`
		} `json:"error"`
	}
	apiErr := &APIError{StatusCode: status}
	if json.Unmarshal(data, &body) == nil {
		apiErr.Code = body.Error.Code
		apiErr.Message = body.Error.Message
		apiErr.RequestID = body.Error.RequestID
	}
	return apiErr
}

// Signer fills in the timestamp and signature of a key request the way the gateway verifies them.
type Signer struct {
	Key    crypto.Signer
	Format signature.TimestampFormat
	// Now defaults to time.Now.
	Now func() time.Time
}

// SignEncryptedKey sets the raw key source fields on req and signs the ciphertext.
func (s Signer) SignEncryptedKey(req *api.KeyRequest, kekID string, ciphertext []byte) error {
	req.KeyEncryptionKeyID = kekID
	req.EncryptedKeyBase64 = base64.StdEncoding.EncodeToString(ciphertext)
	req.TransferBlob = nil
	return s.sign(req, ciphertext)
}

// SignTransferBlob sets blob as the key source on req and signs its canonical encoding.
func (s Signer) SignTransferBlob(req *api.KeyRequest, blob transfer.Blob) error {
	src, err := transfer.NewSuppliedBlobSource(blob)
	if err != nil {
		return err
	}
	req.KeyEncryptionKeyID = ""
	req.EncryptedKeyBase64 = ""
	req.TransferBlob = &blob
	return s.sign(req, src.SignedData())
}

func (s Signer) sign(req *api.KeyRequest, keyData []byte) error {
	format := s.Format
	if format == "" {
		format = signature.FormatRFC3339
	}
	now := time.Now
	if s.Now != nil {
		now = s.Now
	}
	ts := now()

	sig, err := signature.Sign(s.Key, signature.BuildSignedPayload(keyData, ts, format))
	if err != nil {
		return err
	}
	req.Timestamp = format.Format(ts)
	req.SignatureBase64 = sig
	return nil
}
