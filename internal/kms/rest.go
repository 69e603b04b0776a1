package kms

import (
	"bytes"
	"context"
	"crypto/rsa"
	"crypto/tls"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/kenneth/byok-gateway/internal/byokerr"
	"github.com/kenneth/byok-gateway/internal/crypto"
)

const (
	keyTypeRSAHSM  = "RSA-HSM"
	defaultTimeout = 30 * time.Second
	// maxResponseBytes bounds how much of an upstream response is read.
	maxResponseBytes = 1 << 20
)

// RESTClient talks to a Key-Vault-style JSON API:
//
//	PUT    {endpoint}/keys/{name}          import a transfer blob
//	GET    {endpoint}/keys/{name}          read key (404 when absent)
//	DELETE {endpoint}/keys/{name}          delete key
//	POST   {endpoint}/keys/{name}/create   create a KEK
type RESTClient struct {
	client   *http.Client
	endpoint *url.URL
	token    string
	kekSize  int
}

// NewRESTClient validates the endpoint and builds the HTTP client.
func NewRESTClient(opts Options) (*RESTClient, error) {
	u, err := url.Parse(opts.Endpoint)
	if err != nil {
		return nil, fmt.Errorf("kms: invalid endpoint %q: %w", opts.Endpoint, err)
	}
	if u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("kms: endpoint must include scheme and host: %s", opts.Endpoint)
	}

	transport := http.DefaultTransport.(*http.Transport).Clone()
	if strings.EqualFold(u.Scheme, "https") {
		transport.TLSClientConfig = &tls.Config{
			MinVersion:         tls.VersionTLS12,
			InsecureSkipVerify: opts.InsecureSkipVerify, //nolint:gosec // opt-in for test deployments
		}
	}

	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	kekSize := opts.KEKSize
	if kekSize <= 0 {
		kekSize = 4096
	}

	return &RESTClient{
		client:   &http.Client{Timeout: timeout, Transport: transport},
		endpoint: u,
		token:    opts.Token,
		kekSize:  kekSize,
	}, nil
}

func (c *RESTClient) Provider() string { return ProviderREST }

type jsonWebKey struct {
	Kid    string   `json:"kid,omitempty"`
	Kty    string   `json:"kty"`
	KeyOps []string `json:"key_ops,omitempty"`
	N      string   `json:"n,omitempty"`
	E      string   `json:"e,omitempty"`
	KeyHSM string   `json:"key_hsm,omitempty"`
}

type keyAttributes struct {
	Created int64 `json:"created,omitempty"`
}

type keyBundle struct {
	Key        jsonWebKey    `json:"key"`
	Attributes keyAttributes `json:"attributes,omitempty"`
}

type createKeyRequest struct {
	Kty     string   `json:"kty"`
	KeySize int      `json:"key_size"`
	KeyOps  []string `json:"key_ops"`
}

// UploadKey sends the blob as key_hsm, base64url encoded.
func (c *RESTClient) UploadKey(ctx context.Context, name string, blob []byte, keyOps []string) (*KeyInfo, error) {
	req := keyBundle{Key: jsonWebKey{
		Kty:    keyTypeRSAHSM,
		KeyOps: keyOps,
		KeyHSM: base64.RawURLEncoding.EncodeToString(blob),
	}}
	var resp keyBundle
	if _, err := c.do(ctx, "kms upload key", http.MethodPut, c.keyURL(name), req, &resp); err != nil {
		return nil, err
	}
	return bundleToKeyInfo(name, resp)
}

func (c *RESTClient) KeyExists(ctx context.Context, name string) (bool, error) {
	status, err := c.do(ctx, "kms get key", http.MethodGet, c.keyURL(name), nil, nil)
	if status == http.StatusNotFound {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (c *RESTClient) DeleteKey(ctx context.Context, name string) error {
	_, err := c.do(ctx, "kms delete key", http.MethodDelete, c.keyURL(name), nil, nil)
	return err
}

func (c *RESTClient) GenerateKEK(ctx context.Context, name string) (*KEKInfo, error) {
	req := createKeyRequest{Kty: keyTypeRSAHSM, KeySize: c.kekSize, KeyOps: []string{"import"}}
	var resp keyBundle
	if _, err := c.do(ctx, "kms create KEK", http.MethodPost, c.keyURL(name)+"/create", req, &resp); err != nil {
		return nil, err
	}

	pub, err := jwkToRSA(resp.Key)
	if err != nil {
		return nil, byokerr.Dependency("kms create KEK", 0, err)
	}
	pemBytes, err := crypto.MarshalRSAPublicKeyPEM(pub)
	if err != nil {
		return nil, byokerr.Crypto("encode KEK public key", err)
	}
	return &KEKInfo{
		ID:           resp.Key.Kid,
		Name:         name,
		KeySize:      pub.N.BitLen(),
		PublicKeyPEM: string(pemBytes),
	}, nil
}

func (c *RESTClient) Close(context.Context) error {
	if tr, ok := c.client.Transport.(*http.Transport); ok {
		tr.CloseIdleConnections()
	}
	return nil
}

func (c *RESTClient) keyURL(name string) string {
	u := *c.endpoint
	u.Path = path.Join(u.Path, "keys", name)
	return u.String()
}

// do performs one request. The returned status is the upstream status when a response was received.
func (c *RESTClient) do(ctx context.Context, operation, method, target string, in, out any) (int, error) {
	var body io.Reader
	if in != nil {
		payload, err := json.Marshal(in)
		if err != nil {
			return 0, fmt.Errorf("kms: failed to marshal request: %w", err)
		}
		body = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return 0, fmt.Errorf("kms: failed to create request: %w", err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return 0, byokerr.Dependency(operation, 0, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return resp.StatusCode, byokerr.Dependency(operation, resp.StatusCode, fmt.Errorf("failed to read response: %w", err))
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return resp.StatusCode, byokerr.Dependency(operation, resp.StatusCode,
			fmt.Errorf("status %d: %s", resp.StatusCode, strings.TrimSpace(string(respBody))))
	}

	if out != nil && len(respBody) > 0 {
		if err := json.Unmarshal(respBody, out); err != nil {
			return resp.StatusCode, byokerr.Dependency(operation, 0, fmt.Errorf("invalid response: %w", err))
		}
	}
	return resp.StatusCode, nil
}

func bundleToKeyInfo(name string, b keyBundle) (*KeyInfo, error) {
	info := &KeyInfo{
		ID:      b.Key.Kid,
		Name:    name,
		Version: path.Base(b.Key.Kid),
		KeyType: b.Key.Kty,
		KeyOps:  b.Key.KeyOps,
	}
	if b.Attributes.Created > 0 {
		info.CreatedAt = time.Unix(b.Attributes.Created, 0).UTC()
	}
	if b.Key.N != "" {
		pub, err := jwkToRSA(b.Key)
		if err != nil {
			return nil, byokerr.Dependency("kms upload key", 0, err)
		}
		pemBytes, err := crypto.MarshalRSAPublicKeyPEM(pub)
		if err != nil {
			return nil, byokerr.Crypto("encode public key", err)
		}
		info.PublicKeyPEM = string(pemBytes)
	}
	return info, nil
}

func jwkToRSA(k jsonWebKey) (*rsa.PublicKey, error) {
	if k.N == "" || k.E == "" {
		return nil, errors.New("response key has no RSA modulus or exponent")
	}
	n, err := base64.RawURLEncoding.DecodeString(strings.TrimRight(k.N, "="))
	if err != nil {
		return nil, fmt.Errorf("invalid modulus: %w", err)
	}
	e, err := base64.RawURLEncoding.DecodeString(strings.TrimRight(k.E, "="))
	if err != nil {
		return nil, fmt.Errorf("invalid exponent: %w", err)
	}
	exp := new(big.Int).SetBytes(e)
	if !exp.IsInt64() || exp.Int64() > 1<<31-1 {
		return nil, errors.New("exponent out of range")
	}
	return &rsa.PublicKey{N: new(big.Int).SetBytes(n), E: int(exp.Int64())}, nil
}
