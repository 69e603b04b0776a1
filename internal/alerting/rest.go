package alerting

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/kenneth/byok-gateway/internal/byokerr"
)

// RESTClient calls the alerting API:
//
//	GET {endpoint}/alerts/{name}         alert lookup (404 when absent)
//	GET {endpoint}/actionGroups/{name}   action group lookup (404 when absent)
//	PUT {endpoint}/alerts/{name}         create or replace a key alert
type RESTClient struct {
	client         *http.Client
	endpoint       *url.URL
	token          string
	vaultAlertName string
}

type keyAlertRequest struct {
	KeyID        string   `json:"key_id"`
	ActionGroups []string `json:"action_groups"`
}

// NewRESTClient validates the endpoint and builds the HTTP client.
func NewRESTClient(opts Options) (*RESTClient, error) {
	u, err := url.Parse(opts.Endpoint)
	if err != nil {
		return nil, fmt.Errorf("alerting: invalid endpoint %q: %w", opts.Endpoint, err)
	}
	if u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("alerting: endpoint must include scheme and host: %s", opts.Endpoint)
	}
	if opts.VaultAlertName == "" {
		return nil, fmt.Errorf("alerting: vault alert name is required")
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &RESTClient{
		client:         &http.Client{Timeout: timeout},
		endpoint:       u,
		token:          opts.Token,
		vaultAlertName: opts.VaultAlertName,
	}, nil
}

func (c *RESTClient) VaultAlertExists(ctx context.Context) (bool, error) {
	return c.exists(ctx, "alerting get vault alert", "alerts", c.vaultAlertName)
}

func (c *RESTClient) ActionGroupExists(ctx context.Context, name string) (bool, error) {
	return c.exists(ctx, "alerting get action group", "actionGroups", name)
}

func (c *RESTClient) CreateKeyAlert(ctx context.Context, alertName, keyID string, actionGroups []string) error {
	payload, err := json.Marshal(keyAlertRequest{KeyID: keyID, ActionGroups: actionGroups})
	if err != nil {
		return fmt.Errorf("alerting: failed to marshal request: %w", err)
	}
	_, err = c.do(ctx, "alerting create key alert", http.MethodPut, c.url("alerts", alertName), payload)
	return err
}

func (c *RESTClient) exists(ctx context.Context, operation, collection, name string) (bool, error) {
	status, err := c.do(ctx, operation, http.MethodGet, c.url(collection, name), nil)
	if status == http.StatusNotFound {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (c *RESTClient) url(collection, name string) string {
	u := *c.endpoint
	u.Path = path.Join(u.Path, collection, name)
	return u.String()
}

func (c *RESTClient) do(ctx context.Context, operation, method, target string, payload []byte) (int, error) {
	var body io.Reader
	if payload != nil {
		body = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return 0, fmt.Errorf("alerting: failed to create request: %w", err)
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return 0, byokerr.Dependency(operation, 0, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return resp.StatusCode, byokerr.Dependency(operation, resp.StatusCode,
			fmt.Errorf("status %d: %s", resp.StatusCode, strings.TrimSpace(string(msg))))
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return resp.StatusCode, nil
}
