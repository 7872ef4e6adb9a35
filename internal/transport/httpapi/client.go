package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/golang/snappy"

	"floracore/internal/transport"
	"floracore/pkg/domain"
)

// Compile-time contract assertion.
var _ transport.Transport = (*Client)(nil)

// ClientConfig carries the connection settings for the hub endpoint.
type ClientConfig struct {
	BaseURL  string
	Token    string
	TenantID string
	// Compress enables snappy compression of push bodies.
	Compress bool
	// Timeout bounds each request when no HTTPClient is supplied.
	Timeout time.Duration
	// HTTPClient overrides the default client, mainly for tests.
	HTTPClient *http.Client
}

// Client implements the sync transport over HTTP.
type Client struct {
	cfg  ClientConfig
	http *http.Client
}

// NewClient constructs an HTTP transport from the supplied config.
func NewClient(cfg ClientConfig) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("httpapi: base url required")
	}
	if cfg.TenantID == "" {
		return nil, fmt.Errorf("httpapi: tenant id required")
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = 30 * time.Second
		}
		httpClient = &http.Client{Timeout: timeout}
	}
	return &Client{cfg: cfg, http: httpClient}, nil
}

// Push uploads the batch as an NDJSON stream and returns the hub's verdict.
func (c *Client) Push(ctx context.Context, events []domain.SyncEvent) (domain.BatchResult, error) {
	var buf bytes.Buffer
	if err := domain.EncodeNDJSON(&buf, events); err != nil {
		return domain.BatchResult{}, err
	}
	body := buf.Bytes()
	encoding := ""
	if c.cfg.Compress {
		body = snappy.Encode(nil, body)
		encoding = encodingSnappy
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+"/sync/up", bytes.NewReader(body))
	if err != nil {
		return domain.BatchResult{}, err
	}
	req.Header.Set("Content-Type", contentTypeNDJSON)
	if encoding != "" {
		req.Header.Set("Content-Encoding", encoding)
	}
	c.decorate(req)

	resp, err := c.http.Do(req)
	if err != nil {
		return domain.BatchResult{}, &domain.TransportError{Op: "push", Err: err, Transient: true}
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return domain.BatchResult{}, statusError("push", resp)
	}
	var result domain.BatchResult
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return domain.BatchResult{}, &domain.TransportError{Op: "push", Err: err, Transient: true}
	}
	return result, nil
}

// Pull drains hub events recorded after cursor.
func (c *Client) Pull(ctx context.Context, cursor string, limit int) ([]domain.SyncEvent, string, error) {
	q := url.Values{}
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	endpoint := c.cfg.BaseURL + "/sync/down"
	if encoded := q.Encode(); encoded != "" {
		endpoint += "?" + encoded
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, "", err
	}
	c.decorate(req)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, "", &domain.TransportError{Op: "pull", Err: err, Transient: true}
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return nil, "", statusError("pull", resp)
	}
	var payload downResponse
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, "", &domain.TransportError{Op: "pull", Err: err, Transient: true}
	}
	return payload.Events, payload.NextCursor, nil
}

func (c *Client) decorate(req *http.Request) {
	if c.cfg.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.Token)
	}
	req.Header.Set(headerTenant, c.cfg.TenantID)
}

// statusError classifies HTTP failures: server-side and rate-limit statuses
// are transient and retried, client errors are not.
func statusError(op string, resp *http.Response) error {
	snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	transient := resp.StatusCode >= http.StatusInternalServerError || resp.StatusCode == http.StatusTooManyRequests
	return &domain.TransportError{
		Op:        op,
		Err:       fmt.Errorf("unexpected status %d: %s", resp.StatusCode, bytes.TrimSpace(snippet)),
		Transient: transient,
	}
}
