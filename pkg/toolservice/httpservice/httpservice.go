package httpservice

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/germanamz/toolrelay/pkg/toolservice"
)

// maxErrorBody bounds how much of a non-2xx body is kept for error messages.
const maxErrorBody = 64 << 10

// Config describes one tool service reachable over plain JSON HTTP.
type Config struct {
	Name    string
	BaseURL string            // Service base URL (no trailing slash).
	Headers map[string]string // Extra headers applied to every request.
	Client  *http.Client      // HTTP client; falls back to a default with a 2-minute timeout.
}

// Dialer produces Clients for one service. Dialing probes GET /catalog so a
// dead service fails at dial time rather than on the first invocation.
type Dialer struct {
	cfg Config

	clientOnce    sync.Once
	defaultClient *http.Client
}

// New creates a Dialer with the given settings.
func New(cfg Config) *Dialer {
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	return &Dialer{cfg: cfg}
}

// Dial returns a Client after a successful catalog probe.
func (d *Dialer) Dial(ctx context.Context) (toolservice.Conn, error) {
	c := &Client{name: d.cfg.Name, baseURL: d.cfg.BaseURL, headers: d.cfg.Headers, http: d.httpClient()}
	if _, err := c.Catalog(ctx); err != nil {
		return nil, err
	}

	return c, nil
}

// httpClient returns the configured client or a cached default client.
func (d *Dialer) httpClient() *http.Client {
	if d.cfg.Client != nil {
		return d.cfg.Client
	}

	d.clientOnce.Do(func() {
		d.defaultClient = &http.Client{Timeout: 2 * time.Minute}
	})

	return d.defaultClient
}

// Client talks to one tool service. HTTP is stateless, so a Client is safe
// for concurrent use and Close is a no-op.
type Client struct {
	name    string
	baseURL string
	headers map[string]string
	http    *http.Client
}

// StatusError is returned for non-2xx responses that do not carry a
// toolservice.Response body.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("unexpected status %d: %s", e.StatusCode, e.Body)
}

// Catalog fetches GET /catalog.
func (c *Client) Catalog(ctx context.Context) (toolservice.Catalog, error) {
	var cat toolservice.Catalog
	if err := c.do(ctx, http.MethodGet, toolservice.PathCatalog, nil, &cat); err != nil {
		return toolservice.Catalog{}, err
	}

	if cat.ServiceName == "" {
		cat.ServiceName = c.name
	}
	if cat.ServiceEndpoint == "" {
		cat.ServiceEndpoint = c.baseURL
	}

	return cat, nil
}

// Invoke posts the request to POST /invoke.
func (c *Client) Invoke(ctx context.Context, req toolservice.Request) (toolservice.Response, error) {
	if len(req.Parameters) == 0 {
		req.Parameters = json.RawMessage("{}")
	}

	var resp toolservice.Response
	err := c.do(ctx, http.MethodPost, toolservice.PathInvoke, req, &resp)

	var statusErr *StatusError
	if errors.As(err, &statusErr) {
		return toolservice.Failure(toolservice.CategoryInternal, statusErr.Error(), nil), nil
	}
	if err != nil {
		return toolservice.Response{}, err
	}

	if !resp.Success && resp.Error == nil {
		resp.Error = &toolservice.RemoteError{Category: toolservice.CategoryInternal, Message: "tool reported failure without detail"}
	}

	return resp, nil
}

// Close is a no-op.
func (c *Client) Close() error { return nil }

// do sends a JSON request and decodes the JSON reply into dest. Transport
// failures and gateway statuses (502, 503, 504) come back as ConnError.
// Error statuses whose body still decodes as a toolservice.Response are
// treated as success so the remote error detail reaches the caller.
func (c *Client) do(ctx context.Context, method, path string, payload, dest any) error {
	var body io.Reader
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("httpservice: marshal payload: %w", err)
		}
		body = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("httpservice: build request: %w", err)
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	for k, v := range c.headers {
		req.Header.Set(k, v)
	}

	resp, err := c.http.Do(req) //nolint:gosec // URL is built from trusted BaseURL config, not user input.
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return fmt.Errorf("httpservice: %s %s: %w", method, path, ctxErr)
		}
		return toolservice.NewConnError(c.name, method+" "+path, err)
	}
	defer func() { _ = resp.Body.Close() }()

	switch resp.StatusCode {
	case http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return toolservice.NewConnError(c.name, method+" "+path, &StatusError{StatusCode: resp.StatusCode, Body: string(respBody)})
	}

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return toolservice.NewConnError(c.name, "read body", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		if _, isResponse := dest.(*toolservice.Response); isResponse && json.Unmarshal(respBody, dest) == nil {
			return nil
		}
		if len(respBody) > maxErrorBody {
			respBody = respBody[:maxErrorBody]
		}
		return &StatusError{StatusCode: resp.StatusCode, Body: string(respBody)}
	}

	if err := json.Unmarshal(respBody, dest); err != nil {
		return fmt.Errorf("httpservice: decode response: %w", err)
	}

	return nil
}
