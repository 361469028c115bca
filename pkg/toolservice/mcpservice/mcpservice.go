package mcpservice

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/exec"
	"strings"

	"github.com/germanamz/toolrelay/pkg/toolservice"
	"github.com/modelcontextprotocol/go-sdk/jsonrpc"
	"github.com/modelcontextprotocol/go-sdk/mcp"
)

// Transport selects how the client reaches the MCP server.
type Transport string

const (
	TransportCommand    Transport = "command"
	TransportSSE        Transport = "sse"
	TransportStreamable Transport = "streamable"
)

// Meta keys read from tool and result metadata.
const (
	metaDefaultFields = "defaultFields"
	metaTimeoutMS     = "timeoutMs"
	metaCategory      = "category"
	metaPayload       = "payload"
)

// Config describes one MCP tool service.
type Config struct {
	Name       string
	Transport  Transport
	Command    string
	Args       []string
	Env        map[string]string
	URL        string
	Headers    map[string]string
	HTTPClient *http.Client
}

// Dialer opens MCP client sessions for one service.
type Dialer struct {
	cfg Config
}

// New returns a Dialer for cfg. The transport defaults to command when a
// command is set and to streamable HTTP otherwise.
func New(cfg Config) *Dialer {
	if cfg.Transport == "" {
		if cfg.Command != "" {
			cfg.Transport = TransportCommand
		} else {
			cfg.Transport = TransportStreamable
		}
	}

	return &Dialer{cfg: cfg}
}

// Dial connects a new client session.
func (d *Dialer) Dial(ctx context.Context) (toolservice.Conn, error) {
	transport, err := d.transport()
	if err != nil {
		return nil, err
	}

	return NewFromTransport(ctx, d.cfg.Name, d.endpoint(), transport)
}

func (d *Dialer) endpoint() string {
	if d.cfg.Transport == TransportCommand {
		return strings.TrimSpace(d.cfg.Command + " " + strings.Join(d.cfg.Args, " "))
	}

	return d.cfg.URL
}

func (d *Dialer) transport() (mcp.Transport, error) {
	switch d.cfg.Transport {
	case TransportCommand:
		if d.cfg.Command == "" {
			return nil, fmt.Errorf("mcpservice: %s: command is required", d.cfg.Name)
		}
		cmd := exec.Command(d.cfg.Command, d.cfg.Args...) //nolint:gosec // command comes from operator configuration
		if len(d.cfg.Env) > 0 {
			cmd.Env = os.Environ()
			for k, v := range d.cfg.Env {
				cmd.Env = append(cmd.Env, k+"="+v)
			}
		}
		return &mcp.CommandTransport{Command: cmd}, nil
	case TransportSSE:
		return &mcp.SSEClientTransport{Endpoint: d.cfg.URL, HTTPClient: d.httpClient()}, nil
	case TransportStreamable:
		if d.cfg.URL == "" {
			return nil, fmt.Errorf("mcpservice: %s: url is required", d.cfg.Name)
		}
		return &mcp.StreamableClientTransport{
			Endpoint:             d.cfg.URL,
			HTTPClient:           d.httpClient(),
			MaxRetries:           -1,
			DisableStandaloneSSE: true,
		}, nil
	default:
		return nil, fmt.Errorf("mcpservice: %s: unknown transport %q", d.cfg.Name, d.cfg.Transport)
	}
}

func (d *Dialer) httpClient() *http.Client {
	base := d.cfg.HTTPClient
	if base == nil {
		base = http.DefaultClient
	}
	if len(d.cfg.Headers) == 0 {
		return base
	}

	rt := base.Transport
	if rt == nil {
		rt = http.DefaultTransport
	}

	c := *base
	c.Transport = headerTransport{headers: d.cfg.Headers, next: rt}

	return &c
}

type headerTransport struct {
	headers map[string]string
	next    http.RoundTripper
}

func (t headerTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	req = req.Clone(req.Context())
	for k, v := range t.headers {
		req.Header.Set(k, v)
	}

	return t.next.RoundTrip(req)
}

// Client is one MCP client session bound to a tool service.
type Client struct {
	name     string
	endpoint string
	client   *mcp.Client
	session  *mcp.ClientSession
}

// NewFromTransport connects over an arbitrary transport. Dial uses it; tests
// pass one half of mcp.NewInMemoryTransports.
func NewFromTransport(ctx context.Context, name, endpoint string, transport mcp.Transport) (*Client, error) {
	client := mcp.NewClient(&mcp.Implementation{
		Name:    "toolrelay",
		Version: "0.1.0",
	}, nil)

	session, err := client.Connect(ctx, transport, nil)
	if err != nil {
		return nil, toolservice.NewConnError(name, "connect", err)
	}

	return &Client{name: name, endpoint: endpoint, client: client, session: session}, nil
}

// Catalog lists every tool the server exposes, following pagination cursors.
func (c *Client) Catalog(ctx context.Context) (toolservice.Catalog, error) {
	cat := toolservice.Catalog{ServiceName: c.name, ServiceEndpoint: c.endpoint}
	if ir := c.session.InitializeResult(); cat.ServiceName == "" && ir != nil && ir.ServerInfo != nil {
		cat.ServiceName = ir.ServerInfo.Name
	}

	params := &mcp.ListToolsParams{}
	for {
		result, err := c.session.ListTools(ctx, params)
		if err != nil {
			return toolservice.Catalog{}, c.classify("list tools", err)
		}

		for _, sdkTool := range result.Tools {
			t, err := fromSDKTool(sdkTool)
			if err != nil {
				return toolservice.Catalog{}, fmt.Errorf("mcpservice: convert tool %q: %w", sdkTool.Name, err)
			}
			cat.Tools = append(cat.Tools, t)
		}

		if result.NextCursor == "" {
			return cat, nil
		}
		params = &mcp.ListToolsParams{Cursor: result.NextCursor}
	}
}

// Invoke calls a tool. Tool-level failures come back inside the Response;
// the error return is reserved for transport and context failures.
func (c *Client) Invoke(ctx context.Context, req toolservice.Request) (toolservice.Response, error) {
	var args any
	if len(req.Parameters) > 0 {
		args = req.Parameters
	}

	result, err := c.session.CallTool(ctx, &mcp.CallToolParams{
		Name:      req.ToolName,
		Arguments: args,
	})
	if err != nil {
		var wire *jsonrpc.Error
		if errors.As(err, &wire) {
			return toolservice.Failure(categoryForCode(wire.Code), wire.Message, wire.Data), nil
		}
		return toolservice.Response{}, c.classify("call tool", err)
	}

	text := extractText(result)

	if result.IsError {
		category := toolservice.CategoryInternal
		var payload json.RawMessage
		if result.Meta != nil {
			if s, ok := result.Meta[metaCategory].(string); ok && toolservice.Category(s).Valid() {
				category = toolservice.Category(s)
			}
			if p, ok := result.Meta[metaPayload]; ok {
				payload, _ = json.Marshal(p)
			}
		}
		return toolservice.Failure(category, text, payload), nil
	}

	return toolservice.Success(resultPayload(result, text)), nil
}

// Ping checks that the session is still alive.
func (c *Client) Ping(ctx context.Context) error {
	if err := c.session.Ping(ctx, nil); err != nil {
		return c.classify("ping", err)
	}

	return nil
}

// Close terminates the session. For command transports the SDK closes stdin
// and escalates to SIGTERM/SIGKILL if the process does not exit.
func (c *Client) Close() error {
	return c.session.Close()
}

// classify wraps err as a connectivity failure unless it is a context error.
func (c *Client) classify(op string, err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return fmt.Errorf("mcpservice: %s: %w", op, err)
	}

	if errors.Is(err, mcp.ErrConnectionClosed) || toolservice.IsConnectivity(err) {
		return toolservice.NewConnError(c.name, op, err)
	}

	return fmt.Errorf("mcpservice: %s: %w", op, err)
}

func categoryForCode(code int64) toolservice.Category {
	switch code {
	case jsonrpc.CodeInvalidParams:
		return toolservice.CategoryValidation
	case jsonrpc.CodeMethodNotFound:
		return toolservice.CategoryNotFound
	default:
		return toolservice.CategoryInternal
	}
}

// fromSDKTool converts an SDK *mcp.Tool to a catalog entry.
func fromSDKTool(sdkTool *mcp.Tool) (toolservice.CatalogTool, error) {
	schemaBytes, err := json.Marshal(sdkTool.InputSchema)
	if err != nil {
		return toolservice.CatalogTool{}, fmt.Errorf("marshal input schema: %w", err)
	}

	t := toolservice.CatalogTool{
		Name:            sdkTool.Name,
		Description:     sdkTool.Description,
		ParameterSchema: schemaBytes,
	}

	if sdkTool.Meta != nil {
		if raw, ok := sdkTool.Meta[metaDefaultFields].([]any); ok {
			for _, f := range raw {
				if s, ok := f.(string); ok {
					t.DefaultFields = append(t.DefaultFields, s)
				}
			}
		}
		if ms, ok := sdkTool.Meta[metaTimeoutMS].(float64); ok && ms > 0 {
			t.TimeoutMS = int(ms)
		}
	}

	return t, nil
}

// resultPayload prefers structured content, then text that is already JSON,
// and finally the text encoded as a JSON string.
func resultPayload(result *mcp.CallToolResult, text string) json.RawMessage {
	if result.StructuredContent != nil {
		if b, err := json.Marshal(result.StructuredContent); err == nil {
			return b
		}
	}

	trimmed := strings.TrimSpace(text)
	if trimmed != "" && json.Valid([]byte(trimmed)) {
		return json.RawMessage(trimmed)
	}

	b, _ := json.Marshal(text)
	return b
}

// extractText joins all TextContent items from a CallToolResult with newlines.
func extractText(result *mcp.CallToolResult) string {
	var texts []string
	for _, item := range result.Content {
		if tc, ok := item.(*mcp.TextContent); ok {
			texts = append(texts, tc.Text)
		}
	}

	return strings.Join(texts, "\n")
}
