package toolhost

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/germanamz/toolrelay/pkg/toolservice"
	"github.com/modelcontextprotocol/go-sdk/mcp"
)

// Host is a collection of tools published as one tool service. It allows
// registering, listing and invoking tools, and serves them over MCP, HTTP and
// WebSocket.
type Host struct {
	name     string
	version  string
	endpoint string

	mu     sync.RWMutex
	tools  map[string]Tool
	server *mcp.Server
}

// New creates a Host that reports itself as name in its catalog.
func New(name, version string) *Host {
	return &Host{
		name:    name,
		version: version,
		tools:   make(map[string]Tool),
		server: mcp.NewServer(&mcp.Implementation{
			Name:    name,
			Version: version,
		}, nil),
	}
}

// Name returns the service name.
func (h *Host) Name() string { return h.name }

// SetEndpoint sets the endpoint advertised in the catalog.
func (h *Host) SetEndpoint(endpoint string) {
	h.mu.Lock()
	h.endpoint = endpoint
	h.mu.Unlock()
}

// Register adds one or more tools. If a tool with the same name already
// exists, it is replaced.
func (h *Host) Register(tools ...Tool) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for _, t := range tools {
		h.tools[t.Name] = t
		h.server.AddTool(toSDKTool(t), h.sdkHandler(t.Name))
	}
}

// Remove drops tools by name.
func (h *Host) Remove(names ...string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for _, n := range names {
		delete(h.tools, n)
	}
	h.server.RemoveTools(names...)
}

// Get returns a tool by name and a boolean indicating whether it was found.
func (h *Host) Get(name string) (Tool, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	t, ok := h.tools[name]
	return t, ok
}

// Tools returns all registered tools sorted by name.
func (h *Host) Tools() []Tool {
	h.mu.RLock()
	defer h.mu.RUnlock()

	result := make([]Tool, 0, len(h.tools))
	for _, t := range h.tools {
		result = append(result, t)
	}
	slices.SortFunc(result, func(a, b Tool) int {
		switch {
		case a.Name < b.Name:
			return -1
		case a.Name > b.Name:
			return 1
		default:
			return 0
		}
	})

	return result
}

// Catalog describes the registered tools.
func (h *Host) Catalog() toolservice.Catalog {
	h.mu.RLock()
	endpoint := h.endpoint
	h.mu.RUnlock()

	tools := h.Tools()
	cat := toolservice.Catalog{
		ServiceName:     h.name,
		ServiceEndpoint: endpoint,
		Tools:           make([]toolservice.CatalogTool, 0, len(tools)),
	}
	for _, t := range tools {
		cat.Tools = append(cat.Tools, toolservice.CatalogTool{
			Name:            t.Name,
			Description:     t.Description,
			ParameterSchema: t.schema(),
			DefaultFields:   t.DefaultFields,
			TimeoutMS:       int(t.Timeout.Milliseconds()),
		})
	}

	return cat
}

// Invoke runs a tool call. Failures are reported inside the Response; Invoke
// never returns a transport-level error.
func (h *Host) Invoke(ctx context.Context, req toolservice.Request) toolservice.Response {
	t, ok := h.Get(req.ToolName)
	if !ok {
		return toolservice.Failure(toolservice.CategoryNotFound, fmt.Sprintf("tool not found: %s", req.ToolName), nil)
	}

	params := req.Parameters
	if len(params) == 0 {
		params = json.RawMessage("{}")
	}

	if t.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, t.Timeout)
		defer cancel()
	}

	result, err := t.Handler(ctx, params)
	if err != nil {
		return failureFor(ctx, err)
	}
	if len(result) == 0 {
		result = json.RawMessage("null")
	}

	return toolservice.Success(result)
}

func failureFor(ctx context.Context, err error) toolservice.Response {
	var remote *toolservice.RemoteError
	if errors.As(err, &remote) {
		return toolservice.Response{Error: remote}
	}

	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return toolservice.Failure(toolservice.CategoryTimeout, err.Error(), nil)
	}

	return toolservice.Failure(toolservice.CategoryInternal, err.Error(), nil)
}

// Dialer returns an in-process Dialer whose connections call the host
// directly. Useful for embedding local tools next to remote ones.
func (h *Host) Dialer() toolservice.Dialer {
	return toolservice.DialerFunc(func(context.Context) (toolservice.Conn, error) {
		return localConn{host: h}, nil
	})
}

type localConn struct {
	host *Host
}

func (c localConn) Catalog(context.Context) (toolservice.Catalog, error) {
	return c.host.Catalog(), nil
}

func (c localConn) Invoke(ctx context.Context, req toolservice.Request) (toolservice.Response, error) {
	resp := c.host.Invoke(ctx, req)
	if err := ctx.Err(); err != nil {
		return toolservice.Response{}, err
	}

	return resp, nil
}

func (localConn) Close() error { return nil }
