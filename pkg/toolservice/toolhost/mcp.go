package toolhost

import (
	"context"
	"encoding/json"
	"io"
	"net/http"

	"github.com/germanamz/toolrelay/pkg/toolservice"
	"github.com/modelcontextprotocol/go-sdk/mcp"
)

// Meta keys carrying toolrelay-specific catalog and error details over MCP.
const (
	MetaDefaultFields = "defaultFields"
	MetaTimeoutMS     = "timeoutMs"
	MetaCategory      = "category"
	MetaPayload       = "payload"
)

// ServeMCP serves the host over MCP stdio-style framing. It reads requests
// from in and writes responses to out, blocking until ctx is cancelled or the
// transport closes.
func (h *Host) ServeMCP(ctx context.Context, in io.Reader, out io.Writer) error {
	transport := &mcp.IOTransport{
		Reader: io.NopCloser(in),
		Writer: nopWriteCloser{out},
	}

	return h.RunMCP(ctx, transport)
}

// RunMCP serves the host on an arbitrary MCP transport, such as one half of
// mcp.NewInMemoryTransports.
func (h *Host) RunMCP(ctx context.Context, transport mcp.Transport) error {
	return h.server.Run(ctx, transport)
}

// MCPHandler returns a streamable HTTP handler for the host's MCP server.
func (h *Host) MCPHandler() http.Handler {
	return mcp.NewStreamableHTTPHandler(func(*http.Request) *mcp.Server { return h.server }, nil)
}

// toSDKTool converts a Tool to an SDK *mcp.Tool.
func toSDKTool(t Tool) *mcp.Tool {
	tool := &mcp.Tool{
		Name:        t.Name,
		Description: t.Description,
		InputSchema: t.schema(),
	}

	if len(t.DefaultFields) > 0 || t.Timeout > 0 {
		tool.Meta = mcp.Meta{}
		if len(t.DefaultFields) > 0 {
			tool.Meta[MetaDefaultFields] = t.DefaultFields
		}
		if t.Timeout > 0 {
			tool.Meta[MetaTimeoutMS] = t.Timeout.Milliseconds()
		}
	}

	return tool
}

// sdkHandler routes an SDK tool call through Host.Invoke so MCP callers see
// the same semantics as HTTP and WebSocket callers.
func (h *Host) sdkHandler(name string) mcp.ToolHandler {
	return func(ctx context.Context, req *mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		args := req.Params.Arguments
		if args == nil {
			args = json.RawMessage("{}")
		}

		resp := h.Invoke(ctx, toolservice.Request{ToolName: name, Parameters: args})
		if !resp.Success {
			meta := mcp.Meta{MetaCategory: string(resp.Error.Category)}
			if len(resp.Error.Payload) > 0 {
				meta[MetaPayload] = resp.Error.Payload
			}

			return &mcp.CallToolResult{
				Meta:    meta,
				Content: []mcp.Content{&mcp.TextContent{Text: resp.Error.Message}},
				IsError: true,
			}, nil
		}

		return &mcp.CallToolResult{
			Content: []mcp.Content{&mcp.TextContent{Text: string(resp.Result)}},
		}, nil
	}
}

// nopWriteCloser wraps an io.Writer as an io.WriteCloser with a no-op Close.
type nopWriteCloser struct {
	io.Writer
}

func (nopWriteCloser) Close() error { return nil }
