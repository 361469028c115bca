package toolservice

// HTTP routes served by tool services that speak plain JSON.
const (
	PathCatalog = "/catalog"
	PathInvoke  = "/invoke"
	PathWS      = "/ws"
	PathMCP     = "/mcp"
)

// FrameType identifies a WebSocket frame.
type FrameType string

const (
	FrameCatalog FrameType = "catalog"
	FrameInvoke  FrameType = "invoke"
	FrameResult  FrameType = "result"
	FrameError   FrameType = "error"
)

// Frame is one JSON message on a tool-service WebSocket. Requests carry a
// caller-chosen ID; the reply echoes it so many calls can share one socket.
type Frame struct {
	ID       string    `json:"id"`
	Type     FrameType `json:"type"`
	Request  *Request  `json:"request,omitempty"`
	Response *Response `json:"response,omitempty"`
	Catalog  *Catalog  `json:"catalog,omitempty"`
	Error    string    `json:"error,omitempty"`
}
