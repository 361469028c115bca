package toolservice

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// Catalog is the self-description a tool service publishes.
type Catalog struct {
	ServiceName     string        `json:"serviceName"`
	ServiceEndpoint string        `json:"serviceEndpoint"`
	Tools           []CatalogTool `json:"tools"`
}

// CatalogTool describes one operation in a Catalog.
type CatalogTool struct {
	Name            string          `json:"toolName"`
	Description     string          `json:"description,omitempty"`
	ParameterSchema json.RawMessage `json:"parameterSchema,omitempty"`
	DefaultFields   []string        `json:"defaultFields,omitempty"`
	TimeoutMS       int             `json:"timeoutMs,omitempty"`
}

// Timeout returns the tool's declared call timeout, or zero when the catalog
// does not declare one.
func (t CatalogTool) Timeout() time.Duration {
	if t.TimeoutMS <= 0 {
		return 0
	}

	return time.Duration(t.TimeoutMS) * time.Millisecond
}

// Request invokes a single tool.
type Request struct {
	ToolName   string          `json:"toolName"`
	Parameters json.RawMessage `json:"parameters"`
}

// Response is the outcome of a Request. Exactly one of Result or Error is
// meaningful, selected by Success.
type Response struct {
	Success bool            `json:"success"`
	Result  json.RawMessage `json:"resultPayload,omitempty"`
	Error   *RemoteError    `json:"error,omitempty"`
}

// Success builds a successful Response.
func Success(result json.RawMessage) Response {
	return Response{Success: true, Result: result}
}

// Failure builds a failed Response carrying a RemoteError.
func Failure(category Category, message string, payload json.RawMessage) Response {
	return Response{Error: &RemoteError{Category: category, Message: message, Payload: payload}}
}

// Category is the machine-readable class of a remote tool failure.
type Category string

const (
	CategoryValidation Category = "validation"
	CategoryNotFound   Category = "not_found"
	CategoryInternal   Category = "internal"
	CategoryTimeout    Category = "timeout"
)

// Valid reports whether c is one of the known categories.
func (c Category) Valid() bool {
	switch c {
	case CategoryValidation, CategoryNotFound, CategoryInternal, CategoryTimeout:
		return true
	default:
		return false
	}
}

// RemoteError is a failure reported by the tool service itself: the call
// reached the tool and the tool said no.
type RemoteError struct {
	Category Category        `json:"category"`
	Message  string          `json:"message"`
	Payload  json.RawMessage `json:"payload,omitempty"`
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("remote tool error (%s): %s", e.Category, e.Message)
}

// Conn is one logical connection to a tool service.
type Conn interface {
	Catalog(ctx context.Context) (Catalog, error)
	Invoke(ctx context.Context, req Request) (Response, error)
	Close() error
}

// Dialer opens a Conn to one tool service.
type Dialer interface {
	Dial(ctx context.Context) (Conn, error)
}

// DialerFunc adapts a function to the Dialer interface.
type DialerFunc func(ctx context.Context) (Conn, error)

// Dial calls f(ctx).
func (f DialerFunc) Dial(ctx context.Context) (Conn, error) { return f(ctx) }

// CatalogSource is anything that can list a service's tools.
type CatalogSource interface {
	Name() string
	Catalog(ctx context.Context) (Catalog, error)
}
