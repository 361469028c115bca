package toolhost

import (
	"context"
	"encoding/json"
	"time"
)

// Handler executes a tool with the given JSON parameters and returns a JSON
// result payload. Returning a *toolservice.RemoteError controls the category
// reported to the caller; any other error is reported as internal.
type Handler func(ctx context.Context, params json.RawMessage) (json.RawMessage, error)

// Tool represents an executable tool with a name, description, JSON Schema,
// and handler.
type Tool struct {
	Name          string
	Description   string
	InputSchema   json.RawMessage
	DefaultFields []string
	Timeout       time.Duration
	Handler       Handler
}

// TextHandler adapts a function returning plain text into a Handler whose
// payload is the JSON encoding of that text.
func TextHandler(fn func(ctx context.Context, params json.RawMessage) (string, error)) Handler {
	return func(ctx context.Context, params json.RawMessage) (json.RawMessage, error) {
		text, err := fn(ctx, params)
		if err != nil {
			return nil, err
		}

		return json.Marshal(text)
	}
}

// schema returns the tool's input schema, defaulting to an open object.
func (t Tool) schema() json.RawMessage {
	if len(t.InputSchema) == 0 {
		return json.RawMessage(`{"type":"object"}`)
	}

	return t.InputSchema
}
