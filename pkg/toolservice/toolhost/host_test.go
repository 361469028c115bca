package toolhost

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/germanamz/toolrelay/pkg/toolservice"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func echoTool() Tool {
	return Tool{
		Name:        "echo",
		Description: "Echoes parameters back",
		InputSchema: json.RawMessage(`{"type":"object","properties":{"text":{"type":"string"}}}`),
		Handler: func(_ context.Context, params json.RawMessage) (json.RawMessage, error) {
			return params, nil
		},
	}
}

func TestRegisterAndGet(t *testing.T) {
	h := New("svc", "1.0.0")
	h.Register(echoTool())

	tool, ok := h.Get("echo")
	require.True(t, ok)
	assert.Equal(t, "Echoes parameters back", tool.Description)

	_, ok = h.Get("missing")
	assert.False(t, ok)
}

func TestRegisterReplaces(t *testing.T) {
	h := New("svc", "1.0.0")
	h.Register(echoTool())

	replaced := echoTool()
	replaced.Description = "v2"
	h.Register(replaced)

	tools := h.Tools()
	require.Len(t, tools, 1)
	assert.Equal(t, "v2", tools[0].Description)
}

func TestToolsSorted(t *testing.T) {
	h := New("svc", "1.0.0")
	h.Register(Tool{Name: "b", Handler: echoTool().Handler}, Tool{Name: "a", Handler: echoTool().Handler})

	tools := h.Tools()
	require.Len(t, tools, 2)
	assert.Equal(t, "a", tools[0].Name)
	assert.Equal(t, "b", tools[1].Name)
}

func TestRemove(t *testing.T) {
	h := New("svc", "1.0.0")
	h.Register(echoTool())
	h.Remove("echo")

	assert.Empty(t, h.Tools())
}

func TestCatalog(t *testing.T) {
	h := New("hr", "1.0.0")
	h.SetEndpoint("http://hr.local")
	h.Register(Tool{
		Name:          "list",
		DefaultFields: []string{"id", "name"},
		Timeout:       2 * time.Second,
		Handler:       echoTool().Handler,
	})

	cat := h.Catalog()
	assert.Equal(t, "hr", cat.ServiceName)
	assert.Equal(t, "http://hr.local", cat.ServiceEndpoint)
	require.Len(t, cat.Tools, 1)
	assert.Equal(t, []string{"id", "name"}, cat.Tools[0].DefaultFields)
	assert.Equal(t, 2000, cat.Tools[0].TimeoutMS)
	assert.JSONEq(t, `{"type":"object"}`, string(cat.Tools[0].ParameterSchema))
}

func TestInvoke(t *testing.T) {
	h := New("svc", "1.0.0")
	h.Register(echoTool())

	resp := h.Invoke(context.Background(), toolservice.Request{ToolName: "echo", Parameters: json.RawMessage(`{"text":"hi"}`)})
	require.True(t, resp.Success)
	assert.JSONEq(t, `{"text":"hi"}`, string(resp.Result))
}

func TestInvokeEmptyParams(t *testing.T) {
	h := New("svc", "1.0.0")
	h.Register(echoTool())

	resp := h.Invoke(context.Background(), toolservice.Request{ToolName: "echo"})
	require.True(t, resp.Success)
	assert.JSONEq(t, `{}`, string(resp.Result))
}

func TestInvokeNotFound(t *testing.T) {
	h := New("svc", "1.0.0")

	resp := h.Invoke(context.Background(), toolservice.Request{ToolName: "nope"})
	require.False(t, resp.Success)
	assert.Equal(t, toolservice.CategoryNotFound, resp.Error.Category)
}

func TestInvokeErrors(t *testing.T) {
	h := New("svc", "1.0.0")
	h.Register(
		Tool{Name: "plain", Handler: func(context.Context, json.RawMessage) (json.RawMessage, error) {
			return nil, errors.New("database down")
		}},
		Tool{Name: "typed", Handler: func(context.Context, json.RawMessage) (json.RawMessage, error) {
			return nil, &toolservice.RemoteError{Category: toolservice.CategoryValidation, Message: "bad id", Payload: json.RawMessage(`{"field":"id"}`)}
		}},
		Tool{Name: "slow", Timeout: 10 * time.Millisecond, Handler: func(ctx context.Context, _ json.RawMessage) (json.RawMessage, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		}},
	)

	resp := h.Invoke(context.Background(), toolservice.Request{ToolName: "plain"})
	assert.Equal(t, toolservice.CategoryInternal, resp.Error.Category)
	assert.Equal(t, "database down", resp.Error.Message)

	resp = h.Invoke(context.Background(), toolservice.Request{ToolName: "typed"})
	assert.Equal(t, toolservice.CategoryValidation, resp.Error.Category)
	assert.JSONEq(t, `{"field":"id"}`, string(resp.Error.Payload))

	resp = h.Invoke(context.Background(), toolservice.Request{ToolName: "slow"})
	assert.Equal(t, toolservice.CategoryTimeout, resp.Error.Category)
}

func TestTextHandler(t *testing.T) {
	h := New("svc", "1.0.0")
	h.Register(Tool{Name: "greet", Handler: TextHandler(func(context.Context, json.RawMessage) (string, error) {
		return "hello", nil
	})})

	resp := h.Invoke(context.Background(), toolservice.Request{ToolName: "greet"})
	require.True(t, resp.Success)
	assert.JSONEq(t, `"hello"`, string(resp.Result))
}

func TestLocalDialer(t *testing.T) {
	h := New("svc", "1.0.0")
	h.Register(echoTool())

	conn, err := h.Dialer().Dial(context.Background())
	require.NoError(t, err)
	defer func() { _ = conn.Close() }()

	cat, err := conn.Catalog(context.Background())
	require.NoError(t, err)
	assert.Len(t, cat.Tools, 1)

	resp, err := conn.Invoke(context.Background(), toolservice.Request{ToolName: "echo", Parameters: json.RawMessage(`{"a":1}`)})
	require.NoError(t, err)
	assert.JSONEq(t, `{"a":1}`, string(resp.Result))
}

func TestHTTPHandler(t *testing.T) {
	h := New("svc", "1.0.0")
	h.Register(echoTool())

	srv := httptest.NewServer(h.Handler(nil))
	defer srv.Close()

	res, err := http.Get(srv.URL + toolservice.PathCatalog)
	require.NoError(t, err)
	defer func() { _ = res.Body.Close() }()
	require.Equal(t, http.StatusOK, res.StatusCode)

	var cat toolservice.Catalog
	require.NoError(t, json.NewDecoder(res.Body).Decode(&cat))
	assert.Equal(t, "svc", cat.ServiceName)

	body := bytes.NewBufferString(`{"toolName":"echo","parameters":{"text":"x"}}`)
	res2, err := http.Post(srv.URL+toolservice.PathInvoke, "application/json", body)
	require.NoError(t, err)
	defer func() { _ = res2.Body.Close() }()

	var resp toolservice.Response
	require.NoError(t, json.NewDecoder(res2.Body).Decode(&resp))
	assert.True(t, resp.Success)
	assert.JSONEq(t, `{"text":"x"}`, string(resp.Result))
}

func TestHTTPHandlerBadBody(t *testing.T) {
	h := New("svc", "1.0.0")

	srv := httptest.NewServer(h.Handler(nil))
	defer srv.Close()

	res, err := http.Post(srv.URL+toolservice.PathInvoke, "application/json", bytes.NewBufferString(`{`))
	require.NoError(t, err)
	defer func() { _ = res.Body.Close() }()

	assert.Equal(t, http.StatusBadRequest, res.StatusCode)
}
