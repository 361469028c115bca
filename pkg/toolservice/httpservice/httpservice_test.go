package httpservice_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/germanamz/toolrelay/pkg/toolservice"
	"github.com/germanamz/toolrelay/pkg/toolservice/httpservice"
	"github.com/germanamz/toolrelay/pkg/toolservice/toolhost"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newHost() *toolhost.Host {
	h := toolhost.New("dept", "1.0.0")
	h.Register(toolhost.Tool{
		Name:          "get_department_list",
		DefaultFields: []string{"name"},
		Handler: func(context.Context, json.RawMessage) (json.RawMessage, error) {
			return json.RawMessage(`[{"name":"R&D"},{"name":"Sales"}]`), nil
		},
	})
	return h
}

func TestDialAndInvoke(t *testing.T) {
	host := newHost()
	srv := httptest.NewServer(host.Handler(nil))
	defer srv.Close()

	conn, err := httpservice.New(httpservice.Config{Name: "dept", BaseURL: srv.URL + "/"}).Dial(context.Background())
	require.NoError(t, err)
	defer func() { _ = conn.Close() }()

	cat, err := conn.Catalog(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "dept", cat.ServiceName)
	assert.Equal(t, srv.URL, cat.ServiceEndpoint)
	require.Len(t, cat.Tools, 1)
	assert.Equal(t, []string{"name"}, cat.Tools[0].DefaultFields)

	resp, err := conn.Invoke(context.Background(), toolservice.Request{ToolName: "get_department_list"})
	require.NoError(t, err)
	require.True(t, resp.Success)
	assert.JSONEq(t, `[{"name":"R&D"},{"name":"Sales"}]`, string(resp.Result))
}

func TestInvokeRemoteNotFound(t *testing.T) {
	srv := httptest.NewServer(newHost().Handler(nil))
	defer srv.Close()

	conn, err := httpservice.New(httpservice.Config{Name: "dept", BaseURL: srv.URL}).Dial(context.Background())
	require.NoError(t, err)

	resp, err := conn.Invoke(context.Background(), toolservice.Request{ToolName: "nope"})
	require.NoError(t, err)
	require.False(t, resp.Success)
	assert.Equal(t, toolservice.CategoryNotFound, resp.Error.Category)
}

func TestHeadersApplied(t *testing.T) {
	var got string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r.Header.Get("X-Api-Key")
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"serviceName":"s","tools":[]}`))
	}))
	defer srv.Close()

	_, err := httpservice.New(httpservice.Config{
		Name:    "s",
		BaseURL: srv.URL,
		Headers: map[string]string{"X-Api-Key": "secret"},
	}).Dial(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "secret", got)
}

func TestDialUnreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	_, err := httpservice.New(httpservice.Config{Name: "gone", BaseURL: url}).Dial(context.Background())
	require.Error(t, err)
	assert.True(t, toolservice.IsConnectivity(err))
}

func TestServiceUnavailableStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "maintenance", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	_, err := httpservice.New(httpservice.Config{Name: "s", BaseURL: srv.URL}).Dial(context.Background())
	require.Error(t, err)
	assert.True(t, toolservice.IsConnectivity(err))

	var statusErr *httpservice.StatusError
	require.ErrorAs(t, err, &statusErr)
	assert.Equal(t, http.StatusServiceUnavailable, statusErr.StatusCode)
}

func TestInvokeUnexpectedStatus(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /catalog", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"tools":[]}`))
	})
	mux.HandleFunc("POST /invoke", func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "teapot", http.StatusTeapot)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	conn, err := httpservice.New(httpservice.Config{Name: "s", BaseURL: srv.URL}).Dial(context.Background())
	require.NoError(t, err)

	resp, err := conn.Invoke(context.Background(), toolservice.Request{ToolName: "x"})
	require.NoError(t, err)
	require.False(t, resp.Success)
	assert.Equal(t, toolservice.CategoryInternal, resp.Error.Category)
	assert.Contains(t, resp.Error.Message, "418")
}

func TestInvokeContextCanceled(t *testing.T) {
	srv := httptest.NewServer(newHost().Handler(nil))
	defer srv.Close()

	conn, err := httpservice.New(httpservice.Config{Name: "dept", BaseURL: srv.URL}).Dial(context.Background())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err = conn.Invoke(ctx, toolservice.Request{ToolName: "get_department_list"})
	require.ErrorIs(t, err, context.Canceled)
	assert.False(t, toolservice.IsConnectivity(err))
}
