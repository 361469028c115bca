package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/germanamz/toolrelay/pkg/connmgr"
	"github.com/germanamz/toolrelay/pkg/coordinator"
	"github.com/germanamz/toolrelay/pkg/registry"
	"github.com/germanamz/toolrelay/pkg/toolservice"
	"github.com/germanamz/toolrelay/pkg/toolservice/toolhost"
)

// localHosts backs the "local" transport used by these tests.
var localHosts sync.Map // service name -> *toolhost.Host

func init() {
	RegisterTransport("local", func(cfg ServiceConfig) (toolservice.Dialer, error) {
		h, ok := localHosts.Load(cfg.Name)
		if !ok {
			return toolservice.DialerFunc(func(context.Context) (toolservice.Conn, error) {
				return nil, toolservice.NewConnError(cfg.Name, "dial", fmt.Errorf("no local host %q", cfg.Name))
			}), nil
		}
		return h.(*toolhost.Host).Dialer(), nil
	})

	// "late" looks the host up on every dial, so a host registered after
	// start is reached on a later reconnect.
	RegisterTransport("late", func(cfg ServiceConfig) (toolservice.Dialer, error) {
		return toolservice.DialerFunc(func(ctx context.Context) (toolservice.Conn, error) {
			h, ok := localHosts.Load(cfg.Name)
			if !ok {
				return nil, toolservice.NewConnError(cfg.Name, "dial", fmt.Errorf("no local host %q", cfg.Name))
			}
			return h.(*toolhost.Host).Dialer().Dial(ctx)
		}), nil
	})
}

func localHost(t *testing.T, name string, tools ...toolhost.Tool) {
	t.Helper()

	h := toolhost.New(name, "test")
	h.Register(tools...)
	localHosts.Store(name, h)
	t.Cleanup(func() { localHosts.Delete(name) })
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func jsonTool(name, schema, result string) toolhost.Tool {
	return toolhost.Tool{
		Name:        name,
		InputSchema: json.RawMessage(schema),
		Handler: func(context.Context, json.RawMessage) (json.RawMessage, error) {
			return json.RawMessage(result), nil
		},
	}
}

const employeeSchema = `{"type":"object","properties":{"employeeId":{"type":"string"},"fields":{"type":"array","items":{"type":"string"},"default":["name"]}},"required":["employeeId"]}`

func newEngine(t *testing.T, cfg Config) *Engine {
	t.Helper()

	eng, err := New(context.Background(), cfg, WithLogger(quietLogger()))
	require.NoError(t, err)
	t.Cleanup(func() { _ = eng.Close() })

	return eng
}

func TestEngine_StartAndSend(t *testing.T) {
	org := toolhost.New("org", "test")
	org.Register(jsonTool("get_department_list", `{"type":"object"}`, `{"departments":["sales","hr"]}`))
	srv := httptest.NewServer(org.Handler(quietLogger()))
	t.Cleanup(srv.Close)

	payroll := toolhost.New("payroll", "test")
	payroll.Register(jsonTool("get_payslip", `{"type":"object"}`, `{"net":1200}`))
	wsSrv := httptest.NewServer(payroll.Handler(quietLogger()))
	t.Cleanup(wsSrv.Close)

	var echoed json.RawMessage
	localHost(t, "hr-local", toolhost.Tool{
		Name:        "get_employee_info",
		InputSchema: json.RawMessage(employeeSchema),
		Handler: func(_ context.Context, params json.RawMessage) (json.RawMessage, error) {
			echoed = params
			return json.RawMessage(`{"name":"Ada"}`), nil
		},
	})

	eng := newEngine(t, Config{
		Services: []ServiceConfig{
			{Name: "org", Kind: "http", URL: srv.URL},
			{Name: "payroll", Kind: "ws", URL: wsSrv.URL + toolservice.PathWS},
			{Name: "hr-local", Kind: "local"},
		},
		Hints: map[string]string{"get_department_list": "Departments are sorted by size."},
	})

	sub := eng.Events().Subscribe(64, EventTurnEnd, EventSync)
	defer eng.Events().Unsubscribe(sub)

	report := eng.Start(context.Background())
	require.Empty(t, report.Failed())
	assert.Equal(t, 3, eng.Registry().Snapshot().Len())

	for _, st := range eng.Connections().States() {
		assert.Equal(t, connmgr.Connected, st.Status, st.ServiceID)
	}

	sess, err := eng.NewSession()
	require.NoError(t, err)

	res, err := sess.Send(context.Background(), "Checking.\n"+
		"<tool_call>\nget_department_list\n</tool_call>\n"+
		"```json\n{\"tool\": \"get_payslip\", \"parameters\": {\"month\": \"2026-04\"}}\n```\n"+
		`{"tool": "get_employee_info", "parameters": {"employeeId": "A123456"}}`)
	require.NoError(t, err)

	require.Len(t, res.Batch.Records, 3)
	assert.Equal(t, 3, res.Batch.Count(coordinator.Succeeded))
	assert.JSONEq(t, `{"departments":["sales","hr"]}`, string(res.Batch.Records[0].Result))
	assert.JSONEq(t, `{"net":1200}`, string(res.Batch.Records[1].Result))
	assert.JSONEq(t, `{"employeeId":"A123456","fields":["name"]}`, string(echoed))

	assert.Contains(t, res.Guidance, "Hint for get_department_list: Departments are sorted by size.")
	assert.Equal(t, 1, sess.Turns())

	var kinds []EventKind
	for len(kinds) < 2 {
		select {
		case ev := <-sub.C:
			kinds = append(kinds, ev.Kind)
			if ev.Kind == EventTurnEnd {
				assert.Equal(t, sess.ID(), ev.SessionID)
			}
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for events")
		}
	}
	assert.Equal(t, []EventKind{EventSync, EventTurnEnd}, kinds)
}

func TestEngine_UnreachableService(t *testing.T) {
	localHost(t, "org", jsonTool("get_department_list", `{"type":"object"}`, `[]`))

	eng := newEngine(t, Config{
		Services: []ServiceConfig{
			{Name: "org", Kind: "local"},
			{Name: "hr", Kind: "local"}, // no host registered: every dial fails
		},
	})

	report := eng.Start(context.Background())
	require.Len(t, report.Failed(), 1)
	assert.Equal(t, "hr", report.Failed()[0].Service)

	st, ok := eng.Connections().State("hr")
	require.True(t, ok)
	assert.Equal(t, connmgr.Backoff, st.Status)

	sess, err := eng.NewSession()
	require.NoError(t, err)

	res, err := sess.Send(context.Background(), `{"tool": "get_employee_info", "parameters": {"employeeId": "A123456"}}`)
	require.NoError(t, err)
	require.Len(t, res.Batch.Records, 1)
	assert.Equal(t, coordinator.KindUnknownTool, res.Batch.Records[0].Error.Kind)
	assert.Contains(t, res.Guidance, "Reason (unknown_tool)")
}

func TestEngine_SessionAllowedTools(t *testing.T) {
	localHost(t, "org",
		jsonTool("get_department_list", `{"type":"object"}`, `[]`),
		jsonTool("get_org_chart", `{"type":"object"}`, `{}`),
	)

	eng := newEngine(t, Config{Services: []ServiceConfig{{Name: "org", Kind: "local"}}})
	eng.Start(context.Background())

	sess, err := eng.NewSession("get_department_list")
	require.NoError(t, err)
	assert.Equal(t, []string{"get_department_list"}, sess.Allowed())

	res, err := sess.Send(context.Background(),
		"<tool_call>\nget_department_list\n</tool_call>\n<tool_call>\nget_org_chart\n</tool_call>")
	require.NoError(t, err)

	require.Len(t, res.Batch.Records, 2)
	assert.Equal(t, coordinator.Succeeded, res.Batch.Records[0].Status)
	assert.Equal(t, coordinator.KindNotPermitted, res.Batch.Records[1].Error.Kind)

	_, err = eng.NewSession("not a tool")
	assert.Error(t, err)
}

func TestEngine_SessionRejectsConcurrentSend(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	localHost(t, "slow", toolhost.Tool{
		Name: "wait_for_it",
		Handler: func(context.Context, json.RawMessage) (json.RawMessage, error) {
			close(started)
			<-release
			return json.RawMessage(`{}`), nil
		},
	})

	eng := newEngine(t, Config{Services: []ServiceConfig{{Name: "slow", Kind: "local"}}})
	eng.Start(context.Background())

	sess, err := eng.NewSession()
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() {
		_, err := sess.Send(context.Background(), "<tool_call>\nwait_for_it\n</tool_call>")
		done <- err
	}()

	<-started
	_, err = sess.Send(context.Background(), "<tool_call>\nwait_for_it\n</tool_call>")
	assert.ErrorContains(t, err, "another Send is already active")

	close(release)
	require.NoError(t, <-done)

	found, ok := eng.Session(sess.ID())
	require.True(t, ok)
	assert.Equal(t, sess, found)

	eng.CloseSession(sess.ID())
	_, ok = eng.Session(sess.ID())
	assert.False(t, ok)
}

func TestEngine_RunPublishesConnectionState(t *testing.T) {
	localHost(t, "org", jsonTool("get_department_list", `{"type":"object"}`, `[]`))

	eng := newEngine(t, Config{
		Services: []ServiceConfig{{Name: "org", Kind: "local"}},
		Sync:     SyncConfig{Schedule: "@every 1h"},
	})

	sub := eng.Events().Subscribe(16, EventConnectionState)
	defer eng.Events().Unsubscribe(sub)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- eng.Run(ctx) }()

	var last connmgr.Status
	deadline := time.After(2 * time.Second)
	for last != connmgr.Connected {
		select {
		case ev := <-sub.C:
			assert.Equal(t, "org", ev.Service)
			last = ev.Data.(connmgr.State).Status
		case <-deadline:
			t.Fatal("service never connected")
		}
	}

	cancel()
	select {
	case err := <-errCh:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestEngine_RunSyncsServiceConnectedLater(t *testing.T) {
	eng := newEngine(t, Config{
		Services:    []ServiceConfig{{Name: "hr", Kind: "late"}},
		Connections: ConnectionsConfig{BaseBackoff: "10ms", MaxBackoff: "20ms"},
		Sync:        SyncConfig{Cache: CacheNone},
	})

	sub := eng.Events().Subscribe(16, EventSync)
	defer eng.Events().Unsubscribe(sub)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- eng.Run(ctx) }()

	select {
	case ev := <-sub.C:
		require.Len(t, ev.Data.(registry.SyncReport).Failed(), 1)
	case <-time.After(2 * time.Second):
		t.Fatal("no sync at start")
	}
	_, ok := eng.Registry().Resolve("get_employee_info")
	require.False(t, ok)

	localHost(t, "hr", jsonTool("get_employee_info", employeeSchema, `{"name":"Ada"}`))

	assert.Eventually(t, func() bool {
		_, ok := eng.Registry().Resolve("get_employee_info")
		return ok
	}, 2*time.Second, 10*time.Millisecond)

	st, ok := eng.Connections().State("hr")
	require.True(t, ok)
	assert.Equal(t, connmgr.Connected, st.Status)

	cancel()
	select {
	case err := <-errCh:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestEngine_WithCacheServesColdStart(t *testing.T) {
	cache := registry.NewMemoryCache()
	require.NoError(t, cache.Set(context.Background(), "org", &toolservice.Catalog{
		ServiceName: "org",
		Tools:       []toolservice.CatalogTool{{Name: "get_department_list"}},
	}, time.Hour))

	eng, err := New(context.Background(),
		Config{Services: []ServiceConfig{{Name: "org", Kind: "local"}}},
		WithLogger(quietLogger()), WithCache(cache))
	require.NoError(t, err)
	t.Cleanup(func() { _ = eng.Close() })

	report := eng.Start(context.Background())
	require.Len(t, report.Services, 1)
	assert.Equal(t, registry.StatusStale, report.Services[0].Status)

	_, ok := eng.Registry().Resolve("get_department_list")
	assert.True(t, ok)
}

func TestEngine_NewInvalidConfig(t *testing.T) {
	_, err := New(context.Background(), Config{})
	assert.ErrorContains(t, err, "at least one service")
}
