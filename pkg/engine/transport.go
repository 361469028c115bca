package engine

import (
	"fmt"
	"sync"

	"github.com/germanamz/toolrelay/pkg/toolservice"
	"github.com/germanamz/toolrelay/pkg/toolservice/httpservice"
	"github.com/germanamz/toolrelay/pkg/toolservice/mcpservice"
	"github.com/germanamz/toolrelay/pkg/toolservice/wsservice"
)

// TransportFactory creates a Dialer from a ServiceConfig.
type TransportFactory func(cfg ServiceConfig) (toolservice.Dialer, error)

var (
	transportMu  sync.RWMutex
	transports   = map[string]TransportFactory{}
	defaultsOnce sync.Once
)

func ensureDefaults() {
	defaultsOnce.Do(func() {
		transports["mcp"] = newMCPDialer
		transports["http"] = newHTTPDialer
		transports["ws"] = newWSDialer
	})
}

// RegisterTransport registers a dialer factory under the given kind. It can
// be called before New to reach services over other transports.
func RegisterTransport(kind string, factory TransportFactory) {
	ensureDefaults()

	transportMu.Lock()
	defer transportMu.Unlock()

	transports[kind] = factory
}

func getTransport(kind string) (TransportFactory, bool) {
	ensureDefaults()

	transportMu.RLock()
	defer transportMu.RUnlock()

	f, ok := transports[kind]
	return f, ok
}

func transportRegistered(kind string) bool {
	_, ok := getTransport(kind)
	return ok
}

func newMCPDialer(cfg ServiceConfig) (toolservice.Dialer, error) {
	return mcpservice.New(mcpservice.Config{
		Name:      cfg.Name,
		Transport: mcpservice.Transport(cfg.Transport),
		Command:   cfg.Command,
		Args:      cfg.Args,
		Env:       cfg.Env,
		URL:       cfg.URL,
		Headers:   cfg.Headers,
	}), nil
}

func newHTTPDialer(cfg ServiceConfig) (toolservice.Dialer, error) {
	return httpservice.New(httpservice.Config{
		Name:    cfg.Name,
		BaseURL: cfg.URL,
		Headers: cfg.Headers,
	}), nil
}

func newWSDialer(cfg ServiceConfig) (toolservice.Dialer, error) {
	return wsservice.New(wsservice.Config{
		Name:    cfg.Name,
		URL:     cfg.URL,
		Headers: cfg.Headers,
	}), nil
}

// buildDialer creates a Dialer from a ServiceConfig using the registered
// factory for its Kind.
func buildDialer(cfg ServiceConfig) (toolservice.Dialer, error) {
	factory, ok := getTransport(cfg.Kind)
	if !ok {
		return nil, fmt.Errorf("engine: unknown transport kind %q", cfg.Kind)
	}

	d, err := factory(cfg)
	if err != nil {
		return nil, fmt.Errorf("engine: service %q: %w", cfg.Name, err)
	}

	return d, nil
}
