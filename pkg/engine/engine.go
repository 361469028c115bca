package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"go.uber.org/dig"
	"golang.org/x/sync/errgroup"

	"github.com/germanamz/toolrelay/pkg/callparse"
	"github.com/germanamz/toolrelay/pkg/connmgr"
	"github.com/germanamz/toolrelay/pkg/coordinator"
	"github.com/germanamz/toolrelay/pkg/guidance"
	"github.com/germanamz/toolrelay/pkg/registry"
)

// Defaults applied when the configuration leaves a value empty.
const (
	DefaultProjectionField = "fields"
	DefaultSyncTimeout     = 30 * time.Second
	DefaultCacheTTL        = 24 * time.Hour
	shutdownTimeout        = 5 * time.Second
)

// Engine is the composition root that assembles the registry, connection
// manager, coordinator and guidance composer from configuration and exposes
// them through a frontend-agnostic API.
type Engine struct {
	cfg      Config
	log      *slog.Logger
	events   *EventBus
	registry *registry.Registry
	conns    *connmgr.Manager
	coord    *coordinator.Coordinator
	composer guidance.Composer
	cache    *catalogCache
	resync   resyncSignal

	mu       sync.Mutex
	sessions map[string]*Session
}

// Option customizes New.
type Option func(*options)

type options struct {
	log   *slog.Logger
	cache registry.Cache
}

// WithLogger sets the logger shared by every component. Defaults to
// slog.Default().
func WithLogger(log *slog.Logger) Option {
	return func(o *options) { o.log = log }
}

// WithCache replaces the catalog cache selected by the sync section.
func WithCache(c registry.Cache) Option {
	return func(o *options) { o.cache = c }
}

// resyncSignal carries a request to sync the registry after a service
// connects. It holds at most one pending request.
type resyncSignal chan struct{}

func newResyncSignal() resyncSignal { return make(resyncSignal, 1) }

func (s resyncSignal) request() {
	select {
	case s <- struct{}{}:
	default:
	}
}

// drain drops a pending request.
func (s resyncSignal) drain() {
	select {
	case <-s:
	default:
	}
}

// catalogCache is the registry cache plus whatever must be closed with it.
type catalogCache struct {
	registry.Cache
	closer io.Closer
}

// New creates an Engine from the given configuration. It validates the
// config and wires every component; nothing is dialed until Start or Run.
func New(ctx context.Context, cfg Config, opts ...Option) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	o := options{log: slog.Default()}
	for _, opt := range opts {
		opt(&o)
	}

	d := dig.New()

	providers := []any{
		func() Config { return cfg },
		func() *slog.Logger { return o.log },
		NewEventBus,
		newResyncSignal,
		func(cfg Config, log *slog.Logger) (*catalogCache, error) {
			return newCatalogCache(ctx, cfg, log, o.cache)
		},
		newRegistry,
		newConnections,
		NewDetector,
		newCoordinatorOptions,
		func(r *registry.Registry, m *connmgr.Manager, opts coordinator.Options) *coordinator.Coordinator {
			return coordinator.New(r, m, opts)
		},
		func(cfg Config, r *registry.Registry) guidance.Composer {
			return guidance.Composer{Hints: cfg.Hints, Resolver: r}
		},
	}
	for _, p := range providers {
		if err := d.Provide(p); err != nil {
			return nil, fmt.Errorf("engine: wire: %w", err)
		}
	}

	var e *Engine
	err := d.Invoke(func(
		log *slog.Logger,
		events *EventBus,
		cache *catalogCache,
		reg *registry.Registry,
		conns *connmgr.Manager,
		coord *coordinator.Coordinator,
		composer guidance.Composer,
		resync resyncSignal,
	) {
		e = &Engine{
			cfg:      cfg,
			log:      log,
			events:   events,
			registry: reg,
			conns:    conns,
			coord:    coord,
			composer: composer,
			cache:    cache,
			resync:   resync,
			sessions: make(map[string]*Session),
		}
	})
	if err != nil {
		return nil, fmt.Errorf("engine: wire: %w", dig.RootCause(err))
	}

	return e, nil
}

func newCatalogCache(ctx context.Context, cfg Config, log *slog.Logger, override registry.Cache) (*catalogCache, error) {
	if override != nil {
		return &catalogCache{Cache: override}, nil
	}

	switch cfg.Sync.Cache {
	case CacheNone:
		return &catalogCache{}, nil
	case CacheRedis:
		client, err := registry.DialRedis(ctx, cfg.Sync.RedisAddr, cfg.Sync.RedisPassword, cfg.Sync.RedisDB)
		if err != nil {
			return nil, fmt.Errorf("engine: catalog cache: %w", err)
		}
		log.Info("engine: catalog cache", "backend", CacheRedis, "addr", cfg.Sync.RedisAddr)
		return &catalogCache{Cache: registry.NewRedisCache(client, cfg.Sync.RedisPrefix), closer: client}, nil
	default:
		return &catalogCache{Cache: registry.NewMemoryCache()}, nil
	}
}

func newRegistry(cfg Config, log *slog.Logger, cache *catalogCache) *registry.Registry {
	projection := cfg.Coordinator.ProjectionField
	if projection == "" {
		projection = DefaultProjectionField
	}

	return registry.New(
		registry.WithLogger(log),
		registry.WithCache(cache.Cache, mustDuration(cfg.Sync.CacheTTL, DefaultCacheTTL)),
		registry.WithProjectionField(projection),
	)
}

func newConnections(cfg Config, log *slog.Logger, events *EventBus, resync resyncSignal) (*connmgr.Manager, error) {
	var (
		seenMu sync.Mutex
		seen   = map[string]string{} // service -> last connection ID
	)

	m := connmgr.New(connmgr.Options{
		BaseBackoff:       mustDuration(cfg.Connections.BaseBackoff, 0),
		MaxBackoff:        mustDuration(cfg.Connections.MaxBackoff, 0),
		ReconcileInterval: mustDuration(cfg.Connections.ReconcileInterval, 0),
		DialTimeout:       mustDuration(cfg.Connections.DialTimeout, 0),
		Logger:            log,
		OnStateChange: func(st connmgr.State) {
			events.Publish(Event{
				Kind:      EventConnectionState,
				Service:   st.ServiceID,
				Timestamp: time.Now(),
				Data:      st,
			})

			if st.Status != connmgr.Connected {
				return
			}
			seenMu.Lock()
			fresh := seen[st.ServiceID] != st.ConnectionID
			seen[st.ServiceID] = st.ConnectionID
			seenMu.Unlock()
			if fresh {
				resync.request()
			}
		},
	})

	for _, sc := range cfg.Services {
		dialer, err := buildDialer(sc)
		if err != nil {
			return nil, err
		}

		if err := m.Register(connmgr.Service{
			ID:        sc.Name,
			Dialer:    dialer,
			RateLimit: sc.RateLimit.PerSecond,
			Burst:     sc.RateLimit.Burst,
		}); err != nil {
			return nil, fmt.Errorf("engine: service %q: %w", sc.Name, err)
		}
	}

	return m, nil
}

// NewDetector builds the call detector described by the parser section.
func NewDetector(cfg Config) *callparse.Detector {
	return callparse.New(callparse.Options{
		OpenMarker:     cfg.Parser.OpenMarker,
		CloseMarker:    cfg.Parser.CloseMarker,
		ToolKeys:       cfg.Parser.ToolKeys,
		ParamKeys:      cfg.Parser.ParamKeys,
		FenceLanguages: cfg.Parser.FenceLanguages,
	})
}

func newCoordinatorOptions(cfg Config, log *slog.Logger, det *callparse.Detector, events *EventBus) coordinator.Options {
	return coordinator.Options{
		MaxCandidates: cfg.Coordinator.MaxCandidates,
		CallTimeout:   mustDuration(cfg.Coordinator.CallTimeout, 0),
		TurnTimeout:   mustDuration(cfg.Coordinator.TurnTimeout, 0),
		MaxParallel:   cfg.Coordinator.MaxParallel,
		Detector:      det,
		Logger:        log,
		EventNotifier: func(ctx context.Context, kind string, data any) {
			publishTurnEvent(ctx, events, kind, data)
		},
	}
}

// Events returns the engine's event bus.
func (e *Engine) Events() *EventBus { return e.events }

// Registry returns the tool registry.
func (e *Engine) Registry() *registry.Registry { return e.registry }

// Connections returns the connection manager.
func (e *Engine) Connections() *connmgr.Manager { return e.conns }

// Coordinator returns the invocation coordinator.
func (e *Engine) Coordinator() *coordinator.Coordinator { return e.coord }

// Composer returns the guidance composer.
func (e *Engine) Composer() guidance.Composer { return e.composer }

// Sync refreshes the registry from every configured service and publishes
// the report.
func (e *Engine) Sync(ctx context.Context) registry.SyncReport {
	ctx, cancel := context.WithTimeout(ctx, mustDuration(e.cfg.Sync.Timeout, DefaultSyncTimeout))
	defer cancel()

	report := e.registry.Sync(ctx, e.conns.Sources()...)
	e.events.Publish(Event{Kind: EventSync, Timestamp: time.Now(), Data: report})

	return report
}

// Start runs one reconcile pass and one sync, so turns can be served as
// soon as it returns.
func (e *Engine) Start(ctx context.Context) registry.SyncReport {
	e.conns.Reconcile(ctx)
	e.resync.drain()
	return e.Sync(ctx)
}

// Run starts the engine and keeps connections and the registry fresh until
// ctx is done. Besides the configured schedule, the registry is synced
// whenever a service gets a new connection, so a service that was down at
// start becomes resolvable once it is reached.
func (e *Engine) Run(ctx context.Context) error {
	e.Start(ctx)

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		err := e.conns.Run(ctx)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})

	g.Go(func() error {
		e.runResync(ctx)
		return nil
	})

	if e.cfg.Sync.Schedule != "" {
		g.Go(func() error {
			return e.runSchedule(ctx)
		})
	}

	return g.Wait()
}

func (e *Engine) runResync(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-e.resync:
			e.log.DebugContext(ctx, "engine: service connected, syncing registry")
			e.Sync(ctx)
		}
	}
}

func (e *Engine) runSchedule(ctx context.Context) error {
	c := cron.New()
	if _, err := c.AddFunc(e.cfg.Sync.Schedule, func() { e.Sync(ctx) }); err != nil {
		return fmt.Errorf("engine: sync schedule: %w", err)
	}

	c.Start()
	e.log.InfoContext(ctx, "engine: scheduled sync", "schedule", e.cfg.Sync.Schedule)

	<-ctx.Done()
	<-c.Stop().Done()

	return nil
}

// NewSession creates a conversation limited to the given tools. No tools
// means every registered tool is admissible.
func (e *Engine) NewSession(allowed ...string) (*Session, error) {
	for _, name := range allowed {
		if !callparse.ValidToolName(name) {
			return nil, fmt.Errorf("engine: invalid tool name %q", name)
		}
	}

	s := newSession(uuid.NewString(), allowed, e)

	e.mu.Lock()
	e.sessions[s.ID()] = s
	e.mu.Unlock()

	return s, nil
}

// Session returns an existing session by ID.
func (e *Engine) Session(id string) (*Session, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	s, ok := e.sessions[id]
	return s, ok
}

// CloseSession forgets a session.
func (e *Engine) CloseSession(id string) {
	e.mu.Lock()
	defer e.mu.Unlock()

	delete(e.sessions, id)
}

// Close waits briefly for calls abandoned by expired turns, then drops
// every connection and the cache client.
func (e *Engine) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	var errs []error
	if err := e.coord.Shutdown(ctx); err != nil {
		errs = append(errs, err)
	}
	if err := e.conns.Close(); err != nil {
		errs = append(errs, err)
	}
	if e.cache.closer != nil {
		if err := e.cache.closer.Close(); err != nil {
			errs = append(errs, fmt.Errorf("engine: close cache: %w", err))
		}
	}

	return errors.Join(errs...)
}
