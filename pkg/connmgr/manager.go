package connmgr

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/germanamz/toolrelay/pkg/toolservice"
)

// Service is one tool service the manager keeps a connection to.
type Service struct {
	ID     string
	Dialer toolservice.Dialer

	// RateLimit caps calls per second; zero means unlimited. Burst defaults
	// to 1.
	RateLimit float64
	Burst     int
}

// Options configures a Manager. Zero values select the defaults.
type Options struct {
	BaseBackoff       time.Duration // default 500ms
	MaxBackoff        time.Duration // default 1m
	ReconcileInterval time.Duration // default 5s
	DialTimeout       time.Duration // default 10s

	Logger *slog.Logger

	// OnStateChange is called after status changes, outside the manager's
	// lock. Calls never overlap.
	OnStateChange func(State)
}

// Pinger is implemented by connections that support a liveness probe.
// Connected services are probed on every reconcile pass.
type Pinger interface {
	Ping(ctx context.Context) error
}

type entry struct {
	svc     Service
	state   State
	conn    toolservice.Conn
	limiter *rate.Limiter
	busy    bool // a dial or ping is in flight
}

// Manager owns one logical connection per service. Only the reconcile pass
// opens connections; Invoke uses whatever is connected and fails fast
// otherwise.
type Manager struct {
	opts Options
	log  *slog.Logger

	mu       sync.Mutex
	services map[string]*entry
	order    []string
	closed   bool

	notifyMu sync.Mutex

	// nowFunc is used for testing; defaults to time.Now.
	nowFunc func() time.Time
	// randFunc returns a random float64 in [0,1); used for jitter.
	randFunc func() float64
}

// New creates a Manager with no services.
func New(opts Options) *Manager {
	if opts.BaseBackoff <= 0 {
		opts.BaseBackoff = 500 * time.Millisecond
	}
	if opts.MaxBackoff <= 0 {
		opts.MaxBackoff = time.Minute
	}
	if opts.MaxBackoff < opts.BaseBackoff {
		opts.MaxBackoff = opts.BaseBackoff
	}
	if opts.ReconcileInterval <= 0 {
		opts.ReconcileInterval = 5 * time.Second
	}
	if opts.DialTimeout <= 0 {
		opts.DialTimeout = 10 * time.Second
	}

	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}

	return &Manager{
		opts:     opts,
		log:      log,
		services: map[string]*entry{},
		nowFunc:  time.Now,
		randFunc: rand.Float64,
	}
}

// SetNowFunc overrides the time source (for testing).
func (m *Manager) SetNowFunc(fn func() time.Time) { m.nowFunc = fn }

// SetRandFunc overrides the jitter source (for testing).
func (m *Manager) SetRandFunc(fn func() float64) { m.randFunc = fn }

// Register adds a service in the Disconnected state. The next reconcile
// pass dials it.
func (m *Manager) Register(svc Service) error {
	if svc.ID == "" {
		return errors.New("connmgr: service id is required")
	}
	if svc.Dialer == nil {
		return fmt.Errorf("connmgr: service %s: dialer is required", svc.ID)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrClosed
	}
	if _, ok := m.services[svc.ID]; ok {
		return fmt.Errorf("connmgr: service %s already registered", svc.ID)
	}

	e := &entry{
		svc:   svc,
		state: State{ServiceID: svc.ID, Status: Disconnected},
	}
	if svc.RateLimit > 0 {
		burst := max(svc.Burst, 1)
		e.limiter = rate.NewLimiter(rate.Limit(svc.RateLimit), burst)
	}

	m.services[svc.ID] = e
	m.order = append(m.order, svc.ID)

	return nil
}

// State returns a copy of one service's connection state.
func (m *Manager) State(id string) (State, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.services[id]
	if !ok {
		return State{}, false
	}

	return e.state, true
}

// ConnectionID returns the identity of the service's current connection, or
// "" when it is not connected.
func (m *Manager) ConnectionID(id string) string {
	st, ok := m.State(id)
	if !ok || st.Status != Connected {
		return ""
	}

	return st.ConnectionID
}

// States returns every service's state in registration order.
func (m *Manager) States() []State {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]State, 0, len(m.order))
	for _, id := range m.order {
		out = append(out, m.services[id].state)
	}

	return out
}

// Services returns the registered service IDs in registration order.
func (m *Manager) Services() []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	return slices.Clone(m.order)
}

// Run reconciles immediately and then keeps reconciling until ctx is done.
// The loop wakes on the reconcile interval, or sooner when a backoff
// expires.
func (m *Manager) Run(ctx context.Context) error {
	for {
		m.Reconcile(ctx)

		timer := time.NewTimer(m.nextWake())
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

func (m *Manager) nextWake() time.Duration {
	wait := m.opts.ReconcileInterval

	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.nowFunc()
	for _, e := range m.services {
		if e.state.Status != Backoff {
			continue
		}
		if d := e.state.NextRetryAt.Sub(now); d < wait {
			wait = d
		}
	}

	return max(wait, time.Millisecond)
}

// Reconcile runs one pass: it dials every Disconnected service and every
// Backoff service whose retry time has come, and probes Connected services
// that support Ping. It returns once all of those attempts have finished.
func (m *Manager) Reconcile(ctx context.Context) {
	type job struct {
		e    *entry
		conn toolservice.Conn // set for pings
		id   string
	}

	var (
		jobs    []job
		changes []State
	)

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}

	now := m.nowFunc()
	for _, id := range m.order {
		e := m.services[id]
		if e.busy {
			continue
		}

		switch e.state.Status {
		case Disconnected:
		case Backoff:
			if now.Before(e.state.NextRetryAt) {
				continue
			}
		case Connected:
			if _, ok := e.conn.(Pinger); ok {
				e.busy = true
				jobs = append(jobs, job{e: e, conn: e.conn, id: e.state.ConnectionID})
			}
			continue
		default:
			continue
		}

		e.busy = true
		e.state.Status = Connecting
		changes = append(changes, e.state)
		jobs = append(jobs, job{e: e})
	}
	m.mu.Unlock()

	m.notify(changes...)

	var wg sync.WaitGroup
	for _, j := range jobs {
		if j.conn != nil {
			wg.Go(func() { m.ping(ctx, j.e, j.conn.(Pinger), j.id) })
			continue
		}
		wg.Go(func() { m.dial(ctx, j.e) })
	}
	wg.Wait()
}

func (m *Manager) dial(ctx context.Context, e *entry) {
	id := e.svc.ID

	dctx, cancel := context.WithTimeout(ctx, m.opts.DialTimeout)
	conn, err := e.svc.Dialer.Dial(dctx)
	cancel()

	m.mu.Lock()
	e.busy = false

	if m.closed {
		m.mu.Unlock()
		if conn != nil {
			_ = conn.Close()
		}
		return
	}

	if err != nil && ctx.Err() != nil {
		// Shutting down; this attempt does not count as a failure.
		e.state.Status = Disconnected
		st := e.state
		m.mu.Unlock()
		m.notify(st)
		return
	}

	if err != nil {
		st := m.failLocked(e, err)
		m.mu.Unlock()

		m.log.WarnContext(ctx, "connmgr: dial failed",
			"service", id,
			"failures", st.ConsecutiveFailures,
			"retry_at", st.NextRetryAt,
			"error", err,
		)
		m.notify(st)

		return
	}

	e.conn = conn
	e.state = State{
		ServiceID:    id,
		Status:       Connected,
		ConnectionID: uuid.NewString(),
		ConnectedAt:  m.nowFunc(),
	}
	st := e.state
	m.mu.Unlock()

	m.log.InfoContext(ctx, "connmgr: connected", "service", id, "connection", st.ConnectionID)
	m.notify(st)
}

func (m *Manager) ping(ctx context.Context, e *entry, p Pinger, connID string) {
	pctx, cancel := context.WithTimeout(ctx, m.opts.DialTimeout)
	err := p.Ping(pctx)
	cancel()

	m.mu.Lock()
	e.busy = false
	m.mu.Unlock()

	if err == nil || ctx.Err() != nil {
		return
	}

	m.log.WarnContext(ctx, "connmgr: ping failed", "service", e.svc.ID, "error", err)
	m.connectionLost(ctx, e, connID, err)
}

// failLocked records a failed attempt and schedules the next one. The
// caller holds m.mu.
func (m *Manager) failLocked(e *entry, err error) State {
	failures := e.state.ConsecutiveFailures + 1

	e.conn = nil
	e.state = State{
		ServiceID:           e.svc.ID,
		Status:              Backoff,
		ConsecutiveFailures: failures,
		NextRetryAt:         m.nowFunc().Add(m.backoff(failures)),
		LastError:           err.Error(),
	}

	return e.state
}

// connectionLost moves a Connected service to Backoff, unless the
// connection it refers to has already been replaced or dropped.
func (m *Manager) connectionLost(ctx context.Context, e *entry, connID string, err error) State {
	m.mu.Lock()
	if e.state.Status != Connected || e.state.ConnectionID != connID {
		st := e.state
		m.mu.Unlock()
		return st
	}

	conn := e.conn
	st := m.failLocked(e, err)
	m.mu.Unlock()

	if conn != nil {
		_ = conn.Close()
	}

	m.log.WarnContext(ctx, "connmgr: connection lost",
		"service", e.svc.ID,
		"connection", connID,
		"retry_at", st.NextRetryAt,
		"error", err,
	)
	m.notify(st)

	return st
}

// backoff returns base·2^(failures-1) with ±25% jitter, capped at the
// maximum.
func (m *Manager) backoff(failures int) time.Duration {
	d := m.opts.BaseBackoff
	for i := 1; i < failures && d < m.opts.MaxBackoff; i++ {
		d *= 2
	}
	d = min(d, m.opts.MaxBackoff)

	factor := 0.75 + m.randFunc()*0.5 //nolint:mnd // jitter range: ±25%
	d = time.Duration(float64(d) * factor)

	return min(d, m.opts.MaxBackoff)
}

func (m *Manager) notify(states ...State) {
	if m.opts.OnStateChange == nil || len(states) == 0 {
		return
	}

	m.notifyMu.Lock()
	defer m.notifyMu.Unlock()

	for _, st := range states {
		m.opts.OnStateChange(st)
	}
}

// Close drops every connection. The manager cannot be used afterwards.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true

	var (
		conns   []toolservice.Conn
		changes []State
	)
	for _, id := range m.order {
		e := m.services[id]
		if e.conn != nil {
			conns = append(conns, e.conn)
			e.conn = nil
		}
		e.state = State{ServiceID: id, Status: Disconnected}
		changes = append(changes, e.state)
	}
	m.mu.Unlock()

	m.notify(changes...)

	var errs []error
	for _, c := range conns {
		if err := c.Close(); err != nil {
			errs = append(errs, err)
		}
	}

	return errors.Join(errs...)
}
