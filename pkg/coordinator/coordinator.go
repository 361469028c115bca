package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/germanamz/toolrelay/pkg/callparse"
	"github.com/germanamz/toolrelay/pkg/registry"
	"github.com/germanamz/toolrelay/pkg/toolservice"
)

// Resolver looks tools up. *registry.Registry implements it.
type Resolver interface {
	Resolve(name string) (registry.ToolDescriptor, bool)
	DefaultFieldsFor(name string) []string
}

// Invoker calls tools on remote services. *connmgr.Manager implements it.
type Invoker interface {
	Invoke(ctx context.Context, serviceID string, req toolservice.Request, timeout time.Duration) (toolservice.Response, error)
}

// Event kinds passed to Options.EventNotifier.
const (
	EventToolCallStart = "tool_call_start"
	EventToolCallEnd   = "tool_call_end"
	EventTurnEnd       = "turn_end"
)

// EventNotifier receives progress events. data is a Record for tool call
// events and a Batch for turn_end.
type EventNotifier func(ctx context.Context, kind string, data any)

// Options configures a Coordinator. Zero values select the defaults.
type Options struct {
	// MaxCandidates caps how many candidates of one turn are considered;
	// the rest are Skipped with KindLimitExceeded. Default 16.
	MaxCandidates int
	// CallTimeout applies to tools that declare no timeout. Default 30s.
	CallTimeout time.Duration
	// TurnTimeout applies when a Turn sets none. Zero means the turn is
	// bounded only by its context.
	TurnTimeout time.Duration
	// MaxParallel caps how many services are called at once. Zero means
	// no cap.
	MaxParallel int

	Detector      *callparse.Detector
	Logger        *slog.Logger
	EventNotifier EventNotifier
}

// Turn is the input for one model turn.
type Turn struct {
	// Text is scanned for calls when Candidates is empty.
	Text string
	// Candidates, when set, are used as detected and Text must be empty.
	Candidates []callparse.Candidate
	// Allowed lists the tool names admissible for this conversation. Empty
	// means every registered tool is admissible.
	Allowed []string
	// Timeout bounds the whole turn. Zero selects Options.TurnTimeout.
	Timeout time.Duration
}

// Batch is the aggregated outcome of one turn.
type Batch struct {
	TurnID       string
	StartedAt    time.Time
	FinishedAt   time.Time
	Records      []Record
	SyntaxErrors []callparse.SyntaxError
	Counts       map[Status]int
}

// Empty reports whether the turn contained nothing call-like at all.
func (b Batch) Empty() bool {
	return len(b.Records) == 0 && len(b.SyntaxErrors) == 0
}

// Count returns the number of records with status s.
func (b Batch) Count(s Status) int {
	return b.Counts[s]
}

// ErrInvalidTurn is returned for turns the coordinator cannot interpret.
var ErrInvalidTurn = errors.New("coordinator: invalid turn")

// ErrShutdown is returned by Run once Shutdown has been called.
var ErrShutdown = errors.New("coordinator: shut down")

// Coordinator turns the calls found in one model turn into invocation
// records. It is safe for concurrent use by many turns.
type Coordinator struct {
	resolver Resolver
	invoker  Invoker
	opts     Options
	log      *slog.Logger
	tel      telemetry

	mu       sync.Mutex // guards closed and inflight.Add
	closed   bool
	inflight sync.WaitGroup

	// nowFunc is used for testing; defaults to time.Now.
	nowFunc func() time.Time
}

// New creates a Coordinator.
func New(resolver Resolver, invoker Invoker, opts Options) *Coordinator {
	if opts.MaxCandidates <= 0 {
		opts.MaxCandidates = 16
	}
	if opts.CallTimeout <= 0 {
		opts.CallTimeout = 30 * time.Second
	}
	if opts.Detector == nil {
		opts.Detector = callparse.New(callparse.Options{})
	}

	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}

	return &Coordinator{
		resolver: resolver,
		invoker:  invoker,
		opts:     opts,
		log:      log,
		tel:      newTelemetry(log),
		nowFunc:  time.Now,
	}
}

// Run detects, admits and dispatches the calls of one turn and returns every
// record in detection order. Per-call problems end up in the records; only a
// malformed Turn or a shut down coordinator returns an error. When the turn deadline passes, records
// still outstanding are failed with KindTimeout and the batch is returned
// without waiting for their calls to unwind.
func (c *Coordinator) Run(ctx context.Context, turn Turn) (Batch, error) {
	if turn.Timeout < 0 {
		return Batch{}, fmt.Errorf("%w: negative timeout %s", ErrInvalidTurn, turn.Timeout)
	}
	if turn.Text != "" && len(turn.Candidates) > 0 {
		return Batch{}, fmt.Errorf("%w: text and candidates are mutually exclusive", ErrInvalidTurn)
	}

	batch := Batch{TurnID: uuid.NewString(), StartedAt: c.nowFunc()}

	candidates := turn.Candidates
	if len(candidates) == 0 && turn.Text != "" {
		res := c.opts.Detector.Detect(turn.Text)
		candidates = res.Candidates
		batch.SyntaxErrors = res.Errors
	}

	ctx, span := c.tel.startTurn(ctx, batch.TurnID, len(candidates))
	defer span.End()

	timeout := turn.Timeout
	if timeout == 0 {
		timeout = c.opts.TurnTimeout
	}

	var (
		tctx   context.Context
		cancel context.CancelFunc
	)
	if timeout > 0 {
		tctx, cancel = context.WithTimeout(ctx, timeout)
	} else {
		tctx, cancel = context.WithCancel(ctx)
	}
	defer cancel()

	l := &ledger{recs: make([]Record, len(candidates))}
	plans := c.admit(tctx, l, candidates, turn.Allowed)

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return Batch{}, ErrShutdown
	}
	c.inflight.Add(1)
	c.mu.Unlock()

	done := make(chan struct{})
	go func() {
		defer c.inflight.Done()
		defer close(done)
		c.dispatch(tctx, l, plans)
	}()

	select {
	case <-done:
	case <-tctx.Done():
		reason := "turn deadline exceeded"
		if !errors.Is(tctx.Err(), context.DeadlineExceeded) {
			reason = "turn cancelled"
		}
		for _, r := range l.expire(c.nowFunc(), ErrorDetail{Kind: KindTimeout, Message: reason}) {
			c.recordEnd(ctx, r)
		}
	}

	batch.Records = l.snapshot()
	batch.FinishedAt = c.nowFunc()
	batch.Counts = map[Status]int{}
	for _, r := range batch.Records {
		batch.Counts[r.Status]++
	}

	c.tel.endTurn(span, batch)
	c.log.InfoContext(ctx, "coordinator: turn complete",
		"turn", batch.TurnID,
		"records", len(batch.Records),
		"succeeded", batch.Count(Succeeded),
		"failed", batch.Count(Failed),
		"skipped", batch.Count(Skipped),
		"syntax_errors", len(batch.SyntaxErrors),
		"elapsed", batch.FinishedAt.Sub(batch.StartedAt),
	)
	c.notify(ctx, EventTurnEnd, batch)

	return batch, nil
}

// Shutdown waits for calls left running by turns that hit their deadline,
// or until ctx is done.
// Turns run after Shutdown fail with ErrShutdown.
func (c *Coordinator) Shutdown(ctx context.Context) error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()

	done := make(chan struct{})
	go func() {
		c.inflight.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("coordinator: shutdown: %w", ctx.Err())
	}
}

// plan is one admitted record waiting for dispatch.
type plan struct {
	index   int
	desc    registry.ToolDescriptor
	request toolservice.Request
}

// admit resolves and validates candidates, skipping the ones that cannot be
// dispatched, and returns the rest in detection order.
func (c *Coordinator) admit(ctx context.Context, l *ledger, candidates []callparse.Candidate, allowed []string) []plan {
	now := c.nowFunc()

	var plans []plan
	for i, cand := range candidates {
		l.recs[i] = Record{Index: i, Candidate: cand, Status: Pending}

		skip := func(detail *ErrorDetail) {
			r, _ := l.skip(i, now, detail)
			c.recordEnd(ctx, r)
		}

		if i >= c.opts.MaxCandidates {
			skip(&ErrorDetail{
				Kind:    KindLimitExceeded,
				Message: fmt.Sprintf("turn has %d calls, at most %d are dispatched", len(candidates), c.opts.MaxCandidates),
			})
			continue
		}

		desc, ok := c.resolver.Resolve(cand.ToolName)
		if !ok {
			skip(&ErrorDetail{Kind: KindUnknownTool, Message: fmt.Sprintf("tool %q is not registered", cand.ToolName)})
			continue
		}
		l.recs[i].ServiceID = desc.ServiceID

		if len(allowed) > 0 && !slices.Contains(allowed, cand.ToolName) {
			skip(&ErrorDetail{Kind: KindNotPermitted, Message: fmt.Sprintf("tool %q is not available in this conversation", cand.ToolName)})
			continue
		}

		params, projected := c.project(desc, cand)

		if fieldErrs := desc.Validate(params); len(fieldErrs) > 0 {
			skip(&ErrorDetail{
				Kind:    KindSchemaViolation,
				Message: fmt.Sprintf("parameters for %q do not match its schema", cand.ToolName),
				Fields:  fieldErrs,
			})
			continue
		}

		raw, err := callparse.Candidate{Params: params}.ParamsJSON()
		if err != nil {
			skip(&ErrorDetail{Kind: KindInternal, Message: err.Error()})
			continue
		}

		l.recs[i].Params = raw
		l.recs[i].ProjectedFields = projected
		plans = append(plans, plan{
			index:   i,
			desc:    desc,
			request: toolservice.Request{ToolName: cand.ToolName, Parameters: raw},
		})
	}

	return plans
}

// project adds the tool's default field selection when the call named none.
// Fields the caller named always win over tool defaults.
func (c *Coordinator) project(desc registry.ToolDescriptor, cand callparse.Candidate) (*callparse.Params, []string) {
	if !desc.HasProjection() {
		return cand.Params, nil
	}
	if cand.Params != nil {
		if _, ok := cand.Params.Get(desc.ProjectionField); ok {
			return cand.Params, nil
		}
	}

	defaults := c.resolver.DefaultFieldsFor(desc.Name)
	if len(defaults) == 0 {
		return cand.Params, nil
	}

	values := make([]any, len(defaults))
	for i, f := range defaults {
		values[i] = f
	}

	params := cand.CloneParams()
	params.Set(desc.ProjectionField, values)

	return params, defaults
}

func (c *Coordinator) notify(ctx context.Context, kind string, data any) {
	if c.opts.EventNotifier != nil {
		c.opts.EventNotifier(ctx, kind, data)
	}
}
