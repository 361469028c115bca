package coordinator

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/germanamz/toolrelay/pkg/callparse"
	"github.com/germanamz/toolrelay/pkg/registry"
	"github.com/germanamz/toolrelay/pkg/toolservice"
)

// Status is the lifecycle position of one invocation record.
type Status string

const (
	Pending   Status = "pending"
	Running   Status = "running"
	Succeeded Status = "succeeded"
	Failed    Status = "failed"
	Skipped   Status = "skipped"
)

// Terminal reports whether no further transition is allowed.
func (s Status) Terminal() bool {
	return s == Succeeded || s == Failed || s == Skipped
}

// ErrorKind classifies why a record did not succeed.
type ErrorKind string

const (
	KindUnknownTool        ErrorKind = "unknown_tool"
	KindNotPermitted       ErrorKind = "not_permitted"
	KindSchemaViolation    ErrorKind = "schema_violation"
	KindLimitExceeded      ErrorKind = "limit_exceeded"
	KindServiceUnavailable ErrorKind = "service_unavailable"
	KindTimeout            ErrorKind = "timeout"
	KindRemoteToolError    ErrorKind = "remote_tool_error"
	KindInternal           ErrorKind = "internal"
)

// ErrorDetail explains a Skipped or Failed record.
type ErrorDetail struct {
	Kind    ErrorKind `json:"kind"`
	Message string    `json:"message"`

	// Fields lists parameter problems for KindSchemaViolation.
	Fields []registry.FieldError `json:"fields,omitempty"`

	// Category and Payload are copied verbatim from the tool service for
	// KindRemoteToolError.
	Category toolservice.Category `json:"category,omitempty"`
	Payload  json.RawMessage      `json:"payload,omitempty"`
}

func (e *ErrorDetail) Error() string {
	return string(e.Kind) + ": " + e.Message
}

// Record is the outcome of one detected call.
type Record struct {
	// Index is the candidate's position in detection order.
	Index     int
	Candidate callparse.Candidate
	ServiceID string

	// Params is what was sent to the tool service, after field projection.
	Params json.RawMessage
	// ProjectedFields holds the tool defaults applied because the call named
	// no fields of its own.
	ProjectedFields []string

	Status       Status
	Result       json.RawMessage
	Error        *ErrorDetail
	StartedAt    time.Time
	FinishedAt   time.Time
	ConnectionID string
}

// Duration is how long the record took, zero until it is terminal.
func (r Record) Duration() time.Duration {
	if r.FinishedAt.IsZero() || r.StartedAt.IsZero() {
		return 0
	}

	return r.FinishedAt.Sub(r.StartedAt)
}

// ledger guards the records of one turn. Every transition goes through it
// and none leaves a terminal status.
type ledger struct {
	mu   sync.Mutex
	recs []Record
}

func (l *ledger) start(i int, at time.Time) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	r := &l.recs[i]
	if r.Status != Pending {
		return false
	}

	r.Status = Running
	r.StartedAt = at

	return true
}

// setConnection names the connection a running record's call was sent on.
func (l *ledger) setConnection(i int, connID string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if r := &l.recs[i]; r.Status == Running {
		r.ConnectionID = connID
	}
}

func (l *ledger) succeed(i int, at time.Time, result json.RawMessage) (Record, bool) {
	return l.finish(i, at, func(r *Record) {
		r.Status = Succeeded
		r.Result = result
	})
}

func (l *ledger) fail(i int, at time.Time, detail *ErrorDetail) (Record, bool) {
	return l.finish(i, at, func(r *Record) {
		r.Status = Failed
		r.Error = detail
	})
}

func (l *ledger) skip(i int, at time.Time, detail *ErrorDetail) (Record, bool) {
	return l.finish(i, at, func(r *Record) {
		r.Status = Skipped
		r.Error = detail
	})
}

func (l *ledger) finish(i int, at time.Time, apply func(*Record)) (Record, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	r := &l.recs[i]
	if r.Status.Terminal() {
		return *r, false
	}

	apply(r)
	if r.StartedAt.IsZero() {
		r.StartedAt = at
	}
	r.FinishedAt = at

	return *r, true
}

// expire fails every record that is not yet terminal.
func (l *ledger) expire(at time.Time, detail ErrorDetail) []Record {
	l.mu.Lock()
	defer l.mu.Unlock()

	var expired []Record
	for i := range l.recs {
		r := &l.recs[i]
		if r.Status.Terminal() {
			continue
		}

		d := detail
		r.Status = Failed
		r.Error = &d
		if r.StartedAt.IsZero() {
			r.StartedAt = at
		}
		r.FinishedAt = at
		expired = append(expired, *r)
	}

	return expired
}

func (l *ledger) get(i int) Record {
	l.mu.Lock()
	defer l.mu.Unlock()

	return l.recs[i]
}

func (l *ledger) snapshot() []Record {
	l.mu.Lock()
	defer l.mu.Unlock()

	out := make([]Record, len(l.recs))
	copy(out, l.recs)

	return out
}
