package connmgr

import (
	"errors"
	"fmt"
	"time"
)

// Status is where a service sits in the connection lifecycle.
type Status string

const (
	Disconnected Status = "disconnected"
	Connecting   Status = "connecting"
	Connected    Status = "connected"
	Backoff      Status = "backoff"
)

// State is a snapshot of one service's connection. Connected always comes
// with zero ConsecutiveFailures.
type State struct {
	ServiceID           string    `json:"serviceId"`
	Status              Status    `json:"status"`
	ConsecutiveFailures int       `json:"consecutiveFailures"`
	NextRetryAt         time.Time `json:"nextRetryAt,omitzero"`
	ConnectionID        string    `json:"connectionId,omitempty"`
	ConnectedAt         time.Time `json:"connectedAt,omitzero"`
	LastError           string    `json:"lastError,omitempty"`
}

var (
	// ErrServiceUnavailable means the service has no live connection. The
	// call was not attempted, or the connection broke during it.
	ErrServiceUnavailable = errors.New("connmgr: service unavailable")
	// ErrTimeout means the call did not finish within its deadline.
	ErrTimeout = errors.New("connmgr: call timed out")
	// ErrUnknownService means no service with that ID was registered.
	ErrUnknownService = errors.New("connmgr: unknown service")
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("connmgr: manager closed")
)

// UnavailableError reports which service was unavailable and when the next
// connection attempt is due.
type UnavailableError struct {
	Service     string
	Status      Status
	NextRetryAt time.Time
	Err         error // underlying connectivity error, if the call broke
}

func (e *UnavailableError) Error() string {
	msg := fmt.Sprintf("connmgr: service %s unavailable (%s)", e.Service, e.Status)
	if !e.NextRetryAt.IsZero() {
		msg += ", retry at " + e.NextRetryAt.Format(time.RFC3339)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}

	return msg
}

func (e *UnavailableError) Unwrap() []error {
	if e.Err == nil {
		return []error{ErrServiceUnavailable}
	}

	return []error{ErrServiceUnavailable, e.Err}
}
