package toolservice

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"syscall"
)

// ErrConnection marks errors caused by the transport rather than the tool.
var ErrConnection = errors.New("toolservice: connection failure")

// ConnError wraps a transport failure for one service. It matches both
// ErrConnection and the underlying cause with errors.Is.
type ConnError struct {
	Service string
	Op      string
	Err     error
}

// NewConnError wraps err as a connectivity failure of service during op.
func NewConnError(service, op string, err error) *ConnError {
	return &ConnError{Service: service, Op: op, Err: err}
}

func (e *ConnError) Error() string {
	return fmt.Sprintf("toolservice: %s: %s: %v", e.Service, e.Op, e.Err)
}

// Unwrap exposes both the sentinel and the cause.
func (e *ConnError) Unwrap() []error {
	return []error{ErrConnection, e.Err}
}

// IsConnectivity reports whether err means the service could not be reached
// or the connection broke. Context cancellation and deadlines are never
// connectivity failures: a slow tool is not a dead service.
func IsConnectivity(err error) bool {
	if err == nil {
		return false
	}

	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return false
	}

	var remote *RemoteError
	if errors.As(err, &remote) {
		return false
	}

	if errors.Is(err, ErrConnection) {
		return true
	}

	switch {
	case errors.Is(err, io.EOF),
		errors.Is(err, io.ErrUnexpectedEOF),
		errors.Is(err, io.ErrClosedPipe),
		errors.Is(err, net.ErrClosed),
		errors.Is(err, syscall.ECONNREFUSED),
		errors.Is(err, syscall.ECONNRESET),
		errors.Is(err, syscall.EPIPE):
		return true
	}

	var netErr net.Error
	return errors.As(err, &netErr)
}
