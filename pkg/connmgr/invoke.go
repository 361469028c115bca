package connmgr

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/germanamz/toolrelay/pkg/toolservice"
)

// Invoke calls a tool on a connected service. It never dials: a service that
// is not Connected fails immediately with an *UnavailableError. A
// connectivity error during the call moves the service to Backoff and is
// also reported as an *UnavailableError. A call that runs past timeout (or
// ctx's deadline) returns ErrTimeout and leaves the connection alone. A
// tool-level failure comes back as a *toolservice.RemoteError next to the
// response.
func (m *Manager) Invoke(ctx context.Context, serviceID string, req toolservice.Request, timeout time.Duration) (toolservice.Response, error) {
	e, conn, connID, err := m.acquire(serviceID)
	if err != nil {
		return toolservice.Response{}, err
	}
	if report, ok := ctx.Value(connReportKey{}).(func(string)); ok {
		report(connID)
	}

	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	if e.limiter != nil {
		if err := e.limiter.Wait(ctx); err != nil {
			return toolservice.Response{}, m.callError(ctx, serviceID, "rate limit", err)
		}
	}

	resp, err := conn.Invoke(ctx, req)
	if err != nil {
		if ctx.Err() == nil && toolservice.IsConnectivity(err) {
			st := m.connectionLost(ctx, e, connID, err)
			return toolservice.Response{}, &UnavailableError{
				Service:     serviceID,
				Status:      st.Status,
				NextRetryAt: st.NextRetryAt,
				Err:         err,
			}
		}

		return toolservice.Response{}, m.callError(ctx, serviceID, req.ToolName, err)
	}

	if !resp.Success {
		remote := resp.Error
		if remote == nil {
			remote = &toolservice.RemoteError{
				Category: toolservice.CategoryInternal,
				Message:  "tool reported failure without details",
			}
		}
		return resp, remote
	}

	return resp, nil
}

type connReportKey struct{}

// WithConnectionReport returns a context under which Invoke passes the ID of
// the connection it acquired to report, before the request is sent.
func WithConnectionReport(ctx context.Context, report func(connID string)) context.Context {
	return context.WithValue(ctx, connReportKey{}, report)
}

func (m *Manager) acquire(serviceID string) (*entry, toolservice.Conn, string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil, nil, "", ErrClosed
	}

	e, ok := m.services[serviceID]
	if !ok {
		return nil, nil, "", fmt.Errorf("%w: %s", ErrUnknownService, serviceID)
	}

	if e.state.Status != Connected || e.conn == nil {
		return nil, nil, "", &UnavailableError{
			Service:     serviceID,
			Status:      e.state.Status,
			NextRetryAt: e.state.NextRetryAt,
		}
	}

	return e, e.conn, e.state.ConnectionID, nil
}

// callError maps a non-connectivity failure. Anything that happened because
// the deadline passed is a timeout, whatever the transport called it.
func (m *Manager) callError(ctx context.Context, serviceID, op string, err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("%w: %s: %s: %w", ErrTimeout, serviceID, op, err)
	}
	if ctx.Err() == nil && isLimiterDeadline(err) {
		return fmt.Errorf("%w: %s: %s: %w", ErrTimeout, serviceID, op, err)
	}

	return fmt.Errorf("connmgr: %s: %s: %w", serviceID, op, err)
}

// isLimiterDeadline reports the limiter's refusal to wait past the context
// deadline. rate.Limiter returns a plain error for this.
func isLimiterDeadline(err error) bool {
	return err != nil && strings.Contains(err.Error(), "would exceed context deadline")
}
