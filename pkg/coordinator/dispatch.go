package coordinator

import (
	"context"
	"errors"
	"fmt"

	"golang.org/x/sync/errgroup"

	"github.com/germanamz/toolrelay/pkg/connmgr"
	"github.com/germanamz/toolrelay/pkg/toolservice"
)

// dispatch runs one worker per distinct service. A worker calls its
// service's tools one at a time, in detection order.
func (c *Coordinator) dispatch(ctx context.Context, l *ledger, plans []plan) {
	var (
		order  []string
		queues = map[string][]plan{}
	)
	for _, p := range plans {
		id := p.desc.ServiceID
		if _, ok := queues[id]; !ok {
			order = append(order, id)
		}
		queues[id] = append(queues[id], p)
	}

	var g errgroup.Group
	if c.opts.MaxParallel > 0 {
		g.SetLimit(c.opts.MaxParallel)
	}

	for _, id := range order {
		queue := queues[id]
		g.Go(func() error {
			for _, p := range queue {
				if ctx.Err() != nil {
					return nil
				}
				c.invoke(ctx, l, p)
			}
			return nil
		})
	}

	_ = g.Wait()
}

func (c *Coordinator) invoke(ctx context.Context, l *ledger, p plan) {
	if !l.start(p.index, c.nowFunc()) {
		return
	}
	c.notify(ctx, EventToolCallStart, l.get(p.index))

	timeout := p.desc.Timeout
	if timeout <= 0 {
		timeout = c.opts.CallTimeout
	}

	ctx, span := c.tel.startCall(ctx, p)
	callCtx := connmgr.WithConnectionReport(ctx, func(connID string) {
		l.setConnection(p.index, connID)
	})
	resp, err := c.invoker.Invoke(callCtx, p.desc.ServiceID, p.request, timeout)
	if err == nil && !resp.Success {
		err = resp.Error
		if resp.Error == nil {
			err = &toolservice.RemoteError{Category: toolservice.CategoryInternal, Message: "tool reported failure without details"}
		}
	}

	now := c.nowFunc()

	var (
		r       Record
		updated bool
	)
	if err == nil {
		r, updated = l.succeed(p.index, now, resp.Result)
	} else {
		r, updated = l.fail(p.index, now, c.classify(ctx, err))
	}

	c.tel.endCall(ctx, span, r)
	if updated {
		c.recordEnd(ctx, r)
	}
}

// classify turns an invocation error into record detail.
func (c *Coordinator) classify(ctx context.Context, err error) *ErrorDetail {
	var remote *toolservice.RemoteError
	if errors.As(err, &remote) {
		return &ErrorDetail{
			Kind:     KindRemoteToolError,
			Message:  remote.Message,
			Category: remote.Category,
			Payload:  remote.Payload,
		}
	}

	switch {
	case errors.Is(err, connmgr.ErrServiceUnavailable):
		return &ErrorDetail{Kind: KindServiceUnavailable, Message: err.Error()}
	case errors.Is(err, connmgr.ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return &ErrorDetail{Kind: KindTimeout, Message: err.Error()}
	case errors.Is(err, context.Canceled) && ctx.Err() != nil:
		return &ErrorDetail{Kind: KindTimeout, Message: "turn cancelled"}
	default:
		return &ErrorDetail{Kind: KindInternal, Message: fmt.Sprintf("invoke: %v", err)}
	}
}

func (c *Coordinator) recordEnd(ctx context.Context, r Record) {
	c.tel.countRecord(ctx, r)

	attrs := []any{"tool", r.Candidate.ToolName, "index", r.Index, "status", r.Status, "elapsed", r.Duration()}
	if r.ServiceID != "" {
		attrs = append(attrs, "service", r.ServiceID)
	}
	if r.Error != nil {
		attrs = append(attrs, "kind", r.Error.Kind, "error", r.Error.Message)
	}
	c.log.DebugContext(ctx, "coordinator: record finished", attrs...)

	c.notify(ctx, EventToolCallEnd, r)
}
