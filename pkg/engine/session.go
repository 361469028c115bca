package engine

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/germanamz/toolrelay/pkg/coordinator"
)

// TurnResult is what one turn hands back to the chat pipeline: the ordered
// records and the guidance block for the second model call.
type TurnResult struct {
	Batch    coordinator.Batch
	Guidance string
}

// Session represents one conversation. It fixes the tools admissible for
// the conversation and runs its turns one at a time.
type Session struct {
	id      string
	allowed []string
	engine  *Engine

	mu     sync.Mutex
	active bool
	turns  int
}

func newSession(id string, allowed []string, e *Engine) *Session {
	return &Session{
		id:      id,
		allowed: slices.Clone(allowed),
		engine:  e,
	}
}

// ID returns the session identifier.
func (s *Session) ID() string { return s.id }

// Allowed returns the admissible tool names; empty means every tool.
func (s *Session) Allowed() []string { return slices.Clone(s.allowed) }

// Turns returns how many turns the session has completed.
func (s *Session) Turns() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.turns
}

// Send runs the tool calls found in one model turn. Only one Send may be
// active per session.
func (s *Session) Send(ctx context.Context, text string) (TurnResult, error) {
	return s.SendTurn(ctx, coordinator.Turn{Text: text})
}

// SendTurn runs a prepared turn. The session's admissible tools replace
// turn.Allowed.
func (s *Session) SendTurn(ctx context.Context, turn coordinator.Turn) (TurnResult, error) {
	if err := s.acquire(); err != nil {
		return TurnResult{}, err
	}
	defer s.release()

	turn.Allowed = s.allowed

	batch, err := s.engine.coord.Run(withSessionID(ctx, s.id), turn)
	if err != nil {
		return TurnResult{}, fmt.Errorf("engine: session %s: %w", s.id, err)
	}

	s.mu.Lock()
	s.turns++
	s.mu.Unlock()

	return TurnResult{Batch: batch, Guidance: s.engine.composer.Compose(batch)}, nil
}

func (s *Session) acquire() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.active {
		return fmt.Errorf("engine: session %s: another Send is already active", s.id)
	}
	s.active = true
	return nil
}

func (s *Session) release() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.active = false
}

type sessionKey struct{}

func withSessionID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, sessionKey{}, id)
}

func sessionIDFromContext(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(sessionKey{}).(string)
	return id, ok
}

// publishTurnEvent forwards coordinator progress to the bus, tagged with the
// session that ran the turn.
func publishTurnEvent(ctx context.Context, events *EventBus, kind string, data any) {
	sid, _ := sessionIDFromContext(ctx)

	ev := Event{
		Kind:      EventKind(kind),
		SessionID: sid,
		Timestamp: time.Now(),
		Data:      data,
	}
	if r, ok := data.(coordinator.Record); ok {
		ev.Service = r.ServiceID
	}

	events.Publish(ev)
}
