package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Stub is a deterministic, in-memory AgentEngine used for tests and local
// demos: it "generates" a fixed short response, asks permission for one
// synthetic tool call along the way, and never talks to a real model.
// Grounded on the retry/backoff shape of internal/session/loop.go's
// runLoop — Stub.retryableBegin uses the same exponential-backoff-with-
// jitter pattern the teacher uses for provider-call retries, exercised
// here to simulate a transient engine hiccup before the turn proceeds.
type Stub struct {
	mu      sync.Mutex
	permit  PermissionFunc
	sink    EventSink
	turnCtx context.Context
	cancel  context.CancelFunc

	// ToolName and ToolInput are asked for permission mid-turn; override
	// in tests to exercise different policy outcomes.
	ToolName  string
	ToolInput any

	// FlakyOnce causes the first StartTurn to fail once before succeeding,
	// exercising the backoff retry path.
	FlakyOnce bool
	flakedOnce bool
}

// NewStub constructs a Stub with a default synthetic tool call.
func NewStub() *Stub {
	return &Stub{
		ToolName:  "read_file",
		ToolInput: map[string]any{"path": "/tmp/demo"},
	}
}

func (s *Stub) Start(ctx context.Context, sessionID, workspaceID string, permit PermissionFunc, sink EventSink) error {
	s.mu.Lock()
	s.permit = permit
	s.sink = sink
	s.mu.Unlock()
	return nil
}

func (s *Stub) StartTurn(ctx context.Context, turn Turn) error {
	s.mu.Lock()
	turnCtx, cancel := context.WithCancel(ctx)
	s.turnCtx = turnCtx
	s.cancel = cancel
	s.mu.Unlock()

	if err := s.retryableBegin(turnCtx); err != nil {
		return err
	}

	go s.run(turnCtx, turn)
	return nil
}

// retryableBegin exercises the backoff pattern for a transient setup
// failure, mirroring newRetryBackoff's configuration (teacher default:
// 1s initial, 30s max interval, 2min max elapsed, jittered).
func (s *Stub) retryableBegin(ctx context.Context) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 10 * time.Millisecond
	b.MaxInterval = 100 * time.Millisecond
	b.MaxElapsedTime = 2 * time.Second
	b.RandomizationFactor = 0.5
	b.Multiplier = 2.0

	attempt := func() error {
		if s.FlakyOnce && !s.flakedOnce {
			s.flakedOnce = true
			return fmt.Errorf("stub: simulated transient failure")
		}
		return nil
	}
	return backoff.Retry(attempt, backoff.WithContext(backoff.WithMaxRetries(b, 3), ctx))
}

func (s *Stub) run(ctx context.Context, turn Turn) {
	sink := s.sink
	emit := func(e Event) {
		e.TurnID = turn.ClientTurnID
		select {
		case <-ctx.Done():
		default:
			sink(e)
		}
	}

	emit(Event{Kind: KindAgentStart, Model: turn.Model})

	select {
	case <-ctx.Done():
		return
	case <-time.After(5 * time.Millisecond):
	}
	emit(Event{Kind: KindTextDelta, Delta: "Looking into \"" + turn.Message + "\"... "})

	toolCallID := "tc-" + turn.ClientTurnID
	emit(Event{Kind: KindToolStart, ToolCallID: toolCallID, Tool: s.ToolName, Input: s.ToolInput})

	block, reason := s.permit(ctx, ToolCall{ToolCallID: toolCallID, Tool: s.ToolName, Input: s.ToolInput})
	if block {
		emit(Event{Kind: KindToolEnd, ToolCallID: toolCallID, Err: fmt.Errorf("policy_denied: %s", reason)})
		emit(Event{Kind: KindTextDelta, Delta: "I can't do that: " + reason})
	} else {
		emit(Event{Kind: KindToolOutput, ToolCallID: toolCallID, Output: "ok"})
		emit(Event{Kind: KindToolEnd, ToolCallID: toolCallID, Output: "ok"})
		emit(Event{Kind: KindTextDelta, Delta: "Done."})
	}

	select {
	case <-ctx.Done():
		return
	default:
	}

	emit(Event{Kind: KindMessageEnd, InputTokens: int64(len(turn.Message)), OutputTokens: 12, Cost: 0.0001})
	emit(Event{Kind: KindAgentEnd})
}

func (s *Stub) Steer(ctx context.Context, clientTurnID, message string) error {
	s.mu.Lock()
	sink := s.sink
	s.mu.Unlock()
	if sink != nil {
		sink(Event{Kind: KindTextDelta, TurnID: clientTurnID, Delta: " [steered: " + message + "]"})
	}
	return nil
}

func (s *Stub) Abort(ctx context.Context) error {
	s.mu.Lock()
	cancel := s.cancel
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	return nil
}

func (s *Stub) Stop(ctx context.Context) error {
	return s.Abort(ctx)
}
