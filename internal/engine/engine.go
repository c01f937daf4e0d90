// Package engine defines the boundary interface to the agent engine — the
// LLM-driven tool-calling loop that spec §1 names explicitly out of scope
// ("the LLM agent runtime itself... referred to as the agent engine").
// The Session Supervisor (internal/supervisor) depends only on this
// interface; Stub is a minimal deterministic implementation for tests and
// local demos, not a real model integration.
package engine

import "context"

// ToolCall is one invocation an agent turn wants to make. The engine asks
// the supplied PermissionFunc before actually running it.
type ToolCall struct {
	ToolCallID string
	Tool       string
	Input      any
}

// PermissionFunc is how the engine asks the Permission Gate whether a tool
// call may proceed. Implementations block until a decision is reached;
// see internal/gate.Gate.Intercept, which is the concrete implementation
// the Supervisor binds here.
type PermissionFunc func(ctx context.Context, call ToolCall) (block bool, reason string)

// Event is one observable occurrence the engine emits during a turn. Kind
// is engine-defined (not the wire.EventType taxonomy) — the Supervisor's
// translator (internal/supervisor/translate.go) maps each Kind to the
// corresponding wire.SessionEvent variant, publishing a wire.EventError of
// kind unknown_event (with the raw Kind) for anything it does not
// recognize, per spec §4.5's "lossless
// translation... unknown engine event type is emitted as error(unknown_event)."
type Event struct {
	Kind       string
	TurnID     string
	ToolCallID string
	Tool       string
	Input      any
	Output     any
	Delta      string
	Thinking   bool
	Err        error

	InputTokens  int64
	OutputTokens int64
	Cost         float64
	Model        string
}

// Known engine event kinds. This set is intentionally small — it is the
// minimum vocabulary Stub needs to drive a realistic turn; a real engine
// may emit additional Kinds, which the Supervisor's translator treats as
// unknown rather than rejecting.
const (
	KindAgentStart    = "agent_start"
	KindTextDelta     = "text_delta"
	KindThinkingDelta = "thinking_delta"
	KindToolStart     = "tool_start"
	KindToolOutput    = "tool_output"
	KindToolEnd       = "tool_end"
	KindAgentEnd      = "agent_end"
	KindMessageEnd    = "message_end"
)

// EventSink is how an engine delivers Events to its caller. Implementations
// must not block indefinitely — the Supervisor's sink forwards directly
// into Fanout.Publish, which is itself non-blocking.
type EventSink func(Event)

// Turn describes one user-originated turn for StartTurn.
type Turn struct {
	ClientTurnID string
	Message      string
	Model        string
}

// AgentEngine is the boundary the Session Supervisor drives. A concrete
// implementation owns its own model/provider wiring, tool execution, and
// context management — all explicitly out of scope for the core (spec §1).
type AgentEngine interface {
	// Start readies the engine for a session (e.g. resolving the model and
	// workspace) and returns once it is ready to accept StartTurn.
	Start(ctx context.Context, sessionID, workspaceID string, permit PermissionFunc, sink EventSink) error
	// StartTurn begins a new turn. It must return promptly; Events arrive
	// asynchronously via the sink bound in Start.
	StartTurn(ctx context.Context, turn Turn) error
	// Steer injects an interrupt into the turn currently in flight.
	Steer(ctx context.Context, clientTurnID, message string) error
	// Abort stops the turn currently in flight, if any.
	Abort(ctx context.Context) error
	// Stop releases all engine resources; no further calls are made after
	// this returns.
	Stop(ctx context.Context) error
}
