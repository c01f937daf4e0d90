package supervisor

import (
	"context"
	"sync"
	"time"

	"github.com/oppi-dev/oppi/internal/engine"
	"github.com/oppi-dev/oppi/internal/fanout"
	"github.com/oppi-dev/oppi/internal/gate"
	"github.com/oppi-dev/oppi/internal/logging"
	"github.com/oppi-dev/oppi/internal/policy"
	"github.com/oppi-dev/oppi/internal/turn"
	"github.com/oppi-dev/oppi/internal/wire"
)

// DefaultIdleTimeout is how long a session sits in ready with zero
// subscribers before the Supervisor stops it, per spec §4.5.
const DefaultIdleTimeout = 30 * time.Minute

// Config tunes one Supervisor. Zero values fall back to spec defaults.
type Config struct {
	IdleTimeout time.Duration
	Gate        gate.Config
}

func (c Config) withDefaults() Config {
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = DefaultIdleTimeout
	}
	return c
}

// Supervisor owns one session's lifecycle: starting -> ready -> busy -> ready,
// with stopping/stopped/error as the terminal branch, per spec §4.5. It wires
// the Policy Engine, Permission Gate, Event Fan-out, and Turn Scheduler
// around an AgentEngine, and is the sole writer of the session's status.
type Supervisor struct {
	mu sync.Mutex

	id          string
	workspaceID string
	modelID     string

	fan      *fanout.Fanout
	pol      *policy.Engine
	gate     *gate.Gate
	sched    *turn.Scheduler
	engine   engine.AgentEngine
	registry *Registry

	status       wire.SessionStatus
	createdAt    time.Time
	lastActivity time.Time
	messageCount int
	inputTokens  int64
	outputTokens int64
	cost         float64
	warnings     []string

	requestIDs map[string]string // clientTurnId -> requestId, for the delivered turn_ack

	idleTimeout time.Duration
	idleTimer   *time.Timer

	runCtx context.Context
	cancel context.CancelFunc
}

// New constructs a Supervisor for one session. It does not start the agent
// engine or register itself; call Start for that.
func New(sessionID, workspaceID, modelID string, fan *fanout.Fanout, pol *policy.Engine, eng engine.AgentEngine, registry *Registry, cfg Config) *Supervisor {
	cfg = cfg.withDefaults()
	s := &Supervisor{
		id:          sessionID,
		workspaceID: workspaceID,
		modelID:     modelID,
		fan:         fan,
		pol:         pol,
		engine:      eng,
		registry:    registry,
		status:      wire.StatusStarting,
		createdAt:   time.Now(),
		requestIDs:  make(map[string]string),
		idleTimeout: cfg.IdleTimeout,
	}
	s.gate = gate.New(sessionID, pol, fan, fan, cfg.Gate)
	s.sched = turn.New(sessionID, fan, s.Status, turn.Handlers{
		StartTurn: s.startTurn,
		Steer:     s.steer,
		Abort:     s.abort,
	})
	return s
}

// SessionID identifies this Supervisor in the Registry.
func (s *Supervisor) SessionID() string {
	return s.id
}

// Status reports the current lifecycle state; safe for concurrent use,
// including from the Turn Scheduler's SessionStateFunc.
func (s *Supervisor) Status() wire.SessionStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// Start resolves the engine for this session's model and workspace, binds
// the Permission Gate as the engine's PermissionFunc, and advances
// starting -> ready. On failure the session transitions to error and Start
// returns the cause.
func (s *Supervisor) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(context.Background())
	s.mu.Lock()
	s.runCtx = runCtx
	s.cancel = cancel
	s.mu.Unlock()

	if err := s.engine.Start(runCtx, s.id, s.workspaceID, s.permit, s.handleEvent); err != nil {
		s.setStatus(wire.StatusError, &wire.ErrorCause{Kind: wire.ErrKindAgentCrash, Message: err.Error()})
		cancel()
		return err
	}

	s.registry.Register(s)
	s.setStatus(wire.StatusReady, nil)
	return nil
}

// permit adapts the Permission Gate to engine.PermissionFunc.
func (s *Supervisor) permit(ctx context.Context, call engine.ToolCall) (bool, string) {
	res := s.gate.Intercept(ctx, s.id, s.workspaceID, call.ToolCallID, call.Tool, call.Input)
	return res.Block, res.Reason
}

// Prompt, Steer, FollowUp, and Abort are the Turn Scheduler entry points a
// Stream Multiplexer connection calls on behalf of a client message.
func (s *Supervisor) Prompt(clientTurnID, requestID, message string, attachments []wire.Attachment) {
	s.touch()
	s.rememberRequestID(clientTurnID, requestID)
	s.sched.Prompt(clientTurnID, requestID, message, attachments)
}

func (s *Supervisor) Steer(clientTurnID, requestID, message string) {
	s.touch()
	s.rememberRequestID(clientTurnID, requestID)
	s.sched.Steer(clientTurnID, requestID, message)
}

func (s *Supervisor) FollowUp(clientTurnID, requestID, message string) {
	s.touch()
	s.rememberRequestID(clientTurnID, requestID)
	s.sched.FollowUp(clientTurnID, requestID, message)
}

func (s *Supervisor) Abort(requestID string) {
	s.touch()
	s.sched.Abort(requestID)
}

// RespondPermission delivers a client's permission_respond to this
// session's Gate.
func (s *Supervisor) RespondPermission(requestID string, action policy.Action, scope policy.Scope) {
	s.touch()
	s.gate.Respond(requestID, action, scope)
}

func (s *Supervisor) rememberRequestID(clientTurnID, requestID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.requestIDs[clientTurnID] = requestID
}

func (s *Supervisor) takeRequestID(clientTurnID string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.requestIDs[clientTurnID]
	delete(s.requestIDs, clientTurnID)
	return id
}

func (s *Supervisor) startTurn(clientTurnID, message string, attachments []wire.Attachment) {
	s.setStatus(wire.StatusBusy, nil)
	ctx := s.context()
	if err := s.engine.StartTurn(ctx, engine.Turn{ClientTurnID: clientTurnID, Message: message, Model: s.modelID}); err != nil {
		s.fan.Publish(s.id, wire.EventError, wire.ErrorData{Kind: wire.ErrKindAgentCrash, Message: err.Error()})
		s.setStatus(wire.StatusReady, nil)
	}
}

func (s *Supervisor) steer(clientTurnID, message string) {
	_ = s.engine.Steer(s.context(), clientTurnID, message)
}

func (s *Supervisor) abort() {
	_ = s.engine.Abort(s.context())
}

func (s *Supervisor) context() context.Context {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.runCtx
}

// Subscribe attaches a new fan-out subscriber, handling spec §4.5's
// reconnect-replay contract: a reconnecting client (sinceSeq > 0) first
// receives a synthetic state event establishing the current status, then —
// if the ring has already evicted past sinceSeq — a catchup_truncated error,
// before Fanout.Subscribe replays whatever backlog remains and switches to
// live delivery.
func (s *Supervisor) Subscribe(sinceSeq uint64, level wire.SubscriptionLevel, deliver fanout.DeliverFunc, onOverflow func()) *fanout.Handle {
	if sinceSeq > 0 {
		deliver(wire.SessionEvent{Seq: sinceSeq, SessionID: s.id, Type: wire.EventState, Data: wire.StateData{Status: s.Status()}})
		if truncated, oldest := s.fan.PeekCatchUp(s.id, sinceSeq); truncated {
			o := oldest
			deliver(wire.SessionEvent{Seq: sinceSeq, SessionID: s.id, Type: wire.EventError, Data: wire.ErrorData{Kind: wire.ErrKindCatchupTruncated, OldestSeq: &o}})
		}
	}
	h := s.fan.Subscribe(s.id, sinceSeq, level, deliver, onOverflow)
	s.onSubscriberCountChanged()
	return h
}

// Unsubscribe detaches a handle obtained from Subscribe.
func (s *Supervisor) Unsubscribe(h *fanout.Handle) {
	s.fan.Unsubscribe(h)
	s.onSubscriberCountChanged()
}

// Stop tears the session down: drops queued turn work, denies every pending
// permission request as session_stopped, stops the agent engine, and
// advances stopping -> stopped (or error, if the engine fails to stop
// cleanly). It unregisters the session from the Registry; any later lookup
// fails with ErrSessionNotFound.
func (s *Supervisor) Stop(ctx context.Context) error {
	s.mu.Lock()
	if s.status == wire.StatusStopped || s.status == wire.StatusStopping {
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()

	s.setStatus(wire.StatusStopping, nil)
	s.stopIdleTimer()
	s.sched.DropAllPending()
	s.gate.StopSession()

	err := s.engine.Stop(ctx)

	s.mu.Lock()
	cancel := s.cancel
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	s.gate.Close()

	if err != nil {
		s.setStatus(wire.StatusError, &wire.ErrorCause{Kind: wire.ErrKindAgentCrash, Message: err.Error()})
	} else {
		s.setStatus(wire.StatusStopped, nil)
	}

	s.registry.Unregister(s.id)
	return err
}

// touch bumps lastActivity. Per spec §3, lastActivity is monotonic
// non-decreasing. It is pure bookkeeping for Snapshot — the idle timer is
// keyed on subscriber count, not on activity (spec §4.5: "After ready with
// no subscribers for a configurable window... the supervisor transitions
// to stopping").
func (s *Supervisor) touch() {
	s.mu.Lock()
	now := time.Now()
	if now.After(s.lastActivity) {
		s.lastActivity = now
	}
	s.mu.Unlock()
}

func (s *Supervisor) setStatus(status wire.SessionStatus, cause *wire.ErrorCause) {
	s.mu.Lock()
	changed := s.status != status
	s.status = status
	s.mu.Unlock()

	if !changed {
		return
	}

	sessLog := logging.SessionLogger(s.id)
	sessLog.Info().Str("status", string(status)).Msg("supervisor: status changed")

	if status == wire.StatusReady {
		s.armIdleTimerIfNoSubscribers()
	} else {
		s.stopIdleTimer()
	}

	s.fan.Publish(s.id, wire.EventState, wire.StateData{Status: status, Cause: cause})
}

// onSubscriberCountChanged re-evaluates the idle timer after Subscribe or
// Unsubscribe: a session with at least one subscriber is never idle-timed-
// out, and the 30-minute window restarts from the moment the last
// subscriber disconnects, not from the last prompt/steer/abort activity.
func (s *Supervisor) onSubscriberCountChanged() {
	if s.fan.SubscriberCount(s.id) > 0 {
		s.stopIdleTimer()
		return
	}
	s.armIdleTimerIfNoSubscribers()
}

func (s *Supervisor) armIdleTimerIfNoSubscribers() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status != wire.StatusReady {
		return
	}
	if s.idleTimer != nil {
		s.idleTimer.Stop()
	}
	s.idleTimer = time.AfterFunc(s.idleTimeout, s.onIdleTimeout)
}

func (s *Supervisor) stopIdleTimer() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.idleTimer != nil {
		s.idleTimer.Stop()
		s.idleTimer = nil
	}
}

// onIdleTimeout fires after idleTimeout with zero subscribers. It re-checks
// both conditions before stopping: the supervisor may have left ready, or a
// subscriber may have connected, in the narrow race between the timer
// firing and this callback running.
func (s *Supervisor) onIdleTimeout() {
	if s.Status() != wire.StatusReady {
		return
	}
	if s.fan.SubscriberCount(s.id) > 0 {
		return
	}
	idleLog := logging.SessionLogger(s.id)
	idleLog.Info().Msg("supervisor: idle timeout with no subscribers, stopping")
	_ = s.Stop(context.Background())
}

// Snapshot is a point-in-time view of the session's bookkeeping fields from
// spec §3, for a status query surface.
type Snapshot struct {
	SessionID    string
	WorkspaceID  string
	Status       wire.SessionStatus
	CreatedAt    time.Time
	LastActivity time.Time
	MessageCount int
	InputTokens  int64
	OutputTokens int64
	Cost         float64
	ModelID      string
	Warnings     []string
}

// Snapshot returns the current bookkeeping state.
func (s *Supervisor) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	warnings := make([]string, len(s.warnings))
	copy(warnings, s.warnings)
	return Snapshot{
		SessionID:    s.id,
		WorkspaceID:  s.workspaceID,
		Status:       s.status,
		CreatedAt:    s.createdAt,
		LastActivity: s.lastActivity,
		MessageCount: s.messageCount,
		InputTokens:  s.inputTokens,
		OutputTokens: s.outputTokens,
		Cost:         s.cost,
		ModelID:      s.modelID,
		Warnings:     warnings,
	}
}
