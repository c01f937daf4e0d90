// Package turn implements the Turn Scheduler (spec §4.4): it enforces
// ordering of user-originated inputs — prompt, steer, follow_up, abort —
// against the agent loop, deduping by clientTurnId and emitting turn_ack
// stage progressions. Grounded on the teacher's internal/session.Processor
// (per-session waiter-channel serialization of concurrent Process calls),
// generalized from "queue behind whatever's running" to the spec's four
// distinct operations with distinct preconditions.
package turn

import (
	"sync"

	"github.com/oppi-dev/oppi/internal/fanout"
	"github.com/oppi-dev/oppi/internal/wire"
)

// Op is one of the four turn-scheduling operations spec §4.4 names.
type Op string

const (
	OpPrompt   Op = "prompt"
	OpSteer    Op = "steer"
	OpFollowUp Op = "follow_up"
	OpAbort    Op = "abort"
)

// DropReason enumerates why an operation was dropped instead of acted on.
type DropReason string

const (
	DropDuplicate       DropReason = "duplicate"
	DropPrecondition    DropReason = "precondition"
	DropSessionTerminal DropReason = "session_terminal"
)

// Handlers are the Supervisor-provided actions the scheduler drives once an
// operation's precondition is satisfied. Each is expected to be
// synchronous from the scheduler's point of view: the scheduler treats its
// return as "scheduled," not "delivered" — "delivered" is signaled
// separately, by the Supervisor calling MarkDelivered once the agent
// engine actually emits the turn's first event.
type Handlers struct {
	// StartTurn begins a new agent turn for message.
	StartTurn func(clientTurnID, message string, attachments []wire.Attachment)
	// Steer injects an interrupt into the currently streaming turn.
	Steer func(clientTurnID, message string)
	// Abort asks the agent engine to stop the current turn.
	Abort func()
}

// SessionStateFunc reports the session's current status, used to check
// each operation's precondition per spec §4.4's table.
type SessionStateFunc func() wire.SessionStatus

// Scheduler serializes turn operations for one session. One Scheduler is
// owned by exactly one Session Supervisor.
type Scheduler struct {
	mu sync.Mutex

	sessionID string
	fan       *fanout.Fanout
	state     SessionStateFunc
	handlers  Handlers

	seen       map[string]bool // clientTurnId -> observed, for dedupe across the session's lifetime
	followUps  []followUp      // FIFO queue, delivered after the current turn ends
	activeTurn string          // clientTurnId of the turn currently in flight, "" if none
}

type followUp struct {
	clientTurnID string
	requestID    string
	message      string
}

// New builds a Scheduler for one session.
func New(sessionID string, fan *fanout.Fanout, state SessionStateFunc, handlers Handlers) *Scheduler {
	return &Scheduler{
		sessionID: sessionID,
		fan:       fan,
		state:     state,
		handlers:  handlers,
		seen:      make(map[string]bool),
	}
}

// Prompt implements the `prompt` operation: precondition session is ready.
func (s *Scheduler) Prompt(clientTurnID, requestID, message string, attachments []wire.Attachment) {
	s.mu.Lock()
	if s.seen[clientTurnID] {
		s.mu.Unlock()
		s.ack(clientTurnID, requestID, wire.StageDropped, string(DropDuplicate))
		return
	}
	if s.state() != wire.StatusReady {
		s.mu.Unlock()
		s.ack(clientTurnID, requestID, wire.StageDropped, string(DropPrecondition))
		return
	}
	s.seen[clientTurnID] = true
	s.activeTurn = clientTurnID
	s.mu.Unlock()

	s.ack(clientTurnID, requestID, wire.StageReceived, "")
	s.handlers.StartTurn(clientTurnID, message, attachments)
	s.ack(clientTurnID, requestID, wire.StageScheduled, "")
}

// Steer implements the `steer` operation: precondition session is busy.
func (s *Scheduler) Steer(clientTurnID, requestID, message string) {
	s.mu.Lock()
	if s.seen[clientTurnID] {
		s.mu.Unlock()
		s.ack(clientTurnID, requestID, wire.StageDropped, string(DropDuplicate))
		return
	}
	if s.state() != wire.StatusBusy {
		s.mu.Unlock()
		s.ack(clientTurnID, requestID, wire.StageDropped, string(DropPrecondition))
		return
	}
	s.seen[clientTurnID] = true
	s.mu.Unlock()

	s.ack(clientTurnID, requestID, wire.StageReceived, "")
	s.handlers.Steer(clientTurnID, message)
	s.ack(clientTurnID, requestID, wire.StageScheduled, "")
}

// FollowUp implements the `follow_up` operation: precondition session is
// busy; the message is queued FIFO and delivered once the current turn
// ends (the Supervisor calls DrainFollowUps from its agent_end handling).
func (s *Scheduler) FollowUp(clientTurnID, requestID, message string) {
	s.mu.Lock()
	if s.seen[clientTurnID] {
		s.mu.Unlock()
		s.ack(clientTurnID, requestID, wire.StageDropped, string(DropDuplicate))
		return
	}
	if s.state() != wire.StatusBusy {
		s.mu.Unlock()
		s.ack(clientTurnID, requestID, wire.StageDropped, string(DropPrecondition))
		return
	}
	s.seen[clientTurnID] = true
	s.followUps = append(s.followUps, followUp{clientTurnID: clientTurnID, requestID: requestID, message: message})
	s.mu.Unlock()

	s.ack(clientTurnID, requestID, wire.StageReceived, "")
}

// Abort implements the `abort` operation: valid in any non-terminal state.
func (s *Scheduler) Abort(requestID string) {
	s.mu.Lock()
	status := s.state()
	if status == wire.StatusStopped || status == wire.StatusError {
		s.mu.Unlock()
		s.ack("", requestID, wire.StageDropped, string(DropPrecondition))
		return
	}
	s.mu.Unlock()

	s.ack("", requestID, wire.StageReceived, "")
	s.handlers.Abort()
	s.ack("", requestID, wire.StageScheduled, "")
}

// MarkDelivered emits turn_ack(stage=delivered) once the agent engine has
// emitted the turn's first event. The Supervisor calls this from its event
// translation path on the first event carrying a turnId.
func (s *Scheduler) MarkDelivered(clientTurnID, requestID string) {
	s.ack(clientTurnID, requestID, wire.StageDelivered, "")
}

// DrainFollowUps pops and returns every queued follow-up for delivery once
// the current turn has ended, clearing activeTurn. The Supervisor is
// responsible for actually starting the next turn with the returned
// messages (typically just the first, since a follow-up itself begins a
// new turn that displaces any further queued ones — the agent engine has
// no notion of "queued user input" itself).
func (s *Scheduler) DrainFollowUps() []DrainedFollowUp {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.activeTurn = ""
	if len(s.followUps) == 0 {
		return nil
	}
	out := make([]DrainedFollowUp, len(s.followUps))
	for i, f := range s.followUps {
		out[i] = DrainedFollowUp{ClientTurnID: f.clientTurnID, RequestID: f.requestID, Message: f.message}
	}
	s.followUps = nil
	return out
}

// DrainedFollowUp is one follow-up message released by DrainFollowUps.
type DrainedFollowUp struct {
	ClientTurnID string
	RequestID    string
	Message      string
}

// DropAllPending drops every queued follow-up with reason
// session_terminal, per spec §5's cancellation rule for session stop.
func (s *Scheduler) DropAllPending() {
	s.mu.Lock()
	pending := s.followUps
	s.followUps = nil
	s.mu.Unlock()

	for _, f := range pending {
		s.ack(f.clientTurnID, f.requestID, wire.StageDropped, string(DropSessionTerminal))
	}
}

func (s *Scheduler) ack(clientTurnID, requestID string, stage wire.TurnAckStage, reason string) {
	s.fan.Publish(s.sessionID, wire.EventTurnAck, wire.TurnAckData{
		ClientTurnID: clientTurnID,
		RequestID:    requestID,
		Stage:        stage,
		Reason:       reason,
	})
}
