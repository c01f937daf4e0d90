package supervisor

import (
	"strings"

	"github.com/oppi-dev/oppi/internal/engine"
	"github.com/oppi-dev/oppi/internal/turn"
	"github.com/oppi-dev/oppi/internal/wire"
)

// handleEvent is the EventSink bound to the agent engine in Start. It
// translates each engine.Event into the corresponding wire.SessionEvent and
// publishes it, per spec §4.5's "lossless translation... any engine event
// type this build does not recognize is emitted as error(unknown_event)"
// rule. It is also where the Supervisor observes turn lifecycle to drive
// turn_ack(delivered), token/cost bookkeeping, and the busy -> ready
// transition with follow-up drain.
func (s *Supervisor) handleEvent(e engine.Event) {
	switch e.Kind {
	case engine.KindAgentStart:
		s.markDelivered(e.TurnID)
		s.fan.Publish(s.id, wire.EventAgentStart, wire.AgentStartData{TurnID: e.TurnID, Model: e.Model})

	case engine.KindTextDelta:
		s.fan.Publish(s.id, wire.EventTextDelta, wire.TextDeltaData{TurnID: e.TurnID, Delta: e.Delta})

	case engine.KindThinkingDelta:
		s.fan.Publish(s.id, wire.EventThinkingDelta, wire.ThinkingDeltaData{TurnID: e.TurnID, Delta: e.Delta})

	case engine.KindToolStart:
		s.fan.Publish(s.id, wire.EventToolStart, wire.ToolStartData{TurnID: e.TurnID, ToolCallID: e.ToolCallID, Tool: e.Tool, Input: e.Input})

	case engine.KindToolOutput:
		s.fan.Publish(s.id, wire.EventToolOutput, wire.ToolOutputData{ToolCallID: e.ToolCallID, Chunk: toChunk(e.Output, e.Delta)})

	case engine.KindToolEnd:
		s.fan.Publish(s.id, wire.EventToolEnd, wire.ToolEndData{ToolCallID: e.ToolCallID, Output: e.Output, Error: errorCause(e.Err)})

	case engine.KindMessageEnd:
		s.recordUsage(e.InputTokens, e.OutputTokens, e.Cost)
		s.fan.Publish(s.id, wire.EventMessageEnd, wire.MessageEndData{TurnID: e.TurnID, InputTokens: e.InputTokens, OutputTokens: e.OutputTokens, Cost: e.Cost})

	case engine.KindAgentEnd:
		s.fan.Publish(s.id, wire.EventAgentEnd, wire.AgentEndData{TurnID: e.TurnID, Error: errorCause(e.Err)})
		s.onTurnEnded()

	default:
		s.fan.Publish(s.id, wire.EventError, wire.ErrorData{Kind: wire.ErrKindUnknownEvent, RawType: e.Kind})
	}
}

// markDelivered emits turn_ack(stage=delivered) the first time the engine
// actually produces an event for a turn, using the requestId remembered
// from the Prompt/Steer/FollowUp call that started it.
func (s *Supervisor) markDelivered(turnID string) {
	if turnID == "" {
		return
	}
	if reqID := s.takeRequestID(turnID); reqID != "" {
		s.sched.MarkDelivered(turnID, reqID)
	}
}

// onTurnEnded returns the session to ready and starts the next queued
// follow-up, if any, per spec §4.4's "follow_up is queued and delivered
// once the current turn ends" rule.
func (s *Supervisor) onTurnEnded() {
	s.bumpMessageCount()

	next := s.sched.DrainFollowUps()
	if len(next) == 0 {
		s.setStatus(wire.StatusReady, nil)
		return
	}

	// Only the first queued follow-up actually starts a turn: the agent
	// engine has no notion of queued user input, and a follow-up's whole
	// point is to become the next turn's message.
	first := next[0]
	s.rememberRequestID(first.ClientTurnID, first.RequestID)
	for _, dropped := range next[1:] {
		s.fan.Publish(s.id, wire.EventTurnAck, wire.TurnAckData{
			ClientTurnID: dropped.ClientTurnID,
			RequestID:    dropped.RequestID,
			Stage:        wire.StageDropped,
			Reason:       string(turn.DropDuplicate),
		})
	}
	s.setStatus(wire.StatusReady, nil)
	s.startTurn(first.ClientTurnID, first.Message, nil)
}

func (s *Supervisor) bumpMessageCount() {
	s.mu.Lock()
	s.messageCount++
	s.mu.Unlock()
}

func (s *Supervisor) recordUsage(inputTokens, outputTokens int64, cost float64) {
	s.mu.Lock()
	s.inputTokens += inputTokens
	s.outputTokens += outputTokens
	s.cost += cost
	s.mu.Unlock()
}

func errorCause(err error) *wire.ErrorCause {
	if err == nil {
		return nil
	}
	msg := err.Error()
	kind := wire.ErrKindAgentCrash
	if strings.HasPrefix(msg, "policy_denied") {
		kind = wire.ErrKindPolicyDenied
	}
	return &wire.ErrorCause{Kind: kind, Message: msg}
}

func toChunk(output any, delta string) string {
	if delta != "" {
		return delta
	}
	if s, ok := output.(string); ok {
		return s
	}
	return ""
}
