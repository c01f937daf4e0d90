package turn

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oppi-dev/oppi/internal/fanout"
	"github.com/oppi-dev/oppi/internal/wire"
)

func ackCollector(fan *fanout.Fanout, sessionID string) func() []wire.TurnAckData {
	var mu sync.Mutex
	var acks []wire.TurnAckData
	fan.Subscribe(sessionID, 0, wire.LevelFull, func(e wire.SessionEvent) bool {
		if e.Type == wire.EventTurnAck {
			mu.Lock()
			acks = append(acks, e.Data.(wire.TurnAckData))
			mu.Unlock()
		}
		return true
	}, nil)
	return func() []wire.TurnAckData {
		mu.Lock()
		defer mu.Unlock()
		out := make([]wire.TurnAckData, len(acks))
		copy(out, acks)
		return out
	}
}

func newSchedulerForTest(status *wire.SessionStatus, handlers Handlers) (*Scheduler, func() []wire.TurnAckData) {
	fan := fanout.New(0, 0)
	acks := ackCollector(fan, "s1")
	sched := New("s1", fan, func() wire.SessionStatus { return *status }, handlers)
	return sched, acks
}

func TestPromptWhenReadyStartsTurn(t *testing.T) {
	status := wire.StatusReady
	var started bool
	sched, acks := newSchedulerForTest(&status, Handlers{
		StartTurn: func(clientTurnID, message string, attachments []wire.Attachment) { started = true },
	})

	sched.Prompt("t1", "r1", "hello", nil)

	assert.True(t, started)
	stages := stagesOf(acks())
	assert.Equal(t, []wire.TurnAckStage{wire.StageReceived, wire.StageScheduled}, stages)
}

func TestPromptWhenNotReadyIsDroppedWithPrecondition(t *testing.T) {
	status := wire.StatusBusy
	var started bool
	sched, acks := newSchedulerForTest(&status, Handlers{
		StartTurn: func(clientTurnID, message string, attachments []wire.Attachment) { started = true },
	})

	sched.Prompt("t1", "r1", "hello", nil)

	assert.False(t, started)
	got := acks()
	require.Len(t, got, 1)
	assert.Equal(t, wire.StageDropped, got[0].Stage)
	assert.Equal(t, string(DropPrecondition), got[0].Reason)
}

func TestDuplicateClientTurnIDIsDropped(t *testing.T) {
	status := wire.StatusReady
	calls := 0
	sched, acks := newSchedulerForTest(&status, Handlers{
		StartTurn: func(clientTurnID, message string, attachments []wire.Attachment) { calls++ },
	})

	sched.Prompt("t1", "r1", "hello", nil)
	status = wire.StatusReady // pretend it returned to ready immediately for this synchronous test
	sched.Prompt("t1", "r2", "hello again", nil)

	assert.Equal(t, 1, calls, "duplicate clientTurnId must not re-invoke StartTurn")
	got := acks()
	require.Len(t, got, 3)
	assert.Equal(t, wire.StageDropped, got[2].Stage)
	assert.Equal(t, string(DropDuplicate), got[2].Reason)
}

func TestSteerOnReadyIsDroppedWithPrecondition(t *testing.T) {
	status := wire.StatusReady
	sched, acks := newSchedulerForTest(&status, Handlers{Steer: func(string, string) {}})

	sched.Steer("t1", "r1", "stop that")

	got := acks()
	require.Len(t, got, 1)
	assert.Equal(t, wire.StageDropped, got[0].Stage)
	assert.Equal(t, string(DropPrecondition), got[0].Reason)
}

func TestSteerOnBusyInjectsInterrupt(t *testing.T) {
	status := wire.StatusBusy
	var gotMessage string
	sched, acks := newSchedulerForTest(&status, Handlers{Steer: func(clientTurnID, message string) { gotMessage = message }})

	sched.Steer("t1", "r1", "stop that")

	assert.Equal(t, "stop that", gotMessage)
	stages := stagesOf(acks())
	assert.Equal(t, []wire.TurnAckStage{wire.StageReceived, wire.StageScheduled}, stages)
}

func TestFollowUpQueuesAndDrainsInFIFOOrder(t *testing.T) {
	status := wire.StatusBusy
	sched, acks := newSchedulerForTest(&status, Handlers{})

	sched.FollowUp("t1", "r1", "first")
	sched.FollowUp("t2", "r2", "second")

	got := acks()
	require.Len(t, got, 2)
	assert.Equal(t, wire.StageReceived, got[0].Stage)
	assert.Equal(t, wire.StageReceived, got[1].Stage)

	drained := sched.DrainFollowUps()
	require.Len(t, drained, 2)
	assert.Equal(t, "first", drained[0].Message)
	assert.Equal(t, "second", drained[1].Message)
}

func TestAbortAcceptedInNonTerminalState(t *testing.T) {
	status := wire.StatusBusy
	var aborted bool
	sched, acks := newSchedulerForTest(&status, Handlers{Abort: func() { aborted = true }})

	sched.Abort("r1")

	assert.True(t, aborted)
	stages := stagesOf(acks())
	assert.Equal(t, []wire.TurnAckStage{wire.StageReceived, wire.StageScheduled}, stages)
}

func TestAbortDroppedWhenAlreadyStopped(t *testing.T) {
	status := wire.StatusStopped
	var aborted bool
	sched, acks := newSchedulerForTest(&status, Handlers{Abort: func() { aborted = true }})

	sched.Abort("r1")

	assert.False(t, aborted)
	got := acks()
	require.Len(t, got, 1)
	assert.Equal(t, wire.StageDropped, got[0].Stage)
}

func TestDropAllPendingMarksSessionTerminal(t *testing.T) {
	status := wire.StatusBusy
	sched, acks := newSchedulerForTest(&status, Handlers{})

	sched.FollowUp("t1", "r1", "queued")
	sched.DropAllPending()

	got := acks()
	require.Len(t, got, 2)
	assert.Equal(t, wire.StageDropped, got[1].Stage)
	assert.Equal(t, string(DropSessionTerminal), got[1].Reason)
}

func stagesOf(acks []wire.TurnAckData) []wire.TurnAckStage {
	out := make([]wire.TurnAckStage, len(acks))
	for i, a := range acks {
		out[i] = a.Stage
	}
	return out
}
