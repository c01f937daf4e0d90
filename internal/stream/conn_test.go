package stream

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/stretchr/testify/require"

	"github.com/oppi-dev/oppi/internal/engine"
	"github.com/oppi-dev/oppi/internal/fanout"
	"github.com/oppi-dev/oppi/internal/policy"
	"github.com/oppi-dev/oppi/internal/supervisor"
	"github.com/oppi-dev/oppi/internal/wire"
)

func startTestServer(t *testing.T, cfg Config) (*httptest.Server, *supervisor.Registry) {
	t.Helper()
	reg := supervisor.NewRegistry()
	srv := New(reg, AllowAll, cfg)
	ts := httptest.NewServer(srv.Router())
	t.Cleanup(ts.Close)
	return ts, reg
}

func newLiveSession(t *testing.T, reg *supervisor.Registry, sessionID string) *supervisor.Supervisor {
	t.Helper()
	fan := fanout.New(0, 0)
	pol := policy.NewEngine(policy.NewStore(nil))
	sup := supervisor.New(sessionID, "w1", "stub-model", fan, pol, engine.NewStub(), reg, supervisor.Config{})
	require.NoError(t, sup.Start(context.Background()))
	return sup
}

func wsURL(ts *httptest.Server) string {
	return "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
}

func dial(t *testing.T, ts *httptest.Server) *websocket.Conn {
	t.Helper()
	ws, _, err := websocket.Dial(context.Background(), wsURL(ts), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = ws.Close(websocket.StatusNormalClosure, "") })
	return ws
}

func send(t *testing.T, ws *websocket.Conn, v any) {
	t.Helper()
	data, err := json.Marshal(v)
	require.NoError(t, err)
	require.NoError(t, ws.Write(context.Background(), websocket.MessageText, data))
}

type wireFrame struct {
	Type      string `json:"type"`
	RequestID string `json:"requestId"`
	Success   bool   `json:"success"`
	Reason    string `json:"reason"`
	SessionID string `json:"sessionId"`
	Seq       uint64 `json:"seq"`
}

func readFrame(t *testing.T, ws *websocket.Conn, timeout time.Duration) wireFrame {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	_, data, err := ws.Read(ctx)
	require.NoError(t, err)
	var f wireFrame
	require.NoError(t, json.Unmarshal(data, &f))
	return f
}

func TestSubscribeToUnknownSessionFailsCommandResult(t *testing.T) {
	ts, _ := startTestServer(t, Config{})
	ws := dial(t, ts)

	send(t, ws, map[string]any{"type": "subscribe", "sessionId": "missing", "level": "full", "requestId": "r1"})

	f := readFrame(t, ws, time.Second)
	require.Equal(t, "command_result", f.Type)
	require.Equal(t, "r1", f.RequestID)
	require.False(t, f.Success)
	require.Equal(t, "session_not_found", f.Reason)
}

func TestSubscribeThenPromptStreamsSessionEvents(t *testing.T) {
	ts, reg := startTestServer(t, Config{})
	newLiveSession(t, reg, "s1")
	ws := dial(t, ts)

	send(t, ws, map[string]any{"type": "subscribe", "sessionId": "s1", "level": "full", "requestId": "r1"})
	ack := readFrame(t, ws, time.Second)
	require.Equal(t, "command_result", ack.Type)
	require.True(t, ack.Success)

	// the initial ring backlog replay delivers the starting->ready state
	// transition before we have even sent a prompt.
	state := readFrame(t, ws, time.Second)
	require.Equal(t, string(wire.EventState), state.Type)
	require.Equal(t, "s1", state.SessionID)

	send(t, ws, map[string]any{"type": "prompt", "sessionId": "s1", "clientTurnId": "t1", "requestId": "r2", "message": "hi"})
	promptAck := readFrame(t, ws, time.Second)
	require.Equal(t, "command_result", promptAck.Type)
	require.True(t, promptAck.Success)

	sawAgentEnd := false
	deadline := time.After(2 * time.Second)
	for !sawAgentEnd {
		select {
		case <-deadline:
			t.Fatal("timed out waiting for agent_end")
		default:
		}
		f := readFrame(t, ws, 2*time.Second)
		if f.Type == string(wire.EventAgentEnd) {
			sawAgentEnd = true
		}
	}
}

func TestIncompatibleProtocolVersionIsRejectedAndDisconnected(t *testing.T) {
	ts, _ := startTestServer(t, Config{})
	ws := dial(t, ts)

	send(t, ws, map[string]any{"type": "hello", "protocolVersion": "9.9.9", "requestId": "r0"})

	f := readFrame(t, ws, time.Second)
	require.Equal(t, "command_result", f.Type)
	require.Equal(t, "r0", f.RequestID)
	require.False(t, f.Success)
	require.Equal(t, "unsupported_protocol", f.Reason)

	require.Eventually(t, func() bool {
		ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
		defer cancel()
		_, _, err := ws.Read(ctx)
		return err != nil
	}, time.Second, 20*time.Millisecond)
}

func TestCompatibleProtocolVersionIsAccepted(t *testing.T) {
	ts, reg := startTestServer(t, Config{})
	newLiveSession(t, reg, "s3")
	ws := dial(t, ts)

	send(t, ws, map[string]any{"type": "hello", "protocolVersion": "1.0.0", "requestId": "r0"})
	send(t, ws, map[string]any{"type": "subscribe", "sessionId": "s3", "level": "full", "requestId": "r1"})

	ack := readFrame(t, ws, time.Second)
	require.Equal(t, "command_result", ack.Type)
	require.Equal(t, "r1", ack.RequestID)
	require.True(t, ack.Success)
}

func TestOutboundOverflowDisconnectsClient(t *testing.T) {
	ts, reg := startTestServer(t, Config{OutboundBuffer: 1})
	fan := fanout.New(0, 0)
	pol := policy.NewEngine(policy.NewStore(nil))
	sup := supervisor.New("s2", "w1", "m", fan, pol, engine.NewStub(), reg, supervisor.Config{})
	require.NoError(t, sup.Start(context.Background()))

	ws := dial(t, ts)
	send(t, ws, map[string]any{"type": "subscribe", "sessionId": "s2", "level": "full", "requestId": "r1"})

	// flood far beyond the 1-slot outbound buffer without ever reading;
	// the server must disconnect rather than buffer unboundedly.
	for i := 0; i < 50; i++ {
		fan.Publish("s2", wire.EventTextDelta, wire.TextDeltaData{TurnID: "t", Delta: "x"})
	}

	require.Eventually(t, func() bool {
		ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
		defer cancel()
		_, _, err := ws.Read(ctx)
		return err != nil
	}, 2*time.Second, 20*time.Millisecond)
}
