// Package gate implements the Permission Gate (spec §4.2): it intercepts
// every tool call an agent engine wants to make, consults the Policy Engine,
// and — for an "ask" verdict — suspends the caller on a single-use
// completion signal until the client responds or a timeout/fail-closed
// rule resolves it. Grounded on the teacher's internal/permission.Checker
// (Ask/Respond/pending map), restructured around an explicit PermissionRequest
// record so the gate can report pending state and emit fan-out events
// rather than only resolving a channel.
package gate

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/oppi-dev/oppi/internal/fanout"
	"github.com/oppi-dev/oppi/internal/logging"
	"github.com/oppi-dev/oppi/internal/policy"
	"github.com/oppi-dev/oppi/internal/wire"
)

// State is a PermissionRequest's lifecycle state, per spec §3.
type State string

const (
	StatePending  State = "pending"
	StateResolved State = "resolved"
	StateExpired  State = "expired"
)

// Request mirrors spec §3's PermissionRequest.
type Request struct {
	ID             string
	SessionID      string
	Tool           string
	Input          any
	ToolCallID     string
	Risk           policy.Risk
	DisplaySummary string
	CreatedAt      time.Time
	State          State

	// Resolution, populated once State != pending.
	Action policy.Action
	Reason string
	Scope  policy.Scope
}

// Result is what Intercept returns to the agent engine.
type Result struct {
	Block  bool
	Reason string
}

// Config tunes the gate's timers. Zero values fall back to spec defaults.
type Config struct {
	// AskTimeout is the hard timeout on a pending ask before auto-deny
	// with reason "timeout" (spec §5, default 10 min).
	AskTimeout time.Duration
	// NoClientGrace is how long a pending ask survives after the
	// session's subscriber count drops to zero before fail-closed
	// auto-deny with reason "no_client" (spec §4.2 step 5).
	NoClientGrace time.Duration
}

func (c Config) withDefaults() Config {
	if c.AskTimeout <= 0 {
		c.AskTimeout = 10 * time.Minute
	}
	if c.NoClientGrace <= 0 {
		c.NoClientGrace = 30 * time.Second
	}
	return c
}

// SubscriberCounter reports how many live subscribers a session currently
// has; the gate uses it to detect the zero-subscriber fail-closed
// condition without importing the full fanout.Fanout surface.
type SubscriberCounter interface {
	SubscriberCount(sessionID string) int
}

// Gate arbitrates tool-call permission for one session. One Gate instance
// is owned by exactly one Session Supervisor; SessionID fields on Request
// are carried for event publication, not for routing across Gates.
type Gate struct {
	mu       sync.Mutex
	pending  map[string]*pendingEntry // requestID -> entry
	byCallID map[string]string        // toolCallID -> requestID, enforces "at most one pending per toolCallId"

	policy   *policy.Engine
	fan      *fanout.Fanout
	subs     SubscriberCounter
	cfg      Config
	noClient *noClientWatcher
}

// pendingEntry supports multiple concurrent awaiters for the same
// toolCallId (spec §4.2's "at most one pending request per toolCallId"
// means one PermissionRequest, not one waiter): done is closed exactly
// once by resolve, and result is safe to read by any goroutine after it
// observes done closed, since the close happens-after the write under Go's
// memory model.
type pendingEntry struct {
	req    *Request
	done   chan struct{}
	result Resolution
	once   sync.Once
	timer  *time.Timer
}

// Resolution is what Respond delivers to a blocked Intercept call.
type Resolution struct {
	Action policy.Action
	Reason string
	Scope  policy.Scope
}

// New builds a Gate for one session, wired to the shared Policy Engine and
// the session's Fanout for permission_request/permission_resolved events.
func New(sessionID string, pol *policy.Engine, fan *fanout.Fanout, subs SubscriberCounter, cfg Config) *Gate {
	g := &Gate{
		pending:  make(map[string]*pendingEntry),
		byCallID: make(map[string]string),
		policy:   pol,
		fan:      fan,
		subs:     subs,
		cfg:      cfg.withDefaults(),
	}
	g.noClient = newNoClientWatcher(sessionID, g, subs, g.cfg.NoClientGrace)
	return g
}

// Intercept implements spec §4.2's contract, awaited by the agent engine
// before executing any tool call.
func (g *Gate) Intercept(ctx context.Context, sessionID, workspaceID, toolCallID, tool string, input any) Result {
	decision := g.policy.Evaluate(policy.Call{SessionID: sessionID, WorkspaceID: workspaceID, Tool: tool, Input: input})

	switch decision.Action {
	case policy.ActionDeny:
		return Result{Block: true, Reason: decision.Reason}
	case policy.ActionAllow:
		return Result{Block: false}
	}

	return g.ask(ctx, sessionID, workspaceID, toolCallID, tool, input, decision.Risk)
}

func (g *Gate) ask(ctx context.Context, sessionID, workspaceID, toolCallID, tool string, input any, risk policy.Risk) Result {
	g.mu.Lock()
	if existingID, ok := g.byCallID[toolCallID]; ok {
		entry := g.pending[existingID]
		g.mu.Unlock()
		if entry != nil {
			return g.await(ctx, sessionID, workspaceID, tool, input, entry)
		}
	} else {
		g.mu.Unlock()
	}

	req := &Request{
		ID:             ulid.Make().String(),
		SessionID:      sessionID,
		Tool:           tool,
		Input:          input,
		ToolCallID:     toolCallID,
		Risk:           risk,
		DisplaySummary: displaySummary(tool, input),
		CreatedAt:      time.Now(),
		State:          StatePending,
	}

	entry := &pendingEntry{req: req, done: make(chan struct{})}
	entry.timer = time.AfterFunc(g.cfg.AskTimeout, func() {
		g.resolve(req.ID, Resolution{Action: policy.ActionDeny, Reason: "timeout"})
	})

	g.mu.Lock()
	g.pending[req.ID] = entry
	g.byCallID[toolCallID] = req.ID
	g.mu.Unlock()

	g.fan.Publish(sessionID, wire.EventPermissionRequest, wire.PermissionRequestData{
		ID:             req.ID,
		Tool:           req.Tool,
		Input:          req.Input,
		ToolCallID:     req.ToolCallID,
		Risk:           wire.Risk(req.Risk),
		DisplaySummary: req.DisplaySummary,
		CreatedAt:      req.CreatedAt.Unix(),
	})

	g.noClient.arm(sessionID)

	toolCallLog := logging.ToolCallLogger(sessionID, toolCallID)
	toolCallLog.Debug().
		Str("permissionID", req.ID).
		Str("tool", tool).
		Str("risk", string(risk)).
		Msg("gate: asking permission")

	return g.await(ctx, sessionID, workspaceID, tool, input, entry)
}

func (g *Gate) await(ctx context.Context, sessionID, workspaceID, tool string, input any, entry *pendingEntry) Result {
	select {
	case <-ctx.Done():
		g.resolve(entry.req.ID, Resolution{Action: policy.ActionDeny, Reason: "session_stopped"})
		return Result{Block: true, Reason: "session_stopped"}
	case <-entry.done:
		res := entry.result
		if res.Scope != "" && res.Scope != policy.ScopeOnce {
			g.policy.Learn(policy.Call{SessionID: sessionID, WorkspaceID: workspaceID, Tool: tool, Input: input}, res.Action, res.Scope, entry.req.Risk)
		}
		if res.Action == policy.ActionAllow {
			return Result{Block: false}
		}
		return Result{Block: true, Reason: res.Reason}
	}
}

// Respond implements the client-facing half of spec §4.2 step 4:
// permission_respond(id, action, scope). Idempotent: a duplicate respond
// on an already-resolved id is a no-op that does not re-publish
// permission_resolved. Respond returns nothing, so the caller is not told
// the earlier decision.
func (g *Gate) Respond(requestID string, action policy.Action, scope policy.Scope) {
	g.resolve(requestID, Resolution{Action: action, Reason: respondReason(action), Scope: scope})
}

func respondReason(action policy.Action) string {
	if action == policy.ActionAllow {
		return ""
	}
	return "denied by user"
}

// resolve delivers res to the pending entry for requestID exactly once,
// publishes permission_resolved, and updates Request bookkeeping. A
// resolve call for an unknown or already-resolved id is silently ignored,
// satisfying "every request reaches exactly one terminal state... neither
// leaks" and "resolution is idempotent."
func (g *Gate) resolve(requestID string, res Resolution) {
	g.mu.Lock()
	entry, ok := g.pending[requestID]
	if !ok {
		g.mu.Unlock()
		return
	}
	delete(g.pending, requestID)
	delete(g.byCallID, entry.req.ToolCallID)
	g.mu.Unlock()

	resolved := false
	entry.once.Do(func() {
		resolved = true
		if entry.timer != nil {
			entry.timer.Stop()
		}
		entry.req.State = StateResolved
		entry.req.Action = res.Action
		entry.req.Reason = res.Reason
		entry.req.Scope = res.Scope
		entry.result = res
		close(entry.done)
	})
	if !resolved {
		return
	}

	g.fan.Publish(entry.req.SessionID, wire.EventPermissionResolved, wire.PermissionResolvedData{
		ID:     requestID,
		Action: string(res.Action),
		Reason: res.Reason,
		Scope:  string(res.Scope),
	})

	permissionLog := logging.PermissionLogger(entry.req.SessionID, requestID)
	permissionLog.Debug().
		Str("action", string(res.Action)).
		Str("reason", res.Reason).
		Msg("gate: permission resolved")
}

// StopSession resolves every pending request for this gate as deny with
// reason "session_stopped", per spec §4.2's cancellation rule.
func (g *Gate) StopSession() {
	g.mu.Lock()
	ids := make([]string, 0, len(g.pending))
	for id := range g.pending {
		ids = append(ids, id)
	}
	g.mu.Unlock()

	for _, id := range ids {
		g.resolve(id, Resolution{Action: policy.ActionDeny, Reason: "session_stopped"})
	}
	g.noClient.stop()
}

// PendingCount reports the number of unresolved requests; used by the
// noClientWatcher to skip its check when nothing is pending.
func (g *Gate) PendingCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.pending)
}

// Pending returns a snapshot of every currently pending request, in no
// particular order. Used by tests.
func (g *Gate) Pending() []Request {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]Request, 0, len(g.pending))
	for _, e := range g.pending {
		out = append(out, *e.req)
	}
	return out
}

// denyAllPendingNoClient resolves every currently pending request as deny
// with reason "no_client", invoked by noClientWatcher once the grace
// window has elapsed with zero subscribers.
func (g *Gate) denyAllPendingNoClient() {
	g.mu.Lock()
	ids := make([]string, 0, len(g.pending))
	for id := range g.pending {
		ids = append(ids, id)
	}
	g.mu.Unlock()

	for _, id := range ids {
		g.resolve(id, Resolution{Action: policy.ActionDeny, Reason: "no_client"})
	}
}

// Close stops the gate's background watcher; call when the owning
// Supervisor is torn down to avoid leaking the poll goroutine.
func (g *Gate) Close() {
	g.noClient.stop()
}

func displaySummary(tool string, input any) string {
	m, _ := input.(map[string]any)
	if cmd, ok := m["command"].(string); ok {
		return fmt.Sprintf("%s: %s", tool, cmd)
	}
	if path, ok := m["path"].(string); ok {
		return fmt.Sprintf("%s: %s", tool, path)
	}
	return tool
}
