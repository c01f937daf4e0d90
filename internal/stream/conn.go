package stream

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/Masterminds/semver/v3"
	"github.com/coder/websocket"
	"golang.org/x/time/rate"

	"github.com/oppi-dev/oppi/internal/fanout"
	"github.com/oppi-dev/oppi/internal/logging"
	"github.com/oppi-dev/oppi/internal/policy"
	"github.com/oppi-dev/oppi/internal/supervisor"
	"github.com/oppi-dev/oppi/internal/wire"
)

func acceptWebsocket(w http.ResponseWriter, r *http.Request) (*websocket.Conn, error) {
	return websocket.Accept(w, r, nil)
}

// connection is one client's Stream Multiplexer session: one readPump, one
// writePump, and the demux/route logic spec §4.6 describes. It is created
// fresh per websocket upgrade and never reused.
type connection struct {
	ws       *websocket.Conn
	clientID string
	registry *supervisor.Registry
	cfg      Config

	limiter    *rate.Limiter
	protocolOK *semver.Constraints
	gotHello   bool

	out     chan wire.ServerMessage
	closeMu sync.Once
	closed  chan struct{}

	subMu sync.Mutex
	subs  map[string]*fanout.Handle // sessionId -> handle, this connection's own subscriptions
}

func newConnection(ws *websocket.Conn, clientID string, registry *supervisor.Registry, cfg Config, protocolOK *semver.Constraints) *connection {
	return &connection{
		ws:         ws,
		clientID:   clientID,
		registry:   registry,
		cfg:        cfg,
		limiter:    rate.NewLimiter(cfg.InboundRate, cfg.InboundBurst),
		protocolOK: protocolOK,
		out:        make(chan wire.ServerMessage, cfg.OutboundBuffer),
		closed:     make(chan struct{}),
		subs:       make(map[string]*fanout.Handle),
	}
}

// run drives the connection until the client disconnects, an outbound
// overflow forces disconnection, or the liveness check exceeds
// MaxMissedPings. It always tears down every subscription this connection
// held, never touching the underlying supervisors.
func (c *connection) run(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	defer c.teardown()

	var wg sync.WaitGroup
	wg.Add(2)
	go func() { defer wg.Done(); c.writePump(ctx) }()
	go func() { defer wg.Done(); c.readPump(ctx, cancel) }()
	go c.pingLoop(ctx, cancel)

	wg.Wait()
}

func (c *connection) teardown() {
	c.closeMu.Do(func() { close(c.closed) })

	c.subMu.Lock()
	subs := c.subs
	c.subs = make(map[string]*fanout.Handle)
	c.subMu.Unlock()

	for sessionID, h := range subs {
		if sup, err := c.registry.Get(sessionID); err == nil {
			sup.Unsubscribe(h)
		}
	}

	_ = c.ws.Close(websocket.StatusNormalClosure, "")
}

func (c *connection) readPump(ctx context.Context, cancel context.CancelFunc) {
	defer cancel()
	for {
		_, data, err := c.ws.Read(ctx)
		if err != nil {
			return
		}

		var msg wire.ClientMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			logging.Logger.Warn().Err(err).Str("client", c.clientID).Msg("stream: malformed client message")
			continue
		}

		if !c.limiter.Allow() {
			c.rejectIfAckable(msg, "rate_limited")
			continue
		}

		c.dispatch(msg)
	}
}

func (c *connection) writePump(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-c.out:
			data, err := json.Marshal(msg)
			if err != nil {
				continue
			}
			writeCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			err = c.ws.Write(writeCtx, websocket.MessageText, data)
			cancel()
			if err != nil {
				return
			}
		}
	}
}

func (c *connection) pingLoop(ctx context.Context, cancel context.CancelFunc) {
	ticker := time.NewTicker(c.cfg.PingInterval)
	defer ticker.Stop()

	missed := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pingCtx, pcancel := context.WithTimeout(ctx, c.cfg.PingTimeout)
			err := c.ws.Ping(pingCtx)
			pcancel()
			if err != nil {
				missed++
				if missed >= c.cfg.MaxMissedPings {
					cancel()
					return
				}
				continue
			}
			missed = 0
		}
	}
}

// enqueue delivers msg to this connection's outbound queue without
// blocking. A full queue means the client is not draining fast enough;
// per spec §4.6 that disconnects the client rather than silently dropping.
func (c *connection) enqueue(msg wire.ServerMessage) bool {
	select {
	case <-c.closed:
		return false
	case c.out <- msg:
		return true
	default:
		return false
	}
}

func (c *connection) disconnect() {
	select {
	case <-c.closed:
	default:
		_ = c.ws.Close(websocket.StatusPolicyViolation, "outbound queue overflow")
	}
}

func (c *connection) dispatch(msg wire.ClientMessage) {
	switch {
	case msg.Hello != nil:
		c.handleHello(msg.Hello)

	case msg.Subscribe != nil:
		c.handleSubscribe(msg.Subscribe)

	case msg.Unsubscribe != nil:
		c.handleUnsubscribe(msg.Unsubscribe)

	case msg.Prompt != nil:
		c.withSupervisor(msg.Prompt.SessionID, msg.Prompt.RequestID, func(sup *supervisor.Supervisor) {
			c.ack(msg.Prompt.RequestID, true, "")
			sup.Prompt(msg.Prompt.ClientTurnID, msg.Prompt.RequestID, msg.Prompt.Message, msg.Prompt.Attachments)
		})

	case msg.Steer != nil:
		c.withSupervisor(msg.Steer.SessionID, msg.Steer.RequestID, func(sup *supervisor.Supervisor) {
			c.ack(msg.Steer.RequestID, true, "")
			sup.Steer(msg.Steer.ClientTurnID, msg.Steer.RequestID, msg.Steer.Message)
		})

	case msg.FollowUp != nil:
		c.withSupervisor(msg.FollowUp.SessionID, msg.FollowUp.RequestID, func(sup *supervisor.Supervisor) {
			c.ack(msg.FollowUp.RequestID, true, "")
			sup.FollowUp(msg.FollowUp.ClientTurnID, msg.FollowUp.RequestID, msg.FollowUp.Message)
		})

	case msg.Abort != nil:
		c.withSupervisor(msg.Abort.SessionID, msg.Abort.RequestID, func(sup *supervisor.Supervisor) {
			c.ack(msg.Abort.RequestID, true, "")
			sup.Abort(msg.Abort.RequestID)
		})

	case msg.PermissionRespond != nil:
		c.handlePermissionRespond(msg.PermissionRespond)

	case msg.ExtensionUIResp != nil:
		// No extension host is wired up; the message is neither
		// acknowledged nor routed anywhere.

	default:
		if reqID, ok := msg.RequestID(); ok {
			c.ack(reqID, false, "unknown_message_type")
		}
		logging.Logger.Warn().Str("client", c.clientID).Str("rawType", string(msg.Type)).Msg("stream: unrecognized client message type")
	}
}

// handleHello validates a client's protocolVersion, if it sends one, before
// doing anything else. An incompatible version fails the hello and
// disconnects; hello itself is optional, so a connection that never sends
// one is never checked.
func (c *connection) handleHello(p *wire.HelloPayload) {
	c.gotHello = true
	if p.ProtocolVersion == "" {
		return
	}

	v, err := semver.NewVersion(p.ProtocolVersion)
	if err != nil || !c.protocolOK.Check(v) {
		logging.Logger.Warn().Str("client", c.clientID).Str("protocolVersion", p.ProtocolVersion).Msg("stream: incompatible protocol version")
		reqID := p.RequestID
		if reqID == "" {
			reqID = wire.NewRequestID()
		}
		writeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if data, merr := json.Marshal(wire.NewResultMessage(reqID, false, "unsupported_protocol")); merr == nil {
			_ = c.ws.Write(writeCtx, websocket.MessageText, data)
		}
		cancel()
		_ = c.ws.Close(websocket.StatusPolicyViolation, "unsupported_protocol")
		c.closeMu.Do(func() { close(c.closed) })
	}
}

func (c *connection) handleSubscribe(p *wire.SubscribePayload) {
	sup, err := c.registry.Get(p.SessionID)
	if err != nil {
		c.ack(p.RequestID, false, "session_not_found")
		return
	}

	var sinceSeq uint64
	if p.SinceSeq != nil {
		sinceSeq = *p.SinceSeq
	}

	c.ack(p.RequestID, true, "")

	handle := sup.Subscribe(sinceSeq, p.Level, c.deliver, c.disconnect)

	c.subMu.Lock()
	if old, ok := c.subs[p.SessionID]; ok {
		sup.Unsubscribe(old)
	}
	c.subs[p.SessionID] = handle
	c.subMu.Unlock()
}

func (c *connection) handleUnsubscribe(p *wire.UnsubscribePayload) {
	c.subMu.Lock()
	handle, ok := c.subs[p.SessionID]
	if ok {
		delete(c.subs, p.SessionID)
	}
	c.subMu.Unlock()

	if ok {
		if sup, err := c.registry.Get(p.SessionID); err == nil {
			sup.Unsubscribe(handle)
		}
	}
	c.ack(p.RequestID, true, "")
}

func (c *connection) handlePermissionRespond(p *wire.PermissionRespondPayload) {
	sups := c.subscribedSupervisors()
	if len(sups) == 0 {
		c.ack(p.RequestID, false, "no_subscription")
		return
	}
	for _, sup := range sups {
		sup.RespondPermission(p.PermissionID, policy.Action(p.Action), policy.Scope(p.Scope))
	}
	c.ack(p.RequestID, true, "")
}

// subscribedSupervisors resolves every supervisor this connection currently
// subscribes to. A permission_respond carries only a permissionId, no
// sessionId (spec §6), so for a multi-session connection we cannot tell
// which subscription it belongs to without trying them all: RespondPermission
// resolves the owning gate's pending request and is a no-op everywhere else,
// so calling it on every subscribed supervisor is safe and resolves the
// right one regardless of which session the id actually belongs to.
func (c *connection) subscribedSupervisors() []*supervisor.Supervisor {
	c.subMu.Lock()
	sessionIDs := make([]string, 0, len(c.subs))
	for id := range c.subs {
		sessionIDs = append(sessionIDs, id)
	}
	c.subMu.Unlock()

	sups := make([]*supervisor.Supervisor, 0, len(sessionIDs))
	for _, id := range sessionIDs {
		if sup, err := c.registry.Get(id); err == nil {
			sups = append(sups, sup)
		}
	}
	return sups
}

func (c *connection) withSupervisor(sessionID, requestID string, fn func(sup *supervisor.Supervisor)) {
	sup, err := c.registry.Get(sessionID)
	if err != nil {
		c.ack(requestID, false, "session_not_found")
		return
	}
	fn(sup)
}

func (c *connection) rejectIfAckable(msg wire.ClientMessage, reason string) {
	if reqID, ok := msg.RequestID(); ok {
		c.ack(reqID, false, reason)
	}
}

func (c *connection) ack(requestID string, success bool, reason string) {
	if requestID == "" {
		return
	}
	if !c.enqueue(wire.NewResultMessage(requestID, success, reason)) {
		c.disconnect()
	}
}

// deliver adapts fanout.DeliverFunc to this connection's outbound queue.
func (c *connection) deliver(e wire.SessionEvent) bool {
	return c.enqueue(wire.NewEventMessage(e))
}
