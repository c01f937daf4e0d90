// Package stream implements the Stream Multiplexer (spec §4.6): one
// goroutine-pair per authenticated client connection, demuxing inbound
// ClientMessages to the addressed Session Supervisor and serializing
// outbound SessionEvents back onto the wire. Grounded on the teacher's
// internal/server.Server for the chi router/middleware/CORS shape, with the
// teacher's SSE transport replaced by a bidirectional coder/websocket
// connection since the wire protocol (internal/wire) is itself
// bidirectional.
package stream

import (
	"context"
	"net/http"
	"time"

	"github.com/Masterminds/semver/v3"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"golang.org/x/time/rate"

	"github.com/oppi-dev/oppi/internal/supervisor"
)

// CurrentProtocolVersion is the version this build's wire protocol speaks,
// checked against a connecting client's hello.protocolVersion.
const CurrentProtocolVersion = "1.0.0"

// AuthFunc authenticates an incoming connection before it is upgraded to a
// websocket. A real deployment checks a bearer token or session cookie;
// tests and local demos can supply a func that always allows.
type AuthFunc func(r *http.Request) (clientID string, ok bool)

// AllowAll is an AuthFunc that accepts every connection, identifying each
// by its remote address. Suitable for local/offline use only.
func AllowAll(r *http.Request) (string, bool) {
	return r.RemoteAddr, true
}

// Config tunes one Server. Zero values fall back to spec-reasonable
// defaults.
type Config struct {
	EnableCORS bool

	// ReadLimit caps one inbound frame's size, in bytes.
	ReadLimit int64
	// OutboundBuffer is the per-connection outbound queue depth. Per spec
	// §4.6, exceeding it disconnects the client rather than silently
	// dropping — a full queue means the client isn't draining, which is a
	// client-side bug the server must not paper over.
	OutboundBuffer int

	// InboundRate and InboundBurst bound how fast one connection may send
	// ClientMessages, via a token bucket.
	InboundRate  rate.Limit
	InboundBurst int

	// PingInterval, PingTimeout, and MaxMissedPings implement the periodic
	// liveness check; exceeding MaxMissedPings tears the connection's
	// subscriptions down without touching any supervisor.
	PingInterval   time.Duration
	PingTimeout    time.Duration
	MaxMissedPings int

	// ProtocolConstraint is the semver range a client's hello.protocolVersion
	// must satisfy. A client that sends an incompatible version is sent one
	// failing command_result and disconnected. Clients that never send hello
	// are left unchecked — hello is additive, the base wire protocol is
	// silent on versioning.
	ProtocolConstraint string
}

func (c Config) withDefaults() Config {
	if c.ReadLimit <= 0 {
		c.ReadLimit = 1 << 20 // 1MiB
	}
	if c.OutboundBuffer <= 0 {
		c.OutboundBuffer = 256
	}
	if c.InboundRate <= 0 {
		c.InboundRate = 50
	}
	if c.InboundBurst <= 0 {
		c.InboundBurst = 20
	}
	if c.PingInterval <= 0 {
		c.PingInterval = 30 * time.Second
	}
	if c.PingTimeout <= 0 {
		c.PingTimeout = 10 * time.Second
	}
	if c.MaxMissedPings <= 0 {
		c.MaxMissedPings = 2
	}
	if c.ProtocolConstraint == "" {
		c.ProtocolConstraint = ">= 1.0.0, < 2.0.0"
	}
	return c
}

// protocolConstraint parses cfg.ProtocolConstraint once at Server
// construction; an invalid constraint is a deployment misconfiguration, not
// a per-connection concern, so it panics rather than failing every upgrade.
func (c Config) protocolConstraint() *semver.Constraints {
	cs, err := semver.NewConstraint(c.ProtocolConstraint)
	if err != nil {
		panic("stream: invalid ProtocolConstraint: " + err.Error())
	}
	return cs
}

// Server is the HTTP server hosting the websocket endpoint.
type Server struct {
	router     *chi.Mux
	httpSrv    *http.Server
	registry   *supervisor.Registry
	auth       AuthFunc
	cfg        Config
	protocolOK *semver.Constraints
}

// New builds a Server wired to registry for session lookup. auth gates the
// websocket upgrade; pass AllowAll for local/offline use.
func New(registry *supervisor.Registry, auth AuthFunc, cfg Config) *Server {
	cfg = cfg.withDefaults()
	s := &Server{
		router:     chi.NewRouter(),
		registry:   registry,
		auth:       auth,
		cfg:        cfg,
		protocolOK: cfg.protocolConstraint(),
	}
	s.setupMiddleware()
	s.router.Get("/ws", s.handleWS)
	return s
}

func (s *Server) setupMiddleware() {
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.Logger)
	s.router.Use(middleware.Recoverer)
	s.router.Use(middleware.RealIP)

	if s.cfg.EnableCORS {
		s.router.Use(cors.Handler(cors.Options{
			AllowedOrigins:   []string{"*"},
			AllowedMethods:   []string{"GET"},
			AllowedHeaders:   []string{"Authorization"},
			AllowCredentials: true,
			MaxAge:           300,
		}))
	}
}

// Router exposes the chi router for tests.
func (s *Server) Router() *chi.Mux {
	return s.router
}

// Start listens and blocks on addr until Shutdown is called.
func (s *Server) Start(addr string) error {
	s.httpSrv = &http.Server{Addr: addr, Handler: s.router}
	return s.httpSrv.ListenAndServe()
}

// Shutdown gracefully stops the HTTP server; in-flight connections are
// given ctx's deadline to drain.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpSrv == nil {
		return nil
	}
	return s.httpSrv.Shutdown(ctx)
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	clientID, ok := s.auth(r)
	if !ok {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	ws, err := acceptWebsocket(w, r)
	if err != nil {
		return
	}
	ws.SetReadLimit(s.cfg.ReadLimit)

	c := newConnection(ws, clientID, s.registry, s.cfg, s.protocolOK)
	c.run(r.Context())
}
