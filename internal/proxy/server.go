// Package proxy terminates client WebSocket connections, authenticates
// them, and relays JSON-RPC traffic to a backend with every client
// request evaluated by the policy engine first.
package proxy

import (
	"context"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/bastion-sec/bastion/internal/audit"
	"github.com/bastion-sec/bastion/internal/auth"
	"github.com/bastion-sec/bastion/internal/engine"
	"github.com/bastion-sec/bastion/internal/scanner"
)

const (
	defaultAuthTimeout = 5 * time.Second
	defaultDialTimeout = 10 * time.Second
)

// Config wires a Server.
type Config struct {
	Engine        *engine.Engine
	Auth          auth.Authenticator
	Sink          audit.Sink
	BackendURL    string
	PolicyVersion int
	AuthTimeout   time.Duration
	DialTimeout   time.Duration
	MaxInFlight   int
	Metrics       *Metrics
	Logger        *zap.Logger
}

// Server serves the proxy endpoints.
type Server struct {
	cfg      Config
	upgrader websocket.Upgrader
}

func NewServer(cfg Config) *Server {
	if cfg.AuthTimeout <= 0 {
		cfg.AuthTimeout = defaultAuthTimeout
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = defaultDialTimeout
	}
	if cfg.Metrics == nil {
		cfg.Metrics = &Metrics{}
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return &Server{
		cfg: cfg,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
		},
	}
}

// Metrics exposes the server's counters.
func (s *Server) Metrics() *Metrics { return s.cfg.Metrics }

// Handler returns the HTTP mux: /ws for proxied connections, /healthz
// and /metrics for operators.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWS)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.Handle("/metrics", s.cfg.Metrics)
	return mux
}

// handleWS authenticates from the upgrade request's headers before any
// backend dial or upgrade. Unauthenticated clients get a plain 401 and
// never cost the backend a connection.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	c := newConn(s.cfg.Engine, s.cfg.MaxInFlight, s.cfg.Metrics, s.cfg.Logger)

	c.setState(StateAuthenticating)
	authCtx, cancel := context.WithTimeout(r.Context(), s.cfg.AuthTimeout)
	identity, err := s.cfg.Auth.Authenticate(authCtx, auth.CredentialsFromHeader(r.Header))
	cancel()
	if err != nil {
		s.cfg.Metrics.Denied()
		s.auditUnauthenticated(r)
		s.cfg.Logger.Info("rejected connection", zap.String("remote", r.RemoteAddr), zap.Error(err))
		http.Error(w, "unauthenticated", http.StatusUnauthorized)
		return
	}

	dialer := websocket.Dialer{HandshakeTimeout: s.cfg.DialTimeout}
	backend, _, err := dialer.DialContext(r.Context(), s.cfg.BackendURL, nil)
	if err != nil {
		s.cfg.Metrics.Errored()
		s.cfg.Logger.Error("backend dial failed", zap.String("backend", s.cfg.BackendURL), zap.Error(err))
		http.Error(w, "upstream unavailable", http.StatusBadGateway)
		return
	}

	client, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		_ = backend.Close()
		s.cfg.Logger.Error("upgrade failed", zap.Error(err))
		return
	}

	s.cfg.Logger.Info("connection active",
		zap.String("identity", identity),
		zap.String("remote", r.RemoteAddr))

	c.activate(client, backend, identity)
	c.run(r.Context())
}

func (s *Server) auditUnauthenticated(r *http.Request) {
	if s.cfg.Sink == nil {
		return
	}
	s.cfg.Sink.Write(&audit.Record{
		ID:            uuid.NewString(),
		TS:            time.Now().UTC(),
		Identity:      auth.AnonymousIdentity,
		Decision:      "deny",
		Reason:        engine.ReasonUnauthenticated.String(),
		Findings:      []scanner.Finding{},
		PolicyVersion: s.cfg.PolicyVersion,
	})
}
