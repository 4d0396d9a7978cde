// Package server accepts websocket connections and hands each one to a
// session handler as a decoded frame transport. The wire protocol is JSON
// text messages: inbound realtime media chunks and text inputs, outbound
// interrupt, base64 audio, and audio-complete events.
package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/coder/websocket"

	"github.com/voxpipe/voxpipe/internal/session"
)

// Inbound wire messages carry base64 media; a single camera frame can reach
// a few megabytes.
const readLimit = 8 << 20

// SessionHandler runs one session over an accepted connection and returns
// when the session ends. A nil error closes the connection normally.
type SessionHandler func(ctx context.Context, t session.Transport, id string) error

// Option is a functional option for configuring a Server.
type Option func(*Server)

// WithOriginPatterns sets the allowed websocket origins. Without it, only
// same-origin requests are accepted.
func WithOriginPatterns(patterns []string) Option {
	return func(s *Server) { s.originPatterns = patterns }
}

// WithServerLogger sets the logger. Defaults to slog.Default().
func WithServerLogger(log *slog.Logger) Option {
	return func(s *Server) { s.log = log }
}

// Server is the websocket endpoint. Each accepted connection gets a fresh
// session ID and runs its handler to completion on the request goroutine.
type Server struct {
	handle  SessionHandler
	manager *session.Manager

	originPatterns []string
	log            *slog.Logger
}

// New creates a Server dispatching accepted connections to handle.
func New(handle SessionHandler, manager *session.Manager, opts ...Option) (*Server, error) {
	if handle == nil {
		return nil, errors.New("server: session handler must not be nil")
	}
	if manager == nil {
		manager = session.NewManager()
	}
	s := &Server{
		handle:  handle,
		manager: manager,
		log:     slog.Default(),
	}
	for _, o := range opts {
		o(s)
	}
	return s, nil
}

// ServeHTTP upgrades the request and runs the session until it ends.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: s.originPatterns,
	})
	if err != nil {
		s.log.Warn("websocket accept failed", "remote", r.RemoteAddr, "error", err)
		return
	}
	conn.SetReadLimit(readLimit)

	id := s.manager.NewID()
	s.log.Info("connection accepted", "session", id, "remote", r.RemoteAddr)

	if err := s.handle(r.Context(), NewTransport(conn), id); err != nil {
		s.log.Warn("session handler failed", "session", id, "error", err)
		conn.Close(websocket.StatusInternalError, "session error")
		return
	}
	conn.Close(websocket.StatusNormalClosure, "")
}
