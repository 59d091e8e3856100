// Package ws streams session events to clients over WebSocket.
//
// A client connects to /v1/sessions/{id}/events to follow one session, or
// to /v1/events to follow every session. Global events such as a panic
// reach every client. The stream is server to client only; anything the
// client sends is discarded.
package ws

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/jkaninda/labbox/internal/events"
)

// Subprotocol is offered to clients during the handshake.
const Subprotocol = "labbox-events-v1"

const (
	defaultHeartbeat = 30 * time.Second
	defaultBuffer    = 64
	writeTimeout     = 10 * time.Second
)

// Options configures the event stream.
type Options struct {
	Heartbeat time.Duration // Ping interval. Default 30s.
	Buffer    int           // Per-client event buffer; a slow client misses events beyond it. Default 64.
}

// Server upgrades connections and forwards bus events to them.
type Server struct {
	bus       *events.Bus
	heartbeat time.Duration
	buffer    int
	logger    *slog.Logger
}

// NewServer creates an event stream server over bus.
func NewServer(bus *events.Bus, opts Options, logger *slog.Logger) *Server {
	if opts.Heartbeat <= 0 {
		opts.Heartbeat = defaultHeartbeat
	}
	if opts.Buffer <= 0 {
		opts.Buffer = defaultBuffer
	}
	return &Server{
		bus:       bus,
		heartbeat: opts.Heartbeat,
		buffer:    opts.Buffer,
		logger:    logger,
	}
}

// Handler returns an http.Handler that upgrades connections to WebSocket.
func (s *Server) Handler() http.Handler {
	return http.HandlerFunc(s.handleUpgrade)
}

// SessionFromPath extracts the session id from .../sessions/{id}/events.
// It returns "" for any other path.
func SessionFromPath(path string) string {
	parts := strings.Split(strings.Trim(path, "/"), "/")
	n := len(parts)
	if n >= 3 && parts[n-1] == "events" && parts[n-3] == "sessions" {
		return parts[n-2]
	}
	return ""
}

func (s *Server) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	sessionID := SessionFromPath(r.URL.Path)

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		Subprotocols: []string{Subprotocol},
	})
	if err != nil {
		s.logger.Error("websocket accept failed", slog.String("error", err.Error()))
		return
	}

	s.handleConnection(r.Context(), conn, sessionID)
}

func (s *Server) handleConnection(ctx context.Context, conn *websocket.Conn, sessionID string) {
	defer conn.Close(websocket.StatusNormalClosure, "connection closed")

	stream, unsubscribe := s.bus.Subscribe(sessionID, s.buffer)
	defer unsubscribe()

	// CloseRead discards client messages and cancels ctx when the client goes away.
	ctx = conn.CloseRead(ctx)

	s.logger.Debug("event stream opened", slog.String("session_id", sessionID))

	ticker := time.NewTicker(s.heartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Debug("event stream closed", slog.String("session_id", sessionID))
			return

		case e, ok := <-stream:
			if !ok {
				conn.Close(websocket.StatusGoingAway, "server shutting down")
				return
			}
			if err := s.write(ctx, conn, e); err != nil {
				s.logger.Debug("event write failed",
					slog.String("session_id", sessionID),
					slog.String("error", err.Error()),
				)
				return
			}

		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(ctx, writeTimeout)
			err := conn.Ping(pingCtx)
			cancel()
			if err != nil {
				s.logger.Debug("heartbeat ping failed",
					slog.String("session_id", sessionID),
					slog.String("error", err.Error()),
				)
				return
			}
		}
	}
}

func (s *Server) write(ctx context.Context, conn *websocket.Conn, e events.Event) error {
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	return wsjson.Write(ctx, conn, e)
}
