package server

import (
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"chatrelay/internal/registry"
	"chatrelay/internal/session"
)

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}

	connID := uuid.NewString()
	userID := connID
	if s.opts.Identity != nil {
		if id := s.opts.Identity(r); id != "" {
			userID = id
		}
	}

	conn := registry.NewConnection(connID, userID, s.opts.WebSocket.SendBuffer)
	sess := session.New(conn, s.opts.Session)

	if !s.track(sess) {
		s.closeWith(ws, websocket.CloseGoingAway, "server shutting down")
		return
	}

	if err := sess.Open(s.ctx); err != nil {
		s.untrack(sess)
		if errors.Is(err, session.ErrClosed) {
			s.closeWith(ws, websocket.CloseGoingAway, "server shutting down")
			return
		}
		s.log.Error().Err(err).Str("conn_id", connID).Msg("register connection")
		s.closeWith(ws, websocket.CloseTryAgainLater, "presence unavailable")
		return
	}

	s.log.Info().Str("conn_id", connID).Str("user_id", userID).Msg("client connected")

	go s.writePump(ws, conn)
	go s.readPump(ws, sess)
}

func (s *Server) closeWith(ws *websocket.Conn, code int, text string) {
	deadline := time.Now().Add(s.opts.WebSocket.WriteWait)
	_ = ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, text), deadline)
	_ = ws.Close()
}

// readPump feeds frames to the session one at a time. It owns teardown: when
// the transport fails, the session is closed and the server stops tracking it.
func (s *Server) readPump(ws *websocket.Conn, sess *session.Session) {
	conn := sess.Conn()
	defer func() {
		sess.Close(s.ctx)
		_ = ws.Close()
		s.untrack(sess)
		s.log.Info().Str("conn_id", conn.ID).Str("user_id", conn.UserID).Msg("client disconnected")
	}()

	cfg := s.opts.WebSocket
	ws.SetReadLimit(cfg.MaxMessageSize)
	_ = ws.SetReadDeadline(time.Now().Add(cfg.PongWait))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(cfg.PongWait))
	})

	for {
		_, frame, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure, websocket.CloseNormalClosure) {
				s.log.Warn().Err(err).Str("conn_id", conn.ID).Msg("websocket read")
			}
			return
		}

		sess.Handle(s.ctx, frame)
	}
}

// writePump drains the connection's outbound queue and keeps the peer alive
// with pings. It stops once the connection is closed or a write fails.
func (s *Server) writePump(ws *websocket.Conn, conn *registry.Connection) {
	cfg := s.opts.WebSocket
	ticker := time.NewTicker(cfg.PingPeriod)
	defer func() {
		ticker.Stop()
		conn.Close()
		_ = ws.Close()
	}()

	for {
		select {
		case message := <-conn.Outbound():
			_ = ws.SetWriteDeadline(time.Now().Add(cfg.WriteWait))
			if err := ws.WriteMessage(websocket.TextMessage, message); err != nil {
				s.log.Debug().Err(err).Str("conn_id", conn.ID).Msg("websocket write")
				return
			}

		case <-conn.Done():
			_ = ws.SetWriteDeadline(time.Now().Add(cfg.WriteWait))
			_ = ws.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return

		case <-ticker.C:
			_ = ws.SetWriteDeadline(time.Now().Add(cfg.WriteWait))
			if err := ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
