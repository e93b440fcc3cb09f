package app

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"plantchat/internal/realtime"
)

const (
	wsReadLimit    = 4096
	wsReadDeadline = 60 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Cross-origin policy is enforced by the reverse proxy; the token in
	// the query string is the actual gate here.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// clientCommand is what a connected client may send: room membership
// changes only. All mutations go through the HTTP API.
type clientCommand struct {
	Type           string `json:"type"`
	ConversationID string `json:"conversationId"`
}

// handleWebSocket upgrades the connection after validating the access
// token passed as a query parameter (browser websocket dials cannot set
// an Authorization header).
func (s *HTTPServer) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	token := strings.TrimSpace(r.URL.Query().Get("token"))
	if token == "" {
		writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Missing token", nil)
		return
	}
	session, err := s.service.SessionFromToken(r.Context(), token)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil)
		return
	}

	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf(`{"msg":"websocket upgrade failed","user":"%s","error":"%s"}`, session.UserID, err)
		return
	}

	conn := realtime.NewConnection(session.UserID, ws)
	s.hub.Attach(conn)
	conn.Start()

	// The request context dies with the upgrade; lookups in the read loop
	// get their own.
	s.readLoop(context.Background(), ws, conn, session)
}

func (s *HTTPServer) readLoop(ctx context.Context, ws *websocket.Conn, conn *realtime.Connection, session Session) {
	defer func() {
		s.hub.Detach(conn)
		conn.Close("client disconnected")
	}()

	ws.SetReadLimit(wsReadLimit)
	_ = ws.SetReadDeadline(time.Now().Add(wsReadDeadline))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(wsReadDeadline))
	})

	for {
		_, raw, err := ws.ReadMessage()
		if err != nil {
			return
		}
		_ = ws.SetReadDeadline(time.Now().Add(wsReadDeadline))

		var cmd clientCommand
		if err := json.Unmarshal(raw, &cmd); err != nil {
			s.sendWSError(conn, "invalid command")
			continue
		}
		if cmd.ConversationID == "" {
			s.sendWSError(conn, "conversationId is required")
			continue
		}

		switch cmd.Type {
		case "join":
			allowed, err := s.service.CanJoinRoom(ctx, cmd.ConversationID, session.UserID, session.Role)
			if err != nil {
				s.sendWSError(conn, "join failed")
				continue
			}
			if !allowed {
				s.sendWSError(conn, "not a participant of this conversation")
				continue
			}
			s.hub.Join(cmd.ConversationID, conn)
		case "leave":
			s.hub.Leave(cmd.ConversationID, conn)
		default:
			s.sendWSError(conn, "unknown command type")
		}
	}
}

func (s *HTTPServer) sendWSError(conn *realtime.Connection, message string) {
	payload, err := json.Marshal(realtime.Event{
		Type:    "error",
		Payload: map[string]string{"error": message},
	})
	if err != nil {
		return
	}
	_ = conn.Deliver(payload)
}
