package app

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strings"
	"time"

	"plantchat/internal/auth"
	"plantchat/internal/rbac"
	"plantchat/internal/realtime"
)

type HTTPServer struct {
	service    *Service
	hub        *realtime.Hub
	corsOrigin string
}

func NewHTTPServer(service *Service, hub *realtime.Hub, corsOrigin string) *HTTPServer {
	return &HTTPServer{service: service, hub: hub, corsOrigin: corsOrigin}
}

func (s *HTTPServer) Handler() http.Handler {
	return s.withMiddleware(http.HandlerFunc(s.handle))
}

func (s *HTTPServer) handle(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodOptions {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	if (r.Method == http.MethodGet || r.Method == http.MethodHead) && r.URL.Path == "/api/health" {
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
		return
	}

	if (r.Method == http.MethodGet || r.Method == http.MethodHead) && r.URL.Path == "/api/ready" {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()

		status := "ready"
		statusCode := http.StatusOK
		checks := map[string]any{
			"database": map[string]any{"status": "ok"},
		}
		if err := s.service.Ping(ctx); err != nil {
			status = "not_ready"
			statusCode = http.StatusServiceUnavailable
			checks["database"] = map[string]any{"status": "error", "error": err.Error()}
		}
		writeJSON(w, statusCode, map[string]any{
			"ok":     status == "ready",
			"status": status,
			"checks": checks,
		})
		return
	}

	if r.Method == http.MethodPost && r.URL.Path == "/api/session/login" {
		var body struct {
			Username string `json:"username"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		username := strings.TrimSpace(body.Username)
		if username == "" {
			writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "username is required", nil)
			return
		}
		session, err := s.service.Login(r.Context(), username)
		if err != nil {
			if errors.Is(err, auth.ErrInvalidToken) {
				writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Unknown user", nil)
				return
			}
			writeError(w, http.StatusInternalServerError, "LOGIN_FAILED", "Login failed", nil)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"token":        session.Token,
			"refreshToken": session.RefreshToken,
			"userId":       session.UserID,
			"username":     session.Username,
			"role":         session.Role,
			"expiresAt":    session.ExpiresAt.Unix(),
		})
		return
	}

	if r.Method == http.MethodPost && r.URL.Path == "/api/session/refresh" {
		var body struct {
			RefreshToken string `json:"refreshToken"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		session, err := s.service.Refresh(r.Context(), body.RefreshToken)
		if err != nil {
			writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Refresh token invalid", nil)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"token":        session.Token,
			"refreshToken": session.RefreshToken,
			"username":     session.Username,
		})
		return
	}

	if r.Method == http.MethodPost && r.URL.Path == "/api/session/logout" {
		session := Session{}
		if token := bearerToken(r); token != "" {
			if parsed, err := s.service.SessionFromToken(r.Context(), token); err == nil {
				session = parsed
			}
		}
		var body struct {
			RefreshToken string `json:"refreshToken"`
		}
		_ = decodeBody(r, &body)
		_ = s.service.Logout(r.Context(), session, body.RefreshToken)
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
		return
	}

	if r.Method == http.MethodGet && r.URL.Path == "/api/session" {
		token := bearerToken(r)
		if token == "" {
			writeJSON(w, http.StatusOK, map[string]any{"authenticated": false, "username": nil})
			return
		}
		session, err := s.service.SessionFromToken(r.Context(), token)
		if err != nil {
			writeJSON(w, http.StatusOK, map[string]any{"authenticated": false, "username": nil})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"authenticated": true,
			"userId":        session.UserID,
			"username":      session.Username,
			"role":          session.Role,
		})
		return
	}

	// The websocket endpoint authenticates via query token because
	// browsers cannot set headers on websocket dials.
	if r.Method == http.MethodGet && r.URL.Path == "/ws" {
		s.handleWebSocket(w, r)
		return
	}

	session, ok := s.requireSession(w, r)
	if !ok {
		return
	}

	if r.Method == http.MethodGet && r.URL.Path == "/api/chat/users" {
		users, err := s.service.ListChatUsers(r.Context(), session)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "SERVER_ERROR", "Could not list users", nil)
			return
		}
		items := make([]map[string]any, 0, len(users))
		for _, user := range users {
			items = append(items, userPayload(user))
		}
		writeJSON(w, http.StatusOK, map[string]any{"users": items})
		return
	}

	if r.Method == http.MethodGet && r.URL.Path == "/api/chat/conversations" {
		s.writeConversationList(w, r, session, false)
		return
	}

	if r.Method == http.MethodGet && r.URL.Path == "/api/chat/conversations/archived" {
		s.writeConversationList(w, r, session, true)
		return
	}

	if r.Method == http.MethodPost && r.URL.Path == "/api/chat/conversations" {
		var body struct {
			Participants []string `json:"participants"`
			Kind         string   `json:"kind"`
			Title        string   `json:"title"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		conv, err := s.service.CreateConversation(r.Context(), session, body.Participants, body.Kind, body.Title)
		if err != nil {
			s.writeMappedError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, map[string]any{"conversation": conversationPayload(conv)})
		return
	}

	if r.Method == http.MethodPost && r.URL.Path == "/api/chat/conversations/request-close" {
		conversationID, ok := s.conversationIDFromBody(w, r)
		if !ok {
			return
		}
		conv, err := s.service.RequestClosure(r.Context(), conversationID, session)
		if err != nil {
			s.writeMappedError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"conversation": conversationPayload(conv)})
		return
	}

	if r.Method == http.MethodPost && r.URL.Path == "/api/chat/conversations/approve-close" {
		conversationID, ok := s.conversationIDFromBody(w, r)
		if !ok {
			return
		}
		conv, fullyClosed, err := s.service.ApproveClosure(r.Context(), conversationID, session)
		if err != nil {
			s.writeMappedError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"conversation": conversationPayload(conv),
			"allApproved":  fullyClosed,
		})
		return
	}

	if r.Method == http.MethodPost && r.URL.Path == "/api/chat/conversations/escalate" {
		var body struct {
			ConversationID string `json:"conversationId"`
			MessageID      string `json:"messageId"`
			LabManagerID   string `json:"labManagerId"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		if strings.TrimSpace(body.ConversationID) == "" || strings.TrimSpace(body.MessageID) == "" {
			writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "conversationId and messageId are required", nil)
			return
		}
		group, seed, err := s.service.Escalate(r.Context(), body.ConversationID, body.MessageID, session, body.LabManagerID)
		if err != nil {
			s.writeMappedError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, map[string]any{
			"conversation":   conversationPayload(group),
			"initialMessage": messagePayload(seed),
		})
		return
	}

	if r.Method == http.MethodPost && r.URL.Path == "/api/chat/messages" {
		if !s.service.Can(session.Role, rbac.ActionMessage) {
			writeError(w, http.StatusForbidden, "FORBIDDEN", "Forbidden", nil)
			return
		}
		var body struct {
			ConversationID string `json:"conversationId"`
			Content        string `json:"content"`
			IsFlash        bool   `json:"isFlash"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		if strings.TrimSpace(body.ConversationID) == "" {
			writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "conversationId is required", nil)
			return
		}
		msg, err := s.service.SendMessage(r.Context(), body.ConversationID, session, body.Content, body.IsFlash)
		if err != nil {
			s.writeMappedError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, map[string]any{"message": messagePayload(msg)})
		return
	}

	if r.Method == http.MethodPost && r.URL.Path == "/api/chat/messages/acknowledge-flash" {
		conversationID, ok := s.conversationIDFromBody(w, r)
		if !ok {
			return
		}
		conv, err := s.service.AcknowledgeFlash(r.Context(), conversationID, session)
		if err != nil {
			s.writeMappedError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"conversation": conversationPayload(conv)})
		return
	}

	if r.Method == http.MethodGet && strings.HasPrefix(r.URL.Path, "/api/chat/messages/") {
		parts := splitPath(r.URL.Path)
		if len(parts) == 4 {
			messages, err := s.service.ListMessages(r.Context(), parts[3], session)
			if err != nil {
				s.writeMappedError(w, err)
				return
			}
			items := make([]map[string]any, 0, len(messages))
			for _, msg := range messages {
				items = append(items, messagePayload(msg))
			}
			writeJSON(w, http.StatusOK, map[string]any{"messages": items})
			return
		}
	}

	writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
}

func (s *HTTPServer) writeConversationList(w http.ResponseWriter, r *http.Request, session Session, archived bool) {
	conversations, err := s.service.ListConversations(r.Context(), session, archived)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "SERVER_ERROR", "Could not list conversations", nil)
		return
	}
	items := make([]map[string]any, 0, len(conversations))
	for _, conv := range conversations {
		items = append(items, conversationPayload(conv))
	}
	writeJSON(w, http.StatusOK, map[string]any{"conversations": items})
}

func (s *HTTPServer) conversationIDFromBody(w http.ResponseWriter, r *http.Request) (string, bool) {
	var body struct {
		ConversationID string `json:"conversationId"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return "", false
	}
	conversationID := strings.TrimSpace(body.ConversationID)
	if conversationID == "" {
		writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "conversationId is required", nil)
		return "", false
	}
	return conversationID, true
}

func (s *HTTPServer) writeMappedError(w http.ResponseWriter, err error) {
	status, code, message, details := mapError(err)
	writeError(w, status, code, message, details)
}

func (s *HTTPServer) requireSession(w http.ResponseWriter, r *http.Request) (Session, bool) {
	token := bearerToken(r)
	if token == "" {
		writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil)
		return Session{}, false
	}
	session, err := s.service.SessionFromToken(r.Context(), token)
	if err != nil {
		if errors.Is(err, auth.ErrExpiredToken) || errors.Is(err, auth.ErrInvalidToken) || errors.Is(err, sql.ErrNoRows) {
			writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil)
			return Session{}, false
		}
		writeError(w, http.StatusInternalServerError, "SERVER_ERROR", "Session lookup failed", nil)
		return Session{}, false
	}
	return session, true
}

func (s *HTTPServer) withMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = randomRequestID()
		}
		ctx := context.WithValue(r.Context(), requestIDKey{}, requestID)
		r = r.WithContext(ctx)

		// Websocket upgrades must not pass through the status recorder or
		// JSON headers: the upgrader needs the raw ResponseWriter.
		if r.URL.Path == "/ws" {
			next.ServeHTTP(w, r)
			return
		}

		started := time.Now()
		writer := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		setCORSHeaders(writer.Header(), s.corsOrigin)
		writer.Header().Set("X-Request-ID", requestID)

		next.ServeHTTP(writer, r)

		log.Printf(`{"request_id":"%s","method":"%s","path":"%s","status":%d,"duration_ms":%d}`,
			requestID,
			r.Method,
			r.URL.Path,
			writer.status,
			time.Since(started).Milliseconds(),
		)
	})
}

type requestIDKey struct{}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func randomRequestID() string {
	buf := make([]byte, 8)
	_, _ = rand.Read(buf)
	return hex.EncodeToString(buf)
}

func setCORSHeaders(header http.Header, corsOrigin string) {
	header.Set("Access-Control-Allow-Origin", corsOrigin)
	header.Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Request-ID")
	header.Set("Access-Control-Allow-Methods", "GET,POST,PUT,DELETE,OPTIONS")
	header.Set("Cache-Control", "no-store")
	header.Set("Content-Type", "application/json")
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code, message string, details any) {
	response := map[string]any{
		"code":  code,
		"error": message,
	}
	if details != nil {
		response["details"] = details
	}
	writeJSON(w, status, response)
}

func decodeBody(r *http.Request, target any) error {
	if r.Body == nil {
		return nil
	}
	defer r.Body.Close()
	decoder := json.NewDecoder(r.Body)
	if err := decoder.Decode(target); err != nil {
		return fmt.Errorf("invalid JSON body")
	}
	return nil
}

func bearerToken(r *http.Request) string {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if !strings.HasPrefix(header, "Bearer ") {
		return ""
	}
	return strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
}

func splitPath(path string) []string {
	trimmed := strings.Trim(path, "/")
	if trimmed == "" {
		return nil
	}
	return strings.Split(trimmed, "/")
}

func mapError(err error) (status int, code, message string, details any) {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Status, domainErr.Code, domainErr.Message, domainErr.Details
	}
	if errors.Is(err, sql.ErrNoRows) {
		return http.StatusNotFound, "NOT_FOUND", "Not found", nil
	}
	if errors.Is(err, auth.ErrInvalidToken) || errors.Is(err, auth.ErrExpiredToken) {
		return http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil
	}
	return http.StatusInternalServerError, "SERVER_ERROR", "Server error", nil
}
