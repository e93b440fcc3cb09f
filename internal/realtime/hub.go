// Package realtime fans lifecycle and message events out to the websocket
// connections subscribed to a conversation's room. Delivery is best-effort
// and at-most-once per connection; clients reconcile via the HTTP API on
// reconnect.
package realtime

import (
	"encoding/json"
	"sync"
)

// Event is the wire envelope for everything pushed over a websocket.
type Event struct {
	Type    string `json:"type"`
	Payload any    `json:"payload,omitempty"`
}

// Client is a connection the hub can deliver to. *Connection implements it;
// tests substitute fakes.
type Client interface {
	SessionID() string
	UserID() string
	Deliver(payload []byte) error
	Close(reason string)
}

// Hub tracks live connections and logical rooms keyed by conversation id.
// It enforces one active socket per user: a new attach replaces and closes
// any previous session for the same user.
type Hub struct {
	mu           sync.RWMutex
	sessions     map[string]Client             // sessionID -> client
	userSessions map[string]string             // userID -> sessionID
	rooms        map[string]map[string]Client  // conversationID -> sessionID -> client
	sessionRooms map[string]map[string]struct{} // sessionID -> set of conversationIDs
}

func NewHub() *Hub {
	return &Hub{
		sessions:     make(map[string]Client),
		userSessions: make(map[string]string),
		rooms:        make(map[string]map[string]Client),
		sessionRooms: make(map[string]map[string]struct{}),
	}
}

// Attach registers a connection for the given user, displacing any
// previous session for that user.
func (h *Hub) Attach(client Client) {
	var previous Client

	h.mu.Lock()
	if existingID, ok := h.userSessions[client.UserID()]; ok {
		if existing := h.sessions[existingID]; existing != nil {
			previous = existing
			h.detachLocked(existingID)
		}
	}

	h.sessions[client.SessionID()] = client
	h.userSessions[client.UserID()] = client.SessionID()
	h.sessionRooms[client.SessionID()] = make(map[string]struct{})
	h.mu.Unlock()

	if previous != nil {
		previous.Close("session replaced")
	}
}

// Detach removes a connection if it is still tracked, along with all its
// room memberships.
func (h *Hub) Detach(client Client) {
	h.mu.Lock()
	h.detachLocked(client.SessionID())
	h.mu.Unlock()
}

// Join adds the connection to the conversation's room. Authorization
// happens at the caller (the websocket handler checks the participant set
// before joining).
func (h *Hub) Join(conversationID string, client Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.sessions[client.SessionID()]; !ok {
		return
	}

	room := h.rooms[conversationID]
	if room == nil {
		room = make(map[string]Client)
		h.rooms[conversationID] = room
	}
	room[client.SessionID()] = client

	memberships := h.sessionRooms[client.SessionID()]
	if memberships == nil {
		memberships = make(map[string]struct{})
		h.sessionRooms[client.SessionID()] = memberships
	}
	memberships[conversationID] = struct{}{}
}

// Leave removes the connection from the conversation's room.
func (h *Hub) Leave(conversationID string, client Client) {
	h.mu.Lock()
	h.leaveLocked(conversationID, client.SessionID())
	h.mu.Unlock()
}

// Emit marshals an event and broadcasts it to every member of the room.
// Returns the number of connections the payload was handed to.
func (h *Hub) Emit(conversationID, eventType string, payload any) int {
	encoded, err := json.Marshal(Event{Type: eventType, Payload: payload})
	if err != nil {
		return 0
	}
	return h.broadcast(conversationID, encoded)
}

// EmitToUser delivers an event to the current connection of a single user,
// regardless of room membership. Used for announcements about rooms the
// user has not joined yet (escalation group creation).
func (h *Hub) EmitToUser(userID, eventType string, payload any) bool {
	encoded, err := json.Marshal(Event{Type: eventType, Payload: payload})
	if err != nil {
		return false
	}

	h.mu.RLock()
	sessionID, ok := h.userSessions[userID]
	if !ok {
		h.mu.RUnlock()
		return false
	}
	client := h.sessions[sessionID]
	h.mu.RUnlock()
	if client == nil {
		return false
	}
	return client.Deliver(encoded) == nil
}

func (h *Hub) broadcast(conversationID string, payload []byte) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	room := h.rooms[conversationID]
	if len(room) == 0 {
		return 0
	}

	delivered := 0
	for _, client := range room {
		if client.Deliver(payload) == nil {
			delivered++
		}
	}
	return delivered
}

// Shutdown terminates all tracked connections and clears hub state.
func (h *Hub) Shutdown() {
	h.mu.Lock()
	clients := make([]Client, 0, len(h.sessions))
	for _, client := range h.sessions {
		clients = append(clients, client)
	}
	h.sessions = make(map[string]Client)
	h.userSessions = make(map[string]string)
	h.rooms = make(map[string]map[string]Client)
	h.sessionRooms = make(map[string]map[string]struct{})
	h.mu.Unlock()

	for _, client := range clients {
		client.Close("hub shutdown")
	}
}

func (h *Hub) detachLocked(sessionID string) {
	client, ok := h.sessions[sessionID]
	if !ok {
		return
	}
	delete(h.sessions, sessionID)

	if current, ok := h.userSessions[client.UserID()]; ok && current == sessionID {
		delete(h.userSessions, client.UserID())
	}

	for roomID := range h.sessionRooms[sessionID] {
		h.leaveLocked(roomID, sessionID)
	}
	delete(h.sessionRooms, sessionID)
}

func (h *Hub) leaveLocked(conversationID, sessionID string) {
	room := h.rooms[conversationID]
	if room == nil {
		return
	}
	delete(room, sessionID)
	if len(room) == 0 {
		delete(h.rooms, conversationID)
	}
	if memberships, ok := h.sessionRooms[sessionID]; ok {
		delete(memberships, conversationID)
	}
}
