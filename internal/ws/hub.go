package ws

import (
	"encoding/json"
	"log/slog"
	"sync"
)

// Envelope is the wire frame for every inbound and outbound event.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// Ack is the response payload for request/response events.
type Ack struct {
	Event   string `json:"event"`
	Message string `json:"message"`
}

// Hub tracks connected clients and transport-level room groups, including
// the personal notification channel every admitted connection joins.
type Hub struct {
	mu      sync.RWMutex
	clients map[string]*Client            // connID -> client
	rooms   map[string]map[string]*Client // roomID -> connID -> client
	logger  *slog.Logger
}

func NewHub(logger *slog.Logger) *Hub {
	return &Hub{
		clients: make(map[string]*Client),
		rooms:   make(map[string]map[string]*Client),
		logger:  logger,
	}
}

// PersonalRoom names the channel scoped to a single user's devices.
func PersonalRoom(userID string) string { return "user:" + userID }

func (h *Hub) addClient(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.clients[c.sess.ConnID] = c
}

// removeClient drops the client and its membership in every room. Empty
// room groups are deleted so they do not accumulate.
func (h *Hub) removeClient(connID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.clients, connID)
	for roomID, members := range h.rooms {
		delete(members, connID)
		if len(members) == 0 {
			delete(h.rooms, roomID)
		}
	}
}

// JoinRoom is idempotent: joining a room the connection is already in does
// not duplicate membership.
func (h *Hub) JoinRoom(connID, roomID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	c, ok := h.clients[connID]
	if !ok {
		return
	}
	if h.rooms[roomID] == nil {
		h.rooms[roomID] = make(map[string]*Client)
	}
	h.rooms[roomID][connID] = c
}

func (h *Hub) LeaveRoom(connID, roomID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if members, ok := h.rooms[roomID]; ok {
		delete(members, connID)
		if len(members) == 0 {
			delete(h.rooms, roomID)
		}
	}
}

// InRoom reports current transport-level membership.
func (h *Hub) InRoom(connID, roomID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, ok := h.rooms[roomID][connID]
	return ok
}

// BroadcastRoom fans an event out to every connection in the room except
// excludeConn. Fire-and-forget: a slow consumer's frame is dropped rather
// than blocking the room.
func (h *Hub) BroadcastRoom(roomID, event string, payload any, excludeConn string) {
	frame, err := marshalEnvelope(event, payload)
	if err != nil {
		h.logger.Error("broadcast marshal failed", "room_id", roomID, "event", event, "error", err)
		return
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	for connID, c := range h.rooms[roomID] {
		if connID == excludeConn {
			continue
		}
		c.enqueue(frame)
	}
}

// EmitUser delivers an event to all of a user's live devices at once via
// the personal channel.
func (h *Hub) EmitUser(userID, event string, payload any) {
	h.BroadcastRoom(PersonalRoom(userID), event, payload, "")
}

func marshalEnvelope(event string, payload any) ([]byte, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return json.Marshal(Envelope{Event: event, Data: data})
}
