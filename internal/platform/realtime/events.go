// Package realtime provides the persistent bidirectional connection layer:
// a hub-and-spoke WebSocket manager with rooms, presence, typing indicators,
// and in-order message relay. Room and presence state is serialized per key;
// distinct rooms and users proceed fully concurrently.
package realtime

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Client-to-hub event names.
const (
	EventAuthenticate   = "authenticate"
	EventRoomJoin       = "room:join"
	EventRoomLeave      = "room:leave"
	EventMessageSend    = "message:send"
	EventTypingStart    = "typing:start"
	EventTypingStop     = "typing:stop"
	EventPresenceUpdate = "presence:update"
)

// Hub-to-client event names.
const (
	EventAuthOK         = "auth:ok"
	EventError          = "error"
	EventRoomHistory    = "room:history"
	EventRoomUserJoined = "room:user:joined"
	EventRoomUserLeft   = "room:user:left"
	EventMessage        = "message:received"
	EventTypingUsers    = "typing:users"
	EventUserStatus     = "user:status"
)

// Presence states.
const (
	StatusOnline  = "online"
	StatusOffline = "offline"
	StatusAway    = "away"
	StatusBusy    = "busy"
)

// Envelope is the wire frame for every hub-to-client event.
type Envelope struct {
	Event     string    `json:"event"`
	Room      string    `json:"room,omitempty"`
	Timestamp time.Time `json:"timestamp"`
	Data      any       `json:"data,omitempty"`
}

// ClientFrame is the wire frame for every client-to-hub event.
type ClientFrame struct {
	Event   string          `json:"event"`
	Token   string          `json:"token,omitempty"`
	Room    string          `json:"room,omitempty"`
	Content string          `json:"content,omitempty"`
	Status  string          `json:"status,omitempty"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// Message is one relayed chat message. The hub assigns the id and timestamp
// at arrival, which fixes the broadcast order.
type Message struct {
	ID       uuid.UUID `json:"id"`
	Room     string    `json:"room"`
	SenderID uuid.UUID `json:"sender_id"`
	Content  string    `json:"content"`
	SentAt   time.Time `json:"sent_at"`
}

// ErrorData is the payload of an error event.
type ErrorData struct {
	Code   string `json:"code"`
	Detail string `json:"detail,omitempty"`
	Room   string `json:"room,omitempty"`
}

// PresenceData is the payload of a user:status event.
type PresenceData struct {
	UserID uuid.UUID `json:"user_id"`
	Status string    `json:"status"`
}

// TypingData is the payload of a typing:users event.
type TypingData struct {
	Room  string      `json:"room"`
	Users []uuid.UUID `json:"users"`
}

// RoomEventData is the payload of room:user:joined / room:user:left.
type RoomEventData struct {
	Room   string    `json:"room"`
	UserID uuid.UUID `json:"user_id"`
}

func envelope(event, room string, data any) Envelope {
	return Envelope{Event: event, Room: room, Timestamp: time.Now().UTC(), Data: data}
}
