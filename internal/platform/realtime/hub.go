package realtime

import (
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/mindwell/mindwell/internal/platform/auth"
)

const defaultHistoryLimit = 50

// Conn abstracts a WebSocket connection for testability.
type Conn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	SetReadDeadline(t time.Time) error
	Close() error
}

// Client is one authenticated WebSocket connection. A user may hold several
// clients at once; presence collapses them into a single state.
type Client struct {
	ID     uuid.UUID
	UserID uuid.UUID
	Role   auth.Role
	Send   chan []byte

	conn Conn

	// rooms is touched only by this client's read pump.
	rooms map[string]struct{}

	closeOnce sync.Once
}

// room is one realtime channel. Its mutex serializes all room mutation;
// distinct rooms never contend.
type room struct {
	mu           sync.Mutex
	id           string
	conns        map[*Client]struct{}
	participants map[uuid.UUID]int
	typing       map[uuid.UUID]struct{}
	history      []Envelope
	createdAt    time.Time
}

// userState is one user's presence record, reference-counted across
// connections so multi-device users do not flicker offline.
type userState struct {
	mu     sync.Mutex
	conns  map[*Client]struct{}
	status string
}

// Hub manages rooms, presence, and message relay. The hub mutex guards only
// the lookup maps; per-room and per-user locks serialize state mutation per
// key.
type Hub struct {
	mu    sync.RWMutex
	rooms map[string]*room
	users map[uuid.UUID]*userState

	grantMu sync.RWMutex
	grants  map[string]map[uuid.UUID]struct{}

	responderRoom string
	historyLimit  int
	logger        zerolog.Logger
}

// NewHub creates a Hub.
func NewHub(responderRoom string, logger zerolog.Logger) *Hub {
	if responderRoom == "" {
		responderRoom = "crisis-responders"
	}
	return &Hub{
		rooms:         make(map[string]*room),
		users:         make(map[uuid.UUID]*userState),
		grants:        make(map[string]map[uuid.UUID]struct{}),
		responderRoom: responderRoom,
		historyLimit:  defaultHistoryLimit,
		logger:        logger,
	}
}

// ResponderRoom returns the room all responder staff share.
func (h *Hub) ResponderRoom() string {
	return h.responderRoom
}

// ---------------------------------------------------------------------------
// Authorization
// ---------------------------------------------------------------------------

// GrantRoomAccess allows a user into a room. Grants are not revoked while a
// case is open; CloseRoom drops them along with the room on resolution.
func (h *Hub) GrantRoomAccess(roomID string, userID uuid.UUID) {
	h.grantMu.Lock()
	defer h.grantMu.Unlock()
	if h.grants[roomID] == nil {
		h.grants[roomID] = make(map[uuid.UUID]struct{})
	}
	h.grants[roomID][userID] = struct{}{}
}

// Authorized reports whether the user may join the room. Responder roles may
// enter any crisis room and the shared responder room; everyone else needs
// an explicit grant.
func (h *Hub) Authorized(roomID string, userID uuid.UUID, role auth.Role) bool {
	if role.Responder() && (roomID == h.responderRoom || strings.HasPrefix(roomID, "crisis:")) {
		return true
	}
	h.grantMu.RLock()
	defer h.grantMu.RUnlock()
	_, ok := h.grants[roomID][userID]
	return ok
}

// ---------------------------------------------------------------------------
// Registration and presence
// ---------------------------------------------------------------------------

// NewClient wraps an authenticated connection.
func NewClient(userID uuid.UUID, role auth.Role, conn Conn) *Client {
	return &Client{
		ID:     uuid.New(),
		UserID: userID,
		Role:   role,
		Send:   make(chan []byte, 256),
		conn:   conn,
		rooms:  make(map[string]struct{}),
	}
}

// Register adds an authenticated client. The first connection for a user
// broadcasts their presence coming online.
func (h *Hub) Register(c *Client) {
	h.mu.Lock()
	us, ok := h.users[c.UserID]
	if !ok {
		us = &userState{conns: make(map[*Client]struct{}), status: StatusOffline}
		h.users[c.UserID] = us
	}
	h.mu.Unlock()

	us.mu.Lock()
	us.conns[c] = struct{}{}
	first := len(us.conns) == 1
	if first {
		us.status = StatusOnline
	}
	us.mu.Unlock()

	if first {
		h.broadcastAll(envelope(EventUserStatus, "", PresenceData{UserID: c.UserID, Status: StatusOnline}))
	}
}

// Unregister removes a client, leaves all its rooms (clearing any typing
// state), and broadcasts the user going offline when their last connection
// drops.
func (h *Hub) Unregister(c *Client) {
	for roomID := range c.rooms {
		h.leaveRoom(c, roomID)
	}
	c.rooms = make(map[string]struct{})

	h.mu.Lock()
	us, ok := h.users[c.UserID]
	h.mu.Unlock()
	if !ok {
		c.closeSend()
		return
	}

	us.mu.Lock()
	delete(us.conns, c)
	last := len(us.conns) == 0
	if last {
		us.status = StatusOffline
	}
	us.mu.Unlock()

	if last {
		h.mu.Lock()
		if cur, ok := h.users[c.UserID]; ok && cur == us {
			delete(h.users, c.UserID)
		}
		h.mu.Unlock()
		h.broadcastAll(envelope(EventUserStatus, "", PresenceData{UserID: c.UserID, Status: StatusOffline}))
	}
	c.closeSend()
}

func (c *Client) closeSend() {
	c.closeOnce.Do(func() { close(c.Send) })
}

// UpdatePresence sets the user's presence state across all their
// connections and broadcasts the change.
func (h *Hub) UpdatePresence(c *Client, status string) {
	switch status {
	case StatusOnline, StatusAway, StatusBusy:
	default:
		h.sendEnvelope(c, envelope(EventError, "", ErrorData{Code: "invalid_status", Detail: status}))
		return
	}

	h.mu.RLock()
	us, ok := h.users[c.UserID]
	h.mu.RUnlock()
	if !ok {
		return
	}

	us.mu.Lock()
	changed := us.status != status
	us.status = status
	us.mu.Unlock()

	if changed {
		h.broadcastAll(envelope(EventUserStatus, "", PresenceData{UserID: c.UserID, Status: status}))
	}
}

// UserStatus returns the user's collapsed presence state.
func (h *Hub) UserStatus(userID uuid.UUID) string {
	h.mu.RLock()
	us, ok := h.users[userID]
	h.mu.RUnlock()
	if !ok {
		return StatusOffline
	}
	us.mu.Lock()
	defer us.mu.Unlock()
	if len(us.conns) == 0 {
		return StatusOffline
	}
	return us.status
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	n := 0
	for _, us := range h.users {
		us.mu.Lock()
		n += len(us.conns)
		us.mu.Unlock()
	}
	return n
}

// ---------------------------------------------------------------------------
// Rooms
// ---------------------------------------------------------------------------

func (h *Hub) getOrCreateRoom(roomID string) *room {
	h.mu.Lock()
	defer h.mu.Unlock()
	r, ok := h.rooms[roomID]
	if !ok {
		r = &room{
			id:           roomID,
			conns:        make(map[*Client]struct{}),
			participants: make(map[uuid.UUID]int),
			typing:       make(map[uuid.UUID]struct{}),
			createdAt:    time.Now().UTC(),
		}
		h.rooms[roomID] = r
	}
	return r
}

func (h *Hub) lookupRoom(roomID string) (*room, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	r, ok := h.rooms[roomID]
	return r, ok
}

// JoinRoom admits the client after an authorization check. Unauthorized
// joins get an explicit error event, never a silent drop. The joining
// client receives the room history; other members learn about the user only
// on their first connection into the room.
func (h *Hub) JoinRoom(c *Client, roomID string) {
	if roomID == "" {
		h.sendEnvelope(c, envelope(EventError, "", ErrorData{Code: "invalid_room"}))
		return
	}
	if !h.Authorized(roomID, c.UserID, c.Role) {
		h.sendEnvelope(c, envelope(EventError, roomID, ErrorData{Code: "unauthorized", Room: roomID}))
		return
	}

	var (
		r         *room
		firstConn bool
		history   []Envelope
	)
	for {
		r = h.getOrCreateRoom(roomID)

		r.mu.Lock()
		if _, already := r.conns[c]; already {
			r.mu.Unlock()
			return
		}
		r.conns[c] = struct{}{}
		r.participants[c.UserID]++
		firstConn = r.participants[c.UserID] == 1
		history = make([]Envelope, len(r.history))
		copy(history, r.history)
		r.mu.Unlock()

		// A concurrent leave may have destroyed the room between the fetch
		// and the insert, leaving us in an orphan no lookup finds. Re-check
		// the registration and retry against a fresh room if we lost.
		h.mu.RLock()
		current := h.rooms[roomID]
		h.mu.RUnlock()
		if current == r {
			break
		}

		r.mu.Lock()
		delete(r.conns, c)
		r.participants[c.UserID]--
		if r.participants[c.UserID] <= 0 {
			delete(r.participants, c.UserID)
		}
		r.mu.Unlock()
	}

	c.rooms[roomID] = struct{}{}

	h.sendEnvelope(c, envelope(EventRoomHistory, roomID, history))
	if firstConn {
		h.broadcastRoom(r, envelope(EventRoomUserJoined, roomID, RoomEventData{Room: roomID, UserID: c.UserID}), false)
	}
}

// LeaveRoom removes the client from the room. An emptied room is destroyed.
func (h *Hub) LeaveRoom(c *Client, roomID string) {
	if _, ok := c.rooms[roomID]; !ok {
		return
	}
	delete(c.rooms, roomID)
	h.leaveRoom(c, roomID)
}

func (h *Hub) leaveRoom(c *Client, roomID string) {
	r, ok := h.lookupRoom(roomID)
	if !ok {
		return
	}

	r.mu.Lock()
	if _, member := r.conns[c]; !member {
		r.mu.Unlock()
		return
	}
	delete(r.conns, c)
	r.participants[c.UserID]--
	left := r.participants[c.UserID] <= 0
	if left {
		delete(r.participants, c.UserID)
	}
	typingCleared := false
	if left {
		if _, was := r.typing[c.UserID]; was {
			delete(r.typing, c.UserID)
			typingCleared = true
		}
	}
	empty := len(r.conns) == 0
	r.mu.Unlock()

	if left && !empty {
		h.broadcastRoom(r, envelope(EventRoomUserLeft, roomID, RoomEventData{Room: roomID, UserID: c.UserID}), false)
		if typingCleared {
			h.broadcastTyping(r)
		}
	}
	if empty {
		h.destroyRoomIfEmpty(roomID)
	}
}

// destroyRoomIfEmpty removes the room when no connection remains. A join
// racing this destroy detects the lost room through JoinRoom's registration
// re-check and retries.
func (h *Hub) destroyRoomIfEmpty(roomID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	r, ok := h.rooms[roomID]
	if !ok {
		return
	}
	r.mu.Lock()
	empty := len(r.conns) == 0
	r.mu.Unlock()
	if empty {
		delete(h.rooms, roomID)
	}
}

// RoomParticipants returns the distinct users currently in the room.
func (h *Hub) RoomParticipants(roomID string) []uuid.UUID {
	r, ok := h.lookupRoom(roomID)
	if !ok {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]uuid.UUID, 0, len(r.participants))
	for id := range r.participants {
		out = append(out, id)
	}
	return out
}

// RoomExists reports whether the room is live.
func (h *Hub) RoomExists(roomID string) bool {
	_, ok := h.lookupRoom(roomID)
	return ok
}

// ---------------------------------------------------------------------------
// Messaging and typing
// ---------------------------------------------------------------------------

// Relay broadcasts a chat message to all room members. The message id and
// timestamp are assigned under the room lock, so broadcast order is
// hub-arrival order within the room.
func (h *Hub) Relay(c *Client, roomID, content string) {
	if content == "" {
		return
	}
	r, ok := h.lookupRoom(roomID)
	if !ok {
		h.sendEnvelope(c, envelope(EventError, roomID, ErrorData{Code: "not_in_room", Room: roomID}))
		return
	}

	r.mu.Lock()
	if _, member := r.conns[c]; !member {
		r.mu.Unlock()
		h.sendEnvelope(c, envelope(EventError, roomID, ErrorData{Code: "not_in_room", Room: roomID}))
		return
	}
	msg := Message{
		ID:       uuid.New(),
		Room:     roomID,
		SenderID: c.UserID,
		Content:  content,
		SentAt:   time.Now().UTC(),
	}
	env := envelope(EventMessage, roomID, msg)
	r.appendHistory(env, h.historyLimit)
	data, err := json.Marshal(env)
	if err != nil {
		r.mu.Unlock()
		h.logger.Error().Err(err).Msg("could not encode message")
		return
	}
	targets := make([]*Client, 0, len(r.conns))
	for member := range r.conns {
		targets = append(targets, member)
	}
	r.mu.Unlock()

	for _, member := range targets {
		h.send(member, data)
	}
}

// SetTyping marks the user typing or not in the room and broadcasts the
// diff.
func (h *Hub) SetTyping(c *Client, roomID string, typing bool) {
	r, ok := h.lookupRoom(roomID)
	if !ok {
		return
	}
	r.mu.Lock()
	if _, member := r.conns[c]; !member {
		r.mu.Unlock()
		return
	}
	_, was := r.typing[c.UserID]
	if typing {
		r.typing[c.UserID] = struct{}{}
	} else {
		delete(r.typing, c.UserID)
	}
	changed := was != typing
	r.mu.Unlock()

	if changed {
		h.broadcastTyping(r)
	}
}

// TypingUsers returns the users currently typing in the room.
func (h *Hub) TypingUsers(roomID string) []uuid.UUID {
	r, ok := h.lookupRoom(roomID)
	if !ok {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.typingLocked()
}

func (r *room) typingLocked() []uuid.UUID {
	out := make([]uuid.UUID, 0, len(r.typing))
	for id := range r.typing {
		out = append(out, id)
	}
	return out
}

func (h *Hub) broadcastTyping(r *room) {
	r.mu.Lock()
	users := r.typingLocked()
	r.mu.Unlock()
	h.broadcastRoom(r, envelope(EventTypingUsers, r.id, TypingData{Room: r.id, Users: users}), false)
}

// ---------------------------------------------------------------------------
// Pushes (crisis.Pusher)
// ---------------------------------------------------------------------------

// PushToUser delivers an event to every connection of the user.
func (h *Hub) PushToUser(userID uuid.UUID, event string, payload any) {
	env := envelope(event, "", payload)
	data, err := json.Marshal(env)
	if err != nil {
		h.logger.Error().Err(err).Str("event", event).Msg("could not encode push")
		return
	}

	h.mu.RLock()
	us, ok := h.users[userID]
	h.mu.RUnlock()
	if !ok {
		return
	}

	us.mu.Lock()
	targets := make([]*Client, 0, len(us.conns))
	for c := range us.conns {
		targets = append(targets, c)
	}
	us.mu.Unlock()

	for _, c := range targets {
		h.send(c, data)
	}
}

// PushToRoom broadcasts an event to the room and records it in the room
// history so late joiners can catch up. The room is created if absent, so
// alerts pushed before anyone joined are not lost; such a room has no
// connections and outlives the empty-room teardown until CloseRoom or a
// join/leave cycle removes it.
func (h *Hub) PushToRoom(roomID string, event string, payload any) {
	r := h.getOrCreateRoom(roomID)
	h.broadcastRoom(r, envelope(event, roomID, payload), true)
}

// CloseRoom tears the room down and revokes its grants, whether or not
// anyone ever joined. Members still connected are detached; their later
// leave is a no-op. Called when a crisis case is resolved so its room and
// history do not outlive the case.
func (h *Hub) CloseRoom(roomID string) {
	h.mu.Lock()
	r, ok := h.rooms[roomID]
	if ok {
		delete(h.rooms, roomID)
	}
	h.mu.Unlock()

	h.grantMu.Lock()
	delete(h.grants, roomID)
	h.grantMu.Unlock()

	if !ok {
		return
	}
	r.mu.Lock()
	r.conns = make(map[*Client]struct{})
	r.participants = make(map[uuid.UUID]int)
	r.typing = make(map[uuid.UUID]struct{})
	r.history = nil
	r.mu.Unlock()
}

// ---------------------------------------------------------------------------
// Internals
// ---------------------------------------------------------------------------

func (r *room) appendHistory(env Envelope, limit int) {
	r.history = append(r.history, env)
	if len(r.history) > limit {
		r.history = r.history[len(r.history)-limit:]
	}
}

func (h *Hub) broadcastRoom(r *room, env Envelope, record bool) {
	data, err := json.Marshal(env)
	if err != nil {
		h.logger.Error().Err(err).Str("event", env.Event).Msg("could not encode room event")
		return
	}

	r.mu.Lock()
	if record {
		r.appendHistory(env, h.historyLimit)
	}
	targets := make([]*Client, 0, len(r.conns))
	for c := range r.conns {
		targets = append(targets, c)
	}
	r.mu.Unlock()

	for _, c := range targets {
		h.send(c, data)
	}
}

func (h *Hub) broadcastAll(env Envelope) {
	data, err := json.Marshal(env)
	if err != nil {
		h.logger.Error().Err(err).Str("event", env.Event).Msg("could not encode broadcast")
		return
	}

	h.mu.RLock()
	states := make([]*userState, 0, len(h.users))
	for _, us := range h.users {
		states = append(states, us)
	}
	h.mu.RUnlock()

	for _, us := range states {
		us.mu.Lock()
		targets := make([]*Client, 0, len(us.conns))
		for c := range us.conns {
			targets = append(targets, c)
		}
		us.mu.Unlock()
		for _, c := range targets {
			h.send(c, data)
		}
	}
}

func (h *Hub) sendEnvelope(c *Client, env Envelope) {
	data, err := json.Marshal(env)
	if err != nil {
		h.logger.Error().Err(err).Str("event", env.Event).Msg("could not encode event")
		return
	}
	h.send(c, data)
}

// send never blocks; a client with a full buffer misses the frame rather
// than stalling the hub.
func (h *Hub) send(c *Client, data []byte) {
	defer func() {
		// Send may race a concurrent close on unregister.
		_ = recover()
	}()
	select {
	case c.Send <- data:
	default:
	}
}
