package realtime

import (
	"encoding/json"
	"net/http"
	"time"

	gorillawebsocket "github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/mindwell/mindwell/internal/platform/auth"
)

const authDeadline = 10 * time.Second

var upgrader = gorillawebsocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true // Allow all origins; tighten in production.
	},
}

// TokenVerifier authenticates a handshake token.
type TokenVerifier interface {
	Verify(token string) (auth.Identity, error)
}

// Handler upgrades HTTP connections and runs the per-client pumps. The
// first frame must be an authenticate event; anything else closes the
// connection with no room access.
type Handler struct {
	hub      *Hub
	verifier TokenVerifier
	logger   zerolog.Logger
}

// NewHandler creates a Handler.
func NewHandler(hub *Hub, verifier TokenVerifier, logger zerolog.Logger) *Handler {
	return &Handler{hub: hub, verifier: verifier, logger: logger}
}

// RegisterRoutes mounts the WebSocket endpoint.
func (h *Handler) RegisterRoutes(g *echo.Group) {
	g.GET("/ws", h.HandleConnect)
}

// HandleConnect upgrades the connection, authenticates it, then registers
// the client and starts the pumps.
func (h *Handler) HandleConnect(c echo.Context) error {
	ws, err := upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		return err
	}
	conn := &gorillaConn{ws}

	ident, err := h.authenticate(conn)
	if err != nil {
		h.logger.Debug().Err(err).Msg("websocket handshake rejected")
		conn.Close()
		return nil
	}

	client := NewClient(ident.UserID, ident.Role, conn)
	h.hub.Register(client)

	go h.writePump(client)
	go h.readPump(client)

	h.hub.sendEnvelope(client, envelope(EventAuthOK, "", map[string]any{
		"user_id": ident.UserID,
		"role":    ident.Role,
	}))
	return nil
}

// authenticate reads exactly one frame under a deadline and verifies its
// token.
func (h *Handler) authenticate(conn Conn) (auth.Identity, error) {
	if err := conn.SetReadDeadline(time.Now().Add(authDeadline)); err != nil {
		return auth.Identity{}, err
	}
	_, raw, err := conn.ReadMessage()
	if err != nil {
		return auth.Identity{}, err
	}
	var frame ClientFrame
	if err := json.Unmarshal(raw, &frame); err != nil {
		return auth.Identity{}, err
	}
	if frame.Event != EventAuthenticate {
		return auth.Identity{}, errUnauthenticatedFrame(frame.Event)
	}
	ident, err := h.verifier.Verify(frame.Token)
	if err != nil {
		return auth.Identity{}, err
	}
	if err := conn.SetReadDeadline(time.Time{}); err != nil {
		return auth.Identity{}, err
	}
	return ident, nil
}

type errUnauthenticatedFrame string

func (e errUnauthenticatedFrame) Error() string {
	return "expected authenticate frame, got " + string(e)
}

func (h *Handler) readPump(client *Client) {
	defer func() {
		h.hub.Unregister(client)
		client.conn.Close()
	}()

	for {
		_, raw, err := client.conn.ReadMessage()
		if err != nil {
			return
		}
		var frame ClientFrame
		if err := json.Unmarshal(raw, &frame); err != nil {
			continue // Ignore malformed frames.
		}
		h.dispatch(client, frame)
	}
}

func (h *Handler) dispatch(client *Client, frame ClientFrame) {
	switch frame.Event {
	case EventRoomJoin:
		h.hub.JoinRoom(client, frame.Room)
	case EventRoomLeave:
		h.hub.LeaveRoom(client, frame.Room)
	case EventMessageSend:
		h.hub.Relay(client, frame.Room, frame.Content)
	case EventTypingStart:
		h.hub.SetTyping(client, frame.Room, true)
	case EventTypingStop:
		h.hub.SetTyping(client, frame.Room, false)
	case EventPresenceUpdate:
		h.hub.UpdatePresence(client, frame.Status)
	case EventAuthenticate:
		// Already authenticated; ignore.
	default:
		h.hub.sendEnvelope(client, envelope(EventError, "", ErrorData{Code: "unknown_event", Detail: frame.Event}))
	}
}

func (h *Handler) writePump(client *Client) {
	defer client.conn.Close()
	for message := range client.Send {
		if err := client.conn.WriteMessage(gorillawebsocket.TextMessage, message); err != nil {
			return
		}
	}
}

// gorillaConn adapts a gorilla connection to the Conn interface.
type gorillaConn struct {
	conn *gorillawebsocket.Conn
}

func (g *gorillaConn) ReadMessage() (int, []byte, error) {
	return g.conn.ReadMessage()
}

func (g *gorillaConn) WriteMessage(messageType int, data []byte) error {
	return g.conn.WriteMessage(messageType, data)
}

func (g *gorillaConn) SetReadDeadline(t time.Time) error {
	return g.conn.SetReadDeadline(t)
}

func (g *gorillaConn) Close() error {
	return g.conn.Close()
}
