// WebSocket HTTP handler.
//
// This file exposes the persistent client stream:
//   - GET /ws/:room (upgraded to WebSocket)
//
// Each accepted connection gets a fresh uuid connection id, a bounded
// outbound queue drained by a single writer pump (gorilla/websocket allows
// one concurrent writer), and keepalive via ping/pong deadlines. The
// handler stays transport-thin: every frame the client sends is handed to
// the Room Session, and everything the room broadcasts is queued for the
// writer pump. A connection whose queue overflows is dropped by the room.
package handlers

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/tbourn/go-relay-backend/internal/http/middleware"
	"github.com/tbourn/go-relay-backend/internal/services"
	"github.com/tbourn/go-relay-backend/internal/sysutil"
)

const (
	// wsWriteWait bounds a single frame write.
	wsWriteWait = 5 * time.Second
	// wsPongWait is how long a silent peer stays considered alive.
	wsPongWait = 60 * time.Second
	// wsPingPeriod must be shorter than wsPongWait.
	wsPingPeriod = 30 * time.Second
	// wsReadLimit caps inbound frame size.
	wsReadLimit = 64 << 10
	// wsSendBuffer is the outbound queue per connection.
	wsSendBuffer = 64
)

// RoomHub resolves the live Room Session for a room id. Satisfied by
// *services.Hub.
type RoomHub interface {
	Room(ctx context.Context, roomID string) (*services.Room, error)
}

// WSHandler upgrades client connections and bridges them to Room Sessions.
type WSHandler struct {
	hub      RoomHub
	upgrader websocket.Upgrader
}

// NewWSHandler constructs a WSHandler over the room hub.
func NewWSHandler(hub RoomHub) *WSHandler {
	return &WSHandler{
		hub: hub,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
}

// wsConn adapts one websocket connection to the services.Conn contract.
type wsConn struct {
	id   string
	send chan services.Event
	done chan struct{}
}

// ID returns the connection identifier.
func (w *wsConn) ID() string { return w.id }

// Deliver enqueues one frame without blocking. False means the connection
// is gone or its queue is full; the room drops it either way.
func (w *wsConn) Deliver(ev services.Event) bool {
	select {
	case <-w.done:
		return false
	case w.send <- ev:
		return true
	default:
		return false
	}
}

// Serve handles GET /ws/:room. The room is resolved (and its history
// loaded) before the upgrade so a storage failure still yields a plain
// HTTP error the client can see.
func (h *WSHandler) Serve(c *gin.Context) {
	roomID := c.Param("room")
	author := sysutil.FirstNonEmpty(c.Query("author"), c.GetHeader("X-Author"), "Anonymous")

	room, err := h.hub.Room(c.Request.Context(), roomID)
	if err != nil {
		fail(c, http.StatusInternalServerError, ErrCodeInternal, "room unavailable")
		return
	}

	lg := middleware.LoggerFrom(c)
	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		// Upgrade has already written its own error response.
		lg.Warn().Err(err).Str("room", roomID).Msg("websocket upgrade failed")
		return
	}

	wc := &wsConn{
		id:   uuid.NewString(),
		send: make(chan services.Event, wsSendBuffer),
		done: make(chan struct{}),
	}

	go h.writePump(conn, wc)

	room.Join(c.Request.Context(), wc, author)
	lg.Info().Str("room", roomID).Str("conn", wc.id).Msg("client connected")

	h.readLoop(conn, wc, room)

	room.Leave(wc.id)
	close(wc.done)
	_ = conn.Close()
	lg.Info().Str("room", roomID).Str("conn", wc.id).Msg("client disconnected")
}

// readLoop consumes client frames until the connection drops and feeds
// them to the room. Malformed or rejected frames are reported back on the
// same connection; a failed persist is surfaced the same way, with the
// message id so the client can retry it.
func (h *WSHandler) readLoop(conn *websocket.Conn, wc *wsConn, room *services.Room) {
	conn.SetReadLimit(wsReadLimit)
	_ = conn.SetReadDeadline(time.Now().Add(wsPongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})

	for {
		var ev services.Event
		if err := conn.ReadJSON(&ev); err != nil {
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(wsPongWait))

		if err := room.Receive(context.Background(), wc.id, ev); err != nil {
			status := "rejected"
			if !errors.Is(err, services.ErrUnknownEvent) && !errors.Is(err, services.ErrEmptyMessage) {
				status = "store_failed"
			}
			wc.Deliver(services.Event{
				Type:         services.EventConnection,
				Status:       status,
				ID:           ev.ID,
				ConnectionID: wc.id,
			})
		}
	}
}

// writePump is the single writer for one connection: it drains the
// outbound queue and keeps the peer alive with pings.
func (h *WSHandler) writePump(conn *websocket.Conn, wc *wsConn) {
	ticker := time.NewTicker(wsPingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-wc.done:
			return
		case ev := <-wc.send:
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteJSON(ev); err != nil {
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
