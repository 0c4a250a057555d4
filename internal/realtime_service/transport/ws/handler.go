package ws

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/aradsms/dashboard_services/internal/realtime_service/domain"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxCommandSize = 4096
)

// Registry is the part of the hub the websocket layer drives.
type Registry interface {
	Subscribe(conn domain.Connection, conversationID string)
	Unsubscribe(connID, conversationID string)
	RemoveConnection(connID string)
}

// Handler upgrades viewer requests and bridges each socket to the hub.
type Handler struct {
	registry   Registry
	upgrader   websocket.Upgrader
	sendBuffer int
	logger     *slog.Logger
}

func NewHandler(registry Registry, sendBuffer int, logger *slog.Logger) *Handler {
	if sendBuffer <= 0 {
		sendBuffer = 64
	}
	return &Handler{
		registry: registry,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			// Viewers authenticate upstream; origin checks happen at the edge proxy.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		sendBuffer: sendBuffer,
		logger:     logger.With("component", "ws_handler"),
	}
}

// Routes mounts the websocket endpoint on r.
func (h *Handler) Routes(r chi.Router) {
	r.Get("/ws", h.ServeHTTP)
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error.
		h.logger.WarnContext(r.Context(), "Websocket upgrade failed", "error", err, "remote_addr", r.RemoteAddr)
		return
	}
	c := newConnection(conn, h.sendBuffer, h.logger)
	h.logger.InfoContext(r.Context(), "Viewer connected", "connection_id", c.ID(), "remote_addr", r.RemoteAddr)
	connectedViewersGauge.Inc()

	go c.writePump()
	h.readPump(r.Context(), c)

	h.registry.RemoveConnection(c.ID())
	c.Close()
	connectedViewersGauge.Dec()
	h.logger.Info("Viewer disconnected", "connection_id", c.ID())
}

// readPump handles join/leave commands until the socket fails.
func (h *Handler) readPump(ctx context.Context, c *connection) {
	c.conn.SetReadLimit(maxCommandSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.logger.DebugContext(ctx, "Viewer read failed", "connection_id", c.ID(), "error", err)
			}
			return
		}
		var cmd domain.ClientCommand
		if err := json.Unmarshal(data, &cmd); err != nil {
			h.logger.WarnContext(ctx, "Ignoring malformed viewer command", "connection_id", c.ID(), "error", err)
			continue
		}
		switch cmd.Type {
		case domain.CommandJoinConversation:
			h.registry.Subscribe(c, cmd.ConversationID)
			h.logger.DebugContext(ctx, "Viewer joined conversation", "connection_id", c.ID(), "conversation_id", cmd.ConversationID)
		case domain.CommandLeaveConversation:
			h.registry.Unsubscribe(c.ID(), cmd.ConversationID)
			h.logger.DebugContext(ctx, "Viewer left conversation", "connection_id", c.ID(), "conversation_id", cmd.ConversationID)
		default:
			h.logger.WarnContext(ctx, "Ignoring unknown viewer command", "connection_id", c.ID(), "type", cmd.Type)
		}
	}
}

// connection implements domain.Connection over a gorilla websocket.
// Only writePump writes to the socket.
type connection struct {
	id     string
	conn   *websocket.Conn
	send   chan domain.Event
	done   chan struct{}
	once   sync.Once
	logger *slog.Logger
}

func newConnection(conn *websocket.Conn, buffer int, logger *slog.Logger) *connection {
	return &connection{
		id:     uuid.NewString(),
		conn:   conn,
		send:   make(chan domain.Event, buffer),
		done:   make(chan struct{}),
		logger: logger,
	}
}

func (c *connection) ID() string { return c.id }

func (c *connection) Send(ev domain.Event) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.send <- ev:
		return true
	default:
		return false
	}
}

// Close is idempotent. Closing the socket also unblocks the read pump.
func (c *connection) Close() {
	c.once.Do(func() {
		close(c.done)
		_ = c.conn.Close()
	})
}

func (c *connection) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.Close()
	}()
	for {
		select {
		case <-c.done:
			return
		case ev := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteJSON(ev); err != nil {
				c.logger.Debug("Viewer write failed", "connection_id", c.id, "error", err)
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
