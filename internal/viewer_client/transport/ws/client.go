package ws

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/gorilla/websocket"

	"github.com/aradsms/dashboard_services/internal/realtime_service/domain"
)

// Client is a viewer-side realtime connection. It re-dials and re-joins its
// conversations after a disconnect; consumers must tolerate replayed events.
type Client struct {
	url            string
	dialer         *websocket.Dialer
	reconnectDelay time.Duration
	logger         *slog.Logger
}

func NewClient(url string, reconnectDelay time.Duration, logger *slog.Logger) *Client {
	if reconnectDelay <= 0 {
		reconnectDelay = 2 * time.Second
	}
	return &Client{
		url:            url,
		dialer:         websocket.DefaultDialer,
		reconnectDelay: reconnectDelay,
		logger:         logger.With("component", "viewer_ws_client"),
	}
}

// Run joins conversationIDs and hands every received event to sink until ctx
// is cancelled. sink is called from a single goroutine.
func (c *Client) Run(ctx context.Context, conversationIDs []string, sink func(domain.Event)) error {
	for {
		err := c.session(ctx, conversationIDs, sink)
		if ctx.Err() != nil {
			return nil
		}
		c.logger.WarnContext(ctx, "Realtime connection lost, reconnecting", "error", err, "delay", c.reconnectDelay)
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(c.reconnectDelay):
		}
	}
}

func (c *Client) session(ctx context.Context, conversationIDs []string, sink func(domain.Event)) error {
	conn, _, err := c.dialer.DialContext(ctx, c.url, nil)
	if err != nil {
		return fmt.Errorf("dial %s: %w", c.url, err)
	}
	defer conn.Close()

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
			_ = conn.Close()
		case <-stop:
		}
	}()

	for _, id := range conversationIDs {
		if err := conn.WriteJSON(domain.ClientCommand{Type: domain.CommandJoinConversation, ConversationID: id}); err != nil {
			return fmt.Errorf("join conversation %s: %w", id, err)
		}
	}
	c.logger.InfoContext(ctx, "Connected to realtime service", "url", c.url, "conversations", len(conversationIDs))

	for {
		var ev domain.Event
		if err := conn.ReadJSON(&ev); err != nil {
			var closeErr *websocket.CloseError
			if errors.As(err, &closeErr) && closeErr.Code == websocket.CloseNormalClosure {
				return nil
			}
			return fmt.Errorf("read event: %w", err)
		}
		sink(ev)
	}
}
