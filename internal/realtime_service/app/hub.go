package app

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/aradsms/dashboard_services/internal/core_domain"
	"github.com/aradsms/dashboard_services/internal/realtime_service/domain"
)

type latestMessage struct {
	messageID         string
	providerMessageID string
	createdAt         time.Time
}

// Hub is the subscription registry: conversation id -> live viewer connections.
// Publishing never blocks on a viewer; a viewer that cannot keep up is disconnected.
type Hub struct {
	mu     sync.RWMutex
	subs   map[string]map[string]domain.Connection // conversation -> connection id -> conn
	joined map[string]map[string]struct{}          // connection id -> conversations
	latest map[string]latestMessage                // conversation -> most recent message
	logger *slog.Logger
}

func NewHub(logger *slog.Logger) *Hub {
	return &Hub{
		subs:   make(map[string]map[string]domain.Connection),
		joined: make(map[string]map[string]struct{}),
		latest: make(map[string]latestMessage),
		logger: logger.With("component", "realtime_hub"),
	}
}

// Subscribe adds conn to the conversation. Subscribing twice is a no-op.
func (h *Hub) Subscribe(conn domain.Connection, conversationID string) {
	if conversationID == "" {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()

	set, ok := h.subs[conversationID]
	if !ok {
		set = make(map[string]domain.Connection)
		h.subs[conversationID] = set
	}
	if _, dup := set[conn.ID()]; dup {
		return
	}
	set[conn.ID()] = conn

	convs, ok := h.joined[conn.ID()]
	if !ok {
		convs = make(map[string]struct{})
		h.joined[conn.ID()] = convs
	}
	convs[conversationID] = struct{}{}
	subscriptionsGauge.Inc()
}

// Unsubscribe removes one membership. Unknown memberships are ignored.
func (h *Hub) Unsubscribe(connID, conversationID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.unsubscribeLocked(connID, conversationID)
}

func (h *Hub) unsubscribeLocked(connID, conversationID string) {
	set, ok := h.subs[conversationID]
	if !ok {
		return
	}
	if _, member := set[connID]; !member {
		return
	}
	delete(set, connID)
	subscriptionsGauge.Dec()
	if len(set) == 0 {
		delete(h.subs, conversationID)
		delete(h.latest, conversationID)
	}
	if convs, ok := h.joined[connID]; ok {
		delete(convs, conversationID)
		if len(convs) == 0 {
			delete(h.joined, connID)
		}
	}
}

// RemoveConnection drops every membership of a connection (disconnect).
func (h *Hub) RemoveConnection(connID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for conversationID := range h.joined[connID] {
		h.unsubscribeLocked(connID, conversationID)
	}
}

// SubscriberCount returns the number of connections joined to a conversation.
func (h *Hub) SubscriberCount(conversationID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs[conversationID])
}

// PublishNewMessage delivers msg verbatim to every subscriber of its conversation.
// Duplicate suppression is left to viewers. It returns the number of viewers reached.
func (h *Hub) PublishNewMessage(ctx context.Context, msg *core_domain.OutboundMessage) int {
	if msg == nil || msg.ConversationID == "" {
		return 0
	}
	h.mu.Lock()
	if cur, ok := h.latest[msg.ConversationID]; (!ok || !msg.CreatedAt.Before(cur.createdAt)) && len(h.subs[msg.ConversationID]) > 0 {
		h.latest[msg.ConversationID] = latestMessage{
			messageID:         msg.ID,
			providerMessageID: msg.ProviderID(),
			createdAt:         msg.CreatedAt,
		}
	}
	targets := h.snapshotLocked(msg.ConversationID)
	h.mu.Unlock()

	reached := h.fanOut(ctx, targets, domain.Event{
		Type:           domain.EventMessageNew,
		Message:        msg,
		ConversationID: msg.ConversationID,
	})
	return len(reached)
}

// PublishStatusUpdate delivers a status change to the conversation's subscribers.
// When the update concerns the conversation's most recent message, a
// conversation:status frame follows so list summaries can refresh.
func (h *Hub) PublishStatusUpdate(ctx context.Context, u domain.StatusUpdate) int {
	if u.ConversationID == "" || u.Status == "" {
		return 0
	}
	h.mu.Lock()
	isLatest := false
	if cur, ok := h.latest[u.ConversationID]; ok {
		if u.MessageID != "" && cur.messageID == u.MessageID {
			isLatest = true
			if u.ProviderMessageID != "" {
				cur.providerMessageID = u.ProviderMessageID
				h.latest[u.ConversationID] = cur
			}
		} else if u.ProviderMessageID != "" && cur.providerMessageID == u.ProviderMessageID {
			isLatest = true
		}
	}
	targets := h.snapshotLocked(u.ConversationID)
	h.mu.Unlock()

	reached := h.fanOut(ctx, targets, domain.Event{
		Type:              domain.EventMessageStatus,
		MessageID:         u.MessageID,
		ProviderMessageID: u.ProviderMessageID,
		ConversationID:    u.ConversationID,
		Status:            u.Status,
	})
	if isLatest {
		h.fanOut(ctx, reached, domain.Event{
			Type:           domain.EventConversationStatus,
			ConversationID: u.ConversationID,
			Status:         u.Status,
		})
	}
	return len(reached)
}

func (h *Hub) snapshotLocked(conversationID string) []domain.Connection {
	set := h.subs[conversationID]
	if len(set) == 0 {
		return nil
	}
	out := make([]domain.Connection, 0, len(set))
	for _, c := range set {
		out = append(out, c)
	}
	return out
}

// fanOut sends outside the lock so one slow viewer never stalls the registry.
// It returns the connections that accepted the event.
func (h *Hub) fanOut(ctx context.Context, targets []domain.Connection, ev domain.Event) []domain.Connection {
	reached := make([]domain.Connection, 0, len(targets))
	for _, c := range targets {
		if c.Send(ev) {
			reached = append(reached, c)
			continue
		}
		h.logger.WarnContext(ctx, "Viewer cannot keep up, disconnecting", "connection_id", c.ID(), "event_type", ev.Type)
		slowViewerDisconnectsCounter.Inc()
		h.RemoveConnection(c.ID())
		c.Close()
	}
	eventsFannedOutCounter.WithLabelValues(ev.Type).Add(float64(len(reached)))
	return reached
}
