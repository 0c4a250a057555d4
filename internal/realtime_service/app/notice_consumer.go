package app

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/nats-io/nats.go"
	"golang.org/x/sync/errgroup"

	"github.com/aradsms/dashboard_services/internal/core_domain"
	"github.com/aradsms/dashboard_services/internal/platform/messagebroker"
	"github.com/aradsms/dashboard_services/internal/realtime_service/domain"
)

// NoticeConsumer feeds broker notices into the hub. Every realtime instance
// holds its own viewers, so these subscriptions use no queue group.
type NoticeConsumer struct {
	sub    messagebroker.Subscriber
	hub    *Hub
	logger *slog.Logger
}

func NewNoticeConsumer(sub messagebroker.Subscriber, hub *Hub, logger *slog.Logger) *NoticeConsumer {
	return &NoticeConsumer{sub: sub, hub: hub, logger: logger.With("component", "notice_consumer")}
}

func (c *NoticeConsumer) HandleNewMessage(ctx context.Context, msg *nats.Msg) {
	natsMessagesReceivedCounter.WithLabelValues(core_domain.SubjectMessageNew).Inc()
	var m core_domain.OutboundMessage
	if err := json.Unmarshal(msg.Data, &m); err != nil {
		c.logger.ErrorContext(ctx, "Failed to deserialize new message notice", "error", err, "data", string(msg.Data))
		return
	}
	n := c.hub.PublishNewMessage(ctx, &m)
	c.logger.DebugContext(ctx, "Fanned out new message", "message_id", m.ID, "conversation_id", m.ConversationID, "viewers", n)
}

func (c *NoticeConsumer) HandleStatusNotice(ctx context.Context, msg *nats.Msg) {
	natsMessagesReceivedCounter.WithLabelValues(core_domain.SubjectMessageStatus).Inc()
	var notice core_domain.StatusNotice
	if err := json.Unmarshal(msg.Data, &notice); err != nil {
		c.logger.ErrorContext(ctx, "Failed to deserialize status notice", "error", err, "data", string(msg.Data))
		return
	}
	n := c.hub.PublishStatusUpdate(ctx, domain.StatusUpdateFromNotice(notice))
	c.logger.DebugContext(ctx, "Fanned out status update", "message_id", notice.MessageID, "status", notice.Status, "viewers", n)
}

// StartConsuming blocks until ctx is cancelled.
func (c *NoticeConsumer) StartConsuming(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return c.sub.SubscribeToSubjectWithQueue(gctx, core_domain.SubjectMessageNew, "", func(msg *nats.Msg) {
			c.HandleNewMessage(gctx, msg)
		})
	})
	g.Go(func() error {
		return c.sub.SubscribeToSubjectWithQueue(gctx, core_domain.SubjectMessageStatus, "", func(msg *nats.Msg) {
			c.HandleStatusNotice(gctx, msg)
		})
	})
	return g.Wait()
}
