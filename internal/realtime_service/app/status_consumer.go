package app

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"

	"github.com/nats-io/nats.go"

	"github.com/aradsms/dashboard_services/internal/core_domain"
	"github.com/aradsms/dashboard_services/internal/platform/messagebroker"
)

// StatusEventConsumer decodes raw provider status callbacks relayed on
// provider.status.raw.<provider> and hands them to the processor channel.
type StatusEventConsumer struct {
	sub        messagebroker.Subscriber
	logger     *slog.Logger
	outputChan chan<- ProviderStatusEvent
}

func NewStatusEventConsumer(sub messagebroker.Subscriber, logger *slog.Logger, outputChan chan<- ProviderStatusEvent) *StatusEventConsumer {
	return &StatusEventConsumer{
		sub:        sub,
		logger:     logger.With("component", "status_event_consumer"),
		outputChan: outputChan,
	}
}

// HandleMessage decodes one broker message. It blocks until the processor
// accepts the event or ctx is done.
func (c *StatusEventConsumer) HandleMessage(ctx context.Context, msg *nats.Msg) {
	natsMessagesReceivedCounter.WithLabelValues(core_domain.SubjectProviderStatus).Inc()

	parts := strings.Split(msg.Subject, ".")
	if len(parts) != 4 || parts[0] != "provider" || parts[1] != "status" || parts[2] != "raw" || parts[3] == "" {
		c.logger.ErrorContext(ctx, "Invalid subject for provider status event", "subject", msg.Subject)
		return
	}
	providerName := parts[3]

	var cb core_domain.ProviderStatusCallback
	if err := json.Unmarshal(msg.Data, &cb); err != nil {
		c.logger.ErrorContext(ctx, "Failed to deserialize provider status event", "error", err, "subject", msg.Subject, "data", string(msg.Data))
		return
	}

	select {
	case c.outputChan <- ProviderStatusEvent{ProviderName: providerName, Callback: cb}:
	case <-ctx.Done():
		c.logger.InfoContext(ctx, "Context cancelled, dropping provider status event", "provider_message_id", cb.ProviderMessageID)
	}
}

// StartConsuming blocks until ctx is cancelled. Instances share queueGroup so
// each provider event is applied to the store once.
func (c *StatusEventConsumer) StartConsuming(ctx context.Context, queueGroup string) error {
	return c.sub.SubscribeToSubjectWithQueue(ctx, core_domain.SubjectProviderStatus, queueGroup, func(msg *nats.Msg) {
		c.HandleMessage(ctx, msg)
	})
}
