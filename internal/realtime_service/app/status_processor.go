package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/aradsms/dashboard_services/internal/core_domain"
	"github.com/aradsms/dashboard_services/internal/realtime_service/domain"
)

// ProviderStatusEvent is a decoded provider status callback.
type ProviderStatusEvent struct {
	ProviderName string
	Callback     core_domain.ProviderStatusCallback
}

// StatusEventProcessor folds provider status events into the store and
// announces the ones that advanced a message. Stale events stop here.
type StatusEventProcessor struct {
	store   domain.StatusStore
	notices domain.NoticePublisher
	logger  *slog.Logger
	now     func() time.Time
}

func NewStatusEventProcessor(store domain.StatusStore, notices domain.NoticePublisher, logger *slog.Logger) *StatusEventProcessor {
	return &StatusEventProcessor{
		store:   store,
		notices: notices,
		logger:  logger.With("component", "status_event_processor"),
		now:     time.Now,
	}
}

// Process applies one event. Invalid, unknown and stale events are not errors.
func (p *StatusEventProcessor) Process(ctx context.Context, ev ProviderStatusEvent) (domain.StatusApplyResult, error) {
	cb := ev.Callback
	logger := p.logger.With("provider_name", ev.ProviderName, "provider_message_id", cb.ProviderMessageID, "raw_status", cb.Status)

	status, err := core_domain.ParseMessageStatus(cb.Status)
	if err != nil || cb.ProviderMessageID == "" || core_domain.Rank(status) == core_domain.RankUnset {
		providerStatusEventsCounter.WithLabelValues("invalid").Inc()
		logger.WarnContext(ctx, "Ignoring unusable provider status event")
		return domain.StatusApplyResult{}, nil
	}

	at := cb.Timestamp
	if at.IsZero() {
		at = p.now()
	}
	res, err := p.store.ApplyProviderStatus(ctx, cb.ProviderMessageID, status, at.UTC())
	if err != nil {
		if errors.Is(err, domain.ErrUnknownProviderMessage) {
			providerStatusEventsCounter.WithLabelValues("unknown_message").Inc()
			logger.DebugContext(ctx, "Status event for unknown provider message")
			return domain.StatusApplyResult{}, nil
		}
		providerStatusEventsCounter.WithLabelValues("error").Inc()
		return domain.StatusApplyResult{}, fmt.Errorf("apply provider status %s to %s: %w", status, cb.ProviderMessageID, err)
	}
	if !res.Applied {
		providerStatusEventsCounter.WithLabelValues("stale").Inc()
		logger.DebugContext(ctx, "Discarded stale status event", "message_id", res.MessageID, "current_status", res.Current, "incoming_status", status)
		return res, nil
	}

	providerStatusEventsCounter.WithLabelValues("applied").Inc()
	logger.InfoContext(ctx, "Applied provider status", "message_id", res.MessageID, "previous_status", res.Previous, "status", res.Current)

	notice := core_domain.StatusNotice{
		MessageID:         res.MessageID,
		ProviderMessageID: cb.ProviderMessageID,
		ConversationID:    res.ConversationID,
		Status:            res.Current,
		At:                at.UTC(),
	}
	if err := p.notices.PublishStatus(ctx, notice); err != nil {
		// The store already holds the new status; viewers catch up on their next load.
		logger.WarnContext(ctx, "Failed to announce applied status", "message_id", res.MessageID, "error", err)
	}
	return res, nil
}

// Run processes events from in until ctx is cancelled or in is closed.
// Events are handled one at a time, in arrival order.
func (p *StatusEventProcessor) Run(ctx context.Context, in <-chan ProviderStatusEvent) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-in:
			if !ok {
				return nil
			}
			if _, err := p.Process(ctx, ev); err != nil {
				p.logger.ErrorContext(ctx, "Failed to process provider status event", "error", err)
			}
		}
	}
}
