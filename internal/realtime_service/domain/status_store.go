package domain

import (
	"context"
	"errors"
	"time"

	"github.com/aradsms/dashboard_services/internal/core_domain"
)

// ErrUnknownProviderMessage is returned for status events whose provider
// message id matches no stored message.
var ErrUnknownProviderMessage = errors.New("no message for provider message id")

// StatusApplyResult describes the effect of a provider status event.
type StatusApplyResult struct {
	MessageID      string
	ConversationID string
	Previous       core_domain.MessageStatus
	Current        core_domain.MessageStatus
	Applied        bool // false: the event was stale and discarded
}

// StatusStore folds provider status events into stored messages. The stored
// status only ever moves up the status order.
type StatusStore interface {
	ApplyProviderStatus(ctx context.Context, providerMessageID string, status core_domain.MessageStatus, at time.Time) (StatusApplyResult, error)
	Ping(ctx context.Context) error
}

// NoticePublisher announces applied status changes to every realtime instance.
type NoticePublisher interface {
	PublishStatus(ctx context.Context, notice core_domain.StatusNotice) error
}
