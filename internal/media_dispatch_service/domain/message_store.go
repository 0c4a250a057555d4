package domain

import (
	"context"
	"time"

	"github.com/aradsms/dashboard_services/internal/core_domain"
)

// MessageStore is the persistence contract the queue worker depends on.
// ClaimOldestQueued must be a single atomic conditional transition
// queued -> processing so that concurrent workers never claim the same row.
type MessageStore interface {
	// ClaimOldestQueued claims the oldest queued message of kind, setting its
	// claim timestamp and incrementing its attempt count. It returns
	// ErrNoQueuedMessages when nothing is claimable.
	ClaimOldestQueued(ctx context.Context, kind core_domain.MessageKind) (*core_domain.OutboundMessage, error)

	// ResolveClaim moves a claimed message out of processing to status. The
	// write only happens while the message is still processing under the claim
	// identified by attempt (the attempt count returned by the claim); otherwise
	// it returns ErrClaimLost. providerMessageID is stored when non-nil.
	ResolveClaim(ctx context.Context, messageID string, attempt int, status core_domain.MessageStatus, providerMessageID *string) error

	// GetAttachment returns the media attachment of a message or ErrAttachmentNotFound.
	GetAttachment(ctx context.Context, messageID string) (*core_domain.MediaAttachment, error)

	// UpdateReceiptsStatus moves every delivery receipt of the message to status
	// unless the receipt already holds a higher ranked status.
	UpdateReceiptsStatus(ctx context.Context, messageID string, status core_domain.MessageStatus) error

	// ReclaimStale returns messages stuck in processing since before claimedBefore to queued.
	ReclaimStale(ctx context.Context, claimedBefore time.Time) (int64, error)

	// Ping checks store connectivity.
	Ping(ctx context.Context) error
}

// MediaSender is the outbound provider API.
type MediaSender interface {
	// SendMedia sends mediaURL (with optional caption) to recipient and returns
	// the provider-assigned message identifier.
	SendMedia(ctx context.Context, recipient, mediaURL, caption string) (string, error)
	GetName() string
}

// NoticePublisher announces status transitions to the real-time layer.
type NoticePublisher interface {
	PublishStatus(ctx context.Context, notice core_domain.StatusNotice) error
}
