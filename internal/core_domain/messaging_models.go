package core_domain

import (
	"time"
)

// MessageKind is the payload type of an outbound message.
type MessageKind string

const (
	// KindMedia is currently the only kind the queue worker dispatches.
	KindMedia MessageKind = "media"
)

// OutboundMessage represents a message queued for delivery to the messaging provider.
// The queue worker only mutates Status (and ProviderMessageID once sent).
type OutboundMessage struct {
	ID                string        `json:"id"` // UUID
	ConversationID    string        `json:"conversation_id"`
	Kind              MessageKind   `json:"kind"`
	Status            MessageStatus `json:"status"`
	RecipientAddress  string        `json:"recipient_address,omitempty"` // Joined from the conversation's lead
	ProviderMessageID *string       `json:"provider_message_id,omitempty"`
	Attempts          int           `json:"attempts"`
	ClaimedAt         *time.Time    `json:"claimed_at,omitempty"`
	CreatedAt         time.Time     `json:"created_at"`
	UpdatedAt         time.Time     `json:"updated_at"`
}

// ProviderID returns the provider message identifier, or "" before the message is sent.
func (m *OutboundMessage) ProviderID() string {
	if m == nil || m.ProviderMessageID == nil {
		return ""
	}
	return *m.ProviderMessageID
}

// MediaAttachment is the media sent with an outbound message. Immutable once created.
type MediaAttachment struct {
	ID        string    `json:"id"`
	MessageID string    `json:"message_id"`
	MediaURL  string    `json:"media_url"`
	Caption   *string   `json:"caption,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// CaptionText returns the caption or "" when none was set.
func (a *MediaAttachment) CaptionText() string {
	if a == nil || a.Caption == nil {
		return ""
	}
	return *a.Caption
}

// DeliveryReceipt tracks delivery to one recipient of a message (multi-recipient fan-out).
// Receipts move in lockstep with the parent message's terminal status.
type DeliveryReceipt struct {
	ID        string        `json:"id"`
	MessageID string        `json:"message_id"`
	Status    MessageStatus `json:"status"`
	UpdatedAt time.Time     `json:"updated_at"`
}

// StatusEvent is a transient provider delivery-status event. It is folded into
// the stored status and then discarded.
type StatusEvent struct {
	ProviderMessageID string        `json:"provider_message_id"`
	Status            MessageStatus `json:"status"`
	ArrivedAt         time.Time     `json:"arrived_at"`
}

// StatusNotice announces a status change of a stored message to the real-time layer.
type StatusNotice struct {
	MessageID         string        `json:"message_id"`
	ProviderMessageID string        `json:"provider_message_id,omitempty"`
	ConversationID    string        `json:"conversation_id"`
	Status            MessageStatus `json:"status"`
	At                time.Time     `json:"at"`
}

// ProviderStatusCallback mirrors the raw provider status payload relayed by the
// webhook controller onto the message broker.
type ProviderStatusCallback struct {
	ProviderMessageID string    `json:"provider_message_id"`
	Status            string    `json:"status"`
	RecipientID       string    `json:"recipient_id,omitempty"`
	Timestamp         time.Time `json:"timestamp"`
}

// NATS subjects shared between services.
const (
	SubjectOutboundEnqueued = "dashboard.outbound.enqueued"
	SubjectMessageNew       = "dashboard.message.new"
	SubjectMessageStatus    = "dashboard.message.status"
	SubjectProviderStatus   = "provider.status.raw.*"
)
