package domain

import (
	"github.com/aradsms/dashboard_services/internal/core_domain"
)

// Server -> viewer frame types.
const (
	EventMessageNew         = "message:new"
	EventMessageStatus      = "message:status"
	EventConversationStatus = "conversation:status"
)

// Viewer -> server command types.
const (
	CommandJoinConversation  = "join-conversation"
	CommandLeaveConversation = "leave-conversation"
)

// Event is a single frame pushed to a viewer.
type Event struct {
	Type              string                       `json:"type"`
	Message           *core_domain.OutboundMessage `json:"message,omitempty"`
	MessageID         string                       `json:"message_id,omitempty"`
	ProviderMessageID string                       `json:"provider_message_id,omitempty"`
	ConversationID    string                       `json:"conversation_id,omitempty"`
	Status            core_domain.MessageStatus    `json:"status,omitempty"`
}

// ClientCommand is a frame received from a viewer.
type ClientCommand struct {
	Type           string `json:"type"`
	ConversationID string `json:"conversation_id"`
}

// StatusUpdate is what the hub fans out for a status change. Viewers match it
// by provider message id, falling back to the message id for messages that
// never reached the provider.
type StatusUpdate struct {
	ProviderMessageID string
	MessageID         string
	ConversationID    string
	Status            core_domain.MessageStatus
}

// StatusUpdateFromNotice converts a broker notice.
func StatusUpdateFromNotice(n core_domain.StatusNotice) StatusUpdate {
	return StatusUpdate{
		ProviderMessageID: n.ProviderMessageID,
		MessageID:         n.MessageID,
		ConversationID:    n.ConversationID,
		Status:            n.Status,
	}
}

// Connection is one live viewer channel as seen by the hub.
type Connection interface {
	ID() string
	// Send queues an event without blocking. It returns false when the
	// connection is closed or cannot keep up.
	Send(ev Event) bool
	Close()
}
