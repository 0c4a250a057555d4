package core_domain

import (
	"database/sql/driver"
	"errors"
	"fmt"
	"strings"
)

// ErrUnknownStatus is returned when a status string does not map to a MessageStatus.
var ErrUnknownStatus = errors.New("unknown message status")

// MessageStatus is the lifecycle/delivery state of an outbound message.
type MessageStatus string

const (
	StatusQueued     MessageStatus = "queued"
	StatusProcessing MessageStatus = "processing"
	StatusSent       MessageStatus = "sent"
	StatusFailed     MessageStatus = "failed"
	StatusDelivered  MessageStatus = "delivered"
	StatusReceived   MessageStatus = "received"
	StatusRead       MessageStatus = "read"
)

// ParseMessageStatus normalizes a raw status string (provider callbacks use
// mixed case) into a known MessageStatus.
func ParseMessageStatus(raw string) (MessageStatus, error) {
	s := MessageStatus(strings.ToLower(strings.TrimSpace(raw)))
	switch s {
	case StatusQueued, StatusProcessing, StatusSent, StatusFailed,
		StatusDelivered, StatusReceived, StatusRead:
		return s, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownStatus, raw)
}

// IsTerminalForWorker reports whether the queue worker is done with a message in this status.
func (s MessageStatus) IsTerminalForWorker() bool {
	return s == StatusSent || s == StatusFailed
}

// Value implements the driver.Valuer interface for MessageStatus.
func (s MessageStatus) Value() (driver.Value, error) {
	return string(s), nil
}

// Scan implements the sql.Scanner interface for MessageStatus.
func (s *MessageStatus) Scan(value interface{}) error {
	var raw string
	switch v := value.(type) {
	case string:
		raw = v
	case []byte:
		raw = string(v)
	case nil:
		*s = ""
		return nil
	default:
		return fmt.Errorf("failed to scan MessageStatus: value is %T", value)
	}
	parsed, err := ParseMessageStatus(raw)
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}
