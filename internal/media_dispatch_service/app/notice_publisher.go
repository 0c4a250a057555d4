package app

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/aradsms/dashboard_services/internal/core_domain"
	"github.com/aradsms/dashboard_services/internal/platform/messagebroker"
)

// NATSNoticePublisher publishes status notices for the realtime service.
type NATSNoticePublisher struct {
	pub messagebroker.Publisher
}

func NewNATSNoticePublisher(pub messagebroker.Publisher) *NATSNoticePublisher {
	return &NATSNoticePublisher{pub: pub}
}

func (p *NATSNoticePublisher) PublishStatus(ctx context.Context, notice core_domain.StatusNotice) error {
	payload, err := json.Marshal(notice)
	if err != nil {
		return fmt.Errorf("failed to marshal status notice: %w", err)
	}
	if err := p.pub.Publish(ctx, core_domain.SubjectMessageStatus, payload); err != nil {
		return fmt.Errorf("failed to publish status notice for message %s: %w", notice.MessageID, err)
	}
	return nil
}
