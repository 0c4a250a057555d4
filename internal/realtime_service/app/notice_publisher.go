package app

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/aradsms/dashboard_services/internal/core_domain"
	"github.com/aradsms/dashboard_services/internal/platform/messagebroker"
)

// NATSNoticeRelay republishes applied provider statuses so that every
// realtime instance, not only the one that applied it, reaches its viewers.
type NATSNoticeRelay struct {
	pub messagebroker.Publisher
}

func NewNATSNoticeRelay(pub messagebroker.Publisher) *NATSNoticeRelay {
	return &NATSNoticeRelay{pub: pub}
}

func (r *NATSNoticeRelay) PublishStatus(ctx context.Context, notice core_domain.StatusNotice) error {
	payload, err := json.Marshal(notice)
	if err != nil {
		return fmt.Errorf("failed to marshal status notice: %w", err)
	}
	return r.pub.Publish(ctx, core_domain.SubjectMessageStatus, payload)
}
