package provider

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/aradsms/dashboard_services/internal/media_dispatch_service/app"
	"github.com/aradsms/dashboard_services/internal/media_dispatch_service/domain"
)

// MockSender simulates the provider for local runs.
type MockSender struct {
	logger         *slog.Logger
	FailSend       bool // simulate a transient failure
	FailPermanent  bool // simulate a provider rejection
	SimulatedDelay time.Duration
}

func NewMockSender(logger *slog.Logger, failSend bool, delay time.Duration) *MockSender {
	return &MockSender{
		logger:         logger.With("provider", "mock"),
		FailSend:       failSend,
		SimulatedDelay: delay,
	}
}

func (p *MockSender) SendMedia(ctx context.Context, recipient, mediaURL, caption string) (string, error) {
	timer := prometheus.NewTimer(app.ProviderSendDurationHist.WithLabelValues(p.GetName()))
	defer timer.ObserveDuration()

	p.logger.InfoContext(ctx, "MockSender: SendMedia called", "recipient", recipient, "media_url", mediaURL, "caption_length", len(caption))

	if p.SimulatedDelay > 0 {
		select {
		case <-time.After(p.SimulatedDelay):
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	if p.FailPermanent {
		return "", fmt.Errorf("mock provider rejected recipient %s: %w", recipient, domain.ErrPermanentSend)
	}
	if p.FailSend {
		return "", fmt.Errorf("mock provider simulated send failure")
	}

	providerMsgID := "mock-" + uuid.NewString()
	p.logger.InfoContext(ctx, "MockSender: media sent (simulated)", "recipient", recipient, "provider_message_id", providerMsgID)
	return providerMsgID, nil
}

func (p *MockSender) GetName() string {
	return "mock"
}
