package app

import (
	"context"
	"log/slog"

	"github.com/nats-io/nats.go"

	"github.com/aradsms/dashboard_services/internal/core_domain"
	"github.com/aradsms/dashboard_services/internal/platform/messagebroker"
)

// EnqueueNotifier turns enqueue announcements into a coalescing wake signal.
// Any number of announcements between two worker polls collapse into one.
type EnqueueNotifier struct {
	ch     chan struct{}
	logger *slog.Logger
}

// NewEnqueueNotifier creates a notifier with a single-slot signal buffer.
func NewEnqueueNotifier(logger *slog.Logger) *EnqueueNotifier {
	return &EnqueueNotifier{
		ch:     make(chan struct{}, 1),
		logger: logger.With("component", "enqueue_notifier"),
	}
}

// Notify never blocks.
func (n *EnqueueNotifier) Notify() {
	select {
	case n.ch <- struct{}{}:
	default:
	}
}

// C is the channel handed to the worker.
func (n *EnqueueNotifier) C() <-chan struct{} {
	return n.ch
}

// Listen subscribes to enqueue announcements until ctx is cancelled.
// Every worker instance must see every announcement, so no queue group is used.
func (n *EnqueueNotifier) Listen(ctx context.Context, sub messagebroker.Subscriber) error {
	n.logger.InfoContext(ctx, "Listening for enqueue notifications", "subject", core_domain.SubjectOutboundEnqueued)
	return sub.SubscribeToSubjectWithQueue(ctx, core_domain.SubjectOutboundEnqueued, "", func(_ *nats.Msg) {
		wakeSignalsCounter.Inc()
		n.Notify()
	})
}
