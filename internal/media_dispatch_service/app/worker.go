package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/aradsms/dashboard_services/internal/core_domain"
	"github.com/aradsms/dashboard_services/internal/media_dispatch_service/domain"
)

// Outcome is the result of a single worker iteration.
type Outcome string

const (
	OutcomeIdle             Outcome = "idle"
	OutcomeSent             Outcome = "sent"
	OutcomePermanentFailure Outcome = "permanent_failure"
	OutcomeTransientFailure Outcome = "transient_failure"
	OutcomeStoreError       Outcome = "store_error"
	OutcomeClaimLost        Outcome = "claim_lost"
)

// WorkerConfig holds the pacing knobs of the queue worker.
type WorkerConfig struct {
	Kind          core_domain.MessageKind
	PollInterval  time.Duration // idle wait when nothing is queued
	SendInterval  time.Duration // pause after a successful send
	RetryCooldown time.Duration // pause after a transient failure or store error
	SendTimeout   time.Duration // per provider request
	MaxAttempts   int           // 0 = retry forever
}

// DefaultWorkerConfig returns the pacing used when nothing is configured.
func DefaultWorkerConfig() WorkerConfig {
	return WorkerConfig{
		Kind:          core_domain.KindMedia,
		PollInterval:  2 * time.Second,
		SendInterval:  time.Second,
		RetryCooldown: 5 * time.Second,
		SendTimeout:   30 * time.Second,
	}
}

// QueueWorker drains queued media messages one at a time: claim, send through
// the provider, record the outcome. Only one message is in flight per worker.
type QueueWorker struct {
	store   domain.MessageStore
	sender  domain.MediaSender
	notices domain.NoticePublisher // optional
	wake    <-chan struct{}        // optional
	logger  *slog.Logger
	cfg     WorkerConfig
	now     func() time.Time

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// WorkerOption customises a QueueWorker.
type WorkerOption func(*QueueWorker)

// WithNoticePublisher makes the worker announce sent/failed transitions.
func WithNoticePublisher(p domain.NoticePublisher) WorkerOption {
	return func(w *QueueWorker) { w.notices = p }
}

// WithWakeChannel lets an enqueue notifier cut the idle wait short.
func WithWakeChannel(ch <-chan struct{}) WorkerOption {
	return func(w *QueueWorker) { w.wake = ch }
}

// NewQueueWorker creates a worker. Zero durations in cfg fall back to DefaultWorkerConfig.
func NewQueueWorker(store domain.MessageStore, sender domain.MediaSender, cfg WorkerConfig, logger *slog.Logger, opts ...WorkerOption) *QueueWorker {
	def := DefaultWorkerConfig()
	if cfg.Kind == "" {
		cfg.Kind = def.Kind
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = def.PollInterval
	}
	if cfg.SendInterval < 0 {
		cfg.SendInterval = 0
	}
	if cfg.RetryCooldown < 0 {
		cfg.RetryCooldown = 0
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = def.SendTimeout
	}
	w := &QueueWorker{
		store:  store,
		sender: sender,
		logger: logger.With("component", "queue_worker", "provider", sender.GetName()),
		cfg:    cfg,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Start launches Run in a goroutine. Calling Start on a running worker is a no-op.
func (w *QueueWorker) Start(ctx context.Context) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.done != nil {
		return
	}
	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	w.cancel = cancel
	w.done = done
	go func() {
		defer close(done)
		_ = w.Run(runCtx)
	}()
}

// Stop cancels the loop and waits until the in-flight message, if any, is recorded.
func (w *QueueWorker) Stop() {
	w.mu.Lock()
	cancel, done := w.cancel, w.done
	w.cancel, w.done = nil, nil
	w.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

// Run loops until ctx is cancelled. Cancellation is observed between
// iterations and during pauses; a claimed message is always finished.
func (w *QueueWorker) Run(ctx context.Context) error {
	w.logger.InfoContext(ctx, "Queue worker started",
		"kind", w.cfg.Kind,
		"poll_interval", w.cfg.PollInterval,
		"send_interval", w.cfg.SendInterval,
		"retry_cooldown", w.cfg.RetryCooldown,
		"max_attempts", w.cfg.MaxAttempts)
	defer w.logger.Info("Queue worker stopped")

	for {
		if ctx.Err() != nil {
			return nil
		}
		outcome, err := w.RunOnce(ctx)
		workerIterationsCounter.WithLabelValues(string(outcome)).Inc()
		if err != nil {
			w.logger.ErrorContext(ctx, "Queue worker iteration failed", "outcome", outcome, "error", err)
		}

		switch outcome {
		case OutcomeIdle:
			w.waitForWork(ctx)
		case OutcomeSent, OutcomeClaimLost:
			// A lost claim may still have reached the provider.
			w.pause(ctx, w.cfg.SendInterval)
		case OutcomeTransientFailure, OutcomeStoreError:
			w.pause(ctx, w.cfg.RetryCooldown)
		case OutcomePermanentFailure:
			// next message right away
		}
	}
}

// RunOnce performs one claim-send-record cycle without any pacing.
func (w *QueueWorker) RunOnce(ctx context.Context) (Outcome, error) {
	msg, err := w.store.ClaimOldestQueued(ctx, w.cfg.Kind)
	if err != nil {
		if errors.Is(err, domain.ErrNoQueuedMessages) {
			return OutcomeIdle, nil
		}
		return OutcomeStoreError, fmt.Errorf("claim oldest queued message: %w", err)
	}

	// The claim is ours now; shutdown must not strand it in processing.
	workCtx := context.WithoutCancel(ctx)
	logger := w.logger.With("message_id", msg.ID, "conversation_id", msg.ConversationID, "attempt", msg.Attempts)
	logger.DebugContext(workCtx, "Claimed message")

	att, err := w.store.GetAttachment(workCtx, msg.ID)
	if err != nil {
		if errors.Is(err, domain.ErrAttachmentNotFound) {
			logger.WarnContext(workCtx, "Message has no media attachment, marking failed")
			return w.fail(workCtx, logger, msg)
		}
		if reqErr := w.resolve(workCtx, msg, core_domain.StatusQueued, nil); reqErr != nil {
			logger.ErrorContext(workCtx, "Failed to release claim after attachment lookup error", "error", reqErr)
		}
		return OutcomeStoreError, fmt.Errorf("get attachment for message %s: %w", msg.ID, err)
	}

	sendCtx, cancel := context.WithTimeout(workCtx, w.cfg.SendTimeout)
	providerID, sendErr := w.sender.SendMedia(sendCtx, msg.RecipientAddress, att.MediaURL, att.CaptionText())
	cancel()

	if sendErr != nil {
		if errors.Is(sendErr, domain.ErrPermanentSend) {
			logger.WarnContext(workCtx, "Provider rejected message permanently", "error", sendErr)
			return w.fail(workCtx, logger, msg)
		}
		if w.cfg.MaxAttempts > 0 && msg.Attempts >= w.cfg.MaxAttempts {
			logger.WarnContext(workCtx, "Retry ceiling reached, marking failed", "error", sendErr, "max_attempts", w.cfg.MaxAttempts)
			return w.fail(workCtx, logger, msg)
		}
		logger.WarnContext(workCtx, "Send failed, requeueing", "error", sendErr)
		if err := w.resolve(workCtx, msg, core_domain.StatusQueued, nil); err != nil {
			if errors.Is(err, domain.ErrClaimLost) {
				return w.claimLost(workCtx, logger, core_domain.StatusQueued)
			}
			return OutcomeStoreError, fmt.Errorf("requeue message %s: %w", msg.ID, err)
		}
		return OutcomeTransientFailure, nil
	}

	if err := w.resolve(workCtx, msg, core_domain.StatusSent, &providerID); err != nil {
		if errors.Is(err, domain.ErrClaimLost) {
			return w.claimLost(workCtx, logger.With("provider_message_id", providerID), core_domain.StatusSent)
		}
		return OutcomeStoreError, fmt.Errorf("mark message %s sent: %w", msg.ID, err)
	}
	if err := w.store.UpdateReceiptsStatus(workCtx, msg.ID, core_domain.StatusSent); err != nil {
		logger.ErrorContext(workCtx, "Failed to update delivery receipts", "status", core_domain.StatusSent, "error", err)
	}
	logger.InfoContext(workCtx, "Message sent", "provider_message_id", providerID)
	w.announce(workCtx, logger, msg, core_domain.StatusSent, providerID)
	return OutcomeSent, nil
}

func (w *QueueWorker) fail(ctx context.Context, logger *slog.Logger, msg *core_domain.OutboundMessage) (Outcome, error) {
	if err := w.resolve(ctx, msg, core_domain.StatusFailed, nil); err != nil {
		if errors.Is(err, domain.ErrClaimLost) {
			return w.claimLost(ctx, logger, core_domain.StatusFailed)
		}
		return OutcomeStoreError, fmt.Errorf("mark message %s failed: %w", msg.ID, err)
	}
	if err := w.store.UpdateReceiptsStatus(ctx, msg.ID, core_domain.StatusFailed); err != nil {
		logger.ErrorContext(ctx, "Failed to update delivery receipts", "status", core_domain.StatusFailed, "error", err)
	}
	w.announce(ctx, logger, msg, core_domain.StatusFailed, msg.ProviderID())
	return OutcomePermanentFailure, nil
}

// resolve records the outcome of this worker's claim on msg.
func (w *QueueWorker) resolve(ctx context.Context, msg *core_domain.OutboundMessage, status core_domain.MessageStatus, providerID *string) error {
	return w.store.ResolveClaim(ctx, msg.ID, msg.Attempts, status, providerID)
}

// claimLost drops an outcome the store no longer accepts: the claim was
// reclaimed while this worker was busy and the message belongs to a newer claim.
func (w *QueueWorker) claimLost(ctx context.Context, logger *slog.Logger, status core_domain.MessageStatus) (Outcome, error) {
	logger.WarnContext(ctx, "Claim was reclaimed before the outcome was recorded, dropping it", "status", status)
	return OutcomeClaimLost, nil
}

func (w *QueueWorker) announce(ctx context.Context, logger *slog.Logger, msg *core_domain.OutboundMessage, status core_domain.MessageStatus, providerID string) {
	if w.notices == nil {
		return
	}
	notice := core_domain.StatusNotice{
		MessageID:         msg.ID,
		ProviderMessageID: providerID,
		ConversationID:    msg.ConversationID,
		Status:            status,
		At:                w.now().UTC(),
	}
	if err := w.notices.PublishStatus(ctx, notice); err != nil {
		logger.WarnContext(ctx, "Failed to publish status notice", "status", status, "error", err)
	}
}

func (w *QueueWorker) pause(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

// waitForWork blocks for one poll interval or until the notifier signals an enqueue.
func (w *QueueWorker) waitForWork(ctx context.Context) {
	t := time.NewTimer(w.cfg.PollInterval)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	case <-w.wake:
	}
}
