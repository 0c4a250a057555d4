package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/aradsms/dashboard_services/internal/core_domain"
	"github.com/aradsms/dashboard_services/internal/media_dispatch_service/domain"
)

// --- Mocks ---

type MockMessageStore struct {
	mock.Mock
}

func (m *MockMessageStore) ClaimOldestQueued(ctx context.Context, kind core_domain.MessageKind) (*core_domain.OutboundMessage, error) {
	args := m.Called(ctx, kind)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*core_domain.OutboundMessage), args.Error(1)
}

func (m *MockMessageStore) ResolveClaim(ctx context.Context, messageID string, attempt int, status core_domain.MessageStatus, providerMessageID *string) error {
	args := m.Called(ctx, messageID, attempt, status, providerMessageID)
	return args.Error(0)
}

func (m *MockMessageStore) GetAttachment(ctx context.Context, messageID string) (*core_domain.MediaAttachment, error) {
	args := m.Called(ctx, messageID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*core_domain.MediaAttachment), args.Error(1)
}

func (m *MockMessageStore) UpdateReceiptsStatus(ctx context.Context, messageID string, status core_domain.MessageStatus) error {
	args := m.Called(ctx, messageID, status)
	return args.Error(0)
}

func (m *MockMessageStore) ReclaimStale(ctx context.Context, claimedBefore time.Time) (int64, error) {
	args := m.Called(ctx, claimedBefore)
	return args.Get(0).(int64), args.Error(1)
}

func (m *MockMessageStore) Ping(ctx context.Context) error {
	args := m.Called(ctx)
	return args.Error(0)
}

type MockMediaSender struct {
	mock.Mock
}

func (m *MockMediaSender) SendMedia(ctx context.Context, recipient, mediaURL, caption string) (string, error) {
	args := m.Called(ctx, recipient, mediaURL, caption)
	return args.String(0), args.Error(1)
}

func (m *MockMediaSender) GetName() string { return "mock" }

type MockNoticePublisher struct {
	mock.Mock
}

func (m *MockNoticePublisher) PublishStatus(ctx context.Context, notice core_domain.StatusNotice) error {
	args := m.Called(ctx, notice)
	return args.Error(0)
}

// --- Test Setup ---

type workerTestComponents struct {
	worker    *QueueWorker
	store     *MockMessageStore
	sender    *MockMediaSender
	publisher *MockNoticePublisher
}

func setupWorkerTest(cfg WorkerConfig) workerTestComponents {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	store := new(MockMessageStore)
	sender := new(MockMediaSender)
	publisher := new(MockNoticePublisher)
	w := NewQueueWorker(store, sender, cfg, logger, WithNoticePublisher(publisher))
	w.now = func() time.Time { return time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC) }
	return workerTestComponents{worker: w, store: store, sender: sender, publisher: publisher}
}

func queuedMessage(id string, attempts int) *core_domain.OutboundMessage {
	return &core_domain.OutboundMessage{
		ID:               id,
		ConversationID:   "conv-1",
		Kind:             core_domain.KindMedia,
		Status:           core_domain.StatusProcessing,
		RecipientAddress: "+15550001111",
		Attempts:         attempts,
	}
}

func attachmentFor(id string) *core_domain.MediaAttachment {
	caption := "look"
	return &core_domain.MediaAttachment{ID: "att-" + id, MessageID: id, MediaURL: "https://cdn.example.com/" + id + ".jpg", Caption: &caption}
}

func providerIDArg(expected string) interface{} {
	return mock.MatchedBy(func(p *string) bool { return p != nil && *p == expected })
}

func TestQueueWorker_RunOnce(t *testing.T) {
	ctx := context.Background()

	t.Run("idle when nothing queued", func(t *testing.T) {
		c := setupWorkerTest(WorkerConfig{})
		c.store.On("ClaimOldestQueued", mock.Anything, core_domain.KindMedia).Return(nil, domain.ErrNoQueuedMessages).Once()

		outcome, err := c.worker.RunOnce(ctx)
		require.NoError(t, err)
		assert.Equal(t, OutcomeIdle, outcome)
		c.sender.AssertNotCalled(t, "SendMedia", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
	})

	t.Run("successful send records provider id and receipts", func(t *testing.T) {
		c := setupWorkerTest(WorkerConfig{})
		msg := queuedMessage("m1", 1)
		c.store.On("ClaimOldestQueued", mock.Anything, core_domain.KindMedia).Return(msg, nil).Once()
		c.store.On("GetAttachment", mock.Anything, "m1").Return(attachmentFor("m1"), nil).Once()
		c.sender.On("SendMedia", mock.Anything, "+15550001111", "https://cdn.example.com/m1.jpg", "look").Return("wamid.1", nil).Once()
		c.store.On("ResolveClaim", mock.Anything, "m1", 1, core_domain.StatusSent, providerIDArg("wamid.1")).Return(nil).Once()
		c.store.On("UpdateReceiptsStatus", mock.Anything, "m1", core_domain.StatusSent).Return(nil).Once()
		c.publisher.On("PublishStatus", mock.Anything, core_domain.StatusNotice{
			MessageID:         "m1",
			ProviderMessageID: "wamid.1",
			ConversationID:    "conv-1",
			Status:            core_domain.StatusSent,
			At:                time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC),
		}).Return(nil).Once()

		outcome, err := c.worker.RunOnce(ctx)
		require.NoError(t, err)
		assert.Equal(t, OutcomeSent, outcome)
		c.store.AssertExpectations(t)
		c.sender.AssertExpectations(t)
		c.publisher.AssertExpectations(t)
	})

	t.Run("missing attachment is a permanent failure", func(t *testing.T) {
		c := setupWorkerTest(WorkerConfig{})
		msg := queuedMessage("m2", 1)
		c.store.On("ClaimOldestQueued", mock.Anything, core_domain.KindMedia).Return(msg, nil).Once()
		c.store.On("GetAttachment", mock.Anything, "m2").Return(nil, domain.ErrAttachmentNotFound).Once()
		c.store.On("ResolveClaim", mock.Anything, "m2", 1, core_domain.StatusFailed, (*string)(nil)).Return(nil).Once()
		c.store.On("UpdateReceiptsStatus", mock.Anything, "m2", core_domain.StatusFailed).Return(nil).Once()
		c.publisher.On("PublishStatus", mock.Anything, mock.MatchedBy(func(n core_domain.StatusNotice) bool {
			return n.MessageID == "m2" && n.Status == core_domain.StatusFailed && n.ProviderMessageID == ""
		})).Return(nil).Once()

		outcome, err := c.worker.RunOnce(ctx)
		require.NoError(t, err)
		assert.Equal(t, OutcomePermanentFailure, outcome)
		c.sender.AssertNotCalled(t, "SendMedia", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
		c.store.AssertExpectations(t)
		c.publisher.AssertExpectations(t)
	})

	t.Run("transient send failure requeues without touching receipts", func(t *testing.T) {
		c := setupWorkerTest(WorkerConfig{})
		msg := queuedMessage("m3", 4)
		c.store.On("ClaimOldestQueued", mock.Anything, core_domain.KindMedia).Return(msg, nil).Once()
		c.store.On("GetAttachment", mock.Anything, "m3").Return(attachmentFor("m3"), nil).Once()
		c.sender.On("SendMedia", mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return("", errors.New("connection reset")).Once()
		c.store.On("ResolveClaim", mock.Anything, "m3", 4, core_domain.StatusQueued, (*string)(nil)).Return(nil).Once()

		outcome, err := c.worker.RunOnce(ctx)
		require.NoError(t, err)
		assert.Equal(t, OutcomeTransientFailure, outcome)
		c.store.AssertNotCalled(t, "UpdateReceiptsStatus", mock.Anything, mock.Anything, mock.Anything)
		c.publisher.AssertNotCalled(t, "PublishStatus", mock.Anything, mock.Anything)
		c.store.AssertExpectations(t)
	})

	t.Run("permanent provider rejection marks failed", func(t *testing.T) {
		c := setupWorkerTest(WorkerConfig{})
		msg := queuedMessage("m4", 1)
		c.store.On("ClaimOldestQueued", mock.Anything, core_domain.KindMedia).Return(msg, nil).Once()
		c.store.On("GetAttachment", mock.Anything, "m4").Return(attachmentFor("m4"), nil).Once()
		c.sender.On("SendMedia", mock.Anything, mock.Anything, mock.Anything, mock.Anything).
			Return("", fmt.Errorf("status 400: %w", domain.ErrPermanentSend)).Once()
		c.store.On("ResolveClaim", mock.Anything, "m4", 1, core_domain.StatusFailed, (*string)(nil)).Return(nil).Once()
		c.store.On("UpdateReceiptsStatus", mock.Anything, "m4", core_domain.StatusFailed).Return(nil).Once()
		c.publisher.On("PublishStatus", mock.Anything, mock.Anything).Return(nil).Once()

		outcome, err := c.worker.RunOnce(ctx)
		require.NoError(t, err)
		assert.Equal(t, OutcomePermanentFailure, outcome)
		c.store.AssertExpectations(t)
	})

	t.Run("retry ceiling escalates transient failure", func(t *testing.T) {
		c := setupWorkerTest(WorkerConfig{MaxAttempts: 3})
		msg := queuedMessage("m5", 3)
		c.store.On("ClaimOldestQueued", mock.Anything, core_domain.KindMedia).Return(msg, nil).Once()
		c.store.On("GetAttachment", mock.Anything, "m5").Return(attachmentFor("m5"), nil).Once()
		c.sender.On("SendMedia", mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return("", errors.New("503")).Once()
		c.store.On("ResolveClaim", mock.Anything, "m5", 3, core_domain.StatusFailed, (*string)(nil)).Return(nil).Once()
		c.store.On("UpdateReceiptsStatus", mock.Anything, "m5", core_domain.StatusFailed).Return(nil).Once()
		c.publisher.On("PublishStatus", mock.Anything, mock.Anything).Return(nil).Once()

		outcome, err := c.worker.RunOnce(ctx)
		require.NoError(t, err)
		assert.Equal(t, OutcomePermanentFailure, outcome)
	})

	t.Run("claim error is a store error", func(t *testing.T) {
		c := setupWorkerTest(WorkerConfig{})
		dbErr := errors.New("database is locked")
		c.store.On("ClaimOldestQueued", mock.Anything, core_domain.KindMedia).Return(nil, dbErr).Once()

		outcome, err := c.worker.RunOnce(ctx)
		require.Error(t, err)
		assert.ErrorIs(t, err, dbErr)
		assert.Equal(t, OutcomeStoreError, outcome)
	})

	t.Run("attachment lookup error releases the claim", func(t *testing.T) {
		c := setupWorkerTest(WorkerConfig{})
		msg := queuedMessage("m6", 1)
		c.store.On("ClaimOldestQueued", mock.Anything, core_domain.KindMedia).Return(msg, nil).Once()
		c.store.On("GetAttachment", mock.Anything, "m6").Return(nil, errors.New("timeout")).Once()
		c.store.On("ResolveClaim", mock.Anything, "m6", 1, core_domain.StatusQueued, (*string)(nil)).Return(nil).Once()

		outcome, err := c.worker.RunOnce(ctx)
		require.Error(t, err)
		assert.Equal(t, OutcomeStoreError, outcome)
		c.store.AssertExpectations(t)
	})

	t.Run("publish failure does not change the outcome", func(t *testing.T) {
		c := setupWorkerTest(WorkerConfig{})
		msg := queuedMessage("m7", 1)
		c.store.On("ClaimOldestQueued", mock.Anything, core_domain.KindMedia).Return(msg, nil).Once()
		c.store.On("GetAttachment", mock.Anything, "m7").Return(attachmentFor("m7"), nil).Once()
		c.sender.On("SendMedia", mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return("wamid.7", nil).Once()
		c.store.On("ResolveClaim", mock.Anything, "m7", 1, core_domain.StatusSent, providerIDArg("wamid.7")).Return(nil).Once()
		c.store.On("UpdateReceiptsStatus", mock.Anything, "m7", core_domain.StatusSent).Return(nil).Once()
		c.publisher.On("PublishStatus", mock.Anything, mock.Anything).Return(errors.New("nats: connection closed")).Once()

		outcome, err := c.worker.RunOnce(ctx)
		require.NoError(t, err)
		assert.Equal(t, OutcomeSent, outcome)
	})

	t.Run("reclaimed claim drops the late sent outcome", func(t *testing.T) {
		c := setupWorkerTest(WorkerConfig{})
		msg := queuedMessage("m9", 2)
		c.store.On("ClaimOldestQueued", mock.Anything, core_domain.KindMedia).Return(msg, nil).Once()
		c.store.On("GetAttachment", mock.Anything, "m9").Return(attachmentFor("m9"), nil).Once()
		c.sender.On("SendMedia", mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return("wamid.9", nil).Once()
		c.store.On("ResolveClaim", mock.Anything, "m9", 2, core_domain.StatusSent, providerIDArg("wamid.9")).
			Return(domain.ErrClaimLost).Once()

		outcome, err := c.worker.RunOnce(ctx)
		require.NoError(t, err)
		assert.Equal(t, OutcomeClaimLost, outcome)
		c.store.AssertNotCalled(t, "UpdateReceiptsStatus", mock.Anything, mock.Anything, mock.Anything)
		c.publisher.AssertNotCalled(t, "PublishStatus", mock.Anything, mock.Anything)
		c.store.AssertExpectations(t)
	})

	t.Run("reclaimed claim drops the late requeue", func(t *testing.T) {
		c := setupWorkerTest(WorkerConfig{})
		msg := queuedMessage("m10", 1)
		c.store.On("ClaimOldestQueued", mock.Anything, core_domain.KindMedia).Return(msg, nil).Once()
		c.store.On("GetAttachment", mock.Anything, "m10").Return(attachmentFor("m10"), nil).Once()
		c.sender.On("SendMedia", mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return("", errors.New("timeout")).Once()
		c.store.On("ResolveClaim", mock.Anything, "m10", 1, core_domain.StatusQueued, (*string)(nil)).
			Return(domain.ErrClaimLost).Once()

		outcome, err := c.worker.RunOnce(ctx)
		require.NoError(t, err)
		assert.Equal(t, OutcomeClaimLost, outcome)
		c.store.AssertExpectations(t)
	})
}

func TestQueueWorker_RunOnce_FinishesClaimAfterCancel(t *testing.T) {
	c := setupWorkerTest(WorkerConfig{})
	ctx, cancel := context.WithCancel(context.Background())
	msg := queuedMessage("m8", 1)

	c.store.On("ClaimOldestQueued", mock.Anything, core_domain.KindMedia).Return(msg, nil).Once()
	c.store.On("GetAttachment", mock.Anything, "m8").Return(attachmentFor("m8"), nil).Once()
	c.sender.On("SendMedia", mock.Anything, mock.Anything, mock.Anything, mock.Anything).
		Run(func(args mock.Arguments) {
			cancel()
			sendCtx := args.Get(0).(context.Context)
			assert.NoError(t, sendCtx.Err(), "in-flight send must survive shutdown")
		}).
		Return("wamid.8", nil).Once()
	c.store.On("ResolveClaim", mock.Anything, "m8", 1, core_domain.StatusSent, providerIDArg("wamid.8")).Return(nil).Once()
	c.store.On("UpdateReceiptsStatus", mock.Anything, "m8", core_domain.StatusSent).Return(nil).Once()
	c.publisher.On("PublishStatus", mock.Anything, mock.Anything).Return(nil).Once()

	outcome, err := c.worker.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, OutcomeSent, outcome)
	c.store.AssertExpectations(t)
}

func TestQueueWorker_RunProcessesInOrderUntilStopped(t *testing.T) {
	c := setupWorkerTest(WorkerConfig{PollInterval: 5 * time.Millisecond, SendInterval: time.Millisecond})

	var mu sync.Mutex
	var sent []string
	for _, id := range []string{"a", "b", "c"} {
		id := id
		c.store.On("ClaimOldestQueued", mock.Anything, core_domain.KindMedia).Return(queuedMessage(id, 1), nil).Once()
		c.store.On("GetAttachment", mock.Anything, id).Return(attachmentFor(id), nil).Once()
		c.store.On("ResolveClaim", mock.Anything, id, 1, core_domain.StatusSent, mock.Anything).Return(nil).Once()
		c.store.On("UpdateReceiptsStatus", mock.Anything, id, core_domain.StatusSent).Return(nil).Once()
	}
	c.store.On("ClaimOldestQueued", mock.Anything, core_domain.KindMedia).Return(nil, domain.ErrNoQueuedMessages)
	c.sender.On("SendMedia", mock.Anything, mock.Anything, mock.Anything, mock.Anything).
		Run(func(args mock.Arguments) {
			mu.Lock()
			sent = append(sent, args.String(2))
			mu.Unlock()
		}).
		Return("wamid", nil)
	c.publisher.On("PublishStatus", mock.Anything, mock.Anything).Return(nil)

	c.worker.Start(context.Background())
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(sent) == 3
	}, 2*time.Second, 5*time.Millisecond)
	c.worker.Stop()
	c.worker.Stop() // idempotent

	assert.Equal(t, []string{
		"https://cdn.example.com/a.jpg",
		"https://cdn.example.com/b.jpg",
		"https://cdn.example.com/c.jpg",
	}, sent)
}

func TestQueueWorker_WakeSignalCutsIdleWaitShort(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	store := new(MockMessageStore)
	sender := new(MockMediaSender)
	notifier := NewEnqueueNotifier(logger)
	w := NewQueueWorker(store, sender, WorkerConfig{PollInterval: time.Hour}, logger, WithWakeChannel(notifier.C()))

	claimed := make(chan struct{}, 4)
	store.On("ClaimOldestQueued", mock.Anything, core_domain.KindMedia).
		Run(func(mock.Arguments) { claimed <- struct{}{} }).
		Return(nil, domain.ErrNoQueuedMessages)

	w.Start(context.Background())
	defer w.Stop()

	<-claimed
	notifier.Notify()
	notifier.Notify() // coalesced, must not block

	select {
	case <-claimed:
	case <-time.After(2 * time.Second):
		t.Fatal("worker did not wake up on notify")
	}
}
