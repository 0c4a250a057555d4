package app_test

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aradsms/dashboard_services/internal/core_domain"
	"github.com/aradsms/dashboard_services/internal/media_dispatch_service/adapters/provider"
	dispatchapp "github.com/aradsms/dashboard_services/internal/media_dispatch_service/app"
	dispatchsqlite "github.com/aradsms/dashboard_services/internal/media_dispatch_service/repository/sqlite"
	"github.com/aradsms/dashboard_services/internal/platform/database"
	"github.com/aradsms/dashboard_services/internal/realtime_service/app"
	"github.com/aradsms/dashboard_services/internal/realtime_service/domain"
	realtimesqlite "github.com/aradsms/dashboard_services/internal/realtime_service/repository/sqlite"
	viewerapp "github.com/aradsms/dashboard_services/internal/viewer_client/app"
)

// hubBridge stands in for the broker between services in a single process.
type hubBridge struct{ hub *app.Hub }

func (b hubBridge) PublishStatus(ctx context.Context, n core_domain.StatusNotice) error {
	b.hub.PublishStatusUpdate(ctx, domain.StatusUpdateFromNotice(n))
	return nil
}

// viewerConn feeds hub frames straight into a viewer reconciler.
type viewerConn struct {
	rec *viewerapp.Reconciler

	mu    sync.Mutex
	types []string
}

func (v *viewerConn) ID() string { return "viewer-1" }
func (v *viewerConn) Close()     {}

func (v *viewerConn) Send(ev domain.Event) bool {
	v.mu.Lock()
	v.types = append(v.types, ev.Type+":"+string(ev.Status))
	v.mu.Unlock()
	v.rec.ApplyEvent(ev)
	return true
}

func TestQueuedMediaReachesViewerAsDelivered(t *testing.T) {
	ctx := context.Background()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	db, err := database.NewSQLiteDB(ctx, filepath.Join(t.TempDir(), "e2e.db"), 5*time.Second)
	require.NoError(t, err)
	defer db.Close()

	messages := dispatchsqlite.NewMessageStore(db, logger)
	require.NoError(t, messages.CreateConversation(ctx, "conv-1", "+15550001111"))
	caption := "floor plan"
	queued, err := messages.EnqueueMedia(ctx, dispatchsqlite.EnqueueMediaParams{
		ConversationID: "conv-1", MediaURL: "https://cdn.example.com/plan.png", Caption: &caption, Recipients: 2,
	})
	require.NoError(t, err)

	hub := app.NewHub(logger)
	viewer := &viewerConn{rec: viewerapp.NewReconciler(nil)}
	hub.Subscribe(viewer, "conv-1")
	hub.PublishNewMessage(ctx, queued)

	worker := dispatchapp.NewQueueWorker(messages, provider.NewMockSender(logger, false, 0),
		dispatchapp.WorkerConfig{}, logger, dispatchapp.WithNoticePublisher(hubBridge{hub}))
	outcome, err := worker.RunOnce(ctx)
	require.NoError(t, err)
	require.Equal(t, dispatchapp.OutcomeSent, outcome)

	sent, err := messages.GetMessage(ctx, queued.ID)
	require.NoError(t, err)
	require.Equal(t, core_domain.StatusSent, sent.Status)
	providerID := sent.ProviderID()
	require.NotEmpty(t, providerID)

	processor := app.NewStatusEventProcessor(realtimesqlite.NewStatusStore(db), hubBridge{hub}, logger)
	deliver := app.ProviderStatusEvent{ProviderName: "mock", Callback: core_domain.ProviderStatusCallback{
		ProviderMessageID: providerID, Status: "delivered", Timestamp: time.Now(),
	}}
	res, err := processor.Process(ctx, deliver)
	require.NoError(t, err)
	require.True(t, res.Applied)

	// A retransmitted sent arriving late changes nothing anywhere.
	late := app.ProviderStatusEvent{ProviderName: "mock", Callback: core_domain.ProviderStatusCallback{
		ProviderMessageID: providerID, Status: "sent", Timestamp: time.Now(),
	}}
	res, err = processor.Process(ctx, late)
	require.NoError(t, err)
	assert.False(t, res.Applied)

	viewer.mu.Lock()
	assert.Equal(t, []string{
		"message:new:",
		"message:status:sent",
		"conversation:status:sent",
		"message:status:delivered",
		"conversation:status:delivered",
	}, viewer.types)
	viewer.mu.Unlock()

	view := viewer.rec.View("conv-1")
	m, ok := view.Find(queued.ID)
	require.True(t, ok)
	assert.Equal(t, core_domain.StatusDelivered, m.Status)
	assert.Equal(t, providerID, m.ProviderID())

	receipts, err := messages.ReceiptStatuses(ctx, queued.ID)
	require.NoError(t, err)
	assert.Equal(t, []core_domain.MessageStatus{core_domain.StatusDelivered, core_domain.StatusDelivered}, receipts)
}
