package app

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aradsms/dashboard_services/internal/core_domain"
	"github.com/aradsms/dashboard_services/internal/realtime_service/domain"
)

func newEvent(id, conv string, status core_domain.MessageStatus) domain.Event {
	return domain.Event{
		Type:           domain.EventMessageNew,
		ConversationID: conv,
		Message:        &core_domain.OutboundMessage{ID: id, ConversationID: conv, Status: status},
	}
}

func statusEvent(providerID, messageID, conv string, status core_domain.MessageStatus) domain.Event {
	return domain.Event{
		Type:              domain.EventMessageStatus,
		ProviderMessageID: providerID,
		MessageID:         messageID,
		ConversationID:    conv,
		Status:            status,
	}
}

func TestReconciler_NewMessageIsIdempotent(t *testing.T) {
	once := NewReconciler(nil)
	twice := NewReconciler(nil)
	ev := newEvent("m1", "conv-1", core_domain.StatusQueued)

	assert.True(t, once.ApplyEvent(ev))
	assert.True(t, twice.ApplyEvent(ev))
	assert.False(t, twice.ApplyEvent(ev))

	assert.Equal(t, once.View("conv-1"), twice.View("conv-1"))
	assert.Len(t, twice.View("conv-1").Messages, 1)
}

func TestReconciler_PreservesArrivalOrder(t *testing.T) {
	r := NewReconciler(nil)
	for _, id := range []string{"a", "b", "a", "c", "b"} {
		r.ApplyEvent(newEvent(id, "conv-1", core_domain.StatusQueued))
	}
	var ids []string
	for _, m := range r.View("conv-1").Messages {
		ids = append(ids, m.ID)
	}
	assert.Equal(t, []string{"a", "b", "c"}, ids)
}

func TestReconciler_StatusIsMonotonic(t *testing.T) {
	r := NewReconciler(nil)
	r.ApplyEvent(newEvent("m1", "conv-1", core_domain.StatusQueued))

	assert.True(t, r.ApplyEvent(statusEvent("wamid.1", "m1", "conv-1", core_domain.StatusSent)))
	assert.True(t, r.ApplyEvent(statusEvent("wamid.1", "", "conv-1", core_domain.StatusDelivered)))
	assert.False(t, r.ApplyEvent(statusEvent("wamid.1", "", "conv-1", core_domain.StatusSent)), "late sent must be discarded")

	view := r.View("conv-1")
	m, ok := view.Find("m1")
	require.True(t, ok)
	assert.Equal(t, core_domain.StatusDelivered, m.Status)
	assert.Equal(t, "wamid.1", m.ProviderID())
}

func TestReconciler_ConvergesUnderReordering(t *testing.T) {
	sequences := [][]core_domain.MessageStatus{
		{core_domain.StatusSent, core_domain.StatusDelivered, core_domain.StatusRead},
		{core_domain.StatusRead, core_domain.StatusSent, core_domain.StatusDelivered},
		{core_domain.StatusDelivered, core_domain.StatusRead, core_domain.StatusRead, core_domain.StatusSent},
		{core_domain.StatusFailed, core_domain.StatusRead, core_domain.StatusReceived},
	}
	for _, seq := range sequences {
		r := NewReconciler(nil)
		pid := "wamid.1"
		r.ApplyEvent(domain.Event{Type: domain.EventMessageNew, Message: &core_domain.OutboundMessage{
			ID: "m1", ConversationID: "conv-1", Status: core_domain.StatusSent, ProviderMessageID: &pid,
		}})
		for _, st := range seq {
			r.ApplyEvent(statusEvent(pid, "", "conv-1", st))
		}
		view := r.View("conv-1")
		m, _ := view.Find("m1")
		assert.Equal(t, core_domain.StatusRead, m.Status, "sequence %v", seq)
	}
}

func TestReconciler_FailedMatchesByMessageID(t *testing.T) {
	r := NewReconciler(nil)
	r.ApplyEvent(newEvent("m1", "conv-1", core_domain.StatusQueued))
	assert.True(t, r.ApplyEvent(statusEvent("", "m1", "conv-1", core_domain.StatusFailed)))
	view := r.View("conv-1")
	m, _ := view.Find("m1")
	assert.Equal(t, core_domain.StatusFailed, m.Status)
}

func TestReconciler_IgnoresUnknownAndEmpty(t *testing.T) {
	r := NewReconciler(nil)
	r.ApplyEvent(newEvent("m1", "conv-1", core_domain.StatusQueued))

	assert.False(t, r.ApplyEvent(statusEvent("wamid.other", "", "conv-1", core_domain.StatusRead)))
	assert.False(t, r.ApplyEvent(statusEvent("wamid.1", "m1", "conv-1", "")))
	assert.False(t, r.ApplyEvent(statusEvent("wamid.1", "m1", "conv-unknown", core_domain.StatusRead)))
	assert.False(t, r.ApplyEvent(domain.Event{Type: "bogus"}))
	assert.False(t, r.ApplyEvent(domain.Event{Type: domain.EventMessageNew}))
}

func TestReconciler_SummaryObserver(t *testing.T) {
	type call struct {
		conv   string
		status core_domain.MessageStatus
	}
	var calls []call
	r := NewReconciler(func(conv string, st core_domain.MessageStatus) { calls = append(calls, call{conv, st}) })

	r.Load("conv-1", []core_domain.OutboundMessage{
		{ID: "old", ConversationID: "conv-1", Status: core_domain.StatusSent},
		{ID: "new", ConversationID: "conv-1", Status: core_domain.StatusQueued},
	})
	r.ApplyEvent(statusEvent("", "old", "conv-1", core_domain.StatusRead)) // not the latest
	r.ApplyEvent(statusEvent("wamid.new", "new", "conv-1", core_domain.StatusSent))
	r.ApplyEvent(statusEvent("wamid.new", "", "conv-1", core_domain.StatusSent)) // stale
	r.ApplyEvent(domain.Event{Type: domain.EventConversationStatus, ConversationID: "conv-1", Status: core_domain.StatusSent})
	r.ApplyEvent(domain.Event{Type: domain.EventConversationStatus, ConversationID: "conv-9", Status: core_domain.StatusRead})

	assert.Equal(t, []call{{"conv-1", core_domain.StatusSent}, {"conv-9", core_domain.StatusRead}}, calls)
	assert.Equal(t, core_domain.StatusSent, r.View("conv-1").Summary)
}
