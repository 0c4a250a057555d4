package app

import (
	"sync"

	"github.com/aradsms/dashboard_services/internal/core_domain"
	"github.com/aradsms/dashboard_services/internal/realtime_service/domain"
)

// SummaryObserver is told when the status shown for a conversation in list
// views changes.
type SummaryObserver func(conversationID string, status core_domain.MessageStatus)

// ConversationView is the folded, deduplicated message list of one conversation.
// Events may arrive duplicated or reordered; the fold converges regardless.
type ConversationView struct {
	ConversationID string
	Messages       []core_domain.OutboundMessage // arrival order, unique by ID
	Summary        core_domain.MessageStatus     // status of the most recent message
}

// ApplyNew appends msg unless a message with the same ID is already listed.
func (v *ConversationView) ApplyNew(msg core_domain.OutboundMessage) bool {
	for i := range v.Messages {
		if v.Messages[i].ID == msg.ID {
			return false
		}
	}
	v.Messages = append(v.Messages, msg)
	v.Summary = msg.Status
	return true
}

// ApplyStatus moves every matching message to status when the ordering policy
// allows it. Messages match by provider message id, or by message id when the
// event carries one. It reports whether any message changed and whether the
// most recent message was among them.
func (v *ConversationView) ApplyStatus(providerMessageID, messageID string, status core_domain.MessageStatus) (changed, latest bool) {
	if status == "" {
		return false, false
	}
	for i := range v.Messages {
		m := &v.Messages[i]
		byProvider := providerMessageID != "" && m.ProviderID() == providerMessageID
		byID := messageID != "" && m.ID == messageID
		if !byProvider && !byID {
			continue
		}
		if m.ProviderMessageID == nil && providerMessageID != "" {
			pid := providerMessageID
			m.ProviderMessageID = &pid
		}
		if !core_domain.ShouldApply(m.Status, status) {
			continue
		}
		m.Status = status
		changed = true
		if i == len(v.Messages)-1 {
			latest = true
			v.Summary = status
		}
	}
	return changed, latest
}

// Find returns the listed message with the given id.
func (v *ConversationView) Find(messageID string) (core_domain.OutboundMessage, bool) {
	for _, m := range v.Messages {
		if m.ID == messageID {
			return m, true
		}
	}
	return core_domain.OutboundMessage{}, false
}

// Reconciler folds realtime events into per-conversation views.
type Reconciler struct {
	mu       sync.Mutex
	views    map[string]*ConversationView
	observer SummaryObserver
}

func NewReconciler(observer SummaryObserver) *Reconciler {
	return &Reconciler{views: make(map[string]*ConversationView), observer: observer}
}

// Load seeds a conversation with an initial page of messages (oldest first).
func (r *Reconciler) Load(conversationID string, msgs []core_domain.OutboundMessage) {
	r.mu.Lock()
	defer r.mu.Unlock()
	v := r.viewLocked(conversationID)
	for _, m := range msgs {
		v.ApplyNew(m)
	}
}

// ApplyEvent folds one event. It reports whether any view changed.
func (r *Reconciler) ApplyEvent(ev domain.Event) bool {
	r.mu.Lock()
	var (
		changed bool
		notify  bool
		convID  string
		summary core_domain.MessageStatus
	)
	switch ev.Type {
	case domain.EventMessageNew:
		if ev.Message != nil && ev.Message.ConversationID != "" {
			convID = ev.Message.ConversationID
			changed = r.viewLocked(convID).ApplyNew(*ev.Message)
		}
	case domain.EventMessageStatus:
		if v, ok := r.views[ev.ConversationID]; ok {
			convID = ev.ConversationID
			var latest bool
			changed, latest = v.ApplyStatus(ev.ProviderMessageID, ev.MessageID, ev.Status)
			notify = latest
			summary = v.Summary
		}
	case domain.EventConversationStatus:
		// The local fold already tracks the latest message; this frame only
		// matters for conversations whose messages were never loaded here.
		if _, ok := r.views[ev.ConversationID]; !ok && ev.Status != "" {
			convID, notify, summary = ev.ConversationID, true, ev.Status
		}
	}
	observer := r.observer
	r.mu.Unlock()

	if notify && observer != nil {
		observer(convID, summary)
	}
	return changed
}

// View returns a copy of a conversation's folded state.
func (r *Reconciler) View(conversationID string) ConversationView {
	r.mu.Lock()
	defer r.mu.Unlock()
	v, ok := r.views[conversationID]
	if !ok {
		return ConversationView{ConversationID: conversationID}
	}
	out := ConversationView{ConversationID: v.ConversationID, Summary: v.Summary}
	out.Messages = append([]core_domain.OutboundMessage(nil), v.Messages...)
	return out
}

func (r *Reconciler) viewLocked(conversationID string) *ConversationView {
	v, ok := r.views[conversationID]
	if !ok {
		v = &ConversationView{ConversationID: conversationID}
		r.views[conversationID] = v
	}
	return v
}
