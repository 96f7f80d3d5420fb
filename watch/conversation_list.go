package watch

import (
	"context"
	"log/slog"

	"github.com/pockode/codexbridge/metrics"
	"github.com/pockode/codexbridge/process"
	"github.com/pockode/codexbridge/rpc"
	"github.com/pockode/codexbridge/session"
)

const MethodConversationListChanged = "conversation.list.changed"

type ProcessStateGetter interface {
	GetProcessState(conversationID string) process.ProcessState
}

// ConversationListWatcher notifies subscribers when the conversation list
// changes. Uses a channel-based async notification pattern to avoid blocking
// the session store's mutex during network I/O.
type ConversationListWatcher struct {
	*BaseWatcher
	store              session.Store
	processStateGetter ProcessStateGetter
	eventCh            chan session.SessionChangeEvent
	stateCh            chan process.StateChangeEvent
}

var _ Watcher = (*ConversationListWatcher)(nil)

func NewConversationListWatcher(store session.Store, psg ProcessStateGetter) *ConversationListWatcher {
	w := &ConversationListWatcher{
		BaseWatcher:        NewBaseWatcher("cl"),
		store:              store,
		processStateGetter: psg,
		eventCh:            make(chan session.SessionChangeEvent, 64), // Buffer to avoid blocking
		stateCh:            make(chan process.StateChangeEvent, 64),
	}
	store.SetOnChangeListener(w)
	return w
}

func (w *ConversationListWatcher) Start() error {
	go w.eventLoop()
	slog.Info("ConversationListWatcher started")
	return nil
}

func (w *ConversationListWatcher) Stop() {
	w.Cancel()
	slog.Info("ConversationListWatcher stopped")
}

// eventLoop processes conversation change events asynchronously.
func (w *ConversationListWatcher) eventLoop() {
	for {
		select {
		case <-w.Context().Done():
			return
		case event := <-w.eventCh:
			w.notifyChange(event)
		case event := <-w.stateCh:
			w.notifyStateChange(event)
		}
	}
}

func (w *ConversationListWatcher) item(meta session.SessionMeta) rpc.ConversationListItem {
	state := process.ProcessStateEnded
	if w.processStateGetter != nil {
		state = w.processStateGetter.GetProcessState(meta.ID)
	}
	return rpc.ConversationListItem{SessionMeta: meta, State: state}
}

// notifyChange sends notifications to all subscribers.
func (w *ConversationListWatcher) notifyChange(event session.SessionChangeEvent) {
	if !w.HasSubscriptions() {
		return
	}

	w.NotifyAll(MethodConversationListChanged, func(sub *Subscription) any {
		params := rpc.ConversationListChangedNotification{
			ID:        sub.ID,
			Operation: string(event.Op),
		}
		if event.Op == session.OperationDelete {
			params.ConversationID = event.Session.ID
		} else {
			item := w.item(event.Session)
			params.Conversation = &item
		}
		return params
	})

	slog.Debug("notified conversation list change", "operation", event.Op)
}

// List returns the conversation list enriched with runtime state.
func (w *ConversationListWatcher) List(ctx context.Context) ([]rpc.ConversationListItem, error) {
	sessions, err := w.store.List(ctx)
	if err != nil {
		return nil, err
	}
	items := make([]rpc.ConversationListItem, len(sessions))
	for i, sess := range sessions {
		items[i] = w.item(sess)
	}
	return items, nil
}

// Subscribe registers a subscriber and returns the subscription ID along with
// the current conversation list.
func (w *ConversationListWatcher) Subscribe(notifier Notifier) (string, []rpc.ConversationListItem, error) {
	id := w.GenerateID()
	sub := &Subscription{
		ID:       id,
		Notifier: notifier,
	}
	// Add subscription BEFORE getting the list to avoid missing events
	// that occur between List() and AddSubscription().
	w.AddSubscription(sub)

	items, err := w.List(context.Background())
	if err != nil {
		w.RemoveSubscription(id)
		return "", nil, err
	}
	return id, items, nil
}

// NotifyProcessStateChange queues a conversation update for a codex process
// state change. Called from the event stream, so it must not block.
func (w *ConversationListWatcher) NotifyProcessStateChange(e process.StateChangeEvent) {
	if w.Context().Err() != nil {
		return
	}

	select {
	case w.stateCh <- e:
	default:
		metrics.RecordFanoutDrop(MethodConversationListChanged)
		slog.Warn("process state change dropped (buffer full)", "conversationId", e.ConversationID, "state", e.State)
	}
}

func (w *ConversationListWatcher) notifyStateChange(e process.StateChangeEvent) {
	if !w.HasSubscriptions() {
		return
	}

	meta, found, err := w.store.Get(context.Background(), e.ConversationID)
	if err != nil || !found {
		// Deleted conversations report their final state after removal.
		slog.Debug("skipping state change for unknown conversation", "conversationId", e.ConversationID, "error", err)
		return
	}

	w.NotifyAll(MethodConversationListChanged, func(sub *Subscription) any {
		return rpc.ConversationListChangedNotification{
			ID:           sub.ID,
			Operation:    string(session.OperationUpdate),
			Conversation: &rpc.ConversationListItem{SessionMeta: meta, State: e.State},
		}
	})

	slog.Debug("notified process state change", "conversationId", e.ConversationID, "state", e.State)
}

// OnSessionChange implements session.OnChangeListener.
// This method is called from the session store's mutex, so it must not block.
// Events are queued to the channel for async processing.
func (w *ConversationListWatcher) OnSessionChange(event session.SessionChangeEvent) {
	// Skip if watcher is stopped
	if w.Context().Err() != nil {
		return
	}

	select {
	case w.eventCh <- event:
	default:
		metrics.RecordFanoutDrop(MethodConversationListChanged)
		slog.Warn("conversation list change event dropped (buffer full)", "operation", event.Op)
	}
}
