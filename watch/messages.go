package watch

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/pockode/codexbridge/message"
	"github.com/pockode/codexbridge/metrics"
	"github.com/pockode/codexbridge/process"
	"github.com/pockode/codexbridge/rpc"
	"github.com/pockode/codexbridge/session"
)

const (
	MethodConversationMessage = "conversation.message"

	messageBufferSize = 256
)

// MessagesWatcher manages per-conversation subscriptions for normalized
// messages. Implements process.MessageListener to receive messages from the
// process manager.
type MessagesWatcher struct {
	*BaseWatcher
	store session.Store
	msgCh chan message.Message

	convMu    sync.RWMutex
	convToIDs map[string][]string // conversationID -> subscription IDs
	idToConv  map[string]string   // subscription ID -> conversationID
}

var _ process.MessageListener = (*MessagesWatcher)(nil)
var _ Watcher = (*MessagesWatcher)(nil)

func NewMessagesWatcher(store session.Store) *MessagesWatcher {
	return &MessagesWatcher{
		BaseWatcher: NewBaseWatcher("cm"),
		store:       store,
		msgCh:       make(chan message.Message, messageBufferSize),
		convToIDs:   make(map[string][]string),
		idToConv:    make(map[string]string),
	}
}

func (w *MessagesWatcher) Start() error {
	go w.messageLoop()
	slog.Info("MessagesWatcher started")
	return nil
}

func (w *MessagesWatcher) Stop() {
	w.Cancel()
	slog.Info("MessagesWatcher stopped")
}

// OnMessage implements process.MessageListener.
// Called on the dispatch path, must not block.
func (w *MessagesWatcher) OnMessage(msg message.Message) {
	if w.Context().Err() != nil {
		return
	}

	select {
	case w.msgCh <- msg:
	default:
		metrics.RecordFanoutDrop(MethodConversationMessage)
		slog.Warn("conversation message dropped (buffer full)",
			"conversationId", msg.ConversationID,
			"type", msg.Type,
			"msgId", msg.MsgID)
	}
}

func (w *MessagesWatcher) messageLoop() {
	for {
		select {
		case <-w.Context().Done():
			return
		case msg := <-w.msgCh:
			w.notifyMessage(msg)
		}
	}
}

func (w *MessagesWatcher) notifyMessage(msg message.Message) {
	w.convMu.RLock()
	ids := make([]string, len(w.convToIDs[msg.ConversationID]))
	copy(ids, w.convToIDs[msg.ConversationID])
	w.convMu.RUnlock()

	if len(ids) == 0 {
		return
	}

	w.NotifyIDs(ids, MethodConversationMessage, func(sub *Subscription) any {
		return rpc.ConversationMessageNotification{ID: sub.ID, Message: msg}
	})
}

// Subscribe registers a subscriber for one conversation and returns the
// subscription ID with the persisted history.
func (w *MessagesWatcher) Subscribe(notifier Notifier, conversationID string) (string, []json.RawMessage, error) {
	id := w.GenerateID()
	sub := &Subscription{ID: id, Notifier: notifier}

	// Lock order: convMu → subMu (consistent with Unsubscribe)
	w.convMu.Lock()
	w.convToIDs[conversationID] = append(w.convToIDs[conversationID], id)
	w.idToConv[id] = conversationID
	w.convMu.Unlock()

	// Register subscription BEFORE getting history to avoid message loss.
	// Rare duplicates are acceptable (the UI merges by msg_id); loss is not.
	w.AddSubscription(sub)

	history, err := w.store.GetHistory(context.Background(), conversationID)
	if err != nil {
		w.Unsubscribe(id)
		return "", nil, err
	}

	return id, history, nil
}

// Unsubscribe removes a subscription.
func (w *MessagesWatcher) Unsubscribe(id string) {
	w.convMu.Lock()
	w.removeConversationMapping(id)
	w.convMu.Unlock()

	w.RemoveSubscription(id)
}

// SubscriberCount returns the number of subscriptions for a conversation.
func (w *MessagesWatcher) SubscriberCount(conversationID string) int {
	w.convMu.RLock()
	defer w.convMu.RUnlock()
	return len(w.convToIDs[conversationID])
}

// removeConversationMapping removes the mapping for a subscription. Caller must hold convMu.
func (w *MessagesWatcher) removeConversationMapping(id string) {
	conversationID, ok := w.idToConv[id]
	if !ok {
		return
	}

	delete(w.idToConv, id)
	ids := w.convToIDs[conversationID]
	for i, v := range ids {
		if v == id {
			w.convToIDs[conversationID] = append(ids[:i], ids[i+1:]...)
			break
		}
	}
	if len(w.convToIDs[conversationID]) == 0 {
		delete(w.convToIDs, conversationID)
	}
}
