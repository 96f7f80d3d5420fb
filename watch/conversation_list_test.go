package watch

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/pockode/codexbridge/process"
	"github.com/pockode/codexbridge/rpc"
	"github.com/pockode/codexbridge/session"
)

type stubStates struct {
	mu     sync.Mutex
	states map[string]process.ProcessState
}

func (s *stubStates) GetProcessState(id string) process.ProcessState {
	s.mu.Lock()
	defer s.mu.Unlock()
	if st, ok := s.states[id]; ok {
		return st
	}
	return process.ProcessStateEnded
}

func newConversationListWatcher(t *testing.T) (*ConversationListWatcher, *session.FileStore, *stubStates) {
	t.Helper()
	store, err := session.NewFileStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewFileStore: %v", err)
	}
	states := &stubStates{states: map[string]process.ProcessState{}}
	w := NewConversationListWatcher(store, states)
	if err := w.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(w.Stop)
	return w, store, states
}

func lastListChange(t *testing.T, n *captureNotifier) rpc.ConversationListChangedNotification {
	t.Helper()
	var params rpc.ConversationListChangedNotification
	if err := json.Unmarshal(n.last(), &params); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	return params
}

func TestConversationListWatcher_SubscribeReturnsListWithState(t *testing.T) {
	w, store, states := newConversationListWatcher(t)
	ctx := context.Background()

	if _, err := store.Create(ctx, "conv-1", session.ModeDefault); err != nil {
		t.Fatal(err)
	}
	states.mu.Lock()
	states.states["conv-1"] = process.ProcessStateRunning
	states.mu.Unlock()

	id, items, err := w.Subscribe(&captureNotifier{})
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	if id == "" {
		t.Error("expected subscription id")
	}
	if len(items) != 1 {
		t.Fatalf("items len = %d, want 1", len(items))
	}
	if items[0].ID != "conv-1" || items[0].State != process.ProcessStateRunning {
		t.Errorf("unexpected item %+v", items[0])
	}
}

func TestConversationListWatcher_NotifiesStoreChanges(t *testing.T) {
	w, store, _ := newConversationListWatcher(t)
	ctx := context.Background()

	n := &captureNotifier{}
	id, _, err := w.Subscribe(n)
	if err != nil {
		t.Fatal(err)
	}

	if _, err := store.Create(ctx, "conv-1", session.ModeDefault); err != nil {
		t.Fatal(err)
	}
	waitForCount(t, n, 1)

	created := lastListChange(t, n)
	if created.ID != id {
		t.Errorf("id = %q, want %q", created.ID, id)
	}
	if created.Operation != string(session.OperationCreate) {
		t.Errorf("operation = %q, want create", created.Operation)
	}
	if created.Conversation == nil || created.Conversation.ID != "conv-1" {
		t.Fatalf("unexpected conversation %+v", created.Conversation)
	}
	if created.Conversation.State != process.ProcessStateEnded {
		t.Errorf("state = %q, want ended", created.Conversation.State)
	}

	if err := store.Delete(ctx, "conv-1"); err != nil {
		t.Fatal(err)
	}
	waitForCount(t, n, 2)

	deleted := lastListChange(t, n)
	if deleted.Operation != string(session.OperationDelete) {
		t.Errorf("operation = %q, want delete", deleted.Operation)
	}
	if deleted.ConversationID != "conv-1" {
		t.Errorf("conversation_id = %q, want conv-1", deleted.ConversationID)
	}
	if deleted.Conversation != nil {
		t.Error("expected no conversation payload on delete")
	}
}

func TestConversationListWatcher_NotifyProcessStateChange(t *testing.T) {
	w, store, _ := newConversationListWatcher(t)
	ctx := context.Background()

	n := &captureNotifier{}
	if _, _, err := w.Subscribe(n); err != nil {
		t.Fatal(err)
	}
	if _, err := store.Create(ctx, "conv-1", session.ModeDefault); err != nil {
		t.Fatal(err)
	}
	waitForCount(t, n, 1) // create

	w.NotifyProcessStateChange(process.StateChangeEvent{ConversationID: "conv-1", State: process.ProcessStateRunning})
	waitForCount(t, n, 2)

	params := lastListChange(t, n)
	if params.Operation != string(session.OperationUpdate) {
		t.Errorf("operation = %q, want update", params.Operation)
	}
	if params.Conversation.State != process.ProcessStateRunning {
		t.Errorf("state = %q, want running", params.Conversation.State)
	}

	// Events are handled in order, so the idle update arriving second proves
	// the unknown conversation was skipped.
	w.NotifyProcessStateChange(process.StateChangeEvent{ConversationID: "missing", State: process.ProcessStateEnded})
	w.NotifyProcessStateChange(process.StateChangeEvent{ConversationID: "conv-1", State: process.ProcessStateIdle})
	waitForCount(t, n, 3)
	if got := lastListChange(t, n).Conversation.State; got != process.ProcessStateIdle {
		t.Errorf("state = %q, want idle", got)
	}
}

func TestConversationListWatcher_Unsubscribe(t *testing.T) {
	w, store, _ := newConversationListWatcher(t)

	n := &captureNotifier{}
	id, _, err := w.Subscribe(n)
	if err != nil {
		t.Fatal(err)
	}
	w.Unsubscribe(id)

	if w.HasSubscriptions() {
		t.Error("expected no subscriptions")
	}
	if _, err := store.Create(context.Background(), "conv-1", session.ModeDefault); err != nil {
		t.Fatal(err)
	}
	w.NotifyProcessStateChange(process.StateChangeEvent{ConversationID: "conv-1", State: process.ProcessStateIdle})
	time.Sleep(50 * time.Millisecond)
	if n.count() != 0 {
		t.Errorf("count = %d, want 0", n.count())
	}
}
