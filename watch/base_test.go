package watch

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"
)

type captureNotifier struct {
	mu      sync.Mutex
	params  []json.RawMessage
	methods []string
	err     error
}

func (n *captureNotifier) Notify(_ context.Context, notif Notification) error {
	data, _ := json.Marshal(notif.Params)
	n.mu.Lock()
	defer n.mu.Unlock()
	n.params = append(n.params, data)
	n.methods = append(n.methods, notif.Method)
	return n.err
}

func (n *captureNotifier) count() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.params)
}

func (n *captureNotifier) last() json.RawMessage {
	n.mu.Lock()
	defer n.mu.Unlock()
	if len(n.params) == 0 {
		return nil
	}
	return n.params[len(n.params)-1]
}

func (n *captureNotifier) lastMethod() string {
	n.mu.Lock()
	defer n.mu.Unlock()
	if len(n.methods) == 0 {
		return ""
	}
	return n.methods[len(n.methods)-1]
}

func waitForCount(t *testing.T, n *captureNotifier, want int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if n.count() >= want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("expected %d notifications, got %d", want, n.count())
}

func TestBaseWatcher_AddRemoveSubscription(t *testing.T) {
	b := NewBaseWatcher("test")

	sub := &Subscription{ID: "test_1"}
	b.AddSubscription(sub)

	if !b.HasSubscriptions() {
		t.Error("expected HasSubscriptions to be true")
	}

	removed := b.RemoveSubscription("test_1")
	if removed == nil {
		t.Fatal("expected removed subscription")
	}
	if removed.ID != "test_1" {
		t.Errorf("expected ID test_1, got %s", removed.ID)
	}

	if b.HasSubscriptions() {
		t.Error("expected HasSubscriptions to be false")
	}

	removed = b.RemoveSubscription("nonexistent")
	if removed != nil {
		t.Error("expected nil for non-existent subscription")
	}
}

func TestBaseWatcher_GenerateID(t *testing.T) {
	b := NewBaseWatcher("cm")

	a, c := b.GenerateID(), b.GenerateID()
	if !strings.HasPrefix(a, "cm_") {
		t.Errorf("expected cm_ prefix, got %q", a)
	}
	if a == c {
		t.Error("expected unique IDs")
	}
}

func TestBaseWatcher_NotifyAll(t *testing.T) {
	b := NewBaseWatcher("test")
	n1, n2 := &captureNotifier{}, &captureNotifier{err: errors.New("closed")}
	b.AddSubscription(&Subscription{ID: "a", Notifier: n1})
	b.AddSubscription(&Subscription{ID: "b", Notifier: n2})

	sent := b.NotifyAll("test.method", func(sub *Subscription) any {
		return map[string]string{"id": sub.ID}
	})

	if sent != 2 {
		t.Errorf("sent = %d, want 2", sent)
	}
	if n1.lastMethod() != "test.method" {
		t.Errorf("method = %q", n1.lastMethod())
	}
	if string(n1.last()) != `{"id":"a"}` {
		t.Errorf("params = %s", n1.last())
	}
	// A failing notifier does not stop the fan-out.
	if n2.count() != 1 {
		t.Errorf("expected failing notifier to be tried once, got %d", n2.count())
	}
}

func TestBaseWatcher_NotifyIDsSkipsRemoved(t *testing.T) {
	b := NewBaseWatcher("test")
	n := &captureNotifier{}
	b.AddSubscription(&Subscription{ID: "a", Notifier: n})

	sent := b.NotifyIDs([]string{"a", "gone"}, "m", func(*Subscription) any { return nil })

	if sent != 1 {
		t.Errorf("sent = %d, want 1", sent)
	}
	if n.count() != 1 {
		t.Errorf("count = %d, want 1", n.count())
	}
}

func TestBaseWatcher_Cancel(t *testing.T) {
	b := NewBaseWatcher("test")
	b.Cancel()

	if b.Context().Err() == nil {
		t.Error("expected context to be cancelled")
	}
}
