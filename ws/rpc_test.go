package ws

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/pockode/codexbridge/agent"
	"github.com/pockode/codexbridge/agent/codex"
	"github.com/pockode/codexbridge/message"
	"github.com/pockode/codexbridge/permission"
	"github.com/pockode/codexbridge/process"
	"github.com/pockode/codexbridge/rpc"
	"github.com/pockode/codexbridge/session"
	"github.com/pockode/codexbridge/settings"
	"github.com/pockode/codexbridge/watch"
	"github.com/sourcegraph/jsonrpc2"
)

const testToken = "test-token"

type mockAgent struct {
	mu       sync.Mutex
	sessions []*mockSession
}

func (m *mockAgent) Start(ctx context.Context, opts agent.StartOptions) (agent.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sess := &mockSession{
		events:    make(chan codex.Event, 10),
		responses: make(map[string]permission.Decision),
	}
	m.sessions = append(m.sessions, sess)
	return sess, nil
}

func (m *mockAgent) session(i int) *mockSession {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sessions[i]
}

type mockSession struct {
	events chan codex.Event

	mu        sync.Mutex
	closed    bool
	prompts   []string
	responses map[string]permission.Decision
}

func (s *mockSession) Events() <-chan codex.Event { return s.events }

func (s *mockSession) SendMessage(ctx context.Context, prompt string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.prompts = append(s.prompts, prompt)
	return nil
}

func (s *mockSession) Respond(ctx context.Context, callID string, decision permission.Decision) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.responses[callID] = decision
	return nil
}

func (s *mockSession) CodexSessionID() string { return "" }

func (s *mockSession) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.events)
	}
	return nil
}

func (s *mockSession) response(callID string) (permission.Decision, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.responses[callID]
	return d, ok
}

// rpcMessage is either a response or a server notification.
type rpcMessage struct {
	ID     *uint64         `json:"id,omitempty"`
	Method string          `json:"method,omitempty"`
	Params json.RawMessage `json:"params,omitempty"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *jsonrpc2.Error `json:"error,omitempty"`
}

type testEnv struct {
	t        *testing.T
	mock     *mockAgent
	store    *session.FileStore
	settings *settings.Store
	manager  *process.Manager
	handler  *RPCHandler
	conn     *websocket.Conn
	ctx      context.Context

	nextID        uint64
	notifications []rpcMessage
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	dataDir := t.TempDir()
	store, err := session.NewFileStore(dataDir)
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	settingsStore, err := settings.NewStore(dataDir)
	if err != nil {
		t.Fatalf("failed to create settings store: %v", err)
	}

	mock := &mockAgent{}
	manager := process.NewManager(mock, "/tmp/work", store, settingsStore, 10*time.Minute)
	h := NewRPCHandler(testToken, "test", "/tmp/work", true, manager, store, settingsStore)
	server := httptest.NewServer(h)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)

	wsURL := "ws" + strings.TrimPrefix(server.URL, "http")
	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	if err != nil {
		cancel()
		server.Close()
		t.Fatalf("failed to connect: %v", err)
	}

	t.Cleanup(func() {
		conn.Close(websocket.StatusNormalClosure, "")
		cancel()
		server.Close()
		manager.Shutdown()
		h.Stop()
	})

	return &testEnv{
		t:        t,
		mock:     mock,
		store:    store,
		settings: settingsStore,
		manager:  manager,
		handler:  h,
		conn:     conn,
		ctx:      ctx,
	}
}

// newAuthedEnv returns an environment whose connection passed auth.
func newAuthedEnv(t *testing.T) *testEnv {
	env := newTestEnv(t)
	if resp := env.call("auth", rpc.AuthParams{Token: testToken}); resp.Error != nil {
		t.Fatalf("auth failed: %s", resp.Error.Message)
	}
	return env
}

func (e *testEnv) read() (rpcMessage, error) {
	_, data, err := e.conn.Read(e.ctx)
	if err != nil {
		return rpcMessage{}, err
	}
	var msg rpcMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		e.t.Fatalf("failed to unmarshal: %v", err)
	}
	return msg, nil
}

// call sends a request and waits for its response, buffering notifications
// that arrive first.
func (e *testEnv) call(method string, params any) rpcMessage {
	e.t.Helper()

	e.nextID++
	id := e.nextID
	req := map[string]any{"jsonrpc": "2.0", "id": id, "method": method}
	if params != nil {
		req["params"] = params
	}
	data, _ := json.Marshal(req)
	if err := e.conn.Write(e.ctx, websocket.MessageText, data); err != nil {
		e.t.Fatalf("failed to send: %v", err)
	}

	for {
		msg, err := e.read()
		if err != nil {
			e.t.Fatalf("failed to read response to %s: %v", method, err)
		}
		if msg.ID == nil {
			e.notifications = append(e.notifications, msg)
			continue
		}
		if *msg.ID == id {
			return msg
		}
	}
}

// waitNotification returns the first unseen notification of method.
func (e *testEnv) waitNotification(method string, match func(json.RawMessage) bool) json.RawMessage {
	e.t.Helper()

	for i, n := range e.notifications {
		if n.Method == method && (match == nil || match(n.Params)) {
			e.notifications = append(e.notifications[:i], e.notifications[i+1:]...)
			return n.Params
		}
	}
	for {
		msg, err := e.read()
		if err != nil {
			e.t.Fatalf("waiting for %s: %v", method, err)
		}
		if msg.ID != nil {
			continue
		}
		if msg.Method == method && (match == nil || match(msg.Params)) {
			return msg.Params
		}
		e.notifications = append(e.notifications, msg)
	}
}

func messageOfType(typ message.Type) func(json.RawMessage) bool {
	return func(raw json.RawMessage) bool {
		var n rpc.ConversationMessageNotification
		return json.Unmarshal(raw, &n) == nil && n.Message.Type == typ
	}
}

func (e *testEnv) createConversation() rpc.ConversationListItem {
	e.t.Helper()
	resp := e.call("conversation.create", rpc.ConversationCreateParams{})
	if resp.Error != nil {
		e.t.Fatalf("conversation.create failed: %s", resp.Error.Message)
	}
	var item rpc.ConversationListItem
	if err := json.Unmarshal(resp.Result, &item); err != nil {
		e.t.Fatalf("failed to unmarshal: %v", err)
	}
	return item
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

// --- auth ---

func TestHandler_Auth(t *testing.T) {
	env := newTestEnv(t)

	resp := env.call("auth", rpc.AuthParams{Token: testToken})
	if resp.Error != nil {
		t.Fatalf("unexpected error: %s", resp.Error.Message)
	}

	var result rpc.AuthResult
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		t.Fatal(err)
	}
	if result.Version != "test" || result.WorkDir != "/tmp/work" {
		t.Errorf("unexpected auth result %+v", result)
	}
}

func TestHandler_Auth_InvalidToken(t *testing.T) {
	env := newTestEnv(t)

	resp := env.call("auth", rpc.AuthParams{Token: "wrong"})
	if resp.Error == nil {
		t.Fatal("expected error for invalid token")
	}
	if resp.Error.Code != jsonrpc2.CodeInvalidRequest {
		t.Errorf("code = %d, want %d", resp.Error.Code, jsonrpc2.CodeInvalidRequest)
	}
	if _, err := env.read(); err == nil {
		t.Error("expected connection to be closed")
	}
}

func TestHandler_RequiresAuthFirst(t *testing.T) {
	env := newTestEnv(t)

	resp := env.call("conversation.list", nil)
	if resp.Error == nil {
		t.Fatal("expected error before auth")
	}
	if !strings.Contains(resp.Error.Message, "first request must be auth") {
		t.Errorf("unexpected message %q", resp.Error.Message)
	}
}

func TestHandler_MethodNotFound(t *testing.T) {
	env := newAuthedEnv(t)

	resp := env.call("chat.interrupt", nil)
	if resp.Error == nil || resp.Error.Code != jsonrpc2.CodeMethodNotFound {
		t.Fatalf("expected method not found, got %+v", resp.Error)
	}
}

// --- conversation.* ---

func TestHandler_ConversationCreateAndList(t *testing.T) {
	env := newAuthedEnv(t)

	created := env.createConversation()
	if created.ID == "" {
		t.Error("expected non-empty ID")
	}
	if created.Mode != session.ModeDefault {
		t.Errorf("mode = %q, want default", created.Mode)
	}
	if created.State != process.ProcessStateEnded {
		t.Errorf("state = %q, want ended", created.State)
	}

	resp := env.call("conversation.list", nil)
	if resp.Error != nil {
		t.Fatalf("unexpected error: %s", resp.Error.Message)
	}
	var list rpc.ConversationListResult
	if err := json.Unmarshal(resp.Result, &list); err != nil {
		t.Fatal(err)
	}
	if len(list.Conversations) != 1 || list.Conversations[0].ID != created.ID {
		t.Errorf("unexpected list %+v", list.Conversations)
	}
}

func TestHandler_ConversationCreate_InvalidMode(t *testing.T) {
	env := newAuthedEnv(t)

	resp := env.call("conversation.create", rpc.ConversationCreateParams{Mode: "reckless"})
	if resp.Error == nil {
		t.Fatal("expected error for invalid mode")
	}
}

func TestHandler_ConversationUpdateTitle(t *testing.T) {
	env := newAuthedEnv(t)
	created := env.createConversation()

	resp := env.call("conversation.update_title", rpc.ConversationUpdateTitleParams{
		ConversationID: created.ID,
		Title:          "Refactor parser",
	})
	if resp.Error != nil {
		t.Fatalf("unexpected error: %s", resp.Error.Message)
	}
	meta, _, _ := env.store.Get(context.Background(), created.ID)
	if meta.Title != "Refactor parser" {
		t.Errorf("title = %q", meta.Title)
	}

	if resp := env.call("conversation.update_title", rpc.ConversationUpdateTitleParams{ConversationID: created.ID}); resp.Error == nil {
		t.Error("expected error for empty title")
	}

	resp = env.call("conversation.update_title", rpc.ConversationUpdateTitleParams{ConversationID: "missing", Title: "x"})
	if resp.Error == nil || resp.Error.Message != "conversation not found" {
		t.Errorf("expected conversation not found, got %+v", resp.Error)
	}
}

func TestHandler_ConversationDelete(t *testing.T) {
	env := newAuthedEnv(t)
	created := env.createConversation()

	if resp := env.call("conversation.message", rpc.ConversationMessageParams{ConversationID: created.ID, Content: "hi"}); resp.Error != nil {
		t.Fatalf("unexpected error: %s", resp.Error.Message)
	}
	if !env.manager.HasProcess(created.ID) {
		t.Fatal("expected a running process")
	}

	resp := env.call("conversation.delete", rpc.ConversationDeleteParams{ConversationID: created.ID})
	if resp.Error != nil {
		t.Fatalf("unexpected error: %s", resp.Error.Message)
	}

	if env.manager.HasProcess(created.ID) {
		t.Error("expected process to be closed")
	}
	if _, found, _ := env.store.Get(context.Background(), created.ID); found {
		t.Error("expected conversation to be deleted")
	}
}

func TestHandler_ConversationMessage(t *testing.T) {
	env := newAuthedEnv(t)
	created := env.createConversation()

	sub := env.call("conversation.subscribe", rpc.ConversationSubscribeParams{ConversationID: created.ID})
	if sub.Error != nil {
		t.Fatalf("subscribe failed: %s", sub.Error.Message)
	}

	resp := env.call("conversation.message", rpc.ConversationMessageParams{ConversationID: created.ID, Content: "list the files"})
	if resp.Error != nil {
		t.Fatalf("unexpected error: %s", resp.Error.Message)
	}

	raw := env.waitNotification(watch.MethodConversationMessage, messageOfType(message.TypeUserContent))
	var n rpc.ConversationMessageNotification
	if err := json.Unmarshal(raw, &n); err != nil {
		t.Fatal(err)
	}
	if n.Message.ConversationID != created.ID {
		t.Errorf("conversation_id = %q", n.Message.ConversationID)
	}

	sess := env.mock.session(0)
	sess.mu.Lock()
	prompts := append([]string(nil), sess.prompts...)
	sess.mu.Unlock()
	if len(prompts) != 1 || prompts[0] != "list the files" {
		t.Errorf("prompts = %v", prompts)
	}

	meta, _, _ := env.store.Get(context.Background(), created.ID)
	if !meta.Activated || meta.Title != "list the files" {
		t.Errorf("expected activated conversation titled from prompt, got %+v", meta)
	}
}

func TestHandler_ConversationMessage_Errors(t *testing.T) {
	env := newAuthedEnv(t)

	resp := env.call("conversation.message", rpc.ConversationMessageParams{ConversationID: "missing", Content: "hi"})
	if resp.Error == nil || resp.Error.Message != "conversation not found" {
		t.Errorf("expected conversation not found, got %+v", resp.Error)
	}

	created := env.createConversation()
	if resp := env.call("conversation.message", rpc.ConversationMessageParams{ConversationID: created.ID}); resp.Error == nil {
		t.Error("expected error for empty content")
	}
}

func TestHandler_ConversationSubscribe_ReturnsHistory(t *testing.T) {
	env := newAuthedEnv(t)
	created := env.createConversation()

	rec := message.Message{Type: message.TypeContent, MsgID: "m1", ConversationID: created.ID, Data: "earlier"}
	if err := env.store.AppendToHistory(context.Background(), created.ID, rec); err != nil {
		t.Fatal(err)
	}

	resp := env.call("conversation.subscribe", rpc.ConversationSubscribeParams{ConversationID: created.ID})
	if resp.Error != nil {
		t.Fatalf("unexpected error: %s", resp.Error.Message)
	}
	var result rpc.ConversationSubscribeResult
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		t.Fatal(err)
	}
	if result.ID == "" || len(result.History) != 1 {
		t.Errorf("unexpected result %+v", result)
	}
	if result.State != process.ProcessStateEnded {
		t.Errorf("state = %q, want ended", result.State)
	}

	if resp := env.call("conversation.subscribe", rpc.ConversationSubscribeParams{ConversationID: "missing"}); resp.Error == nil {
		t.Error("expected error for unknown conversation")
	}

	if resp := env.call("conversation.unsubscribe", rpc.UnsubscribeParams{ID: result.ID}); resp.Error != nil {
		t.Errorf("unsubscribe failed: %s", resp.Error.Message)
	}
	if resp := env.call("conversation.unsubscribe", rpc.UnsubscribeParams{}); resp.Error == nil {
		t.Error("expected error for missing id")
	}
}

func TestHandler_ConversationListSubscribe(t *testing.T) {
	env := newAuthedEnv(t)

	resp := env.call("conversation.list.subscribe", nil)
	if resp.Error != nil {
		t.Fatalf("unexpected error: %s", resp.Error.Message)
	}
	var result rpc.ConversationListSubscribeResult
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		t.Fatal(err)
	}
	if len(result.Conversations) != 0 {
		t.Errorf("expected empty list, got %d", len(result.Conversations))
	}

	created := env.createConversation()

	raw := env.waitNotification("conversation.list.changed", nil)
	var n rpc.ConversationListChangedNotification
	if err := json.Unmarshal(raw, &n); err != nil {
		t.Fatal(err)
	}
	if n.ID != result.ID || n.Operation != "create" {
		t.Errorf("unexpected notification %+v", n)
	}
	if n.Conversation == nil || n.Conversation.ID != created.ID {
		t.Errorf("unexpected conversation %+v", n.Conversation)
	}
}

// --- permission.* ---

func TestHandler_PermissionRoundTrip(t *testing.T) {
	env := newAuthedEnv(t)
	created := env.createConversation()

	env.call("conversation.subscribe", rpc.ConversationSubscribeParams{ConversationID: created.ID})
	env.call("conversation.message", rpc.ConversationMessageParams{ConversationID: created.ID, Content: "clean up"})

	env.mock.session(0).events <- codex.ExecApprovalRequest{CallID: "call-1", Command: codex.Command{"rm", "-rf", "build"}}

	raw := env.waitNotification(watch.MethodConversationMessage, messageOfType(message.TypeCodexPermission))
	var n rpc.ConversationMessageNotification
	if err := json.Unmarshal(raw, &n); err != nil {
		t.Fatal(err)
	}
	if n.Message.MsgID != permission.UnifiedRequestID("call-1") {
		t.Errorf("msg_id = %q", n.Message.MsgID)
	}

	resp := env.call("permission.list", rpc.PermissionListParams{ConversationID: created.ID})
	if resp.Error != nil {
		t.Fatalf("unexpected error: %s", resp.Error.Message)
	}
	var list rpc.PermissionListResult
	if err := json.Unmarshal(resp.Result, &list); err != nil {
		t.Fatal(err)
	}
	if len(list.Prompts) != 1 || list.Prompts[0].RequestID != "call-1" {
		t.Fatalf("unexpected prompts %+v", list.Prompts)
	}

	resp = env.call("permission.respond", rpc.PermissionRespondParams{
		ConversationID: created.ID,
		RequestID:      "call-1",
		OptionID:       string(permission.OptionAllowOnce),
	})
	if resp.Error != nil {
		t.Fatalf("unexpected error: %s", resp.Error.Message)
	}
	if d, ok := env.mock.session(0).response("call-1"); !ok || d != permission.DecisionApproved {
		t.Errorf("expected approved forwarded, got %q (%v)", d, ok)
	}

	resp = env.call("permission.respond", rpc.PermissionRespondParams{
		ConversationID: created.ID,
		RequestID:      "call-1",
		OptionID:       string(permission.OptionRejectOnce),
	})
	if resp.Error == nil || resp.Error.Code != jsonrpc2.CodeInvalidParams {
		t.Errorf("expected invalid params for second answer, got %+v", resp.Error)
	}

	resp = env.call("permission.list", nil)
	if err := json.Unmarshal(resp.Result, &list); err != nil {
		t.Fatal(err)
	}
	if len(list.Prompts) != 0 {
		t.Errorf("expected no pending prompts, got %d", len(list.Prompts))
	}
}

func TestHandler_PermissionRespond_NoProcess(t *testing.T) {
	env := newAuthedEnv(t)

	resp := env.call("permission.respond", rpc.PermissionRespondParams{
		ConversationID: "conv-1",
		RequestID:      "call-1",
		OptionID:       "allow_once",
	})
	if resp.Error == nil || resp.Error.Code != jsonrpc2.CodeInvalidParams {
		t.Errorf("expected invalid params, got %+v", resp.Error)
	}
}

// --- settings.* ---

func TestHandler_Settings(t *testing.T) {
	env := newAuthedEnv(t)

	resp := env.call("settings.get", nil)
	var got settings.Settings
	if err := json.Unmarshal(resp.Result, &got); err != nil {
		t.Fatal(err)
	}
	if got != settings.Default() {
		t.Errorf("settings = %+v, want defaults", got)
	}

	sub := env.call("settings.subscribe", nil)
	if sub.Error != nil {
		t.Fatalf("subscribe failed: %s", sub.Error.Message)
	}

	updated := settings.Settings{ApprovalPolicy: settings.ApprovalUntrusted, Sandbox: settings.SandboxReadOnly}
	if resp := env.call("settings.update", rpc.SettingsUpdateParams{Settings: updated}); resp.Error != nil {
		t.Fatalf("update failed: %s", resp.Error.Message)
	}
	if env.settings.Get() != updated {
		t.Errorf("store = %+v, want %+v", env.settings.Get(), updated)
	}

	raw := env.waitNotification("settings.changed", nil)
	var n rpc.SettingsChangedNotification
	if err := json.Unmarshal(raw, &n); err != nil {
		t.Fatal(err)
	}
	if n.Settings != updated {
		t.Errorf("notified %+v, want %+v", n.Settings, updated)
	}

	bad := settings.Settings{ApprovalPolicy: "sometimes", Sandbox: settings.SandboxReadOnly}
	if resp := env.call("settings.update", rpc.SettingsUpdateParams{Settings: bad}); resp.Error == nil {
		t.Error("expected error for invalid settings")
	}
}

// --- connection lifecycle ---

func TestHandler_DisconnectCleansUpSubscriptions(t *testing.T) {
	env := newAuthedEnv(t)
	created := env.createConversation()

	env.call("conversation.subscribe", rpc.ConversationSubscribeParams{ConversationID: created.ID})
	env.call("conversation.list.subscribe", nil)
	env.call("settings.subscribe", nil)

	if env.handler.messagesWatcher.SubscriberCount(created.ID) != 1 {
		t.Fatal("expected one conversation subscriber")
	}

	env.conn.Close(websocket.StatusNormalClosure, "")

	waitFor(t, "subscriptions cleaned up", func() bool {
		return env.handler.messagesWatcher.SubscriberCount(created.ID) == 0 &&
			!env.handler.listWatcher.HasSubscriptions() &&
			!env.handler.settingsWatcher.HasSubscriptions()
	})
}
