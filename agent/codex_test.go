package agent

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/pockode/codexbridge/agent/codex"
	"github.com/pockode/codexbridge/permission"
	"github.com/sourcegraph/jsonrpc2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type toolCall struct {
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments"`
}

// fakeCodex is the server half of an MCP conversation.
type fakeCodex struct {
	conn   *jsonrpc2.Conn
	onTool func(ctx context.Context, f *fakeCodex, call toolCall) (any, error)
	initFn func() (any, error)

	mu          sync.Mutex
	calls       []toolCall
	decisions   []string
	initialized bool
}

func (f *fakeCodex) handle(ctx context.Context, conn *jsonrpc2.Conn, req *jsonrpc2.Request) (any, error) {
	switch req.Method {
	case "initialize":
		if f.initFn != nil {
			return f.initFn()
		}
		return map[string]any{"protocolVersion": protocolVersion}, nil
	case "notifications/initialized":
		f.mu.Lock()
		f.initialized = true
		f.mu.Unlock()
		return nil, nil
	case "tools/call":
		var call toolCall
		if err := json.Unmarshal(*req.Params, &call); err != nil {
			return nil, err
		}
		f.mu.Lock()
		f.calls = append(f.calls, call)
		f.mu.Unlock()
		return f.onTool(ctx, f, call)
	}
	return nil, &jsonrpc2.Error{Code: jsonrpc2.CodeMethodNotFound, Message: req.Method}
}

func (f *fakeCodex) event(ctx context.Context, msg map[string]any) error {
	return f.conn.Notify(ctx, codex.MethodEvent, map[string]any{"msg": msg})
}

func (f *fakeCodex) elicit(ctx context.Context, params map[string]any) error {
	var reply struct {
		Decision string `json:"decision"`
	}
	if err := f.conn.Call(ctx, codex.MethodElicitation, params, &reply); err != nil {
		return err
	}
	f.mu.Lock()
	f.decisions = append(f.decisions, reply.Decision)
	f.mu.Unlock()
	return nil
}

func (f *fakeCodex) snapshot() ([]toolCall, []string, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]toolCall(nil), f.calls...), append([]string(nil), f.decisions...), f.initialized
}

func newFakeCodex(t *testing.T) (*fakeCodex, net.Conn) {
	t.Helper()
	clientSide, serverSide := net.Pipe()
	f := &fakeCodex{}
	f.conn = jsonrpc2.NewConn(context.Background(),
		jsonrpc2.NewBufferedStream(serverSide, jsonrpc2.PlainObjectCodec{}),
		jsonrpc2.AsyncHandler(jsonrpc2.HandlerWithError(f.handle)))
	t.Cleanup(func() { _ = f.conn.Close() })
	return f, clientSide
}

func startSession(t *testing.T, opts StartOptions, onTool func(context.Context, *fakeCodex, toolCall) (any, error)) (*codexSession, *fakeCodex) {
	t.Helper()
	f, clientSide := newFakeCodex(t)
	f.onTool = onTool

	s, err := newCodexSession(context.Background(), clientSide, opts, slog.Default())
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s, f
}

func nextEvent(t *testing.T, s Session) codex.Event {
	t.Helper()
	select {
	case ev, ok := <-s.Events():
		require.True(t, ok, "events channel closed")
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
		return nil
	}
}

func waitClosed(t *testing.T, s Session) {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case _, ok := <-s.Events():
			if !ok {
				return
			}
		case <-deadline:
			t.Fatal("events channel not closed")
		}
	}
}

func TestCodexSession_Handshake(t *testing.T) {
	_, f := startSession(t, StartOptions{}, nil)

	assert.Eventually(t, func() bool {
		_, _, initialized := f.snapshot()
		return initialized
	}, time.Second, 10*time.Millisecond)
}

func TestCodexSession_HandshakeFailure(t *testing.T) {
	f, clientSide := newFakeCodex(t)
	f.initFn = func() (any, error) { return nil, errors.New("unsupported protocol") }

	_, err := newCodexSession(context.Background(), clientSide, StartOptions{}, slog.Default())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported protocol")
}

func TestCodexSession_TurnLifecycle(t *testing.T) {
	opts := StartOptions{WorkDir: "/repo", ApprovalPolicy: "on-request", Sandbox: "workspace-write"}
	s, f := startSession(t, opts, func(ctx context.Context, f *fakeCodex, call toolCall) (any, error) {
		if call.Name == toolCodex {
			_ = f.event(ctx, map[string]any{"type": "session_configured", "session_id": "conv-1"})
			_ = f.event(ctx, map[string]any{"type": "task_started"})
			_ = f.event(ctx, map[string]any{"type": "agent_message_delta", "delta": "Hello"})
			if err := f.elicit(ctx, map[string]any{
				"message":           "Allow running ls?",
				"codex_elicitation": "exec-approval",
				"codex_call_id":     "call-1",
				"codex_command":     []string{"ls", "-la"},
			}); err != nil {
				return nil, err
			}
		}
		_ = f.event(ctx, map[string]any{"type": "task_complete", "last_agent_message": "done"})
		return map[string]any{"content": []any{}}, nil
	})
	ctx := context.Background()

	require.NoError(t, s.SendMessage(ctx, "list files"))

	configured := nextEvent(t, s)
	id, ok := codex.SessionConfigured(configured)
	require.True(t, ok)
	assert.Equal(t, "conv-1", id)
	assert.Equal(t, "conv-1", s.CodexSessionID())

	assert.IsType(t, codex.TaskStarted{}, nextEvent(t, s))
	assert.Equal(t, codex.AgentMessageDelta{Delta: "Hello"}, nextEvent(t, s))

	elicit, ok := nextEvent(t, s).(codex.ElicitationCreate)
	require.True(t, ok)
	assert.Equal(t, "call-1", elicit.CallID)
	assert.Equal(t, codex.Command{"ls", "-la"}, elicit.Command)
	require.NoError(t, s.Respond(ctx, "call-1", permission.DecisionApproved))

	assert.Equal(t, codex.TaskComplete{LastAgentMessage: "done"}, nextEvent(t, s))

	require.NoError(t, s.SendMessage(ctx, "and now?"))
	assert.IsType(t, codex.TaskComplete{}, nextEvent(t, s))

	calls, decisions, _ := f.snapshot()
	require.Len(t, calls, 2)
	assert.Equal(t, toolCodex, calls[0].Name)
	assert.Equal(t, "list files", calls[0].Arguments["prompt"])
	assert.Equal(t, "/repo", calls[0].Arguments["cwd"])
	assert.Equal(t, "on-request", calls[0].Arguments["approval-policy"])
	assert.Equal(t, "workspace-write", calls[0].Arguments["sandbox"])

	assert.Equal(t, toolCodexReply, calls[1].Name)
	assert.Equal(t, "and now?", calls[1].Arguments["prompt"])
	assert.Equal(t, "conv-1", calls[1].Arguments["conversationId"])
	assert.NotContains(t, calls[1].Arguments, "cwd")

	assert.Equal(t, []string{"approved"}, decisions)
}

func TestCodexSession_ResumesKnownConversation(t *testing.T) {
	s, f := startSession(t, StartOptions{CodexSessionID: "conv-9"}, func(ctx context.Context, f *fakeCodex, call toolCall) (any, error) {
		_ = f.event(ctx, map[string]any{"type": "task_complete"})
		return map[string]any{}, nil
	})

	require.NoError(t, s.SendMessage(context.Background(), "continue"))
	nextEvent(t, s)

	calls, _, _ := f.snapshot()
	require.Len(t, calls, 1)
	assert.Equal(t, toolCodexReply, calls[0].Name)
	assert.Equal(t, "conv-9", calls[0].Arguments["conversationId"])
}

func TestCodexSession_ElicitationWithoutCallID(t *testing.T) {
	s, f := startSession(t, StartOptions{}, func(ctx context.Context, f *fakeCodex, call toolCall) (any, error) {
		if err := f.elicit(ctx, map[string]any{"message": "Allow reading config?"}); err != nil {
			return nil, err
		}
		return map[string]any{}, nil
	})
	ctx := context.Background()

	require.NoError(t, s.SendMessage(ctx, "go"))
	elicit, ok := nextEvent(t, s).(codex.ElicitationCreate)
	require.True(t, ok)
	require.NotEmpty(t, elicit.CallID, "missing call id is synthesized")

	require.NoError(t, s.Respond(ctx, elicit.CallID, permission.DecisionDenied))
	assert.Eventually(t, func() bool {
		_, decisions, _ := f.snapshot()
		return len(decisions) == 1 && decisions[0] == "denied"
	}, time.Second, 10*time.Millisecond)
}

func TestCodexSession_RespondWithoutPendingRequest(t *testing.T) {
	s, _ := startSession(t, StartOptions{}, nil)

	err := s.Respond(context.Background(), "call-404", permission.DecisionApproved)
	assert.ErrorIs(t, err, ErrNoPendingRequest)
}

func TestCodexSession_RespondOnlyOnce(t *testing.T) {
	release := make(chan struct{})
	s, _ := startSession(t, StartOptions{}, func(ctx context.Context, f *fakeCodex, call toolCall) (any, error) {
		err := f.elicit(ctx, map[string]any{"codex_call_id": "call-1", "codex_elicitation": "patch-approval"})
		<-release
		return map[string]any{}, err
	})
	defer close(release)
	ctx := context.Background()

	require.NoError(t, s.SendMessage(ctx, "edit"))
	nextEvent(t, s)

	require.NoError(t, s.Respond(ctx, "call-1", permission.DecisionApproved))
	assert.ErrorIs(t, s.Respond(ctx, "call-1", permission.DecisionApproved), ErrNoPendingRequest)
}

func TestCodexSession_ToolCallErrorBecomesStreamError(t *testing.T) {
	s, _ := startSession(t, StartOptions{}, func(ctx context.Context, f *fakeCodex, call toolCall) (any, error) {
		return nil, errors.New("model overloaded")
	})

	require.NoError(t, s.SendMessage(context.Background(), "hi"))

	ev, ok := nextEvent(t, s).(codex.StreamError)
	require.True(t, ok)
	assert.Contains(t, ev.Message, "model overloaded")
}

func TestCodexSession_SkipsUndecodableEvents(t *testing.T) {
	s, _ := startSession(t, StartOptions{}, func(ctx context.Context, f *fakeCodex, call toolCall) (any, error) {
		_ = f.conn.Notify(ctx, codex.MethodEvent, map[string]any{"msg": map[string]any{"no_type": true}})
		_ = f.conn.Notify(ctx, "notifications/progress", map[string]any{"progress": 1})
		_ = f.event(ctx, map[string]any{"type": "task_complete"})
		return map[string]any{}, nil
	})

	require.NoError(t, s.SendMessage(context.Background(), "hi"))
	assert.IsType(t, codex.TaskComplete{}, nextEvent(t, s))
}

func TestCodexSession_Close(t *testing.T) {
	s, _ := startSession(t, StartOptions{}, nil)

	require.NoError(t, s.Close())
	require.NoError(t, s.Close())
	waitClosed(t, s)

	assert.ErrorIs(t, s.SendMessage(context.Background(), "hi"), ErrSessionClosed)
}

func TestCodexSession_PeerDisconnect(t *testing.T) {
	s, f := startSession(t, StartOptions{}, nil)

	require.NoError(t, f.conn.Close())
	waitClosed(t, s)
}

func TestCodexSession_ContextCancelCloses(t *testing.T) {
	_, clientSide := newFakeCodex(t)

	ctx, cancel := context.WithCancel(context.Background())
	s, err := newCodexSession(ctx, clientSide, StartOptions{}, slog.Default())
	require.NoError(t, err)

	cancel()
	waitClosed(t, s)
}

func TestNewCodexAgent_Defaults(t *testing.T) {
	a := NewCodexAgent("", nil)
	assert.Equal(t, CodexBinary, a.binary)
	assert.Equal(t, DefaultCodexArgs, a.args)

	a = NewCodexAgent("/opt/codex", []string{"mcp"})
	assert.Equal(t, "/opt/codex", a.binary)
	assert.Equal(t, []string{"mcp"}, a.args)
}
