package agent

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"sync"
	"time"

	"github.com/pockode/codexbridge/agent/codex"
	"github.com/pockode/codexbridge/logger"
	"github.com/pockode/codexbridge/permission"
	"github.com/sourcegraph/jsonrpc2"
)

const (
	CodexBinary = "codex"

	protocolVersion   = "2024-11-05"
	initializeTimeout = 15 * time.Second
	eventBufferSize   = 64

	toolCodex      = "codex"
	toolCodexReply = "codex-reply"
)

// DefaultCodexArgs runs codex as an MCP server over stdio.
var DefaultCodexArgs = []string{"mcp-server"}

var ErrSessionClosed = errors.New("codex session closed")

// CodexAgent implements the Agent interface by running codex as an MCP server.
type CodexAgent struct {
	binary string
	args   []string
	log    *slog.Logger
}

// NewCodexAgent creates a CodexAgent. Empty binary or args fall back to the
// defaults.
func NewCodexAgent(binary string, args []string) *CodexAgent {
	if binary == "" {
		binary = CodexBinary
	}
	if len(args) == 0 {
		args = DefaultCodexArgs
	}
	return &CodexAgent{
		binary: binary,
		args:   args,
		log:    slog.With("agent", "codex"),
	}
}

func (a *CodexAgent) Start(ctx context.Context, opts StartOptions) (Session, error) {
	cmd := exec.CommandContext(ctx, a.binary, a.args...)
	cmd.Dir = opts.WorkDir

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start codex: %w", err)
	}
	log := a.log.With("pid", cmd.Process.Pid)

	go func() {
		scanner := bufio.NewScanner(stderr)
		scanner.Buffer(make([]byte, 64*1024), 1024*1024)
		for scanner.Scan() {
			log.Debug("codex stderr", "line", logger.Truncate(scanner.Text(), 500))
		}
	}()

	s, err := newCodexSession(ctx, &stdioPipe{ReadCloser: stdout, WriteCloser: stdin}, opts, log)
	if err != nil {
		_ = cmd.Process.Kill()
		_ = cmd.Wait()
		return nil, err
	}

	go func() {
		<-s.conn.DisconnectNotify()
		if err := cmd.Wait(); err != nil {
			log.Info("codex exited", "error", err)
		} else {
			log.Info("codex exited")
		}
	}()

	return s, nil
}

// stdioPipe joins a child's stdout and stdin into one stream.
type stdioPipe struct {
	io.ReadCloser
	io.WriteCloser
}

func (p *stdioPipe) Close() error {
	werr := p.WriteCloser.Close()
	rerr := p.ReadCloser.Close()
	return errors.Join(werr, rerr)
}

// codexSession speaks MCP to one codex process.
type codexSession struct {
	conn *jsonrpc2.Conn
	opts StartOptions
	log  *slog.Logger

	// ctx outlives the caller of SendMessage; turns run until the session ends.
	ctx    context.Context
	cancel context.CancelFunc

	events chan codex.Event
	done   chan struct{}

	mu             sync.Mutex
	closed         bool
	codexSessionID string
	pending        map[string]jsonrpc2.ID // call id -> elicitation request id
	senders        sync.WaitGroup

	closeOnce sync.Once
}

var _ Session = (*codexSession)(nil)

func newCodexSession(ctx context.Context, rwc io.ReadWriteCloser, opts StartOptions, log *slog.Logger) (*codexSession, error) {
	sessCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	s := &codexSession{
		opts:           opts,
		log:            log,
		ctx:            sessCtx,
		cancel:         cancel,
		events:         make(chan codex.Event, eventBufferSize),
		done:           make(chan struct{}),
		codexSessionID: opts.CodexSessionID,
		pending:        make(map[string]jsonrpc2.ID),
	}

	// The handler runs on the read loop so events keep their wire order.
	s.conn = jsonrpc2.NewConn(sessCtx, jsonrpc2.NewBufferedStream(rwc, jsonrpc2.PlainObjectCodec{}), s)

	go func() {
		select {
		case <-s.conn.DisconnectNotify():
			s.shutdown()
		case <-ctx.Done():
			_ = s.Close()
		case <-s.done:
		}
	}()

	if err := s.initialize(ctx); err != nil {
		_ = s.Close()
		return nil, err
	}
	return s, nil
}

func (s *codexSession) initialize(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, initializeTimeout)
	defer cancel()

	params := map[string]any{
		"protocolVersion": protocolVersion,
		"capabilities": map[string]any{
			"elicitation": map[string]any{},
		},
		"clientInfo": map[string]any{
			"name":    "codexbridge",
			"version": "1.0.0",
		},
	}
	var result json.RawMessage
	if err := s.conn.Call(ctx, "initialize", params, &result); err != nil {
		return fmt.Errorf("codex initialize: %w", err)
	}
	if err := s.conn.Notify(ctx, "notifications/initialized", struct{}{}); err != nil {
		return fmt.Errorf("codex initialized notification: %w", err)
	}
	s.log.Debug("codex initialized")
	return nil
}

// Handle implements jsonrpc2.Handler for messages codex sends us.
func (s *codexSession) Handle(ctx context.Context, conn *jsonrpc2.Conn, req *jsonrpc2.Request) {
	var params json.RawMessage
	if req.Params != nil {
		params = *req.Params
	}

	switch req.Method {
	case codex.MethodEvent:
		ev, err := codex.DecodeNotificationParams(params)
		if err != nil {
			s.log.Warn("skipping undecodable codex event", "error", err)
			return
		}
		if id, ok := codex.SessionConfigured(ev); ok {
			s.mu.Lock()
			s.codexSessionID = id
			s.mu.Unlock()
			s.log.Debug("codex session configured", "codexSessionId", id)
		}
		s.deliver(ev)

	case codex.MethodElicitation:
		ev, err := codex.DecodeElicitation(params)
		if err != nil {
			s.log.Warn("rejecting undecodable elicitation", "error", err)
			s.replyError(ctx, conn, req, jsonrpc2.CodeInvalidParams, "invalid params")
			return
		}
		ev.CallID = permission.ResolveCallID(ev.CallID)
		s.mu.Lock()
		s.pending[ev.CallID] = req.ID
		s.mu.Unlock()
		s.deliver(ev)

	case "ping":
		if !req.Notif {
			if err := conn.Reply(ctx, req.ID, struct{}{}); err != nil {
				s.log.Debug("failed to answer ping", "error", err)
			}
		}

	default:
		if req.Notif {
			s.log.Debug("ignoring codex notification", "method", req.Method)
			return
		}
		s.replyError(ctx, conn, req, jsonrpc2.CodeMethodNotFound, "method not found: "+req.Method)
	}
}

func (s *codexSession) replyError(ctx context.Context, conn *jsonrpc2.Conn, req *jsonrpc2.Request, code int64, message string) {
	if req.Notif {
		return
	}
	if err := conn.ReplyWithError(ctx, req.ID, &jsonrpc2.Error{Code: code, Message: message}); err != nil {
		s.log.Error("failed to send error response", "error", err)
	}
}

// deliver hands ev to the consumer, blocking while the buffer is full.
func (s *codexSession) deliver(ev codex.Event) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.senders.Add(1)
	s.mu.Unlock()
	defer s.senders.Done()

	select {
	case s.events <- ev:
	case <-s.done:
	}
}

func (s *codexSession) Events() <-chan codex.Event {
	return s.events
}

func (s *codexSession) CodexSessionID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.codexSessionID
}

// SendMessage starts a codex turn. The first turn uses the codex tool; later
// turns continue the conversation with codex-reply.
func (s *codexSession) SendMessage(ctx context.Context, prompt string) error {
	s.mu.Lock()
	closed := s.closed
	conversationID := s.codexSessionID
	s.mu.Unlock()
	if closed {
		return ErrSessionClosed
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	name, args := toolCodex, map[string]any{"prompt": prompt}
	if conversationID != "" {
		name = toolCodexReply
		args["conversationId"] = conversationID
	} else {
		if s.opts.WorkDir != "" {
			args["cwd"] = s.opts.WorkDir
		}
		if s.opts.ApprovalPolicy != "" {
			args["approval-policy"] = s.opts.ApprovalPolicy
		}
		if s.opts.Sandbox != "" {
			args["sandbox"] = s.opts.Sandbox
		}
	}

	go s.runTurn(name, args)
	return nil
}

// runTurn blocks until codex answers the tool call, which happens when the
// turn ends.
func (s *codexSession) runTurn(name string, args map[string]any) {
	log := s.log.With("tool", name)
	log.Debug("turn started")

	var result json.RawMessage
	err := s.conn.Call(s.ctx, "tools/call", map[string]any{
		"name":      name,
		"arguments": args,
	}, &result)
	if err == nil {
		log.Debug("turn finished")
		return
	}

	select {
	case <-s.done:
		return
	default:
	}
	log.Error("codex tool call failed", "error", err)
	s.deliver(codex.StreamError{Message: err.Error()})
}

func (s *codexSession) Respond(ctx context.Context, callID string, decision permission.Decision) error {
	s.mu.Lock()
	id, ok := s.pending[callID]
	if ok {
		delete(s.pending, callID)
	}
	s.mu.Unlock()
	if !ok {
		return ErrNoPendingRequest
	}

	if err := s.conn.Reply(ctx, id, map[string]any{"decision": decision}); err != nil {
		return fmt.Errorf("reply to elicitation: %w", err)
	}
	s.log.Debug("answered approval", "callId", callID, "decision", decision)
	return nil
}

func (s *codexSession) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.shutdown()
		err = s.conn.Close()
		if errors.Is(err, jsonrpc2.ErrClosed) {
			err = nil
		}
	})
	return err
}

// shutdown stops delivery and closes the events channel once every in-flight
// sender has returned.
func (s *codexSession) shutdown() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()

	close(s.done)
	s.cancel()
	s.senders.Wait()
	close(s.events)
}
