package process

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pockode/codexbridge/agent"
	"github.com/pockode/codexbridge/agent/codex"
	"github.com/pockode/codexbridge/dispatch"
	"github.com/pockode/codexbridge/message"
	"github.com/pockode/codexbridge/metrics"
	"github.com/pockode/codexbridge/permission"
	"github.com/pockode/codexbridge/stream"
	"github.com/pockode/codexbridge/toolcall"
)

var (
	ErrPromptNotFound  = errors.New("permission prompt not found")
	ErrAlreadyAnswered = errors.New("permission prompt already answered")
	ErrInvalidOption   = errors.New("invalid permission option")
)

// PromptState tracks a permission prompt from the user's side.
type PromptState string

const (
	PromptPending  PromptState = "pending"
	PromptAnswered PromptState = "answered"
)

// Prompt is a permission prompt shown to the user.
type Prompt struct {
	ConversationID string                    `json:"conversationId"`
	RequestID      string                    `json:"requestId"`
	Request        message.PermissionRequest `json:"request"`
	State          PromptState               `json:"state"`
	OptionID       string                    `json:"optionId,omitempty"`
	CreatedAt      time.Time                 `json:"createdAt"`
}

// Process holds a running codex process and the pipeline consuming its
// events. Do not cache references.
type Process struct {
	conversationID string
	agentSession   agent.Session
	manager        *Manager // back-reference for broadcasting to subscribers
	log            *slog.Logger

	dispatcher *dispatch.Dispatcher
	assembler  *stream.Assembler
	tracker    *toolcall.Tracker

	mu         sync.Mutex
	lastActive time.Time
	state      ProcessState
	prompts    map[string]*Prompt // by request id
	closeOnce  sync.Once
}

var _ message.Emitter = (*Process)(nil)

func newProcess(m *Manager, conversationID string, sess agent.Session) *Process {
	p := &Process{
		conversationID: conversationID,
		agentSession:   sess,
		manager:        m,
		log:            slog.With("conversationId", conversationID),
		lastActive:     time.Now(),
		state:          ProcessStateIdle,
		prompts:        make(map[string]*Prompt),
	}
	p.assembler = stream.NewAssembler(conversationID, p, m.streamIdleTimeout)
	p.tracker = toolcall.NewTracker(conversationID, p)
	p.dispatcher = dispatch.New(conversationID, p.assembler, p.tracker, p)
	return p
}

// EmitAndPersist implements message.Emitter: persisted messages go to the
// conversation history, every message goes to the listener.
func (p *Process) EmitAndPersist(ctx context.Context, msg message.Message, persist bool) error {
	if msg.Type == message.TypeCodexPermission {
		p.recordPrompt(msg)
	}
	if persist {
		if err := p.manager.sessionStore.AppendToHistory(ctx, p.conversationID, msg); err != nil {
			return fmt.Errorf("append to history: %w", err)
		}
	}
	p.manager.emitMessage(msg)
	return nil
}

func (p *Process) recordPrompt(msg message.Message) {
	req, ok := msg.Data.(message.PermissionRequest)
	if !ok {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, exists := p.prompts[req.RequestID]; exists {
		return
	}
	p.prompts[req.RequestID] = &Prompt{
		ConversationID: p.conversationID,
		RequestID:      req.RequestID,
		Request:        req,
		State:          PromptPending,
		CreatedAt:      time.Now(),
	}
}

// PendingPrompts returns the prompts still waiting for an answer.
func (p *Process) PendingPrompts() []Prompt {
	p.mu.Lock()
	defer p.mu.Unlock()
	var pending []Prompt
	for _, pr := range p.prompts {
		if pr.State == PromptPending {
			pending = append(pending, *pr)
		}
	}
	return pending
}

// SendMessage records the prompt in history and starts a codex turn.
func (p *Process) SendMessage(ctx context.Context, prompt string) error {
	p.touch()
	p.log.Info("received prompt", "length", len(prompt))

	msg := message.Message{
		Type:           message.TypeUserContent,
		MsgID:          newMsgID(),
		ConversationID: p.conversationID,
		Data:           message.UserContent{Content: prompt},
	}
	if err := p.EmitAndPersist(ctx, msg, true); err != nil {
		p.log.Error("failed to record prompt", "error", err)
	}

	p.SetRunning()
	if err := p.agentSession.SendMessage(ctx, prompt); err != nil {
		p.SetIdle()
		return err
	}
	return nil
}

// Respond answers a permission prompt. Each prompt accepts one answer.
func (p *Process) Respond(ctx context.Context, requestID, optionID string) error {
	if !permission.IsValidOption(optionID) {
		return fmt.Errorf("%w: %q", ErrInvalidOption, optionID)
	}

	p.mu.Lock()
	pr, ok := p.prompts[requestID]
	if !ok {
		p.mu.Unlock()
		return ErrPromptNotFound
	}
	if pr.State == PromptAnswered {
		p.mu.Unlock()
		return ErrAlreadyAnswered
	}
	pr.State = PromptAnswered
	pr.OptionID = optionID
	p.mu.Unlock()

	decision := permission.DecisionFor(optionID)
	if err := p.agentSession.Respond(ctx, requestID, decision); err != nil {
		p.mu.Lock()
		pr.State = PromptPending
		pr.OptionID = ""
		p.mu.Unlock()
		return fmt.Errorf("forward answer to codex: %w", err)
	}
	metrics.RecordPermissionResponse(string(decision))
	p.touch()
	p.SetRunning()

	unifiedID := permission.UnifiedRequestID(requestID)
	response := message.PermissionResponse{
		RequestID: requestID,
		OptionID:  optionID,
		Decision:  decision,
		Remember:  permission.IsPersistent(optionID),
	}
	if changes, ok := p.tracker.PatchChanges(unifiedID); ok {
		if permission.IsAllow(optionID) {
			response.Changes = toolcall.SummarizePatch(changes)
		}
		p.tracker.ReleasePatchChanges(unifiedID)
	}

	msg := message.Message{
		Type:           message.TypePermissionResponse,
		MsgID:          unifiedID + "_response",
		ConversationID: p.conversationID,
		Data:           response,
	}
	if err := p.EmitAndPersist(ctx, msg, true); err != nil {
		p.log.Error("failed to record permission response", "error", err)
	}

	p.log.Info("answered permission prompt", "requestId", requestID, "decision", decision)
	return nil
}

// storeCodexSession saves the codex conversation id so a restarted process
// can resume it with codex-reply.
func (p *Process) storeCodexSession(ctx context.Context) {
	id := p.agentSession.CodexSessionID()
	if id == "" {
		return
	}
	if err := p.manager.sessionStore.SetCodexSession(ctx, p.conversationID, id); err != nil {
		p.log.Error("failed to store codex session id", "error", err)
	}
}

func newMsgID() string {
	return uuid.Must(uuid.NewV7()).String()
}

func (p *Process) touch() {
	p.mu.Lock()
	p.lastActive = time.Now()
	p.mu.Unlock()
}

func (p *Process) getLastActive() time.Time {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastActive
}

func (p *Process) State() ProcessState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// setState stores state and reports whether it changed.
func (p *Process) setState(state ProcessState) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state == state {
		return false
	}
	p.state = state
	return true
}

// SetRunning transitions the process to running state and notifies subscribers.
func (p *Process) SetRunning() {
	if p.setState(ProcessStateRunning) {
		p.manager.emitStateChange(p.conversationID, ProcessStateRunning)
	}
}

// SetIdle transitions the process to idle state and notifies subscribers.
func (p *Process) SetIdle() {
	if p.setState(ProcessStateIdle) {
		p.manager.emitStateChange(p.conversationID, ProcessStateIdle)
	}
}

// streamEvents feeds codex events to the dispatcher in arrival order.
func (p *Process) streamEvents(ctx context.Context) {
	for ev := range p.agentSession.Events() {
		p.touch()
		p.log.Debug("streaming event", "tag", ev.Tag())

		if ev.Tag() == codex.TagSessionConfigured {
			p.storeCodexSession(ctx)
		}
		if ev.Tag() == codex.TagTaskStarted {
			p.SetRunning()
		}

		p.dispatcher.Handle(ctx, ev)

		if codex.AwaitsUserInput(ev) {
			p.SetIdle()
			if err := p.manager.sessionStore.Touch(ctx, p.conversationID); err != nil {
				p.log.Error("failed to touch conversation", "error", err)
			}
		}
	}

	p.log.Info("event stream ended")
}

func (p *Process) close() {
	p.closeOnce.Do(func() {
		if err := p.agentSession.Close(); err != nil {
			p.log.Warn("failed to close codex session", "error", err)
		}
	})
}

// teardown releases per-conversation state once the event stream has ended.
func (p *Process) teardown() {
	p.close()
	p.dispatcher.Wait()
	p.assembler.Cleanup()
	p.tracker.Cleanup()
}
