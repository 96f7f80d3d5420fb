package process

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/pockode/codexbridge/agent"
	"github.com/pockode/codexbridge/logger"
	"github.com/pockode/codexbridge/message"
	"github.com/pockode/codexbridge/metrics"
	"github.com/pockode/codexbridge/session"
	"github.com/pockode/codexbridge/settings"
	"github.com/pockode/codexbridge/stream"
)

var ErrProcessNotFound = errors.New("no running process for conversation")

const maxTitleLength = 60

type ProcessState string

const (
	ProcessStateIdle    ProcessState = "idle"    // Process alive, waiting for user input
	ProcessStateRunning ProcessState = "running" // codex is working on a turn
	ProcessStateEnded   ProcessState = "ended"   // Process has ended (not in map)
)

type StateChangeEvent struct {
	ConversationID string
	State          ProcessState
}

// SettingsProvider supplies the codex settings applied to new processes.
type SettingsProvider interface {
	Get() settings.Settings
}

// Manager manages codex processes, one per conversation.
type Manager struct {
	agent        agent.Agent
	workDir      string
	sessionStore session.Store
	settings     SettingsProvider
	idleTimeout  time.Duration

	// streamIdleTimeout finalizes a streamed answer when codex goes quiet.
	streamIdleTimeout time.Duration

	processesMu sync.Mutex
	processes   map[string]*Process

	// Message listener (MessagesWatcher)
	messageListener MessageListener

	// Called when a process ends (for cleanup coordination)
	onProcessEnd func()

	// Called when process running state changes
	onStateChange func(StateChangeEvent)

	ctx    context.Context
	cancel context.CancelFunc
}

// NewManager creates a new manager with the given idle timeout.
func NewManager(ag agent.Agent, workDir string, store session.Store, provider SettingsProvider, idleTimeout time.Duration) *Manager {
	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		agent:             ag,
		workDir:           workDir,
		sessionStore:      store,
		settings:          provider,
		idleTimeout:       idleTimeout,
		streamIdleTimeout: stream.DefaultIdleTimeout,
		processes:         make(map[string]*Process),
		ctx:               ctx,
		cancel:            cancel,
	}
	go m.runIdleReaper()
	return m
}

// SetMessageListener sets the listener for normalized messages.
func (m *Manager) SetMessageListener(l MessageListener) {
	m.messageListener = l
}

func (m *Manager) SetOnStateChange(fn func(StateChangeEvent)) {
	m.onStateChange = fn
}

func (m *Manager) emitStateChange(conversationID string, state ProcessState) {
	if m.onStateChange != nil {
		m.onStateChange(StateChangeEvent{ConversationID: conversationID, State: state})
	}
}

func (m *Manager) emitMessage(msg message.Message) {
	if m.messageListener != nil {
		m.messageListener.OnMessage(msg)
	}
}

// startOptions derives codex options from the conversation and current settings.
func (m *Manager) startOptions(meta session.SessionMeta) agent.StartOptions {
	s := settings.Default()
	if m.settings != nil {
		s = m.settings.Get()
	}
	opts := agent.StartOptions{
		WorkDir:        m.workDir,
		CodexSessionID: meta.CodexSessionID,
		ApprovalPolicy: string(s.ApprovalPolicy),
		Sandbox:        string(s.Sandbox),
	}
	if meta.Mode == session.ModeYolo {
		opts.ApprovalPolicy = string(settings.ApprovalNever)
		opts.Sandbox = string(settings.SandboxDangerFullAccess)
	}
	return opts
}

// GetOrCreateProcess returns an existing process or starts codex for the
// conversation.
func (m *Manager) GetOrCreateProcess(ctx context.Context, conversationID string) (*Process, bool, error) {
	meta, found, err := m.sessionStore.Get(ctx, conversationID)
	if err != nil {
		return nil, false, fmt.Errorf("get conversation: %w", err)
	}
	if !found {
		return nil, false, session.ErrSessionNotFound
	}

	m.processesMu.Lock()
	defer m.processesMu.Unlock()

	if proc, exists := m.processes[conversationID]; exists {
		proc.touch()
		return proc, false, nil
	}

	// Use manager's context for process lifecycle, not request context
	opts := m.startOptions(meta)
	sess, err := m.agent.Start(m.ctx, opts)
	if err != nil {
		return nil, false, err
	}

	proc := newProcess(m, conversationID, sess)
	m.processes[conversationID] = proc
	metrics.ActiveProcesses.Inc()

	go func() {
		defer func() {
			if r := recover(); r != nil {
				logger.LogPanic(r, "process crashed", "conversationId", conversationID)
			}
			proc.teardown()
			m.removeIf(conversationID, proc)
			metrics.ActiveProcesses.Dec()
			m.emitStateChange(conversationID, ProcessStateEnded)
			slog.Info("process ended", "conversationId", conversationID)
		}()
		proc.streamEvents(m.ctx)
	}()

	m.emitStateChange(conversationID, ProcessStateIdle)
	slog.Info("process created", "conversationId", conversationID,
		"resume", opts.CodexSessionID != "", "approvalPolicy", opts.ApprovalPolicy, "sandbox", opts.Sandbox)
	return proc, true, nil
}

// SendMessage starts a codex turn in the conversation, starting codex if
// needed. The first message activates the conversation and names it.
func (m *Manager) SendMessage(ctx context.Context, conversationID, prompt string) error {
	meta, found, err := m.sessionStore.Get(ctx, conversationID)
	if err != nil {
		return fmt.Errorf("get conversation: %w", err)
	}
	if !found {
		return session.ErrSessionNotFound
	}

	proc, _, err := m.GetOrCreateProcess(ctx, conversationID)
	if err != nil {
		return err
	}

	if !meta.Activated {
		if err := m.sessionStore.Activate(ctx, conversationID); err != nil {
			slog.Error("failed to activate conversation", "conversationId", conversationID, "error", err)
		}
		if title := titleFromPrompt(prompt); title != "" {
			if err := m.sessionStore.Update(ctx, conversationID, title); err != nil {
				slog.Error("failed to set conversation title", "conversationId", conversationID, "error", err)
			}
		}
	}

	return proc.SendMessage(ctx, prompt)
}

func titleFromPrompt(prompt string) string {
	line, _, _ := strings.Cut(strings.TrimSpace(prompt), "\n")
	return logger.Truncate(strings.TrimSpace(line), maxTitleLength)
}

// Respond answers a pending permission prompt of a running conversation.
func (m *Manager) Respond(ctx context.Context, conversationID, requestID, optionID string) error {
	proc := m.GetProcess(conversationID)
	if proc == nil {
		return ErrProcessNotFound
	}
	return proc.Respond(ctx, requestID, optionID)
}

// PendingPrompts lists unanswered permission prompts, oldest first. An empty
// conversationID lists prompts across all running conversations.
func (m *Manager) PendingPrompts(conversationID string) []Prompt {
	m.processesMu.Lock()
	procs := make([]*Process, 0, len(m.processes))
	for id, proc := range m.processes {
		if conversationID == "" || id == conversationID {
			procs = append(procs, proc)
		}
	}
	m.processesMu.Unlock()

	var prompts []Prompt
	for _, proc := range procs {
		prompts = append(prompts, proc.PendingPrompts()...)
	}
	slices.SortFunc(prompts, func(a, b Prompt) int {
		return a.CreatedAt.Compare(b.CreatedAt)
	})
	return prompts
}

// GetProcess returns an existing process or nil.
// Use this to check if a process is running without creating one.
func (m *Manager) GetProcess(conversationID string) *Process {
	m.processesMu.Lock()
	defer m.processesMu.Unlock()
	return m.processes[conversationID]
}

// HasProcess returns whether a process exists for the given conversation.
func (m *Manager) HasProcess(conversationID string) bool {
	return m.GetProcess(conversationID) != nil
}

// GetProcessState returns the state of a process for the given conversation.
// Returns "ended" if no process exists.
func (m *Manager) GetProcessState(conversationID string) ProcessState {
	proc := m.GetProcess(conversationID)
	if proc == nil {
		return ProcessStateEnded
	}
	return proc.State()
}

// ProcessCount returns the number of running processes.
func (m *Manager) ProcessCount() int {
	m.processesMu.Lock()
	defer m.processesMu.Unlock()
	return len(m.processes)
}

// SetOnProcessEnd sets a callback to be called when any process ends.
func (m *Manager) SetOnProcessEnd(callback func()) {
	m.processesMu.Lock()
	defer m.processesMu.Unlock()
	m.onProcessEnd = callback
}

// Touch updates the process's last active time.
func (m *Manager) Touch(conversationID string) {
	m.processesMu.Lock()
	defer m.processesMu.Unlock()
	if proc, exists := m.processes[conversationID]; exists {
		proc.touch()
	}
}

// remove removes a process from the manager and returns it.
func (m *Manager) remove(conversationID string) *Process {
	m.processesMu.Lock()
	defer m.processesMu.Unlock()
	proc := m.processes[conversationID]
	delete(m.processes, conversationID)
	return proc
}

// removeIf drops proc from the map unless it was already replaced. The
// onProcessEnd callback is invoked asynchronously.
func (m *Manager) removeIf(conversationID string, proc *Process) {
	m.processesMu.Lock()
	if m.processes[conversationID] == proc {
		delete(m.processes, conversationID)
	}
	callback := m.onProcessEnd
	m.processesMu.Unlock()

	if callback != nil {
		go callback()
	}
}

// removeWhere removes processes matching the predicate and returns them.
func (m *Manager) removeWhere(predicate func(*Process) bool) []*Process {
	m.processesMu.Lock()
	defer m.processesMu.Unlock()

	var removed []*Process
	for conversationID, proc := range m.processes {
		if predicate(proc) {
			removed = append(removed, proc)
			delete(m.processes, conversationID)
		}
	}
	return removed
}

// Close terminates a specific process.
func (m *Manager) Close(conversationID string) {
	if proc := m.remove(conversationID); proc != nil {
		proc.close()
		slog.Info("process closed", "conversationId", conversationID)
	}
}

// Shutdown closes all processes gracefully.
func (m *Manager) Shutdown() {
	m.cancel()
	procs := m.removeWhere(func(*Process) bool { return true })
	for _, p := range procs {
		p.close()
	}
	slog.Info("manager shutdown complete", "processesClosed", len(procs))
}

func (m *Manager) runIdleReaper() {
	defer func() {
		if r := recover(); r != nil {
			logger.LogPanic(r, "idle reaper crashed")
		}
	}()

	ticker := time.NewTicker(m.idleTimeout / 4)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.reapIdle()
		case <-m.ctx.Done():
			return
		}
	}
}

// reapIdle closes idle processes that have been inactive too long. A running
// turn is never reaped.
func (m *Manager) reapIdle() {
	now := time.Now()
	procs := m.removeWhere(func(p *Process) bool {
		return p.State() != ProcessStateRunning && now.Sub(p.getLastActive()) > m.idleTimeout
	})
	for _, proc := range procs {
		proc.close()
		slog.Info("idle process reaped", "conversationId", proc.conversationID)
	}
}
