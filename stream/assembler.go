// Package stream assembles codex message and reasoning deltas into coherent
// UI messages.
package stream

import (
	"context"
	"hash/fnv"
	"log/slog"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/pockode/codexbridge/agent/codex"
	"github.com/pockode/codexbridge/message"
)

// DefaultIdleTimeout is how long a message may go without deltas before it
// is finished without a task_complete.
const DefaultIdleTimeout = 3 * time.Second

// Assembler is scoped to one conversation. Event methods are called from the
// dispatch goroutine; the idle timer fires on its own goroutine.
type Assembler struct {
	conversationID string
	emitter        message.Emitter
	idleTimeout    time.Duration
	log            *slog.Logger

	mu         sync.Mutex
	loadingID  string
	content    string
	timer      *time.Timer
	generation uint64

	reasoningID string
	reasoning   strings.Builder
}

func NewAssembler(conversationID string, emitter message.Emitter, idleTimeout time.Duration) *Assembler {
	if idleTimeout <= 0 {
		idleTimeout = DefaultIdleTimeout
	}
	return &Assembler{
		conversationID: conversationID,
		emitter:        emitter,
		idleTimeout:    idleTimeout,
		log:            slog.With("conversationId", conversationID),
	}
}

// TaskStarted tells the UI codex is working.
func (a *Assembler) TaskStarted(ctx context.Context) {
	a.emit(ctx, message.Message{
		Type:           message.TypeStatus,
		MsgID:          "status_" + a.conversationID,
		ConversationID: a.conversationID,
		Data:           message.Status{Status: "working"},
	}, false)
}

// MessageDelta appends a delta to the message being streamed and re-emits
// the whole body under one msg id.
func (a *Assembler) MessageDelta(ctx context.Context, ev codex.AgentMessageDelta) {
	a.mu.Lock()
	if a.loadingID == "" {
		a.loadingID = newID()
		a.content = ""
	}

	switch {
	case ev.Message != "":
		a.content = collapseNewlines(ev.Message)
	case ev.Delta != "":
		a.content = mergeDelta(a.content, ev.Delta)
	}
	id, body := a.loadingID, renderContent(a.content)
	a.resetTimerLocked()
	a.mu.Unlock()

	if body != "" {
		a.emit(ctx, a.contentMessage(id, body), false)
	}
}

// mergeDelta handles codex occasionally resending the accumulated text as a
// delta, or repeating the previous delta verbatim.
func mergeDelta(current, delta string) string {
	delta = collapseNewlines(delta)
	if current == "" {
		return delta
	}
	if len(delta) > len(current) && strings.HasPrefix(delta, current) {
		return delta
	}
	if delta == current && len(delta) > 1 {
		return current
	}
	return collapseNewlines(current + delta)
}

// ReasoningDelta extends the current reasoning section.
func (a *Assembler) ReasoningDelta(ctx context.Context, ev codex.AgentReasoningDelta) {
	if ev.Delta == "" {
		return
	}
	a.mu.Lock()
	if a.reasoningID == "" {
		a.reasoningID = newID()
	}
	a.reasoning.WriteString(ev.Delta)
	id, text := a.reasoningID, a.reasoning.String()
	a.mu.Unlock()

	a.emit(ctx, a.reasoningMessage(id, text), false)
}

// SectionBreak persists the current reasoning section and starts a new one.
func (a *Assembler) SectionBreak(ctx context.Context) {
	a.flushReasoning(ctx)
}

// TaskComplete finalizes and persists the streamed message, then signals finish.
func (a *Assembler) TaskComplete(ctx context.Context, ev codex.TaskComplete) {
	a.flushReasoning(ctx)

	a.mu.Lock()
	a.stopTimerLocked()
	id, body := a.loadingID, renderContent(a.content)
	if body == "" && ev.LastAgentMessage != "" {
		body = renderContent(ev.LastAgentMessage)
	}
	if id == "" {
		id = newID()
	}
	a.loadingID = ""
	a.content = ""
	a.mu.Unlock()

	if body != "" {
		a.emit(ctx, a.contentMessage(id, body), true)
	}
	a.emit(ctx, a.finishMessage(id), false)
}

// StreamError persists a stream error. Retry notices for the same underlying
// error share a msg id so the UI shows only the latest one.
func (a *Assembler) StreamError(ctx context.Context, ev codex.StreamError) {
	text := ev.Message
	if text == "" {
		text = "Codex stream error"
	}

	a.emit(ctx, message.Message{
		Type:           message.TypeError,
		MsgID:          streamErrorID(text),
		ConversationID: a.conversationID,
		Data:           text,
	}, true)
}

// Cleanup stops the idle timer.
func (a *Assembler) Cleanup() {
	a.mu.Lock()
	a.stopTimerLocked()
	a.mu.Unlock()
}

func (a *Assembler) flushReasoning(ctx context.Context) {
	a.mu.Lock()
	id, text := a.reasoningID, a.reasoning.String()
	a.reasoningID = ""
	a.reasoning.Reset()
	a.mu.Unlock()

	if id == "" || strings.TrimSpace(text) == "" {
		return
	}
	a.emit(ctx, a.reasoningMessage(id, text), true)
}

func (a *Assembler) resetTimerLocked() {
	a.stopTimerLocked()
	a.generation++
	gen := a.generation
	a.timer = time.AfterFunc(a.idleTimeout, func() { a.onIdle(gen) })
}

func (a *Assembler) stopTimerLocked() {
	if a.timer != nil {
		a.timer.Stop()
		a.timer = nil
	}
	a.generation++
}

func (a *Assembler) onIdle(gen uint64) {
	a.mu.Lock()
	if gen != a.generation {
		a.mu.Unlock()
		return
	}
	id, body := a.loadingID, renderContent(a.content)
	a.loadingID = ""
	a.content = ""
	a.timer = nil
	a.mu.Unlock()

	if id == "" || body == "" {
		return
	}
	ctx := context.Background()
	a.emit(ctx, a.contentMessage(id, body), true)
	a.emit(ctx, a.finishMessage(id), false)
}

func (a *Assembler) contentMessage(id, body string) message.Message {
	return message.Message{
		Type:           message.TypeContent,
		MsgID:          id,
		ConversationID: a.conversationID,
		Data:           body,
	}
}

func (a *Assembler) reasoningMessage(id, text string) message.Message {
	return message.Message{
		Type:           message.TypeReasoning,
		MsgID:          id,
		ConversationID: a.conversationID,
		Data:           text,
	}
}

func (a *Assembler) finishMessage(id string) message.Message {
	return message.Message{
		Type:           message.TypeFinish,
		MsgID:          id,
		ConversationID: a.conversationID,
		Data:           struct{}{},
	}
}

func (a *Assembler) emit(ctx context.Context, msg message.Message, persist bool) {
	if err := a.emitter.EmitAndPersist(ctx, msg, persist); err != nil {
		a.log.Error("failed to emit stream message", "type", msg.Type, "msgId", msg.MsgID, "error", err)
	}
}

var (
	newlineRun   = regexp.MustCompile(`\n{3,}`)
	blankLine    = regexp.MustCompile(`(?m)^[ \t]*$`)
	retrySuffix  = regexp.MustCompile(`(?i);\s*retrying\s+\d+/\d+\s+in\s+[\d.]+[ms]+[^;]*$`)
	progressLine = []*regexp.Regexp{
		regexp.MustCompile(`(?im)^\*\*(Preparing|Considering|Thinking|Processing|Analyzing|Evaluating|Generating|Formulating|Crafting|Creating).*$`),
		regexp.MustCompile(`(?im)^Preparing\s+.*$`),
		regexp.MustCompile(`(?im)^Considering\s+user\s+input.*$`),
		regexp.MustCompile(`(?m)^-{3,}[ \t]*$`),
		regexp.MustCompile(`(?m)^[ \t]*\.\.\.[ \t]*$`),
		regexp.MustCompile(`(?im)^[ \t]*Loading\.\.\.[ \t]*$`),
		regexp.MustCompile(`(?im)^[ \t]*Please\s+wait\.\.\.[ \t]*$`),
	}
)

func collapseNewlines(s string) string {
	return newlineRun.ReplaceAllString(s, "\n\n")
}

// renderContent strips codex progress chatter ("**Thinking...", separators)
// from a message body. It returns "" when nothing visible remains.
func renderContent(s string) string {
	if strings.TrimSpace(s) == "" {
		return ""
	}
	for _, re := range progressLine {
		s = re.ReplaceAllString(s, "")
	}
	s = blankLine.ReplaceAllString(s, "")
	s = collapseNewlines(s)
	return strings.TrimSpace(s)
}

func streamErrorID(text string) string {
	retry := strings.Contains(text, "retrying")
	normalized := text
	if retry {
		normalized = retrySuffix.ReplaceAllString(text, "")
	}

	h := fnv.New32a()
	h.Write([]byte(normalized))
	hash := strconv.FormatUint(uint64(h.Sum32()), 36)

	if retry || strings.Contains(text, "error sending request") {
		return "stream_retry_" + hash
	}
	return "stream_error_" + hash
}

func newID() string {
	return uuid.Must(uuid.NewV7()).String()
}
