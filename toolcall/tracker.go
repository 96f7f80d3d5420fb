// Package toolcall tracks the lifecycle of codex tool invocations (command
// execution, patch application, MCP calls, web search) and renders each phase
// as a normalized message. It also owns the conversation's pending
// confirmation set.
package toolcall

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/pockode/codexbridge/agent/codex"
	"github.com/pockode/codexbridge/message"
	"github.com/pockode/codexbridge/permission"
)

// activeCallLimit bounds the callId -> msgId map. Calls that never reach a
// final status are evicted oldest first.
const activeCallLimit = 1024

type outputBuffer struct {
	stdout   strings.Builder
	stderr   strings.Builder
	combined strings.Builder
}

// Tracker is scoped to one conversation.
type Tracker struct {
	conversationID string
	emitter        message.Emitter
	pending        *permission.Set
	log            *slog.Logger
	now            func() time.Time

	mu             sync.Mutex
	cmdBuffers     map[string]*outputBuffer
	patchSummaries map[string]string
	patchChanges   map[string]codex.ChangeSet
	// anonExec is the synthesized id of the latest command begun without a
	// call id. Deltas and ends without a call id attach to it.
	anonExec string

	// Keyed by "exec:"+callID or "group:"+callID so every phase of one call
	// updates the same UI message.
	msgIDs *lru.Cache[string, string]
}

func NewTracker(conversationID string, emitter message.Emitter) *Tracker {
	msgIDs, err := lru.New[string, string](activeCallLimit)
	if err != nil {
		// Only fails for a non-positive size.
		panic(err)
	}
	return &Tracker{
		conversationID: conversationID,
		emitter:        emitter,
		pending:        permission.NewSet(),
		log:            slog.With("conversationId", conversationID),
		now:            time.Now,
		cmdBuffers:     make(map[string]*outputBuffer),
		patchSummaries: make(map[string]string),
		patchChanges:   make(map[string]codex.ChangeSet),
		msgIDs:         msgIDs,
	}
}

// PendingConfirmations exposes the set of permission ids already shown.
func (t *Tracker) PendingConfirmations() permission.Confirmations {
	return t.pending
}

// StorePatchChanges keeps a change-set until the user answers the prompt.
func (t *Tracker) StorePatchChanges(id string, changes codex.ChangeSet) {
	t.mu.Lock()
	t.patchChanges[id] = changes
	t.mu.Unlock()
}

func (t *Tracker) PatchChanges(id string) (codex.ChangeSet, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	cs, ok := t.patchChanges[id]
	return cs, ok
}

// ReleasePatchChanges drops the change-set stored under id once its prompt
// is answered.
func (t *Tracker) ReleasePatchChanges(id string) {
	t.mu.Lock()
	delete(t.patchChanges, id)
	t.mu.Unlock()
}

// Cleanup releases all tracked state, including the pending set.
func (t *Tracker) Cleanup() {
	t.mu.Lock()
	t.cmdBuffers = make(map[string]*outputBuffer)
	t.patchSummaries = make(map[string]string)
	t.patchChanges = make(map[string]codex.ChangeSet)
	t.anonExec = ""
	t.mu.Unlock()

	t.pending.Clear()
	t.msgIDs.Purge()
}

// execIDLocked resolves the key of an exec call. An empty call id gets a
// fresh id on begin and reuses it until the matching end.
func (t *Tracker) execIDLocked(callID string, begin bool) string {
	if callID != "" {
		return callID
	}
	if begin || t.anonExec == "" {
		t.anonExec = orNewID("")
	}
	return t.anonExec
}

func (t *Tracker) HandleExecCommandBegin(ctx context.Context, ev codex.ExecCommandBegin) {
	t.mu.Lock()
	callID := t.execIDLocked(ev.CallID, true)
	t.cmdBuffers[callID] = &outputBuffer{}
	t.mu.Unlock()

	t.emitExec(ctx, callID, message.ToolCallUpdate{
		Status:      message.ToolStatusPending,
		Subtype:     string(codex.TagExecCommandBegin),
		Description: ev.Command.String(),
		StartTime:   t.now().UnixMilli(),
	}, true)
}

func (t *Tracker) HandleExecCommandOutputDelta(ctx context.Context, ev codex.ExecCommandOutputDelta) {
	chunk := decodeChunk(ev.Chunk)

	t.mu.Lock()
	callID := t.execIDLocked(ev.CallID, false)
	buf, ok := t.cmdBuffers[callID]
	if !ok {
		buf = &outputBuffer{}
		t.cmdBuffers[callID] = buf
	}
	if ev.Stream == "stderr" {
		buf.stderr.WriteString(chunk)
	} else {
		buf.stdout.WriteString(chunk)
	}
	buf.combined.WriteString(chunk)
	output := buf.combined.String()
	t.mu.Unlock()

	t.emitExec(ctx, callID, message.ToolCallUpdate{
		Status:  message.ToolStatusExecuting,
		Subtype: string(codex.TagExecCommandOutputDelta),
		Output:  output,
	}, false)
}

func (t *Tracker) HandleExecCommandEnd(ctx context.Context, ev codex.ExecCommandEnd) {
	t.mu.Lock()
	callID := t.execIDLocked(ev.CallID, false)
	if ev.CallID == "" {
		t.anonExec = ""
	}
	var output string
	if buf, ok := t.cmdBuffers[callID]; ok {
		output = buf.combined.String()
	}
	delete(t.cmdBuffers, callID)
	t.mu.Unlock()

	if output == "" {
		output = ev.AggregatedOutput
	}
	if output == "" {
		output = ev.Stdout + ev.Stderr
	}

	status := message.ToolStatusSuccess
	if ev.ExitCode != 0 {
		status = message.ToolStatusError
	}
	exitCode := ev.ExitCode

	t.emitExec(ctx, callID, message.ToolCallUpdate{
		Status:   status,
		Subtype:  string(codex.TagExecCommandEnd),
		Output:   output,
		ExitCode: &exitCode,
		EndTime:  t.now().UnixMilli(),
	}, true)
}

func (t *Tracker) HandlePatchApplyBegin(ctx context.Context, ev codex.PatchApplyBegin) {
	callID := ev.CallID
	if callID == "" {
		callID = uuid.Must(uuid.NewV7()).String()
	}
	summary := SummarizePatch(ev.Changes)

	t.mu.Lock()
	t.patchSummaries[callID] = summary
	if len(ev.Changes) > 0 {
		t.patchChanges[callID] = ev.Changes
	}
	t.mu.Unlock()

	status := message.ToolStatusPending
	if ev.AutoApproved {
		status = message.ToolStatusExecuting
	}
	t.emitGroup(ctx, callID, message.ToolGroupItem{
		Name:          "Apply Patch",
		Description:   fmt.Sprintf("apply_patch auto_approved=%t", ev.AutoApproved),
		Status:        status,
		ResultDisplay: summary,
	})
}

func (t *Tracker) HandlePatchApplyEnd(ctx context.Context, ev codex.PatchApplyEnd) {
	if ev.CallID == "" {
		return
	}

	t.mu.Lock()
	summary := t.patchSummaries[ev.CallID]
	delete(t.patchSummaries, ev.CallID)
	delete(t.patchChanges, ev.CallID)
	t.mu.Unlock()

	item := message.ToolGroupItem{
		Name:          "Apply Patch",
		Description:   "Patch applied successfully",
		Status:        message.ToolStatusSuccess,
		ResultDisplay: summary,
	}
	if !ev.Success {
		item.Description = "Patch apply failed"
		item.Status = message.ToolStatusError
	}
	t.emitGroup(ctx, ev.CallID, item)
}

func (t *Tracker) HandleMcpToolCallBegin(ctx context.Context, ev codex.McpToolCallBegin) {
	callID := mcpCallID(ev.CallID, ev.Invocation)
	title := mcpTitle(ev.Invocation)
	t.emitGroup(ctx, callID, message.ToolGroupItem{
		Name:        title,
		Description: title + " (beginning)",
		Status:      message.ToolStatusExecuting,
	})
}

func (t *Tracker) HandleMcpToolCallEnd(ctx context.Context, ev codex.McpToolCallEnd) {
	callID := mcpCallID(ev.CallID, ev.Invocation)
	title := mcpTitle(ev.Invocation)

	item := message.ToolGroupItem{
		Name:          title,
		Description:   title + " success",
		Status:        message.ToolStatusSuccess,
		ResultDisplay: formatResult(ev.Result),
	}
	if isMcpError(ev.Result) {
		item.Description = title + " failed"
		item.Status = message.ToolStatusError
	}
	t.emitGroup(ctx, callID, item)
}

func (t *Tracker) HandleWebSearchBegin(ctx context.Context, ev codex.WebSearchBegin) {
	t.emitGroup(ctx, orNewID(ev.CallID), message.ToolGroupItem{
		Name:        "Web Search",
		Description: "Searching web...",
		Status:      message.ToolStatusExecuting,
	})
}

func (t *Tracker) HandleWebSearchEnd(ctx context.Context, ev codex.WebSearchEnd) {
	t.emitGroup(ctx, orNewID(ev.CallID), message.ToolGroupItem{
		Name:        "Web Search",
		Description: "Web search completed: " + ev.Query,
		Status:      message.ToolStatusSuccess,
	})
}

func (t *Tracker) emitExec(ctx context.Context, callID string, update message.ToolCallUpdate, persist bool) {
	update.ToolCallID = callID
	update.Title = "Execute Command"
	update.Kind = message.ToolKindExecute

	msgID := t.msgIDFor("exec:" + callID)
	t.emit(ctx, message.Message{
		Type:           message.TypeToolCall,
		MsgID:          msgID,
		ConversationID: t.conversationID,
		Data:           update,
	}, persist)

	if update.Status.IsFinal() {
		t.msgIDs.Remove("exec:" + callID)
	}
}

func (t *Tracker) emitGroup(ctx context.Context, callID string, item message.ToolGroupItem) {
	item.CallID = callID

	msgID := t.msgIDFor("group:" + callID)
	t.emit(ctx, message.Message{
		Type:           message.TypeToolGroup,
		MsgID:          msgID,
		ConversationID: t.conversationID,
		Data:           []message.ToolGroupItem{item},
	}, true)

	if item.Status.IsFinal() {
		t.msgIDs.Remove("group:" + callID)
	}
}

func (t *Tracker) msgIDFor(key string) string {
	if id, ok := t.msgIDs.Get(key); ok {
		return id
	}
	id := uuid.Must(uuid.NewV7()).String()
	t.msgIDs.Add(key, id)
	return id
}

func (t *Tracker) emit(ctx context.Context, msg message.Message, persist bool) {
	if err := t.emitter.EmitAndPersist(ctx, msg, persist); err != nil {
		t.log.Error("failed to emit tool message", "type", msg.Type, "msgId", msg.MsgID, "error", err)
	}
}

// SummarizePatch renders a change-set as "action: path" lines sorted by path.
func SummarizePatch(changes codex.ChangeSet) string {
	if len(changes) == 0 {
		return "No changes"
	}
	paths := make([]string, 0, len(changes))
	for p := range changes {
		paths = append(paths, p)
	}
	sort.Strings(paths)

	lines := make([]string, len(paths))
	for i, p := range paths {
		lines[i] = changes[p].Action() + ": " + p
	}
	return strings.Join(lines, "\n")
}

var base64Pattern = regexp.MustCompile(`^[A-Za-z0-9+/]*={0,2}$`)

// decodeChunk decodes base64 output chunks. Anything that is not valid
// base64 of UTF-8 text is returned unchanged.
func decodeChunk(chunk string) string {
	if chunk == "" || len(chunk)%4 != 0 || !base64Pattern.MatchString(chunk) {
		return chunk
	}
	decoded, err := base64.StdEncoding.DecodeString(chunk)
	if err != nil || !utf8.Valid(decoded) {
		return chunk
	}
	return string(decoded)
}

func mcpCallID(callID string, inv codex.McpInvocation) string {
	if callID != "" {
		return callID
	}
	return "mcp_" + inv.ToolName() + "_" + uuid.Must(uuid.NewV7()).String()
}

func mcpTitle(inv codex.McpInvocation) string {
	name := inv.Method
	if name == "" {
		name = inv.Name
	}
	if name == "" {
		name = inv.Tool
	}
	if name == "" {
		name = "unknown"
	}
	return "MCP Tool: " + name
}

func isMcpError(result json.RawMessage) bool {
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(result, &obj); err != nil {
		return false
	}
	if _, ok := obj["Err"]; ok {
		return true
	}
	var isError bool
	if raw, ok := obj["is_error"]; ok && json.Unmarshal(raw, &isError) == nil {
		return isError
	}
	return false
}

func formatResult(result json.RawMessage) string {
	if len(result) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(result, &s); err == nil {
		return s
	}
	var v any
	if err := json.Unmarshal(result, &v); err != nil {
		return string(result)
	}
	pretty, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return string(result)
	}
	return string(pretty)
}

func orNewID(id string) string {
	if id != "" {
		return id
	}
	return uuid.Must(uuid.NewV7()).String()
}
