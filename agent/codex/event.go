// Package codex models the events emitted by the Codex CLI.
//
// Event is a closed sum type: every variant lives in this package and
// branching on an event goes through Visitor, so adding a variant breaks the
// build of every consumer until it is handled.
package codex

import (
	"encoding/json"
	"strings"
)

// Tag is the discriminant of an event ("type" on the wire).
type Tag string

const (
	TagTaskStarted                Tag = "task_started"
	TagTaskComplete               Tag = "task_complete"
	TagAgentMessageDelta          Tag = "agent_message_delta"
	TagAgentReasoningDelta        Tag = "agent_reasoning_delta"
	TagAgentReasoningSectionBreak Tag = "agent_reasoning_section_break"
	TagStreamError                Tag = "stream_error"

	TagExecApprovalRequest       Tag = "exec_approval_request"
	TagApplyPatchApprovalRequest Tag = "apply_patch_approval_request"
	TagElicitationCreate         Tag = "elicitation/create"

	TagPatchApplyBegin        Tag = "patch_apply_begin"
	TagPatchApplyEnd          Tag = "patch_apply_end"
	TagExecCommandBegin       Tag = "exec_command_begin"
	TagExecCommandOutputDelta Tag = "exec_command_output_delta"
	TagExecCommandEnd         Tag = "exec_command_end"
	TagMcpToolCallBegin       Tag = "mcp_tool_call_begin"
	TagMcpToolCallEnd         Tag = "mcp_tool_call_end"
	TagWebSearchBegin         Tag = "web_search_begin"
	TagWebSearchEnd           Tag = "web_search_end"

	// Superseded by their delta counterparts and completion markers.
	TagAgentReasoning    Tag = "agent_reasoning"
	TagAgentMessage      Tag = "agent_message"
	TagSessionConfigured Tag = "session_configured"
	TagTokenCount        Tag = "token_count"
)

// Event is one record of a conversation's event stream.
type Event interface {
	Tag() Tag
	accept(v Visitor)
}

// Visitor has one method per event variant.
type Visitor interface {
	VisitTaskStarted(TaskStarted)
	VisitTaskComplete(TaskComplete)
	VisitAgentMessageDelta(AgentMessageDelta)
	VisitAgentReasoningDelta(AgentReasoningDelta)
	VisitAgentReasoningSectionBreak(AgentReasoningSectionBreak)
	VisitStreamError(StreamError)
	VisitExecApprovalRequest(ExecApprovalRequest)
	VisitApplyPatchApprovalRequest(ApplyPatchApprovalRequest)
	VisitElicitationCreate(ElicitationCreate)
	VisitPatchApplyBegin(PatchApplyBegin)
	VisitPatchApplyEnd(PatchApplyEnd)
	VisitExecCommandBegin(ExecCommandBegin)
	VisitExecCommandOutputDelta(ExecCommandOutputDelta)
	VisitExecCommandEnd(ExecCommandEnd)
	VisitMcpToolCallBegin(McpToolCallBegin)
	VisitMcpToolCallEnd(McpToolCallEnd)
	VisitWebSearchBegin(WebSearchBegin)
	VisitWebSearchEnd(WebSearchEnd)
	VisitSuppressed(Suppressed)
	VisitUnknown(Unknown)
}

// Visit calls the method of v matching ev's variant.
func Visit(ev Event, v Visitor) {
	ev.accept(v)
}

// Command is a shell command delivered either as a string or as an argv array.
type Command []string

func (c *Command) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		if s == "" {
			*c = nil
		} else {
			*c = Command{s}
		}
		return nil
	}
	var argv []string
	if err := json.Unmarshal(data, &argv); err != nil {
		return err
	}
	*c = argv
	return nil
}

// String returns the argv joined by spaces, or the original string.
func (c Command) String() string {
	return strings.Join(c, " ")
}

// FileChange describes one file in a change-set. Codex sends either
// {"add":{...}} style objects or flat {"type":"add",...} records.
type FileChange struct {
	Type        string `json:"type,omitempty"`
	Content     string `json:"content,omitempty"`
	UnifiedDiff string `json:"unified_diff,omitempty"`
	MovePath    string `json:"move_path,omitempty"`
}

func (f *FileChange) UnmarshalJSON(data []byte) error {
	var wrapped map[string]json.RawMessage
	if err := json.Unmarshal(data, &wrapped); err != nil {
		return err
	}

	for _, kind := range []string{"add", "delete", "update"} {
		inner, ok := wrapped[kind]
		if !ok || len(wrapped) != 1 {
			continue
		}
		type plain FileChange
		var p plain
		if string(inner) != "null" {
			if err := json.Unmarshal(inner, &p); err != nil {
				return err
			}
		}
		*f = FileChange(p)
		f.Type = kind
		return nil
	}

	var flat struct {
		Type        string `json:"type"`
		Action      string `json:"action"`
		Content     string `json:"content"`
		UnifiedDiff string `json:"unified_diff"`
		MovePath    string `json:"move_path"`
	}
	if err := json.Unmarshal(data, &flat); err != nil {
		return err
	}
	*f = FileChange{
		Type:        flat.Type,
		Content:     flat.Content,
		UnifiedDiff: flat.UnifiedDiff,
		MovePath:    flat.MovePath,
	}
	if f.Type == "" {
		f.Type = flat.Action
	}
	return nil
}

// Action returns the change kind, "modify" when unspecified.
func (f FileChange) Action() string {
	if f.Type == "" {
		return "modify"
	}
	return f.Type
}

// ChangeSet maps file paths to their proposed change.
type ChangeSet map[string]FileChange

type TaskStarted struct{}

type TaskComplete struct {
	LastAgentMessage string `json:"last_agent_message,omitempty"`
}

type AgentMessageDelta struct {
	Delta string `json:"delta"`
	// Message carries the full text when codex sends it instead of a delta.
	Message string `json:"message,omitempty"`
}

type AgentReasoningDelta struct {
	Delta string `json:"delta"`
}

type AgentReasoningSectionBreak struct{}

type StreamError struct {
	Message string `json:"message"`
}

type ExecApprovalRequest struct {
	CallID  string  `json:"call_id"`
	Command Command `json:"command"`
	Cwd     string  `json:"cwd,omitempty"`
	Reason  string  `json:"reason,omitempty"`
}

type ApplyPatchApprovalRequest struct {
	CallID        string    `json:"call_id"`
	Message       string    `json:"message,omitempty"`
	Reason        string    `json:"reason,omitempty"`
	GrantRoot     string    `json:"grant_root,omitempty"`
	Changes       ChangeSet `json:"changes,omitempty"`
	LegacyChanges ChangeSet `json:"codex_changes,omitempty"`
}

// ChangeSet returns the proposed changes, preferring the current field name.
func (e ApplyPatchApprovalRequest) ChangeSet() ChangeSet {
	if len(e.Changes) > 0 {
		return e.Changes
	}
	return e.LegacyChanges
}

// ElicitationCreate is the generic approval shape, delivered as an
// elicitation/create request rather than a codex/event notification.
type ElicitationCreate struct {
	Message     string    `json:"message,omitempty"`
	CallID      string    `json:"codex_call_id,omitempty"`
	SubTag      string    `json:"codex_elicitation,omitempty"`
	Command     Command   `json:"codex_command,omitempty"`
	Cwd         string    `json:"codex_cwd,omitempty"`
	Changes     ChangeSet `json:"codex_changes,omitempty"`
	EventID     string    `json:"codex_event_id,omitempty"`
	MCPToolCall string    `json:"codex_mcp_tool_call_id,omitempty"`
}

type PatchApplyBegin struct {
	CallID       string    `json:"call_id"`
	AutoApproved bool      `json:"auto_approved"`
	Changes      ChangeSet `json:"changes,omitempty"`
}

type PatchApplyEnd struct {
	CallID  string `json:"call_id"`
	Stdout  string `json:"stdout,omitempty"`
	Stderr  string `json:"stderr,omitempty"`
	Success bool   `json:"success"`
}

type ExecCommandBegin struct {
	CallID  string  `json:"call_id"`
	Command Command `json:"command"`
	Cwd     string  `json:"cwd,omitempty"`
}

type ExecCommandOutputDelta struct {
	CallID string `json:"call_id"`
	Stream string `json:"stream"`
	Chunk  string `json:"chunk"`
}

type ExecCommandEnd struct {
	CallID           string `json:"call_id"`
	ExitCode         int    `json:"exit_code"`
	Stdout           string `json:"stdout,omitempty"`
	Stderr           string `json:"stderr,omitempty"`
	AggregatedOutput string `json:"aggregated_output,omitempty"`
}

type McpInvocation struct {
	Server    string          `json:"server,omitempty"`
	Tool      string          `json:"tool,omitempty"`
	Name      string          `json:"name,omitempty"`
	Method    string          `json:"method,omitempty"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
}

// ToolName picks the first populated name field.
func (i McpInvocation) ToolName() string {
	for _, s := range []string{i.Tool, i.Name, i.Method} {
		if s != "" {
			return s
		}
	}
	return "unknown"
}

type McpToolCallBegin struct {
	CallID     string        `json:"call_id,omitempty"`
	Invocation McpInvocation `json:"invocation"`
}

type McpToolCallEnd struct {
	CallID     string          `json:"call_id,omitempty"`
	Invocation McpInvocation   `json:"invocation"`
	Result     json.RawMessage `json:"result,omitempty"`
}

type WebSearchBegin struct {
	CallID string `json:"call_id,omitempty"`
}

type WebSearchEnd struct {
	CallID string `json:"call_id,omitempty"`
	Query  string `json:"query,omitempty"`
}

// Suppressed is a known event whose content reaches the UI another way.
type Suppressed struct {
	Type Tag
	Raw  json.RawMessage
}

// Unknown is any event with a tag this package does not recognize.
type Unknown struct {
	Type Tag
	Raw  json.RawMessage
}

func (TaskStarted) Tag() Tag                { return TagTaskStarted }
func (TaskComplete) Tag() Tag               { return TagTaskComplete }
func (AgentMessageDelta) Tag() Tag          { return TagAgentMessageDelta }
func (AgentReasoningDelta) Tag() Tag        { return TagAgentReasoningDelta }
func (AgentReasoningSectionBreak) Tag() Tag { return TagAgentReasoningSectionBreak }
func (StreamError) Tag() Tag                { return TagStreamError }
func (ExecApprovalRequest) Tag() Tag        { return TagExecApprovalRequest }
func (ApplyPatchApprovalRequest) Tag() Tag  { return TagApplyPatchApprovalRequest }
func (ElicitationCreate) Tag() Tag          { return TagElicitationCreate }
func (PatchApplyBegin) Tag() Tag            { return TagPatchApplyBegin }
func (PatchApplyEnd) Tag() Tag              { return TagPatchApplyEnd }
func (ExecCommandBegin) Tag() Tag           { return TagExecCommandBegin }
func (ExecCommandOutputDelta) Tag() Tag     { return TagExecCommandOutputDelta }
func (ExecCommandEnd) Tag() Tag             { return TagExecCommandEnd }
func (McpToolCallBegin) Tag() Tag           { return TagMcpToolCallBegin }
func (McpToolCallEnd) Tag() Tag             { return TagMcpToolCallEnd }
func (WebSearchBegin) Tag() Tag             { return TagWebSearchBegin }
func (WebSearchEnd) Tag() Tag               { return TagWebSearchEnd }
func (e Suppressed) Tag() Tag               { return e.Type }
func (e Unknown) Tag() Tag                  { return e.Type }

func (e TaskStarted) accept(v Visitor)                { v.VisitTaskStarted(e) }
func (e TaskComplete) accept(v Visitor)               { v.VisitTaskComplete(e) }
func (e AgentMessageDelta) accept(v Visitor)          { v.VisitAgentMessageDelta(e) }
func (e AgentReasoningDelta) accept(v Visitor)        { v.VisitAgentReasoningDelta(e) }
func (e AgentReasoningSectionBreak) accept(v Visitor) { v.VisitAgentReasoningSectionBreak(e) }
func (e StreamError) accept(v Visitor)                { v.VisitStreamError(e) }
func (e ExecApprovalRequest) accept(v Visitor)        { v.VisitExecApprovalRequest(e) }
func (e ApplyPatchApprovalRequest) accept(v Visitor)  { v.VisitApplyPatchApprovalRequest(e) }
func (e ElicitationCreate) accept(v Visitor)          { v.VisitElicitationCreate(e) }
func (e PatchApplyBegin) accept(v Visitor)            { v.VisitPatchApplyBegin(e) }
func (e PatchApplyEnd) accept(v Visitor)              { v.VisitPatchApplyEnd(e) }
func (e ExecCommandBegin) accept(v Visitor)           { v.VisitExecCommandBegin(e) }
func (e ExecCommandOutputDelta) accept(v Visitor)     { v.VisitExecCommandOutputDelta(e) }
func (e ExecCommandEnd) accept(v Visitor)             { v.VisitExecCommandEnd(e) }
func (e McpToolCallBegin) accept(v Visitor)           { v.VisitMcpToolCallBegin(e) }
func (e McpToolCallEnd) accept(v Visitor)             { v.VisitMcpToolCallEnd(e) }
func (e WebSearchBegin) accept(v Visitor)             { v.VisitWebSearchBegin(e) }
func (e WebSearchEnd) accept(v Visitor)               { v.VisitWebSearchEnd(e) }
func (e Suppressed) accept(v Visitor)                 { v.VisitSuppressed(e) }
func (e Unknown) accept(v Visitor)                    { v.VisitUnknown(e) }

// AwaitsUserInput reports whether codex stops and waits for the user after ev.
func AwaitsUserInput(ev Event) bool {
	switch ev.Tag() {
	case TagTaskComplete, TagExecApprovalRequest, TagApplyPatchApprovalRequest, TagElicitationCreate:
		return true
	default:
		return false
	}
}
