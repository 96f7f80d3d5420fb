// Package message defines the normalized messages sent to the UI and the
// emitter that persists and forwards them.
package message

import (
	"context"

	"github.com/pockode/codexbridge/permission"
)

// Type tags a normalized message.
type Type string

const (
	TypeCodexPermission Type = "codex_permission"
	TypeContent         Type = "content"
	TypeReasoning       Type = "agent_reasoning"
	TypeFinish          Type = "finish"
	TypeError           Type = "error"
	TypeStatus          Type = "codex_status"
	TypeToolCall        Type = "codex_tool_call"
	TypeToolGroup       Type = "tool_group"
	TypeUserContent     Type = "user_content"

	TypePermissionResponse Type = "permission_response"
)

// Message is one normalized, UI-consumable record. Messages sharing a MsgID
// replace each other in the UI.
type Message struct {
	Type           Type   `json:"type"`
	MsgID          string `json:"msg_id"`
	ConversationID string `json:"conversation_id"`
	Data           any    `json:"data"`
}

// Emitter accepts normalized messages. When persist is set the message is
// also written to conversation history.
type Emitter interface {
	EmitAndPersist(ctx context.Context, msg Message, persist bool) error
}

// EmitterFunc adapts a function to Emitter.
type EmitterFunc func(ctx context.Context, msg Message, persist bool) error

func (f EmitterFunc) EmitAndPersist(ctx context.Context, msg Message, persist bool) error {
	return f(ctx, msg, persist)
}

// ToolKind classifies the tool a permission prompt is about.
type ToolKind string

const (
	ToolKindExecute ToolKind = "execute"
	ToolKindWrite   ToolKind = "write"
	ToolKindRead    ToolKind = "read"
)

// PermissionRequest is the data of a codex_permission message.
type PermissionRequest struct {
	Title       string              `json:"title"`
	Description string              `json:"description"`
	AgentType   string              `json:"agentType"`
	SessionID   string              `json:"sessionId"`
	Options     []permission.Option `json:"options"`
	RequestID   string              `json:"requestId"`
	ToolCall    ToolCall            `json:"toolCall"`
	// DefaultOption is the option a client should preselect.
	DefaultOption permission.OptionKind `json:"defaultOption"`
}

type ToolCall struct {
	Title      string   `json:"title"`
	ToolCallID string   `json:"toolCallId"`
	Kind       ToolKind `json:"kind"`
	RawInput   RawInput `json:"rawInput"`
}

// RawInput flattens the variant-specific fields of an approval request.
type RawInput struct {
	Command     string `json:"command,omitempty"`
	Cwd         string `json:"cwd,omitempty"`
	Reason      string `json:"reason,omitempty"`
	Description string `json:"description,omitempty"`
}

// PermissionResponse is the data of a permission_response message, recorded
// when the user answers a codex_permission prompt.
type PermissionResponse struct {
	RequestID string              `json:"requestId"`
	OptionID  string              `json:"optionId"`
	Decision  permission.Decision `json:"decision"`
	// Remember is set for the allow_always and reject_always options.
	Remember bool `json:"remember,omitempty"`
	// Changes summarizes the approved patch, one "action: path" per line.
	Changes string `json:"changes,omitempty"`
}

// UserContent is the data of a user_content message.
type UserContent struct {
	Content string `json:"content"`
}

// ToolStatus is the lifecycle state of a tool call.
type ToolStatus string

const (
	ToolStatusPending   ToolStatus = "pending"
	ToolStatusExecuting ToolStatus = "executing"
	ToolStatusSuccess   ToolStatus = "success"
	ToolStatusError     ToolStatus = "error"
	ToolStatusCanceled  ToolStatus = "canceled"
)

// IsFinal reports whether no further updates follow s.
func (s ToolStatus) IsFinal() bool {
	return s == ToolStatusSuccess || s == ToolStatusError || s == ToolStatusCanceled
}

// ToolCallUpdate is the data of a codex_tool_call message (command execution).
type ToolCallUpdate struct {
	ToolCallID  string     `json:"toolCallId"`
	Status      ToolStatus `json:"status"`
	Title       string     `json:"title"`
	Kind        ToolKind   `json:"kind"`
	Subtype     string     `json:"subtype"`
	Description string     `json:"description,omitempty"`
	Output      string     `json:"output,omitempty"`
	ExitCode    *int       `json:"exitCode,omitempty"`
	StartTime   int64      `json:"startTime,omitempty"`
	EndTime     int64      `json:"endTime,omitempty"`
}

// ToolGroupItem is one entry of a tool_group message (patch, MCP, web search).
type ToolGroupItem struct {
	CallID        string     `json:"callId"`
	Name          string     `json:"name"`
	Description   string     `json:"description"`
	Status        ToolStatus `json:"status"`
	ResultDisplay string     `json:"resultDisplay,omitempty"`
}

// Status is the data of a codex_status message.
type Status struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
}
