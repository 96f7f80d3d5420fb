package codex

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Methods codex uses on its JSON-RPC channel.
const (
	MethodEvent       = "codex/event"
	MethodElicitation = "elicitation/create"
)

var ErrMissingTag = errors.New("event has no type")

// Decode parses one event payload (the "msg" object of a codex/event
// notification). An unrecognized tag yields Unknown, not an error.
func Decode(raw json.RawMessage) (Event, error) {
	var head struct {
		Type Tag `json:"type"`
	}
	if err := json.Unmarshal(raw, &head); err != nil {
		return nil, fmt.Errorf("decode event tag: %w", err)
	}
	if head.Type == "" {
		return nil, ErrMissingTag
	}

	switch head.Type {
	case TagTaskStarted:
		return decodeAs[TaskStarted](raw)
	case TagTaskComplete:
		return decodeAs[TaskComplete](raw)
	case TagAgentMessageDelta:
		return decodeAs[AgentMessageDelta](raw)
	case TagAgentReasoningDelta:
		return decodeAs[AgentReasoningDelta](raw)
	case TagAgentReasoningSectionBreak:
		return decodeAs[AgentReasoningSectionBreak](raw)
	case TagStreamError:
		return decodeAs[StreamError](raw)
	case TagExecApprovalRequest:
		return decodeAs[ExecApprovalRequest](raw)
	case TagApplyPatchApprovalRequest:
		return decodeAs[ApplyPatchApprovalRequest](raw)
	case TagElicitationCreate:
		return decodeAs[ElicitationCreate](raw)
	case TagPatchApplyBegin:
		return decodeAs[PatchApplyBegin](raw)
	case TagPatchApplyEnd:
		return decodeAs[PatchApplyEnd](raw)
	case TagExecCommandBegin:
		return decodeAs[ExecCommandBegin](raw)
	case TagExecCommandOutputDelta:
		return decodeAs[ExecCommandOutputDelta](raw)
	case TagExecCommandEnd:
		return decodeAs[ExecCommandEnd](raw)
	case TagMcpToolCallBegin:
		return decodeAs[McpToolCallBegin](raw)
	case TagMcpToolCallEnd:
		return decodeAs[McpToolCallEnd](raw)
	case TagWebSearchBegin:
		return decodeAs[WebSearchBegin](raw)
	case TagWebSearchEnd:
		return decodeAs[WebSearchEnd](raw)
	case TagAgentReasoning, TagAgentMessage, TagSessionConfigured, TagTokenCount:
		return Suppressed{Type: head.Type, Raw: raw}, nil
	default:
		return Unknown{Type: head.Type, Raw: raw}, nil
	}
}

func decodeAs[T Event](raw json.RawMessage) (Event, error) {
	var ev T
	if err := json.Unmarshal(raw, &ev); err != nil {
		var zero T
		return nil, fmt.Errorf("decode %s: %w", zero.Tag(), err)
	}
	return ev, nil
}

// DecodeElicitation parses the params of an elicitation/create request.
func DecodeElicitation(params json.RawMessage) (ElicitationCreate, error) {
	var ev ElicitationCreate
	if err := json.Unmarshal(params, &ev); err != nil {
		return ElicitationCreate{}, fmt.Errorf("decode elicitation: %w", err)
	}
	return ev, nil
}

// DecodeNotificationParams parses the params of a codex/event notification.
func DecodeNotificationParams(params json.RawMessage) (Event, error) {
	var p struct {
		Msg json.RawMessage `json:"msg"`
	}
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, fmt.Errorf("decode notification params: %w", err)
	}
	if len(p.Msg) == 0 {
		return nil, errors.New("notification params have no msg")
	}
	return Decode(p.Msg)
}

// DecodeRecord parses one recorded line of a codex stream. It accepts a full
// JSON-RPC message (codex/event notification or elicitation/create request),
// a bare {"params":{"msg":...}} envelope, or a bare event object.
func DecodeRecord(line []byte) (Event, error) {
	var rec struct {
		Method string          `json:"method"`
		Params json.RawMessage `json:"params"`
		Type   Tag             `json:"type"`
	}
	if err := json.Unmarshal(line, &rec); err != nil {
		return nil, fmt.Errorf("decode record: %w", err)
	}

	switch {
	case rec.Method == MethodElicitation:
		ev, err := DecodeElicitation(rec.Params)
		if err != nil {
			return nil, err
		}
		return ev, nil
	case len(rec.Params) > 0:
		return DecodeNotificationParams(rec.Params)
	case rec.Type != "":
		return Decode(line)
	default:
		return nil, ErrMissingTag
	}
}

// SessionConfigured returns the session id carried by a session_configured
// event. ok is false for any other event.
func SessionConfigured(ev Event) (sessionID string, ok bool) {
	s, isSuppressed := ev.(Suppressed)
	if !isSuppressed || s.Type != TagSessionConfigured {
		return "", false
	}
	var p struct {
		SessionID string `json:"session_id"`
	}
	if err := json.Unmarshal(s.Raw, &p); err != nil || p.SessionID == "" {
		return "", false
	}
	return p.SessionID, true
}
