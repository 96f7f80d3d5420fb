package dispatch

import (
	"context"
	"fmt"

	"github.com/pockode/codexbridge/agent/codex"
	"github.com/pockode/codexbridge/message"
	"github.com/pockode/codexbridge/metrics"
	"github.com/pockode/codexbridge/permission"
)

const agentType = "codex"

const (
	defaultPatchDescription    = "Codex wants to apply proposed code changes"
	defaultElicitExecDesc      = "Codex wants to execute a command"
	defaultElicitReadDesc      = "Codex wants to read files from your workspace"
	execDescriptionWithCommand = "Codex wants to execute command: %s"
	toolTitleExecute           = "Execute Command"
	toolTitleWrite             = "Write File"
	toolTitleRead              = "Read File"
)

// prompt is what a builder decided; emitPrompt turns it into a message.
type prompt struct {
	permType    permission.Type
	description string
	kind        message.ToolKind
	toolTitle   string
	input       message.RawInput
}

func (d *Dispatcher) buildExecPrompt(ctx context.Context, ev codex.ExecApprovalRequest, callID, unifiedID string) error {
	command := ev.Command.String()
	description := ev.Reason
	if description == "" {
		description = fmt.Sprintf(execDescriptionWithCommand, command)
	}

	return d.emitPrompt(ctx, callID, unifiedID, prompt{
		permType:    permission.TypeCommandExecution,
		description: description,
		kind:        message.ToolKindExecute,
		toolTitle:   toolTitleExecute,
		input: message.RawInput{
			Command: command,
			Cwd:     ev.Cwd,
			Reason:  ev.Reason,
		},
	})
}

func (d *Dispatcher) buildPatchPrompt(ctx context.Context, ev codex.ApplyPatchApprovalRequest, callID, unifiedID string) error {
	if changes := ev.ChangeSet(); len(changes) > 0 {
		d.tools.StorePatchChanges(unifiedID, changes)
	}

	description := firstNonEmpty(ev.Message, ev.Reason, defaultPatchDescription)
	return d.emitPrompt(ctx, callID, unifiedID, prompt{
		permType:    permission.TypeFileWrite,
		description: description,
		kind:        message.ToolKindWrite,
		toolTitle:   toolTitleWrite,
		input:       message.RawInput{Description: description},
	})
}

// buildElicitationPrompt emits nothing for an elicitation that is not an
// approval; its id stays claimed.
func (d *Dispatcher) buildElicitationPrompt(ctx context.Context, ev codex.ElicitationCreate, callID, unifiedID string) error {
	permType, ok := permission.ClassifyElicitation(ev.SubTag, ev.Message)
	if !ok {
		d.log.Debug("elicitation is not a permission request", "subTag", ev.SubTag, "requestId", unifiedID)
		return nil
	}

	var p prompt
	switch permType {
	case permission.TypeFileWrite:
		if len(ev.Changes) > 0 {
			d.tools.StorePatchChanges(unifiedID, ev.Changes)
		}
		p = prompt{
			description: firstNonEmpty(ev.Message, defaultPatchDescription),
			kind:        message.ToolKindWrite,
			toolTitle:   toolTitleWrite,
			input:       message.RawInput{Description: ev.Message},
		}
	case permission.TypeCommandExecution:
		p = prompt{
			description: firstNonEmpty(ev.Message, defaultElicitExecDesc),
			kind:        message.ToolKindExecute,
			toolTitle:   toolTitleExecute,
			input: message.RawInput{
				Command:     ev.Command.String(),
				Cwd:         ev.Cwd,
				Description: ev.Message,
			},
		}
	case permission.TypeFileRead:
		p = prompt{
			description: firstNonEmpty(ev.Message, defaultElicitReadDesc),
			kind:        message.ToolKindRead,
			toolTitle:   toolTitleRead,
			input:       message.RawInput{Description: ev.Message},
		}
	}
	p.permType = permType

	return d.emitPrompt(ctx, callID, unifiedID, p)
}

func (d *Dispatcher) emitPrompt(ctx context.Context, callID, unifiedID string, p prompt) error {
	cfg, err := permission.Lookup(p.permType)
	if err != nil {
		return fmt.Errorf("lookup %s: %w", p.permType, err)
	}

	msg := message.Message{
		Type:           message.TypeCodexPermission,
		MsgID:          unifiedID,
		ConversationID: d.conversationID,
		Data: message.PermissionRequest{
			Title:         cfg.Title,
			Description:   p.description,
			AgentType:     agentType,
			SessionID:     "",
			Options:       cfg.Options,
			RequestID:     callID,
			DefaultOption: permission.RecommendedDefault(cfg.Severity),
			ToolCall: message.ToolCall{
				Title:      p.toolTitle,
				ToolCallID: callID,
				Kind:       p.kind,
				RawInput:   p.input,
			},
		},
	}

	if err := d.emitter.EmitAndPersist(ctx, msg, true); err != nil {
		return fmt.Errorf("emit %s: %w", unifiedID, err)
	}
	metrics.RecordPermissionPrompt(string(p.permType))
	return nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
