package mcp

import (
	"context"
	"errors"
	"log/slog"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/pockode/codexbridge/agent"
	"github.com/pockode/codexbridge/process"
)

func (s *Server) handleConversationList(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	items, err := s.conversations.ListConversations(ctx)
	if err != nil {
		return InternalError(err), nil
	}
	return jsonResult(items)
}

func (s *Server) handlePermissionList(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	prompts := s.prompts.PendingPrompts(req.GetString("conversation_id", ""))
	if prompts == nil {
		prompts = []process.Prompt{}
	}
	return jsonResult(prompts)
}

func (s *Server) handlePermissionRespond(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	conversationID, err := req.RequireString("conversation_id")
	if err != nil {
		return ValidationError("conversation_id is required"), nil
	}
	requestID, err := req.RequireString("request_id")
	if err != nil {
		return ValidationError("request_id is required"), nil
	}
	optionID, err := req.RequireString("option_id")
	if err != nil {
		return ValidationError("option_id is required"), nil
	}

	err = s.prompts.Respond(ctx, conversationID, requestID, optionID)
	switch {
	case err == nil:
	case errors.Is(err, process.ErrProcessNotFound):
		return NotFound("conversation", conversationID), nil
	case errors.Is(err, process.ErrPromptNotFound):
		return NotFound("request", requestID), nil
	case errors.Is(err, process.ErrInvalidOption):
		return ValidationError(err.Error()), nil
	case errors.Is(err, process.ErrAlreadyAnswered), errors.Is(err, agent.ErrNoPendingRequest):
		return Conflict(err.Error()), nil
	default:
		return InternalError(err), nil
	}

	slog.Info("permission answered over mcp", "conversationId", conversationID, "requestId", requestID, "optionId", optionID)
	return mcp.NewToolResultText(`{"success":true}`), nil
}
