package ws

import (
	"context"
	"errors"

	"github.com/pockode/codexbridge/agent"
	"github.com/pockode/codexbridge/process"
	"github.com/pockode/codexbridge/rpc"
	"github.com/sourcegraph/jsonrpc2"
)

func (h *rpcMethodHandler) handlePermissionList(ctx context.Context, conn *jsonrpc2.Conn, req *jsonrpc2.Request) {
	var params rpc.PermissionListParams
	if req.Params != nil {
		if err := unmarshalParams(req, &params); err != nil {
			h.replyError(ctx, conn, req.ID, jsonrpc2.CodeInvalidParams, "invalid params")
			return
		}
	}

	prompts := h.manager.PendingPrompts(params.ConversationID)
	if prompts == nil {
		prompts = []process.Prompt{}
	}

	if err := conn.Reply(ctx, req.ID, rpc.PermissionListResult{Prompts: prompts}); err != nil {
		h.log.Error("failed to send permission list response", "error", err)
	}
}

func (h *rpcMethodHandler) handlePermissionRespond(ctx context.Context, conn *jsonrpc2.Conn, req *jsonrpc2.Request) {
	var params rpc.PermissionRespondParams
	if err := unmarshalParams(req, &params); err != nil {
		h.replyError(ctx, conn, req.ID, jsonrpc2.CodeInvalidParams, "invalid params")
		return
	}

	log := h.log.With("conversationId", params.ConversationID, "requestId", params.RequestID)

	err := h.manager.Respond(ctx, params.ConversationID, params.RequestID, params.OptionID)
	switch {
	case err == nil:
	case errors.Is(err, process.ErrProcessNotFound),
		errors.Is(err, process.ErrPromptNotFound),
		errors.Is(err, process.ErrAlreadyAnswered),
		errors.Is(err, process.ErrInvalidOption),
		errors.Is(err, agent.ErrNoPendingRequest):
		h.replyError(ctx, conn, req.ID, jsonrpc2.CodeInvalidParams, err.Error())
		return
	default:
		log.Error("failed to answer permission prompt", "error", err)
		h.replyError(ctx, conn, req.ID, jsonrpc2.CodeInternalError, err.Error())
		return
	}

	log.Info("permission answered", "optionId", params.OptionID)

	if err := conn.Reply(ctx, req.ID, struct{}{}); err != nil {
		log.Error("failed to send permission respond response", "error", err)
	}
}
