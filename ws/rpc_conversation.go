package ws

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/pockode/codexbridge/rpc"
	"github.com/pockode/codexbridge/session"
	"github.com/sourcegraph/jsonrpc2"
)

func (h *rpcMethodHandler) handleConversationCreate(ctx context.Context, conn *jsonrpc2.Conn, req *jsonrpc2.Request) {
	var params rpc.ConversationCreateParams
	if req.Params != nil {
		if err := unmarshalParams(req, &params); err != nil {
			h.replyError(ctx, conn, req.ID, jsonrpc2.CodeInvalidParams, "invalid params")
			return
		}
	}
	if params.Mode == "" {
		params.Mode = session.ModeDefault
	}
	if !params.Mode.IsValid() {
		h.replyError(ctx, conn, req.ID, jsonrpc2.CodeInvalidParams, "invalid mode")
		return
	}

	conversationID := uuid.Must(uuid.NewV7()).String()

	meta, err := h.sessionStore.Create(ctx, conversationID, params.Mode)
	if err != nil {
		h.replyError(ctx, conn, req.ID, jsonrpc2.CodeInternalError, "failed to create conversation")
		return
	}

	h.log.Info("conversation created", "conversationId", conversationID, "mode", params.Mode)

	result := rpc.ConversationListItem{
		SessionMeta: meta,
		State:       h.manager.GetProcessState(conversationID),
	}

	if err := conn.Reply(ctx, req.ID, result); err != nil {
		h.log.Error("failed to send conversation create response", "error", err)
	}
}

func (h *rpcMethodHandler) handleConversationList(ctx context.Context, conn *jsonrpc2.Conn, req *jsonrpc2.Request) {
	items, err := h.listWatcher.List(ctx)
	if err != nil {
		h.replyError(ctx, conn, req.ID, jsonrpc2.CodeInternalError, "failed to list conversations")
		return
	}

	if err := conn.Reply(ctx, req.ID, rpc.ConversationListResult{Conversations: items}); err != nil {
		h.log.Error("failed to send conversation list response", "error", err)
	}
}

func (h *rpcMethodHandler) handleConversationDelete(ctx context.Context, conn *jsonrpc2.Conn, req *jsonrpc2.Request) {
	var params rpc.ConversationDeleteParams
	if err := unmarshalParams(req, &params); err != nil {
		h.replyError(ctx, conn, req.ID, jsonrpc2.CodeInvalidParams, "invalid params")
		return
	}
	if params.ConversationID == "" {
		h.replyError(ctx, conn, req.ID, jsonrpc2.CodeInvalidParams, "conversation_id required")
		return
	}

	h.manager.Close(params.ConversationID)
	if err := h.sessionStore.Delete(ctx, params.ConversationID); err != nil {
		h.replyError(ctx, conn, req.ID, jsonrpc2.CodeInternalError, "failed to delete conversation")
		return
	}

	h.log.Info("conversation deleted", "conversationId", params.ConversationID)

	if err := conn.Reply(ctx, req.ID, struct{}{}); err != nil {
		h.log.Error("failed to send conversation delete response", "error", err)
	}
}

func (h *rpcMethodHandler) handleConversationUpdateTitle(ctx context.Context, conn *jsonrpc2.Conn, req *jsonrpc2.Request) {
	var params rpc.ConversationUpdateTitleParams
	if err := unmarshalParams(req, &params); err != nil {
		h.replyError(ctx, conn, req.ID, jsonrpc2.CodeInvalidParams, "invalid params")
		return
	}

	if params.Title == "" {
		h.replyError(ctx, conn, req.ID, jsonrpc2.CodeInvalidParams, "title required")
		return
	}

	if err := h.sessionStore.Update(ctx, params.ConversationID, params.Title); err != nil {
		if errors.Is(err, session.ErrSessionNotFound) {
			h.replyError(ctx, conn, req.ID, jsonrpc2.CodeInvalidParams, "conversation not found")
			return
		}
		h.replyError(ctx, conn, req.ID, jsonrpc2.CodeInternalError, "failed to update conversation")
		return
	}

	h.log.Info("conversation title updated", "conversationId", params.ConversationID, "title", params.Title)

	if err := conn.Reply(ctx, req.ID, struct{}{}); err != nil {
		h.log.Error("failed to send conversation update response", "error", err)
	}
}

func (h *rpcMethodHandler) handleConversationMessage(ctx context.Context, conn *jsonrpc2.Conn, req *jsonrpc2.Request) {
	var params rpc.ConversationMessageParams
	if err := unmarshalParams(req, &params); err != nil {
		h.replyError(ctx, conn, req.ID, jsonrpc2.CodeInvalidParams, "invalid params")
		return
	}
	if params.Content == "" {
		h.replyError(ctx, conn, req.ID, jsonrpc2.CodeInvalidParams, "content required")
		return
	}

	log := h.log.With("conversationId", params.ConversationID)
	log.Info("received prompt", "length", len(params.Content))

	if err := h.manager.SendMessage(ctx, params.ConversationID, params.Content); err != nil {
		if errors.Is(err, session.ErrSessionNotFound) {
			h.replyError(ctx, conn, req.ID, jsonrpc2.CodeInvalidParams, "conversation not found")
			return
		}
		log.Error("failed to send prompt", "error", err)
		h.replyError(ctx, conn, req.ID, jsonrpc2.CodeInternalError, err.Error())
		return
	}

	if err := conn.Reply(ctx, req.ID, struct{}{}); err != nil {
		log.Error("failed to send message response", "error", err)
	}
}

func (h *rpcMethodHandler) handleConversationSubscribe(ctx context.Context, conn *jsonrpc2.Conn, req *jsonrpc2.Request) {
	var params rpc.ConversationSubscribeParams
	if err := unmarshalParams(req, &params); err != nil {
		h.replyError(ctx, conn, req.ID, jsonrpc2.CodeInvalidParams, "invalid params")
		return
	}

	log := h.log.With("conversationId", params.ConversationID)

	_, found, err := h.sessionStore.Get(ctx, params.ConversationID)
	if err != nil {
		h.replyError(ctx, conn, req.ID, jsonrpc2.CodeInternalError, "failed to get conversation")
		return
	}
	if !found {
		h.replyError(ctx, conn, req.ID, jsonrpc2.CodeInvalidParams, "conversation not found")
		return
	}

	id, history, err := h.messagesWatcher.Subscribe(h.state.getNotifier(), params.ConversationID)
	if err != nil {
		h.replyError(ctx, conn, req.ID, jsonrpc2.CodeInternalError, err.Error())
		return
	}
	h.state.trackSubscription(id, h.messagesWatcher)

	// A client looking at the conversation keeps its process from being reaped.
	h.manager.Touch(params.ConversationID)
	state := h.manager.GetProcessState(params.ConversationID)
	result := rpc.ConversationSubscribeResult{
		ID:      id,
		History: history,
		State:   state,
	}
	if err := conn.Reply(ctx, req.ID, result); err != nil {
		log.Error("failed to send subscribe response", "error", err)
		return
	}

	log.Info("subscribed to conversation", "subscriptionId", id, "state", state)
}

func (h *rpcMethodHandler) handleConversationListSubscribe(ctx context.Context, conn *jsonrpc2.Conn, req *jsonrpc2.Request) {
	id, items, err := h.listWatcher.Subscribe(h.state.getNotifier())
	if err != nil {
		h.replyError(ctx, conn, req.ID, jsonrpc2.CodeInternalError, "failed to subscribe")
		return
	}
	h.state.trackSubscription(id, h.listWatcher)
	h.log.Debug("subscribed", "watcher", "conversation list", "watchId", id)

	result := rpc.ConversationListSubscribeResult{
		ID:            id,
		Conversations: items,
	}

	if err := conn.Reply(ctx, req.ID, result); err != nil {
		h.log.Error("failed to send conversation list subscribe response", "error", err)
	}
}
