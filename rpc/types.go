// Package rpc defines JSON-RPC 2.0 wire format types for WebSocket communication.
// These types represent the params and result structures for all RPC methods.
package rpc

import (
	"encoding/json"

	"github.com/pockode/codexbridge/message"
	"github.com/pockode/codexbridge/process"
	"github.com/pockode/codexbridge/session"
	"github.com/pockode/codexbridge/settings"
)

// Client → Server

type AuthParams struct {
	Token string `json:"token"`
}

type AuthResult struct {
	Version string `json:"version"`
	WorkDir string `json:"work_dir"`
}

// Conversation namespace

type ConversationCreateParams struct {
	Mode session.Mode `json:"mode,omitempty"`
}

type ConversationDeleteParams struct {
	ConversationID string `json:"conversation_id"`
}

type ConversationUpdateTitleParams struct {
	ConversationID string `json:"conversation_id"`
	Title          string `json:"title"`
}

type ConversationMessageParams struct {
	ConversationID string `json:"conversation_id"`
	Content        string `json:"content"`
}

// ConversationListItem is a conversation enriched with its process state.
type ConversationListItem struct {
	session.SessionMeta
	State process.ProcessState `json:"state"`
}

type ConversationListResult struct {
	Conversations []ConversationListItem `json:"conversations"`
}

type ConversationSubscribeParams struct {
	ConversationID string `json:"conversation_id"`
}

type ConversationSubscribeResult struct {
	ID      string               `json:"id"`
	History []json.RawMessage    `json:"history"`
	State   process.ProcessState `json:"state"`
}

type ConversationListSubscribeResult struct {
	ID            string                 `json:"id"`
	Conversations []ConversationListItem `json:"conversations"`
}

// UnsubscribeParams is shared by every *.unsubscribe method.
type UnsubscribeParams struct {
	ID string `json:"id"`
}

// Permission namespace

type PermissionListParams struct {
	ConversationID string `json:"conversation_id,omitempty"` // empty = all conversations
}

type PermissionListResult struct {
	Prompts []process.Prompt `json:"prompts"`
}

type PermissionRespondParams struct {
	ConversationID string `json:"conversation_id"`
	RequestID      string `json:"request_id"`
	OptionID       string `json:"option_id"`
}

// Settings namespace

type SettingsUpdateParams struct {
	Settings settings.Settings `json:"settings"`
}

type SettingsSubscribeResult struct {
	ID       string            `json:"id"`
	Settings settings.Settings `json:"settings"`
}

// Server → Client notifications

type ConversationMessageNotification struct {
	ID      string          `json:"id"`
	Message message.Message `json:"message"`
}

type ConversationListChangedNotification struct {
	ID             string                `json:"id"`
	Operation      string                `json:"operation"`
	Conversation   *ConversationListItem `json:"conversation,omitempty"`
	ConversationID string                `json:"conversation_id,omitempty"`
}

type SettingsChangedNotification struct {
	ID       string            `json:"id"`
	Settings settings.Settings `json:"settings"`
}
