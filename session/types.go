package session

import (
	"errors"
	"time"
)

var ErrSessionNotFound = errors.New("session not found")

// Mode represents the approval mode for a conversation.
type Mode string

const (
	ModeDefault Mode = "default" // codex asks before running commands or writing files
	ModeYolo    Mode = "yolo"    // codex never asks (approval-policy never)
)

// IsValid returns true if the mode is a known valid mode.
func (m Mode) IsValid() bool {
	switch m {
	case ModeDefault, ModeYolo:
		return true
	default:
		return false
	}
}

// SessionMeta holds metadata for one conversation.
type SessionMeta struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
	Activated bool      `json:"activated"` // true after first message sent
	Mode      Mode      `json:"mode"`
	// CodexSessionID is the conversation id codex reported in
	// session_configured; later prompts continue it with codex-reply.
	CodexSessionID string `json:"codex_session_id,omitempty"`
}

// Operation represents the type of change to the session list.
type Operation string

const (
	OperationCreate Operation = "create"
	OperationUpdate Operation = "update"
	OperationDelete Operation = "delete"
)

// SessionChangeEvent represents a change to the session list.
// For create/update: Session is fully populated.
// For delete: only Session.ID is valid.
type SessionChangeEvent struct {
	Op      Operation
	Session SessionMeta
}

// OnChangeListener receives notifications when the session list changes.
type OnChangeListener interface {
	OnSessionChange(event SessionChangeEvent)
}
