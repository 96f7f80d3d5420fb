package agent

import (
	"context"
	"errors"

	"github.com/pockode/codexbridge/agent/codex"
	"github.com/pockode/codexbridge/permission"
)

// ErrNoPendingRequest is returned by Session.Respond when codex is not
// waiting on the given call id.
var ErrNoPendingRequest = errors.New("no pending approval request")

// Agent defines the interface for an AI agent.
type Agent interface {
	// Start launches an agent session. The context bounds the session's
	// lifetime; cancelling it terminates the child process.
	Start(ctx context.Context, opts StartOptions) (Session, error)
}

// StartOptions configures a new session.
type StartOptions struct {
	WorkDir string
	// CodexSessionID resumes an earlier codex conversation with codex-reply.
	CodexSessionID string
	ApprovalPolicy string
	Sandbox        string
}

// Session is one running codex conversation.
type Session interface {
	// Events delivers decoded codex events in arrival order. The channel is
	// closed when the session ends.
	Events() <-chan codex.Event
	// SendMessage starts a turn. It returns once the prompt is handed to
	// codex; the turn itself streams through Events.
	SendMessage(ctx context.Context, prompt string) error
	// Respond answers a pending approval request.
	Respond(ctx context.Context, callID string, decision permission.Decision) error
	// CodexSessionID is the codex conversation id, empty until codex has
	// reported it.
	CodexSessionID() string
	Close() error
}
