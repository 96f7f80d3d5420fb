// Package mcp exposes pending codex permission prompts as MCP tools over
// streamable HTTP, so another agent or script can review and answer them.
package mcp

import (
	"context"
	"net/http"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"github.com/pockode/codexbridge/process"
	"github.com/pockode/codexbridge/rpc"
)

const (
	serverName    = "codexbridge"
	serverVersion = "1.0.0"
)

// Prompts is the permission surface of the process manager.
type Prompts interface {
	PendingPrompts(conversationID string) []process.Prompt
	Respond(ctx context.Context, conversationID, requestID, optionID string) error
}

// Conversations lists conversations with their process state.
type Conversations interface {
	ListConversations(ctx context.Context) ([]rpc.ConversationListItem, error)
}

type Server struct {
	prompts       Prompts
	conversations Conversations
	mcp           *server.MCPServer
}

func NewServer(prompts Prompts, conversations Conversations) *Server {
	s := &Server{
		prompts:       prompts,
		conversations: conversations,
		mcp:           server.NewMCPServer(serverName, serverVersion, server.WithToolCapabilities(false)),
	}
	s.registerTools()
	return s
}

// Handler serves the MCP streamable HTTP transport. Each request stands
// alone; no MCP session state is kept between calls.
func (s *Server) Handler() http.Handler {
	return server.NewStreamableHTTPServer(s.mcp, server.WithStateLess(true))
}

func (s *Server) registerTools() {
	s.mcp.AddTool(mcp.NewTool("conversation_list",
		mcp.WithDescription("List conversations with their codex process state (idle, running or ended)."),
	), s.handleConversationList)

	s.mcp.AddTool(mcp.NewTool("permission_list",
		mcp.WithDescription("List codex permission prompts waiting for an answer, oldest first."),
		mcp.WithString("conversation_id",
			mcp.Description("Only list prompts of this conversation"),
		),
	), s.handlePermissionList)

	s.mcp.AddTool(mcp.NewTool("permission_respond",
		mcp.WithDescription("Answer a pending codex permission prompt."),
		mcp.WithString("conversation_id",
			mcp.Required(),
			mcp.Description("Conversation the prompt belongs to"),
		),
		mcp.WithString("request_id",
			mcp.Required(),
			mcp.Description("requestId of the prompt"),
		),
		mcp.WithString("option_id",
			mcp.Required(),
			mcp.Description("Chosen option"),
			mcp.Enum("allow_once", "allow_always", "reject_once", "reject_always"),
		),
	), s.handlePermissionRespond)
}
