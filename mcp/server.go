// Package mcp implements a stdio MCP server so AI agents can drive notebook
// chat sessions through tools.
package mcp

import (
	"context"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/opennotebook/server/chat"
)

type Server struct {
	service *chat.Service
}

func NewServer(service *chat.Service) *Server {
	return &Server{service: service}
}

// Run serves MCP over stdio until stdin closes.
func (s *Server) Run(ctx context.Context) error {
	srv := server.NewMCPServer("opennotebook", "1.0.0")

	srv.AddTool(mcp.NewTool("chat_send",
		mcp.WithDescription("Send a chat message to a notebook session and get the assistant reply. Creates a new session when session_id is omitted."),
		mcp.WithString("notebook_id", mcp.Required(), mcp.Description("Notebook name or id the chat belongs to")),
		mcp.WithString("message", mcp.Required(), mcp.Description("The message content")),
		mcp.WithString("session_id", mcp.Description("Existing session id or title to continue")),
		mcp.WithString("session_name", mcp.Description("Title for a newly created session")),
	), s.handleChatSend)

	srv.AddTool(mcp.NewTool("session_list",
		mcp.WithDescription("List chat sessions of a notebook, newest first."),
		mcp.WithString("notebook_id", mcp.Required(), mcp.Description("Notebook name or id")),
	), s.handleSessionList)

	srv.AddTool(mcp.NewTool("session_get",
		mcp.WithDescription("Get a chat session by id or title, including its messages."),
		mcp.WithString("identifier", mcp.Required(), mcp.Description("Session id or title")),
	), s.handleSessionGet)

	srv.AddTool(mcp.NewTool("session_delete",
		mcp.WithDescription("Delete a chat session permanently."),
		mcp.WithString("session_id", mcp.Required(), mcp.Description("Session id")),
	), s.handleSessionDelete)

	return server.ServeStdio(srv)
}
