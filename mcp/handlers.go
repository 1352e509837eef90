package mcp

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/opennotebook/server/chat"
	"github.com/opennotebook/server/notebook"
	"github.com/opennotebook/server/session"
)

func jsonResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return InternalError(err), nil
	}
	return mcp.NewToolResultText(string(data)), nil
}

func (s *Server) handleChatSend(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	notebookID, err := req.RequireString("notebook_id")
	if err != nil {
		return ValidationError("notebook_id is required"), nil
	}
	message, err := req.RequireString("message")
	if err != nil {
		return ValidationError("message is required"), nil
	}

	msg, sess, err := s.service.SendMessage(ctx, chat.SendMessageRequest{
		NotebookID:  notebookID,
		SessionID:   req.GetString("session_id", ""),
		SessionName: req.GetString("session_name", ""),
		Content:     message,
	})
	switch {
	case errors.Is(err, chat.ErrValidation):
		return ValidationError(err.Error()), nil
	case errors.Is(err, notebook.ErrNotebookNotFound):
		return NotFound("notebook", notebookID), nil
	case err != nil:
		return InternalError(err), nil
	}

	return jsonResult(map[string]any{
		"session_id": sess.ID,
		"message":    msg,
	})
}

func (s *Server) handleSessionList(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	notebookID, err := req.RequireString("notebook_id")
	if err != nil {
		return ValidationError("notebook_id is required"), nil
	}

	sessions, err := s.service.ListSessions(ctx, notebookID)
	if errors.Is(err, notebook.ErrNotebookNotFound) {
		return NotFound("notebook", notebookID), nil
	}
	if err != nil {
		return InternalError(err), nil
	}
	return jsonResult(sessions)
}

func (s *Server) handleSessionGet(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	identifier, err := req.RequireString("identifier")
	if err != nil {
		return ValidationError("identifier is required"), nil
	}

	sess, err := s.service.GetSession(ctx, identifier)
	if errors.Is(err, session.ErrSessionNotFound) {
		return NotFound("session", identifier), nil
	}
	if err != nil {
		return InternalError(err), nil
	}
	return jsonResult(sess)
}

func (s *Server) handleSessionDelete(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := req.RequireString("session_id")
	if err != nil {
		return ValidationError("session_id is required"), nil
	}

	if err := s.service.DeleteSession(ctx, id); errors.Is(err, session.ErrSessionNotFound) {
		return NotFound("session", id), nil
	} else if err != nil {
		return InternalError(err), nil
	}
	return mcp.NewToolResultText(`{"success":true}`), nil
}
