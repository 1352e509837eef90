package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/opennotebook/server/chat"
	"github.com/opennotebook/server/logger"
	"github.com/opennotebook/server/session"
)

// ChatHandler exposes the send-message operation.
type ChatHandler struct {
	service *chat.Service
}

func NewChatHandler(service *chat.Service) *ChatHandler {
	return &ChatHandler{service: service}
}

func (h *ChatHandler) Register(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/chat/message", h.HandleSend)
}

type sendMessageBody struct {
	Message     string         `json:"message"`
	Context     map[string]any `json:"context,omitempty"`
	SessionName string         `json:"session_name,omitempty"`
	MessageID   string         `json:"message_id,omitempty"`
}

type sendMessageResponse struct {
	ID        string         `json:"id"`
	Role      session.Role   `json:"role"`
	Content   string         `json:"content"`
	SessionID string         `json:"session_id"`
	Timestamp time.Time      `json:"timestamp"`
	Type      string         `json:"type"`
	Metadata  map[string]any `json:"metadata"`
}

// HandleSend creates or continues a session and returns the assistant
// message. A generation failure still returns 200: the reply carries the
// error flag in its metadata and the session stays usable.
func (h *ChatHandler) HandleSend(w http.ResponseWriter, r *http.Request) {
	log := logger.NewRequestLogger()

	notebookID := r.URL.Query().Get("notebook_id")
	if notebookID == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "notebook_id query parameter is required"})
		return
	}

	var body sendMessageBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid request body"})
		return
	}

	msg, sess, err := h.service.SendMessage(r.Context(), chat.SendMessageRequest{
		NotebookID:  notebookID,
		SessionID:   r.URL.Query().Get("session_id"),
		SessionName: body.SessionName,
		MessageID:   body.MessageID,
		Content:     body.Message,
		Context:     body.Context,
	})
	if err != nil {
		writeError(w, log, err)
		return
	}

	writeJSON(w, http.StatusOK, sendMessageResponse{
		ID:        msg.ID,
		Role:      msg.Role,
		Content:   msg.Content,
		SessionID: sess.ID,
		Timestamp: msg.Timestamp,
		Type:      "text",
		Metadata:  msg.Metadata,
	})
}
