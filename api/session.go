package api

import (
	"net/http"
	"time"

	"github.com/opennotebook/server/chat"
	"github.com/opennotebook/server/logger"
	"github.com/opennotebook/server/session"
)

// listPreviewMessages limits how many trailing messages the list endpoint
// embeds per session.
const listPreviewMessages = 10

// SessionHandler exposes session listing, lookup and deletion.
type SessionHandler struct {
	service *chat.Service
}

func NewSessionHandler(service *chat.Service) *SessionHandler {
	return &SessionHandler{service: service}
}

func (h *SessionHandler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/chat/sessions", h.HandleList)
	mux.HandleFunc("GET /api/chat/sessions/{identifier}", h.HandleGet)
	mux.HandleFunc("DELETE /api/chat/sessions/{id}", h.HandleDelete)
}

type sessionResponse struct {
	ID         string            `json:"id"`
	Title      string            `json:"title"`
	CreatedAt  time.Time         `json:"created_at"`
	UpdatedAt  time.Time         `json:"updated_at"`
	Messages   []session.Message `json:"messages"`
	NotebookID string            `json:"notebook_id,omitempty"`
}

func toSessionResponse(sess session.Session, maxMessages int) sessionResponse {
	messages := sess.Messages
	if maxMessages > 0 && len(messages) > maxMessages {
		messages = messages[len(messages)-maxMessages:]
	}
	if messages == nil {
		messages = []session.Message{}
	}
	return sessionResponse{
		ID:         sess.ID,
		Title:      sess.Title,
		CreatedAt:  sess.Created,
		UpdatedAt:  sess.Updated,
		Messages:   messages,
		NotebookID: sess.NotebookID,
	}
}

// HandleList returns a notebook's sessions, newest first, each with its
// trailing messages as a preview.
func (h *SessionHandler) HandleList(w http.ResponseWriter, r *http.Request) {
	log := logger.NewRequestLogger()

	notebookID := r.URL.Query().Get("notebook_id")
	if notebookID == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "notebook_id query parameter is required"})
		return
	}

	sessions, err := h.service.ListSessions(r.Context(), notebookID)
	if err != nil {
		writeError(w, log, err)
		return
	}

	resp := make([]sessionResponse, 0, len(sessions))
	for _, sess := range sessions {
		resp = append(resp, toSessionResponse(sess, listPreviewMessages))
	}
	writeJSON(w, http.StatusOK, map[string]any{"sessions": resp})
}

// HandleGet resolves a session by id or title and returns it with its full
// message history.
func (h *SessionHandler) HandleGet(w http.ResponseWriter, r *http.Request) {
	log := logger.NewRequestLogger()

	sess, err := h.service.GetSession(r.Context(), r.PathValue("identifier"))
	if err != nil {
		writeError(w, log, err)
		return
	}
	writeJSON(w, http.StatusOK, toSessionResponse(sess, 0))
}

func (h *SessionHandler) HandleDelete(w http.ResponseWriter, r *http.Request) {
	log := logger.NewRequestLogger()

	if err := h.service.DeleteSession(r.Context(), r.PathValue("id")); err != nil {
		writeError(w, log, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
