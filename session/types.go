package session

import (
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
)

var ErrSessionNotFound = errors.New("session not found")

// Role identifies the author of a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// IsValid returns true if the role is a known valid role.
func (r Role) IsValid() bool {
	switch r {
	case RoleUser, RoleAssistant, RoleSystem:
		return true
	default:
		return false
	}
}

// Message is a single entry in a session's conversation.
// Content may be empty only while an assistant reply is in flight.
type Message struct {
	ID        string         `json:"id"`
	Role      Role           `json:"role"`
	Content   string         `json:"content"`
	Timestamp time.Time      `json:"timestamp"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// Session is a persisted, ordered conversation attached to a notebook.
type Session struct {
	ID         string         `json:"id"`
	Title      string         `json:"title"`
	Created    time.Time      `json:"created"`
	Updated    time.Time      `json:"updated"`
	Messages   []Message      `json:"messages"`
	Metadata   map[string]any `json:"metadata,omitempty"`
	NotebookID string         `json:"notebook_id,omitempty"`
}

// TruncateMessages drops the oldest messages so at most max remain.
// Order is preserved.
func (s *Session) TruncateMessages(max int) {
	if max > 0 && len(s.Messages) > max {
		s.Messages = s.Messages[len(s.Messages)-max:]
	}
}

// NewID generates a session identifier. The "chat_session:" prefix marks
// the string as a well-formed id (see IsID).
func NewID() string {
	return "chat_session:" + uuid.Must(uuid.NewV7()).String()
}

// NewMessageID generates a message identifier.
func NewMessageID() string {
	return "msg_" + strings.ReplaceAll(uuid.New().String(), "-", "")
}

// IsID reports whether the identifier is a well-formed record id rather
// than a human-supplied title. Record ids always contain a colon.
func IsID(identifier string) bool {
	return strings.Contains(identifier, ":")
}
