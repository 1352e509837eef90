package stream

import (
	"time"

	"github.com/opennotebook/server/session"
)

// EventType names the kinds of live events a session can emit.
type EventType string

const (
	EventMessage        EventType = "message"
	EventSessionUpdate  EventType = "session_update"
	EventSessionDeleted EventType = "session_deleted"
	EventError          EventType = "error"
)

// Event is a single live update fanned out to a session's subscribers.
// Data is marshalled to JSON when written to a transport.
type Event struct {
	Type EventType
	Data any
}

// MessagePayload is the wire shape of a message event.
type MessagePayload struct {
	ID        string       `json:"id"`
	Role      session.Role `json:"role"`
	Content   string       `json:"content"`
	Timestamp time.Time    `json:"timestamp"`
}

// MessageEvent builds a message event from a stored message.
func MessageEvent(m session.Message) Event {
	return Event{
		Type: EventMessage,
		Data: MessagePayload{
			ID:        m.ID,
			Role:      m.Role,
			Content:   m.Content,
			Timestamp: m.Timestamp,
		},
	}
}

// SessionPayload is the wire shape of session lifecycle events.
type SessionPayload struct {
	SessionID string    `json:"session_id"`
	Timestamp time.Time `json:"timestamp"`
}

// SessionDeletedEvent builds the termination event emitted when a session
// is explicitly deleted.
func SessionDeletedEvent(sessionID string) Event {
	return Event{
		Type: EventSessionDeleted,
		Data: SessionPayload{SessionID: sessionID, Timestamp: time.Now().UTC()},
	}
}

// SessionUpdateEvent builds the event emitted when a session record changes
// outside the message flow.
func SessionUpdateEvent(sessionID string) Event {
	return Event{
		Type: EventSessionUpdate,
		Data: SessionPayload{SessionID: sessionID, Timestamp: time.Now().UTC()},
	}
}
