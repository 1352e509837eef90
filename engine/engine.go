// Package engine defines the generation engine contract. The chat core
// treats the engine as a black box: arbitrary latency, may fail, and a
// failure never aborts the session that invoked it.
package engine

import (
	"context"
	"errors"

	"github.com/opennotebook/server/session"
)

// ErrNotConfigured is returned when no language model has been configured.
// Providers fail closed: there is no silent fallback to a hardcoded model.
var ErrNotConfigured = errors.New("no language model configured")

// Request carries the conversation so far plus caller-supplied context
// (notes, sources) for grounding the reply.
type Request struct {
	Messages []session.Message
	Context  map[string]any
}

// Response mirrors the request message list with the produced content
// appended; the last element is the generated assistant message.
type Response struct {
	Messages []session.Message
}

// Engine produces an assistant reply for a conversation.
type Engine interface {
	Generate(ctx context.Context, req Request) (Response, error)
}
