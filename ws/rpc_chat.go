package ws

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/sourcegraph/jsonrpc2"

	"github.com/opennotebook/server/chat"
	"github.com/opennotebook/server/notebook"
	"github.com/opennotebook/server/session"
	"github.com/opennotebook/server/stream"
)

type rpcMethodHandler struct {
	*RPCHandler
	state *rpcConnState
	log   *slog.Logger
}

func (h *rpcMethodHandler) Handle(ctx context.Context, conn *jsonrpc2.Conn, req *jsonrpc2.Request) {
	defer func() {
		if r := recover(); r != nil {
			h.log.Error("rpc handler panic", "method", req.Method, "panic", r)
		}
	}()

	h.log.Debug("received request", "method", req.Method, "id", req.ID)

	switch req.Method {
	case "chat.subscribe":
		h.handleSubscribe(ctx, conn, req)
	case "chat.unsubscribe":
		h.handleUnsubscribe(ctx, conn, req)
	case "chat.message":
		h.handleMessage(ctx, conn, req)
	default:
		h.replyError(ctx, conn, req.ID, jsonrpc2.CodeMethodNotFound, "method not found: "+req.Method)
	}
}

func (h *rpcMethodHandler) replyError(ctx context.Context, conn *jsonrpc2.Conn, id jsonrpc2.ID, code int64, msg string) {
	err := conn.ReplyWithError(ctx, id, &jsonrpc2.Error{Code: code, Message: msg})
	if err != nil {
		h.log.Error("failed to send error reply", "error", err)
	}
}

func unmarshalParams(req *jsonrpc2.Request, v any) error {
	if req.Params == nil {
		return errors.New("missing params")
	}
	return json.Unmarshal(*req.Params, v)
}

type subscribeParams struct {
	SessionID string `json:"session_id"`
}

type subscribeResult struct {
	ID      string            `json:"id"`
	History []session.Message `json:"history"`
}

// handleSubscribe registers a live subscriber for a session and replies
// with the stored history for backfill; the stream itself never replays.
func (h *rpcMethodHandler) handleSubscribe(ctx context.Context, conn *jsonrpc2.Conn, req *jsonrpc2.Request) {
	var params subscribeParams
	if err := unmarshalParams(req, &params); err != nil {
		h.replyError(ctx, conn, req.ID, jsonrpc2.CodeInvalidParams, "invalid params")
		return
	}

	log := h.log.With("sessionId", params.SessionID)

	sess, found, err := h.sessions.Get(ctx, params.SessionID)
	if err != nil {
		h.replyError(ctx, conn, req.ID, jsonrpc2.CodeInternalError, "failed to get session")
		return
	}
	if !found {
		h.replyError(ctx, conn, req.ID, jsonrpc2.CodeInvalidParams, "session not found")
		return
	}

	id := "sub_" + uuid.Must(uuid.NewV7()).String()
	sub := h.registry.Connect(params.SessionID)
	h.state.trackSubscription(id, &subscription{sessionID: params.SessionID, sub: sub})

	go h.forwardEvents(id, sub, conn)

	result := subscribeResult{ID: id, History: sess.Messages}
	if err := conn.Reply(ctx, req.ID, result); err != nil {
		log.Error("failed to send subscribe response", "error", err)
		return
	}

	log.Info("subscribed to chat events", "subscriptionId", id)
}

type eventNotification struct {
	ID    string           `json:"id"`
	Event stream.EventType `json:"event"`
	Data  any              `json:"data"`
}

// forwardEvents drains the subscriber queue into JSON-RPC notifications.
// It exits when the subscriber is disconnected from the registry.
func (h *rpcMethodHandler) forwardEvents(id string, sub *stream.Subscriber, conn *jsonrpc2.Conn) {
	for {
		select {
		case <-sub.Done():
			return
		case ev := <-sub.Events():
			notif := eventNotification{ID: id, Event: ev.Type, Data: ev.Data}
			if err := conn.Notify(context.Background(), "chat.event", notif); err != nil {
				h.log.Debug("failed to notify subscriber", "subscriptionId", id, "error", err)
			}
		}
	}
}

type unsubscribeParams struct {
	ID string `json:"id"`
}

func (h *rpcMethodHandler) handleUnsubscribe(ctx context.Context, conn *jsonrpc2.Conn, req *jsonrpc2.Request) {
	var params unsubscribeParams
	if err := unmarshalParams(req, &params); err != nil {
		h.replyError(ctx, conn, req.ID, jsonrpc2.CodeInvalidParams, "invalid params")
		return
	}

	if entry := h.state.takeSubscription(params.ID); entry != nil {
		h.registry.Disconnect(entry.sessionID, entry.sub)
	}

	if err := conn.Reply(ctx, req.ID, struct{}{}); err != nil {
		h.log.Error("failed to send unsubscribe response", "error", err)
	}
}

type messageParams struct {
	NotebookID  string         `json:"notebook_id"`
	SessionID   string         `json:"session_id,omitempty"`
	SessionName string         `json:"session_name,omitempty"`
	MessageID   string         `json:"message_id,omitempty"`
	Content     string         `json:"content"`
	Context     map[string]any `json:"context,omitempty"`
}

type messageResult struct {
	ID        string         `json:"id"`
	Role      session.Role   `json:"role"`
	Content   string         `json:"content"`
	SessionID string         `json:"session_id"`
	Timestamp time.Time      `json:"timestamp"`
	Metadata  map[string]any `json:"metadata"`
}

func (h *rpcMethodHandler) handleMessage(ctx context.Context, conn *jsonrpc2.Conn, req *jsonrpc2.Request) {
	var params messageParams
	if err := unmarshalParams(req, &params); err != nil {
		h.replyError(ctx, conn, req.ID, jsonrpc2.CodeInvalidParams, "invalid params")
		return
	}

	msg, sess, err := h.service.SendMessage(ctx, chat.SendMessageRequest{
		NotebookID:  params.NotebookID,
		SessionID:   params.SessionID,
		SessionName: params.SessionName,
		MessageID:   params.MessageID,
		Content:     params.Content,
		Context:     params.Context,
	})
	switch {
	case errors.Is(err, chat.ErrValidation):
		h.replyError(ctx, conn, req.ID, jsonrpc2.CodeInvalidParams, err.Error())
		return
	case errors.Is(err, session.ErrSessionNotFound), errors.Is(err, notebook.ErrNotebookNotFound):
		h.replyError(ctx, conn, req.ID, jsonrpc2.CodeInvalidParams, err.Error())
		return
	case err != nil:
		h.log.Error("send message failed", "error", err)
		h.replyError(ctx, conn, req.ID, jsonrpc2.CodeInternalError, "failed to send message")
		return
	}

	result := messageResult{
		ID:        msg.ID,
		Role:      msg.Role,
		Content:   msg.Content,
		SessionID: sess.ID,
		Timestamp: msg.Timestamp,
		Metadata:  msg.Metadata,
	}
	if err := conn.Reply(ctx, req.ID, result); err != nil {
		h.log.Error("failed to send message response", "error", err)
	}
}
