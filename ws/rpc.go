// Package ws serves the same live session events as the SSE endpoint over a
// WebSocket JSON-RPC connection, for clients that want request/response
// chat operations multiplexed with their live view.
package ws

import (
	"context"
	"crypto/subtle"
	"log/slog"
	"net/http"
	"sync"

	"github.com/coder/websocket"
	"github.com/google/uuid"
	"github.com/sourcegraph/jsonrpc2"

	"github.com/opennotebook/server/chat"
	"github.com/opennotebook/server/logger"
	"github.com/opennotebook/server/session"
	"github.com/opennotebook/server/stream"
)

// RPCHandler handles JSON-RPC 2.0 over WebSocket.
type RPCHandler struct {
	token    string
	devMode  bool
	service  *chat.Service
	sessions session.Store
	registry *stream.Registry
}

func NewRPCHandler(token string, devMode bool, service *chat.Service, sessions session.Store, registry *stream.Registry) *RPCHandler {
	return &RPCHandler{
		token:    token,
		devMode:  devMode,
		service:  service,
		sessions: sessions,
		registry: registry,
	}
}

func (h *RPCHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	queryToken := r.URL.Query().Get("token")
	if subtle.ConstantTimeCompare([]byte(queryToken), []byte(h.token)) != 1 {
		http.Error(w, "Invalid token", http.StatusUnauthorized)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: h.devMode,
	})
	if err != nil {
		slog.Error("failed to accept websocket", "error", err)
		return
	}

	h.handleConnection(r.Context(), conn)
}

func (h *RPCHandler) handleConnection(ctx context.Context, wsConn *websocket.Conn) {
	stream := newWebSocketStream(wsConn)
	connID := uuid.Must(uuid.NewV7()).String()
	h.HandleStream(ctx, stream, connID)
}

// HandleStream runs the RPC loop on an established object stream.
func (h *RPCHandler) HandleStream(ctx context.Context, objStream jsonrpc2.ObjectStream, connID string) {
	defer func() {
		if r := recover(); r != nil {
			logger.LogPanic(r, "websocket connection crashed", "connId", connID)
		}
	}()

	log := slog.With("connId", connID)
	log.Info("new connection")

	state := &rpcConnState{
		connID:        connID,
		log:           log,
		subscriptions: make(map[string]*subscription),
	}

	handler := &rpcMethodHandler{RPCHandler: h, state: state, log: log}

	rpcConn := jsonrpc2.NewConn(ctx, objStream, jsonrpc2.AsyncHandler(handler))
	state.setConn(rpcConn)

	<-rpcConn.DisconnectNotify()

	state.cleanup(h.registry)
	log.Info("connection closed")
}

// subscription ties a registry subscriber to its forwarding goroutine.
type subscription struct {
	sessionID string
	sub       *stream.Subscriber
}

// rpcConnState tracks per-connection state.
type rpcConnState struct {
	mu            sync.Mutex
	connID        string
	conn          *jsonrpc2.Conn
	log           *slog.Logger
	subscriptions map[string]*subscription
}

func (s *rpcConnState) setConn(conn *jsonrpc2.Conn) {
	s.mu.Lock()
	s.conn = conn
	s.mu.Unlock()
}

func (s *rpcConnState) trackSubscription(id string, entry *subscription) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.subscriptions[id] = entry
}

func (s *rpcConnState) takeSubscription(id string) *subscription {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry := s.subscriptions[id]
	delete(s.subscriptions, id)
	return entry
}

func (s *rpcConnState) cleanup(registry *stream.Registry) {
	s.mu.Lock()
	entries := make([]*subscription, 0, len(s.subscriptions))
	for _, entry := range s.subscriptions {
		entries = append(entries, entry)
	}
	s.subscriptions = nil
	s.mu.Unlock()

	for _, entry := range entries {
		registry.Disconnect(entry.sessionID, entry.sub)
	}
}
