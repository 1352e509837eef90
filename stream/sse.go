package stream

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/opennotebook/server/session"
)

// ErrProtocol is reported when a client asks for the event stream without
// accepting text/event-stream.
var ErrProtocol = errors.New("client does not support Server-Sent Events; 'Accept: text/event-stream' is required")

const (
	// heartbeatIdle is the silence threshold after which a keepalive
	// comment is written. Clients reconnect after ~30s of silence, so
	// heartbeats must arrive sooner than that.
	heartbeatIdle = 25 * time.Second
	maxQueueWait  = 30 * time.Second
)

// SSEHandler streams a session's live events as Server-Sent Events.
type SSEHandler struct {
	registry *Registry
	store    session.Store

	// clock hooks for tests
	now func() time.Time
}

func NewSSEHandler(registry *Registry, store session.Store) *SSEHandler {
	return &SSEHandler{registry: registry, store: store, now: time.Now}
}

func (h *SSEHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("session_id")
	log := slog.With("sessionId", sessionID)

	// Protocol errors are rejected before the registry is touched.
	if !strings.Contains(r.Header.Get("Accept"), "text/event-stream") {
		http.Error(w, ErrProtocol.Error(), http.StatusNotAcceptable)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	// Validate the session before entering the steady loop. Absent or
	// unreadable sessions get exactly one error frame and the stream ends.
	_, found, err := h.store.Get(r.Context(), sessionID)
	if err != nil {
		log.Error("failed to validate session", "error", err)
		writeErrorFrame(w, "Error validating session")
		flusher.Flush()
		return
	}
	if !found {
		log.Warn("stream requested for unknown session")
		writeErrorFrame(w, "Session not found")
		flusher.Flush()
		return
	}

	sub := h.registry.Connect(sessionID)
	defer h.registry.Disconnect(sessionID, sub)

	flusher.Flush()

	ctx := r.Context()
	lastFrame := h.now()
	for {
		idle := h.now().Sub(lastFrame)
		if idle >= heartbeatIdle {
			if _, err := io.WriteString(w, ": heartbeat\n\n"); err != nil {
				log.Debug("heartbeat write failed", "error", err)
				return
			}
			flusher.Flush()
			lastFrame = h.now()
			continue
		}

		wait := heartbeatIdle - idle
		if wait > maxQueueWait {
			wait = maxQueueWait
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			log.Info("client disconnected from stream")
			return
		case <-sub.Done():
			timer.Stop()
			log.Info("subscriber torn down, closing stream")
			return
		case ev := <-sub.Events():
			timer.Stop()
			if err := writeEventFrame(w, ev); err != nil {
				log.Debug("event write failed", "error", err)
				return
			}
			flusher.Flush()
			lastFrame = h.now()
		case <-timer.C:
			// Loop back for the heartbeat check.
		}
	}
}

func writeEventFrame(w io.Writer, ev Event) error {
	data, err := json.Marshal(ev.Data)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Type, data)
	return err
}

func writeErrorFrame(w io.Writer, msg string) {
	data, _ := json.Marshal(map[string]string{"error": msg})
	fmt.Fprintf(w, "event: error\ndata: %s\n\n", data)
}
