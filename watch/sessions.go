// Package watch emits session_update events when session records change on
// disk, so live viewers notice writes made outside the chat flow (imports,
// manual edits, other processes sharing the data directory).
package watch

import (
	"context"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/opennotebook/server/stream"
)

const debounceInterval = 100 * time.Millisecond

// SessionWatcher watches the session directory via fsnotify and broadcasts
// a session_update event per changed record, debounced per file.
type SessionWatcher struct {
	dir      string
	registry *stream.Registry
	watcher  *fsnotify.Watcher

	ctx    context.Context
	cancel context.CancelFunc

	timerMu  sync.Mutex
	timerMap map[string]*time.Timer
}

func NewSessionWatcher(dir string, registry *stream.Registry) *SessionWatcher {
	ctx, cancel := context.WithCancel(context.Background())
	return &SessionWatcher{
		dir:      dir,
		registry: registry,
		ctx:      ctx,
		cancel:   cancel,
		timerMap: make(map[string]*time.Timer),
	}
}

func (w *SessionWatcher) Start() error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := watcher.Add(w.dir); err != nil {
		watcher.Close()
		return err
	}
	w.watcher = watcher

	go w.eventLoop()
	slog.Info("SessionWatcher started", "dir", w.dir)
	return nil
}

func (w *SessionWatcher) Stop() {
	w.cancel()
	if w.watcher != nil {
		w.watcher.Close()
	}

	// Cancel any pending debounce timers
	w.timerMu.Lock()
	for _, timer := range w.timerMap {
		timer.Stop()
	}
	w.timerMap = make(map[string]*time.Timer)
	w.timerMu.Unlock()

	slog.Info("SessionWatcher stopped")
}

func (w *SessionWatcher) eventLoop() {
	for {
		select {
		case <-w.ctx.Done():
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			w.handleEvent(event)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			slog.Error("fsnotify error", "error", err)
		}
	}
}

func (w *SessionWatcher) handleEvent(event fsnotify.Event) {
	if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
		return
	}

	name := filepath.Base(event.Name)
	if !strings.HasSuffix(name, ".json") {
		return
	}

	w.timerMu.Lock()
	if timer, exists := w.timerMap[name]; exists {
		timer.Stop()
	}
	w.timerMap[name] = time.AfterFunc(debounceInterval, func() {
		w.notify(name)
		w.timerMu.Lock()
		delete(w.timerMap, name)
		w.timerMu.Unlock()
	})
	w.timerMu.Unlock()
}

func (w *SessionWatcher) notify(fileName string) {
	// Skip if watcher is stopped (timer may fire after Stop)
	if w.ctx.Err() != nil {
		return
	}

	sessionID := sessionIDForFile(fileName)
	if sessionID == "" {
		return
	}

	w.registry.Broadcast(sessionID, stream.SessionUpdateEvent(sessionID))
	slog.Debug("notified session change", "sessionId", sessionID,
		"subscribers", w.registry.SubscriberCount(sessionID))
}

// sessionIDForFile reverses the store's file naming: the record id's colon
// becomes an underscore on disk. The colon maps to the last underscore,
// since id prefixes contain underscores of their own and uuids do not.
func sessionIDForFile(fileName string) string {
	name := strings.TrimSuffix(fileName, ".json")
	i := strings.LastIndex(name, "_")
	if i < 0 {
		return name
	}
	return name[:i] + ":" + name[i+1:]
}
