package stream

import (
	"log/slog"
	"sync"
)

// queueCapacity bounds each subscriber's event queue. A slow subscriber
// accumulates drops instead of blocking the broadcaster.
const queueCapacity = 100

// Subscriber is one live connection observing a session's events. It owns
// exactly one bounded queue and is never persisted.
type Subscriber struct {
	sessionID string
	events    chan Event
	done      chan struct{}
	closeOnce sync.Once
}

// Events returns the subscriber's queue. The channel is never closed;
// Done signals teardown instead, so broadcasters can't race a close.
func (s *Subscriber) Events() <-chan Event { return s.events }

// Done is closed when the subscriber is disconnected from the registry.
func (s *Subscriber) Done() <-chan struct{} { return s.done }

// SessionID returns the session this subscriber observes.
func (s *Subscriber) SessionID() string { return s.sessionID }

func (s *Subscriber) close() {
	s.closeOnce.Do(func() { close(s.done) })
}

// Registry tracks the subscribers of each session and fans events out to
// them. Construct one per process and inject it into every handler that
// needs it; all membership operations are serialized by a single mutex.
type Registry struct {
	mu          sync.Mutex
	subscribers map[string]map[*Subscriber]struct{}
}

func NewRegistry() *Registry {
	return &Registry{subscribers: make(map[string]map[*Subscriber]struct{})}
}

// Connect registers a new subscriber for the session. It never fails.
func (r *Registry) Connect(sessionID string) *Subscriber {
	sub := &Subscriber{
		sessionID: sessionID,
		events:    make(chan Event, queueCapacity),
		done:      make(chan struct{}),
	}

	r.mu.Lock()
	set, ok := r.subscribers[sessionID]
	if !ok {
		set = make(map[*Subscriber]struct{})
		r.subscribers[sessionID] = set
	}
	set[sub] = struct{}{}
	count := len(set)
	r.mu.Unlock()

	slog.Info("subscriber connected", "sessionId", sessionID, "subscribers", count)
	return sub
}

// Disconnect removes the subscriber. Idempotent: disconnecting an already
// removed subscriber is a no-op. The session's map entry is removed the
// instant its last subscriber leaves.
func (r *Registry) Disconnect(sessionID string, sub *Subscriber) {
	r.mu.Lock()
	set, ok := r.subscribers[sessionID]
	if ok {
		if _, member := set[sub]; member {
			delete(set, sub)
			if len(set) == 0 {
				delete(r.subscribers, sessionID)
			}
		} else {
			ok = false
		}
	}
	remaining := len(set)
	r.mu.Unlock()

	sub.close()
	if ok {
		slog.Info("subscriber disconnected", "sessionId", sessionID, "remaining", remaining)
	}
}

// Broadcast fans an event out to every subscriber currently registered for
// the session. It snapshots the subscriber set under lock and enqueues
// without holding the lock; a full queue drops the event for that
// subscriber only. Broadcast never blocks and never returns an error.
func (r *Registry) Broadcast(sessionID string, ev Event) {
	r.mu.Lock()
	set := r.subscribers[sessionID]
	snapshot := make([]*Subscriber, 0, len(set))
	for sub := range set {
		snapshot = append(snapshot, sub)
	}
	r.mu.Unlock()

	var dead []*Subscriber
	for _, sub := range snapshot {
		select {
		case <-sub.done:
			// Subscriber already torn down; schedule removal.
			dead = append(dead, sub)
		case sub.events <- ev:
		default:
			slog.Warn("subscriber queue full, event dropped",
				"sessionId", sessionID, "event", ev.Type)
		}
	}

	for _, sub := range dead {
		r.Disconnect(sessionID, sub)
	}
}

// SubscriberCount reports the number of active subscribers for a session.
func (r *Registry) SubscriberCount(sessionID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.subscribers[sessionID])
}
