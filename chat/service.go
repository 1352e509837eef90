package chat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/opennotebook/server/engine"
	"github.com/opennotebook/server/logger"
	"github.com/opennotebook/server/notebook"
	"github.com/opennotebook/server/session"
	"github.com/opennotebook/server/stream"
)

const defaultMaxMessages = 100

// Service orchestrates chat sessions: it resolves or creates sessions,
// appends and persists messages, invokes the generation engine, and
// triggers broadcasts through the registry. It is the single entry point
// for programmatic chat interactions.
type Service struct {
	sessions    session.Store
	notebooks   notebook.Store
	engine      engine.Engine
	registry    *stream.Registry
	retry       Policy
	maxMessages int

	cacheMu sync.Mutex
	nbCache map[string]notebook.Notebook
}

type ServiceConfig struct {
	Sessions  session.Store
	Notebooks notebook.Store
	Engine    engine.Engine
	Registry  *stream.Registry
	Retry     Policy // zero value means DefaultPolicy
	// MaxMessages caps retained messages per session; oldest entries are
	// dropped on overflow. Zero means the default of 100.
	MaxMessages int
}

func NewService(cfg ServiceConfig) *Service {
	retry := cfg.Retry
	if retry.MaxAttempts == 0 {
		retry = DefaultPolicy()
	}
	if retry.Retryable == nil {
		retry.Retryable = func(err error) bool {
			return !errors.Is(err, session.ErrSessionNotFound)
		}
	}

	maxMessages := cfg.MaxMessages
	if maxMessages == 0 {
		maxMessages = defaultMaxMessages
	}

	return &Service{
		sessions:    cfg.Sessions,
		notebooks:   cfg.Notebooks,
		engine:      cfg.Engine,
		registry:    cfg.Registry,
		retry:       retry,
		maxMessages: maxMessages,
		nbCache:     make(map[string]notebook.Notebook),
	}
}

// ResolveOrCreate finds the session the caller is addressing, or creates a
// fresh one attached to the notebook.
//
// Resolution order: a well-formed id is fetched directly; anything else is
// treated as a title, returning the most recently updated match; with no
// identifier (or no match) a new session is created, titled sessionName or
// "Chat Session - <timestamp>".
func (s *Service) ResolveOrCreate(ctx context.Context, notebookID, sessionIdentifier, sessionName string) (session.Session, error) {
	if sessionIdentifier != "" {
		if session.IsID(sessionIdentifier) {
			sess, found, err := s.sessions.Get(ctx, sessionIdentifier)
			if err != nil {
				return session.Session{}, fmt.Errorf("get session %s: %w", sessionIdentifier, err)
			}
			if found {
				return sess, nil
			}
		}

		matches, err := s.sessions.FindByTitle(ctx, sessionIdentifier)
		if err != nil {
			return session.Session{}, fmt.Errorf("find session by title: %w", err)
		}
		if len(matches) > 0 {
			return latest(matches), nil
		}
	}

	title := strings.TrimSpace(sessionName)
	if title == "" {
		title = "Chat Session - " + time.Now().Format("2006-01-02 15:04:05")
	}

	nb, err := s.resolveNotebook(ctx, notebookID)
	if err != nil {
		return session.Session{}, err
	}

	now := time.Now().UTC()
	created, err := s.sessions.Create(ctx, session.Session{
		ID:       session.NewID(),
		Title:    title,
		Created:  now,
		Updated:  now,
		Messages: []session.Message{},
		Metadata: map[string]any{
			"notebook_id": nb.ID,
			"title":       title,
		},
		NotebookID: nb.ID,
	})
	if err != nil {
		return session.Session{}, fmt.Errorf("create session: %w", err)
	}

	slog.Info("created chat session", "sessionId", created.ID, "notebookId", nb.ID, "title", title)
	return created, nil
}

// resolveNotebook accepts a notebook id or name. Resolved notebooks are
// cached for the process lifetime.
func (s *Service) resolveNotebook(ctx context.Context, identifier string) (notebook.Notebook, error) {
	s.cacheMu.Lock()
	nb, cached := s.nbCache[identifier]
	s.cacheMu.Unlock()
	if cached {
		return nb, nil
	}

	var found bool
	var err error
	if session.IsID(identifier) {
		nb, found, err = s.notebooks.Get(ctx, identifier)
	} else {
		nb, found, err = s.notebooks.FindByName(ctx, identifier)
	}
	if err != nil {
		return notebook.Notebook{}, fmt.Errorf("resolve notebook %q: %w", identifier, err)
	}
	if !found {
		return notebook.Notebook{}, fmt.Errorf("notebook %q: %w", identifier, notebook.ErrNotebookNotFound)
	}

	s.cacheMu.Lock()
	s.nbCache[identifier] = nb
	s.cacheMu.Unlock()
	return nb, nil
}

type SendMessageRequest struct {
	NotebookID  string
	SessionID   string // optional: id or title of an existing session
	SessionName string // optional: title for a newly created session
	MessageID   string // optional: client-generated message id
	Content     string
	Context     map[string]any
}

// SendMessage appends the user message, persists it, and produces the
// assistant reply. Both messages are broadcast to the session's live
// subscribers. A generation failure never aborts the session: the error is
// captured into the assistant message and the session remains usable.
func (s *Service) SendMessage(ctx context.Context, req SendMessageRequest) (session.Message, session.Session, error) {
	content := strings.TrimSpace(req.Content)
	if content == "" {
		return session.Message{}, session.Session{}, fmt.Errorf("message cannot be empty: %w", ErrValidation)
	}

	sess, err := s.ResolveOrCreate(ctx, req.NotebookID, req.SessionID, req.SessionName)
	if err != nil {
		return session.Message{}, session.Session{}, err
	}

	log := slog.With("sessionId", sess.ID)

	userMsg := session.Message{
		ID:        req.MessageID,
		Role:      session.RoleUser,
		Content:   content,
		Timestamp: time.Now().UTC(),
		Metadata:  map[string]any{},
	}
	if userMsg.ID == "" {
		userMsg.ID = session.NewMessageID()
	}

	sess.Messages = append(sess.Messages, userMsg)
	sess.TruncateMessages(s.maxMessages)
	sess.Updated = userMsg.Timestamp
	if err := s.persist(ctx, &sess); err != nil {
		return session.Message{}, session.Session{}, err
	}
	s.registry.Broadcast(sess.ID, stream.MessageEvent(userMsg))
	log.Debug("user message persisted", "messageId", userMsg.ID,
		"content", logger.Truncate(content, 50))

	// Snapshot for the engine before the placeholder goes in.
	history := make([]session.Message, len(sess.Messages))
	copy(history, sess.Messages)

	// An empty placeholder is persisted first so a crash mid-generation
	// still leaves a record of the attempt.
	assistantMsg := session.Message{
		ID:        session.NewMessageID(),
		Role:      session.RoleAssistant,
		Content:   "",
		Timestamp: time.Now().UTC(),
		Metadata:  map[string]any{},
	}
	sess.Messages = append(sess.Messages, assistantMsg)
	sess.TruncateMessages(s.maxMessages)
	sess.Updated = assistantMsg.Timestamp
	if err := s.persist(ctx, &sess); err != nil {
		return session.Message{}, session.Session{}, err
	}

	resp, genErr := s.engine.Generate(ctx, engine.Request{Messages: history, Context: req.Context})
	if genErr == nil && len(resp.Messages) == 0 {
		genErr = fmt.Errorf("engine returned no messages: %w", ErrGeneration)
	}

	if genErr != nil {
		log.Error("generation failed", "error", genErr)
		assistantMsg.Content = fmt.Sprintf("I'm sorry, I encountered an error: %v", genErr)
		assistantMsg.Metadata["error"] = true
	} else {
		assistantMsg.Content = resp.Messages[len(resp.Messages)-1].Content
	}
	assistantMsg.Timestamp = time.Now().UTC()

	s.replaceMessage(&sess, assistantMsg)
	sess.Updated = assistantMsg.Timestamp
	if err := s.persist(ctx, &sess); err != nil {
		return session.Message{}, session.Session{}, err
	}

	// The final message is broadcast in both outcomes; a failed generation
	// goes out as a normal, error-flagged message.
	s.registry.Broadcast(sess.ID, stream.MessageEvent(assistantMsg))

	return assistantMsg, sess, nil
}

// replaceMessage swaps the message matched by id in place, or appends when
// the placeholder was truncated away.
func (s *Service) replaceMessage(sess *session.Session, msg session.Message) {
	for i := range sess.Messages {
		if sess.Messages[i].ID == msg.ID {
			sess.Messages[i] = msg
			return
		}
	}
	sess.Messages = append(sess.Messages, msg)
	sess.TruncateMessages(s.maxMessages)
}

// persist replaces the whole session record, retrying transient store
// failures per the service's policy. Between attempts the session is
// re-fetched to reduce lost-update risk; the message list being written
// always wins. Exhausted retries surface ErrTransientStore.
func (s *Service) persist(ctx context.Context, sess *session.Session) error {
	err := s.retry.Do(ctx, func(attempt int) error {
		if attempt > 1 {
			fresh, found, err := s.sessions.Get(ctx, sess.ID)
			if err == nil && found {
				fresh.Messages = sess.Messages
				fresh.Title = sess.Title
				fresh.Updated = sess.Updated
				*sess = fresh
			}
			slog.Warn("retrying session persist", "sessionId", sess.ID, "attempt", attempt)
		}
		return s.sessions.Replace(ctx, sess.ID, *sess)
	})
	if err == nil {
		return nil
	}
	if errors.Is(err, session.ErrSessionNotFound) || errors.Is(err, context.Canceled) {
		return err
	}
	slog.Error("session persist failed after retries", "sessionId", sess.ID, "error", err)
	return fmt.Errorf("persist session %s: %w", sess.ID, ErrTransientStore)
}

// GetSession resolves a session by id or title (most recently updated wins).
func (s *Service) GetSession(ctx context.Context, identifier string) (session.Session, error) {
	if session.IsID(identifier) {
		sess, found, err := s.sessions.Get(ctx, identifier)
		if err != nil {
			return session.Session{}, fmt.Errorf("get session %s: %w", identifier, err)
		}
		if found {
			return sess, nil
		}
	}

	matches, err := s.sessions.FindByTitle(ctx, identifier)
	if err != nil {
		return session.Session{}, fmt.Errorf("find session by title: %w", err)
	}
	if len(matches) == 0 {
		return session.Session{}, fmt.Errorf("session %q: %w", identifier, session.ErrSessionNotFound)
	}
	return latest(matches), nil
}

// ListSessions returns the notebook's sessions, newest first.
func (s *Service) ListSessions(ctx context.Context, notebookIdentifier string) ([]session.Session, error) {
	nb, err := s.resolveNotebook(ctx, notebookIdentifier)
	if err != nil {
		return nil, err
	}
	return s.sessions.ListByNotebook(ctx, nb.ID)
}

// DeleteSession removes the session and emits a termination event to any
// live subscribers.
func (s *Service) DeleteSession(ctx context.Context, id string) error {
	err := s.sessions.Delete(ctx, id)
	if errors.Is(err, session.ErrSessionNotFound) {
		return fmt.Errorf("session %q: %w", id, session.ErrSessionNotFound)
	}
	if err != nil {
		return fmt.Errorf("delete session %s: %w", id, err)
	}

	s.registry.Broadcast(id, stream.SessionDeletedEvent(id))
	slog.Info("deleted chat session", "sessionId", id)
	return nil
}

func latest(sessions []session.Session) session.Session {
	best := sessions[0]
	for _, sess := range sessions[1:] {
		if sess.Updated.After(best.Updated) {
			best = sess
		}
	}
	return best
}
