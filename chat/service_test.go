package chat

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/opennotebook/server/engine"
	"github.com/opennotebook/server/notebook"
	"github.com/opennotebook/server/session"
	"github.com/opennotebook/server/stream"
)

type fakeEngine struct {
	reply string
	err   error

	lastRequest engine.Request
}

func (f *fakeEngine) Generate(ctx context.Context, req engine.Request) (engine.Response, error) {
	f.lastRequest = req
	if f.err != nil {
		return engine.Response{}, f.err
	}
	return engine.Response{Messages: []session.Message{{
		ID:        session.NewMessageID(),
		Role:      session.RoleAssistant,
		Content:   f.reply,
		Timestamp: time.Now().UTC(),
	}}}, nil
}

// flakyStore fails Replace a fixed number of times before delegating.
type flakyStore struct {
	session.Store
	failuresLeft int
	replaceCalls int
}

func (f *flakyStore) Replace(ctx context.Context, id string, s session.Session) error {
	f.replaceCalls++
	if f.failuresLeft > 0 {
		f.failuresLeft--
		return errors.New("store temporarily unavailable")
	}
	return f.Store.Replace(ctx, id, s)
}

type testEnv struct {
	service  *Service
	sessions session.Store
	registry *stream.Registry
	engine   *fakeEngine
	notebook notebook.Notebook
}

func newTestEnv(t *testing.T, mutate func(*ServiceConfig)) *testEnv {
	t.Helper()
	dataDir := t.TempDir()

	sessions, err := session.NewFileStore(dataDir)
	if err != nil {
		t.Fatalf("failed to create session store: %v", err)
	}
	notebooks, err := notebook.NewFileStore(dataDir)
	if err != nil {
		t.Fatalf("failed to create notebook store: %v", err)
	}
	nb, err := notebooks.Create(context.Background(), notebook.Notebook{Name: "research"})
	if err != nil {
		t.Fatalf("failed to create notebook: %v", err)
	}

	eng := &fakeEngine{reply: "the answer"}
	registry := stream.NewRegistry()
	cfg := ServiceConfig{
		Sessions:  sessions,
		Notebooks: notebooks,
		Engine:    eng,
		Registry:  registry,
		Retry:     fastPolicy(3),
	}
	if mutate != nil {
		mutate(&cfg)
	}

	return &testEnv{
		service:  NewService(cfg),
		sessions: cfg.Sessions,
		registry: registry,
		engine:   eng,
		notebook: nb,
	}
}

func recvEvent(t *testing.T, sub *stream.Subscriber) stream.Event {
	t.Helper()
	select {
	case ev := <-sub.Events():
		return ev
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
		return stream.Event{}
	}
}

func TestService_SendMessageCreatesSessionAndReplies(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()

	msg, sess, err := env.service.SendMessage(ctx, SendMessageRequest{
		NotebookID:  env.notebook.ID,
		SessionName: "Test",
		Content:     "hello",
	})
	if err != nil {
		t.Fatalf("SendMessage failed: %v", err)
	}

	if msg.Role != session.RoleAssistant || msg.Content != "the answer" {
		t.Errorf("unexpected reply: %+v", msg)
	}
	if sess.Title != "Test" {
		t.Errorf("expected title Test, got %q", sess.Title)
	}
	if sess.NotebookID != env.notebook.ID {
		t.Errorf("expected notebook %s, got %s", env.notebook.ID, sess.NotebookID)
	}

	stored, found, err := env.sessions.Get(ctx, sess.ID)
	if err != nil || !found {
		t.Fatalf("expected stored session, found=%v err=%v", found, err)
	}
	if len(stored.Messages) != 2 {
		t.Fatalf("expected 2 stored messages, got %d", len(stored.Messages))
	}
	if stored.Messages[0].Role != session.RoleUser || stored.Messages[0].Content != "hello" {
		t.Errorf("unexpected user message: %+v", stored.Messages[0])
	}
	if stored.Messages[1].Role != session.RoleAssistant || stored.Messages[1].Content != "the answer" {
		t.Errorf("unexpected assistant message: %+v", stored.Messages[1])
	}
}

func TestService_SendMessageBroadcastsBothMessages(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()

	sess, err := env.service.ResolveOrCreate(ctx, env.notebook.ID, "", "live")
	if err != nil {
		t.Fatalf("ResolveOrCreate failed: %v", err)
	}
	sub := env.registry.Connect(sess.ID)
	defer env.registry.Disconnect(sess.ID, sub)

	if _, _, err := env.service.SendMessage(ctx, SendMessageRequest{
		NotebookID: env.notebook.ID,
		SessionID:  sess.ID,
		Content:    "hello",
	}); err != nil {
		t.Fatalf("SendMessage failed: %v", err)
	}

	userEv := recvEvent(t, sub)
	if p := userEv.Data.(stream.MessagePayload); p.Role != session.RoleUser || p.Content != "hello" {
		t.Errorf("expected user message event first, got %+v", userEv)
	}
	assistantEv := recvEvent(t, sub)
	if p := assistantEv.Data.(stream.MessagePayload); p.Role != session.RoleAssistant || p.Content != "the answer" {
		t.Errorf("expected assistant message event, got %+v", assistantEv)
	}
}

func TestService_GenerationFailureIsCapturedNotFatal(t *testing.T) {
	env := newTestEnv(t, nil)
	env.engine.err = fmt.Errorf("model overloaded: %w", ErrGeneration)
	ctx := context.Background()

	sess, err := env.service.ResolveOrCreate(ctx, env.notebook.ID, "", "broken")
	if err != nil {
		t.Fatalf("ResolveOrCreate failed: %v", err)
	}
	sub := env.registry.Connect(sess.ID)
	defer env.registry.Disconnect(sess.ID, sub)

	msg, _, err := env.service.SendMessage(ctx, SendMessageRequest{
		NotebookID: env.notebook.ID,
		SessionID:  sess.ID,
		Content:    "hello",
	})
	if err != nil {
		t.Fatalf("generation failure must not abort the operation, got %v", err)
	}

	if !strings.HasPrefix(msg.Content, "I'm sorry, I encountered an error:") {
		t.Errorf("unexpected error reply: %q", msg.Content)
	}
	if flagged, _ := msg.Metadata["error"].(bool); !flagged {
		t.Errorf("expected error metadata flag, got %v", msg.Metadata)
	}

	recvEvent(t, sub) // user message
	ev := recvEvent(t, sub)
	if p := ev.Data.(stream.MessagePayload); !strings.HasPrefix(p.Content, "I'm sorry,") {
		t.Errorf("expected error-flagged reply to be broadcast, got %+v", p)
	}

	// The session stays usable.
	env.engine.err = nil
	if _, _, err := env.service.SendMessage(ctx, SendMessageRequest{
		NotebookID: env.notebook.ID,
		SessionID:  sess.ID,
		Content:    "again",
	}); err != nil {
		t.Errorf("expected session to remain usable, got %v", err)
	}
}

func TestService_EngineSeesHistoryWithoutPlaceholder(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()

	if _, _, err := env.service.SendMessage(ctx, SendMessageRequest{
		NotebookID:  env.notebook.ID,
		SessionName: "history",
		Content:     "hello",
		Context:     map[string]any{"note": "n1"},
	}); err != nil {
		t.Fatalf("SendMessage failed: %v", err)
	}

	got := env.engine.lastRequest
	if len(got.Messages) != 1 {
		t.Fatalf("expected engine to see 1 message, got %d", len(got.Messages))
	}
	if got.Messages[0].Role != session.RoleUser {
		t.Errorf("expected user message in history, got %+v", got.Messages[0])
	}
	if got.Context["note"] != "n1" {
		t.Errorf("expected request context to be forwarded, got %v", got.Context)
	}
}

func TestService_SendMessageRejectsEmptyContent(t *testing.T) {
	env := newTestEnv(t, nil)

	_, _, err := env.service.SendMessage(context.Background(), SendMessageRequest{
		NotebookID: env.notebook.ID,
		Content:    "   ",
	})
	if !errors.Is(err, ErrValidation) {
		t.Errorf("expected ErrValidation, got %v", err)
	}
}

func TestService_SendMessageUnknownNotebook(t *testing.T) {
	env := newTestEnv(t, nil)

	_, _, err := env.service.SendMessage(context.Background(), SendMessageRequest{
		NotebookID: "notebook:missing",
		Content:    "hello",
	})
	if !errors.Is(err, notebook.ErrNotebookNotFound) {
		t.Errorf("expected ErrNotebookNotFound, got %v", err)
	}
}

func TestService_ClientMessageIDIsPreserved(t *testing.T) {
	env := newTestEnv(t, nil)

	_, sess, err := env.service.SendMessage(context.Background(), SendMessageRequest{
		NotebookID: env.notebook.ID,
		MessageID:  "msg_client42",
		Content:    "hello",
	})
	if err != nil {
		t.Fatalf("SendMessage failed: %v", err)
	}
	if sess.Messages[0].ID != "msg_client42" {
		t.Errorf("expected client message id to be kept, got %q", sess.Messages[0].ID)
	}
}

func TestService_ResolveOrCreateByTitlePicksMostRecent(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()

	old, err := env.sessions.Create(ctx, session.Session{
		ID: session.NewID(), Title: "Notes", NotebookID: env.notebook.ID,
		Updated: time.Now().Add(-time.Hour),
	})
	if err != nil {
		t.Fatalf("failed to create session: %v", err)
	}
	recent, err := env.sessions.Create(ctx, session.Session{
		ID: session.NewID(), Title: "Notes", NotebookID: env.notebook.ID,
		Updated: time.Now(),
	})
	if err != nil {
		t.Fatalf("failed to create session: %v", err)
	}

	sess, err := env.service.ResolveOrCreate(ctx, env.notebook.ID, "Notes", "")
	if err != nil {
		t.Fatalf("ResolveOrCreate failed: %v", err)
	}
	if sess.ID != recent.ID {
		t.Errorf("expected most recently updated match %s, got %s (older is %s)", recent.ID, sess.ID, old.ID)
	}

	all, err := env.sessions.ListByNotebook(ctx, env.notebook.ID)
	if err != nil {
		t.Fatalf("ListByNotebook failed: %v", err)
	}
	if len(all) != 2 {
		t.Errorf("title resolution must not create a session, got %d sessions", len(all))
	}
}

func TestService_ResolveOrCreateUnknownIdentifierCreates(t *testing.T) {
	env := newTestEnv(t, nil)

	sess, err := env.service.ResolveOrCreate(context.Background(), env.notebook.ID, "chat_session:missing", "fresh")
	if err != nil {
		t.Fatalf("ResolveOrCreate failed: %v", err)
	}
	if sess.ID == "chat_session:missing" {
		t.Error("expected a new session id, got the unknown identifier back")
	}
	if sess.Title != "fresh" {
		t.Errorf("expected title fresh, got %q", sess.Title)
	}
}

func TestService_ResolveOrCreateDefaultTitle(t *testing.T) {
	env := newTestEnv(t, nil)

	sess, err := env.service.ResolveOrCreate(context.Background(), env.notebook.ID, "", "")
	if err != nil {
		t.Fatalf("ResolveOrCreate failed: %v", err)
	}
	if !strings.HasPrefix(sess.Title, "Chat Session - ") {
		t.Errorf("expected generated title, got %q", sess.Title)
	}
}

func TestService_ResolveNotebookByName(t *testing.T) {
	env := newTestEnv(t, nil)

	sess, err := env.service.ResolveOrCreate(context.Background(), "research", "", "by-name")
	if err != nil {
		t.Fatalf("ResolveOrCreate failed: %v", err)
	}
	if sess.NotebookID != env.notebook.ID {
		t.Errorf("expected notebook resolved by name to %s, got %s", env.notebook.ID, sess.NotebookID)
	}
}

func TestService_MessageCapDropsOldest(t *testing.T) {
	env := newTestEnv(t, func(cfg *ServiceConfig) { cfg.MaxMessages = 10 })
	ctx := context.Background()

	sess, err := env.service.ResolveOrCreate(ctx, env.notebook.ID, "", "capped")
	if err != nil {
		t.Fatalf("ResolveOrCreate failed: %v", err)
	}
	for i := 0; i < 9; i++ {
		sess.Messages = append(sess.Messages, session.Message{
			ID: fmt.Sprintf("msg_old%d", i), Role: session.RoleUser, Content: "old",
		})
	}
	if err := env.sessions.Replace(ctx, sess.ID, sess); err != nil {
		t.Fatalf("failed to seed messages: %v", err)
	}

	_, after, err := env.service.SendMessage(ctx, SendMessageRequest{
		NotebookID: env.notebook.ID,
		SessionID:  sess.ID,
		Content:    "newest",
	})
	if err != nil {
		t.Fatalf("SendMessage failed: %v", err)
	}

	if len(after.Messages) != 10 {
		t.Fatalf("expected 10 retained messages, got %d", len(after.Messages))
	}
	if after.Messages[0].ID != "msg_old1" {
		t.Errorf("expected oldest message to be dropped, first is %q", after.Messages[0].ID)
	}
	last := after.Messages[len(after.Messages)-1]
	if last.Role != session.RoleAssistant || last.Content != "the answer" {
		t.Errorf("expected assistant reply last, got %+v", last)
	}

	stored, _, err := env.sessions.Get(ctx, sess.ID)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if len(stored.Messages) != 10 {
		t.Errorf("expected cap to hold in storage, got %d", len(stored.Messages))
	}
}

func TestService_PersistRetriesTransientFailures(t *testing.T) {
	var flaky *flakyStore
	env := newTestEnv(t, func(cfg *ServiceConfig) {
		flaky = &flakyStore{Store: cfg.Sessions, failuresLeft: 2}
		cfg.Sessions = flaky
	})
	ctx := context.Background()

	msg, sess, err := env.service.SendMessage(ctx, SendMessageRequest{
		NotebookID:  env.notebook.ID,
		SessionName: "flaky",
		Content:     "hello",
	})
	if err != nil {
		t.Fatalf("expected retries to absorb transient failures, got %v", err)
	}
	if flaky.replaceCalls < 3 {
		t.Errorf("expected at least 3 Replace calls, got %d", flaky.replaceCalls)
	}

	stored, found, err := env.sessions.Get(ctx, sess.ID)
	if err != nil || !found {
		t.Fatalf("expected stored session, found=%v err=%v", found, err)
	}
	last := stored.Messages[len(stored.Messages)-1]
	if last.ID != msg.ID || last.Content != "the answer" {
		t.Errorf("stored state does not match final reply: %+v", last)
	}
}

func TestService_PersistGivesUpAfterRetriesExhausted(t *testing.T) {
	env := newTestEnv(t, func(cfg *ServiceConfig) {
		cfg.Sessions = &flakyStore{Store: cfg.Sessions, failuresLeft: 100}
	})

	_, _, err := env.service.SendMessage(context.Background(), SendMessageRequest{
		NotebookID:  env.notebook.ID,
		SessionName: "doomed",
		Content:     "hello",
	})
	if !errors.Is(err, ErrTransientStore) {
		t.Errorf("expected ErrTransientStore, got %v", err)
	}
}

func TestService_GetSessionByIDAndTitle(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()

	sess, err := env.service.ResolveOrCreate(ctx, env.notebook.ID, "", "findable")
	if err != nil {
		t.Fatalf("ResolveOrCreate failed: %v", err)
	}

	byID, err := env.service.GetSession(ctx, sess.ID)
	if err != nil || byID.ID != sess.ID {
		t.Errorf("lookup by id failed: %v", err)
	}
	byTitle, err := env.service.GetSession(ctx, "findable")
	if err != nil || byTitle.ID != sess.ID {
		t.Errorf("lookup by title failed: %v", err)
	}
	if _, err := env.service.GetSession(ctx, "chat_session:missing"); !errors.Is(err, session.ErrSessionNotFound) {
		t.Errorf("expected ErrSessionNotFound, got %v", err)
	}
}

func TestService_DeleteSessionBroadcastsTermination(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()

	sess, err := env.service.ResolveOrCreate(ctx, env.notebook.ID, "", "doomed")
	if err != nil {
		t.Fatalf("ResolveOrCreate failed: %v", err)
	}
	sub := env.registry.Connect(sess.ID)
	defer env.registry.Disconnect(sess.ID, sub)

	if err := env.service.DeleteSession(ctx, sess.ID); err != nil {
		t.Fatalf("DeleteSession failed: %v", err)
	}

	ev := recvEvent(t, sub)
	if ev.Type != stream.EventSessionDeleted {
		t.Errorf("expected session_deleted event, got %q", ev.Type)
	}
	if p := ev.Data.(stream.SessionPayload); p.SessionID != sess.ID {
		t.Errorf("expected session id %s in payload, got %s", sess.ID, p.SessionID)
	}

	if _, found, _ := env.sessions.Get(ctx, sess.ID); found {
		t.Error("expected session to be removed from storage")
	}
	if err := env.service.DeleteSession(ctx, sess.ID); !errors.Is(err, session.ErrSessionNotFound) {
		t.Errorf("expected ErrSessionNotFound on second delete, got %v", err)
	}
}

func TestService_ListSessionsNewestFirst(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()

	for i, title := range []string{"a", "b", "c"} {
		if _, err := env.sessions.Create(ctx, session.Session{
			ID: session.NewID(), Title: title, NotebookID: env.notebook.ID,
			Updated: time.Now().Add(time.Duration(i) * time.Minute),
		}); err != nil {
			t.Fatalf("failed to create session: %v", err)
		}
	}

	listed, err := env.service.ListSessions(ctx, env.notebook.ID)
	if err != nil {
		t.Fatalf("ListSessions failed: %v", err)
	}
	if len(listed) != 3 {
		t.Fatalf("expected 3 sessions, got %d", len(listed))
	}
	for i, want := range []string{"c", "b", "a"} {
		if listed[i].Title != want {
			t.Errorf("position %d: expected %q, got %q", i, want, listed[i].Title)
		}
	}
}
