package session

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
)

// Store defines durable session persistence. Replace overwrites the whole
// record in a single write; there are no per-message patches.
type Store interface {
	Get(ctx context.Context, id string) (Session, bool, error)
	Create(ctx context.Context, s Session) (Session, error)
	Replace(ctx context.Context, id string, s Session) error
	Delete(ctx context.Context, id string) error
	FindByTitle(ctx context.Context, title string) ([]Session, error)
	ListByNotebook(ctx context.Context, notebookID string) ([]Session, error)
}

// FileStore implements Store with one JSON file per session.
type FileStore struct {
	dataDir string
	mu      sync.RWMutex
}

// NewFileStore creates a FileStore rooted at dataDir/sessions.
func NewFileStore(dataDir string) (*FileStore, error) {
	if err := os.MkdirAll(filepath.Join(dataDir, "sessions"), 0755); err != nil {
		return nil, err
	}
	return &FileStore{dataDir: dataDir}, nil
}

// Dir returns the directory session files are written to.
func (s *FileStore) Dir() string {
	return filepath.Join(s.dataDir, "sessions")
}

func (s *FileStore) path(id string) string {
	// Record ids contain a colon, which is awkward in file names.
	return filepath.Join(s.Dir(), strings.ReplaceAll(id, ":", "_")+".json")
}

func (s *FileStore) read(id string) (Session, bool, error) {
	data, err := os.ReadFile(s.path(id))
	if os.IsNotExist(err) {
		return Session{}, false, nil
	}
	if err != nil {
		return Session{}, false, err
	}

	var sess Session
	if err := json.Unmarshal(data, &sess); err != nil {
		return Session{}, false, err
	}
	return sess, true, nil
}

func (s *FileStore) write(sess Session) error {
	data, err := json.MarshalIndent(sess, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(s.path(sess.ID), data, 0644)
}

func (s *FileStore) Get(ctx context.Context, id string) (Session, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.read(id)
}

func (s *FileStore) Create(ctx context.Context, sess Session) (Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if sess.ID == "" {
		sess.ID = NewID()
	}
	if sess.Messages == nil {
		sess.Messages = []Message{}
	}
	if err := s.write(sess); err != nil {
		return Session{}, err
	}
	return sess, nil
}

// Replace overwrites the stored session in one write.
// Returns ErrSessionNotFound if the session does not exist.
func (s *FileStore) Replace(ctx context.Context, id string, sess Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := os.Stat(s.path(id)); os.IsNotExist(err) {
		return ErrSessionNotFound
	}
	sess.ID = id
	return s.write(sess)
}

func (s *FileStore) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	err := os.Remove(s.path(id))
	if os.IsNotExist(err) {
		return ErrSessionNotFound
	}
	return err
}

func (s *FileStore) FindByTitle(ctx context.Context, title string) ([]Session, error) {
	return s.scan(func(sess Session) bool { return sess.Title == title })
}

// ListByNotebook returns the notebook's sessions sorted by updated, newest first.
func (s *FileStore) ListByNotebook(ctx context.Context, notebookID string) ([]Session, error) {
	sessions, err := s.scan(func(sess Session) bool { return sess.NotebookID == notebookID })
	if err != nil {
		return nil, err
	}
	sort.Slice(sessions, func(i, j int) bool {
		return sessions[i].Updated.After(sessions[j].Updated)
	})
	return sessions, nil
}

func (s *FileStore) scan(match func(Session) bool) ([]Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entries, err := os.ReadDir(s.Dir())
	if err != nil {
		return nil, err
	}

	sessions := []Session{}
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		data, err := os.ReadFile(filepath.Join(s.Dir(), entry.Name()))
		if err != nil {
			return nil, err
		}
		var sess Session
		if err := json.Unmarshal(data, &sess); err != nil {
			continue // skip corrupted entries
		}
		if match(sess) {
			sessions = append(sessions, sess)
		}
	}
	return sessions, nil
}
