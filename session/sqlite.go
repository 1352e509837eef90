package session

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore implements Store on a SQLite database. The full session record
// is kept as a JSON blob so Replace stays a single whole-record write;
// title/notebook/updated columns exist only for lookups.
type SQLiteStore struct {
	db *sql.DB
}

const sessionSchema = `
CREATE TABLE IF NOT EXISTS sessions (
	id          TEXT PRIMARY KEY,
	title       TEXT NOT NULL,
	notebook_id TEXT NOT NULL DEFAULT '',
	updated     TEXT NOT NULL,
	data        TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_sessions_title ON sessions(title);
CREATE INDEX IF NOT EXISTS idx_sessions_notebook ON sessions(notebook_id);
`

// NewSQLiteStore creates the sessions table if needed.
func NewSQLiteStore(db *sql.DB) (*SQLiteStore, error) {
	if _, err := db.Exec(sessionSchema); err != nil {
		return nil, err
	}
	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Get(ctx context.Context, id string) (Session, bool, error) {
	var data string
	err := s.db.QueryRowContext(ctx, "SELECT data FROM sessions WHERE id = ?", id).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return Session{}, false, nil
	}
	if err != nil {
		return Session{}, false, err
	}

	var sess Session
	if err := json.Unmarshal([]byte(data), &sess); err != nil {
		return Session{}, false, err
	}
	return sess, true, nil
}

func (s *SQLiteStore) Create(ctx context.Context, sess Session) (Session, error) {
	if sess.ID == "" {
		sess.ID = NewID()
	}
	if sess.Messages == nil {
		sess.Messages = []Message{}
	}

	data, err := json.Marshal(sess)
	if err != nil {
		return Session{}, err
	}
	_, err = s.db.ExecContext(ctx,
		"INSERT INTO sessions (id, title, notebook_id, updated, data) VALUES (?, ?, ?, ?, ?)",
		sess.ID, sess.Title, sess.NotebookID, sess.Updated.Format(time.RFC3339Nano), string(data))
	if err != nil {
		return Session{}, err
	}
	return sess, nil
}

func (s *SQLiteStore) Replace(ctx context.Context, id string, sess Session) error {
	sess.ID = id
	data, err := json.Marshal(sess)
	if err != nil {
		return err
	}

	res, err := s.db.ExecContext(ctx,
		"UPDATE sessions SET title = ?, notebook_id = ?, updated = ?, data = ? WHERE id = ?",
		sess.Title, sess.NotebookID, sess.Updated.Format(time.RFC3339Nano), string(data), id)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrSessionNotFound
	}
	return nil
}

func (s *SQLiteStore) Delete(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, "DELETE FROM sessions WHERE id = ?", id)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrSessionNotFound
	}
	return nil
}

func (s *SQLiteStore) FindByTitle(ctx context.Context, title string) ([]Session, error) {
	return s.query(ctx, "SELECT data FROM sessions WHERE title = ?", title)
}

func (s *SQLiteStore) ListByNotebook(ctx context.Context, notebookID string) ([]Session, error) {
	return s.query(ctx,
		"SELECT data FROM sessions WHERE notebook_id = ? ORDER BY updated DESC", notebookID)
}

func (s *SQLiteStore) query(ctx context.Context, q string, args ...any) ([]Session, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	sessions := []Session{}
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, err
		}
		var sess Session
		if err := json.Unmarshal([]byte(data), &sess); err != nil {
			continue // skip corrupted entries
		}
		sessions = append(sessions, sess)
	}
	return sessions, rows.Err()
}
