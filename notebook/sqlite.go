package notebook

import (
	"context"
	"database/sql"
	"errors"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore implements Store on a SQLite database.
type SQLiteStore struct {
	db *sql.DB
}

const notebookSchema = `
CREATE TABLE IF NOT EXISTS notebooks (
	id          TEXT PRIMARY KEY,
	name        TEXT NOT NULL,
	description TEXT NOT NULL DEFAULT '',
	created     TEXT NOT NULL,
	updated     TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_notebooks_name ON notebooks(name);
`

func NewSQLiteStore(db *sql.DB) (*SQLiteStore, error) {
	if _, err := db.Exec(notebookSchema); err != nil {
		return nil, err
	}
	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Get(ctx context.Context, id string) (Notebook, bool, error) {
	return s.one(ctx, "SELECT id, name, description, created, updated FROM notebooks WHERE id = ?", id)
}

func (s *SQLiteStore) FindByName(ctx context.Context, name string) (Notebook, bool, error) {
	return s.one(ctx, "SELECT id, name, description, created, updated FROM notebooks WHERE name = ?", name)
}

func (s *SQLiteStore) one(ctx context.Context, q string, arg string) (Notebook, bool, error) {
	nb, err := scanNotebook(s.db.QueryRowContext(ctx, q, arg))
	if errors.Is(err, sql.ErrNoRows) {
		return Notebook{}, false, nil
	}
	if err != nil {
		return Notebook{}, false, err
	}
	return nb, true, nil
}

func (s *SQLiteStore) Create(ctx context.Context, nb Notebook) (Notebook, error) {
	now := time.Now()
	if nb.ID == "" {
		nb.ID = NewID()
	}
	if nb.Created.IsZero() {
		nb.Created = now
	}
	nb.Updated = now

	_, err := s.db.ExecContext(ctx,
		"INSERT INTO notebooks (id, name, description, created, updated) VALUES (?, ?, ?, ?, ?)",
		nb.ID, nb.Name, nb.Description,
		nb.Created.Format(time.RFC3339Nano), nb.Updated.Format(time.RFC3339Nano))
	if err != nil {
		return Notebook{}, err
	}
	return nb, nil
}

func (s *SQLiteStore) List(ctx context.Context) ([]Notebook, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT id, name, description, created, updated FROM notebooks ORDER BY name")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	notebooks := []Notebook{}
	for rows.Next() {
		nb, err := scanNotebook(rows)
		if err != nil {
			return nil, err
		}
		notebooks = append(notebooks, nb)
	}
	return notebooks, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanNotebook(row rowScanner) (Notebook, error) {
	var nb Notebook
	var created, updated string
	if err := row.Scan(&nb.ID, &nb.Name, &nb.Description, &created, &updated); err != nil {
		return Notebook{}, err
	}
	nb.Created, _ = time.Parse(time.RFC3339Nano, created)
	nb.Updated, _ = time.Parse(time.RFC3339Nano, updated)
	return nb, nil
}
