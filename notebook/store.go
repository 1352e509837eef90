package notebook

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Store defines notebook lookups needed by the chat core.
type Store interface {
	Get(ctx context.Context, id string) (Notebook, bool, error)
	FindByName(ctx context.Context, name string) (Notebook, bool, error)
	Create(ctx context.Context, nb Notebook) (Notebook, error)
	List(ctx context.Context) ([]Notebook, error)
}

// indexData is the structure of notebooks/index.json.
type indexData struct {
	Notebooks []Notebook `json:"notebooks"`
}

// FileStore implements Store using file system storage.
type FileStore struct {
	dataDir string
	mu      sync.RWMutex
}

func NewFileStore(dataDir string) (*FileStore, error) {
	if err := os.MkdirAll(filepath.Join(dataDir, "notebooks"), 0755); err != nil {
		return nil, err
	}
	return &FileStore{dataDir: dataDir}, nil
}

func (s *FileStore) indexPath() string {
	return filepath.Join(s.dataDir, "notebooks", "index.json")
}

func (s *FileStore) readIndex() (indexData, error) {
	data, err := os.ReadFile(s.indexPath())
	if os.IsNotExist(err) {
		return indexData{Notebooks: []Notebook{}}, nil
	}
	if err != nil {
		return indexData{}, err
	}

	var idx indexData
	if err := json.Unmarshal(data, &idx); err != nil {
		return indexData{}, err
	}
	return idx, nil
}

func (s *FileStore) writeIndex(idx indexData) error {
	data, err := json.MarshalIndent(idx, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(s.indexPath(), data, 0644)
}

func (s *FileStore) Get(ctx context.Context, id string) (Notebook, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	idx, err := s.readIndex()
	if err != nil {
		return Notebook{}, false, err
	}
	for _, nb := range idx.Notebooks {
		if nb.ID == id {
			return nb, true, nil
		}
	}
	return Notebook{}, false, nil
}

func (s *FileStore) FindByName(ctx context.Context, name string) (Notebook, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	idx, err := s.readIndex()
	if err != nil {
		return Notebook{}, false, err
	}
	for _, nb := range idx.Notebooks {
		if nb.Name == name {
			return nb, true, nil
		}
	}
	return Notebook{}, false, nil
}

func (s *FileStore) Create(ctx context.Context, nb Notebook) (Notebook, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	idx, err := s.readIndex()
	if err != nil {
		return Notebook{}, err
	}

	now := time.Now()
	if nb.ID == "" {
		nb.ID = NewID()
	}
	if nb.Created.IsZero() {
		nb.Created = now
	}
	nb.Updated = now

	idx.Notebooks = append(idx.Notebooks, nb)
	if err := s.writeIndex(idx); err != nil {
		return Notebook{}, err
	}
	return nb, nil
}

func (s *FileStore) List(ctx context.Context) ([]Notebook, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	idx, err := s.readIndex()
	if err != nil {
		return nil, err
	}
	return idx.Notebooks, nil
}
