package notebook

import (
	"errors"
	"time"

	"github.com/google/uuid"
)

var ErrNotebookNotFound = errors.New("notebook not found")

// Notebook is the container chat sessions attach to. Its content (notes,
// sources) is managed elsewhere; the chat core only needs identity.
type Notebook struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Description string    `json:"description,omitempty"`
	Created     time.Time `json:"created"`
	Updated     time.Time `json:"updated"`
}

// NewID generates a notebook identifier.
func NewID() string {
	return "notebook:" + uuid.Must(uuid.NewV7()).String()
}
