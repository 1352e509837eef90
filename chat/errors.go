package chat

import "errors"

// Error taxonomy for chat operations. NotFound variants live with their
// stores (session.ErrSessionNotFound, notebook.ErrNotebookNotFound);
// protocol errors live with the stream transport (stream.ErrProtocol).
var (
	// ErrValidation marks empty or malformed input.
	ErrValidation = errors.New("validation failed")

	// ErrTransientStore marks a persistence failure that survived all
	// retry attempts.
	ErrTransientStore = errors.New("transient store failure")

	// ErrGeneration marks a generation engine failure. It is captured
	// into the assistant message rather than propagated; the session
	// stays usable.
	ErrGeneration = errors.New("generation failed")
)
