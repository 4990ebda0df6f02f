package domain

import "errors"

// Error taxonomy. Callers classify with errors.Is.
var (
	ErrStoreUnavailable      = errors.New("conversation store unavailable")
	ErrNotFound              = errors.New("session not found")
	ErrUnknownSession        = errors.New("unknown session")
	ErrDuplicateSession      = errors.New("session already exists")
	ErrClassificationFailure = errors.New("classification failed")
	ErrHandlerFailure        = errors.New("handler failed")
	ErrPersistenceFailure    = errors.New("persistence failed")
	ErrInvalidMessage        = errors.New("invalid message")
	ErrInvalidRole           = errors.New("invalid message role")
)
