package collab

import (
	"errors"
	"fmt"

	"collab-core/backend/internal/ot"
	"collab-core/backend/internal/store"
)

var (
	ErrPermissionDenied   = errors.New("PERMISSION_DENIED")
	ErrRateLimitExceeded  = errors.New("RATE_LIMIT_EXCEEDED")
	ErrDocumentTooLarge   = errors.New("DOCUMENT_TOO_LARGE")
	ErrNotActive          = errors.New("DOCUMENT_NOT_ACTIVE")
	ErrTooManyUsers       = errors.New("TOO_MANY_USERS")
	ErrSuggestionReviewed = errors.New("SUGGESTION_ALREADY_REVIEWED")
	ErrSuggestionStale    = errors.New("SUGGESTION_STALE")
	ErrDuplicateOperation = errors.New("DUPLICATE_OPERATION")

	// ErrNotFound is the store's sentinel so errors.Is works across layers.
	ErrNotFound = store.ErrNotFound
)

// PersistenceError fails every operation of a batch whose append was rejected
// by the store. The in-memory document is left as it was before the flush.
type PersistenceError struct {
	DocID string
	Op    string
	Err   error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("PERSISTENCE_ERROR: %s doc=%s: %v", e.Op, e.DocID, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

// ErrorCode maps an error to the code sent back to clients.
func ErrorCode(err error) string {
	var (
		verr *ot.ValidationError
		perr *PersistenceError
	)
	switch {
	case err == nil:
		return ""
	case errors.As(err, &verr):
		return string(verr.Code)
	case errors.As(err, &perr):
		return "PERSISTENCE_ERROR"
	case errors.Is(err, ot.ErrOutOfBounds):
		return string(ot.OutOfBounds)
	}
	for _, sentinel := range []error{
		ErrPermissionDenied, ErrRateLimitExceeded, ErrDocumentTooLarge,
		ErrNotActive, ErrTooManyUsers, ErrSuggestionReviewed, ErrSuggestionStale,
		ErrDuplicateOperation, ErrNotFound,
	} {
		if errors.Is(err, sentinel) {
			return sentinel.Error()
		}
	}
	return "INTERNAL_ERROR"
}
