// Package store holds the persistence contract the document coordinator
// depends on, plus the adapters that implement it.
package store

import (
	"context"
	"errors"
	"time"

	"collab-core/backend/internal/entity"
	"collab-core/backend/internal/ot"
)

var (
	ErrNotFound = errors.New("NOT_FOUND")
	// ErrConflict means a conditional update found the row in another state.
	ErrConflict = errors.New("CONFLICT")
)

type SnapshotStore interface {
	// GetOrCreateSnapshot returns the latest snapshot, creating one at clock 0
	// with initialContent when the document has none.
	GetOrCreateSnapshot(ctx context.Context, docID, userID, initialContent string) (*entity.Snapshot, error)
	// GetDocumentState returns the latest snapshot and every logged operation
	// with a clock greater than sinceClock, oldest first. Tombstoned entries
	// are included until they are collected; Truncated is set when collection
	// already removed entries after sinceClock.
	GetDocumentState(ctx context.Context, docID string, sinceClock uint64) (*entity.DocumentState, error)
	UpdateSnapshot(ctx context.Context, docID, content string, attrs map[string]any, clock uint64) error
}

type OperationLog interface {
	// AppendOperations persists one flush batch. Re-appending an id that is
	// already stored is not an error.
	AppendOperations(ctx context.Context, ops []ot.Operation) error
	// LiveOperationIDs lists ids that are not tombstoned, oldest first.
	LiveOperationIDs(ctx context.Context, docID string) ([]string, error)
	MarkTombstones(ctx context.Context, docID string, opIDs []string) error
	// GarbageCollect drops tombstones created before olderThan and raises the
	// document's collected horizon to the newest clock it dropped.
	GarbageCollect(ctx context.Context, docID string, olderThan time.Time) (int64, error)
}

type AnnotationStore interface {
	AddComment(ctx context.Context, c entity.Comment) error
	GetComments(ctx context.Context, docID string) ([]entity.Comment, error)
	ResolveComment(ctx context.Context, docID, commentID string) error
	AddSuggestion(ctx context.Context, s entity.Suggestion) error
	GetSuggestions(ctx context.Context, docID string) ([]entity.Suggestion, error)
	GetSuggestion(ctx context.Context, docID, suggestionID string) (*entity.Suggestion, error)
	// UpdateSuggestionStatus moves a suggestion from one status to another and
	// returns ErrConflict when it is no longer in from.
	UpdateSuggestionStatus(ctx context.Context, docID, suggestionID string, from, to entity.SuggestionStatus, reviewer string, at time.Time) error
}

type PresenceStore interface {
	UpsertPresence(ctx context.Context, p entity.Presence) error
	GetPresence(ctx context.Context, docID string) ([]entity.Presence, error)
	RemovePresence(ctx context.Context, docID, userID string) error
}

type SessionStore interface {
	CreateSession(ctx context.Context, s entity.Session) error
	UpdateSessionActivity(ctx context.Context, sessionID, docID string, at time.Time) error
	DeleteSession(ctx context.Context, sessionID string) error
}

type AuditSink interface {
	AuditLog(ctx context.Context, e entity.AuditEntry) error
}

type CompactionLog interface {
	LogCompaction(ctx context.Context, docID string, opsBefore, opsAfter int, tombstonesRemoved int64) error
}

// Adapter is everything the coordinator and transport need from storage.
type Adapter interface {
	SnapshotStore
	OperationLog
	AnnotationStore
	PresenceStore
	SessionStore
	AuditSink
	CompactionLog
}

// Composite assembles an Adapter out of independent backends, e.g. MySQL for
// the log, gorm for annotations and redis for presence.
type Composite struct {
	SnapshotStore
	OperationLog
	AnnotationStore
	PresenceStore
	SessionStore
	AuditSink
	CompactionLog
}

var _ Adapter = (*Composite)(nil)
var _ Adapter = (*MemoryStore)(nil)
