package collab

import (
	"collab-core/backend/internal/entity"
	"collab-core/backend/internal/ot"
)

type EventKind string

const (
	EventOperations         EventKind = "operations"
	EventPresence           EventKind = "presence"
	EventPresenceLeft       EventKind = "presence_left"
	EventComment            EventKind = "comment"
	EventSuggestion         EventKind = "suggestion"
	EventSuggestionReviewed EventKind = "suggestion_reviewed"
)

// Event is one broadcast for a document. For operation batches Origins[i] is
// the session that submitted Operations[i] ("" when unknown); a session only
// skips a batch made entirely of its own operations. For the other kinds
// Exclude names the session that must not receive it.
type Event struct {
	Kind       EventKind
	DocID      string
	Clock      uint64
	Operations []ot.Operation
	Origins    []string
	Exclude    string
	Presence   *entity.Presence
	Comment    *entity.Comment
	Suggestion *entity.Suggestion
}

// EventSink receives events in the order a document produced them.
// Publish is called while the document is serialized and must not block.
type EventSink interface {
	Publish(ev Event)
}

type EventSinkFunc func(Event)

func (f EventSinkFunc) Publish(ev Event) { f(ev) }

// MultiSink fans one event out to several sinks in order.
type MultiSink []EventSink

func (m MultiSink) Publish(ev Event) {
	for _, s := range m {
		if s != nil {
			s.Publish(ev)
		}
	}
}

type nopSink struct{}

func (nopSink) Publish(Event) {}
