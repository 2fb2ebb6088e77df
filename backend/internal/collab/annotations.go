package collab

import (
	"context"
	"errors"
	"fmt"
	"log"

	"github.com/google/uuid"

	"collab-core/backend/internal/entity"
	"collab-core/backend/internal/ot"
	"collab-core/backend/internal/store"
)

// AddComment anchors a comment to a range of the current content, stores it
// and broadcasts it to every session, the author's included, so all of them
// learn the assigned id.
func (c *Coordinator) AddComment(ctx context.Context, cm entity.Comment, userID string, role Role) (entity.Comment, error) {
	if !role.CanComment() {
		return entity.Comment{}, ErrPermissionDenied
	}
	if c.State() != StateActive {
		return entity.Comment{}, ErrNotActive
	}
	if cm.ID == "" {
		cm.ID = uuid.NewString()
	}
	if err := c.validateRange(cm.ID, cm.Position, cm.Length, cm.Text); err != nil {
		return entity.Comment{}, err
	}
	cm.DocID = c.docID
	cm.UserID = userID
	cm.Resolved = false
	cm.CreatedAt = c.now()

	if err := c.store.AddComment(ctx, cm); err != nil {
		return entity.Comment{}, &PersistenceError{DocID: c.docID, Op: "add comment", Err: err}
	}
	c.events.Publish(Event{Kind: EventComment, DocID: c.docID, Comment: &cm})
	return cm, nil
}

func (c *Coordinator) ResolveComment(ctx context.Context, commentID string, role Role) (entity.Comment, error) {
	if !role.CanComment() {
		return entity.Comment{}, ErrPermissionDenied
	}
	if err := c.store.ResolveComment(ctx, c.docID, commentID); err != nil {
		return entity.Comment{}, err
	}
	comments, err := c.store.GetComments(ctx, c.docID)
	if err != nil {
		return entity.Comment{}, err
	}
	for _, cm := range comments {
		if cm.ID == commentID {
			c.events.Publish(Event{Kind: EventComment, DocID: c.docID, Comment: &cm})
			return cm, nil
		}
	}
	return entity.Comment{}, ErrNotFound
}

func (c *Coordinator) Comments(ctx context.Context) ([]entity.Comment, error) {
	return c.store.GetComments(ctx, c.docID)
}

// validateRange checks an annotation range and its text the same way an
// insert at that range would be checked.
func (c *Coordinator) validateRange(id string, pos, length int, text string) error {
	n := c.contentLen()
	probe := ot.Operation{ID: id, DocID: c.docID, Kind: ot.KindReplace, Position: pos, Length: length, Text: text}
	return ot.Validate(probe, c.docID, n)
}

// AddSuggestion stores an operation that is only applied once an editor
// accepts it. The operation keeps the clock it was made against so it can be
// rebased on acceptance.
func (c *Coordinator) AddSuggestion(ctx context.Context, s entity.Suggestion, userID string, role Role) (entity.Suggestion, error) {
	if !role.CanComment() {
		return entity.Suggestion{}, ErrPermissionDenied
	}
	if c.State() != StateActive {
		return entity.Suggestion{}, ErrNotActive
	}
	op := s.Operation
	if op.DocID == "" {
		op.DocID = c.docID
	}
	if op.ID == "" {
		op.ID = uuid.NewString()
	}
	op.UserID = userID
	op.Clock = c.Clock()
	op.Timestamp = c.now()
	if err := ot.Validate(op, c.docID, c.contentLen()); err != nil {
		return entity.Suggestion{}, err
	}

	s = entity.Suggestion{
		ID:        uuid.NewString(),
		DocID:     c.docID,
		UserID:    userID,
		Operation: op,
		Status:    entity.SuggestionPending,
		CreatedAt: c.now(),
	}
	if err := c.store.AddSuggestion(ctx, s); err != nil {
		return entity.Suggestion{}, &PersistenceError{DocID: c.docID, Op: "add suggestion", Err: err}
	}
	c.events.Publish(Event{Kind: EventSuggestion, DocID: c.docID, Suggestion: &s})
	return s, nil
}

func (c *Coordinator) Suggestions(ctx context.Context) ([]entity.Suggestion, error) {
	return c.store.GetSuggestions(ctx, c.docID)
}

// ReviewSuggestion accepts or rejects a pending suggestion. The status is
// claimed first so only one reviewer wins; accepting then rebases the
// embedded operation over everything logged since it was made and sends it
// through the normal admission and batch path. The suggestion goes back to
// pending if that fails.
func (c *Coordinator) ReviewSuggestion(ctx context.Context, suggestionID string, accept bool, reviewerID string, role Role, origin string) (entity.Suggestion, error) {
	if !role.CanEdit() {
		return entity.Suggestion{}, ErrPermissionDenied
	}
	s, err := c.store.GetSuggestion(ctx, c.docID, suggestionID)
	if err != nil {
		return entity.Suggestion{}, err
	}
	if s.Status != entity.SuggestionPending {
		return entity.Suggestion{}, ErrSuggestionReviewed
	}

	status := entity.SuggestionRejected
	if accept {
		status = entity.SuggestionAccepted
	}
	at := c.now()
	err = c.store.UpdateSuggestionStatus(ctx, c.docID, s.ID, entity.SuggestionPending, status, reviewerID, at)
	switch {
	case errors.Is(err, store.ErrConflict):
		return entity.Suggestion{}, ErrSuggestionReviewed
	case errors.Is(err, store.ErrNotFound):
		return entity.Suggestion{}, err
	case err != nil:
		return entity.Suggestion{}, &PersistenceError{DocID: c.docID, Op: "update suggestion", Err: err}
	}

	if accept {
		if err := c.applySuggestion(ctx, s.Operation, reviewerID, role, origin); err != nil {
			c.reopenSuggestion(s.ID)
			return entity.Suggestion{}, err
		}
	}
	s.Status = status
	s.ReviewedBy = reviewerID
	s.ReviewedAt = &at

	entry := entity.AuditEntry{
		ID:     uuid.NewString(),
		DocID:  c.docID,
		UserID: reviewerID,
		Action: entity.AuditSuggestionReviewed,
		Detail: fmt.Sprintf("suggestion=%s status=%s", s.ID, status),
		At:     at,
	}
	if err := c.store.AuditLog(ctx, entry); err != nil {
		log.Printf("audit review failed doc=%s suggestion=%s err=%v", c.docID, s.ID, err)
	}
	c.events.Publish(Event{Kind: EventSuggestionReviewed, DocID: c.docID, Suggestion: s})
	return *s, nil
}

func (c *Coordinator) applySuggestion(ctx context.Context, op ot.Operation, reviewerID string, role Role, origin string) error {
	ch, err := c.submitRebased(ctx, op, reviewerID, role, origin)
	if err != nil || ch == nil {
		return err
	}
	_, err = wait(ctx, ch)
	return err
}

// reopenSuggestion hands a claimed suggestion back to pending. It runs on its
// own context because the reviewer's may already be done.
func (c *Coordinator) reopenSuggestion(suggestionID string) {
	ctx, cancel := c.persistContext()
	defer cancel()
	err := c.store.UpdateSuggestionStatus(ctx, c.docID, suggestionID, entity.SuggestionAccepted, entity.SuggestionPending, "", c.now())
	if err != nil {
		log.Printf("reopen suggestion failed doc=%s suggestion=%s err=%v", c.docID, suggestionID, err)
	}
}

// submitRebased transforms op over the operations logged after the clock it
// was made against and queues the result. flushMu keeps a batch from
// committing in between, so nothing is missed. Tombstoned entries still
// count; once collection has dropped any of them the suggestion can no longer
// be placed and is stale. A nil channel means op is already in the log.
func (c *Coordinator) submitRebased(ctx context.Context, op ot.Operation, reviewerID string, role Role, origin string) (<-chan Result, error) {
	c.flushMu.Lock()
	defer c.flushMu.Unlock()

	base := op.Clock
	op.Clock = 0
	if base < c.Clock() {
		st, err := c.store.GetDocumentState(ctx, c.docID, base)
		if err != nil {
			return nil, err
		}
		if st.Truncated {
			return nil, ErrSuggestionStale
		}
		for _, h := range st.Operations {
			if h.ID == op.ID {
				return nil, nil
			}
		}
		op = ot.TransformAgainst(op, st.Operations)
	}
	return c.enqueue(ctx, op, reviewerID, role, origin)
}

// UpdatePresence stores the user's cursor and tells the other sessions.
func (c *Coordinator) UpdatePresence(ctx context.Context, p entity.Presence, origin string) (entity.Presence, error) {
	p.DocID = c.docID
	p.Cursor = min(max(p.Cursor, 0), c.contentLen())
	p.SelectionEnd = min(max(p.SelectionEnd, 0), c.contentLen())
	p.UpdatedAt = c.now()
	if err := c.store.UpsertPresence(ctx, p); err != nil {
		return p, err
	}
	c.events.Publish(Event{Kind: EventPresence, DocID: c.docID, Presence: &p, Exclude: origin})
	return p, nil
}

// RemovePresence drops the user's cursor and announces the departure.
func (c *Coordinator) RemovePresence(ctx context.Context, userID, origin string) error {
	err := c.store.RemovePresence(ctx, c.docID, userID)
	p := entity.Presence{DocID: c.docID, UserID: userID, UpdatedAt: c.now()}
	c.events.Publish(Event{Kind: EventPresenceLeft, DocID: c.docID, Presence: &p, Exclude: origin})
	return err
}

func (c *Coordinator) Presence(ctx context.Context) ([]entity.Presence, error) {
	return c.store.GetPresence(ctx, c.docID)
}
