package collab

import (
	"context"
	"log"
	"time"

	"collab-core/backend/internal/entity"
	"collab-core/backend/internal/ot"
	"collab-core/backend/internal/store"
)

type DocOpEvent struct {
	EventType   string    `json:"eventType"` // 固定 "OP_APPLIED"
	DocID       string    `json:"docId"`
	OperationID string    `json:"operationId"`
	Clock       uint64    `json:"clock"`
	Seq         int       `json:"seq"`
	AuthorID    string    `json:"authorId"`
	Kind        ot.Kind   `json:"kind"`
	Position    int       `json:"position"`
	Length      int       `json:"length,omitempty"`
	Text        string    `json:"text,omitempty"`
	AppliedAt   time.Time `json:"appliedAt"`
}

// KafkaEventSink streams every applied operation to Kafka, keyed by document
// so a partition sees one document's operations in order.
type KafkaEventSink struct {
	d       *KafkaDispatcher
	timeout time.Duration
}

func NewKafkaEventSink(d *KafkaDispatcher, enqueueTimeout time.Duration) *KafkaEventSink {
	return &KafkaEventSink{d: d, timeout: enqueueTimeout}
}

func (s *KafkaEventSink) Publish(ev Event) {
	if ev.Kind != EventOperations {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()
	now := time.Now()
	for _, op := range ev.Operations {
		evt := DocOpEvent{
			EventType:   "OP_APPLIED",
			DocID:       ev.DocID,
			OperationID: op.ID,
			Clock:       ev.Clock,
			Seq:         op.Seq,
			AuthorID:    op.UserID,
			Kind:        op.Kind,
			Position:    op.Position,
			Length:      op.Length,
			Text:        op.Text,
			AppliedAt:   now,
		}
		if err := s.d.Enqueue(ctx, ev.DocID, evt); err != nil {
			log.Printf("kafka enqueue failed doc=%s op=%s clock=%d err=%v", ev.DocID, op.ID, ev.Clock, err)
			return
		}
	}
}

// KafkaAuditSink forwards audit facts to Kafka; durable storage of the trail
// belongs to whoever consumes the topic.
type KafkaAuditSink struct {
	d       *KafkaDispatcher
	timeout time.Duration
}

func NewKafkaAuditSink(d *KafkaDispatcher, enqueueTimeout time.Duration) *KafkaAuditSink {
	return &KafkaAuditSink{d: d, timeout: enqueueTimeout}
}

func (s *KafkaAuditSink) AuditLog(ctx context.Context, e entity.AuditEntry) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	return s.d.Enqueue(ctx, e.DocID, e)
}

// AuditFanout writes each fact to every sink and reports the first failure
// after trying all of them.
type AuditFanout []store.AuditSink

func (f AuditFanout) AuditLog(ctx context.Context, e entity.AuditEntry) error {
	var first error
	for _, s := range f {
		if err := s.AuditLog(ctx, e); err != nil && first == nil {
			first = err
		}
	}
	return first
}
