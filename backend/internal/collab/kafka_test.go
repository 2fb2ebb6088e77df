package collab

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/IBM/sarama"
	"github.com/IBM/sarama/mocks"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"collab-core/backend/internal/entity"
	"collab-core/backend/internal/ot"
)

func testDispatcherOptions() KafkaDispatcherOptions {
	return KafkaDispatcherOptions{
		QueueSize:   16,
		Workers:     1,
		MaxRetry:    2,
		BaseBackoff: time.Millisecond,
		MaxBackoff:  5 * time.Millisecond,
	}
}

func TestKafkaEventSink_PublishesEachAppliedOperation(t *testing.T) {
	producer := mocks.NewSyncProducer(t, sarama.NewConfig())
	for _, want := range []string{"o1", "o2"} {
		want := want
		producer.ExpectSendMessageWithCheckerFunctionAndSucceed(func(val []byte) error {
			var evt DocOpEvent
			if err := json.Unmarshal(val, &evt); err != nil {
				return err
			}
			if evt.EventType != "OP_APPLIED" || evt.OperationID != want || evt.Clock != 4 {
				return fmt.Errorf("unexpected event %+v", evt)
			}
			return nil
		})
	}

	d := NewKafkaDispatcher(producer, "doc-ops", NewSemaphoreControl(2), testDispatcherOptions())
	sink := NewKafkaEventSink(d, time.Second)

	// 非操作事件不进 Kafka
	sink.Publish(Event{Kind: EventPresence, DocID: "doc-1"})
	sink.Publish(Event{
		Kind:  EventOperations,
		DocID: "doc-1",
		Clock: 4,
		Operations: []ot.Operation{
			{ID: "o1", UserID: "alice", Kind: ot.KindInsert, Text: "a", Clock: 4},
			{ID: "o2", UserID: "bob", Kind: ot.KindDelete, Length: 1, Clock: 4, Seq: 1},
		},
	})

	d.Close()
	require.NoError(t, producer.Close())
}

func TestKafkaDispatcher_RetriesThenSucceeds(t *testing.T) {
	producer := mocks.NewSyncProducer(t, sarama.NewConfig())
	producer.ExpectSendMessageAndFail(sarama.ErrOutOfBrokers)
	producer.ExpectSendMessageAndSucceed()

	sem := NewSemaphoreControl(1)
	d := NewKafkaDispatcher(producer, "doc-audit", sem, testDispatcherOptions())
	audit := NewKafkaAuditSink(d, time.Second)
	require.NoError(t, audit.AuditLog(context.Background(), entity.AuditEntry{ID: "a1", DocID: "doc-1", Action: entity.AuditJoin}))

	d.Close()
	require.NoError(t, producer.Close())
	assert.Equal(t, 0, sem.InUse(), "every acquire is released")
}

func TestKafkaDispatcher_EnqueueAfterClose(t *testing.T) {
	d := NewKafkaDispatcher(nil, "", nil, testDispatcherOptions())
	d.Close()
	err := d.Enqueue(context.Background(), "k", "v")
	assert.ErrorIs(t, err, ErrDispatcherClosed)
}

func TestKafkaDispatcher_EnqueueRespectsDeadlineWhenFull(t *testing.T) {
	block := make(chan struct{})
	defer close(block)
	producer := &blockingProducer{release: block}
	opts := testDispatcherOptions()
	opts.QueueSize = 1
	d := NewKafkaDispatcher(producer, "doc-ops", nil, opts)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	var err error
	for i := 0; i < 3 && err == nil; i++ {
		err = d.Enqueue(ctx, "k", i)
	}
	assert.True(t, errors.Is(err, context.DeadlineExceeded), "got %v", err)
}

type blockingProducer struct {
	sarama.SyncProducer
	release chan struct{}
}

func (p *blockingProducer) SendMessage(*sarama.ProducerMessage) (int32, int64, error) {
	<-p.release
	return 0, 0, nil
}

func TestAuditFanout_TriesEverySink(t *testing.T) {
	first := auditFunc(func(entity.AuditEntry) error { return errDiskFull })
	var seen []string
	second := auditFunc(func(e entity.AuditEntry) error { seen = append(seen, e.ID); return nil })

	err := AuditFanout{first, second}.AuditLog(context.Background(), entity.AuditEntry{ID: "x"})
	assert.ErrorIs(t, err, errDiskFull)
	assert.Equal(t, []string{"x"}, seen)
}

type auditFunc func(entity.AuditEntry) error

func (f auditFunc) AuditLog(_ context.Context, e entity.AuditEntry) error { return f(e) }
