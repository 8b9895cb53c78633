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
)

func TestKafkaDispatcher_RetriesThenSends(t *testing.T) {
	sp := mocks.NewSyncProducer(t, nil)
	sp.ExpectSendMessageAndFail(sarama.ErrNotLeaderForPartition)
	sp.ExpectSendMessageWithCheckerFunctionAndSucceed(func(val []byte) error {
		var evt DocOpEvent
		if err := json.Unmarshal(val, &evt); err != nil {
			return err
		}
		if evt.DocID != "doc-1" || string(evt.Ops) != `[{"insert":"hi"}]` {
			return fmt.Errorf("unexpected event %+v", evt)
		}
		return nil
	})

	d := NewKafkaDispatcher(sp, "doc-ops", NewSemaphoreControl(1), KafkaDispatcherOptions{
		QueueSize:   4,
		Workers:     1,
		MaxRetry:    2,
		BaseBackoff: time.Millisecond,
		MaxBackoff:  5 * time.Millisecond,
	})

	ok := d.Publish(DocOpEvent{
		EventType: EventOpsRelayed,
		DocID:     "doc-1",
		Ops:       json.RawMessage(`[{"insert":"hi"}]`),
	})
	if !ok {
		t.Fatalf("Publish returned false on an empty queue")
	}

	d.Close()
	if err := sp.Close(); err != nil {
		t.Fatalf("producer close error = %v", err)
	}
}

func TestKafkaDispatcher_PublishAfterCloseIsDropped(t *testing.T) {
	d := NewKafkaDispatcher(nil, "", nil, KafkaDispatcherOptions{QueueSize: 1, Workers: 1})
	d.Close()
	if d.Publish(DocOpEvent{DocID: "doc-1"}) {
		t.Fatalf("Publish after Close returned true")
	}
}

func TestSemaphoreControl_AcquireTimeout(t *testing.T) {
	s := NewSemaphoreControl(1)
	if err := s.Acquire(context.Background()); err != nil {
		t.Fatalf("first Acquire error = %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if err := s.Acquire(ctx); !errors.Is(err, ErrAcquireTimeout) || !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("second Acquire error = %v, want ErrAcquireTimeout", err)
	}
	if s.TryAcquire() || s.InUse() != 1 || s.Cap() != 1 {
		t.Fatalf("TryAcquire on full semaphore succeeded, inUse=%d", s.InUse())
	}
	if err := s.Release(); err != nil {
		t.Fatalf("Release error = %v", err)
	}
	if err := s.Release(); !errors.Is(err, ErrNotAcquired) {
		t.Fatalf("extra Release error = %v, want ErrNotAcquired", err)
	}
}
