package queue

import (
	"context"
	"testing"
	"time"
)

func TestMemoryQueueOrdersByReadyTime(t *testing.T) {
	ctx := context.Background()
	q := NewMemoryQueue()

	_ = q.Enqueue(ctx, []byte("first"), 0)
	_ = q.Enqueue(ctx, []byte("second"), 0)

	m1, _ := q.Dequeue(ctx)
	m2, _ := q.Dequeue(ctx)
	if m1 == nil || string(m1.Body) != "first" {
		t.Fatalf("expected first message, got %+v", m1)
	}
	if m2 == nil || string(m2.Body) != "second" {
		t.Fatalf("expected second message, got %+v", m2)
	}
	if m3, _ := q.Dequeue(ctx); m3 != nil {
		t.Fatalf("expected empty queue, got %+v", m3)
	}
}

func TestMemoryQueueDelayedMessageNotReady(t *testing.T) {
	ctx := context.Background()
	q := NewMemoryQueue()
	now := time.Now()
	q.now = func() time.Time { return now }

	_ = q.Enqueue(ctx, []byte("later"), time.Minute)
	if m, _ := q.Dequeue(ctx); m != nil {
		t.Fatalf("expected no ready message, got %+v", m)
	}

	now = now.Add(2 * time.Minute)
	m, _ := q.Dequeue(ctx)
	if m == nil || string(m.Body) != "later" {
		t.Fatalf("expected delayed message after clock advance, got %+v", m)
	}
}

func TestMemoryQueueNackRedelivers(t *testing.T) {
	ctx := context.Background()
	q := NewMemoryQueue()

	_ = q.Enqueue(ctx, []byte("work"), 0)
	m, _ := q.Dequeue(ctx)
	if m.Deliveries != 1 {
		t.Fatalf("expected first delivery, got %d", m.Deliveries)
	}
	if err := q.Nack(ctx, m, 0); err != nil {
		t.Fatalf("Nack error: %v", err)
	}

	again, _ := q.Dequeue(ctx)
	if again == nil || again.ID != m.ID {
		t.Fatalf("expected redelivery of %s, got %+v", m.ID, again)
	}
	if again.Deliveries != 2 {
		t.Fatalf("expected 2 deliveries, got %d", again.Deliveries)
	}

	_ = q.Ack(ctx, again)
	if q.Len() != 0 {
		t.Fatalf("expected empty queue after ack, got %d", q.Len())
	}
}
