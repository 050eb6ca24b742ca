// Package queue is the at-least-once execution substrate that carries job
// steps between workers.
package queue

import (
	"context"
	"time"
)

// Message is one delivery of an enqueued body. Deliveries starts at 1 and
// grows each time the message is handed out again after a Nack or an
// expired visibility window.
type Message struct {
	ID         string
	Body       []byte
	Deliveries int
}

// Queue is implemented by MemoryQueue and RedisQueue.
type Queue interface {
	// Enqueue schedules body to become visible after delay.
	Enqueue(ctx context.Context, body []byte, delay time.Duration) error
	// Dequeue returns the next ready message, or nil when none is ready.
	Dequeue(ctx context.Context) (*Message, error)
	// Ack removes a delivered message for good.
	Ack(ctx context.Context, msg *Message) error
	// Nack makes a delivered message visible again after delay.
	Nack(ctx context.Context, msg *Message, delay time.Duration) error
}
