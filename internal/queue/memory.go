package queue

import (
	"context"
	"sort"
	"strconv"
	"sync"
	"time"
)

type memEntry struct {
	id         string
	body       []byte
	readyAt    time.Time
	deliveries int
	seq        uint64
}

// MemoryQueue is an in-process Queue. Messages are lost when the process
// exits, so it only serves single-process runs and tests.
type MemoryQueue struct {
	mu       sync.Mutex
	ready    []*memEntry
	inflight map[string]*memEntry
	seq      uint64
	now      func() time.Time
}

func NewMemoryQueue() *MemoryQueue {
	return &MemoryQueue{
		inflight: make(map[string]*memEntry),
		now:      time.Now,
	}
}

func (q *MemoryQueue) Enqueue(_ context.Context, body []byte, delay time.Duration) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.seq++
	cp := make([]byte, len(body))
	copy(cp, body)
	q.push(&memEntry{
		id:      strconv.FormatUint(q.seq, 10),
		body:    cp,
		readyAt: q.now().Add(delay),
		seq:     q.seq,
	})
	return nil
}

func (q *MemoryQueue) push(e *memEntry) {
	q.ready = append(q.ready, e)
	sort.SliceStable(q.ready, func(i, j int) bool {
		if !q.ready[i].readyAt.Equal(q.ready[j].readyAt) {
			return q.ready[i].readyAt.Before(q.ready[j].readyAt)
		}
		return q.ready[i].seq < q.ready[j].seq
	})
}

func (q *MemoryQueue) Dequeue(_ context.Context) (*Message, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.ready) == 0 || q.ready[0].readyAt.After(q.now()) {
		return nil, nil
	}
	e := q.ready[0]
	q.ready = q.ready[1:]
	e.deliveries++
	q.inflight[e.id] = e

	return &Message{ID: e.id, Body: e.body, Deliveries: e.deliveries}, nil
}

func (q *MemoryQueue) Ack(_ context.Context, msg *Message) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.inflight, msg.ID)
	return nil
}

func (q *MemoryQueue) Nack(_ context.Context, msg *Message, delay time.Duration) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	e, ok := q.inflight[msg.ID]
	if !ok {
		return nil
	}
	delete(q.inflight, msg.ID)
	e.readyAt = q.now().Add(delay)
	q.push(e)
	return nil
}

// Len reports the number of messages waiting or in flight.
func (q *MemoryQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.ready) + len(q.inflight)
}
