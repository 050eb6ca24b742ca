package lock

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

type memLock struct {
	jobID   uuid.UUID
	expires time.Time
}

// MemoryMutex is an in-process stand-in for RedisMutex.
type MemoryMutex struct {
	mu    sync.Mutex
	ttl   time.Duration
	locks map[string]memLock
	now   func() time.Time
}

func NewMemoryMutex(ttl time.Duration) *MemoryMutex {
	return &MemoryMutex{
		ttl:   ttl,
		locks: make(map[string]memLock),
		now:   time.Now,
	}
}

// lookup returns the live entry for key, evicting it when expired.
// Callers must hold m.mu.
func (m *MemoryMutex) lookup(key string) (memLock, bool) {
	l, ok := m.locks[key]
	if !ok {
		return memLock{}, false
	}
	if !l.expires.After(m.now()) {
		delete(m.locks, key)
		return memLock{}, false
	}
	return l, true
}

func (m *MemoryMutex) TryAcquire(_ context.Context, feedID, jobID uuid.UUID) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := Key(feedID)
	if _, held := m.lookup(key); held {
		return false, nil
	}
	m.locks[key] = memLock{jobID: jobID, expires: m.now().Add(m.ttl)}
	return true, nil
}

func (m *MemoryMutex) Release(_ context.Context, feedID, jobID uuid.UUID) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := Key(feedID)
	l, held := m.lookup(key)
	if !held || l.jobID != jobID {
		return false, nil
	}
	delete(m.locks, key)
	return true, nil
}

func (m *MemoryMutex) Holder(_ context.Context, feedID uuid.UUID) (uuid.UUID, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	l, held := m.lookup(Key(feedID))
	if !held {
		return uuid.Nil, false, nil
	}
	return l.jobID, true, nil
}
