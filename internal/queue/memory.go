package queue

import (
	"context"
	"sync"
	"time"

	"github.com/soaringjerry/Sylva/internal/services"
)

type memEntry struct {
	id        int64
	msg       Message
	attempts  int
	visibleAt time.Time
}

// MemoryQueue is a process-local WorkQueue with the same lease semantics as
// SQLiteQueue. Messages do not survive a restart.
type MemoryQueue struct {
	mu      sync.Mutex
	entries []*memEntry
	nextID  int64
	lease   time.Duration
	now     func() time.Time
}

func NewMemoryQueue(lease time.Duration) *MemoryQueue {
	if lease <= 0 {
		lease = DefaultLease
	}
	return &MemoryQueue{lease: lease, now: time.Now}
}

func (q *MemoryQueue) Enqueue(ctx context.Context, taskID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.nextID++
	now := q.now()
	q.entries = append(q.entries, &memEntry{id: q.nextID, msg: Message{TaskID: taskID, EnqueuedAt: now}, visibleAt: now})
	return nil
}

func (q *MemoryQueue) Claim(ctx context.Context) (*services.Delivery, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	now := q.now()
	var best *memEntry
	for _, e := range q.entries {
		if e.visibleAt.After(now) {
			continue
		}
		if best == nil || e.visibleAt.Before(best.visibleAt) {
			best = e
		}
	}
	if best == nil {
		return nil, nil
	}
	best.attempts++
	best.visibleAt = now.Add(q.lease)
	return &services.Delivery{ID: best.id, TaskID: best.msg.TaskID, Attempt: best.attempts, EnqueuedAt: best.msg.EnqueuedAt}, nil
}

func (q *MemoryQueue) Ack(ctx context.Context, d *services.Delivery) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.drop(func(e *memEntry) bool { return e.id == d.ID })
	return nil
}

func (q *MemoryQueue) Nack(ctx context.Context, d *services.Delivery) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, e := range q.entries {
		if e.id == d.ID {
			e.visibleAt = q.now()
		}
	}
	return nil
}

func (q *MemoryQueue) Remove(ctx context.Context, taskID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.drop(func(e *memEntry) bool { return e.msg.TaskID == taskID })
	return nil
}

func (q *MemoryQueue) Len(ctx context.Context) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries), nil
}

func (q *MemoryQueue) drop(match func(*memEntry) bool) {
	kept := q.entries[:0]
	for _, e := range q.entries {
		if !match(e) {
			kept = append(kept, e)
		}
	}
	q.entries = kept
}
