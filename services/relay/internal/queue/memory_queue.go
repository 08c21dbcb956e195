package queue

import (
	"context"
	"sync"

	"github.com/google/uuid"
)

// MemoryQueue is an in-process Queue for tests.
type MemoryQueue struct {
	mu   sync.Mutex
	subs []QueuedSubmission
}

func NewMemoryQueue() *MemoryQueue {
	return &MemoryQueue{}
}

func (q *MemoryQueue) Enqueue(_ context.Context, sub QueuedSubmission) (QueuedSubmission, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if sub.ID == "" {
		sub.ID = uuid.NewString()
	}
	body := make([]byte, len(sub.Body))
	copy(body, sub.Body)
	sub.Body = body
	q.subs = append(q.subs, sub)
	return sub, nil
}

func (q *MemoryQueue) DrainAll(context.Context) ([]QueuedSubmission, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]QueuedSubmission, len(q.subs))
	copy(out, q.subs)
	return out, nil
}

func (q *MemoryQueue) Remove(_ context.Context, id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i, sub := range q.subs {
		if sub.ID == id {
			q.subs = append(q.subs[:i], q.subs[i+1:]...)
			return nil
		}
	}
	return nil
}

func (q *MemoryQueue) Len(context.Context) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.subs), nil
}
