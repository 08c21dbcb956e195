// Package queue is the relay's durable submission queue: check-ins captured
// while the upstream was unreachable, held locally until replay delivers
// them.
package queue

import (
	"context"
	"time"
)

// QueuedSubmission is one captured POST, stored byte-for-byte so replay
// sends exactly what the client sent.
type QueuedSubmission struct {
	ID         string    `json:"id"`
	Target     string    `json:"target"`
	Body       []byte    `json:"body"`
	EnqueuedAt time.Time `json:"enqueuedAt"`
}

// Queue stores submissions durably in insertion order.
type Queue interface {
	// Enqueue persists the submission before returning, assigning an id
	// when the record carries none.
	Enqueue(ctx context.Context, sub QueuedSubmission) (QueuedSubmission, error)
	// DrainAll returns every queued record in insertion order without
	// removing anything.
	DrainAll(ctx context.Context) ([]QueuedSubmission, error)
	// Remove deletes one record by id. Removing an absent id is a no-op.
	Remove(ctx context.Context, id string) error
	// Len reports how many records are queued.
	Len(ctx context.Context) (int, error)
}
