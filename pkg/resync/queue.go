package resync

import (
	"context"
	"sync"
)

// Queue holds pending mutations in FIFO order plus a dead-letter list for
// mutations that exhausted their attempts or were rejected.
//
// Implementations must be safe for concurrent use.
type Queue interface {
	// Enqueue appends m to the pending list.
	Enqueue(ctx context.Context, m *PendingMutation) error

	// Pending returns the pending mutations, oldest first.
	Pending(ctx context.Context) ([]*PendingMutation, error)

	// Ack removes a delivered mutation.
	Ack(ctx context.Context, id string) error

	// Nack records a failed attempt and keeps the mutation in place.
	Nack(ctx context.Context, id string, reason string) (*PendingMutation, error)

	// Bury moves a mutation to the dead-letter list.
	Bury(ctx context.Context, id string, reason string) error

	// Dead returns the dead-letter list, oldest first.
	Dead(ctx context.Context) ([]*PendingMutation, error)

	// Requeue moves a dead mutation back to the end of the pending list
	// with its attempt count reset.
	Requeue(ctx context.Context, id string) error

	// Len returns the number of pending mutations.
	Len(ctx context.Context) (int, error)
}

// MemoryQueue is an in-process Queue.
type MemoryQueue struct {
	mu      sync.Mutex
	pending []*PendingMutation
	dead    []*PendingMutation
}

// NewMemoryQueue creates an empty in-process queue.
func NewMemoryQueue() *MemoryQueue {
	return &MemoryQueue{}
}

func (q *MemoryQueue) Enqueue(ctx context.Context, m *PendingMutation) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.pending = append(q.pending, m.clone())
	return nil
}

func (q *MemoryQueue) Pending(ctx context.Context) ([]*PendingMutation, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return cloneAll(q.pending), nil
}

func (q *MemoryQueue) Ack(ctx context.Context, id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	i := indexOf(q.pending, id)
	if i < 0 {
		return ErrNotFound
	}
	q.pending = append(q.pending[:i], q.pending[i+1:]...)
	return nil
}

func (q *MemoryQueue) Nack(ctx context.Context, id string, reason string) (*PendingMutation, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	i := indexOf(q.pending, id)
	if i < 0 {
		return nil, ErrNotFound
	}
	q.pending[i].Attempts++
	q.pending[i].LastError = reason
	return q.pending[i].clone(), nil
}

func (q *MemoryQueue) Bury(ctx context.Context, id string, reason string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	i := indexOf(q.pending, id)
	if i < 0 {
		return ErrNotFound
	}
	m := q.pending[i]
	m.LastError = reason
	q.pending = append(q.pending[:i], q.pending[i+1:]...)
	q.dead = append(q.dead, m)
	return nil
}

func (q *MemoryQueue) Dead(ctx context.Context) ([]*PendingMutation, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return cloneAll(q.dead), nil
}

func (q *MemoryQueue) Requeue(ctx context.Context, id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	i := indexOf(q.dead, id)
	if i < 0 {
		return ErrNotFound
	}
	m := q.dead[i]
	m.Attempts = 0
	q.dead = append(q.dead[:i], q.dead[i+1:]...)
	q.pending = append(q.pending, m)
	return nil
}

func (q *MemoryQueue) Len(ctx context.Context) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending), nil
}

func indexOf(list []*PendingMutation, id string) int {
	for i, m := range list {
		if m.ID == id {
			return i
		}
	}
	return -1
}

func cloneAll(list []*PendingMutation) []*PendingMutation {
	out := make([]*PendingMutation, len(list))
	for i, m := range list {
		out[i] = m.clone()
	}
	return out
}
