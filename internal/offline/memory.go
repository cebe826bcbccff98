package offline

import (
	"context"
	"sync"

	"cipherrelay/internal/domain"
)

// MemoryQueue keeps queues in process. It is used when no redis is
// configured and in tests.
type MemoryQueue struct {
	mu     sync.Mutex
	queues map[string][]domain.OfflineEvent
}

func NewMemoryQueue() *MemoryQueue {
	return &MemoryQueue{queues: make(map[string][]domain.OfflineEvent)}
}

func (q *MemoryQueue) Append(_ context.Context, key string, ev domain.OfflineEvent) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.queues[key] = append(q.queues[key], ev)
	return nil
}

func (q *MemoryQueue) Drain(_ context.Context, key string) ([]domain.OfflineEvent, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	evs := q.queues[key]
	delete(q.queues, key)
	return evs, nil
}

func (q *MemoryQueue) Requeue(_ context.Context, key string, evs []domain.OfflineEvent) error {
	if len(evs) == 0 {
		return nil
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	merged := make([]domain.OfflineEvent, 0, len(evs)+len(q.queues[key]))
	merged = append(merged, evs...)
	q.queues[key] = append(merged, q.queues[key]...)
	return nil
}

func (q *MemoryQueue) Exists(_ context.Context, key string) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.queues[key]) > 0, nil
}

func (q *MemoryQueue) Delete(_ context.Context, key string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.queues, key)
	return nil
}

// Len reports the queue length for key.
func (q *MemoryQueue) Len(key string) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.queues[key])
}
