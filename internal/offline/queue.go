// Package offline holds per-recipient queues of events that could not be
// delivered to a live session.
package offline

import (
	"context"
	"errors"

	"cipherrelay/internal/domain"
)

var ErrUnavailable = errors.New("offline queue unavailable")

// Queue is an ordered, per-key list of offline events.
type Queue interface {
	// Append adds ev at the tail of key's queue.
	Append(ctx context.Context, key string, ev domain.OfflineEvent) error
	// Drain removes and returns the whole queue in one atomic step.
	Drain(ctx context.Context, key string) ([]domain.OfflineEvent, error)
	// Requeue puts evs back in front of anything appended since the drain.
	Requeue(ctx context.Context, key string, evs []domain.OfflineEvent) error
	Exists(ctx context.Context, key string) (bool, error)
	// Delete drops the queue, used when an account is removed.
	Delete(ctx context.Context, key string) error
}
