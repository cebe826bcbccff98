package delivery

import (
	"context"
	"encoding/json"
	"sync"

	"cipherrelay/internal/domain"
	"cipherrelay/internal/observability/metrics"
	"cipherrelay/internal/offline"
	"cipherrelay/internal/session"
)

// maxDrainRounds bounds how often a drain re-checks for events appended
// while it was replaying.
const maxDrainRounds = 3

type Drainer struct {
	notifier
	locks identityLocks
}

func NewDrainer(sessions Sessions, queue offline.Queue, opts Options) *Drainer {
	return &Drainer{
		notifier: notifier{sessions: sessions, queue: queue, opts: opts.withDefaults()},
		locks:    identityLocks{held: make(map[string]*identityLock)},
	}
}

// identityLocks serialises drains of the same identity. A replaced session
// may still be requeueing its unsent tail when its successor starts; the
// successor has to see that tail.
type identityLocks struct {
	mu   sync.Mutex
	held map[string]*identityLock
}

type identityLock struct {
	sync.Mutex
	refs int
}

func (l *identityLocks) lock(identity string) (unlock func()) {
	l.mu.Lock()
	il, ok := l.held[identity]
	if !ok {
		il = &identityLock{}
		l.held[identity] = il
	}
	il.refs++
	l.mu.Unlock()

	il.Lock()
	return func() {
		il.Unlock()
		l.mu.Lock()
		il.refs--
		if il.refs == 0 {
			delete(l.held, identity)
		}
		l.mu.Unlock()
	}
}

// DrainStats summarises one reconnection replay.
type DrainStats struct {
	Replayed int
	Acked    int
	Requeued int
}

// Drain replays the offline queue of s's identity in append order, then
// releases the live events held during the replay. It must run once, right
// after the session is registered. Drains of one identity never overlap.
func (d *Drainer) Drain(ctx context.Context, s *session.Session) DrainStats {
	identity := s.Identity()
	unlock := d.locks.lock(identity)
	defer unlock()

	log := d.opts.Logger.With("identity", identity, "generation", s.Generation())
	var stats DrainStats
	var unsent []domain.OfflineEvent

	for round := 0; round < maxDrainRounds; round++ {
		qctx, cancel := d.storeCtx(ctx)
		evs, err := d.queue.Drain(qctx, identity)
		cancel()
		if err != nil {
			log.Error("drain offline queue", "error", err)
			break
		}
		if unsent = d.replay(ctx, s, evs, &stats); unsent != nil {
			break
		}

		qctx, cancel = d.storeCtx(ctx)
		more, err := d.queue.Exists(qctx, identity)
		cancel()
		if err != nil || !more {
			break
		}
	}

	// held live events are newer than anything left from the replay; their
	// senders were acknowledged when they were held
	for _, ev := range s.Release(ctx) {
		unsent = append(unsent, domain.OfflineEvent{EventName: ev.Name, Data: ev.Data})
	}
	if len(unsent) > 0 {
		d.requeue(ctx, identity, unsent, &stats)
	}

	if stats.Replayed > 0 || stats.Requeued > 0 {
		log.Info("offline queue replayed", "replayed", stats.Replayed, "acked", stats.Acked, "requeued", stats.Requeued)
	}
	return stats
}

// replay delivers evs in order. When the session breaks it returns the
// undelivered tail.
func (d *Drainer) replay(ctx context.Context, s *session.Session, evs []domain.OfflineEvent, stats *DrainStats) []domain.OfflineEvent {
	for i, ev := range evs {
		switch ev.EventName {
		case domain.EventMessage, domain.EventRespond:
		default:
			d.opts.Logger.Warn("skipping unknown offline event", "identity", s.Identity(), "event", ev.EventName)
			continue
		}

		sctx, cancel := context.WithTimeout(ctx, d.opts.SendTimeout)
		err := s.Deliver(sctx, ev.Event())
		cancel()
		if err != nil {
			d.opts.Logger.Info("replay interrupted", "identity", s.Identity(), "error", err)
			return append([]domain.OfflineEvent(nil), evs[i:]...)
		}
		stats.Replayed++

		if ev.EventName == domain.EventMessage && ev.Sender != "" {
			d.acknowledgeReplay(ctx, s.Identity(), ev)
			stats.Acked++
		}
	}
	return nil
}

// acknowledgeReplay tells the original sender that a queued message reached
// its recipient, chaining through the sender's own queue if needed.
func (d *Drainer) acknowledgeReplay(ctx context.Context, recipient string, ev domain.OfflineEvent) {
	var payload domain.MessagePayload
	if err := json.Unmarshal(ev.Data, &payload); err != nil {
		d.opts.Logger.Warn("offline message payload unreadable", "identity", recipient, "error", err)
	}
	info := &domain.RespondInfo{Recipient: recipient, ID: payload.ID, CreatedAt: payload.CreatedAt}
	d.acknowledge(ctx, ev.Sender, domain.NewRespond(domain.RespondDelivered, info, nil))
}

func (d *Drainer) requeue(ctx context.Context, identity string, evs []domain.OfflineEvent, stats *DrainStats) {
	qctx, cancel := d.durableCtx(ctx)
	defer cancel()
	if err := d.queue.Requeue(qctx, identity, evs); err != nil {
		d.opts.Logger.Error("requeue offline events", "identity", identity, "count", len(evs), "error", err)
		metrics.OfflineEvents("lost", len(evs))
		return
	}
	stats.Requeued += len(evs)
}
