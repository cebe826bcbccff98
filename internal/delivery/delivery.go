// Package delivery routes inbound messages to live sessions or offline
// queues and replays those queues when an identity reconnects.
package delivery

import (
	"context"
	"log/slog"
	"time"

	"cipherrelay/internal/domain"
	"cipherrelay/internal/offline"
	"cipherrelay/internal/session"

	"github.com/google/uuid"
)

// Ledger is the append side of the message store.
type Ledger interface {
	Append(ctx context.Context, msg *domain.Message) error
}

type IdentityChecker interface {
	Exists(ctx context.Context, nickname string) (bool, error)
}

type GroupFinder interface {
	FindByID(ctx context.Context, id uuid.UUID) (*domain.Group, error)
}

type Sessions interface {
	Lookup(identity string) (*session.Session, bool)
}

type Options struct {
	// StoreTimeout bounds every ledger, directory and queue call.
	StoreTimeout time.Duration
	// SendTimeout bounds a single transport write.
	SendTimeout time.Duration
	// QueueGroupOffline queues group messages for offline members instead
	// of skipping them.
	QueueGroupOffline bool
	// FanoutLimit caps concurrent sends of one group message.
	FanoutLimit int
	Now         func() time.Time
	Logger      *slog.Logger
}

func (o Options) withDefaults() Options {
	if o.StoreTimeout <= 0 {
		o.StoreTimeout = 3 * time.Second
	}
	if o.SendTimeout <= 0 {
		o.SendTimeout = 5 * time.Second
	}
	if o.FanoutLimit <= 0 {
		o.FanoutLimit = 8
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	return o
}

// notifier pushes a frame to an identity if it is online and optionally
// falls back to its offline queue.
type notifier struct {
	sessions Sessions
	queue    offline.Queue
	opts     Options
}

func (n *notifier) storeCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, n.opts.StoreTimeout)
}

// durableCtx survives cancellation of ctx so accepted writes complete.
func (n *notifier) durableCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), n.opts.StoreTimeout)
}

// sendLive tries the live session of identity. It reports false when the
// identity is offline or the write failed.
func (n *notifier) sendLive(ctx context.Context, identity string, ev domain.Event) bool {
	s, ok := n.sessions.Lookup(identity)
	if !ok {
		return false
	}
	sctx, cancel := context.WithTimeout(ctx, n.opts.SendTimeout)
	defer cancel()
	if err := s.Send(sctx, ev); err != nil {
		n.opts.Logger.Debug("live send failed", "identity", identity, "event", ev.Name, "error", err)
		return false
	}
	return true
}

func (n *notifier) enqueue(ctx context.Context, identity string, ev domain.OfflineEvent) error {
	qctx, cancel := n.durableCtx(ctx)
	defer cancel()
	return n.queue.Append(qctx, identity, ev)
}

// acknowledge delivers a respond frame, queueing it when the identity is
// not connected.
func (n *notifier) acknowledge(ctx context.Context, identity string, payload domain.RespondPayload) {
	ev, err := domain.NewEvent(domain.EventRespond, payload)
	if err != nil {
		n.opts.Logger.Error("encode respond", "identity", identity, "error", err)
		return
	}
	if n.sendLive(ctx, identity, ev) {
		return
	}
	if err := n.enqueue(ctx, identity, domain.OfflineEvent{EventName: domain.EventRespond, Data: ev.Data}); err != nil {
		n.opts.Logger.Error("queue acknowledgement", "identity", identity, "error", err)
	}
}

// tell pushes a live-only frame such as status or error.
func (n *notifier) tell(ctx context.Context, identity string, name domain.EventName, payload any) {
	ev, err := domain.NewEvent(name, payload)
	if err != nil {
		n.opts.Logger.Error("encode event", "identity", identity, "event", name, "error", err)
		return
	}
	if !n.sendLive(ctx, identity, ev) {
		n.opts.Logger.Info("dropping live-only event for offline identity", "identity", identity, "event", name)
	}
}
