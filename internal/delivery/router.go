package delivery

import (
	"context"
	"errors"
	"sync/atomic"

	"cipherrelay/internal/domain"
	"cipherrelay/internal/observability/metrics"
	"cipherrelay/internal/offline"
	"cipherrelay/internal/store"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

type OutcomeKind string

const (
	OutcomeDelivered        OutcomeKind = "delivered"
	OutcomeQueuedOffline    OutcomeKind = "queued_offline"
	OutcomeRecipientDeleted OutcomeKind = "recipient_deleted"
	OutcomeGroupFanout      OutcomeKind = "group_fanout"
	OutcomeKeyAcknowledged  OutcomeKind = "key_acknowledged"
)

// Outcome describes what happened to one accepted inbound message.
type Outcome struct {
	Kind      OutcomeKind
	MessageID uuid.UUID
	// Delivered and Queued count group members.
	Delivered int
	Queued    int
}

type Router struct {
	notifier
	ledger     Ledger
	identities IdentityChecker
	groups     GroupFinder
}

func NewRouter(ledger Ledger, identities IdentityChecker, groups GroupFinder, sessions Sessions, queue offline.Queue, opts Options) *Router {
	opts = opts.withDefaults()
	return &Router{
		notifier:   notifier{sessions: sessions, queue: queue, opts: opts},
		ledger:     ledger,
		identities: identities,
		groups:     groups,
	}
}

// Handle routes in and makes sure the sender hears exactly one outcome:
// a respond or status frame on success, an error frame otherwise.
func (r *Router) Handle(ctx context.Context, sender string, in domain.Inbound) (Outcome, error) {
	out, err := r.Route(ctx, sender, in)
	label := in.Type
	if !domain.ChatType(label).Valid() {
		label = "invalid"
	}
	if err != nil {
		metrics.MessageRouted(label, "rejected")
		r.opts.Logger.Warn("message rejected",
			"identity", sender, "recipient", in.Recipient, "chat_type", in.Type, "error", err)
		r.tell(ctx, sender, domain.EventError, domain.ErrorPayloadOf(err))
		return out, err
	}
	metrics.MessageRouted(label, string(out.Kind))
	return out, nil
}

// Route persists in and delivers it. Successful outcomes are acknowledged to
// the sender; errors are returned for the caller to report.
func (r *Router) Route(ctx context.Context, sender string, in domain.Inbound) (Outcome, error) {
	typ, err := domain.ParseChatType(in.Type)
	if err != nil {
		return Outcome{}, err
	}
	if in.Recipient == "" || !in.Content.Valid() {
		return Outcome{}, domain.ErrMalformedPayload
	}
	metrics.CiphertextSize(in.Type, len(in.Content))

	switch typ {
	case domain.ChatGroup:
		group, err := r.findGroup(ctx, in.Recipient)
		if err != nil {
			return Outcome{}, err
		}
		return r.routeGroup(ctx, sender, group, in)
	case domain.ChatKey:
		// a key message addressed to a group acknowledges its pending key
		if id, err := uuid.Parse(in.Recipient); err == nil {
			group, err := r.findGroup(ctx, id.String())
			if err == nil {
				return r.recordKeyAck(ctx, sender, group, in)
			}
			if !errors.Is(err, domain.ErrGroupNotFound) {
				return Outcome{}, err
			}
		}
	}
	return r.routeDirect(ctx, sender, typ, in)
}

func (r *Router) newMessage(sender string, typ domain.ChatType, in domain.Inbound) *domain.Message {
	now := r.opts.Now().UTC()
	created := in.CreatedAt
	if created.IsZero() || created.After(now) {
		created = now
	}
	return &domain.Message{
		ID:         uuid.New(),
		Sender:     sender,
		Recipient:  in.Recipient,
		Content:    in.Content.Clone(),
		Type:       typ,
		CreatedAt:  created,
		ReceivedAt: now,
		DeleteAt:   in.DeleteAt,
	}
}

func (r *Router) persist(ctx context.Context, msg *domain.Message) error {
	pctx, cancel := r.durableCtx(ctx)
	defer cancel()
	if err := r.ledger.Append(pctx, msg); err != nil {
		return domain.Infrastructure("persist message", err)
	}
	return nil
}

func (r *Router) findGroup(ctx context.Context, raw string) (*domain.Group, error) {
	id, err := uuid.Parse(raw)
	if err != nil {
		return nil, domain.ErrGroupNotFound
	}
	gctx, cancel := r.storeCtx(ctx)
	defer cancel()
	group, err := r.groups.FindByID(gctx, id)
	if errors.Is(err, store.ErrRecordNotFound) {
		return nil, domain.ErrGroupNotFound
	}
	if err != nil {
		return nil, domain.Infrastructure("load group", err)
	}
	return group, nil
}

func (r *Router) routeDirect(ctx context.Context, sender string, typ domain.ChatType, in domain.Inbound) (Outcome, error) {
	msg := r.newMessage(sender, typ, in)
	payload := domain.PayloadOf(msg)

	ictx, cancel := r.storeCtx(ctx)
	exists, err := r.identities.Exists(ictx, in.Recipient)
	cancel()
	if err != nil {
		return Outcome{}, domain.Infrastructure("lookup recipient", err)
	}
	if !exists {
		payload.ID = ""
		r.acknowledge(ctx, sender, domain.NewRespond(domain.RespondRecipientDeleted, nil, &payload))
		return Outcome{Kind: OutcomeRecipientDeleted}, nil
	}

	if err := r.persist(ctx, msg); err != nil {
		return Outcome{}, err
	}
	info := &domain.RespondInfo{Recipient: msg.Recipient, ID: msg.ID.String(), CreatedAt: msg.CreatedAt}
	out := Outcome{MessageID: msg.ID}

	ev, err := domain.NewEvent(domain.EventMessage, payload)
	if err != nil {
		return Outcome{}, domain.WrapError(domain.CodeMalformedPayload, "encode message", err)
	}
	if r.sendLive(ctx, msg.Recipient, ev) {
		out.Kind = OutcomeDelivered
		r.acknowledge(ctx, sender, domain.NewRespond(domain.RespondDelivered, info, &payload))
		return out, nil
	}

	queued := domain.OfflineEvent{EventName: domain.EventMessage, Data: ev.Data, Sender: sender}
	if err := r.enqueue(ctx, msg.Recipient, queued); err != nil {
		return out, domain.Infrastructure("queue offline message", err)
	}
	if r.dropIfDeleted(ctx, msg.Recipient) {
		payload.ID = ""
		r.acknowledge(ctx, sender, domain.NewRespond(domain.RespondRecipientDeleted, nil, &payload))
		return Outcome{Kind: OutcomeRecipientDeleted, MessageID: msg.ID}, nil
	}
	out.Kind = OutcomeQueuedOffline
	r.acknowledge(ctx, sender, domain.NewRespond(domain.RespondMissedOffline, info, nil))
	return out, nil
}

// dropIfDeleted clears the queue of a recipient whose account was deleted
// after the existence check, so a later owner of the nickname cannot
// inherit it. Account deletion removes the identity before the queue.
func (r *Router) dropIfDeleted(ctx context.Context, recipient string) bool {
	ictx, cancel := r.storeCtx(ctx)
	exists, err := r.identities.Exists(ictx, recipient)
	cancel()
	if err != nil || exists {
		return false
	}
	qctx, cancel := r.durableCtx(ctx)
	defer cancel()
	if err := r.queue.Delete(qctx, recipient); err != nil {
		r.opts.Logger.Error("clear queue of deleted recipient", "recipient", recipient, "error", err)
	}
	return true
}

func (r *Router) routeGroup(ctx context.Context, sender string, group *domain.Group, in domain.Inbound) (Outcome, error) {
	if !group.HasMember(sender) {
		return Outcome{}, domain.ErrNotAMember
	}
	if !group.HasKey() {
		return Outcome{}, domain.ErrGroupKeyNull
	}
	msg := r.newMessage(sender, domain.ChatGroup, in)
	if err := r.persist(ctx, msg); err != nil {
		return Outcome{}, err
	}
	ev, err := domain.NewEvent(domain.EventMessage, domain.PayloadOf(msg))
	if err != nil {
		return Outcome{}, domain.WrapError(domain.CodeMalformedPayload, "encode message", err)
	}

	var delivered, queued atomic.Int32
	var g errgroup.Group
	g.SetLimit(r.opts.FanoutLimit)
	for _, member := range group.MemberNames() {
		if member == sender {
			continue
		}
		member := member
		g.Go(func() error {
			if r.sendLive(ctx, member, ev) {
				delivered.Add(1)
				return nil
			}
			if !r.opts.QueueGroupOffline {
				return nil
			}
			if err := r.enqueue(ctx, member, domain.OfflineEvent{EventName: domain.EventMessage, Data: ev.Data}); err != nil {
				r.opts.Logger.Error("queue group message", "group_id", group.ID, "recipient", member, "error", err)
				return nil
			}
			queued.Add(1)
			return nil
		})
	}
	_ = g.Wait()

	out := Outcome{Kind: OutcomeGroupFanout, MessageID: msg.ID, Delivered: int(delivered.Load()), Queued: int(queued.Load())}
	r.tell(ctx, sender, domain.EventStatus, domain.StatusPayload{
		Type:      domain.ChatGroup,
		Message:   "group message sent",
		ID:        msg.ID.String(),
		Delivered: out.Delivered,
		Queued:    out.Queued,
	})
	return out, nil
}

func (r *Router) recordKeyAck(ctx context.Context, sender string, group *domain.Group, in domain.Inbound) (Outcome, error) {
	if !group.HasMember(sender) {
		return Outcome{}, domain.ErrNotAMember
	}
	msg := r.newMessage(sender, domain.ChatKey, in)
	// acknowledgements are judged against keyUpdatedAt, a server timestamp
	msg.CreatedAt = msg.ReceivedAt
	if err := r.persist(ctx, msg); err != nil {
		return Outcome{}, err
	}
	r.tell(ctx, sender, domain.EventStatus, domain.StatusPayload{
		Type:    domain.ChatKey,
		Message: "key acknowledgement recorded",
		ID:      msg.ID.String(),
	})
	return Outcome{Kind: OutcomeKeyAcknowledged, MessageID: msg.ID}, nil
}
