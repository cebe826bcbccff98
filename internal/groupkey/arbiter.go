// Package groupkey owns group membership and decides when a proposed group
// key may be committed.
package groupkey

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"cipherrelay/internal/domain"
	"cipherrelay/internal/observability/metrics"
	"cipherrelay/internal/store"

	"github.com/google/uuid"
)

type Arbiter struct {
	st         *store.Store
	maxMembers int
	now        func() time.Time
	log        *slog.Logger
}

type Option func(*Arbiter)

func WithClock(now func() time.Time) Option { return func(a *Arbiter) { a.now = now } }

func WithLogger(l *slog.Logger) Option { return func(a *Arbiter) { a.log = l } }

func New(st *store.Store, maxMembers int, opts ...Option) *Arbiter {
	a := &Arbiter{st: st, maxMembers: maxMembers, now: time.Now, log: slog.Default()}
	for _, o := range opts {
		o(a)
	}
	if a.maxMembers <= 0 {
		a.maxMembers = 20
	}
	return a
}

func translate(err error, op string) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, store.ErrRecordNotFound):
		return domain.ErrGroupNotFound
	default:
		var de *domain.Error
		if errors.As(err, &de) {
			return de
		}
		return domain.Infrastructure(op, err)
	}
}

// Get returns the group with members in join order.
func (a *Arbiter) Get(ctx context.Context, groupID uuid.UUID) (*domain.Group, error) {
	g, err := a.st.Groups().FindByID(ctx, groupID)
	return g, translate(err, "load group")
}

// Create makes a keyless group whose only member is creator.
func (a *Arbiter) Create(ctx context.Context, name, creator string) (*domain.Group, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, domain.NewError(domain.CodeMalformedPayload, "group name is required")
	}
	now := a.now()
	g := &domain.Group{Name: name, KeyUpdatedAt: now, MaxMembers: a.maxMembers}
	err := a.st.WithTx(ctx, func(tx *store.Store) error {
		if err := tx.Groups().Create(ctx, g); err != nil {
			return err
		}
		return tx.Groups().AddMember(ctx, g.ID, creator, now)
	})
	if err != nil {
		return nil, translate(err, "create group")
	}
	a.log.Info("group created", "group_id", g.ID, "identity", creator)
	return a.Get(ctx, g.ID)
}

// Join adds nickname to the group. Any committed key is discarded so the
// new member set has to acknowledge a fresh one.
func (a *Arbiter) Join(ctx context.Context, groupID uuid.UUID, nickname string) (*domain.Group, error) {
	err := a.st.WithTx(ctx, func(tx *store.Store) error {
		g, err := tx.Groups().FindForUpdate(ctx, groupID)
		if err != nil {
			return err
		}
		if g.HasMember(nickname) {
			return nil
		}
		if len(g.Members) >= g.MaxMembers {
			return domain.ErrGroupFull
		}
		now := a.now()
		if err := tx.Groups().AddMember(ctx, groupID, nickname, now); err != nil {
			return err
		}
		return tx.Groups().ResetKey(ctx, groupID, now)
	})
	if err != nil {
		return nil, translate(err, "join group")
	}
	a.log.Info("group member joined", "group_id", groupID, "identity", nickname)
	return a.Get(ctx, groupID)
}

// Leave removes nickname. The last member leaving deletes the group, which
// is reported by deleted.
func (a *Arbiter) Leave(ctx context.Context, groupID uuid.UUID, nickname string) (deleted bool, err error) {
	err = a.st.WithTx(ctx, func(tx *store.Store) error {
		g, err := tx.Groups().FindForUpdate(ctx, groupID)
		if err != nil {
			return err
		}
		if !g.HasMember(nickname) {
			return domain.ErrNotAMember
		}
		if len(g.Members) == 1 {
			deleted = true
			return tx.Groups().Delete(ctx, groupID)
		}
		if err := tx.Groups().RemoveMember(ctx, groupID, nickname); err != nil {
			return err
		}
		return tx.Groups().ResetKey(ctx, groupID, a.now())
	})
	if err != nil {
		return false, translate(err, "leave group")
	}
	a.log.Info("group member left", "group_id", groupID, "identity", nickname, "group_deleted", deleted)
	return deleted, nil
}

// LeaveAll removes nickname from every group it belongs to.
func (a *Arbiter) LeaveAll(ctx context.Context, nickname string) error {
	ids, err := a.st.Groups().MembershipsOf(ctx, nickname)
	if err != nil {
		return domain.Infrastructure("list memberships", err)
	}
	for _, id := range ids {
		if _, err := a.Leave(ctx, id, nickname); err != nil &&
			!errors.Is(err, domain.ErrGroupNotFound) && !errors.Is(err, domain.ErrNotAMember) {
			return err
		}
	}
	return nil
}

// ProposeKey commits newKey once every current member has sent a key
// acknowledgement to the group since keyUpdatedAt. The commit is
// conditional on keyUpdatedAt so a concurrent join or leave cannot slip an
// unacknowledged member past the check.
func (a *Arbiter) ProposeKey(ctx context.Context, groupID uuid.UUID, requester, newKey string) (*domain.Group, error) {
	result := "error"
	defer func() { metrics.GroupKeyProposal(result) }()

	if strings.TrimSpace(newKey) == "" {
		result = "rejected"
		return nil, domain.NewError(domain.CodeMalformedPayload, "key is required")
	}
	g, err := a.Get(ctx, groupID)
	if err != nil {
		return nil, err
	}
	if !g.HasMember(requester) {
		result = "rejected"
		return nil, domain.ErrNotAMember
	}

	acked, err := a.st.Messages().KeyAckSenders(ctx, groupID.String(), g.KeyUpdatedAt)
	if err != nil {
		return nil, domain.Infrastructure("query key acknowledgements", err)
	}
	if missing := Missing(g.MemberNames(), acked); len(missing) > 0 {
		result = "incomplete"
		a.log.Info("group key proposal incomplete", "group_id", groupID, "identity", requester, "missing", missing)
		return nil, domain.IncompleteAcknowledgement(missing)
	}

	err = a.st.Groups().CommitKey(ctx, groupID, newKey, g.KeyUpdatedAt, a.now())
	if errors.Is(err, store.ErrStale) {
		result = "conflict"
		return nil, domain.ErrKeyConflict
	}
	if err != nil {
		return nil, domain.Infrastructure("commit group key", err)
	}
	result = "committed"
	a.log.Info("group key committed", "group_id", groupID, "identity", requester, "members", len(g.Members))
	return a.Get(ctx, groupID)
}

// Missing returns the members absent from acked, in member order.
func Missing(members, acked []string) []string {
	seen := make(map[string]struct{}, len(acked))
	for _, s := range acked {
		seen[s] = struct{}{}
	}
	var out []string
	for _, m := range members {
		if _, ok := seen[m]; !ok {
			out = append(out, m)
		}
	}
	return out
}
