// Package account manages registered identities and their lifecycle.
package account

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"
	"unicode"

	"cipherrelay/internal/auth"
	"cipherrelay/internal/domain"
	"cipherrelay/internal/groupkey"
	"cipherrelay/internal/observability/metrics"
	"cipherrelay/internal/offline"
	"cipherrelay/internal/store"

	"github.com/google/uuid"
)

const maxNicknameLen = 64

// Kicker drops the live session of an identity.
type Kicker interface {
	Kick(identity string) bool
}

type Service struct {
	st            *store.Store
	groups        *groupkey.Arbiter
	queue         offline.Queue
	sessions      Kicker
	inactiveAfter time.Duration
	now           func() time.Time
	log           *slog.Logger
}

type Config struct {
	InactiveAfter time.Duration
	Now           func() time.Time
	Logger        *slog.Logger
}

func New(st *store.Store, groups *groupkey.Arbiter, queue offline.Queue, sessions Kicker, cfg Config) *Service {
	s := &Service{
		st:            st,
		groups:        groups,
		queue:         queue,
		sessions:      sessions,
		inactiveAfter: cfg.InactiveAfter,
		now:           cfg.Now,
		log:           cfg.Logger,
	}
	if s.inactiveAfter <= 0 {
		s.inactiveAfter = 48 * time.Hour
	}
	if s.now == nil {
		s.now = time.Now
	}
	if s.log == nil {
		s.log = slog.Default()
	}
	return s
}

func validNickname(nickname string) bool {
	if nickname == "" || len(nickname) > maxNicknameLen {
		return false
	}
	for _, r := range nickname {
		if unicode.IsSpace(r) || unicode.IsControl(r) {
			return false
		}
	}
	return true
}

func (s *Service) Register(ctx context.Context, nickname, publicKey string) (*domain.Identity, error) {
	nickname = strings.TrimSpace(nickname)
	if !validNickname(nickname) {
		return nil, domain.NewError(domain.CodeMalformedPayload, "invalid nickname")
	}
	if _, err := auth.ParsePublicKey(publicKey); err != nil {
		return nil, domain.WrapError(domain.CodeInvalidPublicKey, domain.ErrInvalidPublicKey.Message, err)
	}
	id := &domain.Identity{Nickname: nickname, PublicKey: publicKey, LastActiveAt: s.now()}
	if err := s.st.Identities().Create(ctx, id); err != nil {
		if errors.Is(err, store.ErrDuplicate) {
			return nil, domain.NewError(domain.CodeConflict, "nickname already taken")
		}
		return nil, domain.Infrastructure("create identity", err)
	}
	s.log.Info("identity registered", "identity", nickname)
	return id, nil
}

func (s *Service) NicknameAvailable(ctx context.Context, nickname string) (bool, error) {
	nickname = strings.TrimSpace(nickname)
	if !validNickname(nickname) {
		return false, domain.NewError(domain.CodeMalformedPayload, "invalid nickname")
	}
	exists, err := s.st.Identities().Exists(ctx, nickname)
	if err != nil {
		return false, domain.Infrastructure("lookup identity", err)
	}
	return !exists, nil
}

// Touch records activity so the account survives pruning.
func (s *Service) Touch(ctx context.Context, nickname string) error {
	err := s.st.Identities().Touch(ctx, nickname, s.now())
	if errors.Is(err, store.ErrRecordNotFound) {
		return domain.ErrUserNotFound
	}
	if err != nil {
		return domain.Infrastructure("touch identity", err)
	}
	return nil
}

func (s *Service) Lookup(ctx context.Context, nickname string) (*domain.Identity, error) {
	id, err := s.st.Identities().FindByNickname(ctx, strings.TrimSpace(nickname))
	if errors.Is(err, store.ErrRecordNotFound) {
		return nil, domain.ErrUserNotFound
	}
	if err != nil {
		return nil, domain.Infrastructure("lookup identity", err)
	}
	return id, nil
}

// Delete removes an account with everything it sent, its group
// memberships and its offline queue, and disconnects it.
func (s *Service) Delete(ctx context.Context, nickname string) error {
	if _, err := s.Lookup(ctx, nickname); err != nil {
		return err
	}
	if err := s.groups.LeaveAll(ctx, nickname); err != nil {
		return err
	}
	var removed int64
	err := s.st.WithTx(ctx, func(tx *store.Store) error {
		n, err := tx.Messages().DeleteAllBySender(ctx, nickname)
		if err != nil {
			return err
		}
		removed = n
		return tx.Identities().Delete(ctx, nickname)
	})
	if errors.Is(err, store.ErrRecordNotFound) {
		return domain.ErrUserNotFound
	}
	if err != nil {
		return domain.Infrastructure("delete identity", err)
	}
	if err := s.queue.Delete(ctx, nickname); err != nil {
		s.log.Warn("dropping offline queue", "identity", nickname, "error", err)
	}
	kicked := s.sessions.Kick(nickname)
	s.log.Info("identity deleted", "identity", nickname, "messages_removed", removed, "session_closed", kicked)
	return nil
}

// PruneInactive deletes every account idle for longer than the configured
// inactivity window and returns how many went.
func (s *Service) PruneInactive(ctx context.Context) (int, error) {
	cutoff := s.now().Add(-s.inactiveAfter)
	names, err := s.st.Identities().InactiveSince(ctx, cutoff)
	if err != nil {
		return 0, domain.Infrastructure("list inactive identities", err)
	}
	pruned := 0
	for _, name := range names {
		if err := s.Delete(ctx, name); err != nil && !errors.Is(err, domain.ErrUserNotFound) {
			s.log.Error("prune identity", "identity", name, "error", err)
			continue
		}
		pruned++
	}
	metrics.AccountsPruned(pruned)
	if pruned > 0 {
		s.log.Info("inactive identities pruned", "count", pruned, "cutoff", cutoff)
	}
	return pruned, nil
}

// DeleteMessage removes one message on request of its sender.
func (s *Service) DeleteMessage(ctx context.Context, sender string, id uuid.UUID) error {
	err := s.st.Messages().Delete(ctx, id, sender)
	if errors.Is(err, store.ErrRecordNotFound) {
		return domain.ErrMessageNotFound
	}
	if err != nil {
		return domain.Infrastructure("delete message", err)
	}
	return nil
}

// SweepExpired deletes messages whose deleteAt has passed.
func (s *Service) SweepExpired(ctx context.Context) (int64, error) {
	n, err := s.st.Messages().DeleteExpired(ctx, s.now())
	if err != nil {
		return 0, domain.Infrastructure("sweep expired messages", err)
	}
	if n > 0 {
		s.log.Info("expired messages deleted", "count", n)
	}
	return n, nil
}
