package store

import (
	"context"
	"time"

	"cipherrelay/internal/domain"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

type IdentityStore struct{ db *gorm.DB }

func (s *Store) Identities() *IdentityStore { return &IdentityStore{db: s.DB} }

func (i *IdentityStore) Create(ctx context.Context, id *domain.Identity) error {
	if id.ID == uuid.Nil {
		id.ID = uuid.New()
	}
	id.LastActiveAt = Timestamp(id.LastActiveAt)
	return translate(i.db.WithContext(ctx).Create(id).Error)
}

func (i *IdentityStore) FindByNickname(ctx context.Context, nickname string) (*domain.Identity, error) {
	var id domain.Identity
	if err := i.db.WithContext(ctx).First(&id, "nickname = ?", nickname).Error; err != nil {
		return nil, translate(err)
	}
	return &id, nil
}

func (i *IdentityStore) Exists(ctx context.Context, nickname string) (bool, error) {
	var n int64
	if err := i.db.WithContext(ctx).Model(&domain.Identity{}).Where("nickname = ?", nickname).Count(&n).Error; err != nil {
		return false, err
	}
	return n > 0, nil
}

func (i *IdentityStore) Touch(ctx context.Context, nickname string, at time.Time) error {
	res := i.db.WithContext(ctx).Model(&domain.Identity{}).
		Where("nickname = ?", nickname).
		Update("last_active_at", Timestamp(at))
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrRecordNotFound
	}
	return nil
}

func (i *IdentityStore) Delete(ctx context.Context, nickname string) error {
	res := i.db.WithContext(ctx).Where("nickname = ?", nickname).Delete(&domain.Identity{})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrRecordNotFound
	}
	return nil
}

// InactiveSince lists nicknames whose last activity is before cutoff.
func (i *IdentityStore) InactiveSince(ctx context.Context, cutoff time.Time) ([]string, error) {
	var names []string
	err := i.db.WithContext(ctx).Model(&domain.Identity{}).
		Where("last_active_at < ?", Timestamp(cutoff)).
		Order("nickname ASC").
		Pluck("nickname", &names).Error
	return names, err
}
