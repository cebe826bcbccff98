package store

import (
	"context"
	"time"

	"cipherrelay/internal/domain"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type GroupStore struct{ db *gorm.DB }

func (s *Store) Groups() *GroupStore { return &GroupStore{db: s.DB} }

func (g *GroupStore) Create(ctx context.Context, group *domain.Group) error {
	if group.ID == uuid.Nil {
		group.ID = uuid.New()
	}
	group.KeyUpdatedAt = Timestamp(group.KeyUpdatedAt)
	return translate(g.db.WithContext(ctx).Omit("Members").Create(group).Error)
}

func membersInJoinOrder(db *gorm.DB) *gorm.DB {
	return db.Order("joined_at ASC, nickname ASC")
}

func (g *GroupStore) FindByID(ctx context.Context, id uuid.UUID) (*domain.Group, error) {
	var group domain.Group
	err := g.db.WithContext(ctx).
		Preload("Members", membersInJoinOrder).
		First(&group, "id = ?", id).Error
	if err != nil {
		return nil, translate(err)
	}
	return &group, nil
}

// FindForUpdate loads a group and locks its row for the rest of the transaction.
func (g *GroupStore) FindForUpdate(ctx context.Context, id uuid.UUID) (*domain.Group, error) {
	var group domain.Group
	err := g.db.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		First(&group, "id = ?", id).Error
	if err != nil {
		return nil, translate(err)
	}
	if err := g.db.WithContext(ctx).Scopes(membersInJoinOrder).
		Where("group_id = ?", id).Find(&group.Members).Error; err != nil {
		return nil, err
	}
	return &group, nil
}

func (g *GroupStore) AddMember(ctx context.Context, id uuid.UUID, nickname string, at time.Time) error {
	m := domain.GroupMember{GroupID: id, Nickname: nickname, JoinedAt: Timestamp(at)}
	return translate(g.db.WithContext(ctx).Create(&m).Error)
}

func (g *GroupStore) RemoveMember(ctx context.Context, id uuid.UUID, nickname string) error {
	res := g.db.WithContext(ctx).
		Where("group_id = ? AND nickname = ?", id, nickname).
		Delete(&domain.GroupMember{})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrRecordNotFound
	}
	return nil
}

// ResetKey clears the group key and moves keyUpdatedAt forward, invalidating
// every acknowledgement recorded before at.
func (g *GroupStore) ResetKey(ctx context.Context, id uuid.UUID, at time.Time) error {
	return g.db.WithContext(ctx).Model(&domain.Group{}).
		Where("id = ?", id).
		Updates(map[string]any{"key": nil, "key_updated_at": Timestamp(at)}).Error
}

// CommitKey stores key only if keyUpdatedAt still equals expected.
func (g *GroupStore) CommitKey(ctx context.Context, id uuid.UUID, key string, expected, at time.Time) error {
	res := g.db.WithContext(ctx).Model(&domain.Group{}).
		Where("id = ? AND key_updated_at = ?", id, Timestamp(expected)).
		Updates(map[string]any{"key": key, "key_updated_at": Timestamp(at)})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrStale
	}
	return nil
}

func (g *GroupStore) Delete(ctx context.Context, id uuid.UUID) error {
	db := g.db.WithContext(ctx)
	if err := db.Where("group_id = ?", id).Delete(&domain.GroupMember{}).Error; err != nil {
		return err
	}
	return db.Where("id = ?", id).Delete(&domain.Group{}).Error
}

// MembershipsOf returns the ids of every group nickname belongs to.
func (g *GroupStore) MembershipsOf(ctx context.Context, nickname string) ([]uuid.UUID, error) {
	var ids []uuid.UUID
	err := g.db.WithContext(ctx).Model(&domain.GroupMember{}).
		Where("nickname = ?", nickname).
		Order("joined_at ASC").
		Pluck("group_id", &ids).Error
	return ids, err
}
