package store

import (
	"context"
	"time"

	"cipherrelay/internal/domain"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

type MessageStore struct{ db *gorm.DB }

func (s *Store) Messages() *MessageStore { return &MessageStore{db: s.DB} }

func (m *MessageStore) Append(ctx context.Context, msg *domain.Message) error {
	if msg.ID == uuid.Nil {
		msg.ID = uuid.New()
	}
	msg.CreatedAt = Timestamp(msg.CreatedAt)
	msg.ReceivedAt = Timestamp(msg.ReceivedAt)
	if msg.DeleteAt != nil {
		at := Timestamp(*msg.DeleteAt)
		msg.DeleteAt = &at
	}
	return m.db.WithContext(ctx).Create(msg).Error
}

type MessageQuery struct {
	Recipient    string
	Type         domain.ChatType
	CreatedAtGte time.Time
}

func (m *MessageStore) Query(ctx context.Context, q MessageQuery) ([]domain.Message, error) {
	var msgs []domain.Message
	tx := m.db.WithContext(ctx).Where("recipient = ?", q.Recipient)
	if q.Type != "" {
		tx = tx.Where("type = ?", q.Type)
	}
	if !q.CreatedAtGte.IsZero() {
		tx = tx.Where("created_at >= ?", Timestamp(q.CreatedAtGte))
	}
	if err := tx.Order("created_at ASC").Find(&msgs).Error; err != nil {
		return nil, err
	}
	return msgs, nil
}

// KeyAckSenders returns the distinct senders of key messages addressed to
// groupID at or after since.
func (m *MessageStore) KeyAckSenders(ctx context.Context, groupID string, since time.Time) ([]string, error) {
	var senders []string
	err := m.db.WithContext(ctx).Model(&domain.Message{}).
		Distinct("sender").
		Where("recipient = ? AND type = ? AND created_at >= ?", groupID, domain.ChatKey, Timestamp(since)).
		Order("sender ASC").
		Pluck("sender", &senders).Error
	return senders, err
}

func (m *MessageStore) DeleteAllBySender(ctx context.Context, sender string) (int64, error) {
	res := m.db.WithContext(ctx).Where("sender = ?", sender).Delete(&domain.Message{})
	return res.RowsAffected, res.Error
}

// Delete removes one message, only when it was sent by sender.
func (m *MessageStore) Delete(ctx context.Context, id uuid.UUID, sender string) error {
	res := m.db.WithContext(ctx).Where("id = ? AND sender = ?", id, sender).Delete(&domain.Message{})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrRecordNotFound
	}
	return nil
}

func (m *MessageStore) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	res := m.db.WithContext(ctx).
		Where("delete_at IS NOT NULL AND delete_at <= ?", Timestamp(now)).
		Delete(&domain.Message{})
	return res.RowsAffected, res.Error
}
