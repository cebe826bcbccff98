package domain

import (
	"time"

	"cipherrelay/internal/msgjson"

	"github.com/google/uuid"
)

// Identity is a registered account. The nickname is the handshake challenge
// and the public key verifies signatures over it.
type Identity struct {
	ID           uuid.UUID `gorm:"type:uuid;primaryKey"`
	Nickname     string    `gorm:"type:text;not null;uniqueIndex"`
	PublicKey    string    `gorm:"type:text;not null"`
	LastActiveAt time.Time `gorm:"not null;index"`
	CreatedAt    time.Time `gorm:"not null;autoCreateTime"`
}

// ChatType selects how the router handles a message.
type ChatType string

const (
	ChatPrivate ChatType = "private"
	ChatGroup   ChatType = "group"
	// ChatKey messages carry key material or acknowledge a group key.
	ChatKey ChatType = "key"
)

func (t ChatType) Valid() bool {
	switch t {
	case ChatPrivate, ChatGroup, ChatKey:
		return true
	}
	return false
}

// ParseChatType returns ErrInvalidChatType for anything but private, group or key.
func ParseChatType(s string) (ChatType, error) {
	t := ChatType(s)
	if !t.Valid() {
		return "", ErrInvalidChatType
	}
	return t, nil
}

// Message is a ledger entry. It is written once per accepted inbound message,
// whatever happens to its delivery.
type Message struct {
	ID         uuid.UUID    `gorm:"type:uuid;primaryKey"`
	Sender     string       `gorm:"type:text;not null;index"`
	Recipient  string       `gorm:"type:text;not null;index:idx_messages_recipient_created,priority:1"`
	Content    msgjson.JSON `gorm:"type:jsonb;not null"`
	Type       ChatType     `gorm:"type:text;not null;index:idx_messages_recipient_created,priority:2"`
	CreatedAt  time.Time    `gorm:"not null;index:idx_messages_recipient_created,priority:3"`
	ReceivedAt time.Time    `gorm:"not null"`
	DeleteAt   *time.Time   `gorm:"index"`
}

// Group is a chat group. Key is nil until every member has acknowledged a
// proposed key; membership changes reset it.
type Group struct {
	ID           uuid.UUID     `gorm:"type:uuid;primaryKey"`
	Name         string        `gorm:"type:text;not null;index"`
	Key          *string       `gorm:"type:text"`
	KeyUpdatedAt time.Time     `gorm:"not null"`
	MaxMembers   int           `gorm:"not null"`
	CreatedAt    time.Time     `gorm:"not null;autoCreateTime"`
	Members      []GroupMember `gorm:"foreignKey:GroupID;constraint:OnDelete:CASCADE"`
}

type GroupMember struct {
	GroupID  uuid.UUID `gorm:"type:uuid;primaryKey"`
	Nickname string    `gorm:"type:text;primaryKey;index"`
	JoinedAt time.Time `gorm:"not null"`
}

// MemberNames returns member nicknames in join order.
func (g *Group) MemberNames() []string {
	out := make([]string, 0, len(g.Members))
	for _, m := range g.Members {
		out = append(out, m.Nickname)
	}
	return out
}

func (g *Group) HasMember(nickname string) bool {
	for _, m := range g.Members {
		if m.Nickname == nickname {
			return true
		}
	}
	return false
}

func (g *Group) HasKey() bool { return g.Key != nil && *g.Key != "" }
