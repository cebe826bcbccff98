package http

import (
	"time"

	"cipherrelay/internal/domain"
)

type registerRequest struct {
	Nickname  string `json:"nickname"`
	PublicKey string `json:"publicKey"`
}

type nicknameRequest struct {
	Nickname string `json:"nickname"`
}

type searchRequest struct {
	Query string `json:"query"`
}

type publicKeyRequest struct {
	TargetNickname string `json:"targetNickname"`
}

type createGroupRequest struct {
	Name string `json:"name"`
}

type setKeyRequest struct {
	Key string `json:"key"`
}

type userView struct {
	Nickname     string    `json:"nickname"`
	PublicKey    string    `json:"publicKey"`
	LastActiveAt time.Time `json:"lastActiveAt"`
}

func userOf(id *domain.Identity) userView {
	return userView{Nickname: id.Nickname, PublicKey: id.PublicKey, LastActiveAt: id.LastActiveAt}
}

type groupView struct {
	ID           string    `json:"id"`
	Name         string    `json:"name"`
	Members      []string  `json:"members"`
	Key          *string   `json:"key"`
	KeyUpdatedAt time.Time `json:"keyUpdatedAt"`
	MaxMembers   int       `json:"maxMembers"`
}

func groupOf(g *domain.Group) groupView {
	return groupView{
		ID:           g.ID.String(),
		Name:         g.Name,
		Members:      g.MemberNames(),
		Key:          g.Key,
		KeyUpdatedAt: g.KeyUpdatedAt,
		MaxMembers:   g.MaxMembers,
	}
}

type envelope struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
}

type userResponse struct {
	envelope
	User userView `json:"user"`
}

type availabilityResponse struct {
	envelope
	Available bool `json:"available"`
}

type searchResponse struct {
	envelope
	Results []userView `json:"results"`
}

type groupResponse struct {
	envelope
	Group *groupView `json:"group,omitempty"`
}
