package model

import (
	"encoding/json"
	"strings"
)

type Role string

const (
	RoleCreator Role = "creator"
	RoleFan     Role = "fan"
)

// NormalizeRole maps anything that is not "creator" to fan, as the backend expects.
func NormalizeRole(r string) Role {
	if strings.EqualFold(strings.TrimSpace(r), string(RoleCreator)) {
		return RoleCreator
	}
	return RoleFan
}

// User: пользователь REST-бэкенда, кешируется в сессии.
type User struct {
	ID       string `json:"id"`
	Username string `json:"username"`
	Alias    string `json:"alias,omitempty"`
	Bio      string `json:"bio,omitempty"`
	Avatar   string `json:"avatar,omitempty"`
	Role     Role   `json:"role,omitempty"`
	Email    string `json:"email,omitempty"`
}

// DisplayName: alias, если задан, иначе username.
func (u User) DisplayName() string {
	if u.Alias != "" {
		return u.Alias
	}
	return u.Username
}

// UnmarshalJSON accepts avatar either as a string or as a list of filenames (first one wins).
func (u *User) UnmarshalJSON(data []byte) error {
	type plain User
	var aux struct {
		plain
		Avatar json.RawMessage `json:"avatar,omitempty"`
		Photo  string          `json:"photo,omitempty"`
	}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	*u = User(aux.plain)
	u.Avatar = ""
	if len(aux.Avatar) > 0 && string(aux.Avatar) != "null" {
		var s string
		if err := json.Unmarshal(aux.Avatar, &s); err == nil {
			u.Avatar = s
			// бэкенд хранит список имён файлов строкой: "[\"a.jpg\"]"
			var list []string
			if strings.HasPrefix(s, "[") && json.Unmarshal([]byte(s), &list) == nil {
				u.Avatar = ""
				if len(list) > 0 {
					u.Avatar = list[0]
				}
			}
		} else {
			var list []string
			if err := json.Unmarshal(aux.Avatar, &list); err == nil && len(list) > 0 {
				u.Avatar = list[0]
			}
		}
	}
	if u.Avatar == "" {
		u.Avatar = aux.Photo
	}
	return nil
}

// UserPatch: частичное обновление профиля; nil-поля не меняются.
type UserPatch struct {
	Username *string `json:"username,omitempty"`
	Alias    *string `json:"alias,omitempty"`
	Bio      *string `json:"bio,omitempty"`
	Avatar   *string `json:"avatar,omitempty"`
}

// Apply merges non-nil fields of p into u.
func (p UserPatch) Apply(u User) User {
	if p.Username != nil {
		u.Username = *p.Username
	}
	if p.Alias != nil {
		u.Alias = *p.Alias
	}
	if p.Bio != nil {
		u.Bio = *p.Bio
	}
	if p.Avatar != nil {
		u.Avatar = *p.Avatar
	}
	return u
}

type ConnectionStatus string

const (
	ConnectionPending  ConnectionStatus = "pending"
	ConnectionAccepted ConnectionStatus = "accepted"
	ConnectionRejected ConnectionStatus = "rejected"
)

// Connection: заявка на контакт между двумя пользователями.
type Connection struct {
	ID     string           `json:"id"`
	From   string           `json:"from"`
	To     string           `json:"to"`
	Status ConnectionStatus `json:"status"`
}

// BlockStatus: ответ проверки блокировки.
type BlockStatus struct {
	BlockedByMe bool `json:"blockedByMe"`
	BlockedMe   bool `json:"blockedMe"`
}
