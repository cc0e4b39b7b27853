// internal/models/lobby.go
package models

import "time"

// Lobby represents a row in the lobbies table. Members are the users whose lobby_id
// points at this row; MemberIDs is filled in by reads that need it, ordered by join age.
type Lobby struct {
	ID       int64          `json:"id"`
	Title    string         `json:"title"`
	HostID   *int64         `json:"host_id"`
	Hostless bool           `json:"hostless"`
	MaxUsers int            `json:"max_users"`
	IsHidden bool           `json:"is_hidden"`
	IsLocked bool           `json:"is_locked"`
	Metadata map[string]any `json:"metadata"`

	// PasswordHash is the argon2id hash of the join password. Never serialized to clients.
	PasswordHash string `json:"-"`

	MemberIDs []int64 `json:"member_ids"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// HasPassword reports whether joining requires a password.
func (l *Lobby) HasPassword() bool {
	return l.PasswordHash != ""
}

// IsHost reports whether userID is the current host.
func (l *Lobby) IsHost(userID int64) bool {
	return l.HostID != nil && *l.HostID == userID
}

// MemberCount returns the number of loaded members.
func (l *Lobby) MemberCount() int {
	return len(l.MemberIDs)
}

// FreeSlots returns max_users minus the loaded member count, never negative.
func (l *Lobby) FreeSlots() int {
	if n := l.MaxUsers - len(l.MemberIDs); n > 0 {
		return n
	}
	return 0
}

// LobbyAttrs carries caller-supplied fields for create and update. Pointer fields are
// optional on update; nil means "leave unchanged".
type LobbyAttrs struct {
	Title    *string        `json:"title,omitempty"`
	HostID   *int64         `json:"host_id,omitempty"`
	Hostless bool           `json:"hostless,omitempty"`
	MaxUsers *int           `json:"max_users,omitempty"`
	IsHidden *bool          `json:"is_hidden,omitempty"`
	IsLocked *bool          `json:"is_locked,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`

	// Password is plaintext on the way in. On update an empty string clears the password.
	Password *string `json:"password,omitempty"`
}

// ListFilter narrows lobby listings.
type ListFilter struct {
	// Title is a case-insensitive substring of the lobby title.
	Title string `json:"title,omitempty"`
	// Metadata maps a key to a case-insensitive substring of the stringified value.
	Metadata map[string]string `json:"metadata,omitempty"`

	IncludeHidden bool `json:"-"`
	// Joinable restricts to unlocked lobbies without a password.
	Joinable bool `json:"-"`
	// MaxUsers restricts to an exact capacity when positive.
	MaxUsers int `json:"-"`
}
