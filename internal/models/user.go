// internal/models/user.go
package models

import "time"

// User is the slice of a user account this service reads and writes: identity plus the
// two orthogonal membership pointers.
type User struct {
	ID            int64      `json:"id"`
	Username      string     `json:"username"`
	LobbyID       *int64     `json:"lobby_id"`
	LobbyJoinedAt *time.Time `json:"lobby_joined_at,omitempty"`
	PartyID       *int64     `json:"party_id"`
	CreatedAt     time.Time  `json:"created_at"`
}

// InLobby reports whether the user currently belongs to any lobby.
func (u *User) InLobby() bool {
	return u.LobbyID != nil
}

// InParty reports whether the user currently belongs to any party.
func (u *User) InParty() bool {
	return u.PartyID != nil
}
