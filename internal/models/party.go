// internal/models/party.go
package models

import "time"

const (
	MinPartySize = 2
	MaxPartySize = 32
)

// Party is a pre-lobby group of users with exactly one leader.
type Party struct {
	ID        int64          `json:"id"`
	LeaderID  int64          `json:"leader_id"`
	MaxSize   int            `json:"max_size"`
	Metadata  map[string]any `json:"metadata"`
	Code      string         `json:"code,omitempty"`
	MemberIDs []int64        `json:"member_ids"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
}

// IsLeader reports whether userID leads the party.
func (p *Party) IsLeader(userID int64) bool {
	return p.LeaderID == userID
}

// PartyAttrs carries caller-supplied fields for party create and update.
type PartyAttrs struct {
	MaxSize  *int           `json:"max_size,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
}
