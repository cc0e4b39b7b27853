// internal/broadcast/payloads.go
package broadcast

// Membership actions.
const (
	ActionJoined = "joined"
	ActionLeft   = "left"
	ActionKicked = "kicked"
)

// MembershipChange is the lobby_membership_changed payload.
type MembershipChange struct {
	LobbyID     int64   `json:"lobby_id"`
	UserIDs     []int64 `json:"user_ids"`
	Action      string  `json:"action"`
	MemberCount int     `json:"member_count"`
}

// HostChange is the lobby_host_changed payload. HostID is nil when nobody was left to promote.
type HostChange struct {
	LobbyID int64  `json:"lobby_id"`
	HostID  *int64 `json:"host_id"`
}

// LobbyChange is the payload of lobby_created, lobby_updated and lobby_deleted: the id plus
// whichever fields were set or changed.
type LobbyChange struct {
	LobbyID int64          `json:"lobby_id"`
	Fields  map[string]any `json:"fields,omitempty"`
}

// PartyChange is the payload of party_updated and party_disbanded.
type PartyChange struct {
	PartyID   int64   `json:"party_id"`
	MemberIDs []int64 `json:"member_ids"`
	Action    string  `json:"action,omitempty"`
	LobbyID   *int64  `json:"lobby_id,omitempty"`
}
