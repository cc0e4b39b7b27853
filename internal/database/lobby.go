// internal/database/lobby.go
package database

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/jason-s-yu/cambia-lobby/internal/models"
)

const lobbyColumns = `id, title, host_id, hostless, max_users, is_hidden, is_locked,
	password_hash, metadata, created_at, updated_at`

func scanLobby(r row) (*models.Lobby, error) {
	var (
		l        models.Lobby
		password *string
		meta     string
		created  int64
		updated  int64
	)
	err := r.Scan(
		&l.ID, &l.Title, &l.HostID, &l.Hostless, &l.MaxUsers, &l.IsHidden, &l.IsLocked,
		&password, &meta, &created, &updated,
	)
	if err != nil {
		return nil, err
	}
	if password != nil {
		l.PasswordHash = *password
	}
	if err := decodeMetadata(meta, &l.Metadata); err != nil {
		return nil, fmt.Errorf("lobby %d metadata: %w", l.ID, err)
	}
	l.CreatedAt = fromMillis(created)
	l.UpdatedAt = fromMillis(updated)
	return &l, nil
}

func encodeMetadata(m map[string]any) (string, error) {
	if m == nil {
		return "{}", nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return "", fmt.Errorf("failed to marshal metadata: %w", err)
	}
	return string(b), nil
}

func decodeMetadata(raw string, dst *map[string]any) error {
	*dst = map[string]any{}
	if raw == "" {
		return nil
	}
	return json.Unmarshal([]byte(raw), dst)
}

func nullableString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// InsertLobby creates a new lobby row and fills in its id and timestamps.
func (tx *Tx) InsertLobby(ctx context.Context, l *models.Lobby) error {
	meta, err := encodeMetadata(l.Metadata)
	if err != nil {
		return err
	}
	ts := now()
	err = tx.c.queryRow(ctx, `
		INSERT INTO lobbies (
			title, host_id, hostless, max_users, is_hidden, is_locked,
			password_hash, metadata, created_at, updated_at
		)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		RETURNING id`,
		l.Title, l.HostID, l.Hostless, l.MaxUsers, l.IsHidden, l.IsLocked,
		nullableString(l.PasswordHash), meta, ts, ts,
	).Scan(&l.ID)
	if err != nil {
		return fmt.Errorf("failed to insert lobby: %w", err)
	}
	l.CreatedAt = fromMillis(ts)
	l.UpdatedAt = l.CreatedAt
	return nil
}

// GetLobby fetches a lobby by id, including its members ordered by join age.
func (q queries) GetLobby(ctx context.Context, id int64) (*models.Lobby, error) {
	l, err := scanLobby(q.c.queryRow(ctx, `SELECT `+lobbyColumns+` FROM lobbies WHERE id = ?`, id))
	if err != nil {
		return nil, fmt.Errorf("get lobby %d: %w", id, err)
	}
	if l.MemberIDs, err = q.LobbyMembers(ctx, id); err != nil {
		return nil, err
	}
	return l, nil
}

// LobbyMembers returns the ids of the lobby's members, oldest membership first
// (ties broken by lowest user id).
func (q queries) LobbyMembers(ctx context.Context, lobbyID int64) ([]int64, error) {
	return q.ids(ctx,
		`SELECT id FROM users WHERE lobby_id = ? ORDER BY lobby_joined_at, id`,
		lobbyID,
	)
}

// OldestLobbyMember returns the member with the earliest lobby_joined_at (lowest user id on
// ties), or ErrNotFound when the lobby is empty.
func (q queries) OldestLobbyMember(ctx context.Context, lobbyID int64) (int64, error) {
	var id int64
	err := q.c.queryRow(ctx,
		`SELECT id FROM users WHERE lobby_id = ? ORDER BY lobby_joined_at, id LIMIT 1`,
		lobbyID,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("oldest member of lobby %d: %w", lobbyID, err)
	}
	return id, nil
}

// CountLobbyMembers returns the live member count of a lobby.
func (q queries) CountLobbyMembers(ctx context.Context, lobbyID int64) (int, error) {
	var n int64
	if err := q.c.queryRow(ctx, `SELECT COUNT(*) FROM users WHERE lobby_id = ?`, lobbyID).Scan(&n); err != nil {
		return 0, fmt.Errorf("count members of lobby %d: %w", lobbyID, err)
	}
	return int(n), nil
}

// ListLobbyIDs returns lobby ids matching the SQL-expressible parts of filter, in id order.
// Metadata matching happens in the caller on the loaded lobbies.
func (q queries) ListLobbyIDs(ctx context.Context, filter models.ListFilter) ([]int64, error) {
	var (
		where []string
		args  []any
	)
	if !filter.IncludeHidden {
		where = append(where, "is_hidden = ?")
		args = append(args, false)
	}
	if filter.Joinable {
		where = append(where, "is_locked = ?", "password_hash IS NULL")
		args = append(args, false)
	}
	if filter.MaxUsers > 0 {
		where = append(where, "max_users = ?")
		args = append(args, filter.MaxUsers)
	}
	if t := strings.TrimSpace(filter.Title); t != "" {
		where = append(where, `LOWER(title) LIKE ? ESCAPE '\'`)
		args = append(args, likePattern(t))
	}

	stmt := `SELECT id FROM lobbies`
	if len(where) > 0 {
		stmt += ` WHERE ` + strings.Join(where, " AND ")
	}
	stmt += ` ORDER BY id`
	return q.ids(ctx, stmt, args...)
}

// UpdateLobby writes every mutable column of l.
func (tx *Tx) UpdateLobby(ctx context.Context, l *models.Lobby) error {
	meta, err := encodeMetadata(l.Metadata)
	if err != nil {
		return err
	}
	ts := now()
	n, err := tx.c.exec(ctx, `
		UPDATE lobbies
		SET title = ?, host_id = ?, hostless = ?, max_users = ?, is_hidden = ?, is_locked = ?,
		    password_hash = ?, metadata = ?, updated_at = ?
		WHERE id = ?`,
		l.Title, l.HostID, l.Hostless, l.MaxUsers, l.IsHidden, l.IsLocked,
		nullableString(l.PasswordHash), meta, ts, l.ID,
	)
	if err != nil {
		return fmt.Errorf("update lobby %d: %w", l.ID, err)
	}
	if n == 0 {
		return fmt.Errorf("update lobby %d: %w", l.ID, ErrNotFound)
	}
	l.UpdatedAt = fromMillis(ts)
	return nil
}

// SetLobbyHost sets or clears the host of a lobby.
func (tx *Tx) SetLobbyHost(ctx context.Context, lobbyID int64, hostID *int64) error {
	_, err := tx.c.exec(ctx,
		`UPDATE lobbies SET host_id = ?, updated_at = ? WHERE id = ?`,
		hostID, now(), lobbyID,
	)
	if err != nil {
		return fmt.Errorf("set host of lobby %d: %w", lobbyID, err)
	}
	return nil
}

// ClearLobbyMembers removes every member from the lobby and returns who was removed.
func (tx *Tx) ClearLobbyMembers(ctx context.Context, lobbyID int64) ([]int64, error) {
	members, err := tx.LobbyMembers(ctx, lobbyID)
	if err != nil {
		return nil, err
	}
	_, err = tx.c.exec(ctx,
		`UPDATE users SET lobby_id = NULL, lobby_joined_at = NULL WHERE lobby_id = ?`,
		lobbyID,
	)
	if err != nil {
		return nil, fmt.Errorf("clear members of lobby %d: %w", lobbyID, err)
	}
	return members, nil
}

// DeleteLobby clears every member's lobby_id and removes the lobby row. It returns the
// removed members.
func (tx *Tx) DeleteLobby(ctx context.Context, lobbyID int64) ([]int64, error) {
	members, err := tx.ClearLobbyMembers(ctx, lobbyID)
	if err != nil {
		return nil, err
	}
	n, err := tx.c.exec(ctx, `DELETE FROM lobbies WHERE id = ?`, lobbyID)
	if err != nil {
		return nil, fmt.Errorf("delete lobby %d: %w", lobbyID, err)
	}
	if n == 0 {
		return nil, fmt.Errorf("delete lobby %d: %w", lobbyID, ErrNotFound)
	}
	return members, nil
}

// ids runs a single-column id query.
func (q queries) ids(ctx context.Context, stmt string, args ...any) ([]int64, error) {
	r, err := q.c.query(ctx, stmt, args...)
	if err != nil {
		return nil, err
	}
	defer r.Close()

	var out []int64
	for r.Next() {
		var id int64
		if err := r.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, r.Err()
}
