// internal/database/user.go
package database

import (
	"context"
	"fmt"
	"strings"

	"github.com/jason-s-yu/cambia-lobby/internal/models"
)

const userColumns = `id, username, lobby_id, lobby_joined_at, party_id, created_at`

func scanUser(r row) (*models.User, error) {
	var (
		u        models.User
		joinedAt *int64
		created  int64
	)
	if err := r.Scan(&u.ID, &u.Username, &u.LobbyID, &joinedAt, &u.PartyID, &created); err != nil {
		return nil, err
	}
	if joinedAt != nil {
		t := fromMillis(*joinedAt)
		u.LobbyJoinedAt = &t
	}
	u.CreatedAt = fromMillis(created)
	return &u, nil
}

// CreateUser inserts a user row. Account management lives elsewhere; this exists so the
// membership tables have rows to point at.
func (s *Store) CreateUser(ctx context.Context, username string) (*models.User, error) {
	var u *models.User
	err := s.InTx(ctx, func(tx *Tx) error {
		var err error
		u, err = tx.CreateUser(ctx, username)
		return err
	})
	return u, err
}

// CreateUser inserts a user row inside the transaction.
func (tx *Tx) CreateUser(ctx context.Context, username string) (*models.User, error) {
	if strings.TrimSpace(username) == "" {
		return nil, fmt.Errorf("username is required")
	}
	created := now()
	u := &models.User{Username: username, CreatedAt: fromMillis(created)}
	err := tx.c.queryRow(ctx,
		`INSERT INTO users (username, created_at) VALUES (?, ?) RETURNING id`,
		username, created,
	).Scan(&u.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to insert user: %w", err)
	}
	return u, nil
}

// GetUser fetches a user by id.
func (q queries) GetUser(ctx context.Context, id int64) (*models.User, error) {
	u, err := scanUser(q.c.queryRow(ctx, `SELECT `+userColumns+` FROM users WHERE id = ?`, id))
	if err != nil {
		return nil, fmt.Errorf("get user %d: %w", id, err)
	}
	return u, nil
}

// GetUsers fetches the given users in id order. Missing ids are silently absent.
func (q queries) GetUsers(ctx context.Context, ids []int64) ([]models.User, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	r, err := q.c.query(ctx,
		`SELECT `+userColumns+` FROM users WHERE id IN (`+placeholders(len(ids))+`) ORDER BY id`,
		args...,
	)
	if err != nil {
		return nil, fmt.Errorf("get users: %w", err)
	}
	defer r.Close()

	var users []models.User
	for r.Next() {
		u, err := scanUser(r)
		if err != nil {
			return nil, err
		}
		users = append(users, *u)
	}
	return users, r.Err()
}

// SetUserLobby points userID at lobbyID only if the user is currently in no lobby.
// It reports whether the row changed.
func (tx *Tx) SetUserLobby(ctx context.Context, userID, lobbyID int64) (bool, error) {
	n, err := tx.c.exec(ctx,
		`UPDATE users SET lobby_id = ?, lobby_joined_at = ? WHERE id = ? AND lobby_id IS NULL`,
		lobbyID, now(), userID,
	)
	if err != nil {
		return false, fmt.Errorf("set lobby for user %d: %w", userID, err)
	}
	return n == 1, nil
}

// SetUsersLobby points every listed user at lobbyID, skipping users already in a lobby.
// It returns the number of rows changed.
func (tx *Tx) SetUsersLobby(ctx context.Context, userIDs []int64, lobbyID int64) (int64, error) {
	if len(userIDs) == 0 {
		return 0, nil
	}
	args := []any{lobbyID, now()}
	for _, id := range userIDs {
		args = append(args, id)
	}
	n, err := tx.c.exec(ctx,
		`UPDATE users SET lobby_id = ?, lobby_joined_at = ?
		 WHERE lobby_id IS NULL AND id IN (`+placeholders(len(userIDs))+`)`,
		args...,
	)
	if err != nil {
		return 0, fmt.Errorf("set lobby for %d users: %w", len(userIDs), err)
	}
	return n, nil
}

// ClearUserLobby removes userID from lobbyID. It reports whether the user was a member.
func (tx *Tx) ClearUserLobby(ctx context.Context, userID, lobbyID int64) (bool, error) {
	n, err := tx.c.exec(ctx,
		`UPDATE users SET lobby_id = NULL, lobby_joined_at = NULL WHERE id = ? AND lobby_id = ?`,
		userID, lobbyID,
	)
	if err != nil {
		return false, fmt.Errorf("clear lobby for user %d: %w", userID, err)
	}
	return n == 1, nil
}

// SetUserParty points userID at partyID only if the user is currently in no party.
func (tx *Tx) SetUserParty(ctx context.Context, userID, partyID int64) (bool, error) {
	n, err := tx.c.exec(ctx,
		`UPDATE users SET party_id = ? WHERE id = ? AND party_id IS NULL`,
		partyID, userID,
	)
	if err != nil {
		return false, fmt.Errorf("set party for user %d: %w", userID, err)
	}
	return n == 1, nil
}

// ClearUserParty removes userID from partyID. It reports whether the user was a member.
func (tx *Tx) ClearUserParty(ctx context.Context, userID, partyID int64) (bool, error) {
	n, err := tx.c.exec(ctx,
		`UPDATE users SET party_id = NULL WHERE id = ? AND party_id = ?`,
		userID, partyID,
	)
	if err != nil {
		return false, fmt.Errorf("clear party for user %d: %w", userID, err)
	}
	return n == 1, nil
}
