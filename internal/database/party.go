// internal/database/party.go
package database

import (
	"context"
	"fmt"

	"github.com/jason-s-yu/cambia-lobby/internal/models"
)

const partyColumns = `id, leader_id, max_size, metadata, code, created_at, updated_at`

func scanParty(r row) (*models.Party, error) {
	var (
		p       models.Party
		meta    string
		code    *string
		created int64
		updated int64
	)
	if err := r.Scan(&p.ID, &p.LeaderID, &p.MaxSize, &meta, &code, &created, &updated); err != nil {
		return nil, err
	}
	if code != nil {
		p.Code = *code
	}
	if err := decodeMetadata(meta, &p.Metadata); err != nil {
		return nil, fmt.Errorf("party %d metadata: %w", p.ID, err)
	}
	p.CreatedAt = fromMillis(created)
	p.UpdatedAt = fromMillis(updated)
	return &p, nil
}

// InsertParty creates a party row. A second party for the same leader, or a duplicate code,
// fails with a *ConflictError.
func (tx *Tx) InsertParty(ctx context.Context, p *models.Party) error {
	meta, err := encodeMetadata(p.Metadata)
	if err != nil {
		return err
	}
	ts := now()
	err = tx.c.queryRow(ctx, `
		INSERT INTO parties (leader_id, max_size, metadata, code, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		RETURNING id`,
		p.LeaderID, p.MaxSize, meta, nullableString(p.Code), ts, ts,
	).Scan(&p.ID)
	if err != nil {
		return fmt.Errorf("failed to insert party: %w", err)
	}
	p.CreatedAt = fromMillis(ts)
	p.UpdatedAt = p.CreatedAt
	return nil
}

func (q queries) loadParty(ctx context.Context, where string, arg any) (*models.Party, error) {
	p, err := scanParty(q.c.queryRow(ctx, `SELECT `+partyColumns+` FROM parties WHERE `+where+` = ?`, arg))
	if err != nil {
		return nil, fmt.Errorf("get party by %s: %w", where, err)
	}
	if p.MemberIDs, err = q.PartyMembers(ctx, p.ID); err != nil {
		return nil, err
	}
	return p, nil
}

// GetParty fetches a party with its members.
func (q queries) GetParty(ctx context.Context, id int64) (*models.Party, error) {
	return q.loadParty(ctx, "id", id)
}

// GetPartyByCode fetches a party by its shareable code.
func (q queries) GetPartyByCode(ctx context.Context, code string) (*models.Party, error) {
	return q.loadParty(ctx, "code", code)
}

// GetPartyByLeader fetches the party led by userID.
func (q queries) GetPartyByLeader(ctx context.Context, userID int64) (*models.Party, error) {
	return q.loadParty(ctx, "leader_id", userID)
}

// PartyMembers returns the party's member ids in user id order.
func (q queries) PartyMembers(ctx context.Context, partyID int64) ([]int64, error) {
	return q.ids(ctx, `SELECT id FROM users WHERE party_id = ? ORDER BY id`, partyID)
}

// UpdateParty writes the mutable columns of p.
func (tx *Tx) UpdateParty(ctx context.Context, p *models.Party) error {
	meta, err := encodeMetadata(p.Metadata)
	if err != nil {
		return err
	}
	ts := now()
	n, err := tx.c.exec(ctx,
		`UPDATE parties SET max_size = ?, metadata = ?, updated_at = ? WHERE id = ?`,
		p.MaxSize, meta, ts, p.ID,
	)
	if err != nil {
		return fmt.Errorf("update party %d: %w", p.ID, err)
	}
	if n == 0 {
		return fmt.Errorf("update party %d: %w", p.ID, ErrNotFound)
	}
	p.UpdatedAt = fromMillis(ts)
	return nil
}

// DeleteParty clears every member's party_id and removes the party row. It returns the
// removed members.
func (tx *Tx) DeleteParty(ctx context.Context, partyID int64) ([]int64, error) {
	members, err := tx.PartyMembers(ctx, partyID)
	if err != nil {
		return nil, err
	}
	if _, err := tx.c.exec(ctx, `UPDATE users SET party_id = NULL WHERE party_id = ?`, partyID); err != nil {
		return nil, fmt.Errorf("clear members of party %d: %w", partyID, err)
	}
	n, err := tx.c.exec(ctx, `DELETE FROM parties WHERE id = ?`, partyID)
	if err != nil {
		return nil, fmt.Errorf("delete party %d: %w", partyID, err)
	}
	if n == 0 {
		return nil, fmt.Errorf("delete party %d: %w", partyID, ErrNotFound)
	}
	return members, nil
}
