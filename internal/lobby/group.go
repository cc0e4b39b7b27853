// internal/lobby/group.go
package lobby

import (
	"context"
	"errors"

	"github.com/jason-s-yu/cambia-lobby/internal/apperr"
	"github.com/jason-s-yu/cambia-lobby/internal/broadcast"
	"github.com/jason-s-yu/cambia-lobby/internal/database"
	"github.com/jason-s-yu/cambia-lobby/internal/hooks"
	"github.com/jason-s-yu/cambia-lobby/internal/models"
	"github.com/sirupsen/logrus"
)

// lockParty takes the party lock and re-reads the party, confirming leaderID still leads it.
// It must run before any lobby lock in the same transaction.
func lockParty(ctx context.Context, tx *database.Tx, partyID, leaderID int64) (*models.Party, error) {
	if err := tx.AcquireLock(ctx, database.LockParty, partyID); err != nil {
		return nil, err
	}
	p, err := tx.GetParty(ctx, partyID)
	if err != nil {
		return nil, database.AsNotFound(err, "party")
	}
	if !p.IsLeader(leaderID) {
		return nil, apperr.New(apperr.KindNotLeader, "only the party leader can do that")
	}
	return p, nil
}

// partyOf returns the party led by leaderID.
func (s *Service) partyOf(ctx context.Context, leaderID int64) (*models.Party, error) {
	p, err := s.store.GetPartyByLeader(ctx, leaderID)
	if err == nil {
		return p, nil
	}
	if errors.Is(err, database.ErrNotFound) {
		return nil, apperr.New(apperr.KindNotLeader, "you do not lead a party")
	}
	return nil, err
}

// JoinParty moves every member of the party led by leaderID into the lobby in one
// transaction. Members already in this lobby count against capacity but are not moved.
// If the rest do not all fit, nobody moves and the error is full.
func (s *Service) JoinParty(ctx context.Context, leaderID, lobbyID int64, opts JoinOptions) (*models.Lobby, error) {
	p, err := s.partyOf(ctx, leaderID)
	if err != nil {
		return nil, err
	}
	l, err := s.Get(ctx, lobbyID)
	if err != nil {
		return nil, err
	}
	if err := checkAccess(l, opts.Password); err != nil {
		return nil, err
	}

	partyID := p.ID
	payload := hooks.JoinPayload{LobbyID: lobbyID, UserIDs: p.MemberIDs, PartyID: &partyID}
	if _, err := s.hooks.Before(ctx, hooks.LobbyJoin, payload); err != nil {
		s.log.WithError(err).WithFields(logrus.Fields{"lobby_id": lobbyID, "party_id": p.ID}).
			Debug("party join rejected by hook")
		return nil, err
	}

	var (
		joined   *models.Lobby
		moved    []int64
		promoted bool
	)
	err = s.store.InTx(ctx, func(tx *database.Tx) error {
		party, err := lockParty(ctx, tx, p.ID, leaderID)
		if err != nil {
			return err
		}
		if err := tx.AcquireLock(ctx, database.LockLobby, lobbyID); err != nil {
			return err
		}
		cur, err := tx.GetLobby(ctx, lobbyID)
		if err != nil {
			return database.AsNotFound(err, "lobby")
		}
		if err := recheckAccess(cur, l, opts.Password); err != nil {
			return err
		}

		users, err := tx.GetUsers(ctx, party.MemberIDs)
		if err != nil {
			return err
		}
		for _, u := range users {
			switch {
			case u.LobbyID == nil:
				moved = append(moved, u.ID)
			case *u.LobbyID != lobbyID:
				return apperr.New(apperr.KindAlreadyInLobby, "a party member is in another lobby")
			}
		}
		if len(moved) == 0 {
			return apperr.New(apperr.KindAlreadyInLobby, "the party is already in this lobby")
		}
		if cur.MemberCount()+len(moved) > cur.MaxUsers {
			return apperr.New(apperr.KindFull, "not enough room for the whole party")
		}
		n, err := tx.SetUsersLobby(ctx, moved, lobbyID)
		if err != nil {
			return err
		}
		if n != int64(len(moved)) {
			return apperr.New(apperr.KindAlreadyInLobby, "a party member is in another lobby")
		}
		if !cur.Hostless && cur.HostID == nil {
			if err := tx.SetLobbyHost(ctx, lobbyID, &leaderID); err != nil {
				return err
			}
			promoted = true
		}
		joined, err = tx.GetLobby(ctx, lobbyID)
		return err
	})
	if err != nil {
		return nil, err
	}

	s.committed(ctx, lobbyID)
	s.membershipChanged(ctx, joined, broadcast.ActionJoined, moved)
	if promoted {
		s.hostChanged(ctx, joined, nil)
	}
	payload.UserIDs = moved
	s.hooks.After(ctx, hooks.LobbyJoin, payload)
	s.log.WithFields(logrus.Fields{"lobby_id": lobbyID, "party_id": p.ID, "moved": len(moved)}).Info("party entered lobby")
	return joined, nil
}

// CreateForParty creates a lobby and moves the whole party led by leaderID into it. The
// leader hosts unless the lobby is hostless.
func (s *Service) CreateForParty(ctx context.Context, leaderID int64, attrs models.LobbyAttrs) (*models.Lobby, error) {
	p, err := s.partyOf(ctx, leaderID)
	if err != nil {
		return nil, err
	}
	attrs, err = s.beforeCreate(ctx, attrs, &leaderID)
	if err != nil {
		return nil, err
	}
	if *attrs.MaxUsers < len(p.MemberIDs) {
		return nil, apperr.Validation("max_users", "is smaller than the party")
	}
	l, err := newLobby(attrs)
	if err != nil {
		return nil, err
	}

	seat := func(ctx context.Context, tx *database.Tx, l *models.Lobby) ([]int64, error) {
		party, err := lockParty(ctx, tx, p.ID, leaderID)
		if err != nil {
			return nil, err
		}
		if len(party.MemberIDs) > l.MaxUsers {
			return nil, apperr.Validation("max_users", "is smaller than the party")
		}
		n, err := tx.SetUsersLobby(ctx, party.MemberIDs, l.ID)
		if err != nil {
			return nil, err
		}
		if n != int64(len(party.MemberIDs)) {
			return nil, apperr.New(apperr.KindAlreadyInLobby, "a party member is in another lobby")
		}
		return party.MemberIDs, nil
	}

	created, seated, err := s.insert(ctx, l, explicitTitle(attrs) == "", seat)
	if err != nil {
		return nil, err
	}
	s.afterCreate(ctx, created, seated)
	return created, nil
}
