// internal/lobby/lobby.go
package lobby

import (
	"context"
	"errors"
	"strings"

	"github.com/jason-s-yu/cambia-lobby/internal/apperr"
	"github.com/jason-s-yu/cambia-lobby/internal/auth"
	"github.com/jason-s-yu/cambia-lobby/internal/broadcast"
	"github.com/jason-s-yu/cambia-lobby/internal/database"
	"github.com/jason-s-yu/cambia-lobby/internal/hooks"
	"github.com/jason-s-yu/cambia-lobby/internal/models"
	"github.com/sirupsen/logrus"
)

// LeaveResult describes what a leave did to the lobby.
type LeaveResult struct {
	LobbyID     int64  `json:"lobby_id"`
	HostID      *int64 `json:"host_id"`
	HostChanged bool   `json:"host_changed"`
	Deleted     bool   `json:"deleted"`
}

// seatFunc places the initial members of a freshly inserted lobby and returns their ids.
type seatFunc func(ctx context.Context, tx *database.Tx, l *models.Lobby) ([]int64, error)

// Create makes a lobby. When creatorID is set the creator becomes its first member and,
// unless the lobby is hostless, its host.
func (s *Service) Create(ctx context.Context, creatorID *int64, attrs models.LobbyAttrs) (*models.Lobby, error) {
	if creatorID != nil {
		u, err := s.store.GetUser(ctx, *creatorID)
		if err != nil {
			return nil, database.AsNotFound(err, "user")
		}
		if u.InLobby() {
			return nil, apperr.New(apperr.KindAlreadyInLobby, "leave your current lobby first")
		}
	}

	attrs, err := s.beforeCreate(ctx, attrs, creatorID)
	if err != nil {
		return nil, err
	}
	l, err := newLobby(attrs)
	if err != nil {
		return nil, err
	}

	seat := func(ctx context.Context, tx *database.Tx, l *models.Lobby) ([]int64, error) {
		if creatorID == nil {
			return nil, nil
		}
		ok, err := tx.SetUserLobby(ctx, *creatorID, l.ID)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, apperr.New(apperr.KindAlreadyInLobby, "leave your current lobby first")
		}
		return []int64{*creatorID}, nil
	}

	created, seated, err := s.insert(ctx, l, explicitTitle(attrs) == "", seat)
	if err != nil {
		return nil, err
	}
	s.afterCreate(ctx, created, seated)
	return created, nil
}

// beforeCreate validates attrs, settles the host and runs the create hook, which may
// rewrite attrs. The rewritten attrs are validated again.
func (s *Service) beforeCreate(ctx context.Context, attrs models.LobbyAttrs, hostCandidate *int64) (models.LobbyAttrs, error) {
	if err := validateAttrs(attrs, true); err != nil {
		return attrs, err
	}
	attrs, err := settleHost(attrs, hostCandidate)
	if err != nil {
		return attrs, err
	}
	out, err := s.hooks.Before(ctx, hooks.LobbyCreate, attrs)
	if err != nil {
		s.log.WithError(err).Debug("lobby create rejected by hook")
		return attrs, err
	}
	attrs = out.(models.LobbyAttrs)
	if err := validateAttrs(attrs, true); err != nil {
		return attrs, err
	}
	return settleHost(attrs, hostCandidate)
}

// settleHost clears the host of a hostless lobby and otherwise defaults it to the creator.
// Only the creator may be named host at creation.
func settleHost(attrs models.LobbyAttrs, creatorID *int64) (models.LobbyAttrs, error) {
	if attrs.Hostless {
		attrs.HostID = nil
		return attrs, nil
	}
	if attrs.HostID == nil {
		attrs.HostID = creatorID
		return attrs, nil
	}
	if creatorID == nil || *attrs.HostID != *creatorID {
		return attrs, apperr.Validation("host_id", "must be the creating user")
	}
	return attrs, nil
}

func newLobby(attrs models.LobbyAttrs) (*models.Lobby, error) {
	l := &models.Lobby{
		Title:    explicitTitle(attrs),
		Hostless: attrs.Hostless,
		MaxUsers: *attrs.MaxUsers,
		Metadata: attrs.Metadata,
	}
	if attrs.HostID != nil {
		h := *attrs.HostID
		l.HostID = &h
	}
	if attrs.IsHidden != nil {
		l.IsHidden = *attrs.IsHidden
	}
	if attrs.IsLocked != nil {
		l.IsLocked = *attrs.IsLocked
	}
	if attrs.Password != nil && *attrs.Password != "" {
		hash, err := auth.HashPassword(*attrs.Password)
		if err != nil {
			return nil, err
		}
		l.PasswordHash = hash
	}
	return l, nil
}

// insert stores l and seats its first members in one transaction. Generated titles are
// retried on collision; each attempt is a fresh transaction.
func (s *Service) insert(ctx context.Context, l *models.Lobby, generate bool, seat seatFunc) (*models.Lobby, []int64, error) {
	attempts := 1
	if generate {
		attempts = titleAttempts
	}
	for i := 0; i < attempts; i++ {
		row := *l
		if generate {
			title, err := generateTitle()
			if err != nil {
				return nil, nil, err
			}
			row.Title = title
		}

		var (
			created *models.Lobby
			seated  []int64
		)
		err := s.store.InTx(ctx, func(tx *database.Tx) error {
			if err := tx.InsertLobby(ctx, &row); err != nil {
				return err
			}
			var err error
			if seated, err = seat(ctx, tx, &row); err != nil {
				return err
			}
			created, err = tx.GetLobby(ctx, row.ID)
			return err
		})
		if database.IsConflictOn(err, "title") {
			if generate {
				s.log.WithField("title", row.Title).Debug("generated lobby title collided, retrying")
				continue
			}
			return nil, nil, apperr.Validation("title", "is already taken")
		}
		if err != nil {
			return nil, nil, err
		}
		return created, seated, nil
	}
	return nil, nil, apperr.Unavailable("generate lobby title", errors.New("every generated title collided"))
}

func (s *Service) afterCreate(ctx context.Context, l *models.Lobby, seated []int64) {
	s.cache.Warm(ctx, l)
	s.publish(ctx, broadcast.LobbyCreated, broadcast.LobbyChange{
		LobbyID: l.ID,
		Fields: map[string]any{
			"title":     l.Title,
			"host_id":   l.HostID,
			"hostless":  l.Hostless,
			"max_users": l.MaxUsers,
			"metadata":  l.Metadata,
		},
	}, topicsFor(l)...)
	if len(seated) > 0 {
		s.membershipChanged(ctx, l, broadcast.ActionJoined, seated)
	}
	s.hooks.After(ctx, hooks.LobbyCreate, *l)
	s.log.WithFields(logrus.Fields{"lobby_id": l.ID, "title": l.Title}).Info("lobby created")
}

// checkAccess applies the locked and password gates.
func checkAccess(l *models.Lobby, password string) error {
	if l.IsLocked {
		return apperr.New(apperr.KindLocked, "lobby is locked")
	}
	if !l.HasPassword() {
		return nil
	}
	if password == "" {
		return apperr.New(apperr.KindPasswordNeeded, "lobby requires a password")
	}
	if !auth.VerifyPassword(password, l.PasswordHash) {
		return apperr.New(apperr.KindInvalidPassword, "wrong lobby password")
	}
	return nil
}

// recheckAccess re-applies the gates against the locked row, re-verifying the password only
// if it changed since the first check.
func recheckAccess(cur, checked *models.Lobby, password string) error {
	if cur.IsLocked {
		return apperr.New(apperr.KindLocked, "lobby is locked")
	}
	if cur.PasswordHash != checked.PasswordHash {
		return checkAccess(cur, password)
	}
	return nil
}

// Join adds userID to the lobby. Capacity is checked under the lobby lock.
func (s *Service) Join(ctx context.Context, userID, lobbyID int64, opts JoinOptions) (*models.Lobby, error) {
	u, err := s.store.GetUser(ctx, userID)
	if err != nil {
		return nil, database.AsNotFound(err, "user")
	}
	if u.InLobby() {
		return nil, apperr.New(apperr.KindAlreadyInLobby, "leave your current lobby first")
	}
	l, err := s.Get(ctx, lobbyID)
	if err != nil {
		return nil, err
	}
	if err := checkAccess(l, opts.Password); err != nil {
		return nil, err
	}

	payload := hooks.JoinPayload{LobbyID: lobbyID, UserIDs: []int64{userID}}
	if _, err := s.hooks.Before(ctx, hooks.LobbyJoin, payload); err != nil {
		s.log.WithError(err).WithFields(logrus.Fields{"lobby_id": lobbyID, "user_id": userID}).
			Debug("lobby join rejected by hook")
		return nil, err
	}

	var (
		joined   *models.Lobby
		promoted bool
	)
	err = s.store.InTx(ctx, func(tx *database.Tx) error {
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
		if cur.MemberCount() >= cur.MaxUsers {
			return apperr.New(apperr.KindFull, "lobby is full")
		}
		ok, err := tx.SetUserLobby(ctx, userID, lobbyID)
		if err != nil {
			return err
		}
		if !ok {
			return apperr.New(apperr.KindAlreadyInLobby, "leave your current lobby first")
		}
		if !cur.Hostless && cur.HostID == nil {
			if err := tx.SetLobbyHost(ctx, lobbyID, &userID); err != nil {
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
	s.membershipChanged(ctx, joined, broadcast.ActionJoined, []int64{userID})
	if promoted {
		s.hostChanged(ctx, joined, nil)
	}
	s.hooks.After(ctx, hooks.LobbyJoin, payload)
	return joined, nil
}

// Leave removes userID from their lobby. A departing host is replaced by the oldest
// remaining member; an emptied lobby is deleted when configured to.
func (s *Service) Leave(ctx context.Context, userID int64) (*LeaveResult, error) {
	u, err := s.store.GetUser(ctx, userID)
	if err != nil {
		return nil, database.AsNotFound(err, "user")
	}
	if !u.InLobby() {
		return nil, apperr.New(apperr.KindNotInLobby, "you are not in a lobby")
	}
	lobbyID := *u.LobbyID

	payload := hooks.LeavePayload{LobbyID: lobbyID, UserID: userID}
	if _, err := s.hooks.Before(ctx, hooks.LobbyLeave, payload); err != nil {
		return nil, err
	}

	var (
		res     = &LeaveResult{LobbyID: lobbyID}
		after   *models.Lobby
		oldHost *int64
	)
	err = s.store.InTx(ctx, func(tx *database.Tx) error {
		if err := tx.AcquireLock(ctx, database.LockLobby, lobbyID); err != nil {
			return err
		}
		ok, err := tx.ClearUserLobby(ctx, userID, lobbyID)
		if err != nil {
			return err
		}
		if !ok {
			return apperr.New(apperr.KindNotInLobby, "you are not in a lobby")
		}
		cur, err := tx.GetLobby(ctx, lobbyID)
		if err != nil {
			return database.AsNotFound(err, "lobby")
		}
		after = cur

		if cur.MemberCount() == 0 && !cur.Hostless && s.opts.DeleteEmptyLobbies {
			if _, err := tx.DeleteLobby(ctx, lobbyID); err != nil {
				return err
			}
			res.Deleted = true
			return nil
		}
		if !cur.IsHost(userID) {
			res.HostID = cur.HostID
			return nil
		}

		oldHost = cur.HostID
		var next *int64
		if cur.MemberCount() > 0 {
			id, err := tx.OldestLobbyMember(ctx, lobbyID)
			if err != nil {
				return err
			}
			next = &id
		}
		if err := tx.SetLobbyHost(ctx, lobbyID, next); err != nil {
			return err
		}
		cur.HostID = next
		res.HostID = next
		res.HostChanged = true
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.committed(ctx, lobbyID)
	s.membershipChanged(ctx, after, broadcast.ActionLeft, []int64{userID})
	if res.Deleted {
		s.publish(ctx, broadcast.LobbyDeleted, broadcast.LobbyChange{LobbyID: lobbyID}, topicsFor(after)...)
		s.hooks.After(ctx, hooks.LobbyDelete, *after)
	} else if res.HostChanged {
		s.hostChanged(ctx, after, oldHost)
	}
	s.hooks.After(ctx, hooks.LobbyLeave, payload)
	return res, nil
}

// Kick removes targetID from the lobby on behalf of its host.
func (s *Service) Kick(ctx context.Context, hostID, lobbyID, targetID int64) error {
	if hostID == targetID {
		return apperr.New(apperr.KindCannotKickSelf, "use leave instead")
	}
	l, err := s.Get(ctx, lobbyID)
	if err != nil {
		return err
	}
	if !l.IsHost(hostID) {
		return apperr.New(apperr.KindNotHost, "only the host can kick")
	}
	target, err := s.store.GetUser(ctx, targetID)
	if err != nil {
		return database.AsNotFound(err, "user")
	}
	if target.LobbyID == nil || *target.LobbyID != lobbyID {
		return apperr.New(apperr.KindNotInLobby, "user is not in this lobby")
	}

	payload := hooks.KickPayload{LobbyID: lobbyID, HostID: hostID, TargetID: targetID}
	if _, err := s.hooks.Before(ctx, hooks.UserKicked, payload); err != nil {
		return err
	}

	var after *models.Lobby
	err = s.store.InTx(ctx, func(tx *database.Tx) error {
		if err := tx.AcquireLock(ctx, database.LockLobby, lobbyID); err != nil {
			return err
		}
		cur, err := tx.GetLobby(ctx, lobbyID)
		if err != nil {
			return database.AsNotFound(err, "lobby")
		}
		if !cur.IsHost(hostID) {
			return apperr.New(apperr.KindNotHost, "only the host can kick")
		}
		ok, err := tx.ClearUserLobby(ctx, targetID, lobbyID)
		if err != nil {
			return err
		}
		if !ok {
			return apperr.New(apperr.KindNotInLobby, "user is not in this lobby")
		}
		after, err = tx.GetLobby(ctx, lobbyID)
		return err
	})
	if err != nil {
		return err
	}

	s.committed(ctx, lobbyID)
	s.membershipChanged(ctx, after, broadcast.ActionKicked, []int64{targetID})
	s.hooks.After(ctx, hooks.UserKicked, payload)
	s.log.WithFields(logrus.Fields{"lobby_id": lobbyID, "host_id": hostID, "target_id": targetID}).Info("user kicked")
	return nil
}

// UpdateByHost applies attrs on behalf of the host. max_users may not drop below the live
// member count. A non-nil HostID hands the host role to another member.
func (s *Service) UpdateByHost(ctx context.Context, hostID, lobbyID int64, attrs models.LobbyAttrs) (*models.Lobby, error) {
	if err := validateAttrs(attrs, false); err != nil {
		return nil, err
	}
	l, err := s.Get(ctx, lobbyID)
	if err != nil {
		return nil, err
	}
	if !l.IsHost(hostID) {
		return nil, apperr.New(apperr.KindNotHost, "only the host can update the lobby")
	}

	out, err := s.hooks.Before(ctx, hooks.LobbyUpdate, attrs)
	if err != nil {
		return nil, err
	}
	attrs = out.(models.LobbyAttrs)
	if err := validateAttrs(attrs, false); err != nil {
		return nil, err
	}

	var newHash *string
	if attrs.Password != nil {
		h := ""
		if *attrs.Password != "" {
			if h, err = auth.HashPassword(*attrs.Password); err != nil {
				return nil, err
			}
		}
		newHash = &h
	}

	var (
		before, after *models.Lobby
		changed       map[string]any
	)
	err = s.store.InTx(ctx, func(tx *database.Tx) error {
		if err := tx.AcquireLock(ctx, database.LockLobby, lobbyID); err != nil {
			return err
		}
		cur, err := tx.GetLobby(ctx, lobbyID)
		if err != nil {
			return database.AsNotFound(err, "lobby")
		}
		if !cur.IsHost(hostID) {
			return apperr.New(apperr.KindNotHost, "only the host can update the lobby")
		}
		prev := *cur
		before = &prev

		if changed, err = applyUpdate(cur, attrs, newHash); err != nil {
			return err
		}
		if err := tx.UpdateLobby(ctx, cur); err != nil {
			return err
		}
		after = cur
		return nil
	})
	if database.IsConflictOn(err, "title") {
		return nil, apperr.Validation("title", "is already taken")
	}
	if err != nil {
		return nil, err
	}

	s.committed(ctx, lobbyID)
	topics := topicsFor(after)
	if after.IsHidden && !before.IsHidden {
		topics = append(topics, broadcast.GlobalTopic)
	}
	s.publish(ctx, broadcast.LobbyUpdated, broadcast.LobbyChange{LobbyID: lobbyID, Fields: changed}, topics...)
	if !sameHost(before.HostID, after.HostID) {
		s.hostChanged(ctx, after, before.HostID)
	}
	s.hooks.After(ctx, hooks.LobbyUpdate, *after)
	return after, nil
}

// applyUpdate mutates cur in place and returns the changed fields.
func applyUpdate(cur *models.Lobby, attrs models.LobbyAttrs, newHash *string) (map[string]any, error) {
	changed := map[string]any{}
	if attrs.Title != nil {
		if t := strings.TrimSpace(*attrs.Title); t != cur.Title {
			cur.Title = t
			changed["title"] = t
		}
	}
	if attrs.MaxUsers != nil && *attrs.MaxUsers != cur.MaxUsers {
		if *attrs.MaxUsers < cur.MemberCount() {
			return nil, apperr.New(apperr.KindTooSmall, "max_users is below the current member count")
		}
		cur.MaxUsers = *attrs.MaxUsers
		changed["max_users"] = cur.MaxUsers
	}
	if attrs.IsHidden != nil && *attrs.IsHidden != cur.IsHidden {
		cur.IsHidden = *attrs.IsHidden
		changed["is_hidden"] = cur.IsHidden
	}
	if attrs.IsLocked != nil && *attrs.IsLocked != cur.IsLocked {
		cur.IsLocked = *attrs.IsLocked
		changed["is_locked"] = cur.IsLocked
	}
	if attrs.Metadata != nil {
		cur.Metadata = attrs.Metadata
		changed["metadata"] = cur.Metadata
	}
	if newHash != nil {
		cur.PasswordHash = *newHash
		changed["has_password"] = cur.HasPassword()
	}
	if attrs.HostID != nil && !cur.IsHost(*attrs.HostID) {
		if cur.Hostless {
			return nil, apperr.Validation("host_id", "hostless lobbies have no host")
		}
		member := false
		for _, id := range cur.MemberIDs {
			if id == *attrs.HostID {
				member = true
				break
			}
		}
		if !member {
			return nil, apperr.New(apperr.KindNotInLobby, "new host is not in this lobby")
		}
		h := *attrs.HostID
		cur.HostID = &h
		changed["host_id"] = h
	}
	return changed, nil
}

// Delete removes a lobby and clears every member's lobby_id.
func (s *Service) Delete(ctx context.Context, lobbyID int64) error {
	return s.delete(ctx, lobbyID, nil)
}

// DeleteByHost is Delete restricted to the lobby's host.
func (s *Service) DeleteByHost(ctx context.Context, hostID, lobbyID int64) error {
	return s.delete(ctx, lobbyID, &hostID)
}

func (s *Service) delete(ctx context.Context, lobbyID int64, hostID *int64) error {
	l, err := s.Get(ctx, lobbyID)
	if err != nil {
		return err
	}
	if hostID != nil && !l.IsHost(*hostID) {
		return apperr.New(apperr.KindNotHost, "only the host can delete the lobby")
	}
	if _, err := s.hooks.Before(ctx, hooks.LobbyDelete, *l); err != nil {
		return err
	}

	var (
		removed []int64
		last    *models.Lobby
	)
	err = s.store.InTx(ctx, func(tx *database.Tx) error {
		if err := tx.AcquireLock(ctx, database.LockLobby, lobbyID); err != nil {
			return err
		}
		cur, err := tx.GetLobby(ctx, lobbyID)
		if err != nil {
			return database.AsNotFound(err, "lobby")
		}
		if hostID != nil && !cur.IsHost(*hostID) {
			return apperr.New(apperr.KindNotHost, "only the host can delete the lobby")
		}
		last = cur
		removed, err = tx.DeleteLobby(ctx, lobbyID)
		return database.AsNotFound(err, "lobby")
	})
	if err != nil {
		return err
	}

	s.committed(ctx, lobbyID)
	s.publish(ctx, broadcast.LobbyDeleted, broadcast.LobbyChange{
		LobbyID: lobbyID,
		Fields:  map[string]any{"user_ids": removed},
	}, topicsFor(last)...)
	s.hooks.After(ctx, hooks.LobbyDelete, *last)
	s.log.WithFields(logrus.Fields{"lobby_id": lobbyID, "members": len(removed)}).Info("lobby deleted")
	return nil
}
