// internal/party/party.go

// Package party implements pre-lobby groups: one leader, up to MaxSize members, and an atomic
// move of the whole group into a lobby. A party never promotes a new leader; when the leader
// leaves the party is disbanded.
package party

import (
	"context"
	"crypto/rand"
	"errors"
	"strings"

	"github.com/jason-s-yu/cambia-lobby/internal/apperr"
	"github.com/jason-s-yu/cambia-lobby/internal/broadcast"
	"github.com/jason-s-yu/cambia-lobby/internal/database"
	"github.com/jason-s-yu/cambia-lobby/internal/lobby"
	"github.com/jason-s-yu/cambia-lobby/internal/models"
	"github.com/sirupsen/logrus"
)

const (
	// DefaultSize is used when create omits max_size.
	DefaultSize = 4

	codeLength   = 6
	codeAlphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"
	codeAttempts = 5
)

// Party actions carried on party_updated.
const (
	ActionCreated      = "created"
	ActionJoined       = "joined"
	ActionLeft         = "left"
	ActionKicked       = "kicked"
	ActionUpdated      = "updated"
	ActionEnteredLobby = "entered_lobby"
)

// Service is the party membership service.
type Service struct {
	store   *database.Store
	lobbies *lobby.Service
	pub     broadcast.Publisher
	log     *logrus.Entry
}

// NewService wires a Service.
func NewService(store *database.Store, lobbies *lobby.Service, pub broadcast.Publisher, logger *logrus.Logger) *Service {
	return &Service{
		store:   store,
		lobbies: lobbies,
		pub:     pub,
		log:     logger.WithField("component", "party"),
	}
}

func generateCode() (string, error) {
	b := make([]byte, codeLength)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	for i := range b {
		b[i] = codeAlphabet[int(b[i])%len(codeAlphabet)]
	}
	return string(b), nil
}

func validateSize(size int) error {
	if size < models.MinPartySize || size > models.MaxPartySize {
		return apperr.Validation("max_size", "must be between 2 and 32")
	}
	return nil
}

func alreadyInParty() error {
	return apperr.New(apperr.KindAlreadyInParty, "leave your current party first")
}

func notInParty() error {
	return apperr.New(apperr.KindNotInParty, "not in this party")
}

// Get returns a party with its members.
func (s *Service) Get(ctx context.Context, partyID int64) (*models.Party, error) {
	p, err := s.store.GetParty(ctx, partyID)
	if err != nil {
		return nil, database.AsNotFound(err, "party")
	}
	return p, nil
}

// GetByCode looks a party up by its share code, ignoring case.
func (s *Service) GetByCode(ctx context.Context, code string) (*models.Party, error) {
	code = strings.ToUpper(strings.TrimSpace(code))
	if code == "" {
		return nil, apperr.Validation("code", "is required")
	}
	p, err := s.store.GetPartyByCode(ctx, code)
	if err != nil {
		return nil, database.AsNotFound(err, "party")
	}
	return p, nil
}

// Create makes a party led by leaderID, who becomes its first member.
func (s *Service) Create(ctx context.Context, leaderID int64, attrs models.PartyAttrs) (*models.Party, error) {
	size := DefaultSize
	if attrs.MaxSize != nil {
		size = *attrs.MaxSize
	}
	if err := validateSize(size); err != nil {
		return nil, err
	}
	u, err := s.store.GetUser(ctx, leaderID)
	if err != nil {
		return nil, database.AsNotFound(err, "user")
	}
	if u.InParty() {
		return nil, alreadyInParty()
	}

	for i := 0; i < codeAttempts; i++ {
		code, err := generateCode()
		if err != nil {
			return nil, err
		}
		p := &models.Party{LeaderID: leaderID, MaxSize: size, Metadata: attrs.Metadata, Code: code}

		var created *models.Party
		err = s.store.InTx(ctx, func(tx *database.Tx) error {
			if err := tx.InsertParty(ctx, p); err != nil {
				return err
			}
			ok, err := tx.SetUserParty(ctx, leaderID, p.ID)
			if err != nil {
				return err
			}
			if !ok {
				return alreadyInParty()
			}
			created, err = tx.GetParty(ctx, p.ID)
			return err
		})
		switch {
		case database.IsConflictOn(err, "code"):
			continue
		case database.IsConflictOn(err, "leader_id"):
			return nil, apperr.New(apperr.KindAlreadyInParty, "you already lead a party")
		case err != nil:
			return nil, err
		}
		s.changed(ctx, created, ActionCreated, nil)
		s.log.WithFields(logrus.Fields{"party_id": created.ID, "leader_id": leaderID}).Info("party created")
		return created, nil
	}
	return nil, apperr.Unavailable("generate party code", errors.New("every generated code collided"))
}

// Join adds userID to the party, enforcing max_size under the party lock.
func (s *Service) Join(ctx context.Context, userID, partyID int64) (*models.Party, error) {
	u, err := s.store.GetUser(ctx, userID)
	if err != nil {
		return nil, database.AsNotFound(err, "user")
	}
	if u.InParty() {
		return nil, alreadyInParty()
	}

	var joined *models.Party
	err = s.store.InTx(ctx, func(tx *database.Tx) error {
		if err := tx.AcquireLock(ctx, database.LockParty, partyID); err != nil {
			return err
		}
		p, err := tx.GetParty(ctx, partyID)
		if err != nil {
			return database.AsNotFound(err, "party")
		}
		if len(p.MemberIDs) >= p.MaxSize {
			return apperr.New(apperr.KindFull, "party is full")
		}
		ok, err := tx.SetUserParty(ctx, userID, partyID)
		if err != nil {
			return err
		}
		if !ok {
			return alreadyInParty()
		}
		joined, err = tx.GetParty(ctx, partyID)
		return err
	})
	if err != nil {
		return nil, err
	}
	s.changed(ctx, joined, ActionJoined, nil)
	return joined, nil
}

// JoinByCode is Join addressed by share code.
func (s *Service) JoinByCode(ctx context.Context, userID int64, code string) (*models.Party, error) {
	p, err := s.GetByCode(ctx, code)
	if err != nil {
		return nil, err
	}
	return s.Join(ctx, userID, p.ID)
}

// LeaveResult describes what a leave did to the party.
type LeaveResult struct {
	PartyID   int64   `json:"party_id"`
	Disbanded bool    `json:"disbanded"`
	Removed   []int64 `json:"removed"`
}

// Leave removes userID from their party. If userID leads it, the party is disbanded and
// every member's party_id is cleared in the same transaction.
func (s *Service) Leave(ctx context.Context, userID int64) (*LeaveResult, error) {
	u, err := s.store.GetUser(ctx, userID)
	if err != nil {
		return nil, database.AsNotFound(err, "user")
	}
	if !u.InParty() {
		return nil, apperr.New(apperr.KindNotInParty, "you are not in a party")
	}
	partyID := *u.PartyID

	res := &LeaveResult{PartyID: partyID}
	var after *models.Party
	err = s.store.InTx(ctx, func(tx *database.Tx) error {
		if err := tx.AcquireLock(ctx, database.LockParty, partyID); err != nil {
			return err
		}
		p, err := tx.GetParty(ctx, partyID)
		if err != nil {
			return database.AsNotFound(err, "party")
		}
		if p.IsLeader(userID) {
			removed, err := tx.DeleteParty(ctx, partyID)
			if err != nil {
				return err
			}
			res.Disbanded = true
			res.Removed = removed
			return nil
		}
		ok, err := tx.ClearUserParty(ctx, userID, partyID)
		if err != nil {
			return err
		}
		if !ok {
			return apperr.New(apperr.KindNotInParty, "you are not in a party")
		}
		res.Removed = []int64{userID}
		after, err = tx.GetParty(ctx, partyID)
		return err
	})
	if err != nil {
		return nil, err
	}

	if res.Disbanded {
		s.publish(ctx, partyID, broadcast.PartyDisbanded, broadcast.PartyChange{PartyID: partyID, MemberIDs: res.Removed})
		s.log.WithFields(logrus.Fields{"party_id": partyID, "members": len(res.Removed)}).Info("party disbanded")
		return res, nil
	}
	s.changed(ctx, after, ActionLeft, nil)
	return res, nil
}

// Kick removes targetID from the party led by leaderID.
func (s *Service) Kick(ctx context.Context, leaderID, targetID int64) (*models.Party, error) {
	if leaderID == targetID {
		return nil, apperr.New(apperr.KindCannotKickSelf, "use leave to disband the party")
	}
	p, err := s.ledBy(ctx, leaderID)
	if err != nil {
		return nil, err
	}

	var after *models.Party
	err = s.store.InTx(ctx, func(tx *database.Tx) error {
		if _, err := s.lockLed(ctx, tx, p.ID, leaderID); err != nil {
			return err
		}
		ok, err := tx.ClearUserParty(ctx, targetID, p.ID)
		if err != nil {
			return err
		}
		if !ok {
			return notInParty()
		}
		after, err = tx.GetParty(ctx, p.ID)
		return err
	})
	if err != nil {
		return nil, err
	}
	s.changed(ctx, after, ActionKicked, nil)
	return after, nil
}

// Update changes max_size and metadata on behalf of the leader. max_size may not drop below
// the current member count.
func (s *Service) Update(ctx context.Context, leaderID int64, attrs models.PartyAttrs) (*models.Party, error) {
	if attrs.MaxSize != nil {
		if err := validateSize(*attrs.MaxSize); err != nil {
			return nil, err
		}
	}
	p, err := s.ledBy(ctx, leaderID)
	if err != nil {
		return nil, err
	}

	var after *models.Party
	err = s.store.InTx(ctx, func(tx *database.Tx) error {
		cur, err := s.lockLed(ctx, tx, p.ID, leaderID)
		if err != nil {
			return err
		}
		if attrs.MaxSize != nil {
			if *attrs.MaxSize < len(cur.MemberIDs) {
				return apperr.New(apperr.KindTooSmall, "max_size is below the current member count")
			}
			cur.MaxSize = *attrs.MaxSize
		}
		if attrs.Metadata != nil {
			cur.Metadata = attrs.Metadata
		}
		if err := tx.UpdateParty(ctx, cur); err != nil {
			return err
		}
		after = cur
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.changed(ctx, after, ActionUpdated, nil)
	return after, nil
}

// EnterTarget selects the lobby a party enters: an existing lobby by id, or a new one built
// from Attrs when LobbyID is nil.
type EnterTarget struct {
	LobbyID  *int64
	Attrs    models.LobbyAttrs
	Password string
}

// EnterLobby moves the whole party led by leaderID into the target lobby atomically. The
// members keep their party.
func (s *Service) EnterLobby(ctx context.Context, leaderID int64, target EnterTarget) (*models.Lobby, error) {
	p, err := s.ledBy(ctx, leaderID)
	if err != nil {
		return nil, err
	}

	var l *models.Lobby
	if target.LobbyID != nil {
		l, err = s.lobbies.JoinParty(ctx, leaderID, *target.LobbyID, lobby.JoinOptions{Password: target.Password})
	} else {
		l, err = s.lobbies.CreateForParty(ctx, leaderID, target.Attrs)
	}
	if err != nil {
		return nil, err
	}

	lobbyID := l.ID
	s.changed(ctx, p, ActionEnteredLobby, &lobbyID)
	return l, nil
}

// ledBy returns the party leaderID leads, or not_leader.
func (s *Service) ledBy(ctx context.Context, leaderID int64) (*models.Party, error) {
	p, err := s.store.GetPartyByLeader(ctx, leaderID)
	if errors.Is(err, database.ErrNotFound) {
		return nil, apperr.New(apperr.KindNotLeader, "you do not lead a party")
	}
	return p, err
}

// lockLed takes the party lock and re-checks leadership.
func (s *Service) lockLed(ctx context.Context, tx *database.Tx, partyID, leaderID int64) (*models.Party, error) {
	if err := tx.AcquireLock(ctx, database.LockParty, partyID); err != nil {
		return nil, err
	}
	p, err := tx.GetParty(ctx, partyID)
	if err != nil {
		return nil, database.AsNotFound(err, "party")
	}
	if !p.IsLeader(leaderID) {
		return nil, apperr.New(apperr.KindNotLeader, "you do not lead this party")
	}
	return p, nil
}

func (s *Service) changed(ctx context.Context, p *models.Party, action string, lobbyID *int64) {
	s.publish(ctx, p.ID, broadcast.PartyUpdated, broadcast.PartyChange{
		PartyID:   p.ID,
		MemberIDs: p.MemberIDs,
		Action:    action,
		LobbyID:   lobbyID,
	})
}

func (s *Service) publish(ctx context.Context, partyID int64, name string, payload any) {
	if err := s.pub.Publish(ctx, broadcast.PartyTopic(partyID), name, payload); err != nil {
		s.log.WithError(err).WithFields(logrus.Fields{"party_id": partyID, "event": name}).Warn("broadcast failed")
	}
}
