// internal/matchmaking/quickjoin.go

// Package matchmaking finds a compatible open lobby for a user or a party, or creates one.
package matchmaking

import (
	"context"
	"errors"
	"sort"

	"github.com/jason-s-yu/cambia-lobby/internal/apperr"
	"github.com/jason-s-yu/cambia-lobby/internal/database"
	"github.com/jason-s-yu/cambia-lobby/internal/lobby"
	"github.com/jason-s-yu/cambia-lobby/internal/models"
	"github.com/sirupsen/logrus"
)

// Request describes what the caller is looking for.
type Request struct {
	UserID int64 `json:"-"`
	// AsParty moves the whole party the user leads instead of the user alone.
	AsParty bool `json:"as_party"`
	// Title is used only when a new lobby has to be created.
	Title    *string           `json:"title,omitempty"`
	Capacity int               `json:"capacity"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// Result is the lobby the caller ended up in.
type Result struct {
	Lobby   *models.Lobby `json:"lobby"`
	Created bool          `json:"created"`
}

// Matcher runs quick joins.
type Matcher struct {
	store   *database.Store
	lobbies *lobby.Service
	log     *logrus.Entry
}

// NewMatcher wires a Matcher.
func NewMatcher(store *database.Store, lobbies *lobby.Service, logger *logrus.Logger) *Matcher {
	return &Matcher{
		store:   store,
		lobbies: lobbies,
		log:     logger.WithField("component", "matchmaking"),
	}
}

// QuickJoin tries open lobbies with the requested capacity and matching metadata, most free
// slots first. A candidate lost to a concurrent change is skipped. When none succeeds a new
// lobby is created with the requested capacity and metadata.
func (m *Matcher) QuickJoin(ctx context.Context, req Request) (*Result, error) {
	if req.Capacity <= 0 {
		return nil, apperr.Validation("capacity", "must be greater than 0")
	}
	size, err := m.groupSize(ctx, req)
	if err != nil {
		return nil, err
	}

	candidates, err := m.candidates(ctx, req, size)
	if err != nil {
		return nil, err
	}
	log := m.log.WithFields(logrus.Fields{"user_id": req.UserID, "party": req.AsParty, "capacity": req.Capacity})

	for _, c := range candidates {
		l, err := m.join(ctx, req, c.ID)
		if err == nil {
			log.WithField("lobby_id", l.ID).Debug("quick join matched existing lobby")
			return &Result{Lobby: l}, nil
		}
		if !skippable(err) {
			return nil, err
		}
		log.WithError(err).WithField("lobby_id", c.ID).Debug("quick join candidate lost, trying next")
	}

	l, err := m.create(ctx, req)
	if err != nil {
		return nil, err
	}
	log.WithField("lobby_id", l.ID).Info("quick join created lobby")
	return &Result{Lobby: l, Created: true}, nil
}

// groupSize is 1 for a solo join, or the size of the party the user leads.
func (m *Matcher) groupSize(ctx context.Context, req Request) (int, error) {
	if !req.AsParty {
		u, err := m.store.GetUser(ctx, req.UserID)
		if err != nil {
			return 0, database.AsNotFound(err, "user")
		}
		if u.InLobby() {
			return 0, apperr.New(apperr.KindAlreadyInLobby, "leave your current lobby first")
		}
		return 1, nil
	}
	p, err := m.store.GetPartyByLeader(ctx, req.UserID)
	if errors.Is(err, database.ErrNotFound) {
		return 0, apperr.New(apperr.KindNotLeader, "you do not lead a party")
	}
	if err != nil {
		return 0, err
	}
	if req.Capacity < len(p.MemberIDs) {
		return 0, apperr.Validation("capacity", "is smaller than the party")
	}
	return len(p.MemberIDs), nil
}

func (m *Matcher) candidates(ctx context.Context, req Request, size int) ([]*models.Lobby, error) {
	listed, err := m.lobbies.List(ctx, models.ListFilter{
		Metadata: req.Metadata,
		Joinable: true,
		MaxUsers: req.Capacity,
	})
	if err != nil {
		return nil, err
	}
	out := listed[:0]
	for _, l := range listed {
		if l.IsLocked || l.HasPassword() || l.FreeSlots() < size {
			continue
		}
		out = append(out, l)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].FreeSlots() != out[j].FreeSlots() {
			return out[i].FreeSlots() > out[j].FreeSlots()
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (m *Matcher) join(ctx context.Context, req Request, lobbyID int64) (*models.Lobby, error) {
	if req.AsParty {
		return m.lobbies.JoinParty(ctx, req.UserID, lobbyID, lobby.JoinOptions{})
	}
	return m.lobbies.Join(ctx, req.UserID, lobbyID, lobby.JoinOptions{})
}

func (m *Matcher) create(ctx context.Context, req Request) (*models.Lobby, error) {
	attrs := models.LobbyAttrs{
		Title:    req.Title,
		MaxUsers: &req.Capacity,
	}
	if len(req.Metadata) > 0 {
		attrs.Metadata = make(map[string]any, len(req.Metadata))
		for k, v := range req.Metadata {
			attrs.Metadata[k] = v
		}
	}
	if req.AsParty {
		return m.lobbies.CreateForParty(ctx, req.UserID, attrs)
	}
	return m.lobbies.Create(ctx, &req.UserID, attrs)
}

// skippable reports errors that mean the candidate changed since it was listed.
func skippable(err error) bool {
	switch apperr.KindOf(err) {
	case apperr.KindFull, apperr.KindLocked, apperr.KindPasswordNeeded, apperr.KindInvalidPassword, apperr.KindNotFound:
		return true
	}
	return false
}
