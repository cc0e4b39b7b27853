// internal/lobby/service.go

// Package lobby implements lobby membership: create, join, leave, kick, host updates and
// deletion. Every mutation runs in one store transaction under the lobby's advisory lock;
// cache invalidation, broadcasts and after hooks follow the commit.
package lobby

import (
	"context"

	"github.com/jason-s-yu/cambia-lobby/internal/apperr"
	"github.com/jason-s-yu/cambia-lobby/internal/broadcast"
	"github.com/jason-s-yu/cambia-lobby/internal/cache"
	"github.com/jason-s-yu/cambia-lobby/internal/database"
	"github.com/jason-s-yu/cambia-lobby/internal/hooks"
	"github.com/jason-s-yu/cambia-lobby/internal/models"
	"github.com/sirupsen/logrus"
)

// Options tunes service behavior.
type Options struct {
	// DeleteEmptyLobbies removes a non-hostless lobby when its last member leaves.
	DeleteEmptyLobbies bool
}

// JoinOptions carries per-join input.
type JoinOptions struct {
	Password string
}

// Service is the lobby membership service.
type Service struct {
	store *database.Store
	hooks hooks.Dispatcher
	cache *cache.Cache
	pub   broadcast.Publisher
	log   *logrus.Entry
	opts  Options
}

// NewService wires a Service. A nil dispatcher disables hooks.
func NewService(
	store *database.Store,
	dispatcher hooks.Dispatcher,
	c *cache.Cache,
	pub broadcast.Publisher,
	logger *logrus.Logger,
	opts Options,
) *Service {
	if dispatcher == nil {
		dispatcher = hooks.Nop{}
	}
	return &Service{
		store: store,
		hooks: dispatcher,
		cache: c,
		pub:   pub,
		log:   logger.WithField("component", "lobby"),
		opts:  opts,
	}
}

// Get returns a lobby through the cache.
func (s *Service) Get(ctx context.Context, lobbyID int64) (*models.Lobby, error) {
	return s.cache.GetOrLoad(ctx, lobbyID, func(ctx context.Context) (*models.Lobby, error) {
		l, err := s.store.GetLobby(ctx, lobbyID)
		if err != nil {
			return nil, database.AsNotFound(err, "lobby")
		}
		return l, nil
	})
}

// List returns visible lobbies matching filter, in id order.
func (s *Service) List(ctx context.Context, filter models.ListFilter) ([]*models.Lobby, error) {
	ids, err := s.store.ListLobbyIDs(ctx, filter)
	if err != nil {
		return nil, err
	}
	return s.loadMatching(ctx, ids, filter)
}

// ListForUser lists visible lobbies plus the user's own lobby when it is hidden.
func (s *Service) ListForUser(ctx context.Context, userID int64, filter models.ListFilter) ([]*models.Lobby, error) {
	u, err := s.store.GetUser(ctx, userID)
	if err != nil {
		return nil, database.AsNotFound(err, "user")
	}
	filter.IncludeHidden = false
	out, err := s.List(ctx, filter)
	if err != nil {
		return nil, err
	}
	if !u.InLobby() {
		return out, nil
	}
	for _, l := range out {
		if l.ID == *u.LobbyID {
			return out, nil
		}
	}
	own, err := s.Get(ctx, *u.LobbyID)
	if apperr.KindOf(err) == apperr.KindNotFound {
		return out, nil
	}
	if err != nil {
		return nil, err
	}
	if Matches(own, filter) {
		out = append([]*models.Lobby{own}, out...)
	}
	return out, nil
}

func (s *Service) loadMatching(ctx context.Context, ids []int64, filter models.ListFilter) ([]*models.Lobby, error) {
	out := make([]*models.Lobby, 0, len(ids))
	for _, id := range ids {
		l, err := s.Get(ctx, id)
		if apperr.KindOf(err) == apperr.KindNotFound {
			continue
		}
		if err != nil {
			return nil, err
		}
		if Matches(l, filter) {
			out = append(out, l)
		}
	}
	return out, nil
}

// committed runs the post-commit side effects for a lobby mutation: synchronous cache
// invalidation, then broadcasts. Failures are logged; the change is already durable.
func (s *Service) committed(ctx context.Context, lobbyID int64) {
	if err := s.cache.Invalidate(ctx, lobbyID); err != nil {
		s.log.WithError(err).WithField("lobby_id", lobbyID).Error("cache invalidation failed")
	}
}

func (s *Service) publish(ctx context.Context, name string, payload any, topics ...string) {
	for _, topic := range topics {
		if err := s.pub.Publish(ctx, topic, name, payload); err != nil {
			s.log.WithError(err).WithFields(logrus.Fields{"topic": topic, "event": name}).Warn("broadcast failed")
		}
	}
}

// topicsFor returns the per-lobby topic, plus the global topic for visible lobbies.
func topicsFor(l *models.Lobby) []string {
	if l.IsHidden {
		return []string{broadcast.LobbyTopic(l.ID)}
	}
	return []string{broadcast.LobbyTopic(l.ID), broadcast.GlobalTopic}
}

func (s *Service) membershipChanged(ctx context.Context, l *models.Lobby, action string, userIDs []int64) {
	s.publish(ctx, broadcast.LobbyMembershipChanged, broadcast.MembershipChange{
		LobbyID:     l.ID,
		UserIDs:     userIDs,
		Action:      action,
		MemberCount: l.MemberCount(),
	}, topicsFor(l)...)
}

func (s *Service) hostChanged(ctx context.Context, l *models.Lobby, oldHost *int64) {
	s.publish(ctx, broadcast.LobbyHostChanged, broadcast.HostChange{
		LobbyID: l.ID,
		HostID:  l.HostID,
	}, broadcast.LobbyTopic(l.ID))
	s.hooks.After(ctx, hooks.LobbyHostChange, hooks.HostChangePayload{
		LobbyID:   l.ID,
		OldHostID: oldHost,
		NewHostID: l.HostID,
	})
}

func sameHost(a, b *int64) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}
