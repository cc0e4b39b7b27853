package matchmaking

import (
	"context"
	"io"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/jason-s-yu/cambia-lobby/internal/apperr"
	"github.com/jason-s-yu/cambia-lobby/internal/auth"
	"github.com/jason-s-yu/cambia-lobby/internal/broadcast"
	"github.com/jason-s-yu/cambia-lobby/internal/cache"
	"github.com/jason-s-yu/cambia-lobby/internal/database"
	"github.com/jason-s-yu/cambia-lobby/internal/hooks"
	"github.com/jason-s-yu/cambia-lobby/internal/lobby"
	"github.com/jason-s-yu/cambia-lobby/internal/models"
	"github.com/jason-s-yu/cambia-lobby/internal/party"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() {
	auth.Params = &auth.HashParams{Memory: 1024, Iterations: 1, Parallelism: 1, SaltLength: 8, KeyLength: 16}
}

type fixture struct {
	matcher *Matcher
	lobbies *lobby.Service
	parties *party.Service
	store   *database.Store
	hooks   *hooks.Registry
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	logger := logrus.New()
	logger.SetOutput(io.Discard)

	store, err := database.OpenSQLite(context.Background(), filepath.Join(t.TempDir(), "match.db"))
	require.NoError(t, err)
	t.Cleanup(store.Close)

	rec := &broadcast.Recorder{}
	reg := hooks.NewRegistry(time.Second, logger)
	lobbies := lobby.NewService(
		store,
		reg,
		cache.New(cache.Config{TTL: time.Minute, Logger: logger}),
		rec,
		logger,
		lobby.Options{DeleteEmptyLobbies: true},
	)
	return &fixture{
		matcher: NewMatcher(store, lobbies, logger),
		lobbies: lobbies,
		parties: party.NewService(store, lobbies, rec, logger),
		store:   store,
		hooks:   reg,
	}
}

func (f *fixture) user(t *testing.T, name string) int64 {
	t.Helper()
	u, err := f.store.CreateUser(context.Background(), name)
	require.NoError(t, err)
	return u.ID
}

func (f *fixture) lobby(t *testing.T, hostName string, attrs models.LobbyAttrs) *models.Lobby {
	t.Helper()
	host := f.user(t, hostName)
	l, err := f.lobbies.Create(context.Background(), &host, attrs)
	require.NoError(t, err)
	return l
}

func intPtr(v int) *int       { return &v }
func strPtr(v string) *string { return &v }
func boolPtr(v bool) *bool    { return &v }

func TestQuickJoinMatchesMetadata(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.lobby(t, "h1", models.LobbyAttrs{MaxUsers: intPtr(2), Metadata: map[string]any{"mode": "deathmatch"}})
	capture := f.lobby(t, "h2", models.LobbyAttrs{MaxUsers: intPtr(2), Metadata: map[string]any{"mode": "capture"}})

	u := f.user(t, "seeker")
	res, err := f.matcher.QuickJoin(ctx, Request{UserID: u, Capacity: 2, Metadata: map[string]string{"mode": "capture"}})
	require.NoError(t, err)
	assert.False(t, res.Created)
	assert.Equal(t, capture.ID, res.Lobby.ID)
	assert.Contains(t, res.Lobby.MemberIDs, u)
}

func TestQuickJoinCreatesWhenNothingFits(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// full, locked, protected and wrong capacity
	full := f.lobby(t, "h1", models.LobbyAttrs{MaxUsers: intPtr(1), Metadata: map[string]any{"mode": "capture"}})
	f.lobby(t, "h2", models.LobbyAttrs{MaxUsers: intPtr(4), IsLocked: boolPtr(true), Metadata: map[string]any{"mode": "capture"}})
	f.lobby(t, "h3", models.LobbyAttrs{MaxUsers: intPtr(4), Password: strPtr("pw"), Metadata: map[string]any{"mode": "capture"}})
	f.lobby(t, "h4", models.LobbyAttrs{MaxUsers: intPtr(8), Metadata: map[string]any{"mode": "capture"}})

	u := f.user(t, "seeker")
	res, err := f.matcher.QuickJoin(ctx, Request{UserID: u, Capacity: 4, Metadata: map[string]string{"mode": "capture"}})
	require.NoError(t, err)
	assert.True(t, res.Created)
	assert.NotEqual(t, full.ID, res.Lobby.ID)
	assert.Equal(t, 4, res.Lobby.MaxUsers)
	assert.Equal(t, "capture", res.Lobby.Metadata["mode"])
	assert.Equal(t, []int64{u}, res.Lobby.MemberIDs)
	assert.True(t, res.Lobby.IsHost(u))
	assert.NotEmpty(t, res.Lobby.Title)
}

func TestQuickJoinUsesRequestedTitleOnCreate(t *testing.T) {
	f := newFixture(t)
	u := f.user(t, "seeker")

	res, err := f.matcher.QuickJoin(context.Background(), Request{UserID: u, Capacity: 3, Title: strPtr("friday night")})
	require.NoError(t, err)
	assert.True(t, res.Created)
	assert.Equal(t, "friday night", res.Lobby.Title)
}

func TestQuickJoinPrefersMostFreeSlots(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	crowded := f.lobby(t, "h1", models.LobbyAttrs{MaxUsers: intPtr(4)})
	_, err := f.lobbies.Join(ctx, f.user(t, "guest"), crowded.ID, lobby.JoinOptions{})
	require.NoError(t, err)
	roomy := f.lobby(t, "h2", models.LobbyAttrs{MaxUsers: intPtr(4)})
	tie := f.lobby(t, "h3", models.LobbyAttrs{MaxUsers: intPtr(4)})

	res, err := f.matcher.QuickJoin(ctx, Request{UserID: f.user(t, "a"), Capacity: 4})
	require.NoError(t, err)
	assert.Equal(t, roomy.ID, res.Lobby.ID, "ties go to the lowest id")

	res, err = f.matcher.QuickJoin(ctx, Request{UserID: f.user(t, "b"), Capacity: 4})
	require.NoError(t, err)
	assert.Equal(t, tie.ID, res.Lobby.ID)
}

func TestQuickJoinRejections(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.matcher.QuickJoin(ctx, Request{UserID: f.user(t, "zero"), Capacity: 0})
	assert.Equal(t, apperr.KindValidation, apperr.KindOf(err))

	l := f.lobby(t, "host", models.LobbyAttrs{MaxUsers: intPtr(4)})
	_, err = f.matcher.QuickJoin(ctx, Request{UserID: *l.HostID, Capacity: 4})
	assert.Equal(t, apperr.KindAlreadyInLobby, apperr.KindOf(err))

	_, err = f.matcher.QuickJoin(ctx, Request{UserID: 9999, Capacity: 4})
	assert.Equal(t, apperr.KindNotFound, apperr.KindOf(err))

	_, err = f.matcher.QuickJoin(ctx, Request{UserID: f.user(t, "loner"), Capacity: 4, AsParty: true})
	assert.Equal(t, apperr.KindNotLeader, apperr.KindOf(err))
}

func TestQuickJoinParty(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	leader, a, b := f.user(t, "leader"), f.user(t, "a"), f.user(t, "b")
	p, err := f.parties.Create(ctx, leader, models.PartyAttrs{MaxSize: intPtr(3)})
	require.NoError(t, err)
	for _, id := range []int64{a, b} {
		_, err = f.parties.Join(ctx, id, p.ID)
		require.NoError(t, err)
	}

	_, err = f.matcher.QuickJoin(ctx, Request{UserID: leader, AsParty: true, Capacity: 2})
	assert.Equal(t, apperr.KindValidation, apperr.KindOf(err))

	tight := f.lobby(t, "h1", models.LobbyAttrs{MaxUsers: intPtr(4)})
	_, err = f.lobbies.Join(ctx, f.user(t, "guest"), tight.ID, lobby.JoinOptions{})
	require.NoError(t, err)
	open := f.lobby(t, "h2", models.LobbyAttrs{MaxUsers: intPtr(4)})

	res, err := f.matcher.QuickJoin(ctx, Request{UserID: leader, AsParty: true, Capacity: 4})
	require.NoError(t, err)
	assert.False(t, res.Created)
	assert.Equal(t, open.ID, res.Lobby.ID)
	assert.ElementsMatch(t, []int64{*open.HostID, leader, a, b}, res.Lobby.MemberIDs)

	n, err := f.store.CountLobbyMembers(ctx, tight.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestQuickJoinPartyCreates(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	leader, a := f.user(t, "leader"), f.user(t, "a")
	p, err := f.parties.Create(ctx, leader, models.PartyAttrs{MaxSize: intPtr(2)})
	require.NoError(t, err)
	_, err = f.parties.Join(ctx, a, p.ID)
	require.NoError(t, err)

	res, err := f.matcher.QuickJoin(ctx, Request{UserID: leader, AsParty: true, Capacity: 2, Metadata: map[string]string{"region": "eu"}})
	require.NoError(t, err)
	assert.True(t, res.Created)
	assert.True(t, res.Lobby.IsHost(leader))
	assert.ElementsMatch(t, []int64{leader, a}, res.Lobby.MemberIDs)
	assert.Equal(t, "eu", res.Lobby.Metadata["region"])
}

// fillOnFirstJoin seats fillers in target straight through the store the first time any
// join reaches its before hook, so the join that follows finds the lobby full.
func (f *fixture) fillOnFirstJoin(t *testing.T, target int64, fillers []int64) {
	t.Helper()
	var once sync.Once
	f.hooks.Register(hooks.LobbyJoin, "filler", func(ctx context.Context, payload any) (any, error) {
		var err error
		once.Do(func() {
			err = f.store.InTx(ctx, func(tx *database.Tx) error {
				for _, id := range fillers {
					if _, err := tx.SetUserLobby(ctx, id, target); err != nil {
						return err
					}
				}
				return nil
			})
		})
		return payload, err
	}, nil)
}

func TestQuickJoinSkipsCandidateThatFills(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	roomy := f.lobby(t, "h1", models.LobbyAttrs{MaxUsers: intPtr(3)})
	snug := f.lobby(t, "h2", models.LobbyAttrs{MaxUsers: intPtr(3)})
	_, err := f.lobbies.Join(ctx, f.user(t, "m"), snug.ID, lobby.JoinOptions{})
	require.NoError(t, err)

	f.fillOnFirstJoin(t, roomy.ID, []int64{f.user(t, "f1"), f.user(t, "f2")})

	u := f.user(t, "seeker")
	res, err := f.matcher.QuickJoin(ctx, Request{UserID: u, Capacity: 3})
	require.NoError(t, err)
	assert.False(t, res.Created)
	assert.Equal(t, snug.ID, res.Lobby.ID)
	assert.Contains(t, res.Lobby.MemberIDs, u)

	n, err := f.store.CountLobbyMembers(ctx, roomy.ID)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
}

func TestQuickJoinCreatesWhenOnlyCandidateFills(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	only := f.lobby(t, "h1", models.LobbyAttrs{MaxUsers: intPtr(2), Metadata: map[string]any{"mode": "capture"}})
	f.fillOnFirstJoin(t, only.ID, []int64{f.user(t, "f1")})

	u := f.user(t, "seeker")
	res, err := f.matcher.QuickJoin(ctx, Request{UserID: u, Capacity: 2, Metadata: map[string]string{"mode": "capture"}})
	require.NoError(t, err)
	assert.True(t, res.Created)
	assert.NotEqual(t, only.ID, res.Lobby.ID)
	assert.Equal(t, []int64{u}, res.Lobby.MemberIDs)
	assert.Equal(t, "capture", res.Lobby.Metadata["mode"])
}
