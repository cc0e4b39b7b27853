package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/jason-s-yu/cambia-lobby/internal/apperr"
	"github.com/jason-s-yu/cambia-lobby/internal/auth"
	"github.com/jason-s-yu/cambia-lobby/internal/broadcast"
	"github.com/jason-s-yu/cambia-lobby/internal/cache"
	"github.com/jason-s-yu/cambia-lobby/internal/database"
	"github.com/jason-s-yu/cambia-lobby/internal/hooks"
	"github.com/jason-s-yu/cambia-lobby/internal/lobby"
	"github.com/jason-s-yu/cambia-lobby/internal/matchmaking"
	"github.com/jason-s-yu/cambia-lobby/internal/models"
	"github.com/jason-s-yu/cambia-lobby/internal/party"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() {
	auth.Params = &auth.HashParams{Memory: 1024, Iterations: 1, Parallelism: 1, SaltLength: 8, KeyLength: 16}
}

type testServer struct {
	*httptest.Server
	hooks *hooks.Registry
	hub   *broadcast.Hub
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	require.NoError(t, auth.Init(time.Hour))

	logger := logrus.New()
	logger.SetOutput(io.Discard)

	store, err := database.OpenSQLite(context.Background(), filepath.Join(t.TempDir(), "api.db"))
	require.NoError(t, err)
	t.Cleanup(store.Close)

	hub := broadcast.NewHub(16, logger)
	registry := hooks.NewRegistry(time.Second, logger)
	lobbies := lobby.NewService(store, registry,
		cache.New(cache.Config{TTL: time.Minute, Logger: logger}), hub, logger,
		lobby.Options{DeleteEmptyLobbies: true})
	api := NewAPIServer(store, lobbies,
		party.NewService(store, lobbies, hub, logger),
		matchmaking.NewMatcher(store, lobbies, logger),
		hub, logger)

	srv := httptest.NewServer(api.Routes())
	t.Cleanup(srv.Close)
	return &testServer{Server: srv, hooks: registry, hub: hub}
}

// signup creates a user over HTTP and returns its id and session token.
func (s *testServer) signup(t *testing.T, name string) (int64, string) {
	t.Helper()
	res, body := s.do(t, http.MethodPost, "/users", "", map[string]string{"username": name})
	require.Equal(t, http.StatusCreated, res.StatusCode, string(body))

	var out createUserResponse
	require.NoError(t, json.Unmarshal(body, &out))
	require.NotEmpty(t, out.Token)

	var cookie *http.Cookie
	for _, c := range res.Cookies() {
		if c.Name == authCookie {
			cookie = c
		}
	}
	require.NotNil(t, cookie, "auth cookie not set")
	assert.Equal(t, out.Token, cookie.Value)
	return out.User.ID, out.Token
}

func (s *testServer) do(t *testing.T, method, path, token string, body any) (*http.Response, []byte) {
	t.Helper()
	var r io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		r = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, s.URL+path, r)
	require.NoError(t, err)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	res, err := s.Client().Do(req)
	require.NoError(t, err)
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	require.NoError(t, err)
	return res, data
}

func decode[T any](t *testing.T, body []byte) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(body, &v), string(body))
	return v
}

func lobbyPath(id int64, suffix string) string {
	return "/lobbies/" + strconv.FormatInt(id, 10) + suffix
}

func TestAuthRequired(t *testing.T) {
	s := newTestServer(t)

	res, _ := s.do(t, http.MethodPost, "/lobbies", "", map[string]any{"max_users": 4})
	assert.Equal(t, http.StatusUnauthorized, res.StatusCode)

	res, _ = s.do(t, http.MethodPost, "/lobbies", "not-a-jwt", map[string]any{"max_users": 4})
	assert.Equal(t, http.StatusForbidden, res.StatusCode)

	id, token := s.signup(t, "alice")
	res, body := s.do(t, http.MethodGet, "/users/me", token, nil)
	require.Equal(t, http.StatusOK, res.StatusCode)
	assert.Equal(t, id, decode[models.User](t, body).ID)

	res, _ = s.do(t, http.MethodPost, "/users", "", map[string]string{"username": "  "})
	assert.Equal(t, http.StatusUnprocessableEntity, res.StatusCode)
}

func TestLobbyLifecycle(t *testing.T) {
	s := newTestServer(t)
	hostID, host := s.signup(t, "host")
	guestID, guest := s.signup(t, "guest")

	res, body := s.do(t, http.MethodPost, "/lobbies", host, map[string]any{
		"title": "Capture Night", "max_users": 2, "metadata": map[string]any{"mode": "capture"},
	})
	require.Equal(t, http.StatusCreated, res.StatusCode, string(body))
	created := decode[models.Lobby](t, body)
	assert.Equal(t, []int64{hostID}, created.MemberIDs)

	res, body = s.do(t, http.MethodGet, "/lobbies?meta.mode=capture", "", nil)
	require.Equal(t, http.StatusOK, res.StatusCode)
	assert.Len(t, decode[[]models.Lobby](t, body), 1)
	res, body = s.do(t, http.MethodGet, "/lobbies?meta.mode=deathmatch", "", nil)
	require.Equal(t, http.StatusOK, res.StatusCode)
	assert.JSONEq(t, "[]", string(body))

	res, body = s.do(t, http.MethodPost, lobbyPath(created.ID, "/join"), guest, nil)
	require.Equal(t, http.StatusOK, res.StatusCode, string(body))
	assert.Equal(t, []int64{hostID, guestID}, decode[models.Lobby](t, body).MemberIDs)

	res, body = s.do(t, http.MethodPost, lobbyPath(created.ID, "/join"), guest, nil)
	assert.Equal(t, http.StatusConflict, res.StatusCode)
	assert.Equal(t, string(apperr.KindAlreadyInLobby), decode[errorBody](t, body).Error)

	res, _ = s.do(t, http.MethodPost, lobbyPath(created.ID, "/kick"), guest, map[string]any{"user_id": hostID})
	assert.Equal(t, http.StatusForbidden, res.StatusCode)

	res, body = s.do(t, http.MethodPatch, lobbyPath(created.ID, ""), host, map[string]any{"max_users": 0})
	require.Equal(t, http.StatusUnprocessableEntity, res.StatusCode)
	assert.Contains(t, decode[errorBody](t, body).Fields, "max_users")

	res, body = s.do(t, http.MethodPatch, lobbyPath(created.ID, ""), host, map[string]any{"max_users": 1})
	assert.Equal(t, http.StatusConflict, res.StatusCode)
	assert.Equal(t, string(apperr.KindTooSmall), decode[errorBody](t, body).Error)

	res, _ = s.do(t, http.MethodPost, lobbyPath(created.ID, "/kick"), host, map[string]any{"user_id": guestID})
	require.Equal(t, http.StatusNoContent, res.StatusCode)

	res, body = s.do(t, http.MethodPost, "/lobbies/leave", guest, nil)
	assert.Equal(t, http.StatusConflict, res.StatusCode)
	assert.Equal(t, string(apperr.KindNotInLobby), decode[errorBody](t, body).Error)

	res, _ = s.do(t, http.MethodDelete, lobbyPath(created.ID, ""), guest, nil)
	assert.Equal(t, http.StatusForbidden, res.StatusCode)
	res, _ = s.do(t, http.MethodDelete, lobbyPath(created.ID, ""), host, nil)
	require.Equal(t, http.StatusNoContent, res.StatusCode)

	res, body = s.do(t, http.MethodGet, lobbyPath(created.ID, ""), "", nil)
	assert.Equal(t, http.StatusNotFound, res.StatusCode)
	assert.Equal(t, "lobby", decode[errorBody](t, body).Reason)
}

func TestHiddenLobbyListing(t *testing.T) {
	s := newTestServer(t)
	_, host := s.signup(t, "host")

	res, body := s.do(t, http.MethodPost, "/lobbies", host, map[string]any{"max_users": 4, "is_hidden": true})
	require.Equal(t, http.StatusCreated, res.StatusCode, string(body))
	hidden := decode[models.Lobby](t, body)

	_, body = s.do(t, http.MethodGet, "/lobbies", "", nil)
	assert.JSONEq(t, "[]", string(body))

	res, body = s.do(t, http.MethodGet, "/lobbies/mine", host, nil)
	require.Equal(t, http.StatusOK, res.StatusCode)
	mine := decode[[]models.Lobby](t, body)
	require.Len(t, mine, 1)
	assert.Equal(t, hidden.ID, mine[0].ID)
}

func TestHookRejectionReason(t *testing.T) {
	s := newTestServer(t)
	_, host := s.signup(t, "host")
	s.hooks.Register(hooks.LobbyCreate, "no-lobbies", func(context.Context, any) (any, error) {
		return nil, hooks.Reject("maintenance window")
	}, nil)

	res, body := s.do(t, http.MethodPost, "/lobbies", host, map[string]any{"max_users": 4})
	require.Equal(t, http.StatusForbidden, res.StatusCode)
	got := decode[errorBody](t, body)
	assert.Equal(t, string(apperr.KindHookRejected), got.Error)
	assert.Equal(t, "maintenance window", got.Reason)
}

func TestPartyEnterLobbyOverHTTP(t *testing.T) {
	s := newTestServer(t)
	leaderID, leader := s.signup(t, "leader")
	memberID, member := s.signup(t, "member")

	res, body := s.do(t, http.MethodPost, "/parties", leader, map[string]any{"max_size": 2})
	require.Equal(t, http.StatusCreated, res.StatusCode, string(body))
	p := decode[models.Party](t, body)
	require.NotEmpty(t, p.Code)

	res, body = s.do(t, http.MethodGet, "/parties/"+strconv.FormatInt(p.ID, 10), "", nil)
	require.Equal(t, http.StatusOK, res.StatusCode)
	assert.Empty(t, decode[models.Party](t, body).Code)

	res, body = s.do(t, http.MethodPost, "/parties/join_code", member, map[string]string{"code": p.Code})
	require.Equal(t, http.StatusOK, res.StatusCode, string(body))

	res, _ = s.do(t, http.MethodPost, "/parties/enter_lobby", member, map[string]any{"lobby": map[string]any{"max_users": 4}})
	assert.Equal(t, http.StatusForbidden, res.StatusCode)

	res, body = s.do(t, http.MethodPost, "/parties/enter_lobby", leader, map[string]any{"lobby": map[string]any{"max_users": 4}})
	require.Equal(t, http.StatusCreated, res.StatusCode, string(body))
	l := decode[models.Lobby](t, body)
	assert.ElementsMatch(t, []int64{leaderID, memberID}, l.MemberIDs)

	res, body = s.do(t, http.MethodPost, "/parties/leave", leader, nil)
	require.Equal(t, http.StatusOK, res.StatusCode)
	assert.True(t, decode[party.LeaveResult](t, body).Disbanded)
}

func TestQuickJoinOverHTTP(t *testing.T) {
	s := newTestServer(t)
	_, seeker := s.signup(t, "seeker")
	_, other := s.signup(t, "other")

	res, body := s.do(t, http.MethodPost, "/lobbies/quick_join", seeker, map[string]any{
		"capacity": 2, "metadata": map[string]string{"mode": "duel"},
	})
	require.Equal(t, http.StatusCreated, res.StatusCode, string(body))
	first := decode[matchmaking.Result](t, body)
	assert.True(t, first.Created)

	res, body = s.do(t, http.MethodPost, "/lobbies/quick_join", other, map[string]any{
		"capacity": 2, "metadata": map[string]string{"mode": "duel"},
	})
	require.Equal(t, http.StatusOK, res.StatusCode, string(body))
	second := decode[matchmaking.Result](t, body)
	assert.False(t, second.Created)
	assert.Equal(t, first.Lobby.ID, second.Lobby.ID)
}

func TestEventsWebSocket(t *testing.T) {
	s := newTestServer(t)
	_, host := s.signup(t, "host")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	u, err := url.Parse(s.URL)
	require.NoError(t, err)
	u.Scheme = "ws"
	u.Path = "/ws"
	u.RawQuery = url.Values{"topic": {broadcast.GlobalTopic}}.Encode()

	c, res, err := websocket.Dial(ctx, u.String(), &websocket.DialOptions{
		HTTPHeader:   http.Header{"Cookie": {authCookie + "=" + host}},
		Subprotocols: []string{eventsSubprotocol},
	})
	require.NoError(t, err)
	defer c.Close(websocket.StatusNormalClosure, "")
	assert.Equal(t, http.StatusSwitchingProtocols, res.StatusCode)

	// the handler subscribes right after the upgrade completes
	require.Eventually(t, func() bool {
		return s.hub.Subscribers(broadcast.GlobalTopic) == 1
	}, time.Second, 10*time.Millisecond)
	res, body := s.do(t, http.MethodPost, "/lobbies", host, map[string]any{"max_users": 4})
	require.Equal(t, http.StatusCreated, res.StatusCode, string(body))

	var ev map[string]any
	require.NoError(t, wsjson.Read(ctx, c, &ev))
	assert.Equal(t, broadcast.LobbyCreated, ev["event"])
	assert.Equal(t, broadcast.GlobalTopic, ev["topic"])
}

func TestEventsWebSocketRejectsForeignParty(t *testing.T) {
	s := newTestServer(t)
	_, leader := s.signup(t, "leader")
	_, stranger := s.signup(t, "stranger")

	_, body := s.do(t, http.MethodPost, "/parties", leader, nil)
	p := decode[models.Party](t, body)

	res, _ := s.do(t, http.MethodGet, "/ws?topic=party:"+strconv.FormatInt(p.ID, 10), stranger, nil)
	assert.Equal(t, http.StatusConflict, res.StatusCode)

	res, _ = s.do(t, http.MethodGet, "/ws?topic=bogus", stranger, nil)
	assert.Equal(t, http.StatusUnprocessableEntity, res.StatusCode)
}

func TestStatusMapping(t *testing.T) {
	cases := map[apperr.Kind]int{
		apperr.KindFull:            http.StatusConflict,
		apperr.KindNotInParty:      http.StatusConflict,
		apperr.KindNotHost:         http.StatusForbidden,
		apperr.KindPasswordNeeded:  http.StatusForbidden,
		apperr.KindNotFound:        http.StatusNotFound,
		apperr.KindValidation:      http.StatusUnprocessableEntity,
		apperr.KindHookTimeout:     http.StatusGatewayTimeout,
		apperr.KindUnavailable:     http.StatusServiceUnavailable,
		apperr.KindInternal:        http.StatusInternalServerError,
		apperr.KindInvalidPassword: http.StatusForbidden,
	}
	for kind, want := range cases {
		assert.Equal(t, want, statusFor(kind), string(kind))
	}

	w := httptest.NewRecorder()
	log := logrus.New()
	log.SetOutput(io.Discard)
	writeError(w, log.WithField("test", true), apperr.Unavailable("postgres", io.ErrUnexpectedEOF))
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Equal(t, retryAfterSeconds, w.Header().Get("Retry-After"))
}

func TestRequestHelpers(t *testing.T) {
	assert.Equal(t, "abc", extractCookieToken("theme=dark; auth_token=abc; other=1", authCookie))
	assert.Empty(t, extractCookieToken("theme=dark", authCookie))
	assert.Empty(t, extractCookieToken("my_auth_token=abc", authCookie))

	filter := listFilterFromQuery(url.Values{"title": {"night"}, "meta.mode": {"capture"}, "page": {"2"}})
	assert.Equal(t, "night", filter.Title)
	assert.Equal(t, map[string]string{"mode": "capture"}, filter.Metadata)
}
