// internal/handlers/api_server.go
package handlers

import (
	"errors"
	"net/http"

	"github.com/jason-s-yu/cambia-lobby/internal/broadcast"
	"github.com/jason-s-yu/cambia-lobby/internal/database"
	"github.com/jason-s-yu/cambia-lobby/internal/lobby"
	"github.com/jason-s-yu/cambia-lobby/internal/matchmaking"
	"github.com/jason-s-yu/cambia-lobby/internal/middleware"
	"github.com/jason-s-yu/cambia-lobby/internal/party"
	"github.com/sirupsen/logrus"
)

// APIServer exposes the lobby, party and quick-join services over HTTP and streams
// broadcast events over WebSocket.
type APIServer struct {
	Store   *database.Store
	Lobbies *lobby.Service
	Parties *party.Service
	Matcher *matchmaking.Matcher
	Hub     *broadcast.Hub

	logger *logrus.Logger
	log    *logrus.Entry
}

// NewAPIServer wires the transport to the services.
func NewAPIServer(store *database.Store, lobbies *lobby.Service, parties *party.Service,
	matcher *matchmaking.Matcher, hub *broadcast.Hub, logger *logrus.Logger) *APIServer {
	return &APIServer{
		Store:   store,
		Lobbies: lobbies,
		Parties: parties,
		Matcher: matcher,
		Hub:     hub,
		logger:  logger,
		log:     logger.WithField("component", "http"),
	}
}

// Routes returns the request-logged mux.
func (s *APIServer) Routes() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /users", s.createUser)
	mux.HandleFunc("GET /users/me", s.authed(s.currentUser))

	mux.HandleFunc("POST /lobbies", s.authed(s.createLobby))
	mux.HandleFunc("GET /lobbies", s.listLobbies)
	mux.HandleFunc("GET /lobbies/mine", s.authed(s.listLobbiesForUser))
	mux.HandleFunc("GET /lobbies/{id}", s.getLobby)
	mux.HandleFunc("POST /lobbies/{id}/join", s.authed(s.joinLobby))
	mux.HandleFunc("POST /lobbies/leave", s.authed(s.leaveLobby))
	mux.HandleFunc("POST /lobbies/{id}/kick", s.authed(s.kickFromLobby))
	mux.HandleFunc("PATCH /lobbies/{id}", s.authed(s.updateLobby))
	mux.HandleFunc("DELETE /lobbies/{id}", s.authed(s.deleteLobby))
	mux.HandleFunc("POST /lobbies/quick_join", s.authed(s.quickJoin))

	mux.HandleFunc("POST /parties", s.authed(s.createParty))
	mux.HandleFunc("GET /parties/{id}", s.getParty)
	mux.HandleFunc("PATCH /parties", s.authed(s.updateParty))
	mux.HandleFunc("POST /parties/{id}/join", s.authed(s.joinParty))
	mux.HandleFunc("POST /parties/join_code", s.authed(s.joinPartyByCode))
	mux.HandleFunc("POST /parties/leave", s.authed(s.leaveParty))
	mux.HandleFunc("POST /parties/kick", s.authed(s.kickFromParty))
	mux.HandleFunc("POST /parties/enter_lobby", s.authed(s.enterLobby))

	mux.HandleFunc("GET /ws", s.authed(s.eventsWS))

	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "store": s.Store.Engine()})
	})

	return middleware.LogMiddleware(s.logger)(mux)
}

// userHandler is a handler that runs after the session token has been verified.
type userHandler func(w http.ResponseWriter, r *http.Request, userID int64)

func (s *APIServer) authed(h userHandler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID, err := authenticate(r)
		if errors.Is(err, errMissingToken) {
			writeJSON(w, http.StatusUnauthorized, errorBody{Error: "missing auth_token"})
			return
		}
		if err != nil {
			s.log.WithError(err).Debug("rejected session token")
			writeJSON(w, http.StatusForbidden, errorBody{Error: "invalid token"})
			return
		}
		h(w, r, userID)
	}
}
