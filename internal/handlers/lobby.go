// internal/handlers/lobby.go
package handlers

import (
	"net/http"
	"net/url"
	"strings"

	"github.com/jason-s-yu/cambia-lobby/internal/lobby"
	"github.com/jason-s-yu/cambia-lobby/internal/matchmaking"
	"github.com/jason-s-yu/cambia-lobby/internal/models"
)

// metadataParamPrefix marks query parameters that filter on lobby metadata, e.g. ?meta.mode=capture.
const metadataParamPrefix = "meta."

// listFilterFromQuery reads ?title= and ?meta.<key>= parameters.
func listFilterFromQuery(q url.Values) models.ListFilter {
	filter := models.ListFilter{Title: q.Get("title")}
	for key, values := range q {
		name, ok := strings.CutPrefix(key, metadataParamPrefix)
		if !ok || name == "" || len(values) == 0 {
			continue
		}
		if filter.Metadata == nil {
			filter.Metadata = make(map[string]string)
		}
		filter.Metadata[name] = values[0]
	}
	return filter
}

func (s *APIServer) createLobby(w http.ResponseWriter, r *http.Request, userID int64) {
	var attrs models.LobbyAttrs
	if err := decodeJSON(w, r, &attrs); err != nil {
		writeError(w, s.log, err)
		return
	}
	l, err := s.Lobbies.Create(r.Context(), &userID, attrs)
	if err != nil {
		writeError(w, s.log, err)
		return
	}
	writeJSON(w, http.StatusCreated, l)
}

func (s *APIServer) listLobbies(w http.ResponseWriter, r *http.Request) {
	lobbies, err := s.Lobbies.List(r.Context(), listFilterFromQuery(r.URL.Query()))
	if err != nil {
		writeError(w, s.log, err)
		return
	}
	writeJSON(w, http.StatusOK, nonNil(lobbies))
}

func (s *APIServer) listLobbiesForUser(w http.ResponseWriter, r *http.Request, userID int64) {
	lobbies, err := s.Lobbies.ListForUser(r.Context(), userID, listFilterFromQuery(r.URL.Query()))
	if err != nil {
		writeError(w, s.log, err)
		return
	}
	writeJSON(w, http.StatusOK, nonNil(lobbies))
}

func (s *APIServer) getLobby(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		writeError(w, s.log, err)
		return
	}
	l, err := s.Lobbies.Get(r.Context(), id)
	if err != nil {
		writeError(w, s.log, err)
		return
	}
	writeJSON(w, http.StatusOK, l)
}

type joinLobbyRequest struct {
	Password string `json:"password,omitempty"`
}

func (s *APIServer) joinLobby(w http.ResponseWriter, r *http.Request, userID int64) {
	id, err := pathID(r, "id")
	if err != nil {
		writeError(w, s.log, err)
		return
	}
	var req joinLobbyRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, s.log, err)
		return
	}
	l, err := s.Lobbies.Join(r.Context(), userID, id, lobby.JoinOptions{Password: req.Password})
	if err != nil {
		writeError(w, s.log, err)
		return
	}
	writeJSON(w, http.StatusOK, l)
}

func (s *APIServer) leaveLobby(w http.ResponseWriter, r *http.Request, userID int64) {
	res, err := s.Lobbies.Leave(r.Context(), userID)
	if err != nil {
		writeError(w, s.log, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

type kickRequest struct {
	UserID int64 `json:"user_id"`
}

func (s *APIServer) kickFromLobby(w http.ResponseWriter, r *http.Request, userID int64) {
	id, err := pathID(r, "id")
	if err != nil {
		writeError(w, s.log, err)
		return
	}
	var req kickRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, s.log, err)
		return
	}
	if err := s.Lobbies.Kick(r.Context(), userID, id, req.UserID); err != nil {
		writeError(w, s.log, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *APIServer) updateLobby(w http.ResponseWriter, r *http.Request, userID int64) {
	id, err := pathID(r, "id")
	if err != nil {
		writeError(w, s.log, err)
		return
	}
	var attrs models.LobbyAttrs
	if err := decodeJSON(w, r, &attrs); err != nil {
		writeError(w, s.log, err)
		return
	}
	l, err := s.Lobbies.UpdateByHost(r.Context(), userID, id, attrs)
	if err != nil {
		writeError(w, s.log, err)
		return
	}
	writeJSON(w, http.StatusOK, l)
}

func (s *APIServer) deleteLobby(w http.ResponseWriter, r *http.Request, userID int64) {
	id, err := pathID(r, "id")
	if err != nil {
		writeError(w, s.log, err)
		return
	}
	if err := s.Lobbies.DeleteByHost(r.Context(), userID, id); err != nil {
		writeError(w, s.log, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *APIServer) quickJoin(w http.ResponseWriter, r *http.Request, userID int64) {
	var req matchmaking.Request
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, s.log, err)
		return
	}
	req.UserID = userID
	res, err := s.Matcher.QuickJoin(r.Context(), req)
	if err != nil {
		writeError(w, s.log, err)
		return
	}
	status := http.StatusOK
	if res.Created {
		status = http.StatusCreated
	}
	writeJSON(w, status, res)
}

func nonNil(lobbies []*models.Lobby) []*models.Lobby {
	if lobbies == nil {
		return []*models.Lobby{}
	}
	return lobbies
}
