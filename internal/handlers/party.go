package handlers

import (
	"net/http"

	"github.com/jason-s-yu/cambia-lobby/internal/models"
	"github.com/jason-s-yu/cambia-lobby/internal/party"
)

func (s *APIServer) createParty(w http.ResponseWriter, r *http.Request, userID int64) {
	var attrs models.PartyAttrs
	if err := decodeJSON(w, r, &attrs); err != nil {
		writeError(w, s.log, err)
		return
	}
	p, err := s.Parties.Create(r.Context(), userID, attrs)
	if err != nil {
		writeError(w, s.log, err)
		return
	}
	writeJSON(w, http.StatusCreated, p)
}

func (s *APIServer) getParty(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		writeError(w, s.log, err)
		return
	}
	p, err := s.Parties.Get(r.Context(), id)
	if err != nil {
		writeError(w, s.log, err)
		return
	}
	// the join code is only for people the leader shares it with
	p.Code = ""
	writeJSON(w, http.StatusOK, p)
}

func (s *APIServer) updateParty(w http.ResponseWriter, r *http.Request, userID int64) {
	var attrs models.PartyAttrs
	if err := decodeJSON(w, r, &attrs); err != nil {
		writeError(w, s.log, err)
		return
	}
	p, err := s.Parties.Update(r.Context(), userID, attrs)
	if err != nil {
		writeError(w, s.log, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (s *APIServer) joinParty(w http.ResponseWriter, r *http.Request, userID int64) {
	id, err := pathID(r, "id")
	if err != nil {
		writeError(w, s.log, err)
		return
	}
	p, err := s.Parties.Join(r.Context(), userID, id)
	if err != nil {
		writeError(w, s.log, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

type joinCodeRequest struct {
	Code string `json:"code"`
}

func (s *APIServer) joinPartyByCode(w http.ResponseWriter, r *http.Request, userID int64) {
	var req joinCodeRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, s.log, err)
		return
	}
	p, err := s.Parties.JoinByCode(r.Context(), userID, req.Code)
	if err != nil {
		writeError(w, s.log, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (s *APIServer) leaveParty(w http.ResponseWriter, r *http.Request, userID int64) {
	res, err := s.Parties.Leave(r.Context(), userID)
	if err != nil {
		writeError(w, s.log, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *APIServer) kickFromParty(w http.ResponseWriter, r *http.Request, userID int64) {
	var req kickRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, s.log, err)
		return
	}
	p, err := s.Parties.Kick(r.Context(), userID, req.UserID)
	if err != nil {
		writeError(w, s.log, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// enterLobbyRequest names an existing lobby, or describes a new one when lobby_id is absent.
type enterLobbyRequest struct {
	LobbyID  *int64            `json:"lobby_id,omitempty"`
	Password string            `json:"password,omitempty"`
	Lobby    models.LobbyAttrs `json:"lobby"`
}

func (s *APIServer) enterLobby(w http.ResponseWriter, r *http.Request, userID int64) {
	var req enterLobbyRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, s.log, err)
		return
	}
	l, err := s.Parties.EnterLobby(r.Context(), userID, party.EnterTarget{
		LobbyID:  req.LobbyID,
		Attrs:    req.Lobby,
		Password: req.Password,
	})
	if err != nil {
		writeError(w, s.log, err)
		return
	}
	status := http.StatusOK
	if req.LobbyID == nil {
		status = http.StatusCreated
	}
	writeJSON(w, status, l)
}
