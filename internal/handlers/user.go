package handlers

import (
	"net/http"
	"strings"

	"github.com/jason-s-yu/cambia-lobby/internal/apperr"
	"github.com/jason-s-yu/cambia-lobby/internal/auth"
	"github.com/jason-s-yu/cambia-lobby/internal/database"
	"github.com/jason-s-yu/cambia-lobby/internal/models"
)

const maxUsernameLength = 32

type createUserRequest struct {
	Username string `json:"username"`
}

type createUserResponse struct {
	User  *models.User `json:"user"`
	Token string       `json:"token"`
}

// createUser registers a player and starts a session for it. The token is returned in the
// body and also set as the auth_token cookie.
//
// Request payload:
//
//	{
//	  "username": "someone"
//	}
func (s *APIServer) createUser(w http.ResponseWriter, r *http.Request) {
	var req createUserRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, s.log, err)
		return
	}
	req.Username = strings.TrimSpace(req.Username)
	if req.Username == "" || len(req.Username) > maxUsernameLength {
		writeError(w, s.log, apperr.Validation("username", "must be 1 to 32 characters"))
		return
	}

	u, err := s.Store.CreateUser(r.Context(), req.Username)
	if err != nil {
		writeError(w, s.log, err)
		return
	}
	token, err := auth.CreateJWT(u.ID)
	if err != nil {
		writeError(w, s.log, err)
		return
	}

	cookie := &http.Cookie{
		Name:     authCookie,
		Value:    token,
		HttpOnly: true,
		Path:     "/",
		SameSite: http.SameSiteLaxMode,
	}
	if ttl := auth.TokenTTL(); ttl > 0 {
		cookie.MaxAge = int(ttl.Seconds())
	}
	http.SetCookie(w, cookie)

	s.log.WithField("user_id", u.ID).Info("user created")
	writeJSON(w, http.StatusCreated, createUserResponse{User: u, Token: token})
}

func (s *APIServer) currentUser(w http.ResponseWriter, r *http.Request, userID int64) {
	u, err := s.Store.GetUser(r.Context(), userID)
	if err != nil {
		writeError(w, s.log, database.AsNotFound(err, "user"))
		return
	}
	writeJSON(w, http.StatusOK, u)
}
