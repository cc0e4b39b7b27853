package handlers

import (
	"net/http"

	"github.com/jason-s-yu/cambia-lobby/internal/apperr"
	"github.com/sirupsen/logrus"
)

// errorBody is the JSON shape of every error response.
type errorBody struct {
	Error  string            `json:"error"`
	Reason string            `json:"reason,omitempty"`
	Fields map[string]string `json:"fields,omitempty"`
}

// retryAfterSeconds is advertised on 503 responses.
const retryAfterSeconds = "1"

func statusFor(kind apperr.Kind) int {
	switch kind {
	case apperr.KindFull, apperr.KindTooSmall, apperr.KindLocked,
		apperr.KindAlreadyInLobby, apperr.KindAlreadyInParty,
		apperr.KindNotInLobby, apperr.KindNotInParty:
		return http.StatusConflict
	case apperr.KindNotHost, apperr.KindNotLeader, apperr.KindCannotKickSelf,
		apperr.KindInvalidPassword, apperr.KindPasswordNeeded, apperr.KindHookRejected:
		return http.StatusForbidden
	case apperr.KindNotFound:
		return http.StatusNotFound
	case apperr.KindValidation:
		return http.StatusUnprocessableEntity
	case apperr.KindHookTimeout:
		return http.StatusGatewayTimeout
	case apperr.KindUnavailable:
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

// writeError maps a service error onto its HTTP status and JSON body.
func writeError(w http.ResponseWriter, log *logrus.Entry, err error) {
	kind := apperr.KindOf(err)
	status := statusFor(kind)
	body := errorBody{Error: string(kind)}

	switch kind {
	case apperr.KindValidation:
		body.Fields = apperr.FieldsOf(err)
	case apperr.KindHookRejected, apperr.KindNotFound:
		body.Reason = apperr.ReasonOf(err)
	case apperr.KindUnavailable:
		w.Header().Set("Retry-After", retryAfterSeconds)
		log.WithError(err).Error("backing service unavailable")
	case apperr.KindInternal:
		log.WithError(err).Error("unhandled error")
	}
	writeJSON(w, status, body)
}
