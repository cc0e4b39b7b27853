// internal/apperr/apperr.go

// Package apperr defines the error kinds returned by the lobby and party services.
// Every domain failure is an *Error carrying a Kind; the transport layer maps kinds
// to client-facing statuses.
package apperr

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// Kind classifies an error for callers. Kinds are stable strings safe to send to clients.
type Kind string

const (
	KindFull            Kind = "full"
	KindTooSmall        Kind = "too_small"
	KindAlreadyInLobby  Kind = "already_in_lobby"
	KindNotInLobby      Kind = "not_in_lobby"
	KindAlreadyInParty  Kind = "already_in_party"
	KindNotInParty      Kind = "not_in_party"
	KindNotHost         Kind = "not_host"
	KindNotLeader       Kind = "not_leader"
	KindCannotKickSelf  Kind = "cannot_kick_self"
	KindNotFound        Kind = "not_found"
	KindLocked          Kind = "locked"
	KindPasswordNeeded  Kind = "password_required"
	KindInvalidPassword Kind = "invalid_password"
	KindHookRejected    Kind = "hook_rejected"
	KindHookTimeout     Kind = "hook_timeout"
	KindValidation      Kind = "validation"
	KindUnavailable     Kind = "unavailable"

	// KindInternal is reported by KindOf for errors that carry no Kind.
	KindInternal Kind = "internal"
)

// Error is a typed domain error.
type Error struct {
	Kind Kind
	// Reason is the opaque rejection reason for KindHookRejected, or extra detail.
	Reason string
	// Fields holds field -> message for KindValidation.
	Fields map[string]string
	// Err is the underlying cause, if any.
	Err error
}

func (e *Error) Error() string {
	switch {
	case e.Kind == KindValidation && len(e.Fields) > 0:
		keys := make([]string, 0, len(e.Fields))
		for k := range e.Fields {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		parts := make([]string, 0, len(keys))
		for _, k := range keys {
			parts = append(parts, k+": "+e.Fields[k])
		}
		return "validation failed: " + strings.Join(parts, "; ")
	case e.Reason != "" && e.Err != nil:
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Reason, e.Err)
	case e.Reason != "":
		return fmt.Sprintf("%s: %s", e.Kind, e.Reason)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	}
	return string(e.Kind)
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches any *Error of the same Kind, so sentinels work with errors.Is.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Kind == e.Kind
}

// Sentinels for errors.Is comparisons.
var (
	ErrFull            = &Error{Kind: KindFull}
	ErrTooSmall        = &Error{Kind: KindTooSmall}
	ErrAlreadyInLobby  = &Error{Kind: KindAlreadyInLobby}
	ErrNotInLobby      = &Error{Kind: KindNotInLobby}
	ErrAlreadyInParty  = &Error{Kind: KindAlreadyInParty}
	ErrNotInParty      = &Error{Kind: KindNotInParty}
	ErrNotHost         = &Error{Kind: KindNotHost}
	ErrNotLeader       = &Error{Kind: KindNotLeader}
	ErrCannotKickSelf  = &Error{Kind: KindCannotKickSelf}
	ErrNotFound        = &Error{Kind: KindNotFound}
	ErrLocked          = &Error{Kind: KindLocked}
	ErrPasswordNeeded  = &Error{Kind: KindPasswordNeeded}
	ErrInvalidPassword = &Error{Kind: KindInvalidPassword}
	ErrHookRejected    = &Error{Kind: KindHookRejected}
	ErrHookTimeout     = &Error{Kind: KindHookTimeout}
	ErrValidation      = &Error{Kind: KindValidation}
	ErrUnavailable     = &Error{Kind: KindUnavailable}
)

// New returns an *Error of the given kind with a detail reason.
func New(kind Kind, reason string) *Error {
	return &Error{Kind: kind, Reason: reason}
}

// HookRejected wraps a before-hook rejection reason.
func HookRejected(reason string) *Error {
	return &Error{Kind: KindHookRejected, Reason: reason}
}

// Validation builds a field-level validation error.
func Validation(field, msg string) *Error {
	return &Error{Kind: KindValidation, Fields: map[string]string{field: msg}}
}

// Unavailable marks err as a retryable infrastructure failure.
func Unavailable(op string, err error) *Error {
	return &Error{Kind: KindUnavailable, Reason: op, Err: err}
}

// KindOf returns the Kind of err, or KindInternal when err is not an *Error.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// ReasonOf returns the Reason carried by err, if any.
func ReasonOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Reason
	}
	return ""
}

// FieldsOf returns the validation fields carried by err, if any.
func FieldsOf(err error) map[string]string {
	var e *Error
	if errors.As(err, &e) {
		return e.Fields
	}
	return nil
}

// Retryable reports whether the caller may retry with backoff.
func Retryable(err error) bool {
	return KindOf(err) == KindUnavailable
}
