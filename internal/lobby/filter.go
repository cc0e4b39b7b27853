// internal/lobby/filter.go
package lobby

import (
	"crypto/rand"
	"encoding/base32"
	"encoding/json"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/jason-s-yu/cambia-lobby/internal/apperr"
	"github.com/jason-s-yu/cambia-lobby/internal/models"
)

const (
	maxTitleLength = 64
	titleAttempts  = 5
)

var titleEncoding = base32.StdEncoding.WithPadding(base32.NoPadding)

// generateTitle returns "lobby-" plus 8 random base32 characters.
func generateTitle() (string, error) {
	var b [5]byte
	if _, err := rand.Read(b[:]); err != nil {
		return "", fmt.Errorf("failed to generate lobby title: %w", err)
	}
	return "lobby-" + strings.ToLower(titleEncoding.EncodeToString(b[:])), nil
}

// Matches reports whether l satisfies the title and metadata parts of filter. Both compare
// case-insensitive substrings; metadata values are stringified first.
func Matches(l *models.Lobby, filter models.ListFilter) bool {
	if t := strings.TrimSpace(filter.Title); t != "" {
		if !strings.Contains(strings.ToLower(l.Title), strings.ToLower(t)) {
			return false
		}
	}
	for key, want := range filter.Metadata {
		v, ok := l.Metadata[key]
		if !ok {
			return false
		}
		if !strings.Contains(strings.ToLower(stringify(v)), strings.ToLower(want)) {
			return false
		}
	}
	return true
}

func stringify(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case map[string]any, []any:
		b, err := json.Marshal(t)
		if err != nil {
			return fmt.Sprint(t)
		}
		return string(b)
	}
	return fmt.Sprint(v)
}

// validateAttrs checks caller-supplied attrs. On create, max_users is required.
func validateAttrs(attrs models.LobbyAttrs, create bool) error {
	fields := map[string]string{}
	if attrs.Title != nil {
		t := strings.TrimSpace(*attrs.Title)
		switch {
		case t == "" && !create:
			fields["title"] = "must not be blank"
		case utf8.RuneCountInString(t) > maxTitleLength:
			fields["title"] = fmt.Sprintf("must be at most %d characters", maxTitleLength)
		}
	}
	switch {
	case attrs.MaxUsers == nil && create:
		fields["max_users"] = "is required"
	case attrs.MaxUsers != nil && *attrs.MaxUsers <= 0:
		fields["max_users"] = "must be greater than 0"
	}
	if !create && attrs.Hostless {
		fields["hostless"] = "cannot be changed after creation"
	}
	if len(fields) == 0 {
		return nil
	}
	return &apperr.Error{Kind: apperr.KindValidation, Fields: fields}
}

// explicitTitle returns the trimmed caller title, or "" when one should be generated.
func explicitTitle(attrs models.LobbyAttrs) string {
	if attrs.Title == nil {
		return ""
	}
	return strings.TrimSpace(*attrs.Title)
}
