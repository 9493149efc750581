// Package identity holds the point-in-time user and world snapshots the
// engine reconciles protocol actors and log records against.
//
// The two upstream streams name the same person differently: the session log
// uses display names, the multiplayer protocol uses ephemeral actor ids plus
// a profile that may lag behind the API. Everything in the engine that
// matches people across the streams goes through NormalizeName.
package identity

import (
	"context"
	"errors"
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/unicode/norm"
)

// ErrNotFound is returned by lookups that have no answer for the key.
var ErrNotFound = errors.New("identity: not found")

// User is a snapshot of an API user object.
type User struct {
	ID          string `json:"id"`
	DisplayName string `json:"displayName"`
	IsFriend    bool   `json:"isFriend,omitempty"`
	IsFavorite  bool   `json:"isFavorite,omitempty"`
}

// World is a snapshot of an API world object.
type World struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// Self identifies the local user. Entries originated by Self are never
// surfaced as notifications.
type Self struct {
	UserID      string
	DisplayName string
}

// Is reports whether the given user id or display name refers to the local user.
func (s Self) Is(userID, displayName string) bool {
	if s.UserID != "" && userID == s.UserID {
		return true
	}
	return s.DisplayName != "" && displayName != "" &&
		NormalizeName(displayName) == NormalizeName(s.DisplayName)
}

// Directory is the synchronous, non-blocking view of the API cache.
// It answers only from what is already cached.
type Directory interface {
	UserByID(id string) (User, bool)
	UserByName(displayName string) (User, bool)
}

// Resolver performs lookups that may leave the process. Callers must not
// block the event loop on it.
type Resolver interface {
	LookupUser(ctx context.Context, id string) (User, error)
	LookupUserByName(ctx context.Context, displayName string) (User, error)
	LookupWorld(ctx context.Context, id string) (World, error)
}

// NormalizeName returns the matching key for a display name: NFC-normalized,
// case-folded and trimmed. Two names that render identically for a user
// compare equal after normalization.
func NormalizeName(name string) string {
	name = strings.TrimSpace(name)
	if name == "" {
		return ""
	}
	// Casers carry state; one per call keeps this safe across goroutines.
	return cases.Fold().String(norm.NFC.String(name))
}

// WorldIDFromLocation extracts the world id from a location tag such as
// "wrld_123:4567~private(usr_1)". Offline and private placeholders yield "".
func WorldIDFromLocation(location string) string {
	switch location {
	case "", "offline", "private", "traveling":
		return ""
	}
	if i := strings.IndexByte(location, ':'); i >= 0 {
		return location[:i]
	}
	return location
}
