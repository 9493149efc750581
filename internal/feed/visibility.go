package feed

import (
	"fmt"
	"strings"
)

// Visibility is a per-type display rule evaluated against the subject's
// relationship to the local user.
type Visibility string

const (
	VisibilityOff      Visibility = "Off"
	VisibilityOn       Visibility = "On"
	VisibilityFriends  Visibility = "Friends"
	VisibilityVIP      Visibility = "VIP"
	VisibilityEveryone Visibility = "Everyone"
)

// ParseVisibility accepts the rule names case-insensitively.
func ParseVisibility(s string) (Visibility, error) {
	for _, v := range []Visibility{VisibilityOff, VisibilityOn, VisibilityFriends, VisibilityVIP, VisibilityEveryone} {
		if strings.EqualFold(s, string(v)) {
			return v, nil
		}
	}
	return "", fmt.Errorf("unknown visibility %q", s)
}

// Allows reports whether an entry passes the rule. Favorites are a subset
// of friends for the Friends rule.
func (v Visibility) Allows(e Entry) bool {
	switch v {
	case VisibilityOn, VisibilityEveryone:
		return true
	case VisibilityFriends:
		return e.IsFriend || e.IsFavorite
	case VisibilityVIP:
		return e.IsFavorite
	default:
		return false
	}
}

// Rules maps entry types to their visibility. Types without a rule use
// Fallback.
type Rules struct {
	ByType   map[Type]Visibility
	Fallback Visibility
}

// DefaultRules returns the out-of-the-box notification rules.
func DefaultRules() Rules {
	return Rules{
		ByType: map[Type]Visibility{
			TypeGPS:                   VisibilityVIP,
			TypeOnline:                VisibilityFriends,
			TypeOffline:               VisibilityFriends,
			TypeStatus:                VisibilityVIP,
			TypeOnPlayerJoined:        VisibilityFriends,
			TypeOnPlayerLeft:          VisibilityFriends,
			TypeOnPlayerJoining:       VisibilityFriends,
			TypeLocation:              VisibilityOn,
			TypePortalSpawn:           VisibilityEveryone,
			TypeAvatarChange:          VisibilityOff,
			TypeVideoPlay:             VisibilityOff,
			TypeEvent:                 VisibilityOn,
			TypeMasterMigrate:         VisibilityOff,
			TypeBlocked:               VisibilityOn,
			TypeUnblocked:             VisibilityOn,
			TypeMuted:                 VisibilityOn,
			TypeUnmuted:               VisibilityOn,
			TypeBlockedOnPlayerJoined: VisibilityOff,
			TypeBlockedOnPlayerLeft:   VisibilityOff,
			TypeMutedOnPlayerJoined:   VisibilityOff,
			TypeMutedOnPlayerLeft:     VisibilityOff,
		},
		Fallback: VisibilityOn,
	}
}

// For returns the rule for a type.
func (r Rules) For(t Type) Visibility {
	if v, ok := r.ByType[t]; ok {
		return v
	}
	if r.Fallback == "" {
		return VisibilityOn
	}
	return r.Fallback
}

// With returns a copy of r with the given overrides applied.
func (r Rules) With(overrides map[Type]Visibility) Rules {
	out := Rules{ByType: make(map[Type]Visibility, len(r.ByType)+len(overrides)), Fallback: r.Fallback}
	for k, v := range r.ByType {
		out.ByType[k] = v
	}
	for k, v := range overrides {
		out.ByType[k] = v
	}
	return out
}
