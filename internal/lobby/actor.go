package lobby

import (
	"time"
)

// Identity is the user an actor belongs to. Backed identities come from
// the API cache and are never replaced by protocol-supplied profiles.
type Identity struct {
	UserID      string `json:"userId,omitempty"`
	DisplayName string `json:"displayName,omitempty"`
	Backed      bool   `json:"backed,omitempty"`
}

// Resolved reports whether the identity names a user id.
func (id Identity) Resolved() bool {
	return id.UserID != ""
}

// Actor is one participant as seen by the protocol.
type Actor struct {
	ActorID         int       `json:"actorId"`
	Identity        Identity  `json:"identity"`
	JoinedAt        time.Time `json:"joinedAt"`
	HasInstantiated bool      `json:"hasInstantiated"`
	AvatarID        string    `json:"avatarId,omitempty"`
	AvatarName      string    `json:"avatarName,omitempty"`
	InVRMode        bool      `json:"inVRMode"`
	AvatarEyeHeight float64   `json:"avatarEyeHeight,omitempty"`
	HasEyeHeight    bool      `json:"-"`
	LastHeartbeatAt time.Time `json:"lastHeartbeatAt"`
	IsLocal         bool      `json:"isLocal,omitempty"`
}

// profile is what a properties map carries. Absent fields stay zero.
type profile struct {
	userID      string
	displayName string
	avatarID    string
	avatarName  string
	inVRMode    *bool
	eyeHeight   *float64
}

// parseProfile reads the actor property map:
//
//	{"user":{"id":..,"displayName":..},"avatarDict":{"id":..,"name":..},
//	 "inVRMode":bool,"avatarEyeHeight":number}
func parseProfile(v any) (profile, bool) {
	props, ok := asStringMap(v)
	if !ok {
		return profile{}, false
	}
	var p profile
	if u, ok := asStringMap(props["user"]); ok {
		p.userID = asString(u["id"])
		p.displayName = asString(u["displayName"])
	}
	if a, ok := asStringMap(props["avatarDict"]); ok {
		p.avatarID = asString(a["id"])
		p.avatarName = asString(a["name"])
	}
	if b, ok := asBool(props["inVRMode"]); ok {
		p.inVRMode = &b
	}
	if h, ok := asFloat(props["avatarEyeHeight"]); ok {
		p.eyeHeight = &h
	}
	return p, true
}
