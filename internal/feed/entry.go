// Package feed turns raw presence events into the two user-facing
// projections: the ambient feed (recency-sorted, bounded) and the one-shot
// alert stream.
//
// Entries are values. Once an Entry is appended to a Buffer it is never
// mutated; buffers are append-only until pruned by their count cap.
package feed

import (
	"time"
)

// Type is the closed set of feed entry kinds.
type Type string

const (
	TypeGPS     Type = "GPS"
	TypeOnline  Type = "Online"
	TypeOffline Type = "Offline"
	TypeStatus  Type = "Status"

	TypeOnPlayerJoined  Type = "OnPlayerJoined"
	TypeOnPlayerLeft    Type = "OnPlayerLeft"
	TypeOnPlayerJoining Type = "OnPlayerJoining"
	TypeLocation        Type = "Location"
	TypePortalSpawn     Type = "PortalSpawn"
	TypeAvatarChange    Type = "AvatarChange"
	TypeVideoPlay       Type = "VideoPlay"
	TypeEvent           Type = "Event"
	TypeMasterMigrate   Type = "MasterMigrate"

	TypeBlocked               Type = "Blocked"
	TypeUnblocked             Type = "Unblocked"
	TypeMuted                 Type = "Muted"
	TypeUnmuted               Type = "Unmuted"
	TypeBlockedOnPlayerJoined Type = "BlockedOnPlayerJoined"
	TypeBlockedOnPlayerLeft   Type = "BlockedOnPlayerLeft"
	TypeMutedOnPlayerJoined   Type = "MutedOnPlayerJoined"
	TypeMutedOnPlayerLeft     Type = "MutedOnPlayerLeft"

	TypeFriend        Type = "Friend"
	TypeUnfriend      Type = "Unfriend"
	TypeDisplayName   Type = "DisplayName"
	TypeTrustLevel    Type = "TrustLevel"
	TypeInvite        Type = "invite"
	TypeRequestInvite Type = "requestInvite"
	TypeFriendRequest Type = "friendRequest"

	// Internal-only kinds: persisted for diagnostics, never shown.
	TypeAPIRequest          Type = "APIRequest"
	TypeVRCQuit             Type = "VRCQuit"
	TypeLocationDestination Type = "LocationDestination"
)

var internalTypes = map[Type]bool{
	TypeAPIRequest:          true,
	TypeVRCQuit:             true,
	TypeLocationDestination: true,
}

// Internal reports whether entries of this type are bookkeeping only.
func (t Type) Internal() bool {
	return internalTypes[t]
}

// Source identifies the upstream a feed entry came from.
type Source int

const (
	SourceGameLog Source = iota + 1
	SourceStatus
	SourceNotification
	SourceFriendLog
	SourceModeration
)

// Sources lists every source in aggregation order.
var Sources = []Source{
	SourceGameLog,
	SourceStatus,
	SourceNotification,
	SourceFriendLog,
	SourceModeration,
}

func (s Source) String() string {
	switch s {
	case SourceGameLog:
		return "gamelog"
	case SourceStatus:
		return "status"
	case SourceNotification:
		return "notification"
	case SourceFriendLog:
		return "friendlog"
	case SourceModeration:
		return "moderation"
	default:
		return "unknown"
	}
}

// ParseSource is the inverse of Source.String.
func ParseSource(s string) (Source, bool) {
	for _, src := range Sources {
		if src.String() == s {
			return src, true
		}
	}
	return 0, false
}

// Entry is one immutable feed item. Payload fields are populated per Type;
// unused ones stay zero.
type Entry struct {
	ID        string    `json:"id"`
	Seq       uint64    `json:"seq"`
	Type      Type      `json:"type"`
	CreatedAt time.Time `json:"createdAt"`

	DisplayName string `json:"displayName,omitempty"`
	UserID      string `json:"userId,omitempty"`
	IsFriend    bool   `json:"isFriend,omitempty"`
	IsFavorite  bool   `json:"isFavorite,omitempty"`

	Location   string        `json:"location,omitempty"`
	WorldName  string        `json:"worldName,omitempty"`
	Duration   time.Duration `json:"duration,omitempty"`
	AvatarID   string        `json:"avatarId,omitempty"`
	AvatarName string        `json:"avatarName,omitempty"`
	VideoURL   string        `json:"videoUrl,omitempty"`
	VideoName  string        `json:"videoName,omitempty"`
	Message    string        `json:"message,omitempty"`
}

// subjectKey is the de-duplication key used by the alert stream.
func (e Entry) subjectKey() string {
	if e.DisplayName != "" {
		return "name:" + normalize(e.DisplayName)
	}
	if e.UserID != "" {
		return "user:" + e.UserID
	}
	return "type:" + string(e.Type)
}
