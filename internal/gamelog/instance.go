package gamelog

import (
	"sort"
	"time"

	"github.com/fallen-shinigami/VRCX-sub000/internal/identity"
)

// PresenceRecord is one roster member of the live instance.
type PresenceRecord struct {
	DisplayName string
	UserID      string
	IsFriend    bool
	IsFavorite  bool
	JoinedAt    time.Time
}

// InstanceContext is the game-log view of the live instance. The engine
// owns exactly one and replaces it wholesale on a location change.
type InstanceContext struct {
	Location  string
	WorldName string
	JoinedAt  time.Time

	// Roster is keyed by normalized display name.
	Roster       map[string]*PresenceRecord
	FriendRoster map[string]bool

	// TravelingAt is set by location-destination and cleared by the next
	// location record.
	TravelingAt time.Time
	Video       *VideoPlayback
}

// NewInstanceContext returns an empty context for location.
func NewInstanceContext(location, worldName string, joinedAt time.Time) *InstanceContext {
	return &InstanceContext{
		Location:     location,
		WorldName:    worldName,
		JoinedAt:     joinedAt,
		Roster:       make(map[string]*PresenceRecord),
		FriendRoster: make(map[string]bool),
	}
}

// Has reports whether displayName is a roster member.
func (ic *InstanceContext) Has(displayName string) bool {
	_, ok := ic.Roster[identity.NormalizeName(displayName)]
	return ok
}

// Member returns the roster record for displayName.
func (ic *InstanceContext) Member(displayName string) (*PresenceRecord, bool) {
	r, ok := ic.Roster[identity.NormalizeName(displayName)]
	return r, ok
}

// Members returns the roster ordered by join time, then name.
func (ic *InstanceContext) Members() []PresenceRecord {
	out := make([]PresenceRecord, 0, len(ic.Roster))
	for _, r := range ic.Roster {
		out = append(out, *r)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].JoinedAt.Equal(out[j].JoinedAt) {
			return out[i].JoinedAt.Before(out[j].JoinedAt)
		}
		return out[i].DisplayName < out[j].DisplayName
	})
	return out
}

// Traveling reports whether a location-destination is pending.
func (ic *InstanceContext) Traveling() bool {
	return !ic.TravelingAt.IsZero()
}

func (ic *InstanceContext) add(r *PresenceRecord) {
	key := identity.NormalizeName(r.DisplayName)
	ic.Roster[key] = r
	if r.IsFriend {
		ic.FriendRoster[key] = true
	}
}

func (ic *InstanceContext) remove(displayName string) {
	key := identity.NormalizeName(displayName)
	delete(ic.Roster, key)
	delete(ic.FriendRoster, key)
}
