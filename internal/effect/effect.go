// Package effect defines the side effects component handlers request.
//
// Handlers never touch the outside world directly. They mutate their own
// state and return a slice of effects; the engine applies them in order.
// This keeps every handler synchronous and deterministic under replay.
package effect

import (
	"time"

	"github.com/fallen-shinigami/VRCX-sub000/internal/feed"
	"github.com/fallen-shinigami/VRCX-sub000/internal/store"
)

// Effect is a sealed union. Only types in this package implement it.
type Effect interface {
	isEffect()
}

// Emit appends a feed entry to one aggregator source.
type Emit struct {
	Source feed.Source
	Entry  feed.Entry
}

// Persist durably logs one confirmed event.
type Persist struct {
	Event store.Event
}

// SaveModeration records the new moderation state held by a user.
type SaveModeration struct {
	Moderation store.Moderation
}

// ResetInstance tears down every per-instance structure and starts a new
// instance at Location.
type ResetInstance struct {
	Location  string
	WorldName string
	At        time.Time
}

// BindActor pre-binds a protocol actor id to a display name.
type BindActor struct {
	ActorID     int
	DisplayName string
}

// ResolveUser asks for an async user lookup. UserID is set when the record
// carried one; otherwise the lookup is by display name.
type ResolveUser struct {
	DisplayName string
	UserID      string
}

// ResolveWorld asks for an async world-name lookup; the result completes a
// portal-spawn entry.
type ResolveWorld struct {
	WorldID     string
	Location    string
	DisplayName string
	At          time.Time
}

// StartMonitor enables the presence timeout loop if it is not running.
type StartMonitor struct{}

// ActorJoined and ActorLeft feed the bot join/leave heuristics.
type ActorJoined struct {
	ActorID int
	At      time.Time
}

type ActorLeft struct {
	ActorID int
	At      time.Time
}

// Diagnostic kinds.
const (
	KindTimeout         = "timeout"
	KindInvalidAvatar   = "invalid-avatar"
	KindNoInstantiate   = "no-instantiate"
	KindLeftUninstanced = "left-without-instantiating"
	KindMasterMigrate   = "master-migrate"
	KindModeration      = "moderation"
)

// Diagnostic is a bot/moderation/master observation for the HUD.
type Diagnostic struct {
	Kind        string    `json:"kind"`
	ActorID     int       `json:"actorId"`
	DisplayName string    `json:"displayName,omitempty"`
	UserID      string    `json:"userId,omitempty"`
	At          time.Time `json:"at"`
	Detail      string    `json:"detail,omitempty"`
}

// VideoChanged reports that a playback started or cleared. The engine
// arms the 1 Hz recomputation while Active.
type VideoChanged struct {
	Active bool
}

func (Emit) isEffect()           {}
func (Persist) isEffect()        {}
func (SaveModeration) isEffect() {}
func (ResetInstance) isEffect()  {}
func (BindActor) isEffect()      {}
func (ResolveUser) isEffect()    {}
func (ResolveWorld) isEffect()   {}
func (StartMonitor) isEffect()   {}
func (ActorJoined) isEffect()    {}
func (ActorLeft) isEffect()      {}
func (Diagnostic) isEffect()     {}
func (VideoChanged) isEffect()   {}
