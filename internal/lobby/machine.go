// Package lobby is the LobbyStateMachine: it consumes protocol operation
// frames and tracks per-actor network identity, master election, avatars,
// heartbeats and moderation held against the local user.
//
// A Machine belongs to exactly one instance. The engine discards it on a
// location change; actor ids are never carried across instances.
package lobby

import (
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/fallen-shinigami/VRCX-sub000/internal/effect"
	"github.com/fallen-shinigami/VRCX-sub000/internal/feed"
	"github.com/fallen-shinigami/VRCX-sub000/internal/identity"
	"github.com/fallen-shinigami/VRCX-sub000/internal/store"
)

type handler func(m *Machine, f Frame) ([]effect.Effect, error)

var handlers = map[Opcode]handler{
	OpSync:                    (*Machine).sync,
	OpHeartbeat:               (*Machine).heartbeat,
	OpModeration:              (*Machine).moderation,
	OpSetUserPropertiesLegacy: (*Machine).setUserPropertiesLegacy,
	OpInstantiate:             (*Machine).instantiate,
	OpSetUserProperties:       (*Machine).setUserProperties,
	OpLeave:                   (*Machine).leave,
	OpJoin:                    (*Machine).join,
}

// Machine is not safe for concurrent use.
type Machine struct {
	self   identity.Self
	users  identity.Directory
	mods   ModerationStore
	logger *slog.Logger

	// actors outlives Leave so a reconnecting actor keeps its identity;
	// current is the live view.
	actors  map[int]*Actor
	current map[int]bool
	pending map[int]PendingModeration
	hints   map[int]string

	// requested holds normalized names already sent for async lookup.
	requested map[string]bool

	master        int
	local         int
	rosterSeen    bool
	localJoinedAt time.Time
	lastHeartbeat time.Time
}

// NewMachine creates an empty machine. users may be nil.
func NewMachine(self identity.Self, users identity.Directory, mods ModerationStore, logger *slog.Logger) *Machine {
	if logger == nil {
		logger = slog.Default()
	}
	if mods == nil {
		mods = NewMemoryModeration(nil, logger)
	}
	return &Machine{
		self:      self,
		users:     users,
		mods:      mods,
		logger:    logger,
		actors:    make(map[int]*Actor),
		current:   make(map[int]bool),
		pending:   make(map[int]PendingModeration),
		hints:     make(map[int]string),
		requested: make(map[string]bool),
	}
}

// Handle applies one frame. Unknown opcodes are ignored; frames missing
// required parameters return an error wrapping ErrMalformed.
func (m *Machine) Handle(f Frame) ([]effect.Effect, error) {
	h, ok := handlers[f.Opcode]
	if !ok {
		return nil, nil
	}
	return h(m, f)
}

func (m *Machine) actor(id int) *Actor {
	a, ok := m.actors[id]
	if ok {
		return a
	}
	a = &Actor{ActorID: id}
	m.actors[id] = a
	if name, ok := m.hints[id]; ok {
		delete(m.hints, id)
		a.Identity.DisplayName = name
	}
	return a
}

func (m *Machine) join(f Frame) ([]effect.Effect, error) {
	id, ok := f.intParam(KeyActor)
	if !ok {
		return nil, fmt.Errorf("%w: join without actor", ErrMalformed)
	}

	var effects []effect.Effect
	if list, ok := asInts(f.Parameters[KeyActorList]); ok && !m.rosterSeen {
		// First join carrying the roster is the local client's own.
		m.rosterSeen = true
		m.local = id
		m.localJoinedAt = f.At
		for _, other := range list {
			if other == id || m.current[other] {
				continue
			}
			a := m.actor(other)
			a.JoinedAt = f.At
			a.LastHeartbeatAt = f.At
			a.HasInstantiated = true
			m.current[other] = true
		}
	}

	a := m.actor(id)
	rejoin := m.current[id]
	if id == m.local {
		a.IsLocal = true
	}
	if p, ok := parseProfile(f.Parameters[KeyActorProps]); ok {
		effects = append(effects, m.applyProfile(a, p, f.At)...)
	}
	a.LastHeartbeatAt = f.At
	m.current[id] = true

	if !rejoin {
		a.JoinedAt = f.At
		a.HasInstantiated = a.IsLocal
		if a.IsLocal {
			if m.localJoinedAt.IsZero() {
				m.localJoinedAt = f.At
			}
		} else {
			effects = append(effects, effect.ActorJoined{ActorID: id, At: f.At})
			effects = append(effects, m.moderationPresence(a, true, f.At)...)
		}
	}

	if m.CurrentCount() > 1 {
		effects = append(effects, effect.StartMonitor{})
	}
	m.logger.Debug("actor joined", "actor", id, "name", a.Identity.DisplayName, "rejoin", rejoin)
	return effects, nil
}

func (m *Machine) leave(f Frame) ([]effect.Effect, error) {
	id, ok := f.intParam(KeyActor)
	if !ok {
		return nil, fmt.Errorf("%w: leave without actor", ErrMalformed)
	}

	var effects []effect.Effect
	if m.current[id] {
		delete(m.current, id)
		if a := m.actors[id]; a != nil && !a.IsLocal {
			effects = append(effects, effect.ActorLeft{ActorID: id, At: f.At})
			effects = append(effects, m.moderationPresence(a, false, f.At)...)
		}
	} else {
		m.logger.Debug("leave for unknown actor", "actor", id)
	}

	if master, ok := f.intParam(KeyMasterID); ok {
		effects = append(effects, m.setMaster(master, f.At)...)
	}
	return effects, nil
}

func (m *Machine) sync(f Frame) ([]effect.Effect, error) {
	master, ok := f.intParam(KeyMasterID)
	if !ok {
		return nil, nil
	}
	return m.setMaster(master, f.At), nil
}

// setMaster records the master client. Only a change from a known value
// is a migration.
func (m *Machine) setMaster(id int, at time.Time) []effect.Effect {
	if id <= 0 {
		return nil
	}
	prev := m.master
	m.master = id
	if prev == 0 || prev == id {
		return nil
	}

	var who Identity
	if a, ok := m.actors[id]; ok {
		who = a.Identity
	}
	detail := fmt.Sprintf("master %d -> %d", prev, id)
	m.logger.Debug("master migrated", "from", prev, "to", id)
	return []effect.Effect{
		effect.Emit{Source: feed.SourceGameLog, Entry: feed.Entry{
			Type:        feed.TypeMasterMigrate,
			CreatedAt:   at,
			DisplayName: who.DisplayName,
			UserID:      who.UserID,
			Message:     detail,
		}},
		effect.Diagnostic{
			Kind:        effect.KindMasterMigrate,
			ActorID:     id,
			DisplayName: who.DisplayName,
			UserID:      who.UserID,
			At:          at,
			Detail:      detail,
		},
	}
}

func (m *Machine) setUserProperties(f Frame) ([]effect.Effect, error) {
	id, ok := f.intParam(KeyTargetActor)
	if !ok {
		return nil, fmt.Errorf("%w: set-user-properties without target", ErrMalformed)
	}
	p, ok := parseProfile(f.Parameters[KeyProperties])
	if !ok {
		return nil, fmt.Errorf("%w: set-user-properties without properties", ErrMalformed)
	}
	return m.applyProfile(m.actor(id), p, f.At), nil
}

func (m *Machine) setUserPropertiesLegacy(f Frame) ([]effect.Effect, error) {
	id, ok := f.intParam(KeyActor)
	if !ok {
		return nil, fmt.Errorf("%w: legacy properties without actor", ErrMalformed)
	}
	p, ok := parseProfile(f.Parameters[KeyCustomData])
	if !ok {
		return nil, fmt.Errorf("%w: legacy properties without data", ErrMalformed)
	}
	return m.applyProfile(m.actor(id), p, f.At), nil
}

func (m *Machine) applyProfile(a *Actor, p profile, at time.Time) []effect.Effect {
	var effects []effect.Effect
	if p.userID != "" || p.displayName != "" {
		effects = append(effects, m.setIdentity(a, p.userID, p.displayName, false)...)
	}

	if p.avatarID != "" {
		if a.AvatarID != "" && a.AvatarID != p.avatarID && !a.IsLocal {
			effects = append(effects, m.avatarChange(a, p, at)...)
		}
		a.AvatarID = p.avatarID
		a.AvatarName = p.avatarName
	}
	if p.inVRMode != nil {
		a.InVRMode = *p.inVRMode
	}
	if p.eyeHeight != nil {
		a.AvatarEyeHeight = *p.eyeHeight
		a.HasEyeHeight = true
	}
	return effects
}

func (m *Machine) avatarChange(a *Actor, p profile, at time.Time) []effect.Effect {
	entry := m.entry(feed.TypeAvatarChange, a, at)
	entry.AvatarID = p.avatarID
	entry.AvatarName = p.avatarName
	return []effect.Effect{
		effect.Emit{Source: feed.SourceGameLog, Entry: entry},
		effect.Persist{Event: store.Event{
			Type:        string(feed.TypeAvatarChange),
			CreatedAt:   at,
			DisplayName: a.Identity.DisplayName,
			UserID:      a.Identity.UserID,
			Data:        map[string]any{"avatarId": p.avatarID, "avatarName": p.avatarName},
		}},
	}
}

// setIdentity merges an identity into a. A backed identity is only ever
// replaced by another backed one.
func (m *Machine) setIdentity(a *Actor, userID, displayName string, backed bool) []effect.Effect {
	if a.Identity.Backed && !backed {
		return nil
	}

	next := a.Identity
	if userID != "" {
		next.UserID = userID
	}
	if displayName != "" {
		next.DisplayName = displayName
	}
	next.Backed = backed
	if !backed {
		if u, ok := m.lookup(next.UserID, next.DisplayName); ok {
			next = Identity{UserID: u.ID, DisplayName: u.DisplayName, Backed: true}
		}
	}
	a.Identity = next

	if m.self.Is(next.UserID, next.DisplayName) {
		a.IsLocal = true
		if m.local == 0 {
			m.local = a.ActorID
		}
	}

	var effects []effect.Effect
	if !next.Backed && !a.IsLocal && next.DisplayName != "" {
		key := identity.NormalizeName(next.DisplayName)
		if !m.requested[key] {
			m.requested[key] = true
			effects = append(effects, effect.ResolveUser{DisplayName: next.DisplayName, UserID: next.UserID})
		}
	}
	if next.Resolved() {
		effects = append(effects, m.replayPending(a)...)
	}
	return effects
}

func (m *Machine) lookup(userID, displayName string) (identity.User, bool) {
	if m.users == nil {
		return identity.User{}, false
	}
	if userID != "" {
		return m.users.UserByID(userID)
	}
	if displayName != "" {
		return m.users.UserByName(displayName)
	}
	return identity.User{}, false
}

// BindHint pre-binds actorID to a display name seen in the session log.
// It never overrides an identity the protocol already supplied.
func (m *Machine) BindHint(actorID int, displayName string) []effect.Effect {
	a, ok := m.actors[actorID]
	if !ok {
		m.hints[actorID] = displayName
		return nil
	}
	if a.Identity.DisplayName != "" || a.Identity.Resolved() {
		return nil
	}
	return m.setIdentity(a, "", displayName, false)
}

// ResolveUser back-fills every actor mapped to u's display name or id with
// the API identity and replays moderation queued for those actors.
func (m *Machine) ResolveUser(u identity.User) []effect.Effect {
	if u.ID == "" {
		return nil
	}
	name := identity.NormalizeName(u.DisplayName)
	var effects []effect.Effect
	for _, id := range m.actorIDs() {
		a := m.actors[id]
		if a.Identity.UserID == u.ID || (name != "" && identity.NormalizeName(a.Identity.DisplayName) == name) {
			effects = append(effects, m.setIdentity(a, u.ID, u.DisplayName, true)...)
		}
	}
	return effects
}

func (m *Machine) instantiate(f Frame) ([]effect.Effect, error) {
	id, ok := f.intParam(KeyActor)
	if !ok {
		return nil, fmt.Errorf("%w: instantiate without actor", ErrMalformed)
	}
	m.actor(id).HasInstantiated = true
	return nil, nil
}

func (m *Machine) heartbeat(f Frame) ([]effect.Effect, error) {
	m.lastHeartbeat = f.At
	if id, ok := f.intParam(KeyActor); ok {
		if a, ok := m.actors[id]; ok {
			a.LastHeartbeatAt = f.At
		}
	}
	return nil, nil
}

func (m *Machine) moderation(f Frame) ([]effect.Effect, error) {
	data, ok := asIntMap(f.Parameters[KeyCustomData])
	if !ok {
		return nil, fmt.Errorf("%w: moderation without data", ErrMalformed)
	}

	if id, ok := asInt(data[modKeyActor]); ok {
		blocked, _ := asBool(data[modKeyBlocked])
		muted, _ := asBool(data[modKeyMuted])
		return m.applyModeration(id, blocked, muted, f.At), nil
	}

	blockedIDs, _ := asInts(data[modKeyBlocked])
	mutedIDs, _ := asInts(data[modKeyMuted])
	blocked := make(map[int]bool, len(blockedIDs))
	muted := make(map[int]bool, len(mutedIDs))
	var ids []int
	for _, id := range blockedIDs {
		if !blocked[id] {
			blocked[id] = true
			ids = append(ids, id)
		}
	}
	for _, id := range mutedIDs {
		if !muted[id] {
			muted[id] = true
			if !blocked[id] {
				ids = append(ids, id)
			}
		}
	}
	sort.Ints(ids)

	var effects []effect.Effect
	for _, id := range ids {
		effects = append(effects, m.applyModeration(id, blocked[id], muted[id], f.At)...)
	}
	return effects, nil
}

func (m *Machine) applyModeration(actorID int, blocked, muted bool, at time.Time) []effect.Effect {
	a, ok := m.actors[actorID]
	if !ok || !a.Identity.Resolved() {
		m.pending[actorID] = PendingModeration{Blocked: blocked, Muted: muted, At: at}
		m.logger.Debug("moderation pending identity", "actor", actorID)
		return nil
	}
	return m.diffModeration(a, blocked, muted, at)
}

func (m *Machine) replayPending(a *Actor) []effect.Effect {
	p, ok := m.pending[a.ActorID]
	if !ok {
		return nil
	}
	delete(m.pending, a.ActorID)
	return m.diffModeration(a, p.Blocked, p.Muted, p.At)
}

// diffModeration classifies the transition against the stored state. Each
// changed flag yields one entry, block before mute.
func (m *Machine) diffModeration(a *Actor, blocked, muted bool, at time.Time) []effect.Effect {
	prev := m.mods.Get(a.Identity.UserID)

	var types []feed.Type
	if prev.Blocked != blocked {
		if blocked {
			types = append(types, feed.TypeBlocked)
		} else {
			types = append(types, feed.TypeUnblocked)
		}
	}
	if prev.Muted != muted {
		if muted {
			types = append(types, feed.TypeMuted)
		} else {
			types = append(types, feed.TypeUnmuted)
		}
	}
	if len(types) == 0 {
		return nil
	}

	next := store.Moderation{UserID: a.Identity.UserID, Blocked: blocked, Muted: muted, UpdatedAt: at}
	m.mods.Put(next)

	effects := []effect.Effect{effect.SaveModeration{Moderation: next}}
	for _, t := range types {
		effects = append(effects,
			effect.Emit{Source: feed.SourceModeration, Entry: m.entry(t, a, at)},
			effect.Persist{Event: store.Event{
				Type:        string(t),
				CreatedAt:   at,
				DisplayName: a.Identity.DisplayName,
				UserID:      a.Identity.UserID,
			}},
			effect.Diagnostic{
				Kind:        effect.KindModeration,
				ActorID:     a.ActorID,
				DisplayName: a.Identity.DisplayName,
				UserID:      a.Identity.UserID,
				At:          at,
				Detail:      string(t),
			},
		)
	}
	return effects
}

// moderationPresence reports a join or leave of a user who blocks or mutes
// the local user.
func (m *Machine) moderationPresence(a *Actor, joined bool, at time.Time) []effect.Effect {
	if !a.Identity.Resolved() {
		return nil
	}
	s := m.mods.Get(a.Identity.UserID)
	var t feed.Type
	switch {
	case s.Blocked && joined:
		t = feed.TypeBlockedOnPlayerJoined
	case s.Blocked:
		t = feed.TypeBlockedOnPlayerLeft
	case s.Muted && joined:
		t = feed.TypeMutedOnPlayerJoined
	case s.Muted:
		t = feed.TypeMutedOnPlayerLeft
	default:
		return nil
	}
	return []effect.Effect{effect.Emit{Source: feed.SourceModeration, Entry: m.entry(t, a, at)}}
}

func (m *Machine) entry(t feed.Type, a *Actor, at time.Time) feed.Entry {
	e := feed.Entry{
		Type:        t,
		CreatedAt:   at,
		DisplayName: a.Identity.DisplayName,
		UserID:      a.Identity.UserID,
	}
	if u, ok := m.lookup(a.Identity.UserID, a.Identity.DisplayName); ok {
		e.IsFriend = u.IsFriend
		e.IsFavorite = u.IsFavorite
	}
	return e
}

func (m *Machine) actorIDs() []int {
	ids := make([]int, 0, len(m.actors))
	for id := range m.actors {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	return ids
}

// Actor returns a copy of the actor, current or departed.
func (m *Machine) Actor(id int) (Actor, bool) {
	a, ok := m.actors[id]
	if !ok {
		return Actor{}, false
	}
	return *a, true
}

// CurrentActors returns copies of the live actors ordered by actor id.
func (m *Machine) CurrentActors() []Actor {
	out := make([]Actor, 0, len(m.current))
	for _, id := range m.actorIDs() {
		if m.current[id] {
			out = append(out, *m.actors[id])
		}
	}
	return out
}

// CurrentCount includes the local client.
func (m *Machine) CurrentCount() int {
	return len(m.current)
}

// LocalActorID is the local client's actor number, 0 before its Join.
func (m *Machine) LocalActorID() int {
	return m.local
}

// LocalJoinedAt is when the local client joined this instance.
func (m *Machine) LocalJoinedAt() time.Time {
	return m.localJoinedAt
}

// LastHeartbeat is the most recent heartbeat from any actor.
func (m *Machine) LastHeartbeat() time.Time {
	return m.lastHeartbeat
}

// Master is the current master-client actor number, 0 when unknown.
func (m *Machine) Master() int {
	return m.master
}

// PendingCount is the number of actors with queued moderation.
func (m *Machine) PendingCount() int {
	return len(m.pending)
}
