package lobby

import (
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fallen-shinigami/VRCX-sub000/internal/effect"
	"github.com/fallen-shinigami/VRCX-sub000/internal/feed"
	"github.com/fallen-shinigami/VRCX-sub000/internal/identity"
	"github.com/fallen-shinigami/VRCX-sub000/internal/store"
)

var t0 = time.Date(2024, 3, 1, 20, 0, 0, 0, time.UTC)

var self = identity.Self{UserID: "usr_me", DisplayName: "Me"}

func newTestMachine(users identity.Directory) *Machine {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewMachine(self, users, NewMemoryModeration(nil, logger), logger)
}

func props(userID, name, avatarID string) map[string]any {
	p := map[string]any{
		"user": map[string]any{"id": userID, "displayName": name},
	}
	if avatarID != "" {
		p["avatarDict"] = map[string]any{"id": avatarID, "name": "Avatar " + avatarID}
	}
	return p
}

func frame(op Opcode, d time.Duration, params map[int]any) Frame {
	return Frame{Opcode: op, Parameters: params, At: t0.Add(d)}
}

func apply(t *testing.T, m *Machine, f Frame) []effect.Effect {
	t.Helper()
	effects, err := m.Handle(f)
	require.NoError(t, err)
	return effects
}

func entries(effects []effect.Effect) []feed.Entry {
	var out []feed.Entry
	for _, e := range effects {
		if em, ok := e.(effect.Emit); ok {
			out = append(out, em.Entry)
		}
	}
	return out
}

func entryTypes(effects []effect.Effect) []feed.Type {
	var out []feed.Type
	for _, e := range entries(effects) {
		out = append(out, e.Type)
	}
	return out
}

// joinLocal is the local client's first join with the roster snapshot.
func joinLocal(t *testing.T, m *Machine, others ...int) {
	t.Helper()
	apply(t, m, frame(OpJoin, 0, map[int]any{
		KeyActor:      1,
		KeyActorList:  append([]int{1}, others...),
		KeyActorProps: props("usr_me", "Me", "avtr_me"),
	}))
}

func TestJoin_RosterSnapshot(t *testing.T) {
	m := newTestMachine(nil)
	joinLocal(t, m, 2, 3)

	assert.Equal(t, 1, m.LocalActorID())
	assert.Equal(t, t0, m.LocalJoinedAt())
	assert.Equal(t, 3, m.CurrentCount())

	for _, a := range m.CurrentActors() {
		assert.True(t, a.HasInstantiated, "pre-existing and local actors count as instantiated")
	}
	local, ok := m.Actor(1)
	require.True(t, ok)
	assert.True(t, local.IsLocal)
}

func TestJoin_RemoteActor(t *testing.T) {
	m := newTestMachine(nil)
	joinLocal(t, m)

	effects := apply(t, m, frame(OpJoin, time.Minute, map[int]any{
		KeyActor:      5,
		KeyActorProps: props("usr_a", "Alice", "avtr_1"),
	}))

	assert.Contains(t, effects, effect.Effect(effect.ActorJoined{ActorID: 5, At: t0.Add(time.Minute)}))
	assert.Contains(t, effects, effect.Effect(effect.StartMonitor{}))
	assert.Contains(t, effects, effect.Effect(effect.ResolveUser{DisplayName: "Alice", UserID: "usr_a"}))

	a, ok := m.Actor(5)
	require.True(t, ok)
	assert.False(t, a.HasInstantiated)
	assert.Equal(t, t0.Add(time.Minute), a.JoinedAt)
	assert.Equal(t, "avtr_1", a.AvatarID)

	apply(t, m, frame(OpInstantiate, time.Minute+time.Second, map[int]any{KeyActor: 5}))
	a, _ = m.Actor(5)
	assert.True(t, a.HasInstantiated)
}

func TestLeave_KeepsIdentity(t *testing.T) {
	m := newTestMachine(nil)
	joinLocal(t, m)
	apply(t, m, frame(OpJoin, time.Second, map[int]any{KeyActor: 5, KeyActorProps: props("usr_a", "Alice", "")}))

	effects := apply(t, m, frame(OpLeave, time.Minute, map[int]any{KeyActor: 5}))
	assert.Equal(t, []effect.Effect{effect.ActorLeft{ActorID: 5, At: t0.Add(time.Minute)}}, effects)
	assert.Equal(t, 1, m.CurrentCount())

	a, ok := m.Actor(5)
	require.True(t, ok)
	assert.Equal(t, "usr_a", a.Identity.UserID)

	assert.Empty(t, apply(t, m, frame(OpLeave, time.Minute, map[int]any{KeyActor: 99})))
}

func TestMaster_MigrationOnlyOnChange(t *testing.T) {
	m := newTestMachine(nil)
	joinLocal(t, m, 2)

	assert.Empty(t, apply(t, m, frame(OpSync, 0, map[int]any{KeyMasterID: 2})))
	assert.Empty(t, apply(t, m, frame(OpSync, time.Second, map[int]any{KeyMasterID: 2})))

	effects := apply(t, m, frame(OpLeave, time.Minute, map[int]any{KeyActor: 2, KeyMasterID: 1}))
	assert.Contains(t, entryTypes(effects), feed.TypeMasterMigrate)
	assert.Equal(t, 1, m.Master())

	var diag effect.Diagnostic
	for _, e := range effects {
		if d, ok := e.(effect.Diagnostic); ok {
			diag = d
		}
	}
	assert.Equal(t, effect.KindMasterMigrate, diag.Kind)
	assert.Equal(t, "master 2 -> 1", diag.Detail)
}

func TestAvatarChange(t *testing.T) {
	m := newTestMachine(nil)
	joinLocal(t, m)
	apply(t, m, frame(OpJoin, time.Second, map[int]any{KeyActor: 5, KeyActorProps: props("usr_a", "Alice", "avtr_1")}))

	same := apply(t, m, frame(OpSetUserProperties, time.Minute, map[int]any{
		KeyTargetActor: 5, KeyProperties: props("usr_a", "Alice", "avtr_1"),
	}))
	assert.Empty(t, entries(same))

	changed := apply(t, m, frame(OpSetUserPropertiesLegacy, 2*time.Minute, map[int]any{
		KeyActor: 5, KeyCustomData: props("usr_a", "Alice", "avtr_2"),
	}))
	got := entries(changed)
	require.Len(t, got, 1)
	assert.Equal(t, feed.TypeAvatarChange, got[0].Type)
	assert.Equal(t, "avtr_2", got[0].AvatarID)

	// The local client's own avatar changes are not reported.
	local := apply(t, m, frame(OpSetUserProperties, 3*time.Minute, map[int]any{
		KeyTargetActor: 1, KeyProperties: props("usr_me", "Me", "avtr_other"),
	}))
	assert.Empty(t, entries(local))
}

func TestModeration_BeforeIdentityReplaysOnce(t *testing.T) {
	m := newTestMachine(nil)
	joinLocal(t, m)

	queued := apply(t, m, frame(OpModeration, time.Second, map[int]any{
		KeyCustomData: map[string]any{"1": 7, "10": true, "11": false},
	}))
	assert.Empty(t, queued)
	assert.Equal(t, 1, m.PendingCount())

	resolved := apply(t, m, frame(OpSetUserProperties, 2*time.Second, map[int]any{
		KeyTargetActor: 7, KeyProperties: props("u1", "Blocker", ""),
	}))
	got := entries(resolved)
	require.Len(t, got, 1)
	assert.Equal(t, feed.TypeBlocked, got[0].Type)
	assert.Equal(t, "u1", got[0].UserID)
	assert.Equal(t, 0, m.PendingCount())
	assert.Contains(t, resolved, effect.Effect(effect.SaveModeration{Moderation: store.Moderation{
		UserID: "u1", Blocked: true, UpdatedAt: t0.Add(time.Second),
	}}))

	// A later API resolution for the same actor must not replay again.
	again := m.ResolveUser(identity.User{ID: "u1", DisplayName: "Blocker"})
	assert.Empty(t, entries(again))
}

func TestModeration_DiffAgainstStoredState(t *testing.T) {
	m := newTestMachine(nil)
	joinLocal(t, m)
	apply(t, m, frame(OpJoin, time.Second, map[int]any{KeyActor: 5, KeyActorProps: props("usr_a", "Alice", "")}))

	single := func(d time.Duration, blocked, muted bool) []effect.Effect {
		return apply(t, m, frame(OpModeration, d, map[int]any{
			KeyCustomData: map[int]any{1: 5, 10: blocked, 11: muted},
		}))
	}

	assert.Equal(t, []feed.Type{feed.TypeBlocked, feed.TypeMuted}, entryTypes(single(time.Minute, true, true)))
	assert.Empty(t, entryTypes(single(2*time.Minute, true, true)))
	assert.Equal(t, []feed.Type{feed.TypeUnblocked}, entryTypes(single(3*time.Minute, false, true)))
	assert.Equal(t, []feed.Type{feed.TypeUnmuted}, entryTypes(single(4*time.Minute, false, false)))
}

func TestModeration_Bulk(t *testing.T) {
	m := newTestMachine(nil)
	joinLocal(t, m, 2, 3)
	apply(t, m, frame(OpSetUserProperties, 0, map[int]any{KeyTargetActor: 2, KeyProperties: props("usr_b", "Bob", "")}))
	apply(t, m, frame(OpSetUserProperties, 0, map[int]any{KeyTargetActor: 3, KeyProperties: props("usr_c", "Carol", "")}))

	effects := apply(t, m, frame(OpModeration, time.Second, map[int]any{
		KeyCustomData: map[string]any{"10": []any{2.0}, "11": []any{2.0, 3.0, 9.0}},
	}))

	var subjects []string
	for _, e := range entries(effects) {
		subjects = append(subjects, e.DisplayName+":"+string(e.Type))
	}
	assert.Equal(t, []string{"Bob:Blocked", "Bob:Muted", "Carol:Muted"}, subjects)
	assert.Equal(t, 1, m.PendingCount(), "actor 9 has no identity yet")
}

func TestModeration_PresenceEntries(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	mods := NewMemoryModeration(func(userID string) (store.Moderation, error) {
		return store.Moderation{UserID: userID, Muted: userID == "usr_m", Blocked: userID == "usr_b"}, nil
	}, logger)
	m := NewMachine(self, nil, mods, logger)
	joinLocal(t, m)

	join := apply(t, m, frame(OpJoin, time.Second, map[int]any{KeyActor: 5, KeyActorProps: props("usr_b", "B", "")}))
	assert.Contains(t, entryTypes(join), feed.TypeBlockedOnPlayerJoined)

	join = apply(t, m, frame(OpJoin, time.Second, map[int]any{KeyActor: 6, KeyActorProps: props("usr_m", "M", "")}))
	assert.Contains(t, entryTypes(join), feed.TypeMutedOnPlayerJoined)

	leave := apply(t, m, frame(OpLeave, time.Minute, map[int]any{KeyActor: 5}))
	assert.Equal(t, []feed.Type{feed.TypeBlockedOnPlayerLeft}, entryTypes(leave))
}

func TestIdentity_NeverDowngraded(t *testing.T) {
	cache := identity.NewCache()
	cache.PutUser(identity.User{ID: "usr_a", DisplayName: "Alice", IsFriend: true})
	m := newTestMachine(cache)
	joinLocal(t, m)

	effects := apply(t, m, frame(OpJoin, time.Second, map[int]any{KeyActor: 5, KeyActorProps: props("usr_a", "alice_old", "")}))
	for _, e := range effects {
		_, isResolve := e.(effect.ResolveUser)
		assert.False(t, isResolve, "cached users need no lookup")
	}
	a, _ := m.Actor(5)
	assert.Equal(t, Identity{UserID: "usr_a", DisplayName: "Alice", Backed: true}, a.Identity)

	apply(t, m, frame(OpSetUserProperties, time.Minute, map[int]any{KeyTargetActor: 5, KeyProperties: props("usr_a", "Spoofed", "")}))
	a, _ = m.Actor(5)
	assert.Equal(t, "Alice", a.Identity.DisplayName)
	assert.True(t, a.Identity.Backed)
}

func TestResolveUser_BackfillsReconnectedActors(t *testing.T) {
	m := newTestMachine(nil)
	joinLocal(t, m)
	apply(t, m, frame(OpJoin, time.Second, map[int]any{KeyActor: 5, KeyActorProps: props("", "Alice", "")}))
	apply(t, m, frame(OpLeave, time.Minute, map[int]any{KeyActor: 5}))
	apply(t, m, frame(OpJoin, 2*time.Minute, map[int]any{KeyActor: 8, KeyActorProps: props("", "Alice", "")}))

	m.ResolveUser(identity.User{ID: "usr_a", DisplayName: "Alice"})

	for _, id := range []int{5, 8} {
		a, _ := m.Actor(id)
		assert.Equal(t, Identity{UserID: "usr_a", DisplayName: "Alice", Backed: true}, a.Identity, "actor %d", id)
	}
}

func TestBindHint(t *testing.T) {
	m := newTestMachine(nil)
	joinLocal(t, m)

	// Hint before the actor exists is applied on first sight.
	assert.Empty(t, m.BindHint(9, "Hinted"))
	apply(t, m, frame(OpInstantiate, time.Second, map[int]any{KeyActor: 9}))
	a, _ := m.Actor(9)
	assert.Equal(t, "Hinted", a.Identity.DisplayName)

	// Hints never override protocol identity.
	apply(t, m, frame(OpJoin, time.Second, map[int]any{KeyActor: 5, KeyActorProps: props("usr_a", "Alice", "")}))
	assert.Empty(t, m.BindHint(5, "Other"))
	a, _ = m.Actor(5)
	assert.Equal(t, "Alice", a.Identity.DisplayName)
}

func TestHeartbeat(t *testing.T) {
	m := newTestMachine(nil)
	joinLocal(t, m, 2)

	apply(t, m, frame(OpHeartbeat, 5*time.Second, map[int]any{KeyActor: 2}))
	assert.Equal(t, t0.Add(5*time.Second), m.LastHeartbeat())
	a, _ := m.Actor(2)
	assert.Equal(t, t0.Add(5*time.Second), a.LastHeartbeatAt)
}

func TestMalformedFrames(t *testing.T) {
	m := newTestMachine(nil)
	for _, f := range []Frame{
		frame(OpJoin, 0, map[int]any{}),
		frame(OpLeave, 0, map[int]any{KeyActor: "x"}),
		frame(OpSetUserProperties, 0, map[int]any{KeyTargetActor: 1}),
		frame(OpModeration, 0, map[int]any{KeyCustomData: 3}),
		frame(OpInstantiate, 0, nil),
	} {
		_, err := m.Handle(f)
		assert.ErrorIs(t, err, ErrMalformed, f.Opcode.String())
	}

	effects, err := m.Handle(frame(Opcode(99), 0, nil))
	assert.NoError(t, err)
	assert.Empty(t, effects)
}
