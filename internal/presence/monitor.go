// Package presence is the PresenceTimeoutMonitor. It polls the lobby's
// per-actor heartbeat data, keeps the HUD list of stalled actors and
// raises bot diagnostics.
//
// The monitor does not own a timer. The engine calls Tick on its loop and
// re-arms only while Tick reports keep and the instance generation is
// unchanged.
package presence

import (
	"sort"
	"time"

	"github.com/fallen-shinigami/VRCX-sub000/internal/effect"
	"github.com/fallen-shinigami/VRCX-sub000/internal/feed"
	"github.com/fallen-shinigami/VRCX-sub000/internal/identity"
	"github.com/fallen-shinigami/VRCX-sub000/internal/lobby"
)

// Config holds the thresholds. The bot numbers are empirical and tied to
// one protocol version, so all of them are configurable.
type Config struct {
	Interval          time.Duration
	Threshold         time.Duration // heartbeat gap that counts as timed out
	JoinGrace         time.Duration // never flag actors younger than this
	TravelGuard       time.Duration
	LocalJoinGuard    time.Duration
	HeartbeatWindow   time.Duration // global heartbeat freshness
	InstantiateWindow time.Duration
	EyeHeightSentinel float64
	Restrict          feed.Visibility // Everyone, Friends or VIP
}

// DefaultConfig returns the standard thresholds.
func DefaultConfig() Config {
	return Config{
		Interval:          500 * time.Millisecond,
		Threshold:         3000 * time.Millisecond,
		JoinGrace:         120 * time.Second,
		TravelGuard:       5 * time.Second,
		LocalJoinGuard:    30 * time.Second,
		HeartbeatWindow:   2 * time.Second,
		InstantiateWindow: 11 * time.Second,
		EyeHeightSentinel: -1,
		Restrict:          feed.VisibilityEveryone,
	}
}

// Lobby is the read-only view of the lobby state machine the monitor
// polls. *lobby.Machine implements it.
type Lobby interface {
	CurrentActors() []lobby.Actor
	CurrentCount() int
	LastHeartbeat() time.Time
	LocalActorID() int
	LocalJoinedAt() time.Time
}

// Timeout is one stalled actor on the HUD.
type Timeout struct {
	ActorID     int           `json:"actorId"`
	DisplayName string        `json:"displayName"`
	UserID      string        `json:"userId,omitempty"`
	IsFriend    bool          `json:"isFriend,omitempty"`
	IsFavorite  bool          `json:"isFavorite,omitempty"`
	Elapsed     time.Duration `json:"elapsed"`
}

// Report is the HUD payload: the live timeout list plus every diagnostic
// raised in this instance.
type Report struct {
	Timeouts    []Timeout           `json:"timeouts"`
	Diagnostics []effect.Diagnostic `json:"diagnostics"`
}

// Monitor is not safe for concurrent use.
type Monitor struct {
	cfg   Config
	lobby Lobby
	users identity.Directory

	running  bool
	bots     map[int]bool // actors with a bot diagnostic
	timedOut map[int]bool

	report Report
	dirty  bool
}

// NewMonitor creates a stopped monitor. users may be nil; it only affects
// the Friends/VIP restriction.
func NewMonitor(cfg Config, l Lobby, users identity.Directory) *Monitor {
	if cfg.Restrict == "" {
		cfg.Restrict = feed.VisibilityEveryone
	}
	return &Monitor{
		cfg:      cfg,
		lobby:    l,
		users:    users,
		bots:     make(map[int]bool),
		timedOut: make(map[int]bool),
		report:   Report{Timeouts: []Timeout{}, Diagnostics: []effect.Diagnostic{}},
	}
}

// Start enables the loop. It reports whether the loop was stopped before,
// meaning the caller must arm the first tick.
func (m *Monitor) Start() bool {
	if m.running {
		return false
	}
	m.running = true
	return true
}

// Stop disables the loop. A tick already scheduled sees the flag and does
// not re-arm.
func (m *Monitor) Stop() {
	m.running = false
}

func (m *Monitor) Running() bool {
	return m.running
}

func (m *Monitor) Interval() time.Duration {
	return m.cfg.Interval
}

// Tick runs one poll. lastTravel is the time of the last travel event. It
// returns false when the loop should not re-arm.
func (m *Monitor) Tick(now, lastTravel time.Time) bool {
	if !m.running {
		return false
	}
	if m.lobby.CurrentCount() <= 1 {
		m.running = false
		m.setTimeouts(nil)
		return false
	}

	actors := m.lobby.CurrentActors()
	local := m.lobby.LocalActorID()

	for _, a := range actors {
		if a.ActorID == local || a.IsLocal {
			continue
		}
		m.checkBot(a, now)
	}

	if !m.guarded(now, lastTravel) {
		m.setTimeouts(nil)
		return true
	}

	var timeouts []Timeout
	for _, a := range actors {
		if a.ActorID == local || a.IsLocal {
			continue
		}
		elapsed := now.Sub(a.LastHeartbeatAt)
		if elapsed <= m.cfg.Threshold || now.Sub(a.JoinedAt) <= m.cfg.JoinGrace {
			continue
		}
		t := m.timeout(a, elapsed)
		if !m.cfg.Restrict.Allows(feed.Entry{IsFriend: t.IsFriend, IsFavorite: t.IsFavorite}) {
			continue
		}
		timeouts = append(timeouts, t)
		m.flag(a, effect.KindTimeout, now, "")
	}
	sort.SliceStable(timeouts, func(i, j int) bool {
		if timeouts[i].Elapsed != timeouts[j].Elapsed {
			return timeouts[i].Elapsed < timeouts[j].Elapsed
		}
		return timeouts[i].ActorID < timeouts[j].ActorID
	})
	m.setTimeouts(timeouts)
	return true
}

// guarded reports whether the session is in a state where heartbeat gaps
// mean anything: not just traveled, not just joined, and not paused.
func (m *Monitor) guarded(now, lastTravel time.Time) bool {
	if !lastTravel.IsZero() && now.Sub(lastTravel) < m.cfg.TravelGuard {
		return false
	}
	joined := m.lobby.LocalJoinedAt()
	if joined.IsZero() || now.Sub(joined) < m.cfg.LocalJoinGuard {
		return false
	}
	beat := m.lobby.LastHeartbeat()
	return !beat.IsZero() && now.Sub(beat) <= m.cfg.HeartbeatWindow
}

func (m *Monitor) timeout(a lobby.Actor, elapsed time.Duration) Timeout {
	t := Timeout{
		ActorID:     a.ActorID,
		DisplayName: a.Identity.DisplayName,
		UserID:      a.Identity.UserID,
		Elapsed:     elapsed,
	}
	if m.users != nil && t.UserID != "" {
		if u, ok := m.users.UserByID(t.UserID); ok {
			t.IsFriend = u.IsFriend
			t.IsFavorite = u.IsFavorite
		}
	}
	return t
}

func (m *Monitor) checkBot(a lobby.Actor, now time.Time) {
	if a.HasEyeHeight && a.AvatarEyeHeight <= m.cfg.EyeHeightSentinel {
		m.flag(a, effect.KindInvalidAvatar, now, "invalid avatar eye height")
	}
	if !a.HasInstantiated && now.Sub(a.JoinedAt) > m.cfg.InstantiateWindow {
		m.flag(a, effect.KindNoInstantiate, now, "failed to instantiate")
	}
}

// CheckJoin runs the join-time bot heuristic.
func (m *Monitor) CheckJoin(a lobby.Actor, now time.Time) []effect.Diagnostic {
	if a.HasEyeHeight && a.AvatarEyeHeight <= m.cfg.EyeHeightSentinel {
		return m.flag(a, effect.KindInvalidAvatar, now, "invalid avatar eye height")
	}
	return nil
}

// CheckLeave runs the leave-time bot heuristic.
func (m *Monitor) CheckLeave(a lobby.Actor, now time.Time) []effect.Diagnostic {
	if !a.HasInstantiated {
		return m.flag(a, effect.KindLeftUninstanced, now, "left without instantiating")
	}
	return nil
}

// Record adds a diagnostic raised elsewhere (moderation, master
// migration) to the HUD.
func (m *Monitor) Record(d effect.Diagnostic) {
	m.report.Diagnostics = append(m.report.Diagnostics, d)
	m.dirty = true
}

// flag records a diagnostic for actor a. Each actor gets at most one bot
// diagnostic per instance, the first heuristic to fire, and at most one
// timeout diagnostic.
func (m *Monitor) flag(a lobby.Actor, kind string, now time.Time, detail string) []effect.Diagnostic {
	seen := m.bots
	if kind == effect.KindTimeout {
		seen = m.timedOut
	}
	if seen[a.ActorID] {
		return nil
	}
	seen[a.ActorID] = true

	d := effect.Diagnostic{
		Kind:        kind,
		ActorID:     a.ActorID,
		DisplayName: a.Identity.DisplayName,
		UserID:      a.Identity.UserID,
		At:          now,
		Detail:      detail,
	}
	m.Record(d)
	return []effect.Diagnostic{d}
}

func (m *Monitor) setTimeouts(timeouts []Timeout) {
	if timeouts == nil {
		timeouts = []Timeout{}
	}
	if sameTimeouts(m.report.Timeouts, timeouts) {
		return
	}
	m.report.Timeouts = timeouts
	m.dirty = true
}

// sameTimeouts compares HUD lists at whole-second resolution.
func sameTimeouts(a, b []Timeout) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i].ActorID != b[i].ActorID ||
			a[i].Elapsed.Truncate(time.Second) != b[i].Elapsed.Truncate(time.Second) {
			return false
		}
	}
	return true
}

// Report returns a copy of the HUD payload.
func (m *Monitor) Report() Report {
	return Report{
		Timeouts:    append([]Timeout{}, m.report.Timeouts...),
		Diagnostics: append([]effect.Diagnostic{}, m.report.Diagnostics...),
	}
}

// Changed reports whether the HUD changed since the last call.
func (m *Monitor) Changed() bool {
	c := m.dirty
	m.dirty = false
	return c
}
