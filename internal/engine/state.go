package engine

import (
	"github.com/fallen-shinigami/VRCX-sub000/internal/feed"
	"github.com/fallen-shinigami/VRCX-sub000/internal/gamelog"
	"github.com/fallen-shinigami/VRCX-sub000/internal/lobby"
	"github.com/fallen-shinigami/VRCX-sub000/internal/presence"
)

// State is a read-only copy of the live session, for the scenario
// harness and the replay command.
type State struct {
	SessionID  string                   `json:"sessionId"`
	Generation uint64                   `json:"generation"`
	Location   string                   `json:"location"`
	WorldName  string                   `json:"worldName,omitempty"`
	Traveling  bool                     `json:"traveling,omitempty"`
	Roster     []gamelog.PresenceRecord `json:"roster"`
	Actors     []lobby.Actor            `json:"actors"`
	Master     int                      `json:"master,omitempty"`
	LocalActor int                      `json:"localActor,omitempty"`
	Pending    int                      `json:"pendingModeration,omitempty"`
	Video      *gamelog.VideoPlayback   `json:"video,omitempty"`
	Monitoring bool                     `json:"monitoring"`
	HUD        presence.Report          `json:"hud"`
	Feed       []feed.Entry             `json:"feed"`
	LastSeq    int64                    `json:"lastSeq"`
}

// Snapshot copies the live state. Call it from the loop goroutine, or
// when the engine is driven with Process/Drain.
func (e *Engine) Snapshot() State {
	s := e.sess
	st := State{
		SessionID:  s.id,
		Generation: s.gen,
		Location:   s.ic.Location,
		WorldName:  s.ic.WorldName,
		Traveling:  s.ic.Traveling(),
		Roster:     s.ic.Members(),
		Actors:     s.lobby.CurrentActors(),
		Master:     s.lobby.Master(),
		LocalActor: s.lobby.LocalActorID(),
		Pending:    s.lobby.PendingCount(),
		Monitoring: s.monitor.Running(),
		HUD:        s.monitor.Report(),
		Feed:       append([]feed.Entry{}, e.lastFeed...),
		LastSeq:    e.clock.Current(),
	}
	if s.ic.Video != nil {
		v := *s.ic.Video
		st.Video = &v
	}
	return st
}
