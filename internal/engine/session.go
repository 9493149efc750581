package engine

import (
	"log/slog"
	"time"

	"github.com/fallen-shinigami/VRCX-sub000/internal/gamelog"
	"github.com/fallen-shinigami/VRCX-sub000/internal/lobby"
	"github.com/fallen-shinigami/VRCX-sub000/internal/presence"
)

// session is everything scoped to one instance visit. It is replaced
// wholesale on a location change.
type session struct {
	id      string
	gen     uint64
	ic      *gamelog.InstanceContext
	lobby   *lobby.Machine
	monitor *presence.Monitor

	presenceTimer Timer
	videoTimer    Timer
}

func (e *Engine) newSession(location, worldName string, at time.Time) *session {
	e.gen++
	m := lobby.NewMachine(e.self, e.users, e.mods, e.logger)
	return &session{
		id:      e.ids.Generate(),
		gen:     e.gen,
		ic:      gamelog.NewInstanceContext(location, worldName, at),
		lobby:   m,
		monitor: presence.NewMonitor(e.cfg.Presence, m, e.users),
	}
}

// close stops the session's loops. Ticks already queued are dropped by
// the generation check.
func (s *session) close() {
	s.monitor.Stop()
	if s.presenceTimer != nil {
		s.presenceTimer.Stop()
	}
	if s.videoTimer != nil {
		s.videoTimer.Stop()
	}
}

func (s *session) logAttrs() []any {
	return []any{slog.String("session", s.id), slog.String("location", s.ic.Location)}
}
