package engine

import (
	"context"
	"fmt"

	"github.com/fallen-shinigami/VRCX-sub000/internal/effect"
	"github.com/fallen-shinigami/VRCX-sub000/internal/identity"
)

// apply runs effects in order. Effects that produce further effects
// (BindActor) are applied depth-first, before the next sibling.
func (e *Engine) apply(ctx context.Context, effects []effect.Effect) {
	for _, eff := range effects {
		switch v := eff.(type) {
		case effect.Emit:
			e.emit(v)
		case effect.Persist:
			e.persist(ctx, v)
		case effect.SaveModeration:
			e.saveModeration(ctx, v)
		case effect.ResetInstance:
			e.resetInstance(v)
		case effect.BindActor:
			e.apply(ctx, e.sess.lobby.BindHint(v.ActorID, v.DisplayName))
		case effect.ResolveUser:
			e.resolveUser(v)
		case effect.ResolveWorld:
			e.resolveWorld(v)
		case effect.StartMonitor:
			if e.sess.monitor.Start() {
				e.armPresence()
			}
		case effect.ActorJoined:
			if a, ok := e.sess.lobby.Actor(v.ActorID); ok {
				e.sess.monitor.CheckJoin(a, v.At)
			}
		case effect.ActorLeft:
			if a, ok := e.sess.lobby.Actor(v.ActorID); ok {
				e.sess.monitor.CheckLeave(a, v.At)
			}
		case effect.Diagnostic:
			e.sess.monitor.Record(v)
		case effect.VideoChanged:
			if v.Active {
				e.armVideo()
			}
		default:
			e.logger.Error("unknown effect", "effect", fmt.Sprintf("%T", eff))
		}
	}
}

func (e *Engine) emit(v effect.Emit) {
	entry := v.Entry
	if entry.ID == "" {
		entry.ID = e.ids.Generate()
	}
	e.agg.Buffer(v.Source).Append(entry)
	e.emitted = true
}

// persist stamps the event with the live session and the next seq. A
// rejected write is logged; the in-memory state has already moved on.
func (e *Engine) persist(ctx context.Context, v effect.Persist) {
	ev := v.Event
	ev.SessionID = e.sess.id
	ev.Seq = e.clock.Next()
	if err := e.events.AppendEvent(ctx, ev); err != nil {
		rerr := newRuntimeError(ErrCodePersistFailed, e.sess.id, err)
		rerr.Details = map[string]string{"type": ev.Type, "displayName": ev.DisplayName}
		e.logger.Error("persist failed", "error", rerr, "seq", ev.Seq)
	}
}

func (e *Engine) saveModeration(ctx context.Context, v effect.SaveModeration) {
	if err := e.events.SaveModeration(ctx, v.Moderation); err != nil {
		rerr := newRuntimeError(ErrCodePersistFailed, e.sess.id, err)
		e.logger.Error("save moderation failed", "error", rerr, "user", v.Moderation.UserID)
	}
}

// resetInstance replaces the whole session and bumps the generation.
func (e *Engine) resetInstance(v effect.ResetInstance) {
	old := e.sess
	old.close()
	e.sess = e.newSession(v.Location, v.WorldName, v.At)
	e.agg.SetLocation(v.Location)
	e.hudReset = true
	e.logger.Info("instance reset", append(e.sess.logAttrs(), "previous", old.id)...)
}

func (e *Engine) resolveUser(req effect.ResolveUser) {
	gen := e.gen
	if !e.lookups.Begin(gen, lookupKey(req)) {
		e.logger.Debug("user lookup already pending", "displayName", req.DisplayName, "userId", req.UserID)
		return
	}
	e.lookup(func(ctx context.Context) Input {
		var (
			u   identity.User
			err error
		)
		if req.UserID != "" {
			u, err = e.resolver.LookupUser(ctx, req.UserID)
		} else {
			u, err = e.resolver.LookupUserByName(ctx, req.DisplayName)
		}
		return userResolved{gen: gen, req: req, user: u, err: err}
	})
}

func (e *Engine) resolveWorld(req effect.ResolveWorld) {
	gen := e.gen
	e.lookup(func(ctx context.Context) Input {
		if req.WorldID == "" {
			return worldResolved{gen: gen, req: req, err: identity.ErrNotFound}
		}
		w, err := e.resolver.LookupWorld(ctx, req.WorldID)
		return worldResolved{gen: gen, req: req, world: w, err: err}
	})
}

// lookup runs call off the loop and re-enters its result as an input.
func (e *Engine) lookup(call func(ctx context.Context) Input) {
	run := func() {
		ctx, cancel := context.WithTimeout(context.Background(), e.cfg.LookupTimeout)
		defer cancel()
		e.queue.Enqueue(call(ctx))
	}
	if e.syncLookups {
		run()
		return
	}
	go run()
}
