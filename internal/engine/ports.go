package engine

import (
	"context"
	"time"

	"github.com/fallen-shinigami/VRCX-sub000/internal/feed"
	"github.com/fallen-shinigami/VRCX-sub000/internal/presence"
	"github.com/fallen-shinigami/VRCX-sub000/internal/store"
)

// Publisher receives the engine's outputs. Calls happen on the loop
// goroutine; implementations must not block.
type Publisher interface {
	// PublishFeed delivers the full ambient feed whenever it changes.
	PublishFeed(entries []feed.Entry)
	// PublishAlert delivers one alert exactly once.
	PublishAlert(entry feed.Entry)
	// PublishHUD delivers the timeout list and diagnostics on change.
	PublishHUD(report presence.Report)
}

// EventLog is the durable append-only log. *store.Store implements it.
type EventLog interface {
	AppendEvent(ctx context.Context, ev store.Event) error
	SaveModeration(ctx context.Context, m store.Moderation) error
}

// TimeSource supplies wall time.
type TimeSource interface {
	Now() time.Time
}

// Timer is a pending scheduled callback. *time.Timer implements it.
type Timer interface {
	Stop() bool
}

// Scheduler arms one-shot callbacks.
type Scheduler interface {
	AfterFunc(d time.Duration, fn func()) Timer
}

// SystemClock is the real wall clock.
type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now() }

// SystemScheduler arms real timers.
type SystemScheduler struct{}

func (SystemScheduler) AfterFunc(d time.Duration, fn func()) Timer {
	return time.AfterFunc(d, fn)
}

type nopPublisher struct{}

func (nopPublisher) PublishFeed([]feed.Entry)   {}
func (nopPublisher) PublishAlert(feed.Entry)    {}
func (nopPublisher) PublishHUD(presence.Report) {}

type nopEventLog struct{}

func (nopEventLog) AppendEvent(context.Context, store.Event) error         { return nil }
func (nopEventLog) SaveModeration(context.Context, store.Moderation) error { return nil }
