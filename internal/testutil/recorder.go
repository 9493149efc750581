package testutil

import (
	"context"
	"errors"
	"sync"

	"github.com/fallen-shinigami/VRCX-sub000/internal/feed"
	"github.com/fallen-shinigami/VRCX-sub000/internal/presence"
	"github.com/fallen-shinigami/VRCX-sub000/internal/store"
)

// ErrRejected is returned by a Recorder told to fail writes.
var ErrRejected = errors.New("testutil: write rejected")

// Recorder captures everything the engine publishes and persists. It
// implements engine.Publisher and engine.EventLog.
//
// Thread-safety: All methods are safe for concurrent use via internal mutex.
type Recorder struct {
	mu sync.Mutex

	Feeds       [][]feed.Entry
	Alerts      []feed.Entry
	HUDs        []presence.Report
	Events      []store.Event
	Moderations []store.Moderation

	// FailWrites makes AppendEvent and SaveModeration return ErrRejected.
	FailWrites bool
}

func NewRecorder() *Recorder {
	return &Recorder{}
}

func (r *Recorder) PublishFeed(entries []feed.Entry) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Feeds = append(r.Feeds, append([]feed.Entry{}, entries...))
}

func (r *Recorder) PublishAlert(entry feed.Entry) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Alerts = append(r.Alerts, entry)
}

func (r *Recorder) PublishHUD(report presence.Report) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.HUDs = append(r.HUDs, report)
}

func (r *Recorder) AppendEvent(_ context.Context, ev store.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.FailWrites {
		return ErrRejected
	}
	r.Events = append(r.Events, ev)
	return nil
}

func (r *Recorder) SaveModeration(_ context.Context, m store.Moderation) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.FailWrites {
		return ErrRejected
	}
	r.Moderations = append(r.Moderations, m)
	return nil
}

// LastFeed returns the most recently published feed, or nil.
func (r *Recorder) LastFeed() []feed.Entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.Feeds) == 0 {
		return nil
	}
	return r.Feeds[len(r.Feeds)-1]
}

// LastHUD returns the most recently published HUD report.
func (r *Recorder) LastHUD() (presence.Report, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.HUDs) == 0 {
		return presence.Report{}, false
	}
	return r.HUDs[len(r.HUDs)-1], true
}

// EventTypes returns the persisted event types in order.
func (r *Recorder) EventTypes() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.Events))
	for i, ev := range r.Events {
		out[i] = ev.Type
	}
	return out
}

// AlertTypes returns the alert entry types in order.
func (r *Recorder) AlertTypes() []feed.Type {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]feed.Type, len(r.Alerts))
	for i, a := range r.Alerts {
		out[i] = a.Type
	}
	return out
}
