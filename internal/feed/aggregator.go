package feed

import (
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/fallen-shinigami/VRCX-sub000/internal/identity"
)

var normalize = identity.NormalizeName

// Config holds the aggregation limits.
type Config struct {
	MaxAge        time.Duration // filter step 3
	PerSourceCap  int           // filter step 5
	AmbientSize   int
	AlertWindow   time.Duration
	JoiningWindow time.Duration
	Rules         Rules
}

// DefaultConfig returns the standard limits.
func DefaultConfig() Config {
	return Config{
		MaxAge:        24 * time.Hour,
		PerSourceCap:  20,
		AmbientSize:   15,
		AlertWindow:   60 * time.Second,
		JoiningWindow: 2 * time.Minute,
		Rules:         DefaultRules(),
	}
}

// Roster answers whether a display name is a confirmed member of the
// active instance.
type Roster interface {
	Has(displayName string) bool
}

// Ping is a raw presence signal: an upstream saw DisplayName at Location.
type Ping struct {
	Location    string    `json:"location"`
	DisplayName string    `json:"displayName"`
	UserID      string    `json:"userId,omitempty"`
	IsFriend    bool      `json:"isFriend,omitempty"`
	IsFavorite  bool      `json:"isFavorite,omitempty"`
	At          time.Time `json:"dt"`
}

// Watermark is the position of the last consumed entry of a source.
type Watermark struct {
	Seq uint64
	At  time.Time
}

// Result is the outcome of one aggregation pass.
type Result struct {
	Feed        []Entry
	FeedChanged bool
	Alerts      []Entry
}

// Aggregator merges the five sources into the ambient feed and the alert
// stream. It is not safe for concurrent use; the engine calls it from its
// single event loop.
type Aggregator struct {
	cfg    Config
	self   identity.Self
	newID  func() string
	logger *slog.Logger

	buffers    map[Source]*Buffer
	watermarks map[Source]Watermark
	pools      map[Source][]Entry

	alerted  map[string]time.Time
	lastFeed []entryKey

	location string
	pings    map[string]Ping
	joining  map[string]bool
}

type entryKey struct {
	source Source
	seq    uint64
}

// NewAggregator creates an aggregator with one buffer per source. newID
// names the entries the aggregator synthesizes itself; nil numbers them
// per aggregator.
func NewAggregator(cfg Config, self identity.Self, newID func() string, logger *slog.Logger) *Aggregator {
	if newID == nil {
		var n int
		newID = func() string {
			n++
			return fmt.Sprintf("joining-%d", n)
		}
	}
	a := &Aggregator{
		cfg:        cfg,
		self:       self,
		newID:      newID,
		logger:     logger,
		buffers:    make(map[Source]*Buffer, len(Sources)),
		watermarks: make(map[Source]Watermark, len(Sources)),
		pools:      make(map[Source][]Entry, len(Sources)),
		alerted:    make(map[string]time.Time),
		pings:      make(map[string]Ping),
		joining:    make(map[string]bool),
	}
	for _, s := range Sources {
		// Raw buffers keep a margin over the pool cap so filtered-out
		// entries do not starve a forced rebuild.
		a.buffers[s] = NewBuffer(s, cfg.PerSourceCap*10)
	}
	return a
}

// Buffer returns the append-only buffer for a source. External
// collaborators append to it; the aggregator consumes it.
func (a *Aggregator) Buffer(s Source) *Buffer {
	return a.buffers[s]
}

// Watermark returns the last consumed position of a source.
func (a *Aggregator) Watermark(s Source) Watermark {
	return a.watermarks[s]
}

// SetLocation switches the active location for joining prediction and
// forgets pings gathered for the previous one.
func (a *Aggregator) SetLocation(location string) {
	a.location = location
	clear(a.pings)
	clear(a.joining)
}

// Ping records a raw presence signal for joining prediction.
func (a *Aggregator) Ping(p Ping) {
	key := normalize(p.DisplayName)
	if key == "" {
		return
	}
	a.pings[key] = p
}

// Refresh consumes every source past its watermark (or from scratch when
// force is set) and recomputes both projections.
func (a *Aggregator) Refresh(now time.Time, roster Roster, force bool) Result {
	a.predictJoining(now, roster)

	var fresh []Entry
	for _, s := range Sources {
		buf := a.buffers[s]
		var entries []Entry
		if force {
			a.pools[s] = nil
			entries = buf.All()
		} else {
			entries = buf.Since(a.watermarks[s].Seq)
		}
		if len(entries) == 0 {
			a.pools[s] = a.prune(now, a.pools[s])
			continue
		}

		last := entries[len(entries)-1]
		a.watermarks[s] = Watermark{Seq: last.Seq, At: last.CreatedAt}

		pool := a.pools[s]
		for _, e := range entries {
			if !a.accept(now, e) {
				continue
			}
			pool = append(pool, e)
			fresh = append(fresh, e)
		}
		a.pools[s] = a.prune(now, pool)
	}

	feed, keys := a.ambient()
	res := Result{Feed: feed, FeedChanged: a.feedChanged(keys)}
	res.Alerts = a.alerts(now, fresh)
	return res
}

// accept applies filter steps 1 through 4.
func (a *Aggregator) accept(now time.Time, e Entry) bool {
	if e.Type.Internal() {
		return false
	}
	if a.self.Is(e.UserID, e.DisplayName) {
		return false
	}
	if now.Sub(e.CreatedAt) > a.cfg.MaxAge {
		return false
	}
	return a.cfg.Rules.For(e.Type).Allows(e)
}

// prune drops aged-out entries and applies the per-source cap (step 5).
func (a *Aggregator) prune(now time.Time, pool []Entry) []Entry {
	kept := pool[:0]
	for _, e := range pool {
		if now.Sub(e.CreatedAt) <= a.cfg.MaxAge {
			kept = append(kept, e)
		}
	}
	sort.SliceStable(kept, func(i, j int) bool {
		return kept[i].CreatedAt.Before(kept[j].CreatedAt)
	})
	if a.cfg.PerSourceCap > 0 && len(kept) > a.cfg.PerSourceCap {
		kept = kept[len(kept)-a.cfg.PerSourceCap:]
	}
	return append([]Entry(nil), kept...)
}

func (a *Aggregator) ambient() ([]Entry, []entryKey) {
	type tagged struct {
		e   Entry
		key entryKey
	}
	var all []tagged
	for _, s := range Sources {
		for _, e := range a.pools[s] {
			all = append(all, tagged{e: e, key: entryKey{source: s, seq: e.Seq}})
		}
	}
	sort.SliceStable(all, func(i, j int) bool {
		return all[i].e.CreatedAt.After(all[j].e.CreatedAt)
	})
	if a.cfg.AmbientSize > 0 && len(all) > a.cfg.AmbientSize {
		all = all[:a.cfg.AmbientSize]
	}
	feed := make([]Entry, len(all))
	keys := make([]entryKey, len(all))
	for i, t := range all {
		feed[i] = t.e
		keys[i] = t.key
	}
	return feed, keys
}

// feedChanged compares by (source, seq) because seq is only unique within
// a buffer.
func (a *Aggregator) feedChanged(keys []entryKey) bool {
	changed := len(keys) != len(a.lastFeed)
	if !changed {
		for i := range keys {
			if keys[i] != a.lastFeed[i] {
				changed = true
				break
			}
		}
	}
	a.lastFeed = keys
	return changed
}

// alerts fires each fresh entry at most once per subject, and only when it
// is recent enough that a rebuild cannot replay history.
func (a *Aggregator) alerts(now time.Time, fresh []Entry) []Entry {
	sort.SliceStable(fresh, func(i, j int) bool {
		return fresh[i].CreatedAt.Before(fresh[j].CreatedAt)
	})
	var out []Entry
	for _, e := range fresh {
		if now.Sub(e.CreatedAt) > a.cfg.AlertWindow {
			continue
		}
		key := e.subjectKey()
		if last, ok := a.alerted[key]; ok && !e.CreatedAt.After(last) {
			continue
		}
		a.alerted[key] = e.CreatedAt
		out = append(out, e)
	}
	return out
}

// predictJoining synthesizes OnPlayerJoining entries for people who pinged
// the active location within the window but have not joined yet.
func (a *Aggregator) predictJoining(now time.Time, roster Roster) {
	if a.location == "" {
		return
	}
	keys := make([]string, 0, len(a.pings))
	for key, p := range a.pings {
		if now.Sub(p.At) > a.cfg.JoiningWindow {
			delete(a.pings, key)
			continue
		}
		keys = append(keys, key)
	}
	sort.Slice(keys, func(i, j int) bool {
		pi, pj := a.pings[keys[i]], a.pings[keys[j]]
		if !pi.At.Equal(pj.At) {
			return pi.At.Before(pj.At)
		}
		return keys[i] < keys[j]
	})
	for _, key := range keys {
		p := a.pings[key]
		if p.Location != a.location || a.joining[key] {
			continue
		}
		if roster != nil && roster.Has(p.DisplayName) {
			continue
		}
		a.joining[key] = true
		a.buffers[SourceStatus].Append(Entry{
			ID:          a.newID(),
			Type:        TypeOnPlayerJoining,
			CreatedAt:   p.At,
			DisplayName: p.DisplayName,
			UserID:      p.UserID,
			IsFriend:    p.IsFriend,
			IsFavorite:  p.IsFavorite,
			Location:    p.Location,
		})
		a.logger.Debug("predicted joining", "name", p.DisplayName, "location", p.Location)
	}
}
