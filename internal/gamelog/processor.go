// Package gamelog is the GameLogEntryProcessor: it applies structured
// session-log records, strictly in arrival order, to the live
// InstanceContext and returns the effects each record implies.
package gamelog

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/fallen-shinigami/VRCX-sub000/internal/effect"
	"github.com/fallen-shinigami/VRCX-sub000/internal/feed"
	"github.com/fallen-shinigami/VRCX-sub000/internal/identity"
	"github.com/fallen-shinigami/VRCX-sub000/internal/store"
)

// Config holds the freshness windows of pass-through records. Records
// older than their window relative to "now" are dropped as stale.
type Config struct {
	APIRequestFreshness time.Duration
	EventFreshness      time.Duration
	QuitFreshness       time.Duration

	// TravelTimeout bounds how long a location-destination defers leaves
	// when no location record follows it.
	TravelTimeout time.Duration
}

// DefaultConfig returns the standard freshness windows.
func DefaultConfig() Config {
	return Config{
		APIRequestFreshness: 60 * time.Second,
		EventFreshness:      60 * time.Second,
		QuitFreshness:       time.Second,
		TravelTimeout:       time.Minute,
	}
}

type handler func(p *Processor, ic *InstanceContext, rec Record, now time.Time) ([]effect.Effect, error)

var handlers = map[Kind]handler{
	KindLocation:            (*Processor).location,
	KindLocationDestination: (*Processor).locationDestination,
	KindPlayerJoined:        (*Processor).playerJoined,
	KindPlayerLeft:          (*Processor).playerLeft,
	KindPortalSpawn:         (*Processor).portalSpawn,
	KindVideoPlay:           (*Processor).videoPlay,
	KindVideoSync:           (*Processor).videoSync,
	KindVideoPyPyDance:      (*Processor).providerVideo,
	KindVideoVRDancing:      (*Processor).providerVideo,
	KindVideoZuwaZuwa:       (*Processor).providerVideo,
	KindAPIRequest:          (*Processor).apiRequest,
	KindEvent:               (*Processor).event,
	KindVRCQuit:             (*Processor).vrcQuit,
	KindPhotonID:            (*Processor).photonID,
}

// Processor applies log records. Per-instance state lives in the
// InstanceContext passed to Handle; the processor itself only remembers
// the last travel time, which outlives instance resets.
type Processor struct {
	cfg    Config
	self   identity.Self
	users  identity.Directory
	logger *slog.Logger

	lastTravel time.Time
}

// NewProcessor creates a processor. users is the synchronous API-cache view
// used for best-effort userId resolution; it may be nil.
func NewProcessor(cfg Config, self identity.Self, users identity.Directory, logger *slog.Logger) *Processor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Processor{cfg: cfg, self: self, users: users, logger: logger}
}

// LastTravel returns the time of the last location-destination record.
func (p *Processor) LastTravel() time.Time {
	return p.lastTravel
}

// Handle applies one record. now is the wall time used for freshness
// checks; during replay it is the record time.
//
// Malformed records return an error wrapping ErrMalformed and leave ic
// untouched.
func (p *Processor) Handle(ic *InstanceContext, rec Record, now time.Time) ([]effect.Effect, error) {
	rec = ByValue(rec)
	if rec == nil {
		return nil, fmt.Errorf("%w: nil record", ErrMalformed)
	}
	h, ok := handlers[rec.Kind()]
	if !ok {
		return nil, fmt.Errorf("%w: unhandled kind %q", ErrMalformed, rec.Kind())
	}
	return h(p, ic, rec, now)
}

func wrongRecord(rec Record) error {
	return fmt.Errorf("%w: %T cannot carry kind %q", ErrMalformed, rec, rec.Kind())
}

func (p *Processor) location(ic *InstanceContext, rec Record, _ time.Time) ([]effect.Effect, error) {
	r, ok := rec.(Location)
	if !ok {
		return nil, wrongRecord(rec)
	}
	if r.Location == "" {
		return nil, fmt.Errorf("%w: location without tag", ErrMalformed)
	}

	effects := p.flush(ic, r.At)
	effects = append(effects, effect.ResetInstance{Location: r.Location, WorldName: r.WorldName, At: r.At})

	entry := feed.Entry{
		Type:      feed.TypeLocation,
		CreatedAt: r.At,
		Location:  r.Location,
		WorldName: r.WorldName,
	}
	effects = append(effects,
		effect.Emit{Source: feed.SourceGameLog, Entry: entry},
		effect.Persist{Event: store.Event{
			Type:      string(feed.TypeLocation),
			CreatedAt: r.At,
			Location:  r.Location,
			Data:      map[string]any{"worldName": r.WorldName},
		}},
	)
	p.logger.Debug("location changed", "location", r.Location, "flushed", len(ic.Roster))
	return effects, nil
}

// flush empties the roster as synthetic leave events, each carrying the
// time the member spent in the instance.
func (p *Processor) flush(ic *InstanceContext, at time.Time) []effect.Effect {
	var effects []effect.Effect
	for _, m := range ic.Members() {
		effects = append(effects, p.left(ic, m, at)...)
	}
	if ic.Video != nil {
		ic.Video = nil
		effects = append(effects, effect.VideoChanged{Active: false})
	}
	return effects
}

func (p *Processor) locationDestination(ic *InstanceContext, rec Record, _ time.Time) ([]effect.Effect, error) {
	r, ok := rec.(LocationDestination)
	if !ok {
		return nil, wrongRecord(rec)
	}
	ic.TravelingAt = r.At
	p.lastTravel = r.At
	return []effect.Effect{
		effect.Emit{Source: feed.SourceGameLog, Entry: feed.Entry{
			Type:      feed.TypeLocationDestination,
			CreatedAt: r.At,
			Location:  r.Location,
		}},
	}, nil
}

func (p *Processor) playerJoined(ic *InstanceContext, rec Record, _ time.Time) ([]effect.Effect, error) {
	r, ok := rec.(PlayerJoined)
	if !ok {
		return nil, wrongRecord(rec)
	}
	if r.DisplayName == "" {
		return nil, fmt.Errorf("%w: player-joined without displayName", ErrMalformed)
	}
	if p.self.Is(r.UserID, r.DisplayName) {
		return nil, nil
	}
	if ic.Has(r.DisplayName) {
		p.logger.Debug("duplicate join ignored", "name", r.DisplayName)
		return nil, nil
	}

	m := &PresenceRecord{DisplayName: r.DisplayName, UserID: r.UserID, JoinedAt: r.At}
	if u, ok := p.lookup(r.UserID, r.DisplayName); ok {
		m.UserID = u.ID
		m.IsFriend = u.IsFriend
		m.IsFavorite = u.IsFavorite
	}
	ic.add(m)

	effects := []effect.Effect{
		effect.Emit{Source: feed.SourceGameLog, Entry: feed.Entry{
			Type:        feed.TypeOnPlayerJoined,
			CreatedAt:   r.At,
			DisplayName: m.DisplayName,
			UserID:      m.UserID,
			IsFriend:    m.IsFriend,
			IsFavorite:  m.IsFavorite,
			Location:    ic.Location,
		}},
		effect.Persist{Event: store.Event{
			Type:        string(feed.TypeOnPlayerJoined),
			CreatedAt:   r.At,
			Location:    ic.Location,
			DisplayName: m.DisplayName,
			UserID:      m.UserID,
		}},
	}
	if m.UserID == "" {
		effects = append(effects, effect.ResolveUser{DisplayName: m.DisplayName})
	}
	return effects, nil
}

func (p *Processor) lookup(userID, displayName string) (identity.User, bool) {
	if p.users == nil {
		return identity.User{}, false
	}
	if userID != "" {
		if u, ok := p.users.UserByID(userID); ok {
			return u, true
		}
	}
	return p.users.UserByName(displayName)
}

func (p *Processor) playerLeft(ic *InstanceContext, rec Record, _ time.Time) ([]effect.Effect, error) {
	r, ok := rec.(PlayerLeft)
	if !ok {
		return nil, wrongRecord(rec)
	}
	if r.DisplayName == "" {
		return nil, fmt.Errorf("%w: player-left without displayName", ErrMalformed)
	}
	m, ok := ic.Member(r.DisplayName)
	if !ok {
		p.logger.Debug("leave for unknown player dropped", "name", r.DisplayName)
		return nil, nil
	}
	if ic.Traveling() {
		if r.At.Sub(ic.TravelingAt) < p.cfg.TravelTimeout {
			// Mid-transfer with the local user; the next location flush
			// emits the single leave.
			return nil, nil
		}
		p.logger.Debug("travel abandoned", "since", ic.TravelingAt)
		ic.TravelingAt = time.Time{}
	}
	return p.left(ic, *m, r.At), nil
}

func (p *Processor) left(ic *InstanceContext, m PresenceRecord, at time.Time) []effect.Effect {
	ic.remove(m.DisplayName)
	dur := at.Sub(m.JoinedAt)
	if dur < 0 {
		dur = 0
	}
	return []effect.Effect{
		effect.Emit{Source: feed.SourceGameLog, Entry: feed.Entry{
			Type:        feed.TypeOnPlayerLeft,
			CreatedAt:   at,
			DisplayName: m.DisplayName,
			UserID:      m.UserID,
			IsFriend:    m.IsFriend,
			IsFavorite:  m.IsFavorite,
			Location:    ic.Location,
			Duration:    dur,
		}},
		effect.Persist{Event: store.Event{
			Type:        string(feed.TypeOnPlayerLeft),
			CreatedAt:   at,
			Location:    ic.Location,
			DisplayName: m.DisplayName,
			UserID:      m.UserID,
			Data:        map[string]any{"time": dur.Milliseconds()},
		}},
	}
}

// ApplyResolvedUser back-fills the roster record of u's display name once
// the async lookup completes. It reports whether a record changed.
func ApplyResolvedUser(ic *InstanceContext, u identity.User) bool {
	m, ok := ic.Member(u.DisplayName)
	if !ok || m.UserID == u.ID && m.IsFriend == u.IsFriend && m.IsFavorite == u.IsFavorite {
		return false
	}
	m.UserID = u.ID
	m.IsFriend = u.IsFriend
	m.IsFavorite = u.IsFavorite
	key := identity.NormalizeName(m.DisplayName)
	if u.IsFriend {
		ic.FriendRoster[key] = true
	} else {
		delete(ic.FriendRoster, key)
	}
	return true
}

func (p *Processor) portalSpawn(ic *InstanceContext, rec Record, _ time.Time) ([]effect.Effect, error) {
	r, ok := rec.(PortalSpawn)
	if !ok {
		return nil, wrongRecord(rec)
	}
	if r.Location == "" || r.Location == ic.Location {
		return []effect.Effect{
			effect.Emit{Source: feed.SourceGameLog, Entry: PortalEntry(ic.Location, ic.WorldName, r.DisplayName, r.At)},
		}, nil
	}
	return []effect.Effect{effect.ResolveWorld{
		WorldID:     identity.WorldIDFromLocation(r.Location),
		Location:    r.Location,
		DisplayName: r.DisplayName,
		At:          r.At,
	}}, nil
}

// PortalEntry builds the feed entry for a portal once its world name is
// known. worldName may be empty when the lookup failed.
func PortalEntry(location, worldName, displayName string, at time.Time) feed.Entry {
	return feed.Entry{
		Type:        feed.TypePortalSpawn,
		CreatedAt:   at,
		DisplayName: displayName,
		Location:    location,
		WorldName:   worldName,
	}
}

func (p *Processor) videoPlay(ic *InstanceContext, rec Record, _ time.Time) ([]effect.Effect, error) {
	r, ok := rec.(VideoPlay)
	if !ok {
		return nil, wrongRecord(rec)
	}
	if r.URL == "" {
		return nil, fmt.Errorf("%w: video-play without url", ErrMalformed)
	}
	if ic.Video != nil && ic.Video.URL == r.URL {
		// Generic players report no position; nothing to correct.
		return nil, nil
	}
	return p.startVideo(ic, VideoPlayback{URL: r.URL, Requester: r.DisplayName, StartedAt: r.At}), nil
}

func (p *Processor) providerVideo(ic *InstanceContext, rec Record, _ time.Time) ([]effect.Effect, error) {
	r, ok := rec.(ProviderVideo)
	if !ok {
		return nil, wrongRecord(rec)
	}
	v, err := ParseProviderVideo(r.Provider, r.Data, r.At)
	if err != nil {
		return nil, err
	}
	if ic.Video != nil && ic.Video.URL == v.URL {
		ic.Video.Offset = v.Offset
		ic.Video.Length = v.Length
		ic.Video.StartedAt = v.StartedAt
		return nil, nil
	}
	return p.startVideo(ic, v), nil
}

func (p *Processor) startVideo(ic *InstanceContext, v VideoPlayback) []effect.Effect {
	ic.Video = &v
	entry := feed.Entry{
		Type:        feed.TypeVideoPlay,
		CreatedAt:   v.StartedAt,
		DisplayName: v.Requester,
		Location:    ic.Location,
		VideoURL:    v.URL,
		VideoName:   v.Name,
	}
	if u, ok := p.lookup("", v.Requester); ok && v.Requester != "" {
		entry.UserID = u.ID
		entry.IsFriend = u.IsFriend
		entry.IsFavorite = u.IsFavorite
	}
	return []effect.Effect{
		effect.Emit{Source: feed.SourceGameLog, Entry: entry},
		effect.Persist{Event: store.Event{
			Type:        string(feed.TypeVideoPlay),
			CreatedAt:   v.StartedAt,
			Location:    ic.Location,
			DisplayName: v.Requester,
			UserID:      entry.UserID,
			Data:        map[string]any{"videoUrl": v.URL, "videoName": v.Name},
		}},
		effect.VideoChanged{Active: true},
	}
}

func (p *Processor) videoSync(ic *InstanceContext, rec Record, _ time.Time) ([]effect.Effect, error) {
	r, ok := rec.(VideoSync)
	if !ok {
		return nil, wrongRecord(rec)
	}
	if ic.Video == nil {
		return nil, nil
	}
	offset, err := seconds(r.Offset)
	if err != nil {
		return nil, fmt.Errorf("%w: video-sync offset: %v", ErrMalformed, err)
	}
	ic.Video.Offset = offset
	ic.Video.StartedAt = r.At
	return nil, nil
}

// TickVideo is the 1 Hz recomputation: it clears a playback whose elapsed
// position reached its length.
func TickVideo(ic *InstanceContext, now time.Time) []effect.Effect {
	if ic.Video == nil || !ic.Video.Finished(now) {
		return nil
	}
	ic.Video = nil
	return []effect.Effect{effect.VideoChanged{Active: false}}
}

func (p *Processor) stale(rec Record, now time.Time, window time.Duration) bool {
	if now.Sub(rec.Time()) > window {
		p.logger.Debug("stale record dropped", "kind", rec.Kind(), "dt", rec.Time())
		return true
	}
	return false
}

func (p *Processor) apiRequest(ic *InstanceContext, rec Record, now time.Time) ([]effect.Effect, error) {
	r, ok := rec.(APIRequest)
	if !ok {
		return nil, wrongRecord(rec)
	}
	if p.stale(rec, now, p.cfg.APIRequestFreshness) {
		return nil, nil
	}
	return p.passThrough(ic, feed.TypeAPIRequest, r.At, r.URL), nil
}

func (p *Processor) event(ic *InstanceContext, rec Record, now time.Time) ([]effect.Effect, error) {
	r, ok := rec.(Event)
	if !ok {
		return nil, wrongRecord(rec)
	}
	if p.stale(rec, now, p.cfg.EventFreshness) {
		return nil, nil
	}
	return p.passThrough(ic, feed.TypeEvent, r.At, r.Data), nil
}

func (p *Processor) vrcQuit(ic *InstanceContext, rec Record, now time.Time) ([]effect.Effect, error) {
	if p.stale(rec, now, p.cfg.QuitFreshness) {
		return nil, nil
	}
	return p.passThrough(ic, feed.TypeVRCQuit, rec.Time(), ""), nil
}

func (p *Processor) passThrough(ic *InstanceContext, t feed.Type, at time.Time, msg string) []effect.Effect {
	var data map[string]any
	if msg != "" {
		data = map[string]any{"message": msg}
	}
	return []effect.Effect{
		effect.Emit{Source: feed.SourceGameLog, Entry: feed.Entry{
			Type:      t,
			CreatedAt: at,
			Location:  ic.Location,
			Message:   msg,
		}},
		effect.Persist{Event: store.Event{
			Type:      string(t),
			CreatedAt: at,
			Location:  ic.Location,
			Data:      data,
		}},
	}
}

func (p *Processor) photonID(_ *InstanceContext, rec Record, _ time.Time) ([]effect.Effect, error) {
	r, ok := rec.(PhotonID)
	if !ok {
		return nil, wrongRecord(rec)
	}
	if r.DisplayName == "" || r.PhotonID <= 0 {
		return nil, fmt.Errorf("%w: photon-id needs displayName and positive id", ErrMalformed)
	}
	return []effect.Effect{effect.BindActor{ActorID: r.PhotonID, DisplayName: r.DisplayName}}, nil
}
