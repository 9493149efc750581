// Package config loads the companion's settings from the environment.
//
// Every variable carries the VRCX_ prefix. Thresholds are durations in Go
// syntax ("500ms", "2m"). Command-line flags override these values.
package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"

	"github.com/fallen-shinigami/VRCX-sub000/internal/engine"
	"github.com/fallen-shinigami/VRCX-sub000/internal/feed"
	"github.com/fallen-shinigami/VRCX-sub000/internal/identity"
)

// Prefix is prepended to every variable name.
const Prefix = "VRCX_"

// Config is the flat environment view.
type Config struct {
	DBPath string `env:"DB" envDefault:"vrcx.db"`
	Listen string `env:"LISTEN" envDefault:"127.0.0.1:22500"`

	SelfUserID      string `env:"SELF_USER_ID"`
	SelfDisplayName string `env:"SELF_DISPLAY_NAME"`

	PresenceInterval  time.Duration `env:"PRESENCE_INTERVAL" envDefault:"500ms"`
	TimeoutThreshold  time.Duration `env:"TIMEOUT_THRESHOLD" envDefault:"3000ms"`
	JoinGrace         time.Duration `env:"JOIN_GRACE" envDefault:"120s"`
	TravelGuard       time.Duration `env:"TRAVEL_GUARD" envDefault:"5s"`
	LocalJoinGuard    time.Duration `env:"LOCAL_JOIN_GUARD" envDefault:"30s"`
	HeartbeatWindow   time.Duration `env:"HEARTBEAT_WINDOW" envDefault:"2s"`
	InstantiateWindow time.Duration `env:"INSTANTIATE_WINDOW" envDefault:"11s"`
	EyeHeightSentinel float64       `env:"EYE_HEIGHT_SENTINEL" envDefault:"-1"`
	HUDRestrict       string        `env:"HUD_RESTRICT" envDefault:"Everyone"`

	FeedMaxAge    time.Duration `env:"FEED_MAX_AGE" envDefault:"24h"`
	PerSourceCap  int           `env:"FEED_SOURCE_CAP" envDefault:"20"`
	AmbientSize   int           `env:"FEED_SIZE" envDefault:"15"`
	AlertWindow   time.Duration `env:"ALERT_WINDOW" envDefault:"60s"`
	JoiningWindow time.Duration `env:"JOINING_WINDOW" envDefault:"2m"`

	// FeedRules overrides per-type visibility: "OnPlayerJoined:Everyone,VideoPlay:On".
	FeedRules map[string]string `env:"FEED_RULES" envSeparator:"," envKeyValSeparator:":"`

	APIRequestFreshness time.Duration `env:"API_REQUEST_FRESHNESS" envDefault:"60s"`
	EventFreshness      time.Duration `env:"EVENT_FRESHNESS" envDefault:"60s"`
	QuitFreshness       time.Duration `env:"QUIT_FRESHNESS" envDefault:"1s"`
	TravelTimeout       time.Duration `env:"TRAVEL_TIMEOUT" envDefault:"1m"`

	VideoTick     time.Duration `env:"VIDEO_TICK" envDefault:"1s"`
	LookupTimeout time.Duration `env:"LOOKUP_TIMEOUT" envDefault:"10s"`
}

// Load parses the process environment.
func Load() (Config, error) {
	return parse(env.Options{Prefix: Prefix})
}

// LoadFrom parses an explicit environment, keyed by full variable name.
func LoadFrom(environ map[string]string) (Config, error) {
	return parse(env.Options{Prefix: Prefix, Environment: environ})
}

func parse(opts env.Options) (Config, error) {
	var cfg Config
	if err := env.ParseWithOptions(&cfg, opts); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate rejects values the engine cannot run with.
func (c Config) Validate() error {
	positive := map[string]time.Duration{
		"PRESENCE_INTERVAL": c.PresenceInterval,
		"TIMEOUT_THRESHOLD": c.TimeoutThreshold,
		"VIDEO_TICK":        c.VideoTick,
		"LOOKUP_TIMEOUT":    c.LookupTimeout,
		"TRAVEL_TIMEOUT":    c.TravelTimeout,
	}
	for name, d := range positive {
		if d <= 0 {
			return fmt.Errorf("config: %s%s must be positive, got %s", Prefix, name, d)
		}
	}
	if _, err := c.hudRestrict(); err != nil {
		return err
	}
	if _, err := c.feedRules(); err != nil {
		return err
	}
	return nil
}

// Self returns the local user identity.
func (c Config) Self() identity.Self {
	return identity.Self{UserID: c.SelfUserID, DisplayName: c.SelfDisplayName}
}

// Engine builds the engine configuration. Call Validate first; invalid
// rules fall back to the defaults.
func (c Config) Engine() engine.Config {
	cfg := engine.DefaultConfig()

	cfg.Gamelog.APIRequestFreshness = c.APIRequestFreshness
	cfg.Gamelog.EventFreshness = c.EventFreshness
	cfg.Gamelog.QuitFreshness = c.QuitFreshness
	cfg.Gamelog.TravelTimeout = c.TravelTimeout

	cfg.Presence.Interval = c.PresenceInterval
	cfg.Presence.Threshold = c.TimeoutThreshold
	cfg.Presence.JoinGrace = c.JoinGrace
	cfg.Presence.TravelGuard = c.TravelGuard
	cfg.Presence.LocalJoinGuard = c.LocalJoinGuard
	cfg.Presence.HeartbeatWindow = c.HeartbeatWindow
	cfg.Presence.InstantiateWindow = c.InstantiateWindow
	cfg.Presence.EyeHeightSentinel = c.EyeHeightSentinel
	if v, err := c.hudRestrict(); err == nil {
		cfg.Presence.Restrict = v
	}

	cfg.Feed.MaxAge = c.FeedMaxAge
	cfg.Feed.PerSourceCap = c.PerSourceCap
	cfg.Feed.AmbientSize = c.AmbientSize
	cfg.Feed.AlertWindow = c.AlertWindow
	cfg.Feed.JoiningWindow = c.JoiningWindow
	if rules, err := c.feedRules(); err == nil {
		cfg.Feed.Rules = rules
	}

	cfg.VideoTick = c.VideoTick
	cfg.LookupTimeout = c.LookupTimeout
	return cfg
}

func (c Config) hudRestrict() (feed.Visibility, error) {
	v, err := feed.ParseVisibility(c.HUDRestrict)
	if err != nil {
		return "", fmt.Errorf("config: %sHUD_RESTRICT: %w", Prefix, err)
	}
	switch v {
	case feed.VisibilityEveryone, feed.VisibilityFriends, feed.VisibilityVIP:
		return v, nil
	}
	return "", fmt.Errorf("config: %sHUD_RESTRICT must be Everyone, Friends or VIP, got %q", Prefix, c.HUDRestrict)
}

func (c Config) feedRules() (feed.Rules, error) {
	overrides := make(map[feed.Type]feed.Visibility, len(c.FeedRules))
	for t, raw := range c.FeedRules {
		v, err := feed.ParseVisibility(raw)
		if err != nil {
			return feed.Rules{}, fmt.Errorf("config: %sFEED_RULES %s: %w", Prefix, t, err)
		}
		overrides[feed.Type(t)] = v
	}
	return feed.DefaultRules().With(overrides), nil
}
