package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/fallen-shinigami/VRCX-sub000/internal/effect"
	"github.com/fallen-shinigami/VRCX-sub000/internal/feed"
	"github.com/fallen-shinigami/VRCX-sub000/internal/gamelog"
	"github.com/fallen-shinigami/VRCX-sub000/internal/identity"
	"github.com/fallen-shinigami/VRCX-sub000/internal/lobby"
	"github.com/fallen-shinigami/VRCX-sub000/internal/presence"
	"github.com/fallen-shinigami/VRCX-sub000/internal/store"
)

// Config groups the component configurations.
type Config struct {
	Gamelog  gamelog.Config
	Presence presence.Config
	Feed     feed.Config

	// VideoTick is the playback recomputation period.
	VideoTick time.Duration

	// LookupTimeout bounds one async resolver call.
	LookupTimeout time.Duration
}

// DefaultConfig returns the standard configuration.
func DefaultConfig() Config {
	return Config{
		Gamelog:       gamelog.DefaultConfig(),
		Presence:      presence.DefaultConfig(),
		Feed:          feed.DefaultConfig(),
		VideoTick:     time.Second,
		LookupTimeout: 10 * time.Second,
	}
}

// Engine is the single-writer event loop.
//
// CRITICAL: All mutations happen on the goroutine running Run (or calling
// Process/Drain). External callers use Enqueue.
//
// INVARIANTS:
//   - exactly one session is live; its gen equals e.gen
//   - a tick or lookup result whose gen differs from e.gen is dropped
//   - persisted events carry the session id and a strictly increasing seq
type Engine struct {
	cfg    Config
	self   identity.Self
	logger *slog.Logger

	clock    *Clock
	queue    *inputQueue
	ids      IDGenerator
	now      TimeSource
	sched    Scheduler
	pub      Publisher
	events   EventLog
	resolver identity.Resolver
	users    identity.Directory
	mods     lobby.ModerationStore

	syncLookups bool
	lookups     *lookupTracker

	proc *gamelog.Processor
	agg  *feed.Aggregator

	gen  uint64
	sess *session

	// Per-input scratch: set when an entry reached a buffer.
	emitted  bool
	hudReset bool
	lastFeed []feed.Entry
}

// Option configures an Engine.
type Option func(*Engine)

// WithPublisher sets the output sink. Default: discard.
func WithPublisher(p Publisher) Option {
	return func(e *Engine) { e.pub = p }
}

// WithEventLog sets the durable log. Default: discard.
func WithEventLog(l EventLog) Option {
	return func(e *Engine) { e.events = l }
}

// WithScheduler sets the timer source. Default: SystemScheduler.
func WithScheduler(s Scheduler) Option {
	return func(e *Engine) { e.sched = s }
}

// WithTimeSource sets the wall clock. Default: SystemClock.
func WithTimeSource(t TimeSource) Option {
	return func(e *Engine) { e.now = t }
}

// WithIDGenerator sets the session and entry id source. Default: UUIDv7.
func WithIDGenerator(g IDGenerator) Option {
	return func(e *Engine) { e.ids = g }
}

// WithResolver sets the async user/world lookup.
func WithResolver(r identity.Resolver) Option {
	return func(e *Engine) { e.resolver = r }
}

// WithDirectory sets the synchronous API cache view.
func WithDirectory(d identity.Directory) Option {
	return func(e *Engine) { e.users = d }
}

// WithModeration sets the moderation state store.
func WithModeration(m lobby.ModerationStore) Option {
	return func(e *Engine) { e.mods = m }
}

// WithLogger sets the structured logger shared with every component.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// WithClock resumes seq numbering, e.g. after the last stored seq.
func WithClock(c *Clock) Option {
	return func(e *Engine) { e.clock = c }
}

// WithSyncLookups runs resolver calls inline instead of on goroutines.
// Results still re-enter through the queue, so Drain picks them up.
// Used by replay and the scenario harness for determinism.
func WithSyncLookups() Option {
	return func(e *Engine) { e.syncLookups = true }
}

// New creates an Engine for the local user self.
//
// With no WithDirectory/WithResolver an in-memory identity.Cache serves
// both. With no WithModeration the moderation state is cached in memory
// and falls through to the event log when it can load moderation.
func New(cfg Config, self identity.Self, opts ...Option) *Engine {
	def := DefaultConfig()
	if cfg.VideoTick <= 0 {
		cfg.VideoTick = def.VideoTick
	}
	if cfg.LookupTimeout <= 0 {
		cfg.LookupTimeout = def.LookupTimeout
	}

	e := &Engine{
		cfg:     cfg,
		self:    self,
		clock:   NewClock(),
		queue:   newInputQueue(),
		lookups: newLookupTracker(),
		ids:     UUIDv7Generator{},
		now:     SystemClock{},
		sched:   SystemScheduler{},
		pub:     nopPublisher{},
		events:  nopEventLog{},
	}

	for _, opt := range opts {
		opt(e)
	}

	if e.logger == nil {
		e.logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if e.users == nil || e.resolver == nil {
		cache := identity.NewCache()
		if e.users == nil {
			e.users = cache
		}
		if e.resolver == nil {
			e.resolver = cache
		}
	}
	if e.mods == nil {
		e.mods = lobby.NewMemoryModeration(e.moderationLoader(), e.logger)
	}

	e.proc = gamelog.NewProcessor(cfg.Gamelog, self, e.users, e.logger)
	e.agg = feed.NewAggregator(cfg.Feed, self, e.ids.Generate, e.logger)
	e.sess = e.newSession("", "", time.Time{})
	return e
}

type moderationLoader interface {
	LoadModeration(ctx context.Context, userID string) (store.Moderation, error)
}

func (e *Engine) moderationLoader() func(string) (store.Moderation, error) {
	l, ok := e.events.(moderationLoader)
	if !ok {
		return nil
	}
	return func(userID string) (store.Moderation, error) {
		return l.LoadModeration(context.Background(), userID)
	}
}

// Enqueue submits an input to the Run loop.
// Thread-safe: may be called from any goroutine.
//
// Returns false if the engine has been stopped.
func (e *Engine) Enqueue(in Input) bool {
	return e.queue.Enqueue(in)
}

// Run starts the single-writer event loop.
// Blocks until context is cancelled or Stop() is called.
//
// CRITICAL: Must be called from exactly ONE goroutine.
//
// ERROR HANDLING: a failing input is logged with its context and the loop
// continues. Nothing an upstream sends can stop the engine.
func (e *Engine) Run(ctx context.Context) error {
	e.logger.Info("engine starting")
	defer func() { e.sess.close() }()

	for {
		in, ok := e.queue.TryDequeue()
		if ok {
			if err := e.Process(ctx, in); err != nil {
				e.logInputError(in, err)
			}
			continue
		}

		select {
		case <-ctx.Done():
			e.logger.Info("engine stopping: context cancelled")
			e.queue.Close()
			return ctx.Err()

		case <-e.queue.Wait():
			// A coalesced signal can outlive the input it announced, so
			// only a closed queue ends the loop.
			if e.queue.Len() == 0 && e.queueClosed() {
				e.logger.Info("engine stopping: queue closed")
				return nil
			}
		}
	}
}

func (e *Engine) queueClosed() bool {
	e.queue.mu.Lock()
	defer e.queue.mu.Unlock()
	return e.queue.closed
}

// Stop closes the queue, which makes Run return.
func (e *Engine) Stop() {
	e.queue.Close()
}

// Drain processes queued inputs until the queue is empty. Inputs enqueued
// while draining (lookup results under WithSyncLookups, timer ticks fired
// by a manual scheduler) are processed too. Errors are logged.
//
// Must not be used together with Run.
func (e *Engine) Drain(ctx context.Context) {
	for {
		in, ok := e.queue.TryDequeue()
		if !ok {
			return
		}
		if err := e.Process(ctx, in); err != nil {
			e.logInputError(in, err)
		}
	}
}

type inputHandler func(e *Engine, ctx context.Context, in Input, now time.Time) error

var inputHandlers = map[inputKind]inputHandler{
	kindLogRecord:     (*Engine).logRecord,
	kindProtocolFrame: (*Engine).protocolFrame,
	kindFeedAdvance:   (*Engine).feedAdvance,
	kindPresencePing:  (*Engine).presencePing,
	kindSourceEntry:   (*Engine).sourceEntry,
	kindPresenceTick:  (*Engine).presenceTick,
	kindVideoTick:     (*Engine).videoTick,
	kindUserResolved:  (*Engine).userResolved,
	kindWorldResolved: (*Engine).worldResolved,
}

// Process handles one input to completion, then refreshes the feed and
// the HUD if anything changed. The returned error is never fatal.
func (e *Engine) Process(ctx context.Context, in Input) error {
	if in == nil {
		return &RuntimeError{Code: ErrCodeUnknownInput, Message: "nil input", SessionID: e.sess.id}
	}
	h, ok := inputHandlers[in.kind()]
	if !ok {
		return &RuntimeError{
			Code:      ErrCodeUnknownInput,
			Message:   fmt.Sprintf("no handler for %T", in),
			SessionID: e.sess.id,
		}
	}

	now := e.now.Now()
	e.emitted = false
	force := false
	if adv, ok := in.(FeedAdvance); ok {
		force = adv.Force
	}

	err := h(e, ctx, in, now)

	if e.emitted || in.kind() == kindFeedAdvance {
		e.refresh(now, force)
	}
	e.publishHUD()
	return err
}

func (e *Engine) logRecord(ctx context.Context, in Input, now time.Time) error {
	rec := gamelog.ByValue(in.(LogRecord).Record)
	if rec == nil {
		return newRuntimeError(ErrCodeMalformedRecord, e.sess.id, fmt.Errorf("%w: empty record", gamelog.ErrMalformed))
	}
	effects, err := e.proc.Handle(e.sess.ic, rec, now)
	e.apply(ctx, effects)
	if err != nil {
		code := ErrCodeMalformedRecord
		if !errors.Is(err, gamelog.ErrMalformed) {
			code = ErrCodeUnknownInput
		}
		return newRuntimeError(code, e.sess.id, err)
	}
	return nil
}

func (e *Engine) protocolFrame(ctx context.Context, in Input, _ time.Time) error {
	effects, err := e.sess.lobby.Handle(in.(ProtocolFrame).Frame)
	e.apply(ctx, effects)
	if err != nil {
		return newRuntimeError(ErrCodeMalformedFrame, e.sess.id, err)
	}
	return nil
}

func (e *Engine) feedAdvance(context.Context, Input, time.Time) error {
	return nil
}

func (e *Engine) presencePing(_ context.Context, in Input, _ time.Time) error {
	e.agg.Ping(in.(PresencePing).Ping)
	e.emitted = true
	return nil
}

func (e *Engine) sourceEntry(ctx context.Context, in Input, _ time.Time) error {
	se := in.(SourceEntry)
	e.apply(ctx, []effect.Effect{effect.Emit{Source: se.Source, Entry: se.Entry}})
	return nil
}

func (e *Engine) presenceTick(_ context.Context, in Input, now time.Time) error {
	t := in.(presenceTick)
	if t.gen != e.gen {
		e.logger.Debug("dropping stale presence tick", "gen", t.gen, "current", e.gen)
		return nil
	}
	if e.sess.monitor.Tick(now, e.proc.LastTravel()) {
		e.armPresence()
	}
	return nil
}

func (e *Engine) videoTick(ctx context.Context, in Input, now time.Time) error {
	t := in.(videoTick)
	if t.gen != e.gen {
		return nil
	}
	e.sess.videoTimer = nil
	e.apply(ctx, gamelog.TickVideo(e.sess.ic, now))
	if e.sess.ic.Video != nil {
		e.armVideo()
	}
	return nil
}

// userSink is implemented by directories that accept resolved users,
// e.g. *identity.Cache.
type userSink interface {
	PutUser(u identity.User)
}

type worldSink interface {
	PutWorld(w identity.World)
}

func (e *Engine) userResolved(ctx context.Context, in Input, _ time.Time) error {
	r := in.(userResolved)
	e.lookups.Done(r.gen, lookupKey(r.req))
	if r.err != nil {
		e.logger.Warn("user lookup failed",
			"displayName", r.req.DisplayName, "userId", r.req.UserID, "error", r.err)
		return nil
	}
	if sink, ok := e.users.(userSink); ok {
		sink.PutUser(r.user)
	}
	if r.gen != e.gen {
		e.logger.Debug("dropping stale user lookup", "displayName", r.req.DisplayName)
		return nil
	}
	gamelog.ApplyResolvedUser(e.sess.ic, r.user)
	e.apply(ctx, e.sess.lobby.ResolveUser(r.user))
	return nil
}

func (e *Engine) worldResolved(ctx context.Context, in Input, _ time.Time) error {
	r := in.(worldResolved)
	name := r.world.Name
	if r.err != nil {
		e.logger.Warn("world lookup failed", "world", r.req.WorldID, "error", r.err)
		name = ""
	} else if sink, ok := e.users.(worldSink); ok {
		sink.PutWorld(r.world)
	}
	if r.gen != e.gen {
		e.logger.Debug("dropping stale world lookup", "world", r.req.WorldID)
		return nil
	}
	e.apply(ctx, []effect.Effect{effect.Emit{
		Source: feed.SourceGameLog,
		Entry:  gamelog.PortalEntry(r.req.Location, name, r.req.DisplayName, r.req.At),
	}})
	return nil
}

func (e *Engine) refresh(now time.Time, force bool) {
	res := e.agg.Refresh(now, e.sess.ic, force)
	if res.FeedChanged {
		e.lastFeed = res.Feed
		e.pub.PublishFeed(res.Feed)
	}
	for _, a := range res.Alerts {
		e.pub.PublishAlert(a)
	}
}

func (e *Engine) publishHUD() {
	changed := e.sess.monitor.Changed()
	if changed || e.hudReset {
		e.hudReset = false
		e.pub.PublishHUD(e.sess.monitor.Report())
	}
}

func (e *Engine) armPresence() {
	s := e.sess
	gen := s.gen
	s.presenceTimer = e.sched.AfterFunc(s.monitor.Interval(), func() {
		e.queue.Enqueue(presenceTick{gen: gen})
	})
}

func (e *Engine) armVideo() {
	s := e.sess
	if s.videoTimer != nil {
		return
	}
	gen := s.gen
	s.videoTimer = e.sched.AfterFunc(e.cfg.VideoTick, func() {
		e.queue.Enqueue(videoTick{gen: gen})
	})
}

func (e *Engine) logInputError(in Input, err error) {
	attrs := append(e.sess.logAttrs(), "input", fmt.Sprintf("%T", in), "error", err)
	if IsMalformedError(err) {
		e.logger.Warn("dropping malformed input", attrs...)
		return
	}
	e.logger.Error("input failed", attrs...)
}
