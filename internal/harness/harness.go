package harness

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/fallen-shinigami/VRCX-sub000/internal/engine"
	"github.com/fallen-shinigami/VRCX-sub000/internal/feed"
	"github.com/fallen-shinigami/VRCX-sub000/internal/identity"
	"github.com/fallen-shinigami/VRCX-sub000/internal/presence"
	"github.com/fallen-shinigami/VRCX-sub000/internal/store"
	"github.com/fallen-shinigami/VRCX-sub000/internal/testutil"
)

// Harness drives one engine through a scenario. It owns the fake clock,
// the manual scheduler and an in-memory store, so every run is isolated
// and reproducible.
type Harness struct {
	store  *store.Store
	engine *engine.Engine
	clock  *testutil.FakeClock
	sched  *testutil.ManualScheduler
	tracer *tracer
	start  time.Time
}

// Run executes a test scenario and returns the result.
//
// Each scenario runs in a fresh in-memory database for isolation.
// Execution flow:
//  1. Create fresh in-memory database and seed the identity cache
//  2. For each step, fire timers due up to its offset, then process its input
//  3. Evaluate assertions against the trace, the store and the final state
func Run(scenario *Scenario) (*Result, error) {
	st, err := store.Open(":memory:")
	if err != nil {
		return nil, fmt.Errorf("failed to create in-memory store: %w", err)
	}
	defer st.Close()

	h := newHarness(scenario, st)
	ctx := context.Background()

	for i, step := range scenario.Steps {
		if err := h.step(ctx, step); err != nil {
			return nil, fmt.Errorf("steps[%d]: %w", i, err)
		}
	}

	result := NewResult()
	result.Trace = h.tracer.events()

	hud, hasHUD := h.tracer.rec.LastHUD()
	actx := &AssertionContext{
		Ctx:    ctx,
		Store:  st,
		State:  h.engine.Snapshot(),
		HUD:    hud,
		HasHUD: hasHUD,
	}
	for _, msg := range EvaluateAssertions(result, scenario.Assertions, actx) {
		result.AddError(msg)
	}
	return result, nil
}

func newHarness(scenario *Scenario, st *store.Store) *Harness {
	start := scenario.Start
	if start.IsZero() {
		start = DefaultStart
	}

	cache := identity.NewCache()
	for _, u := range scenario.Users {
		cache.PutUser(identity.User{
			ID:          u.ID,
			DisplayName: u.DisplayName,
			IsFriend:    u.Friend,
			IsFavorite:  u.Favorite,
		})
	}
	for _, w := range scenario.Worlds {
		cache.PutWorld(identity.World{ID: w.ID, Name: w.Name})
	}

	cfg := engine.DefaultConfig()
	if len(scenario.FeedRules) > 0 {
		overrides := make(map[feed.Type]feed.Visibility, len(scenario.FeedRules))
		for t, v := range scenario.FeedRules {
			// Validated by LoadScenario.
			vis, _ := feed.ParseVisibility(v)
			overrides[feed.Type(t)] = vis
		}
		cfg.Feed.Rules = cfg.Feed.Rules.With(overrides)
	}

	clock := testutil.NewFakeClock(start)
	sched := testutil.NewManualScheduler(clock)
	tr := &tracer{store: st, rec: testutil.NewRecorder()}

	self := identity.Self{UserID: scenario.Self.UserID, DisplayName: scenario.Self.DisplayName}
	eng := engine.New(cfg, self,
		engine.WithTimeSource(clock),
		engine.WithScheduler(sched),
		engine.WithPublisher(tr),
		engine.WithEventLog(tr),
		engine.WithIDGenerator(engine.NewSequenceGenerator("entry")),
		engine.WithDirectory(cache),
		engine.WithResolver(cache),
		engine.WithSyncLookups(),
		engine.WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))), // Suppress logs in tests
	)

	return &Harness{
		store:  st,
		engine: eng,
		clock:  clock,
		sched:  sched,
		tracer: tr,
		start:  start,
	}
}

// step fires due timers, then feeds the step's input. Inputs the engine
// rejects become drop events in the trace; they never abort the run.
func (h *Harness) step(ctx context.Context, step Step) error {
	at := h.start.Add(step.At)
	h.sched.AdvanceTo(at, func() { h.engine.Drain(ctx) })

	in, detail, err := h.input(step, at)
	h.tracer.add(TraceEvent{Kind: KindInput, Type: inputLabel(step.action(), detail)})
	if err != nil {
		var rerr *engine.RuntimeError
		if !errors.As(err, &rerr) {
			return err
		}
		h.tracer.drop(rerr)
		return nil
	}
	if in == nil {
		return nil
	}

	if err := h.engine.Process(ctx, in); err != nil {
		var rerr *engine.RuntimeError
		if errors.As(err, &rerr) {
			h.tracer.drop(rerr)
		}
	}
	h.engine.Drain(ctx)
	return nil
}

func inputLabel(action, detail string) string {
	if detail == "" {
		return action
	}
	return action + ":" + detail
}

// input builds the engine input for a step. Records and frames go through
// the same decoder as recorded sessions, so malformed ones surface as
// runtime errors.
func (h *Harness) input(step Step, at time.Time) (engine.Input, string, error) {
	switch {
	case step.Record != nil:
		detail, _ := step.Record["type"].(string)
		data, err := stamp(step.Record, "dt", at)
		if err != nil {
			return nil, detail, err
		}
		in, err := engine.DecodeInput(data)
		return in, detail, err

	case step.Frame != nil:
		data, err := stamp(step.Frame, "dt", at)
		if err != nil {
			return nil, "", err
		}
		in, err := engine.DecodeInput(data)
		if f, ok := in.(engine.ProtocolFrame); ok {
			return in, f.Frame.Opcode.String(), nil
		}
		return in, "", err

	case step.Ping != nil:
		data, err := stamp(step.Ping, "dt", at)
		if err != nil {
			return nil, "", err
		}
		var p feed.Ping
		if err := json.Unmarshal(data, &p); err != nil {
			return nil, "", fmt.Errorf("decode ping: %w", err)
		}
		return engine.PresencePing{Ping: p}, p.DisplayName, nil

	case step.Source != "":
		src, _ := feed.ParseSource(step.Source)
		data, err := stamp(step.Entry, "createdAt", at)
		if err != nil {
			return nil, step.Source, err
		}
		var e feed.Entry
		if err := json.Unmarshal(data, &e); err != nil {
			return nil, step.Source, fmt.Errorf("decode entry: %w", err)
		}
		return engine.SourceEntry{Source: src, Entry: e}, step.Source, nil

	case step.FeedAdvance != nil:
		if step.FeedAdvance.Force {
			return engine.FeedAdvance{Force: true}, "force", nil
		}
		return engine.FeedAdvance{}, "", nil
	}
	return nil, "", nil
}

// stamp marshals YAML-decoded fields to JSON, filling the timestamp key
// from at when the step did not set one.
func stamp(fields map[string]any, key string, at time.Time) ([]byte, error) {
	m := make(map[string]any, len(fields)+1)
	for k, v := range fields {
		m[k] = jsonable(v)
	}
	if _, ok := m[key]; !ok {
		m[key] = at.Format(time.RFC3339Nano)
	}
	data, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("encode step: %w", err)
	}
	return data, nil
}

// jsonable converts YAML maps with non-string keys (protocol parameter
// numbers) into JSON objects.
func jsonable(v any) any {
	switch x := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(x))
		for k, val := range x {
			out[k] = jsonable(val)
		}
		return out
	case map[any]any:
		out := make(map[string]any, len(x))
		for k, val := range x {
			out[fmt.Sprint(k)] = jsonable(val)
		}
		return out
	case []any:
		out := make([]any, len(x))
		for i, val := range x {
			out[i] = jsonable(val)
		}
		return out
	default:
		return v
	}
}

// tracer is the engine's Publisher and EventLog during a run. Persisted
// events go to the store first; only accepted writes reach the trace.
type tracer struct {
	store *store.Store
	rec   *testutil.Recorder

	mu    sync.Mutex
	trace []TraceEvent
}

func (t *tracer) add(ev TraceEvent) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.trace = append(t.trace, ev)
}

func (t *tracer) events() []TraceEvent {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]TraceEvent{}, t.trace...)
}

func (t *tracer) drop(err *engine.RuntimeError) {
	t.add(TraceEvent{Kind: KindDrop, Type: string(err.Code)})
}

func (t *tracer) PublishFeed(entries []feed.Entry) {
	t.rec.PublishFeed(entries)
	t.add(TraceEvent{Kind: KindFeed, Size: len(entries)})
}

func (t *tracer) PublishAlert(e feed.Entry) {
	t.rec.PublishAlert(e)
	t.add(TraceEvent{
		Kind:        KindAlert,
		Type:        string(e.Type),
		DisplayName: e.DisplayName,
		UserID:      e.UserID,
		Location:    e.Location,
	})
}

func (t *tracer) PublishHUD(r presence.Report) {
	t.rec.PublishHUD(r)
	t.add(TraceEvent{Kind: KindHUD, Size: len(r.Timeouts)})
}

func (t *tracer) AppendEvent(ctx context.Context, ev store.Event) error {
	if err := t.store.AppendEvent(ctx, ev); err != nil {
		return err
	}
	if err := t.rec.AppendEvent(ctx, ev); err != nil {
		return err
	}
	t.add(TraceEvent{
		Kind:        KindEvent,
		Seq:         ev.Seq,
		Type:        ev.Type,
		DisplayName: ev.DisplayName,
		UserID:      ev.UserID,
		Location:    ev.Location,
	})
	return nil
}

func (t *tracer) SaveModeration(ctx context.Context, m store.Moderation) error {
	if err := t.store.SaveModeration(ctx, m); err != nil {
		return err
	}
	return t.rec.SaveModeration(ctx, m)
}

// LoadModeration lets the engine fall back to persisted moderation state.
func (t *tracer) LoadModeration(ctx context.Context, userID string) (store.Moderation, error) {
	return t.store.LoadModeration(ctx, userID)
}
