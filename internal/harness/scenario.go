package harness

import (
	"bytes"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/fallen-shinigami/VRCX-sub000/internal/feed"
)

// DefaultStart is the wall time step offsets count from when a scenario
// does not set start.
var DefaultStart = time.Date(2024, 3, 1, 20, 0, 0, 0, time.UTC)

// Scenario defines one engine scenario: a directory of known users and
// worlds, a timed list of inputs, and assertions over the resulting trace
// and final state.
type Scenario struct {
	// Name uniquely identifies this scenario. Golden files are keyed by it.
	Name string `yaml:"name"`

	// Description explains what this scenario validates.
	Description string `yaml:"description"`

	// Start is the wall time of offset 0. Defaults to DefaultStart.
	Start time.Time `yaml:"start,omitempty"`

	// Self is the local user.
	Self SelfSpec `yaml:"self"`

	// Users and Worlds pre-populate the API cache.
	Users  []UserSpec  `yaml:"users,omitempty"`
	Worlds []WorldSpec `yaml:"worlds,omitempty"`

	// FeedRules overrides per-type visibility, e.g. {OnPlayerJoined: Everyone}.
	FeedRules map[string]string `yaml:"feed_rules,omitempty"`

	// Steps are applied in order. Offsets must not decrease.
	Steps []Step `yaml:"steps"`

	// Assertions validate the final trace and state.
	// Supported types: trace_contains, trace_order, trace_count,
	// final_state, snapshot, hud.
	Assertions []Assertion `yaml:"assertions"`
}

// SelfSpec identifies the local user.
type SelfSpec struct {
	UserID      string `yaml:"user_id"`
	DisplayName string `yaml:"display_name"`
}

// UserSpec is a cached API user.
type UserSpec struct {
	ID          string `yaml:"id"`
	DisplayName string `yaml:"display_name"`
	Friend      bool   `yaml:"friend,omitempty"`
	Favorite    bool   `yaml:"favorite,omitempty"`
}

// WorldSpec is a cached API world.
type WorldSpec struct {
	ID   string `yaml:"id"`
	Name string `yaml:"name"`
}

// Step is one timed input. Exactly one of Record, Frame, Ping, Source,
// FeedAdvance or Advance is set.
//
// Record, Frame, Ping and Entry use the same JSON field names as the
// bridge wire format. Their timestamp is filled from At when absent.
type Step struct {
	// At is the offset from Start. Timers due before At fire first.
	At time.Duration `yaml:"at"`

	Record map[string]any `yaml:"record,omitempty"`
	Frame  map[string]any `yaml:"frame,omitempty"`
	Ping   map[string]any `yaml:"ping,omitempty"`

	// Source names the buffer Entry is appended to (status,
	// notification, friendlog, moderation).
	Source string         `yaml:"source,omitempty"`
	Entry  map[string]any `yaml:"entry,omitempty"`

	FeedAdvance *FeedAdvanceStep `yaml:"feed_advance,omitempty"`

	// Advance only fires timers up to At.
	Advance bool `yaml:"advance,omitempty"`
}

// FeedAdvanceStep requests an aggregation pass.
type FeedAdvanceStep struct {
	Force bool `yaml:"force"`
}

// action names the input kind a step carries, for the trace.
func (s Step) action() string {
	switch {
	case s.Record != nil:
		return "record"
	case s.Frame != nil:
		return "frame"
	case s.Ping != nil:
		return "ping"
	case s.Source != "":
		return "source"
	case s.FeedAdvance != nil:
		return "feed_advance"
	case s.Advance:
		return "advance"
	}
	return ""
}

func (s Step) actionCount() int {
	n := 0
	for _, set := range []bool{
		s.Record != nil, s.Frame != nil, s.Ping != nil,
		s.Source != "", s.FeedAdvance != nil, s.Advance,
	} {
		if set {
			n++
		}
	}
	return n
}

// Assertion validates trace or final state.
type Assertion struct {
	// Type specifies the assertion type:
	// - "trace_contains": an entry matching kind/type/fields is in the trace
	// - "trace_order": the listed types appear in order
	// - "trace_count": entries matching kind/type/fields occur exactly Count times
	// - "final_state": a row in a store table matches Expect
	// - "snapshot": the final engine state matches Expect and Names (roster)
	// - "hud": the last published HUD lists exactly Names as timed out
	Type string `yaml:"type"`

	// Kind selects trace entries: event (default), alert, feed, hud,
	// input, drop.
	Kind string `yaml:"kind,omitempty"`

	// EntryType is the event or feed entry type, e.g. OnPlayerJoined.
	EntryType string `yaml:"entry_type,omitempty"`

	// Name, User and Location further narrow trace matches.
	Name     string `yaml:"name,omitempty"`
	User     string `yaml:"user,omitempty"`
	Location string `yaml:"location,omitempty"`

	// Count is the expected number of occurrences (trace_count).
	Count int `yaml:"count,omitempty"`

	// Order is the expected type order (trace_order).
	Order []string `yaml:"order,omitempty"`

	// Table and Where select the row for final_state.
	Table string         `yaml:"table,omitempty"`
	Where map[string]any `yaml:"where,omitempty"`

	// Expect contains expected field values (final_state, snapshot).
	// Subset match: only specified fields are validated.
	Expect map[string]any `yaml:"expect,omitempty"`

	// Names is the expected roster (snapshot) or timeout list (hud).
	Names []string `yaml:"names,omitempty"`
}

// Assertion type constants.
const (
	AssertTraceContains = "trace_contains"
	AssertTraceOrder    = "trace_order"
	AssertTraceCount    = "trace_count"
	AssertFinalState    = "final_state"
	AssertSnapshot      = "snapshot"
	AssertHUD           = "hud"
)

// LoadScenario reads and parses a scenario YAML file.
// Returns an error if the file doesn't exist, is malformed,
// contains unknown fields (typos), or is missing required fields.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario file: %w", err)
	}
	return ParseScenario(data)
}

// ParseScenario parses scenario YAML.
func ParseScenario(data []byte) (*Scenario, error) {
	// Strict field validation catches typos like "assertion:" vs "assertions:".
	var scenario Scenario
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&scenario); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	if err := validateScenario(&scenario); err != nil {
		return nil, fmt.Errorf("invalid scenario: %w", err)
	}
	if scenario.Start.IsZero() {
		scenario.Start = DefaultStart
	}
	return &scenario, nil
}

// validateScenario checks that required fields are present and valid.
func validateScenario(s *Scenario) error {
	if s.Name == "" {
		return fmt.Errorf("name is required")
	}

	if s.Description == "" {
		return fmt.Errorf("description is required")
	}

	if s.Self.UserID == "" && s.Self.DisplayName == "" {
		return fmt.Errorf("self needs user_id or display_name")
	}

	if len(s.Steps) == 0 {
		return fmt.Errorf("steps list is required and must be non-empty")
	}

	if len(s.Assertions) == 0 {
		return fmt.Errorf("assertions list is required and must be non-empty")
	}

	for i, u := range s.Users {
		if u.ID == "" || u.DisplayName == "" {
			return fmt.Errorf("users[%d]: id and display_name are required", i)
		}
	}
	for i, w := range s.Worlds {
		if w.ID == "" {
			return fmt.Errorf("worlds[%d]: id is required", i)
		}
	}
	for t, v := range s.FeedRules {
		if _, err := feed.ParseVisibility(v); err != nil {
			return fmt.Errorf("feed_rules[%s]: %w", t, err)
		}
	}

	var last time.Duration
	for i, step := range s.Steps {
		if n := step.actionCount(); n != 1 {
			return fmt.Errorf("steps[%d]: exactly one action is required, got %d", i, n)
		}
		if step.At < last {
			return fmt.Errorf("steps[%d]: at %s is before the previous step (%s)", i, step.At, last)
		}
		last = step.At
		if step.Source != "" {
			if _, ok := feed.ParseSource(step.Source); !ok {
				return fmt.Errorf("steps[%d]: unknown source %q", i, step.Source)
			}
			if step.Entry == nil {
				return fmt.Errorf("steps[%d]: source requires entry", i)
			}
		}
		if step.Entry != nil && step.Source == "" {
			return fmt.Errorf("steps[%d]: entry requires source", i)
		}
	}

	for i, assertion := range s.Assertions {
		if err := validateAssertion(i, &assertion); err != nil {
			return err
		}
	}

	return nil
}

// validateAssertion validates a single assertion based on its type.
func validateAssertion(index int, a *Assertion) error {
	if a.Type == "" {
		return fmt.Errorf("assertions[%d]: type is required", index)
	}
	if a.Kind != "" && !knownKinds[a.Kind] {
		return fmt.Errorf("assertions[%d]: unknown trace kind %q", index, a.Kind)
	}

	switch a.Type {
	case AssertTraceContains:
		if a.EntryType == "" && a.Name == "" {
			return fmt.Errorf("assertions[%d]: entry_type or name is required for trace_contains", index)
		}
	case AssertTraceOrder:
		if len(a.Order) == 0 {
			return fmt.Errorf("assertions[%d]: order list is required for trace_order", index)
		}
	case AssertTraceCount:
		if a.EntryType == "" && a.Name == "" {
			return fmt.Errorf("assertions[%d]: entry_type or name is required for trace_count", index)
		}
		if a.Count < 0 {
			return fmt.Errorf("assertions[%d]: count must be non-negative for trace_count", index)
		}
	case AssertFinalState:
		if a.Table == "" {
			return fmt.Errorf("assertions[%d]: table is required for final_state", index)
		}
		if len(a.Expect) == 0 {
			return fmt.Errorf("assertions[%d]: expect is required for final_state", index)
		}
	case AssertSnapshot:
		if len(a.Expect) == 0 && a.Names == nil {
			return fmt.Errorf("assertions[%d]: expect or names is required for snapshot", index)
		}
	case AssertHUD:
		// An absent names list asserts an empty HUD.
	default:
		return fmt.Errorf("assertions[%d]: unknown assertion type %q", index, a.Type)
	}

	return nil
}
