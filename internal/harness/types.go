package harness

import (
	"strconv"
	"strings"
)

// Trace kinds.
const (
	KindInput = "input"
	KindEvent = "event"
	KindAlert = "alert"
	KindFeed  = "feed"
	KindHUD   = "hud"
	KindDrop  = "drop"
)

var knownKinds = map[string]bool{
	KindInput: true,
	KindEvent: true,
	KindAlert: true,
	KindFeed:  true,
	KindHUD:   true,
	KindDrop:  true,
}

// TraceEvent is one observable output of the engine, or one scenario
// input, in the order it happened.
type TraceEvent struct {
	Kind        string `json:"kind"`
	Seq         int64  `json:"seq,omitempty"` // persisted events only
	Type        string `json:"type,omitempty"`
	DisplayName string `json:"displayName,omitempty"`
	UserID      string `json:"userId,omitempty"`
	Location    string `json:"location,omitempty"`
	Size        int    `json:"size,omitempty"` // feed length or HUD timeout count
}

// String renders the event as one golden-file line.
func (ev TraceEvent) String() string {
	parts := []string{ev.Kind}
	if ev.Seq > 0 {
		parts = append(parts, "#"+strconv.FormatInt(ev.Seq, 10))
	}
	if ev.Type != "" {
		parts = append(parts, ev.Type)
	}
	if ev.DisplayName != "" {
		parts = append(parts, "name="+ev.DisplayName)
	}
	if ev.UserID != "" {
		parts = append(parts, "user="+ev.UserID)
	}
	if ev.Location != "" {
		parts = append(parts, "location="+ev.Location)
	}
	if ev.Kind == KindFeed || ev.Kind == KindHUD {
		parts = append(parts, "size="+strconv.Itoa(ev.Size))
	}
	return strings.Join(parts, " ")
}

// Result is the outcome of a scenario execution.
type Result struct {
	// Pass indicates overall test success.
	// True if all assertions hold.
	Pass bool `json:"pass"`

	// Trace contains inputs and engine outputs in order.
	Trace []TraceEvent `json:"trace"`

	// Errors contains assertion failure messages.
	// Empty if Pass is true.
	Errors []string `json:"errors,omitempty"`
}

// NewResult creates a new passing result.
func NewResult() *Result {
	return &Result{
		Pass:   true,
		Trace:  []TraceEvent{},
		Errors: []string{},
	}
}

// AddError adds a validation error and marks the result as failed.
func (r *Result) AddError(err string) {
	r.Errors = append(r.Errors, err)
	r.Pass = false
}

// Lines renders the trace one event per line.
func (r *Result) Lines() string {
	var buf strings.Builder
	for _, ev := range r.Trace {
		buf.WriteString(ev.String())
		buf.WriteByte('\n')
	}
	return buf.String()
}
