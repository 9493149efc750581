package harness

import (
	"context"
	"encoding/json"
	"fmt"
	"reflect"
	"regexp"
	"sort"
	"strings"

	"github.com/fallen-shinigami/VRCX-sub000/internal/engine"
	"github.com/fallen-shinigami/VRCX-sub000/internal/presence"
	"github.com/fallen-shinigami/VRCX-sub000/internal/store"
)

// validIdentifier matches valid SQL identifiers (table/column names).
// Only allows alphanumeric and underscore, must start with letter or underscore.
// This prevents SQL injection via identifier interpolation.
var validIdentifier = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// AssertionError is returned when an assertion fails.
// It includes detailed context to help debug the failure.
type AssertionError struct {
	Type     string       // Assertion type for categorization
	Expected string       // Human-readable expected outcome
	Actual   string       // Human-readable actual outcome
	Trace    []TraceEvent // Full trace for debugging context
}

// Error implements the error interface.
func (e *AssertionError) Error() string {
	var buf strings.Builder

	fmt.Fprintf(&buf, "Assertion failed: %s\n", e.Type)
	fmt.Fprintf(&buf, "  Expected: %s\n", e.Expected)
	fmt.Fprintf(&buf, "  Actual: %s\n", e.Actual)

	if len(e.Trace) > 0 {
		fmt.Fprintf(&buf, "\nFull trace:\n")
		for i, event := range e.Trace {
			fmt.Fprintf(&buf, "  [%d] %s\n", i+1, event)
		}
	}

	return buf.String()
}

// matcher selects trace events by kind and optional fields.
type matcher struct {
	kind     string
	typ      string
	name     string
	user     string
	location string
}

func matcherFor(a Assertion) matcher {
	kind := a.Kind
	if kind == "" {
		kind = KindEvent
	}
	return matcher{kind: kind, typ: a.EntryType, name: a.Name, user: a.User, location: a.Location}
}

func (m matcher) matches(ev TraceEvent) bool {
	if ev.Kind != m.kind {
		return false
	}
	if m.typ != "" && ev.Type != m.typ {
		return false
	}
	if m.name != "" && ev.DisplayName != m.name {
		return false
	}
	if m.user != "" && ev.UserID != m.user {
		return false
	}
	return m.location == "" || ev.Location == m.location
}

func (m matcher) String() string {
	parts := []string{m.kind}
	if m.typ != "" {
		parts = append(parts, m.typ)
	}
	if m.name != "" {
		parts = append(parts, "name="+m.name)
	}
	if m.user != "" {
		parts = append(parts, "user="+m.user)
	}
	if m.location != "" {
		parts = append(parts, "location="+m.location)
	}
	return strings.Join(parts, " ")
}

// assertTraceContains checks if the trace contains an event matching the
// assertion's kind and fields.
func assertTraceContains(trace []TraceEvent, assertion Assertion) error {
	m := matcherFor(assertion)
	for _, event := range trace {
		if m.matches(event) {
			return nil
		}
	}

	return &AssertionError{
		Type:     AssertTraceContains,
		Expected: m.String(),
		Actual:   "not found in trace",
		Trace:    trace,
	}
}

// assertTraceOrder checks that the listed types occur as a subsequence of
// the trace. Items are "Type" (using the assertion's kind) or "kind:Type".
// Intervening events are allowed.
func assertTraceOrder(trace []TraceEvent, assertion Assertion) error {
	defaultKind := assertion.Kind
	if defaultKind == "" {
		defaultKind = KindEvent
	}

	next := 0
	for _, event := range trace {
		if next == len(assertion.Order) {
			break
		}
		kind, typ := orderItem(assertion.Order[next], defaultKind)
		if event.Kind == kind && event.Type == typ {
			next++
		}
	}

	if next < len(assertion.Order) {
		return &AssertionError{
			Type:     AssertTraceOrder,
			Expected: fmt.Sprintf("in order: %v", assertion.Order),
			Actual: fmt.Sprintf("matched %v, then no %s",
				assertion.Order[:next], assertion.Order[next]),
			Trace: trace,
		}
	}
	return nil
}

func orderItem(item, defaultKind string) (kind, typ string) {
	if k, t, ok := strings.Cut(item, ":"); ok && knownKinds[k] {
		return k, t
	}
	return defaultKind, item
}

// assertTraceCount checks if matching events appear exactly Count times.
func assertTraceCount(trace []TraceEvent, assertion Assertion) error {
	m := matcherFor(assertion)
	count := 0
	for _, event := range trace {
		if m.matches(event) {
			count++
		}
	}

	if count != assertion.Count {
		return &AssertionError{
			Type:     AssertTraceCount,
			Expected: fmt.Sprintf("%d occurrences of %s", assertion.Count, m),
			Actual:   fmt.Sprintf("%d occurrences", count),
			Trace:    trace,
		}
	}
	return nil
}

// assertFinalState checks that exactly one row of a store table matches
// Where and carries the Expect values (subset semantics).
//
// Security: Table and column names are validated against a whitelist pattern
// to prevent SQL injection via identifier interpolation.
func assertFinalState(ctx context.Context, st *store.Store, assertion Assertion) error {
	if !validIdentifier.MatchString(assertion.Table) {
		return fmt.Errorf("invalid table name %q: must match pattern %s", assertion.Table, validIdentifier.String())
	}

	whereSQL, whereArgs, err := buildWhereClause(assertion.Where)
	if err != nil {
		return err
	}

	query := fmt.Sprintf("SELECT * FROM %s", assertion.Table)
	if whereSQL != "" {
		query += " WHERE " + whereSQL
	}

	rows, err := st.Query(ctx, query, whereArgs...)
	if err != nil {
		return &AssertionError{
			Type:     AssertFinalState,
			Expected: fmt.Sprintf("query table %s", assertion.Table),
			Actual:   fmt.Sprintf("query error: %v", err),
		}
	}
	defer rows.Close()

	columns, err := rows.Columns()
	if err != nil {
		return fmt.Errorf("get columns: %w", err)
	}

	whereDesc := formatWhereClause(assertion.Where)
	if !rows.Next() {
		return &AssertionError{
			Type:     AssertFinalState,
			Expected: fmt.Sprintf("row in %s where %s", assertion.Table, whereDesc),
			Actual:   "row not found",
		}
	}

	values := make([]any, len(columns))
	valuePtrs := make([]any, len(columns))
	for i := range values {
		valuePtrs[i] = &values[i]
	}
	if err := rows.Scan(valuePtrs...); err != nil {
		return fmt.Errorf("scan row: %w", err)
	}

	// Multiple matches mean the assertion is ambiguous.
	if rows.Next() {
		return &AssertionError{
			Type:     AssertFinalState,
			Expected: fmt.Sprintf("exactly one row in %s where %s", assertion.Table, whereDesc),
			Actual:   "multiple rows matched (assertion is ambiguous)",
		}
	}

	actualRow := make(map[string]any, len(columns))
	for i, col := range columns {
		actualRow[col] = values[i]
	}

	for _, key := range sortedKeys(assertion.Expect) {
		expectedValue := assertion.Expect[key]
		actualValue, exists := actualRow[key]
		if !exists {
			return &AssertionError{
				Type:     AssertFinalState,
				Expected: fmt.Sprintf("field %q to exist", key),
				Actual:   fmt.Sprintf("field %q not present in result columns: %v", key, columns),
			}
		}
		if !stateValuesEqual(expectedValue, actualValue) {
			return &AssertionError{
				Type:     AssertFinalState,
				Expected: fmt.Sprintf("field %q = %v (type %T)", key, expectedValue, expectedValue),
				Actual:   fmt.Sprintf("field %q = %v (type %T)", key, actualValue, actualValue),
			}
		}
	}

	return nil
}

// buildWhereClause constructs parameterized WHERE clause from assertion.Where.
// Returns SQL fragment, arguments slice, and error. Keys are sorted for determinism.
func buildWhereClause(where map[string]any) (string, []any, error) {
	if len(where) == 0 {
		return "", nil, nil
	}

	keys := sortedKeys(where)
	clauses := make([]string, 0, len(keys))
	args := make([]any, 0, len(keys))

	for _, key := range keys {
		if !validIdentifier.MatchString(key) {
			return "", nil, fmt.Errorf("invalid column name %q in where clause: must match pattern %s", key, validIdentifier.String())
		}
		clauses = append(clauses, fmt.Sprintf("%s = ?", key))
		args = append(args, toSQLValue(where[key]))
	}

	return strings.Join(clauses, " AND "), args, nil
}

// toSQLValue converts a YAML scalar to a SQL argument. Booleans are
// stored as 0/1.
func toSQLValue(v any) any {
	switch val := v.(type) {
	case bool:
		if val {
			return 1
		}
		return 0
	case string, int, int64:
		return val
	default:
		return fmt.Sprintf("%v", val)
	}
}

// formatWhereClause creates a human-readable description of WHERE conditions.
func formatWhereClause(where map[string]any) string {
	if len(where) == 0 {
		return "(no conditions)"
	}

	keys := sortedKeys(where)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%v", k, where[k]))
	}
	return strings.Join(parts, " AND ")
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// stateValuesEqual compares expected and actual values from store tables.
// SQLite returns int64 for integers (booleans included) and string or
// []byte for text.
func stateValuesEqual(expected, actual any) bool {
	if expected == nil || actual == nil {
		return expected == nil && actual == nil
	}
	if b, ok := actual.([]byte); ok {
		actual = string(b)
	}

	switch exp := expected.(type) {
	case string:
		s, ok := actual.(string)
		return ok && exp == s
	case int:
		n, ok := actual.(int64)
		return ok && int64(exp) == n
	case int64:
		n, ok := actual.(int64)
		return ok && exp == n
	case bool:
		if b, ok := actual.(bool); ok {
			return exp == b
		}
		n, ok := actual.(int64)
		return ok && exp == (n != 0)
	}

	return reflect.DeepEqual(expected, actual)
}

// assertSnapshot compares the final engine state against Expect (JSON
// field names of engine.State, subset semantics) and the roster names.
func assertSnapshot(state engine.State, assertion Assertion) error {
	if assertion.Names != nil {
		var roster []string
		for _, r := range state.Roster {
			roster = append(roster, r.DisplayName)
		}
		if !sameNames(roster, assertion.Names) {
			return &AssertionError{
				Type:     AssertSnapshot,
				Expected: fmt.Sprintf("roster %v", assertion.Names),
				Actual:   fmt.Sprintf("roster %v", roster),
			}
		}
	}
	if len(assertion.Expect) == 0 {
		return nil
	}

	actual, err := toJSONValue(state)
	if err != nil {
		return fmt.Errorf("encode state: %w", err)
	}
	fields, _ := actual.(map[string]any)

	for _, key := range sortedKeys(assertion.Expect) {
		want, err := toJSONValue(jsonable(assertion.Expect[key]))
		if err != nil {
			return fmt.Errorf("encode expected %q: %w", key, err)
		}
		got, ok := fields[key]
		if !ok {
			got = nil // omitempty field at its zero value
		}
		if !jsonEqual(want, got) {
			return &AssertionError{
				Type:     AssertSnapshot,
				Expected: fmt.Sprintf("%s = %v", key, want),
				Actual:   fmt.Sprintf("%s = %v", key, got),
			}
		}
	}
	return nil
}

// jsonEqual treats an absent omitempty field as equal to its zero value.
func jsonEqual(want, got any) bool {
	if got == nil {
		switch w := want.(type) {
		case nil:
			return true
		case bool:
			return !w
		case float64:
			return w == 0
		case string:
			return w == ""
		}
		return false
	}
	return reflect.DeepEqual(want, got)
}

func toJSONValue(v any) (any, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var out any
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// assertHUD checks the last published HUD: the timeout list must name
// exactly Names, and when EntryType is set a diagnostic of that kind (for
// Name, if given) must have been raised.
func assertHUD(report presence.Report, assertion Assertion) error {
	var timedOut []string
	for _, t := range report.Timeouts {
		timedOut = append(timedOut, t.DisplayName)
	}
	if !sameNames(timedOut, assertion.Names) {
		return &AssertionError{
			Type:     AssertHUD,
			Expected: fmt.Sprintf("timeouts %v", assertion.Names),
			Actual:   fmt.Sprintf("timeouts %v", timedOut),
		}
	}

	if assertion.EntryType == "" {
		return nil
	}
	for _, d := range report.Diagnostics {
		if d.Kind == assertion.EntryType && (assertion.Name == "" || d.DisplayName == assertion.Name) {
			return nil
		}
	}
	var kinds []string
	for _, d := range report.Diagnostics {
		kinds = append(kinds, d.Kind+"("+d.DisplayName+")")
	}
	return &AssertionError{
		Type:     AssertHUD,
		Expected: fmt.Sprintf("diagnostic %s for %q", assertion.EntryType, assertion.Name),
		Actual:   fmt.Sprintf("diagnostics %v", kinds),
	}
}

// sameNames compares two name lists ignoring order.
func sameNames(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	x := append([]string{}, a...)
	y := append([]string{}, b...)
	sort.Strings(x)
	sort.Strings(y)
	for i := range x {
		if x[i] != y[i] {
			return false
		}
	}
	return true
}

// AssertionContext provides the final state assertions run against.
type AssertionContext struct {
	Ctx    context.Context
	Store  *store.Store
	State  engine.State
	HUD    presence.Report
	HasHUD bool
}

// EvaluateAssertions evaluates all assertions against the result.
// Returns a slice of error messages for failed assertions.
// The actx parameter provides database access for final_state assertions
// and the final engine state for snapshot and hud assertions.
func EvaluateAssertions(result *Result, assertions []Assertion, actx *AssertionContext) []string {
	var errors []string

	for i, assertion := range assertions {
		var err error

		switch assertion.Type {
		case AssertTraceContains:
			err = assertTraceContains(result.Trace, assertion)
		case AssertTraceOrder:
			err = assertTraceOrder(result.Trace, assertion)
		case AssertTraceCount:
			err = assertTraceCount(result.Trace, assertion)
		case AssertFinalState:
			if actx == nil || actx.Store == nil {
				err = fmt.Errorf("assertion[%d]: final_state requires database context", i)
			} else {
				err = assertFinalState(actx.Ctx, actx.Store, assertion)
			}
		case AssertSnapshot:
			if actx == nil {
				err = fmt.Errorf("assertion[%d]: snapshot requires engine state", i)
			} else {
				err = assertSnapshot(actx.State, assertion)
			}
		case AssertHUD:
			if actx == nil {
				err = fmt.Errorf("assertion[%d]: hud requires engine state", i)
			} else {
				err = assertHUD(actx.HUD, assertion)
			}
		default:
			err = fmt.Errorf("assertion[%d]: unknown assertion type %q", i, assertion.Type)
		}

		if err != nil {
			errors = append(errors, err.Error())
		}
	}

	return errors
}
