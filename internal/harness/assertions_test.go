package harness

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fallen-shinigami/VRCX-sub000/internal/effect"
	"github.com/fallen-shinigami/VRCX-sub000/internal/engine"
	"github.com/fallen-shinigami/VRCX-sub000/internal/gamelog"
	"github.com/fallen-shinigami/VRCX-sub000/internal/presence"
	"github.com/fallen-shinigami/VRCX-sub000/internal/store"
)

var sampleTrace = []TraceEvent{
	{Kind: KindInput, Type: "record:location"},
	{Kind: KindEvent, Seq: 1, Type: "Location", Location: "wrld_1:1"},
	{Kind: KindFeed, Size: 1},
	{Kind: KindAlert, Type: "Location", Location: "wrld_1:1"},
	{Kind: KindEvent, Seq: 2, Type: "OnPlayerJoined", DisplayName: "A", UserID: "usr_a", Location: "wrld_1:1"},
	{Kind: KindEvent, Seq: 3, Type: "OnPlayerLeft", DisplayName: "A", UserID: "usr_a", Location: "wrld_1:1"},
	{Kind: KindEvent, Seq: 4, Type: "OnPlayerJoined", DisplayName: "A", UserID: "usr_a", Location: "wrld_1:1"},
}

func TestAssertTraceContains_Found(t *testing.T) {
	err := assertTraceContains(sampleTrace, Assertion{
		Type:      AssertTraceContains,
		EntryType: "OnPlayerJoined",
		Name:      "A",
		User:      "usr_a",
	})
	assert.NoError(t, err)
}

func TestAssertTraceContains_KindSelectsStream(t *testing.T) {
	err := assertTraceContains(sampleTrace, Assertion{
		Type:      AssertTraceContains,
		Kind:      KindAlert,
		EntryType: "OnPlayerJoined",
	})
	require.Error(t, err)

	assertErr, ok := err.(*AssertionError)
	require.True(t, ok)
	assert.Equal(t, AssertTraceContains, assertErr.Type)
	assert.Equal(t, "alert OnPlayerJoined", assertErr.Expected)
	assert.Equal(t, "not found in trace", assertErr.Actual)
	assert.Contains(t, assertErr.Error(), "Full trace:")
	assert.Contains(t, assertErr.Error(), "event #2 OnPlayerJoined name=A user=usr_a location=wrld_1:1")
}

func TestAssertTraceOrder_Subsequence(t *testing.T) {
	err := assertTraceOrder(sampleTrace, Assertion{
		Type:  AssertTraceOrder,
		Order: []string{"Location", "OnPlayerJoined", "OnPlayerLeft", "OnPlayerJoined"},
	})
	assert.NoError(t, err)
}

func TestAssertTraceOrder_MixedKinds(t *testing.T) {
	err := assertTraceOrder(sampleTrace, Assertion{
		Type:  AssertTraceOrder,
		Order: []string{"input:record:location", "alert:Location", "OnPlayerLeft"},
	})
	assert.NoError(t, err)
}

func TestAssertTraceOrder_WrongOrder(t *testing.T) {
	err := assertTraceOrder(sampleTrace, Assertion{
		Type:  AssertTraceOrder,
		Order: []string{"OnPlayerLeft", "Location"},
	})
	require.Error(t, err)

	assertErr, ok := err.(*AssertionError)
	require.True(t, ok)
	assert.Equal(t, AssertTraceOrder, assertErr.Type)
	assert.Contains(t, assertErr.Actual, "matched [OnPlayerLeft], then no Location")
}

func TestAssertTraceCount(t *testing.T) {
	tests := []struct {
		name      string
		assertion Assertion
		wantErr   bool
	}{
		{"joins", Assertion{EntryType: "OnPlayerJoined", Count: 2}, false},
		{"by name", Assertion{Name: "A", Count: 3}, false},
		{"alerts", Assertion{Kind: KindAlert, EntryType: "Location", Count: 1}, false},
		{"absent", Assertion{EntryType: "Blocked", Count: 0}, false},
		{"wrong count", Assertion{EntryType: "OnPlayerLeft", Count: 2}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.assertion.Type = AssertTraceCount
			err := assertTraceCount(sampleTrace, tt.assertion)
			if tt.wantErr {
				require.Error(t, err)
				assert.Contains(t, err.Error(), "1 occurrences")
				return
			}
			assert.NoError(t, err)
		})
	}
}

func openTestStore(t *testing.T) *store.Store {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return st
}

func TestAssertFinalState(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()
	at := time.Date(2024, 3, 1, 20, 0, 0, 0, time.UTC)

	require.NoError(t, st.AppendEvent(ctx, store.Event{
		SessionID: "s1", Seq: 1, Type: "OnPlayerJoined", CreatedAt: at,
		Location: "wrld_1:1", DisplayName: "A", UserID: "usr_a",
	}))
	require.NoError(t, st.AppendEvent(ctx, store.Event{
		SessionID: "s1", Seq: 2, Type: "OnPlayerJoined", CreatedAt: at.Add(time.Second),
		Location: "wrld_1:1", DisplayName: "B", UserID: "usr_b",
	}))
	require.NoError(t, st.SaveModeration(ctx, store.Moderation{UserID: "u1", Blocked: true, UpdatedAt: at}))

	t.Run("match", func(t *testing.T) {
		err := assertFinalState(ctx, st, Assertion{
			Table:  "events",
			Where:  map[string]any{"display_name": "A"},
			Expect: map[string]any{"user_id": "usr_a", "seq": 1},
		})
		assert.NoError(t, err)
	})

	t.Run("boolean columns", func(t *testing.T) {
		err := assertFinalState(ctx, st, Assertion{
			Table:  "moderation",
			Where:  map[string]any{"user_id": "u1"},
			Expect: map[string]any{"blocked": true, "muted": false},
		})
		assert.NoError(t, err)
	})

	t.Run("value mismatch", func(t *testing.T) {
		err := assertFinalState(ctx, st, Assertion{
			Table:  "events",
			Where:  map[string]any{"display_name": "A"},
			Expect: map[string]any{"user_id": "usr_b"},
		})
		require.Error(t, err)
		assert.Contains(t, err.Error(), `field "user_id" = usr_b`)
	})

	t.Run("ambiguous", func(t *testing.T) {
		err := assertFinalState(ctx, st, Assertion{
			Table:  "events",
			Where:  map[string]any{"type": "OnPlayerJoined"},
			Expect: map[string]any{"location": "wrld_1:1"},
		})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "multiple rows matched")
	})

	t.Run("row not found", func(t *testing.T) {
		err := assertFinalState(ctx, st, Assertion{
			Table:  "events",
			Where:  map[string]any{"display_name": "Nobody"},
			Expect: map[string]any{"seq": 1},
		})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "row not found")
	})

	t.Run("unknown column", func(t *testing.T) {
		err := assertFinalState(ctx, st, Assertion{
			Table:  "events",
			Where:  map[string]any{"display_name": "A"},
			Expect: map[string]any{"nickname": "A"},
		})
		require.Error(t, err)
		assert.Contains(t, err.Error(), `field "nickname" to exist`)
	})

	t.Run("injection rejected", func(t *testing.T) {
		err := assertFinalState(ctx, st, Assertion{
			Table:  "events; DROP TABLE events",
			Expect: map[string]any{"seq": 1},
		})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "invalid table name")

		err = assertFinalState(ctx, st, Assertion{
			Table:  "events",
			Where:  map[string]any{"1=1 OR type": "x"},
			Expect: map[string]any{"seq": 1},
		})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "invalid column name")
	})
}

func TestAssertSnapshot(t *testing.T) {
	state := engine.State{
		Location:   "wrld_1:1",
		WorldName:  "World",
		Monitoring: true,
		LastSeq:    4,
		Roster: []gamelog.PresenceRecord{
			{DisplayName: "B"},
			{DisplayName: "A"},
		},
	}

	assert.NoError(t, assertSnapshot(state, Assertion{
		Expect: map[string]any{"location": "wrld_1:1", "monitoring": true, "lastSeq": 4},
		Names:  []string{"A", "B"},
	}))

	// Omitted zero values compare equal to their zero.
	assert.NoError(t, assertSnapshot(state, Assertion{
		Expect: map[string]any{"traveling": false, "pendingModeration": 0, "master": 0},
	}))

	err := assertSnapshot(state, Assertion{Names: []string{"A"}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "roster [A]")

	err = assertSnapshot(state, Assertion{Expect: map[string]any{"lastSeq": 5}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "lastSeq = 5")
}

func TestAssertHUD(t *testing.T) {
	report := presence.Report{
		Timeouts: []presence.Timeout{{ActorID: 2, DisplayName: "A"}},
		Diagnostics: []effect.Diagnostic{
			{Kind: effect.KindTimeout, ActorID: 2, DisplayName: "A"},
		},
	}

	assert.NoError(t, assertHUD(report, Assertion{Names: []string{"A"}}))
	assert.NoError(t, assertHUD(report, Assertion{Names: []string{"A"}, EntryType: effect.KindTimeout, Name: "A"}))

	err := assertHUD(report, Assertion{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "timeouts [A]")

	err = assertHUD(report, Assertion{Names: []string{"A"}, EntryType: effect.KindInvalidAvatar})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "timeout(A)")

	assert.NoError(t, assertHUD(presence.Report{}, Assertion{}), "empty HUD")
}

func TestEvaluateAssertions_CollectsFailures(t *testing.T) {
	result := NewResult()
	result.Trace = sampleTrace

	errs := EvaluateAssertions(result, []Assertion{
		{Type: AssertTraceContains, EntryType: "Location"},
		{Type: AssertTraceCount, EntryType: "Location", Count: 5},
		{Type: AssertFinalState, Table: "events", Expect: map[string]any{"seq": 1}},
		{Type: "eventually"},
	}, nil)

	require.Len(t, errs, 3)
	assert.Contains(t, errs[0], "trace_count")
	assert.Contains(t, errs[1], "final_state requires database context")
	assert.Contains(t, errs[2], `unknown assertion type "eventually"`)
}
