package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fallen-shinigami/VRCX-sub000/internal/store"
)

var historyEpoch = time.Date(2024, 3, 1, 20, 0, 0, 0, time.UTC)

func seedHistory(t *testing.T) string {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "history.db")
	st, err := store.Open(dbPath)
	require.NoError(t, err)
	defer st.Close()

	ctx := context.Background()
	events := []store.Event{
		{SessionID: "s1", Seq: 1, Type: "Location", Location: "wrld_1:1", Data: map[string]any{"worldName": "World"}},
		{SessionID: "s1", Seq: 2, Type: "OnPlayerJoined", Location: "wrld_1:1", DisplayName: "Alice", UserID: "usr_alice"},
		{SessionID: "s1", Seq: 3, Type: "OnPlayerJoined", Location: "wrld_1:1", DisplayName: "Bob", UserID: "usr_bob"},
		{SessionID: "s2", Seq: 4, Type: "OnPlayerLeft", Location: "wrld_2:1", DisplayName: "Alice", UserID: "usr_alice"},
	}
	for i, ev := range events {
		ev.CreatedAt = historyEpoch.Add(time.Duration(i) * time.Minute)
		require.NoError(t, st.AppendEvent(ctx, ev))
	}
	return dbPath
}

func runHistoryCmd(t *testing.T, format string, args ...string) (string, error) {
	t.Helper()
	buf := &bytes.Buffer{}
	cmd := NewHistoryCommand(&RootOptions{Format: format})
	cmd.SetOut(buf)
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs(args)
	err := cmd.Execute()
	return buf.String(), err
}

func TestHistoryMissingDatabaseFlag(t *testing.T) {
	_, err := runHistoryCmd(t, "text")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "required flag")
}

func TestHistoryEmptyDatabase(t *testing.T) {
	out, err := runHistoryCmd(t, "text", "--db", filepath.Join(t.TempDir(), "empty.db"))
	require.NoError(t, err)
	assert.Contains(t, out, "No events found.")
}

func TestHistoryText(t *testing.T) {
	out, err := runHistoryCmd(t, "text", "--db", seedHistory(t))
	require.NoError(t, err)

	assert.Contains(t, out, "OnPlayerJoined")
	assert.Contains(t, out, "Bob @ wrld_1:1")
	assert.Contains(t, out, "4 event(s)")
	assert.NotContains(t, out, "worldName", "data only shows with --verbose")
}

func TestHistoryFilters(t *testing.T) {
	dbPath := seedHistory(t)

	tests := []struct {
		name  string
		args  []string
		names []string
	}{
		{"by type", []string{"--type", "OnPlayerJoined"}, []string{"Alice", "Bob"}},
		{"by user", []string{"--user", "usr_alice"}, []string{"Alice", "Alice"}},
		{"by session", []string{"--session", "s2"}, []string{"Alice"}},
		{"limit keeps newest", []string{"--limit", "2"}, []string{"Bob", "Alice"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out, err := runHistoryCmd(t, "json", append([]string{"--db", dbPath}, tt.args...)...)
			require.NoError(t, err)

			var response struct {
				Status string        `json:"status"`
				Data   HistoryResult `json:"data"`
			}
			require.NoError(t, json.Unmarshal([]byte(out), &response))
			assert.Equal(t, "ok", response.Status)

			var names []string
			for _, ev := range response.Data.Events {
				names = append(names, ev.DisplayName)
			}
			assert.Equal(t, tt.names, names)
			assert.Equal(t, len(tt.names), response.Data.Total)
		})
	}
}

func TestHistorySessions(t *testing.T) {
	out, err := runHistoryCmd(t, "text", "--db", seedHistory(t), "--sessions")
	require.NoError(t, err)

	assert.Contains(t, out, "s1\n")
	assert.Contains(t, out, "Events: 3 (2 joins, 0 leaves, 1 locations), last seq 3")
	assert.Contains(t, out, "Events: 1 (0 joins, 1 leaves, 0 locations), last seq 4")
}

func TestHistoryInvalidLimit(t *testing.T) {
	_, err := runHistoryCmd(t, "text", "--db", seedHistory(t), "--limit", "-1")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}
