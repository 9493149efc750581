package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fallen-shinigami/VRCX-sub000/internal/feed"
	"github.com/fallen-shinigami/VRCX-sub000/internal/store"
)

func TestReplayMissingArgument(t *testing.T) {
	cmd := NewReplayCommand(&RootOptions{Format: "text"})
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs([]string{})

	err := cmd.Execute()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "accepts 1 arg")
}

func TestReplayNonExistentFile(t *testing.T) {
	opts := &ReplayOptions{RootOptions: &RootOptions{Format: "text"}, Env: testEnv()}
	cmd := NewReplayCommand(opts.RootOptions)

	err := runReplay(opts, "/nonexistent/session.jsonl", cmd)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to open session")
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}

func TestReplayText(t *testing.T) {
	opts := &ReplayOptions{RootOptions: &RootOptions{Format: "text"}, Env: testEnv()}
	buf := &bytes.Buffer{}
	cmd := NewReplayCommand(opts.RootOptions)
	cmd.SetOut(buf)
	cmd.SetErr(&bytes.Buffer{})

	require.NoError(t, runReplay(opts, writeSession(t), cmd))

	output := buf.String()
	assert.Contains(t, output, "Replay Summary: 4 input(s), 1 dropped, 4 event(s) persisted")
	assert.Contains(t, output, "Location: wrld_1:1")
	assert.Contains(t, output, "Roster: [Bob]")
	assert.Contains(t, output, "Alerts (")
	assert.NotContains(t, output, "verified")
}

func TestReplayJSONVerify(t *testing.T) {
	opts := &ReplayOptions{RootOptions: &RootOptions{Format: "json"}, Env: testEnv(), Verify: true}
	buf := &bytes.Buffer{}
	cmd := NewReplayCommand(opts.RootOptions)
	cmd.SetOut(buf)
	cmd.SetErr(&bytes.Buffer{})

	require.NoError(t, runReplay(opts, writeSession(t), cmd))

	var response struct {
		Status string       `json:"status"`
		Data   ReplayResult `json:"data"`
	}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &response))
	assert.Equal(t, "ok", response.Status)
	assert.True(t, response.Data.Verified)
	assert.True(t, response.Data.Deterministic)
	assert.Equal(t, 4, response.Data.Events)
	assert.Equal(t, []string{"Bob"}, response.Data.Roster)

	require.NotEmpty(t, response.Data.Alerts)
	assert.Equal(t, feed.Type("Location"), response.Data.Alerts[0].Type)
}

func TestReplayPersistsToDatabase(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "replay.db")
	opts := &ReplayOptions{RootOptions: &RootOptions{Format: "text"}, Env: testEnv(), Database: dbPath}
	cmd := NewReplayCommand(opts.RootOptions)
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetErr(&bytes.Buffer{})

	require.NoError(t, runReplay(opts, writeSession(t), cmd))

	st, err := store.Open(dbPath)
	require.NoError(t, err)
	defer st.Close()

	n, err := st.CountEvents(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 4, n)

	sessions, err := st.ListSessions(context.Background())
	require.NoError(t, err)
	require.NotEmpty(t, sessions)
	last := sessions[len(sessions)-1]
	assert.Equal(t, 2, last.Joins)
	assert.Equal(t, 1, last.Leaves)
}

func TestSameReplay(t *testing.T) {
	a := ReplayResult{Events: 2, Roster: []string{"A"}, Alerts: []feed.Entry{{Type: "Location"}}}
	b := a
	assert.True(t, sameReplay(a, b))

	b.Alerts = []feed.Entry{{Type: "OnPlayerJoined"}}
	assert.False(t, sameReplay(a, b))

	c := a
	c.Roster = []string{"A", "B"}
	assert.False(t, sameReplay(a, c))
}

func TestEntrySubject(t *testing.T) {
	assert.Equal(t, "Alice World", entrySubject(feed.Entry{DisplayName: "Alice", Location: "wrld_1:1", WorldName: "World"}))
	assert.Equal(t, "wrld_1:1", entrySubject(feed.Entry{Location: "wrld_1:1"}))
	assert.Equal(t, "Bob Song", entrySubject(feed.Entry{DisplayName: "Bob", VideoURL: "https://x", VideoName: "Song"}))
}

func TestReplayHelpText(t *testing.T) {
	buf := &bytes.Buffer{}
	cmd := NewReplayCommand(&RootOptions{Format: "text"})
	cmd.SetOut(buf)
	cmd.SetArgs([]string{"--help"})

	require.NoError(t, cmd.Execute())

	output := buf.String()
	assert.Contains(t, output, "recorded JSONL stream")
	assert.Contains(t, output, "--verify")
	assert.Contains(t, output, "session.jsonl")
}
