package cli

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fallen-shinigami/VRCX-sub000/internal/engine"
	"github.com/fallen-shinigami/VRCX-sub000/internal/store"
)

// sessionLines is a short recorded session: arrive, two joins, one leave,
// plus one line that does not decode.
var sessionLines = []string{
	`{"type":"location","dt":"2024-03-01T20:00:00Z","location":"wrld_1:1","worldName":"World"}`,
	`{"type":"player-joined","dt":"2024-03-01T20:00:05Z","displayName":"Alice","userId":"usr_alice"}`,
	`not json`,
	`{"type":"player-joined","dt":"2024-03-01T20:00:06Z","displayName":"Bob","userId":"usr_bob"}`,
	`{"type":"player-left","dt":"2024-03-01T20:00:30Z","displayName":"Alice","userId":"usr_alice"}`,
}

func writeSession(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "session.jsonl")
	require.NoError(t, os.WriteFile(path, []byte(strings.Join(sessionLines, "\n")+"\n"), 0644))
	return path
}

func testEnv() map[string]string {
	return map[string]string{
		"VRCX_SELF_USER_ID":      "usr_me",
		"VRCX_SELF_DISPLAY_NAME": "Me",
	}
}

func TestRunInvalidConfig(t *testing.T) {
	buf := &bytes.Buffer{}
	cmd := NewRunCommand(&RootOptions{Format: "text"})
	cmd.SetOut(buf)
	cmd.SetErr(buf)

	opts := &RunOptions{
		RootOptions: &RootOptions{Format: "text"},
		Database:    filepath.Join(t.TempDir(), "test.db"),
		Env:         map[string]string{"VRCX_PRESENCE_INTERVAL": "0s"},
	}
	err := runCompanion(opts, cmd)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid configuration")
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}

func TestRunMissingRecordsFile(t *testing.T) {
	buf := &bytes.Buffer{}
	cmd := NewRunCommand(&RootOptions{Format: "text"})
	cmd.SetOut(buf)
	cmd.SetErr(buf)

	opts := &RunOptions{
		RootOptions: &RootOptions{Format: "text"},
		Database:    filepath.Join(t.TempDir(), "test.db"),
		Records:     "/nonexistent/session.jsonl",
		Env:         testEnv(),
	}
	err := runCompanion(opts, cmd)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to open records")
}

func TestRunWithRecordsAndTimeout(t *testing.T) {
	tmpDir := t.TempDir()
	dbPath := filepath.Join(tmpDir, "test.db")

	buf := &bytes.Buffer{}
	cmd := NewRunCommand(&RootOptions{Format: "text"})
	cmd.SetOut(buf)
	cmd.SetErr(&bytes.Buffer{})

	opts := &RunOptions{
		RootOptions: &RootOptions{Format: "text"},
		Database:    dbPath,
		Listen:      "127.0.0.1:0",
		Records:     writeSession(t),
		Env:         testEnv(),
		IDs:         engine.NewSequenceGenerator("run"),
	}

	// Run command with timeout context
	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()
	cmd.SetContext(ctx)

	errChan := make(chan error, 1)
	go func() {
		errChan <- runCompanion(opts, cmd)
	}()

	select {
	case err := <-errChan:
		// Cancellation is a graceful stop.
		require.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("command did not respect context timeout")
	}

	assert.Contains(t, buf.String(), "Engine started")

	st, err := store.Open(dbPath)
	require.NoError(t, err)
	defer st.Close()

	events, err := st.ReadEvents(context.Background(), store.EventFilter{})
	require.NoError(t, err)
	var types []string
	for _, ev := range events {
		types = append(types, ev.Type)
	}
	assert.ElementsMatch(t, []string{"Location", "OnPlayerJoined", "OnPlayerJoined", "OnPlayerLeft"}, types)
}

func TestFeedRecords_SkipsMalformedAndStopsWithSink(t *testing.T) {
	sink := &countingSink{limit: 2}
	feedRecords(context.Background(), strings.NewReader(strings.Join(sessionLines, "\n")), sink, discardLogger())

	// The sink refused the third input, so scanning stopped there.
	assert.Equal(t, 3, sink.calls)
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type countingSink struct {
	calls int
	limit int
}

func (s *countingSink) Enqueue(engine.Input) bool {
	s.calls++
	return s.calls <= s.limit
}

func TestRunHelpText(t *testing.T) {
	buf := &bytes.Buffer{}
	cmd := NewRunCommand(&RootOptions{Format: "text"})
	cmd.SetOut(buf)
	cmd.SetArgs([]string{"--help"})

	require.NoError(t, cmd.Execute())

	output := buf.String()
	assert.Contains(t, output, "Start the companion engine")
	assert.Contains(t, output, "--db")
	assert.Contains(t, output, "--records")
	assert.Contains(t, output, "/frames")
}
