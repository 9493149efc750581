package store

import (
	"path/filepath"
	"testing"
	"time"
)

var testEpoch = time.Date(2024, 3, 1, 20, 0, 0, 0, time.UTC)

// createTestStore creates a new file-backed store in a temp dir.
func createTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// createTestEvent creates a join event at testEpoch plus offset.
func createTestEvent(session string, seq int64, name string, offset time.Duration) Event {
	return Event{
		SessionID:   session,
		Seq:         seq,
		Type:        "OnPlayerJoined",
		CreatedAt:   testEpoch.Add(offset),
		Location:    "wrld_1:123",
		DisplayName: name,
		UserID:      "usr_" + name,
	}
}
