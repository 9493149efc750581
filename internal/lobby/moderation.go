package lobby

import (
	"log/slog"
	"sync"
	"time"

	"github.com/fallen-shinigami/VRCX-sub000/internal/store"
)

// PendingModeration is a moderation frame for an actor whose identity is
// not yet known. The latest frame per actor wins.
type PendingModeration struct {
	Blocked bool
	Muted   bool
	At      time.Time
}

// ModerationStore holds the last known moderation state per user. Reads
// must not block on I/O for long; the machine calls it from the event
// loop.
type ModerationStore interface {
	Get(userID string) store.Moderation
	Put(m store.Moderation)
}

// MemoryModeration is a ModerationStore cached in memory. Misses fall
// through to load, typically the SQLite store, once per user.
type MemoryModeration struct {
	mu     sync.Mutex
	states map[string]store.Moderation
	load   func(userID string) (store.Moderation, error)
	logger *slog.Logger
}

// NewMemoryModeration creates a cache. load may be nil.
func NewMemoryModeration(load func(userID string) (store.Moderation, error), logger *slog.Logger) *MemoryModeration {
	if logger == nil {
		logger = slog.Default()
	}
	return &MemoryModeration{
		states: make(map[string]store.Moderation),
		load:   load,
		logger: logger,
	}
}

func (m *MemoryModeration) Get(userID string) store.Moderation {
	m.mu.Lock()
	defer m.mu.Unlock()

	if s, ok := m.states[userID]; ok {
		return s
	}
	s := store.Moderation{UserID: userID}
	if m.load != nil {
		loaded, err := m.load(userID)
		if err != nil {
			m.logger.Warn("moderation load failed", "user", userID, "error", err)
		} else {
			s = loaded
		}
	}
	m.states[userID] = s
	return s
}

func (m *MemoryModeration) Put(s store.Moderation) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.states[s.UserID] = s
}
