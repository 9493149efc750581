package store

import (
	"context"
	"fmt"
)

// AppendEvent inserts an event into the log.
// Uses ON CONFLICT(id) DO NOTHING for idempotency - a replayed event with
// the same content id is silently ignored.
//
// If ev.ID is empty it is computed with EventID.
func (s *Store) AppendEvent(ctx context.Context, ev Event) error {
	if ev.ID == "" {
		id, err := EventID(ev)
		if err != nil {
			return fmt.Errorf("append event: %w", err)
		}
		ev.ID = id
	}

	data, err := marshalData(ev.Data)
	if err != nil {
		return fmt.Errorf("append event: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO events
		(id, session_id, seq, type, created_at, location, display_name, user_id, data)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING
	`,
		ev.ID,
		ev.SessionID,
		ev.Seq,
		ev.Type,
		formatTime(ev.CreatedAt),
		ev.Location,
		ev.DisplayName,
		ev.UserID,
		data,
	)
	if err != nil {
		return fmt.Errorf("append event: %w", err)
	}

	return nil
}

// SaveModeration upserts the moderation state held by m.UserID.
func (s *Store) SaveModeration(ctx context.Context, m Moderation) error {
	if m.UserID == "" {
		return fmt.Errorf("save moderation: empty user id")
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO moderation (user_id, blocked, muted, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(user_id) DO UPDATE SET
			blocked = excluded.blocked,
			muted = excluded.muted,
			updated_at = excluded.updated_at
	`,
		m.UserID,
		boolToInt(m.Blocked),
		boolToInt(m.Muted),
		formatTime(m.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("save moderation: %w", err)
	}
	return nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
