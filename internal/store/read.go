package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

// EventFilter narrows ReadEvents. Zero fields do not filter.
type EventFilter struct {
	Type      string
	SessionID string
	UserID    string
	Since     time.Time
	Limit     int
}

// ReadEvents returns events matching the filter in deterministic order:
// ORDER BY created_at ASC, seq ASC, id ASC COLLATE BINARY.
//
// When Limit is set the most recent Limit events are returned, still in
// ascending order. Returns an empty slice (not nil) if nothing matches.
func (s *Store) ReadEvents(ctx context.Context, f EventFilter) ([]Event, error) {
	var (
		where []string
		args  []any
	)
	if f.Type != "" {
		where = append(where, "type = ?")
		args = append(args, f.Type)
	}
	if f.SessionID != "" {
		where = append(where, "session_id = ?")
		args = append(args, f.SessionID)
	}
	if f.UserID != "" {
		where = append(where, "user_id = ?")
		args = append(args, f.UserID)
	}
	if !f.Since.IsZero() {
		where = append(where, "created_at >= ?")
		args = append(args, formatTime(f.Since))
	}

	query := `SELECT id, session_id, seq, type, created_at, location, display_name, user_id, data FROM events`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	if f.Limit > 0 {
		query = `SELECT * FROM (` + query + ` ORDER BY created_at DESC, seq DESC, id COLLATE BINARY DESC LIMIT ?)`
		args = append(args, f.Limit)
	}
	query += ` ORDER BY created_at ASC, seq ASC, id COLLATE BINARY ASC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	events := []Event{}
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate events: %w", err)
	}
	return events, nil
}

// CountEvents returns the number of rows in the event log.
func (s *Store) CountEvents(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM events`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count events: %w", err)
	}
	return n, nil
}

// LoadModeration returns the stored moderation state for userID. A user
// with no row yields the zero state (not blocked, not muted) and no error.
func (s *Store) LoadModeration(ctx context.Context, userID string) (Moderation, error) {
	var (
		m         Moderation
		blocked   int
		muted     int
		updatedAt string
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT user_id, blocked, muted, updated_at FROM moderation WHERE user_id = ?
	`, userID).Scan(&m.UserID, &blocked, &muted, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Moderation{UserID: userID}, nil
	}
	if err != nil {
		return Moderation{}, fmt.Errorf("load moderation: %w", err)
	}
	m.Blocked = blocked != 0
	m.Muted = muted != 0
	if m.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return Moderation{}, fmt.Errorf("load moderation: %w", err)
	}
	return m, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEvent(row rowScanner) (Event, error) {
	var (
		ev        Event
		createdAt string
		data      string
	)
	if err := row.Scan(&ev.ID, &ev.SessionID, &ev.Seq, &ev.Type, &createdAt,
		&ev.Location, &ev.DisplayName, &ev.UserID, &data); err != nil {
		return Event{}, fmt.Errorf("scan event: %w", err)
	}
	var err error
	if ev.CreatedAt, err = parseTime(createdAt); err != nil {
		return Event{}, err
	}
	if ev.Data, err = unmarshalData(data); err != nil {
		return Event{}, err
	}
	return ev, nil
}
