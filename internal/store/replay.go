package store

import (
	"context"
	"fmt"
	"time"
)

// SessionSummary describes one engine session recorded in the event log.
type SessionSummary struct {
	SessionID string    `json:"sessionId"`
	Events    int       `json:"events"`
	Joins     int       `json:"joins"`
	Leaves    int       `json:"leaves"`
	Locations int       `json:"locations"`
	FirstAt   time.Time `json:"firstAt"`
	LastAt    time.Time `json:"lastAt"`
	LastSeq   int64     `json:"lastSeq"`
}

// ListSessions returns one summary per session, oldest session first.
// Sessions are ordered by their first event, then by id for ties.
func (s *Store) ListSessions(ctx context.Context) ([]SessionSummary, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT session_id,
			COUNT(*),
			SUM(CASE WHEN type = 'OnPlayerJoined' THEN 1 ELSE 0 END),
			SUM(CASE WHEN type = 'OnPlayerLeft' THEN 1 ELSE 0 END),
			SUM(CASE WHEN type = 'Location' THEN 1 ELSE 0 END),
			MIN(created_at),
			MAX(created_at),
			MAX(seq)
		FROM events
		GROUP BY session_id
		ORDER BY MIN(created_at) ASC, session_id COLLATE BINARY ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	sessions := []SessionSummary{}
	for rows.Next() {
		var (
			sum         SessionSummary
			first, last string
		)
		if err := rows.Scan(&sum.SessionID, &sum.Events, &sum.Joins, &sum.Leaves,
			&sum.Locations, &first, &last, &sum.LastSeq); err != nil {
			return nil, fmt.Errorf("list sessions: %w", err)
		}
		if sum.FirstAt, err = parseTime(first); err != nil {
			return nil, fmt.Errorf("list sessions: %w", err)
		}
		if sum.LastAt, err = parseTime(last); err != nil {
			return nil, fmt.Errorf("list sessions: %w", err)
		}
		sessions = append(sessions, sum)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	return sessions, nil
}

// GetLastSeq returns the highest seq recorded for a session, or 0 when the
// session has no events.
func (s *Store) GetLastSeq(ctx context.Context, sessionID string) (int64, error) {
	var seq int64
	err := s.db.QueryRowContext(ctx, `
		SELECT COALESCE(MAX(seq), 0) FROM events WHERE session_id = ?
	`, sessionID).Scan(&seq)
	if err != nil {
		return 0, fmt.Errorf("get last seq: %w", err)
	}
	return seq, nil
}
