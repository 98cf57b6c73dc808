package storage

import (
	"database/sql"
	"errors"
	"fmt"

	"helphub/models"
)

// BeginSession records the start of a session. Re-beginning an existing id
// refreshes its display name and clears the end time.
func (s *Store) BeginSession(sessionID, displayName string, startedAt int64) error {
	if sessionID == "" {
		return errors.New("session_id is required")
	}

	_, err := s.db.Exec(
		`INSERT INTO sessions (session_id, display_name, started_at)
		VALUES (?, ?, ?)
		ON CONFLICT(session_id) DO UPDATE SET
			display_name = excluded.display_name,
			ended_at = NULL`,
		sessionID,
		displayName,
		startedAt,
	)
	if err != nil {
		return fmt.Errorf("begin session %q: %w", sessionID, err)
	}
	return nil
}

// EndSession stamps the session end time.
func (s *Store) EndSession(sessionID string, endedAt int64) error {
	result, err := s.db.Exec(
		`UPDATE sessions SET ended_at = ? WHERE session_id = ?`,
		endedAt,
		sessionID,
	)
	if err != nil {
		return fmt.Errorf("end session %q: %w", sessionID, err)
	}
	return requireAffected(result, "session", sessionID)
}

// RecordEndpoint stores a sighting of an endpoint. The first sighting fixes
// first_seen; later ones move last_seen forward and keep the newest name.
func (s *Store) RecordEndpoint(sessionID string, endpoint models.Endpoint, seenAt int64) error {
	if endpoint.ID == "" {
		return errors.New("endpoint_id is required")
	}

	_, err := s.db.Exec(
		`INSERT INTO endpoints (session_id, endpoint_id, name, first_seen, last_seen)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(session_id, endpoint_id) DO UPDATE SET
			name = CASE WHEN excluded.name <> '' THEN excluded.name ELSE endpoints.name END,
			last_seen = MAX(endpoints.last_seen, excluded.last_seen)`,
		sessionID,
		endpoint.ID,
		endpoint.Name,
		seenAt,
		seenAt,
	)
	if err != nil {
		return fmt.Errorf("record endpoint %q in session %q: %w", endpoint.ID, sessionID, err)
	}
	return nil
}

// GetSession returns one session with its endpoint and message counts.
func (s *Store) GetSession(sessionID string) (Session, error) {
	row := s.db.QueryRow(sessionSelect+` WHERE s.session_id = ?`, sessionID)
	session, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Session{}, ErrNotFound
	}
	if err != nil {
		return Session{}, fmt.Errorf("get session %q: %w", sessionID, err)
	}
	return session, nil
}

// ListSessions returns sessions newest first.
func (s *Store) ListSessions(limit, offset int) ([]Session, error) {
	if limit <= 0 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}

	rows, err := s.db.Query(
		sessionSelect+` ORDER BY s.started_at DESC, s.session_id ASC LIMIT ? OFFSET ?`,
		limit,
		offset,
	)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	var sessions []Session
	for rows.Next() {
		session, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		sessions = append(sessions, session)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate sessions: %w", err)
	}
	return sessions, nil
}

// ListEndpoints returns the endpoints seen in a session ordered by first sighting.
func (s *Store) ListEndpoints(sessionID string) ([]Endpoint, error) {
	rows, err := s.db.Query(
		`SELECT session_id, endpoint_id, name, first_seen, last_seen
		FROM endpoints
		WHERE session_id = ?
		ORDER BY first_seen ASC, endpoint_id ASC`,
		sessionID,
	)
	if err != nil {
		return nil, fmt.Errorf("list endpoints for session %q: %w", sessionID, err)
	}
	defer rows.Close()

	var endpoints []Endpoint
	for rows.Next() {
		var endpoint Endpoint
		if err := rows.Scan(
			&endpoint.SessionID,
			&endpoint.EndpointID,
			&endpoint.Name,
			&endpoint.FirstSeen,
			&endpoint.LastSeen,
		); err != nil {
			return nil, fmt.Errorf("scan endpoint: %w", err)
		}
		endpoints = append(endpoints, endpoint)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate endpoints: %w", err)
	}
	return endpoints, nil
}

// DeleteSession removes a session and, through cascading keys, its endpoints and messages.
func (s *Store) DeleteSession(sessionID string) error {
	result, err := s.db.Exec(`DELETE FROM sessions WHERE session_id = ?`, sessionID)
	if err != nil {
		return fmt.Errorf("delete session %q: %w", sessionID, err)
	}
	return requireAffected(result, "session", sessionID)
}

const sessionSelect = `
SELECT
	s.session_id,
	s.display_name,
	s.started_at,
	s.ended_at,
	(SELECT COUNT(1) FROM endpoints e WHERE e.session_id = s.session_id),
	(SELECT COUNT(1) FROM messages m WHERE m.session_id = s.session_id)
FROM sessions s`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (Session, error) {
	var (
		session Session
		endedAt sql.NullInt64
	)
	if err := row.Scan(
		&session.ID,
		&session.DisplayName,
		&session.StartedAt,
		&endedAt,
		&session.EndpointCount,
		&session.MessageCount,
	); err != nil {
		return Session{}, err
	}
	session.EndedAt = int64Ptr(endedAt)
	return session, nil
}

func requireAffected(result sql.Result, kind, id string) error {
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("read affected rows for %s %q: %w", kind, id, err)
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}
