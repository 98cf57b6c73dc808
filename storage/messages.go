package storage

import (
	"errors"
	"fmt"

	"helphub/models"
)

// RecordMessage inserts a message or, when the (session, endpoint, sequence)
// row already exists, updates its status. Outgoing messages are first
// recorded as queued and later settle on sent or failed.
func (s *Store) RecordMessage(sessionID string, message models.Message) error {
	if message.EndpointID == "" {
		return errors.New("endpoint_id is required")
	}
	if message.Sequence == 0 {
		return errors.New("sequence is required")
	}
	if err := validateDirection(message.Direction); err != nil {
		return err
	}
	if err := validateMessageStatus(message.Status); err != nil {
		return err
	}
	if message.Timestamp == 0 {
		message.Timestamp = nowUnixMilli()
	}

	_, err := s.db.Exec(
		`INSERT INTO messages (
			session_id,
			endpoint_id,
			sequence,
			direction,
			content,
			status,
			timestamp
		) VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(session_id, endpoint_id, sequence) DO UPDATE SET
			status = excluded.status`,
		sessionID,
		message.EndpointID,
		int64(message.Sequence),
		string(message.Direction),
		message.Content,
		string(message.Status),
		message.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("record message %s#%d in session %q: %w", message.EndpointID, message.Sequence, sessionID, err)
	}
	return nil
}

// ListMessages returns a session's messages. An empty endpointID returns the
// whole session ordered by time; otherwise one endpoint's log in sequence order.
func (s *Store) ListMessages(sessionID, endpointID string) ([]models.Message, error) {
	query := `SELECT endpoint_id, sequence, direction, content, status, timestamp
		FROM messages
		WHERE session_id = ?`
	args := []any{sessionID}
	if endpointID != "" {
		query += ` AND endpoint_id = ? ORDER BY sequence ASC`
		args = append(args, endpointID)
	} else {
		query += ` ORDER BY timestamp ASC, endpoint_id ASC, sequence ASC`
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("list messages for session %q: %w", sessionID, err)
	}
	defer rows.Close()

	var messages []models.Message
	for rows.Next() {
		var (
			message   models.Message
			sequence  int64
			direction string
			status    string
		)
		if err := rows.Scan(
			&message.EndpointID,
			&sequence,
			&direction,
			&message.Content,
			&status,
			&message.Timestamp,
		); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		message.Sequence = uint64(sequence)
		message.Direction = models.Direction(direction)
		message.Status = models.MessageStatus(status)
		messages = append(messages, message)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate messages: %w", err)
	}
	return messages, nil
}
