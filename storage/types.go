package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"helphub/models"
)

var (
	// ErrNotFound indicates a requested row does not exist.
	ErrNotFound = errors.New("storage: record not found")
)

// Session is one archived run of the nearby core.
type Session struct {
	ID            string
	DisplayName   string
	StartedAt     int64
	EndedAt       *int64
	EndpointCount int
	MessageCount  int
}

// Endpoint is a peer seen during a session.
type Endpoint struct {
	SessionID  string
	EndpointID string
	Name       string
	FirstSeen  int64
	LastSeen   int64
}

func validateDirection(direction models.Direction) error {
	switch direction {
	case models.DirectionSent, models.DirectionReceived:
		return nil
	default:
		return fmt.Errorf("invalid message direction %q", direction)
	}
}

func validateMessageStatus(status models.MessageStatus) error {
	switch status {
	case models.StatusQueued, models.StatusSent, models.StatusFailed, models.StatusReceived:
		return nil
	default:
		return fmt.Errorf("invalid message status %q", status)
	}
}

func int64Ptr(ni sql.NullInt64) *int64 {
	if !ni.Valid {
		return nil
	}
	v := ni.Int64
	return &v
}

func nowUnixMilli() int64 {
	return time.Now().UnixMilli()
}
