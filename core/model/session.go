package model

import (
	"time"

	"github.com/google/uuid"
)

type SessionDirection string

const (
	DirectionBackup  SessionDirection = "backup"
	DirectionRestore SessionDirection = "restore"
)

type SessionStatus string

const (
	SessionRunning   SessionStatus = "running"
	SessionSucceeded SessionStatus = "succeeded"
	SessionFailed    SessionStatus = "failed"
)

// Session represents one backup or restore run.
type Session struct {
	ID            uuid.UUID        `json:"id"`
	Direction     SessionDirection `json:"direction"`
	Source        string           `json:"source"`
	Target        string           `json:"target"`
	MaxChunkBytes int64            `json:"max_chunk_bytes,omitempty"`
	Cursor        int64            `json:"cursor"`
	Status        SessionStatus    `json:"status"`
	Detail        string           `json:"detail,omitempty"`
	StartedAt     time.Time        `json:"started_at"`
	EndedAt       time.Time        `json:"ended_at,omitempty"`
}

func NewSession(direction SessionDirection, source, target string) Session {
	return Session{
		ID:        uuid.New(),
		Direction: direction,
		Source:    source,
		Target:    target,
		Status:    SessionRunning,
		StartedAt: time.Now().UTC(),
	}
}
