package models

import (
	"time"
)

// MigrationStatus represents the lifecycle state of a session hand-off
type MigrationStatus string

const (
	MigrationStatusPending    MigrationStatus = "pending"
	MigrationStatusInProgress MigrationStatus = "in_progress"
	MigrationStatusCompleted  MigrationStatus = "completed"
	MigrationStatusFailed     MigrationStatus = "failed"
)

// Migration records one controlled session hand-off between nodes. Created
// by the source, consumed by the target, TTL-bounded; a failed migration is
// a no-op against session state and the record is left to expire.
type Migration struct {
	SessionID      string          `json:"session_id"`
	SourceServerID string          `json:"source_server_id"`
	TargetServerID string          `json:"target_server_id"`
	Status         MigrationStatus `json:"status"`
	StartedAt      time.Time       `json:"started_at"`
	CompletedAt    *time.Time      `json:"completed_at,omitempty"`
	Error          string          `json:"error,omitempty"`
}

// Terminal reports whether the migration has reached a final state.
func (m *Migration) Terminal() bool {
	return m.Status == MigrationStatusCompleted || m.Status == MigrationStatusFailed
}
