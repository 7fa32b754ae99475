// Package domain contains persistence models for recording retention:
// deletions pending at the provider and user-requested exports.
package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
)

const (
	DeleteReasonRetention = "retention_expired"
	DeleteReasonOptOut    = "opt_out"
	DeleteReasonAccount   = "account_closed"
)

// PendingDeletion tracks a recording that must be purged at the provider.
// Attempts never exceed MaxAttempts without the record being marked
// processed; backoff between attempts is decided by the sweep. The unique
// session index makes retention enqueueing at-most-once per recording.
type PendingDeletion struct {
	ID           snowflake.ID `gorm:"primaryKey" json:"id"`
	AccountID    snowflake.ID `gorm:"not null;index" json:"account_id"`
	SessionID    snowflake.ID `gorm:"not null;uniqueIndex" json:"session_id"`
	RecordingSID string       `gorm:"column:recording_sid;type:text;not null" json:"recording_sid"`
	Reason       string       `gorm:"type:text;not null" json:"reason"`

	Attempts      int        `gorm:"not null;default:0" json:"attempts"`
	MaxAttempts   int        `gorm:"not null;default:3" json:"max_attempts"`
	LastAttemptAt *time.Time `json:"last_attempt_at,omitempty"`
	LastError     string     `gorm:"type:text" json:"last_error,omitempty"`

	// ProcessedAt is null while the deletion is pending.
	ProcessedAt *time.Time `gorm:"index" json:"processed_at,omitempty"`

	CreatedAt time.Time `gorm:"not null;default:CURRENT_TIMESTAMP" json:"created_at"`
	UpdatedAt time.Time `gorm:"not null;default:CURRENT_TIMESTAMP" json:"-"`
}

func (PendingDeletion) TableName() string { return "pending_deletions" }

type ExportStatus string

const (
	ExportPending   ExportStatus = "pending"
	ExportCompleted ExportStatus = "completed"
	ExportFailed    ExportStatus = "failed"
)

// RecordingExport is a user-requested copy of a recording fulfilled before
// retention deletion. Completed exports expire and are cleaned up by the
// sweep.
type RecordingExport struct {
	ID           snowflake.ID `gorm:"primaryKey" json:"id"`
	AccountID    snowflake.ID `gorm:"not null;index" json:"account_id"`
	SessionID    snowflake.ID `gorm:"not null;index" json:"session_id"`
	RecordingSID string       `gorm:"column:recording_sid;type:text;not null" json:"recording_sid"`
	Destination  string       `gorm:"type:text;not null" json:"destination"`

	Status    ExportStatus `gorm:"type:text;not null;default:pending;index" json:"status"`
	LastError string       `gorm:"type:text" json:"last_error,omitempty"`

	// A failed attempt keeps the export pending until MaxAttempts is
	// reached; only then does it become failed.
	Attempts    int `gorm:"not null;default:0" json:"attempts"`
	MaxAttempts int `gorm:"not null;default:3" json:"max_attempts"`

	CompletedAt *time.Time `json:"completed_at,omitempty"`
	ExpiresAt   *time.Time `gorm:"index" json:"expires_at,omitempty"`

	CreatedAt time.Time `gorm:"not null;default:CURRENT_TIMESTAMP" json:"created_at"`
	UpdatedAt time.Time `gorm:"not null;default:CURRENT_TIMESTAMP" json:"-"`
}

func (RecordingExport) TableName() string { return "recording_exports" }
