// Package domain contains the call session lifecycle model. A session is
// the durable record of one phone call attempt from creation to a terminal
// status.
package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
)

type Status string

const (
	StatusCreated    Status = "created"
	StatusRinging    Status = "ringing"
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusCanceled   Status = "canceled"
)

// Terminal statuses are sinks: once reached the session never changes again.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCanceled
}

type Direction string

const (
	DirectionInbound  Direction = "inbound"
	DirectionOutbound Direction = "outbound"
)

type AnsweredBy string

const (
	AnsweredByHuman   AnsweredBy = "human"
	AnsweredByMachine AnsweredBy = "machine"
	AnsweredByFax     AnsweredBy = "fax"
	AnsweredByUnknown AnsweredBy = "unknown"
)

// TriggerReason records what asked for the call.
type TriggerReason string

const (
	TriggerScheduled TriggerReason = "scheduled"
	TriggerReminder  TriggerReason = "reminder"
	TriggerTest      TriggerReason = "test"
	TriggerInbound   TriggerReason = "inbound"
)

// End reasons for failed or completed sessions.
const (
	EndReasonCompleted     = "completed"
	EndReasonOptedOut      = "opted_out"
	EndReasonQuietHours    = "quiet_hours"
	EndReasonAccessDenied  = "access_denied"
	EndReasonProviderError = "provider_error"
	EndReasonNoAnswer      = "no_answer"
	EndReasonBusy          = "busy"
	EndReasonCanceled      = "canceled"
)

// CallSession is the lifecycle record of one call attempt.
type CallSession struct {
	ID        snowflake.ID `gorm:"primaryKey" json:"id"`
	AccountID snowflake.ID `gorm:"not null;index" json:"account_id"`
	LineID    snowflake.ID `gorm:"not null;index" json:"line_id"`

	Direction Direction     `gorm:"type:text;not null" json:"direction"`
	Status    Status        `gorm:"type:text;not null;default:created;index" json:"status"`
	Reason    TriggerReason `gorm:"type:text;not null" json:"reason"`

	// ScheduleID links schedule-driven and reminder calls back to their rule.
	ScheduleID *snowflake.ID `gorm:"index" json:"schedule_id,omitempty"`

	TestCall bool `gorm:"not null;default:false" json:"test_call"`

	// SchedulerKey is the caller-supplied idempotency key. The unique index
	// is the duplicate-suppression mechanism; NULL rows do not collide.
	SchedulerKey *string `gorm:"type:text;uniqueIndex" json:"scheduler_key,omitempty"`

	ProviderCallSID string     `gorm:"column:provider_call_sid;type:text;index" json:"-"`
	AnsweredBy      AnsweredBy `gorm:"type:text;not null;default:unknown" json:"answered_by"`

	ConnectedAt      *time.Time `json:"connected_at,omitempty"`
	EndedAt          *time.Time `json:"ended_at,omitempty"`
	SecondsConnected int        `gorm:"not null;default:0" json:"seconds_connected"`
	EndReason        string     `gorm:"type:text" json:"end_reason,omitempty"`

	RecordingSID          string     `gorm:"column:recording_sid;type:text" json:"-"`
	RecordingDeletedAt    *time.Time `json:"-"`
	RecordingDeleteReason string     `gorm:"type:text" json:"-"`

	// ToolInvocations counts in-call tool uses by the conversational layer.
	ToolInvocations int `gorm:"not null;default:0" json:"tool_invocations"`

	MeteredAt *time.Time `json:"-"`

	CreatedAt time.Time `gorm:"not null;default:CURRENT_TIMESTAMP;index" json:"created_at"`
	UpdatedAt time.Time `gorm:"not null;default:CURRENT_TIMESTAMP" json:"-"`
}

func (CallSession) TableName() string { return "call_sessions" }

// Answered reports whether a human picked up.
func (s CallSession) Answered() bool {
	return s.Status == StatusCompleted && s.AnsweredBy == AnsweredByHuman && s.ConnectedAt != nil
}

// CallEvent is the append-only per-call event log consumed by the
// conversational layer. Rows are never updated or deleted.
type CallEvent struct {
	ID        snowflake.ID      `gorm:"primaryKey" json:"id"`
	SessionID snowflake.ID      `gorm:"not null;index" json:"session_id"`
	Type      string            `gorm:"type:text;not null" json:"type"`
	Payload   datatypes.JSONMap `gorm:"type:jsonb" json:"payload"`
	CreatedAt time.Time         `gorm:"not null;default:CURRENT_TIMESTAMP" json:"created_at"`
}

func (CallEvent) TableName() string { return "call_events" }
