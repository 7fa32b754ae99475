// Package domain contains the schedule model: a recurring (or one-time)
// rule describing when outbound calls to a line should fire.
package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
)

var (
	ErrScheduleNotFound = errors.New("schedule_not_found")
	ErrPastDated        = errors.New("schedule_past_dated")
)

type Kind string

const (
	KindScheduled Kind = "scheduled"
	KindReminder  Kind = "reminder"
)

// Schedule is soft-disabled rather than deleted; NextRunAt is recomputed
// immediately after every run so the schedule never stalls.
type Schedule struct {
	ID        snowflake.ID `gorm:"primaryKey" json:"id"`
	AccountID snowflake.ID `gorm:"not null;index" json:"account_id"`
	LineID    snowflake.ID `gorm:"not null;index" json:"line_id"`

	Kind    Kind `gorm:"type:text;not null;default:scheduled" json:"kind"`
	Enabled bool `gorm:"not null;default:true" json:"enabled"`

	Timezone  string `gorm:"type:text;not null" json:"timezone"`
	TimeOfDay string `gorm:"type:text;not null" json:"time_of_day"`

	// RuleText is the stored encoding of the recurrence rule (see
	// recurrence.ParseRule). Empty for one-time schedules.
	RuleText string `gorm:"type:text" json:"rule"`

	// OneTimeAt, when set, makes this a single-shot schedule; it disables
	// itself after firing.
	OneTimeAt *time.Time `json:"one_time_at,omitempty"`

	NextRunAt   *time.Time `gorm:"index" json:"next_run_at,omitempty"`
	LastRunAt   *time.Time `json:"last_run_at,omitempty"`
	LastOutcome string     `gorm:"type:text" json:"last_outcome,omitempty"`

	CreatedAt time.Time `gorm:"not null;default:CURRENT_TIMESTAMP" json:"created_at"`
	UpdatedAt time.Time `gorm:"not null;default:CURRENT_TIMESTAMP" json:"-"`
}

func (Schedule) TableName() string { return "schedules" }

type CreateScheduleRequest struct {
	AccountID snowflake.ID `json:"account_id,string"`
	LineID    snowflake.ID `json:"line_id,string"`
	Kind      Kind         `json:"kind"`
	Timezone  string       `json:"timezone"`
	TimeOfDay string       `json:"time_of_day"`
	Rule      string       `json:"rule"`

	// OneTimeDate ("YYYY-MM-DD", local to Timezone) makes the schedule
	// single-shot; Rule must then be empty.
	OneTimeDate string `json:"one_time_date,omitempty"`
}

type UpdateScheduleRequest struct {
	Enabled   *bool   `json:"enabled,omitempty"`
	Timezone  *string `json:"timezone,omitempty"`
	TimeOfDay *string `json:"time_of_day,omitempty"`
	Rule      *string `json:"rule,omitempty"`
}

type Service interface {
	Create(ctx context.Context, req CreateScheduleRequest) (*Schedule, error)
	Update(ctx context.Context, id snowflake.ID, req UpdateScheduleRequest) (*Schedule, error)
	GetByID(ctx context.Context, id snowflake.ID) (*Schedule, error)

	// RunDue triggers every enabled schedule whose next run is at or before
	// now, recomputing the next run regardless of trigger outcome.
	RunDue(ctx context.Context) (int, error)
}
