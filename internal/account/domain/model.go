// Package domain contains persistence models for accounts and their
// registered call destinations.
package domain

import (
	"strconv"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
)

type PlanType string

const (
	PlanPayAsYouGo   PlanType = "payg"
	PlanSubscription PlanType = "subscription"
)

type SubscriptionStatus string

const (
	SubscriptionActive   SubscriptionStatus = "active"
	SubscriptionPastDue  SubscriptionStatus = "past_due"
	SubscriptionCanceled SubscriptionStatus = "canceled"
)

// Account is the billing owner of one or more lines.
type Account struct {
	ID   snowflake.ID `gorm:"primaryKey" json:"id"`
	Name string       `gorm:"type:text;not null" json:"name"`

	PlanType           PlanType           `gorm:"type:text;not null;default:subscription" json:"plan_type"`
	SubscriptionStatus SubscriptionStatus `gorm:"type:text;not null;default:active" json:"subscription_status"`

	TrialStartAt *time.Time `json:"trial_start_at,omitempty"`
	TrialEndAt   *time.Time `json:"trial_end_at,omitempty"`

	// IncludedMinutes is the per-cycle allotment for subscription plans.
	IncludedMinutes int `gorm:"not null;default:0" json:"included_minutes"`

	// CycleAnchorDay anchors the monthly billing cycle (clamped in short months).
	CycleAnchorDay int `gorm:"not null;default:1" json:"cycle_anchor_day"`

	// ProcessorCustomerID keys metered-usage reports to the payment processor.
	ProcessorCustomerID string `gorm:"type:text" json:"-"`

	CreatedAt time.Time `gorm:"not null;default:CURRENT_TIMESTAMP" json:"-"`
	UpdatedAt time.Time `gorm:"not null;default:CURRENT_TIMESTAMP" json:"-"`
}

func (Account) TableName() string { return "accounts" }

// InTrial reports whether now falls inside the account's trial window.
func (a Account) InTrial(now time.Time) bool {
	return a.TrialStartAt != nil && a.TrialEndAt != nil &&
		!now.Before(*a.TrialStartAt) && now.Before(*a.TrialEndAt)
}

// CycleWindow returns the current billing cycle boundaries containing now.
func (a Account) CycleWindow(now time.Time) (time.Time, time.Time) {
	anchor := a.CycleAnchorDay
	if anchor < 1 {
		anchor = 1
	}
	start := time.Date(now.Year(), now.Month(), clampDay(now.Year(), now.Month(), anchor), 0, 0, 0, 0, time.UTC)
	if start.After(now) {
		prev := now.AddDate(0, -1, 0)
		start = time.Date(prev.Year(), prev.Month(), clampDay(prev.Year(), prev.Month(), anchor), 0, 0, 0, 0, time.UTC)
	}
	nextMonth := start.AddDate(0, 1, 0)
	end := time.Date(nextMonth.Year(), nextMonth.Month(), clampDay(nextMonth.Year(), nextMonth.Month(), anchor), 0, 0, 0, 0, time.UTC)
	return start, end
}

func clampDay(year int, month time.Month, day int) int {
	last := time.Date(year, month+1, 0, 0, 0, 0, 0, time.UTC).Day()
	if day > last {
		return last
	}
	return day
}

// Line is a registered phone-number destination belonging to an account.
type Line struct {
	ID        snowflake.ID `gorm:"primaryKey" json:"id"`
	AccountID snowflake.ID `gorm:"not null;index" json:"account_id"`

	PhoneNumber string `gorm:"type:text;not null;uniqueIndex" json:"phone_number"`
	DisplayName string `gorm:"type:text" json:"display_name"`

	// Timezone is the IANA zone of the destination, used for quiet hours and
	// schedule arithmetic.
	Timezone string `gorm:"type:text;not null" json:"timezone"`

	// Quiet hours as local "HH:mm"; empty means no window. The window may
	// wrap midnight (e.g. 21:00-08:00).
	QuietHoursStart string `gorm:"type:text" json:"quiet_hours_start"`
	QuietHoursEnd   string `gorm:"type:text" json:"quiet_hours_end"`

	OptedOut bool `gorm:"not null;default:false" json:"opted_out"`

	// ConsecutiveMissedCalls counts unanswered schedule-linked calls in a
	// row; reset by any answered one.
	ConsecutiveMissedCalls int `gorm:"not null;default:0" json:"consecutive_missed_calls"`

	// MissedNoticeSent marks that the account holder was told about the
	// current miss streak; cleared when the counter resets.
	MissedNoticeSent bool `gorm:"not null;default:false" json:"missed_notice_sent"`

	TestLine bool `gorm:"not null;default:false" json:"test_line"`

	CreatedAt time.Time `gorm:"not null;default:CURRENT_TIMESTAMP" json:"-"`
	UpdatedAt time.Time `gorm:"not null;default:CURRENT_TIMESTAMP" json:"-"`
}

func (Line) TableName() string { return "lines" }

// InQuietHours reports whether the local wall-clock time falls inside the
// line's configured quiet window. Windows wrapping midnight are honored.
func (l Line) InQuietHours(local time.Time) bool {
	start, okS := parseMinutes(l.QuietHoursStart)
	end, okE := parseMinutes(l.QuietHoursEnd)
	if !okS || !okE || start == end {
		return false
	}
	cur := local.Hour()*60 + local.Minute()
	if start < end {
		return cur >= start && cur < end
	}
	return cur >= start || cur < end
}

func parseMinutes(s string) (int, bool) {
	h, m, ok := strings.Cut(strings.TrimSpace(s), ":")
	if !ok {
		return 0, false
	}
	hh, err1 := strconv.Atoi(h)
	mm, err2 := strconv.Atoi(m)
	if err1 != nil || err2 != nil || hh < 0 || hh > 23 || mm < 0 || mm > 59 {
		return 0, false
	}
	return hh*60 + mm, true
}
