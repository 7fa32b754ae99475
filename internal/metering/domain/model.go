// Package domain contains the minute ledger model: one row per billed call
// session, written exactly once.
package domain

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bwmarrin/snowflake"
	accountdomain "github.com/warmlinelabs/warmline/internal/account/domain"
	callsessiondomain "github.com/warmlinelabs/warmline/internal/callsession/domain"
)

var (
	ErrSessionNotTerminal = errors.New("session_not_terminal")
)

// Classification of billable minutes, in precedence order: payg plans always
// classify payg; trial-window accounts classify trial; then included versus
// overage against the plan allotment.
type Kind string

const (
	KindIncluded Kind = "included"
	KindOverage  Kind = "overage"
	KindTrial    Kind = "trial"
	KindPayg     Kind = "payg"
)

// MinuteLedgerEntry converts a completed call's connected duration into
// billable minutes. The idempotency key is derived from the session id, so
// the unique index makes the ledger at-most-once per session.
type MinuteLedgerEntry struct {
	ID        snowflake.ID `gorm:"primaryKey" json:"id"`
	AccountID snowflake.ID `gorm:"not null;index" json:"account_id"`
	LineID    snowflake.ID `gorm:"not null;index" json:"line_id"`
	SessionID snowflake.ID `gorm:"not null" json:"session_id"`

	IdempotencyKey string `gorm:"type:text;not null;uniqueIndex" json:"idempotency_key"`

	SecondsConnected int   `gorm:"not null" json:"seconds_connected"`
	BillableMinutes  int64 `gorm:"not null" json:"billable_minutes"`
	Kind             Kind  `gorm:"type:text;not null" json:"kind"`

	// Reported is set only after a successful metered-usage report. A crash
	// between insert and mark can double-report; accepted and reconciled
	// downstream.
	Reported   bool       `gorm:"not null;default:false" json:"reported"`
	ReportedAt *time.Time `json:"reported_at,omitempty"`

	CreatedAt time.Time `gorm:"not null;default:CURRENT_TIMESTAMP" json:"created_at"`
}

func (MinuteLedgerEntry) TableName() string { return "minute_ledger_entries" }

// LedgerKey derives the deterministic idempotency key for a session.
func LedgerKey(sessionID snowflake.ID) string {
	return fmt.Sprintf("call-%s", sessionID)
}

type Service interface {
	// RecordUsage writes the ledger entry for a terminal session. A nil
	// entry with nil error means the session was already recorded.
	RecordUsage(ctx context.Context, session callsessiondomain.CallSession) (*MinuteLedgerEntry, error)

	// MinutesUsedInCycle implements the account access check's usage
	// source, read through the cache.
	MinutesUsedInCycle(ctx context.Context, account accountdomain.Account) (int64, error)
}
