package domain

import (
	"context"
	"errors"

	"github.com/bwmarrin/snowflake"
)

var (
	ErrAccountNotFound = errors.New("account_not_found")
	ErrLineNotFound    = errors.New("line_not_found")

	// Access denial reasons. All satisfy errors.Is(err, ErrAccessDenied).
	ErrAccessDenied          = errors.New("access_denied")
	ErrTrialExpired          = errors.New("trial_expired")
	ErrNoMinutesRemaining    = errors.New("no_minutes_remaining")
	ErrSubscriptionNotActive = errors.New("subscription_not_active")
)

// AccessChecker decides whether an account may place a call right now.
// Sessions created while the account was valid are allowed to finish even if
// the answer would change mid-flight; callers check once, at creation.
type AccessChecker interface {
	Check(ctx context.Context, account Account) error
}

// UsageSource reports billable minutes already consumed in the account's
// current billing cycle. Implemented by the metering service.
type UsageSource interface {
	MinutesUsedInCycle(ctx context.Context, account Account) (int64, error)
}

// Repository is the minimal store surface other services need for accounts
// and lines.
type Repository interface {
	GetAccount(ctx context.Context, id snowflake.ID) (*Account, error)
	GetLine(ctx context.Context, id snowflake.ID) (*Line, error)
	GetLineByNumber(ctx context.Context, phoneNumber string) (*Line, error)
	UpdateLineMissedCounter(ctx context.Context, lineID snowflake.ID, count int) error
	SetLineMissedNotice(ctx context.Context, lineID snowflake.ID, sent bool) error
}
