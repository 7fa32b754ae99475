package service

import (
	"context"
	"fmt"

	"github.com/warmlinelabs/warmline/internal/account/domain"
	"github.com/warmlinelabs/warmline/internal/clock"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

type AccessParams struct {
	fx.In

	Log   *zap.Logger
	Clock clock.Clock
	Usage domain.UsageSource
}

type AccessChecker struct {
	log   *zap.Logger
	clock clock.Clock
	usage domain.UsageSource
}

func NewAccessChecker(p AccessParams) domain.AccessChecker {
	return &AccessChecker{
		log:   p.Log.Named("account.access"),
		clock: p.Clock,
		usage: p.Usage,
	}
}

// Check applies the account-level gate evaluated before a call is placed:
// subscription status, trial validity, and remaining minutes. Pay-as-you-go
// accounts never run out of minutes.
func (c *AccessChecker) Check(ctx context.Context, account domain.Account) error {
	now := c.clock.Now()

	if account.PlanType == domain.PlanPayAsYouGo {
		if account.SubscriptionStatus == domain.SubscriptionCanceled {
			return deny(domain.ErrSubscriptionNotActive)
		}
		return nil
	}

	if account.InTrial(now) {
		return nil
	}
	if account.TrialEndAt != nil && account.SubscriptionStatus != domain.SubscriptionActive {
		// Trial over, never upgraded.
		return deny(domain.ErrTrialExpired)
	}
	if account.SubscriptionStatus != domain.SubscriptionActive {
		return deny(domain.ErrSubscriptionNotActive)
	}

	used, err := c.usage.MinutesUsedInCycle(ctx, account)
	if err != nil {
		return fmt.Errorf("resolve cycle usage: %w", err)
	}
	if account.IncludedMinutes > 0 && used >= int64(account.IncludedMinutes) {
		c.log.Debug("account out of included minutes",
			zap.Int64("used", used),
			zap.Int("included", account.IncludedMinutes))
		return deny(domain.ErrNoMinutesRemaining)
	}
	return nil
}

func deny(reason error) error {
	return fmt.Errorf("%w: %w", domain.ErrAccessDenied, reason)
}
