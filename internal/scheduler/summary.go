package scheduler

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	callsessiondomain "github.com/warmlinelabs/warmline/internal/callsession/domain"
	"github.com/warmlinelabs/warmline/internal/notify"
	"go.uber.org/zap"
)

type weeklyRollup struct {
	AccountID snowflake.ID
	Completed int
	Missed    int
}

// WeeklySummaryJob aggregates the last seven days of call activity per
// account and delivers one summary notification each. Delivery failures are
// logged and skipped; the job does not retry within a run.
func (s *Scheduler) WeeklySummaryJob(ctx context.Context) error {
	end := s.clock.Now()
	start := end.Add(-7 * 24 * time.Hour)

	var rollups []weeklyRollup
	err := s.db.WithContext(ctx).
		Model(&callsessiondomain.CallSession{}).
		Select("account_id, " +
			"SUM(CASE WHEN status = 'completed' THEN 1 ELSE 0 END) AS completed, " +
			"SUM(CASE WHEN end_reason IN ('no_answer', 'busy') THEN 1 ELSE 0 END) AS missed").
		Where("ended_at >= ? AND ended_at < ?", start, end).
		Group("account_id").
		Scan(&rollups).Error
	if err != nil {
		return err
	}

	for _, r := range rollups {
		var minutes int64
		err := s.db.WithContext(ctx).
			Table("minute_ledger_entries").
			Where("account_id = ? AND created_at >= ? AND created_at < ?", r.AccountID, start, end).
			Select("COALESCE(SUM(billable_minutes), 0)").
			Scan(&minutes).Error
		if err != nil {
			s.log.Error("weekly summary minutes query failed",
				zap.String("account_id", r.AccountID.String()),
				zap.Error(err))
			continue
		}

		summary := notify.WeeklySummary{
			AccountID:      r.AccountID.String(),
			PeriodStart:    start,
			PeriodEnd:      end,
			CallsCompleted: r.Completed,
			CallsMissed:    r.Missed,
			MinutesBilled:  minutes,
		}
		if nerr := s.notifier.WeeklySummary(ctx, summary); nerr != nil {
			s.log.Warn("weekly summary delivery failed",
				zap.String("account_id", r.AccountID.String()),
				zap.Error(nerr))
		}
	}
	return nil
}
