package service

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/redis/go-redis/v9"
	accountdomain "github.com/warmlinelabs/warmline/internal/account/domain"
	"github.com/warmlinelabs/warmline/internal/billing"
	callsessiondomain "github.com/warmlinelabs/warmline/internal/callsession/domain"
	"github.com/warmlinelabs/warmline/internal/clock"
	"github.com/warmlinelabs/warmline/internal/config"
	meteringdomain "github.com/warmlinelabs/warmline/internal/metering/domain"
	"github.com/warmlinelabs/warmline/internal/observability"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// usageCacheTTL bounds staleness of the per-account cycle totals; every
// successful ledger write refreshes the cached value anyway.
const usageCacheTTL = 10 * time.Minute

type Params struct {
	fx.In

	DB       *gorm.DB
	Log      *zap.Logger
	Cfg      config.Config
	Clock    clock.Clock
	GenID    *snowflake.Node
	Redis    *redis.Client
	Accounts accountdomain.Repository
	Reporter billing.UsageReporter
	Metrics  *observability.Metrics `optional:"true"`
}

type Service struct {
	db       *gorm.DB
	log      *zap.Logger
	cfg      config.Config
	clock    clock.Clock
	genID    *snowflake.Node
	redis    *redis.Client
	accounts accountdomain.Repository
	reporter billing.UsageReporter
	metrics  *observability.Metrics
}

func NewService(p Params) meteringdomain.Service {
	return &Service{
		db:       p.DB,
		log:      p.Log.Named("metering.service"),
		cfg:      p.Cfg,
		clock:    p.Clock,
		genID:    p.GenID,
		redis:    p.Redis,
		accounts: p.Accounts,
		reporter: p.Reporter,
		metrics:  p.Metrics,
	}
}

// RecordUsage converts the session's connected duration into a ledger entry.
// Below the billable floor nothing is billed, except reminder calls, which
// always bill at least one minute. The insert races safely: a duplicate key
// means another invocation already recorded this session, reported as a
// (nil, nil) no-op.
func (s *Service) RecordUsage(ctx context.Context, session callsessiondomain.CallSession) (*meteringdomain.MinuteLedgerEntry, error) {
	if !session.Status.Terminal() {
		return nil, meteringdomain.ErrSessionNotTerminal
	}

	reminder := session.Reason == callsessiondomain.TriggerReminder
	seconds := session.SecondsConnected

	minutes := billableMinutes(seconds, s.cfg.Calls.MinBillableSeconds)
	if reminder && minutes < 1 {
		minutes = 1
	}
	if minutes == 0 {
		return nil, nil
	}

	account, err := s.accounts.GetAccount(ctx, session.AccountID)
	if err != nil {
		return nil, err
	}

	kind, err := s.classify(ctx, *account, minutes)
	if err != nil {
		return nil, err
	}

	entry := &meteringdomain.MinuteLedgerEntry{
		ID:               s.genID.Generate(),
		AccountID:        session.AccountID,
		LineID:           session.LineID,
		SessionID:        session.ID,
		IdempotencyKey:   meteringdomain.LedgerKey(session.ID),
		SecondsConnected: seconds,
		BillableMinutes:  minutes,
		Kind:             kind,
		CreatedAt:        s.clock.Now(),
	}

	if err := s.db.WithContext(ctx).Create(entry).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			// Someone already recorded this session. Success-shaped no-op.
			s.log.Debug("ledger entry already exists", zap.String("session_id", session.ID.String()))
			return nil, nil
		}
		return nil, fmt.Errorf("insert ledger entry: %w", err)
	}

	if s.metrics != nil {
		s.metrics.MinutesBilled.WithLabelValues(string(kind)).Add(float64(minutes))
	}

	if err := s.refreshUsageCache(ctx, *account); err != nil {
		// Cache refresh is advisory; the next read recomputes.
		s.log.Warn("usage cache refresh failed", zap.Error(err))
	}

	if kind == meteringdomain.KindOverage || kind == meteringdomain.KindPayg {
		if err := s.report(ctx, *account, entry); err != nil {
			// At-least-once: the entry stays unreported and the error
			// propagates so the caller can retry the report.
			return entry, err
		}
	}
	return entry, nil
}

func billableMinutes(seconds, minBillable int) int64 {
	if minBillable <= 0 {
		minBillable = 30
	}
	if seconds < minBillable {
		return 0
	}
	return int64((seconds + 59) / 60)
}

// classify applies the precedence payg > trial > overage/included.
func (s *Service) classify(ctx context.Context, account accountdomain.Account, minutes int64) (meteringdomain.Kind, error) {
	if account.PlanType == accountdomain.PlanPayAsYouGo {
		return meteringdomain.KindPayg, nil
	}
	if account.InTrial(s.clock.Now()) {
		return meteringdomain.KindTrial, nil
	}
	used, err := s.MinutesUsedInCycle(ctx, account)
	if err != nil {
		return "", err
	}
	if used+minutes > int64(account.IncludedMinutes) {
		return meteringdomain.KindOverage, nil
	}
	return meteringdomain.KindIncluded, nil
}

func (s *Service) report(ctx context.Context, account accountdomain.Account, entry *meteringdomain.MinuteLedgerEntry) error {
	if err := s.reporter.ReportMinutes(ctx, account.ProcessorCustomerID, entry.BillableMinutes, entry.IdempotencyKey); err != nil {
		return fmt.Errorf("report metered usage: %w", err)
	}

	now := s.clock.Now()
	return s.db.WithContext(ctx).
		Model(&meteringdomain.MinuteLedgerEntry{}).
		Where("id = ?", entry.ID).
		Updates(map[string]any{"reported": true, "reported_at": now}).Error
}

// MinutesUsedInCycle sums ledger minutes for the account's current billing
// cycle, cached in redis keyed by cycle start.
func (s *Service) MinutesUsedInCycle(ctx context.Context, account accountdomain.Account) (int64, error) {
	start, end := account.CycleWindow(s.clock.Now())
	key := usageCacheKey(account.ID, start)

	if s.redis != nil {
		if cached, err := s.redis.Get(ctx, key).Result(); err == nil {
			if n, perr := strconv.ParseInt(cached, 10, 64); perr == nil {
				return n, nil
			}
		}
	}

	total, err := s.sumCycle(ctx, account.ID, start, end)
	if err != nil {
		return 0, err
	}
	if s.redis != nil {
		_ = s.redis.Set(ctx, key, strconv.FormatInt(total, 10), usageCacheTTL).Err()
	}
	return total, nil
}

func (s *Service) refreshUsageCache(ctx context.Context, account accountdomain.Account) error {
	if s.redis == nil {
		return nil
	}
	start, end := account.CycleWindow(s.clock.Now())
	total, err := s.sumCycle(ctx, account.ID, start, end)
	if err != nil {
		return err
	}
	return s.redis.Set(ctx, usageCacheKey(account.ID, start), strconv.FormatInt(total, 10), usageCacheTTL).Err()
}

func (s *Service) sumCycle(ctx context.Context, accountID snowflake.ID, start, end time.Time) (int64, error) {
	var total int64
	err := s.db.WithContext(ctx).
		Model(&meteringdomain.MinuteLedgerEntry{}).
		Where("account_id = ? AND created_at >= ? AND created_at < ?", accountID, start, end).
		Select("COALESCE(SUM(billable_minutes), 0)").
		Scan(&total).Error
	return total, err
}

func usageCacheKey(accountID snowflake.ID, cycleStart time.Time) string {
	return fmt.Sprintf("usage:%s:%s", accountID, cycleStart.Format("2006-01-02"))
}
