package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bwmarrin/snowflake"
	callsessiondomain "github.com/warmlinelabs/warmline/internal/callsession/domain"
	"github.com/warmlinelabs/warmline/internal/clock"
	"github.com/warmlinelabs/warmline/internal/recurrence"
	"github.com/warmlinelabs/warmline/internal/schedule/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB       *gorm.DB
	Log      *zap.Logger
	Clock    clock.Clock
	GenID    *snowflake.Node
	Sessions callsessiondomain.Service
}

type Service struct {
	db       *gorm.DB
	log      *zap.Logger
	clock    clock.Clock
	genID    *snowflake.Node
	sessions callsessiondomain.Service
}

func NewService(p Params) domain.Service {
	return &Service{
		db:       p.DB,
		log:      p.Log.Named("schedule.service"),
		clock:    p.Clock,
		genID:    p.GenID,
		sessions: p.Sessions,
	}
}

func (s *Service) Create(ctx context.Context, req domain.CreateScheduleRequest) (*domain.Schedule, error) {
	loc, err := recurrence.LoadZone(req.Timezone)
	if err != nil {
		return nil, err
	}
	tod, err := recurrence.ParseTimeOfDay(req.TimeOfDay)
	if err != nil {
		return nil, err
	}

	now := s.clock.Now()
	sched := &domain.Schedule{
		ID:        s.genID.Generate(),
		AccountID: req.AccountID,
		LineID:    req.LineID,
		Kind:      req.Kind,
		Enabled:   true,
		Timezone:  req.Timezone,
		TimeOfDay: tod.String(),
	}
	if sched.Kind == "" {
		sched.Kind = domain.KindScheduled
	}

	switch {
	case req.OneTimeDate != "":
		if req.Rule != "" {
			return nil, recurrence.ErrInvalidRule
		}
		at, err := resolveOneTime(req.OneTimeDate, tod, loc)
		if err != nil {
			return nil, err
		}
		if !at.After(now) {
			return nil, domain.ErrPastDated
		}
		sched.OneTimeAt = &at
		sched.NextRunAt = &at

	default:
		rule, err := recurrence.ParseRule(req.Rule)
		if err != nil {
			return nil, err
		}
		sched.RuleText = rule.String()
		next, err := firstRun(rule, tod, loc, now)
		if err != nil {
			return nil, err
		}
		sched.NextRunAt = &next
	}

	if err := s.db.WithContext(ctx).Create(sched).Error; err != nil {
		return nil, fmt.Errorf("create schedule: %w", err)
	}
	return sched, nil
}

// resolveOneTime converts a local date and time-of-day to an instant. A
// one-time conversion prefers the earlier half of a DST overlap.
func resolveOneTime(date string, tod recurrence.TimeOfDay, loc *time.Location) (time.Time, error) {
	day, err := time.ParseInLocation("2006-01-02", date, loc)
	if err != nil {
		return time.Time{}, domain.ErrPastDated
	}
	res, err := recurrence.ResolveLocal(day.Year(), day.Month(), day.Day(), tod, loc, recurrence.PreferEarlier)
	if err != nil {
		return time.Time{}, err
	}
	return res.Instant, nil
}

// firstRun computes the initial next-run instant for a recurring rule.
// Recurring resolution prefers the later half of a DST overlap so a
// repeated wall time fires once.
func firstRun(rule recurrence.Rule, tod recurrence.TimeOfDay, loc *time.Location, after time.Time) (time.Time, error) {
	days := rule.Days
	if rule.Freq != recurrence.Weekly {
		days = everyDay
	}

	if rule.Freq == recurrence.Monthly {
		local := after.In(loc)
		res, err := recurrence.ResolveLocal(local.Year(), local.Month(), clampedDay(local.Year(), local.Month(), rule.DayOfMonth), tod, loc, recurrence.PreferLater)
		if err != nil {
			return time.Time{}, err
		}
		if res.Instant.After(after) {
			return res.Instant, nil
		}
		adv, err := recurrence.Advance(res.Instant, rule, tod, loc)
		if err != nil {
			return time.Time{}, err
		}
		return adv.Instant, nil
	}

	res, err := recurrence.NextOccurrence(tod, loc, days, after, recurrence.PreferLater)
	if err != nil {
		return time.Time{}, err
	}
	return res.Instant, nil
}

var everyDay = []time.Weekday{
	time.Sunday, time.Monday, time.Tuesday, time.Wednesday,
	time.Thursday, time.Friday, time.Saturday,
}

func clampedDay(year int, month time.Month, day int) int {
	last := time.Date(year, month+1, 0, 0, 0, 0, 0, time.UTC).Day()
	if day > last {
		return last
	}
	return day
}

func (s *Service) Update(ctx context.Context, id snowflake.ID, req domain.UpdateScheduleRequest) (*domain.Schedule, error) {
	sched, err := s.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}

	if req.Timezone != nil {
		if _, err := recurrence.LoadZone(*req.Timezone); err != nil {
			return nil, err
		}
		sched.Timezone = *req.Timezone
	}
	if req.TimeOfDay != nil {
		tod, err := recurrence.ParseTimeOfDay(*req.TimeOfDay)
		if err != nil {
			return nil, err
		}
		sched.TimeOfDay = tod.String()
	}
	if req.Rule != nil {
		rule, err := recurrence.ParseRule(*req.Rule)
		if err != nil {
			return nil, err
		}
		sched.RuleText = rule.String()
		sched.OneTimeAt = nil
	}
	if req.Enabled != nil {
		sched.Enabled = *req.Enabled
	}

	if sched.Enabled && sched.OneTimeAt == nil {
		loc, err := recurrence.LoadZone(sched.Timezone)
		if err != nil {
			return nil, err
		}
		tod, err := recurrence.ParseTimeOfDay(sched.TimeOfDay)
		if err != nil {
			return nil, err
		}
		rule, err := recurrence.ParseRule(sched.RuleText)
		if err != nil {
			return nil, err
		}
		next, err := firstRun(rule, tod, loc, s.clock.Now())
		if err != nil {
			return nil, err
		}
		sched.NextRunAt = &next
	}

	if err := s.db.WithContext(ctx).Save(sched).Error; err != nil {
		return nil, fmt.Errorf("update schedule: %w", err)
	}
	return sched, nil
}

func (s *Service) GetByID(ctx context.Context, id snowflake.ID) (*domain.Schedule, error) {
	var sched domain.Schedule
	err := s.db.WithContext(ctx).First(&sched, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, domain.ErrScheduleNotFound
	}
	if err != nil {
		return nil, err
	}
	return &sched, nil
}

// RunDue fires every due schedule once. The next run is recomputed from the
// due instant no matter how the trigger went, so a failing line cannot
// stall its schedule.
func (s *Service) RunDue(ctx context.Context) (int, error) {
	now := s.clock.Now()

	var due []domain.Schedule
	err := s.db.WithContext(ctx).
		Where("enabled = ? AND next_run_at IS NOT NULL AND next_run_at <= ?", true, now).
		Order("next_run_at ASC").
		Limit(100).
		Find(&due).Error
	if err != nil {
		return 0, err
	}

	triggered := 0
	for i := range due {
		if s.runOne(ctx, &due[i], now) {
			triggered++
		}
	}
	return triggered, nil
}

func (s *Service) runOne(ctx context.Context, sched *domain.Schedule, now time.Time) bool {
	dueAt := *sched.NextRunAt

	reason := callsessiondomain.TriggerScheduled
	if sched.Kind == domain.KindReminder {
		reason = callsessiondomain.TriggerReminder
	}

	scheduleID := sched.ID
	_, err := s.sessions.CreateOutbound(ctx, callsessiondomain.CreateCallRequest{
		LineID:       sched.LineID,
		Reason:       reason,
		ScheduleID:   &scheduleID,
		SchedulerKey: fmt.Sprintf("sched-%s-%d", sched.ID, dueAt.Unix()),
	})

	outcome := "triggered"
	ok := err == nil
	switch {
	case errors.Is(err, callsessiondomain.ErrDuplicateSchedulerKey):
		// Another sweep already fired this occurrence.
		outcome = "duplicate"
	case err != nil:
		outcome = fmt.Sprintf("error:%v", err)
		s.log.Warn("schedule trigger failed",
			zap.String("schedule_id", sched.ID.String()),
			zap.Error(err))
	}

	updates := map[string]any{
		"last_run_at":  now,
		"last_outcome": outcome,
	}

	if sched.OneTimeAt != nil {
		updates["enabled"] = false
		updates["next_run_at"] = nil
	} else if next, nerr := s.advanceFrom(sched, dueAt); nerr != nil {
		s.log.Error("next-run recomputation failed",
			zap.String("schedule_id", sched.ID.String()),
			zap.Error(nerr))
		updates["enabled"] = false
	} else {
		updates["next_run_at"] = next
	}

	if uerr := s.db.WithContext(ctx).Model(&domain.Schedule{}).Where("id = ?", sched.ID).Updates(updates).Error; uerr != nil {
		s.log.Error("schedule update failed",
			zap.String("schedule_id", sched.ID.String()),
			zap.Error(uerr))
		return false
	}
	return ok
}

func (s *Service) advanceFrom(sched *domain.Schedule, dueAt time.Time) (time.Time, error) {
	loc, err := recurrence.LoadZone(sched.Timezone)
	if err != nil {
		return time.Time{}, err
	}
	tod, err := recurrence.ParseTimeOfDay(sched.TimeOfDay)
	if err != nil {
		return time.Time{}, err
	}
	rule, err := recurrence.ParseRule(sched.RuleText)
	if err != nil {
		return time.Time{}, err
	}

	res, err := recurrence.Advance(dueAt, rule, tod, loc)
	if err != nil {
		return time.Time{}, err
	}
	if res.Shifted {
		s.log.Info("next run shifted across a DST gap",
			zap.String("schedule_id", sched.ID.String()),
			zap.Time("next_run_at", res.Instant))
	}
	return res.Instant, nil
}
