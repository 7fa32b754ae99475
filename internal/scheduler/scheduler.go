// Package scheduler runs the periodic background sweeps: due schedules,
// recording deletions with bounded retry, export maintenance, and stale
// session reconciliation. One re-entrancy guard covers the whole cycle so
// overlapping sweeps never run concurrently.
package scheduler

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/robfig/cron/v3"
	callsessiondomain "github.com/warmlinelabs/warmline/internal/callsession/domain"
	"github.com/warmlinelabs/warmline/internal/clock"
	"github.com/warmlinelabs/warmline/internal/config"
	"github.com/warmlinelabs/warmline/internal/notify"
	"github.com/warmlinelabs/warmline/internal/observability"
	scheduledomain "github.com/warmlinelabs/warmline/internal/schedule/domain"
	"github.com/warmlinelabs/warmline/internal/telephony"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB        *gorm.DB
	Log       *zap.Logger
	Cfg       config.Config
	Clock     clock.Clock
	GenID     *snowflake.Node
	Provider  telephony.Provider
	Notifier  notify.Notifier
	Sessions  callsessiondomain.Service
	Schedules scheduledomain.Service
	Metrics   *observability.Metrics `optional:"true"`
}

type Scheduler struct {
	db        *gorm.DB
	log       *zap.Logger
	cfg       config.Config
	clock     clock.Clock
	genID     *snowflake.Node
	provider  telephony.Provider
	notifier  notify.Notifier
	sessions  callsessiondomain.Service
	schedules scheduledomain.Service
	metrics   *observability.Metrics

	// running guards against overlapping cycles.
	running atomic.Bool
}

func New(p Params) *Scheduler {
	return &Scheduler{
		db:        p.DB,
		log:       p.Log.Named("scheduler"),
		cfg:       p.Cfg,
		clock:     p.Clock,
		genID:     p.GenID,
		provider:  p.Provider,
		notifier:  p.Notifier,
		sessions:  p.Sessions,
		schedules: p.Schedules,
		metrics:   p.Metrics,
	}
}

// RunForever ticks at the configured interval until the context is
// canceled. The calendar-anchored weekly summary runs on its own cron
// schedule but shares the same re-entrancy guard.
func (s *Scheduler) RunForever(ctx context.Context) {
	interval := s.cfg.Sweep.Interval
	if interval <= 0 {
		interval = time.Minute
	}

	c := cron.New()
	if spec := s.cfg.Sweep.WeeklySummaryCron; spec != "" {
		weekly := func(ctx context.Context) {
			if err := s.WeeklySummaryJob(ctx); err != nil {
				s.log.Error("weekly summary failed", zap.Error(err))
			}
		}
		if _, err := c.AddFunc(spec, func() { s.runGuarded(ctx, weekly) }); err != nil {
			s.log.Error("invalid weekly summary cron spec", zap.String("spec", spec), zap.Error(err))
		}
	}
	c.Start()
	defer c.Stop()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	s.log.Info("scheduler started", zap.Duration("interval", interval))
	for {
		select {
		case <-ctx.Done():
			s.log.Info("scheduler stopped")
			return
		case <-ticker.C:
			s.runGuarded(ctx, s.runCycle)
		}
	}
}

func (s *Scheduler) runGuarded(ctx context.Context, job func(context.Context)) {
	if !s.running.CompareAndSwap(false, true) {
		if s.metrics != nil {
			s.metrics.SweepSkipped.Inc()
		}
		s.log.Debug("sweep still running, skipping cycle")
		return
	}
	defer s.running.Store(false)
	job(ctx)
}

// runCycle executes the periodic jobs in order. A failing job logs and
// yields to the next; nothing in the cycle blocks request handling.
func (s *Scheduler) runCycle(ctx context.Context) {
	if s.metrics != nil {
		s.metrics.SweepRuns.Inc()
	}

	if n, err := s.schedules.RunDue(ctx); err != nil {
		s.log.Error("schedule sweep failed", zap.Error(err))
	} else if n > 0 {
		s.log.Info("schedules triggered", zap.Int("count", n))
	}

	if err := s.RetentionSweepJob(ctx); err != nil {
		s.log.Error("retention sweep failed", zap.Error(err))
	}

	if err := s.DeletionSweepJob(ctx); err != nil {
		s.log.Error("deletion sweep failed", zap.Error(err))
	}

	if err := s.ExpiredExportCleanupJob(ctx); err != nil {
		s.log.Error("expired export cleanup failed", zap.Error(err))
	}

	if err := s.PendingExportJob(ctx); err != nil {
		s.log.Error("pending export processing failed", zap.Error(err))
	}

	cutoff := s.clock.Now().Add(-s.cfg.Calls.StaleSessionAfter)
	if n, err := s.sessions.FailStale(ctx, cutoff); err != nil {
		s.log.Error("stale session reconciliation failed", zap.Error(err))
	} else if n > 0 {
		s.log.Warn("stale sessions failed", zap.Int("count", n))
	}
}

var Module = fx.Module("scheduler",
	fx.Provide(New),
)
