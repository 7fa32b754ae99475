package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bwmarrin/snowflake"
	accountdomain "github.com/warmlinelabs/warmline/internal/account/domain"
	"github.com/warmlinelabs/warmline/internal/callsession/domain"
	"github.com/warmlinelabs/warmline/internal/callsession/registry"
	"github.com/warmlinelabs/warmline/internal/callsession/repository"
	"github.com/warmlinelabs/warmline/internal/clock"
	"github.com/warmlinelabs/warmline/internal/config"
	meteringdomain "github.com/warmlinelabs/warmline/internal/metering/domain"
	"github.com/warmlinelabs/warmline/internal/notify"
	"github.com/warmlinelabs/warmline/internal/observability"
	"github.com/warmlinelabs/warmline/internal/recurrence"
	"github.com/warmlinelabs/warmline/internal/telephony"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

var nonTerminal = []domain.Status{domain.StatusCreated, domain.StatusRinging, domain.StatusInProgress}

type Params struct {
	fx.In

	DB       *gorm.DB
	Log      *zap.Logger
	Cfg      config.Config
	Clock    clock.Clock
	GenID    *snowflake.Node
	Accounts accountdomain.Repository
	Access   accountdomain.AccessChecker
	Provider telephony.Provider
	Metering meteringdomain.Service
	Notifier notify.Notifier
	Registry *registry.Registry
	Metrics  *observability.Metrics `optional:"true"`
}

type Service struct {
	db       *gorm.DB
	log      *zap.Logger
	cfg      config.Config
	clock    clock.Clock
	genID    *snowflake.Node
	repo     *repository.Repository
	accounts accountdomain.Repository
	access   accountdomain.AccessChecker
	provider telephony.Provider
	metering meteringdomain.Service
	notifier notify.Notifier
	registry *registry.Registry
	metrics  *observability.Metrics
}

func NewService(p Params) domain.Service {
	return &Service{
		db:       p.DB,
		log:      p.Log.Named("callsession.service"),
		cfg:      p.Cfg,
		clock:    p.Clock,
		genID:    p.GenID,
		repo:     repository.NewRepository(p.DB),
		accounts: p.Accounts,
		access:   p.Access,
		provider: p.Provider,
		metering: p.Metering,
		notifier: p.Notifier,
		registry: p.Registry,
		metrics:  p.Metrics,
	}
}

// CreateOutbound evaluates the placement guards, writes the session, and
// dials. A duplicate scheduler key returns the existing session together
// with ErrDuplicateSchedulerKey. Guard denials leave a terminal failed
// session behind, never a dangling created one.
func (s *Service) CreateOutbound(ctx context.Context, req domain.CreateCallRequest) (*domain.CallSession, error) {
	line, err := s.accounts.GetLine(ctx, req.LineID)
	if err != nil {
		return nil, err
	}
	account, err := s.accounts.GetAccount(ctx, line.AccountID)
	if err != nil {
		return nil, err
	}

	if denial := s.checkGuards(ctx, line, account); denial != nil {
		session := s.deniedSession(req, line, denial)
		if err := s.repo.Create(ctx, session); err != nil && !errors.Is(err, gorm.ErrDuplicatedKey) {
			return nil, err
		}
		return session, denial
	}

	session := &domain.CallSession{
		ID:         s.genID.Generate(),
		AccountID:  line.AccountID,
		LineID:     line.ID,
		Direction:  domain.DirectionOutbound,
		Status:     domain.StatusCreated,
		Reason:     req.Reason,
		ScheduleID: req.ScheduleID,
		TestCall:   req.TestCall || line.TestLine,
		AnsweredBy: domain.AnsweredByUnknown,
	}
	if req.SchedulerKey != "" {
		key := req.SchedulerKey
		session.SchedulerKey = &key
	}

	if err := s.repo.Create(ctx, session); err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) && req.SchedulerKey != "" {
			existing, lookupErr := s.repo.GetBySchedulerKey(ctx, req.SchedulerKey)
			if lookupErr != nil {
				return nil, lookupErr
			}
			return existing, domain.ErrDuplicateSchedulerKey
		}
		return nil, fmt.Errorf("create call session: %w", err)
	}

	return s.place(ctx, session, line)
}

func (s *Service) place(ctx context.Context, session *domain.CallSession, line *accountdomain.Line) (*domain.CallSession, error) {
	// The session id rides on the callback URL; provider callbacks carry
	// their own identifiers otherwise.
	result, err := s.provider.PlaceCall(ctx, telephony.PlaceCallRequest{
		SessionID:         session.ID.String(),
		To:                line.PhoneNumber,
		From:              s.cfg.Telephony.FromNumber,
		StatusCallbackURL: fmt.Sprintf("%s?session_id=%s", s.cfg.Telephony.CallbackURL, session.ID),
	})
	if err != nil {
		s.log.Warn("call placement failed",
			zap.String("session_id", session.ID.String()),
			zap.Error(err))
		if failErr := s.failSession(ctx, session.ID, domain.EndReasonProviderError, domain.AnsweredByUnknown, ""); failErr != nil {
			return nil, failErr
		}
		return session, err
	}

	ok, err := s.repo.Transition(ctx, session.ID, []domain.Status{domain.StatusCreated}, map[string]any{
		"status":            domain.StatusRinging,
		"provider_call_sid": result.ProviderCallSID,
	})
	if err != nil {
		return nil, err
	}
	if ok {
		session.Status = domain.StatusRinging
		session.ProviderCallSID = result.ProviderCallSID
		if s.metrics != nil {
			s.metrics.CallsPlaced.WithLabelValues(string(session.Reason)).Inc()
		}
	}
	return session, nil
}

// checkGuards returns the typed denial blocking placement, or nil.
func (s *Service) checkGuards(ctx context.Context, line *accountdomain.Line, account *accountdomain.Account) error {
	if line.OptedOut {
		return domain.ErrLineOptedOut
	}

	loc, err := recurrence.LoadZone(line.Timezone)
	if err != nil {
		return err
	}
	if line.InQuietHours(s.clock.Now().In(loc)) {
		return domain.ErrQuietHours
	}

	// Access is checked once, here. A session created while the account was
	// valid proceeds even if its status changes during ringing.
	return s.access.Check(ctx, *account)
}

func (s *Service) deniedSession(req domain.CreateCallRequest, line *accountdomain.Line, denial error) *domain.CallSession {
	now := s.clock.Now()
	session := &domain.CallSession{
		ID:         s.genID.Generate(),
		AccountID:  line.AccountID,
		LineID:     line.ID,
		Direction:  domain.DirectionOutbound,
		Status:     domain.StatusFailed,
		Reason:     req.Reason,
		ScheduleID: req.ScheduleID,
		TestCall:   req.TestCall || line.TestLine,
		AnsweredBy: domain.AnsweredByUnknown,
		EndedAt:    &now,
		EndReason:  denialReason(denial),
	}
	if req.SchedulerKey != "" {
		key := req.SchedulerKey
		session.SchedulerKey = &key
	}
	return session
}

func denialReason(err error) string {
	switch {
	case errors.Is(err, domain.ErrLineOptedOut):
		return domain.EndReasonOptedOut
	case errors.Is(err, domain.ErrQuietHours):
		return domain.EndReasonQuietHours
	case errors.Is(err, accountdomain.ErrAccessDenied):
		return domain.EndReasonAccessDenied
	default:
		return domain.EndReasonProviderError
	}
}

// RegisterInbound records an inbound call the platform answered. Inbound
// sessions start connected.
func (s *Service) RegisterInbound(ctx context.Context, lineID snowflake.ID, providerCallSID string) (*domain.CallSession, error) {
	// The provider sends one callback per status; only the first one for a
	// call SID registers, the rest resolve to the existing session.
	if existing, err := s.repo.GetByProviderCallSID(ctx, providerCallSID); err == nil {
		return existing, nil
	} else if !errors.Is(err, domain.ErrSessionNotFound) {
		return nil, err
	}

	line, err := s.accounts.GetLine(ctx, lineID)
	if err != nil {
		return nil, err
	}

	now := s.clock.Now()
	session := &domain.CallSession{
		ID:              s.genID.Generate(),
		AccountID:       line.AccountID,
		LineID:          line.ID,
		Direction:       domain.DirectionInbound,
		Status:          domain.StatusInProgress,
		Reason:          domain.TriggerInbound,
		AnsweredBy:      domain.AnsweredByHuman,
		ProviderCallSID: providerCallSID,
		ConnectedAt:     &now,
	}
	if err := s.repo.Create(ctx, session); err != nil {
		return nil, fmt.Errorf("create inbound session: %w", err)
	}
	s.registry.Add(registry.Entry{SessionID: session.ID, ProviderCallSID: providerCallSID, StartedAt: now})
	return session, nil
}

func (s *Service) GetByProviderCallSID(ctx context.Context, providerCallSID string) (*domain.CallSession, error) {
	return s.repo.GetByProviderCallSID(ctx, providerCallSID)
}

// HandleProviderEvent applies one asynchronous status callback. All paths
// are idempotent: an event for an already-terminal session is a no-op
// decided before any side effect.
func (s *Service) HandleProviderEvent(ctx context.Context, ev domain.ProviderEvent) error {
	switch ev.Status {
	case "ringing":
		_, err := s.repo.Transition(ctx, ev.SessionID, []domain.Status{domain.StatusCreated}, map[string]any{
			"status":            domain.StatusRinging,
			"provider_call_sid": ev.ProviderCallSID,
		})
		return err

	case "answered":
		return s.connect(ctx, ev)

	case "completed":
		return s.complete(ctx, ev)

	case "no-answer":
		return s.failSession(ctx, ev.SessionID, domain.EndReasonNoAnswer, ev.AnsweredBy, ev.RecordingSID)
	case "busy":
		return s.failSession(ctx, ev.SessionID, domain.EndReasonBusy, ev.AnsweredBy, ev.RecordingSID)
	case "failed":
		return s.failSession(ctx, ev.SessionID, domain.EndReasonProviderError, ev.AnsweredBy, ev.RecordingSID)
	}
	// Unrecognized intermediate statuses are ignored, not errors.
	return nil
}

func (s *Service) connect(ctx context.Context, ev domain.ProviderEvent) error {
	connectedAt := ev.OccurredAt
	if connectedAt.IsZero() {
		connectedAt = s.clock.Now()
	}
	answeredBy := ev.AnsweredBy
	if answeredBy == "" {
		answeredBy = domain.AnsweredByUnknown
	}

	ok, err := s.repo.Transition(ctx, ev.SessionID, []domain.Status{domain.StatusCreated, domain.StatusRinging}, map[string]any{
		"status":            domain.StatusInProgress,
		"connected_at":      connectedAt,
		"answered_by":       answeredBy,
		"provider_call_sid": ev.ProviderCallSID,
	})
	if err != nil {
		return err
	}
	if ok {
		s.registry.Add(registry.Entry{SessionID: ev.SessionID, ProviderCallSID: ev.ProviderCallSID, StartedAt: connectedAt})
	}
	return nil
}

func (s *Service) complete(ctx context.Context, ev domain.ProviderEvent) error {
	session, err := s.repo.GetByID(ctx, ev.SessionID)
	if err != nil {
		return err
	}
	if session.Status.Terminal() {
		return nil
	}

	endedAt := ev.OccurredAt
	if endedAt.IsZero() {
		endedAt = s.clock.Now()
	}
	seconds := 0
	if session.ConnectedAt != nil {
		seconds = int(endedAt.Sub(*session.ConnectedAt) / time.Second)
		if seconds < 0 {
			seconds = 0
		}
	}

	updates := map[string]any{
		"status":            domain.StatusCompleted,
		"ended_at":          endedAt,
		"seconds_connected": seconds,
		"end_reason":        domain.EndReasonCompleted,
	}
	if ev.AnsweredBy != "" {
		updates["answered_by"] = ev.AnsweredBy
	}
	if ev.RecordingSID != "" {
		updates["recording_sid"] = ev.RecordingSID
	}

	ok, err := s.repo.Transition(ctx, ev.SessionID, nonTerminal, updates)
	if err != nil {
		return err
	}
	if !ok {
		// Lost the race with a concurrent terminal callback.
		return nil
	}
	return s.onTerminal(ctx, ev.SessionID)
}

func (s *Service) failSession(ctx context.Context, sessionID snowflake.ID, reason string, answeredBy domain.AnsweredBy, recordingSID string) error {
	updates := map[string]any{
		"status":     domain.StatusFailed,
		"ended_at":   s.clock.Now(),
		"end_reason": reason,
	}
	if answeredBy != "" {
		updates["answered_by"] = answeredBy
	}
	if recordingSID != "" {
		updates["recording_sid"] = recordingSID
	}

	ok, err := s.repo.Transition(ctx, sessionID, nonTerminal, updates)
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}
	return s.onTerminal(ctx, sessionID)
}

func (s *Service) Cancel(ctx context.Context, sessionID snowflake.ID) error {
	ok, err := s.repo.Transition(ctx, sessionID, nonTerminal, map[string]any{
		"status":     domain.StatusCanceled,
		"ended_at":   s.clock.Now(),
		"end_reason": domain.EndReasonCanceled,
	})
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}
	s.registry.Remove(sessionID)
	return nil
}

// onTerminal runs the post-terminal side effects exactly once per session:
// the guarded transition that got us here admits a single winner.
func (s *Service) onTerminal(ctx context.Context, sessionID snowflake.ID) error {
	session, err := s.repo.GetByID(ctx, sessionID)
	if err != nil {
		return err
	}

	// Per-call scratch state owned by the media layer.
	s.registry.Remove(session.ID)

	if s.metrics != nil {
		s.metrics.CallsCompleted.WithLabelValues(string(session.Status)).Inc()
	}

	if session.ScheduleID != nil {
		if err := s.updateMissedCounter(ctx, session); err != nil {
			s.log.Warn("missed counter update failed",
				zap.String("session_id", session.ID.String()),
				zap.Error(err))
		}
	}

	if s.shouldMeter(session) {
		if _, err := s.metering.RecordUsage(ctx, *session); err != nil {
			return fmt.Errorf("meter session %s: %w", session.ID, err)
		}
		now := s.clock.Now()
		_ = s.db.WithContext(ctx).Model(&domain.CallSession{}).
			Where("id = ? AND metered_at IS NULL", session.ID).
			Update("metered_at", now).Error
	}
	return nil
}

// shouldMeter applies the billable floor, with reminder calls always
// metered.
func (s *Service) shouldMeter(session *domain.CallSession) bool {
	if session.Reason == domain.TriggerReminder {
		return true
	}
	return session.Status == domain.StatusCompleted && session.SecondsConnected >= s.cfg.Calls.MinBillableSeconds
}

// updateMissedCounter maintains the line's consecutive-miss streak for
// schedule-linked calls and notifies when the threshold is crossed.
func (s *Service) updateMissedCounter(ctx context.Context, session *domain.CallSession) error {
	line, err := s.accounts.GetLine(ctx, session.LineID)
	if err != nil {
		return err
	}

	if session.Answered() {
		if line.ConsecutiveMissedCalls != 0 {
			return s.accounts.UpdateLineMissedCounter(ctx, line.ID, 0)
		}
		return nil
	}

	count := line.ConsecutiveMissedCalls + 1
	if err := s.accounts.UpdateLineMissedCounter(ctx, line.ID, count); err != nil {
		return err
	}

	if count >= s.cfg.Calls.MissedCallThreshold && !line.MissedNoticeSent {
		notice := notify.MissedCallNotice{
			AccountID:         session.AccountID.String(),
			LineID:            line.ID.String(),
			LineName:          line.DisplayName,
			ConsecutiveMisses: count,
			LastAttemptAt:     s.clock.Now(),
		}
		if err := s.notifier.MissedCall(ctx, notice); err != nil {
			// Not marked sent; the next miss past the threshold retries.
			s.log.Warn("missed-call notice delivery failed", zap.Error(err))
			return nil
		}
		return s.accounts.SetLineMissedNotice(ctx, line.ID, true)
	}
	return nil
}

// FailStale fails sessions stuck before connection longer than the
// staleness window; a lost provider callback otherwise leaves them dangling
// forever.
func (s *Service) FailStale(ctx context.Context, olderThan time.Time) (int, error) {
	stale, err := s.repo.ListStale(ctx, olderThan, 100)
	if err != nil {
		return 0, err
	}

	failed := 0
	for _, session := range stale {
		if err := s.failSession(ctx, session.ID, domain.EndReasonProviderError, domain.AnsweredByUnknown, ""); err != nil {
			s.log.Warn("stale session reconciliation failed",
				zap.String("session_id", session.ID.String()),
				zap.Error(err))
			continue
		}
		failed++
	}
	return failed, nil
}

func (s *Service) RecordCallEvent(ctx context.Context, sessionID snowflake.ID, eventType string, payload map[string]any) error {
	return s.repo.AppendEvent(ctx, &domain.CallEvent{
		ID:        s.genID.Generate(),
		SessionID: sessionID,
		Type:      eventType,
		Payload:   datatypes.JSONMap(payload),
	})
}

func (s *Service) NoteToolInvocation(ctx context.Context, sessionID snowflake.ID) error {
	return s.repo.IncrementToolInvocations(ctx, sessionID)
}

func (s *Service) GetByID(ctx context.Context, sessionID snowflake.ID) (*domain.CallSession, error) {
	return s.repo.GetByID(ctx, sessionID)
}
