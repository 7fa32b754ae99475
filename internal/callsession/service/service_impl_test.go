package service

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/require"
	accountdomain "github.com/warmlinelabs/warmline/internal/account/domain"
	accountrepo "github.com/warmlinelabs/warmline/internal/account/repository"
	"github.com/warmlinelabs/warmline/internal/callsession/domain"
	"github.com/warmlinelabs/warmline/internal/callsession/registry"
	"github.com/warmlinelabs/warmline/internal/callsession/repository"
	"github.com/warmlinelabs/warmline/internal/clock"
	"github.com/warmlinelabs/warmline/internal/config"
	meteringdomain "github.com/warmlinelabs/warmline/internal/metering/domain"
	"github.com/warmlinelabs/warmline/internal/notify"
	"github.com/warmlinelabs/warmline/internal/telephony"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type stubProvider struct {
	err      error
	requests []telephony.PlaceCallRequest
}

func (p *stubProvider) Name() string { return "stub" }

func (p *stubProvider) PlaceCall(_ context.Context, req telephony.PlaceCallRequest) (telephony.PlaceCallResult, error) {
	p.requests = append(p.requests, req)
	if p.err != nil {
		return telephony.PlaceCallResult{}, p.err
	}
	return telephony.PlaceCallResult{ProviderCallSID: "CA-stub"}, nil
}

func (p *stubProvider) DeleteRecording(_ context.Context, _ string) error { return nil }

func (p *stubProvider) ExportRecording(_ context.Context, _, _ string) error { return nil }

type stubAccess struct{ err error }

func (a *stubAccess) Check(_ context.Context, _ accountdomain.Account) error { return a.err }

type stubMetering struct {
	sessions []domain.CallSession
}

func (m *stubMetering) RecordUsage(_ context.Context, session domain.CallSession) (*meteringdomain.MinuteLedgerEntry, error) {
	m.sessions = append(m.sessions, session)
	return &meteringdomain.MinuteLedgerEntry{}, nil
}

func (m *stubMetering) MinutesUsedInCycle(_ context.Context, _ accountdomain.Account) (int64, error) {
	return 0, nil
}

type stubNotifier struct {
	fail   error
	missed []notify.MissedCallNotice
}

func (n *stubNotifier) MissedCall(_ context.Context, notice notify.MissedCallNotice) error {
	if n.fail != nil {
		return n.fail
	}
	n.missed = append(n.missed, notice)
	return nil
}

func (n *stubNotifier) WeeklySummary(_ context.Context, _ notify.WeeklySummary) error { return nil }

type sessionFixture struct {
	svc      *Service
	db       *gorm.DB
	node     *snowflake.Node
	provider *stubProvider
	access   *stubAccess
	metering *stubMetering
	notifier *stubNotifier
	now      time.Time
	account  accountdomain.Account
	line     accountdomain.Line
}

func newSessionFixture(t *testing.T) *sessionFixture {
	t.Helper()

	db, err := gorm.Open(sqlite.Open("file:"+t.Name()+"?mode=memory&cache=shared"), &gorm.Config{TranslateError: true})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(
		&accountdomain.Account{},
		&accountdomain.Line{},
		&domain.CallSession{},
		&domain.CallEvent{},
	))

	node, _ := snowflake.NewNode(1)
	now := time.Date(2025, 6, 10, 15, 0, 0, 0, time.UTC)
	provider := &stubProvider{}
	access := &stubAccess{}
	meter := &stubMetering{}
	notifier := &stubNotifier{}

	account := accountdomain.Account{
		ID:                 node.Generate(),
		Name:               "test",
		PlanType:           accountdomain.PlanSubscription,
		SubscriptionStatus: accountdomain.SubscriptionActive,
		IncludedMinutes:    100,
		CycleAnchorDay:     1,
	}
	require.NoError(t, db.Create(&account).Error)

	line := accountdomain.Line{
		ID:          node.Generate(),
		AccountID:   account.ID,
		PhoneNumber: "+15550001111",
		DisplayName: "Mom",
		Timezone:    "America/New_York",
	}
	require.NoError(t, db.Create(&line).Error)

	svc := &Service{
		db:       db,
		log:      zap.NewNop(),
		cfg:      config.Config{Calls: config.CallConfig{MinBillableSeconds: 30, MissedCallThreshold: 2}},
		clock:    clock.Fixed{T: now},
		genID:    node,
		repo:     repository.NewRepository(db),
		accounts: accountrepo.NewRepository(db),
		access:   access,
		provider: provider,
		metering: meter,
		notifier: notifier,
		registry: registry.New(),
	}
	return &sessionFixture{
		svc: svc, db: db, node: node,
		provider: provider, access: access, metering: meter, notifier: notifier,
		now: now, account: account, line: line,
	}
}

func (f *sessionFixture) reload(t *testing.T, id snowflake.ID) domain.CallSession {
	t.Helper()
	var session domain.CallSession
	require.NoError(t, f.db.First(&session, "id = ?", id).Error)
	return session
}

func TestCreateOutboundPlacesCall(t *testing.T) {
	f := newSessionFixture(t)

	session, err := f.svc.CreateOutbound(context.Background(), domain.CreateCallRequest{
		LineID: f.line.ID,
		Reason: domain.TriggerScheduled,
	})
	require.NoError(t, err)
	require.Equal(t, domain.StatusRinging, session.Status)
	require.Equal(t, "CA-stub", session.ProviderCallSID)

	require.Len(t, f.provider.requests, 1)
	require.Equal(t, f.line.PhoneNumber, f.provider.requests[0].To)
	require.Contains(t, f.provider.requests[0].StatusCallbackURL, "session_id="+session.ID.String())
}

func TestCreateOutboundIdempotentOnSchedulerKey(t *testing.T) {
	f := newSessionFixture(t)
	req := domain.CreateCallRequest{
		LineID:       f.line.ID,
		Reason:       domain.TriggerScheduled,
		SchedulerKey: "sched-42-1000",
	}

	first, err := f.svc.CreateOutbound(context.Background(), req)
	require.NoError(t, err)

	second, err := f.svc.CreateOutbound(context.Background(), req)
	require.ErrorIs(t, err, domain.ErrDuplicateSchedulerKey)
	require.NotNil(t, second)
	require.Equal(t, first.ID, second.ID)

	// Only the first request dialed.
	require.Len(t, f.provider.requests, 1)
}

func TestCreateOutboundOptedOutLeavesTerminalSession(t *testing.T) {
	f := newSessionFixture(t)
	require.NoError(t, f.db.Model(&accountdomain.Line{}).
		Where("id = ?", f.line.ID).
		Update("opted_out", true).Error)

	session, err := f.svc.CreateOutbound(context.Background(), domain.CreateCallRequest{
		LineID: f.line.ID,
		Reason: domain.TriggerScheduled,
	})
	require.ErrorIs(t, err, domain.ErrLineOptedOut)
	require.NotNil(t, session)

	stored := f.reload(t, session.ID)
	require.Equal(t, domain.StatusFailed, stored.Status)
	require.Equal(t, domain.EndReasonOptedOut, stored.EndReason)
	require.Empty(t, f.provider.requests)
}

func TestCreateOutboundQuietHoursDenied(t *testing.T) {
	f := newSessionFixture(t)
	// 15:00 UTC is 11:00 in New York in June.
	require.NoError(t, f.db.Model(&accountdomain.Line{}).
		Where("id = ?", f.line.ID).
		Updates(map[string]any{"quiet_hours_start": "10:00", "quiet_hours_end": "12:00"}).Error)

	session, err := f.svc.CreateOutbound(context.Background(), domain.CreateCallRequest{
		LineID: f.line.ID,
		Reason: domain.TriggerScheduled,
	})
	require.ErrorIs(t, err, domain.ErrQuietHours)

	stored := f.reload(t, session.ID)
	require.Equal(t, domain.EndReasonQuietHours, stored.EndReason)
	require.Empty(t, f.provider.requests)
}

func TestCreateOutboundAccessDenied(t *testing.T) {
	f := newSessionFixture(t)
	f.access.err = accountdomain.ErrAccessDenied

	session, err := f.svc.CreateOutbound(context.Background(), domain.CreateCallRequest{
		LineID: f.line.ID,
		Reason: domain.TriggerScheduled,
	})
	require.ErrorIs(t, err, accountdomain.ErrAccessDenied)

	stored := f.reload(t, session.ID)
	require.Equal(t, domain.StatusFailed, stored.Status)
	require.Equal(t, domain.EndReasonAccessDenied, stored.EndReason)
	require.Empty(t, f.provider.requests)
}

func TestCreateOutboundPlacementFailure(t *testing.T) {
	f := newSessionFixture(t)
	f.provider.err = telephony.ErrPlacementFailed

	session, err := f.svc.CreateOutbound(context.Background(), domain.CreateCallRequest{
		LineID: f.line.ID,
		Reason: domain.TriggerScheduled,
	})
	require.ErrorIs(t, err, telephony.ErrPlacementFailed)

	stored := f.reload(t, session.ID)
	require.Equal(t, domain.StatusFailed, stored.Status)
	require.Equal(t, domain.EndReasonProviderError, stored.EndReason)
}

func TestLifecycleToCompletionMetersOnce(t *testing.T) {
	f := newSessionFixture(t)
	ctx := context.Background()

	session, err := f.svc.CreateOutbound(ctx, domain.CreateCallRequest{
		LineID: f.line.ID,
		Reason: domain.TriggerScheduled,
	})
	require.NoError(t, err)

	connectedAt := f.now.Add(10 * time.Second)
	require.NoError(t, f.svc.HandleProviderEvent(ctx, domain.ProviderEvent{
		SessionID:       session.ID,
		ProviderCallSID: "CA-stub",
		Status:          "answered",
		AnsweredBy:      domain.AnsweredByHuman,
		OccurredAt:      connectedAt,
	}))
	require.Equal(t, domain.StatusInProgress, f.reload(t, session.ID).Status)

	endedAt := connectedAt.Add(95 * time.Second)
	complete := domain.ProviderEvent{
		SessionID:       session.ID,
		ProviderCallSID: "CA-stub",
		Status:          "completed",
		RecordingSID:    "RE-stub",
		OccurredAt:      endedAt,
	}
	require.NoError(t, f.svc.HandleProviderEvent(ctx, complete))

	stored := f.reload(t, session.ID)
	require.Equal(t, domain.StatusCompleted, stored.Status)
	require.Equal(t, 95, stored.SecondsConnected)
	require.Equal(t, "RE-stub", stored.RecordingSID)
	require.NotNil(t, stored.MeteredAt)
	require.Len(t, f.metering.sessions, 1)

	// A duplicate terminal callback is a no-op.
	require.NoError(t, f.svc.HandleProviderEvent(ctx, complete))
	require.Len(t, f.metering.sessions, 1)
}

func TestShortCompletedCallIsNotMetered(t *testing.T) {
	f := newSessionFixture(t)
	ctx := context.Background()

	session, err := f.svc.CreateOutbound(ctx, domain.CreateCallRequest{
		LineID: f.line.ID,
		Reason: domain.TriggerScheduled,
	})
	require.NoError(t, err)

	connectedAt := f.now.Add(5 * time.Second)
	require.NoError(t, f.svc.HandleProviderEvent(ctx, domain.ProviderEvent{
		SessionID: session.ID, Status: "answered", AnsweredBy: domain.AnsweredByHuman, OccurredAt: connectedAt,
	}))
	require.NoError(t, f.svc.HandleProviderEvent(ctx, domain.ProviderEvent{
		SessionID: session.ID, Status: "completed", OccurredAt: connectedAt.Add(12 * time.Second),
	}))

	stored := f.reload(t, session.ID)
	require.Equal(t, domain.StatusCompleted, stored.Status)
	require.Nil(t, stored.MeteredAt)
	require.Empty(t, f.metering.sessions)
}

func TestMissedCounterIncrementsAndNotifies(t *testing.T) {
	f := newSessionFixture(t)
	ctx := context.Background()
	scheduleID := f.node.Generate()

	miss := func() {
		session, err := f.svc.CreateOutbound(ctx, domain.CreateCallRequest{
			LineID:     f.line.ID,
			Reason:     domain.TriggerScheduled,
			ScheduleID: &scheduleID,
		})
		require.NoError(t, err)
		require.NoError(t, f.svc.HandleProviderEvent(ctx, domain.ProviderEvent{
			SessionID: session.ID, Status: "no-answer",
		}))
	}

	miss()
	var line accountdomain.Line
	require.NoError(t, f.db.First(&line, "id = ?", f.line.ID).Error)
	require.Equal(t, 1, line.ConsecutiveMissedCalls)
	require.Empty(t, f.notifier.missed)

	// Threshold is 2; the second consecutive miss notifies.
	miss()
	require.NoError(t, f.db.First(&line, "id = ?", f.line.ID).Error)
	require.Equal(t, 2, line.ConsecutiveMissedCalls)
	require.True(t, line.MissedNoticeSent)
	require.Len(t, f.notifier.missed, 1)
	require.Equal(t, 2, f.notifier.missed[0].ConsecutiveMisses)
	require.Equal(t, "Mom", f.notifier.missed[0].LineName)

	// Further misses extend the streak without another notice.
	miss()
	require.NoError(t, f.db.First(&line, "id = ?", f.line.ID).Error)
	require.Equal(t, 3, line.ConsecutiveMissedCalls)
	require.Len(t, f.notifier.missed, 1)
}

func TestMissedNoticeRetriesAfterDeliveryFailure(t *testing.T) {
	f := newSessionFixture(t)
	ctx := context.Background()
	scheduleID := f.node.Generate()

	miss := func() {
		session, err := f.svc.CreateOutbound(ctx, domain.CreateCallRequest{
			LineID:     f.line.ID,
			Reason:     domain.TriggerScheduled,
			ScheduleID: &scheduleID,
		})
		require.NoError(t, err)
		require.NoError(t, f.svc.HandleProviderEvent(ctx, domain.ProviderEvent{
			SessionID: session.ID, Status: "no-answer",
		}))
	}

	f.notifier.fail = errors.New("smtp down")
	miss()
	miss()

	var line accountdomain.Line
	require.NoError(t, f.db.First(&line, "id = ?", f.line.ID).Error)
	require.Equal(t, 2, line.ConsecutiveMissedCalls)
	require.False(t, line.MissedNoticeSent)
	require.Empty(t, f.notifier.missed)

	// Delivery recovers; the next miss carries the notice through.
	f.notifier.fail = nil
	miss()
	require.NoError(t, f.db.First(&line, "id = ?", f.line.ID).Error)
	require.True(t, line.MissedNoticeSent)
	require.Len(t, f.notifier.missed, 1)
	require.Equal(t, 3, f.notifier.missed[0].ConsecutiveMisses)
}

func TestAnsweredCallResetsMissedCounter(t *testing.T) {
	f := newSessionFixture(t)
	ctx := context.Background()
	scheduleID := f.node.Generate()

	require.NoError(t, f.db.Model(&accountdomain.Line{}).
		Where("id = ?", f.line.ID).
		Updates(map[string]any{"consecutive_missed_calls": 2, "missed_notice_sent": true}).Error)

	session, err := f.svc.CreateOutbound(ctx, domain.CreateCallRequest{
		LineID:     f.line.ID,
		Reason:     domain.TriggerScheduled,
		ScheduleID: &scheduleID,
	})
	require.NoError(t, err)

	connectedAt := f.now.Add(5 * time.Second)
	require.NoError(t, f.svc.HandleProviderEvent(ctx, domain.ProviderEvent{
		SessionID: session.ID, Status: "answered", AnsweredBy: domain.AnsweredByHuman, OccurredAt: connectedAt,
	}))
	require.NoError(t, f.svc.HandleProviderEvent(ctx, domain.ProviderEvent{
		SessionID: session.ID, Status: "completed", OccurredAt: connectedAt.Add(60 * time.Second),
	}))

	var line accountdomain.Line
	require.NoError(t, f.db.First(&line, "id = ?", f.line.ID).Error)
	require.Zero(t, line.ConsecutiveMissedCalls)
	require.False(t, line.MissedNoticeSent)
}

func TestCancelNonTerminalSession(t *testing.T) {
	f := newSessionFixture(t)
	ctx := context.Background()

	session, err := f.svc.CreateOutbound(ctx, domain.CreateCallRequest{
		LineID: f.line.ID,
		Reason: domain.TriggerTest,
	})
	require.NoError(t, err)

	require.NoError(t, f.svc.Cancel(ctx, session.ID))
	stored := f.reload(t, session.ID)
	require.Equal(t, domain.StatusCanceled, stored.Status)
	require.Equal(t, domain.EndReasonCanceled, stored.EndReason)

	// Canceling again is a no-op.
	require.NoError(t, f.svc.Cancel(ctx, session.ID))
}

func TestFailStaleReapsStuckSessions(t *testing.T) {
	f := newSessionFixture(t)
	ctx := context.Background()

	session, err := f.svc.CreateOutbound(ctx, domain.CreateCallRequest{
		LineID: f.line.ID,
		Reason: domain.TriggerScheduled,
	})
	require.NoError(t, err)
	require.Equal(t, domain.StatusRinging, session.Status)

	failed, err := f.svc.FailStale(ctx, time.Now().UTC().Add(time.Hour))
	require.NoError(t, err)
	require.Equal(t, 1, failed)

	stored := f.reload(t, session.ID)
	require.Equal(t, domain.StatusFailed, stored.Status)
	require.Equal(t, domain.EndReasonProviderError, stored.EndReason)

	// Already terminal; a second sweep finds nothing.
	failed, err = f.svc.FailStale(ctx, time.Now().UTC().Add(time.Hour))
	require.NoError(t, err)
	require.Zero(t, failed)
}

func TestRegisterInbound(t *testing.T) {
	f := newSessionFixture(t)

	session, err := f.svc.RegisterInbound(context.Background(), f.line.ID, "CA-inbound")
	require.NoError(t, err)
	require.Equal(t, domain.StatusInProgress, session.Status)
	require.Equal(t, domain.DirectionInbound, session.Direction)
	require.Equal(t, domain.TriggerInbound, session.Reason)
	require.NotNil(t, session.ConnectedAt)

	// A second callback for the same call SID resolves to the same session.
	again, err := f.svc.RegisterInbound(context.Background(), f.line.ID, "CA-inbound")
	require.NoError(t, err)
	require.Equal(t, session.ID, again.ID)

	var count int64
	require.NoError(t, f.db.Model(&domain.CallSession{}).
		Where("provider_call_sid = ?", "CA-inbound").Count(&count).Error)
	require.EqualValues(t, 1, count)
}

func TestRecordCallEventAndToolInvocations(t *testing.T) {
	f := newSessionFixture(t)
	ctx := context.Background()

	session, err := f.svc.CreateOutbound(ctx, domain.CreateCallRequest{
		LineID: f.line.ID,
		Reason: domain.TriggerTest,
	})
	require.NoError(t, err)

	require.NoError(t, f.svc.RecordCallEvent(ctx, session.ID, "transcript.partial", map[string]any{"text": "hello"}))
	require.NoError(t, f.svc.NoteToolInvocation(ctx, session.ID))
	require.NoError(t, f.svc.NoteToolInvocation(ctx, session.ID))

	var events []domain.CallEvent
	require.NoError(t, f.db.Find(&events, "session_id = ?", session.ID).Error)
	require.Len(t, events, 1)
	require.Equal(t, "transcript.partial", events[0].Type)

	stored := f.reload(t, session.ID)
	require.Equal(t, 2, stored.ToolInvocations)
}

func TestDenialReasonMapping(t *testing.T) {
	wrapped := fmt.Errorf("%w: %w", accountdomain.ErrAccessDenied, accountdomain.ErrTrialExpired)

	require.Equal(t, domain.EndReasonOptedOut, denialReason(domain.ErrLineOptedOut))
	require.Equal(t, domain.EndReasonQuietHours, denialReason(domain.ErrQuietHours))
	require.Equal(t, domain.EndReasonAccessDenied, denialReason(wrapped))
	require.Equal(t, domain.EndReasonProviderError, denialReason(errors.New("boom")))
}
