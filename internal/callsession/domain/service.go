package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
)

var (
	ErrSessionNotFound = errors.New("call_session_not_found")
	ErrAlreadyTerminal = errors.New("call_session_already_terminal")

	// ErrDuplicateSchedulerKey signals an idempotency-key collision. The
	// existing session travels alongside it; HTTP maps this to 409.
	ErrDuplicateSchedulerKey = errors.New("duplicate_scheduler_key")

	// Policy denials evaluated before any call is placed.
	ErrLineOptedOut = errors.New("line_opted_out")
	ErrQuietHours   = errors.New("quiet_hours")
)

type CreateCallRequest struct {
	LineID     snowflake.ID
	Reason     TriggerReason
	ScheduleID *snowflake.ID

	// SchedulerKey, when non-empty, makes the request idempotent.
	SchedulerKey string

	TestCall bool
}

// ProviderEvent is a normalized asynchronous status callback.
type ProviderEvent struct {
	SessionID       snowflake.ID
	ProviderCallSID string
	Status          string // ringing | answered | completed | no-answer | busy | failed
	AnsweredBy      AnsweredBy
	RecordingSID    string
	OccurredAt      time.Time
}

type Service interface {
	// CreateOutbound runs the placement guards, creates the session, and
	// hands the call to the telephony provider. Both the test-call and the
	// scheduler entry points go through this one function.
	CreateOutbound(ctx context.Context, req CreateCallRequest) (*CallSession, error)

	// RegisterInbound records an inbound call answered by the platform.
	RegisterInbound(ctx context.Context, lineID snowflake.ID, providerCallSID string) (*CallSession, error)

	// HandleProviderEvent applies one asynchronous callback. Events for
	// already-terminal sessions are no-ops.
	HandleProviderEvent(ctx context.Context, ev ProviderEvent) error

	// Cancel moves a non-terminal session to canceled.
	Cancel(ctx context.Context, sessionID snowflake.ID) error

	// FailStale fails sessions stuck in created/ringing past the staleness
	// window (lost provider callback). Returns how many were failed.
	FailStale(ctx context.Context, olderThan time.Time) (int, error)

	// RecordCallEvent appends to the per-call event log.
	RecordCallEvent(ctx context.Context, sessionID snowflake.ID, eventType string, payload map[string]any) error

	// NoteToolInvocation bumps the in-call tool counter.
	NoteToolInvocation(ctx context.Context, sessionID snowflake.ID) error

	GetByID(ctx context.Context, sessionID snowflake.ID) (*CallSession, error)

	// GetByProviderCallSID resolves a session from a provider callback that
	// carries no session id (inbound calls).
	GetByProviderCallSID(ctx context.Context, providerCallSID string) (*CallSession, error)
}
