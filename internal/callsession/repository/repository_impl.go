package repository

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/warmlinelabs/warmline/internal/callsession/domain"
	"gorm.io/gorm"
)

type Repository struct {
	db *gorm.DB
}

func NewRepository(db *gorm.DB) *Repository {
	return &Repository{db: db}
}

func (r *Repository) Create(ctx context.Context, session *domain.CallSession) error {
	return r.db.WithContext(ctx).Create(session).Error
}

func (r *Repository) GetByID(ctx context.Context, id snowflake.ID) (*domain.CallSession, error) {
	var session domain.CallSession
	err := r.db.WithContext(ctx).First(&session, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, domain.ErrSessionNotFound
	}
	if err != nil {
		return nil, err
	}
	return &session, nil
}

// GetByProviderCallSID resolves a callback that carries no session id.
// The newest session wins when a SID was ever reused.
func (r *Repository) GetByProviderCallSID(ctx context.Context, sid string) (*domain.CallSession, error) {
	var session domain.CallSession
	err := r.db.WithContext(ctx).
		Where("provider_call_sid = ?", sid).
		Order("created_at DESC").
		First(&session).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, domain.ErrSessionNotFound
	}
	if err != nil {
		return nil, err
	}
	return &session, nil
}

func (r *Repository) GetBySchedulerKey(ctx context.Context, key string) (*domain.CallSession, error) {
	var session domain.CallSession
	err := r.db.WithContext(ctx).First(&session, "scheduler_key = ?", key).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, domain.ErrSessionNotFound
	}
	if err != nil {
		return nil, err
	}
	return &session, nil
}

// Transition applies updates to the session only while its status is one of
// from. The guarded write is the concurrency mechanism: with two racing
// callbacks exactly one sees rows affected.
func (r *Repository) Transition(ctx context.Context, id snowflake.ID, from []domain.Status, updates map[string]any) (bool, error) {
	res := r.db.WithContext(ctx).
		Model(&domain.CallSession{}).
		Where("id = ? AND status IN ?", id, from).
		Updates(updates)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

// ListStale returns non-terminal sessions created before the cutoff.
func (r *Repository) ListStale(ctx context.Context, cutoff time.Time, limit int) ([]domain.CallSession, error) {
	var sessions []domain.CallSession
	err := r.db.WithContext(ctx).
		Where("status IN ? AND created_at < ?", []domain.Status{domain.StatusCreated, domain.StatusRinging}, cutoff).
		Order("created_at ASC").
		Limit(limit).
		Find(&sessions).Error
	return sessions, err
}

func (r *Repository) AppendEvent(ctx context.Context, event *domain.CallEvent) error {
	return r.db.WithContext(ctx).Create(event).Error
}

func (r *Repository) IncrementToolInvocations(ctx context.Context, id snowflake.ID) error {
	return r.db.WithContext(ctx).
		Model(&domain.CallSession{}).
		Where("id = ?", id).
		UpdateColumn("tool_invocations", gorm.Expr("tool_invocations + 1")).Error
}
